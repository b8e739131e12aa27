package conversation

import (
	"context"
	"time"

	"couple-talk/internal/domain"
	"couple-talk/internal/metrics"
)

type EndSessionInput struct {
	SessionID  string
	UserID     string
	IsResolved bool
}

type EndSessionResult struct {
	Discarded bool
	// AnalyticsFailed reports that the session ended but its insight could
	// not be produced.
	AnalyticsFailed bool
	Insight         *domain.SessionInsight
}

// EndSession closes an active session. Sessions with fewer than MinUserTurns
// user turns are discarded together with their turns and summary. Otherwise
// the session is marked ended and the terminal insight pass runs
// synchronously; its failure is reported through AnalyticsFailed, not as an
// error.
func (s *Service) EndSession(ctx context.Context, in EndSessionInput) (EndSessionResult, error) {
	session, err := s.ownedSession(ctx, in.SessionID, in.UserID)
	if err != nil {
		return EndSessionResult{}, err
	}
	if session.Status != domain.StatusActive {
		return EndSessionResult{}, newError(ErrorInvalidInput, "session_not_active", nil)
	}

	// Held so an in-flight background summary cannot land after the delete.
	unlock := s.locks.Lock(session.ID)
	defer unlock()

	// A concurrent EndSession may have closed the session while we waited.
	session, err = s.store.GetSession(ctx, session.ID)
	if err != nil {
		return EndSessionResult{}, storeError("session_lookup_error", err)
	}
	if session.Status != domain.StatusActive {
		return EndSessionResult{}, newError(ErrorInvalidInput, "session_not_active", nil)
	}

	turns, err := s.store.ListTurns(ctx, session.ID)
	if err != nil {
		return EndSessionResult{}, storeError("turns_read_error", err)
	}

	now := s.now()
	if domain.CountRole(turns, domain.RoleUser) < s.cfg.MinUserTurns {
		return s.discard(ctx, session.ID, now)
	}

	resolved := in.IsResolved
	err = s.store.TransitionSession(ctx, session.ID, domain.SessionTransition{
		Status:     domain.StatusEnded,
		EndedAt:    now,
		IsResolved: &resolved,
	})
	if err != nil {
		return EndSessionResult{}, storeError("session_transition_error", err)
	}

	insight, err := s.terminalInsight(ctx, session.ID, turns)
	if err != nil {
		s.metrics.SessionEnded(metrics.SessionAnalyticsFailed)
		s.logger.WarnContext(ctx, "session ended without insight", "session_id", session.ID, "err", err)
		return EndSessionResult{AnalyticsFailed: true}, nil
	}
	s.metrics.SessionEnded(metrics.SessionEnded)
	s.logger.InfoContext(ctx, "session ended", "session_id", session.ID, "turns", len(turns))
	return EndSessionResult{Insight: &insight}, nil
}

func (s *Service) discard(ctx context.Context, sessionID string, now time.Time) (EndSessionResult, error) {
	err := s.store.TransitionSession(ctx, sessionID, domain.SessionTransition{
		Status:  domain.StatusDiscarded,
		EndedAt: now,
	})
	if err != nil {
		return EndSessionResult{}, storeError("session_transition_error", err)
	}
	if err := s.store.DeleteSummary(ctx, sessionID); err != nil {
		return EndSessionResult{}, newError(ErrorInternal, "summary_delete_error", err)
	}
	if err := s.store.DeleteSession(ctx, sessionID); err != nil {
		return EndSessionResult{}, newError(ErrorInternal, "session_delete_error", err)
	}
	s.metrics.SessionEnded(metrics.SessionDiscarded)
	s.logger.InfoContext(ctx, "session discarded", "session_id", sessionID)
	return EndSessionResult{Discarded: true}, nil
}

// terminalInsight compresses the entire history into the end-of-session
// artifact and stores it.
func (s *Service) terminalInsight(ctx context.Context, sessionID string, turns []domain.Turn) (domain.SessionInsight, error) {
	llmCtx, cancel := context.WithTimeout(ctx, s.cfg.SummaryTimeout)
	defer cancel()
	insight, err := s.llm.SummarizeSessionForAnalytics(llmCtx, turns)
	if err != nil {
		return domain.SessionInsight{}, upstreamError("insight", err)
	}
	insight.SessionID = sessionID
	insight.CreatedAt = s.now()
	if err := s.store.SaveInsight(ctx, insight); err != nil {
		return domain.SessionInsight{}, newError(ErrorInternal, "insight_write_error", err)
	}
	return insight, nil
}
