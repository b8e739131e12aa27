package conversation

import (
	"context"
	"strings"

	"couple-talk/internal/domain"
)

// RecordTurnAndMaybeSummarize appends a turn and, when the new total crosses
// the summary threshold, schedules a background summarization. Summarization
// never fails or delays the caller.
func (s *Service) RecordTurnAndMaybeSummarize(ctx context.Context, sessionID string, role domain.Role, content string) (domain.Turn, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return domain.Turn{}, newError(ErrorInvalidInput, "missing_session", nil)
	}
	if !role.Valid() {
		return domain.Turn{}, newError(ErrorInvalidInput, "invalid_role", nil)
	}
	if strings.TrimSpace(content) == "" {
		return domain.Turn{}, newError(ErrorInvalidInput, "empty_message", nil)
	}

	turn, err := s.store.AppendTurn(ctx, sessionID, role, content)
	if err != nil {
		return domain.Turn{}, storeError("turn_write_error", err)
	}
	s.onTurnAppended(ctx, sessionID, turn.Seq)
	return turn, nil
}

// onTurnAppended recomputes eligibility from the new total on every call and
// keeps no state of its own.
func (s *Service) onTurnAppended(ctx context.Context, sessionID string, total int) {
	threshold := s.cfg.SummaryThreshold
	if !isCrossing(total, threshold) {
		return
	}

	observed := 0
	summary, err := s.store.GetSummary(ctx, sessionID)
	if err != nil {
		s.logger.WarnContext(ctx, "summary read failed before trigger", "session_id", sessionID, "err", err)
	} else if summary != nil {
		observed = observedCrossing(summary.SummarizedMessageCount, s.cfg.RecentWindow, threshold)
	}
	if !summaryDue(total, observed, threshold) {
		return
	}

	err = s.scheduler.Submit(ctx, "summarize:"+sessionID, func(ctx context.Context) error {
		_, err := s.Summarize(ctx, sessionID)
		return err
	})
	if err != nil {
		s.metrics.TaskRejected()
		s.logger.WarnContext(ctx, "summarization not scheduled", "session_id", sessionID, "total", total, "err", err)
		return
	}
	s.metrics.SummaryScheduled()
	s.logger.InfoContext(ctx, "summarization scheduled", "session_id", sessionID, "total", total)
}

// isCrossing reports whether total lands exactly on a threshold boundary.
func isCrossing(total, threshold int) bool {
	return threshold > 0 && total >= threshold && total%threshold == 0
}

// observedCrossing returns the threshold boundary the stored summary accounts
// for. A run sees at least the history of the crossing that scheduled it, plus
// whatever arrived before it executed, so the boundary is rounded down.
func observedCrossing(summarized, recent, threshold int) int {
	if threshold <= 0 {
		return 0
	}
	return ((summarized + recent) / threshold) * threshold
}

// summaryDue reports whether a summarization should run at total turns given
// the history length the previous summary observed.
func summaryDue(total, observed, threshold int) bool {
	return isCrossing(total, threshold) && total-observed >= threshold
}
