package conversation

import (
	"context"
	"strings"

	"couple-talk/internal/domain"
)

// AssembleContext returns the summary and recent turns to hand to the
// responder. It has no side effects and may race a summary write: the window
// is always built from one summary snapshot.
func (s *Service) AssembleContext(ctx context.Context, sessionID string) (domain.ContextWindow, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return domain.ContextWindow{}, newError(ErrorInvalidInput, "missing_session", nil)
	}
	if _, err := s.store.GetSession(ctx, sessionID); err != nil {
		return domain.ContextWindow{}, storeError("session_lookup_error", err)
	}
	return s.assemble(ctx, sessionID)
}

func (s *Service) assemble(ctx context.Context, sessionID string) (domain.ContextWindow, error) {
	// Summary before turns: turns only grow, so the summary read first can
	// never claim more turns than the list read after it.
	summary, err := s.store.GetSummary(ctx, sessionID)
	if err != nil {
		return domain.ContextWindow{}, storeError("summary_read_error", err)
	}
	turns, err := s.store.ListTurns(ctx, sessionID)
	if err != nil {
		return domain.ContextWindow{}, storeError("turns_read_error", err)
	}
	if summary != nil && summary.SummarizedMessageCount > len(turns) {
		s.logger.WarnContext(ctx, "summary covers more turns than exist, clamping",
			"session_id", sessionID,
			"summarized", summary.SummarizedMessageCount,
			"turns", len(turns))
	}
	return buildWindow(sessionID, summary, turns, s.cfg.RecentWindow, s.cfg.Policy), nil
}

func buildWindow(sessionID string, summary *domain.ConversationSummary, turns []domain.Turn, recent int, policy ContextPolicy) domain.ContextWindow {
	total := len(turns)
	start := total - recent
	if start < 0 {
		start = 0
	}

	w := domain.ContextWindow{SessionID: sessionID, TotalTurns: total}
	if summary != nil && strings.TrimSpace(summary.Text) != "" {
		covered := clampCovered(summary.SummarizedMessageCount, total)
		w.SummaryText = summary.Text
		w.SummarizedMessageCount = covered
		switch policy {
		case PolicyPartition:
			start = covered
		default:
			// A lagging summary widens the window so no turn falls between
			// the summary and the verbatim tail.
			if covered < start {
				start = covered
			}
		}
	}

	w.RecentTurns = make([]domain.Turn, total-start)
	copy(w.RecentTurns, turns[start:])
	return w
}

func clampCovered(covered, total int) int {
	if covered < 0 {
		return 0
	}
	if covered > total {
		return total
	}
	return covered
}
