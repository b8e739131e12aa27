package conversation

import (
	"context"
	"errors"
	"strings"

	"couple-talk/internal/domain"
	"couple-talk/internal/metrics"
)

type SummarizeOutcome string

const (
	// SummaryWritten means a new summary replaced the previous one.
	SummaryWritten SummarizeOutcome = "written"
	// SummaryNotNeeded means the history fits in the recent window.
	SummaryNotNeeded SummarizeOutcome = "not_needed"
	// SummaryUpToDate means the stored summary already covers the older slice.
	SummaryUpToDate SummarizeOutcome = "up_to_date"
)

type SummarizeResult struct {
	Outcome                SummarizeOutcome
	SummarizedMessageCount int
}

// Summarize compresses every turn except the last RecentWindow into a new
// rolling summary and replaces the stored one. Runs are serialized per session
// and never lower the stored coverage, so retries and duplicate schedules are
// safe. An LLM failure leaves the previous summary untouched.
func (s *Service) Summarize(ctx context.Context, sessionID string) (SummarizeResult, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return SummarizeResult{}, newError(ErrorInvalidInput, "missing_session", nil)
	}
	unlock := s.locks.Lock(sessionID)
	defer unlock()

	res, err := s.summarizeLocked(ctx, sessionID)
	if err != nil {
		s.metrics.SummaryRun(metrics.SummaryFailed)
		s.logger.WarnContext(ctx, "summarization failed", "session_id", sessionID, "err", err)
		return SummarizeResult{}, err
	}
	s.metrics.SummaryRun(string(res.Outcome))
	return res, nil
}

func (s *Service) summarizeLocked(ctx context.Context, sessionID string) (SummarizeResult, error) {
	turns, err := s.store.ListTurns(ctx, sessionID)
	if err != nil {
		return SummarizeResult{}, storeError("turns_read_error", err)
	}
	olderLen := len(turns) - s.cfg.RecentWindow
	if olderLen <= 0 {
		return SummarizeResult{Outcome: SummaryNotNeeded}, nil
	}

	existing, err := s.store.GetSummary(ctx, sessionID)
	if err != nil {
		return SummarizeResult{}, storeError("summary_read_error", err)
	}
	if existing != nil && existing.SummarizedMessageCount >= olderLen {
		return SummarizeResult{Outcome: SummaryUpToDate, SummarizedMessageCount: existing.SummarizedMessageCount}, nil
	}

	llmCtx, cancel := context.WithTimeout(ctx, s.cfg.SummaryTimeout)
	defer cancel()
	text, err := s.llm.SummarizeTurns(llmCtx, turns[:olderLen])
	if err != nil {
		return SummarizeResult{}, upstreamError("summary", err)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return SummarizeResult{}, newError(ErrorUpstream, "summary_malformed_response", errors.New("empty summary text"))
	}

	err = s.store.UpsertSummary(ctx, domain.ConversationSummary{
		SessionID:              sessionID,
		Text:                   text,
		SummarizedMessageCount: olderLen,
		UpdatedAt:              s.now(),
	})
	if err != nil {
		return SummarizeResult{}, newError(ErrorInternal, "summary_write_error", err)
	}
	s.logger.InfoContext(ctx, "summary written", "session_id", sessionID, "summarized", olderLen, "turns", len(turns))
	return SummarizeResult{Outcome: SummaryWritten, SummarizedMessageCount: olderLen}, nil
}
