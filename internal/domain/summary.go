package domain

import "time"

// ConversationSummary is the rolling summary for a session. At most one exists
// per session and every summarization run replaces it wholesale.
type ConversationSummary struct {
	SessionID string
	Text      string
	// SummarizedMessageCount is the oldest-first prefix of turns the text covers.
	SummarizedMessageCount int
	UpdatedAt              time.Time
}

// ContextWindow is the bounded context handed to the responder.
type ContextWindow struct {
	SessionID              string
	SummaryText            string
	SummarizedMessageCount int
	RecentTurns            []Turn
	TotalTurns             int
}

// HasSummary reports whether the window carries a rolling summary.
func (w ContextWindow) HasSummary() bool {
	return w.SummaryText != ""
}
