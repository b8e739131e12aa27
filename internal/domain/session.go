package domain

import (
	"errors"
	"time"
)

// ErrNotFound is returned by stores when a session or record does not exist.
var ErrNotFound = errors.New("not found")

// SessionStatus is the lifecycle state of a conversation session.
type SessionStatus string

const (
	StatusActive    SessionStatus = "active"
	StatusEnded     SessionStatus = "ended"
	StatusDiscarded SessionStatus = "discarded"
)

// Session is a single couples conversation.
type Session struct {
	ID         string
	UserID     string
	Status     SessionStatus
	StartedAt  time.Time
	EndedAt    *time.Time
	IsResolved *bool
}

// SessionTransition carries the fields written alongside a status change.
type SessionTransition struct {
	Status     SessionStatus
	EndedAt    time.Time
	IsResolved *bool
}

// SessionInsight is the structured artifact produced when a session ends.
// It is distinct from the rolling ConversationSummary.
type SessionInsight struct {
	SessionID         string    `json:"-"`
	Title             string    `json:"title"`
	Summary           string    `json:"summary"`
	RootCause         string    `json:"root_cause"`
	Emotions          []string  `json:"emotions"`
	SuggestedApproach string    `json:"suggested_approach"`
	CreatedAt         time.Time `json:"-"`
}
