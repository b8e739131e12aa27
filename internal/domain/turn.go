package domain

import "time"

// Role identifies who authored a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is one of the persisted roles.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

// Turn is a single persisted conversation message. Seq is the 1-based position
// of the turn within its session and breaks CreatedAt ties.
type Turn struct {
	SessionID string
	Seq       int
	Role      Role
	Content   string
	CreatedAt time.Time
}

// CountRole returns the number of turns authored by role.
func CountRole(turns []Turn, role Role) int {
	n := 0
	for _, t := range turns {
		if t.Role == role {
			n++
		}
	}
	return n
}
