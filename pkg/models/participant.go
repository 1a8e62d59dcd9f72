package models

import "time"

// Role is a participant's role within a session.
type Role string

// Participant roles. A session has at most one active DOCTOR (always the
// creator) and at most one active PATIENT; observers are unbounded.
const (
	RoleDoctor   Role = "DOCTOR"
	RolePatient  Role = "PATIENT"
	RoleObserver Role = "OBSERVER"
)

// Valid reports whether r is a known role value.
func (r Role) Valid() bool {
	switch r {
	case RoleDoctor, RolePatient, RoleObserver:
		return true
	}
	return false
}

// Participant binds a user to a session with a role. The composite key is
// (SessionID, UserID); rows are reactivated rather than duplicated when a
// user rejoins.
type Participant struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
	Role      Role   `json:"role"`
	IsActive  bool   `json:"is_active"`

	HasCompleted bool `json:"has_completed"`
	// HasGivenFeedback is a legacy flag kept for compatibility; round
	// progression is gated on feedback rows, not on this flag.
	HasGivenFeedback bool `json:"has_given_feedback"`

	JoinedAt time.Time `json:"joined_at"`

	// UserName is hydrated from the users table on join-fetched reads.
	UserName string `json:"user_name,omitempty"`
}

// User is the minimal account contract the orchestrator needs. Account
// management itself lives outside the core.
type User struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	IsAdmin bool   `json:"is_admin,omitempty"`
}
