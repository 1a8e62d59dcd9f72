package models

import (
	"slices"
	"time"
)

// Phase is the protocol phase a session is currently in.
type Phase string

// Session phases, in protocol order.
const (
	PhaseWaiting      Phase = "WAITING"
	PhaseReading      Phase = "READING"
	PhaseConsultation Phase = "CONSULTATION"
	PhaseFeedback     Phase = "FEEDBACK"
	PhaseCompleted    Phase = "COMPLETED"
)

// Timed reports whether the phase runs under a countdown timer.
func (p Phase) Timed() bool {
	return p == PhaseReading || p == PhaseConsultation || p == PhaseFeedback
}

// Valid reports whether p is a known phase value.
func (p Phase) Valid() bool {
	switch p {
	case PhaseWaiting, PhaseReading, PhaseConsultation, PhaseFeedback, PhaseCompleted:
		return true
	}
	return false
}

// SessionStatus is the coarse lifecycle state of a session.
type SessionStatus string

// Session statuses.
const (
	StatusCreated    SessionStatus = "CREATED"
	StatusInProgress SessionStatus = "IN_PROGRESS"
	StatusCompleted  SessionStatus = "COMPLETED"
)

// SessionConfig holds the doctor-chosen configuration for a session.
// Reconfigurable only while the session is WAITING.
type SessionConfig struct {
	ReadingMinutes      int        `json:"reading_minutes"`
	ConsultationMinutes int        `json:"consultation_minutes"`
	TimingType          string     `json:"timing_type"`
	SessionType         string     `json:"session_type"`
	SelectedTopics      []string   `json:"selected_topics"`
	RecallFrom          *time.Time `json:"recall_from,omitempty"`
	RecallTo            *time.Time `json:"recall_to,omitempty"`
}

// Session is a coordinated multi-user practice run identified by a
// six-digit code. The orchestrator owns all state transitions; the
// repository is the durable source of truth.
type Session struct {
	ID     string        `json:"id"`
	Code   string        `json:"code"`
	Title  string        `json:"title"`
	Status SessionStatus `json:"status"`
	Phase  Phase         `json:"phase"`

	Config SessionConfig `json:"config"`

	// SelectedCaseID is empty until the session is configured. Whenever
	// set, it is also present in UsedCaseIDs.
	SelectedCaseID string   `json:"selected_case_id,omitempty"`
	UsedCaseIDs    []string `json:"used_case_ids"`

	// PhaseStartTime is the wall-clock instant the current phase began.
	// TimerStartTimestamp (epoch ms) is non-nil only while a phase timer
	// is armed; it matches the startTimestamp of the last TIMER_START.
	PhaseStartTime      *time.Time `json:"phase_start_time,omitempty"`
	TimerStartTimestamp *int64     `json:"timer_start_timestamp,omitempty"`

	// CurrentRound starts at 1 and increments on each new case within
	// the session.
	CurrentRound int `json:"current_round"`

	CreatedByUserID string     `json:"created_by_user_id"`
	CreatedAt       time.Time  `json:"created_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	EndedAt         *time.Time `json:"ended_at,omitempty"`
}

// IsCompleted reports whether the session has reached its terminal state.
func (s *Session) IsCompleted() bool {
	return s.Status == StatusCompleted || s.Phase == PhaseCompleted
}

// HasUsedCase reports whether the given case has already been played in
// this session.
func (s *Session) HasUsedCase(caseID string) bool {
	return slices.Contains(s.UsedCaseIDs, caseID)
}

// Clone returns a deep copy safe to mutate without affecting s.
func (s *Session) Clone() *Session {
	c := *s
	c.UsedCaseIDs = slices.Clone(s.UsedCaseIDs)
	c.Config.SelectedTopics = slices.Clone(s.Config.SelectedTopics)
	if s.PhaseStartTime != nil {
		t := *s.PhaseStartTime
		c.PhaseStartTime = &t
	}
	if s.TimerStartTimestamp != nil {
		v := *s.TimerStartTimestamp
		c.TimerStartTimestamp = &v
	}
	if s.StartedAt != nil {
		t := *s.StartedAt
		c.StartedAt = &t
	}
	if s.EndedAt != nil {
		t := *s.EndedAt
		c.EndedAt = &t
	}
	if s.Config.RecallFrom != nil {
		t := *s.Config.RecallFrom
		c.Config.RecallFrom = &t
	}
	if s.Config.RecallTo != nil {
		t := *s.Config.RecallTo
		c.Config.RecallTo = &t
	}
	return &c
}
