package events

import (
	"github.com/practicase/practicase/pkg/models"
)

// ParticipantView is the participant projection embedded in envelopes.
type ParticipantView struct {
	UserID       string      `json:"userId"`
	Name         string      `json:"name"`
	Role         models.Role `json:"role"`
	IsActive     bool        `json:"isActive"`
	HasCompleted bool        `json:"hasCompleted"`
}

// ConfigView is the session configuration as exposed on the wire.
type ConfigView struct {
	ReadingTime      int      `json:"readingTime"`
	ConsultationTime int      `json:"consultationTime"`
	TimingType       string   `json:"timingType"`
	SessionType      string   `json:"sessionType"`
	SelectedTopics   []string `json:"selectedTopics"`
}

// CaseView is the role-filtered projection of a case. Title is omitted for
// the doctor; patient-facing and doctor-facing sections are filled per
// recipient role by the orchestrator's projection.
type CaseView struct {
	ID                 string                     `json:"id"`
	Title              string                     `json:"title,omitempty"`
	Category           string                     `json:"category"`
	Description        string                     `json:"description"`
	DoctorInformation  string                     `json:"doctorInformation,omitempty"`
	PatientInformation string                     `json:"patientInformation,omitempty"`
	AdditionalNotes    string                     `json:"additionalNotes,omitempty"`
	ImageURL           string                     `json:"imageUrl,omitempty"`
	FeedbackCriteria   []models.FeedbackCriterion `json:"feedbackCriteria,omitempty"`
}

// SessionUpdatePayload is the full session snapshot envelope.
type SessionUpdatePayload struct {
	Type                string               `json:"type"` // always TypeSessionUpdate
	SessionCode         string               `json:"sessionCode"`
	Title               string               `json:"title"`
	Phase               models.Phase         `json:"phase"`
	Status              models.SessionStatus `json:"status"`
	Config              ConfigView           `json:"config"`
	Participants        []ParticipantView    `json:"participants"`
	SelectedCase        *CaseView            `json:"selectedCase,omitempty"`
	CurrentRound        int                  `json:"currentRound"`
	TimerStartTimestamp *int64               `json:"timerStartTimestamp,omitempty"`
}

// ParticipantUpdatePayload announces a changed participant set.
type ParticipantUpdatePayload struct {
	Type         string            `json:"type"` // always TypeParticipantUpdate
	SessionCode  string            `json:"sessionCode"`
	Participants []ParticipantView `json:"participants"`
}

// PhaseChangePayload announces a phase transition. StartTimestamp is
// epoch milliseconds; clients compute remaining time locally as
// max(0, durationSeconds - (now - startTimestamp)).
type PhaseChangePayload struct {
	Type            string       `json:"type"` // always TypePhaseChange
	SessionCode     string       `json:"sessionCode"`
	Phase           models.Phase `json:"phase"`
	DurationSeconds int          `json:"durationSeconds"`
	StartTimestamp  int64        `json:"startTimestamp"`
}

// TimerStartPayload carries the authoritative countdown start for a timed
// phase. The server performs no per-second broadcasts.
type TimerStartPayload struct {
	Type            string       `json:"type"` // always TypeTimerStart
	SessionCode     string       `json:"sessionCode"`
	Phase           models.Phase `json:"phase"`
	DurationSeconds int          `json:"durationSeconds"`
	StartTimestamp  int64        `json:"startTimestamp"`
}

// CaseDataPayload delivers role-filtered case content. Private: published
// only on per-user topics.
type CaseDataPayload struct {
	Type        string    `json:"type"` // always TypeCaseData
	SessionCode string    `json:"sessionCode"`
	Case        *CaseView `json:"case"`
}

// UserLeftPayload announces a participant deactivation.
type UserLeftPayload struct {
	Type        string      `json:"type"` // always TypeUserLeft
	SessionCode string      `json:"sessionCode"`
	UserID      string      `json:"userId"`
	UserName    string      `json:"userName"`
	UserRole    models.Role `json:"userRole"`
}

// SessionEndedPayload is the terminal envelope on a session topic.
type SessionEndedPayload struct {
	Type        string `json:"type"` // always TypeSessionEnded
	SessionCode string `json:"sessionCode"`
	Reason      string `json:"reason"`
	Timestamp   int64  `json:"timestamp"`
}

// RoleChangePayload precedes the SESSION_UPDATE that follows a role
// reassignment back to WAITING.
type RoleChangePayload struct {
	Type        string `json:"type"` // always TypeRoleChange
	SessionCode string `json:"sessionCode"`
	Message     string `json:"message"`
}

// TopicSelectionNeededPayload tells the doctor the configured topic set is
// exhausted and a new selection is required.
type TopicSelectionNeededPayload struct {
	Type            string   `json:"type"` // always TypeTopicSelectionNeeded
	SessionCode     string   `json:"sessionCode"`
	CompletedTopic  string   `json:"completedTopic"`
	AvailableTopics []string `json:"availableTopics"`
}
