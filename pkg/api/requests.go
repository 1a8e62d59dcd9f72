package api

import (
	"time"

	"github.com/practicase/practicase/pkg/models"
	"github.com/practicase/practicase/pkg/orchestrator"
)

// CreateSessionRequest is the body of POST /api/v1/sessions.
type CreateSessionRequest struct {
	Title  string               `json:"title"`
	Config SessionConfigRequest `json:"config"`
}

// SessionConfigRequest carries the doctor-chosen configuration.
type SessionConfigRequest struct {
	ReadingMinutes      int        `json:"readingMinutes"`
	ConsultationMinutes int        `json:"consultationMinutes"`
	TimingType          string     `json:"timingType"`
	SessionType         string     `json:"sessionType"`
	SelectedTopics      []string   `json:"selectedTopics"`
	RecallFrom          *time.Time `json:"recallFrom,omitempty"`
	RecallTo            *time.Time `json:"recallTo,omitempty"`
}

func (r SessionConfigRequest) toModel() models.SessionConfig {
	return models.SessionConfig{
		ReadingMinutes:      r.ReadingMinutes,
		ConsultationMinutes: r.ConsultationMinutes,
		TimingType:          r.TimingType,
		SessionType:         r.SessionType,
		SelectedTopics:      r.SelectedTopics,
		RecallFrom:          r.RecallFrom,
		RecallTo:            r.RecallTo,
	}
}

// JoinSessionRequest is the body of POST /api/v1/sessions/:code/join.
type JoinSessionRequest struct {
	Role models.Role `json:"role"`
}

// ConfigureSessionRequest is the body of POST /api/v1/sessions/:code/configure.
type ConfigureSessionRequest struct {
	Config SessionConfigRequest `json:"config"`
}

// SubmitFeedbackRequest is the body of POST /api/v1/sessions/:code/feedback.
type SubmitFeedbackRequest struct {
	Comment        string                  `json:"comment"`
	CriteriaScores []models.CriterionScore `json:"criteriaScores"`
}

func (r SubmitFeedbackRequest) toSubmission() orchestrator.FeedbackSubmission {
	return orchestrator.FeedbackSubmission{
		Comment:        r.Comment,
		CriteriaScores: r.CriteriaScores,
	}
}
