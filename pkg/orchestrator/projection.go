package orchestrator

import (
	"github.com/practicase/practicase/pkg/events"
	"github.com/practicase/practicase/pkg/models"
)

// projectCase produces the view of a case visible to one role. Only the
// doctor view is filtered: the doctor never sees the title (it typically
// names the diagnosis) and never sees the patient briefing. Patients and
// observers receive the full case.
func projectCase(c *models.Case, role models.Role) *events.CaseView {
	if c == nil {
		return nil
	}
	v := &events.CaseView{
		ID:               c.ID,
		Category:         c.Category,
		Description:      c.Description,
		AdditionalNotes:  c.AdditionalNotes,
		ImageURL:         c.ImageURL,
		FeedbackCriteria: c.FeedbackCriteria,
	}
	switch role {
	case models.RoleDoctor:
		v.DoctorInformation = c.DoctorInformation
	case models.RolePatient, models.RoleObserver:
		v.Title = c.Title
		v.DoctorInformation = c.DoctorInformation
		v.PatientInformation = c.PatientInformation
	}
	return v
}

// sharedCaseView is the projection safe for the shared session topic, where
// every role listens: no title, no role-specific briefings.
func sharedCaseView(c *models.Case) *events.CaseView {
	if c == nil {
		return nil
	}
	return &events.CaseView{
		ID:               c.ID,
		Category:         c.Category,
		Description:      c.Description,
		ImageURL:         c.ImageURL,
		FeedbackCriteria: c.FeedbackCriteria,
	}
}

// participantViews converts participant rows to their wire projection.
func participantViews(ps []*models.Participant) []events.ParticipantView {
	out := make([]events.ParticipantView, 0, len(ps))
	for _, p := range ps {
		out = append(out, events.ParticipantView{
			UserID:       p.UserID,
			Name:         p.UserName,
			Role:         p.Role,
			IsActive:     p.IsActive,
			HasCompleted: p.HasCompleted,
		})
	}
	return out
}

// configView converts the session configuration to its wire projection.
func configView(c models.SessionConfig) events.ConfigView {
	return events.ConfigView{
		ReadingTime:      c.ReadingMinutes,
		ConsultationTime: c.ConsultationMinutes,
		TimingType:       c.TimingType,
		SessionType:      c.SessionType,
		SelectedTopics:   c.SelectedTopics,
	}
}
