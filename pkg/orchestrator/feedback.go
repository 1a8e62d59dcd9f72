package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/practicase/practicase/pkg/models"
	"github.com/practicase/practicase/pkg/store"
)

// Criterion scores and sub-scores are accepted on a 0-10 scale.
const maxCriterionScore = 10

// FeedbackSubmission is the payload of SubmitFeedback.
type FeedbackSubmission struct {
	Comment        string                  `json:"comment"`
	CriteriaScores []models.CriterionScore `json:"criteriaScores"`
}

// SubmitFeedback records the sender's assessment of the round's doctor.
// Patient or observer only, during CONSULTATION or FEEDBACK. A repeat
// submission in the same round replaces the earlier one.
func (o *Orchestrator) SubmitFeedback(ctx context.Context, code string, sender models.User, sub FeedbackSubmission) (*models.Feedback, error) {
	if err := validateSubmission(sub); err != nil {
		return nil, err
	}

	rt := o.reg.get(code)
	rt.mu.Lock()
	defer rt.mu.Unlock()

	s, err := o.loadLocked(ctx, code)
	if err != nil {
		return nil, err
	}
	if s.Phase != models.PhaseConsultation && s.Phase != models.PhaseFeedback {
		return nil, invalidStatef("feedback is not open in phase %s", s.Phase)
	}

	p, err := o.store.Participants.FindBySessionAndUser(ctx, s.ID, sender.ID)
	if err != nil {
		return nil, notFoundf("user %s is not a participant of session %s", sender.ID, code)
	}
	if !p.IsActive || (p.Role != models.RolePatient && p.Role != models.RoleObserver) {
		return nil, forbiddenf("only the active patient or an observer may submit feedback")
	}

	actives, err := o.store.Participants.FindActiveBySession(ctx, s.ID)
	if err != nil {
		return nil, transientf("failed to load participants: %v", err)
	}
	recipient := s.CreatedByUserID
	for _, a := range actives {
		if a.Role == models.RoleDoctor {
			recipient = a.UserID
			break
		}
	}

	f := &models.Feedback{
		ID:              uuid.New().String(),
		SessionID:       s.ID,
		SenderUserID:    sender.ID,
		RecipientUserID: recipient,
		CaseID:          s.SelectedCaseID,
		RoundNumber:     s.CurrentRound,
		Comment:         sub.Comment,
		CriteriaScores:  sub.CriteriaScores,
		CreatedAt:       o.now(),
	}
	f.ComputeOverallPerformance()

	if err := o.store.Feedback.Upsert(ctx, f); err != nil {
		return nil, transientf("failed to persist feedback: %v", err)
	}

	p.HasGivenFeedback = true
	if err := o.store.Participants.Upsert(ctx, p); err != nil {
		return nil, transientf("failed to persist participant: %v", err)
	}

	if actives, err := o.store.Participants.FindActiveBySession(ctx, s.ID); err == nil {
		o.broadcastParticipantUpdateLocked(s.Code, actives)
	}

	slog.Info("Feedback submitted",
		"session_code", code, "sender", sender.ID, "round", f.RoundNumber,
		"overall_performance", f.OverallPerformance)
	return f, nil
}

func validateSubmission(sub FeedbackSubmission) error {
	if strings.TrimSpace(sub.Comment) == "" {
		return validationf("comment must not be empty")
	}
	for _, c := range sub.CriteriaScores {
		if c.Name == "" {
			return validationf("criterion name must not be empty")
		}
		if c.Score != nil && (*c.Score < 0 || *c.Score > maxCriterionScore) {
			return validationf("score for %q out of range", c.Name)
		}
		for _, s := range c.SubScores {
			if s.Score < 0 || s.Score > maxCriterionScore {
				return validationf("sub-score %q of %q out of range", s.Name, c.Name)
			}
		}
	}
	return nil
}

// gatingSatisfiedLocked reports whether round progression out of FEEDBACK
// is allowed: the active patient has submitted for the current case and
// round, and so has at least one observer when any observer is active.
// Caller holds the session's lock.
func (o *Orchestrator) gatingSatisfiedLocked(ctx context.Context, s *models.Session, actives []*models.Participant) (bool, error) {
	rows, err := o.store.Feedback.FindByRound(ctx, s.ID, s.SelectedCaseID, s.CurrentRound)
	if err != nil {
		return false, transientf("failed to load round feedback: %v", err)
	}
	senders := make(map[string]bool, len(rows))
	for _, f := range rows {
		senders[f.SenderUserID] = true
	}

	patientOK := false
	observerPresent := false
	observerOK := false
	for _, p := range actives {
		switch p.Role {
		case models.RolePatient:
			if senders[p.UserID] {
				patientOK = true
			}
		case models.RoleObserver:
			observerPresent = true
			if senders[p.UserID] {
				observerOK = true
			}
		}
	}
	return patientOK && (!observerPresent || observerOK), nil
}

// SessionFeedback returns every feedback row of the session, for review
// after completion. Completed sessions stay readable for feedback queries.
func (o *Orchestrator) SessionFeedback(ctx context.Context, code string, user models.User) ([]*models.Feedback, error) {
	s, err := o.store.Sessions.FindLatestByCode(ctx, code)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, notFoundf("session %s", code)
		}
		return nil, transientf("failed to load session: %v", err)
	}
	parts, err := o.store.Participants.FindBySession(ctx, s.ID)
	if err != nil {
		return nil, transientf("failed to load participants: %v", err)
	}
	isParticipant := user.IsAdmin
	for _, p := range parts {
		if p.UserID == user.ID {
			isParticipant = true
			break
		}
	}
	if !isParticipant {
		return nil, forbiddenf("user %s did not take part in session %s", user.ID, code)
	}
	rows, err := o.store.Feedback.FindBySession(ctx, s.ID)
	if err != nil {
		return nil, transientf("failed to load feedback: %v", err)
	}
	return rows, nil
}
