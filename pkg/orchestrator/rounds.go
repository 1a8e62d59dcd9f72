package orchestrator

import (
	"context"
	"errors"
	"log/slog"

	"github.com/practicase/practicase/pkg/events"
	"github.com/practicase/practicase/pkg/models"
	"github.com/practicase/practicase/pkg/store"
)

// NewCase starts the next round: a fresh case from the same topic set,
// round counter incremented, completion and feedback flags reset, phase
// back to READING with a new timer. Doctor only; allowed any time during
// READING, and during FEEDBACK once gating is satisfied.
func (o *Orchestrator) NewCase(ctx context.Context, code string, user models.User) (*models.Session, error) {
	rt := o.reg.get(code)
	rt.mu.Lock()
	defer rt.mu.Unlock()

	s, err := o.loadLocked(ctx, code)
	if err != nil {
		return nil, err
	}
	if err := o.requireDoctor(ctx, s, user); err != nil {
		return nil, err
	}

	actives, err := o.store.Participants.FindActiveBySession(ctx, s.ID)
	if err != nil {
		return nil, transientf("failed to load participants: %v", err)
	}

	switch s.Phase {
	case models.PhaseReading:
		// Always allowed; the doctor may swap a case they know.
	case models.PhaseFeedback:
		ok, err := o.gatingSatisfiedLocked(ctx, s, actives)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, conflictf("feedback for the current round is still missing")
		}
	default:
		return nil, invalidStatef("a new case cannot be started in phase %s", s.Phase)
	}

	c, err := o.pickNextCase(ctx, s)
	if err != nil {
		return nil, err
	}

	// The repository must exclude cases the session already played; if one
	// comes back anyway, round accounting and durable state no longer agree
	// and the session cannot safely continue.
	if s.HasUsedCase(c.ID) {
		if endErr := o.endSessionLocked(ctx, rt, s, ReasonInternalInconsistency); endErr != nil {
			slog.Error("Failed to end inconsistent session",
				"session_code", code, "error", endErr)
		}
		return nil, fatalf("case %s was already played in session %s", c.ID, code)
	}

	s.CurrentRound++
	s.SelectedCaseID = c.ID
	s.UsedCaseIDs = append(s.UsedCaseIDs, c.ID)

	if err := o.store.Participants.ResetRoundFlags(ctx, s.ID); err != nil {
		return nil, transientf("failed to reset round flags: %v", err)
	}

	if err := o.transitionLocked(ctx, rt, s, models.PhaseReading); err != nil {
		return nil, err
	}
	o.sendCaseDataAllLocked(ctx, s, actives)

	if actives, err := o.store.Participants.FindActiveBySession(ctx, s.ID); err == nil {
		o.broadcastParticipantUpdateLocked(s.Code, actives)
	}

	slog.Info("New case started",
		"session_code", code, "case_id", c.ID, "round", s.CurrentRound)
	return s.Clone(), nil
}

// pickNextCase selects an unused case and, when the topic set is exhausted,
// tells the doctor which topics still have material before failing.
func (o *Orchestrator) pickNextCase(ctx context.Context, s *models.Session) (*models.Case, error) {
	c, err := o.pickCase(ctx, s)
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, ErrConflict) {
		return nil, err
	}

	completedTopic := ""
	if cur, curErr := o.store.Cases.FindByID(ctx, s.SelectedCaseID); curErr == nil {
		completedTopic = cur.Category
	}
	available, availErr := o.store.Cases.CategoriesWithRemaining(ctx, s.Config.SelectedTopics, s.UsedCaseIDs)
	if availErr != nil && !errors.Is(availErr, store.ErrNotFound) {
		slog.Error("Failed to list remaining topics",
			"session_code", s.Code, "error", availErr)
	}
	o.bus.PublishJSON(events.SessionTopic(s.Code), events.TopicSelectionNeededPayload{
		Type:            events.TypeTopicSelectionNeeded,
		SessionCode:     s.Code,
		CompletedTopic:  completedTopic,
		AvailableTopics: available,
	})
	return nil, err
}

// ChangeRole reassigns roles: every non-creator participant is deactivated
// and must rejoin with a new role, the creator stays doctor, and the
// session returns to WAITING. Doctor only, during FEEDBACK with gating
// satisfied.
func (o *Orchestrator) ChangeRole(ctx context.Context, code string, user models.User) (*models.Session, error) {
	rt := o.reg.get(code)
	rt.mu.Lock()
	defer rt.mu.Unlock()

	s, err := o.loadLocked(ctx, code)
	if err != nil {
		return nil, err
	}
	if err := o.requireDoctor(ctx, s, user); err != nil {
		return nil, err
	}
	if s.Phase != models.PhaseFeedback {
		return nil, invalidStatef("roles can only change during the feedback phase")
	}

	actives, err := o.store.Participants.FindActiveBySession(ctx, s.ID)
	if err != nil {
		return nil, transientf("failed to load participants: %v", err)
	}
	ok, err := o.gatingSatisfiedLocked(ctx, s, actives)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, conflictf("feedback for the current round is still missing")
	}

	for _, p := range actives {
		if p.UserID == s.CreatedByUserID {
			continue
		}
		p.IsActive = false
		if err := o.store.Participants.Upsert(ctx, p); err != nil {
			return nil, transientf("failed to deactivate participant: %v", err)
		}
		rt.stopActivityLocked(p.UserID)
	}

	o.bus.PublishJSON(events.SessionTopic(code), events.RoleChangePayload{
		Type:        events.TypeRoleChange,
		SessionCode: code,
		Message:     "Roles are being reassigned, please rejoin with a new role",
	})

	if err := o.transitionLocked(ctx, rt, s, models.PhaseWaiting); err != nil {
		return nil, err
	}
	o.broadcastSessionUpdateLocked(ctx, s)

	slog.Info("Role change initiated", "session_code", code)
	return s.Clone(), nil
}
