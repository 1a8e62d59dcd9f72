package orchestrator

import (
	"context"
	"log/slog"
	"time"

	"github.com/practicase/practicase/pkg/events"
	"github.com/practicase/practicase/pkg/metrics"
	"github.com/practicase/practicase/pkg/models"
)

// phaseDuration returns the countdown for a timed phase in seconds, zero
// for WAITING and COMPLETED.
func (o *Orchestrator) phaseDuration(s *models.Session, phase models.Phase) int {
	switch phase {
	case models.PhaseReading:
		return s.Config.ReadingMinutes * 60
	case models.PhaseConsultation:
		return s.Config.ConsultationMinutes * 60
	case models.PhaseFeedback:
		return o.feedbackSeconds
	}
	return 0
}

// transitionLocked moves the session into phase: it stops any armed timer,
// stamps the phase start, persists, emits PHASE_CHANGE and, for timed
// phases, TIMER_START before arming the expiry callback. The lock is held
// across persist and publish so envelopes of one transition are never
// interleaved with another.
func (o *Orchestrator) transitionLocked(ctx context.Context, rt *sessionRuntime, s *models.Session, phase models.Phase) error {
	rt.stopTimerLocked()

	now := o.now()
	startMs := now.UnixMilli()
	duration := o.phaseDuration(s, phase)

	s.Phase = phase
	s.PhaseStartTime = &now
	if phase.Timed() {
		s.TimerStartTimestamp = &startMs
	} else {
		s.TimerStartTimestamp = nil
	}

	if err := o.store.Sessions.Save(ctx, s); err != nil {
		return transientf("failed to save session: %v", err)
	}

	topic := events.SessionTopic(s.Code)
	o.bus.PublishJSON(topic, events.PhaseChangePayload{
		Type:            events.TypePhaseChange,
		SessionCode:     s.Code,
		Phase:           phase,
		DurationSeconds: duration,
		StartTimestamp:  startMs,
	})

	if phase.Timed() {
		o.bus.PublishJSON(topic, events.TimerStartPayload{
			Type:            events.TypeTimerStart,
			SessionCode:     s.Code,
			Phase:           phase,
			DurationSeconds: duration,
			StartTimestamp:  startMs,
		})
		o.armTimerLocked(rt, s.Code, phase, duration)
	}

	metrics.PhaseTransitions.WithLabelValues(string(phase)).Inc()
	slog.Info("Phase transition",
		"session_code", s.Code, "phase", phase, "duration_seconds", duration)
	return nil
}

// armTimerLocked schedules the phase-expiry callback. Caller holds rt.mu;
// any earlier timer has already been cancelled.
func (o *Orchestrator) armTimerLocked(rt *sessionRuntime, code string, phase models.Phase, durationSeconds int) {
	rt.timerGen++
	gen := rt.timerGen
	rt.timerPhase = phase
	rt.timerHandle = o.sched.Schedule(time.Duration(durationSeconds)*time.Second, func() {
		o.onTimerExpiry(code, phase, gen)
	})
}

// onTimerExpiry runs when a phase countdown elapses. It re-acquires the
// session lock and compares the timer generation it was armed with against
// the current one; if the timer was replaced in the meantime (Skip, NewCase,
// Leave) the callback is a no-op, even when the session is back in the same
// phase for a later round.
func (o *Orchestrator) onTimerExpiry(code string, armed models.Phase, gen uint64) {
	rt, ok := o.reg.lookup(code)
	if !ok {
		return
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if gen != rt.timerGen || rt.timerPhase != armed {
		return
	}

	ctx := context.Background()
	s, err := o.store.Sessions.FindByCode(ctx, code)
	if err != nil {
		slog.Error("Timer expiry could not load session",
			"session_code", code, "error", err)
		return
	}
	if s.IsCompleted() || s.Phase != armed {
		return
	}

	rt.timerHandle = nil
	rt.timerPhase = ""

	switch armed {
	case models.PhaseReading:
		err = o.transitionLocked(ctx, rt, s, models.PhaseConsultation)
	case models.PhaseConsultation:
		err = o.transitionLocked(ctx, rt, s, models.PhaseFeedback)
	case models.PhaseFeedback:
		// The final transition is not gated: expiry completes the session
		// even when feedback is missing.
		err = o.endSessionLocked(ctx, rt, s, ReasonCompleted)
	}
	if err != nil {
		slog.Error("Timer-driven transition failed",
			"session_code", code, "phase", armed, "error", err)
	}
}

// endSessionLocked finishes the session: cancels all handles, persists the
// terminal state and publishes PHASE_CHANGE(COMPLETED) plus SESSION_ENDED.
// Caller holds the session's lock.
func (o *Orchestrator) endSessionLocked(ctx context.Context, rt *sessionRuntime, s *models.Session, reason string) error {
	if s.IsCompleted() {
		return nil
	}

	rt.stopAllLocked()

	now := o.now()
	nowMs := now.UnixMilli()
	s.Phase = models.PhaseCompleted
	s.Status = models.StatusCompleted
	s.EndedAt = &now
	s.TimerStartTimestamp = nil

	if err := o.store.Sessions.Save(ctx, s); err != nil {
		return transientf("failed to save session: %v", err)
	}

	topic := events.SessionTopic(s.Code)
	o.bus.PublishJSON(topic, events.PhaseChangePayload{
		Type:            events.TypePhaseChange,
		SessionCode:     s.Code,
		Phase:           models.PhaseCompleted,
		DurationSeconds: 0,
		StartTimestamp:  nowMs,
	})
	o.bus.PublishJSON(topic, events.SessionEndedPayload{
		Type:        events.TypeSessionEnded,
		SessionCode: s.Code,
		Reason:      reason,
		Timestamp:   nowMs,
	})

	metrics.PhaseTransitions.WithLabelValues(string(models.PhaseCompleted)).Inc()
	metrics.SessionsEnded.WithLabelValues(reason).Inc()
	metrics.ActiveSessions.Dec()
	o.reg.remove(s.Code)

	slog.Info("Session ended", "session_code", s.Code, "reason", reason)
	return nil
}

// broadcastSessionUpdateLocked publishes the full session snapshot on the
// shared topic. The embedded case view is the role-neutral projection; the
// role-specific briefings travel only on private topics.
func (o *Orchestrator) broadcastSessionUpdateLocked(ctx context.Context, s *models.Session) {
	parts, err := o.store.Participants.FindActiveBySession(ctx, s.ID)
	if err != nil {
		slog.Error("Failed to load participants for session update",
			"session_code", s.Code, "error", err)
		return
	}

	var caseView *events.CaseView
	if s.SelectedCaseID != "" {
		if c, err := o.store.Cases.FindByID(ctx, s.SelectedCaseID); err == nil {
			caseView = sharedCaseView(c)
		}
	}

	o.bus.PublishJSON(events.SessionTopic(s.Code), events.SessionUpdatePayload{
		Type:                events.TypeSessionUpdate,
		SessionCode:         s.Code,
		Title:               s.Title,
		Phase:               s.Phase,
		Status:              s.Status,
		Config:              configView(s.Config),
		Participants:        participantViews(parts),
		SelectedCase:        caseView,
		CurrentRound:        s.CurrentRound,
		TimerStartTimestamp: s.TimerStartTimestamp,
	})
}

// broadcastParticipantUpdateLocked publishes the active participant set.
func (o *Orchestrator) broadcastParticipantUpdateLocked(code string, parts []*models.Participant) {
	o.bus.PublishJSON(events.SessionTopic(code), events.ParticipantUpdatePayload{
		Type:         events.TypeParticipantUpdate,
		SessionCode:  code,
		Participants: participantViews(parts),
	})
}

// sendCaseDataLocked delivers the role-filtered case to one participant's
// private topic.
func (o *Orchestrator) sendCaseDataLocked(ctx context.Context, s *models.Session, p *models.Participant) {
	if s.SelectedCaseID == "" {
		return
	}
	c, err := o.store.Cases.FindByID(ctx, s.SelectedCaseID)
	if err != nil {
		slog.Error("Failed to load case for delivery",
			"session_code", s.Code, "case_id", s.SelectedCaseID, "error", err)
		return
	}
	o.bus.PublishJSON(events.UserTopic(s.Code, p.UserID), events.CaseDataPayload{
		Type:        events.TypeCaseData,
		SessionCode: s.Code,
		Case:        projectCase(c, p.Role),
	})
}

// sendCaseDataAllLocked delivers the case to every active participant.
func (o *Orchestrator) sendCaseDataAllLocked(ctx context.Context, s *models.Session, parts []*models.Participant) {
	if s.SelectedCaseID == "" {
		return
	}
	c, err := o.store.Cases.FindByID(ctx, s.SelectedCaseID)
	if err != nil {
		slog.Error("Failed to load case for delivery",
			"session_code", s.Code, "case_id", s.SelectedCaseID, "error", err)
		return
	}
	for _, p := range parts {
		if !p.IsActive {
			continue
		}
		o.bus.PublishJSON(events.UserTopic(s.Code, p.UserID), events.CaseDataPayload{
			Type:        events.TypeCaseData,
			SessionCode: s.Code,
			Case:        projectCase(c, p.Role),
		})
	}
}
