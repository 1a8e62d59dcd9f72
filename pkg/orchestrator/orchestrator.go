// Package orchestrator is the session orchestration core: it owns every
// session state transition, the per-session phase timers, the participant
// lifecycle with idle eviction, and the envelope fan-out to session topics.
// All mutations run under the session's lock; the repositories are the
// durable source of truth and the in-memory runtime is rebuilt from them.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"

	"github.com/practicase/practicase/pkg/config"
	"github.com/practicase/practicase/pkg/events"
	"github.com/practicase/practicase/pkg/metrics"
	"github.com/practicase/practicase/pkg/models"
	"github.com/practicase/practicase/pkg/scheduler"
	"github.com/practicase/practicase/pkg/store"
)

// Session end reasons carried in SESSION_ENDED envelopes.
const (
	ReasonCompleted                = "Session completed successfully"
	ReasonInsufficientParticipants = "insufficient_participants"
	ReasonDoctorLeft               = "doctor_left"
	ReasonEndedByDoctor            = "ended_by_doctor"
	ReasonInternalInconsistency    = "internal_inconsistency"
)

const codeGenerationAttempts = 10

// Orchestrator coordinates sessions, participants, phases, timers and
// feedback. One instance per process.
type Orchestrator struct {
	store *store.Store
	bus   *events.Bus
	sched scheduler.Scheduler
	reg   *registry

	feedbackSeconds int
	idleTimeout     time.Duration

	// now is the injected clock; tests replace it alongside a manual
	// scheduler so timer math and wall-clock stamps agree.
	now func() time.Time
}

// New creates the orchestrator.
func New(st *store.Store, bus *events.Bus, sched scheduler.Scheduler, cfg *config.Config) *Orchestrator {
	return &Orchestrator{
		store:           st,
		bus:             bus,
		sched:           sched,
		reg:             newRegistry(),
		feedbackSeconds: cfg.FeedbackPhaseSeconds,
		idleTimeout:     cfg.IdleTimeout,
		now:             time.Now,
	}
}

// Snapshot is the read view of a session returned to the HTTP edge.
type Snapshot struct {
	Session        *models.Session       `json:"session"`
	Participants   []*models.Participant `json:"participants"`
	AvailableRoles []models.Role         `json:"availableRoles"`
}

// Create starts a new session in WAITING with the creator as DOCTOR and a
// fresh six-digit code. The creator is deactivated in any other live
// session they participate in.
func (o *Orchestrator) Create(ctx context.Context, creator models.User, title string, cfg models.SessionConfig) (*models.Session, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	code, err := o.generateCode(ctx)
	if err != nil {
		return nil, err
	}

	now := o.now()
	s := &models.Session{
		ID:              uuid.New().String(),
		Code:            code,
		Title:           title,
		Status:          models.StatusCreated,
		Phase:           models.PhaseWaiting,
		Config:          cfg,
		CurrentRound:    1,
		CreatedByUserID: creator.ID,
		CreatedAt:       now,
	}

	rt := o.reg.get(code)
	rt.mu.Lock()

	if err := o.store.Sessions.Create(ctx, s); err != nil {
		rt.mu.Unlock()
		o.reg.remove(code)
		return nil, transientf("failed to create session: %v", err)
	}

	doctor := &models.Participant{
		SessionID: s.ID,
		UserID:    creator.ID,
		UserName:  creator.Name,
		Role:      models.RoleDoctor,
		IsActive:  true,
		JoinedAt:  now,
	}
	if err := o.store.Participants.Upsert(ctx, doctor); err != nil {
		// Retire the already-persisted session so the code frees up and
		// the half-created session cannot be joined.
		s.Status = models.StatusCompleted
		s.Phase = models.PhaseCompleted
		if saveErr := o.store.Sessions.Save(ctx, s); saveErr != nil {
			slog.Error("Failed to retire session after participant failure",
				"session_code", code, "error", saveErr)
		}
		rt.mu.Unlock()
		o.reg.remove(code)
		return nil, transientf("failed to persist creator participant: %v", err)
	}

	o.armActivityLocked(rt, code, creator.ID)
	metrics.ActiveSessions.Inc()
	rt.mu.Unlock()

	o.deactivateElsewhere(ctx, creator.ID, s.ID)

	slog.Info("Session created",
		"session_code", code, "session_id", s.ID, "created_by", creator.ID)
	return s.Clone(), nil
}

// Join adds the user to the session with the requested role, or reactivates
// their earlier participation. On success the user is deactivated in every
// other live session.
func (o *Orchestrator) Join(ctx context.Context, code string, requestedRole models.Role, user models.User) (*models.Session, error) {
	if !requestedRole.Valid() {
		return nil, validationf("unknown role %q", requestedRole)
	}

	rt := o.reg.get(code)
	rt.mu.Lock()

	s, err := o.loadLocked(ctx, code)
	if err != nil {
		rt.mu.Unlock()
		return nil, err
	}

	if requestedRole == models.RoleDoctor && user.ID != s.CreatedByUserID {
		rt.mu.Unlock()
		return nil, forbiddenf("the doctor role is reserved for the session creator")
	}

	p, err := o.store.Participants.FindBySessionAndUser(ctx, s.ID, user.ID)
	switch {
	case err == nil:
		if p.IsActive {
			rt.mu.Unlock()
			return nil, conflictf("user %s already joined session %s", user.ID, code)
		}
		// Reactivation: flip the existing row, updating the role subject
		// to availability.
		if err := o.checkRoleAvailable(ctx, s, requestedRole, user); err != nil {
			rt.mu.Unlock()
			return nil, err
		}
		p.Role = requestedRole
		p.IsActive = true
		p.UserName = user.Name
	case errors.Is(err, store.ErrNotFound):
		if err := o.checkRoleAvailable(ctx, s, requestedRole, user); err != nil {
			rt.mu.Unlock()
			return nil, err
		}
		p = &models.Participant{
			SessionID: s.ID,
			UserID:    user.ID,
			UserName:  user.Name,
			Role:      requestedRole,
			IsActive:  true,
			JoinedAt:  o.now(),
		}
	default:
		rt.mu.Unlock()
		return nil, transientf("failed to load participant: %v", err)
	}

	if err := o.store.Participants.Upsert(ctx, p); err != nil {
		rt.mu.Unlock()
		return nil, transientf("failed to persist participant: %v", err)
	}

	o.armActivityLocked(rt, code, user.ID)
	o.broadcastSessionUpdateLocked(ctx, s)

	// A late joiner entering a running round receives the case privately.
	if s.Phase != models.PhaseWaiting && !s.IsCompleted() && s.SelectedCaseID != "" {
		o.sendCaseDataLocked(ctx, s, p)
	}

	rt.mu.Unlock()

	o.deactivateElsewhere(ctx, user.ID, s.ID)

	slog.Info("User joined session",
		"session_code", code, "user_id", user.ID, "role", requestedRole)
	return s.Clone(), nil
}

// Configure sets the session configuration and selects the round's case.
// Doctor only, WAITING only; may be repeated until Start.
func (o *Orchestrator) Configure(ctx context.Context, code string, cfg models.SessionConfig, user models.User) (*models.Session, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

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
	if s.Phase != models.PhaseWaiting {
		return nil, invalidStatef("session %s can only be configured while waiting", code)
	}

	s.Config = cfg
	c, err := o.pickCase(ctx, s)
	if err != nil {
		return nil, err
	}
	s.SelectedCaseID = c.ID
	s.UsedCaseIDs = append(s.UsedCaseIDs, c.ID)

	if err := o.store.Sessions.Save(ctx, s); err != nil {
		return nil, transientf("failed to save session: %v", err)
	}

	o.broadcastSessionUpdateLocked(ctx, s)

	slog.Info("Session configured",
		"session_code", code, "case_id", c.ID, "topics", cfg.SelectedTopics)
	return s.Clone(), nil
}

// Start moves the session from WAITING into the first READING phase.
func (o *Orchestrator) Start(ctx context.Context, code string, user models.User) (*models.Session, error) {
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
	if s.Phase != models.PhaseWaiting {
		return nil, invalidStatef("session %s already started", code)
	}
	if s.SelectedCaseID == "" {
		return nil, invalidStatef("session %s has no case configured", code)
	}

	actives, err := o.store.Participants.FindActiveBySession(ctx, s.ID)
	if err != nil {
		return nil, transientf("failed to load participants: %v", err)
	}
	if len(actives) < 1 {
		return nil, invalidStatef("session %s has no active participants", code)
	}

	now := o.now()
	s.Status = models.StatusInProgress
	s.StartedAt = &now

	if err := o.transitionLocked(ctx, rt, s, models.PhaseReading); err != nil {
		return nil, err
	}
	o.sendCaseDataAllLocked(ctx, s, actives)

	slog.Info("Session started", "session_code", code, "case_id", s.SelectedCaseID)
	return s.Clone(), nil
}

// SkipPhase ends the current timed phase early. Doctor or admin only;
// legal in READING and CONSULTATION.
func (o *Orchestrator) SkipPhase(ctx context.Context, code string, user models.User) (*models.Session, error) {
	rt := o.reg.get(code)
	rt.mu.Lock()
	defer rt.mu.Unlock()

	s, err := o.loadLocked(ctx, code)
	if err != nil {
		return nil, err
	}
	if !user.IsAdmin {
		if err := o.requireDoctor(ctx, s, user); err != nil {
			return nil, err
		}
	}

	var next models.Phase
	switch s.Phase {
	case models.PhaseReading:
		next = models.PhaseConsultation
	case models.PhaseConsultation:
		next = models.PhaseFeedback
	default:
		return nil, invalidStatef("cannot skip in phase %s", s.Phase)
	}

	if err := o.transitionLocked(ctx, rt, s, next); err != nil {
		return nil, err
	}

	slog.Info("Phase skipped", "session_code", code, "phase", next)
	return s.Clone(), nil
}

// Leave deactivates the user's participation and applies the endgame rules.
func (o *Orchestrator) Leave(ctx context.Context, code string, user models.User) error {
	rt := o.reg.get(code)
	rt.mu.Lock()
	defer rt.mu.Unlock()

	s, err := o.loadLocked(ctx, code)
	if err != nil {
		return err
	}
	return o.leaveLocked(ctx, rt, s, user.ID)
}

// End terminates the session explicitly. Doctor or admin only.
func (o *Orchestrator) End(ctx context.Context, code string, user models.User) error {
	rt := o.reg.get(code)
	rt.mu.Lock()
	defer rt.mu.Unlock()

	s, err := o.loadLocked(ctx, code)
	if err != nil {
		return err
	}
	if !user.IsAdmin {
		if err := o.requireDoctor(ctx, s, user); err != nil {
			return err
		}
	}
	return o.endSessionLocked(ctx, rt, s, ReasonEndedByDoctor)
}

// GetSession returns the session, its participants and the roles still
// open to joiners.
func (o *Orchestrator) GetSession(ctx context.Context, code string) (*Snapshot, error) {
	s, err := o.store.Sessions.FindByCode(ctx, code)
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
	return &Snapshot{
		Session:        s,
		Participants:   parts,
		AvailableRoles: availableRoles(parts),
	}, nil
}

// AvailableRoles returns the roles a joiner may still request.
func (o *Orchestrator) AvailableRoles(ctx context.Context, code string) ([]models.Role, error) {
	s, err := o.store.Sessions.FindByCode(ctx, code)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, notFoundf("session %s", code)
		}
		return nil, transientf("failed to load session: %v", err)
	}
	parts, err := o.store.Participants.FindActiveBySession(ctx, s.ID)
	if err != nil {
		return nil, transientf("failed to load participants: %v", err)
	}
	return availableRoles(parts), nil
}

// ActiveSessions lists all non-completed sessions.
func (o *Orchestrator) ActiveSessions(ctx context.Context) ([]*models.Session, error) {
	sessions, err := o.store.Sessions.FindActive(ctx)
	if err != nil {
		return nil, transientf("failed to list sessions: %v", err)
	}
	return sessions, nil
}

// Shutdown cancels every pending timer and idle watchdog. Sessions stay in
// their persisted state and are picked up again on restart.
func (o *Orchestrator) Shutdown() {
	for code, rt := range o.reg.all() {
		rt.mu.Lock()
		rt.stopAllLocked()
		rt.mu.Unlock()
		o.reg.remove(code)
	}
}

// Recover rebuilds the in-memory runtime for sessions persisted as live.
// Phase timers restart with their full duration and clients resynchronize
// from the TIMER_START that follows; idle watchdogs restart for every
// active participant. A session whose persisted phase is not a known value
// is force-ended rather than resumed.
func (o *Orchestrator) Recover(ctx context.Context) error {
	sessions, err := o.store.Sessions.FindActive(ctx)
	if err != nil {
		return transientf("failed to list sessions for recovery: %v", err)
	}
	for _, s := range sessions {
		metrics.ActiveSessions.Inc()
		rt := o.reg.get(s.Code)
		rt.mu.Lock()
		if !s.Phase.Valid() {
			slog.Error("Recovered session has an unknown phase",
				"session_code", s.Code, "phase", s.Phase)
			if err := o.endSessionLocked(ctx, rt, s, ReasonInternalInconsistency); err != nil {
				slog.Error("Failed to retire inconsistent session",
					"session_code", s.Code, "error", err)
			}
			rt.mu.Unlock()
			continue
		}
		if s.Phase.Timed() {
			if err := o.transitionLocked(ctx, rt, s, s.Phase); err != nil {
				slog.Error("Failed to re-arm timer during recovery",
					"session_code", s.Code, "error", err)
			}
		}
		parts, err := o.store.Participants.FindActiveBySession(ctx, s.ID)
		if err != nil {
			slog.Error("Failed to load participants during recovery",
				"session_code", s.Code, "error", err)
			rt.mu.Unlock()
			continue
		}
		for _, p := range parts {
			o.armActivityLocked(rt, s.Code, p.UserID)
		}
		rt.mu.Unlock()
	}
	slog.Info("Recovered live sessions", "count", len(sessions))
	return nil
}

// loadLocked loads the session addressed by code. Caller holds the
// session's lock.
func (o *Orchestrator) loadLocked(ctx context.Context, code string) (*models.Session, error) {
	s, err := o.store.Sessions.FindByCode(ctx, code)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, notFoundf("session %s", code)
		}
		return nil, transientf("failed to load session: %v", err)
	}
	return s, nil
}

// requireDoctor verifies the user is the session's creator.
func (o *Orchestrator) requireDoctor(_ context.Context, s *models.Session, user models.User) error {
	if user.ID != s.CreatedByUserID {
		return forbiddenf("user %s is not the doctor of session %s", user.ID, s.Code)
	}
	return nil
}

// checkRoleAvailable enforces the role rules for a joiner. Caller holds the
// session's lock.
func (o *Orchestrator) checkRoleAvailable(ctx context.Context, s *models.Session, role models.Role, user models.User) error {
	actives, err := o.store.Participants.FindActiveBySession(ctx, s.ID)
	if err != nil {
		return transientf("failed to load participants: %v", err)
	}
	switch role {
	case models.RoleDoctor:
		// Creator-only, checked by the caller. Still reject if a doctor
		// row is somehow active.
		for _, p := range actives {
			if p.Role == models.RoleDoctor && p.UserID != user.ID {
				return conflictf("the doctor role is taken")
			}
		}
	case models.RolePatient:
		for _, p := range actives {
			if p.Role == models.RolePatient {
				return conflictf("the patient role is taken")
			}
		}
	case models.RoleObserver:
		// Always available.
	}
	return nil
}

// availableRoles derives the roles open to joiners from the active
// participant set. The doctor role is never offered.
func availableRoles(parts []*models.Participant) []models.Role {
	patientTaken := false
	for _, p := range parts {
		if p.IsActive && p.Role == models.RolePatient {
			patientTaken = true
		}
	}
	roles := []models.Role{models.RoleObserver}
	if !patientTaken {
		roles = append([]models.Role{models.RolePatient}, roles...)
	}
	return roles
}

// leaveLocked deactivates one participant and applies the endgame rules of
// the session. Caller holds the session's lock. Leaving twice is a no-op.
func (o *Orchestrator) leaveLocked(ctx context.Context, rt *sessionRuntime, s *models.Session, userID string) error {
	p, err := o.store.Participants.FindBySessionAndUser(ctx, s.ID, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return notFoundf("user %s is not a participant of session %s", userID, s.Code)
		}
		return transientf("failed to load participant: %v", err)
	}
	if !p.IsActive {
		return nil
	}

	p.IsActive = false
	if err := o.store.Participants.Upsert(ctx, p); err != nil {
		return transientf("failed to persist participant: %v", err)
	}
	rt.stopActivityLocked(userID)

	o.bus.PublishJSON(events.SessionTopic(s.Code), events.UserLeftPayload{
		Type:        events.TypeUserLeft,
		SessionCode: s.Code,
		UserID:      p.UserID,
		UserName:    p.UserName,
		UserRole:    p.Role,
	})

	slog.Info("User left session",
		"session_code", s.Code, "user_id", userID, "role", p.Role)

	if s.IsCompleted() {
		return nil
	}

	actives, err := o.store.Participants.FindActiveBySession(ctx, s.ID)
	if err != nil {
		return transientf("failed to load participants: %v", err)
	}

	switch {
	case len(actives) < 2:
		return o.endSessionLocked(ctx, rt, s, ReasonInsufficientParticipants)
	case !hasActiveDoctor(actives):
		return o.endSessionLocked(ctx, rt, s, ReasonDoctorLeft)
	default:
		o.broadcastParticipantUpdateLocked(s.Code, actives)
		return nil
	}
}

func hasActiveDoctor(parts []*models.Participant) bool {
	for _, p := range parts {
		if p.IsActive && p.Role == models.RoleDoctor {
			return true
		}
	}
	return false
}

// deactivateElsewhere enforces the one-live-session rule: after a user
// creates or joins a session, their participation in every other live
// session is revoked. Runs without holding the new session's lock; each
// other session is handled under its own lock.
func (o *Orchestrator) deactivateElsewhere(ctx context.Context, userID, exceptSessionID string) {
	others, err := o.store.Participants.FindActiveByUser(ctx, userID)
	if err != nil {
		slog.Error("Failed to list user's other sessions",
			"user_id", userID, "error", err)
		return
	}
	for _, p := range others {
		if p.SessionID == exceptSessionID {
			continue
		}
		s, err := o.store.Sessions.FindByID(ctx, p.SessionID)
		if err != nil || s.IsCompleted() {
			continue
		}
		rt := o.reg.get(s.Code)
		rt.mu.Lock()
		// Re-read under the lock; the session may have moved since.
		if cur, err := o.loadLocked(ctx, s.Code); err == nil {
			if err := o.leaveLocked(ctx, rt, cur, userID); err != nil {
				slog.Error("Failed to deactivate user in other session",
					"session_code", s.Code, "user_id", userID, "error", err)
			}
		}
		rt.mu.Unlock()
	}
}

// generateCode draws random six-digit codes until one is free among
// non-completed sessions.
func (o *Orchestrator) generateCode(ctx context.Context) (string, error) {
	for range codeGenerationAttempts {
		code := fmt.Sprintf("%06d", rand.IntN(1000000))
		inUse, err := o.store.Sessions.CodeInUse(ctx, code)
		if err != nil {
			return "", transientf("failed to check session code: %v", err)
		}
		if !inUse {
			return code, nil
		}
	}
	return "", transientf("could not allocate a session code after %d attempts", codeGenerationAttempts)
}

func validateConfig(cfg models.SessionConfig) error {
	if cfg.ReadingMinutes <= 0 {
		return validationf("readingMinutes must be positive")
	}
	if cfg.ConsultationMinutes <= 0 {
		return validationf("consultationMinutes must be positive")
	}
	recall := cfg.RecallFrom != nil && cfg.RecallTo != nil
	if !recall && len(cfg.SelectedTopics) == 0 {
		return validationf("selectedTopics must not be empty")
	}
	if recall && cfg.RecallTo.Before(*cfg.RecallFrom) {
		return validationf("recall range end precedes start")
	}
	return nil
}

// pickCase selects a case for the session's configuration, excluding every
// case already played. Caller holds the session's lock.
func (o *Orchestrator) pickCase(ctx context.Context, s *models.Session) (*models.Case, error) {
	var (
		c   *models.Case
		err error
	)
	if s.Config.RecallFrom != nil && s.Config.RecallTo != nil {
		c, err = o.store.Cases.PickRandomByDateRange(ctx, *s.Config.RecallFrom, *s.Config.RecallTo, s.UsedCaseIDs)
	} else {
		c, err = o.store.Cases.PickRandomByCategories(ctx, s.Config.SelectedTopics, s.UsedCaseIDs)
	}
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, conflictf("no case available for the selected topics")
		}
		return nil, transientf("failed to pick case: %v", err)
	}
	return c, nil
}
