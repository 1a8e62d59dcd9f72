package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/practicase/practicase/pkg/config"
	"github.com/practicase/practicase/pkg/events"
	"github.com/practicase/practicase/pkg/models"
	"github.com/practicase/practicase/pkg/scheduler"
	"github.com/practicase/practicase/pkg/store"
)

var (
	alice = models.User{ID: "alice", Name: "Alice"}
	bob   = models.User{ID: "bob", Name: "Bob"}
	carol = models.User{ID: "carol", Name: "Carol"}
	dave  = models.User{ID: "dave", Name: "Dave"}
	admin = models.User{ID: "root", Name: "Root", IsAdmin: true}
)

type env struct {
	t     *testing.T
	o     *Orchestrator
	st    *store.Store
	bus   *events.Bus
	clock *scheduler.Manual
	ctx   context.Context
}

func newEnv(t *testing.T) *env {
	t.Helper()
	clock := scheduler.NewManual(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	st := store.NewMemory()
	bus := events.NewBus(256)
	cfg := &config.Config{
		FeedbackPhaseSeconds: 600,
		// Large so phase advances in most tests do not trip the watchdog;
		// eviction tests override it.
		IdleTimeout:         24 * time.Hour,
		SchedulerWorkers:    1,
		SubscriberQueueSize: 256,
	}
	o := New(st, bus, clock, cfg)
	o.now = clock.Now
	return &env{t: t, o: o, st: st, bus: bus, clock: clock, ctx: context.Background()}
}

func (e *env) seedCase(id, title, category string) {
	store.AddCase(e.st, &models.Case{
		ID:                 id,
		Title:              title,
		Category:           category,
		Description:        "A presenting complaint",
		DoctorInformation:  "doctor briefing",
		PatientInformation: "patient briefing",
		FeedbackCriteria: []models.FeedbackCriterion{
			{Name: "Communication"},
			{Name: "Examination", SubCriteria: []string{"structure", "thoroughness"}},
		},
		CreatedAt: e.clock.Now(),
	})
}

func defaultSessionConfig() models.SessionConfig {
	return models.SessionConfig{
		ReadingMinutes:      1,
		ConsultationMinutes: 1,
		TimingType:          "standard",
		SessionType:         "classic",
		SelectedTopics:      []string{"cardio"},
	}
}

// createConfigured creates a session with one seeded case, configures it
// and joins bob as patient and carol as observer.
func (e *env) createConfigured() *models.Session {
	e.t.Helper()
	e.seedCase("case-1", "Chest pain assessment", "cardio")

	s, err := e.o.Create(e.ctx, alice, "morning round", defaultSessionConfig())
	require.NoError(e.t, err)
	_, err = e.o.Configure(e.ctx, s.Code, defaultSessionConfig(), alice)
	require.NoError(e.t, err)
	_, err = e.o.Join(e.ctx, s.Code, models.RolePatient, bob)
	require.NoError(e.t, err)
	_, err = e.o.Join(e.ctx, s.Code, models.RoleObserver, carol)
	require.NoError(e.t, err)
	return s
}

func (e *env) submit(code string, sender models.User) {
	e.t.Helper()
	score := 4.0
	_, err := e.o.SubmitFeedback(e.ctx, code, sender, FeedbackSubmission{
		Comment: "well handled",
		CriteriaScores: []models.CriterionScore{
			{Name: "Communication", Score: &score},
		},
	})
	require.NoError(e.t, err)
}

func drain(sub *events.Subscription) []map[string]any {
	var out []map[string]any
	for {
		select {
		case data, ok := <-sub.C():
			if !ok {
				return out
			}
			var m map[string]any
			if err := json.Unmarshal(data, &m); err == nil {
				out = append(out, m)
			}
		default:
			return out
		}
	}
}

func envelopeTypes(envelopes []map[string]any) []string {
	out := make([]string, 0, len(envelopes))
	for _, m := range envelopes {
		if t, ok := m["type"].(string); ok {
			out = append(out, t)
		}
	}
	return out
}

func filterType(envelopes []map[string]any, typ string) []map[string]any {
	var out []map[string]any
	for _, m := range envelopes {
		if m["type"] == typ {
			out = append(out, m)
		}
	}
	return out
}

func TestHappyPathThreeRoles(t *testing.T) {
	e := newEnv(t)
	s := e.createConfigured()

	sub := e.bus.Subscribe(events.SessionTopic(s.Code))
	defer sub.Close()

	_, err := e.o.Start(e.ctx, s.Code, alice)
	require.NoError(t, err)

	got := drain(sub)
	require.Equal(t, []string{events.TypePhaseChange, events.TypeTimerStart}, envelopeTypes(got))
	assert.Equal(t, "READING", got[0]["phase"])
	assert.Equal(t, float64(60), got[0]["durationSeconds"])
	assert.Equal(t, "READING", got[1]["phase"])
	assert.Equal(t, float64(60), got[1]["durationSeconds"])

	e.clock.Advance(60 * time.Second)
	got = drain(sub)
	require.Equal(t, []string{events.TypePhaseChange, events.TypeTimerStart}, envelopeTypes(got))
	assert.Equal(t, "CONSULTATION", got[0]["phase"])
	assert.Equal(t, float64(60), got[0]["durationSeconds"])

	e.clock.Advance(60 * time.Second)
	got = drain(sub)
	require.Equal(t, []string{events.TypePhaseChange, events.TypeTimerStart}, envelopeTypes(got))
	assert.Equal(t, "FEEDBACK", got[0]["phase"])
	assert.Equal(t, float64(600), got[0]["durationSeconds"])

	e.submit(s.Code, bob)
	e.submit(s.Code, carol)
	drain(sub) // participant updates

	e.clock.Advance(600 * time.Second)
	got = drain(sub)
	require.Equal(t, []string{events.TypePhaseChange, events.TypeSessionEnded}, envelopeTypes(got))
	assert.Equal(t, "COMPLETED", got[0]["phase"])
	assert.Equal(t, float64(0), got[0]["durationSeconds"])
	assert.Equal(t, ReasonCompleted, got[1]["reason"])

	// The session is terminal and its code no longer addressable.
	_, err = e.o.Start(e.ctx, s.Code, alice)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSkipRaceEmitsSingleTransition(t *testing.T) {
	e := newEnv(t)
	s := e.createConfigured()
	_, err := e.o.Start(e.ctx, s.Code, alice)
	require.NoError(t, err)

	sub := e.bus.Subscribe(events.SessionTopic(s.Code))
	defer sub.Close()

	e.clock.Advance(30 * time.Second)
	_, err = e.o.SkipPhase(e.ctx, s.Code, alice)
	require.NoError(t, err)

	// The original READING expiry deadline passes; its callback must not
	// fire a second transition.
	e.clock.Advance(30 * time.Second)

	changes := filterType(drain(sub), events.TypePhaseChange)
	require.Len(t, changes, 1)
	assert.Equal(t, "CONSULTATION", changes[0]["phase"])

	snap, err := e.o.GetSession(e.ctx, s.Code)
	require.NoError(t, err)
	assert.Equal(t, models.PhaseConsultation, snap.Session.Phase)
}

func TestTimerLiveness(t *testing.T) {
	e := newEnv(t)
	s := e.createConfigured()
	_, err := e.o.Start(e.ctx, s.Code, alice)
	require.NoError(t, err)

	// Nothing fires before the deadline.
	e.clock.Advance(59 * time.Second)
	snap, err := e.o.GetSession(e.ctx, s.Code)
	require.NoError(t, err)
	assert.Equal(t, models.PhaseReading, snap.Session.Phase)

	e.clock.Advance(1 * time.Second)
	snap, err = e.o.GetSession(e.ctx, s.Code)
	require.NoError(t, err)
	assert.Equal(t, models.PhaseConsultation, snap.Session.Phase)
}

func TestGatedNewCase(t *testing.T) {
	e := newEnv(t)
	s := e.createConfigured()
	e.seedCase("case-2", "Dizzy spells", "cardio")

	_, err := e.o.Start(e.ctx, s.Code, alice)
	require.NoError(t, err)
	_, err = e.o.SkipPhase(e.ctx, s.Code, alice)
	require.NoError(t, err)
	_, err = e.o.SkipPhase(e.ctx, s.Code, alice)
	require.NoError(t, err)

	// Nobody submitted yet.
	_, err = e.o.NewCase(e.ctx, s.Code, alice)
	assert.ErrorIs(t, err, ErrConflict)

	// Patient alone is not enough while an observer is active.
	e.submit(s.Code, bob)
	_, err = e.o.NewCase(e.ctx, s.Code, alice)
	assert.ErrorIs(t, err, ErrConflict)

	e.submit(s.Code, carol)

	sub := e.bus.Subscribe(events.SessionTopic(s.Code))
	defer sub.Close()

	updated, err := e.o.NewCase(e.ctx, s.Code, alice)
	require.NoError(t, err)

	assert.Equal(t, 2, updated.CurrentRound)
	assert.Equal(t, "case-2", updated.SelectedCaseID)
	assert.Equal(t, []string{"case-1", "case-2"}, updated.UsedCaseIDs)
	assert.Equal(t, models.PhaseReading, updated.Phase)

	got := drain(sub)
	starts := filterType(got, events.TypeTimerStart)
	require.Len(t, starts, 1)
	assert.Equal(t, "READING", starts[0]["phase"])
	assert.Equal(t, float64(e.clock.Now().UnixMilli()), starts[0]["startTimestamp"])
}

func TestNewCaseExhaustionAnnouncesTopics(t *testing.T) {
	e := newEnv(t)
	s := e.createConfigured()

	_, err := e.o.Start(e.ctx, s.Code, alice)
	require.NoError(t, err)

	sub := e.bus.Subscribe(events.SessionTopic(s.Code))
	defer sub.Close()

	// The only cardio case is already in use.
	_, err = e.o.NewCase(e.ctx, s.Code, alice)
	assert.ErrorIs(t, err, ErrConflict)

	needed := filterType(drain(sub), events.TypeTopicSelectionNeeded)
	require.Len(t, needed, 1)
	assert.Equal(t, "cardio", needed[0]["completedTopic"])
	assert.Empty(t, needed[0]["availableTopics"])
}

func TestIdleEvictionEndsSession(t *testing.T) {
	e := newEnv(t)
	e.o.idleTimeout = 5 * time.Minute
	s := e.createConfigured()

	_, err := e.o.Start(e.ctx, s.Code, alice)
	require.NoError(t, err)

	sub := e.bus.Subscribe(events.SessionTopic(s.Code))
	defer sub.Close()

	// Everyone but carol keeps talking.
	e.clock.Advance(4 * time.Minute)
	e.o.TouchActivity(s.Code, alice.ID)
	e.o.TouchActivity(s.Code, bob.ID)

	// Carol passes the idle threshold and is evicted; two actives remain,
	// the session continues.
	e.clock.Advance(1 * time.Minute)
	got := drain(sub)
	left := filterType(got, events.TypeUserLeft)
	require.Len(t, left, 1)
	assert.Equal(t, "carol", left[0]["userId"])
	assert.Empty(t, filterType(got, events.TypeSessionEnded))

	// Now bob goes silent too; his eviction drops the count below two.
	e.clock.Advance(3 * time.Minute)
	e.o.TouchActivity(s.Code, alice.ID)
	e.clock.Advance(1 * time.Minute)

	got = drain(sub)
	ended := filterType(got, events.TypeSessionEnded)
	require.Len(t, ended, 1)
	assert.Equal(t, ReasonInsufficientParticipants, ended[0]["reason"])
}

func TestTouchActivityPreventsEviction(t *testing.T) {
	e := newEnv(t)
	e.o.idleTimeout = 5 * time.Minute
	// Stay in WAITING so no phase timer interferes with the watchdogs.
	s := e.createConfigured()

	for i := 0; i < 6; i++ {
		e.clock.Advance(4 * time.Minute)
		e.o.TouchActivity(s.Code, alice.ID)
		e.o.TouchActivity(s.Code, bob.ID)
		e.o.TouchActivity(s.Code, carol.ID)
	}

	snap, err := e.o.GetSession(e.ctx, s.Code)
	require.NoError(t, err)
	active := 0
	for _, p := range snap.Participants {
		if p.IsActive {
			active++
		}
	}
	assert.Equal(t, 3, active)
}

func TestJoinSecondSessionLeavesFirst(t *testing.T) {
	e := newEnv(t)
	s1 := e.createConfigured()

	// Dave runs a second session.
	s2, err := e.o.Create(e.ctx, dave, "evening round", defaultSessionConfig())
	require.NoError(t, err)

	sub1 := e.bus.Subscribe(events.SessionTopic(s1.Code))
	defer sub1.Close()

	// Carol moves over; session one keeps three minus one participants
	// and stays alive.
	_, err = e.o.Join(e.ctx, s2.Code, models.RoleObserver, carol)
	require.NoError(t, err)

	got := drain(sub1)
	left := filterType(got, events.TypeUserLeft)
	require.Len(t, left, 1)
	assert.Equal(t, "carol", left[0]["userId"])
	assert.Empty(t, filterType(got, events.TypeSessionEnded))

	// Bob follows; session one drops below two actives and ends.
	_, err = e.o.Join(e.ctx, s2.Code, models.RolePatient, bob)
	require.NoError(t, err)

	got = drain(sub1)
	ended := filterType(got, events.TypeSessionEnded)
	require.Len(t, ended, 1)
	assert.Equal(t, ReasonInsufficientParticipants, ended[0]["reason"])

	snap, err := e.o.GetSession(e.ctx, s2.Code)
	require.NoError(t, err)
	roles := map[string]models.Role{}
	for _, p := range snap.Participants {
		if p.IsActive {
			roles[p.UserID] = p.Role
		}
	}
	assert.Equal(t, models.RoleObserver, roles["carol"])
	assert.Equal(t, models.RolePatient, roles["bob"])
}

func TestDoctorLeftEndsSession(t *testing.T) {
	e := newEnv(t)
	s := e.createConfigured()
	_, err := e.o.Start(e.ctx, s.Code, alice)
	require.NoError(t, err)

	sub := e.bus.Subscribe(events.SessionTopic(s.Code))
	defer sub.Close()

	require.NoError(t, e.o.Leave(e.ctx, s.Code, alice))

	ended := filterType(drain(sub), events.TypeSessionEnded)
	require.Len(t, ended, 1)
	assert.Equal(t, ReasonDoctorLeft, ended[0]["reason"])
}

func TestDoctorRolePrivacy(t *testing.T) {
	e := newEnv(t)
	s := e.createConfigured()

	doctorSub := e.bus.Subscribe(events.UserTopic(s.Code, alice.ID))
	patientSub := e.bus.Subscribe(events.UserTopic(s.Code, bob.ID))
	observerSub := e.bus.Subscribe(events.UserTopic(s.Code, carol.ID))
	sharedSub := e.bus.Subscribe(events.SessionTopic(s.Code))
	defer doctorSub.Close()
	defer patientSub.Close()
	defer observerSub.Close()
	defer sharedSub.Close()

	_, err := e.o.Start(e.ctx, s.Code, alice)
	require.NoError(t, err)

	doctorData := filterType(drain(doctorSub), events.TypeCaseData)
	require.Len(t, doctorData, 1)
	doctorCase := doctorData[0]["case"].(map[string]any)
	_, hasTitle := doctorCase["title"]
	assert.False(t, hasTitle, "doctor must not see the case title")
	assert.Equal(t, "doctor briefing", doctorCase["doctorInformation"])
	_, hasPatientInfo := doctorCase["patientInformation"]
	assert.False(t, hasPatientInfo)

	// Patients and observers receive the full case, both briefings included.
	patientData := filterType(drain(patientSub), events.TypeCaseData)
	require.Len(t, patientData, 1)
	patientCase := patientData[0]["case"].(map[string]any)
	assert.Equal(t, "Chest pain assessment", patientCase["title"])
	assert.Equal(t, "patient briefing", patientCase["patientInformation"])
	assert.Equal(t, "doctor briefing", patientCase["doctorInformation"])

	observerData := filterType(drain(observerSub), events.TypeCaseData)
	require.Len(t, observerData, 1)
	observerCase := observerData[0]["case"].(map[string]any)
	assert.Equal(t, "Chest pain assessment", observerCase["title"])
	assert.Equal(t, "doctor briefing", observerCase["doctorInformation"])

	// Nothing on the shared topic may carry a case title.
	for _, m := range drain(sharedSub) {
		if c, ok := m["selectedCase"].(map[string]any); ok {
			_, hasTitle := c["title"]
			assert.False(t, hasTitle, "shared topic leaked the case title")
		}
		_, isCaseData := m["case"]
		assert.False(t, isCaseData, "CASE_DATA must stay on private topics")
	}
}

func TestRoleUniqueness(t *testing.T) {
	e := newEnv(t)
	e.seedCase("case-1", "Chest pain assessment", "cardio")
	s, err := e.o.Create(e.ctx, alice, "round", defaultSessionConfig())
	require.NoError(t, err)

	_, err = e.o.Join(e.ctx, s.Code, models.RolePatient, bob)
	require.NoError(t, err)

	// Second patient is rejected, observers are unbounded.
	_, err = e.o.Join(e.ctx, s.Code, models.RolePatient, carol)
	assert.ErrorIs(t, err, ErrConflict)
	_, err = e.o.Join(e.ctx, s.Code, models.RoleObserver, carol)
	require.NoError(t, err)
	_, err = e.o.Join(e.ctx, s.Code, models.RoleObserver, dave)
	require.NoError(t, err)

	// The doctor role is reserved for the creator.
	_, err = e.o.Join(e.ctx, s.Code, models.RoleDoctor, bob)
	assert.ErrorIs(t, err, ErrForbidden)

	// Duplicate join of an active participant.
	_, err = e.o.Join(e.ctx, s.Code, models.RoleObserver, carol)
	assert.ErrorIs(t, err, ErrConflict)

	roles, err := e.o.AvailableRoles(e.ctx, s.Code)
	require.NoError(t, err)
	assert.Equal(t, []models.Role{models.RoleObserver}, roles)
}

func TestRejoinReactivatesWithNewRole(t *testing.T) {
	e := newEnv(t)
	s := e.createConfigured()

	require.NoError(t, e.o.Leave(e.ctx, s.Code, carol))
	require.NoError(t, e.o.Leave(e.ctx, s.Code, bob))

	// Session ended? No: after carol leaves two actives remain; after bob
	// leaves only alice does, which ends the session. Use a fresh one to
	// exercise reactivation.
	s2 := e.createConfigured()
	require.NoError(t, e.o.Leave(e.ctx, s2.Code, carol))

	_, err := e.o.Join(e.ctx, s2.Code, models.RoleObserver, carol)
	require.NoError(t, err)

	snap, err := e.o.GetSession(e.ctx, s2.Code)
	require.NoError(t, err)
	count := 0
	for _, p := range snap.Participants {
		if p.UserID == carol.ID {
			count++
			assert.True(t, p.IsActive)
		}
	}
	assert.Equal(t, 1, count, "rejoin must reactivate the row, not duplicate it")
}

func TestSubmitFeedbackIdempotent(t *testing.T) {
	e := newEnv(t)
	s := e.createConfigured()
	_, err := e.o.Start(e.ctx, s.Code, alice)
	require.NoError(t, err)
	_, err = e.o.SkipPhase(e.ctx, s.Code, alice)
	require.NoError(t, err)

	score := 3.0
	first, err := e.o.SubmitFeedback(e.ctx, s.Code, bob, FeedbackSubmission{
		Comment:        "first impression",
		CriteriaScores: []models.CriterionScore{{Name: "Communication", Score: &score}},
	})
	require.NoError(t, err)

	second, err := e.o.SubmitFeedback(e.ctx, s.Code, bob, FeedbackSubmission{
		Comment:        "on reflection",
		CriteriaScores: []models.CriterionScore{{Name: "Communication", Score: &score}},
	})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID, "repeat submission must replace the earlier row")

	rows, err := e.st.Feedback.FindBySessionAndSender(e.ctx, first.SessionID, bob.ID)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "on reflection", rows[0].Comment)
}

func TestSubmitFeedbackValidation(t *testing.T) {
	e := newEnv(t)
	s := e.createConfigured()
	_, err := e.o.Start(e.ctx, s.Code, alice)
	require.NoError(t, err)

	// Wrong phase.
	_, err = e.o.SubmitFeedback(e.ctx, s.Code, bob, FeedbackSubmission{Comment: "early"})
	assert.ErrorIs(t, err, ErrInvalidState)

	_, err = e.o.SkipPhase(e.ctx, s.Code, alice)
	require.NoError(t, err)

	// Missing comment.
	_, err = e.o.SubmitFeedback(e.ctx, s.Code, bob, FeedbackSubmission{Comment: "   "})
	assert.ErrorIs(t, err, ErrValidation)

	// Out-of-range score.
	bad := 14.0
	_, err = e.o.SubmitFeedback(e.ctx, s.Code, bob, FeedbackSubmission{
		Comment:        "too generous",
		CriteriaScores: []models.CriterionScore{{Name: "Communication", Score: &bad}},
	})
	assert.ErrorIs(t, err, ErrValidation)

	// Doctors do not rate themselves.
	_, err = e.o.SubmitFeedback(e.ctx, s.Code, alice, FeedbackSubmission{Comment: "I did great"})
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestFeedbackExpiryCompletesWithoutGating(t *testing.T) {
	e := newEnv(t)
	s := e.createConfigured()
	_, err := e.o.Start(e.ctx, s.Code, alice)
	require.NoError(t, err)
	_, err = e.o.SkipPhase(e.ctx, s.Code, alice)
	require.NoError(t, err)
	_, err = e.o.SkipPhase(e.ctx, s.Code, alice)
	require.NoError(t, err)

	sub := e.bus.Subscribe(events.SessionTopic(s.Code))
	defer sub.Close()

	// No feedback submitted at all; expiry still completes the session.
	e.clock.Advance(600 * time.Second)

	ended := filterType(drain(sub), events.TypeSessionEnded)
	require.Len(t, ended, 1)
	assert.Equal(t, ReasonCompleted, ended[0]["reason"])
}

func TestChangeRoleReturnsToWaiting(t *testing.T) {
	e := newEnv(t)
	s := e.createConfigured()
	_, err := e.o.Start(e.ctx, s.Code, alice)
	require.NoError(t, err)
	_, err = e.o.SkipPhase(e.ctx, s.Code, alice)
	require.NoError(t, err)
	_, err = e.o.SkipPhase(e.ctx, s.Code, alice)
	require.NoError(t, err)

	// Gated like NewCase.
	_, err = e.o.ChangeRole(e.ctx, s.Code, alice)
	assert.ErrorIs(t, err, ErrConflict)

	e.submit(s.Code, bob)
	e.submit(s.Code, carol)

	sub := e.bus.Subscribe(events.SessionTopic(s.Code))
	defer sub.Close()

	updated, err := e.o.ChangeRole(e.ctx, s.Code, alice)
	require.NoError(t, err)
	assert.Equal(t, models.PhaseWaiting, updated.Phase)

	got := envelopeTypes(drain(sub))
	require.GreaterOrEqual(t, len(got), 3)
	assert.Equal(t, events.TypeRoleChange, got[0])
	assert.Equal(t, events.TypePhaseChange, got[1])
	assert.Equal(t, events.TypeSessionUpdate, got[2])

	// Only the creator remains active, still as doctor; the others rejoin.
	snap, err := e.o.GetSession(e.ctx, s.Code)
	require.NoError(t, err)
	for _, p := range snap.Participants {
		if p.UserID == alice.ID {
			assert.True(t, p.IsActive)
			assert.Equal(t, models.RoleDoctor, p.Role)
		} else {
			assert.False(t, p.IsActive)
		}
	}

	_, err = e.o.Join(e.ctx, s.Code, models.RolePatient, carol)
	require.NoError(t, err)
}

func TestStartRequiresConfiguredCase(t *testing.T) {
	e := newEnv(t)
	e.seedCase("case-1", "Chest pain assessment", "cardio")
	s, err := e.o.Create(e.ctx, alice, "round", defaultSessionConfig())
	require.NoError(t, err)

	_, err = e.o.Start(e.ctx, s.Code, alice)
	assert.ErrorIs(t, err, ErrInvalidState)

	_, err = e.o.Configure(e.ctx, s.Code, defaultSessionConfig(), alice)
	require.NoError(t, err)
	_, err = e.o.Start(e.ctx, s.Code, alice)
	require.NoError(t, err)

	// Already started.
	_, err = e.o.Start(e.ctx, s.Code, alice)
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestConfigurePermissionsAndPhase(t *testing.T) {
	e := newEnv(t)
	s := e.createConfigured()

	_, err := e.o.Configure(e.ctx, s.Code, defaultSessionConfig(), bob)
	assert.ErrorIs(t, err, ErrForbidden)

	cfg := defaultSessionConfig()
	cfg.ReadingMinutes = 0
	_, err = e.o.Configure(e.ctx, s.Code, cfg, alice)
	assert.ErrorIs(t, err, ErrValidation)

	_, err = e.o.Start(e.ctx, s.Code, alice)
	require.NoError(t, err)
	_, err = e.o.Configure(e.ctx, s.Code, defaultSessionConfig(), alice)
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestSkipPermissions(t *testing.T) {
	e := newEnv(t)
	s := e.createConfigured()
	_, err := e.o.Start(e.ctx, s.Code, alice)
	require.NoError(t, err)

	_, err = e.o.SkipPhase(e.ctx, s.Code, bob)
	assert.ErrorIs(t, err, ErrForbidden)

	// Admins may skip on the doctor's behalf.
	_, err = e.o.SkipPhase(e.ctx, s.Code, admin)
	require.NoError(t, err)
}

func TestExplicitEnd(t *testing.T) {
	e := newEnv(t)
	s := e.createConfigured()
	_, err := e.o.Start(e.ctx, s.Code, alice)
	require.NoError(t, err)

	sub := e.bus.Subscribe(events.SessionTopic(s.Code))
	defer sub.Close()

	require.ErrorIs(t, e.o.End(e.ctx, s.Code, bob), ErrForbidden)
	require.NoError(t, e.o.End(e.ctx, s.Code, alice))

	ended := filterType(drain(sub), events.TypeSessionEnded)
	require.Len(t, ended, 1)
	assert.Equal(t, ReasonEndedByDoctor, ended[0]["reason"])
}

func TestSessionFeedbackReadableAfterCompletion(t *testing.T) {
	e := newEnv(t)
	s := e.createConfigured()
	_, err := e.o.Start(e.ctx, s.Code, alice)
	require.NoError(t, err)
	_, err = e.o.SkipPhase(e.ctx, s.Code, alice)
	require.NoError(t, err)
	e.submit(s.Code, bob)

	require.NoError(t, e.o.End(e.ctx, s.Code, alice))

	rows, err := e.o.SessionFeedback(e.ctx, s.Code, alice)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, bob.ID, rows[0].SenderUserID)
	assert.Equal(t, alice.ID, rows[0].RecipientUserID)

	_, err = e.o.SessionFeedback(e.ctx, s.Code, models.User{ID: "stranger"})
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestOverallPerformanceAggregation(t *testing.T) {
	direct := 4.0
	f := models.Feedback{
		CriteriaScores: []models.CriterionScore{
			{Name: "Communication", Score: &direct},
			{Name: "Examination", SubScores: []models.SubScore{
				{Name: "structure", Score: 3},
				{Name: "thoroughness", Score: 4},
			}},
		},
	}
	f.ComputeOverallPerformance()
	assert.InDelta(t, 7.5, f.OverallPerformance, 1e-9)
	assert.Equal(t, 8, f.LegacyRating)
}

func TestSessionCodeIsSixDigits(t *testing.T) {
	e := newEnv(t)
	e.seedCase("case-1", "Chest pain assessment", "cardio")
	for i := 0; i < 20; i++ {
		s, err := e.o.Create(e.ctx, models.User{ID: "u", Name: "U"}, "round", defaultSessionConfig())
		require.NoError(t, err)
		assert.Regexp(t, `^\d{6}$`, s.Code)
		require.NoError(t, e.o.End(e.ctx, s.Code, models.User{ID: "u"}))
	}
}

func TestStaleReadingExpiryAfterNewCase(t *testing.T) {
	e := newEnv(t)
	e.seedCase("case-2", "Breathlessness workup", "cardio")
	s := e.createConfigured()

	_, err := e.o.Start(e.ctx, s.Code, alice)
	require.NoError(t, err)

	rt, ok := e.o.reg.lookup(s.Code)
	require.True(t, ok)
	rt.mu.Lock()
	staleGen := rt.timerGen
	rt.mu.Unlock()

	// The doctor swaps the case mid-READING; the session re-enters READING
	// for round 2 with a fresh timer.
	_, err = e.o.NewCase(e.ctx, s.Code, alice)
	require.NoError(t, err)

	// A round-1 expiry callback that was already in flight when its timer
	// was replaced finally gets the lock. Same phase, older timer: it must
	// not advance round 2.
	e.o.onTimerExpiry(s.Code, models.PhaseReading, staleGen)

	snap, err := e.o.GetSession(e.ctx, s.Code)
	require.NoError(t, err)
	assert.Equal(t, models.PhaseReading, snap.Session.Phase)
	assert.Equal(t, 2, snap.Session.CurrentRound)

	// The round-2 timer is still armed and drives the next transition.
	e.clock.Advance(60 * time.Second)
	snap, err = e.o.GetSession(e.ctx, s.Code)
	require.NoError(t, err)
	assert.Equal(t, models.PhaseConsultation, snap.Session.Phase)
}

func TestRecoverRearmsTimersAndWatchdogs(t *testing.T) {
	e := newEnv(t)
	e.o.idleTimeout = 5 * time.Minute
	s := e.createConfigured()
	_, err := e.o.Start(e.ctx, s.Code, alice)
	require.NoError(t, err)

	// Simulated restart: the runtimes are dropped, the store survives.
	e.o.Shutdown()
	require.NoError(t, e.o.Recover(e.ctx))

	rt, ok := e.o.reg.lookup(s.Code)
	require.True(t, ok)
	rt.mu.Lock()
	assert.Len(t, rt.activity, 3, "every active participant gets a watchdog back")
	rt.mu.Unlock()

	sub := e.bus.Subscribe(events.SessionTopic(s.Code))
	defer sub.Close()

	// The READING timer restarted with its full duration.
	e.clock.Advance(60 * time.Second)
	changes := filterType(drain(sub), events.TypePhaseChange)
	require.Len(t, changes, 1)
	assert.Equal(t, "CONSULTATION", changes[0]["phase"])

	// With nobody touching the session, the watchdogs evict everyone and
	// the session ends.
	e.clock.Advance(5 * time.Minute)
	ended := filterType(drain(sub), events.TypeSessionEnded)
	require.Len(t, ended, 1)
	_, err = e.o.GetSession(e.ctx, s.Code)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRecoverRetiresUnknownPhase(t *testing.T) {
	e := newEnv(t)
	s := e.createConfigured()
	_, err := e.o.Start(e.ctx, s.Code, alice)
	require.NoError(t, err)
	e.o.Shutdown()

	// A bad migration or manual edit left an unknown phase in the store.
	stored, err := e.st.Sessions.FindByCode(e.ctx, s.Code)
	require.NoError(t, err)
	stored.Phase = "TRIAGE"
	require.NoError(t, e.st.Sessions.Save(e.ctx, stored))

	sub := e.bus.Subscribe(events.SessionTopic(s.Code))
	defer sub.Close()

	require.NoError(t, e.o.Recover(e.ctx))

	ended := filterType(drain(sub), events.TypeSessionEnded)
	require.Len(t, ended, 1)
	assert.Equal(t, ReasonInternalInconsistency, ended[0]["reason"])
	_, err = e.o.GetSession(e.ctx, s.Code)
	assert.ErrorIs(t, err, ErrNotFound)
}

// repeatingCaseRepo hands back a fixed case regardless of exclusions,
// emulating a repository that violates its contract.
type repeatingCaseRepo struct {
	store.CaseRepository
	fixed *models.Case
}

func (r repeatingCaseRepo) PickRandomByCategories(ctx context.Context, categories, excludeIDs []string) (*models.Case, error) {
	return r.fixed, nil
}

func TestNewCaseRepeatedCaseForceEndsSession(t *testing.T) {
	e := newEnv(t)
	s := e.createConfigured()
	_, err := e.o.Start(e.ctx, s.Code, alice)
	require.NoError(t, err)

	snap, err := e.o.GetSession(e.ctx, s.Code)
	require.NoError(t, err)
	played, err := e.st.Cases.FindByID(e.ctx, snap.Session.SelectedCaseID)
	require.NoError(t, err)
	e.st.Cases = repeatingCaseRepo{CaseRepository: e.st.Cases, fixed: played}

	sub := e.bus.Subscribe(events.SessionTopic(s.Code))
	defer sub.Close()

	_, err = e.o.NewCase(e.ctx, s.Code, alice)
	assert.ErrorIs(t, err, ErrFatal)

	ended := filterType(drain(sub), events.TypeSessionEnded)
	require.Len(t, ended, 1)
	assert.Equal(t, ReasonInternalInconsistency, ended[0]["reason"])
}

// failingParticipantRepo rejects every write.
type failingParticipantRepo struct {
	store.ParticipantRepository
}

func (failingParticipantRepo) Upsert(ctx context.Context, p *models.Participant) error {
	return errors.New("connection reset")
}

func TestCreateCleansUpWhenParticipantPersistFails(t *testing.T) {
	e := newEnv(t)
	e.seedCase("case-1", "Chest pain assessment", "cardio")
	e.st.Participants = failingParticipantRepo{ParticipantRepository: e.st.Participants}

	_, err := e.o.Create(e.ctx, alice, "round", defaultSessionConfig())
	assert.ErrorIs(t, err, ErrTransient)

	// Neither a live runtime nor a joinable session may be left behind.
	n, err := e.st.Sessions.CountActive(e.ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, e.o.reg.all())
}
