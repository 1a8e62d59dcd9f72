package events

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/practicase/practicase/pkg/models"
)

func keysOf(t *testing.T, v any) map[string]any {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, json.Unmarshal(data, &m))
	return m
}

func TestPhaseChangeWireFormat(t *testing.T) {
	m := keysOf(t, PhaseChangePayload{
		Type:            TypePhaseChange,
		SessionCode:     "123456",
		Phase:           models.PhaseReading,
		DurationSeconds: 300,
		StartTimestamp:  1717243200000,
	})

	assert.Equal(t, "PHASE_CHANGE", m["type"])
	assert.Equal(t, "123456", m["sessionCode"])
	assert.Equal(t, "READING", m["phase"])
	assert.Equal(t, float64(300), m["durationSeconds"])
	assert.Equal(t, float64(1717243200000), m["startTimestamp"])
}

func TestTimerStartWireFormat(t *testing.T) {
	m := keysOf(t, TimerStartPayload{
		Type:            TypeTimerStart,
		SessionCode:     "123456",
		Phase:           models.PhaseConsultation,
		DurationSeconds: 480,
		StartTimestamp:  1717243200000,
	})

	assert.Equal(t, "TIMER_START", m["type"])
	assert.Equal(t, "CONSULTATION", m["phase"])
	assert.Equal(t, float64(480), m["durationSeconds"])
	assert.Equal(t, float64(1717243200000), m["startTimestamp"])
}

func TestCaseViewOmitsEmptyRoleSections(t *testing.T) {
	m := keysOf(t, CaseDataPayload{
		Type:        TypeCaseData,
		SessionCode: "123456",
		Case: &CaseView{
			ID:                "c1",
			Category:          "cardio",
			Description:       "desc",
			DoctorInformation: "doctor only",
		},
	})

	c := m["case"].(map[string]any)
	assert.Equal(t, "doctor only", c["doctorInformation"])
	_, hasTitle := c["title"]
	assert.False(t, hasTitle, "empty title must be omitted from the wire")
	_, hasPatient := c["patientInformation"]
	assert.False(t, hasPatient)
}

func TestUserLeftWireFormat(t *testing.T) {
	m := keysOf(t, UserLeftPayload{
		Type:        TypeUserLeft,
		SessionCode: "123456",
		UserID:      "u1",
		UserName:    "Alice",
		UserRole:    models.RoleObserver,
	})

	assert.Equal(t, "USER_LEFT", m["type"])
	assert.Equal(t, "u1", m["userId"])
	assert.Equal(t, "Alice", m["userName"])
	assert.Equal(t, "OBSERVER", m["userRole"])
}

func TestSessionUpdateWireFormat(t *testing.T) {
	ts := int64(1717243200000)
	m := keysOf(t, SessionUpdatePayload{
		Type:        TypeSessionUpdate,
		SessionCode: "123456",
		Title:       "round",
		Phase:       models.PhaseWaiting,
		Status:      models.StatusCreated,
		Config: ConfigView{
			ReadingTime:      5,
			ConsultationTime: 8,
			TimingType:       "standard",
			SessionType:      "classic",
			SelectedTopics:   []string{"cardio"},
		},
		Participants: []ParticipantView{
			{UserID: "u1", Name: "Alice", Role: models.RoleDoctor, IsActive: true},
		},
		CurrentRound:        1,
		TimerStartTimestamp: &ts,
	})

	assert.Equal(t, "SESSION_UPDATE", m["type"])
	cfg := m["config"].(map[string]any)
	assert.Equal(t, float64(5), cfg["readingTime"])
	assert.Equal(t, float64(8), cfg["consultationTime"])
	parts := m["participants"].([]any)
	require.Len(t, parts, 1)
	p := parts[0].(map[string]any)
	assert.Equal(t, "u1", p["userId"])
	assert.Equal(t, "DOCTOR", p["role"])
	assert.Equal(t, true, p["isActive"])
	assert.Equal(t, float64(ts), m["timerStartTimestamp"])
}

func TestClientMessageParsing(t *testing.T) {
	var msg ClientMessage
	raw := `{"action":"subscribe","sessionCode":"123456","userId":"u1"}`
	require.NoError(t, json.Unmarshal([]byte(raw), &msg))
	assert.Equal(t, "subscribe", msg.Action)
	assert.Equal(t, "123456", msg.SessionCode)
	assert.Equal(t, "u1", msg.UserID)
}
