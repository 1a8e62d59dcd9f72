// Package events provides the per-session topic bus and real-time envelope
// delivery to WebSocket subscribers.
//
// Topics are ephemeral and per-session: every participant of a session
// subscribes to "session/<code>". Envelopes that carry role-filtered case
// content (CASE_DATA) are delivered on a private per-user topic instead,
// "session/<code>/user/<id>", so the unfiltered case never crosses a shared
// topic.
//
// Delivery is best-effort and non-blocking per subscriber: each subscriber
// has a bounded queue and overflow drops the oldest envelope. Within one
// topic, envelopes published by a single logical transition keep their
// publish order (PHASE_CHANGE before TIMER_START before any CASE_DATA).
package events

// Envelope type discriminators (the "type" field of every outbound message).
const (
	TypeSessionUpdate        = "SESSION_UPDATE"
	TypeParticipantUpdate    = "PARTICIPANT_UPDATE"
	TypePhaseChange          = "PHASE_CHANGE"
	TypeTimerStart           = "TIMER_START"
	TypeCaseData             = "CASE_DATA"
	TypeUserLeft             = "USER_LEFT"
	TypeSessionEnded         = "SESSION_ENDED"
	TypeRoleChange           = "ROLE_CHANGE"
	TypeTopicSelectionNeeded = "TOPIC_SELECTION_NEEDED"
)

// SessionTopic returns the shared topic for a session code.
func SessionTopic(code string) string {
	return "session/" + code
}

// UserTopic returns the private per-user topic for role-filtered content.
func UserTopic(code, userID string) string {
	return "session/" + code + "/user/" + userID
}

// ClientMessage is the JSON structure for client → server WebSocket frames.
type ClientMessage struct {
	Action      string `json:"action"`                // "subscribe", "unsubscribe", "ping"
	SessionCode string `json:"sessionCode,omitempty"` // session to (un)subscribe
	UserID      string `json:"userId,omitempty"`      // identifies the private topic + activity key
}
