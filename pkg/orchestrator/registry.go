package orchestrator

import (
	"sync"

	"github.com/practicase/practicase/pkg/models"
	"github.com/practicase/practicase/pkg/scheduler"
)

// sessionRuntime is the per-session in-memory state the orchestrator owns:
// the lock that serializes every operation on the session, the single armed
// phase timer, and the per-user idle watchdogs. All fields other than mu
// are accessed only while holding mu.
type sessionRuntime struct {
	mu sync.Mutex

	// timerHandle is the one scheduled phase-expiry callback, nil when no
	// timer is armed. timerGen increments on every arm; a callback that was
	// already in flight when its timer was replaced carries the old value
	// and detects it is stale. Phase equality alone cannot: a new case
	// re-enters READING with a fresh timer. timerPhase records which phase
	// armed the timer.
	timerHandle scheduler.Handle
	timerPhase  models.Phase
	timerGen    uint64

	// activity holds the idle watchdog per user id.
	activity map[string]scheduler.Handle
}

// registry is the process-wide index of live session runtimes, keyed by
// session code. Entries are created on demand and removed when the session
// ends.
type registry struct {
	mu       sync.Mutex
	sessions map[string]*sessionRuntime
}

func newRegistry() *registry {
	return &registry{sessions: make(map[string]*sessionRuntime)}
}

// get returns the runtime for code, creating it if needed.
func (r *registry) get(code string) *sessionRuntime {
	r.mu.Lock()
	defer r.mu.Unlock()
	rt, ok := r.sessions[code]
	if !ok {
		rt = &sessionRuntime{activity: make(map[string]scheduler.Handle)}
		r.sessions[code] = rt
	}
	return rt
}

// lookup returns the runtime for code without creating one.
func (r *registry) lookup(code string) (*sessionRuntime, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rt, ok := r.sessions[code]
	return rt, ok
}

// remove drops the runtime for code. The caller must already have cancelled
// its handles.
func (r *registry) remove(code string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, code)
}

// all returns a snapshot of the live runtimes (used at shutdown).
func (r *registry) all() map[string]*sessionRuntime {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]*sessionRuntime, len(r.sessions))
	for code, rt := range r.sessions {
		out[code] = rt
	}
	return out
}

// stopTimerLocked cancels the armed phase timer, if any. Caller holds rt.mu.
func (rt *sessionRuntime) stopTimerLocked() {
	if rt.timerHandle != nil {
		rt.timerHandle.Cancel()
		rt.timerHandle = nil
		rt.timerPhase = ""
	}
}

// stopActivityLocked cancels one user's idle watchdog. Caller holds rt.mu.
func (rt *sessionRuntime) stopActivityLocked(userID string) {
	if h, ok := rt.activity[userID]; ok {
		h.Cancel()
		delete(rt.activity, userID)
	}
}

// stopAllLocked cancels the phase timer and every idle watchdog. Caller
// holds rt.mu.
func (rt *sessionRuntime) stopAllLocked() {
	rt.stopTimerLocked()
	for userID, h := range rt.activity {
		h.Cancel()
		delete(rt.activity, userID)
	}
}
