package orchestrator

import (
	"context"
	"log/slog"

	"github.com/practicase/practicase/pkg/metrics"
	"github.com/practicase/practicase/pkg/scheduler"
)

// TouchActivity re-arms the idle watchdog for a tracked participant. It is
// called on every inbound frame of the user's topic subscription and on
// every client intent. Untracked (session, user) pairs are ignored; the
// watchdog is first armed on join.
func (o *Orchestrator) TouchActivity(sessionCode, userID string) {
	rt, ok := o.reg.lookup(sessionCode)
	if !ok {
		return
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if _, tracked := rt.activity[userID]; !tracked {
		return
	}
	o.armActivityLocked(rt, sessionCode, userID)
}

// armActivityLocked (re)starts the user's idle countdown. Caller holds
// rt.mu. The callback captures its own handle so a stale firing can detect
// that a later touch replaced it.
func (o *Orchestrator) armActivityLocked(rt *sessionRuntime, code, userID string) {
	rt.stopActivityLocked(userID)
	var h scheduler.Handle
	h = o.sched.Schedule(o.idleTimeout, func() {
		o.evictIdle(code, userID, &h)
	})
	rt.activity[userID] = h
}

// evictIdle runs when a participant's idle countdown elapses. If a touch
// re-armed the watchdog after this callback was scheduled, the tracked
// handle no longer matches and the callback is a no-op.
func (o *Orchestrator) evictIdle(code, userID string, armed *scheduler.Handle) {
	rt, ok := o.reg.lookup(code)
	if !ok {
		return
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()

	cur, tracked := rt.activity[userID]
	if !tracked || cur != *armed {
		return
	}
	delete(rt.activity, userID)

	ctx := context.Background()
	s, err := o.loadLocked(ctx, code)
	if err != nil {
		return
	}
	if s.IsCompleted() {
		return
	}

	slog.Info("Evicting idle participant",
		"session_code", code, "user_id", userID, "idle_timeout", o.idleTimeout)
	metrics.IdleEvictions.Inc()

	if err := o.leaveLocked(ctx, rt, s, userID); err != nil {
		slog.Error("Idle eviction failed",
			"session_code", code, "user_id", userID, "error", err)
	}
}
