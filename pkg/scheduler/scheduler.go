// Package scheduler provides one-shot, cancellable timer callbacks executed
// on a dedicated worker pool, keeping scheduled work off the goroutines that
// handle client intents.
package scheduler

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Handle is a scheduled one-shot callback that can be cancelled.
// Cancel is best-effort: it returns false when the callback has already
// fired or was cancelled before.
type Handle interface {
	Cancel() bool
}

// Scheduler runs callbacks after a delay.
type Scheduler interface {
	// Schedule arms fn to run once after delay.
	Schedule(delay time.Duration, fn func()) Handle
	// Stop cancels all pending callbacks and waits for in-flight ones.
	Stop()
}

// Pool is the production Scheduler. Timers enqueue their callback onto a
// bounded job channel consumed by a fixed set of workers.
type Pool struct {
	jobs     chan func()
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewPool creates a Pool with the given number of workers.
func NewPool(workers int) *Pool {
	p := &Pool{
		jobs:   make(chan func(), 256),
		stopCh: make(chan struct{}),
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.run()
	}
	return p
}

func (p *Pool) run() {
	defer p.wg.Done()
	for {
		select {
		case <-p.stopCh:
			return
		case fn := <-p.jobs:
			fn()
		}
	}
}

// Schedule arms fn to run once after delay on a pool worker.
func (p *Pool) Schedule(delay time.Duration, fn func()) Handle {
	h := &poolHandle{}
	h.timer = time.AfterFunc(delay, func() {
		if !h.fired.CompareAndSwap(false, true) {
			return
		}
		select {
		case p.jobs <- fn:
		case <-p.stopCh:
			// Shutting down; drop the callback.
		default:
			// Job queue saturated. Run inline on the timer goroutine
			// rather than lose the transition.
			slog.Warn("Scheduler job queue full, running callback inline")
			fn()
		}
	})
	return h
}

// Stop cancels workers. Already-fired timers whose callbacks have not been
// picked up are dropped.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()
}

type poolHandle struct {
	timer *time.Timer
	fired atomic.Bool
}

// Cancel stops the underlying timer. Returns false if the callback already
// fired (or is firing); callers must tolerate a late callback and re-check
// their own state.
func (h *poolHandle) Cancel() bool {
	if h.fired.Load() {
		return false
	}
	return h.timer.Stop()
}
