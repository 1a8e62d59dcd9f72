package scheduler

import (
	"sort"
	"sync"
	"time"
)

// Manual is a deterministic Scheduler for tests. Time only moves when
// Advance is called; due callbacks run synchronously on the advancing
// goroutine, in deadline order.
type Manual struct {
	mu      sync.Mutex
	now     time.Time
	seq     int
	pending map[int]*manualTask
}

type manualTask struct {
	m        *Manual
	id       int
	deadline time.Time
	fn       func()
	done     bool
}

// NewManual creates a Manual scheduler with the given starting instant.
func NewManual(start time.Time) *Manual {
	return &Manual{
		now:     start,
		pending: make(map[int]*manualTask),
	}
}

// Now returns the scheduler's virtual clock. Tests inject this as the
// orchestrator clock so envelope timestamps track Advance.
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Schedule registers fn to run when the virtual clock passes delay.
func (m *Manual) Schedule(delay time.Duration, fn func()) Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	t := &manualTask{
		m:        m,
		id:       m.seq,
		deadline: m.now.Add(delay),
		fn:       fn,
	}
	m.pending[t.id] = t
	return t
}

// Advance moves the virtual clock forward by d, firing every due callback
// in deadline order. Callbacks may schedule further tasks; those fire too
// if they fall within the advanced window.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	target := m.now.Add(d)
	m.mu.Unlock()

	for {
		t := m.nextDueBefore(target)
		if t == nil {
			break
		}
		t.fn()
	}

	m.mu.Lock()
	m.now = target
	m.mu.Unlock()
}

// PendingCount returns the number of armed callbacks.
func (m *Manual) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// Stop drops all pending callbacks.
func (m *Manual) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending = make(map[int]*manualTask)
}

// nextDueBefore pops the earliest pending task with deadline <= target and
// moves the clock to its deadline, or returns nil.
func (m *Manual) nextDueBefore(target time.Time) *manualTask {
	m.mu.Lock()
	defer m.mu.Unlock()

	due := make([]*manualTask, 0, len(m.pending))
	for _, t := range m.pending {
		if !t.deadline.After(target) {
			due = append(due, t)
		}
	}
	if len(due) == 0 {
		return nil
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].deadline.Equal(due[j].deadline) {
			return due[i].id < due[j].id
		}
		return due[i].deadline.Before(due[j].deadline)
	})

	t := due[0]
	delete(m.pending, t.id)
	t.done = true
	if t.deadline.After(m.now) {
		m.now = t.deadline
	}
	return t
}

// Cancel removes the task if it has not fired yet.
func (t *manualTask) Cancel() bool {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	if t.done {
		return false
	}
	if _, ok := t.m.pending[t.id]; !ok {
		return false
	}
	delete(t.m.pending, t.id)
	t.done = true
	return true
}
