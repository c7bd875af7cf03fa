package sched

import (
	"sort"
	"sync"
	"time"
)

// Scheduler schedules a function to run after a delay. Returned cancel
// functions are safe to call more than once and after the function has run.
type Scheduler interface {
	After(d time.Duration, fn func()) (cancel func())
	Now() time.Time
}

// Real runs callbacks on the wall clock.
type Real struct{}

func NewReal() *Real { return &Real{} }

func (Real) After(d time.Duration, fn func()) func() {
	t := time.AfterFunc(d, fn)
	return func() { t.Stop() }
}

func (Real) Now() time.Time { return time.Now() }

// Manual is a deterministic scheduler for tests. Time only moves when
// Advance is called; due callbacks run synchronously on the advancing
// goroutine.
type Manual struct {
	mu      sync.Mutex
	now     time.Time
	nextID  int
	pending []*manualTimer
}

type manualTimer struct {
	id    int
	due   time.Time
	fn    func()
	fired bool
}

func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

func (m *Manual) After(d time.Duration, fn func()) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	t := &manualTimer{id: m.nextID, due: m.now.Add(d), fn: fn}
	m.pending = append(m.pending, t)
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		t.fired = true
	}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance moves the clock forward and fires every timer that comes due,
// in due order.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	target := m.now.Add(d)
	m.mu.Unlock()

	for {
		fn := m.popDue(target)
		if fn == nil {
			break
		}
		fn()
	}

	m.mu.Lock()
	m.now = target
	m.mu.Unlock()
}

func (m *Manual) popDue(target time.Time) func() {
	m.mu.Lock()
	defer m.mu.Unlock()

	sort.SliceStable(m.pending, func(i, j int) bool {
		return m.pending[i].due.Before(m.pending[j].due)
	})

	for _, t := range m.pending {
		if t.fired || t.due.After(target) {
			continue
		}
		t.fired = true
		if t.due.After(m.now) {
			m.now = t.due
		}
		return t.fn
	}
	return nil
}

// PendingCount returns how many timers are armed but not yet fired.
func (m *Manual) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.pending {
		if !t.fired {
			n++
		}
	}
	return n
}
