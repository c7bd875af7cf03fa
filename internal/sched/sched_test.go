package sched

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestManual_FiresInDueOrder(t *testing.T) {
	m := NewManual(time.Unix(0, 0))

	var order []string
	m.After(2*time.Second, func() { order = append(order, "b") })
	m.After(time.Second, func() { order = append(order, "a") })
	m.After(3*time.Second, func() { order = append(order, "c") })

	m.Advance(2 * time.Second)
	assert.Equal(t, []string{"a", "b"}, order)
	assert.Equal(t, 1, m.PendingCount())

	m.Advance(time.Second)
	assert.Equal(t, []string{"a", "b", "c"}, order)
}

func TestManual_Cancel(t *testing.T) {
	m := NewManual(time.Unix(0, 0))

	fired := false
	cancel := m.After(time.Second, func() { fired = true })
	cancel()
	cancel() // safe to call twice

	m.Advance(5 * time.Second)
	assert.False(t, fired)
}

func TestManual_CallbackMaySchedule(t *testing.T) {
	m := NewManual(time.Unix(0, 0))

	count := 0
	var tick func()
	tick = func() {
		count++
		if count < 3 {
			m.After(time.Second, tick)
		}
	}
	m.After(time.Second, tick)

	m.Advance(10 * time.Second)
	assert.Equal(t, 3, count)
}

func TestReal_AfterAndCancel(t *testing.T) {
	s := NewReal()

	ch := make(chan struct{})
	s.After(time.Millisecond, func() { close(ch) })

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("timer did not fire")
	}

	cancel := s.After(time.Hour, func() { t.Error("cancelled timer fired") })
	cancel()
}
