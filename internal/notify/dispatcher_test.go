package notify

import (
	"context"
	"sync"
	"testing"
	"time"

	"subsync/internal/model"
	"subsync/internal/sched"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeClientBus struct {
	mu     sync.Mutex
	events []map[string]interface{}
}

func (f *fakeClientBus) PublishClient(clientID string, event map[string]interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	return nil
}

func (f *fakeClientBus) types() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, e := range f.events {
		out = append(out, e["type"].(string))
	}
	return out
}

func newDispatcher(t *testing.T) (*Dispatcher, *fakeClientBus, *sched.Manual) {
	t.Helper()
	bus := &fakeClientBus{}
	clock := sched.NewManual(time.Now())
	return NewDispatcher(nil, bus, clock, zap.NewNop()), bus, clock
}

func TestSuccessAutoDismisses(t *testing.T) {
	d, bus, clock := newDispatcher(t)

	d.Success("c1", "Completed", "Query finished")
	require.Len(t, d.List("c1"), 1)
	assert.Equal(t, []string{"notification.created"}, bus.types())

	clock.Advance(successHide)
	assert.Empty(t, d.List("c1"))
	assert.Equal(t, []string{"notification.created", "notification.dismissed"}, bus.types())
}

func TestErrorPersistsUntilDismissed(t *testing.T) {
	d, _, clock := newDispatcher(t)

	d.Error("c1", "Failed", "Query failed", "out of memory")

	clock.Advance(time.Hour)
	list := d.List("c1")
	require.Len(t, list, 1)
	assert.Equal(t, model.SeverityError, list[0].Severity)
	assert.True(t, list[0].Persistent)
	assert.Equal(t, "out of memory", list[0].Details)

	d.Dismiss(context.Background(), list[0].ID)
	assert.Empty(t, d.List("c1"))
}

func TestDismissCancelsAutoHideTimer(t *testing.T) {
	d, bus, clock := newDispatcher(t)

	d.Info("c1", "Queued", "Will retry")
	list := d.List("c1")
	require.Len(t, list, 1)

	d.Dismiss(context.Background(), list[0].ID)
	clock.Advance(time.Hour)

	// One created, one dismissed, no duplicate from the timer.
	assert.Equal(t, []string{"notification.created", "notification.dismissed"}, bus.types())
}

func TestDismissUnknownIDIsNoop(t *testing.T) {
	d, bus, _ := newDispatcher(t)

	d.Dismiss(context.Background(), "nope")
	assert.Empty(t, bus.types())
}

func TestListIsPerClientAndOrdered(t *testing.T) {
	d, _, clock := newDispatcher(t)

	d.Error("c1", "first", "m", "")
	clock.Advance(time.Second)
	d.Error("c2", "other", "m", "")
	clock.Advance(time.Second)
	d.Error("c1", "second", "m", "")

	list := d.List("c1")
	require.Len(t, list, 2)
	assert.Equal(t, "first", list[0].Title)
	assert.Equal(t, "second", list[1].Title)
}

func TestWarningHidesSlowerThanInfo(t *testing.T) {
	d, _, clock := newDispatcher(t)

	d.Info("c1", "i", "m")
	d.Warning("c1", "w", "m")

	clock.Advance(infoHide)
	list := d.List("c1")
	require.Len(t, list, 1)
	assert.Equal(t, model.SeverityWarning, list[0].Severity)

	clock.Advance(warningHide - infoHide)
	assert.Empty(t, d.List("c1"))
}
