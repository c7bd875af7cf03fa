package syncq

import (
	"context"
	"sync"
	"testing"
	"time"

	"subsync/internal/apperror"
	"subsync/internal/config"
	"subsync/internal/model"
	"subsync/internal/sched"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeReplayer struct {
	mu       sync.Mutex
	calls    []string
	failures map[string]*model.AppError // per-submission scripted result
	failed   map[string]*model.AppError // MarkFailed records
	gate     chan struct{}              // when set, Replay blocks until it closes
}

func newFakeReplayer() *fakeReplayer {
	return &fakeReplayer{
		failures: make(map[string]*model.AppError),
		failed:   make(map[string]*model.AppError),
	}
}

func (f *fakeReplayer) Replay(ctx context.Context, id string) *model.AppError {
	f.mu.Lock()
	f.calls = append(f.calls, id)
	result := f.failures[id]
	gate := f.gate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	return result
}

func (f *fakeReplayer) MarkFailed(ctx context.Context, id string, cause *model.AppError) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed[id] = cause
}

func (f *fakeReplayer) replayCount(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == id {
			n++
		}
	}
	return n
}

type fakeSyncBus struct {
	mu     sync.Mutex
	events []map[string]interface{}
}

func (f *fakeSyncBus) PublishSync(event map[string]interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	return nil
}

func (f *fakeSyncBus) types() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, e := range f.events {
		out = append(out, e["type"].(string))
	}
	return out
}

type fakeOnline struct {
	mu      sync.Mutex
	online  bool
	quality model.Quality
}

func (f *fakeOnline) Online() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.online
}

func (f *fakeOnline) Quality() model.Quality {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.quality == "" {
		return model.QualityFast
	}
	return f.quality
}

func (f *fakeOnline) set(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.online = v
}

func (f *fakeOnline) setQuality(q model.Quality) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.quality = q
}

type queueFixture struct {
	q        *Queue
	replayer *fakeReplayer
	bus      *fakeSyncBus
	conn     *fakeOnline
	clock    *sched.Manual
	cfg      *config.Config
}

func newQueueFixture(t *testing.T) *queueFixture {
	t.Helper()

	cfg := &config.Config{}
	cfg.Sync.BackoffBase = time.Second
	cfg.Sync.BackoffMax = 30 * time.Second
	cfg.Sync.MaxAttempts = 3
	cfg.Sync.Retention = 24 * time.Hour
	cfg.Sync.SafetyTick = time.Hour

	f := &queueFixture{
		replayer: newFakeReplayer(),
		bus:      &fakeSyncBus{},
		conn:     &fakeOnline{online: true},
		clock:    sched.NewManual(time.Now()),
		cfg:      cfg,
	}
	f.q = New(nil, f.replayer, f.bus, f.clock, cfg, zap.NewNop())
	f.q.SetConnectivity(f.conn)
	return f
}

func networkErr() *model.AppError {
	return apperror.New(model.ErrNetwork, "connection refused")
}

func TestBackoffGrowsExponentiallyWithBoundedJitter(t *testing.T) {
	f := newQueueFixture(t)

	prev := time.Duration(0)
	for attempt := 1; attempt <= 4; attempt++ {
		d := f.q.backoff(attempt)
		raw := f.cfg.Sync.BackoffBase << uint(attempt-1)
		assert.GreaterOrEqual(t, d, raw, "attempt %d", attempt)
		assert.LessOrEqual(t, d, raw+raw/10, "attempt %d", attempt)
		assert.Greater(t, d, prev, "attempt %d", attempt)
		prev = d
	}
}

func TestBackoffCapped(t *testing.T) {
	f := newQueueFixture(t)

	assert.Equal(t, f.cfg.Sync.BackoffMax, f.q.backoff(10))
	assert.Equal(t, f.cfg.Sync.BackoffMax, f.q.backoff(64)) // shift overflow guard
}

func TestBackoffDoublesOnSlowLink(t *testing.T) {
	f := newQueueFixture(t)
	f.conn.setQuality(model.QualitySlow)

	raw := f.cfg.Sync.BackoffBase
	d := f.q.backoff(1)
	assert.GreaterOrEqual(t, d, 2*raw)
	assert.LessOrEqual(t, d, 2*(raw+raw/10))

	// The cap still wins.
	assert.Equal(t, f.cfg.Sync.BackoffMax, f.q.backoff(10))
}

func TestEnqueueReplaysAfterBackoff(t *testing.T) {
	f := newQueueFixture(t)

	require.NoError(t, f.q.Enqueue(context.Background(), "s1", networkErr()))
	assert.Equal(t, 1, f.q.Len())
	assert.Equal(t, 0, f.replayer.replayCount("s1"))

	// First retry lands within base..base*1.1.
	f.clock.Advance(2 * time.Second)
	assert.Equal(t, 1, f.replayer.replayCount("s1"))
	assert.Equal(t, 0, f.q.Len())
	assert.Contains(t, f.bus.types(), "sync.completed")
}

func TestEnqueueIsIdempotentPerSubmission(t *testing.T) {
	f := newQueueFixture(t)

	require.NoError(t, f.q.Enqueue(context.Background(), "s1", networkErr()))
	require.NoError(t, f.q.Enqueue(context.Background(), "s1", networkErr()))
	assert.Equal(t, 1, f.q.Len())

	f.clock.Advance(2 * time.Second)
	assert.Equal(t, 1, f.replayer.replayCount("s1"))
}

func TestRetryableFailureReschedulesWithLongerDelay(t *testing.T) {
	f := newQueueFixture(t)
	f.replayer.failures["s1"] = networkErr()

	require.NoError(t, f.q.Enqueue(context.Background(), "s1", networkErr()))

	f.clock.Advance(2 * time.Second)
	assert.Equal(t, 1, f.replayer.replayCount("s1"))
	assert.Equal(t, 1, f.q.Len())

	entries := f.q.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, 2, entries[0].Attempts)
	assert.True(t, entries[0].NextAttemptAt.After(f.clock.Now()))
	// First delay >= 1s, second >= 2s, so at least 3s after enqueue.
	assert.GreaterOrEqual(t, entries[0].NextAttemptAt.Sub(entries[0].EnqueuedAt), 3*time.Second)
	assert.Contains(t, f.bus.types(), "sync.error")
}

func TestMaxAttemptsExhaustsEntry(t *testing.T) {
	f := newQueueFixture(t)
	f.replayer.failures["s1"] = networkErr()

	require.NoError(t, f.q.Enqueue(context.Background(), "s1", networkErr()))

	// Enqueue counts as attempt 1; repeated failures cross MaxAttempts.
	f.clock.Advance(time.Minute)

	assert.Equal(t, 0, f.q.Len())
	cause := f.replayer.failed["s1"]
	require.NotNil(t, cause)
	assert.Equal(t, "sync_exhausted", cause.Code)
	assert.False(t, cause.Retryable)

	// No further replays once exhausted.
	calls := f.replayer.replayCount("s1")
	f.clock.Advance(time.Hour)
	assert.Equal(t, calls, f.replayer.replayCount("s1"))
}

func TestNonRetryableReplayErrorFailsPermanently(t *testing.T) {
	f := newQueueFixture(t)
	f.replayer.failures["s1"] = apperror.FromResponse(422, []byte(`{"detail": "bad input"}`))

	require.NoError(t, f.q.Enqueue(context.Background(), "s1", networkErr()))
	f.clock.Advance(2 * time.Second)

	assert.Equal(t, 0, f.q.Len())
	cause := f.replayer.failed["s1"]
	require.NotNil(t, cause)
	assert.Equal(t, model.ErrValidation, cause.Kind)
	assert.Equal(t, 1, f.replayer.replayCount("s1"))
}

func TestKickDrainsFIFOIgnoringSchedules(t *testing.T) {
	f := newQueueFixture(t)

	require.NoError(t, f.q.Enqueue(context.Background(), "first", networkErr()))
	f.clock.Advance(time.Millisecond)
	require.NoError(t, f.q.Enqueue(context.Background(), "second", networkErr()))
	f.clock.Advance(time.Millisecond)
	require.NoError(t, f.q.Enqueue(context.Background(), "third", networkErr()))

	// No backoff has elapsed yet.
	f.q.Kick()

	f.replayer.mu.Lock()
	calls := append([]string(nil), f.replayer.calls...)
	f.replayer.mu.Unlock()
	assert.Equal(t, []string{"first", "second", "third"}, calls)
	assert.Equal(t, 0, f.q.Len())
	assert.Contains(t, f.bus.types(), "sync.started")
}

func TestTimerAndKickReplayOnlyOnce(t *testing.T) {
	f := newQueueFixture(t)
	gate := make(chan struct{})
	f.replayer.gate = gate

	require.NoError(t, f.q.Enqueue(context.Background(), "s1", networkErr()))

	// The backoff timer fires and its replay parks on the gate.
	timerDone := make(chan struct{})
	go func() {
		defer close(timerDone)
		f.clock.Advance(2 * time.Second)
	}()
	require.Eventually(t, func() bool {
		return f.replayer.replayCount("s1") == 1
	}, time.Second, time.Millisecond)

	// A reconnect drain arriving mid-replay must not start a second one.
	f.q.Kick()

	close(gate)
	<-timerDone

	assert.Equal(t, 1, f.replayer.replayCount("s1"))
	assert.Equal(t, 0, f.q.Len())
}

func TestOfflineAttemptDoesNotBurnRetries(t *testing.T) {
	f := newQueueFixture(t)
	f.conn.set(false)

	require.NoError(t, f.q.Enqueue(context.Background(), "s1", networkErr()))
	f.clock.Advance(2 * time.Second)

	assert.Equal(t, 0, f.replayer.replayCount("s1"))
	entries := f.q.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, 1, entries[0].Attempts)

	// Connection recovers; the rescheduled timer replays it.
	f.conn.set(true)
	f.clock.Advance(f.cfg.Sync.BackoffMax + time.Second)
	assert.Equal(t, 1, f.replayer.replayCount("s1"))
	assert.Equal(t, 0, f.q.Len())
}

func TestDropRemovesEntry(t *testing.T) {
	f := newQueueFixture(t)

	require.NoError(t, f.q.Enqueue(context.Background(), "s1", networkErr()))
	require.NoError(t, f.q.Drop(context.Background(), "s1"))
	assert.Equal(t, 0, f.q.Len())

	f.clock.Advance(time.Hour)
	assert.Equal(t, 0, f.replayer.replayCount("s1"))
}

func TestRetentionExpiresStaleEntries(t *testing.T) {
	f := newQueueFixture(t)
	f.conn.set(false) // keep it queued without burning attempts

	require.NoError(t, f.q.Enqueue(context.Background(), "s1", networkErr()))

	f.clock.Advance(f.cfg.Sync.Retention + time.Hour)

	assert.Equal(t, 0, f.q.Len())
	assert.Equal(t, 0, f.replayer.replayCount("s1"))
	cause := f.replayer.failed["s1"]
	require.NotNil(t, cause)
	assert.Equal(t, "sync_exhausted", cause.Code)
}

func TestEntriesSnapshotFIFO(t *testing.T) {
	f := newQueueFixture(t)
	f.conn.set(false)

	require.NoError(t, f.q.Enqueue(context.Background(), "a", networkErr()))
	f.clock.Advance(time.Millisecond)
	require.NoError(t, f.q.Enqueue(context.Background(), "b", networkErr()))

	entries := f.q.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, "a", entries[0].SubmissionID)
	assert.Equal(t, "b", entries[1].SubmissionID)
	require.NotNil(t, entries[0].LastError)
	assert.Equal(t, model.ErrNetwork, entries[0].LastError.Kind)
}
