package syncq

import (
	"context"
	"math/rand"
	"sort"
	"sync"
	"time"

	"subsync/internal/apperror"
	"subsync/internal/config"
	"subsync/internal/connectivity"
	"subsync/internal/db"
	"subsync/internal/model"
	"subsync/internal/sched"

	"github.com/lthibault/jitterbug/v2"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
)

// Replayer retries queued submissions and records permanent failures.
// Implemented by the submission service.
type Replayer interface {
	Replay(ctx context.Context, submissionID string) *model.AppError
	MarkFailed(ctx context.Context, submissionID string, cause *model.AppError)
}

type EventBus interface {
	PublishSync(event map[string]interface{}) error
}

type Connectivity interface {
	Online() bool
	Quality() model.Quality
}

type entry struct {
	id           string
	submissionID string
	attempts     int
	nextAttempt  time.Time
	enqueuedAt   time.Time
	lastError    *model.AppError
	cancelTimer  func()
	inflight     bool
}

// Queue holds submissions that failed on a retryable error and replays
// them with exponential backoff. Replay order is FIFO by enqueue time; a
// reconnect drains the whole queue immediately, ignoring individual
// backoff schedules.
type Queue struct {
	mu      sync.Mutex
	entries map[string]*entry // keyed by submission id

	queries  *db.Queries // nil when persistence is unavailable
	replayer Replayer
	bus      EventBus
	conn     Connectivity
	clock    sched.Scheduler
	cfg      *config.Config
	log      *zap.Logger
	rng      *rand.Rand

	draining bool

	ctx    context.Context
	cancel context.CancelFunc
}

func New(queries *db.Queries, replayer Replayer, bus EventBus, clock sched.Scheduler, cfg *config.Config, log *zap.Logger) *Queue {
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		entries:  make(map[string]*entry),
		queries:  queries,
		replayer: replayer,
		bus:      bus,
		clock:    clock,
		cfg:      cfg,
		log:      log,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// SetConnectivity sets the connectivity source consulted before replays
func (q *Queue) SetConnectivity(c Connectivity) {
	q.conn = c
}

// Start reloads persisted entries and arms their retry timers, then runs a
// jittered safety ticker that sweeps for due entries whose timers were
// lost. Returns after scheduling; the ticker runs until Stop.
func (q *Queue) Start(ctx context.Context) error {
	if q.queries != nil {
		rows, err := q.queries.ListSyncEntries(ctx)
		if err != nil {
			return err
		}
		q.log.Info("Reloading sync queue", zap.Int("count", len(rows)))

		q.mu.Lock()
		for _, row := range rows {
			e := &entry{
				id:           row.ID,
				submissionID: row.SubmissionID,
				attempts:     row.Attempts,
				nextAttempt:  row.NextAttemptAt,
				enqueuedAt:   row.EnqueuedAt,
			}
			q.entries[e.submissionID] = e
			q.armLocked(e)
		}
		q.mu.Unlock()
	}

	go q.safetyLoop()
	return nil
}

// Stop cancels pending retries and the safety ticker.
func (q *Queue) Stop() {
	q.cancel()

	q.mu.Lock()
	defer q.mu.Unlock()
	for _, e := range q.entries {
		if e.cancelTimer != nil {
			e.cancelTimer()
		}
	}
}

// Enqueue schedules a submission for replay. A submission already queued
// keeps its place; only the recorded error is refreshed.
func (q *Queue) Enqueue(ctx context.Context, submissionID string, cause *model.AppError) error {
	q.mu.Lock()
	if e, ok := q.entries[submissionID]; ok {
		e.lastError = cause
		q.mu.Unlock()
		return nil
	}

	e := &entry{
		id:           ulid.Make().String(),
		submissionID: submissionID,
		attempts:     1,
		enqueuedAt:   q.clock.Now(),
		lastError:    cause,
	}
	e.nextAttempt = e.enqueuedAt.Add(q.backoff(e.attempts))
	q.entries[submissionID] = e
	q.armLocked(e)
	q.mu.Unlock()

	if q.queries != nil {
		if _, err := q.queries.CreateSyncEntry(ctx, e.id, submissionID, e.nextAttempt, appErrorToMap(cause)); err != nil {
			q.log.Warn("Failed to persist sync entry", zap.String("submission_id", submissionID), zap.Error(err))
		}
	}

	q.publish("sync.queued", map[string]interface{}{"submissionId": submissionID, "attempts": e.attempts})
	return nil
}

// Drop removes a submission from the queue, typically after a local
// cancel.
func (q *Queue) Drop(ctx context.Context, submissionID string) error {
	q.mu.Lock()
	e, ok := q.entries[submissionID]
	if ok {
		delete(q.entries, submissionID)
	}
	q.mu.Unlock()
	if !ok {
		return nil
	}

	if e.cancelTimer != nil {
		e.cancelTimer()
	}
	if q.queries != nil {
		if err := q.queries.DeleteSyncEntry(ctx, e.id); err != nil {
			q.log.Warn("Failed to delete sync entry", zap.String("submission_id", submissionID), zap.Error(err))
		}
	}
	return nil
}

// Kick replays every queued submission immediately, FIFO, regardless of
// backoff schedules. Called on reconnect.
func (q *Queue) Kick() {
	q.mu.Lock()
	if q.draining {
		q.mu.Unlock()
		return
	}
	q.draining = true
	pending := q.snapshotLocked(time.Time{})
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		q.draining = false
		q.mu.Unlock()
	}()

	if len(pending) == 0 {
		return
	}

	q.publish("sync.started", map[string]interface{}{"pending": len(pending)})
	for _, id := range pending {
		q.attempt(id)
	}
}

// Len returns the number of queued submissions.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Entries returns a snapshot of the queue, FIFO.
func (q *Queue) Entries() []model.SyncQueueEntry {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]model.SyncQueueEntry, 0, len(q.entries))
	for _, e := range q.entries {
		out = append(out, model.SyncQueueEntry{
			ID:            e.id,
			SubmissionID:  e.submissionID,
			Attempts:      e.attempts,
			NextAttemptAt: e.nextAttempt,
			EnqueuedAt:    e.enqueuedAt,
			LastError:     e.lastError,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EnqueuedAt.Before(out[j].EnqueuedAt) })
	return out
}

// backoff returns the delay before the given attempt number. Exponential
// from the configured base with up to 10% added jitter; a slow link
// doubles the delay. Capped at the configured maximum. Callers hold q.mu.
func (q *Queue) backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	shift := uint(attempt - 1)
	if shift > 30 {
		return q.cfg.Sync.BackoffMax
	}
	d := q.cfg.Sync.BackoffBase << shift
	if d <= 0 || d > q.cfg.Sync.BackoffMax {
		return q.cfg.Sync.BackoffMax
	}
	d += time.Duration(q.rng.Float64() * 0.1 * float64(d))
	if q.conn != nil && connectivity.EffectiveQuality(q.conn.Quality()) == model.QualitySlow {
		d *= 2
	}
	if d > q.cfg.Sync.BackoffMax {
		return q.cfg.Sync.BackoffMax
	}
	return d
}

func (q *Queue) armLocked(e *entry) {
	delay := e.nextAttempt.Sub(q.clock.Now())
	if delay < 0 {
		delay = 0
	}
	id := e.submissionID
	e.cancelTimer = q.clock.After(delay, func() { q.attempt(id) })
}

// attempt replays one queued submission and routes the outcome. The
// inflight flag ensures a timer and a concurrent Kick never replay the
// same entry twice.
func (q *Queue) attempt(submissionID string) {
	q.mu.Lock()
	e, ok := q.entries[submissionID]
	if !ok || e.inflight {
		q.mu.Unlock()
		return
	}

	// Entries past their retention window are permanently failed rather
	// than retried forever.
	if q.clock.Now().Sub(e.enqueuedAt) > q.cfg.Sync.Retention {
		e.inflight = true
		q.mu.Unlock()
		q.expire(e, apperror.New(model.ErrTimeout, "Submission expired before the connection recovered"))
		return
	}

	if q.conn != nil && !q.conn.Online() {
		// Do not burn an attempt while offline; reconnect will kick us.
		e.nextAttempt = q.clock.Now().Add(q.cfg.Sync.BackoffMax)
		q.armLocked(e)
		q.mu.Unlock()
		return
	}
	e.inflight = true
	q.mu.Unlock()

	appErr := q.replayer.Replay(q.ctx, submissionID)
	if appErr == nil {
		q.remove(e)
		q.publish("sync.completed", map[string]interface{}{"submissionId": submissionID, "attempts": e.attempts})
		return
	}

	if !apperror.IsRetryable(appErr) {
		q.remove(e)
		q.replayer.MarkFailed(q.ctx, submissionID, appErr)
		q.publish("sync.error", map[string]interface{}{
			"submissionId": submissionID,
			"error":        appErrorToMap(appErr),
			"permanent":    true,
		})
		return
	}

	q.mu.Lock()
	e.attempts++
	e.lastError = appErr
	attempts := e.attempts
	if attempts > q.cfg.Sync.MaxAttempts {
		q.mu.Unlock()
		q.expire(e, appErr)
		return
	}
	e.inflight = false
	e.nextAttempt = q.clock.Now().Add(q.backoff(attempts))
	q.armLocked(e)
	next := e.nextAttempt
	q.mu.Unlock()

	if q.queries != nil {
		if err := q.queries.RescheduleSyncEntry(q.ctx, e.id, attempts, next, appErrorToMap(appErr)); err != nil {
			q.log.Warn("Failed to persist sync reschedule", zap.String("submission_id", submissionID), zap.Error(err))
		}
	}
	q.publish("sync.error", map[string]interface{}{
		"submissionId": submissionID,
		"error":        appErrorToMap(appErr),
		"attempts":     attempts,
	})
}

// expire gives up on an entry for good.
func (q *Queue) expire(e *entry, cause *model.AppError) {
	q.remove(e)

	if q.queries != nil {
		if err := q.queries.ExpireSyncEntry(q.ctx, e.id); err != nil {
			q.log.Warn("Failed to expire sync entry", zap.String("submission_id", e.submissionID), zap.Error(err))
		}
	}

	final := apperror.New(cause.Kind, cause.Message)
	final.Details = cause.Details
	final.Code = "sync_exhausted"
	final.Retryable = false
	q.replayer.MarkFailed(q.ctx, e.submissionID, final)

	q.publish("sync.error", map[string]interface{}{
		"submissionId": e.submissionID,
		"error":        appErrorToMap(final),
		"permanent":    true,
	})
}

func (q *Queue) remove(e *entry) {
	q.mu.Lock()
	delete(q.entries, e.submissionID)
	q.mu.Unlock()

	if e.cancelTimer != nil {
		e.cancelTimer()
	}
	if q.queries != nil {
		if err := q.queries.DeleteSyncEntry(q.ctx, e.id); err != nil {
			q.log.Warn("Failed to delete sync entry", zap.String("submission_id", e.submissionID), zap.Error(err))
		}
	}
}

// snapshotLocked returns queued submission ids FIFO, skipping entries
// with a replay already running. A zero cutoff means everything;
// otherwise only entries due at or before the cutoff.
func (q *Queue) snapshotLocked(due time.Time) []string {
	type item struct {
		id string
		at time.Time
	}
	items := make([]item, 0, len(q.entries))
	for _, e := range q.entries {
		if e.inflight {
			continue
		}
		if !due.IsZero() && e.nextAttempt.After(due) {
			continue
		}
		items = append(items, item{id: e.submissionID, at: e.enqueuedAt})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].at.Before(items[j].at) })

	ids := make([]string, len(items))
	for i, it := range items {
		ids[i] = it.id
	}
	return ids
}

// safetyLoop sweeps for due entries on a jittered interval. Timers cover
// the normal path; the sweep catches entries reloaded with a stale clock
// or whose timer was lost to a crash mid-schedule.
func (q *Queue) safetyLoop() {
	ticker := jitterbug.New(q.cfg.Sync.SafetyTick, &jitterbug.Norm{Stdev: q.cfg.Sync.SafetyTick / 10})
	defer ticker.Stop()

	for {
		select {
		case <-q.ctx.Done():
			return
		case <-ticker.C:
			q.mu.Lock()
			due := q.snapshotLocked(q.clock.Now())
			q.mu.Unlock()
			for _, id := range due {
				q.attempt(id)
			}
		}
	}
}

func (q *Queue) publish(eventType string, fields map[string]interface{}) {
	event := map[string]interface{}{"type": eventType}
	for k, v := range fields {
		event[k] = v
	}
	if err := q.bus.PublishSync(event); err != nil {
		q.log.Debug("Failed to publish sync event", zap.String("type", eventType), zap.Error(err))
	}
}

func appErrorToMap(e *model.AppError) map[string]interface{} {
	if e == nil {
		return nil
	}
	return map[string]interface{}{
		"kind":      string(e.Kind),
		"message":   e.Message,
		"code":      e.Code,
		"status":    e.Status,
		"details":   e.Details,
		"retryable": e.Retryable,
		"timestamp": e.Timestamp.Format(time.RFC3339),
	}
}
