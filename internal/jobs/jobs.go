package jobs

import (
	"context"
	"fmt"
	"time"

	"subsync/internal/db"
	"subsync/internal/pubsub"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

const (
	taskPruneSubmissions  = "maintenance:prune_submissions"
	taskPruneSyncEntries  = "maintenance:prune_sync"
	taskPruneNotification = "maintenance:prune_notifications"

	maintenanceInterval = time.Hour
)

// Evictor drops stale terminal submissions from the in-memory working set.
type Evictor interface {
	Evict(olderThan time.Time) int
}

// JobServer runs background maintenance: pruning finished submissions,
// expired sync entries and dismissed notifications. Each handler
// reschedules itself, so one initial Schedule call per task keeps the
// cycle going.
type JobServer struct {
	server    *asynq.Server
	client    *asynq.Client
	db        *db.Pool
	bus       *pubsub.Bus
	store     Evictor
	retention time.Duration
	log       *zap.Logger
}

func NewJobServer(redisAddr string, dbPool *db.Pool, bus *pubsub.Bus, retention time.Duration, log *zap.Logger) (*JobServer, *asynq.Client) {
	redisOpt := asynq.RedisClientOpt{Addr: redisAddr}

	server := asynq.NewServer(
		redisOpt,
		asynq.Config{
			Concurrency: 10,
			Queues: map[string]int{
				"critical": 6,
				"default":  3,
				"low":      1,
			},
		},
	)

	client := asynq.NewClient(redisOpt)

	return &JobServer{
		server:    server,
		client:    client,
		db:        dbPool,
		bus:       bus,
		retention: retention,
		log:       log,
	}, client
}

// SetEvictor sets the in-memory store to evict alongside database pruning
func (js *JobServer) SetEvictor(e Evictor) {
	js.store = e
}

func (js *JobServer) Start() error {
	mux := asynq.NewServeMux()

	mux.HandleFunc(taskPruneSubmissions, js.handlePruneSubmissions)
	mux.HandleFunc(taskPruneSyncEntries, js.handlePruneSyncEntries)
	mux.HandleFunc(taskPruneNotification, js.handlePruneNotifications)

	return js.server.Start(mux)
}

func (js *JobServer) Stop() {
	js.server.Shutdown()
	js.client.Close()
}

// Job handlers

func (js *JobServer) handlePruneSubmissions(ctx context.Context, t *asynq.Task) error {
	defer js.reschedule(taskPruneSubmissions)

	cutoff := time.Now().Add(-js.retention)
	n, err := js.db.Queries.PruneTerminalSubmissions(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("failed to prune submissions: %w", err)
	}

	evicted := 0
	if js.store != nil {
		evicted = js.store.Evict(cutoff)
	}

	if n > 0 || evicted > 0 {
		js.log.Info("Pruned finished submissions",
			zap.Int64("rows", n),
			zap.Int("evicted", evicted),
		)
	}
	return nil
}

func (js *JobServer) handlePruneSyncEntries(ctx context.Context, t *asynq.Task) error {
	defer js.reschedule(taskPruneSyncEntries)

	n, err := js.db.Queries.PruneExpiredSyncEntries(ctx, time.Now().Add(-js.retention))
	if err != nil {
		return fmt.Errorf("failed to prune sync entries: %w", err)
	}
	if n > 0 {
		js.log.Info("Pruned expired sync entries", zap.Int64("rows", n))
	}
	return nil
}

func (js *JobServer) handlePruneNotifications(ctx context.Context, t *asynq.Task) error {
	defer js.reschedule(taskPruneNotification)

	n, err := js.db.Queries.PruneDismissedNotifications(ctx, time.Now().Add(-js.retention))
	if err != nil {
		return fmt.Errorf("failed to prune notifications: %w", err)
	}
	if n > 0 {
		js.log.Info("Pruned dismissed notifications", zap.Int64("rows", n))
	}
	return nil
}

func (js *JobServer) reschedule(taskType string) {
	if err := schedule(js.client, taskType, maintenanceInterval); err != nil {
		js.log.Error("Failed to reschedule maintenance task",
			zap.String("task", taskType),
			zap.Error(err),
		)
	}
}

// Schedule jobs

func schedule(client *asynq.Client, taskType string, in time.Duration) error {
	task := asynq.NewTask(taskType, nil)
	_, err := client.Enqueue(task, asynq.ProcessIn(in), asynq.Queue("low"))
	return err
}

// ScheduleMaintenance arms the recurring maintenance tasks. Called once at
// startup; the handlers keep themselves scheduled after that.
func ScheduleMaintenance(client *asynq.Client) error {
	for _, taskType := range []string{taskPruneSubmissions, taskPruneSyncEntries, taskPruneNotification} {
		if err := schedule(client, taskType, time.Minute); err != nil {
			return err
		}
	}
	return nil
}
