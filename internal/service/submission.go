package service

import (
	"context"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"subsync/internal/apperror"
	"subsync/internal/config"
	"subsync/internal/db"
	"subsync/internal/model"
	"subsync/internal/schema"
	"subsync/internal/storage"
	"subsync/internal/upstream"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
)

// Upstream is the slice of the remote API the submission pipeline uses.
type Upstream interface {
	UploadFile(ctx context.Context, filename, contentType string, r io.Reader, size int64, onProgress func(upstream.UploadProgress)) (*upstream.FileInfo, error)
	SubmitQuery(ctx context.Context, text string, params map[string]interface{}) (*upstream.QueryInfo, error)
	QueryStatus(ctx context.Context, id string) (*upstream.QueryStatus, error)
	QueryResults(ctx context.Context, id string) (map[string]interface{}, error)
	CancelQuery(ctx context.Context, id string) error
	FileStatus(ctx context.Context, id string) (*upstream.FileInfo, error)
	DeleteFile(ctx context.Context, id string) error
}

type EventBus interface {
	PublishSubmission(submissionID string, event map[string]interface{}) error
	PublishClient(clientID string, event map[string]interface{}) error
	PublishSync(event map[string]interface{}) error
}

type Notifier interface {
	Success(clientID, title, message string)
	Error(clientID, title, message, details string)
	Info(clientID, title, message string)
	Warning(clientID, title, message string)
}

// SyncQueue receives submissions that failed on a retryable error.
type SyncQueue interface {
	Enqueue(ctx context.Context, submissionID string, cause *model.AppError) error
	Drop(ctx context.Context, submissionID string) error
}

// Tracker follows in-progress submissions until they reach a terminal state.
type Tracker interface {
	Track(sub model.Submission)
	Release(submissionID string)
}

// Connectivity reports whether the upstream is currently reachable.
type Connectivity interface {
	Online() bool
}

// SubmissionService is the only component allowed to mutate submission
// records. All transitions happen under its lock, so per-submission state
// changes are strictly ordered.
type SubmissionService struct {
	mu     sync.RWMutex
	active map[string]*model.Submission

	queries      *db.Queries // nil when persistence is unavailable
	client       Upstream
	staging      *storage.Staging
	schemaComp   *schema.Compiler
	paramsSchema map[string]interface{}
	bus          EventBus
	notifier     Notifier
	cfg          *config.Config
	log          *zap.Logger

	syncQueue SyncQueue
	tracker   Tracker
	conn      Connectivity

	listeners    map[int]func([]model.Submission)
	nextListener int
}

func NewSubmissionService(queries *db.Queries, client Upstream, staging *storage.Staging, schemaComp *schema.Compiler, bus EventBus, notifier Notifier, cfg *config.Config, log *zap.Logger) *SubmissionService {
	if queries == nil {
		log.Warn("Submission persistence unavailable, running in-memory only")
	}
	return &SubmissionService{
		active:     make(map[string]*model.Submission),
		queries:    queries,
		client:     client,
		staging:    staging,
		schemaComp: schemaComp,
		bus:        bus,
		notifier:   notifier,
		cfg:        cfg,
		log:        log,
		listeners:  make(map[int]func([]model.Submission)),
	}
}

// SetSyncQueue sets the offline queue for retryable failures
func (s *SubmissionService) SetSyncQueue(q SyncQueue) {
	s.syncQueue = q
}

// SetTracker sets the progress tracker for in-flight submissions
func (s *SubmissionService) SetTracker(t Tracker) {
	s.tracker = t
}

// SetConnectivity sets the connectivity source consulted before attempts
func (s *SubmissionService) SetConnectivity(c Connectivity) {
	s.conn = c
}

// SetParamsSchema installs a JSON schema that query parameters are
// validated against before submission.
func (s *SubmissionService) SetParamsSchema(ctx context.Context, spec map[string]interface{}) error {
	if err := s.schemaComp.Prepare(ctx, spec); err != nil {
		return err
	}
	s.paramsSchema = spec
	return nil
}

// DefaultParamsSchema describes the query parameters the upstream accepts.
// Unknown parameters pass through; the upstream validates those itself.
func DefaultParamsSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"language": map[string]interface{}{
				"type":      "string",
				"minLength": 2,
				"maxLength": 8,
			},
			"maxResults": map[string]interface{}{
				"type":    "integer",
				"minimum": 1,
				"maximum": 1000,
			},
			"includeSources": map[string]interface{}{
				"type": "boolean",
			},
		},
		"additionalProperties": true,
	}
}

type SubmitQueryInput struct {
	ClientID string
	Text     string
	Params   map[string]interface{}
	Timeout  time.Duration
}

type SubmitFileInput struct {
	ClientID    string
	FileName    string
	ContentType string
	Size        int64
	Body        io.Reader
}

// SubmitQuery validates and submits a natural-language query. Validation
// failures return the AppError and leave a FAILED record; network-level
// failures leave the submission QUEUED pending sync. Two identical calls
// produce two independent submissions.
func (s *SubmissionService) SubmitQuery(ctx context.Context, input SubmitQueryInput) (*model.Submission, error) {
	sub := &model.Submission{
		ID:             ulid.Make().String(),
		Kind:           model.KindQuery,
		ClientID:       input.ClientID,
		Status:         model.StatusQueued,
		QueryText:      input.Text,
		QueryParams:    input.Params,
		TimeoutSeconds: int(s.cfg.ClampTimeout(input.Timeout) / time.Second),
		CreatedAt:      time.Now(),
		UpdatedAt:      time.Now(),
	}

	if strings.TrimSpace(input.Text) == "" {
		appErr := apperror.New(model.ErrValidation, "Query text must not be empty")
		appErr.Code = "empty_query"
		s.insertFailed(ctx, sub, appErr)
		return sub, appErr
	}

	if s.paramsSchema != nil && input.Params != nil {
		if err := s.schemaComp.Validate(ctx, s.paramsSchema, input.Params); err != nil {
			appErr := apperror.New(model.ErrValidation, "Invalid query parameters")
			appErr.Details = err.Error()
			s.insertFailed(ctx, sub, appErr)
			return sub, appErr
		}
	}

	s.insert(ctx, sub)
	s.attempt(ctx, sub.ID)
	return s.Get(sub.ID)
}

// SubmitFile stages the blob locally, then attempts the upload. The staged
// copy survives restarts so queued uploads can be replayed.
func (s *SubmissionService) SubmitFile(ctx context.Context, input SubmitFileInput) (*model.Submission, error) {
	sub := &model.Submission{
		ID:          ulid.Make().String(),
		Kind:        model.KindFile,
		ClientID:    input.ClientID,
		Status:      model.StatusQueued,
		FileName:    input.FileName,
		ContentType: input.ContentType,
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
	}

	if input.Body == nil || input.FileName == "" {
		appErr := apperror.New(model.ErrValidation, "A file is required for upload")
		appErr.Code = "missing_file"
		s.insertFailed(ctx, sub, appErr)
		return sub, appErr
	}

	key, size, err := s.staging.Stage(input.Body)
	if err != nil {
		appErr := apperror.Normalize(err)
		s.insertFailed(ctx, sub, appErr)
		return sub, appErr
	}
	sub.StagingKey = key
	sub.FileSize = size

	s.insert(ctx, sub)
	s.attempt(ctx, sub.ID)
	return s.Get(sub.ID)
}

// Cancel cancels a submission. Only valid in QUEUED, SUBMITTING or
// IN_PROGRESS. The store reflects remote-confirmed cancellation; a failed
// cancel leaves the submission unchanged and is never retried
// automatically.
func (s *SubmissionService) Cancel(ctx context.Context, id string) error {
	sub, err := s.Get(id)
	if err != nil {
		return err
	}
	if sub.Status.IsTerminal() {
		appErr := apperror.New(model.ErrValidation, "Submission can no longer be cancelled")
		appErr.Code = "not_cancellable"
		return appErr
	}

	if sub.ServerID == nil {
		// Never reached the upstream; cancel locally and drop any queued
		// replay.
		if s.syncQueue != nil {
			_ = s.syncQueue.Drop(ctx, id)
		}
		s.transition(ctx, id, transitionParams{status: model.StatusCancelled})
		s.cleanupTerminal(sub)
		s.notifier.Info(sub.ClientID, "Cancelled", "Submission cancelled")
		return nil
	}

	var cancelErr error
	if sub.Kind == model.KindQuery {
		cancelErr = s.client.CancelQuery(ctx, *sub.ServerID)
	} else {
		cancelErr = s.client.DeleteFile(ctx, *sub.ServerID)
	}
	if cancelErr != nil {
		appErr := apperror.Normalize(cancelErr)
		s.notifier.Error(sub.ClientID, "Cancel failed", appErr.Message, appErr.Details)
		return appErr
	}

	s.transition(ctx, id, transitionParams{status: model.StatusCancelled})
	s.cleanupTerminal(sub)
	s.notifier.Info(sub.ClientID, "Cancelled", "Submission cancelled")
	return nil
}

// Replay retries a queued submission on behalf of the sync queue. Unlike
// the initial attempt it does not re-enqueue on failure; rescheduling is
// the queue's decision.
func (s *SubmissionService) Replay(ctx context.Context, id string) *model.AppError {
	sub, err := s.Get(id)
	if err != nil {
		return apperror.Normalize(err)
	}
	if sub.Status.IsTerminal() {
		return nil // cancelled or failed while queued; nothing to replay
	}
	return s.dispatch(ctx, sub)
}

// Get returns a copy of a submission.
func (s *SubmissionService) Get(id string) (*model.Submission, error) {
	s.mu.RLock()
	sub, ok := s.active[id]
	s.mu.RUnlock()
	if ok {
		copied := *sub
		return &copied, nil
	}

	if s.queries != nil {
		row, err := s.queries.GetSubmissionByID(context.Background(), id)
		if err == nil {
			return dbSubmissionToModel(row), nil
		}
	}

	appErr := apperror.New(model.ErrUnknown, "Submission not found")
	appErr.Code = "not_found"
	return nil, appErr
}

// List returns submissions for a client, newest first. Empty clientID
// returns everything.
func (s *SubmissionService) List(clientID string) []model.Submission {
	s.mu.RLock()
	defer s.mu.RUnlock()

	subs := make([]model.Submission, 0, len(s.active))
	for _, sub := range s.active {
		if clientID != "" && sub.ClientID != clientID {
			continue
		}
		subs = append(subs, *sub)
	}
	sort.Slice(subs, func(i, j int) bool {
		return subs[i].CreatedAt.After(subs[j].CreatedAt)
	})
	return subs
}

// MaxConcurrent reports the advisory concurrency limit. It is not enforced
// here; enforcement, if any, is server-side.
func (s *SubmissionService) MaxConcurrent() int {
	return s.cfg.Poll.MaxConcurrent
}

// Subscribe registers a listener that receives a full snapshot on every
// state change. The returned function unsubscribes it.
func (s *SubmissionService) Subscribe(fn func([]model.Submission)) func() {
	s.mu.Lock()
	s.nextListener++
	id := s.nextListener
	s.listeners[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.listeners, id)
	}
}

// Resume reloads non-terminal submissions after a restart. Submissions
// caught mid-attempt are requeued; in-progress ones resume tracking.
func (s *SubmissionService) Resume(ctx context.Context) error {
	if s.queries == nil {
		return nil
	}

	rows, err := s.queries.ListActiveSubmissions(ctx)
	if err != nil {
		return err
	}

	s.log.Info("Resuming submissions", zap.Int("count", len(rows)))

	for _, row := range rows {
		sub := dbSubmissionToModel(row)
		s.mu.Lock()
		s.active[sub.ID] = sub
		s.mu.Unlock()

		switch sub.Status {
		case model.StatusSubmitting:
			// The process died mid-attempt. Requeue rather than guess.
			cause := apperror.New(model.ErrNetwork, "Interrupted by restart")
			s.transition(ctx, sub.ID, transitionParams{status: model.StatusQueued, lastError: cause})
			if s.syncQueue != nil {
				_ = s.syncQueue.Enqueue(ctx, sub.ID, cause)
			}
		case model.StatusInProgress:
			if s.tracker != nil {
				s.tracker.Track(*sub)
			}
		}
	}
	return nil
}

// Progress updates from the poller / push channel

func (s *SubmissionService) ApplyProgress(ctx context.Context, id string, progress float64, step string) {
	s.transition(ctx, id, transitionParams{
		status:      model.StatusInProgress,
		progress:    &progress,
		currentStep: strPtr(step),
		event:       "submission.progress",
	})
}

func (s *SubmissionService) MarkCompleted(ctx context.Context, id string) {
	sub, err := s.Get(id)
	if err != nil || sub.Status.IsTerminal() {
		return
	}
	full := 100.0
	s.transition(ctx, id, transitionParams{status: model.StatusCompleted, progress: &full})
	s.cleanupTerminal(sub)
	s.notifier.Success(sub.ClientID, "Completed", completedMessage(sub))
}

func (s *SubmissionService) MarkFailed(ctx context.Context, id string, cause *model.AppError) {
	sub, err := s.Get(id)
	if err != nil || sub.Status.IsTerminal() {
		return
	}
	s.transition(ctx, id, transitionParams{status: model.StatusFailed, lastError: cause})
	s.cleanupTerminal(sub)
	s.notifier.Error(sub.ClientID, "Failed", cause.Message, cause.Details)
}

func (s *SubmissionService) MarkCancelled(ctx context.Context, id string) {
	sub, err := s.Get(id)
	if err != nil || sub.Status.IsTerminal() {
		return
	}
	s.transition(ctx, id, transitionParams{status: model.StatusCancelled})
	s.cleanupTerminal(sub)
}

// Evict drops terminal submissions older than the cutoff from the active
// set. The database history is pruned separately by a background job.
func (s *SubmissionService) Evict(olderThan time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id, sub := range s.active {
		if sub.Status.IsTerminal() && sub.UpdatedAt.Before(olderThan) {
			delete(s.active, id)
			n++
		}
	}
	return n
}

// attempt performs the first network attempt for a new submission.
func (s *SubmissionService) attempt(ctx context.Context, id string) {
	sub, err := s.Get(id)
	if err != nil {
		return
	}

	// Offline: do not burn a network attempt, queue immediately.
	if s.conn != nil && !s.conn.Online() {
		cause := apperror.New(model.ErrNetwork, "Upstream unreachable, submission queued")
		s.queueForSync(ctx, sub, cause)
		return
	}

	if appErr := s.dispatch(ctx, sub); appErr != nil {
		if apperror.IsRetryable(appErr) {
			s.queueForSync(ctx, sub, appErr)
		} else {
			s.transition(ctx, id, transitionParams{status: model.StatusFailed, lastError: appErr})
			s.cleanupTerminal(sub)
			s.notifier.Error(sub.ClientID, "Submission failed", appErr.Message, appErr.Details)
		}
	}
}

// dispatch runs one upstream attempt. On success the submission is
// IN_PROGRESS (or COMPLETED) with its server id attached; on failure the
// submission is left QUEUED and the error is returned for the caller to
// route.
func (s *SubmissionService) dispatch(ctx context.Context, sub *model.Submission) *model.AppError {
	retries := sub.RetryCount + 1
	s.transition(ctx, sub.ID, transitionParams{status: model.StatusSubmitting, retryCount: &retries, attempted: true})

	var serverID string
	var terminal bool
	var appErr *model.AppError

	switch sub.Kind {
	case model.KindQuery:
		info, err := s.client.SubmitQuery(ctx, sub.QueryText, sub.QueryParams)
		if err != nil {
			appErr = apperror.Normalize(err)
		} else {
			serverID = info.ID
		}
	case model.KindFile:
		serverID, terminal, appErr = s.uploadStaged(ctx, sub)
	}

	if appErr != nil {
		s.transition(ctx, sub.ID, transitionParams{status: model.StatusQueued, lastError: appErr})
		return appErr
	}

	if terminal {
		full := 100.0
		s.transition(ctx, sub.ID, transitionParams{status: model.StatusCompleted, serverID: &serverID, progress: &full})
		s.cleanupTerminal(sub)
		s.notifier.Success(sub.ClientID, "Completed", completedMessage(sub))
		return nil
	}

	s.transition(ctx, sub.ID, transitionParams{status: model.StatusInProgress, serverID: &serverID})
	if s.tracker != nil {
		tracked, err := s.Get(sub.ID)
		if err == nil {
			s.tracker.Track(*tracked)
		}
	}
	return nil
}

func (s *SubmissionService) uploadStaged(ctx context.Context, sub *model.Submission) (string, bool, *model.AppError) {
	blob, err := s.staging.Open(sub.StagingKey)
	if err != nil {
		return "", false, apperror.Normalize(err)
	}
	defer blob.Close()

	info, err := s.client.UploadFile(ctx, sub.FileName, sub.ContentType, blob, sub.FileSize,
		func(p upstream.UploadProgress) {
			if p.TotalKnown {
				s.ApplyProgress(ctx, sub.ID, p.Percent, "uploading")
			}
		})
	if err != nil {
		return "", false, apperror.Normalize(err)
	}

	terminal := info.Status == "ready" || info.Status == "completed"
	return info.ID, terminal, nil
}

func (s *SubmissionService) queueForSync(ctx context.Context, sub *model.Submission, cause *model.AppError) {
	s.transition(ctx, sub.ID, transitionParams{status: model.StatusQueued, lastError: cause, event: "submission.queued"})
	if s.syncQueue != nil {
		if err := s.syncQueue.Enqueue(ctx, sub.ID, cause); err != nil {
			s.log.Error("Failed to enqueue submission for sync",
				zap.String("submission_id", sub.ID), zap.Error(err))
		}
	}
	s.notifier.Warning(sub.ClientID, "Queued", "Submission will be retried when the connection recovers")
}

func (s *SubmissionService) insert(ctx context.Context, sub *model.Submission) {
	s.mu.Lock()
	s.active[sub.ID] = sub
	s.mu.Unlock()

	s.persistNew(ctx, sub)
	_ = s.bus.PublishSubmission(sub.ID, map[string]interface{}{
		"type":         "submission.created",
		"submissionId": sub.ID,
		"kind":         string(sub.Kind),
	})
	_ = s.bus.PublishClient(sub.ClientID, map[string]interface{}{
		"type":         "submission.created",
		"submissionId": sub.ID,
	})
	s.notifyListeners()
}

func (s *SubmissionService) insertFailed(ctx context.Context, sub *model.Submission, cause *model.AppError) {
	sub.Status = model.StatusFailed
	sub.LastError = cause

	s.mu.Lock()
	s.active[sub.ID] = sub
	s.mu.Unlock()

	s.persistNew(ctx, sub)
	if s.queries != nil {
		_, err := s.queries.UpdateSubmission(ctx, db.UpdateSubmissionParams{
			ID:        sub.ID,
			Status:    string(sub.Status),
			LastError: appErrorToMap(cause),
		})
		if err != nil {
			s.log.Warn("Failed to persist submission failure", zap.String("submission_id", sub.ID), zap.Error(err))
		}
	}
	_ = s.bus.PublishSubmission(sub.ID, map[string]interface{}{
		"type":         "submission.failed",
		"submissionId": sub.ID,
		"error":        appErrorToMap(cause),
	})
	s.notifier.Error(sub.ClientID, "Invalid submission", cause.Message, cause.Details)
	s.notifyListeners()
}

func (s *SubmissionService) persistNew(ctx context.Context, sub *model.Submission) {
	if s.queries == nil {
		return
	}
	_, err := s.queries.CreateSubmission(ctx, db.CreateSubmissionParams{
		ID:          sub.ID,
		Kind:        string(sub.Kind),
		ClientID:    sub.ClientID,
		Status:      string(model.StatusQueued),
		QueryText:   strPtr(sub.QueryText),
		QueryParams: sub.QueryParams,
		FileName:    strPtr(sub.FileName),
		FileSize:    int64Ptr(sub.FileSize),
		ContentType: strPtr(sub.ContentType),
		StagingKey:  strPtr(sub.StagingKey),
	})
	if err != nil {
		s.log.Warn("Failed to persist submission", zap.String("submission_id", sub.ID), zap.Error(err))
	}
}

type transitionParams struct {
	status      model.Status
	serverID    *string
	progress    *float64
	currentStep *string
	retryCount  *int
	lastError   *model.AppError
	attempted   bool
	event       string
}

// transition applies a state change atomically: copy, mutate, swap. The
// server id is written at most once.
func (s *SubmissionService) transition(ctx context.Context, id string, p transitionParams) {
	s.mu.Lock()
	sub, ok := s.active[id]
	if !ok {
		s.mu.Unlock()
		return
	}

	next := *sub
	next.Status = p.status
	if p.serverID != nil && next.ServerID == nil {
		next.ServerID = p.serverID
	}
	if p.progress != nil {
		next.Progress = *p.progress
	}
	if p.currentStep != nil {
		next.CurrentStep = *p.currentStep
	}
	if p.retryCount != nil {
		next.RetryCount = *p.retryCount
	}
	if p.lastError != nil {
		next.LastError = p.lastError
	}
	if p.attempted {
		now := time.Now()
		next.LastAttemptAt = &now
	}
	next.UpdatedAt = time.Now()
	s.active[id] = &next
	clientID := next.ClientID
	s.mu.Unlock()

	if s.queries != nil {
		_, err := s.queries.UpdateSubmission(ctx, db.UpdateSubmissionParams{
			ID:          id,
			Status:      string(p.status),
			ServerID:    p.serverID,
			Progress:    p.progress,
			CurrentStep: p.currentStep,
			RetryCount:  p.retryCount,
			LastError:   appErrorToMap(p.lastError),
			Attempted:   p.attempted,
		})
		if err != nil {
			s.log.Warn("Failed to persist transition",
				zap.String("submission_id", id),
				zap.String("status", string(p.status)),
				zap.Error(err),
			)
		}
	}

	eventType := p.event
	if eventType == "" {
		eventType = "submission." + strings.ToLower(string(p.status))
	}
	event := map[string]interface{}{
		"type":         eventType,
		"submissionId": id,
		"status":       string(p.status),
	}
	if p.progress != nil {
		event["progress"] = *p.progress
	}
	if p.lastError != nil {
		event["error"] = appErrorToMap(p.lastError)
	}
	_ = s.bus.PublishSubmission(id, event)
	_ = s.bus.PublishClient(clientID, event)

	s.notifyListeners()
}

// cleanupTerminal releases tracking resources and staged blobs once a
// submission can no longer progress.
func (s *SubmissionService) cleanupTerminal(sub *model.Submission) {
	if s.tracker != nil {
		s.tracker.Release(sub.ID)
	}
	if sub.Kind == model.KindFile && sub.StagingKey != "" {
		if err := s.staging.Remove(sub.StagingKey); err != nil {
			s.log.Warn("Failed to remove staged blob", zap.String("key", sub.StagingKey), zap.Error(err))
		}
	}
}

func (s *SubmissionService) notifyListeners() {
	s.mu.RLock()
	listeners := make([]func([]model.Submission), 0, len(s.listeners))
	for _, fn := range s.listeners {
		listeners = append(listeners, fn)
	}
	s.mu.RUnlock()

	if len(listeners) == 0 {
		return
	}
	snapshot := s.List("")
	for _, fn := range listeners {
		fn(snapshot)
	}
}

func completedMessage(sub *model.Submission) string {
	if sub.Kind == model.KindFile {
		return "File " + sub.FileName + " processed"
	}
	return "Query finished"
}
