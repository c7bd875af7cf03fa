package service

import (
	"context"
	"sync"
	"time"

	"subsync/internal/apperror"
	"subsync/internal/config"
	"subsync/internal/model"
	"subsync/internal/sched"
	"subsync/internal/upstream"

	"go.uber.org/zap"
)

// PushStream is a live progress feed for one query.
type PushStream interface {
	Events() <-chan model.QueryProgress
	Close()
}

// ProgressSource is the upstream slice the poller consumes.
type ProgressSource interface {
	QueryStatus(ctx context.Context, id string) (*upstream.QueryStatus, error)
	FileStatus(ctx context.Context, id string) (*upstream.FileInfo, error)
	DialProgress(ctx context.Context, queryID string) (PushStream, error)
}

type upstreamSource struct{ *upstream.Client }

func (u upstreamSource) DialProgress(ctx context.Context, queryID string) (PushStream, error) {
	s, err := u.Client.DialProgress(ctx, queryID)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// NewUpstreamSource adapts the upstream client to ProgressSource.
func NewUpstreamSource(c *upstream.Client) ProgressSource {
	return upstreamSource{Client: c}
}

// ProgressPoller tracks accepted submissions until they reach a terminal
// state. Queries prefer the push channel; polling acts as the fallback and
// takes over whenever push is unavailable or goes quiet for a grace window.
// Each tracked submission also carries a processing deadline; crossing it
// fails the submission with a timeout error.
type ProgressPoller struct {
	source ProgressSource
	store  *SubmissionService
	clock  sched.Scheduler
	cfg    *config.Config
	log    *zap.Logger

	mu      sync.Mutex
	tracked map[string]*watch

	ctx    context.Context
	cancel context.CancelFunc
}

type watch struct {
	id       string
	serverID string
	kind     model.SubmissionKind

	cancelPoll     func()
	cancelDeadline func()
	stream         PushStream

	// pushSeen is set by the push consumer and cleared by the poll tick;
	// a set flag means push is healthy and the tick can skip the fetch.
	pushSeen bool
}

func NewProgressPoller(source ProgressSource, store *SubmissionService, clock sched.Scheduler, cfg *config.Config, log *zap.Logger) *ProgressPoller {
	ctx, cancel := context.WithCancel(context.Background())
	return &ProgressPoller{
		source:  source,
		store:   store,
		clock:   clock,
		cfg:     cfg,
		log:     log,
		tracked: make(map[string]*watch),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Track starts following a submission. Submissions without a server id are
// ignored; they have nothing to poll yet.
func (p *ProgressPoller) Track(sub model.Submission) {
	if sub.ServerID == nil {
		return
	}

	p.mu.Lock()
	if _, ok := p.tracked[sub.ID]; ok {
		p.mu.Unlock()
		return
	}
	w := &watch{id: sub.ID, serverID: *sub.ServerID, kind: sub.Kind}
	p.tracked[sub.ID] = w

	deadline := p.cfg.ClampTimeout(time.Duration(sub.TimeoutSeconds) * time.Second)
	w.cancelDeadline = p.clock.After(deadline, func() { p.onDeadline(sub.ID) })

	usePush := p.cfg.Upstream.PushEnabled && sub.Kind == model.KindQuery
	firstPoll := p.cfg.Poll.Interval
	if usePush {
		// Give the push channel a head start before spending a poll.
		firstPoll = p.cfg.Poll.PushGrace
	}
	w.cancelPoll = p.clock.After(firstPoll, func() { p.poll(sub.ID) })
	p.mu.Unlock()

	if usePush {
		go p.runPush(w)
	}
}

// Release stops tracking a submission.
func (p *ProgressPoller) Release(submissionID string) {
	p.mu.Lock()
	w, ok := p.tracked[submissionID]
	if ok {
		delete(p.tracked, submissionID)
	}
	p.mu.Unlock()
	if !ok {
		return
	}

	if w.cancelPoll != nil {
		w.cancelPoll()
	}
	if w.cancelDeadline != nil {
		w.cancelDeadline()
	}
	if w.stream != nil {
		w.stream.Close()
	}
}

// Tracking reports whether a submission is currently followed.
func (p *ProgressPoller) Tracking(submissionID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.tracked[submissionID]
	return ok
}

// Stop releases every tracked submission.
func (p *ProgressPoller) Stop() {
	p.cancel()

	p.mu.Lock()
	ids := make([]string, 0, len(p.tracked))
	for id := range p.tracked {
		ids = append(ids, id)
	}
	p.mu.Unlock()

	for _, id := range ids {
		p.Release(id)
	}
}

func (p *ProgressPoller) onDeadline(submissionID string) {
	p.log.Warn("Submission deadline exceeded", zap.String("submission_id", submissionID))
	appErr := apperror.New(model.ErrTimeout, "Processing did not finish in time")
	appErr.Code = "deadline_exceeded"
	appErr.Retryable = false
	p.store.MarkFailed(p.ctx, submissionID, appErr)
	p.Release(submissionID)
}

func (p *ProgressPoller) poll(submissionID string) {
	p.mu.Lock()
	w, ok := p.tracked[submissionID]
	if !ok {
		p.mu.Unlock()
		return
	}
	if w.pushSeen {
		// Push delivered since the last tick; skip the fetch and check
		// again after the grace window.
		w.pushSeen = false
		w.cancelPoll = p.clock.After(p.cfg.Poll.PushGrace, func() { p.poll(submissionID) })
		p.mu.Unlock()
		return
	}
	serverID := w.serverID
	kind := w.kind
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(p.ctx, p.cfg.Upstream.RequestTimeout)
	defer cancel()

	var terminal bool
	switch kind {
	case model.KindQuery:
		status, err := p.source.QueryStatus(ctx, serverID)
		if err != nil {
			terminal = p.onPollError(submissionID, err)
		} else {
			terminal = p.routeQuery(submissionID, status.Status, status.ProgressPercentage, status.CurrentStep, status.ErrorMessage)
		}
	case model.KindFile:
		info, err := p.source.FileStatus(ctx, serverID)
		if err != nil {
			terminal = p.onPollError(submissionID, err)
		} else {
			terminal = p.routeFile(submissionID, info.Status)
		}
	}
	if terminal {
		return
	}

	p.mu.Lock()
	if w, ok := p.tracked[submissionID]; ok {
		w.cancelPoll = p.clock.After(p.cfg.Poll.Interval, func() { p.poll(submissionID) })
	}
	p.mu.Unlock()
}

// onPollError decides whether a status fetch failure ends tracking. Only a
// definitive "the server does not know this submission" does; transient
// errors keep the poll loop alive and the deadline timer is the backstop.
func (p *ProgressPoller) onPollError(submissionID string, err error) bool {
	appErr := apperror.Normalize(err)
	if appErr.Status == 404 {
		missing := apperror.New(model.ErrServer, "Submission no longer exists on the server")
		missing.Code = "gone"
		p.store.MarkFailed(p.ctx, submissionID, missing)
		p.Release(submissionID)
		return true
	}

	p.log.Debug("Status poll failed",
		zap.String("submission_id", submissionID),
		zap.String("kind", string(appErr.Kind)),
		zap.Error(appErr),
	)
	return false
}

func (p *ProgressPoller) routeQuery(submissionID, status string, progress float64, step string, errMsg *string) bool {
	switch status {
	case "completed", "succeeded":
		p.store.MarkCompleted(p.ctx, submissionID)
		p.Release(submissionID)
		return true
	case "failed", "error":
		appErr := apperror.New(model.ErrServer, "Query failed on the server")
		if errMsg != nil && *errMsg != "" {
			appErr.Details = *errMsg
		}
		p.store.MarkFailed(p.ctx, submissionID, appErr)
		p.Release(submissionID)
		return true
	case "cancelled":
		p.store.MarkCancelled(p.ctx, submissionID)
		p.Release(submissionID)
		return true
	default:
		p.store.ApplyProgress(p.ctx, submissionID, progress, step)
		return false
	}
}

func (p *ProgressPoller) routeFile(submissionID, status string) bool {
	switch status {
	case "ready", "completed":
		p.store.MarkCompleted(p.ctx, submissionID)
		p.Release(submissionID)
		return true
	case "failed", "error":
		appErr := apperror.New(model.ErrServer, "File processing failed on the server")
		p.store.MarkFailed(p.ctx, submissionID, appErr)
		p.Release(submissionID)
		return true
	default:
		p.store.ApplyProgress(p.ctx, submissionID, 0, status)
		return false
	}
}

func (p *ProgressPoller) runPush(w *watch) {
	stream, err := p.source.DialProgress(p.ctx, w.serverID)
	if err != nil {
		// Polling is already scheduled; push is best effort.
		p.log.Debug("Push channel unavailable",
			zap.String("submission_id", w.id),
			zap.Error(err),
		)
		return
	}

	p.mu.Lock()
	if _, ok := p.tracked[w.id]; !ok {
		p.mu.Unlock()
		stream.Close()
		return
	}
	w.stream = stream
	p.mu.Unlock()

	for event := range stream.Events() {
		p.mu.Lock()
		if cur, ok := p.tracked[w.id]; ok {
			cur.pushSeen = true
		} else {
			p.mu.Unlock()
			return
		}
		p.mu.Unlock()

		if p.routeQuery(w.id, event.Status, event.ProgressPercentage, event.CurrentStep, event.ErrorMessage) {
			return
		}
	}

	// Stream ended without a terminal event; fall back to polling right
	// away if the submission is still live.
	p.mu.Lock()
	if cur, ok := p.tracked[w.id]; ok {
		if cur.cancelPoll != nil {
			cur.cancelPoll()
		}
		cur.stream = nil
		cur.cancelPoll = p.clock.After(0, func() { p.poll(w.id) })
	}
	p.mu.Unlock()
}
