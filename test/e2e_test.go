package test

import (
	"context"
	"net/http"
	"testing"
	"time"

	"subsync/internal/model"
	"subsync/internal/upstream"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOfflineSubmissionQueuesAndReplaysOnReconnect(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	e.upstream.setOffline(true)
	e.monitor.Probe(ctx)
	require.False(t, e.monitor.Online())

	var result struct {
		Submission struct {
			ID     string `json:"id"`
			Status string `json:"status"`
		} `json:"submission"`
	}
	resp := e.postJSON("/v1/queries", map[string]interface{}{
		"text": "what changed last week",
	}, &result)

	// Accepted locally, parked in the sync queue without a network attempt.
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "QUEUED", result.Submission.Status)
	assert.Equal(t, 1, e.queue.Len())

	e.upstream.setOffline(false)
	e.monitor.Probe(ctx)

	require.Eventually(t, func() bool {
		sub, err := e.store.Get(result.Submission.ID)
		return err == nil && sub.Status == model.StatusCompleted
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, e.queue.Len())
}

func TestTransientUpstreamFailureRetriesToCompletion(t *testing.T) {
	e := newEnv(t)

	e.upstream.rejectSubmits(2)

	var result struct {
		Submission struct {
			ID string `json:"id"`
		} `json:"submission"`
	}
	e.postJSON("/v1/queries", map[string]interface{}{
		"text": "retry me",
	}, &result)

	sub, err := e.store.Get(result.Submission.ID)
	require.NoError(t, err)
	assert.False(t, sub.Status.IsTerminal())

	// Backoff is tens of milliseconds here, so the queue clears quickly.
	require.Eventually(t, func() bool {
		sub, err := e.store.Get(result.Submission.ID)
		return err == nil && sub.Status == model.StatusCompleted
	}, 3*time.Second, 10*time.Millisecond)
}

func TestQueryFailureSurfacesErrorAndNotification(t *testing.T) {
	e := newEnv(t)

	errMsg := "analysis engine crashed"
	e.upstream.scriptNext(upstream.QueryStatus{Status: "failed", ErrorMessage: &errMsg})

	var result struct {
		Submission struct {
			ID string `json:"id"`
		} `json:"submission"`
	}
	e.postJSON("/v1/queries", map[string]interface{}{"text": "doomed"}, &result)

	require.Eventually(t, func() bool {
		sub, err := e.store.Get(result.Submission.ID)
		return err == nil && sub.Status == model.StatusFailed
	}, 2*time.Second, 10*time.Millisecond)

	sub, err := e.store.Get(result.Submission.ID)
	require.NoError(t, err)
	require.NotNil(t, sub.LastError)
	assert.Equal(t, model.ErrServer, sub.LastError.Kind)

	var found bool
	for _, n := range e.notifier.List("test-client") {
		if n.Severity == model.SeverityError {
			found = true
		}
	}
	assert.True(t, found, "expected an error notification")
}

func TestCancelInFlightQuery(t *testing.T) {
	e := newEnv(t)

	// Stay running until cancelled.
	e.upstream.scriptNext(upstream.QueryStatus{Status: "running", ProgressPercentage: 25})

	var result struct {
		Submission struct {
			ID string `json:"id"`
		} `json:"submission"`
	}
	e.postJSON("/v1/queries", map[string]interface{}{"text": "long running"}, &result)

	require.Eventually(t, func() bool {
		sub, err := e.store.Get(result.Submission.ID)
		return err == nil && sub.Status == model.StatusInProgress
	}, 2*time.Second, 10*time.Millisecond)

	resp := e.postJSON("/v1/submissions/"+result.Submission.ID+"/cancel", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	sub, err := e.store.Get(result.Submission.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCancelled, sub.Status)

	// A second cancel is rejected.
	resp = e.postJSON("/v1/submissions/"+result.Submission.ID+"/cancel", nil, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
}

func TestQueryDeadlineFails(t *testing.T) {
	e := newEnv(t)

	e.upstream.scriptNext(upstream.QueryStatus{Status: "running", ProgressPercentage: 10})

	var result struct {
		Submission struct {
			ID string `json:"id"`
		} `json:"submission"`
	}
	e.postJSON("/v1/queries", map[string]interface{}{
		"text":           "never finishes",
		"timeoutSeconds": 1,
	}, &result)

	require.Eventually(t, func() bool {
		sub, err := e.store.Get(result.Submission.ID)
		return err == nil && sub.Status == model.StatusFailed
	}, 5*time.Second, 20*time.Millisecond)

	sub, err := e.store.Get(result.Submission.ID)
	require.NoError(t, err)
	require.NotNil(t, sub.LastError)
	assert.Equal(t, model.ErrTimeout, sub.LastError.Kind)
	assert.False(t, sub.LastError.Retryable)
}

func TestFileUploadCompletesImmediately(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	sub, err := e.store.SubmitFile(ctx, fileInput("notes.txt", "text/plain", "some notes"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, err := e.store.Get(sub.ID)
		return err == nil && got.Status == model.StatusCompleted
	}, 2*time.Second, 10*time.Millisecond)
}
