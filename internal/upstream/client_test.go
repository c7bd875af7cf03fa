package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"subsync/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client := NewClient(srv.URL, "ws"+strings.TrimPrefix(srv.URL, "http"), "", 5*time.Second, zap.NewNop())
	return client, srv
}

func TestSubmitQuery(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/queries", r.URL.Path)

		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "total sales by region", body["text"])

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(QueryInfo{ID: "q-123", Status: "in_progress"})
	}))

	info, err := client.SubmitQuery(context.Background(), "total sales by region", map[string]interface{}{"limit": 10})
	require.NoError(t, err)
	assert.Equal(t, "q-123", info.ID)
}

func TestSubmitQuery_ServerError(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"detail": "maintenance"}`))
	}))

	_, err := client.SubmitQuery(context.Background(), "q", nil)
	require.Error(t, err)

	var appErr *model.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, model.ErrServer, appErr.Kind)
	assert.Equal(t, 503, appErr.Status)
	assert.True(t, appErr.Retryable)
	assert.Equal(t, "maintenance", appErr.Message)
}

func TestSubmitQuery_ConnectionRefused(t *testing.T) {
	client, srv := newTestClient(t, http.NotFoundHandler())
	srv.Close() // nothing listening anymore

	_, err := client.SubmitQuery(context.Background(), "q", nil)
	require.Error(t, err)

	var appErr *model.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, model.ErrNetwork, appErr.Kind)
	assert.True(t, appErr.Retryable)
}

func TestUploadFile_Progress(t *testing.T) {
	content := strings.Repeat("x", 4096)
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/files/upload", r.URL.Path)

		file, header, err := r.FormFile("file")
		require.NoError(t, err)
		defer file.Close()
		assert.Equal(t, "data.csv", header.Filename)

		got, err := io.ReadAll(file)
		require.NoError(t, err)
		assert.Len(t, got, len(content))

		json.NewEncoder(w).Encode(FileInfo{ID: "f-1", Filename: "data.csv", Status: "processing"})
	}))

	var events []UploadProgress
	info, err := client.UploadFile(context.Background(), "data.csv", "text/csv",
		strings.NewReader(content), int64(len(content)),
		func(p UploadProgress) { events = append(events, p) })
	require.NoError(t, err)
	assert.Equal(t, "f-1", info.ID)

	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, int64(len(content)), last.BytesSent)
	assert.True(t, last.TotalKnown)
	assert.InDelta(t, 100.0, last.Percent, 0.01)
	for i := 1; i < len(events); i++ {
		assert.GreaterOrEqual(t, events[i].BytesSent, events[i-1].BytesSent)
	}
}

func TestUploadFile_UnknownTotal(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _, err := r.FormFile("file")
		require.NoError(t, err)
		json.NewEncoder(w).Encode(FileInfo{ID: "f-2"})
	}))

	var events []UploadProgress
	_, err := client.UploadFile(context.Background(), "stream.bin", "application/octet-stream",
		strings.NewReader("abc"), 0,
		func(p UploadProgress) { events = append(events, p) })
	require.NoError(t, err)

	require.NotEmpty(t, events)
	assert.False(t, events[0].TotalKnown)
	assert.Zero(t, events[0].Percent)
}

func TestQueryStatus(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/queries/q-9/status", r.URL.Path)
		json.NewEncoder(w).Encode(QueryStatus{
			ID:                 "q-9",
			Status:             "in_progress",
			ProgressPercentage: 40,
			CurrentStep:        "aggregating",
			TotalSteps:         5,
		})
	}))

	status, err := client.QueryStatus(context.Background(), "q-9")
	require.NoError(t, err)
	assert.Equal(t, 40.0, status.ProgressPercentage)
	assert.Equal(t, "aggregating", status.CurrentStep)
}

func TestCancelQuery_NotFound(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"detail": "query not found"}`))
	}))

	err := client.CancelQuery(context.Background(), "missing")
	require.Error(t, err)

	var appErr *model.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, model.ErrServer, appErr.Kind)
	assert.False(t, appErr.Retryable)
}

func TestHealth_RTT(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/health", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))

	rtt, err := client.Health(context.Background())
	require.NoError(t, err)
	assert.Greater(t, rtt, time.Duration(0))
}

func TestAuthTokenAttached(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		json.NewEncoder(w).Encode([]QueryInfo{})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "", "secret-token", time.Second, zap.NewNop())
	_, err := client.ListQueries(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Bearer secret-token", gotAuth)
}
