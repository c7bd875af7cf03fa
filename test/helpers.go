package test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"subsync/internal/api"
	"subsync/internal/config"
	"subsync/internal/connectivity"
	"subsync/internal/model"
	"subsync/internal/notify"
	"subsync/internal/sched"
	"subsync/internal/schema"
	"subsync/internal/service"
	"subsync/internal/settings"
	"subsync/internal/storage"
	"subsync/internal/syncq"
	"subsync/internal/upstream"
	"subsync/internal/ws"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeUpstream stands in for the remote analysis API. Query statuses are
// scripted per query; each status poll consumes one step and the last step
// repeats.
type fakeUpstream struct {
	mu          sync.Mutex
	server      *httptest.Server
	offline     bool
	failSubmits int
	nextID      int
	queries     map[string]*upstream.QueryInfo
	scripts     map[string][]upstream.QueryStatus
	files       map[string]*upstream.FileInfo
	fileStatus  string
}

func newFakeUpstream() *fakeUpstream {
	f := &fakeUpstream{
		queries:    make(map[string]*upstream.QueryInfo),
		scripts:    make(map[string][]upstream.QueryStatus),
		files:      make(map[string]*upstream.FileInfo),
		fileStatus: "ready",
	}

	r := chi.NewRouter()
	r.Get("/health", f.handleHealth)
	r.Post("/queries", f.handleSubmitQuery)
	r.Get("/queries", f.handleListQueries)
	r.Get("/queries/{id}/status", f.handleQueryStatus)
	r.Get("/queries/{id}/results", f.handleQueryResults)
	r.Post("/queries/{id}/cancel", f.handleCancelQuery)
	r.Post("/files/upload", f.handleUploadFile)
	r.Get("/files", f.handleListFiles)
	r.Get("/files/{id}/status", f.handleFileStatus)
	r.Delete("/files/{id}", f.handleDeleteFile)

	f.server = httptest.NewServer(r)
	return f
}

func (f *fakeUpstream) Close() { f.server.Close() }

// setOffline makes every endpoint, including health, return 503.
func (f *fakeUpstream) setOffline(offline bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offline = offline
}

// rejectSubmits makes the next n query submissions fail with 503.
func (f *fakeUpstream) rejectSubmits(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failSubmits = n
}

// scriptNext sets the status progression for the next submitted query.
func (f *fakeUpstream) scriptNext(statuses ...upstream.QueryStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scripts["next"] = statuses
}

func (f *fakeUpstream) unavailable(w http.ResponseWriter) bool {
	if f.offline {
		writeTo(w, http.StatusServiceUnavailable, map[string]interface{}{
			"error": map[string]string{"message": "upstream unavailable"},
		})
		return true
	}
	return false
}

func (f *fakeUpstream) handleHealth(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.unavailable(w) {
		return
	}
	writeTo(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (f *fakeUpstream) handleSubmitQuery(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.unavailable(w) {
		return
	}
	if f.failSubmits > 0 {
		f.failSubmits--
		writeTo(w, http.StatusServiceUnavailable, map[string]interface{}{
			"error": map[string]string{"message": "upstream unavailable"},
		})
		return
	}

	var body struct {
		Text string `json:"text"`
	}
	json.NewDecoder(r.Body).Decode(&body)

	f.nextID++
	id := fmt.Sprintf("q-%d", f.nextID)
	f.queries[id] = &upstream.QueryInfo{ID: id, Status: "pending", Text: body.Text}

	if script, ok := f.scripts["next"]; ok {
		delete(f.scripts, "next")
		f.scripts[id] = script
	} else {
		f.scripts[id] = []upstream.QueryStatus{
			{ID: id, Status: "running", ProgressPercentage: 50},
			{ID: id, Status: "completed", ProgressPercentage: 100},
		}
	}

	writeTo(w, http.StatusCreated, f.queries[id])
}

func (f *fakeUpstream) handleListQueries(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.unavailable(w) {
		return
	}
	items := make([]upstream.QueryInfo, 0, len(f.queries))
	for _, q := range f.queries {
		items = append(items, *q)
	}
	writeTo(w, http.StatusOK, items)
}

func (f *fakeUpstream) handleQueryStatus(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.unavailable(w) {
		return
	}

	id := chi.URLParam(r, "id")
	script := f.scripts[id]
	if len(script) == 0 {
		writeTo(w, http.StatusNotFound, map[string]interface{}{
			"error": map[string]string{"message": "query not found"},
		})
		return
	}

	status := script[0]
	if len(script) > 1 {
		f.scripts[id] = script[1:]
	}
	status.ID = id
	writeTo(w, http.StatusOK, status)
}

func (f *fakeUpstream) handleQueryResults(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.unavailable(w) {
		return
	}
	writeTo(w, http.StatusOK, map[string]interface{}{
		"id":      chi.URLParam(r, "id"),
		"answer":  "42",
		"sources": []string{},
	})
}

func (f *fakeUpstream) handleCancelQuery(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.unavailable(w) {
		return
	}

	id := chi.URLParam(r, "id")
	if _, ok := f.queries[id]; !ok {
		writeTo(w, http.StatusNotFound, map[string]interface{}{
			"error": map[string]string{"message": "query not found"},
		})
		return
	}
	f.queries[id].Status = "cancelled"
	f.scripts[id] = []upstream.QueryStatus{{ID: id, Status: "cancelled"}}
	writeTo(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (f *fakeUpstream) handleUploadFile(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.unavailable(w) {
		return
	}

	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeTo(w, http.StatusBadRequest, map[string]interface{}{
			"error": map[string]string{"message": "invalid multipart body"},
		})
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeTo(w, http.StatusBadRequest, map[string]interface{}{
			"error": map[string]string{"message": "file field required"},
		})
		return
	}
	file.Close()

	f.nextID++
	id := fmt.Sprintf("f-%d", f.nextID)
	f.files[id] = &upstream.FileInfo{
		ID:        id,
		Filename:  header.Filename,
		Status:    f.fileStatus,
		SizeBytes: header.Size,
	}
	writeTo(w, http.StatusCreated, f.files[id])
}

func (f *fakeUpstream) handleListFiles(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.unavailable(w) {
		return
	}
	items := make([]upstream.FileInfo, 0, len(f.files))
	for _, fi := range f.files {
		items = append(items, *fi)
	}
	writeTo(w, http.StatusOK, items)
}

func (f *fakeUpstream) handleFileStatus(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.unavailable(w) {
		return
	}

	fi, ok := f.files[chi.URLParam(r, "id")]
	if !ok {
		writeTo(w, http.StatusNotFound, map[string]interface{}{
			"error": map[string]string{"message": "file not found"},
		})
		return
	}
	writeTo(w, http.StatusOK, fi)
}

func (f *fakeUpstream) handleDeleteFile(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.unavailable(w) {
		return
	}
	delete(f.files, chi.URLParam(r, "id"))
	writeTo(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func writeTo(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// hubBus delivers bus events straight to the WebSocket hub, standing in for
// the Redis-backed bus.
type hubBus struct {
	hub *ws.Hub
}

func (b *hubBus) PublishSubmission(submissionID string, event map[string]interface{}) error {
	b.hub.Publish("submission:"+submissionID, event)
	return nil
}

func (b *hubBus) PublishClient(clientID string, event map[string]interface{}) error {
	b.hub.Publish("client:"+clientID, event)
	return nil
}

func (b *hubBus) PublishSync(event map[string]interface{}) error {
	b.hub.Publish("sync", event)
	return nil
}

// env is a fully wired gateway backed by a fake upstream, without Postgres
// or Redis.
type env struct {
	t        *testing.T
	upstream *fakeUpstream
	server   *httptest.Server
	store    *service.SubmissionService
	queue    *syncq.Queue
	poller   *service.ProgressPoller
	monitor  *connectivity.Monitor
	notifier *notify.Dispatcher
	hub      *ws.Hub
}

func testConfig() *config.Config {
	return &config.Config{
		Upstream: config.UpstreamConfig{
			RequestTimeout: 2 * time.Second,
			ProbeInterval:  time.Hour,
			PushEnabled:    false,
		},
		Sync: config.SyncConfig{
			BackoffBase: 10 * time.Millisecond,
			BackoffMax:  100 * time.Millisecond,
			MaxAttempts: 5,
			Retention:   time.Hour,
			SafetyTick:  time.Hour,
		},
		Poll: config.PollConfig{
			Interval:       20 * time.Millisecond,
			PushGrace:      50 * time.Millisecond,
			DefaultTimeout: 5 * time.Second,
			MinTimeout:     time.Second,
			MaxTimeout:     10 * time.Second,
			MaxConcurrent:  3,
		},
	}
}

func newEnv(t *testing.T) *env {
	logger := zap.NewNop()
	cfg := testConfig()
	ctx, cancel := context.WithCancel(context.Background())

	fake := newFakeUpstream()
	client := upstream.NewClient(fake.server.URL, "ws"+fake.server.URL[4:], "", cfg.Upstream.RequestTimeout, logger)
	monitor := connectivity.NewMonitor(client, cfg.Upstream.ProbeInterval, logger)
	monitor.Probe(ctx)

	hub := ws.NewHub(logger)
	go hub.Run()
	bus := &hubBus{hub: hub}

	clock := sched.NewReal()
	notifier := notify.NewDispatcher(nil, bus, clock, logger)

	staging, err := storage.NewStaging(t.TempDir())
	require.NoError(t, err)

	store := service.NewSubmissionService(nil, client, staging, schema.NewCompilerWithCache(8), bus, notifier, cfg, logger)
	require.NoError(t, store.SetParamsSchema(ctx, service.DefaultParamsSchema()))
	poller := service.NewProgressPoller(service.NewUpstreamSource(client), store, clock, cfg, logger)
	queue := syncq.New(nil, store, bus, clock, cfg, logger)
	queue.SetConnectivity(monitor)

	store.SetSyncQueue(queue)
	store.SetTracker(poller)
	store.SetConnectivity(monitor)

	require.NoError(t, queue.Start(ctx))

	// Same reconnect hook the server wires at startup.
	monitor.Subscribe(func(old, new model.ConnectivityState) {
		if !old.Online && new.Online {
			go queue.Kick()
		}
	})

	hub.SetCommandHandler(ws.NewCommandHandler(store, queue, monitor, notifier, logger))

	settingsStore := settings.NewStore(nil, logger)
	require.NoError(t, settingsStore.Load(ctx))

	server := httptest.NewServer(api.Routes(api.Dependencies{
		Store:    store,
		Queue:    queue,
		Monitor:  monitor,
		Notifier: notifier,
		Settings: settingsStore,
		Upstream: client,
		Policy: &storage.UploadPolicy{
			MaxFileBytes: 1 << 20,
			MimeTypes:    []string{"text/*", "application/json"},
			Extensions:   []string{"txt", "csv", "json"},
		},
		Hub: hub,
		Log: logger,
	}))

	t.Cleanup(func() {
		server.Close()
		queue.Stop()
		poller.Stop()
		notifier.Stop()
		monitor.Stop()
		fake.Close()
		cancel()
	})

	return &env{
		t:        t,
		upstream: fake,
		server:   server,
		store:    store,
		queue:    queue,
		poller:   poller,
		monitor:  monitor,
		notifier: notifier,
		hub:      hub,
	}
}

func fileInput(name, contentType, content string) service.SubmitFileInput {
	return service.SubmitFileInput{
		ClientID:    "test-client",
		FileName:    name,
		ContentType: contentType,
		Size:        int64(len(content)),
		Body:        bytes.NewReader([]byte(content)),
	}
}

// postJSON sends a JSON body and decodes the JSON response.
func (e *env) postJSON(path string, body interface{}, out interface{}) *http.Response {
	e.t.Helper()

	data, err := json.Marshal(body)
	require.NoError(e.t, err)

	req, err := http.NewRequest(http.MethodPost, e.server.URL+path, bytes.NewReader(data))
	require.NoError(e.t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Client-ID", "test-client")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(e.t, err)
	defer resp.Body.Close()

	if out != nil {
		require.NoError(e.t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp
}

// getJSON fetches a path and decodes the JSON response.
func (e *env) getJSON(path string, out interface{}) *http.Response {
	e.t.Helper()

	req, err := http.NewRequest(http.MethodGet, e.server.URL+path, nil)
	require.NoError(e.t, err)
	req.Header.Set("X-Client-ID", "test-client")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(e.t, err)
	defer resp.Body.Close()

	if out != nil {
		require.NoError(e.t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp
}
