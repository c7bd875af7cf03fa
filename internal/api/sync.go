package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

func (d Dependencies) syncQueue(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"pending": d.Queue.Len(),
		"entries": d.Queue.Entries(),
	})
}

// kickSync triggers an immediate drain, the same path a reconnect takes.
func (d Dependencies) kickSync(w http.ResponseWriter, r *http.Request) {
	go d.Queue.Kick()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "draining"})
}

func (d Dependencies) connectivityState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, d.Monitor.State())
}

func (d Dependencies) listNotifications(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"items": d.Notifier.List(clientID(r)),
	})
}

func (d Dependencies) dismissNotification(w http.ResponseWriter, r *http.Request) {
	d.Notifier.Dismiss(r.Context(), chi.URLParam(r, "id"))
	writeJSON(w, http.StatusOK, map[string]string{"status": "dismissed"})
}

func (d Dependencies) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":       "ok",
		"connectivity": d.Monitor.State(),
		"syncPending":  d.Queue.Len(),
	})
}
