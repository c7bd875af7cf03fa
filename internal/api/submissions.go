package api

import (
	"encoding/json"
	"net/http"
	"time"

	"subsync/internal/auth"
	"subsync/internal/service"

	"github.com/go-chi/chi/v5"
)

func clientID(r *http.Request) string {
	if id := auth.GetClientID(r.Context()); id != "" {
		return id
	}
	return "anonymous"
}

type SubmitQueryRequest struct {
	Text           string                 `json:"text"`
	Params         map[string]interface{} `json:"params,omitempty"`
	TimeoutSeconds int                    `json:"timeoutSeconds,omitempty"`
}

func (d Dependencies) submitQuery(w http.ResponseWriter, r *http.Request) {
	var req SubmitQueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_request", "Invalid request body", d.Log)
		return
	}

	sub, err := d.Store.SubmitQuery(r.Context(), service.SubmitQueryInput{
		ClientID: clientID(r),
		Text:     req.Text,
		Params:   req.Params,
		Timeout:  time.Duration(req.TimeoutSeconds) * time.Second,
	})
	if err != nil {
		// The failed submission record is still returned so the client
		// can surface it alongside the error.
		writeJSON(w, http.StatusUnprocessableEntity, map[string]interface{}{
			"submission": sub,
			"error":      err,
		})
		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{"submission": sub})
}

func (d Dependencies) listQueries(w http.ResponseWriter, r *http.Request) {
	queries, err := d.Upstream.ListQueries(r.Context())
	if err != nil {
		WriteAppError(w, err, d.Log)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"items": queries})
}

func (d Dependencies) queryStatus(w http.ResponseWriter, r *http.Request) {
	status, err := d.Upstream.QueryStatus(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		WriteAppError(w, err, d.Log)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (d Dependencies) queryResults(w http.ResponseWriter, r *http.Request) {
	results, err := d.Upstream.QueryResults(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		WriteAppError(w, err, d.Log)
		return
	}
	writeJSON(w, http.StatusOK, results)
}

func (d Dependencies) cancelQuery(w http.ResponseWriter, r *http.Request) {
	if err := d.Upstream.CancelQuery(r.Context(), chi.URLParam(r, "id")); err != nil {
		WriteAppError(w, err, d.Log)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (d Dependencies) listSubmissions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"items": d.Store.List(clientID(r)),
	})
}

func (d Dependencies) getSubmission(w http.ResponseWriter, r *http.Request) {
	sub, err := d.Store.Get(chi.URLParam(r, "id"))
	if err != nil {
		WriteError(w, http.StatusNotFound, "not_found", "Submission not found", d.Log)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"submission": sub})
}

func (d Dependencies) cancelSubmission(w http.ResponseWriter, r *http.Request) {
	if err := d.Store.Cancel(r.Context(), chi.URLParam(r, "id")); err != nil {
		WriteAppError(w, err, d.Log)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "CANCELLED"})
}
