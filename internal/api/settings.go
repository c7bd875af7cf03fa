package api

import (
	"encoding/json"
	"net/http"

	"subsync/internal/settings"
)

func (d Dependencies) getSettings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, d.Settings.Get())
}

func (d Dependencies) updateSettings(w http.ResponseWriter, r *http.Request) {
	var next settings.Settings
	if err := json.NewDecoder(r.Body).Decode(&next); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_request", "Invalid settings body", d.Log)
		return
	}

	if err := d.Settings.Update(r.Context(), next); err != nil {
		WriteError(w, http.StatusUnprocessableEntity, "invalid_settings", err.Error(), d.Log)
		return
	}

	writeJSON(w, http.StatusOK, d.Settings.Get())
}
