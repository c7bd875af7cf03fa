package api

import (
	"net/http"

	"subsync/internal/service"

	"github.com/go-chi/chi/v5"
)

// uploadFile accepts a multipart upload, validates it against the upload
// policy, stages it and starts the submission.
func (d Dependencies) uploadFile(w http.ResponseWriter, r *http.Request) {
	// Parse the form lazily; large bodies spill to disk.
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_request", "Invalid multipart body", d.Log)
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		WriteError(w, http.StatusBadRequest, "missing_file", "A file field is required", d.Log)
		return
	}
	defer file.Close()

	contentType := header.Header.Get("Content-Type")
	if err := d.Policy.Validate(header.Filename, contentType, header.Size); err != nil {
		WriteError(w, http.StatusBadRequest, "policy_violation", err.Error(), d.Log)
		return
	}

	sub, err := d.Store.SubmitFile(r.Context(), service.SubmitFileInput{
		ClientID:    clientID(r),
		FileName:    header.Filename,
		ContentType: contentType,
		Size:        header.Size,
		Body:        file,
	})
	if err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]interface{}{
			"submission": sub,
			"error":      err,
		})
		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{"submission": sub})
}

func (d Dependencies) listFiles(w http.ResponseWriter, r *http.Request) {
	files, err := d.Upstream.ListFiles(r.Context())
	if err != nil {
		WriteAppError(w, err, d.Log)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"items": files})
}

func (d Dependencies) fileStatus(w http.ResponseWriter, r *http.Request) {
	info, err := d.Upstream.FileStatus(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		WriteAppError(w, err, d.Log)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (d Dependencies) deleteFile(w http.ResponseWriter, r *http.Request) {
	if err := d.Upstream.DeleteFile(r.Context(), chi.URLParam(r, "id")); err != nil {
		WriteAppError(w, err, d.Log)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}
