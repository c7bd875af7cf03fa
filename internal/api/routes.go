package api

import (
	"net/http"

	"subsync/internal/auth"
	"subsync/internal/connectivity"
	"subsync/internal/notify"
	"subsync/internal/service"
	"subsync/internal/settings"
	"subsync/internal/storage"
	"subsync/internal/syncq"
	"subsync/internal/upstream"
	"subsync/internal/ws"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

type Dependencies struct {
	Store     *service.SubmissionService
	Queue     *syncq.Queue
	Monitor   *connectivity.Monitor
	Notifier  *notify.Dispatcher
	Settings  *settings.Store
	Upstream  *upstream.Client
	Policy    *storage.UploadPolicy
	Hub       *ws.Hub
	JWTSecret string
	Log       *zap.Logger
}

func Routes(d Dependencies) http.Handler {
	r := chi.NewRouter()

	r.Use(RequestLogger(d.Log))

	jwtConfig := auth.NewJWTConfig(d.JWTSecret)
	r.Use(jwtConfig.Middleware)

	r.Route("/v1", func(r chi.Router) {
		// Query submission
		r.Post("/queries", d.submitQuery)
		r.Get("/queries", d.listQueries)
		r.Get("/queries/{id}/status", d.queryStatus)
		r.Get("/queries/{id}/results", d.queryResults)
		r.Post("/queries/{id}/cancel", d.cancelQuery)

		// File submission
		r.Post("/files", d.uploadFile)
		r.Get("/files", d.listFiles)
		r.Get("/files/{id}/status", d.fileStatus)
		r.Delete("/files/{id}", d.deleteFile)

		// Submission store
		r.Get("/submissions", d.listSubmissions)
		r.Get("/submissions/{id}", d.getSubmission)
		r.Post("/submissions/{id}/cancel", d.cancelSubmission)

		// Sync queue and connectivity
		r.Get("/sync/queue", d.syncQueue)
		r.Post("/sync/kick", d.kickSync)
		r.Get("/connectivity", d.connectivityState)

		// Notifications
		r.Get("/notifications", d.listNotifications)
		r.Post("/notifications/{id}/dismiss", d.dismissNotification)

		// Settings
		r.Get("/settings", d.getSettings)
		r.Post("/settings", d.updateSettings)
	})

	r.Get("/ws", d.wsHandler)
	r.Get("/healthz", d.healthz)

	return r
}
