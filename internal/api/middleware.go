package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"subsync/internal/model"

	"go.uber.org/zap"
)

// ErrorResponse represents a standardized error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// WriteError writes a standardized error response
func WriteError(w http.ResponseWriter, code int, errCode, message string, log *zap.Logger) {
	log.Error("API error", zap.String("code", errCode), zap.String("message", message))

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)

	resp := ErrorResponse{
		Error:   errCode,
		Message: message,
	}
	if errCode != "" {
		resp.Code = errCode
	}

	json.NewEncoder(w).Encode(resp)
}

// WriteAppError maps a normalized error to an HTTP response, carrying the
// full error record so clients see the same shape everywhere.
func WriteAppError(w http.ResponseWriter, err error, log *zap.Logger) {
	var appErr *model.AppError
	if !errors.As(err, &appErr) {
		WriteError(w, http.StatusInternalServerError, "internal", err.Error(), log)
		return
	}

	status := appErr.Status
	if status == 0 {
		switch appErr.Kind {
		case model.ErrValidation:
			status = http.StatusUnprocessableEntity
		case model.ErrAuth:
			status = http.StatusUnauthorized
		case model.ErrNetwork, model.ErrTimeout:
			status = http.StatusBadGateway
		default:
			status = http.StatusInternalServerError
		}
	}

	log.Warn("API error",
		zap.String("kind", string(appErr.Kind)),
		zap.Int("status", status),
		zap.String("message", appErr.Message),
	)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{"error": appErr})
}

// RequestLogger logs HTTP requests and responses
func RequestLogger(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Skip wrapping for WebSocket upgrades - they need direct access to ResponseWriter
			if r.Header.Get("Upgrade") == "websocket" {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()

			wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(wrapped, r)

			log.Info("HTTP request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", wrapped.statusCode),
				zap.Duration("duration", time.Since(start)),
				zap.String("remote_addr", r.RemoteAddr),
			)
		})
	}
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
