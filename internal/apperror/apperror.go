package apperror

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"strings"
	"time"

	"subsync/internal/model"
)

// New builds an AppError with the retryable flag derived from kind and status.
func New(kind model.ErrorKind, message string) *model.AppError {
	return &model.AppError{
		Kind:      kind,
		Message:   message,
		Retryable: isRetryable(kind, 0),
		Timestamp: time.Now(),
	}
}

// FromResponse maps an upstream HTTP status and body to an AppError.
// Bodies follow {"detail": "..."} or a structured validation-error array.
func FromResponse(status int, body []byte) *model.AppError {
	e := &model.AppError{
		Status:    status,
		Message:   detailMessage(body, status),
		Details:   string(body),
		Timestamp: time.Now(),
	}

	switch {
	case status == 400 || status == 422:
		e.Kind = model.ErrValidation
		e.Code = "validation_failed"
	case status == 401 || status == 403:
		e.Kind = model.ErrAuth
		e.Code = "unauthorized"
	case status == 404:
		e.Kind = model.ErrServer
		e.Code = "resource_not_found"
	case status == 408:
		e.Kind = model.ErrTimeout
		e.Code = "request_timeout"
	case status == 429 || status >= 500:
		e.Kind = model.ErrServer
		e.Code = "server_error"
	default:
		e.Kind = model.ErrUnknown
	}

	e.Retryable = isRetryable(e.Kind, status)
	return e
}

// Normalize converts any error into an AppError. Already-normalized errors
// pass through unchanged so repeated normalization is stable.
func Normalize(err error) *model.AppError {
	if err == nil {
		return nil
	}

	var appErr *model.AppError
	if errors.As(err, &appErr) {
		return appErr
	}

	kind := classify(err)
	return &model.AppError{
		Kind:      kind,
		Message:   messageFor(kind, err),
		Details:   err.Error(),
		Retryable: isRetryable(kind, 0),
		Timestamp: time.Now(),
	}
}

func classify(err error) model.ErrorKind {
	if errors.Is(err, context.DeadlineExceeded) {
		return model.ErrTimeout
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return model.ErrTimeout
		}
		return model.ErrNetwork
	}

	// Message-sniffing fallback for errors from libraries that do not
	// implement net.Error.
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline"):
		return model.ErrTimeout
	case strings.Contains(msg, "network") || strings.Contains(msg, "fetch") ||
		strings.Contains(msg, "connection refused") || strings.Contains(msg, "no such host") ||
		strings.Contains(msg, "connection reset") || strings.Contains(msg, "broken pipe"):
		return model.ErrNetwork
	default:
		return model.ErrUnknown
	}
}

func messageFor(kind model.ErrorKind, err error) string {
	switch kind {
	case model.ErrNetwork:
		return "Unable to reach the server. Check your connection."
	case model.ErrTimeout:
		return "The operation timed out."
	default:
		return err.Error()
	}
}

// IsRetryable reports whether a failure is eligible for automatic retry.
func IsRetryable(e *model.AppError) bool {
	if e == nil {
		return false
	}
	return isRetryable(e.Kind, e.Status)
}

func isRetryable(kind model.ErrorKind, status int) bool {
	switch kind {
	case model.ErrNetwork, model.ErrTimeout:
		return true
	case model.ErrServer:
		return status >= 500 || status == 429
	default:
		return false
	}
}

// detailMessage extracts a human message from an upstream error body.
func detailMessage(body []byte, status int) string {
	var single struct {
		Detail string `json:"detail"`
	}
	if err := json.Unmarshal(body, &single); err == nil && single.Detail != "" {
		return single.Detail
	}

	// Structured validation errors: {"detail": [{"loc": [...], "msg": "..."}]}
	var structured struct {
		Detail []struct {
			Msg string        `json:"msg"`
			Loc []interface{} `json:"loc"`
		} `json:"detail"`
	}
	if err := json.Unmarshal(body, &structured); err == nil && len(structured.Detail) > 0 {
		msgs := make([]string, 0, len(structured.Detail))
		for _, d := range structured.Detail {
			if d.Msg != "" {
				msgs = append(msgs, d.Msg)
			}
		}
		if len(msgs) > 0 {
			return strings.Join(msgs, "; ")
		}
	}

	switch {
	case status == 429:
		return "Too many requests, slow down."
	case status >= 500:
		return "The server encountered an error. Try again later."
	case status == 401 || status == 403:
		return "You are not authorized to perform this action."
	case status == 404:
		return "The requested resource was not found."
	default:
		return "Request failed."
	}
}
