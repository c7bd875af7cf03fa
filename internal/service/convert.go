package service

import (
	"encoding/json"
	"time"

	"subsync/internal/db"
	"subsync/internal/model"
)

func dbSubmissionToModel(s db.Submission) *model.Submission {
	m := &model.Submission{
		ID:            s.ID,
		ServerID:      s.ServerID,
		Kind:          model.SubmissionKind(s.Kind),
		ClientID:      s.ClientID,
		Status:        model.Status(s.Status),
		QueryParams:   s.QueryParams,
		Progress:      s.Progress,
		RetryCount:    s.RetryCount,
		LastError:     mapToAppError(s.LastError),
		CreatedAt:     s.CreatedAt,
		LastAttemptAt: s.LastAttemptAt,
		UpdatedAt:     s.UpdatedAt,
	}
	if s.QueryText != nil {
		m.QueryText = *s.QueryText
	}
	if s.FileName != nil {
		m.FileName = *s.FileName
	}
	if s.FileSize != nil {
		m.FileSize = *s.FileSize
	}
	if s.ContentType != nil {
		m.ContentType = *s.ContentType
	}
	if s.StagingKey != nil {
		m.StagingKey = *s.StagingKey
	}
	if s.CurrentStep != nil {
		m.CurrentStep = *s.CurrentStep
	}
	return m
}

func appErrorToMap(e *model.AppError) map[string]interface{} {
	if e == nil {
		return nil
	}
	return map[string]interface{}{
		"kind":      string(e.Kind),
		"message":   e.Message,
		"code":      e.Code,
		"status":    e.Status,
		"details":   e.Details,
		"retryable": e.Retryable,
		"timestamp": e.Timestamp.Format(time.RFC3339),
	}
}

func mapToAppError(m map[string]interface{}) *model.AppError {
	if m == nil {
		return nil
	}
	// Round-trip through JSON rather than asserting every field by hand.
	data, err := json.Marshal(m)
	if err != nil {
		return nil
	}
	var e model.AppError
	if err := json.Unmarshal(data, &e); err != nil {
		return nil
	}
	return &e
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func int64Ptr(v int64) *int64 {
	if v == 0 {
		return nil
	}
	return &v
}
