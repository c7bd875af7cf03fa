package apperror

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"subsync/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromResponse_StatusMapping(t *testing.T) {
	cases := []struct {
		status    int
		kind      model.ErrorKind
		retryable bool
	}{
		{400, model.ErrValidation, false},
		{422, model.ErrValidation, false},
		{401, model.ErrAuth, false},
		{403, model.ErrAuth, false},
		{404, model.ErrServer, false},
		{408, model.ErrTimeout, true},
		{429, model.ErrServer, true},
		{500, model.ErrServer, true},
		{503, model.ErrServer, true},
	}

	for _, tc := range cases {
		e := FromResponse(tc.status, nil)
		assert.Equal(t, tc.kind, e.Kind, "status %d", tc.status)
		assert.Equal(t, tc.retryable, e.Retryable, "status %d", tc.status)
		assert.Equal(t, tc.status, e.Status)
	}
}

func TestFromResponse_DetailBody(t *testing.T) {
	e := FromResponse(422, []byte(`{"detail": "query text must not be empty"}`))
	assert.Equal(t, "query text must not be empty", e.Message)
	assert.Equal(t, model.ErrValidation, e.Kind)
}

func TestFromResponse_StructuredValidationBody(t *testing.T) {
	body := []byte(`{"detail": [{"loc": ["body", "text"], "msg": "field required"}, {"loc": ["body", "params"], "msg": "invalid type"}]}`)
	e := FromResponse(422, body)
	assert.Equal(t, "field required; invalid type", e.Message)
	assert.Equal(t, string(body), e.Details)
}

func TestNormalize_ContextDeadline(t *testing.T) {
	e := Normalize(fmt.Errorf("fetching status: %w", context.DeadlineExceeded))
	assert.Equal(t, model.ErrTimeout, e.Kind)
	assert.True(t, e.Retryable)
}

func TestNormalize_MessageSniffing(t *testing.T) {
	cases := []struct {
		err  error
		kind model.ErrorKind
	}{
		{errors.New("dial tcp: connection refused"), model.ErrNetwork},
		{errors.New("lookup api.example.com: no such host"), model.ErrNetwork},
		{errors.New("read tcp: connection reset by peer"), model.ErrNetwork},
		{errors.New("operation timeout exceeded"), model.ErrTimeout},
		{errors.New("something odd happened"), model.ErrUnknown},
	}

	for _, tc := range cases {
		e := Normalize(tc.err)
		assert.Equal(t, tc.kind, e.Kind, "error %q", tc.err)
	}
}

func TestNormalize_PassThrough(t *testing.T) {
	orig := FromResponse(503, []byte(`{"detail": "unavailable"}`))
	wrapped := fmt.Errorf("submit query: %w", orig)

	e := Normalize(wrapped)
	assert.Same(t, orig, e)
}

func TestNormalize_Idempotent(t *testing.T) {
	raw := errors.New("dial tcp: connection refused")

	a := Normalize(raw)
	b := Normalize(raw)

	assert.Equal(t, a.Kind, b.Kind)
	assert.Equal(t, a.Message, b.Message)
	assert.Equal(t, a.Retryable, b.Retryable)
}

func TestIsRetryable(t *testing.T) {
	require.True(t, IsRetryable(&model.AppError{Kind: model.ErrNetwork}))
	require.True(t, IsRetryable(&model.AppError{Kind: model.ErrTimeout}))
	require.True(t, IsRetryable(&model.AppError{Kind: model.ErrServer, Status: 500}))
	require.True(t, IsRetryable(&model.AppError{Kind: model.ErrServer, Status: 429}))
	require.False(t, IsRetryable(&model.AppError{Kind: model.ErrServer, Status: 404}))
	require.False(t, IsRetryable(&model.AppError{Kind: model.ErrValidation}))
	require.False(t, IsRetryable(&model.AppError{Kind: model.ErrAuth}))
	require.False(t, IsRetryable(&model.AppError{Kind: model.ErrUnknown}))
	require.False(t, IsRetryable(nil))
}

func TestNetworkMessageIsHumanReadable(t *testing.T) {
	e := Normalize(errors.New("dial tcp 10.0.0.1:443: connection refused"))
	assert.Equal(t, "Unable to reach the server. Check your connection.", e.Message)
	assert.Contains(t, e.Details, "connection refused")
}
