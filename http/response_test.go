package http_test

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stashgate/stashgate"
	stashhttp "github.com/stashgate/stashgate/http"
)

func TestHandleErrorMapping(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode int
		wantErr  string
	}{
		{name: "invalid input", err: stashgate.ErrInvalidInput, wantCode: http.StatusBadRequest, wantErr: "invalid_input"},
		{name: "unauthorized", err: stashgate.ErrUnauthorized, wantCode: http.StatusUnauthorized, wantErr: "unauthorized"},
		{name: "forbidden", err: stashgate.ErrForbidden, wantCode: http.StatusForbidden, wantErr: "forbidden"},
		{name: "not found", err: stashgate.ErrNotFound, wantCode: http.StatusNotFound, wantErr: "not_found"},
		{name: "upload failed", err: stashgate.ErrUploadFailed, wantCode: http.StatusBadGateway, wantErr: "upstream_error"},
		{name: "wrapped sentinel", err: fmt.Errorf("issue: %w", stashgate.ErrForbidden), wantCode: http.StatusForbidden, wantErr: "forbidden"},
		{name: "unknown", err: assert.AnError, wantCode: http.StatusInternalServerError, wantErr: "internal_error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			stashhttp.HandleError(rec, tt.err)

			assert.Equal(t, tt.wantCode, rec.Code)
			var body stashhttp.ErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tt.wantErr, body.Error)
		})
	}
}

func TestHandleErrorRateLimit(t *testing.T) {
	rec := httptest.NewRecorder()
	resetAt := time.Now().Add(42 * time.Second).UnixMilli()
	stashhttp.HandleError(rec, &stashgate.RateLimitError{Scope: "global", ResetAtMs: resetAt})

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	var body stashhttp.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "rate_limited", body.Error)
	assert.Equal(t, resetAt, body.ResetAtMs)
}

func TestWriteJSON(t *testing.T) {
	rec := httptest.NewRecorder()
	require.NoError(t, stashhttp.WriteJSON(rec, http.StatusCreated, map[string]int{"n": 1}))

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"n":1}`, rec.Body.String())
}
