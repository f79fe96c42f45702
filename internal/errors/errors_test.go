package apperrors

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRespondWithError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
		wantMsg    string
	}{
		{"not found", NewNotFound("no such run"), http.StatusNotFound, CodeNotFound, "no such run"},
		{"method", NewMethodNotAllowed("POST", "/version"), http.StatusMethodNotAllowed, CodeMethodNotAllowed, "method POST not allowed on /version"},
		{"conflict", NewConflict("reconcile already running", nil), http.StatusConflict, CodeConflict, "reconcile already running"},
		{"wrapped app error", errors.Join(errors.New("ctx"), NewBadRequest("bad glob", nil)), http.StatusBadRequest, CodeBadRequest, "bad glob"},
		{"plain error hides text", errors.New("secret path /etc/x"), http.StatusInternalServerError, CodeInternal, "internal server error"},
		{"external", NewExternalServiceError("store down"), http.StatusBadGateway, CodeExternalService, "store down"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			RespondWithError(rec, httptest.NewRequest(http.MethodGet, "/", nil), tt.err)

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
			var body HTTPErrorResponse
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
			assert.Equal(t, tt.wantCode, body.Error.Code)
			assert.Equal(t, tt.wantMsg, body.Error.Message)
		})
	}
}

func TestRespondWithError_RequestIDAndDetails(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req = req.WithContext(context.WithValue(req.Context(), chimw.RequestIDKey, "req-9"))
	rec := httptest.NewRecorder()

	RespondWithError(rec, req, NewServiceUnavailable("unhealthy", map[string]any{"checks": map[string]string{"store": "unhealthy"}}))

	var body HTTPErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "req-9", body.Error.RequestID)
	assert.Contains(t, body.Error.Details, "checks")
}

func TestAppError_Unwrap(t *testing.T) {
	cause := errors.New("timeout")
	err := WrapInternal(context.Background(), cause, "list runs")
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "list runs: timeout", err.Error())
	assert.Nil(t, err.Details)

	withDetails := err.WithDetails(map[string]any{"run": "r1"})
	assert.Equal(t, "r1", withDetails.Details["run"])
	assert.Nil(t, err.Details)
}
