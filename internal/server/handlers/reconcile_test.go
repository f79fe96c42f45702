package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/3leaps/spotguard/internal/errors"
	"github.com/3leaps/spotguard/pkg/reconciler"
)

func TestReconcileHandler(t *testing.T) {
	tests := []struct {
		name       string
		fn         ReconcileFunc
		wantStatus int
		wantCode   string
	}{
		{
			name: "report",
			fn: func(context.Context) (reconciler.Report, error) {
				return reconciler.Report{Runs: 3, DryRun: true}, nil
			},
			wantStatus: http.StatusOK,
		},
		{
			name: "busy",
			fn: func(context.Context) (reconciler.Report, error) {
				return reconciler.Report{}, ErrReconcileInProgress
			},
			wantStatus: http.StatusConflict,
			wantCode:   apperrors.CodeConflict,
		},
		{
			name: "listing failed",
			fn: func(context.Context) (reconciler.Report, error) {
				return reconciler.Report{}, errors.New("access denied")
			},
			wantStatus: http.StatusBadGateway,
			wantCode:   apperrors.CodeExternalService,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			ReconcileHandler(tt.fn)(rec, httptest.NewRequest(http.MethodPost, "/reconcile", nil))
			require.Equal(t, tt.wantStatus, rec.Code)

			if tt.wantCode == "" {
				var report reconciler.Report
				require.NoError(t, json.NewDecoder(rec.Body).Decode(&report))
				assert.Equal(t, 3, report.Runs)
				assert.True(t, report.DryRun)
				return
			}
			var body apperrors.HTTPErrorResponse
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
			assert.Equal(t, tt.wantCode, body.Error.Code)
		})
	}
}

func TestVersionHandler(t *testing.T) {
	SetVersionInfo(VersionInfo{Version: "1.4.0", Commit: "abc123", TransitionsHash: "deadbeef"})
	defer SetVersionInfo(VersionInfo{Version: "dev"})

	rec := httptest.NewRecorder()
	VersionHandler(rec, httptest.NewRequest(http.MethodGet, "/version", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var info VersionInfo
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&info))
	assert.Equal(t, "1.4.0", info.Version)
	assert.Equal(t, "deadbeef", info.TransitionsHash)
	assert.NotEmpty(t, info.GoVersion)
}
