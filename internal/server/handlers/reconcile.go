package handlers

import (
	"context"
	"errors"
	"net/http"

	apperrors "github.com/3leaps/spotguard/internal/errors"
	"github.com/3leaps/spotguard/pkg/reconciler"
)

// ErrReconcileInProgress is returned by a ReconcileFunc when a pass is
// already running.
var ErrReconcileInProgress = errors.New("reconcile pass already in progress")

// ReconcileFunc runs one reconciliation pass.
type ReconcileFunc func(ctx context.Context) (reconciler.Report, error)

// ReconcileHandler triggers a pass and returns its report.
func ReconcileHandler(fn ReconcileFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report, err := fn(r.Context())
		if err != nil {
			if errors.Is(err, ErrReconcileInProgress) {
				respondWithError(w, r, apperrors.NewConflict(err.Error(), err))
				return
			}
			respondWithError(w, r, apperrors.WrapExternal(err, "reconcile pass failed"))
			return
		}
		apperrors.WriteJSON(w, http.StatusOK, report)
	}
}
