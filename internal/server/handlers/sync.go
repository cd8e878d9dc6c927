package handlers

import (
	"context"
	"net/http"

	"github.com/florasync/florasync/internal/core/deltasync"
	apperrors "github.com/florasync/florasync/internal/errors"
	servermw "github.com/florasync/florasync/internal/server/middleware"
)

// DeltaSyncer answers client pulls.
type DeltaSyncer interface {
	Sync(ctx context.Context, req deltasync.Request) (*deltasync.Response, error)
}

// SyncHandler serves POST /sync.
func SyncHandler(svc DeltaSyncer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req deltasync.Request
		if err := decodeJSON(w, r, &req); err != nil {
			respondWithError(w, r, apperrors.WrapInvalidInput(r.Context(), err, "request body must be {lastSyncedAt?, cursor?, collections}"))
			return
		}

		resp, err := svc.Sync(r.Context(), req)
		if err != nil {
			respondWithDomainError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func requestID(ctx context.Context) string {
	return servermw.GetRequestID(ctx)
}
