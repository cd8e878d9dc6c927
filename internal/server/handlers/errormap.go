package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	gferrors "github.com/fulmenhq/gofulmen/errors"

	"github.com/florasync/florasync/internal/core"
	"github.com/florasync/florasync/internal/core/deltasync"
	"github.com/florasync/florasync/internal/core/protection"
	apperrors "github.com/florasync/florasync/internal/errors"
)

// domainEnvelope maps domain errors onto the envelope codes clients see.
// Anything unrecognized becomes INTERNAL_ERROR with the cause kept out of the
// response body.
func domainEnvelope(ctx context.Context, err error) *gferrors.ErrorEnvelope {
	var (
		envelope    *gferrors.ErrorEnvelope
		unknown     *deltasync.UnknownCollectionError
		badCursor   *deltasync.InvalidCursorError
		locked      *protection.LockedOutError
		throttled   *core.ThrottledError
		unavailable *core.UnavailableError
		transient   *core.TransientError
		upstream    *core.UpstreamError
	)

	switch {
	case errors.As(err, &envelope):
		return envelope
	case errors.As(err, &unknown):
		return apperrors.WrapInvalidInput(ctx, err, unknown.Error())
	case errors.As(err, &badCursor):
		return apperrors.WrapInvalidInput(ctx, err, "cursor must be the nextCursor of a previous response")
	case errors.As(err, &locked):
		return apperrors.NewLockedOutError("account is temporarily locked").
			WithCorrelationID(requestID(ctx)).
			WithDetails(map[string]interface{}{"locked_until": locked.Until.UTC().Format(time.RFC3339)})
	case errors.As(err, &throttled):
		return apperrors.NewThrottledError("rate limit exceeded").
			WithCorrelationID(requestID(ctx)).
			WithDetails(map[string]interface{}{"reset_at": throttled.ResetAt.UTC().Format(time.RFC3339)})
	case errors.As(err, &unavailable):
		return apperrors.NewCircuitOpenError(unavailable.Dependency+" is unavailable").
			WithCorrelationID(requestID(ctx)).
			WithDetails(map[string]interface{}{"retry_at": unavailable.RetryAt.UTC().Format(time.RFC3339)})
	case errors.As(err, &transient):
		return apperrors.NewUpstreamTransientError("catalog provider did not respond").WithCorrelationID(requestID(ctx))
	case errors.As(err, &upstream):
		return apperrors.NewUpstreamError("catalog provider rejected the request").WithCorrelationID(requestID(ctx))
	default:
		return apperrors.WrapInternal(ctx, err, "internal error")
	}
}

func respondWithDomainError(w http.ResponseWriter, r *http.Request, err error) {
	respondWithError(w, r, domainEnvelope(r.Context(), err))
}
