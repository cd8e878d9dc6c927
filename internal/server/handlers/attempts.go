package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/fulmenhq/gofulmen/logging"
	"go.uber.org/zap"

	"github.com/florasync/florasync/internal/core/protection"
	apperrors "github.com/florasync/florasync/internal/errors"
	"github.com/florasync/florasync/internal/metrics"
	"github.com/florasync/florasync/internal/observability"
	servermw "github.com/florasync/florasync/internal/server/middleware"
)

// AttemptRecorder counts login outcomes verified by the auth backend.
type AttemptRecorder interface {
	RecordFailure(ctx context.Context, attempt protection.Attempt) (*protection.Result, error)
	RecordSuccess(ctx context.Context, attempt protection.Attempt) (*protection.Result, error)
}

// LoginAttempts serves POST /auth/attempts.
type LoginAttempts struct {
	Recorder AttemptRecorder
	Logger   *logging.Logger
}

// LoginAttemptRequest is the body of POST /auth/attempts. IP and UserAgent
// describe the end user, not the reporting service.
type LoginAttemptRequest struct {
	Email     string `json:"email"`
	IP        string `json:"ip"`
	UserAgent string `json:"user_agent"`
	Success   *bool  `json:"success"`
}

// Record applies one login outcome. A locked account answers 423
// LOCKED_OUT with locked_until; the attempt is audited but not counted.
func (h *LoginAttempts) Record(w http.ResponseWriter, r *http.Request) {
	var req LoginAttemptRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondWithError(w, r, apperrors.WrapInvalidInput(r.Context(), err, `request body must be {"email", "ip", "user_agent", "success"}`))
		return
	}
	if strings.TrimSpace(req.Email) == "" {
		respondWithError(w, r, apperrors.NewInvalidInputError("email is required").WithCorrelationID(requestID(r.Context())))
		return
	}
	if req.Success == nil {
		respondWithError(w, r, apperrors.NewInvalidInputError("success is required").WithCorrelationID(requestID(r.Context())))
		return
	}

	attempt := protection.Attempt{AccountKey: req.Email, IP: req.IP, UserAgent: req.UserAgent}
	var (
		result *protection.Result
		err    error
	)
	if *req.Success {
		result, err = h.Recorder.RecordSuccess(r.Context(), attempt)
	} else {
		result, err = h.Recorder.RecordFailure(r.Context(), attempt)
	}
	metrics.RecordOperation("login_attempt", err == nil)
	if err != nil {
		principal, _ := servermw.PrincipalFromContext(r.Context())
		observability.Resolve(h.Logger).Debug("Login attempt not counted",
			zap.String("service", principal.Subject),
			zap.Bool("success", *req.Success),
			zap.Error(err))
		respondWithDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
