package web

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"safetrail/internal/adapters/http/middleware"
	"safetrail/internal/application/engine"
	"safetrail/internal/application/orchestrators"
	"safetrail/internal/domain/account"
	"safetrail/internal/domain/geo"
	"safetrail/internal/domain/guardian"
	"safetrail/internal/domain/sos"
	"safetrail/internal/domain/telemetry"
	"safetrail/internal/domain/travel"
)

// maxJSONBody bounds request bodies on the JSON API.
const maxJSONBody = 64 << 10

// validationErrors are caller mistakes reported as 400.
var validationErrors = []error{
	travel.ErrEmptyDestination,
	travel.ErrDestinationLength,
	travel.ErrInvalidETA,
	travel.ErrInvalidExtension,
	sos.ErrInvalidReason,
	geo.ErrInvalidCoordinates,
	telemetry.ErrInvalidBattery,
	telemetry.ErrInvalidAreaRisk,
	account.ErrInvalidEmail,
	account.ErrEmptyEmail,
	account.ErrEmailTooLong,
	account.ErrNameTooLong,
	account.ErrInvalidRole,
	account.ErrEmptyPassword,
	account.ErrPasswordTooShort,
	guardian.ErrSelfLink,
}

func isValidation(err error) bool {
	for _, v := range validationErrors {
		if errors.Is(err, v) {
			return true
		}
	}
	return false
}

// writeJSON encodes v with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("response_encode_failed", "error", err.Error())
	}
}

// writeError sends {"error": msg}.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// internalError logs the real error and returns a generic message to the client.
// This prevents leaking internal details per OWASP A05.
func internalError(w http.ResponseWriter, err error) {
	slog.Error("internal_error", "error", err.Error())
	writeError(w, http.StatusInternalServerError, "internal server error")
}

// strictDecode decodes JSON from the request body, rejecting unknown fields.
// An empty body decodes to the zero value.
func strictDecode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// failure maps an application error onto a status code.
func failure(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, engine.ErrPrecondition):
		writeError(w, http.StatusConflict, err.Error())
	case isValidation(err):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, orchestrators.ErrNotLinked), errors.Is(err, orchestrators.ErrNotAWard):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, orchestrators.ErrEmailAlreadyExists), errors.Is(err, orchestrators.ErrAlreadyLinked):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, orchestrators.ErrGuardianNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, orchestrators.ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, orchestrators.ErrAccountLocked):
		writeError(w, http.StatusLocked, err.Error())
	case errors.Is(err, sql.ErrNoRows), errors.Is(err, orchestrators.ErrNoEvidence):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, engine.ErrClosed), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusServiceUnavailable, "service unavailable")
	default:
		internalError(w, err)
	}
}

// caller returns the authenticated session. Routes are wrapped in
// RequireRole, so a missing session is a wiring bug.
func caller(r *http.Request) middleware.Session {
	sess, _ := middleware.GetSessionFromContext(r.Context())
	return sess
}

func viewer(r *http.Request) orchestrators.Viewer {
	sess := caller(r)
	return orchestrators.Viewer{ID: sess.AccountID, Role: sess.Role}
}
