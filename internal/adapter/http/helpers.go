package http

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/textualy/autoreply/internal/domain"
	"github.com/textualy/autoreply/internal/domain/lead"
	"github.com/textualy/autoreply/internal/service"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// readJSON decodes a JSON request body with a size limit and validates it.
func readJSON[T any](w http.ResponseWriter, r *http.Request, bodyLimit int64) (T, bool) {
	return readJSONOr[T](w, r, bodyLimit, nil)
}

// readJSONOr is readJSON with a hook that sees every rejection before the
// error is written.
func readJSONOr[T any](w http.ResponseWriter, r *http.Request, bodyLimit int64, rejected func(status int, reason string)) (T, bool) {
	reject := func(status int, reason string) {
		if rejected != nil {
			rejected(status, reason)
		}
		writeError(w, status, reason)
	}

	var v T
	r.Body = http.MaxBytesReader(w, r.Body, bodyLimit)
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			reject(http.StatusRequestEntityTooLarge, "request body too large")
		} else {
			reject(http.StatusBadRequest, "invalid request body")
		}
		return v, false
	}
	if err := validate.Struct(&v); err != nil {
		var invalid *validator.InvalidValidationError
		if !errors.As(err, &invalid) {
			reject(http.StatusBadRequest, err.Error())
			return v, false
		}
	}
	return v, true
}

// urlParam is a short alias for chi.URLParam.
func urlParam(r *http.Request, name string) string {
	return chi.URLParam(r, name)
}

// queryInt reads a positive integer query parameter, clamped to max.
func queryInt(r *http.Request, name string, def, max int) int {
	n, err := strconv.Atoi(r.URL.Query().Get(name))
	if err != nil || n <= 0 {
		return def
	}
	return min(n, max)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to write JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, reason string) {
	writeJSON(w, status, service.Outcome{Reason: reason})
}

// statusFor maps a pipeline result to its response status.
func statusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, lead.ErrDuplicateRequest):
		return http.StatusUnprocessableEntity
	case errors.Is(err, lead.ErrSuperseded):
		return http.StatusConflict
	case errors.Is(err, lead.ErrOptOut), errors.Is(err, lead.ErrPolicy), errors.Is(err, domain.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, lead.ErrNoApplicableAgentPostGeneration),
		errors.Is(err, lead.ErrNoApplicableAgent),
		errors.Is(err, domain.ErrNotFound):
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

// writeOutcome writes out with the status err maps to.
func writeOutcome(w http.ResponseWriter, out *service.Outcome, err error) {
	if out == nil {
		out = service.OutcomeFor(err)
	}
	writeJSON(w, statusFor(err), out)
}

// writeDomainError writes the outcome of a failed request.
func writeDomainError(w http.ResponseWriter, err error) {
	if statusFor(err) == http.StatusInternalServerError {
		slog.Error("unhandled domain error", "error", err)
	}
	writeOutcome(w, nil, err)
}

// writeResourceError is writeDomainError for admin resources, where a
// missing record is a plain 404.
func writeResourceError(w http.ResponseWriter, err error, notFoundMsg string) {
	if errors.Is(err, domain.ErrNotFound) {
		writeError(w, http.StatusNotFound, notFoundMsg)
		return
	}
	writeDomainError(w, err)
}
