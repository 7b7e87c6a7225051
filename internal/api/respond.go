package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"taskrelay/internal/domain"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

type errorBody struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"request_id,omitempty"`
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	respondJSON(w, status, errorBody{
		Error:     msg,
		Code:      codeFor(status),
		RequestID: middleware.GetReqID(r.Context()),
	})
}

func codeFor(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "invalid_request"
	case http.StatusUnauthorized:
		return "unauthenticated"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusServiceUnavailable:
		return "unavailable"
	}
	return "internal"
}

// statusFor maps the domain error taxonomy onto HTTP. Forbidden reads as not
// found so callers cannot probe for other owners' task ids.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, domain.ErrNotFound),
		errors.Is(err, domain.ErrArtifactNotFound),
		errors.Is(err, domain.ErrForbidden):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrUnavailable):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, r *http.Request, log zerolog.Logger, err error) {
	status := statusFor(err)
	switch status {
	case http.StatusInternalServerError:
		log.Error().Err(err).Str("path", r.URL.Path).Msg("unhandled error")
	case http.StatusServiceUnavailable:
		log.Warn().Err(err).Str("path", r.URL.Path).Msg("dependency unavailable")
		w.Header().Set("Retry-After", "1")
	}
	respondError(w, r, status, publicMessage(err))
}

// publicMessage is the error text a caller may see.
func publicMessage(err error) string {
	switch statusFor(err) {
	case http.StatusNotFound:
		return "not found"
	case http.StatusInternalServerError:
		return "internal error"
	}
	return err.Error()
}
