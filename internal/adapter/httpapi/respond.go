package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"trustgate/internal/domain"
)

const maxBodyBytes = 1 << 20

type errorBody struct {
	Error string           `json:"error"`
	Code  domain.ErrorCode `json:"code"`
	Class string           `json:"class"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusOf(err), errorBody{
		Error: err.Error(),
		Code:  domain.ErrorCodeOf(err),
		Class: string(domain.ClassOf(err)),
	})
}

// statusOf maps a domain error to an HTTP status.
func statusOf(err error) int {
	switch {
	case errors.Is(err, domain.ErrNotFound), errors.Is(err, domain.ErrCommandNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrDuplicate),
		errors.Is(err, domain.ErrInvalidTransition),
		errors.Is(err, domain.ErrDisabled):
		return http.StatusConflict
	case errors.Is(err, domain.ErrInvalidInput), errors.Is(err, domain.ErrInvalidArguments):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrLimitReached), errors.Is(err, domain.ErrCircuitOpen):
		return http.StatusTooManyRequests
	case errors.Is(err, domain.ErrTimeout):
		return http.StatusGatewayTimeout
	case domain.IsSecurity(err),
		errors.Is(err, domain.ErrDependencyNotMet),
		errors.Is(err, domain.ErrVersionIncompatible),
		errors.Is(err, domain.ErrInvalidPluginStructure):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrExecutionFailed),
		errors.Is(err, domain.ErrInitializationFailed),
		errors.Is(err, domain.ErrCrashed):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// decode reads a JSON body into v. An empty body leaves v untouched.
func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("request body: %v: %w", err, domain.ErrInvalidInput)
	}
	return nil
}
