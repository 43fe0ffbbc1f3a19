package api

import (
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/aristath/docanalyst/internal/catalog"
	"github.com/aristath/docanalyst/internal/orchestrator"
	"github.com/aristath/docanalyst/internal/task"
)

// errMalformedRequest marks a body that could not be read as a submission.
var errMalformedRequest = errors.New("malformed request")

// MapErrorToStatusCode maps service errors to HTTP status codes so internal
// error types never reach clients.
func MapErrorToStatusCode(err error) int {
	var validationErrs validator.ValidationErrors
	var tooLarge *http.MaxBytesError

	switch {
	case errors.As(err, &tooLarge):
		return http.StatusRequestEntityTooLarge

	case errors.Is(err, errMalformedRequest),
		errors.Is(err, task.ErrInvalidRequest),
		errors.Is(err, catalog.ErrUnknownJob),
		errors.As(err, &validationErrs):
		return http.StatusBadRequest

	case errors.Is(err, task.ErrNotFound):
		return http.StatusNotFound

	case errors.Is(err, orchestrator.ErrNotCompleted):
		return http.StatusConflict

	case errors.Is(err, orchestrator.ErrShutdown):
		return http.StatusServiceUnavailable

	default:
		return http.StatusInternalServerError
	}
}

// GetSafeErrorMessage returns a client-facing message for err.
// Unknown job ids are echoed back since the client supplied them.
func GetSafeErrorMessage(err error) string {
	if err == nil {
		return "An unexpected error occurred"
	}

	var validationErrs validator.ValidationErrors
	var tooLarge *http.MaxBytesError

	switch {
	case errors.As(err, &tooLarge):
		return "Document too large"
	case errors.Is(err, errMalformedRequest):
		return "Invalid request format"
	case errors.Is(err, catalog.ErrUnknownJob):
		return err.Error()
	case errors.Is(err, task.ErrInvalidRequest):
		return "Invalid request: at least one job is required"
	case errors.As(err, &validationErrs):
		return "Validation error: " + validationErrs.Error()
	case errors.Is(err, task.ErrNotFound):
		return "Task not found"
	case errors.Is(err, orchestrator.ErrNotCompleted):
		return "Task has not completed yet"
	case errors.Is(err, orchestrator.ErrShutdown):
		return "Service is shutting down"
	default:
		return "An unexpected error occurred"
	}
}
