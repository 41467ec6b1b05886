package chat

import (
	"errors"
	"fmt"
)

var (
	ErrAuthenticationFailed = errors.New("authentication failed")
	ErrUnauthorized         = errors.New("unauthorized")
	ErrEditWindowExpired    = errors.New("edit window expired")
	ErrNotFound             = errors.New("not found")
	ErrValidationFailed     = errors.New("validation failed")
	ErrStorageFailure       = errors.New("storage failure")
	ErrRateLimited          = errors.New("rate limited")
)

// Code maps an error to the stable code sent in messageError events.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrAuthenticationFailed):
		return "authentication_failed"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrEditWindowExpired):
		return "edit_window_expired"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrValidationFailed):
		return "validation_failed"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	default:
		return "storage_failure"
	}
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidationFailed, fmt.Sprintf(format, args...))
}

func notFound(what string, id int64) error {
	return fmt.Errorf("%w: %s %d", ErrNotFound, what, id)
}

// storageErr classifies a store error. Not-found passes through untouched,
// everything else becomes a StorageFailure.
func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrStorageFailure) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrStorageFailure, op, err)
}

// isClientError reports whether err is caused by the request rather than the
// server.
func isClientError(err error) bool {
	return Code(err) != "storage_failure"
}
