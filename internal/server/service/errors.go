package service

import (
	"errors"
	"fmt"
	"log/slog"
)

// Sentinel errors for the service layer. Handlers map these to transport
// status codes; anything else is treated as an internal error.
var (
	ErrConflict     = errors.New("already exists")
	ErrNotFound     = errors.New("not found")
	ErrUnauthorized = errors.New("unauthorized")
	ErrRejected     = errors.New("request rejected")
	ErrCorrupt      = errors.New("stored content is not valid text")
	ErrStorage      = errors.New("storage failure")
	ErrTooLarge     = errors.New("file exceeds maximum allowed size")
)

// storageFailure logs the underlying cause and returns a generic ErrStorage.
func storageFailure(op string, err error, args ...any) error {
	slog.Error(op+" failed", append(args, "error", err)...)
	return fmt.Errorf("%w: %s", ErrStorage, op)
}
