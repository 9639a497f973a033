package store

import (
	"errors"
	"fmt"
)

var (
	ErrQueueClosed    = errors.New("queue is not accepting new tickets")
	ErrTicketNotFound = errors.New("ticket not found")
	ErrInvalidState   = errors.New("invalid ticket state")
	ErrConflict       = errors.New("concurrent update conflict")
)

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}

// StorageError wraps a backend failure. It is never retried internally.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// IsDomainError reports whether err is one of the expected queue outcomes rather than a backend failure.
func IsDomainError(err error) bool {
	var validation *ValidationError
	return errors.Is(err, ErrQueueClosed) ||
		errors.Is(err, ErrTicketNotFound) ||
		errors.Is(err, ErrInvalidState) ||
		errors.Is(err, ErrConflict) ||
		errors.As(err, &validation)
}
