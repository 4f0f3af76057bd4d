package service

import (
	"errors"
	"fmt"

	"github.com/BrandonDHaskell/Tapledger/server/internal/ledger/store"
)

var (
	ErrValidation        = errors.New("validation failed")
	ErrDuplicateDevice   = errors.New("device already registered")
	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid device state transition")
	ErrBatchRejected     = errors.New("reconciliation batch rejected")
	ErrServiceOverloaded = errors.New("service overloaded, retry later")
	ErrQueueFull         = errors.New("offline queue full")
	ErrClosed            = errors.New("sequencer closed")
)

// ValidationError rejects a malformed or unrecognised tap.  It matches
// ErrValidation under errors.Is.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// BatchRejectedError reports why a reconciliation batch was refused.
// LocalSeq is the first offending device-local sequence, 0 when the
// failure is not tied to one tap.
type BatchRejectedError struct {
	DeviceID string
	LocalSeq uint64
	Reason   string
	Err      error
}

func (e *BatchRejectedError) Error() string {
	if e.LocalSeq > 0 {
		return fmt.Sprintf("batch for %s rejected at local_seq %d: %s", e.DeviceID, e.LocalSeq, e.Reason)
	}
	return fmt.Sprintf("batch for %s rejected: %s", e.DeviceID, e.Reason)
}

func (e *BatchRejectedError) Is(target error) bool { return target == ErrBatchRejected }

func (e *BatchRejectedError) Unwrap() error { return e.Err }

// notFound translates a store miss into the service sentinel.
func notFound(what string, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return err
}
