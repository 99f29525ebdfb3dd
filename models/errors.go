package models

import (
	"errors"
	"fmt"
)

// ErrorKind classifies sync failures. Connectivity is a deferral, not a
// failure, and never consumes a retry; Transport and ServerRejection are
// retried with backoff; Validation and StorageExhaustion are surfaced to the
// user. Nothing in this subsystem is fatal to the process.
type ErrorKind string

const (
	ErrConnectivity      ErrorKind = "connectivity"
	ErrTransport         ErrorKind = "transport"
	ErrServerRejection   ErrorKind = "server_rejection"
	ErrValidation        ErrorKind = "validation"
	ErrStorageExhaustion ErrorKind = "storage_exhaustion"
)

// SyncError carries the failure taxonomy kind alongside the wrapped cause.
type SyncError struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *SyncError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *SyncError) Unwrap() error { return e.Err }

// NewSyncError wraps err with a taxonomy kind.
func NewSyncError(kind ErrorKind, op string, err error) *SyncError {
	return &SyncError{Kind: kind, Op: op, Err: err}
}

// KindOf extracts the taxonomy kind from an error chain. Unclassified
// errors report as Transport, the retryable default.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var se *SyncError
	if errors.As(err, &se) {
		return se.Kind
	}
	return ErrTransport
}
