package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"syscall"
)

// Class groups failures by how the engine reacts to them.
type Class string

const (
	// ClassRetryable failures are scheduled for backoff retry.
	ClassRetryable Class = "retryable"
	// ClassSession failures tear down the session; the item stays queued.
	ClassSession Class = "session"
	// ClassCapacity failures are local store quota errors surfaced to the caller.
	ClassCapacity Class = "capacity"
	// ClassStale failures lost a conditional write race and are retried.
	ClassStale Class = "stale"
	// ClassFatal failures can never succeed as queued (malformed local data).
	ClassFatal Class = "fatal"
)

// retryableStatus lists the HTTP statuses treated as transient.
var retryableStatus = map[int]bool{
	http.StatusRequestTimeout:      true,
	http.StatusTooManyRequests:     true,
	http.StatusInternalServerError: true,
	http.StatusBadGateway:          true,
	http.StatusServiceUnavailable:  true,
	http.StatusGatewayTimeout:      true,
}

// StatusError is a non-success HTTP reply from a remote collaborator.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("http status %d", e.StatusCode)
	}
	return fmt.Sprintf("http status %d: %s", e.StatusCode, e.Body)
}

// Retryable reports whether the status is one of the transient statuses.
func (e *StatusError) Retryable() bool {
	return retryableStatus[e.StatusCode]
}

// FromStatus converts an HTTP status into a coded error.
func FromStatus(status int, body string) error {
	se := &StatusError{StatusCode: status, Body: body}
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return Wrap(ErrSyncAuthFailed, "credential rejected", se)
	case status == http.StatusPreconditionFailed:
		return Wrap(ErrStampMismatch, "remote record changed", se)
	case status == http.StatusInsufficientStorage:
		return Wrap(ErrSyncQuotaExceeded, "remote storage full", se)
	case se.Retryable():
		return Wrap(ErrTransient, "remote temporarily unavailable", se)
	case status == http.StatusNotFound:
		return Wrap(ErrNotFound, "remote resource not found", se)
	default:
		return Wrap(ErrSyncFailed, "remote call failed", se)
	}
}

// Classify maps an error onto the engine's failure taxonomy.
// Anything not recognized as a session, capacity, stale or fatal failure is retryable.
func Classify(err error) Class {
	if err == nil {
		return ""
	}

	switch {
	case Is(err, ErrSyncAuthFailed):
		return ClassSession
	case Is(err, ErrSyncQuotaExceeded):
		return ClassCapacity
	case Is(err, ErrStampMismatch):
		return ClassStale
	case Is(err, ErrInvalid), Is(err, ErrQueueCorrupt):
		return ClassFatal
	}

	var se *StatusError
	if stderrors.As(err, &se) && (se.StatusCode == http.StatusUnauthorized || se.StatusCode == http.StatusForbidden) {
		return ClassSession
	}

	return ClassRetryable
}

// IsNetwork reports whether err is a transport-level failure.
func IsNetwork(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	if stderrors.As(err, &netErr) {
		return true
	}
	return stderrors.Is(err, io.ErrUnexpectedEOF) ||
		stderrors.Is(err, syscall.ECONNREFUSED) ||
		stderrors.Is(err, syscall.ECONNRESET) ||
		stderrors.Is(err, context.DeadlineExceeded)
}

// Transport wraps a transport failure as transient.
func Transport(op string, err error) error {
	return Wrap(ErrTransient, op, err)
}
