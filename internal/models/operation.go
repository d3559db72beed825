package models

import (
	"fmt"
	"strings"
	"time"
)

// Failure marks a queued item as permanently failed.
type Failure struct {
	Error    string `json:"error"`
	FailedAt int64  `json:"failed_at"`
}

// FailedAtTime returns FailedAt as time.Time.
func (f *Failure) FailedAtTime() time.Time {
	return time.UnixMilli(f.FailedAt)
}

// SyncOperation is one queued mutation intent.
// All timestamps are Unix milliseconds.
type SyncOperation struct {
	ID            string        `json:"id"`
	Category      Category      `json:"category"`
	Kind          OperationKind `json:"kind"`
	Path          string        `json:"path"`
	Payload       *Payload      `json:"payload,omitempty"`
	BaseStamp     int64         `json:"base_stamp,omitempty"`
	CreatedAt     int64         `json:"created_at"`
	DeviceID      string        `json:"device_id"`
	Attempts      int           `json:"attempts"`
	NextAttemptAt int64         `json:"next_attempt_at,omitempty"`
	LastError     string        `json:"last_error,omitempty"`
	Terminal      *Failure      `json:"terminal,omitempty"`
}

// Validate checks the operation is well-formed enough to queue.
func (op *SyncOperation) Validate() error {
	if !op.Category.Valid() {
		return fmt.Errorf("unknown category %q", op.Category)
	}
	if !op.Kind.Valid() {
		return fmt.Errorf("unknown operation kind %q", op.Kind)
	}
	if strings.TrimSpace(op.Path) == "" {
		return fmt.Errorf("operation path is required")
	}
	if op.Kind.NeedsPayload() {
		if op.Payload == nil {
			return fmt.Errorf("%s operation requires a payload", op.Kind)
		}
		if err := op.Payload.Validate(); err != nil {
			return err
		}
		if op.Payload.Category != op.Category {
			return fmt.Errorf("payload category %q does not match operation category %q", op.Payload.Category, op.Category)
		}
	}
	return nil
}

// IsTerminal reports whether the operation is excluded from automatic drains.
func (op *SyncOperation) IsTerminal() bool {
	return op.Terminal != nil
}

// Due reports whether the operation may be attempted at now.
func (op *SyncOperation) Due(now time.Time) bool {
	return op.NextAttemptAt <= now.UnixMilli()
}

// CreatedAtTime returns CreatedAt as time.Time.
func (op *SyncOperation) CreatedAtTime() time.Time {
	return time.UnixMilli(op.CreatedAt)
}

// Clone returns a deep-enough copy for handing outside the queue.
func (op *SyncOperation) Clone() SyncOperation {
	c := *op
	if op.Terminal != nil {
		t := *op.Terminal
		c.Terminal = &t
	}
	return c
}
