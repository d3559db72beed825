// Package conflict detects stale record updates and applies the pluggable resolution policy.
package conflict

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kimhsiao/fieldsync/internal/logging"
	"github.com/kimhsiao/fieldsync/internal/models"
)

// DecisionKind names which version of a conflicting record wins.
type DecisionKind string

const (
	DecisionLocal  DecisionKind = "local"
	DecisionRemote DecisionKind = "remote"
	DecisionMerged DecisionKind = "merged"
)

// Decision is the outcome of a resolution policy. Merged is set only for DecisionMerged.
type Decision struct {
	Kind   DecisionKind
	Merged map[string]interface{}
}

// Merge returns a decision that writes record in place of the local payload.
func Merge(record map[string]interface{}) Decision {
	return Decision{Kind: DecisionMerged, Merged: record}
}

// Conflict describes a remote record modified after the local operation's basis.
type Conflict struct {
	OperationID string
	Path        string
	Category    models.Category
	Kind        models.OperationKind
	Local       map[string]interface{}
	Remote      models.RemoteRecord
	BaseStamp   int64
	DetectedAt  int64
}

// Policy chooses which version of a conflicting record wins.
type Policy func(ctx context.Context, c Conflict) Decision

// KeepRemote discards the local change.
func KeepRemote(context.Context, Conflict) Decision {
	return Decision{Kind: DecisionRemote}
}

// KeepLocal overwrites the remote record with the local change.
func KeepLocal(context.Context, Conflict) Decision {
	return Decision{Kind: DecisionLocal}
}

// DefaultPolicy applies when no policy is registered: the remote record is authoritative.
var DefaultPolicy Policy = KeepRemote

// Resolver detects conflicts and runs policies.
type Resolver struct {
	log *logging.Logger
	now func() time.Time
}

// NewResolver creates a Resolver.
func NewResolver(logger *logging.Logger) *Resolver {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Resolver{
		log: logger.With(map[string]interface{}{"component": "conflict"}),
		now: time.Now,
	}
}

// SetClock overrides the time source used for DetectedAt.
func (r *Resolver) SetClock(now func() time.Time) {
	r.now = now
}

// Detect reports a conflict when op updates a record that changed remotely after op.BaseStamp.
// Creates and deletes never conflict, nor does an update of a missing record.
func (r *Resolver) Detect(op models.SyncOperation, local map[string]interface{}, remote *models.RemoteRecord) (*Conflict, bool) {
	if !op.Kind.IsUpdate() || remote == nil {
		return nil, false
	}
	if remote.ModifiedAt <= op.BaseStamp {
		return nil, false
	}

	c := &Conflict{
		OperationID: op.ID,
		Path:        op.Path,
		Category:    op.Category,
		Kind:        op.Kind,
		Local:       local,
		Remote:      *remote,
		BaseStamp:   op.BaseStamp,
		DetectedAt:  r.now().UnixMilli(),
	}

	r.log.Warn("Concurrent edit conflict detected", map[string]interface{}{
		"operation_id": op.ID,
		"path":         op.Path,
		"base_stamp":   op.BaseStamp,
		"remote_stamp": remote.ModifiedAt,
		"remote_by":    remote.ModifiedBy,
	})
	return c, true
}

// Resolve runs policy on c. A nil policy means DefaultPolicy.
// An invalid or panicking policy resolves to DecisionRemote and returns the error.
func (r *Resolver) Resolve(ctx context.Context, policy Policy, c *Conflict) (decision Decision, err error) {
	if c == nil {
		return Decision{Kind: DecisionRemote}, ErrInvalidConflict
	}
	if policy == nil {
		policy = DefaultPolicy
	}

	defer func() {
		if p := recover(); p != nil {
			decision = Decision{Kind: DecisionRemote}
			err = &ConflictError{Message: fmt.Sprintf("resolution policy panicked: %v", p)}
		}
		if err != nil {
			r.log.Error("Conflict policy failed, keeping remote", err, map[string]interface{}{"path": c.Path})
		}
	}()

	decision = policy(ctx, *c)
	switch decision.Kind {
	case DecisionLocal, DecisionRemote:
		decision.Merged = nil
	case DecisionMerged:
		if decision.Merged == nil {
			return Decision{Kind: DecisionRemote}, ErrInvalidDecision
		}
	default:
		return Decision{Kind: DecisionRemote}, ErrInvalidDecision
	}

	r.log.Info("Conflict resolved", map[string]interface{}{
		"path":         c.Path,
		"decision":     decision.Kind,
		"base_stamp":   c.BaseStamp,
		"remote_stamp": c.Remote.ModifiedAt,
	})
	return decision, nil
}

// Event builds the observer notification for a resolved conflict.
func Event(c *Conflict, d Decision) models.ConflictEvent {
	return models.ConflictEvent{
		OperationID: c.OperationID,
		Path:        c.Path,
		Category:    c.Category,
		LocalStamp:  c.BaseStamp,
		RemoteStamp: c.Remote.ModifiedAt,
		RemoteBy:    c.Remote.ModifiedBy,
		Decision:    string(d.Kind),
		DetectedAt:  c.DetectedAt,
	}
}

// Errors
var (
	ErrInvalidConflict = &ConflictError{Message: "invalid conflict: nil conflict"}
	ErrInvalidDecision = &ConflictError{Message: "invalid decision: merged decisions need a record"}
)

// ConflictError represents a conflict resolution error.
type ConflictError struct {
	Message string
}

func (e *ConflictError) Error() string {
	return e.Message
}

// IsConflictError checks if an error is a ConflictError.
func IsConflictError(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}
