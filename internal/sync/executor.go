package sync

import (
	"context"
	"fmt"
	"time"

	apperrors "github.com/kimhsiao/fieldsync/internal/errors"
	"github.com/kimhsiao/fieldsync/internal/logging"
	"github.com/kimhsiao/fieldsync/internal/models"
	"github.com/kimhsiao/fieldsync/internal/sync/conflict"
	"github.com/kimhsiao/fieldsync/internal/sync/remote"
)

// Outcome is the result class of executing one operation.
type Outcome string

const (
	// OutcomeApplied means the remote store accepted the write.
	OutcomeApplied Outcome = "applied"
	// OutcomeDiscarded means a conflict resolved to the remote version; nothing was written.
	OutcomeDiscarded Outcome = "discarded"
	// OutcomeRetryable means the attempt failed and may succeed later.
	OutcomeRetryable Outcome = "retryable"
	// OutcomeSessionInvalid means the credential was rejected.
	OutcomeSessionInvalid Outcome = "session_invalid"
	// OutcomeFatal means the operation can never succeed as queued.
	OutcomeFatal Outcome = "fatal"
)

// Result reports one execution. Conflict is set once a detected conflict has
// been settled, by a landed write or a discard.
type Result struct {
	Outcome  Outcome
	Err      error
	Class    apperrors.Class
	Conflict *models.ConflictEvent
}

// Done reports whether the operation should leave the queue.
func (r Result) Done() bool {
	return r.Outcome == OutcomeApplied || r.Outcome == OutcomeDiscarded
}

// ExecutorConfig configures an Executor.
type ExecutorConfig struct {
	Store       remote.Store
	DeviceID    string
	Resolver    *conflict.Resolver
	Policy      func() conflict.Policy
	Conditional bool
	Now         func() time.Time
	Logger      *logging.Logger
}

// Executor maps a queued operation onto remote store calls.
type Executor struct {
	store    remote.Store
	cas      remote.ConditionalStore
	deviceID string
	resolver *conflict.Resolver
	policy   func() conflict.Policy
	now      func() time.Time
	log      *logging.Logger
}

// NewExecutor creates an Executor. Conditional writes are used only when the
// store implements remote.ConditionalStore.
func NewExecutor(cfg ExecutorConfig) *Executor {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop()
	}
	if cfg.Resolver == nil {
		cfg.Resolver = conflict.NewResolver(cfg.Logger)
	}
	if cfg.Policy == nil {
		cfg.Policy = func() conflict.Policy { return conflict.DefaultPolicy }
	}

	e := &Executor{
		store:    cfg.Store,
		deviceID: cfg.DeviceID,
		resolver: cfg.Resolver,
		policy:   cfg.Policy,
		now:      cfg.Now,
		log:      cfg.Logger.With(map[string]interface{}{"component": "executor"}),
	}
	if cs, ok := cfg.Store.(remote.ConditionalStore); ok && cfg.Conditional {
		e.cas = cs
	}
	return e
}

// Execute applies op to the remote store.
func (e *Executor) Execute(ctx context.Context, op models.SyncOperation) Result {
	var fields map[string]interface{}
	if op.Kind.NeedsPayload() {
		if op.Payload == nil {
			return e.failed(op, apperrors.New(apperrors.ErrInvalid, "operation has no payload"))
		}
		f, err := op.Payload.Fields()
		if err != nil {
			return e.failed(op, err)
		}
		fields = f
	}

	switch op.Kind {
	case models.KindDelete:
		return e.finish(op, e.store.Remove(ctx, op.Path), nil)

	case models.KindCreate:
		models.StampCreated(fields, e.now(), e.deviceID)
		return e.finish(op, e.store.Set(ctx, op.Path, fields), nil)

	case models.KindReplace, models.KindMergeUpdate:
		return e.update(ctx, op, fields)

	default:
		return e.failed(op, apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("unknown operation kind %q", op.Kind)))
	}
}

// update runs the fetch, detect, resolve and write sequence for replace and merge-update.
func (e *Executor) update(ctx context.Context, op models.SyncOperation, fields map[string]interface{}) Result {
	current, err := e.store.Get(ctx, op.Path)
	if err != nil {
		return e.finish(op, err, nil)
	}

	kind := op.Kind
	data := fields
	var event *models.ConflictEvent

	if c, ok := e.resolver.Detect(op, fields, current); ok {
		decision, _ := e.resolver.Resolve(ctx, e.policy(), c)
		ev := conflict.Event(c, decision)
		event = &ev

		switch decision.Kind {
		case conflict.DecisionRemote:
			return Result{Outcome: OutcomeDiscarded, Conflict: event}
		case conflict.DecisionMerged:
			kind = models.KindReplace
			data = copyFields(decision.Merged)
		}
	}

	var expected int64
	if current != nil {
		expected = current.ModifiedAt
	}
	models.Stamp(data, e.stampTime(expected), e.deviceID)

	switch {
	case e.cas != nil && kind == models.KindReplace:
		err = e.cas.CompareAndSet(ctx, op.Path, expected, data)
	case e.cas != nil:
		err = e.cas.CompareAndUpdate(ctx, op.Path, expected, data)
	case kind == models.KindReplace:
		err = e.store.Set(ctx, op.Path, data)
	default:
		err = e.store.Update(ctx, op.Path, data)
	}
	return e.finish(op, err, event)
}

// stampTime keeps the record's modification stamp increasing when the local
// clock trails the stamp already on the record.
func (e *Executor) stampTime(previous int64) time.Time {
	now := e.now()
	if now.UnixMilli() <= previous {
		return time.UnixMilli(previous + 1)
	}
	return now
}

// finish reports event only when err is nil. A failed write leaves the conflict
// unresolved; the next attempt detects it again.
func (e *Executor) finish(op models.SyncOperation, err error, event *models.ConflictEvent) Result {
	if err == nil {
		return Result{Outcome: OutcomeApplied, Conflict: event}
	}

	class := apperrors.Classify(err)
	res := Result{Err: err, Class: class}
	switch class {
	case apperrors.ClassSession:
		res.Outcome = OutcomeSessionInvalid
	case apperrors.ClassFatal:
		res.Outcome = OutcomeFatal
	default:
		res.Outcome = OutcomeRetryable
	}

	e.log.Debug("Remote call failed", map[string]interface{}{
		"operation_id": op.ID,
		"path":         op.Path,
		"kind":         op.Kind,
		"class":        class,
		"error":        err.Error(),
	})
	return res
}

func (e *Executor) failed(op models.SyncOperation, err error) Result {
	e.log.Error("Operation cannot be executed", err, map[string]interface{}{
		"operation_id": op.ID,
		"path":         op.Path,
	})
	return Result{Outcome: OutcomeFatal, Err: err, Class: apperrors.ClassFatal}
}

func copyFields(in map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
