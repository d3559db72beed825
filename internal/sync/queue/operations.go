package queue

import (
	"fmt"
	"time"

	apperrors "github.com/kimhsiao/fieldsync/internal/errors"
	"github.com/kimhsiao/fieldsync/internal/localstore"
	"github.com/kimhsiao/fieldsync/internal/logging"
	"github.com/kimhsiao/fieldsync/internal/models"
	"github.com/kimhsiao/fieldsync/internal/uuid"
)

// OperationQueue is the durable FIFO of pending record operations.
type OperationQueue struct {
	list list[models.SyncOperation]
	now  func() time.Time
}

// NewOperationQueue creates a queue persisted under OperationsKey in store.
func NewOperationQueue(store localstore.Store, logger *logging.Logger) *OperationQueue {
	if logger == nil {
		logger = logging.Nop()
	}
	return &OperationQueue{
		list: list[models.SyncOperation]{
			store: store,
			key:   OperationsKey,
			idOf:  func(op *models.SyncOperation) string { return op.ID },
			log:   logger.With(map[string]interface{}{"component": "op_queue"}),
		},
		now: time.Now,
	}
}

// SetClock overrides the time source used for stamps.
func (q *OperationQueue) SetClock(now func() time.Time) {
	q.now = now
}

// Load restores the persisted queue and returns the number of operations found.
func (q *OperationQueue) Load() (int, error) {
	n, err := q.list.load()
	if err == nil && n > 0 {
		q.list.log.Info("Loaded pending operations", map[string]interface{}{"count": n})
	}
	return n, err
}

// Enqueue validates and appends op, returning its id.
// The attempt counter and failure markers are reset.
func (q *OperationQueue) Enqueue(op models.SyncOperation) (string, error) {
	if err := op.Validate(); err != nil {
		return "", apperrors.Wrap(apperrors.ErrInvalid, "invalid operation", err)
	}

	q.list.mu.Lock()
	defer q.list.mu.Unlock()

	if op.ID == "" {
		op.ID = uuid.NewOperationID()
	} else if q.list.index(op.ID) >= 0 {
		return "", apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("operation %s already queued", op.ID))
	}
	if op.CreatedAt == 0 {
		op.CreatedAt = q.now().UnixMilli()
	}
	op.Attempts = 0
	op.NextAttemptAt = 0
	op.LastError = ""
	op.Terminal = nil

	err := q.list.mutate(func(items []models.SyncOperation) ([]models.SyncOperation, error) {
		return append(items, op), nil
	})
	if err != nil {
		return "", err
	}

	q.list.log.Info("Enqueued operation", map[string]interface{}{
		"id":       op.ID,
		"kind":     op.Kind,
		"category": op.Category,
		"path":     op.Path,
	})
	return op.ID, nil
}

// DequeueSuccess removes a successfully applied operation.
func (q *OperationQueue) DequeueSuccess(id string) error {
	if err := q.list.remove(id); err != nil {
		return err
	}
	q.list.log.Debug("Dequeued applied operation", map[string]interface{}{"id": id})
	return nil
}

// MarkFailedAttempt advances the attempt counter of id.
// Once budget is exhausted the operation is flagged terminal and kept;
// otherwise it becomes due again at nextAttemptAt.
func (q *OperationQueue) MarkFailedAttempt(id string, cause error, budget RetryBudget, nextAttemptAt time.Time) (Attempt, error) {
	var result Attempt
	now := q.now().UnixMilli()

	err := q.list.update(id, func(op *models.SyncOperation) {
		op.Attempts++
		op.LastError = errString(cause)
		if budget.Exhausted(op.Attempts) {
			op.Terminal = &models.Failure{Error: op.LastError, FailedAt: now}
			op.NextAttemptAt = 0
		} else {
			op.NextAttemptAt = nextAttemptAt.UnixMilli()
		}
		result = Attempt{Attempts: op.Attempts, Terminal: op.Terminal != nil}
	})
	if err != nil {
		return Attempt{}, err
	}

	if result.Terminal {
		q.list.log.Warn("Operation failed permanently", map[string]interface{}{
			"id": id, "attempts": result.Attempts, "error": errString(cause),
		})
	} else {
		q.list.log.Info("Operation failed, retry scheduled", map[string]interface{}{
			"id": id, "attempts": result.Attempts, "next_attempt_at": nextAttemptAt.UnixMilli(), "error": errString(cause),
		})
	}
	return result, nil
}

// MarkTerminal flags id as permanently failed without advancing attempts.
func (q *OperationQueue) MarkTerminal(id string, cause error) error {
	now := q.now().UnixMilli()
	return q.list.update(id, func(op *models.SyncOperation) {
		op.LastError = errString(cause)
		op.Terminal = &models.Failure{Error: op.LastError, FailedAt: now}
	})
}

// RecordError stores the last error of id without counting an attempt.
func (q *OperationQueue) RecordError(id string, cause error) error {
	return q.list.update(id, func(op *models.SyncOperation) {
		op.LastError = errString(cause)
	})
}

// ListPending returns the non-terminal operations in FIFO order.
func (q *OperationQueue) ListPending() []models.SyncOperation {
	q.list.mu.Lock()
	defer q.list.mu.Unlock()

	var pending []models.SyncOperation
	for i := range q.list.items {
		if !q.list.items[i].IsTerminal() {
			pending = append(pending, q.list.items[i].Clone())
		}
	}
	return pending
}

// List returns every queued operation, terminal ones included, in FIFO order.
func (q *OperationQueue) List() []models.SyncOperation {
	q.list.mu.Lock()
	defer q.list.mu.Unlock()

	all := make([]models.SyncOperation, 0, len(q.list.items))
	for i := range q.list.items {
		all = append(all, q.list.items[i].Clone())
	}
	return all
}

// HasQueuedFor reports whether any operation targets path. Terminal operations
// count: they hold their path until retried or cleared.
func (q *OperationQueue) HasQueuedFor(path string) bool {
	q.list.mu.Lock()
	defer q.list.mu.Unlock()

	for i := range q.list.items {
		if q.list.items[i].Path == path {
			return true
		}
	}
	return false
}

// Len returns the number of queued operations.
func (q *OperationQueue) Len() int {
	return q.list.size()
}

// RetryAll zeroes every attempt counter and clears terminal flags.
// It returns the number of operations that were reset.
func (q *OperationQueue) RetryAll() (int, error) {
	q.list.mu.Lock()
	defer q.list.mu.Unlock()

	count := 0
	err := q.list.mutate(func(items []models.SyncOperation) ([]models.SyncOperation, error) {
		for i := range items {
			if items[i].Attempts > 0 || items[i].Terminal != nil {
				count++
			}
			items[i].Attempts = 0
			items[i].NextAttemptAt = 0
			items[i].LastError = ""
			items[i].Terminal = nil
		}
		return items, nil
	})
	if err != nil {
		return 0, err
	}
	if count > 0 {
		q.list.log.Info("Reset operations for retry", map[string]interface{}{"count": count})
	}
	return count, nil
}

// Clear removes every operation.
func (q *OperationQueue) Clear() error {
	if err := q.list.clear(); err != nil {
		return err
	}
	q.list.log.Info("Operation queue cleared")
	return nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
