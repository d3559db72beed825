// Package queue provides the durable, write-through queues for pending record operations and uploads.
package queue

import (
	"encoding/json"
	"fmt"
	"slices"
	"sync"

	apperrors "github.com/kimhsiao/fieldsync/internal/errors"
	"github.com/kimhsiao/fieldsync/internal/localstore"
	"github.com/kimhsiao/fieldsync/internal/logging"
)

// Storage keys of the persisted lists.
const (
	OperationsKey = "fieldsync.pending_operations"
	UploadsKey    = "fieldsync.pending_uploads"
)

// RetryBudget decides when a failing item has used up its attempts.
type RetryBudget interface {
	Exhausted(attempts int) bool
}

// Attempt is the outcome of recording a failed attempt.
type Attempt struct {
	Attempts int
	Terminal bool
}

// list is an ordered slice persisted as one JSON array after every mutation.
type list[T any] struct {
	mu    sync.Mutex
	store localstore.Store
	key   string
	items []T
	idOf  func(*T) string
	log   *logging.Logger
}

// load replaces the in-memory list with the persisted one.
// An unreadable representation yields an empty list.
func (l *list[T]) load() (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	raw, ok, err := l.store.GetItem(l.key)
	if err != nil {
		return 0, fmt.Errorf("failed to read %s: %w", l.key, err)
	}
	if !ok || raw == "" {
		l.items = nil
		return 0, nil
	}

	var items []T
	if err := json.Unmarshal([]byte(raw), &items); err != nil {
		l.items = nil
		l.log.Warn("Persisted queue is corrupt, starting empty", map[string]interface{}{
			"key":   l.key,
			"error": apperrors.Wrap(apperrors.ErrQueueCorrupt, "decode failed", err).Error(),
			"bytes": len(raw),
		})
		return 0, nil
	}

	l.items = items
	return len(items), nil
}

// mutate applies fn and persists the result; on failure the in-memory list is restored.
// Caller holds l.mu.
func (l *list[T]) mutate(fn func(items []T) ([]T, error)) error {
	prev := slices.Clone(l.items)

	next, err := fn(l.items)
	if err != nil {
		l.items = prev
		return err
	}
	l.items = next

	if err := l.persist(); err != nil {
		l.items = prev
		return err
	}
	return nil
}

func (l *list[T]) persist() error {
	items := l.items
	if items == nil {
		items = []T{}
	}
	data, err := json.Marshal(items)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInternal, "failed to encode queue", err)
	}
	if err := l.store.SetItem(l.key, string(data)); err != nil {
		return fmt.Errorf("failed to persist %s: %w", l.key, err)
	}
	return nil
}

// index returns the position of id, or -1. Caller holds l.mu.
func (l *list[T]) index(id string) int {
	for i := range l.items {
		if l.idOf(&l.items[i]) == id {
			return i
		}
	}
	return -1
}

func (l *list[T]) notFound(id string) error {
	return apperrors.New(apperrors.ErrNotFound, fmt.Sprintf("item %s not found", id))
}

// remove deletes id and persists.
func (l *list[T]) remove(id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	i := l.index(id)
	if i < 0 {
		return l.notFound(id)
	}
	return l.mutate(func(items []T) ([]T, error) {
		return slices.Delete(slices.Clone(items), i, i+1), nil
	})
}

// update applies fn to the item with id and persists.
func (l *list[T]) update(id string, fn func(*T)) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	i := l.index(id)
	if i < 0 {
		return l.notFound(id)
	}
	return l.mutate(func(items []T) ([]T, error) {
		fn(&items[i])
		return items, nil
	})
}

// clear empties the list and removes the persisted key.
func (l *list[T]) clear() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.store.RemoveItem(l.key); err != nil {
		return fmt.Errorf("failed to clear %s: %w", l.key, err)
	}
	l.items = nil
	return nil
}

func (l *list[T]) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.items)
}
