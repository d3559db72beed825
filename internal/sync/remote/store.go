// Package remote defines the remote record store adapter and its implementations.
package remote

import (
	"context"
	"fmt"
	"strings"
	"sync"

	apperrors "github.com/kimhsiao/fieldsync/internal/errors"
	"github.com/kimhsiao/fieldsync/internal/models"
)

// Store is a path-addressed remote record store.
type Store interface {
	// Set replaces the record at path.
	Set(ctx context.Context, path string, value map[string]interface{}) error

	// Update merges partial into the record at path, creating it if missing.
	Update(ctx context.Context, path string, partial map[string]interface{}) error

	// Remove deletes the record at path.
	Remove(ctx context.Context, path string) error

	// Get returns the record at path, or nil if none exists.
	Get(ctx context.Context, path string) (*models.RemoteRecord, error)

	// Subscribe streams snapshots of the record at path until the subscription is closed.
	Subscribe(ctx context.Context, path string) (*Subscription, error)
}

// ConditionalStore is a Store that can write only if the record's modification
// stamp still equals expected. A missing record has stamp 0.
// A lost race fails with code STAMP_MISMATCH.
type ConditionalStore interface {
	Store
	CompareAndSet(ctx context.Context, path string, expected int64, value map[string]interface{}) error
	CompareAndUpdate(ctx context.Context, path string, expected int64, partial map[string]interface{}) error
}

// Snapshot is one observed state of a subscribed record. Record is nil when the record is absent.
type Snapshot struct {
	Path   string
	Record *models.RemoteRecord
	Err    error
}

// Subscription is a stream of snapshots. Events is closed after Close or when
// the subscribing context ends.
type Subscription struct {
	Events <-chan Snapshot

	cancel context.CancelFunc
	once   sync.Once
	done   chan struct{}
}

func newSubscription(ctx context.Context, buffer int) (*Subscription, context.Context, chan Snapshot) {
	ctx, cancel := context.WithCancel(ctx)
	events := make(chan Snapshot, buffer)
	return &Subscription{Events: events, cancel: cancel, done: make(chan struct{})}, ctx, events
}

// Close ends the subscription. It is safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.cancel()
	})
	<-s.done
}

// finish marks the producer as gone; called once by the goroutine that owns events.
func (s *Subscription) finish(events chan Snapshot) {
	close(events)
	close(s.done)
}

// CleanPath normalizes a record address and rejects unusable ones.
func CleanPath(path string) (string, error) {
	p := strings.Trim(strings.TrimSpace(path), "/")
	if p == "" {
		return "", apperrors.New(apperrors.ErrInvalid, "record path is empty")
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return "", apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("record path %q has an invalid segment", path))
		}
		if strings.ContainsAny(seg, ".#$[]?") {
			return "", apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("record path %q contains a reserved character", path))
		}
	}
	return p, nil
}

func copyFields(in map[string]interface{}) map[string]interface{} {
	if in == nil {
		return nil
	}
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func stampMismatch(path string, expected, actual int64) error {
	return apperrors.New(apperrors.ErrStampMismatch,
		fmt.Sprintf("record %s changed: expected stamp %d, found %d", path, expected, actual))
}
