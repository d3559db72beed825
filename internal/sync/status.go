package sync

import (
	"sort"
	gosync "sync"

	"github.com/kimhsiao/fieldsync/internal/logging"
	"github.com/kimhsiao/fieldsync/internal/models"
)

// Status owns one engine's SyncStatus and pushes every transition to observers.
// Listeners run synchronously on the goroutine that caused the transition, one
// transition at a time and in the order the transitions were applied. A
// listener must not cause a further transition itself.
type Status struct {
	// notify is held from applying a transition until every listener has seen it.
	notify gosync.Mutex

	mu        gosync.Mutex
	state     models.SyncStatus
	nextID    int
	listeners map[int]func(models.SyncStatus)
	feeds     map[int]chan models.SyncStatus
	log       *logging.Logger
}

// NewStatus creates a Status with a zero state.
func NewStatus(logger *logging.Logger) *Status {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Status{
		listeners: make(map[int]func(models.SyncStatus)),
		feeds:     make(map[int]chan models.SyncStatus),
		log:       logger.With(map[string]interface{}{"component": "status"}),
	}
}

// Snapshot returns a copy of the current state.
func (s *Status) Snapshot() models.SyncStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Clone()
}

// Update applies fn to the state and notifies observers.
func (s *Status) Update(fn func(*models.SyncStatus)) {
	s.notify.Lock()
	defer s.notify.Unlock()

	s.mu.Lock()
	fn(&s.state)
	snap := s.state.Clone()

	ids := make([]int, 0, len(s.listeners))
	for id := range s.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	listeners := make([]func(models.SyncStatus), 0, len(ids))
	for _, id := range ids {
		listeners = append(listeners, s.listeners[id])
	}

	// Drop the update for feeds whose reader is behind.
	for _, ch := range s.feeds {
		select {
		case ch <- snap.Clone():
		default:
		}
	}
	s.mu.Unlock()

	for _, fn := range listeners {
		s.call(fn, snap.Clone())
	}
}

func (s *Status) call(fn func(models.SyncStatus), snap models.SyncStatus) {
	defer func() {
		if p := recover(); p != nil {
			s.log.Warn("Status listener panicked", map[string]interface{}{"panic": p})
		}
	}()
	fn(snap)
}

// OnStatusChange registers fn for every transition and returns its unsubscribe function.
func (s *Status) OnStatusChange(fn func(models.SyncStatus)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextID
	s.nextID++
	s.listeners[id] = fn

	var once gosync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			delete(s.listeners, id)
		})
	}
}

// Subscribe returns a channel fed with every transition. A full channel misses updates.
// The unsubscribe function closes the channel.
func (s *Status) Subscribe(buffer int) (<-chan models.SyncStatus, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan models.SyncStatus, buffer)

	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.feeds[id] = ch
	s.mu.Unlock()

	var once gosync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			delete(s.feeds, id)
			close(ch)
		})
	}
}

// Reset clears connectivity, draining and conflict state. Pending counts are kept.
func (s *Status) Reset() {
	s.Update(func(st *models.SyncStatus) {
		*st = models.SyncStatus{
			PendingOperations: st.PendingOperations,
			PendingUploads:    st.PendingUploads,
		}
	})
}
