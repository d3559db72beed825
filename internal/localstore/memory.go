package localstore

import (
	"sort"
	"sync"
)

// MemoryStore is an in-process Store with optional quota and failure injection.
type MemoryStore struct {
	mu       sync.Mutex
	items    map[string]string
	quota    int64
	used     int64
	failures map[string]error
	writeErr error
	writes   int
}

// NewMemoryStore creates a MemoryStore. A quota of 0 means unlimited.
func NewMemoryStore(quota int64) *MemoryStore {
	return &MemoryStore{
		items:    make(map[string]string),
		quota:    quota,
		failures: make(map[string]error),
	}
}

// GetItem implements Store.
func (s *MemoryStore) GetItem(key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.items[key]
	return v, ok, nil
}

// SetItem implements Store.
func (s *MemoryStore) SetItem(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.injected(key); err != nil {
		return err
	}

	var prev int64
	if old, ok := s.items[key]; ok {
		prev = itemSize(key, old)
	}
	next := s.used - prev + itemSize(key, value)
	if s.quota > 0 && next > s.quota {
		return quotaError(key, next, s.quota)
	}

	s.items[key] = value
	s.used = next
	s.writes++
	return nil
}

// RemoveItem implements Store.
func (s *MemoryStore) RemoveItem(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.injected(key); err != nil {
		return err
	}
	if old, ok := s.items[key]; ok {
		s.used -= itemSize(key, old)
		delete(s.items, key)
		s.writes++
	}
	return nil
}

func (s *MemoryStore) injected(key string) error {
	if err, ok := s.failures[key]; ok {
		return err
	}
	return s.writeErr
}

// Fail makes every write to key return err until cleared with Fail(key, nil).
func (s *MemoryStore) Fail(key string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err == nil {
		delete(s.failures, key)
		return
	}
	s.failures[key] = err
}

// FailWrites makes every write return err until cleared with FailWrites(nil).
func (s *MemoryStore) FailWrites(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writeErr = err
}

// SetQuota changes the capacity. Existing entries are kept even if over quota.
func (s *MemoryStore) SetQuota(quota int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quota = quota
}

// Keys returns the stored keys in sorted order.
func (s *MemoryStore) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := make([]string, 0, len(s.items))
	for k := range s.items {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Used returns the accounted bytes in use.
func (s *MemoryStore) Used() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.used
}

// Writes returns the number of successful mutating calls.
func (s *MemoryStore) Writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}
