package remote

import (
	"context"
	"errors"
	"sync"

	apperrors "github.com/kimhsiao/fieldsync/internal/errors"
	"github.com/kimhsiao/fieldsync/internal/models"
)

// Call is one recorded request against a MemoryStore.
type Call struct {
	Method   string
	Path     string
	Value    map[string]interface{}
	Expected int64
}

// ErrUnreachable is returned by a MemoryStore while it is offline.
var ErrUnreachable = errors.New("remote store unreachable")

// MemoryStore is an in-process ConditionalStore with call recording and failure injection.
type MemoryStore struct {
	mu       sync.Mutex
	records  map[string]map[string]interface{}
	calls    []Call
	failNext []error
	offline  bool
	subs     map[int]*memorySub
	nextSub  int
	before   func(Call)
}

type memorySub struct {
	path   string
	events chan Snapshot
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]map[string]interface{}),
		subs:    make(map[int]*memorySub),
	}
}

// Put seeds a record without recording a call.
func (m *MemoryStore) Put(path string, data map[string]interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[path] = copyFields(data)
	m.notify(path)
}

// Record returns a copy of the stored record body, or nil.
func (m *MemoryStore) Record(path string) map[string]interface{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return copyFields(m.records[path])
}

// Calls returns the recorded requests in order.
func (m *MemoryStore) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Call(nil), m.calls...)
}

// CallsFor returns the recorded requests with the given method.
func (m *MemoryStore) CallsFor(method string) []Call {
	var out []Call
	for _, c := range m.Calls() {
		if c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

// ResetCalls clears the call log.
func (m *MemoryStore) ResetCalls() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
}

// FailNext makes the next len(errs) requests fail with errs in order.
func (m *MemoryStore) FailNext(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = append(m.failNext, errs...)
}

// SetOffline makes every request fail with a transport error while offline is true.
func (m *MemoryStore) SetOffline(offline bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.offline = offline
}

// BeforeApply registers a hook run (without the store lock) before each write is applied.
func (m *MemoryStore) BeforeApply(fn func(Call)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.before = fn
}

// begin records c and returns any injected failure. Caller must not hold m.mu.
func (m *MemoryStore) begin(c Call) error {
	m.mu.Lock()
	c.Value = copyFields(c.Value)
	m.calls = append(m.calls, c)
	if m.offline {
		m.mu.Unlock()
		return apperrors.Transport(c.Method+" "+c.Path, ErrUnreachable)
	}
	if len(m.failNext) > 0 {
		err := m.failNext[0]
		m.failNext = m.failNext[1:]
		m.mu.Unlock()
		return err
	}
	hook := m.before
	m.mu.Unlock()

	if hook != nil && c.Method != "get" {
		hook(c)
	}
	return nil
}

// Set implements Store.
func (m *MemoryStore) Set(ctx context.Context, path string, value map[string]interface{}) error {
	return m.write(ctx, Call{Method: "set", Path: path, Value: value}, false, 0)
}

// Update implements Store.
func (m *MemoryStore) Update(ctx context.Context, path string, partial map[string]interface{}) error {
	return m.write(ctx, Call{Method: "update", Path: path, Value: partial}, false, 0)
}

// CompareAndSet implements ConditionalStore.
func (m *MemoryStore) CompareAndSet(ctx context.Context, path string, expected int64, value map[string]interface{}) error {
	return m.write(ctx, Call{Method: "cas_set", Path: path, Value: value, Expected: expected}, true, expected)
}

// CompareAndUpdate implements ConditionalStore.
func (m *MemoryStore) CompareAndUpdate(ctx context.Context, path string, expected int64, partial map[string]interface{}) error {
	return m.write(ctx, Call{Method: "cas_update", Path: path, Value: partial, Expected: expected}, true, expected)
}

func (m *MemoryStore) write(ctx context.Context, c Call, conditional bool, expected int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := m.begin(c); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	current, exists := m.records[c.Path]
	if conditional {
		var actual int64
		if exists {
			actual = models.RecordFromFields(c.Path, current).ModifiedAt
		}
		if actual != expected {
			return stampMismatch(c.Path, expected, actual)
		}
	}

	switch c.Method {
	case "set", "cas_set":
		m.records[c.Path] = copyFields(c.Value)
	default:
		next := copyFields(current)
		if next == nil {
			next = make(map[string]interface{})
		}
		for k, v := range c.Value {
			next[k] = v
		}
		m.records[c.Path] = next
	}
	m.notify(c.Path)
	return nil
}

// Remove implements Store.
func (m *MemoryStore) Remove(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := m.begin(Call{Method: "remove", Path: path}); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, path)
	m.notify(path)
	return nil
}

// Get implements Store.
func (m *MemoryStore) Get(ctx context.Context, path string) (*models.RemoteRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := m.begin(Call{Method: "get", Path: path}); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshot(path), nil
}

func (m *MemoryStore) snapshot(path string) *models.RemoteRecord {
	data, ok := m.records[path]
	if !ok {
		return nil
	}
	return models.RecordFromFields(path, copyFields(data))
}

// Subscribe implements Store. The current value is delivered first.
func (m *MemoryStore) Subscribe(ctx context.Context, path string) (*Subscription, error) {
	sub, ctx, events := newSubscription(ctx, 16)

	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	ms := &memorySub{path: path, events: events}
	m.subs[id] = ms
	events <- Snapshot{Path: path, Record: m.snapshot(path)}
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		delete(m.subs, id)
		sub.finish(events)
		m.mu.Unlock()
	}()
	return sub, nil
}

// notify fans out the current value of path. Caller holds m.mu.
// Slow subscribers miss intermediate snapshots.
func (m *MemoryStore) notify(path string) {
	for _, s := range m.subs {
		if s.path != path {
			continue
		}
		select {
		case s.events <- Snapshot{Path: path, Record: m.snapshot(path)}:
		default:
		}
	}
}

var _ ConditionalStore = (*MemoryStore)(nil)
