package assets

import (
	"context"
	"fmt"
	"sync"

	apperrors "github.com/kimhsiao/fieldsync/internal/errors"
)

// StoredFile is a file held by a MemoryBackend.
type StoredFile struct {
	ID       string
	FolderID string
	Filename string
	MimeType string
	Metadata map[string]string
	Data     []byte
}

// MemoryBackend is an in-process Backend with call counting and failure injection.
type MemoryBackend struct {
	mu       sync.Mutex
	folders  map[FolderKey]string
	files    []StoredFile
	nextID   int
	calls    map[string]int
	failNext []error
	authed   bool
}

// NewMemoryBackend creates an empty, authenticated MemoryBackend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		folders: make(map[FolderKey]string),
		calls:   make(map[string]int),
		authed:  true,
	}
}

func (m *MemoryBackend) begin(method string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls[method]++
	if !m.authed {
		return apperrors.FromStatus(401, "session disconnected")
	}
	if len(m.failNext) > 0 {
		err := m.failNext[0]
		m.failNext = m.failNext[1:]
		return err
	}
	return nil
}

func (m *MemoryBackend) id(prefix string) string {
	m.nextID++
	return fmt.Sprintf("%s-%d", prefix, m.nextID)
}

// FindFolder implements Backend.
func (m *MemoryBackend) FindFolder(_ context.Context, name, parentID string) (string, bool, error) {
	if err := m.begin("find"); err != nil {
		return "", false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.folders[FolderKey{Parent: parentID, Name: name}]
	return id, ok, nil
}

// CreateFolder implements Backend.
func (m *MemoryBackend) CreateFolder(_ context.Context, name, parentID string) (string, error) {
	if err := m.begin("create"); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.id("folder")
	m.folders[FolderKey{Parent: parentID, Name: name}] = id
	return id, nil
}

// Upload implements Backend.
func (m *MemoryBackend) Upload(_ context.Context, req UploadRequest) (string, error) {
	if err := m.begin("upload"); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	f := StoredFile{
		ID:       m.id("file"),
		FolderID: req.FolderID,
		Filename: req.Filename,
		MimeType: req.MimeType,
		Metadata: req.Metadata,
		Data:     append([]byte(nil), req.Data...),
	}
	m.files = append(m.files, f)
	return f.ID, nil
}

// Disconnect implements Backend. Calls fail with an auth error until Reconnect.
func (m *MemoryBackend) Disconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.authed = false
}

// Reconnect restores the session after Disconnect.
func (m *MemoryBackend) Reconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.authed = true
}

// FailNext makes the next len(errs) calls fail with errs in order.
func (m *MemoryBackend) FailNext(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = append(m.failNext, errs...)
}

// Calls returns how many times method ("find", "create" or "upload") was called.
func (m *MemoryBackend) Calls(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[method]
}

// Files returns the stored files in upload order.
func (m *MemoryBackend) Files() []StoredFile {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]StoredFile(nil), m.files...)
}

// Folder returns the id of the folder named name under parentID.
func (m *MemoryBackend) Folder(name, parentID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.folders[FolderKey{Parent: parentID, Name: name}]
	return id, ok
}

var _ Backend = (*MemoryBackend)(nil)
