package assets

import (
	"context"
	"fmt"
	"sync"

	apperrors "github.com/kimhsiao/fieldsync/internal/errors"
	"github.com/kimhsiao/fieldsync/internal/logging"
	"github.com/kimhsiao/fieldsync/internal/metrics"
	"github.com/kimhsiao/fieldsync/internal/models"
)

// FolderKey identifies a folder by its parent and name.
type FolderKey struct {
	Parent string
	Name   string
}

// Resolver maps categories to backend folder ids, creating missing folders.
// Resolved ids are cached for the lifetime of the session.
type Resolver struct {
	backend Backend
	layout  FolderLayout
	rootID  string
	log     *logging.Logger

	mu    sync.Mutex
	cache map[FolderKey]string
}

// NewResolver creates a Resolver. A nil layout uses DefaultLayout.
func NewResolver(backend Backend, layout FolderLayout, rootID string, logger *logging.Logger) *Resolver {
	if layout == nil {
		layout = DefaultLayout()
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Resolver{
		backend: backend,
		layout:  layout,
		rootID:  rootID,
		log:     logger.With(map[string]interface{}{"component": "folder_resolver"}),
		cache:   make(map[FolderKey]string),
	}
}

// Resolve returns the id of the destination folder for category.
func (r *Resolver) Resolve(ctx context.Context, category models.Category) (string, error) {
	segments, ok := r.layout[category]
	if !ok || len(segments) == 0 {
		return "", apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("no folder layout for category %q", category))
	}

	parent := r.rootID
	for _, name := range segments {
		id, err := r.findOrCreate(ctx, name, parent)
		if err != nil {
			return "", err
		}
		parent = id
	}
	return parent, nil
}

func (r *Resolver) findOrCreate(ctx context.Context, name, parent string) (string, error) {
	key := FolderKey{Parent: parent, Name: name}

	r.mu.Lock()
	id, ok := r.cache[key]
	r.mu.Unlock()
	metrics.RecordFolderLookup(ok)
	if ok {
		return id, nil
	}

	id, found, err := r.backend.FindFolder(ctx, name, parent)
	if err != nil {
		return "", err
	}
	if !found {
		id, err = r.backend.CreateFolder(ctx, name, parent)
		if err != nil {
			return "", err
		}
		r.log.Info("Folder created", map[string]interface{}{"name": name, "parent": parent, "id": id})
	}

	r.mu.Lock()
	r.cache[key] = id
	r.mu.Unlock()
	return id, nil
}

// Reset drops every cached folder id.
func (r *Resolver) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache = make(map[FolderKey]string)
}

// CacheLen returns the number of cached folder ids.
func (r *Resolver) CacheLen() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.cache)
}
