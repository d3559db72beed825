package assets

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	apperrors "github.com/kimhsiao/fieldsync/internal/errors"
	"github.com/kimhsiao/fieldsync/internal/models"
)

// TestResolver_CreatesAndCaches verifies one lookup and create per unseen segment.
func TestResolver_CreatesAndCaches(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend()
	r := NewResolver(backend, nil, "root", nil)

	id, err := r.Resolve(ctx, models.CategoryForms)
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Equal(t, 3, backend.Calls("find"))
	assert.Equal(t, 3, backend.Calls("create"))
	assert.Equal(t, 3, r.CacheLen())

	again, err := r.Resolve(ctx, models.CategoryForms)
	require.NoError(t, err)
	assert.Equal(t, id, again)
	assert.Equal(t, 3, backend.Calls("find"))
	assert.Equal(t, 3, backend.Calls("create"))

	// FieldSync is shared with the forms path and already cached.
	_, err = r.Resolve(ctx, models.CategoryReferenceLists)
	require.NoError(t, err)
	assert.Equal(t, 4, backend.Calls("find"))
	assert.Equal(t, 4, backend.Calls("create"))
}

// TestResolver_UsesExistingFolders verifies found folders are not recreated.
func TestResolver_UsesExistingFolders(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend()
	top, err := backend.CreateFolder(ctx, "FieldSync", "")
	require.NoError(t, err)
	ref, err := backend.CreateFolder(ctx, "Reference", top)
	require.NoError(t, err)

	r := NewResolver(backend, nil, "", nil)
	id, err := r.Resolve(ctx, models.CategoryReferenceLists)
	require.NoError(t, err)
	assert.Equal(t, ref, id)
	assert.Equal(t, 2, backend.Calls("find"))
	assert.Equal(t, 2, backend.Calls("create"))
}

// TestResolver_Reset verifies a reset cache starts cold.
func TestResolver_Reset(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend()
	r := NewResolver(backend, nil, "", nil)

	_, err := r.Resolve(ctx, models.CategoryTrainingRecords)
	require.NoError(t, err)
	r.Reset()
	assert.Zero(t, r.CacheLen())

	_, err = r.Resolve(ctx, models.CategoryTrainingRecords)
	require.NoError(t, err)
	assert.Equal(t, 6, backend.Calls("find"))
	assert.Equal(t, 3, backend.Calls("create"))
}

// TestResolver_Errors verifies unknown categories and backend failures.
func TestResolver_Errors(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend()
	r := NewResolver(backend, FolderLayout{models.CategoryForms: {"Only"}}, "", nil)

	_, err := r.Resolve(ctx, models.CategoryTrainingRecords)
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalid))

	boom := errors.New("boom")
	backend.FailNext(boom)
	_, err = r.Resolve(ctx, models.CategoryForms)
	assert.ErrorIs(t, err, boom)
	assert.Zero(t, r.CacheLen())
}

// TestSession verifies token handling.
func TestSession(t *testing.T) {
	s := NewSession(nil)
	req, _ := http.NewRequest(http.MethodGet, "http://example.invalid", nil)
	err := s.Authorize(req)
	assert.Equal(t, apperrors.ClassSession, apperrors.Classify(err))
	assert.False(t, s.Valid())

	s.SetToken(&oauth2.Token{AccessToken: "abc"})
	require.NoError(t, s.Authorize(req))
	assert.Equal(t, "Bearer abc", req.Header.Get("Authorization"))

	s.Clear()
	assert.False(t, s.Valid())
}
