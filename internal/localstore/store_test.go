package localstore

import (
	"errors"
	"strings"
	"testing"

	apperrors "github.com/kimhsiao/fieldsync/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type storeFactory func(t *testing.T, quota int64) Store

func factories() map[string]storeFactory {
	return map[string]storeFactory{
		"memory": func(t *testing.T, quota int64) Store {
			return NewMemoryStore(quota)
		},
		"sqlite": func(t *testing.T, quota int64) Store {
			s, err := Open(t.TempDir(), quota)
			require.NoError(t, err)
			t.Cleanup(func() { s.Close() })
			return s
		},
	}
}

// TestStore_contract exercises the get/set/remove contract on every implementation.
func TestStore_contract(t *testing.T) {
	for name, newStore := range factories() {
		t.Run(name, func(t *testing.T) {
			s := newStore(t, 0)

			_, ok, err := s.GetItem("missing")
			require.NoError(t, err)
			assert.False(t, ok)

			require.NoError(t, s.SetItem("k", "v1"))
			require.NoError(t, s.SetItem("k", "v2"))
			v, ok, err := s.GetItem("k")
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, "v2", v)

			require.NoError(t, s.RemoveItem("k"))
			require.NoError(t, s.RemoveItem("k"))
			_, ok, err = s.GetItem("k")
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

// TestStore_quota verifies writes over quota fail and leave the old value in place.
func TestStore_quota(t *testing.T) {
	for name, newStore := range factories() {
		t.Run(name, func(t *testing.T) {
			s := newStore(t, 20)

			require.NoError(t, s.SetItem("a", strings.Repeat("x", 9)))
			err := s.SetItem("b", strings.Repeat("y", 15))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrQuotaExceeded))
			assert.True(t, apperrors.Is(err, apperrors.ErrSyncQuotaExceeded))
			assert.Equal(t, apperrors.ClassCapacity, apperrors.Classify(err))

			// Replacing an entry only counts its new size.
			require.NoError(t, s.SetItem("a", strings.Repeat("z", 19)))
			v, _, err := s.GetItem("a")
			require.NoError(t, err)
			assert.Len(t, v, 19)

			_, ok, err := s.GetItem("b")
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

// TestMemoryStore_failureInjection verifies injected write failures.
func TestMemoryStore_failureInjection(t *testing.T) {
	s := NewMemoryStore(0)
	boom := errors.New("disk gone")

	s.Fail("k", boom)
	assert.ErrorIs(t, s.SetItem("k", "v"), boom)
	assert.NoError(t, s.SetItem("other", "v"))
	s.Fail("k", nil)
	assert.NoError(t, s.SetItem("k", "v"))

	s.FailWrites(boom)
	assert.ErrorIs(t, s.RemoveItem("k"), boom)
	s.FailWrites(nil)

	assert.Equal(t, []string{"k", "other"}, s.Keys())
	assert.Equal(t, int64(len("kv")+len("otherv")), s.Used())
	assert.Equal(t, 2, s.Writes())
}

// TestSQLiteStore_reopen verifies data survives closing the database.
func TestSQLiteStore_reopen(t *testing.T) {
	dir := t.TempDir()

	s, err := Open(dir, 0)
	require.NoError(t, err)
	require.NoError(t, s.SetItem("queue", `[{"id":"op_1"}]`))
	require.NoError(t, s.Close())

	s, err = Open(dir, 0)
	require.NoError(t, err)
	defer s.Close()

	v, ok, err := s.GetItem("queue")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, `[{"id":"op_1"}]`, v)

	used, err := s.Used()
	require.NoError(t, err)
	assert.Equal(t, int64(len("queue")+len(v)), used)
}

// TestMigrator verifies migration bookkeeping and rollback.
func TestMigrator(t *testing.T) {
	s, err := Open(t.TempDir(), 0)
	require.NoError(t, err)
	defer s.Close()

	m := NewMigrator(s.db)
	version, err := m.CurrentVersion()
	require.NoError(t, err)
	assert.Equal(t, 1, version)

	applied, err := m.Applied()
	require.NoError(t, err)
	require.Len(t, applied, 1)
	assert.Equal(t, "kv_items", applied[0].Description)
	assert.Len(t, applied[0].Checksum, 64)

	// Re-running is a no-op.
	require.NoError(t, m.Up())

	require.NoError(t, m.Down())
	version, err = m.CurrentVersion()
	require.NoError(t, err)
	assert.Equal(t, 0, version)
	assert.Error(t, m.Down())

	require.NoError(t, m.Up())
	require.NoError(t, s.SetItem("k", "v"))
}
