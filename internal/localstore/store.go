// Package localstore provides the durable string key/value store the queues persist into.
package localstore

import (
	"fmt"

	apperrors "github.com/kimhsiao/fieldsync/internal/errors"
)

// Store is a string-keyed durable store.
// SetItem may fail with ErrQuotaExceeded; callers propagate it rather than retrying.
type Store interface {
	// GetItem returns the stored value and whether the key exists.
	GetItem(key string) (string, bool, error)

	// SetItem stores value under key, replacing any previous value.
	SetItem(key, value string) error

	// RemoveItem deletes key. Removing a missing key is not an error.
	RemoveItem(key string) error
}

// ErrQuotaExceeded is returned when a write would exceed the store's capacity.
var ErrQuotaExceeded = apperrors.New(apperrors.ErrSyncQuotaExceeded, "local store quota exceeded")

func quotaError(key string, need, quota int64) error {
	return apperrors.Wrap(apperrors.ErrSyncQuotaExceeded,
		fmt.Sprintf("write of %q needs %d bytes, quota is %d", key, need, quota), ErrQuotaExceeded)
}

// itemSize is the accounted size of one entry.
func itemSize(key, value string) int64 {
	return int64(len(key) + len(value))
}
