package sync

import (
	"strings"

	apperrors "github.com/kimhsiao/fieldsync/internal/errors"
	"github.com/kimhsiao/fieldsync/internal/localstore"
	"github.com/kimhsiao/fieldsync/internal/uuid"
)

// DeviceIDKey is the local store key holding the persisted device identifier.
const DeviceIDKey = "fieldsync.device_id"

// loadDeviceID returns configured when set, else the persisted identifier,
// generating and persisting one on first run.
func loadDeviceID(store localstore.Store, configured string) (string, error) {
	if id := strings.TrimSpace(configured); id != "" {
		return id, nil
	}

	id, ok, err := store.GetItem(DeviceIDKey)
	if err != nil {
		return "", apperrors.Wrap(apperrors.ErrDatabase, "read device id", err)
	}
	if ok && id != "" {
		return id, nil
	}

	id = uuid.NewDeviceID()
	if err := store.SetItem(DeviceIDKey, id); err != nil {
		return "", err
	}
	return id, nil
}
