package sync

import (
	"context"

	"github.com/kimhsiao/fieldsync/internal/models"
)

// EngineInterface is the surface the CLI and status server drive.
// It allows for mocking in tests and alternative implementations.
type EngineInterface interface {
	Connectivity

	// Status returns the current sync status.
	Status() models.SyncStatus

	// SubscribeStatus returns a feed of status transitions and its unsubscribe function.
	SubscribeStatus(buffer int) (<-chan models.SyncStatus, func())

	// Operations and Uploads list the queued items.
	Operations() []models.SyncOperation
	Uploads() []models.UploadItem

	// DrainOperations and DrainUploads run one drain of each queue.
	DrainOperations(ctx context.Context) DrainReport
	DrainUploads(ctx context.Context) DrainReport

	// RetryAll resets terminal items and drains when connected.
	RetryAll(ctx context.Context) (int, int, error)
}

var _ EngineInterface = (*Engine)(nil)
