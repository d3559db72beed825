package queue

import (
	"encoding/base64"
	"strings"
	"time"

	apperrors "github.com/kimhsiao/fieldsync/internal/errors"
	"github.com/kimhsiao/fieldsync/internal/localstore"
	"github.com/kimhsiao/fieldsync/internal/logging"
	"github.com/kimhsiao/fieldsync/internal/models"
	"github.com/kimhsiao/fieldsync/internal/uuid"
)

// UploadQueue is the durable FIFO of pending binary assets.
// Payloads are held base64 encoded so they round-trip through the string store.
type UploadQueue struct {
	list list[models.UploadItem]
	now  func() time.Time
}

// NewUploadQueue creates a queue persisted under UploadsKey in store.
func NewUploadQueue(store localstore.Store, logger *logging.Logger) *UploadQueue {
	if logger == nil {
		logger = logging.Nop()
	}
	return &UploadQueue{
		list: list[models.UploadItem]{
			store: store,
			key:   UploadsKey,
			idOf:  func(u *models.UploadItem) string { return u.ID },
			log:   logger.With(map[string]interface{}{"component": "upload_queue"}),
		},
		now: time.Now,
	}
}

// SetClock overrides the time source used for stamps.
func (q *UploadQueue) SetClock(now func() time.Time) {
	q.now = now
}

// Load restores the persisted queue and returns the number of uploads found.
func (q *UploadQueue) Load() (int, error) {
	n, err := q.list.load()
	if err == nil && n > 0 {
		q.list.log.Info("Loaded pending uploads", map[string]interface{}{"count": n})
	}
	return n, err
}

// Enqueue encodes data and appends a new upload, returning its id.
func (q *UploadQueue) Enqueue(data []byte, filename, mimeType string, category models.Category, meta *models.AssetMetadata) (string, error) {
	if strings.TrimSpace(filename) == "" {
		return "", apperrors.New(apperrors.ErrInvalid, "upload filename is required")
	}
	if !category.Valid() {
		return "", apperrors.New(apperrors.ErrInvalid, "unknown upload category "+string(category))
	}
	if meta != nil && meta.Category == "" {
		m := *meta
		m.Category = category
		meta = &m
	}

	item := models.UploadItem{
		ID:        uuid.NewUploadID(),
		Data:      base64.StdEncoding.EncodeToString(data),
		Filename:  filename,
		MimeType:  mimeType,
		Category:  category,
		Metadata:  meta,
		CreatedAt: q.now().UnixMilli(),
	}

	q.list.mu.Lock()
	defer q.list.mu.Unlock()

	err := q.list.mutate(func(items []models.UploadItem) ([]models.UploadItem, error) {
		return append(items, item), nil
	})
	if err != nil {
		return "", err
	}

	q.list.log.Info("Queued upload", map[string]interface{}{
		"id":       item.ID,
		"filename": filename,
		"category": category,
		"bytes":    len(data),
	})
	return item.ID, nil
}

// Decode returns the binary payload of item.
func Decode(item models.UploadItem) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(item.Data)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "upload payload is not valid base64", err)
	}
	return data, nil
}

// DequeueSuccess removes an uploaded asset.
func (q *UploadQueue) DequeueSuccess(id string) error {
	if err := q.list.remove(id); err != nil {
		return err
	}
	q.list.log.Debug("Dequeued uploaded asset", map[string]interface{}{"id": id})
	return nil
}

// MarkFailedAttempt advances the attempt counter of id; see OperationQueue.MarkFailedAttempt.
func (q *UploadQueue) MarkFailedAttempt(id string, cause error, budget RetryBudget, nextAttemptAt time.Time) (Attempt, error) {
	var result Attempt
	now := q.now().UnixMilli()

	err := q.list.update(id, func(u *models.UploadItem) {
		u.Attempts++
		u.LastError = errString(cause)
		if budget.Exhausted(u.Attempts) {
			u.Terminal = &models.Failure{Error: u.LastError, FailedAt: now}
			u.NextAttemptAt = 0
		} else {
			u.NextAttemptAt = nextAttemptAt.UnixMilli()
		}
		result = Attempt{Attempts: u.Attempts, Terminal: u.Terminal != nil}
	})
	if err != nil {
		return Attempt{}, err
	}

	if result.Terminal {
		q.list.log.Warn("Upload failed permanently", map[string]interface{}{
			"id": id, "attempts": result.Attempts, "error": errString(cause),
		})
	}
	return result, nil
}

// MarkTerminal flags id as permanently failed without advancing attempts.
func (q *UploadQueue) MarkTerminal(id string, cause error) error {
	now := q.now().UnixMilli()
	return q.list.update(id, func(u *models.UploadItem) {
		u.LastError = errString(cause)
		u.Terminal = &models.Failure{Error: u.LastError, FailedAt: now}
	})
}

// RecordError stores the last error of id without counting an attempt.
func (q *UploadQueue) RecordError(id string, cause error) error {
	return q.list.update(id, func(u *models.UploadItem) {
		u.LastError = errString(cause)
	})
}

// ListPending returns the non-terminal uploads in FIFO order.
func (q *UploadQueue) ListPending() []models.UploadItem {
	q.list.mu.Lock()
	defer q.list.mu.Unlock()

	var pending []models.UploadItem
	for i := range q.list.items {
		if !q.list.items[i].IsTerminal() {
			pending = append(pending, q.list.items[i].Clone())
		}
	}
	return pending
}

// List returns every queued upload in FIFO order.
func (q *UploadQueue) List() []models.UploadItem {
	q.list.mu.Lock()
	defer q.list.mu.Unlock()

	all := make([]models.UploadItem, 0, len(q.list.items))
	for i := range q.list.items {
		all = append(all, q.list.items[i].Clone())
	}
	return all
}

// Len returns the number of queued uploads.
func (q *UploadQueue) Len() int {
	return q.list.size()
}

// RetryAll zeroes every attempt counter and clears terminal flags.
func (q *UploadQueue) RetryAll() (int, error) {
	q.list.mu.Lock()
	defer q.list.mu.Unlock()

	count := 0
	err := q.list.mutate(func(items []models.UploadItem) ([]models.UploadItem, error) {
		for i := range items {
			if items[i].Attempts > 0 || items[i].Terminal != nil {
				count++
			}
			items[i].Attempts = 0
			items[i].NextAttemptAt = 0
			items[i].LastError = ""
			items[i].Terminal = nil
		}
		return items, nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

// Clear removes every upload.
func (q *UploadQueue) Clear() error {
	if err := q.list.clear(); err != nil {
		return err
	}
	q.list.log.Info("Upload queue cleared")
	return nil
}
