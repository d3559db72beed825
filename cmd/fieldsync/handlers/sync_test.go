package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/fieldsync/internal/localstore"
	"github.com/kimhsiao/fieldsync/internal/models"
	fsync "github.com/kimhsiao/fieldsync/internal/sync"
	"github.com/kimhsiao/fieldsync/internal/sync/assets"
	"github.com/kimhsiao/fieldsync/internal/sync/remote"
)

// stubEngine is a canned EngineInterface.
type stubEngine struct {
	connected bool
	status    models.SyncStatus
	ops       fsync.DrainReport
	uploads   fsync.DrainReport
	retryErr  error
	drains    int
	retries   int
}

func (s *stubEngine) SetConnected(_ context.Context, up bool) { s.connected = up }
func (s *stubEngine) Connected() bool                         { return s.connected }
func (s *stubEngine) Status() models.SyncStatus               { return s.status }
func (s *stubEngine) Operations() []models.SyncOperation      { return nil }
func (s *stubEngine) Uploads() []models.UploadItem            { return nil }

func (s *stubEngine) SubscribeStatus(int) (<-chan models.SyncStatus, func()) {
	ch := make(chan models.SyncStatus)
	return ch, func() { close(ch) }
}

func (s *stubEngine) DrainOperations(context.Context) fsync.DrainReport {
	s.drains++
	return s.ops
}

func (s *stubEngine) DrainUploads(context.Context) fsync.DrainReport {
	return s.uploads
}

func (s *stubEngine) RetryAll(context.Context) (int, int, error) {
	s.retries++
	if s.retryErr != nil {
		return 0, 0, s.retryErr
	}
	return 2, 1, nil
}

type recordingHub struct {
	started   []string
	completed int
}

func (h *recordingHub) BroadcastDrainStarted(trigger string) { h.started = append(h.started, trigger) }
func (h *recordingHub) BroadcastDrainCompleted(_, _ fsync.DrainReport) {
	h.completed++
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func newOfflineEngine(t *testing.T) *fsync.Engine {
	t.Helper()
	e, err := fsync.New(fsync.Options{
		LocalStore: localstore.NewMemoryStore(0),
		Remote:     remote.NewMemoryStore(),
		Assets:     assets.NewMemoryBackend(),
		Offline:    true,
	})
	require.NoError(t, err)
	t.Cleanup(e.Close)
	_, err = e.Init(context.Background())
	require.NoError(t, err)
	return e
}

// TestGetStatus verifies the status body reflects the engine.
func TestGetStatus(t *testing.T) {
	e := newOfflineEngine(t)
	_, err := e.Mutate(context.Background(), fsync.MutationRequest{
		Category: models.CategoryForms,
		Kind:     models.KindCreate,
		Path:     "forms/form-1",
		Payload:  models.FormPayload(models.FormRecord{Status: "draft"}),
	})
	require.NoError(t, err)

	h := NewSyncHandler(e, nil)
	rec := httptest.NewRecorder()
	h.GetStatus(rec, httptest.NewRequest(http.MethodGet, "/status", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	body := decode(t, rec)
	assert.EqualValues(t, 1, body["pending_operations"])
	assert.Equal(t, false, body["connected"])
}

// TestGetQueue verifies queued items are listed without upload payloads.
func TestGetQueue(t *testing.T) {
	ctx := context.Background()
	e := newOfflineEngine(t)
	_, err := e.Mutate(ctx, fsync.MutationRequest{
		Category: models.CategoryForms,
		Kind:     models.KindCreate,
		Path:     "forms/form-1",
		Payload:  models.FormPayload(models.FormRecord{Status: "draft"}),
	})
	require.NoError(t, err)
	_, err = e.QueueUpload(ctx, []byte("photo"), "site.jpg", "image/jpeg", models.CategoryForms, nil)
	require.NoError(t, err)

	h := NewSyncHandler(e, nil)
	rec := httptest.NewRecorder()
	h.GetQueue(rec, httptest.NewRequest(http.MethodGet, "/queue", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp QueueResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Operations, 1)
	assert.Equal(t, "forms/form-1", resp.Operations[0].Path)
	require.Len(t, resp.Uploads, 1)
	assert.Equal(t, "site.jpg", resp.Uploads[0].Filename)
	assert.Positive(t, resp.Uploads[0].EncodedBytes)
	assert.NotContains(t, rec.Body.String(), `"data"`)
}

// TestGetQueue_empty verifies empty queues render as empty arrays.
func TestGetQueue_empty(t *testing.T) {
	h := NewSyncHandler(&stubEngine{}, nil)
	rec := httptest.NewRecorder()
	h.GetQueue(rec, httptest.NewRequest(http.MethodGet, "/queue", nil))

	assert.JSONEq(t, `{"operations":[],"uploads":[]}`, rec.Body.String())
}

// TestTriggerDrain verifies both queues drain and the hub is notified.
func TestTriggerDrain(t *testing.T) {
	engine := &stubEngine{
		connected: true,
		ops:       fsync.DrainReport{Queue: "operations", Applied: 3},
		uploads:   fsync.DrainReport{Queue: "uploads", Failed: 1, Err: errors.New("quota")},
	}
	hub := &recordingHub{}
	h := NewSyncHandler(engine, nil)
	h.SetBroadcaster(hub)

	rec := httptest.NewRecorder()
	h.TriggerDrain(rec, httptest.NewRequest(http.MethodPost, "/drain", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body := decode(t, rec)
	ops := body["operations"].(map[string]interface{})
	assert.EqualValues(t, 3, ops["applied"])
	uploads := body["uploads"].(map[string]interface{})
	assert.Equal(t, "quota", uploads["error"])

	assert.Equal(t, 1, engine.drains)
	assert.Equal(t, []string{"manual"}, hub.started)
	assert.Equal(t, 1, hub.completed)
}

// TestTriggerDrain_offline verifies a disconnected engine is not drained.
func TestTriggerDrain_offline(t *testing.T) {
	engine := &stubEngine{}
	h := NewSyncHandler(engine, nil)

	rec := httptest.NewRecorder()
	h.TriggerDrain(rec, httptest.NewRequest(http.MethodPost, "/drain", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, 0, engine.drains)
}

// TestRetryAll verifies the reset counts are reported.
func TestRetryAll(t *testing.T) {
	engine := &stubEngine{}
	h := NewSyncHandler(engine, nil)

	rec := httptest.NewRecorder()
	h.RetryAll(rec, httptest.NewRequest(http.MethodPost, "/retry", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.EqualValues(t, 2, body["operations_reset"])
	assert.EqualValues(t, 1, body["uploads_reset"])

	engine.retryErr = errors.New("disk full")
	rec = httptest.NewRecorder()
	h.RetryAll(rec, httptest.NewRequest(http.MethodPost, "/retry", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
