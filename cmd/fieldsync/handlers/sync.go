// Package handlers provides the REST handlers of the fieldsync status server.
package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/kimhsiao/fieldsync/internal/logging"
	"github.com/kimhsiao/fieldsync/internal/models"
	fsync "github.com/kimhsiao/fieldsync/internal/sync"
)

// DrainBroadcaster receives drain lifecycle events for push clients.
type DrainBroadcaster interface {
	BroadcastDrainStarted(trigger string)
	BroadcastDrainCompleted(ops, uploads fsync.DrainReport)
}

// SyncHandler serves status, queue inspection and manual drain endpoints.
type SyncHandler struct {
	engine fsync.EngineInterface
	hub    DrainBroadcaster
	log    *logging.Logger
}

// NewSyncHandler creates a SyncHandler.
func NewSyncHandler(engine fsync.EngineInterface, logger *logging.Logger) *SyncHandler {
	if logger == nil {
		logger = logging.Nop()
	}
	return &SyncHandler{
		engine: engine,
		log:    logger.With(map[string]interface{}{"component": "http"}),
	}
}

// SetBroadcaster sets the hub notified around manual drains.
func (h *SyncHandler) SetBroadcaster(hub DrainBroadcaster) {
	h.hub = hub
}

// QueueResponse is the body of GET /queue.
type QueueResponse struct {
	Operations []models.SyncOperation `json:"operations"`
	Uploads    []QueuedUpload         `json:"uploads"`
}

// QueuedUpload is an upload listed without its payload.
type QueuedUpload struct {
	ID            string          `json:"id"`
	Filename      string          `json:"filename"`
	MimeType      string          `json:"mime_type,omitempty"`
	Category      models.Category `json:"category"`
	Attempts      int             `json:"attempts"`
	NextAttemptAt int64           `json:"next_attempt_at,omitempty"`
	CreatedAt     int64           `json:"created_at"`
	LastError     string          `json:"last_error,omitempty"`
	Terminal      bool            `json:"terminal"`
	EncodedBytes  int             `json:"encoded_bytes"`
}

// Summarize drops the payload of each upload.
func Summarize(items []models.UploadItem) []QueuedUpload {
	out := make([]QueuedUpload, 0, len(items))
	for _, it := range items {
		out = append(out, QueuedUpload{
			ID:            it.ID,
			Filename:      it.Filename,
			MimeType:      it.MimeType,
			Category:      it.Category,
			Attempts:      it.Attempts,
			NextAttemptAt: it.NextAttemptAt,
			CreatedAt:     it.CreatedAt,
			LastError:     it.LastError,
			Terminal:      it.IsTerminal(),
			EncodedBytes:  len(it.Data),
		})
	}
	return out
}

// GetStatus handles GET /status.
func (h *SyncHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.Status())
}

// GetQueue handles GET /queue.
func (h *SyncHandler) GetQueue(w http.ResponseWriter, r *http.Request) {
	ops := h.engine.Operations()
	if ops == nil {
		ops = []models.SyncOperation{}
	}
	writeJSON(w, http.StatusOK, QueueResponse{
		Operations: ops,
		Uploads:    Summarize(h.engine.Uploads()),
	})
}

// TriggerDrain handles POST /drain. It drains both queues and returns both reports.
func (h *SyncHandler) TriggerDrain(w http.ResponseWriter, r *http.Request) {
	if !h.engine.Connected() {
		writeError(w, http.StatusServiceUnavailable, "remote store is unreachable")
		return
	}
	if h.hub != nil {
		h.hub.BroadcastDrainStarted("manual")
	}

	ctx := r.Context()
	ops := h.engine.DrainOperations(ctx)
	uploads := h.engine.DrainUploads(ctx)

	if h.hub != nil {
		h.hub.BroadcastDrainCompleted(ops, uploads)
	}
	h.log.Info("Manual drain finished", map[string]interface{}{
		"applied":          ops.Applied,
		"uploads_applied":  uploads.Applied,
		"failed":           ops.Failed,
		"uploads_failed":   uploads.Failed,
		"operations_error": ops.Err != nil,
	})
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"operations": ops,
		"uploads":    uploads,
	})
}

// RetryAll handles POST /retry. Attempt counters and terminal flags are reset.
func (h *SyncHandler) RetryAll(w http.ResponseWriter, r *http.Request) {
	nOps, nUploads, err := h.engine.RetryAll(r.Context())
	if err != nil {
		h.log.Error("Retry-all failed", err)
		writeError(w, http.StatusInternalServerError, "failed to reset queues")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"operations_reset": nOps,
		"uploads_reset":    nUploads,
		"status":           h.engine.Status(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]interface{}{"error": msg})
}
