package models

import "time"

// SyncStatus aggregates engine state for observers.
type SyncStatus struct {
	Connected           bool       `json:"connected"`
	Draining            bool       `json:"draining"`
	PendingOperations   int        `json:"pending_operations"`
	PendingUploads      int        `json:"pending_uploads"`
	ConflictsResolved   int        `json:"conflicts_resolved"`
	LastSuccessfulDrain *time.Time `json:"last_successful_drain,omitempty"`
}

// Clone returns a copy that shares no pointers with s.
func (s SyncStatus) Clone() SyncStatus {
	if s.LastSuccessfulDrain != nil {
		t := *s.LastSuccessfulDrain
		s.LastSuccessfulDrain = &t
	}
	return s
}

// ConflictEvent reports a resolved concurrent edit to observers. It is never persisted.
type ConflictEvent struct {
	OperationID string   `json:"operation_id"`
	Path        string   `json:"path"`
	Category    Category `json:"category"`
	LocalStamp  int64    `json:"local_stamp"`
	RemoteStamp int64    `json:"remote_stamp"`
	RemoteBy    string   `json:"remote_by,omitempty"`
	Decision    string   `json:"decision"`
	DetectedAt  int64    `json:"detected_at"`
}

// DetectedAtTime returns DetectedAt as time.Time.
func (c *ConflictEvent) DetectedAtTime() time.Time {
	return time.UnixMilli(c.DetectedAt)
}
