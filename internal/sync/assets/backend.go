// Package assets delivers queued binary payloads to a folder-organized asset backend.
package assets

import (
	"context"
	"crypto/sha256"
	"encoding/hex"

	"github.com/kimhsiao/fieldsync/internal/models"
)

// FolderMimeType marks folder entries on the HTTP asset backend.
const FolderMimeType = "application/vnd.fieldsync.folder"

// UploadRequest is one file delivered into a resolved folder.
type UploadRequest struct {
	FolderID string
	Filename string
	MimeType string
	Metadata map[string]string
	Data     []byte
}

// Backend is the remote binary asset service.
type Backend interface {
	// FindFolder looks up a folder by name under parentID. An empty parentID means the backend root.
	FindFolder(ctx context.Context, name, parentID string) (id string, found bool, err error)

	// CreateFolder creates a folder named name under parentID and returns its id.
	CreateFolder(ctx context.Context, name, parentID string) (string, error)

	// Upload stores one file and returns the backend's file id.
	Upload(ctx context.Context, req UploadRequest) (string, error)

	// Disconnect tears down the backend session.
	Disconnect()
}

// FolderLayout maps each category to its nested destination folder path.
type FolderLayout map[models.Category][]string

// DefaultLayout returns the standard folder placement per category.
func DefaultLayout() FolderLayout {
	return FolderLayout{
		models.CategoryForms:           {"FieldSync", "Forms", "Attachments"},
		models.CategoryReferenceLists:  {"FieldSync", "Reference"},
		models.CategoryTrainingRecords: {"FieldSync", "Training", "Certificates"},
	}
}

// Checksum returns the hex SHA-256 of data, sent as the "sha256" upload property.
func Checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
