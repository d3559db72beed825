package models

import "time"

// FormAttachment is a photo or file attached to a form field.
type FormAttachment struct {
	FormID string `json:"formId"`
	Field  string `json:"field,omitempty"`
}

// ReferenceDocument is a document backing a reference list.
type ReferenceDocument struct {
	ListName string `json:"listName"`
	Version  int    `json:"version,omitempty"`
}

// TrainingCertificate is evidence of a completed course.
type TrainingCertificate struct {
	Person   string `json:"person"`
	Course   string `json:"course"`
	IssuedOn string `json:"issuedOn,omitempty"`
}

// AssetMetadata describes an upload, tagged by category, plus free-form labels.
type AssetMetadata struct {
	Category            Category             `json:"category"`
	FormAttachment      *FormAttachment      `json:"form_attachment,omitempty"`
	ReferenceDocument   *ReferenceDocument   `json:"reference_document,omitempty"`
	TrainingCertificate *TrainingCertificate `json:"training_certificate,omitempty"`
	Labels              map[string]string    `json:"labels,omitempty"`
}

// Properties flattens the metadata into string properties sent with the upload.
func (m *AssetMetadata) Properties() map[string]string {
	props := map[string]string{}
	if m == nil {
		return props
	}
	for k, v := range m.Labels {
		props[k] = v
	}
	props["category"] = string(m.Category)

	switch {
	case m.FormAttachment != nil:
		props["formId"] = m.FormAttachment.FormID
		if m.FormAttachment.Field != "" {
			props["field"] = m.FormAttachment.Field
		}
	case m.ReferenceDocument != nil:
		props["listName"] = m.ReferenceDocument.ListName
	case m.TrainingCertificate != nil:
		props["person"] = m.TrainingCertificate.Person
		props["course"] = m.TrainingCertificate.Course
		if m.TrainingCertificate.IssuedOn != "" {
			props["issuedOn"] = m.TrainingCertificate.IssuedOn
		}
	}
	return props
}

// UploadItem is one queued binary asset. Data holds the base64 encoded payload.
type UploadItem struct {
	ID            string         `json:"id"`
	Data          string         `json:"data"`
	Filename      string         `json:"filename"`
	MimeType      string         `json:"mime_type,omitempty"`
	Category      Category       `json:"category"`
	Metadata      *AssetMetadata `json:"metadata,omitempty"`
	Attempts      int            `json:"attempts"`
	NextAttemptAt int64          `json:"next_attempt_at,omitempty"`
	CreatedAt     int64          `json:"created_at"`
	LastError     string         `json:"last_error,omitempty"`
	Terminal      *Failure       `json:"terminal,omitempty"`
}

// IsTerminal reports whether the item is excluded from automatic drains.
func (u *UploadItem) IsTerminal() bool {
	return u.Terminal != nil
}

// Due reports whether the item may be attempted at now.
func (u *UploadItem) Due(now time.Time) bool {
	return u.NextAttemptAt <= now.UnixMilli()
}

// Clone returns a copy safe to hand outside the queue.
func (u *UploadItem) Clone() UploadItem {
	c := *u
	if u.Terminal != nil {
		t := *u.Terminal
		c.Terminal = &t
	}
	return c
}
