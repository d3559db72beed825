package assets

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	apperrors "github.com/kimhsiao/fieldsync/internal/errors"
	"github.com/kimhsiao/fieldsync/internal/logging"
)

const maxErrorBody = 4096

// HTTPBackend talks to a Drive-style file API.
//
//	GET  {base}/files?name=&parent=&mimeType=      folder search
//	POST {base}/files                              folder create
//	POST {upload}/files?uploadType=multipart       multipart/related upload
//
// A 401 reply clears the session; later calls fail until SetToken.
type HTTPBackend struct {
	baseURL   string
	uploadURL string
	session   *Session
	client    *http.Client
	log       *logging.Logger
}

type fileEntry struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	MimeType string `json:"mimeType,omitempty"`
}

type fileList struct {
	Files []fileEntry `json:"files"`
}

type fileMetadata struct {
	Name       string            `json:"name"`
	MimeType   string            `json:"mimeType,omitempty"`
	Parents    []string          `json:"parents,omitempty"`
	Properties map[string]string `json:"properties,omitempty"`
}

// NewHTTPBackend creates an HTTPBackend. An empty uploadURL uses baseURL.
func NewHTTPBackend(baseURL, uploadURL string, session *Session, client *http.Client, logger *logging.Logger) *HTTPBackend {
	if uploadURL == "" {
		uploadURL = baseURL
	}
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &HTTPBackend{
		baseURL:   strings.TrimRight(baseURL, "/"),
		uploadURL: strings.TrimRight(uploadURL, "/"),
		session:   session,
		client:    client,
		log:       logger.With(map[string]interface{}{"component": "asset_http"}),
	}
}

// Session returns the backend's credential holder.
func (b *HTTPBackend) Session() *Session {
	return b.session
}

func (b *HTTPBackend) do(req *http.Request, out interface{}) error {
	if err := b.session.Authorize(req); err != nil {
		return err
	}

	resp, err := b.client.Do(req)
	if err != nil {
		if req.Context().Err() != nil {
			return req.Context().Err()
		}
		return apperrors.Transport(req.Method+" "+req.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		if resp.StatusCode == http.StatusUnauthorized {
			b.session.Clear()
			b.log.Warn("Asset session rejected, credential cleared")
		}
		return apperrors.FromStatus(resp.StatusCode, strings.TrimSpace(string(data)))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return apperrors.Transport("decode "+req.URL.Path, err)
	}
	return nil
}

// FindFolder implements Backend.
func (b *HTTPBackend) FindFolder(ctx context.Context, name, parentID string) (string, bool, error) {
	q := url.Values{}
	q.Set("name", name)
	q.Set("mimeType", FolderMimeType)
	if parentID != "" {
		q.Set("parent", parentID)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.baseURL+"/files?"+q.Encode(), nil)
	if err != nil {
		return "", false, apperrors.Wrap(apperrors.ErrInvalid, "build folder search", err)
	}
	req.Header.Set("Accept", "application/json")

	var list fileList
	if err := b.do(req, &list); err != nil {
		return "", false, err
	}
	for _, f := range list.Files {
		if f.Name == name && f.ID != "" {
			return f.ID, true, nil
		}
	}
	return "", false, nil
}

// CreateFolder implements Backend.
func (b *HTTPBackend) CreateFolder(ctx context.Context, name, parentID string) (string, error) {
	meta := fileMetadata{Name: name, MimeType: FolderMimeType}
	if parentID != "" {
		meta.Parents = []string{parentID}
	}
	body, err := json.Marshal(meta)
	if err != nil {
		return "", apperrors.Wrap(apperrors.ErrInvalid, "encode folder", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/files", bytes.NewReader(body))
	if err != nil {
		return "", apperrors.Wrap(apperrors.ErrInvalid, "build folder create", err)
	}
	req.Header.Set("Content-Type", "application/json")

	var created fileEntry
	if err := b.do(req, &created); err != nil {
		return "", err
	}
	if created.ID == "" {
		return "", apperrors.New(apperrors.ErrSyncFailed, fmt.Sprintf("folder %q created without an id", name))
	}
	return created.ID, nil
}

// Upload implements Backend. The request body is a metadata part followed by the raw bytes.
func (b *HTTPBackend) Upload(ctx context.Context, ur UploadRequest) (string, error) {
	mimeType := ur.MimeType
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	meta := fileMetadata{Name: ur.Filename, MimeType: mimeType, Properties: ur.Metadata}
	if ur.FolderID != "" {
		meta.Parents = []string{ur.FolderID}
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	metaPart, err := mw.CreatePart(textproto.MIMEHeader{"Content-Type": {"application/json; charset=UTF-8"}})
	if err != nil {
		return "", apperrors.Wrap(apperrors.ErrInternal, "create metadata part", err)
	}
	if err := json.NewEncoder(metaPart).Encode(meta); err != nil {
		return "", apperrors.Wrap(apperrors.ErrInvalid, "encode upload metadata", err)
	}

	dataPart, err := mw.CreatePart(textproto.MIMEHeader{"Content-Type": {mimeType}})
	if err != nil {
		return "", apperrors.Wrap(apperrors.ErrInternal, "create media part", err)
	}
	if _, err := dataPart.Write(ur.Data); err != nil {
		return "", apperrors.Wrap(apperrors.ErrInternal, "write media part", err)
	}
	if err := mw.Close(); err != nil {
		return "", apperrors.Wrap(apperrors.ErrInternal, "close multipart body", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.uploadURL+"/files?uploadType=multipart", &buf)
	if err != nil {
		return "", apperrors.Wrap(apperrors.ErrInvalid, "build upload", err)
	}
	req.Header.Set("Content-Type", "multipart/related; boundary="+mw.Boundary())

	var created fileEntry
	if err := b.do(req, &created); err != nil {
		return "", err
	}

	b.log.Debug("Asset uploaded", map[string]interface{}{
		"filename": ur.Filename,
		"folder":   ur.FolderID,
		"id":       created.ID,
		"bytes":    len(ur.Data),
	})
	return created.ID, nil
}

// Disconnect implements Backend.
func (b *HTTPBackend) Disconnect() {
	b.session.Clear()
}

var _ Backend = (*HTTPBackend)(nil)
