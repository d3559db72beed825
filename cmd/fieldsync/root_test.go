package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/fieldsync/cmd/fieldsync/handlers"
	apperrors "github.com/kimhsiao/fieldsync/internal/errors"
	"github.com/kimhsiao/fieldsync/internal/models"
)

// writeTestConfig writes a config whose remote is never reachable.
func writeTestConfig(t *testing.T, extra string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "fieldsync.yaml")
	body := "data_dir: " + filepath.Join(dir, "data") + "\n" +
		"device_id: test-device\n" +
		"log:\n  level: error\n" +
		"remote:\n  base_url: http://127.0.0.1:1\n" + extra
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "fieldsync", cmd.Use)
	assert.Contains(t, cmd.Long, "connectivity")
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	commands := []string{"status", "queue", "enqueue", "upload", "drain", "retry-all", "clear", "serve"}

	for _, cmdName := range commands {
		t.Run(cmdName, func(t *testing.T) {
			subCmd, _, err := cmd.Find([]string{cmdName})
			require.NoError(t, err, "Command %s should exist", cmdName)
			require.NotNil(t, subCmd)
			assert.Equal(t, cmdName, subCmd.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()

	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag)
	assert.Equal(t, "c", configFlag.Shorthand)

	offlineFlag := cmd.PersistentFlags().Lookup("offline")
	require.NotNil(t, offlineFlag)
	assert.Equal(t, "false", offlineFlag.DefValue)

	require.NotNil(t, cmd.PersistentFlags().Lookup("log-level"))
}

func TestEnqueueCommandFlags(t *testing.T) {
	cmd := NewRootCommand()
	enqueueCmd, _, err := cmd.Find([]string{"enqueue"})
	require.NoError(t, err)

	kindFlag := enqueueCmd.Flags().Lookup("kind")
	require.NotNil(t, kindFlag)
	assert.Equal(t, "merge_update", kindFlag.DefValue)

	dataFlag := enqueueCmd.Flags().Lookup("data")
	require.NotNil(t, dataFlag)
	assert.Equal(t, "{}", dataFlag.DefValue)
}

// TestInvalidLogLevel verifies the global level flag is checked before any command runs.
func TestInvalidLogLevel(t *testing.T) {
	_, err := execute(t, "--log-level", "loud", "status")
	assert.Error(t, err)
}

// TestOpenRuntime_requiresRemote verifies a missing remote is reported as unconfigured.
func TestOpenRuntime_requiresRemote(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fieldsync.yaml")
	require.NoError(t, os.WriteFile(path, []byte("data_dir: "+t.TempDir()+"\n"), 0o600))

	_, err := openRuntime(context.Background(), &RootOptions{ConfigPath: path}, false)
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrSyncNotConfigured))
}

// TestCommands_offlineQueue verifies an offline mutation persists across invocations.
func TestCommands_offlineQueue(t *testing.T) {
	cfg := writeTestConfig(t, "")

	out, err := execute(t, "--config", cfg, "--offline", "enqueue",
		"--kind", "create", "--path", "forms/form-42", "--data", `{"status":"draft","site":"north"}`)
	require.NoError(t, err)
	var result map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(out), &result))
	assert.Equal(t, "queued", result["state"])

	out, err = execute(t, "--config", cfg, "queue", "list")
	require.NoError(t, err)
	var queue handlers.QueueResponse
	require.NoError(t, json.Unmarshal([]byte(out), &queue))
	require.Len(t, queue.Operations, 1)
	op := queue.Operations[0]
	assert.Equal(t, "forms/form-42", op.Path)
	assert.Equal(t, "test-device", op.DeviceID)
	assert.Equal(t, "north", op.Payload.Form.Extra["site"])

	out, err = execute(t, "--config", cfg, "status")
	require.NoError(t, err)
	assert.Contains(t, out, `"pending_operations": 1`)

	_, err = execute(t, "--config", cfg, "clear")
	require.NoError(t, err)
	out, err = execute(t, "--config", cfg, "queue", "list")
	require.NoError(t, err)
	assert.Contains(t, out, `"operations": []`)
}

// TestCommands_enqueueInvalid verifies malformed input is rejected before anything is queued.
func TestCommands_enqueueInvalid(t *testing.T) {
	cfg := writeTestConfig(t, "")

	_, err := execute(t, "--config", cfg, "--offline", "enqueue", "--path", "forms/a", "--data", "{")
	assert.Error(t, err)

	_, err = execute(t, "--config", cfg, "--offline", "enqueue", "--path", "forms/a", "--category", "invoices")
	assert.Error(t, err)

	_, err = execute(t, "--config", cfg, "drain", "--offline")
	assert.Error(t, err)
}

// TestCommands_uploadOffline verifies a file is queued with its metadata.
func TestCommands_uploadOffline(t *testing.T) {
	cfg := writeTestConfig(t, "assets:\n  backend: http\n  base_url: http://127.0.0.1:1\n")
	file := filepath.Join(t.TempDir(), "site.png")
	require.NoError(t, os.WriteFile(file, []byte("\x89PNG\r\n\x1a\nfake"), 0o600))

	out, err := execute(t, "--config", cfg, "--offline", "upload", file, "--label", "formId=form-42", "--label", "inspector=kim")
	require.NoError(t, err)
	assert.Contains(t, out, "upload_id")

	rt, err := openRuntime(context.Background(), &RootOptions{ConfigPath: cfg}, false)
	require.NoError(t, err)
	defer rt.Close()

	uploads := rt.engine.Uploads()
	require.Len(t, uploads, 1)
	assert.Equal(t, "site.png", uploads[0].Filename)
	assert.Equal(t, "image/png", uploads[0].MimeType)
	require.NotNil(t, uploads[0].Metadata)
	assert.Equal(t, "form-42", uploads[0].Metadata.FormAttachment.FormID)
	assert.Equal(t, "kim", uploads[0].Metadata.Labels["inspector"])
}

// TestUploadMetadata verifies labels land on the category's variant.
func TestUploadMetadata(t *testing.T) {
	assert.Nil(t, uploadMetadata(models.CategoryForms, nil))

	meta := uploadMetadata(models.CategoryReferenceLists, map[string]string{"listName": "sites", "version": "3"})
	require.NotNil(t, meta.ReferenceDocument)
	assert.Equal(t, "sites", meta.ReferenceDocument.ListName)
	assert.Equal(t, 3, meta.ReferenceDocument.Version)
	assert.Empty(t, meta.Labels)

	meta = uploadMetadata(models.CategoryTrainingRecords, map[string]string{"person": "ana", "course": "first-aid"})
	require.NotNil(t, meta.TrainingCertificate)
	assert.Equal(t, "first-aid", meta.TrainingCertificate.Course)
	assert.Equal(t, models.CategoryTrainingRecords, meta.Category)
}

// TestRouter verifies the status server endpoints over an offline engine.
func TestRouter(t *testing.T) {
	cfg := writeTestConfig(t, "")
	rt, err := openRuntime(context.Background(), &RootOptions{ConfigPath: cfg, Offline: true}, false)
	require.NoError(t, err)
	defer rt.Close()

	hub := NewWSHub(rt.log)
	defer hub.Close()
	srv := httptest.NewServer(newRouter(rt.engine, hub, rt.log))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/status")
	require.NoError(t, err)
	var status models.SyncStatus
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	resp.Body.Close()
	assert.False(t, status.Connected)

	resp, err = http.Post(srv.URL+"/drain", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/drain")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	var body bytes.Buffer
	_, err = body.ReadFrom(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Contains(t, body.String(), "fieldsync_")

	resp, err = http.Get(srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

// TestDetectMimeType verifies the extension wins and content is sniffed otherwise.
func TestDetectMimeType(t *testing.T) {
	png := []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\x0dIHDR")
	assert.Equal(t, "application/pdf", detectMimeType("cert.pdf", png))
	assert.Equal(t, "image/png", detectMimeType("capture.bin0", png))
	assert.Equal(t, "text/plain; charset=utf-8", detectMimeType("notes", []byte("plain text")))
}
