package main

import (
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strconv"

	"github.com/gabriel-vasile/mimetype"
	"github.com/spf13/cobra"

	"github.com/kimhsiao/fieldsync/cmd/fieldsync/handlers"
	"github.com/kimhsiao/fieldsync/internal/models"
	fsync "github.com/kimhsiao/fieldsync/internal/sync"
)

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print the sync status of the local queues",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime(cmd.Context(), rootOpts, false)
			if err != nil {
				return err
			}
			defer rt.Close()

			return printJSON(cmd.OutOrStdout(), map[string]interface{}{
				"device_id": rt.engine.DeviceID(),
				"status":    rt.engine.Status(),
			})
		},
	}
}

// NewQueueCommand creates the queue command.
func NewQueueCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect the pending queues",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List queued operations and uploads",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime(cmd.Context(), rootOpts, false)
			if err != nil {
				return err
			}
			defer rt.Close()

			ops := rt.engine.Operations()
			if ops == nil {
				ops = []models.SyncOperation{}
			}
			return printJSON(cmd.OutOrStdout(), handlers.QueueResponse{
				Operations: ops,
				Uploads:    handlers.Summarize(rt.engine.Uploads()),
			})
		},
	})
	return cmd
}

// EnqueueOptions holds flags for the enqueue command.
type EnqueueOptions struct {
	*RootOptions
	Category  string
	Kind      string
	Path      string
	Data      string
	BaseStamp int64
}

// NewEnqueueCommand creates the enqueue command.
func NewEnqueueCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &EnqueueOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Apply a record mutation, queueing it when the remote is unavailable",
		Long: `Apply a record mutation, queueing it when the remote is unavailable.

Example:
  fieldsync enqueue --category forms --kind merge_update --path forms/form-42 \
    --data '{"status":"submitted"}' --base-stamp 1700000000000`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEnqueue(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Category, "category", string(models.CategoryForms), "record category (forms|reference_lists|training_records)")
	cmd.Flags().StringVar(&opts.Kind, "kind", string(models.KindMergeUpdate), "mutation kind (create|replace|merge_update|delete)")
	cmd.Flags().StringVar(&opts.Path, "path", "", "record path")
	cmd.Flags().StringVar(&opts.Data, "data", "{}", "record fields as JSON")
	cmd.Flags().Int64Var(&opts.BaseStamp, "base-stamp", 0, "modification stamp the edit was based on")
	_ = cmd.MarkFlagRequired("path")

	return cmd
}

func runEnqueue(cmd *cobra.Command, opts *EnqueueOptions) error {
	req := fsync.MutationRequest{
		Category:  models.Category(opts.Category),
		Kind:      models.OperationKind(opts.Kind),
		Path:      opts.Path,
		BaseStamp: opts.BaseStamp,
	}
	if req.Kind.NeedsPayload() {
		var fields map[string]interface{}
		if err := json.Unmarshal([]byte(opts.Data), &fields); err != nil {
			return fmt.Errorf("invalid --data JSON: %w", err)
		}
		payload, err := models.PayloadFromFields(req.Category, fields)
		if err != nil {
			return err
		}
		req.Payload = payload
	}

	rt, err := openRuntime(cmd.Context(), opts.RootOptions, true)
	if err != nil {
		return err
	}
	defer rt.Close()

	result, err := rt.engine.Mutate(cmd.Context(), req)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), result)
}

// UploadOptions holds flags for the upload command.
type UploadOptions struct {
	*RootOptions
	Category string
	MimeType string
	Labels   map[string]string
}

// NewUploadCommand creates the upload command.
func NewUploadCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &UploadOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "upload <file>",
		Short: "Queue a binary asset and deliver it when connected",
		Long: `Queue a binary asset and deliver it when connected.

Labels become asset metadata. For forms use formId and field, for
reference lists listName, for training records person and course.

Example:
  fieldsync upload site.jpg --category forms --label formId=form-42 --label field=photo`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUpload(cmd, opts, args[0])
		},
	}

	cmd.Flags().StringVar(&opts.Category, "category", string(models.CategoryForms), "asset category")
	cmd.Flags().StringVar(&opts.MimeType, "mime-type", "", "content type (detected when empty)")
	cmd.Flags().StringToStringVar(&opts.Labels, "label", nil, "metadata label as key=value")

	return cmd
}

func runUpload(cmd *cobra.Command, opts *UploadOptions, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	category := models.Category(opts.Category)
	mimeType := opts.MimeType
	if mimeType == "" {
		mimeType = detectMimeType(path, data)
	}

	rt, err := openRuntime(cmd.Context(), opts.RootOptions, false)
	if err != nil {
		return err
	}
	defer rt.Close()

	id, err := rt.engine.QueueUpload(cmd.Context(), data, filepath.Base(path), mimeType, category, uploadMetadata(category, opts.Labels))
	if err != nil {
		return err
	}

	out := map[string]interface{}{"upload_id": id}
	if !opts.Offline {
		_, uploads := rt.engine.OnConnectivityRestored(cmd.Context())
		out["uploads"] = uploads
	}
	return printJSON(cmd.OutOrStdout(), out)
}

// detectMimeType prefers the registered extension type and falls back to sniffing the content.
func detectMimeType(path string, data []byte) string {
	if t := mime.TypeByExtension(filepath.Ext(path)); t != "" {
		return t
	}
	return mimetype.Detect(data).String()
}

// uploadMetadata maps --label pairs onto the category's metadata variant.
// Keys the variant does not know are kept as free-form labels.
func uploadMetadata(category models.Category, labels map[string]string) *models.AssetMetadata {
	if len(labels) == 0 {
		return nil
	}
	rest := make(map[string]string, len(labels))
	for k, v := range labels {
		rest[k] = v
	}
	take := func(key string) string {
		v := rest[key]
		delete(rest, key)
		return v
	}

	meta := &models.AssetMetadata{Category: category}
	switch category {
	case models.CategoryForms:
		meta.FormAttachment = &models.FormAttachment{FormID: take("formId"), Field: take("field")}
	case models.CategoryReferenceLists:
		doc := &models.ReferenceDocument{ListName: take("listName")}
		if v, err := strconv.Atoi(take("version")); err == nil {
			doc.Version = v
		}
		meta.ReferenceDocument = doc
	case models.CategoryTrainingRecords:
		meta.TrainingCertificate = &models.TrainingCertificate{
			Person:   take("person"),
			Course:   take("course"),
			IssuedOn: take("issuedOn"),
		}
	}
	if len(rest) > 0 {
		meta.Labels = rest
	}
	return meta
}

// NewDrainCommand creates the drain command.
func NewDrainCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "drain",
		Short: "Deliver every due operation and upload",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if rootOpts.Offline {
				return fmt.Errorf("drain requires connectivity; remove --offline")
			}
			rt, err := openRuntime(cmd.Context(), rootOpts, false)
			if err != nil {
				return err
			}
			defer rt.Close()

			ops, uploads := rt.engine.OnConnectivityRestored(cmd.Context())
			return printJSON(cmd.OutOrStdout(), map[string]interface{}{
				"operations": ops,
				"uploads":    uploads,
			})
		},
	}
}

// NewRetryAllCommand creates the retry-all command.
func NewRetryAllCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "retry-all",
		Short: "Reset attempt counters and terminal flags, then drain",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime(cmd.Context(), rootOpts, false)
			if err != nil {
				return err
			}
			defer rt.Close()

			nOps, nUploads, err := rt.engine.RetryAll(cmd.Context())
			if err != nil {
				return err
			}
			out := map[string]interface{}{
				"operations_reset": nOps,
				"uploads_reset":    nUploads,
			}
			if !rootOpts.Offline {
				ops, uploads := rt.engine.OnConnectivityRestored(cmd.Context())
				out["operations"] = ops
				out["uploads"] = uploads
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
}

// NewClearCommand creates the clear command.
func NewClearCommand(rootOpts *RootOptions) *cobra.Command {
	var uploads bool

	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Drop every queued operation, or every queued upload with --uploads",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime(cmd.Context(), rootOpts, false)
			if err != nil {
				return err
			}
			defer rt.Close()

			if uploads {
				err = rt.engine.ClearUploads()
			} else {
				err = rt.engine.ClearOperations()
			}
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), rt.engine.Status())
		},
	}

	cmd.Flags().BoolVar(&uploads, "uploads", false, "clear the upload queue instead of the operation queue")
	return cmd
}
