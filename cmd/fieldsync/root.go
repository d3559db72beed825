package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/oauth2"

	"github.com/kimhsiao/fieldsync/internal/config"
	apperrors "github.com/kimhsiao/fieldsync/internal/errors"
	"github.com/kimhsiao/fieldsync/internal/localstore"
	"github.com/kimhsiao/fieldsync/internal/logging"
	fsync "github.com/kimhsiao/fieldsync/internal/sync"
	"github.com/kimhsiao/fieldsync/internal/sync/assets"
	"github.com/kimhsiao/fieldsync/internal/sync/remote"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
	LogLevel   string
	Offline    bool
}

// NewRootCommand creates the root command for the fieldsync CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "fieldsync",
		Short: "Offline-first record and asset sync",
		Long: `fieldsync queues form, reference list and training record changes on the
device and reconciles them with the remote record store and asset backend
whenever connectivity allows.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if opts.LogLevel == "" {
				return nil
			}
			if _, err := logging.ParseLevel(opts.LogLevel); err != nil {
				return err
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", os.Getenv("FIELDSYNC_CONFIG"), "path to a YAML config file")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "override the configured log level (debug|info|warn|error)")
	cmd.PersistentFlags().BoolVar(&opts.Offline, "offline", false, "start disconnected and never contact the remote")

	cmd.AddCommand(NewStatusCommand(opts))
	cmd.AddCommand(NewQueueCommand(opts))
	cmd.AddCommand(NewEnqueueCommand(opts))
	cmd.AddCommand(NewUploadCommand(opts))
	cmd.AddCommand(NewDrainCommand(opts))
	cmd.AddCommand(NewRetryAllCommand(opts))
	cmd.AddCommand(NewClearCommand(opts))
	cmd.AddCommand(NewServeCommand(opts))

	return cmd
}

// runtime is an opened engine with the resources it owns.
type runtime struct {
	cfg    *config.Config
	log    *logging.Logger
	store  *localstore.SQLiteStore
	engine *fsync.Engine
}

// Close stops the engine before releasing the local store.
func (r *runtime) Close() {
	r.engine.Close()
	if err := r.store.Close(); err != nil {
		r.log.Error("Failed to close local store", err)
	}
	_ = r.log.Sync()
}

// openRuntime loads configuration and builds an initialized engine. With
// connect false the engine starts disconnected so Init does not drain.
func openRuntime(ctx context.Context, opts *RootOptions, connect bool) (*runtime, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, err
	}
	level := cfg.LogLevel()
	if opts.LogLevel != "" {
		level, _ = logging.ParseLevel(opts.LogLevel)
	}
	logger := logging.New(os.Stderr, level)

	if cfg.Remote.BaseURL == "" {
		return nil, apperrors.New(apperrors.ErrSyncNotConfigured, "remote.base_url is not configured")
	}

	store, err := localstore.Open(cfg.DataDir, cfg.Store.QuotaBytes)
	if err != nil {
		return nil, err
	}

	client := &http.Client{Timeout: 30 * time.Second}
	var tokens oauth2.TokenSource
	if cfg.Remote.Token != "" {
		tokens = assets.NewSession(bearer(cfg.Remote.Token))
	}
	rs := remote.NewHTTPStore(cfg.Remote.BaseURL, tokens, client, logger)

	session, backend, err := openAssets(ctx, cfg, client, logger)
	if err != nil {
		store.Close()
		return nil, err
	}

	engine, err := fsync.New(fsync.Options{
		LocalStore:        store,
		Remote:            rs,
		Assets:            backend,
		RootFolder:        cfg.Assets.RootFolder,
		Session:           session,
		DeviceID:          cfg.DeviceID,
		RetryPolicy:       cfg.RetryPolicy(),
		ConditionalWrites: cfg.Remote.ConditionalWrites,
		SafetyInterval:    cfg.Retry.SafetyInterval,
		Offline:           !connect || opts.Offline,
		Logger:            logger,
	})
	if err != nil {
		store.Close()
		return nil, err
	}

	rt := &runtime{cfg: cfg, log: logger, store: store, engine: engine}
	report, err := engine.Init(ctx)
	if err != nil {
		rt.Close()
		return nil, err
	}
	logger.Debug("Engine ready", map[string]interface{}{
		"pending_operations": report.PendingOperations,
		"pending_uploads":    report.PendingUploads,
	})
	return rt, nil
}

// openAssets builds the configured asset backend. Both results are nil when uploads are disabled.
func openAssets(ctx context.Context, cfg *config.Config, client *http.Client, logger *logging.Logger) (*assets.Session, assets.Backend, error) {
	switch cfg.Assets.Backend {
	case config.BackendHTTP:
		token := cfg.Assets.Token
		if token == "" {
			token = cfg.Remote.Token
		}
		session := assets.NewSession(bearer(token))
		return session, assets.NewHTTPBackend(cfg.Assets.BaseURL, cfg.Assets.UploadURL, session, client, logger), nil
	case config.BackendS3:
		backend, err := assets.NewS3Backend(ctx, cfg.Assets.S3, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open s3 backend: %w", err)
		}
		return nil, backend, nil
	}
	return nil, nil, nil
}

func bearer(token string) *oauth2.Token {
	if token == "" {
		return nil
	}
	return &oauth2.Token{AccessToken: token, TokenType: "Bearer"}
}
