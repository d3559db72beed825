package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/fieldsync/cmd/fieldsync/handlers"
	"github.com/kimhsiao/fieldsync/internal/logging"
	"github.com/kimhsiao/fieldsync/internal/metrics"
	fsync "github.com/kimhsiao/fieldsync/internal/sync"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Addr string
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the engine with a local status server",
		Long: `Run the engine with a local status server.

Endpoints:
  GET  /status    current sync status
  GET  /queue     queued operations and uploads
  POST /drain     drain both queues now
  POST /retry     reset attempt counters and drain
  GET  /metrics   Prometheus metrics
  GET  /ws        push feed of status, conflict and drain events`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", "", "listen address (defaults to server.addr)")
	return cmd
}

func runServe(ctx context.Context, opts *ServeOptions) error {
	rt, err := openRuntime(ctx, opts.RootOptions, !opts.Offline)
	if err != nil {
		return err
	}
	defer rt.Close()

	hub := NewWSHub(rt.log)
	defer hub.Close()

	statusCh, unsubscribe := rt.engine.SubscribeStatus(16)
	defer unsubscribe()
	go func() {
		for status := range statusCh {
			hub.BroadcastStatus(status)
		}
	}()
	defer rt.engine.OnConflictEvent(hub.BroadcastConflict)()

	if url := rt.cfg.Connectivity.ProbeURL; url != "" && !opts.Offline {
		monitor := fsync.NewMonitor(fsync.HTTPProbe(url, nil), rt.cfg.Connectivity.ProbeInterval, rt.engine, rt.log)
		monitor.Start(ctx)
		defer monitor.Stop()
	}

	addr := opts.Addr
	if addr == "" {
		addr = rt.cfg.Server.Addr
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           newRouter(rt.engine, hub, rt.log),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		rt.log.Info("Status server listening", map[string]interface{}{"addr": addr})
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	rt.log.Info("Shutting down status server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// newRouter mounts the REST endpoints behind the metrics middleware. The
// websocket endpoint sits outside it because upgrades need the raw connection.
func newRouter(engine fsync.EngineInterface, hub *WSHub, logger *logging.Logger) http.Handler {
	h := handlers.NewSyncHandler(engine, logger)
	h.SetBroadcaster(hub)

	api := http.NewServeMux()
	api.HandleFunc("GET /status", h.GetStatus)
	api.HandleFunc("GET /queue", h.GetQueue)
	api.HandleFunc("POST /drain", h.TriggerDrain)
	api.HandleFunc("POST /retry", h.RetryAll)
	api.Handle("GET /metrics", metrics.Handler())
	api.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok","service":"fieldsync"}`))
	})

	root := http.NewServeMux()
	root.Handle("GET /ws", HandleWebSocket(hub))
	root.Handle("/", metrics.Middleware(api))
	return root
}
