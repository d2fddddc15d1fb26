package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/jpalmerr/restadapter"
	"github.com/jpalmerr/restadapter/broker"
	"github.com/jpalmerr/restadapter/config"
	"github.com/jpalmerr/restadapter/dashboard"
	"github.com/jpalmerr/restadapter/internal/server"
)

// serveCmd runs the adapter against the embedded broker.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the adapter",
	Long: `Run the adapter against the embedded broker.

The command will:
  - Load configuration from the specified YAML file
  - Poll every configured endpoint and publish its values
  - Reload the configuration whenever the file changes
  - Serve the topic viewer, the topic API, /metrics and /healthz on the
    listen address

The command runs until interrupted (Ctrl+C), receives SIGTERM, or the
configuration sets active: false.

Example:
  restadapter serve -c adapter.yaml
  restadapter serve -c adapter.yaml --listen :9000 --poll-workers 4`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("listen", ":8090", "HTTP listen address")
	serveCmd.Flags().Int("poll-workers", 10, "maximum concurrent polls")
	serveCmd.Flags().String("instance", "restadapter", "value of the adapter label on /metrics series")
	_ = settings.BindPFlag("listen", serveCmd.Flags().Lookup("listen"))
	_ = settings.BindPFlag("poll-workers", serveCmd.Flags().Lookup("poll-workers"))
	_ = settings.BindPFlag("instance", serveCmd.Flags().Lookup("instance"))
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return serve(ctx)
}

// serve runs the adapter, the config watcher and the HTTP server until ctx
// is cancelled or the adapter stops.
func serve(ctx context.Context) error {
	logger, err := newLogger(os.Stderr)
	if err != nil {
		return err
	}
	path, err := configPath()
	if err != nil {
		return err
	}
	snap, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	logger.Info("config loaded", "path", path, "services", len(snap.Services))

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	mem := broker.NewMemory(broker.WithLogger(logger))
	a, err := restadapter.New(
		restadapter.WithConnector(mem),
		restadapter.WithLogger(logger),
		restadapter.WithRegisterer(registry),
		restadapter.WithInstanceName(settings.GetString("instance")),
		restadapter.WithPollWorkers(settings.GetInt("poll-workers")),
	)
	if err != nil {
		return fmt.Errorf("failed to create adapter: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	runCtx, cancel := context.WithCancel(gctx)
	defer cancel()

	srv := server.NewServer(mem, server.Options{
		Addr:     settings.GetString("listen"),
		Gatherer: registry,
		Health: func() (string, bool) {
			state := a.State()
			return state.String(), state != restadapter.StateStopping && state != restadapter.StateStopped
		},
		Assets: dashboard.Assets,
		Logger: logger,
	})
	if err := srv.Start(runCtx); err != nil {
		a.Close()
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	updates := make(chan *config.Snapshot, 1)
	updates <- snap

	g.Go(func() error {
		// an inactive snapshot stops the adapter; take the rest down with it
		defer cancel()
		return a.Run(runCtx, updates)
	})
	g.Go(func() error {
		watcher := config.NewWatcher(path, snap, logger)
		return watcher.Run(runCtx, func(next *config.Snapshot) {
			select {
			case updates <- next:
			case <-runCtx.Done():
			}
		})
	})

	err = g.Wait()
	logger.Info("shutdown complete")
	return err
}
