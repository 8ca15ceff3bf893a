package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/filerift/filerift/internal/logger"
	"github.com/filerift/filerift/pkg/config"
	"github.com/filerift/filerift/pkg/content"
	"github.com/filerift/filerift/pkg/metrics"
	"github.com/filerift/filerift/pkg/server"
)

// staleUploadAge is how long an upload record may sit idle before the
// background sweeper deletes it.
const staleUploadAge = 24 * time.Hour

var serveCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"start"},
	Short:   "Start the FileRift server",
	Long: `Start the FileRift server with the specified configuration.

Use --config to specify a custom configuration file, or it will use the
default location at $XDG_CONFIG_HOME/filerift/config.yaml.

Examples:
  # Start with default config location
  filerift serve

  # Start with custom config file
  filerift serve --config /etc/filerift/config.yaml

  # Use environment variables to override config
  FILERIFT_LOGGING_LEVEL=DEBUG filerift serve`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(GetConfigFile())
	if err != nil {
		return err
	}
	if err := initLogger(cfg); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var metricsServer *metrics.Server
	if cfg.Metrics.Enabled {
		metrics.InitRegistry()
		metricsServer = metrics.NewServer(cfg.Metrics.Port)
		metricsServer.Start()
		logger.Info("metrics enabled", "port", cfg.Metrics.Port)
	} else {
		logger.Info("metrics disabled")
	}

	rpc, err := openDal(cfg)
	if err != nil {
		return err
	}
	defer rpc.Close()

	store, err := openBlobStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	logger.Info("backends ready",
		"metadata", cfg.Metadata.Backend, "blobs", cfg.Blobs.Backend)

	manager := content.NewContentManager(rpc, store, content.Options{
		StorageChunkSize: uint64(cfg.Server.StorageChunkSize),
		BytesPayload:     cfg.Server.BytesPayload,
	})

	srv := server.New(server.Config{
		Listen:          cfg.Server.Listen,
		MaxMessageSize:  cfg.Server.MaxMessageSize,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	}, manager, metrics.NewTransferMetrics())

	go sweepStaleUploads(ctx, manager)

	serverDone := make(chan error, 1)
	go func() {
		serverDone <- srv.Serve(ctx)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigChan:
		signal.Stop(sigChan)
		logger.Info("shutdown signal received")
		cancel()
		err = <-serverDone
	case err = <-serverDone:
		signal.Stop(sigChan)
	}

	if metricsServer != nil {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer stopCancel()
		if serr := metricsServer.Stop(stopCtx); serr != nil {
			logger.Error("metrics server shutdown error", "error", serr)
		}
	}
	return err
}

// sweepStaleUploads periodically purges abandoned upload records.
func sweepStaleUploads(ctx context.Context, manager *content.ContentManager) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-staleUploadAge)
			if err := manager.SweepStaleUploadJobs(ctx, cutoff); err != nil {
				logger.Warn("stale upload sweep failed", "error", err)
			}
		}
	}
}
