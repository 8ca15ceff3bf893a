package commands

import (
	"context"
	"fmt"

	"github.com/filerift/filerift/internal/logger"
	"github.com/filerift/filerift/pkg/blobstore"
	"github.com/filerift/filerift/pkg/config"
	"github.com/filerift/filerift/pkg/dal"
	"github.com/filerift/filerift/pkg/dal/badger"
	"github.com/filerift/filerift/pkg/dal/memory"
)

// initLogger configures the structured logger from config.
func initLogger(cfg *config.Config) error {
	return logger.Init(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	})
}

// openDal opens the configured metadata backend.
func openDal(cfg *config.Config) (dal.RpcDal, error) {
	switch cfg.Metadata.Backend {
	case "memory":
		return memory.NewStore(), nil
	case "badger":
		return badger.Open(cfg.Metadata.Path)
	default:
		return nil, fmt.Errorf("unknown metadata backend %q", cfg.Metadata.Backend)
	}
}

// openBlobStore opens the configured blob store backend.
func openBlobStore(ctx context.Context, cfg *config.Config) (blobstore.BlobStore, error) {
	switch cfg.Blobs.Backend {
	case "memory":
		return blobstore.NewMemoryStore(), nil
	case "disk":
		return blobstore.NewDiskStore(cfg.Blobs.Path)
	case "s3":
		return blobstore.NewS3Store(ctx, blobstore.S3Options{
			Endpoint:     cfg.Blobs.S3.Endpoint,
			Region:       cfg.Blobs.S3.Region,
			Bucket:       cfg.Blobs.S3.Bucket,
			KeyPrefix:    cfg.Blobs.S3.KeyPrefix,
			AccessKey:    cfg.Blobs.S3.AccessKey,
			SecretKey:    cfg.Blobs.S3.SecretKey,
			UsePathStyle: cfg.Blobs.S3.UsePathStyle,
		})
	default:
		return nil, fmt.Errorf("unknown blob store backend %q", cfg.Blobs.Backend)
	}
}
