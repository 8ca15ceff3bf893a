package config

import (
	"fmt"
	"strings"
)

// Validate checks the configuration for invalid or inconsistent values.
// It is called by Load after defaults are applied, so every field is
// expected to be populated.
func Validate(cfg *Config) error {
	if err := validateLogging(&cfg.Logging); err != nil {
		return err
	}
	if err := validateServer(&cfg.Server); err != nil {
		return err
	}
	if err := validateMetadata(&cfg.Metadata); err != nil {
		return err
	}
	if err := validateBlobs(&cfg.Blobs); err != nil {
		return err
	}
	return validateMetrics(&cfg.Metrics)
}

func validateLogging(cfg *LoggingConfig) error {
	switch strings.ToUpper(cfg.Level) {
	case "DEBUG", "INFO", "WARN", "ERROR":
	default:
		return fmt.Errorf("logging.level: invalid level %q", cfg.Level)
	}
	switch strings.ToLower(cfg.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format: invalid format %q", cfg.Format)
	}
	return nil
}

func validateServer(cfg *ServerConfig) error {
	if cfg.Listen == "" {
		return fmt.Errorf("server.listen: must not be empty")
	}
	if cfg.BytesPayload > cfg.MaxMessageSize {
		return fmt.Errorf("server.bytes_payload (%d) must not exceed server.max_message_size (%d)",
			cfg.BytesPayload, cfg.MaxMessageSize)
	}
	if cfg.StorageChunkSize == 0 {
		return fmt.Errorf("server.storage_chunk_size: must be positive")
	}
	if cfg.ShutdownTimeout <= 0 {
		return fmt.Errorf("server.shutdown_timeout: must be positive")
	}
	return nil
}

func validateMetadata(cfg *MetadataConfig) error {
	switch cfg.Backend {
	case "memory":
		return nil
	case "badger":
		if cfg.Path == "" {
			return fmt.Errorf("metadata.path: required for the badger backend")
		}
		return nil
	default:
		return fmt.Errorf("metadata.backend: unknown backend %q", cfg.Backend)
	}
}

func validateBlobs(cfg *BlobsConfig) error {
	switch cfg.Backend {
	case "memory":
		return nil
	case "disk":
		if cfg.Path == "" {
			return fmt.Errorf("blobs.path: required for the disk backend")
		}
		return nil
	case "s3":
		if cfg.S3.Bucket == "" {
			return fmt.Errorf("blobs.s3.bucket: required for the s3 backend")
		}
		return nil
	default:
		return fmt.Errorf("blobs.backend: unknown backend %q", cfg.Backend)
	}
}

func validateMetrics(cfg *MetricsConfig) error {
	if cfg.Port < 1 || cfg.Port > 65535 {
		return fmt.Errorf("metrics.port: invalid port %d", cfg.Port)
	}
	return nil
}
