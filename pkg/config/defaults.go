package config

import (
	"strings"
	"time"
)

// Default tunables for the content-transfer path.
const (
	// DefaultStorageChunkSize is the AddPart cadence (64 KiB).
	DefaultStorageChunkSize = 64 * 1024

	// DefaultBytesPayload is the download frame size (64 KiB).
	DefaultBytesPayload = 64 * 1024

	// DefaultMaxMessageSize bounds a single wire frame (1 MiB).
	DefaultMaxMessageSize = 1024 * 1024

	// DefaultListen is the protocol server bind address.
	DefaultListen = ":21100"

	// DefaultMetricsPort serves /metrics when metrics are enabled.
	DefaultMetricsPort = 9301
)

// GetDefaultConfig returns a fully-defaulted configuration.
func GetDefaultConfig() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills in defaults for any unspecified fields. Zero values
// are replaced; explicit values are preserved.
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyServerDefaults(&cfg.Server)
	applyMetadataDefaults(&cfg.Metadata)
	applyBlobsDefaults(&cfg.Blobs)
	applyMetricsDefaults(&cfg.Metrics)
}

func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	cfg.Level = strings.ToUpper(cfg.Level)

	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		cfg.Output = "stdout"
	}
}

func applyServerDefaults(cfg *ServerConfig) {
	if cfg.Listen == "" {
		cfg.Listen = DefaultListen
	}
	if cfg.MaxMessageSize == 0 {
		cfg.MaxMessageSize = DefaultMaxMessageSize
	}
	if cfg.BytesPayload == 0 {
		cfg.BytesPayload = DefaultBytesPayload
	}
	if cfg.StorageChunkSize == 0 {
		cfg.StorageChunkSize = DefaultStorageChunkSize
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
}

func applyMetadataDefaults(cfg *MetadataConfig) {
	if cfg.Backend == "" {
		cfg.Backend = "badger"
	}
	if cfg.Path == "" {
		cfg.Path = "/var/lib/filerift/metadata"
	}
}

func applyBlobsDefaults(cfg *BlobsConfig) {
	if cfg.Backend == "" {
		cfg.Backend = "disk"
	}
	if cfg.Path == "" {
		cfg.Path = "/var/lib/filerift/blobs"
	}
	if cfg.S3.Region == "" {
		cfg.S3.Region = "us-east-1"
	}
}

func applyMetricsDefaults(cfg *MetricsConfig) {
	if cfg.Port == 0 {
		cfg.Port = DefaultMetricsPort
	}
}
