// Package config loads and validates the FileRift server configuration.
//
// Configuration sources, in order of precedence:
//  1. Environment variables (FILERIFT_*)
//  2. Configuration file (YAML)
//  3. Default values
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config is the static configuration of the FileRift server.
type Config struct {
	// Logging controls log output behavior.
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// Server contains the content-transfer protocol server settings.
	Server ServerConfig `mapstructure:"server" yaml:"server"`

	// Metadata configures the metadata DAL backend.
	Metadata MetadataConfig `mapstructure:"metadata" yaml:"metadata"`

	// Blobs configures the content-addressed blob store backend.
	Blobs BlobsConfig `mapstructure:"blobs" yaml:"blobs"`

	// Metrics contains Prometheus metrics server configuration.
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level: DEBUG, INFO, WARN, ERROR.
	Level string `mapstructure:"level" yaml:"level"`

	// Format is the log output format: text or json.
	Format string `mapstructure:"format" yaml:"format"`

	// Output is stdout, stderr, or a file path.
	Output string `mapstructure:"output" yaml:"output"`
}

// ServerConfig contains the protocol server settings.
type ServerConfig struct {
	// Listen is the TCP address the protocol server binds to.
	// Default: ":21100"
	Listen string `mapstructure:"listen" yaml:"listen"`

	// MaxMessageSize bounds a single wire frame. Frames larger than this
	// terminate the connection. Default: 1 MiB.
	MaxMessageSize uint32 `mapstructure:"max_message_size" yaml:"max_message_size"`

	// BytesPayload is the size of a single BYTES frame sent on downloads.
	// Default: 64 KiB.
	BytesPayload uint32 `mapstructure:"bytes_payload" yaml:"bytes_payload"`

	// StorageChunkSize is the AddPart cadence for resumable uploads:
	// progress is persisted every StorageChunkSize bytes written to the
	// blob store. Default: 64 KiB.
	StorageChunkSize uint32 `mapstructure:"storage_chunk_size" yaml:"storage_chunk_size"`

	// ShutdownTimeout is the maximum time to wait for graceful shutdown.
	// Default: 30s.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// MetadataConfig configures the metadata DAL backend.
type MetadataConfig struct {
	// Backend selects the DAL implementation: "memory" or "badger".
	Backend string `mapstructure:"backend" yaml:"backend"`

	// Path is the database directory for the badger backend.
	Path string `mapstructure:"path" yaml:"path,omitempty"`
}

// BlobsConfig configures the blob store backend.
type BlobsConfig struct {
	// Backend selects the blob store: "disk", "memory" or "s3".
	Backend string `mapstructure:"backend" yaml:"backend"`

	// Path is the storage directory for the disk backend.
	Path string `mapstructure:"path" yaml:"path,omitempty"`

	// S3 configures the S3 backend.
	S3 S3Config `mapstructure:"s3" yaml:"s3,omitempty"`
}

// S3Config configures the S3 blob store backend.
type S3Config struct {
	// Endpoint overrides the S3 endpoint for S3-compatible storage
	// (MinIO, Ceph). Empty uses the AWS default resolution.
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint,omitempty"`

	// Region is the S3 region. Default: "us-east-1".
	Region string `mapstructure:"region" yaml:"region"`

	// Bucket is the S3 bucket name.
	Bucket string `mapstructure:"bucket" yaml:"bucket"`

	// KeyPrefix is an optional prefix for all object keys.
	KeyPrefix string `mapstructure:"key_prefix" yaml:"key_prefix,omitempty"`

	// AccessKey and SecretKey are static credentials. Empty falls back to
	// the standard AWS credential chain.
	AccessKey string `mapstructure:"access_key" yaml:"access_key,omitempty"`
	SecretKey string `mapstructure:"secret_key" yaml:"secret_key,omitempty"`

	// UsePathStyle forces path-style addressing, required by most
	// S3-compatible servers.
	UsePathStyle bool `mapstructure:"use_path_style" yaml:"use_path_style,omitempty"`
}

// MetricsConfig configures the Prometheus metrics HTTP server.
// When Enabled is false, no metrics are collected.
type MetricsConfig struct {
	// Enabled controls whether the metrics endpoint is served.
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Port is the HTTP port for the /metrics endpoint. Default: 9301.
	Port int `mapstructure:"port" yaml:"port"`
}

// Load loads configuration from file, environment, and defaults.
// An empty configPath uses the default location.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setupViper(v, configPath)

	found, err := readConfigFile(v)
	if err != nil {
		return nil, err
	}
	if !found {
		return GetDefaultConfig(), nil
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(configDecodeHooks())); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

// SaveConfig writes the configuration to path in YAML format.
func SaveConfig(cfg *Config, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// 0600 because the config may carry S3 credentials.
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// GetDefaultConfigPath returns the default config file location,
// honoring XDG_CONFIG_HOME.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}

func getConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "filerift")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "filerift")
}

// setupViper configures environment overrides and the config file search.
func setupViper(v *viper.Viper, configPath string) {
	// FILERIFT_SERVER_LISTEN=":31100" overrides server.listen, and so on.
	v.SetEnvPrefix("FILERIFT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(getConfigDir())
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
}

// readConfigFile reads the config file, reporting whether one was found.
func readConfigFile(v *viper.Viper) (bool, error) {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return false, nil
		}
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read config file: %w", err)
	}
	return true, nil
}

// configDecodeHooks returns the combined decode hook for custom types.
func configDecodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		durationDecodeHook(),
	)
}

// durationDecodeHook converts strings like "30s" to time.Duration.
func durationDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			return time.ParseDuration(v)
		case int:
			return time.Duration(v) * time.Second, nil
		case int64:
			return time.Duration(v) * time.Second, nil
		case float64:
			return time.Duration(v * float64(time.Second)), nil
		default:
			return data, nil
		}
	}
}
