// Package config loads configuration from environment variables and an
// optional YAML file.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config holds all server configuration.
type Config struct {
	// Server
	MetricsAddr string `mapstructure:"metrics_addr"`

	// Logging
	LogLevel  string `mapstructure:"log_level" validate:"oneof=debug info warn error"`
	LogFormat string `mapstructure:"log_format" validate:"oneof=json console"`
	LogOutput string `mapstructure:"log_output"`

	// Database
	DatabaseDriver string `mapstructure:"database_driver" validate:"oneof=postgres sqlite3"`
	DatabaseURL    string `mapstructure:"database_url" validate:"required"`

	// Content storage for local files ("local" or "s3")
	ContentBackend   string `mapstructure:"content_backend" validate:"oneof=local s3"`
	LocalStoragePath string `mapstructure:"local_storage_path" validate:"required_if=ContentBackend local"`
	S3Endpoint       string `mapstructure:"s3_endpoint"`
	S3Bucket         string `mapstructure:"s3_bucket" validate:"required_if=ContentBackend s3"`
	S3AccessKey      string `mapstructure:"s3_access_key"`
	S3SecretKey      string `mapstructure:"s3_secret_key"`
	S3Region         string `mapstructure:"s3_region"`
	S3UseSSL         bool   `mapstructure:"s3_use_ssl"`

	// Tags ("memory" or "badger")
	TagStore     string `mapstructure:"tag_store" validate:"oneof=memory badger"`
	TagStorePath string `mapstructure:"tag_store_path" validate:"required_if=TagStore badger"`

	// Revert guard ("memory" or "redis")
	RevertGuard    string        `mapstructure:"revert_guard" validate:"oneof=memory redis"`
	RevertGuardTTL time.Duration `mapstructure:"revert_guard_ttl" validate:"gt=0"`
	RedisAddr      string        `mapstructure:"redis_addr" validate:"required_if=RevertGuard redis"`
	RedisPassword  string        `mapstructure:"redis_password"`
	RedisDB        int           `mapstructure:"redis_db" validate:"min=0"`

	// Document service
	DocKeySecret         string        `mapstructure:"doc_key_secret" validate:"required"`
	DocServiceJWTSecret  string        `mapstructure:"doc_service_jwt_secret"`
	EditHeartbeatTimeout time.Duration `mapstructure:"edit_heartbeat_timeout" validate:"gt=0"`
	MaxEditSize          int64         `mapstructure:"max_edit_size" validate:"min=0"`
	StoreForcesave       bool          `mapstructure:"store_forcesave"`

	// Uploads
	MaxUploadSize        int64         `mapstructure:"max_upload_size" validate:"gt=0"`
	ChunkedMaxUploadSize int64         `mapstructure:"chunked_max_upload_size" validate:"gtefield=MaxUploadSize"`
	UploadSessionTTL     time.Duration `mapstructure:"upload_session_ttl" validate:"gt=0"`
	UploadTempDir        string        `mapstructure:"upload_temp_dir"`

	// Third-party providers
	ProviderTimeout  time.Duration `mapstructure:"provider_timeout" validate:"gt=0"`
	ProviderCacheTTL time.Duration `mapstructure:"provider_cache_ttl" validate:"min=0"`
	ProviderRetries  int           `mapstructure:"provider_retries" validate:"min=1,max=10"`

	// Batch operations
	OperationWorkers   int           `mapstructure:"operation_workers" validate:"min=1"`
	OperationRetention time.Duration `mapstructure:"operation_retention" validate:"gt=0"`
	TransferBufferSize int           `mapstructure:"transfer_buffer_size" validate:"min=4096"`
	UseTrash           bool          `mapstructure:"use_trash"`

	// Quotas (defaults for new users)
	DefaultMaxStorage int64 `mapstructure:"default_max_storage" validate:"min=0"`
}

var defaults = map[string]any{
	"metrics_addr":            ":9090",
	"log_level":               "info",
	"log_format":              "json",
	"log_output":              "",
	"database_driver":         "postgres",
	"database_url":            "",
	"content_backend":         "local",
	"local_storage_path":      "/data/storage",
	"s3_endpoint":             "http://localhost:9000",
	"s3_bucket":               "docspace",
	"s3_access_key":           "minioadmin",
	"s3_secret_key":           "minioadmin",
	"s3_region":               "us-east-1",
	"s3_use_ssl":              false,
	"tag_store":               "badger",
	"tag_store_path":          "/data/tags",
	"revert_guard":            "memory",
	"revert_guard_ttl":        2 * time.Minute,
	"redis_addr":              "",
	"redis_password":          "",
	"redis_db":                0,
	"doc_key_secret":          "",
	"doc_service_jwt_secret":  "",
	"edit_heartbeat_timeout":  90 * time.Second,
	"max_edit_size":           int64(100 * 1024 * 1024), // 100MB
	"store_forcesave":         false,
	"max_upload_size":         int64(100 * 1024 * 1024), // 100MB
	"chunked_max_upload_size": int64(1024 * 1024 * 1024), // 1GB
	"upload_session_ttl":      time.Hour,
	"upload_temp_dir":         "",
	"provider_timeout":        30 * time.Second,
	"provider_cache_ttl":      time.Minute,
	"provider_retries":        3,
	"operation_workers":       8,
	"operation_retention":     30 * time.Minute,
	"transfer_buffer_size":    256 * 1024,
	"use_trash":               true,
	"default_max_storage":     int64(0), // 0 = unlimited
}

var validate = validator.New()

// Load reads configuration from environment variables, overlaid on the
// YAML file at configPath when one is given, with defaults.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks struct tags and returns the first failure.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			e := verrs[0]
			return fmt.Errorf("%s is invalid (%s)", e.Field(), e.Tag())
		}
		return err
	}
	return nil
}
