package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"cube-engine/internal/cube"
	"cube-engine/internal/storage/block"
)

// Config represents the complete server configuration
type Config struct {
	Cube    CubeConfig    `json:"cube"`
	Server  ServerConfig  `json:"server"`
	Storage StorageConfig `json:"storage"`
	Auth    AuthConfig    `json:"auth"`
	Logging LoggingConfig `json:"logging"`
}

// CubeConfig for the served cube
type CubeConfig struct {
	Name                  string `json:"name"`
	SchemaFile            string `json:"schema_file"`
	CacheEnabled          bool   `json:"cache_enabled"`
	CacheMaxEntries       int    `json:"cache_max_entries"`
	ConsolidateTargetRows int64  `json:"consolidate_target_rows"`
	HistoryCapacity       int    `json:"history_capacity"`
}

// ServerConfig for the HTTP and gRPC listeners
type ServerConfig struct {
	HTTPPort     int    `json:"http_port"`
	GRPCPort     int    `json:"grpc_port"`
	QueryTimeout string `json:"query_timeout"`
}

// StorageConfig for the object storage sources are read from
type StorageConfig struct {
	Backend string        `json:"backend"` // "local" or "s3"
	LocalFS LocalFSConfig `json:"local_fs"`
	S3      S3Config      `json:"s3"`
}

// LocalFSConfig for local file system storage
type LocalFSConfig struct {
	BasePath string `json:"base_path"`
}

// S3Config for S3 storage backend
type S3Config struct {
	Bucket   string `json:"bucket"`
	Region   string `json:"region"`
	Prefix   string `json:"prefix"`
	Endpoint string `json:"endpoint"`
}

// AuthConfig for authentication
type AuthConfig struct {
	Enabled     bool   `json:"enabled"`
	JWTSecret   string `json:"-"`
	Issuer      string `json:"issuer"`
	TokenExpiry string `json:"token_expiry"`
}

// LoggingConfig for the process logger
type LoggingConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		Cube: CubeConfig{
			Name:                  getEnvString("CUBE_NAME", "cube"),
			SchemaFile:            getEnvString("CUBE_SCHEMA_FILE", ""),
			CacheEnabled:          getEnvBool("CUBE_CACHE_ENABLED", true),
			CacheMaxEntries:       getEnvInt("CUBE_CACHE_MAX_ENTRIES", 1000),
			ConsolidateTargetRows: getEnvInt64("CUBE_CONSOLIDATE_TARGET_ROWS", 65536),
			HistoryCapacity:       getEnvInt("CUBE_HISTORY_CAPACITY", 128),
		},
		Server: ServerConfig{
			HTTPPort:     getEnvInt("HTTP_PORT", 8080),
			GRPCPort:     getEnvInt("GRPC_PORT", 9090),
			QueryTimeout: getEnvString("QUERY_TIMEOUT", "30s"),
		},
		Storage: StorageConfig{
			Backend: getEnvString("STORAGE_BACKEND", "local"),
			LocalFS: LocalFSConfig{
				BasePath: getEnvString("LOCAL_FS_BASE_PATH", "./data"),
			},
			S3: S3Config{
				Bucket:   getEnvString("S3_BUCKET", ""),
				Region:   getEnvString("S3_REGION", "us-east-1"),
				Prefix:   getEnvString("S3_PREFIX", ""),
				Endpoint: getEnvString("S3_ENDPOINT", ""),
			},
		},
		Auth: AuthConfig{
			Enabled:     getEnvBool("AUTH_ENABLED", false),
			JWTSecret:   getEnvString("JWT_SECRET", ""),
			Issuer:      getEnvString("JWT_ISSUER", "cube-engine"),
			TokenExpiry: getEnvString("TOKEN_EXPIRY", "24h"),
		},
		Logging: LoggingConfig{
			Level:  getEnvString("LOG_LEVEL", "info"),
			Format: getEnvString("LOG_FORMAT", "text"),
		},
	}

	return cfg, nil
}

func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

// String returns a pretty-printed JSON representation of the config.
// The JWT secret is never included.
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Cube.Name == "" {
		return fmt.Errorf("cube name is required")
	}

	if c.Cube.CacheMaxEntries <= 0 {
		return fmt.Errorf("invalid cache max entries: %d", c.Cube.CacheMaxEntries)
	}

	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		return fmt.Errorf("invalid http port: %d", c.Server.HTTPPort)
	}

	if c.Server.GRPCPort <= 0 || c.Server.GRPCPort > 65535 {
		return fmt.Errorf("invalid grpc port: %d", c.Server.GRPCPort)
	}

	if c.Server.HTTPPort == c.Server.GRPCPort {
		return fmt.Errorf("http and grpc ports must differ: %d", c.Server.HTTPPort)
	}

	if _, err := time.ParseDuration(c.Server.QueryTimeout); err != nil {
		return fmt.Errorf("invalid query timeout %q: %w", c.Server.QueryTimeout, err)
	}

	switch c.Storage.Backend {
	case "local":
	case "s3":
		if c.Storage.S3.Bucket == "" {
			return fmt.Errorf("s3 backend requires S3_BUCKET")
		}
	default:
		return fmt.Errorf("invalid storage backend: %s", c.Storage.Backend)
	}

	if _, err := time.ParseDuration(c.Auth.TokenExpiry); err != nil {
		return fmt.Errorf("invalid token expiry %q: %w", c.Auth.TokenExpiry, err)
	}

	if c.Auth.Enabled && c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth is enabled but JWT_SECRET is empty")
	}

	return nil
}

// QueryTimeoutDuration returns the per-request query timeout. Call Validate first.
func (c *Config) QueryTimeoutDuration() time.Duration {
	d, _ := time.ParseDuration(c.Server.QueryTimeout)
	return d
}

// TokenExpiryDuration returns the default token lifetime. Call Validate first.
func (c *Config) TokenExpiryDuration() time.Duration {
	d, _ := time.ParseDuration(c.Auth.TokenExpiry)
	return d
}

// CubeOptions returns the options the served cube is built with
func (c *Config) CubeOptions(logger *slog.Logger) cube.Options {
	opts := cube.DefaultOptions()
	opts.CacheEnabled = c.Cube.CacheEnabled
	opts.CacheMaxEntries = c.Cube.CacheMaxEntries
	opts.ConsolidateTargetRows = c.Cube.ConsolidateTargetRows
	opts.HistoryCapacity = c.Cube.HistoryCapacity
	opts.Logger = logger
	return opts
}

// BlockConfig returns the block storage settings for the configured backend
func (c *Config) BlockConfig() block.Config {
	switch c.Storage.Backend {
	case "s3":
		return block.Config{
			Type: "s3",
			Options: map[string]string{
				"bucket":   c.Storage.S3.Bucket,
				"region":   c.Storage.S3.Region,
				"prefix":   c.Storage.S3.Prefix,
				"endpoint": c.Storage.S3.Endpoint,
			},
		}
	}
	return block.Config{Type: "local", BaseDir: c.Storage.LocalFS.BasePath}
}
