package config

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "cube", cfg.Cube.Name)
	assert.True(t, cfg.Cube.CacheEnabled)
	assert.Equal(t, 1000, cfg.Cube.CacheMaxEntries)
	assert.Equal(t, 8080, cfg.Server.HTTPPort)
	assert.Equal(t, 9090, cfg.Server.GRPCPort)
	assert.Equal(t, 30*time.Second, cfg.QueryTimeoutDuration())
	assert.Equal(t, 24*time.Hour, cfg.TokenExpiryDuration())
	assert.False(t, cfg.Auth.Enabled)
	assert.Equal(t, "local", cfg.Storage.Backend)
}

func TestLoad_Environment(t *testing.T) {
	t.Setenv("CUBE_NAME", "sales")
	t.Setenv("CUBE_CACHE_ENABLED", "false")
	t.Setenv("CUBE_CACHE_MAX_ENTRIES", "42")
	t.Setenv("CUBE_CONSOLIDATE_TARGET_ROWS", "1024")
	t.Setenv("HTTP_PORT", "9000")
	t.Setenv("STORAGE_BACKEND", "s3")
	t.Setenv("S3_BUCKET", "cubes")
	t.Setenv("S3_PREFIX", "sales/")
	t.Setenv("CUBE_HISTORY_CAPACITY", "not-a-number")

	cfg, err := Load()
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	opts := cfg.CubeOptions(nil)
	assert.False(t, opts.CacheEnabled)
	assert.Equal(t, 42, opts.CacheMaxEntries)
	assert.Equal(t, int64(1024), opts.ConsolidateTargetRows)
	assert.Equal(t, 128, opts.HistoryCapacity)
	assert.Equal(t, 9000, cfg.Server.HTTPPort)

	bc := cfg.BlockConfig()
	assert.Equal(t, "s3", bc.Type)
	assert.Equal(t, "cubes", bc.Options["bucket"])
	assert.Equal(t, "sales/", bc.Options["prefix"])
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{"bad http port", func(c *Config) { c.Server.HTTPPort = 70000 }, "invalid http port"},
		{"bad grpc port", func(c *Config) { c.Server.GRPCPort = 0 }, "invalid grpc port"},
		{"same ports", func(c *Config) { c.Server.GRPCPort = c.Server.HTTPPort }, "must differ"},
		{"unknown backend", func(c *Config) { c.Storage.Backend = "ftp" }, "invalid storage backend"},
		{"s3 without bucket", func(c *Config) { c.Storage.Backend = "s3" }, "S3_BUCKET"},
		{"zero cache", func(c *Config) { c.Cube.CacheMaxEntries = 0 }, "cache max entries"},
		{"bad timeout", func(c *Config) { c.Server.QueryTimeout = "soon" }, "query timeout"},
		{"bad expiry", func(c *Config) { c.Auth.TokenExpiry = "1 day" }, "token expiry"},
		{"auth without secret", func(c *Config) { c.Auth.Enabled = true }, "JWT_SECRET"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load()
			require.NoError(t, err)
			tt.mutate(cfg)
			err = cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestConfig_StringHidesSecret(t *testing.T) {
	t.Setenv("JWT_SECRET", "hunter2")
	cfg, err := Load()
	require.NoError(t, err)
	assert.False(t, strings.Contains(cfg.String(), "hunter2"))
	assert.Contains(t, cfg.String(), `"issuer": "cube-engine"`)
}
