package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	dir := t.TempDir()

	cfg, err := Load("", Options{DataDir: dir})
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.HTTPPort)
	assert.Equal(t, BusMemory, cfg.Bus.Backend)
	assert.Equal(t, 5*time.Minute, cfg.Policy.CacheTTL)
	assert.Equal(t, 8, cfg.Forensics.BulkWorkers)
	assert.Equal(t, 4, cfg.Gateway.HandlerConcurrency)
	assert.Equal(t, filepath.Join(dir, "audit", "spool.jsonl"), cfg.Audit.SpoolPath)
	assert.True(t, strings.HasPrefix(cfg.NodeID, "node-"))
	assert.Len(t, cfg.Auth.JWTSecret, 48)
	assert.Len(t, cfg.Watermark.MasterSecret, 48)

	// Generated values are persisted and reused on the next start.
	again, err := Load("", Options{DataDir: dir})
	require.NoError(t, err)
	assert.Equal(t, cfg.NodeID, again.NodeID)
	assert.Equal(t, cfg.Auth.JWTSecret, again.Auth.JWTSecret)
	assert.Equal(t, cfg.Watermark.MasterSecret, again.Watermark.MasterSecret)

	info, err := os.Stat(filepath.Join(dir, "jwt-secret"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestLoadFileEnvAndFlags(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "podshield.yaml")

	yaml := `
node_id: node-a
server:
  http_port: 9090
  cors_origins: ["https://console.example.com"]
bus:
  backend: redis
  redis:
    address: redis:6379
forensics:
  bulk_workers: 3
  evidence:
    enabled: true
    endpoint: minio:9000
gateway:
  ping_interval: 5s
`
	require.NoError(t, os.WriteFile(file, []byte(yaml), 0600))

	t.Setenv("PODSHIELD_AUTH_JWT_SECRET", strings.Repeat("x", 40))
	t.Setenv("PODSHIELD_POLICY_CACHE_TTL", "30s")

	cfg, err := Load(file, Options{DataDir: dir, HTTPPort: 7070, LogLevel: "debug"})
	require.NoError(t, err)

	assert.Equal(t, "node-a", cfg.NodeID)
	assert.Equal(t, 7070, cfg.Server.HTTPPort, "flags win over the file")
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, []string{"https://console.example.com"}, cfg.Server.CORSOrigins)
	assert.Equal(t, BusRedis, cfg.Bus.Backend)
	assert.Equal(t, "redis:6379", cfg.Bus.Redis.Address)
	assert.Equal(t, 3, cfg.Forensics.BulkWorkers)
	assert.Equal(t, "podshield-evidence", cfg.Forensics.Evidence.Bucket)
	assert.Equal(t, 5*time.Second, cfg.Gateway.PingInterval)
	assert.Equal(t, strings.Repeat("x", 40), cfg.Auth.JWTSecret)
	assert.Equal(t, 30*time.Second, cfg.Policy.CacheTTL)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"), Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config file")
}

func TestConfigCheck(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Server:    ServerConfig{HTTPPort: 8080},
			Auth:      AuthConfig{JWTSecret: strings.Repeat("s", 32)},
			Watermark: WatermarkConfig{MasterSecret: strings.Repeat("m", 16)},
			Bus:       BusConfig{Backend: BusMemory},
			Forensics: ForensicsConfig{BulkWorkers: 1},
			Gateway:   GatewayConfig{HandlerConcurrency: 1, PingInterval: time.Second},
		}
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "port out of range", mutate: func(c *Config) { c.Server.HTTPPort = 70000 }, errMsg: "server.http_port"},
		{name: "short jwt secret", mutate: func(c *Config) { c.Auth.JWTSecret = "short" }, errMsg: "auth.jwt_secret"},
		{name: "short master secret", mutate: func(c *Config) { c.Watermark.MasterSecret = "x" }, errMsg: "watermark.master_secret"},
		{name: "unknown bus", mutate: func(c *Config) { c.Bus.Backend = "kafka" }, errMsg: "bus.backend"},
		{name: "redis without address", mutate: func(c *Config) { c.Bus.Backend = BusRedis }, errMsg: "bus.redis.address"},
		{name: "no bulk workers", mutate: func(c *Config) { c.Forensics.BulkWorkers = 0 }, errMsg: "forensics.bulk_workers"},
		{
			name:   "evidence without endpoint",
			mutate: func(c *Config) { c.Forensics.Evidence = EvidenceConfig{Enabled: true, Bucket: "b"} },
			errMsg: "forensics.evidence",
		},
		{name: "no handler concurrency", mutate: func(c *Config) { c.Gateway.HandlerConcurrency = 0 }, errMsg: "gateway.handler_concurrency"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)

			err := cfg.check()
			if tt.errMsg == "" {
				assert.NoError(t, err)
				return
			}

			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestValidatePath(t *testing.T) {
	base := t.TempDir()

	assert.NoError(t, validatePath(base, filepath.Join(base, "node-id")))
	assert.Error(t, validatePath(base, filepath.Join(base, "..", "escape")))
	assert.Error(t, validatePath(base, base+"-sibling/file"))
}
