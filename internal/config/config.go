// Package config provides configuration management for PodShield.
//
// Configuration is loaded from multiple sources with the following precedence:
//  1. Command-line flags (highest priority)
//  2. Environment variables (PODSHIELD_* prefix)
//  3. Configuration file (podshield.yaml)
//  4. Default values (lowest priority)
//
// Example usage:
//
//	cfg, err := config.Load("/etc/podshield/podshield.yaml", config.Options{})
//	if err != nil {
//	    log.Fatal(err)
//	}
package config

import (
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for PodShield
type Config struct {
	// Node identification
	NodeID string `mapstructure:"node_id"`

	// Data storage
	DataDir string `mapstructure:"data_dir"`

	// Logging
	LogLevel string `mapstructure:"log_level"`

	Server     ServerConfig     `mapstructure:"server"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Sessions   SessionsConfig   `mapstructure:"sessions"`
	Policy     PolicyConfig     `mapstructure:"policy"`
	Scanner    ScannerConfig    `mapstructure:"scanner"`
	Audit      AuditConfig      `mapstructure:"audit"`
	Bus        BusConfig        `mapstructure:"bus"`
	Watermark  WatermarkConfig  `mapstructure:"watermark"`
	Forensics  ForensicsConfig  `mapstructure:"forensics"`
	KillSwitch KillSwitchConfig `mapstructure:"killswitch"`
	Gateway    GatewayConfig    `mapstructure:"gateway"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	HTTPPort        int           `mapstructure:"http_port"`
	CORSOrigins     []string      `mapstructure:"cors_origins"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	// RateLimitRPS is the per-client request rate on the REST API. Zero
	// disables rate limiting.
	RateLimitRPS   int `mapstructure:"rate_limit_rps"`
	RateLimitBurst int `mapstructure:"rate_limit_burst"`
}

// AuthConfig holds token verification settings
type AuthConfig struct {
	// JWTSecret signs and verifies tokens. Generated and persisted under
	// data_dir when empty.
	JWTSecret        string        `mapstructure:"jwt_secret"`
	Issuer           string        `mapstructure:"issuer"`
	OperatorAudience string        `mapstructure:"operator_audience"`
	SessionAudience  string        `mapstructure:"session_audience"`
	TokenExpiry      time.Duration `mapstructure:"token_expiry"`
}

// SessionsConfig points at the session-lifecycle service.
type SessionsConfig struct {
	// ControllerURL is the base URL used to terminate sessions. Empty logs
	// terminations instead of calling out.
	ControllerURL   string        `mapstructure:"controller_url"`
	ControllerToken string        `mapstructure:"controller_token"`
	Timeout         time.Duration `mapstructure:"timeout"`
}

// PolicyConfig configures the policy cache.
type PolicyConfig struct {
	CacheTTL  time.Duration `mapstructure:"cache_ttl"`
	StaleTTL  time.Duration `mapstructure:"stale_ttl"`
	CacheSize int64         `mapstructure:"cache_size"`
}

// ScannerConfig bounds content scanning.
type ScannerConfig struct {
	MaxScanBytes     int64         `mapstructure:"max_scan_bytes"`
	SensitiveTimeout time.Duration `mapstructure:"sensitive_timeout"`
	MalwareTimeout   time.Duration `mapstructure:"malware_timeout"`
	PDFPageLimit     int           `mapstructure:"pdf_page_limit"`
	// CatalogFile is an optional YAML pattern catalog merged into the
	// built-in library at startup.
	CatalogFile string `mapstructure:"catalog_file"`
}

// AuditConfig configures transfer recording and the audit event log.
type AuditConfig struct {
	SpoolPath      string        `mapstructure:"spool_path"`
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryDelay     time.Duration `mapstructure:"retry_delay"`
	ReplayInterval time.Duration `mapstructure:"replay_interval"`
	BufferSize     int           `mapstructure:"buffer_size"`
	// LogFile additionally appends audit events to a JSON lines file.
	LogFile string `mapstructure:"log_file"`
}

// Bus backends.
const (
	BusMemory = "memory"
	BusRedis  = "redis"
)

// BusConfig selects the pub/sub backend.
type BusConfig struct {
	Backend string      `mapstructure:"backend"`
	Redis   RedisConfig `mapstructure:"redis"`
}

// RedisConfig configures the Redis bus and the shared liveness store.
type RedisConfig struct {
	Address       string `mapstructure:"address"`
	Password      string `mapstructure:"password"`
	DB            int    `mapstructure:"db"`
	PoolSize      int    `mapstructure:"pool_size"`
	ChannelPrefix string `mapstructure:"channel_prefix"`
	TLSEnabled    bool   `mapstructure:"tls_enabled"`
}

// WatermarkConfig configures watermark rendering and embedding.
type WatermarkConfig struct {
	// MasterSecret keys the payload MAC. Generated and persisted under
	// data_dir when empty.
	MasterSecret    string        `mapstructure:"master_secret"`
	RefreshInterval time.Duration `mapstructure:"refresh_interval"`
	ViewportWidth   int           `mapstructure:"viewport_width"`
	ViewportHeight  int           `mapstructure:"viewport_height"`
}

// ForensicsConfig configures leak scanning.
type ForensicsConfig struct {
	FetchTimeout  time.Duration  `mapstructure:"fetch_timeout"`
	MaxFetchBytes int64          `mapstructure:"max_fetch_bytes"`
	BulkWorkers   int            `mapstructure:"bulk_workers"`
	MaxBulkURLs   int            `mapstructure:"max_bulk_urls"`
	Evidence      EvidenceConfig `mapstructure:"evidence"`
}

// EvidenceConfig mirrors investigation evidence to an S3-compatible bucket.
type EvidenceConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Endpoint  string `mapstructure:"endpoint"`
	Bucket    string `mapstructure:"bucket"`
	Region    string `mapstructure:"region"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	UseSSL    bool   `mapstructure:"use_ssl"`
}

// KillSwitchConfig configures termination retries.
type KillSwitchConfig struct {
	MaxRetries int           `mapstructure:"max_retries"`
	RetryDelay time.Duration `mapstructure:"retry_delay"`
}

// GatewayConfig configures the real-time channel.
type GatewayConfig struct {
	WriteTimeout       time.Duration `mapstructure:"write_timeout"`
	PingInterval       time.Duration `mapstructure:"ping_interval"`
	HandlerTimeout     time.Duration `mapstructure:"handler_timeout"`
	MaxMessageSize     int64         `mapstructure:"max_message_size"`
	HandlerConcurrency int           `mapstructure:"handler_concurrency"`
	SendBuffer         int           `mapstructure:"send_buffer"`
	LivenessTTL        time.Duration `mapstructure:"liveness_ttl"`
}

// Options are command line overrides
type Options struct {
	DataDir  string
	HTTPPort int
	LogLevel string
}

// Load loads configuration from file and applies command line options
func Load(configPath string, opts Options) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else {
		v.SetConfigName("podshield")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/podshield")
		v.AddConfigPath("$HOME/.podshield")

		// Ignore error if config file not found
		_ = v.ReadInConfig()
	}

	// Environment variables override
	v.SetEnvPrefix("PODSHIELD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if opts.DataDir != "" {
		v.Set("data_dir", opts.DataDir)
	}

	if opts.HTTPPort != 0 {
		v.Set("server.http_port", opts.HTTPPort)
	}

	if opts.LogLevel != "" {
		v.Set("log_level", opts.LogLevel)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	// Keys without a useful default are still registered so that
	// environment variables reach them through Unmarshal.
	v.SetDefault("node_id", "")
	v.SetDefault("data_dir", "./data")
	v.SetDefault("log_level", "info")

	// Server
	v.SetDefault("server.http_port", 8080)
	v.SetDefault("server.cors_origins", []string{})
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 60*time.Second)
	v.SetDefault("server.shutdown_timeout", 15*time.Second)
	v.SetDefault("server.rate_limit_rps", 100)
	v.SetDefault("server.rate_limit_burst", 200)

	// Auth
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.issuer", "")
	v.SetDefault("auth.operator_audience", "podshield-api")
	v.SetDefault("auth.session_audience", "podshield-session")
	v.SetDefault("auth.token_expiry", time.Hour)

	// Sessions
	v.SetDefault("sessions.controller_url", "")
	v.SetDefault("sessions.controller_token", "")
	v.SetDefault("sessions.timeout", 10*time.Second)

	// Policy cache
	v.SetDefault("policy.cache_ttl", 5*time.Minute)
	v.SetDefault("policy.stale_ttl", time.Hour)
	v.SetDefault("policy.cache_size", 10_000)

	// Scanner
	v.SetDefault("scanner.max_scan_bytes", 10*1024*1024)
	v.SetDefault("scanner.sensitive_timeout", 2*time.Second)
	v.SetDefault("scanner.malware_timeout", 5*time.Second)
	v.SetDefault("scanner.pdf_page_limit", 20)
	v.SetDefault("scanner.catalog_file", "")

	// Audit
	v.SetDefault("audit.max_retries", 3)
	v.SetDefault("audit.retry_delay", 100*time.Millisecond)
	v.SetDefault("audit.replay_interval", 30*time.Second)
	v.SetDefault("audit.buffer_size", 10_000)
	v.SetDefault("audit.spool_path", "")
	v.SetDefault("audit.log_file", "")

	// Bus
	v.SetDefault("bus.backend", BusMemory)
	v.SetDefault("bus.redis.address", "localhost:6379")
	v.SetDefault("bus.redis.password", "")
	v.SetDefault("bus.redis.db", 0)
	v.SetDefault("bus.redis.pool_size", 10)
	v.SetDefault("bus.redis.tls_enabled", false)
	v.SetDefault("bus.redis.channel_prefix", "podshield")

	// Watermark
	v.SetDefault("watermark.master_secret", "")
	v.SetDefault("watermark.refresh_interval", time.Minute)
	v.SetDefault("watermark.viewport_width", 1920)
	v.SetDefault("watermark.viewport_height", 1080)

	// Forensics
	v.SetDefault("forensics.fetch_timeout", 15*time.Second)
	v.SetDefault("forensics.max_fetch_bytes", 25*1024*1024)
	v.SetDefault("forensics.bulk_workers", 8)
	v.SetDefault("forensics.max_bulk_urls", 100)
	v.SetDefault("forensics.evidence.enabled", false)
	v.SetDefault("forensics.evidence.endpoint", "")
	v.SetDefault("forensics.evidence.access_key", "")
	v.SetDefault("forensics.evidence.secret_key", "")
	v.SetDefault("forensics.evidence.bucket", "podshield-evidence")
	v.SetDefault("forensics.evidence.region", "us-east-1")
	v.SetDefault("forensics.evidence.use_ssl", true)

	// Kill switch
	v.SetDefault("killswitch.max_retries", 3)
	v.SetDefault("killswitch.retry_delay", 200*time.Millisecond)

	// Gateway
	v.SetDefault("gateway.write_timeout", 10*time.Second)
	v.SetDefault("gateway.ping_interval", 30*time.Second)
	v.SetDefault("gateway.handler_timeout", 30*time.Second)
	v.SetDefault("gateway.max_message_size", 16*1024*1024)
	v.SetDefault("gateway.handler_concurrency", 4)
	v.SetDefault("gateway.send_buffer", 64)
	v.SetDefault("gateway.liveness_ttl", 90*time.Second)
}

func (c *Config) validate() error {
	// Ensure data directory exists with secure permissions
	if err := os.MkdirAll(c.DataDir, 0750); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	var err error

	if c.NodeID == "" {
		if c.NodeID, err = c.persisted("node-id", 0644, generateNodeID); err != nil {
			return err
		}
	}

	if c.Auth.JWTSecret == "" {
		if c.Auth.JWTSecret, err = c.persisted("jwt-secret", 0600, func() string { return generateSecret(48) }); err != nil {
			return err
		}
	}

	if c.Watermark.MasterSecret == "" {
		if c.Watermark.MasterSecret, err = c.persisted("watermark-secret", 0600, func() string { return generateSecret(48) }); err != nil {
			return err
		}
	}

	if c.Audit.SpoolPath == "" {
		c.Audit.SpoolPath = filepath.Join(c.DataDir, "audit", "spool.jsonl")
	}

	return c.check()
}

// check validates values that have no sensible fallback.
func (c *Config) check() error {
	var errs []error

	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		errs = append(errs, fmt.Errorf("server.http_port %d is out of range", c.Server.HTTPPort))
	}

	if len(c.Auth.JWTSecret) < 32 {
		errs = append(errs, errors.New("auth.jwt_secret must be at least 32 bytes"))
	}

	if len(c.Watermark.MasterSecret) < 16 {
		errs = append(errs, errors.New("watermark.master_secret must be at least 16 bytes"))
	}

	switch c.Bus.Backend {
	case BusMemory:
	case BusRedis:
		if c.Bus.Redis.Address == "" {
			errs = append(errs, errors.New("bus.redis.address is required for the redis backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("bus.backend %q must be %q or %q", c.Bus.Backend, BusMemory, BusRedis))
	}

	if c.Forensics.BulkWorkers <= 0 {
		errs = append(errs, errors.New("forensics.bulk_workers must be positive"))
	}

	if c.Forensics.Evidence.Enabled {
		if c.Forensics.Evidence.Endpoint == "" || c.Forensics.Evidence.Bucket == "" {
			errs = append(errs, errors.New("forensics.evidence requires endpoint and bucket when enabled"))
		}
	}

	if c.Gateway.HandlerConcurrency <= 0 {
		errs = append(errs, errors.New("gateway.handler_concurrency must be positive"))
	}

	if c.Gateway.PingInterval <= 0 {
		errs = append(errs, errors.New("gateway.ping_interval must be positive"))
	}

	return errors.Join(errs...)
}

// persisted returns the content of a file under the data directory, creating
// it with generate() on first start.
func (c *Config) persisted(name string, perm os.FileMode, generate func() string) (string, error) {
	path := filepath.Join(c.DataDir, name)

	// Validate path to prevent path traversal
	if err := validatePath(c.DataDir, path); err != nil {
		return "", fmt.Errorf("invalid %s path: %w", name, err)
	}

	if data, err := os.ReadFile(path); err == nil { // #nosec G304 - path validated above
		return strings.TrimSpace(string(data)), nil
	}

	value := generate()
	if err := os.WriteFile(path, []byte(value), perm); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", name, err)
	}

	return value, nil
}

// validatePath ensures a file path is within a base directory to prevent path traversal attacks.
func validatePath(basePath, filePath string) error {
	cleanBase, err := filepath.Abs(filepath.Clean(basePath))
	if err != nil {
		return fmt.Errorf("failed to resolve base path: %w", err)
	}

	cleanFile, err := filepath.Abs(filepath.Clean(filePath))
	if err != nil {
		return fmt.Errorf("failed to resolve file path: %w", err)
	}

	if cleanFile != cleanBase && !strings.HasPrefix(cleanFile, cleanBase+string(filepath.Separator)) {
		return fmt.Errorf("path traversal detected: %s is outside %s", filePath, basePath) // nolint:err113 // dynamic error with context
	}

	return nil
}

func generateNodeID() string {
	return fmt.Sprintf("node-%s", generateSecret(8))
}

func generateSecret(length int) string {
	const charset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

	b := make([]byte, length)
	for i := range b {
		b[i] = charset[int(randomByte())%len(charset)]
	}

	return string(b)
}

func randomByte() byte {
	var b [1]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand failing leaves no safe way to generate secrets
		panic(fmt.Sprintf("failed to generate random bytes: %v", err))
	}

	return b[0]
}
