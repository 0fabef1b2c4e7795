// Package config handles the TOML service configuration for vigil.
package config

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/yairfalse/vigil/executor"
	"github.com/yairfalse/vigil/internal/authz"
	"github.com/yairfalse/vigil/trust"
	"github.com/yairfalse/vigil/types"
)

// Config is the root configuration structure.
type Config struct {
	Server   ServerConfig       `toml:"server"`
	Policy   PolicyConfig       `toml:"policy"`
	Storage  StorageConfig      `toml:"storage"`
	Audit    AuditConfig        `toml:"audit"`
	Auth     AuthConfig         `toml:"auth"`
	Devices  []executor.Device  `toml:"devices"`
	SSH      executor.SSHConfig `toml:"ssh"`
	Pool     PoolConfig         `toml:"pool"`
	Executor ExecutorConfig     `toml:"executor"`
	Trust    TrustConfig        `toml:"trust"`
	OTEL     OTELConfig         `toml:"otel"`
	Log      LogConfig          `toml:"log"`
}

// ServerConfig holds the health and metrics listener.
type ServerConfig struct {
	Listen string `toml:"listen"`
}

// PolicyConfig locates the policy document.
type PolicyConfig struct {
	Path          string        `toml:"path"`
	WatchInterval time.Duration `toml:"watch_interval"`
}

// StorageConfig holds the bbolt data directory.
type StorageConfig struct {
	DataDir string `toml:"data_dir"`
}

// AuditConfig holds the audit log and its optional sinks.
type AuditConfig struct {
	Dir         string    `toml:"dir"`
	MaxFileSize int64     `toml:"max_file_size"`
	S3          S3Config  `toml:"s3"`
	SQL         SQLConfig `toml:"sql"`
}

// S3Config enables archiving of sealed audit segments.
type S3Config struct {
	Bucket   string        `toml:"bucket"`
	Region   string        `toml:"region"`
	Endpoint string        `toml:"endpoint"`
	Prefix   string        `toml:"prefix"`
	Timeout  time.Duration `toml:"timeout"`
}

// SQLConfig enables the PostgreSQL audit mirror.
type SQLConfig struct {
	DSN     string        `toml:"dsn"`
	Table   string        `toml:"table"`
	Timeout time.Duration `toml:"timeout"`
}

// AuthConfig holds token and API key settings.
type AuthConfig struct {
	JWTSecret string         `toml:"jwt_secret"`
	Issuer    string         `toml:"issuer"`
	APIKeys   []authz.APIKey `toml:"api_keys"`
}

// PoolConfig holds per-device session limits.
type PoolConfig struct {
	MaxSessionsPerDevice int64         `toml:"max_sessions_per_device"`
	AcquireTimeout       time.Duration `toml:"acquire_timeout"`
	CommandsPerSecond    float64       `toml:"commands_per_second"`
	Burst                int           `toml:"burst"`
}

// ExecutorConfig holds execution and dispatch settings.
type ExecutorConfig struct {
	Workers        int            `toml:"workers"`
	Queue          int            `toml:"queue"`
	MaxParallel    int            `toml:"max_parallel"`
	RollbackPolicy string         `toml:"rollback_policy"`
	Retry          RetryConfig    `toml:"retry"`
	Timeouts       TimeoutsConfig `toml:"timeouts"`
}

// RetryConfig controls transport retries.
type RetryConfig struct {
	MaxTries        uint          `toml:"max_tries"`
	InitialInterval time.Duration `toml:"initial_interval"`
	MaxInterval     time.Duration `toml:"max_interval"`
}

// TimeoutsConfig holds per-step device timeouts.
type TimeoutsConfig struct {
	Acquire  time.Duration `toml:"acquire"`
	Capture  time.Duration `toml:"capture"`
	Command  time.Duration `toml:"command"`
	Validate time.Duration `toml:"validate"`
	Rollback time.Duration `toml:"rollback"`
}

// TrustConfig holds the trust score rates.
type TrustConfig struct {
	DefaultScore        float64 `toml:"default_score"`
	BaseGain            float64 `toml:"base_gain"`
	EscalatedMultiplier float64 `toml:"escalated_multiplier"`
	ViolationPenalty    float64 `toml:"violation_penalty"`
	RollbackPenalty     float64 `toml:"rollback_penalty"`
	ListenerBuffer      int     `toml:"listener_buffer"`
}

// OTELConfig holds OpenTelemetry settings.
type OTELConfig struct {
	Endpoint    string        `toml:"endpoint"`
	Insecure    bool          `toml:"insecure"`
	ServiceName string        `toml:"service_name"`
	Traces      TracesConfig  `toml:"traces"`
	Metrics     MetricsConfig `toml:"metrics"`
}

// TracesConfig holds tracing settings.
type TracesConfig struct {
	Enabled    bool    `toml:"enabled"`
	SampleRate float64 `toml:"sample_rate"`
}

// MetricsConfig holds metrics settings.
type MetricsConfig struct {
	Enabled    bool `toml:"enabled"`
	Prometheus bool `toml:"prometheus"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `toml:"level"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// Load reads and parses a TOML config file. Unknown keys are an error.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(string(data))
}

// Parse decodes a TOML document, applies defaults and validates it.
func Parse(data string) (*Config, error) {
	cfg := &Config{}
	md, err := toml.Decode(data, cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: parse config: %v", types.ErrConfiguration, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		sort.Strings(keys)
		return nil, fmt.Errorf("%w: unknown keys: %s", types.ErrConfiguration, strings.Join(keys, ", "))
	}

	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Listen == "" {
		cfg.Server.Listen = ":9464"
	}
	if cfg.Policy.Path == "" {
		cfg.Policy.Path = "policy.yaml"
	}
	if cfg.Policy.WatchInterval == 0 {
		cfg.Policy.WatchInterval = 10 * time.Second
	}
	if cfg.Storage.DataDir == "" {
		cfg.Storage.DataDir = "data"
	}
	if cfg.Audit.Dir == "" {
		cfg.Audit.Dir = "audit"
	}
	if cfg.Audit.SQL.Table == "" {
		cfg.Audit.SQL.Table = "vigil_audit"
	}
	if cfg.Audit.SQL.Timeout == 0 {
		cfg.Audit.SQL.Timeout = 5 * time.Second
	}
	if cfg.Audit.S3.Timeout == 0 {
		cfg.Audit.S3.Timeout = 30 * time.Second
	}
	if cfg.Auth.Issuer == "" {
		cfg.Auth.Issuer = "vigil"
	}
	if cfg.SSH.DialTimeout == 0 {
		cfg.SSH.DialTimeout = 10 * time.Second
	}

	pool := executor.DefaultPoolConfig()
	if cfg.Pool.MaxSessionsPerDevice == 0 {
		cfg.Pool.MaxSessionsPerDevice = pool.MaxSessionsPerDevice
	}
	if cfg.Pool.AcquireTimeout == 0 {
		cfg.Pool.AcquireTimeout = pool.AcquireTimeout
	}
	if cfg.Pool.CommandsPerSecond == 0 {
		cfg.Pool.CommandsPerSecond = pool.CommandsPerSecond
	}
	if cfg.Pool.Burst == 0 {
		cfg.Pool.Burst = pool.Burst
	}

	opts := executor.DefaultOptions()
	ex := &cfg.Executor
	if ex.Workers == 0 {
		ex.Workers = 4
	}
	if ex.Queue == 0 {
		ex.Queue = 64
	}
	if ex.MaxParallel == 0 {
		ex.MaxParallel = opts.MaxParallel
	}
	if ex.RollbackPolicy == "" {
		ex.RollbackPolicy = string(executor.RollbackPerDevice)
	}
	if ex.Retry.MaxTries == 0 {
		ex.Retry.MaxTries = opts.Retry.MaxTries
	}
	if ex.Retry.InitialInterval == 0 {
		ex.Retry.InitialInterval = opts.Retry.InitialInterval
	}
	if ex.Retry.MaxInterval == 0 {
		ex.Retry.MaxInterval = opts.Retry.MaxInterval
	}
	setDuration(&ex.Timeouts.Acquire, opts.Timeouts.Acquire)
	setDuration(&ex.Timeouts.Capture, opts.Timeouts.Capture)
	setDuration(&ex.Timeouts.Command, opts.Timeouts.Command)
	setDuration(&ex.Timeouts.Validate, opts.Timeouts.Validate)
	setDuration(&ex.Timeouts.Rollback, opts.Timeouts.Rollback)

	rates := trust.DefaultConfig()
	t := &cfg.Trust
	if t.DefaultScore == 0 {
		t.DefaultScore = rates.DefaultScore
	}
	if t.BaseGain == 0 {
		t.BaseGain = rates.BaseGain
	}
	if t.EscalatedMultiplier == 0 {
		t.EscalatedMultiplier = rates.EscalatedMultiplier
	}
	if t.ViolationPenalty == 0 {
		t.ViolationPenalty = rates.ViolationPenalty
	}
	if t.RollbackPenalty == 0 {
		t.RollbackPenalty = rates.RollbackPenalty
	}
	if t.ListenerBuffer == 0 {
		t.ListenerBuffer = 256
	}

	for i := range cfg.Devices {
		if cfg.Devices[i].Platform == "" {
			cfg.Devices[i].Platform = executor.PlatformIOSXE
		}
		if cfg.Devices[i].Port == 0 {
			cfg.Devices[i].Port = 22
		}
	}

	if cfg.OTEL.ServiceName == "" {
		cfg.OTEL.ServiceName = "vigil"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
}

func setDuration(d *time.Duration, def time.Duration) {
	if *d == 0 {
		*d = def
	}
}

// Validate checks the configuration is valid.
func (c *Config) Validate() error {
	if c.OTEL.Traces.SampleRate < 0.0 || c.OTEL.Traces.SampleRate > 1.0 {
		return fmt.Errorf("%w: otel: traces.sample_rate must be between 0.0 and 1.0 (got %v)",
			types.ErrConfiguration, c.OTEL.Traces.SampleRate)
	}
	if _, err := executor.ParseRollbackPolicy(c.Executor.RollbackPolicy); err != nil {
		return err
	}
	if c.Pool.MaxSessionsPerDevice < 1 {
		return fmt.Errorf("%w: pool: max_sessions_per_device must be at least 1", types.ErrConfiguration)
	}
	if err := c.TrustConfig().Validate(); err != nil {
		return err
	}

	seen := make(map[string]struct{}, len(c.Devices))
	for i, d := range c.Devices {
		if d.Name == "" || d.Address == "" {
			return fmt.Errorf("%w: devices[%d]: name and address are required", types.ErrConfiguration, i)
		}
		if _, dup := seen[d.Name]; dup {
			return fmt.Errorf("%w: devices: duplicate name %q", types.ErrConfiguration, d.Name)
		}
		seen[d.Name] = struct{}{}
		if _, err := executor.ParsePlatform(string(d.Platform)); err != nil {
			return fmt.Errorf("%w: devices[%d]: %v", types.ErrConfiguration, i, err)
		}
	}

	for _, k := range c.Auth.APIKeys {
		if _, err := authz.ParseRole(k.Role); err != nil {
			return fmt.Errorf("auth: api key %s: %w", k.Name, err)
		}
	}
	return nil
}
