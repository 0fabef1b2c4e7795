package config

import (
	"github.com/yairfalse/vigil/executor"
	"github.com/yairfalse/vigil/internal/sqlaudit"
	"github.com/yairfalse/vigil/trust"
	"github.com/yairfalse/vigil/wal"
)

// TrustConfig returns the adjuster rates. Tier weights are not
// configurable.
func (c *Config) TrustConfig() trust.Config {
	rates := trust.DefaultConfig()
	rates.DefaultScore = c.Trust.DefaultScore
	rates.BaseGain = c.Trust.BaseGain
	rates.EscalatedMultiplier = c.Trust.EscalatedMultiplier
	rates.ViolationPenalty = c.Trust.ViolationPenalty
	rates.RollbackPenalty = c.Trust.RollbackPenalty
	return rates
}

// PoolConfig returns the device session pool settings
func (c *Config) PoolConfig() executor.PoolConfig {
	return executor.PoolConfig{
		MaxSessionsPerDevice: c.Pool.MaxSessionsPerDevice,
		AcquireTimeout:       c.Pool.AcquireTimeout,
		CommandsPerSecond:    c.Pool.CommandsPerSecond,
		Burst:                c.Pool.Burst,
	}
}

// ExecutorOptions returns the executor settings
func (c *Config) ExecutorOptions() executor.Options {
	t := c.Executor.Timeouts
	return executor.Options{
		Timeouts: executor.Timeouts{
			Acquire:  t.Acquire,
			Capture:  t.Capture,
			Command:  t.Command,
			Validate: t.Validate,
			Rollback: t.Rollback,
		},
		Retry: executor.RetryConfig{
			MaxTries:        c.Executor.Retry.MaxTries,
			InitialInterval: c.Executor.Retry.InitialInterval,
			MaxInterval:     c.Executor.Retry.MaxInterval,
		},
		MaxParallel: c.Executor.MaxParallel,
	}
}

// RollbackPolicy returns the validated batch rollback policy
func (c *Config) RollbackPolicy() executor.RollbackPolicy {
	p, err := executor.ParseRollbackPolicy(c.Executor.RollbackPolicy)
	if err != nil {
		return executor.RollbackPerDevice
	}
	return p
}

// WALConfig returns the audit log settings
func (c *Config) WALConfig() wal.Config {
	cfg := wal.DefaultConfig()
	if c.Audit.MaxFileSize > 0 {
		cfg.MaxFileSize = c.Audit.MaxFileSize
	}
	cfg.ArchiveTimeout = c.Audit.S3.Timeout
	cfg.MirrorTimeout = c.Audit.SQL.Timeout
	return cfg
}

// S3Config returns the archive target, or false when archiving is off
func (c *Config) S3Config() (wal.S3Config, bool) {
	if c.Audit.S3.Bucket == "" {
		return wal.S3Config{}, false
	}
	return wal.S3Config{
		Bucket:   c.Audit.S3.Bucket,
		Region:   c.Audit.S3.Region,
		Endpoint: c.Audit.S3.Endpoint,
		Prefix:   c.Audit.S3.Prefix,
	}, true
}

// SQLConfig returns the audit mirror target, or false when mirroring is off
func (c *Config) SQLConfig() (sqlaudit.Config, bool) {
	if c.Audit.SQL.DSN == "" {
		return sqlaudit.Config{}, false
	}
	return sqlaudit.Config{
		DSN:     c.Audit.SQL.DSN,
		Table:   c.Audit.SQL.Table,
		Timeout: c.Audit.SQL.Timeout,
	}, true
}

// Inventory returns the configured devices
func (c *Config) Inventory() executor.StaticInventory {
	return executor.NewStaticInventory(c.Devices...)
}
