package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/yairfalse/vigil/types"
)

var (
	// ErrTransport marks a session or connection failure. Transport errors
	// are retried; everything else is not.
	ErrTransport = errors.New("device transport failure")

	// ErrCommandRejected marks a command the device refused. Rejections are
	// never retried.
	ErrCommandRejected = errors.New("command rejected by device")
)

// Device is one managed network device
type Device struct {
	Name     string   `toml:"name" json:"name"`
	Address  string   `toml:"address" json:"address"`
	Port     int      `toml:"port" json:"port"`
	Platform Platform `toml:"platform" json:"platform"`
	Username string   `toml:"username" json:"username,omitempty"`
}

// Inventory resolves device names
type Inventory interface {
	Device(name string) (Device, error)
}

// StaticInventory is an Inventory backed by a fixed map
type StaticInventory map[string]Device

// NewStaticInventory indexes devices by name
func NewStaticInventory(devices ...Device) StaticInventory {
	inv := make(StaticInventory, len(devices))
	for _, d := range devices {
		inv[d.Name] = d
	}
	return inv
}

// Device returns the named device or types.ErrNotFound
func (s StaticInventory) Device(name string) (Device, error) {
	d, ok := s[name]
	if !ok {
		return Device{}, fmt.Errorf("%w: device %q", types.ErrNotFound, name)
	}
	return d, nil
}

// Session is an open command channel to one device. A session runs one
// command at a time.
type Session interface {
	Run(ctx context.Context, command string) (string, error)
	Close() error
}

// Dialer opens sessions
type Dialer interface {
	Dial(ctx context.Context, device Device) (Session, error)
}

// Timeouts bound every device I/O step
type Timeouts struct {
	Acquire  time.Duration
	Capture  time.Duration
	Command  time.Duration
	Validate time.Duration
	Rollback time.Duration
}

// DefaultTimeouts returns conservative per-step limits
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Acquire:  10 * time.Second,
		Capture:  60 * time.Second,
		Command:  30 * time.Second,
		Validate: 30 * time.Second,
		Rollback: 120 * time.Second,
	}
}

// RollbackPolicy decides what happens to other devices when one fails
type RollbackPolicy string

const (
	// RollbackPerDevice rolls back only the device that failed
	RollbackPerDevice RollbackPolicy = "per_device"
	// RollbackAllOrNothing also restores every device that succeeded
	RollbackAllOrNothing RollbackPolicy = "all_or_nothing"
)

// ParseRollbackPolicy validates a policy name. Empty means per_device.
func ParseRollbackPolicy(s string) (RollbackPolicy, error) {
	switch RollbackPolicy(s) {
	case "", RollbackPerDevice:
		return RollbackPerDevice, nil
	case RollbackAllOrNothing:
		return RollbackAllOrNothing, nil
	default:
		return "", fmt.Errorf("%w: unknown rollback policy %q", types.ErrConfiguration, s)
	}
}

// ValidatorSpec selects a post-change validator for a job
type ValidatorSpec struct {
	Name     string
	Required bool
}

// Job is one approved action to run against one or more devices
type Job struct {
	Action     string
	Devices    []string
	Params     map[string]string
	Validators []ValidatorSpec
	Policy     RollbackPolicy
}

// RetryConfig controls the retry of transport failures
type RetryConfig struct {
	MaxTries        uint
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// Options configures an Executor
type Options struct {
	Timeouts    Timeouts
	Retry       RetryConfig
	MaxParallel int
}

// DefaultOptions retries once and runs up to eight devices at a time
func DefaultOptions() Options {
	return Options{
		Timeouts: DefaultTimeouts(),
		Retry: RetryConfig{
			MaxTries:        2,
			InitialInterval: 500 * time.Millisecond,
			MaxInterval:     5 * time.Second,
		},
		MaxParallel: 8,
	}
}
