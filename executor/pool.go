package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/yairfalse/vigil/telemetry"
	"github.com/yairfalse/vigil/types"
)

// PoolConfig bounds sessions and command rate per device
type PoolConfig struct {
	MaxSessionsPerDevice int64
	AcquireTimeout       time.Duration
	CommandsPerSecond    float64
	Burst                int
}

// DefaultPoolConfig allows two sessions and five commands a second per device
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxSessionsPerDevice: 2,
		AcquireTimeout:       10 * time.Second,
		CommandsPerSecond:    5,
		Burst:                5,
	}
}

// Pool hands out device sessions. Each device has its own bounded slot
// count and command rate limiter; idle sessions are reused.
type Pool struct {
	dialer  Dialer
	config  PoolConfig
	metrics *telemetry.Metrics
	logger  *telemetry.Logger

	mu      sync.Mutex
	devices map[string]*devicePool
	closed  bool
}

type devicePool struct {
	sem     *semaphore.Weighted
	limiter *rate.Limiter

	mu   sync.Mutex
	idle []Session
}

// NewPool creates a session pool. metrics may be nil.
func NewPool(dialer Dialer, config PoolConfig, metrics *telemetry.Metrics) *Pool {
	if config.MaxSessionsPerDevice <= 0 {
		config.MaxSessionsPerDevice = 1
	}
	if config.AcquireTimeout <= 0 {
		config.AcquireTimeout = DefaultPoolConfig().AcquireTimeout
	}
	if config.Burst <= 0 {
		config.Burst = 1
	}
	return &Pool{
		dialer:  dialer,
		config:  config,
		metrics: metrics,
		logger:  telemetry.NewLogger("session-pool"),
		devices: make(map[string]*devicePool),
	}
}

func (p *Pool) device(name string) (*devicePool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, fmt.Errorf("%w: session pool closed", types.ErrUnavailable)
	}
	dp, ok := p.devices[name]
	if !ok {
		limit := rate.Inf
		if p.config.CommandsPerSecond > 0 {
			limit = rate.Limit(p.config.CommandsPerSecond)
		}
		dp = &devicePool{
			sem:     semaphore.NewWeighted(p.config.MaxSessionsPerDevice),
			limiter: rate.NewLimiter(limit, p.config.Burst),
		}
		p.devices[name] = dp
	}
	return dp, nil
}

// Acquire reserves a session slot for device, waiting at most the
// configured acquisition timeout
func (p *Pool) Acquire(ctx context.Context, device Device) (*Lease, error) {
	dp, err := p.device(device.Name)
	if err != nil {
		return nil, err
	}

	actx, cancel := context.WithTimeout(ctx, p.config.AcquireTimeout)
	defer cancel()
	if err := dp.sem.Acquire(actx, 1); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		p.metrics.RecordPoolExhausted(ctx, device.Name)
		p.logger.WithContext(ctx).Warn().
			Str("device", device.Name).
			Dur("timeout", p.config.AcquireTimeout).
			Msg("session pool exhausted")
		return nil, fmt.Errorf("%w: %s", types.ErrPoolExhausted, device.Name)
	}

	lease := &Lease{pool: p, dp: dp, device: device}
	dp.mu.Lock()
	if n := len(dp.idle); n > 0 {
		lease.session = dp.idle[n-1]
		dp.idle = dp.idle[:n-1]
	}
	dp.mu.Unlock()

	if lease.session == nil {
		if err := lease.dial(ctx); err != nil {
			dp.sem.Release(1)
			return nil, err
		}
	}
	return lease, nil
}

// Close closes idle sessions. Leased sessions close on release.
func (p *Pool) Close() error {
	p.mu.Lock()
	p.closed = true
	devices := p.devices
	p.mu.Unlock()

	var errs []error
	for _, dp := range devices {
		dp.mu.Lock()
		for _, s := range dp.idle {
			if err := s.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		dp.idle = nil
		dp.mu.Unlock()
	}
	return errors.Join(errs...)
}

func (p *Pool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Lease is exclusive use of one session slot. Commands on a lease run one
// at a time.
type Lease struct {
	pool   *Pool
	dp     *devicePool
	device Device

	mu       sync.Mutex
	session  Session
	released bool
}

func (l *Lease) dial(ctx context.Context) error {
	s, err := l.pool.dialer.Dial(ctx, l.device)
	if err != nil {
		if errors.Is(err, ErrTransport) {
			return err
		}
		return fmt.Errorf("%w: dial %s: %v", ErrTransport, l.device.Name, err)
	}
	l.session = s
	return nil
}

// Run sends one command, reconnecting first if a previous command broke
// the session
func (l *Lease) Run(ctx context.Context, command string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.released {
		return "", fmt.Errorf("%w: lease already released", types.ErrExecution)
	}
	if err := l.dp.limiter.Wait(ctx); err != nil {
		return "", err
	}
	if l.session == nil {
		if err := l.dial(ctx); err != nil {
			return "", err
		}
	}

	out, err := l.session.Run(ctx, command)
	if err != nil && (errors.Is(err, ErrTransport) || errors.Is(err, context.DeadlineExceeded)) {
		_ = l.session.Close()
		l.session = nil
	}
	return out, err
}

// Release returns the session to the idle set and frees the slot
func (l *Lease) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.released {
		return
	}
	l.released = true

	if l.session != nil {
		if l.pool.isClosed() {
			_ = l.session.Close()
		} else {
			l.dp.mu.Lock()
			l.dp.idle = append(l.dp.idle, l.session)
			l.dp.mu.Unlock()
		}
		l.session = nil
	}
	l.dp.sem.Release(1)
}
