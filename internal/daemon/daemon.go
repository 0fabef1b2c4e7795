// Package daemon serves the operational HTTP surface of vigil: /health
// and, when enabled, /metrics.
package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/yairfalse/vigil/internal/authz"
	"github.com/yairfalse/vigil/orchestrator"
	"github.com/yairfalse/vigil/telemetry"
	"github.com/yairfalse/vigil/types"
)

// HealthSource reports service health for a caller
type HealthSource interface {
	Health(ctx context.Context, caller authz.Principal) orchestrator.Health
}

// Authenticator resolves the caller of an HTTP request
type Authenticator interface {
	FromRequest(r *http.Request) (authz.Principal, error)
}

// Config holds daemon configuration
type Config struct {
	Listen          string
	Health          HealthSource
	Auth            Authenticator // optional; without it every caller is anonymous
	Metrics         http.Handler  // optional
	ShutdownTimeout time.Duration
}

// Daemon serves the health and metrics endpoints
type Daemon struct {
	config        Config
	server        *http.Server
	daemonMetrics *DaemonMetrics
	logger        *telemetry.Logger
	startTime     time.Time

	mu       sync.Mutex
	listener net.Listener
}

// NewDaemon creates a new daemon instance
func NewDaemon(config Config) (*Daemon, error) {
	if config.Health == nil {
		return nil, fmt.Errorf("%w: daemon needs a health source", types.ErrConfiguration)
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = 5 * time.Second
	}
	m, err := NewDaemonMetrics()
	if err != nil {
		return nil, fmt.Errorf("daemon metrics: %w", err)
	}

	d := &Daemon{
		config:        config,
		daemonMetrics: m,
		logger:        telemetry.NewLogger("daemon"),
		startTime:     time.Now(),
	}
	d.server = &http.Server{
		Handler:           d.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return d, nil
}

// Handler returns the HTTP routes
func (d *Daemon) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /health", d.instrument("/health", http.HandlerFunc(d.health)))
	if d.config.Metrics != nil {
		mux.Handle("GET /metrics", d.instrument("/metrics", d.config.Metrics))
	}
	return mux
}

// Listen binds the configured address
func (d *Daemon) Listen() error {
	ln, err := net.Listen("tcp", d.config.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", d.config.Listen, err)
	}
	d.mu.Lock()
	d.listener = ln
	d.mu.Unlock()
	return nil
}

// Addr returns the bound address, or nil before Listen
func (d *Daemon) Addr() net.Addr {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.listener == nil {
		return nil
	}
	return d.listener.Addr()
}

// Start serves until ctx is cancelled, then shuts down gracefully. It binds
// the address itself if Listen was not called.
func (d *Daemon) Start(ctx context.Context) error {
	if d.Addr() == nil {
		if err := d.Listen(); err != nil {
			return err
		}
	}
	d.mu.Lock()
	ln := d.listener
	d.mu.Unlock()

	d.logger.WithContext(ctx).Info().
		Str("addr", ln.Addr().String()).
		Msg("daemon listening")

	errCh := make(chan error, 1)
	go func() { errCh <- d.server.Serve(ln) }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.config.ShutdownTimeout)
	defer cancel()
	if err := d.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// Uptime returns how long the daemon has existed
func (d *Daemon) Uptime() time.Duration {
	return time.Since(d.startTime)
}

func (d *Daemon) health(w http.ResponseWriter, r *http.Request) {
	caller := authz.Anonymous
	if d.config.Auth != nil {
		p, err := d.config.Auth.FromRequest(r)
		if err != nil {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": types.PublicMessage(err)})
			return
		}
		caller = p
	}

	h := d.config.Health.Health(r.Context(), caller)
	code := http.StatusOK
	if h.Status != orchestrator.StatusOK {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, h)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.code = code
	s.ResponseWriter.WriteHeader(code)
}

func (d *Daemon) instrument(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rec, r)
		d.daemonMetrics.RecordRequest(r.Context(), route, rec.code, time.Since(start))
	})
}
