package trust

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/yairfalse/vigil/telemetry"
	"github.com/yairfalse/vigil/types"
)

// ErrListenerClosed is returned by Publish after Close
var ErrListenerClosed = errors.New("outcome listener closed")

// DefaultPublishTimeout bounds how long Publish waits on a full buffer
const DefaultPublishTimeout = 5 * time.Second

// Listener is the one-way channel from execution outcomes to the adjuster.
// Publishers never see the adjuster and get no result back.
type Listener struct {
	events   chan types.OutcomeEvent
	done     chan struct{}
	adjuster *Adjuster
	logger   *telemetry.Logger
	timeout  time.Duration

	mu        sync.RWMutex
	closed    bool
	closeOnce sync.Once
}

// NewListener creates a listener with the given buffer size
func NewListener(adjuster *Adjuster, buffer int) *Listener {
	return &Listener{
		events:   make(chan types.OutcomeEvent, buffer),
		done:     make(chan struct{}),
		adjuster: adjuster,
		logger:   telemetry.NewLogger("outcome-listener"),
		timeout:  DefaultPublishTimeout,
	}
}

// SetPublishTimeout changes how long Publish waits on a full buffer.
// Call it before the listener is shared.
func (l *Listener) SetPublishTimeout(d time.Duration) {
	if d > 0 {
		l.timeout = d
	}
}

// Publish queues an outcome. While the buffer is full it waits until ctx
// ends, the publish timeout passes or the listener is closed.
func (l *Listener) Publish(ctx context.Context, ev types.OutcomeEvent) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return ErrListenerClosed
	}

	timer := time.NewTimer(l.timeout)
	defer timer.Stop()

	select {
	case l.events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-l.done:
		return ErrListenerClosed
	case <-timer.C:
		l.logger.WithContext(ctx).Warn().
			Str("agent_id", ev.AgentID).
			Str("outcome", string(ev.Outcome)).
			Dur("timeout", l.timeout).
			Msg("outcome dropped, listener buffer full")
		return fmt.Errorf("%w: outcome buffer full after %s", types.ErrUnavailable, l.timeout)
	}
}

// Run applies queued outcomes until ctx is cancelled or the listener is
// closed and drained
func (l *Listener) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-l.events:
			if !ok {
				return nil
			}
			l.handle(ctx, ev)
		}
	}
}

func (l *Listener) handle(ctx context.Context, ev types.OutcomeEvent) {
	entry, err := l.adjuster.Adjust(ctx, ev)
	if err != nil {
		l.logger.WithContext(ctx).Error().
			Err(err).
			Str("agent_id", ev.AgentID).
			Str("outcome", string(ev.Outcome)).
			Str("reference", ev.Reference).
			Msg("failed to apply outcome")
		return
	}
	l.logger.WithContext(ctx).Debug().
		Str("agent_id", ev.AgentID).
		Str("outcome", string(ev.Outcome)).
		Float64("delta", entry.Delta).
		Msg("outcome applied")
}

// Close stops accepting outcomes and releases blocked publishers. Run
// drains what is already queued.
func (l *Listener) Close() {
	l.closeOnce.Do(func() { close(l.done) })
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.closed {
		l.closed = true
		close(l.events)
	}
}
