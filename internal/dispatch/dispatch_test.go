package dispatch

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/vigil/executor"
	"github.com/yairfalse/vigil/types"
)

type fakeRunner struct {
	delay   time.Duration
	running atomic.Int32
	peak    atomic.Int32
}

func (f *fakeRunner) Batch(_ context.Context, job executor.Job) types.ExecutionResult {
	n := f.running.Add(1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(f.delay)
	f.running.Add(-1)
	return types.ExecutionResult{Action: job.Action}
}

func TestPool_DeliversOneResultPerJob(t *testing.T) {
	runner := &fakeRunner{delay: 5 * time.Millisecond}
	pool := New(runner, 2, 8)
	pool.Start()
	defer pool.Close()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results, err := pool.Submit(context.Background(), executor.Job{Action: "configure_vlan"})
			require.NoError(t, err)
			res, ok := <-results
			assert.True(t, ok)
			assert.Equal(t, "configure_vlan", res.Action)
			_, ok = <-results
			assert.False(t, ok, "channel closes after the result")
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, runner.peak.Load(), int32(2))
}

func TestPool_SubmitAfterClose(t *testing.T) {
	pool := New(&fakeRunner{}, 1, 1)
	pool.Start()
	pool.Close()
	pool.Close()

	_, err := pool.Submit(context.Background(), executor.Job{Action: "ping"})
	assert.ErrorIs(t, err, types.ErrUnavailable)
}

func TestPool_SubmitHonoursContextWhenQueueFull(t *testing.T) {
	runner := &fakeRunner{delay: 200 * time.Millisecond}
	pool := New(runner, 1, 0)
	pool.Start()
	defer pool.Close()

	_, err := pool.Submit(context.Background(), executor.Job{Action: "ping"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = pool.Submit(ctx, executor.Job{Action: "ping"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPool_RunDrainsOnShutdown(t *testing.T) {
	runner := &fakeRunner{delay: 10 * time.Millisecond}
	pool := New(runner, 1, 4)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- pool.Run(ctx) }()

	require.Eventually(t, func() bool {
		pool.mu.RLock()
		defer pool.mu.RUnlock()
		return pool.started
	}, time.Second, time.Millisecond)

	results, err := pool.Submit(context.Background(), executor.Job{Action: "ping"})
	require.NoError(t, err)
	cancel()

	select {
	case res := <-results:
		assert.Equal(t, "ping", res.Action)
	case <-time.After(2 * time.Second):
		t.Fatal("queued job was dropped on shutdown")
	}
	assert.NoError(t, <-done)
}
