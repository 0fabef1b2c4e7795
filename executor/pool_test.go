package executor_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/vigil/executor"
	"github.com/yairfalse/vigil/executor/devicetest"
	"github.com/yairfalse/vigil/types"
)

var router1 = executor.Device{Name: "r1", Address: "192.0.2.1", Platform: executor.PlatformIOSXE}

func TestPool_ExhaustionTimesOut(t *testing.T) {
	lab := devicetest.NewLab()
	lab.Add("r1", baseConfig)
	pool := executor.NewPool(lab, executor.PoolConfig{MaxSessionsPerDevice: 1, AcquireTimeout: 30 * time.Millisecond}, nil)
	defer pool.Close()

	held, err := pool.Acquire(context.Background(), router1)
	require.NoError(t, err)

	start := time.Now()
	_, err = pool.Acquire(context.Background(), router1)
	assert.ErrorIs(t, err, types.ErrPoolExhausted)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)

	held.Release()
	again, err := pool.Acquire(context.Background(), router1)
	require.NoError(t, err)
	again.Release()

	assert.Equal(t, 1, lab.Get("r1").Dials(), "released sessions are reused")
}

func TestPool_DevicesDoNotShareSlots(t *testing.T) {
	lab := devicetest.NewLab()
	lab.Add("r1", baseConfig)
	lab.Add("r2", baseConfig)
	pool := executor.NewPool(lab, executor.PoolConfig{MaxSessionsPerDevice: 1, AcquireTimeout: 30 * time.Millisecond}, nil)
	defer pool.Close()

	a, err := pool.Acquire(context.Background(), router1)
	require.NoError(t, err)
	defer a.Release()

	b, err := pool.Acquire(context.Background(), executor.Device{Name: "r2", Platform: executor.PlatformIOSXE})
	require.NoError(t, err)
	b.Release()
}

func TestPool_CallerCancellation(t *testing.T) {
	lab := devicetest.NewLab()
	lab.Add("r1", baseConfig)
	pool := executor.NewPool(lab, executor.PoolConfig{MaxSessionsPerDevice: 1, AcquireTimeout: time.Second}, nil)
	defer pool.Close()

	held, err := pool.Acquire(context.Background(), router1)
	require.NoError(t, err)
	defer held.Release()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = pool.Acquire(ctx, router1)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, types.ErrPoolExhausted)
}

func TestPool_DialFailureFreesSlot(t *testing.T) {
	lab := devicetest.NewLab()
	lab.Add("r1", baseConfig).FailDials(1)
	pool := executor.NewPool(lab, executor.PoolConfig{MaxSessionsPerDevice: 1, AcquireTimeout: 30 * time.Millisecond}, nil)
	defer pool.Close()

	_, err := pool.Acquire(context.Background(), router1)
	assert.ErrorIs(t, err, executor.ErrTransport)

	lease, err := pool.Acquire(context.Background(), router1)
	require.NoError(t, err)
	lease.Release()
}

func TestPool_BoundsConcurrentSessions(t *testing.T) {
	lab := devicetest.NewLab()
	dev := lab.Add("r1", baseConfig)
	dev.SetDelay(5 * time.Millisecond)
	pool := executor.NewPool(lab, executor.PoolConfig{MaxSessionsPerDevice: 2, AcquireTimeout: 5 * time.Second}, nil)
	defer pool.Close()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		maxOpen int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lease, err := pool.Acquire(context.Background(), router1)
			if !assert.NoError(t, err) {
				return
			}
			defer lease.Release()
			mu.Lock()
			maxOpen = max(maxOpen, dev.OpenSessions())
			mu.Unlock()
			_, err = lease.Run(context.Background(), "show bgp summary")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, maxOpen, 2)
	assert.LessOrEqual(t, dev.Dials(), 2)
}

func TestLease_RunAfterRelease(t *testing.T) {
	lab := devicetest.NewLab()
	lab.Add("r1", baseConfig)
	pool := executor.NewPool(lab, executor.DefaultPoolConfig(), nil)
	defer pool.Close()

	lease, err := pool.Acquire(context.Background(), router1)
	require.NoError(t, err)
	lease.Release()
	lease.Release()

	_, err = lease.Run(context.Background(), "show running-config")
	assert.ErrorIs(t, err, types.ErrExecution)
}

func TestPool_ClosedPoolRejectsAcquire(t *testing.T) {
	lab := devicetest.NewLab()
	dev := lab.Add("r1", baseConfig)
	pool := executor.NewPool(lab, executor.DefaultPoolConfig(), nil)

	lease, err := pool.Acquire(context.Background(), router1)
	require.NoError(t, err)
	lease.Release()
	require.NoError(t, pool.Close())
	assert.Equal(t, 0, dev.OpenSessions())

	_, err = pool.Acquire(context.Background(), router1)
	assert.ErrorIs(t, err, types.ErrUnavailable)
}
