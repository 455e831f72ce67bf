package gc

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hatemosphere/pkgdepot/internal/clock"
	"github.com/hatemosphere/pkgdepot/internal/nonce"
	"github.com/hatemosphere/pkgdepot/internal/storage"
)

type sweepFunc func(ctx context.Context) (int64, error)

func (f sweepFunc) ClearExpired(ctx context.Context) (int64, error) { return f(ctx) }

func countingSweeper(called *atomic.Int32) Sweeper {
	return sweepFunc(func(_ context.Context) (int64, error) {
		called.Add(1)
		return 0, nil
	})
}

func TestCollector_RunOnce(t *testing.T) {
	var called atomic.Int32
	c, err := NewCollector(countingSweeper(&called), Config{})
	require.NoError(t, err)
	defer c.Shutdown()

	_, err = c.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(1), called.Load())
}

func TestCollector_PeriodicTick(t *testing.T) {
	var called atomic.Int32
	c, err := NewCollector(countingSweeper(&called), Config{Interval: 50 * time.Millisecond})
	require.NoError(t, err)

	time.Sleep(150 * time.Millisecond)
	c.Shutdown()

	assert.GreaterOrEqual(t, called.Load(), int32(2))
}

func TestCollector_ShutdownStopsTicker(t *testing.T) {
	var called atomic.Int32
	c, err := NewCollector(countingSweeper(&called), Config{Interval: 50 * time.Millisecond})
	require.NoError(t, err)
	time.Sleep(80 * time.Millisecond)
	c.Shutdown()

	atShutdown := called.Load()
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, atShutdown, called.Load(), "collector continued after shutdown")
}

func TestCollector_ShutdownTwice(t *testing.T) {
	c, err := NewCollector(sweepFunc(func(context.Context) (int64, error) { return 0, nil }), Config{})
	require.NoError(t, err)
	c.Shutdown()
	c.Shutdown()
}

func TestCollector_ScheduleShutdown(t *testing.T) {
	var called atomic.Int32
	c, err := NewCollector(countingSweeper(&called), Config{Schedule: "@yearly"})
	require.NoError(t, err)
	c.Shutdown()
	assert.Equal(t, int32(0), called.Load())
}

func TestCollector_InvalidSchedule(t *testing.T) {
	_, err := NewCollector(countingSweeper(new(atomic.Int32)), Config{Schedule: "every tuesday"})
	assert.ErrorContains(t, err, "invalid gc schedule")
}

func TestParseSchedule(t *testing.T) {
	for _, expr := range []string{"*/5 * * * *", "0 3 * * *", "@hourly", "@every 10m"} {
		_, err := ParseSchedule(expr)
		assert.NoError(t, err, expr)
	}
	_, err := ParseSchedule("* * * * * *")
	assert.Error(t, err, "seconds field is not accepted")
}

func TestCollector_RunOnceSerialised(t *testing.T) {
	var inFlight, maxInFlight atomic.Int32
	sweeper := sweepFunc(func(context.Context) (int64, error) {
		n := inFlight.Add(1)
		for {
			m := maxInFlight.Load()
			if n <= m || maxInFlight.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		inFlight.Add(-1)
		return 1, nil
	})
	c, err := NewCollector(sweeper, Config{})
	require.NoError(t, err)
	defer c.Shutdown()

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = c.RunOnce(context.Background())
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxInFlight.Load())
}

func TestCollector_PropagatesErrors(t *testing.T) {
	boom := errors.New("boom")
	c, err := NewCollector(sweepFunc(func(context.Context) (int64, error) { return 0, boom }), Config{})
	require.NoError(t, err)
	defer c.Shutdown()

	_, err = c.RunOnce(context.Background())
	assert.ErrorIs(t, err, boom)
}

func TestCollector_Timeout(t *testing.T) {
	c, err := NewCollector(sweepFunc(func(ctx context.Context) (int64, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	}), Config{Timeout: 10 * time.Millisecond})
	require.NoError(t, err)
	defer c.Shutdown()

	_, err = c.RunOnce(context.Background())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCollector_SweepsNonceService(t *testing.T) {
	clk := clock.NewManualUnix(1000)
	svc := nonce.NewService(storage.NewMemoryStore(), nonce.WithClock(clk))
	ctx := context.Background()

	for _, expiry := range []int64{5, 5, 5, 0, 500} {
		_, err := svc.Create(ctx, nonce.CreateParams{ExpirySeconds: expiry, Persist: true})
		require.NoError(t, err)
	}

	c, err := NewCollector(svc, Config{})
	require.NoError(t, err)
	defer c.Shutdown()

	clk.SetUnix(1010)
	n, err := c.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	n, err = c.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}
