package cost

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryLedger_RejectBeforeExecution(t *testing.T) {
	// Ledger one unit below the cap; a 2-unit reservation must be refused
	// and leave the counters untouched.
	l := NewMemoryLedger(Caps{Daily: 100})
	ctx := context.Background()

	dec, err := l.Reserve(ctx, 99)
	require.NoError(t, err)
	require.True(t, dec.Allowed)

	dec, err = l.Reserve(ctx, 2)
	require.NoError(t, err)
	assert.False(t, dec.Allowed)
	assert.Equal(t, "day", dec.Period)

	snap, err := l.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(99), snap.DaySpend)
}

func TestMemoryLedger_MonthlyCap(t *testing.T) {
	l := NewMemoryLedger(Caps{Daily: 0, Monthly: 10})
	ctx := context.Background()

	dec, _ := l.Reserve(ctx, 10)
	assert.True(t, dec.Allowed)

	dec, _ = l.Reserve(ctx, 1)
	assert.False(t, dec.Allowed)
	assert.Equal(t, "month", dec.Period)
}

func TestMemoryLedger_RefundRestoresHeadroom(t *testing.T) {
	l := NewMemoryLedger(Caps{Daily: 5})
	ctx := context.Background()

	dec, _ := l.Reserve(ctx, 5)
	require.True(t, dec.Allowed)

	dec, _ = l.Reserve(ctx, 1)
	require.False(t, dec.Allowed)

	require.NoError(t, l.Refund(ctx, 5))

	dec, _ = l.Reserve(ctx, 5)
	assert.True(t, dec.Allowed)
}

func TestMemoryLedger_DayRollover(t *testing.T) {
	l := NewMemoryLedger(Caps{Daily: 10, Monthly: 100})
	base := time.Date(2026, 8, 24, 23, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return base }
	ctx := context.Background()

	dec, _ := l.Reserve(ctx, 10)
	require.True(t, dec.Allowed)
	dec, _ = l.Reserve(ctx, 1)
	require.False(t, dec.Allowed)

	// Next day: daily spend resets, monthly carries over
	base = base.Add(2 * time.Hour)
	dec, _ = l.Reserve(ctx, 10)
	assert.True(t, dec.Allowed)

	snap, _ := l.Snapshot(ctx)
	assert.Equal(t, int64(10), snap.DaySpend)
	assert.Equal(t, int64(20), snap.MonthSpend)
}

func TestMemoryLedger_ConcurrentCheckAndIncrement(t *testing.T) {
	// 1000 concurrent 1-unit reservations against a cap of 500 must yield
	// exactly 500 accepted with no lost updates.
	l := NewMemoryLedger(Caps{Daily: 500})
	ctx := context.Background()

	var accepted, rejected int64
	var wg sync.WaitGroup
	for i := 0; i < 1000; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			dec, err := l.Reserve(ctx, 1)
			require.NoError(t, err)
			if dec.Allowed {
				atomic.AddInt64(&accepted, 1)
			} else {
				atomic.AddInt64(&rejected, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(500), accepted)
	assert.Equal(t, int64(500), rejected)

	snap, _ := l.Snapshot(ctx)
	assert.Equal(t, int64(500), snap.DaySpend)
}

func newTestRedisLedger(t *testing.T, caps Caps) *RedisLedger {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisLedger(client, caps, "cost_test")
}

func TestRedisLedger_RejectBeforeExecution(t *testing.T) {
	l := newTestRedisLedger(t, Caps{Daily: 100})
	ctx := context.Background()

	dec, err := l.Reserve(ctx, 99)
	require.NoError(t, err)
	require.True(t, dec.Allowed)

	dec, err = l.Reserve(ctx, 2)
	require.NoError(t, err)
	assert.False(t, dec.Allowed)
	assert.Equal(t, "day", dec.Period)

	snap, err := l.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(99), snap.DaySpend)
}

func TestRedisLedger_ReserveAndRefund(t *testing.T) {
	l := newTestRedisLedger(t, Caps{Daily: 10, Monthly: 20})
	ctx := context.Background()

	dec, err := l.Reserve(ctx, 7)
	require.NoError(t, err)
	require.True(t, dec.Allowed)
	assert.Equal(t, int64(7), dec.DaySpend)
	assert.Equal(t, int64(3), dec.DayRemaining)

	require.NoError(t, l.Refund(ctx, 7))

	snap, err := l.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), snap.DaySpend)
	assert.Equal(t, int64(0), snap.MonthSpend)
}

func TestRedisLedger_ConcurrentCheckAndIncrement(t *testing.T) {
	l := newTestRedisLedger(t, Caps{Daily: 500})
	ctx := context.Background()

	var accepted int64
	var wg sync.WaitGroup
	for i := 0; i < 1000; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			dec, err := l.Reserve(ctx, 1)
			if err != nil {
				t.Error(err)
				return
			}
			if dec.Allowed {
				atomic.AddInt64(&accepted, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(500), accepted)

	snap, _ := l.Snapshot(ctx)
	assert.Equal(t, int64(500), snap.DaySpend)
}

func TestSnapshotCapReached(t *testing.T) {
	assert.False(t, Snapshot{DaySpend: 4, Caps: Caps{Daily: 5}}.CapReached())
	assert.True(t, Snapshot{DaySpend: 5, Caps: Caps{Daily: 5}}.CapReached())
	assert.True(t, Snapshot{MonthSpend: 9, Caps: Caps{Monthly: 9}}.CapReached())
	assert.False(t, Snapshot{DaySpend: 1000}.CapReached()) // uncapped
}
