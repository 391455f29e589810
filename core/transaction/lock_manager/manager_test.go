package lockmanager

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	flushmanager "github.com/sushant-115/gojostore/core/write_engine/flush_manager"
	"go.uber.org/zap/zaptest"
)

func newTestManager(t *testing.T, cfg Config) *LockManager {
	t.Helper()
	lm := New(cfg, zaptest.NewLogger(t), nil)
	t.Cleanup(func() { lm.Close() })
	return lm
}

// acquireAsync runs Acquire in a goroutine and returns its result channel.
func acquireAsync(lm *LockManager, txn TxnID, res ResourceID, mode LockMode) <-chan error {
	ch := make(chan error, 1)
	go func() { ch <- lm.Acquire(context.Background(), txn, res, mode) }()
	return ch
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, time.Millisecond)
}

func TestLockManager_SharedLocksCoexist(t *testing.T) {
	lm := newTestManager(t, Config{})
	ctx := context.Background()
	res := RowResource([]byte("k"))

	require.NoError(t, lm.Acquire(ctx, 1, res, Shared))
	require.NoError(t, lm.Acquire(ctx, 2, res, Shared))
	assert.Len(t, lm.Holders(res), 2)

	// Re-entrant and covered requests return at once.
	require.NoError(t, lm.Acquire(ctx, 1, res, Shared))
	assert.Equal(t, map[ResourceID]LockMode{res: Shared}, lm.HeldBy(1))
}

func TestLockManager_ExclusiveBlocksUntilRelease(t *testing.T) {
	lm := newTestManager(t, Config{})
	ctx := context.Background()
	res := PageResource(5)

	require.NoError(t, lm.Acquire(ctx, 1, res, Exclusive))
	got := acquireAsync(lm, 2, res, Shared)
	waitFor(t, func() bool { return lm.Stats().Waits == 1 })

	select {
	case err := <-got:
		t.Fatalf("shared lock granted next to an exclusive holder: %v", err)
	case <-time.After(20 * time.Millisecond):
	}

	assert.Equal(t, 1, lm.ReleaseAll(1))
	require.NoError(t, <-got)
	assert.Equal(t, []Holder{{TxnID: 2, Mode: Shared}}, lm.Holders(res))
}

func TestLockManager_UpgradeWaitsForOtherReaders(t *testing.T) {
	lm := newTestManager(t, Config{})
	ctx := context.Background()
	res := RowResource([]byte("row"))

	require.NoError(t, lm.Acquire(ctx, 1, res, Shared))
	require.NoError(t, lm.Acquire(ctx, 1, res, Exclusive), "sole reader upgrades at once")
	lm.ReleaseAll(1)

	require.NoError(t, lm.Acquire(ctx, 1, res, Shared))
	require.NoError(t, lm.Acquire(ctx, 2, res, Shared))
	got := acquireAsync(lm, 1, res, Exclusive)
	waitFor(t, func() bool { return lm.Stats().Waits == 1 })
	lm.ReleaseAll(2)
	require.NoError(t, <-got)
	assert.Equal(t, Exclusive, lm.HeldBy(1)[res])
}

func TestLockManager_FIFOQueue(t *testing.T) {
	lm := newTestManager(t, Config{})
	ctx := context.Background()
	res := RowResource([]byte("fifo"))

	require.NoError(t, lm.Acquire(ctx, 1, res, Shared))
	writer := acquireAsync(lm, 2, res, Exclusive)
	waitFor(t, func() bool { return lm.Stats().Waits == 1 })

	// A new reader is compatible with the holder but queues behind the writer.
	reader := acquireAsync(lm, 3, res, Shared)
	waitFor(t, func() bool { return lm.Stats().Waits == 2 })

	lm.ReleaseAll(1)
	require.NoError(t, <-writer)
	select {
	case <-reader:
		t.Fatal("reader overtook the queued writer")
	case <-time.After(20 * time.Millisecond):
	}
	lm.ReleaseAll(2)
	require.NoError(t, <-reader)
}

func TestLockManager_DeadlockAbortsYoungest(t *testing.T) {
	lm := newTestManager(t, Config{DetectInterval: time.Hour})
	ctx := context.Background()
	p5, p7 := PageResource(5), PageResource(7)

	require.NoError(t, lm.Acquire(ctx, 1, p5, Exclusive))
	require.NoError(t, lm.Acquire(ctx, 2, p7, Exclusive))

	older := acquireAsync(lm, 1, p7, Exclusive)
	waitFor(t, func() bool { return lm.Stats().Waits == 1 })

	start := time.Now()
	err := lm.Acquire(ctx, 2, p5, Exclusive)
	require.Error(t, err)
	assert.True(t, flushmanager.IsDeadlock(err))
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, uint64(1), lm.Stats().Deadlocks)

	lm.ReleaseAll(2)
	require.NoError(t, <-older, "the survivor completes once the victim releases")
}

func TestLockManager_DeadlockVictimIsSignalled(t *testing.T) {
	lm := newTestManager(t, Config{DetectInterval: time.Hour})
	ctx := context.Background()
	a, b := RowResource([]byte("a")), RowResource([]byte("b"))

	// The younger transaction blocks first, so the cycle is closed by the
	// older one and the victim is the waiter.
	require.NoError(t, lm.Acquire(ctx, 10, a, Exclusive))
	require.NoError(t, lm.Acquire(ctx, 20, b, Exclusive))
	younger := acquireAsync(lm, 20, a, Exclusive)
	waitFor(t, func() bool { return lm.Stats().Waits == 1 })

	older := acquireAsync(lm, 10, b, Exclusive)
	err := <-younger
	require.ErrorIs(t, err, flushmanager.ErrDeadlock)
	lm.ReleaseAll(20)
	require.NoError(t, <-older)
}

func TestLockManager_UpgradeDeadlock(t *testing.T) {
	lm := newTestManager(t, Config{DetectInterval: time.Hour})
	ctx := context.Background()
	res := RowResource([]byte("hot"))
	require.NoError(t, lm.Acquire(ctx, 1, res, Shared))
	require.NoError(t, lm.Acquire(ctx, 2, res, Shared))

	first := acquireAsync(lm, 1, res, Exclusive)
	waitFor(t, func() bool { return lm.Stats().Waits == 1 })
	require.ErrorIs(t, lm.Acquire(ctx, 2, res, Exclusive), flushmanager.ErrDeadlock)
	lm.ReleaseAll(2)
	require.NoError(t, <-first)
}

func TestLockManager_ThreeWayCycle(t *testing.T) {
	lm := newTestManager(t, Config{DetectInterval: time.Hour})
	ctx := context.Background()
	r := []ResourceID{PageResource(1), PageResource(2), PageResource(3)}
	for i := 0; i < 3; i++ {
		require.NoError(t, lm.Acquire(ctx, TxnID(i+1), r[i], Exclusive))
	}
	w1 := acquireAsync(lm, 1, r[1], Exclusive)
	w3 := acquireAsync(lm, 3, r[0], Exclusive)
	waitFor(t, func() bool { return lm.Stats().Waits == 2 })

	// 2 closes the cycle 1->2->3->1; 3 is the youngest.
	w2 := acquireAsync(lm, 2, r[2], Exclusive)
	require.ErrorIs(t, <-w3, flushmanager.ErrDeadlock)
	lm.ReleaseAll(3)
	require.NoError(t, <-w2)
	lm.ReleaseAll(2)
	require.NoError(t, <-w1)
}

func TestLockManager_Timeout(t *testing.T) {
	lm := newTestManager(t, Config{WaitTimeout: 30 * time.Millisecond})
	ctx := context.Background()
	res := RowResource([]byte("slow"))
	require.NoError(t, lm.Acquire(ctx, 1, res, Exclusive))

	err := lm.Acquire(ctx, 2, res, Shared)
	require.ErrorIs(t, err, flushmanager.ErrLockTimeout)
	assert.True(t, flushmanager.IsTransient(err))
	assert.Empty(t, lm.HeldBy(2))
	assert.Equal(t, uint64(1), lm.Stats().Timeouts)
}

func TestLockManager_ContextCancel(t *testing.T) {
	lm := newTestManager(t, Config{})
	res := RowResource([]byte("ctx"))
	require.NoError(t, lm.Acquire(context.Background(), 1, res, Exclusive))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	err := lm.Acquire(ctx, 2, res, Exclusive)
	require.True(t, errors.Is(err, context.Canceled))

	lm.ReleaseAll(1)
	require.NoError(t, lm.Acquire(context.Background(), 3, res, Exclusive), "the cancelled request left the queue")
}

func TestLockManager_MutualExclusion(t *testing.T) {
	lm := newTestManager(t, Config{})
	res := RowResource([]byte("counter"))
	var inside atomic.Int32
	var violations atomic.Int32
	var wg sync.WaitGroup
	for i := 1; i <= 16; i++ {
		wg.Add(1)
		go func(txn TxnID) {
			defer wg.Done()
			for round := 0; round < 20; round++ {
				id := txn*1000 + TxnID(round)
				if err := lm.Acquire(context.Background(), id, res, Exclusive); err != nil {
					violations.Add(1)
					return
				}
				if inside.Add(1) != 1 {
					violations.Add(1)
				}
				inside.Add(-1)
				lm.ReleaseAll(id)
			}
		}(TxnID(i))
	}
	wg.Wait()
	assert.Zero(t, violations.Load())
	assert.Zero(t, lm.Stats().Resources)
}

func TestLockManager_SweepFindsCycles(t *testing.T) {
	lm := newTestManager(t, Config{DetectInterval: time.Hour})
	g := lm.graph
	r1 := newRequest(1, PageResource(1), Exclusive, false)
	r2 := newRequest(2, PageResource(2), Exclusive, false)
	g.set(r1, []TxnID{2})
	g.set(r2, []TxnID{1})

	assert.Equal(t, []TxnID{2}, lm.DetectDeadlocks())
	require.ErrorIs(t, <-r2.done, flushmanager.ErrDeadlock)
	assert.Empty(t, lm.DetectDeadlocks())
}

func TestResourceID_String(t *testing.T) {
	assert.Equal(t, "page:42", PageResource(42).String())
	assert.Equal(t, `r:"k"`, RowResource([]byte("k")).String())
	assert.NotEqual(t, PageResource(1), RowResource([]byte(PageResource(1).Name)))
}

func TestLockManager_CloseFailsPendingWaits(t *testing.T) {
	lm := newTestManager(t, Config{WaitTimeout: time.Minute})
	ctx := context.Background()
	res := RowResource([]byte("held"))
	require.NoError(t, lm.Acquire(ctx, 1, res, Exclusive))

	reader := acquireAsync(lm, 2, res, Shared)
	writer := acquireAsync(lm, 3, res, Exclusive)
	waitFor(t, func() bool { return lm.Stats().Waiting == 2 })

	require.NoError(t, lm.Close())
	for _, ch := range []<-chan error{reader, writer} {
		select {
		case err := <-ch:
			require.ErrorIs(t, err, flushmanager.ErrClosed)
		case <-time.After(2 * time.Second):
			t.Fatal("wait outlived Close")
		}
	}
	assert.Empty(t, lm.HeldBy(2))
	assert.Empty(t, lm.HeldBy(3))

	require.ErrorIs(t, lm.Acquire(ctx, 4, RowResource([]byte("other")), Shared), flushmanager.ErrClosed)
	assert.Equal(t, 1, lm.ReleaseAll(1))
	assert.Zero(t, lm.Stats().Resources)
}
