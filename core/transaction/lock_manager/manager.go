package lockmanager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	flushmanager "github.com/sushant-115/gojostore/core/write_engine/flush_manager"
	internaltelemetry "github.com/sushant-115/gojostore/internal/telemetry"
	"go.uber.org/zap"
)

// Config tunes the lock manager.
type Config struct {
	// Buckets is the number of lock table shards.
	Buckets int `yaml:"buckets"`
	// WaitTimeout bounds a single lock wait; the request then fails with
	// ErrLockTimeout.
	WaitTimeout time.Duration `yaml:"wait_timeout"`
	// DetectInterval is the period of the background deadlock sweep.
	DetectInterval time.Duration `yaml:"detect_interval"`
}

// DefaultConfig returns the default lock manager settings.
func DefaultConfig() Config {
	return Config{Buckets: 64, WaitTimeout: 5 * time.Second, DetectInterval: 100 * time.Millisecond}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Buckets <= 0 {
		c.Buckets = d.Buckets
	}
	if c.WaitTimeout <= 0 {
		c.WaitTimeout = d.WaitTimeout
	}
	if c.DetectInterval <= 0 {
		c.DetectInterval = d.DetectInterval
	}
	return c
}

// Stats are cumulative lock manager counters.
type Stats struct {
	Grants    uint64
	Waits     uint64
	Deadlocks uint64
	Timeouts  uint64
	Resources int
	Waiting   int
}

// LockManager is the lock table.
type LockManager struct {
	cfg     Config
	buckets []*bucket
	graph   *waitGraph

	heldMu sync.Mutex
	held   map[TxnID]map[ResourceID]LockMode

	grants, waits, deadlocks, timeouts atomic.Uint64

	logger   *zap.Logger
	metrics  *internaltelemetry.StorageMetrics
	stopChan chan struct{}
	wg       sync.WaitGroup
	closed   atomic.Bool
}

// New creates a lock manager and starts its deadlock sweeper.
func New(cfg Config, logger *zap.Logger, metrics *internaltelemetry.StorageMetrics) *LockManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = internaltelemetry.NoopStorageMetrics()
	}
	cfg = cfg.withDefaults()
	lm := &LockManager{
		cfg:      cfg,
		buckets:  newBuckets(cfg.Buckets),
		graph:    newWaitGraph(),
		held:     make(map[TxnID]map[ResourceID]LockMode),
		logger:   logger.Named("lock_manager"),
		metrics:  metrics,
		stopChan: make(chan struct{}),
	}
	lm.wg.Add(1)
	go lm.sweeper()
	return lm
}

func (lm *LockManager) bucketFor(res ResourceID) *bucket {
	return lm.buckets[bucketIndex(res, len(lm.buckets))]
}

// Acquire grants txn a lock on res in mode, blocking while it conflicts.
// Locks are re-entrant and a Shared holder may ask for Exclusive. The wait
// ends with ErrDeadlock when txn is chosen as a deadlock victim, with
// ErrLockTimeout after WaitTimeout, or with the context's error.
func (lm *LockManager) Acquire(ctx context.Context, txn TxnID, res ResourceID, mode LockMode) error {
	b := lm.bucketFor(res)
	b.mu.Lock()
	// Checked under the bucket mutex so Close either sees the request queued
	// or the request sees Close.
	if lm.closed.Load() {
		b.mu.Unlock()
		return flushmanager.ErrClosed
	}
	q := b.queue(res)
	current, holds := q.holders[txn]
	if holds && covers(current, mode) {
		b.mu.Unlock()
		return nil
	}
	if (holds || len(q.waiters) == 0) && q.compatibleWithHolders(txn, mode) {
		q.holders[txn] = mode
		lm.noteHeld(txn, res, mode)
		b.mu.Unlock()
		lm.grants.Add(1)
		return nil
	}

	req := newRequest(txn, res, mode, holds)
	q.enqueue(req)
	lm.refreshEdges(q)
	lm.waits.Add(1)
	lm.metrics.LockWaitsCounter.Add(ctx, 1)

	if victim, vreq, cycle := lm.graph.victimFor(txn); victim != 0 {
		lm.reportDeadlock(victim, res, cycle)
		if victim == txn {
			lm.abandon(b, q, req)
			b.mu.Unlock()
			return lm.deadlockError(txn, res)
		}
		if vreq != nil {
			vreq.signal(flushmanager.ErrDeadlock)
		}
	}
	b.mu.Unlock()

	return lm.wait(ctx, b, q, req)
}

func (lm *LockManager) wait(ctx context.Context, b *bucket, q *lockQueue, req *request) error {
	timer := time.NewTimer(lm.cfg.WaitTimeout)
	defer timer.Stop()

	var verdict error
	select {
	case verdict = <-req.done:
	case <-timer.C:
		verdict = fmt.Errorf("%w: %s on %s after %v", flushmanager.ErrLockTimeout, req.mode, req.res, lm.cfg.WaitTimeout)
	case <-ctx.Done():
		verdict = ctx.Err()
	}
	lm.metrics.LockWaitLatency.Record(context.Background(), time.Since(req.queuedAt).Milliseconds())

	b.mu.Lock()
	defer b.mu.Unlock()
	if req.granted {
		return nil
	}
	lm.abandon(b, q, req)
	switch {
	case errors.Is(verdict, flushmanager.ErrDeadlock):
		return lm.deadlockError(req.txn, req.res)
	case flushmanager.IsTransient(verdict):
		lm.timeouts.Add(1)
		lm.metrics.LockTimeoutsCounter.Add(context.Background(), 1)
		lm.logger.Warn("Lock wait timed out",
			zap.Uint64("txn_id", req.txn), zap.Stringer("resource", req.res), zap.Stringer("mode", req.mode))
	}
	return verdict
}

// abandon withdraws a request that will not be granted. Requests queued
// behind it may become grantable. The caller holds b.mu.
func (lm *LockManager) abandon(b *bucket, q *lockQueue, req *request) {
	q.remove(req)
	lm.graph.clear(req.txn)
	lm.grantWaiters(q)
	b.dropIfEmpty(req.res, q)
}

func (lm *LockManager) deadlockError(txn TxnID, res ResourceID) error {
	return fmt.Errorf("%w: txn %d waiting on %s", flushmanager.ErrDeadlock, txn, res)
}

func (lm *LockManager) reportDeadlock(victim TxnID, res ResourceID, cycle []TxnID) {
	lm.deadlocks.Add(1)
	lm.metrics.DeadlocksCounter.Add(context.Background(), 1)
	lm.logger.Info("Deadlock detected",
		zap.Uint64("victim_txn_id", victim),
		zap.Uint64s("cycle", cycle),
		zap.Stringer("resource", res))
}

// grantWaiters grants queued requests in FIFO order until the first one
// that still conflicts. The caller holds the bucket mutex.
func (lm *LockManager) grantWaiters(q *lockQueue) {
	for len(q.waiters) > 0 {
		w := q.waiters[0]
		if !q.compatibleWithHolders(w.txn, w.mode) {
			break
		}
		q.waiters = q.waiters[1:]
		q.holders[w.txn] = w.mode
		w.granted = true
		lm.noteHeld(w.txn, w.res, w.mode)
		lm.graph.clear(w.txn)
		lm.grants.Add(1)
		w.signal(nil)
	}
	lm.refreshEdges(q)
}

// refreshEdges recomputes the wait-for edges of every waiter of q.
func (lm *LockManager) refreshEdges(q *lockQueue) {
	for i, w := range q.waiters {
		lm.graph.set(w, q.blockers(i))
	}
}

func (lm *LockManager) noteHeld(txn TxnID, res ResourceID, mode LockMode) {
	lm.heldMu.Lock()
	defer lm.heldMu.Unlock()
	m, ok := lm.held[txn]
	if !ok {
		m = make(map[ResourceID]LockMode)
		lm.held[txn] = m
	}
	m[res] = mode
}

// ReleaseAll releases every lock of txn and returns how many there were.
// It is called once, when the transaction commits or aborts.
func (lm *LockManager) ReleaseAll(txn TxnID) int {
	lm.heldMu.Lock()
	resources := lm.held[txn]
	delete(lm.held, txn)
	lm.heldMu.Unlock()

	for res := range resources {
		b := lm.bucketFor(res)
		b.mu.Lock()
		if q, ok := b.queues[res]; ok {
			delete(q.holders, txn)
			lm.grantWaiters(q)
			b.dropIfEmpty(res, q)
		}
		b.mu.Unlock()
	}
	lm.graph.clear(txn)
	return len(resources)
}

// HeldBy returns the locks txn holds.
func (lm *LockManager) HeldBy(txn TxnID) map[ResourceID]LockMode {
	lm.heldMu.Lock()
	defer lm.heldMu.Unlock()
	out := make(map[ResourceID]LockMode, len(lm.held[txn]))
	for res, mode := range lm.held[txn] {
		out[res] = mode
	}
	return out
}

// Holders returns the current holders of res.
func (lm *LockManager) Holders(res ResourceID) []Holder {
	b := lm.bucketFor(res)
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[res]
	if !ok {
		return nil
	}
	out := make([]Holder, 0, len(q.holders))
	for txn, mode := range q.holders {
		out = append(out, Holder{TxnID: txn, Mode: mode})
	}
	return out
}

// Stats returns a snapshot of the counters.
func (lm *LockManager) Stats() Stats {
	st := Stats{
		Grants:    lm.grants.Load(),
		Waits:     lm.waits.Load(),
		Deadlocks: lm.deadlocks.Load(),
		Timeouts:  lm.timeouts.Load(),
		Waiting:   len(lm.graph.waiters()),
	}
	for _, b := range lm.buckets {
		b.mu.Lock()
		st.Resources += len(b.queues)
		b.mu.Unlock()
	}
	return st
}

// sweeper periodically searches the whole graph for cycles that no single
// wait could see form.
func (lm *LockManager) sweeper() {
	defer lm.wg.Done()
	ticker := time.NewTicker(lm.cfg.DetectInterval)
	defer ticker.Stop()
	for {
		select {
		case <-lm.stopChan:
			return
		case <-ticker.C:
			lm.DetectDeadlocks()
		}
	}
}

// DetectDeadlocks breaks every cycle currently in the wait-for graph and
// returns the victims.
func (lm *LockManager) DetectDeadlocks() []TxnID {
	var victims []TxnID
	for _, txn := range lm.graph.waiters() {
		victim, req, cycle := lm.graph.victimFor(txn)
		if victim == 0 {
			continue
		}
		var res ResourceID
		if req != nil {
			res = req.res
			req.signal(flushmanager.ErrDeadlock)
		}
		lm.reportDeadlock(victim, res, cycle)
		victims = append(victims, victim)
	}
	return victims
}

// Close stops the sweeper and fails every pending wait, and every later
// Acquire, with ErrClosed. Held locks can still be released.
func (lm *LockManager) Close() error {
	if lm.closed.Swap(true) {
		return nil
	}
	cancelled := 0
	for _, b := range lm.buckets {
		b.mu.Lock()
		for _, q := range b.queues {
			for _, w := range q.waiters {
				w.signal(flushmanager.ErrClosed)
				cancelled++
			}
		}
		b.mu.Unlock()
	}
	close(lm.stopChan)
	lm.wg.Wait()
	if cancelled > 0 {
		lm.logger.Info("Lock manager closed with waiters", zap.Int("cancelled", cancelled))
	}
	return nil
}
