package lockmanager

import (
	"sync"

	"github.com/cespare/xxhash/v2"
)

// lockQueue is the state of one resource: who holds it and who waits.
type lockQueue struct {
	holders map[TxnID]LockMode
	waiters []*request
}

func (q *lockQueue) empty() bool { return len(q.holders) == 0 && len(q.waiters) == 0 }

// compatibleWithHolders reports whether txn may hold mode next to the other
// current holders.
func (q *lockQueue) compatibleWithHolders(txn TxnID, mode LockMode) bool {
	for h, m := range q.holders {
		if h != txn && !compatible(mode, m) {
			return false
		}
	}
	return true
}

// enqueue appends r, or places it behind the upgrades already at the front
// when r is itself an upgrade.
func (q *lockQueue) enqueue(r *request) {
	if !r.upgrade {
		q.waiters = append(q.waiters, r)
		return
	}
	i := 0
	for i < len(q.waiters) && q.waiters[i].upgrade {
		i++
	}
	q.waiters = append(q.waiters, nil)
	copy(q.waiters[i+1:], q.waiters[i:])
	q.waiters[i] = r
}

func (q *lockQueue) remove(r *request) {
	for i, w := range q.waiters {
		if w == r {
			q.waiters = append(q.waiters[:i], q.waiters[i+1:]...)
			return
		}
	}
}

// blockers returns the transactions the waiter at position i waits for:
// incompatible holders and incompatible requests queued ahead of it.
func (q *lockQueue) blockers(i int) []TxnID {
	w := q.waiters[i]
	var out []TxnID
	for h, m := range q.holders {
		if h != w.txn && !compatible(w.mode, m) {
			out = append(out, h)
		}
	}
	for _, ahead := range q.waiters[:i] {
		if ahead.txn != w.txn && !compatible(w.mode, ahead.mode) {
			out = append(out, ahead.txn)
		}
	}
	return out
}

// bucket is one shard of the lock table. Its mutex is a latch: it is held
// only while a queue is inspected or changed, never while waiting.
type bucket struct {
	mu     sync.Mutex
	queues map[ResourceID]*lockQueue
}

func (b *bucket) queue(res ResourceID) *lockQueue {
	q, ok := b.queues[res]
	if !ok {
		q = &lockQueue{holders: make(map[TxnID]LockMode, 1)}
		b.queues[res] = q
	}
	return q
}

// dropIfEmpty forgets a queue nobody holds or waits on.
func (b *bucket) dropIfEmpty(res ResourceID, q *lockQueue) {
	if q.empty() {
		delete(b.queues, res)
	}
}

func newBuckets(n int) []*bucket {
	buckets := make([]*bucket, n)
	for i := range buckets {
		buckets[i] = &bucket{queues: make(map[ResourceID]*lockQueue)}
	}
	return buckets
}

func bucketIndex(res ResourceID, n int) int {
	h := xxhash.Sum64String(res.Name) ^ uint64(res.Kind)
	return int(h % uint64(n))
}
