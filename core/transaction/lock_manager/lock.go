// Package lockmanager implements the transaction lock table used for strict
// two-phase locking.
//
// Locks are held by transactions until they commit or abort, and are
// distinct from page latches, which protect a page only for the duration
// of one index operation. Resources are either pages or logical rows. Each
// resource has a FIFO queue: a request is granted only when it is
// compatible with every current holder and nobody is queued ahead of it,
// except for S to X upgrades, which go to the front of the queue.
//
// A blocked request parks on a channel. Every time a request starts to
// wait, its edges are added to the wait-for graph and the graph is searched
// for a cycle through the new waiter; a background sweep catches cycles
// that form when queues change. The youngest transaction of a cycle (the
// largest id) is the victim and its pending request fails with ErrDeadlock.
package lockmanager

import (
	"encoding/binary"
	"fmt"
	"time"
)

// TxnID identifies the transaction owning a lock.
type TxnID = uint64

// LockMode is the strength of a lock.
type LockMode int

const (
	Shared LockMode = iota
	Exclusive
)

func (m LockMode) String() string {
	switch m {
	case Shared:
		return "S"
	case Exclusive:
		return "X"
	default:
		return fmt.Sprintf("LockMode(%d)", int(m))
	}
}

// compatible reports whether a lock in mode a can coexist with one in mode b
// held by another transaction.
func compatible(a, b LockMode) bool { return a == Shared && b == Shared }

// covers reports whether holding mode held satisfies a request for want.
func covers(held, want LockMode) bool { return held == Exclusive || want == Shared }

// ResourceKind distinguishes the lockable granularities.
type ResourceKind byte

const (
	ResourcePage ResourceKind = 'p'
	ResourceRow  ResourceKind = 'r'
)

// ResourceID names a lockable resource. It is comparable and used as a map
// key.
type ResourceID struct {
	Kind ResourceKind
	Name string
}

// PageResource returns the resource id of a page.
func PageResource(id uint64) ResourceID {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], id)
	return ResourceID{Kind: ResourcePage, Name: string(b[:])}
}

// RowResource returns the resource id of the row stored under key.
func RowResource(key []byte) ResourceID {
	return ResourceID{Kind: ResourceRow, Name: string(key)}
}

func (r ResourceID) String() string {
	if r.Kind == ResourcePage && len(r.Name) == 8 {
		return fmt.Sprintf("page:%d", binary.BigEndian.Uint64([]byte(r.Name)))
	}
	return fmt.Sprintf("%c:%q", r.Kind, r.Name)
}

// Holder is one granted lock on a resource.
type Holder struct {
	TxnID TxnID
	Mode  LockMode
}

// request is a queued lock request. done receives exactly the first of the
// grant (nil) or a deadlock verdict; granted is the authoritative outcome
// and is only read or written under the bucket mutex.
type request struct {
	txn      TxnID
	res      ResourceID
	mode     LockMode
	upgrade  bool
	granted  bool
	queuedAt time.Time
	done     chan error
}

func newRequest(txn TxnID, res ResourceID, mode LockMode, upgrade bool) *request {
	return &request{txn: txn, res: res, mode: mode, upgrade: upgrade, queuedAt: time.Now(), done: make(chan error, 1)}
}

// signal delivers a verdict without blocking; only the first one counts.
func (r *request) signal(err error) {
	select {
	case r.done <- err:
	default:
	}
}
