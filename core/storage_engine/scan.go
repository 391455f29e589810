package storageengine

import (
	"context"

	"github.com/sushant-115/gojostore/core/indexing/btree"
	lockmanager "github.com/sushant-115/gojostore/core/transaction/lock_manager"
)

// ScanIterator returns the pairs of a key range in ascending key order.
// Each returned key is share-locked for the rest of the transaction and its
// value is read under that lock, so a returned row cannot change before the
// transaction ends. Keys inserted into the range later are not blocked.
type ScanIterator struct {
	e   *Engine
	ctx context.Context
	txn TxnID
	it  *btree.Iterator

	key, value []byte
	err        error
	done       bool
}

// Scan returns an iterator over [start, end] as seen by txn. A nil bound is
// open. The iterator must be closed.
func (e *Engine) Scan(ctx context.Context, txn TxnID, start, end []byte) *ScanIterator {
	s := &ScanIterator{e: e, ctx: ctx, txn: txn}
	if err := e.enter(); err != nil {
		s.err, s.done = err, true
		return s
	}
	defer e.exit()
	if _, err := e.tm.State(txn); err != nil {
		s.err, s.done = err, true
		return s
	}
	s.it = e.tree.Scan(start, end)
	return s
}

// Next advances to the next pair. It returns false at the end of the range
// or on error.
func (s *ScanIterator) Next() bool {
	if s.done {
		return false
	}
	if err := s.e.enter(); err != nil {
		return s.stop(err)
	}
	defer s.e.exit()
	ctx, span, start := s.e.startOp(s.ctx, "ScanNext", s.txn)
	ok, err := s.advance(ctx)
	s.e.endOp(ctx, span, start, "ScanNext", err)
	if err != nil {
		return s.stop(err)
	}
	if !ok {
		s.done = true
		s.key, s.value = nil, nil
	}
	return ok
}

func (s *ScanIterator) advance(ctx context.Context) (bool, error) {
	for s.it.Next() {
		key := s.it.Key()
		if err := s.e.tm.Lock(ctx, s.txn, lockmanager.RowResource(key), lockmanager.Shared); err != nil {
			return false, err
		}
		// The iterator copied the leaf before the lock was granted.
		value, found, err := s.e.tree.Search(key)
		if err != nil {
			return false, s.e.fail(s.txn, "scan", err)
		}
		if !found {
			continue
		}
		s.key, s.value = key, value
		return true, nil
	}
	if err := s.it.Err(); err != nil {
		return false, s.e.fail(s.txn, "scan", err)
	}
	return false, nil
}

func (s *ScanIterator) stop(err error) bool {
	s.err, s.done = err, true
	s.key, s.value = nil, nil
	return false
}

// Key returns the current key.
func (s *ScanIterator) Key() []byte { return s.key }

// Value returns the current value.
func (s *ScanIterator) Value() []byte { return s.value }

// Err returns the error that ended the scan, if any.
func (s *ScanIterator) Err() error { return s.err }

// Close releases the iterator. The locks it took stay with the
// transaction. Next returns false after Close.
func (s *ScanIterator) Close() error {
	if s.it != nil {
		s.it.Close()
	}
	s.done = true
	s.key, s.value = nil, nil
	return nil
}
