package btree

import (
	"bytes"

	pagemanager "github.com/sushant-115/gojostore/core/write_engine/page_manager"
)

// Iterator walks keys in ascending order within inclusive bounds. It copies
// one leaf at a time and holds no latch between calls. When it moves to the
// next leaf it follows the saved sibling pointer only if no structural
// change happened meanwhile; otherwise it descends again from the last key
// it returned, so keys moved by a split or merge are neither skipped nor
// repeated.
type Iterator struct {
	t          *BTree
	start, end []byte

	batch   []entry
	pos     int
	next    pagemanager.PageID
	smo     uint64
	started bool
	last    []byte

	cur    entry
	err    error
	closed bool
}

// Scan returns an iterator over [start, end]. A nil bound is open.
func (t *BTree) Scan(start, end []byte) *Iterator {
	it := &Iterator{t: t, end: cloneBytes(end)}
	it.Seek(start)
	return it
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte{}, b...)
}

// Seek repositions the iterator at the first key >= key.
func (it *Iterator) Seek(key []byte) {
	if it.closed {
		return
	}
	it.start = cloneBytes(key)
	it.last = nil
	it.batch, it.pos = nil, 0
	it.started = false
	it.next = pagemanager.InvalidPageID
	it.cur = entry{}
	it.err = nil
}

// Next advances to the next key. It returns false at the end of the range
// or on error; Err tells the two apart.
func (it *Iterator) Next() bool {
	if it.closed || it.err != nil {
		return false
	}
	for {
		if it.pos < len(it.batch) {
			e := it.batch[it.pos]
			it.pos++
			if it.end != nil && bytes.Compare(e.key, it.end) > 0 {
				it.exhaust()
				return false
			}
			it.cur = e
			it.last = e.key
			return true
		}
		if it.started && it.next == pagemanager.InvalidPageID {
			it.exhaust()
			return false
		}
		if err := it.load(); err != nil {
			it.err = err
			it.cur = entry{}
			return false
		}
	}
}

func (it *Iterator) exhaust() {
	it.batch, it.pos = nil, 0
	it.next = pagemanager.InvalidPageID
	it.started = true
	it.cur = entry{}
}

// load fills the batch from the next leaf.
func (it *Iterator) load() error {
	if it.started {
		page, err := it.t.bpm.FetchPage(it.next)
		if err != nil {
			return err
		}
		page.RLock()
		if it.t.smo.Load() == it.smo {
			err = it.fill(page)
			page.RUnlock()
			it.t.bpm.UnpinPage(page.GetPageID(), false)
			return err
		}
		page.RUnlock()
		it.t.bpm.UnpinPage(page.GetPageID(), false)
	}

	key, leftmost := it.start, it.start == nil
	if it.last != nil {
		key, leftmost = it.last, false
	}
	m := it.t.bpm.NewMiniTxn()
	defer m.Abort()
	page, err := it.t.descendShared(m, key, leftmost)
	if err != nil {
		return err
	}
	it.started = true
	return it.fill(page)
}

// fill copies the qualifying entries of a latched leaf.
func (it *Iterator) fill(page *pagemanager.Page) error {
	it.smo = it.t.smo.Load()
	n, err := readNode(page, true)
	if err != nil {
		return err
	}
	if !n.leaf {
		return corruptNode(n.id, "scan reached an internal node")
	}
	lo := 0
	switch {
	case it.last != nil:
		lo, _ = n.search(it.last)
		if lo < len(n.entries) && bytes.Equal(n.entries[lo].key, it.last) {
			lo++
		}
	case it.start != nil:
		lo, _ = n.search(it.start)
	}
	it.batch, it.pos = n.entries[lo:], 0
	it.next = n.next
	return nil
}

// Key returns the current key. The slice stays valid after Next.
func (it *Iterator) Key() []byte { return it.cur.key }

// Value returns the current value. The slice stays valid after Next.
func (it *Iterator) Value() []byte { return it.cur.value }

// Err returns the error that stopped the iteration, if any.
func (it *Iterator) Err() error { return it.err }

// Close releases the iterator. Further calls to Next return false.
func (it *Iterator) Close() error {
	it.closed = true
	it.batch = nil
	it.cur = entry{}
	return nil
}
