package memtable

import (
	"fmt"

	flushmanager "github.com/sushant-115/gojostore/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/gojostore/core/write_engine/page_manager"
	"github.com/sushant-115/gojostore/core/write_engine/wal"
)

// LogFunc writes the log record describing a mini-transaction's page
// changes and returns its LSN.
type LogFunc func(images []wal.PageImage) (pagemanager.LSN, error)

type heldPage struct {
	page      *pagemanager.Page
	exclusive bool
	before    []byte // nil until the page is first modified
}

// MiniTxn groups the page accesses of one index operation. Pages are
// pinned and latched on Fetch and stay so until Commit or Abort, unless an
// unmodified page is released early. Commit turns every modified page into
// one page image set, so the whole operation is a single log record.
type MiniTxn struct {
	bpm  *BufferPoolManager
	held []*heldPage
	byID map[pagemanager.PageID]*heldPage
	done bool
}

// NewMiniTxn starts a mini-transaction on the pool.
func (bpm *BufferPoolManager) NewMiniTxn() *MiniTxn {
	return &MiniTxn{bpm: bpm, byID: make(map[pagemanager.PageID]*heldPage, 8)}
}

// Fetch pins and latches pageID. A page the mini-transaction already holds
// is returned as is; asking for exclusive access to a page held shared is
// a programming error.
func (m *MiniTxn) Fetch(pageID pagemanager.PageID, exclusive bool) (*pagemanager.Page, error) {
	if h, ok := m.byID[pageID]; ok {
		if exclusive && !h.exclusive {
			return nil, fmt.Errorf("%w: page %d is held shared", flushmanager.ErrTreeCorrupted, pageID)
		}
		return h.page, nil
	}
	page, err := m.bpm.FetchPage(pageID)
	if err != nil {
		return nil, err
	}
	if exclusive {
		page.Lock()
	} else {
		page.RLock()
	}
	m.track(page, exclusive)
	return page, nil
}

// TryFetchExclusive pins pageID and try-locks it. ok is false when the
// latch is held elsewhere; nothing is retained in that case.
func (m *MiniTxn) TryFetchExclusive(pageID pagemanager.PageID) (page *pagemanager.Page, ok bool, err error) {
	if h, held := m.byID[pageID]; held {
		return h.page, h.exclusive, nil
	}
	page, err = m.bpm.FetchPage(pageID)
	if err != nil {
		return nil, false, err
	}
	if !page.TryLock() {
		return nil, false, m.bpm.UnpinPage(pageID, false)
	}
	m.track(page, true)
	return page, true, nil
}

func (m *MiniTxn) track(page *pagemanager.Page, exclusive bool) {
	h := &heldPage{page: page, exclusive: exclusive}
	m.held = append(m.held, h)
	m.byID[page.GetPageID()] = h
}

// Modify records the before-image of p on its first modification. p must
// be held exclusively.
func (m *MiniTxn) Modify(p *pagemanager.Page) {
	h, ok := m.byID[p.GetPageID()]
	if !ok || !h.exclusive {
		panic(fmt.Sprintf("memtable: modify of page %d not held exclusively", p.GetPageID()))
	}
	if h.before == nil {
		h.before = append([]byte(nil), p.GetData()...)
	}
}

// Release unlatches and unpins p early. Modified pages are kept until the
// end of the mini-transaction.
func (m *MiniTxn) Release(p *pagemanager.Page) {
	h, ok := m.byID[p.GetPageID()]
	if !ok || h.before != nil {
		return
	}
	m.unlatch(h)
	delete(m.byID, p.GetPageID())
	for i, x := range m.held {
		if x == h {
			m.held = append(m.held[:i], m.held[i+1:]...)
			break
		}
	}
	_ = m.bpm.UnpinPage(p.GetPageID(), false)
}

func (m *MiniTxn) unlatch(h *heldPage) {
	if h.exclusive {
		h.page.Unlock()
	} else {
		h.page.RUnlock()
	}
}

// Images returns the page diffs of everything modified so far.
func (m *MiniTxn) Images() []wal.PageImage {
	var images []wal.PageImage
	for _, h := range m.held {
		if h.before == nil {
			continue
		}
		if img, changed := diffPage(h.page.GetPageID(), h.before, h.page.GetData()); changed {
			images = append(images, img)
		}
	}
	return images
}

// diffPage returns the smallest range of the page body that differs. The
// page LSN and checksum are outside the range.
func diffPage(id pagemanager.PageID, before, after []byte) (wal.PageImage, bool) {
	lo := pagemanager.BodyOffset
	hi := pagemanager.ChecksumOffset(len(after))
	for lo < hi && before[lo] == after[lo] {
		lo++
	}
	if lo == hi {
		return wal.PageImage{}, false
	}
	for hi > lo && before[hi-1] == after[hi-1] {
		hi--
	}
	return wal.PageImage{
		PageID: id,
		Offset: uint32(lo),
		Before: append([]byte(nil), before[lo:hi]...),
		After:  append([]byte(nil), after[lo:hi]...),
	}, true
}

// Commit logs the modifications through logFn, stamps the LSN on every
// changed page and releases everything. With nothing changed no record is
// written and InvalidLSN is returned. If logFn fails the pages are restored.
func (m *MiniTxn) Commit(logFn LogFunc) (pagemanager.LSN, error) {
	if m.done {
		return pagemanager.InvalidLSN, fmt.Errorf("mini-transaction already finished")
	}
	images := m.Images()
	if len(images) == 0 {
		m.restore()
		m.finish()
		return pagemanager.InvalidLSN, nil
	}
	changed := make(map[pagemanager.PageID]bool, len(images))
	for _, img := range images {
		changed[img.PageID] = true
	}
	// Pages enter the dirty page table before their record exists, with the
	// current end of the log as a lower bound of its LSN, so a checkpoint
	// can never miss a page whose record precedes it.
	recLSN := m.bpm.logEnd()
	for _, h := range m.held {
		if changed[h.page.GetPageID()] {
			m.bpm.MarkDirty(h.page, recLSN)
		}
	}
	lsn, err := logFn(images)
	if err != nil {
		m.Abort()
		return pagemanager.InvalidLSN, err
	}
	for _, h := range m.held {
		if changed[h.page.GetPageID()] {
			h.page.SetLSN(lsn)
		}
	}
	m.finish()
	return lsn, nil
}

// Abort restores every modified page and releases everything.
func (m *MiniTxn) Abort() {
	if m.done {
		return
	}
	m.restore()
	m.finish()
}

func (m *MiniTxn) restore() {
	for _, h := range m.held {
		if h.before != nil {
			copy(h.page.GetData(), h.before)
		}
	}
}

// finish unlatches in reverse acquisition order, then unpins.
func (m *MiniTxn) finish() {
	m.done = true
	for i := len(m.held) - 1; i >= 0; i-- {
		m.unlatch(m.held[i])
	}
	for _, h := range m.held {
		_ = m.bpm.UnpinPage(h.page.GetPageID(), false)
	}
	m.held = nil
	m.byID = nil
}

// NewPage allocates a page of type t inside m, reusing the head of the free
// list when there is one and extending the file otherwise. The page comes
// back exclusively latched with its before-image captured.
func (bpm *BufferPoolManager) NewPage(m *MiniTxn, t pagemanager.PageType) (*pagemanager.Page, error) {
	meta, err := m.Fetch(pagemanager.MetaPageID, true)
	if err != nil {
		return nil, err
	}
	hdr := flushmanager.DecodeHeader(meta.GetData())

	var page *pagemanager.Page
	if hdr.FreeListHead != pagemanager.InvalidPageID {
		page, err = m.Fetch(hdr.FreeListHead, true)
		if err != nil {
			return nil, err
		}
		if page.Type() != pagemanager.PageTypeFree {
			return nil, &flushmanager.CorruptionError{Op: "allocate page", PageID: uint64(hdr.FreeListHead),
				Err: fmt.Errorf("%w: free list points at a %s page", flushmanager.ErrTreeCorrupted, page.Type())}
		}
		hdr.FreeListHead = flushmanager.FreeNext(page.GetData())
	} else {
		id := hdr.PageCount
		page, err = bpm.fetch(id, false)
		if err != nil {
			return nil, err
		}
		page.Lock()
		m.track(page, true)
		hdr.PageCount++
	}
	m.Modify(meta)
	hdr.Encode(meta.GetData())
	m.Modify(page)
	pagemanager.ClearBody(page.GetData())
	pagemanager.SetPageType(page.GetData(), t)
	return page, nil
}

// FreePage pushes page, held exclusively by m, onto the free list.
func (bpm *BufferPoolManager) FreePage(m *MiniTxn, page *pagemanager.Page) error {
	meta, err := m.Fetch(pagemanager.MetaPageID, true)
	if err != nil {
		return err
	}
	hdr := flushmanager.DecodeHeader(meta.GetData())
	m.Modify(page)
	flushmanager.FormatFree(page.GetData(), hdr.FreeListHead)
	hdr.FreeListHead = page.GetPageID()
	m.Modify(meta)
	hdr.Encode(meta.GetData())
	return nil
}
