package pagemanager

import (
	"sync" // For sync.RWMutex
	"time"
)

// --- Page Management ---

const (
	// InvalidPageID never names a tree or free page. Page 0 is the file header,
	// so a zero pointer always means "no page".
	InvalidPageID PageID = 0
	// MetaPageID is the page holding the database file header.
	MetaPageID PageID = 0
)

type LSN uint64 // Log Sequence Number
const InvalidLSN LSN = 0

// PageID represents a unique identifier for a page on disk.
type PageID uint64

func (p PageID) GetID() uint64 { return uint64(p) }

// Page represents an in-memory copy of a disk page (a buffer frame).
//
// pinCount, isDirty, recLSN and poisoned are owned by the buffer pool shard
// that holds the frame and are only touched under that shard's mutex. data
// and lsn are protected by the page latch.
type Page struct {
	id       PageID
	data     []byte
	pinCount uint32
	isDirty  bool
	lsn      LSN // LSN of the last log record that modified this page
	recLSN   LSN // first LSN that dirtied the page since it was last flushed
	poisoned error

	// latch protects the in-memory contents of this page. It is a physical
	// latch and has nothing to do with transaction locks.
	latch     sync.RWMutex
	updatedAt time.Time
}

// NewPage creates a new Page instance.
func NewPage(id PageID, size int) *Page {
	return &Page{
		id:   id,
		data: make([]byte, size),
		lsn:  InvalidLSN,
	}
}

// Reset prepares the frame for a different page.
func (p *Page) Reset() {
	p.id = InvalidPageID
	p.pinCount = 0
	p.isDirty = false
	p.lsn = InvalidLSN
	p.recLSN = InvalidLSN
	p.poisoned = nil
	clear(p.data)
}

func (p *Page) GetData() []byte             { return p.data }
func (p *Page) SetData(newData []byte) bool { copy(p.data, newData); return true }
func (p *Page) GetPageID() PageID           { return p.id }
func (p *Page) SetPageID(id PageID)         { p.id = id }
func (p *Page) IsDirty() bool               { return p.isDirty }
func (p *Page) Pin()                        { p.pinCount++ }
func (p *Page) Unpin() {
	if p.pinCount > 0 {
		p.pinCount--
	}
}
func (p *Page) GetPinCount() uint32         { return p.pinCount }
func (p *Page) SetPinCount(pinCount uint32) { p.pinCount = pinCount }
func (p *Page) SetDirty(dirty bool)         { p.isDirty = dirty }
func (p *Page) GetRecLSN() LSN              { return p.recLSN }
func (p *Page) SetRecLSN(lsn LSN)           { p.recLSN = lsn }
func (p *Page) Poisoned() error             { return p.poisoned }
func (p *Page) Poison(err error)            { p.poisoned = err }
func (p *Page) UpdatedAt(t time.Time)       { p.updatedAt = t }
func (p *Page) GetUpdatedAt() time.Time     { return p.updatedAt }

// GetLSN returns the page LSN. Callers hold the page latch.
func (p *Page) GetLSN() LSN { return p.lsn }

// SetLSN stamps lsn both on the frame and in the page header bytes.
// Callers hold the exclusive page latch.
func (p *Page) SetLSN(lsn LSN) {
	p.lsn = lsn
	SetPageLSN(p.data, lsn)
}

// LoadLSN refreshes the frame LSN from the page bytes after a disk read.
func (p *Page) LoadLSN() { p.lsn = PageLSNOf(p.data) }

// Type returns the self-describing page type stored in the header.
func (p *Page) Type() PageType { return PageTypeOf(p.data) }

// --- Latch Methods ---

// RLock acquires a read (shared) latch on the page.
func (p *Page) RLock() {
	p.latch.RLock()
}

// RUnlock releases a read (shared) latch on the page.
func (p *Page) RUnlock() {
	p.latch.RUnlock()
}

// Lock acquires a write (exclusive) latch on the page.
func (p *Page) Lock() {
	p.latch.Lock()
}

func (p *Page) TryLock() bool {
	return p.latch.TryLock()
}

// Unlock releases a write (exclusive) latch on the page.
func (p *Page) Unlock() {
	p.latch.Unlock()
}
