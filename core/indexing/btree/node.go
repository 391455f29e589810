package btree

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"

	flushmanager "github.com/sushant-115/gojostore/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/gojostore/core/write_engine/page_manager"
)

// --- BTree Node Serialization/Deserialization ---

// Header fields within a node page. The page LSN and type live in the
// generic page header in front of them.
const (
	nodeCountOffset = 10 // uint16: entries (leaf) or children (internal)
	nodeLevelOffset = 12 // uint16: 0 for leaves
	nodeNextOffset  = 16 // uint64: right sibling, leaves only
	nodeHeaderSize  = 24

	leafEntryOverhead     = 4  // keyLen u16 | valLen u16
	internalEntryOverhead = 10 // keyLen u16 | child u64
)

// entry is one slot of a node. Leaves use key and value; internal nodes use
// key and child, and ignore the key of their first entry.
type entry struct {
	key   []byte
	value []byte
	child pagemanager.PageID
}

// node is the decoded form of a tree page.
type node struct {
	id      pagemanager.PageID
	leaf    bool
	level   uint16
	next    pagemanager.PageID
	entries []entry
}

func corruptNode(id pagemanager.PageID, format string, args ...any) error {
	return &flushmanager.CorruptionError{Op: "decode node", PageID: uint64(id),
		Err: fmt.Errorf("%w: %s", flushmanager.ErrTreeCorrupted, fmt.Sprintf(format, args...))}
}

// readNode decodes a tree page. With clone set every key and value is
// copied, so the node stays valid after the page is rewritten or released.
func readNode(p *pagemanager.Page, clone bool) (*node, error) {
	data := p.GetData()
	id := p.GetPageID()
	n := &node{id: id}
	switch pagemanager.PageTypeOf(data) {
	case pagemanager.PageTypeLeaf:
		n.leaf = true
	case pagemanager.PageTypeInternal:
	default:
		return nil, corruptNode(id, "page type %s is not a tree node", pagemanager.PageTypeOf(data))
	}
	le := binary.LittleEndian
	count := int(le.Uint16(data[nodeCountOffset:]))
	n.level = le.Uint16(data[nodeLevelOffset:])
	n.next = pagemanager.PageID(le.Uint64(data[nodeNextOffset:]))
	if n.leaf != (n.level == 0) {
		return nil, corruptNode(id, "leaf flag and level %d disagree", n.level)
	}

	limit := pagemanager.ChecksumOffset(len(data))
	off := nodeHeaderSize
	take := func(size int) []byte {
		b := data[off : off+size]
		off += size
		if clone {
			return append([]byte(nil), b...)
		}
		return b
	}
	n.entries = make([]entry, count, count+1)
	for i := 0; i < count; i++ {
		if n.leaf {
			if off+leafEntryOverhead > limit {
				return nil, corruptNode(id, "entry %d header overruns the page", i)
			}
			kl := int(le.Uint16(data[off:]))
			vl := int(le.Uint16(data[off+2:]))
			off += leafEntryOverhead
			if off+kl+vl > limit {
				return nil, corruptNode(id, "entry %d overruns the page", i)
			}
			n.entries[i].key = take(kl)
			n.entries[i].value = take(vl)
		} else {
			if off+internalEntryOverhead > limit {
				return nil, corruptNode(id, "entry %d header overruns the page", i)
			}
			kl := int(le.Uint16(data[off:]))
			n.entries[i].child = pagemanager.PageID(le.Uint64(data[off+2:]))
			off += internalEntryOverhead
			if off+kl > limit {
				return nil, corruptNode(id, "entry %d overruns the page", i)
			}
			n.entries[i].key = take(kl)
		}
	}
	return n, nil
}

// encodedSize is the number of bytes n occupies on a page.
func (n *node) encodedSize() int {
	size := nodeHeaderSize
	for _, e := range n.entries {
		if n.leaf {
			size += leafEntryOverhead + len(e.key) + len(e.value)
		} else {
			size += internalEntryOverhead + len(e.key)
		}
	}
	return size
}

// write encodes n into the page bytes. Everything after the entries is
// zeroed, so a node image never depends on what the page held before.
func (n *node) write(data []byte) error {
	limit := pagemanager.ChecksumOffset(len(data))
	if n.encodedSize() > limit {
		return corruptNode(n.id, "node of %d entries needs %d bytes, page has %d", len(n.entries), n.encodedSize(), limit)
	}
	le := binary.LittleEndian
	if n.leaf {
		pagemanager.SetPageType(data, pagemanager.PageTypeLeaf)
	} else {
		pagemanager.SetPageType(data, pagemanager.PageTypeInternal)
	}
	data[9] = 0
	le.PutUint16(data[nodeCountOffset:], uint16(len(n.entries)))
	le.PutUint16(data[nodeLevelOffset:], n.level)
	clear(data[nodeLevelOffset+2 : nodeNextOffset])
	le.PutUint64(data[nodeNextOffset:], uint64(n.next))

	off := nodeHeaderSize
	for _, e := range n.entries {
		le.PutUint16(data[off:], uint16(len(e.key)))
		if n.leaf {
			le.PutUint16(data[off+2:], uint16(len(e.value)))
			off += leafEntryOverhead
			off += copy(data[off:], e.key)
			off += copy(data[off:], e.value)
		} else {
			le.PutUint64(data[off+2:], uint64(e.child))
			off += internalEntryOverhead
			off += copy(data[off:], e.key)
		}
	}
	clear(data[off:limit])
	return nil
}

// search returns the position of key in a leaf, or where it would go.
func (n *node) search(key []byte) (int, bool) {
	i := sort.Search(len(n.entries), func(i int) bool {
		return bytes.Compare(n.entries[i].key, key) >= 0
	})
	return i, i < len(n.entries) && bytes.Equal(n.entries[i].key, key)
}

// childIndex returns the child of an internal node whose range holds key:
// the last child whose separator is <= key. The first child has no
// separator and takes everything below the second one.
func (n *node) childIndex(key []byte) int {
	i := sort.Search(len(n.entries)-1, func(i int) bool {
		return bytes.Compare(n.entries[i+1].key, key) > 0
	})
	return i
}

func (n *node) insertAt(i int, e entry) {
	n.entries = append(n.entries, entry{})
	copy(n.entries[i+1:], n.entries[i:])
	n.entries[i] = e
}

func (n *node) removeAt(i int) entry {
	e := n.entries[i]
	n.entries = append(n.entries[:i], n.entries[i+1:]...)
	return e
}

// splitPoint is the number of entries kept on the left of a split.
func splitPoint(count int) int { return count / 2 }
