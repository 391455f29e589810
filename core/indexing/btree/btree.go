// Package btree implements the disk-resident B+tree index. Nodes live in
// buffer pool pages; every operation runs as one mini-transaction whose
// page changes become a single log record together with the logical undo
// of the operation.
//
// Readers descend with shared latch coupling. Writers first try an
// optimistic descent that latches only the target leaf exclusively and
// fall back to a pessimistic descent with exclusive latch coupling when
// the leaf may split or underflow. A tree-wide root latch protects the
// root pointer; structural changes bump a counter that lets scans detect
// that a sibling pointer they saved may be stale.
package btree

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	flushmanager "github.com/sushant-115/gojostore/core/write_engine/flush_manager"
	"github.com/sushant-115/gojostore/core/write_engine/memtable"
	pagemanager "github.com/sushant-115/gojostore/core/write_engine/page_manager"
	"github.com/sushant-115/gojostore/core/write_engine/wal"
	internaltelemetry "github.com/sushant-115/gojostore/internal/telemetry"
	"go.uber.org/zap"
)

// --- Configuration & Constants ---

const (
	DefaultMaxKeySize   = 64
	DefaultMaxValueSize = 128
	MinOrder            = 3

	maxEntrySize = 1<<16 - 1
)

// errRestart aborts a pessimistic descent that could not take a sibling
// latch without risking a deadlock. The operation is retried from the root.
var errRestart = errors.New("btree: restart descent")

// DefaultMaxRestarts bounds the pessimistic retries of a single write.
const DefaultMaxRestarts = 64

// Config sizes the tree. Order is the maximum number of entries (leaves)
// or children (internal nodes) per node; zero derives the largest order
// that fits MaxKeySize and MaxValueSize in a page.
type Config struct {
	Order        int `yaml:"order"`
	MaxKeySize   int `yaml:"max_key_size"`
	MaxValueSize int `yaml:"max_value_size"`
}

func (c Config) withDefaults() Config {
	if c.MaxKeySize <= 0 {
		c.MaxKeySize = DefaultMaxKeySize
	}
	if c.MaxValueSize <= 0 {
		c.MaxValueSize = DefaultMaxValueSize
	}
	return c
}

// MaxOrder returns the largest order for which a full node of maximum
// sized entries fits in a page.
func MaxOrder(pageSize, maxKeySize, maxValueSize int) int {
	capacity := pagemanager.ChecksumOffset(pageSize) - nodeHeaderSize
	leaf := capacity / (leafEntryOverhead + maxKeySize + maxValueSize)
	internal := capacity / (internalEntryOverhead + maxKeySize)
	return min(leaf, internal)
}

// TreeStats summarizes a tree walked by CheckInvariants.
type TreeStats struct {
	Order     int
	Height    int
	Leaves    int
	Internals int
	Keys      int
}

// BTree is a B+tree of byte-string keys in lexicographic order.
type BTree struct {
	bpm        *memtable.BufferPoolManager
	cfg        Config
	order      int
	minEntries int

	rootLatch sync.RWMutex
	root      pagemanager.PageID

	// smo counts structural modifications: splits, borrows and merges.
	smo atomic.Uint64
	// maxRestarts bounds how often one write retries a pessimistic descent.
	maxRestarts int

	logger  *zap.Logger
	metrics *internaltelemetry.StorageMetrics
}

// Open attaches to the tree rooted in page 0 of the pool's file, creating
// an empty root leaf when the file has none. The creation is logged through
// sys so that it survives a crash like any other page change.
func Open(bpm *memtable.BufferPoolManager, sys wal.RecordLogger, cfg Config, logger *zap.Logger, metrics *internaltelemetry.StorageMetrics) (*BTree, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = internaltelemetry.NoopStorageMetrics()
	}
	cfg = cfg.withDefaults()
	if cfg.MaxKeySize > maxEntrySize || cfg.MaxValueSize > maxEntrySize {
		return nil, fmt.Errorf("%w: key and value sizes are limited to %d bytes", flushmanager.ErrInvalidConfig, maxEntrySize)
	}
	limit := MaxOrder(bpm.GetPageSize(), cfg.MaxKeySize, cfg.MaxValueSize)
	if limit < MinOrder {
		return nil, fmt.Errorf("%w: page size %d cannot hold %d entries of %d+%d bytes",
			flushmanager.ErrInvalidConfig, bpm.GetPageSize(), MinOrder, cfg.MaxKeySize, cfg.MaxValueSize)
	}
	if cfg.Order != 0 && (cfg.Order < MinOrder || cfg.Order > limit) {
		return nil, fmt.Errorf("%w: order %d outside [%d, %d]", flushmanager.ErrInvalidConfig, cfg.Order, MinOrder, limit)
	}

	t := &BTree{bpm: bpm, cfg: cfg, maxRestarts: DefaultMaxRestarts, logger: logger.Named("btree"), metrics: metrics}

	m := bpm.NewMiniTxn()
	defer m.Abort()
	meta, err := m.Fetch(pagemanager.MetaPageID, true)
	if err != nil {
		return nil, err
	}
	hdr := flushmanager.DecodeHeader(meta.GetData())
	if hdr.RootPageID != pagemanager.InvalidPageID {
		order := int(hdr.TreeOrder)
		if order < MinOrder || order > limit {
			return nil, fmt.Errorf("%w: stored tree order %d does not fit keys of %d and values of %d bytes",
				flushmanager.ErrInvalidConfig, order, cfg.MaxKeySize, cfg.MaxValueSize)
		}
		if cfg.Order != 0 && cfg.Order != order {
			return nil, fmt.Errorf("%w: tree was created with order %d, configured %d", flushmanager.ErrInvalidConfig, order, cfg.Order)
		}
		t.setOrder(order)
		t.root = hdr.RootPageID
		m.Abort()
		t.logger.Info("Opened B+tree", zap.Uint64("root_page_id", uint64(t.root)), zap.Int("order", t.order))
		return t, nil
	}

	order := cfg.Order
	if order == 0 {
		order = limit
	}
	t.setOrder(order)
	page, err := bpm.NewPage(m, pagemanager.PageTypeLeaf)
	if err != nil {
		return nil, err
	}
	root := &node{id: page.GetPageID(), leaf: true}
	if err := root.write(page.GetData()); err != nil {
		return nil, err
	}
	hdr = flushmanager.DecodeHeader(meta.GetData())
	hdr.RootPageID = root.id
	hdr.TreeOrder = uint32(order)
	m.Modify(meta)
	hdr.Encode(meta.GetData())
	if _, err := m.Commit(func(images []wal.PageImage) (pagemanager.LSN, error) {
		return sys.LogUpdate(images, wal.LogicalUndo{})
	}); err != nil {
		return nil, err
	}
	t.root = root.id
	t.logger.Info("Created B+tree", zap.Uint64("root_page_id", uint64(t.root)), zap.Int("order", t.order))
	return t, nil
}

func (t *BTree) setOrder(order int) {
	t.order = order
	t.minEntries = (order + 1) / 2
}

// Order returns the maximum fan-out of a node.
func (t *BTree) Order() int { return t.order }

// RootPageID returns the current root page.
func (t *BTree) RootPageID() pagemanager.PageID {
	t.rootLatch.RLock()
	defer t.rootLatch.RUnlock()
	return t.root
}

// ValidateKey checks a key against the configured limits.
func (t *BTree) ValidateKey(key []byte) error {
	if len(key) == 0 {
		return flushmanager.ErrEmptyKey
	}
	if len(key) > t.cfg.MaxKeySize {
		return fmt.Errorf("%w: %d > %d bytes", flushmanager.ErrKeyTooLarge, len(key), t.cfg.MaxKeySize)
	}
	return nil
}

// ValidateValue checks a value against the configured limits.
func (t *BTree) ValidateValue(value []byte) error {
	if len(value) > t.cfg.MaxValueSize {
		return fmt.Errorf("%w: %d > %d bytes", flushmanager.ErrValueTooLarge, len(value), t.cfg.MaxValueSize)
	}
	return nil
}

// --- Search ---

// Search returns a copy of the value stored under key.
func (t *BTree) Search(key []byte) ([]byte, bool, error) {
	if err := t.ValidateKey(key); err != nil {
		return nil, false, err
	}
	m := t.bpm.NewMiniTxn()
	defer m.Abort()
	leaf, err := t.descendShared(m, key, false)
	if err != nil {
		return nil, false, err
	}
	n, err := readNode(leaf, false)
	if err != nil {
		return nil, false, err
	}
	i, found := n.search(key)
	if !found {
		return nil, false, nil
	}
	return append([]byte{}, n.entries[i].value...), true, nil
}

// descendShared crabs from the root to the leaf covering key (the leftmost
// leaf when leftmost is set) with shared latches. Only the leaf is still
// held when it returns.
func (t *BTree) descendShared(m *memtable.MiniTxn, key []byte, leftmost bool) (*pagemanager.Page, error) {
	t.rootLatch.RLock()
	page, err := m.Fetch(t.root, false)
	t.rootLatch.RUnlock()
	if err != nil {
		return nil, err
	}
	for {
		n, err := readNode(page, false)
		if err != nil {
			return nil, err
		}
		if n.leaf {
			return page, nil
		}
		idx := 0
		if !leftmost {
			idx = n.childIndex(key)
		}
		child, err := m.Fetch(n.entries[idx].child, false)
		if err != nil {
			return nil, err
		}
		m.Release(page)
		page = child
	}
}

// --- Writes ---

type opKind int

const (
	opInsert opKind = iota
	opUpdate
	opDelete
)

func (k opKind) String() string {
	switch k {
	case opInsert:
		return "insert"
	case opUpdate:
		return "update"
	default:
		return "delete"
	}
}

// Insert adds key with value. It fails with ErrDuplicateKey when the key
// exists. The change is logged through log with a delete as its undo.
func (t *BTree) Insert(log wal.RecordLogger, key, value []byte) error {
	if err := t.ValidateKey(key); err != nil {
		return err
	}
	if err := t.ValidateValue(value); err != nil {
		return err
	}
	_, err := t.write(log, t.maxRestarts, opInsert, key, value)
	return err
}

// Update replaces the value of an existing key and returns the old value.
func (t *BTree) Update(log wal.RecordLogger, key, value []byte) ([]byte, error) {
	if err := t.ValidateKey(key); err != nil {
		return nil, err
	}
	if err := t.ValidateValue(value); err != nil {
		return nil, err
	}
	return t.write(log, t.maxRestarts, opUpdate, key, value)
}

// Delete removes key and returns the value it held.
func (t *BTree) Delete(log wal.RecordLogger, key []byte) ([]byte, error) {
	if err := t.ValidateKey(key); err != nil {
		return nil, err
	}
	return t.write(log, t.maxRestarts, opDelete, key, nil)
}

// Undo applies a logical undo through log. It tolerates the state a
// partially rolled back transaction can leave behind: deleting a missing
// key is a no-op, and restoring a key inserts or overwrites as needed.
func (t *BTree) Undo(log wal.RecordLogger, u wal.LogicalUndo) error {
	switch u.Op {
	case wal.UndoNone:
		return nil
	case wal.UndoDeleteKey:
		_, err := t.write(log, 0, opDelete, u.Key, nil)
		if errors.Is(err, flushmanager.ErrKeyNotFound) {
			return nil
		}
		return err
	case wal.UndoInsertKey:
		_, err := t.write(log, 0, opInsert, u.Key, u.Value)
		if errors.Is(err, flushmanager.ErrDuplicateKey) {
			_, err = t.write(log, 0, opUpdate, u.Key, u.Value)
		}
		return err
	case wal.UndoRestore:
		_, err := t.write(log, 0, opUpdate, u.Key, u.Value)
		if errors.Is(err, flushmanager.ErrKeyNotFound) {
			_, err = t.write(log, 0, opInsert, u.Key, u.Value)
		}
		return err
	default:
		return fmt.Errorf("%w: unknown undo operation %s", flushmanager.ErrLogCorrupted, u.Op)
	}
}

// write applies op, retrying the pessimistic descent at most maxRestarts
// times. Undo passes zero: a rollback keeps retrying until it succeeds.
func (t *BTree) write(log wal.RecordLogger, maxRestarts int, op opKind, key, value []byte) ([]byte, error) {
	old, done, err := t.writeOptimistic(log, op, key, value)
	if done {
		return old, err
	}
	for attempt := 1; ; attempt++ {
		old, err = t.writePessimistic(log, op, key, value)
		if !errors.Is(err, errRestart) {
			return old, err
		}
		t.metrics.TreeRestartsCounter.Add(context.Background(), 1)
		if maxRestarts > 0 && attempt >= maxRestarts {
			t.logger.Warn("Giving up on write after repeated restarts",
				zap.Stringer("op", op), zap.Int("restarts", attempt))
			return nil, fmt.Errorf("%w: %s gave up after %d restarts", flushmanager.ErrContention, op, attempt)
		}
		if attempt < 4 {
			runtime.Gosched()
		} else {
			time.Sleep(time.Duration(min(attempt, 20)) * 50 * time.Microsecond)
		}
	}
}

// applyToLeaf performs op on a decoded leaf and returns the previous value
// for updates and deletes.
func applyToLeaf(n *node, op opKind, key, value []byte) ([]byte, error) {
	i, found := n.search(key)
	switch op {
	case opInsert:
		if found {
			return nil, flushmanager.ErrDuplicateKey
		}
		n.insertAt(i, entry{key: append([]byte{}, key...), value: append([]byte{}, value...)})
		return nil, nil
	case opUpdate:
		if !found {
			return nil, flushmanager.ErrKeyNotFound
		}
		old := n.entries[i].value
		n.entries[i].value = append([]byte{}, value...)
		return old, nil
	default:
		if !found {
			return nil, flushmanager.ErrKeyNotFound
		}
		return n.removeAt(i).value, nil
	}
}

func undoFor(op opKind, key, old []byte) wal.LogicalUndo {
	switch op {
	case opInsert:
		return wal.LogicalUndo{Op: wal.UndoDeleteKey, Key: key}
	case opUpdate:
		return wal.LogicalUndo{Op: wal.UndoRestore, Key: key, Value: old}
	default:
		return wal.LogicalUndo{Op: wal.UndoInsertKey, Key: key, Value: old}
	}
}

func logWith(log wal.RecordLogger, undo wal.LogicalUndo) memtable.LogFunc {
	return func(images []wal.PageImage) (pagemanager.LSN, error) {
		return log.LogUpdate(images, undo)
	}
}

// writeOptimistic descends with shared latches and takes only the leaf
// exclusively. done is false when the leaf would split or underflow, or
// when the root is itself a leaf; nothing has changed in that case.
func (t *BTree) writeOptimistic(log wal.RecordLogger, op opKind, key, value []byte) (old []byte, done bool, err error) {
	m := t.bpm.NewMiniTxn()
	defer m.Abort()

	t.rootLatch.RLock()
	page, err := m.Fetch(t.root, false)
	t.rootLatch.RUnlock()
	if err != nil {
		return nil, true, err
	}
	n, err := readNode(page, false)
	if err != nil {
		return nil, true, err
	}
	if n.leaf {
		return nil, false, nil
	}
	for n.level > 1 {
		child, err := m.Fetch(n.entries[n.childIndex(key)].child, false)
		if err != nil {
			return nil, true, err
		}
		m.Release(page)
		page = child
		if n, err = readNode(page, false); err != nil {
			return nil, true, err
		}
	}
	leafPage, err := m.Fetch(n.entries[n.childIndex(key)].child, true)
	if err != nil {
		return nil, true, err
	}
	m.Release(page)

	leaf, err := readNode(leafPage, true)
	if err != nil {
		return nil, true, err
	}
	if !leaf.leaf {
		return nil, true, corruptNode(leaf.id, "level 1 child is not a leaf")
	}
	old, err = applyToLeaf(leaf, op, key, value)
	if err != nil {
		return nil, true, err
	}
	if len(leaf.entries) > t.order || (op == opDelete && len(leaf.entries) < t.minEntries) {
		return nil, false, nil
	}
	m.Modify(leafPage)
	if err := leaf.write(leafPage.GetData()); err != nil {
		return nil, true, err
	}
	if _, err := m.Commit(logWith(log, undoFor(op, key, old))); err != nil {
		return nil, true, err
	}
	return old, true, nil
}

// step is one node on the path of a pessimistic descent.
type step struct {
	page *pagemanager.Page
	n    *node
	idx  int // position in the parent's entries
}

// writeOp collects the effects of a pessimistic operation. Nodes are
// encoded, pages freed and the root pointer moved only at the end, so that
// page 0 is the last latch taken by a merge.
type writeOp struct {
	t        *BTree
	m        *memtable.MiniTxn
	rootHeld bool
	dirty    []*step
	freed    []*pagemanager.Page
	newRoot  pagemanager.PageID
}

func (w *writeOp) put(page *pagemanager.Page, n *node) {
	for _, s := range w.dirty {
		if s.page == page {
			s.n = n
			return
		}
	}
	w.dirty = append(w.dirty, &step{page: page, n: n})
}

func (w *writeOp) free(page *pagemanager.Page) {
	for i, s := range w.dirty {
		if s.page == page {
			w.dirty = append(w.dirty[:i], w.dirty[i+1:]...)
			break
		}
	}
	w.freed = append(w.freed, page)
}

func (w *writeOp) releaseRoot() {
	if w.rootHeld {
		w.t.rootLatch.Unlock()
		w.rootHeld = false
	}
}

// safe reports whether op on n cannot propagate to n's parent.
func (t *BTree) safe(n *node, op opKind, isRoot bool) bool {
	switch op {
	case opInsert:
		return len(n.entries) < t.order
	case opDelete:
		if isRoot {
			return n.leaf || len(n.entries) > 2
		}
		return len(n.entries) > t.minEntries
	default:
		return true
	}
}

// writePessimistic descends with exclusive latch coupling, releasing every
// ancestor as soon as a child is safe, then applies op and repairs the
// path bottom-up.
func (t *BTree) writePessimistic(log wal.RecordLogger, op opKind, key, value []byte) ([]byte, error) {
	m := t.bpm.NewMiniTxn()
	defer m.Abort()
	w := &writeOp{t: t, m: m, rootHeld: true}
	t.rootLatch.Lock()
	defer w.releaseRoot()

	page, err := m.Fetch(t.root, true)
	if err != nil {
		return nil, err
	}
	n, err := readNode(page, true)
	if err != nil {
		return nil, err
	}
	path := []*step{{page: page, n: n, idx: -1}}
	if t.safe(n, op, true) {
		w.releaseRoot()
	}
	for !n.leaf {
		idx := n.childIndex(key)
		child, err := m.Fetch(n.entries[idx].child, true)
		if err != nil {
			return nil, err
		}
		cn, err := readNode(child, true)
		if err != nil {
			return nil, err
		}
		if cn.level != n.level-1 {
			return nil, corruptNode(cn.id, "level %d below a level %d node", cn.level, n.level)
		}
		if t.safe(cn, op, false) {
			for _, s := range path {
				m.Release(s.page)
			}
			path = path[:0]
			w.releaseRoot()
		}
		path = append(path, &step{page: child, n: cn, idx: idx})
		n = cn
	}

	leaf := path[len(path)-1]
	old, err := applyToLeaf(leaf.n, op, key, value)
	if err != nil {
		return nil, err
	}
	w.put(leaf.page, leaf.n)
	switch {
	case len(leaf.n.entries) > t.order:
		err = w.splitUp(path)
	case op == opDelete && len(path) > 1 && len(leaf.n.entries) < t.minEntries:
		err = w.rebalanceUp(path)
	}
	if err != nil {
		return nil, err
	}
	if err := w.commit(log, undoFor(op, key, old)); err != nil {
		return nil, err
	}
	return old, nil
}

// splitUp splits every overfull node on the path, from the leaf upwards,
// growing a new root when the old one splits.
func (w *writeOp) splitUp(path []*step) error {
	t := w.t
	for level := len(path) - 1; level >= 0; level-- {
		s := path[level]
		if len(s.n.entries) <= t.order {
			return nil
		}
		t.smo.Add(1)
		t.metrics.TreeSplitsCounter.Add(context.Background(), 1)
		kind := pagemanager.PageTypeInternal
		if s.n.leaf {
			kind = pagemanager.PageTypeLeaf
		}
		newPage, err := t.bpm.NewPage(w.m, kind)
		if err != nil {
			return err
		}
		cut := splitPoint(len(s.n.entries))
		right := &node{id: newPage.GetPageID(), leaf: s.n.leaf, level: s.n.level,
			entries: append(make([]entry, 0, t.order+1), s.n.entries[cut:]...)}
		s.n.entries = s.n.entries[:cut:cut]
		sep := right.entries[0].key
		if s.n.leaf {
			right.next = s.n.next
			s.n.next = right.id
		} else {
			right.entries[0].key = nil
		}
		w.put(s.page, s.n)
		w.put(newPage, right)

		if level > 0 {
			parent := path[level-1]
			parent.n.insertAt(s.idx+1, entry{key: sep, child: right.id})
			w.put(parent.page, parent.n)
			continue
		}
		if !w.rootHeld {
			return corruptNode(s.n.id, "split reached a node whose parent was released")
		}
		rootPage, err := t.bpm.NewPage(w.m, pagemanager.PageTypeInternal)
		if err != nil {
			return err
		}
		root := &node{id: rootPage.GetPageID(), level: s.n.level + 1,
			entries: []entry{{child: s.n.id}, {key: sep, child: right.id}}}
		w.put(rootPage, root)
		w.newRoot = root.id
		t.logger.Debug("Root split", zap.Uint64("new_root", uint64(root.id)), zap.Uint16("level", root.level))
	}
	return nil
}

// rebalanceUp fixes underfull nodes from the leaf upwards and collapses an
// internal root left with a single child.
func (w *writeOp) rebalanceUp(path []*step) error {
	for level := len(path) - 1; level >= 1; level-- {
		s := path[level]
		if len(s.n.entries) >= w.t.minEntries {
			break
		}
		parent := path[level-1]
		if err := w.rebalance(parent, s); err != nil {
			return err
		}
		w.put(parent.page, parent.n)
	}
	root := path[0]
	if w.rootHeld && !root.n.leaf && len(root.n.entries) == 1 {
		w.newRoot = root.n.entries[0].child
		w.free(root.page)
		w.t.logger.Debug("Root collapsed", zap.Uint64("new_root", uint64(w.newRoot)))
	}
	return nil
}

// rebalance refills the underfull child s of parent by borrowing from a
// sibling or merging with it. The right sibling is preferred; the left one
// is used only for the last child and only if its latch is free, since it
// is taken against the left-to-right order.
func (w *writeOp) rebalance(parent, s *step) error {
	t, m := w.t, w.m
	p, c, i := parent.n, s.n, s.idx
	t.smo.Add(1)
	t.metrics.TreeMergesCounter.Add(context.Background(), 1)

	if i+1 < len(p.entries) {
		rPage, err := m.Fetch(p.entries[i+1].child, true)
		if err != nil {
			return err
		}
		r, err := readNode(rPage, true)
		if err != nil {
			return err
		}
		if len(r.entries) > t.minEntries {
			if c.leaf {
				c.entries = append(c.entries, r.removeAt(0))
				p.entries[i+1].key = r.entries[0].key
			} else {
				first := r.removeAt(0)
				c.entries = append(c.entries, entry{key: p.entries[i+1].key, child: first.child})
				p.entries[i+1].key = r.entries[0].key
				r.entries[0].key = nil
			}
			w.put(s.page, c)
			w.put(rPage, r)
			return nil
		}
		if c.leaf {
			c.entries = append(c.entries, r.entries...)
			c.next = r.next
		} else {
			c.entries = append(c.entries, entry{key: p.entries[i+1].key, child: r.entries[0].child})
			c.entries = append(c.entries, r.entries[1:]...)
		}
		p.removeAt(i + 1)
		w.put(s.page, c)
		w.free(rPage)
		return nil
	}

	if i == 0 {
		return corruptNode(p.id, "internal node with a single child")
	}
	lPage, ok, err := m.TryFetchExclusive(p.entries[i-1].child)
	if err != nil {
		return err
	}
	if !ok {
		return errRestart
	}
	l, err := readNode(lPage, true)
	if err != nil {
		return err
	}
	if len(l.entries) > t.minEntries {
		last := l.removeAt(len(l.entries) - 1)
		if c.leaf {
			c.insertAt(0, last)
			p.entries[i].key = last.key
		} else {
			c.entries[0].key = p.entries[i].key
			c.insertAt(0, entry{child: last.child})
			p.entries[i].key = last.key
		}
		w.put(lPage, l)
		w.put(s.page, c)
		return nil
	}
	if c.leaf {
		l.entries = append(l.entries, c.entries...)
		l.next = c.next
	} else {
		l.entries = append(l.entries, entry{key: p.entries[i].key, child: c.entries[0].child})
		l.entries = append(l.entries, c.entries[1:]...)
	}
	p.removeAt(i)
	w.put(lPage, l)
	w.free(s.page)
	return nil
}

// commit encodes the changed nodes, frees pages, moves the root and logs
// everything as one record.
func (w *writeOp) commit(log wal.RecordLogger, undo wal.LogicalUndo) error {
	for _, s := range w.dirty {
		w.m.Modify(s.page)
		if err := s.n.write(s.page.GetData()); err != nil {
			return err
		}
	}
	for _, page := range w.freed {
		if err := w.t.bpm.FreePage(w.m, page); err != nil {
			return err
		}
	}
	if w.newRoot != pagemanager.InvalidPageID {
		meta, err := w.m.Fetch(pagemanager.MetaPageID, true)
		if err != nil {
			return err
		}
		w.m.Modify(meta)
		flushmanager.SetRoot(meta.GetData(), w.newRoot)
	}
	if _, err := w.m.Commit(logWith(log, undo)); err != nil {
		return err
	}
	if w.newRoot != pagemanager.InvalidPageID {
		w.t.root = w.newRoot
	}
	return nil
}

// --- Verification ---

func (t *BTree) loadNode(id pagemanager.PageID) (*node, error) {
	page, err := t.bpm.FetchPage(id)
	if err != nil {
		return nil, err
	}
	defer t.bpm.UnpinPage(id, false)
	page.RLock()
	defer page.RUnlock()
	return readNode(page, true)
}

// CheckInvariants walks the whole tree and verifies ordering, separator
// bounds, fill factors, uniform leaf depth and the leaf chain. It must not
// run concurrently with writers.
func (t *BTree) CheckInvariants() (*TreeStats, error) {
	root := t.RootPageID()
	rn, err := t.loadNode(root)
	if err != nil {
		return nil, err
	}
	st := &TreeStats{Order: t.order, Height: int(rn.level) + 1}
	var leaves []pagemanager.PageID
	if err := t.checkNode(rn, nil, nil, true, st, &leaves); err != nil {
		return st, err
	}

	var prev []byte
	id, i := leaves[0], 0
	for id != pagemanager.InvalidPageID {
		if i >= len(leaves) || leaves[i] != id {
			return st, corruptNode(id, "leaf chain diverges from the tree at position %d", i)
		}
		n, err := t.loadNode(id)
		if err != nil {
			return st, err
		}
		for _, e := range n.entries {
			if prev != nil && bytes.Compare(prev, e.key) >= 0 {
				return st, corruptNode(id, "leaf chain keys out of order")
			}
			prev = e.key
		}
		id = n.next
		i++
	}
	if i != len(leaves) {
		return st, corruptNode(leaves[i], "leaf not reachable through the chain")
	}
	return st, nil
}

func (t *BTree) checkNode(n *node, lo, hi []byte, isRoot bool, st *TreeStats, leaves *[]pagemanager.PageID) error {
	count := len(n.entries)
	if count > t.order {
		return corruptNode(n.id, "%d entries exceed order %d", count, t.order)
	}
	if !isRoot && count < t.minEntries {
		return corruptNode(n.id, "%d entries below minimum %d", count, t.minEntries)
	}
	inRange := func(k []byte) bool {
		return (lo == nil || bytes.Compare(k, lo) >= 0) && (hi == nil || bytes.Compare(k, hi) < 0)
	}

	if n.leaf {
		st.Leaves++
		st.Keys += count
		*leaves = append(*leaves, n.id)
		for i, e := range n.entries {
			if !inRange(e.key) {
				return corruptNode(n.id, "key %q outside the parent's bounds", e.key)
			}
			if i > 0 && bytes.Compare(n.entries[i-1].key, e.key) >= 0 {
				return corruptNode(n.id, "keys out of order at %d", i)
			}
		}
		return nil
	}

	st.Internals++
	if count < 2 {
		return corruptNode(n.id, "internal node with %d children", count)
	}
	if len(n.entries[0].key) != 0 {
		return corruptNode(n.id, "first child carries a separator")
	}
	for i := 1; i < count; i++ {
		if !inRange(n.entries[i].key) {
			return corruptNode(n.id, "separator %q outside the parent's bounds", n.entries[i].key)
		}
		if i > 1 && bytes.Compare(n.entries[i-1].key, n.entries[i].key) >= 0 {
			return corruptNode(n.id, "separators out of order at %d", i)
		}
	}
	for i, e := range n.entries {
		child, err := t.loadNode(e.child)
		if err != nil {
			return err
		}
		if child.level != n.level-1 {
			return corruptNode(child.id, "level %d under a level %d node", child.level, n.level)
		}
		clo, chi := lo, hi
		if i > 0 {
			clo = e.key
		}
		if i+1 < count {
			chi = n.entries[i+1].key
		}
		if err := t.checkNode(child, clo, chi, false, st, leaves); err != nil {
			return err
		}
	}
	return nil
}
