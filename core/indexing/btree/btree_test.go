package btree

import (
	"fmt"
	"math/rand"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	flushmanager "github.com/sushant-115/gojostore/core/write_engine/flush_manager"
	"github.com/sushant-115/gojostore/core/write_engine/memtable"
	pagemanager "github.com/sushant-115/gojostore/core/write_engine/page_manager"
	"github.com/sushant-115/gojostore/core/write_engine/wal"
	"go.uber.org/zap/zaptest"
)

const testPageSize = 1024

type treeFixture struct {
	dir  string
	dm   *flushmanager.DiskManager
	lm   *wal.LogManager
	bpm  *memtable.BufferPoolManager
	tree *BTree
	log  *captureLogger
}

// captureLogger logs updates for transaction 1 and keeps their undo.
type captureLogger struct {
	lm    *wal.LogManager
	mu    sync.Mutex
	undos []wal.LogicalUndo
}

func (c *captureLogger) LogUpdate(images []wal.PageImage, undo wal.LogicalUndo) (wal.LSN, error) {
	c.mu.Lock()
	c.undos = append(c.undos, undo)
	c.mu.Unlock()
	return c.lm.Append(&wal.LogRecord{Type: wal.LogRecordTypeUpdate, TxnID: 1, Undo: undo, Pages: images})
}

func (c *captureLogger) reset() []wal.LogicalUndo {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.undos
	c.undos = nil
	return out
}

func openTree(t *testing.T, dir string, cfg Config) *treeFixture {
	t.Helper()
	logger := zaptest.NewLogger(t)
	dm, err := flushmanager.OpenDiskManager(filepath.Join(dir, "data.db"), testPageSize, logger)
	require.NoError(t, err)
	lm, err := wal.NewLogManager(wal.DefaultConfig(filepath.Join(dir, "wal")), logger, nil)
	require.NoError(t, err)
	bpm, err := memtable.NewBufferPoolManager(memtable.Config{Frames: 256, Shards: 8}, dm, lm, logger, nil)
	require.NoError(t, err)
	tree, err := Open(bpm, lm.SystemLogger(), cfg, logger, nil)
	require.NoError(t, err)
	return &treeFixture{dir: dir, dm: dm, lm: lm, bpm: bpm, tree: tree, log: &captureLogger{lm: lm}}
}

func setupTree(t *testing.T, order int) *treeFixture {
	t.Helper()
	f := openTree(t, t.TempDir(), Config{Order: order, MaxKeySize: 16, MaxValueSize: 16})
	t.Cleanup(f.close)
	return f
}

func (f *treeFixture) close() {
	f.lm.Close()
	f.dm.Close()
}

func key(i int) []byte   { return []byte(fmt.Sprintf("k%06d", i)) }
func value(i int) []byte { return []byte(fmt.Sprintf("v%d", i)) }

func (f *treeFixture) check(t *testing.T) *TreeStats {
	t.Helper()
	st, err := f.tree.CheckInvariants()
	require.NoError(t, err)
	return st
}

func (f *treeFixture) scanAll(t *testing.T, start, end []byte) []string {
	t.Helper()
	it := f.tree.Scan(start, end)
	defer it.Close()
	var keys []string
	for it.Next() {
		keys = append(keys, string(it.Key()))
	}
	require.NoError(t, it.Err())
	return keys
}

func TestBTree_OrderFromPageSize(t *testing.T) {
	assert.Equal(t, 20, MaxOrder(4096, DefaultMaxKeySize, DefaultMaxValueSize))
	f := openTree(t, t.TempDir(), Config{MaxKeySize: 16, MaxValueSize: 16})
	defer f.close()
	assert.Equal(t, MaxOrder(testPageSize, 16, 16), f.tree.Order())

	_, err := Open(f.bpm, f.lm.SystemLogger(), Config{Order: 2}, nil, nil)
	require.ErrorIs(t, err, flushmanager.ErrInvalidConfig)
}

func TestBTree_InsertSearchDelete(t *testing.T) {
	f := setupTree(t, 4)
	rng := rand.New(rand.NewSource(7))
	const n = 2000
	perm := rng.Perm(n)
	for _, i := range perm {
		require.NoError(t, f.tree.Insert(f.log, key(i), value(i)))
	}
	st := f.check(t)
	assert.Equal(t, n, st.Keys)
	assert.Greater(t, st.Height, 3)

	for i := 0; i < n; i++ {
		v, ok, err := f.tree.Search(key(i))
		require.NoError(t, err)
		require.True(t, ok, "key %d", i)
		assert.Equal(t, value(i), v)
	}

	deleted := make(map[int]bool)
	for _, i := range rng.Perm(n)[:n/2] {
		old, err := f.tree.Delete(f.log, key(i))
		require.NoError(t, err)
		assert.Equal(t, value(i), old)
		deleted[i] = true
	}
	st = f.check(t)
	assert.Equal(t, n/2, st.Keys)
	for i := 0; i < n; i++ {
		_, ok, err := f.tree.Search(key(i))
		require.NoError(t, err)
		assert.Equal(t, !deleted[i], ok, "key %d", i)
	}
}

func TestBTree_SemanticErrors(t *testing.T) {
	f := setupTree(t, 4)
	require.NoError(t, f.tree.Insert(f.log, []byte("a"), []byte("1")))

	require.ErrorIs(t, f.tree.Insert(f.log, []byte("a"), []byte("2")), flushmanager.ErrDuplicateKey)
	_, err := f.tree.Update(f.log, []byte("missing"), []byte("x"))
	require.ErrorIs(t, err, flushmanager.ErrKeyNotFound)
	_, err = f.tree.Delete(f.log, []byte("missing"))
	require.ErrorIs(t, err, flushmanager.ErrKeyNotFound)

	require.ErrorIs(t, f.tree.Insert(f.log, nil, []byte("x")), flushmanager.ErrEmptyKey)
	require.ErrorIs(t, f.tree.Insert(f.log, make([]byte, 17), nil), flushmanager.ErrKeyTooLarge)
	require.ErrorIs(t, f.tree.Insert(f.log, []byte("b"), make([]byte, 17)), flushmanager.ErrValueTooLarge)
	assert.True(t, flushmanager.IsSemantic(f.tree.Insert(f.log, []byte("a"), nil)))

	old, err := f.tree.Update(f.log, []byte("a"), []byte("updated"))
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), old)
	v, ok, err := f.tree.Search([]byte("a"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("updated"), v)
}

func TestBTree_FailedOperationLogsNothing(t *testing.T) {
	f := setupTree(t, 4)
	for i := 0; i < 50; i++ {
		require.NoError(t, f.tree.Insert(f.log, key(i), value(i)))
	}
	before := f.lm.CurrentLSN()
	require.ErrorIs(t, f.tree.Insert(f.log, key(10), value(0)), flushmanager.ErrDuplicateKey)
	_, err := f.tree.Delete(f.log, key(999))
	require.ErrorIs(t, err, flushmanager.ErrKeyNotFound)
	assert.Equal(t, before, f.lm.CurrentLSN())
}

func TestBTree_ScanBounds(t *testing.T) {
	f := setupTree(t, 4)
	for i := 0; i < 100; i += 2 {
		require.NoError(t, f.tree.Insert(f.log, key(i), value(i)))
	}

	all := f.scanAll(t, nil, nil)
	require.Len(t, all, 50)
	assert.Equal(t, string(key(0)), all[0])
	assert.Equal(t, string(key(98)), all[49])

	got := f.scanAll(t, key(10), key(20))
	assert.Equal(t, []string{"k000010", "k000012", "k000014", "k000016", "k000018", "k000020"}, got)

	got = f.scanAll(t, key(11), key(15))
	assert.Equal(t, []string{"k000012", "k000014"}, got)

	assert.Empty(t, f.scanAll(t, key(200), nil))
	assert.Empty(t, f.scanAll(t, key(30), key(20)))

	it := f.tree.Scan(nil, nil)
	require.True(t, it.Next())
	assert.Equal(t, key(0), it.Key())
	assert.Equal(t, value(0), it.Value())
	it.Seek(key(95))
	require.True(t, it.Next())
	assert.Equal(t, key(96), it.Key())
	require.True(t, it.Next())
	assert.False(t, it.Next())
	require.NoError(t, it.Err())
	require.NoError(t, it.Close())
	assert.False(t, it.Next())
}

func TestBTree_DeleteAllCollapsesAndReusesPages(t *testing.T) {
	f := setupTree(t, 3)
	const n = 300
	for i := 0; i < n; i++ {
		require.NoError(t, f.tree.Insert(f.log, key(i), value(i)))
	}
	pageCount := func() pagemanager.PageID {
		meta, err := f.bpm.FetchPage(pagemanager.MetaPageID)
		require.NoError(t, err)
		defer f.bpm.UnpinPage(pagemanager.MetaPageID, false)
		meta.RLock()
		defer meta.RUnlock()
		return flushmanager.DecodeHeader(meta.GetData()).PageCount
	}
	grown := pageCount()

	for i := n - 1; i >= 0; i-- {
		_, err := f.tree.Delete(f.log, key(i))
		require.NoError(t, err)
		if i%37 == 0 {
			f.check(t)
		}
	}
	st := f.check(t)
	assert.Equal(t, 1, st.Height)
	assert.Zero(t, st.Keys)
	assert.Empty(t, f.scanAll(t, nil, nil))

	for i := 0; i < n; i++ {
		require.NoError(t, f.tree.Insert(f.log, key(i), value(i)))
	}
	f.check(t)
	assert.Equal(t, grown, pageCount(), "freed pages are reused before the file grows")
}

func TestBTree_UndoRestoresState(t *testing.T) {
	f := setupTree(t, 4)
	for i := 0; i < 40; i++ {
		require.NoError(t, f.tree.Insert(f.log, key(i), value(i)))
	}
	base := f.scanAll(t, nil, nil)
	f.log.reset()

	for i := 40; i < 80; i++ {
		require.NoError(t, f.tree.Insert(f.log, key(i), value(i)))
	}
	for i := 0; i < 30; i++ {
		_, err := f.tree.Delete(f.log, key(i))
		require.NoError(t, err)
	}
	_, err := f.tree.Update(f.log, key(35), []byte("changed"))
	require.NoError(t, err)

	undos := f.log.reset()
	require.Len(t, undos, 71)
	for i := len(undos) - 1; i >= 0; i-- {
		require.NoError(t, f.tree.Undo(f.lm.SystemLogger(), undos[i]))
	}
	f.check(t)
	assert.Equal(t, base, f.scanAll(t, nil, nil))
	v, _, err := f.tree.Search(key(35))
	require.NoError(t, err)
	assert.Equal(t, value(35), v)
}

func TestBTree_UndoIsLenient(t *testing.T) {
	f := setupTree(t, 4)
	sys := f.lm.SystemLogger()

	require.NoError(t, f.tree.Undo(sys, wal.LogicalUndo{Op: wal.UndoDeleteKey, Key: []byte("gone")}))

	require.NoError(t, f.tree.Insert(f.log, []byte("present"), []byte("new")))
	require.NoError(t, f.tree.Undo(sys, wal.LogicalUndo{Op: wal.UndoInsertKey, Key: []byte("present"), Value: []byte("old")}))
	v, _, err := f.tree.Search([]byte("present"))
	require.NoError(t, err)
	assert.Equal(t, []byte("old"), v)

	require.NoError(t, f.tree.Undo(sys, wal.LogicalUndo{Op: wal.UndoRestore, Key: []byte("absent"), Value: []byte("back")}))
	v, ok, err := f.tree.Search([]byte("absent"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("back"), v)
}

func TestBTree_ReopenKeepsTreeAndOrder(t *testing.T) {
	dir := t.TempDir()
	f := openTree(t, dir, Config{Order: 5, MaxKeySize: 16, MaxValueSize: 16})
	for i := 0; i < 200; i++ {
		require.NoError(t, f.tree.Insert(f.log, key(i), value(i)))
	}
	root := f.tree.RootPageID()
	require.NoError(t, f.bpm.FlushAllPages())
	f.close()

	f = openTree(t, dir, Config{MaxKeySize: 16, MaxValueSize: 16})
	defer f.close()
	assert.Equal(t, 5, f.tree.Order())
	assert.Equal(t, root, f.tree.RootPageID())
	st := f.check(t)
	assert.Equal(t, 200, st.Keys)

	_, err := Open(f.bpm, f.lm.SystemLogger(), Config{Order: 6, MaxKeySize: 16, MaxValueSize: 16}, nil, nil)
	require.ErrorIs(t, err, flushmanager.ErrInvalidConfig)
}

func TestBTree_ConcurrentWriters(t *testing.T) {
	f := setupTree(t, 4)
	const workers, perWorker = 8, 300

	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(int64(w)))
			for _, j := range rng.Perm(perWorker) {
				i := j*workers + w
				if err := f.tree.Insert(f.log, key(i), value(i)); err != nil {
					errs <- err
					return
				}
			}
			for j := 0; j < perWorker; j += 2 {
				i := j*workers + w
				if _, err := f.tree.Delete(f.log, key(i)); err != nil {
					errs <- err
					return
				}
			}
		}(w)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	st := f.check(t)
	assert.Equal(t, workers*perWorker/2, st.Keys)
	for i := 0; i < workers*perWorker; i++ {
		_, ok, err := f.tree.Search(key(i))
		require.NoError(t, err)
		assert.Equal(t, (i/workers)%2 == 1, ok, "key %d", i)
	}
	assert.Zero(t, f.bpm.Stats().Pinned)
}

func TestBTree_ScanDuringStructuralChanges(t *testing.T) {
	f := setupTree(t, 4)
	const n = 1200
	// Even keys are stable; odd keys churn and force splits and merges
	// between the leaves the scans walk.
	for i := 0; i < n; i += 2 {
		require.NoError(t, f.tree.Insert(f.log, key(i), value(i)))
	}

	stop := make(chan struct{})
	var churn sync.WaitGroup
	churn.Add(1)
	go func() {
		defer churn.Done()
		rng := rand.New(rand.NewSource(3))
		for {
			select {
			case <-stop:
				return
			default:
			}
			i := rng.Intn(n/2)*2 + 1
			if err := f.tree.Insert(f.log, key(i), value(i)); err != nil {
				_, _ = f.tree.Delete(f.log, key(i))
			}
		}
	}()

	for round := 0; round < 20; round++ {
		it := f.tree.Scan(nil, nil)
		var prev []byte
		stable := 0
		for it.Next() {
			k := it.Key()
			if prev != nil {
				require.Less(t, string(prev), string(k), "scan must stay ordered without repeats")
			}
			prev = append(prev[:0], k...)
			var i int
			_, err := fmt.Sscanf(string(k), "k%06d", &i)
			require.NoError(t, err)
			if i%2 == 0 {
				require.Equal(t, stable*2, i, "stable key skipped")
				stable++
			}
		}
		require.NoError(t, it.Err())
		require.Equal(t, n/2, stable)
		it.Close()
	}
	close(stop)
	churn.Wait()
	f.check(t)
}

func TestBTree_RestartsAreBounded(t *testing.T) {
	f := setupTree(t, 4)
	f.tree.maxRestarts = 3
	const n = 8
	for i := 0; i < n; i++ {
		require.NoError(t, f.tree.Insert(f.log, key(i), value(i)))
	}

	f.tree.rootLatch.RLock()
	rootID := f.tree.root
	f.tree.rootLatch.RUnlock()
	rp, err := f.bpm.FetchPage(rootID)
	require.NoError(t, err)
	rp.RLock()
	root, err := readNode(rp, true)
	rp.RUnlock()
	require.NoError(t, f.bpm.UnpinPage(rootID, false))
	require.NoError(t, err)
	require.False(t, root.leaf)
	require.Equal(t, uint16(1), root.level)

	// Keep the left neighbour of the last leaf latched, so rebalancing the
	// last leaf can never take it.
	leftID := root.entries[len(root.entries)-2].child
	left, err := f.bpm.FetchPage(leftID)
	require.NoError(t, err)
	left.Lock()

	var stuck int
	for i := n - 1; i >= 0; i-- {
		if _, err = f.tree.Delete(f.log, key(i)); err != nil {
			stuck = i
			break
		}
	}
	require.ErrorIs(t, err, flushmanager.ErrContention)
	assert.True(t, flushmanager.IsTransient(err))
	_, ok, err := f.tree.Search(key(stuck))
	require.NoError(t, err)
	assert.True(t, ok, "a write that gave up changes nothing")

	// Rollbacks are not bounded: the undo waits out the latch.
	undone := make(chan error, 1)
	go func() { undone <- f.tree.Undo(f.log, wal.LogicalUndo{Op: wal.UndoDeleteKey, Key: key(stuck)}) }()
	select {
	case err := <-undone:
		t.Fatalf("undo finished while the sibling was latched: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	left.Unlock()
	require.NoError(t, f.bpm.UnpinPage(leftID, false))
	require.NoError(t, <-undone)

	_, ok, err = f.tree.Search(key(stuck))
	require.NoError(t, err)
	assert.False(t, ok)
	f.check(t)
}
