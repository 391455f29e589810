package recovery

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	flushmanager "github.com/sushant-115/gojostore/core/write_engine/flush_manager"
	"github.com/sushant-115/gojostore/core/write_engine/memtable"
	pagemanager "github.com/sushant-115/gojostore/core/write_engine/page_manager"
	"github.com/sushant-115/gojostore/core/write_engine/wal"
	"go.uber.org/zap/zaptest"
)

const testPageSize = 1024

type stack struct {
	dir string
	dm  *flushmanager.DiskManager
	lm  *wal.LogManager
	bpm *memtable.BufferPoolManager
}

func openStack(t *testing.T, dir string) *stack {
	t.Helper()
	logger := zaptest.NewLogger(t)
	dm, err := flushmanager.OpenDiskManager(filepath.Join(dir, "data.db"), testPageSize, logger)
	require.NoError(t, err)
	lm, err := wal.NewLogManager(wal.DefaultConfig(filepath.Join(dir, "wal")), logger, nil)
	require.NoError(t, err)
	bpm, err := memtable.NewBufferPoolManager(memtable.Config{Frames: 32, Shards: 2}, dm, lm, logger, nil)
	require.NoError(t, err)
	return &stack{dir: dir, dm: dm, lm: lm, bpm: bpm}
}

// crash drops the buffer pool and the unflushed log tail.
func (s *stack) crash(t *testing.T) {
	t.Helper()
	s.bpm.Discard()
	require.NoError(t, s.lm.Abandon())
	require.NoError(t, s.dm.Close())
}

func (s *stack) close() {
	s.lm.Close()
	s.dm.Close()
}

// write logs one update of txn that stores payload in a page, allocating
// the page when id is InvalidPageID.
func (s *stack) write(t *testing.T, txn wal.TxnID, prev wal.LSN, id pagemanager.PageID, payload string) (pagemanager.PageID, wal.LSN) {
	t.Helper()
	m := s.bpm.NewMiniTxn()
	var page *pagemanager.Page
	var err error
	if id == pagemanager.InvalidPageID {
		page, err = s.bpm.NewPage(m, pagemanager.PageTypeLeaf)
	} else {
		page, err = m.Fetch(id, true)
		if err == nil {
			m.Modify(page)
		}
	}
	require.NoError(t, err)
	copy(page.GetData()[64:], payload)
	pid := page.GetPageID()
	lsn, err := m.Commit(func(images []wal.PageImage) (pagemanager.LSN, error) {
		return s.lm.Append(&wal.LogRecord{Type: wal.LogRecordTypeUpdate, TxnID: txn, PrevLSN: prev,
			Undo: wal.LogicalUndo{Op: wal.UndoDeleteKey, Key: []byte(payload)}, Pages: images})
	})
	require.NoError(t, err)
	return pid, lsn
}

func (s *stack) read(t *testing.T, id pagemanager.PageID, n int) string {
	t.Helper()
	page, err := s.bpm.FetchPage(id)
	require.NoError(t, err)
	defer s.bpm.UnpinPage(id, false)
	page.RLock()
	defer page.RUnlock()
	return string(page.GetData()[64 : 64+n])
}

func TestRecovery_RedoRestoresUnflushedPages(t *testing.T) {
	dir := t.TempDir()
	s := openStack(t, dir)

	b1, err := s.lm.Append(&wal.LogRecord{Type: wal.LogRecordTypeBegin, TxnID: 1})
	require.NoError(t, err)
	p1, l1 := s.write(t, 1, b1, pagemanager.InvalidPageID, "committed-one")
	_, l2 := s.write(t, 1, l1, p1, "committed-two")
	c1, err := s.lm.Append(&wal.LogRecord{Type: wal.LogRecordTypeCommit, TxnID: 1, PrevLSN: l2})
	require.NoError(t, err)

	b2, err := s.lm.Append(&wal.LogRecord{Type: wal.LogRecordTypeBegin, TxnID: 2})
	require.NoError(t, err)
	p2, l3 := s.write(t, 2, b2, pagemanager.InvalidPageID, "in-flight")
	require.NoError(t, s.lm.FlushTo(c1))
	require.NoError(t, s.lm.FlushTo(l3))
	s.crash(t)

	s = openStack(t, dir)
	defer s.close()
	r := New(s.lm, s.bpm, zaptest.NewLogger(t), nil)
	a, err := r.Analyze(wal.InvalidLSN)
	require.NoError(t, err)

	require.Len(t, a.Losers, 1)
	require.Contains(t, a.Losers, wal.TxnID(2))
	assert.Equal(t, l3, a.Losers[2].LastLSN)
	assert.Equal(t, wal.TxnID(2), a.MaxTxnID)
	assert.Contains(t, a.DirtyPages, p1)
	assert.Contains(t, a.DirtyPages, p2)

	applied, err := r.Redo(a)
	require.NoError(t, err)
	require.Greater(t, applied, 0)
	assert.Equal(t, "committed-two", s.read(t, p1, 13))
	assert.Equal(t, "in-flight", s.read(t, p2, 9), "redo repeats history, losers included")

	again, err := r.Redo(a)
	require.NoError(t, err)
	assert.Zero(t, again, "a second redo pass finds every page current")
	assert.Equal(t, "committed-two", s.read(t, p1, 13))
}

func TestRecovery_RedoAfterPartialFlush(t *testing.T) {
	dir := t.TempDir()
	s := openStack(t, dir)
	p, _ := s.write(t, 1, wal.InvalidLSN, pagemanager.InvalidPageID, "version-1")
	require.NoError(t, s.bpm.FlushAllPages())
	_, last := s.write(t, 1, wal.InvalidLSN, p, "version-2")
	require.NoError(t, s.lm.FlushTo(last))
	s.crash(t)

	s = openStack(t, dir)
	defer s.close()
	r := New(s.lm, s.bpm, zaptest.NewLogger(t), nil)
	a, err := r.Analyze(wal.InvalidLSN)
	require.NoError(t, err)
	applied, err := r.Redo(a)
	require.NoError(t, err)
	assert.Equal(t, 1, applied, "only the update newer than the flushed page is reapplied")
	assert.Equal(t, "version-2", s.read(t, p, 9))
}

func TestRecovery_AnalyzeFromCheckpoint(t *testing.T) {
	dir := t.TempDir()
	s := openStack(t, dir)
	defer s.close()

	_, err := s.lm.Append(&wal.LogRecord{Type: wal.LogRecordTypeBegin, TxnID: 5})
	require.NoError(t, err)
	cp, err := s.lm.Append(&wal.LogRecord{
		Type:       wal.LogRecordTypeCheckpointBegin,
		ActiveTxns: []wal.ActiveTxn{{TxnID: 5, FirstLSN: 8, LastLSN: 8}, {TxnID: 6, FirstLSN: 20, LastLSN: 20}},
		DirtyPages: []wal.DirtyPage{{PageID: 3, RecLSN: 8}},
	})
	require.NoError(t, err)
	_, err = s.lm.Append(&wal.LogRecord{Type: wal.LogRecordTypeCheckpointEnd, BeginLSN: cp})
	require.NoError(t, err)
	_, err = s.lm.Append(&wal.LogRecord{Type: wal.LogRecordTypeCommit, TxnID: 6, PrevLSN: 20})
	require.NoError(t, err)

	r := New(s.lm, s.bpm, zaptest.NewLogger(t), nil)
	a, err := r.Analyze(cp)
	require.NoError(t, err)
	assert.Equal(t, cp, a.RedoLSN)
	require.Len(t, a.Losers, 1)
	assert.Contains(t, a.Losers, wal.TxnID(5))
	assert.Equal(t, wal.LSN(8), a.DirtyPages[3])
	assert.Equal(t, wal.TxnID(6), a.MaxTxnID)

	_, err = r.Analyze(cp + 1)
	require.Error(t, err)
}

func TestRecovery_DivergentPageHalts(t *testing.T) {
	dir := t.TempDir()
	s := openStack(t, dir)
	p, last := s.write(t, 1, wal.InvalidLSN, pagemanager.InvalidPageID, "expected")
	require.NoError(t, s.lm.FlushTo(last))
	s.crash(t)

	// Scribble over the page without logging it.
	dm, err := flushmanager.OpenDiskManager(filepath.Join(dir, "data.db"), testPageSize, zaptest.NewLogger(t))
	require.NoError(t, err)
	junk := make([]byte, testPageSize)
	pagemanager.SetPageType(junk, pagemanager.PageTypeLeaf)
	copy(junk[64:], "garbage!")
	require.NoError(t, dm.WritePage(p, junk))
	require.NoError(t, dm.Close())

	s = openStack(t, dir)
	defer s.close()
	r := New(s.lm, s.bpm, zaptest.NewLogger(t), nil)
	a, err := r.Analyze(wal.InvalidLSN)
	require.NoError(t, err)
	_, err = r.Redo(a)
	require.Error(t, err)
	assert.True(t, flushmanager.IsIntegrity(err))
	var ce *flushmanager.CorruptionError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, uint64(p), ce.PageID)
}

func TestAnalysis_LosersByLastLSN(t *testing.T) {
	a := &Analysis{Losers: map[wal.TxnID]*TxnEntry{
		1: {TxnID: 1, LastLSN: 40},
		2: {TxnID: 2, LastLSN: 90},
		3: {TxnID: 3, LastLSN: 10},
	}}
	got := a.LosersByLastLSN()
	require.Len(t, got, 3)
	assert.Equal(t, []wal.TxnID{2, 1, 3}, []wal.TxnID{got[0].TxnID, got[1].TxnID, got[2].TxnID})
}
