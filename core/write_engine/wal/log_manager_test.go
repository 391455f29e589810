package wal

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	flushmanager "github.com/sushant-115/gojostore/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/gojostore/core/write_engine/page_manager"
	"go.uber.org/zap/zaptest"
)

// --- Test Helpers ---

func setupLogManager(t *testing.T, mutate func(*Config)) (*LogManager, Config) {
	t.Helper()
	cfg := DefaultConfig(t.TempDir())
	if mutate != nil {
		mutate(&cfg)
	}
	lm, err := NewLogManager(cfg, zaptest.NewLogger(t), nil)
	require.NoError(t, err)
	return lm, cfg
}

func newUpdateRecord(txn TxnID, prev LSN, key string) *LogRecord {
	return &LogRecord{
		Type:    LogRecordTypeUpdate,
		TxnID:   txn,
		PrevLSN: prev,
		Undo:    LogicalUndo{Op: UndoDeleteKey, Key: []byte(key)},
		Pages: []PageImage{{
			PageID: pagemanager.PageID(3),
			Offset: 24,
			Before: []byte{0, 0, 0},
			After:  []byte(key[:3]),
		}},
	}
}

func readAll(t *testing.T, lm *LogManager, from LSN) []*LogRecord {
	t.Helper()
	it, err := lm.ReplayFrom(from)
	require.NoError(t, err)
	defer it.Close()
	var out []*LogRecord
	for {
		rec, err := it.Next()
		if errors.Is(err, io.EOF) {
			return out
		}
		require.NoError(t, err)
		out = append(out, rec)
	}
}

// --- Test Cases ---

func TestLogManager_AppendAndReplay(t *testing.T) {
	lm, _ := setupLogManager(t, nil)
	defer lm.Close()

	first, err := lm.Append(&LogRecord{Type: LogRecordTypeBegin, TxnID: 7})
	require.NoError(t, err)
	require.Equal(t, LSN(segmentMagicSize), first, "first record follows the segment header")

	upd := newUpdateRecord(7, first, "alpha")
	second, err := lm.Append(upd)
	require.NoError(t, err)
	require.Greater(t, second, first)

	commit, err := lm.Append(&LogRecord{Type: LogRecordTypeCommit, TxnID: 7, PrevLSN: second})
	require.NoError(t, err)
	require.NoError(t, lm.FlushTo(commit))
	require.Greater(t, lm.FlushedLSN(), commit)

	records := readAll(t, lm, InvalidLSN)
	require.Len(t, records, 3)
	assert.Equal(t, LogRecordTypeBegin, records[0].Type)
	assert.Equal(t, LogRecordTypeUpdate, records[1].Type)
	assert.Equal(t, second, records[1].LSN)
	assert.Equal(t, first, records[1].PrevLSN)
	assert.Equal(t, []byte("alpha"), records[1].Undo.Key)
	assert.Equal(t, upd.Pages, records[1].Pages)
	assert.Equal(t, LogRecordTypeCommit, records[2].Type)
}

func TestLogManager_ReadRecordBeforeFlush(t *testing.T) {
	lm, _ := setupLogManager(t, nil)
	defer lm.Close()

	lsn, err := lm.Append(newUpdateRecord(1, InvalidLSN, "buffered"))
	require.NoError(t, err)

	rec, err := lm.ReadRecord(lsn)
	require.NoError(t, err)
	assert.Equal(t, []byte("buffered"), rec.Undo.Key)
}

func TestLogManager_CheckpointRecords(t *testing.T) {
	lm, _ := setupLogManager(t, nil)
	defer lm.Close()

	begin := &LogRecord{
		Type:       LogRecordTypeCheckpointBegin,
		ActiveTxns: []ActiveTxn{{TxnID: 4, FirstLSN: 8, LastLSN: 90}},
		DirtyPages: []DirtyPage{{PageID: 2, RecLSN: 40}, {PageID: 9, RecLSN: 60}},
	}
	beginLSN, err := lm.Append(begin)
	require.NoError(t, err)
	endLSN, err := lm.Append(&LogRecord{Type: LogRecordTypeCheckpointEnd, BeginLSN: beginLSN})
	require.NoError(t, err)

	got, err := lm.ReadRecord(beginLSN)
	require.NoError(t, err)
	assert.Equal(t, begin.ActiveTxns, got.ActiveTxns)
	assert.Equal(t, begin.DirtyPages, got.DirtyPages)

	got, err = lm.ReadRecord(endLSN)
	require.NoError(t, err)
	assert.Equal(t, beginLSN, got.BeginLSN)
}

func TestLogManager_ReopenContinuesLSNs(t *testing.T) {
	lm, cfg := setupLogManager(t, nil)
	for i := 0; i < 10; i++ {
		_, err := lm.Append(newUpdateRecord(1, InvalidLSN, "key-value"))
		require.NoError(t, err)
	}
	end := lm.CurrentLSN()
	require.NoError(t, lm.Close())

	lm2, err := NewLogManager(cfg, zaptest.NewLogger(t), nil)
	require.NoError(t, err)
	defer lm2.Close()
	require.Equal(t, end, lm2.CurrentLSN())

	next, err := lm2.Append(&LogRecord{Type: LogRecordTypeCommit, TxnID: 1})
	require.NoError(t, err)
	require.Equal(t, end, next)
	require.Len(t, readAll(t, lm2, InvalidLSN), 11)
}

func TestLogManager_AbandonLosesUnflushedTail(t *testing.T) {
	lm, cfg := setupLogManager(t, nil)
	durable, err := lm.Append(newUpdateRecord(1, InvalidLSN, "durable"))
	require.NoError(t, err)
	require.NoError(t, lm.FlushTo(durable))

	_, err = lm.Append(newUpdateRecord(1, durable, "volatile"))
	require.NoError(t, err)
	require.NoError(t, lm.Abandon())

	lm2, err := NewLogManager(cfg, zaptest.NewLogger(t), nil)
	require.NoError(t, err)
	defer lm2.Close()
	records := readAll(t, lm2, InvalidLSN)
	require.Len(t, records, 1)
	assert.Equal(t, []byte("durable"), records[0].Undo.Key)
}

func TestLogManager_TornTailIsTruncated(t *testing.T) {
	lm, cfg := setupLogManager(t, nil)
	var last LSN
	for i := 0; i < 5; i++ {
		lsn, err := lm.Append(newUpdateRecord(1, last, "torn-test"))
		require.NoError(t, err)
		last = lsn
	}
	require.NoError(t, lm.Close())

	path := segmentPath(cfg.Dir, 0)
	info, err := os.Stat(path)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(path, info.Size()-5))

	lm2, err := NewLogManager(cfg, zaptest.NewLogger(t), nil)
	require.NoError(t, err)
	defer lm2.Close()
	records := readAll(t, lm2, InvalidLSN)
	require.Len(t, records, 4, "the damaged final record is dropped")
	assert.Equal(t, last, lm2.CurrentLSN(), "next LSN reuses the torn record's position")
}

func TestLogManager_CorruptMiddleFrameIsFatal(t *testing.T) {
	lm, cfg := setupLogManager(t, nil)
	var lsns []LSN
	for i := 0; i < 3; i++ {
		lsn, err := lm.Append(newUpdateRecord(1, InvalidLSN, "corrupt-me"))
		require.NoError(t, err)
		lsns = append(lsns, lsn)
	}
	require.NoError(t, lm.Close())

	path := segmentPath(cfg.Dir, 0)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[int(lsns[1])+frameHeaderSize+2] ^= 0xFF
	require.NoError(t, os.WriteFile(path, data, 0644))

	_, err = NewLogManager(cfg, zaptest.NewLogger(t), nil)
	require.Error(t, err)
	assert.True(t, flushmanager.IsIntegrity(err))
	var ce *flushmanager.CorruptionError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, uint64(lsns[1]), ce.LSN)
}

func TestLogManager_SegmentRollAndTruncate(t *testing.T) {
	archive := filepath.Join(t.TempDir(), "archive")
	lm, cfg := setupLogManager(t, func(c *Config) {
		c.SegmentSize = 4096
		c.BufferSize = 1024
		c.ArchiveDir = archive
	})
	defer lm.Close()

	var lsns []LSN
	for i := 0; i < 200; i++ {
		lsn, err := lm.Append(newUpdateRecord(1, InvalidLSN, "segment-roll-payload"))
		require.NoError(t, err)
		lsns = append(lsns, lsn)
	}
	require.NoError(t, lm.Sync())

	segs, err := listSegments(cfg.Dir)
	require.NoError(t, err)
	require.Greater(t, len(segs), 1)
	for i := 1; i < len(segs); i++ {
		require.Equal(t, segs[i-1].end(), segs[i].base, "segments form one stream")
	}
	require.Len(t, readAll(t, lm, InvalidLSN), 200)

	// Every record is still individually addressable after rolling.
	for _, lsn := range []LSN{lsns[0], lsns[77], lsns[199]} {
		rec, err := lm.ReadRecord(lsn)
		require.NoError(t, err)
		require.Equal(t, lsn, rec.LSN)
	}

	cut := lsns[150]
	removed, err := lm.TruncateBefore(cut)
	require.NoError(t, err)
	require.Greater(t, removed, 0)
	require.LessOrEqual(t, lm.FirstLSN(), cut)

	_, err = lm.ReadRecord(lsns[0])
	require.ErrorIs(t, err, flushmanager.ErrLSNTruncated)

	archived, err := listSegments(archive)
	require.NoError(t, err)
	require.Len(t, archived, removed)

	infos, err := lm.SegmentsFrom(lsns[0])
	require.NoError(t, err)
	require.Equal(t, LSN(0), infos[0].Base, "archived segments are still listed")
}

func TestLogManager_ConcurrentAppendAndFlush(t *testing.T) {
	for _, mode := range []string{"sync", "group", "deferred"} {
		t.Run(mode, func(t *testing.T) {
			lm, cfg := setupLogManager(t, func(c *Config) {
				c.Durability = mode
				c.SegmentSize = 16 << 10
			})

			const workers, perWorker = 8, 50
			var wg sync.WaitGroup
			errs := make(chan error, workers)
			for w := 0; w < workers; w++ {
				wg.Add(1)
				go func(w int) {
					defer wg.Done()
					for i := 0; i < perWorker; i++ {
						lsn, err := lm.Append(&LogRecord{Type: LogRecordTypeCommit, TxnID: TxnID(w*perWorker + i + 1)})
						if err == nil {
							err = lm.FlushCommit(lsn)
						}
						if err != nil {
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
			require.NoError(t, lm.Close())

			lm2, err := NewLogManager(cfg, zaptest.NewLogger(t), nil)
			require.NoError(t, err)
			defer lm2.Close()
			records := readAll(t, lm2, InvalidLSN)
			require.Len(t, records, workers*perWorker)
			for i := 1; i < len(records); i++ {
				require.Greater(t, records[i].LSN, records[i-1].LSN)
			}
		})
	}
}

func TestLogManager_AppendAfterClose(t *testing.T) {
	lm, _ := setupLogManager(t, nil)
	require.NoError(t, lm.Close())
	_, err := lm.Append(&LogRecord{Type: LogRecordTypeBegin, TxnID: 1})
	require.ErrorIs(t, err, flushmanager.ErrClosed)
}

func TestMasterRecord(t *testing.T) {
	dir := t.TempDir()
	_, ok, err := ReadMaster(dir)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, WriteMaster(dir, 4242))
	lsn, ok, err := ReadMaster(dir)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, LSN(4242), lsn)

	require.NoError(t, os.WriteFile(filepath.Join(dir, MasterFileName), []byte("garbage!garbage!"), 0644))
	_, _, err = ReadMaster(dir)
	require.True(t, flushmanager.IsIntegrity(err))
}

func TestParseDurability(t *testing.T) {
	cases := map[string]Durability{"": DurabilitySync, "sync": DurabilitySync, "GROUP": DurabilityGroup, "deferred": DurabilityDeferred}
	for in, want := range cases {
		got, err := ParseDurability(in)
		require.NoError(t, err)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseDurability("eventually")
	require.ErrorIs(t, err, flushmanager.ErrInvalidConfig)
}

func TestLogManager_FailReleasesParkedCommits(t *testing.T) {
	lm, cfg := setupLogManager(t, func(c *Config) {
		c.Durability = DurabilityGroup.String()
		c.GroupCommitInterval = time.Hour
	})
	durable, err := lm.Append(newUpdateRecord(1, InvalidLSN, "durable"))
	require.NoError(t, err)
	require.NoError(t, lm.FlushTo(durable))

	commit, err := lm.Append(&LogRecord{Type: LogRecordTypeCommit, TxnID: 1, PrevLSN: durable})
	require.NoError(t, err)
	parked := make(chan error, 1)
	go func() { parked <- lm.FlushCommit(commit) }()
	select {
	case err := <-parked:
		t.Fatalf("commit returned before any flush: %v", err)
	case <-time.After(20 * time.Millisecond):
	}

	lm.Fail(errors.New("fsync: input/output error"))
	require.ErrorIs(t, <-parked, flushmanager.ErrIO)
	require.ErrorIs(t, lm.FlushCommit(commit), flushmanager.ErrIO, "later commits fail at once")
	assert.Less(t, lm.FlushedLSN(), commit+1)
	assert.Error(t, lm.Close())

	lm2, err := NewLogManager(cfg, zaptest.NewLogger(t), nil)
	require.NoError(t, err)
	defer lm2.Close()
	records := readAll(t, lm2, InvalidLSN)
	require.Len(t, records, 1, "the commit record never reached the disk")
	assert.Equal(t, LogRecordTypeUpdate, records[0].Type)
}
