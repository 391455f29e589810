// Package recovery implements the analysis and redo passes of restart
// recovery. Undo of the losers is driven by the transaction manager, which
// rolls them back through the index with logical undo.
package recovery

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"

	flushmanager "github.com/sushant-115/gojostore/core/write_engine/flush_manager"
	"github.com/sushant-115/gojostore/core/write_engine/memtable"
	pagemanager "github.com/sushant-115/gojostore/core/write_engine/page_manager"
	"github.com/sushant-115/gojostore/core/write_engine/wal"
	internaltelemetry "github.com/sushant-115/gojostore/internal/telemetry"
	"go.uber.org/zap"
)

// TxnEntry is a row of the transaction table rebuilt by analysis.
type TxnEntry struct {
	TxnID    wal.TxnID
	FirstLSN wal.LSN
	LastLSN  wal.LSN
}

// Analysis is the outcome of the analysis pass.
type Analysis struct {
	// CheckpointLSN is where the scan started; InvalidLSN means the log start.
	CheckpointLSN wal.LSN
	// RedoLSN is where the redo pass starts.
	RedoLSN wal.LSN
	// EndLSN is the end of the log.
	EndLSN wal.LSN
	// Losers are the transactions with neither a commit nor an abort record.
	Losers map[wal.TxnID]*TxnEntry
	// DirtyPages maps each possibly-stale page to the first LSN that may
	// need reapplying.
	DirtyPages map[pagemanager.PageID]wal.LSN
	// MaxTxnID is the highest transaction id seen anywhere in the scan.
	MaxTxnID wal.TxnID
	Records  int
}

// LosersByLastLSN returns the losers ordered by their last LSN, newest first.
func (a *Analysis) LosersByLastLSN() []*TxnEntry {
	out := make([]*TxnEntry, 0, len(a.Losers))
	for _, t := range a.Losers {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastLSN > out[j].LastLSN })
	return out
}

// Recoverer runs the recovery passes over one log and buffer pool.
type Recoverer struct {
	lm      *wal.LogManager
	bpm     *memtable.BufferPoolManager
	logger  *zap.Logger
	metrics *internaltelemetry.StorageMetrics
}

// New returns a Recoverer.
func New(lm *wal.LogManager, bpm *memtable.BufferPoolManager, logger *zap.Logger, metrics *internaltelemetry.StorageMetrics) *Recoverer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = internaltelemetry.NoopStorageMetrics()
	}
	return &Recoverer{lm: lm, bpm: bpm, logger: logger.Named("recovery"), metrics: metrics}
}

// Analyze scans the log forward from the checkpoint (or from its start when
// checkpoint is InvalidLSN) and rebuilds the transaction and dirty page
// tables as of the crash.
func (r *Recoverer) Analyze(checkpoint wal.LSN) (*Analysis, error) {
	a := &Analysis{
		CheckpointLSN: checkpoint,
		Losers:        make(map[wal.TxnID]*TxnEntry),
		DirtyPages:    make(map[pagemanager.PageID]wal.LSN),
	}
	it, err := r.lm.ReplayFrom(checkpoint)
	if err != nil {
		return nil, err
	}
	defer it.Close()

	first := true
	for {
		rec, err := it.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		a.Records++
		if first && checkpoint != wal.InvalidLSN {
			if rec.Type != wal.LogRecordTypeCheckpointBegin || rec.LSN != checkpoint {
				return nil, &flushmanager.CorruptionError{Op: "analysis", LSN: uint64(checkpoint),
					Err: fmt.Errorf("%w: master record does not point at a checkpoint", flushmanager.ErrLogCorrupted)}
			}
			// A checkpoint carries the highest transaction id handed out.
			a.noteTxn(rec.TxnID)
			for _, t := range rec.ActiveTxns {
				a.Losers[t.TxnID] = &TxnEntry{TxnID: t.TxnID, FirstLSN: t.FirstLSN, LastLSN: t.LastLSN}
				a.noteTxn(t.TxnID)
			}
			for _, d := range rec.DirtyPages {
				a.notePage(d.PageID, d.RecLSN)
			}
		}
		first = false
		a.apply(rec)
	}
	a.EndLSN = r.lm.CurrentLSN()
	a.RedoLSN = checkpoint
	if a.RedoLSN == wal.InvalidLSN {
		a.RedoLSN = r.lm.FirstLSN()
	}
	r.logger.Info("Analysis complete",
		zap.Uint64("checkpoint_lsn", uint64(checkpoint)),
		zap.Uint64("redo_lsn", uint64(a.RedoLSN)),
		zap.Uint64("end_lsn", uint64(a.EndLSN)),
		zap.Int("records", a.Records),
		zap.Int("losers", len(a.Losers)),
		zap.Int("dirty_pages", len(a.DirtyPages)),
		zap.Uint64("max_txn_id", a.MaxTxnID))
	return a, nil
}

func (a *Analysis) noteTxn(id wal.TxnID) {
	if id > a.MaxTxnID {
		a.MaxTxnID = id
	}
}

func (a *Analysis) notePage(id pagemanager.PageID, lsn wal.LSN) {
	if cur, ok := a.DirtyPages[id]; !ok || lsn < cur {
		a.DirtyPages[id] = lsn
	}
}

func (a *Analysis) apply(rec *wal.LogRecord) {
	switch rec.Type {
	case wal.LogRecordTypeBegin:
		a.noteTxn(rec.TxnID)
		a.Losers[rec.TxnID] = &TxnEntry{TxnID: rec.TxnID, FirstLSN: rec.LSN, LastLSN: rec.LSN}
	case wal.LogRecordTypeUpdate, wal.LogRecordTypeCLR:
		a.noteTxn(rec.TxnID)
		if rec.TxnID != 0 {
			t, ok := a.Losers[rec.TxnID]
			if !ok {
				t = &TxnEntry{TxnID: rec.TxnID, FirstLSN: rec.LSN}
				a.Losers[rec.TxnID] = t
			}
			t.LastLSN = rec.LSN
		}
		for _, img := range rec.Pages {
			if _, ok := a.DirtyPages[img.PageID]; !ok {
				a.DirtyPages[img.PageID] = rec.LSN
			}
		}
	case wal.LogRecordTypeCommit, wal.LogRecordTypeAbort:
		a.noteTxn(rec.TxnID)
		delete(a.Losers, rec.TxnID)
	}
}

// Redo repeats history from a.RedoLSN: every page image whose page may be
// stale and whose page LSN is older than the record is reapplied. The
// bytes being replaced must equal the logged before-image; anything else
// means the page and the log disagree and recovery stops. Redo is
// idempotent.
func (r *Recoverer) Redo(a *Analysis) (int, error) {
	it, err := r.lm.ReplayFrom(a.RedoLSN)
	if err != nil {
		return 0, err
	}
	defer it.Close()

	applied := 0
	for {
		rec, err := it.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return applied, err
		}
		if !rec.IsRedoable() {
			continue
		}
		for _, img := range rec.Pages {
			recLSN, ok := a.DirtyPages[img.PageID]
			if !ok || rec.LSN < recLSN {
				continue
			}
			did, err := r.redoImage(rec.LSN, img)
			if err != nil {
				return applied, err
			}
			if did {
				applied++
			}
		}
	}
	r.metrics.RecoveryRedoCounter.Add(context.Background(), int64(applied))
	r.logger.Info("Redo complete", zap.Int("images_applied", applied))
	return applied, nil
}

func (r *Recoverer) redoImage(lsn wal.LSN, img wal.PageImage) (bool, error) {
	page, err := r.bpm.FetchPage(img.PageID)
	if err != nil {
		return false, err
	}
	defer r.bpm.UnpinPage(img.PageID, false)
	page.Lock()
	defer page.Unlock()

	if page.GetLSN() >= lsn {
		return false, nil
	}
	data := page.GetData()
	start := int(img.Offset)
	end := start + len(img.After)
	if start < pagemanager.BodyOffset || end > pagemanager.ChecksumOffset(len(data)) || len(img.Before) != len(img.After) {
		return false, &flushmanager.CorruptionError{Op: "redo", PageID: uint64(img.PageID), LSN: uint64(lsn),
			Err: fmt.Errorf("%w: image [%d,%d) outside the page body", flushmanager.ErrLogCorrupted, start, end)}
	}
	if !bytes.Equal(data[start:end], img.Before) {
		r.logger.Error("Page does not match the logged before-image; halting recovery",
			zap.Uint64("page_id", uint64(img.PageID)),
			zap.Uint64("lsn", uint64(lsn)),
			zap.Uint64("page_lsn", uint64(page.GetLSN())))
		return false, &flushmanager.CorruptionError{Op: "redo", PageID: uint64(img.PageID), LSN: uint64(lsn),
			Err: fmt.Errorf("%w: page contents diverge from the log", flushmanager.ErrTreeCorrupted)}
	}
	copy(data[start:end], img.After)
	page.SetLSN(lsn)
	r.bpm.MarkDirty(page, lsn)
	return true, nil
}
