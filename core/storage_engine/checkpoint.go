package storageengine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	flushmanager "github.com/sushant-115/gojostore/core/write_engine/flush_manager"
	"github.com/sushant-115/gojostore/core/write_engine/wal"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// Checkpoint takes a fuzzy checkpoint: it logs the transaction and dirty
// page tables, flushes every dirty page, logs the end record and points the
// master record at the checkpoint. Restart redo then starts at the returned
// LSN.
func (e *Engine) Checkpoint(ctx context.Context) (lsn wal.LSN, err error) {
	if err := e.enter(); err != nil {
		return wal.InvalidLSN, err
	}
	defer e.exit()
	ctx, span, start := e.startOp(ctx, "Checkpoint", 0)
	defer func() { e.endOp(ctx, span, start, "Checkpoint", err) }()
	lsn, err = e.checkpoint(ctx)
	span.SetAttributes(attribute.Int64("gojostore.lsn", int64(lsn)))
	return lsn, err
}

func (e *Engine) checkpoint(ctx context.Context) (wal.LSN, error) {
	e.ckptMu.Lock()
	defer e.ckptMu.Unlock()
	start := time.Now()

	begin, oldest, err := e.tm.BeginCheckpoint(e.bpm.DirtyPages())
	if err != nil {
		return wal.InvalidLSN, fmt.Errorf("checkpoint begin: %w", err)
	}
	if err := e.bpm.FlushAllPages(); err != nil {
		return wal.InvalidLSN, fmt.Errorf("checkpoint flush: %w", err)
	}
	end, err := e.lm.Append(&wal.LogRecord{Type: wal.LogRecordTypeCheckpointEnd, BeginLSN: begin})
	if err != nil {
		return wal.InvalidLSN, fmt.Errorf("checkpoint end: %w", err)
	}
	if err := e.lm.FlushTo(end); err != nil {
		return wal.InvalidLSN, fmt.Errorf("checkpoint flush log: %w", err)
	}
	if err := wal.WriteMaster(e.lm.Dir(), begin); err != nil {
		return wal.InvalidLSN, err
	}
	e.checkpointLSN.Store(uint64(begin))
	e.checkpoints.Add(1)
	e.metrics.CheckpointsCounter.Add(ctx, 1)

	if pinned, ok := e.oldestPin(); ok && pinned < oldest {
		oldest = pinned
	}
	removed := 0
	if e.opts.TruncateWAL {
		if removed, err = e.lm.TruncateBefore(oldest); err != nil {
			// The checkpoint itself is complete.
			e.logger.Warn("WAL truncation failed", zap.Uint64("before_lsn", uint64(oldest)), zap.Error(err))
		}
	}
	e.logger.Debug("Checkpoint complete",
		zap.Uint64("begin_lsn", uint64(begin)),
		zap.Uint64("end_lsn", uint64(end)),
		zap.Uint64("oldest_needed_lsn", uint64(oldest)),
		zap.Int("segments_removed", removed),
		zap.Duration("took", time.Since(start)))
	return begin, nil
}

// RetainLog keeps every log record at or after from until release is
// called, whatever checkpoints truncate meanwhile. It fails with
// ErrLSNTruncated when from is already gone.
func (e *Engine) RetainLog(from wal.LSN) (release func(), err error) {
	if err := e.enter(); err != nil {
		return nil, err
	}
	defer e.exit()
	e.ckptMu.Lock()
	defer e.ckptMu.Unlock()
	if first := e.lm.FirstLSN(); from < first {
		return nil, fmt.Errorf("%w: lsn %d is below the oldest retained record %d", flushmanager.ErrLSNTruncated, from, first)
	}
	return e.pin(from), nil
}

// RetainRecoveryLog pins the log from the oldest record that recovery
// starting at the next checkpoint could read: the end of the log, or the
// first record of the oldest live transaction if that is earlier. Backups
// copy the log from the returned LSN.
func (e *Engine) RetainRecoveryLog() (from wal.LSN, release func(), err error) {
	if err := e.enter(); err != nil {
		return wal.InvalidLSN, nil, err
	}
	defer e.exit()
	e.ckptMu.Lock()
	defer e.ckptMu.Unlock()
	from = e.lm.CurrentLSN()
	if first, ok := e.tm.OldestFirstLSN(); ok && first < from {
		from = first
	}
	return from, e.pin(from), nil
}

// pin registers from with the truncation floor. The caller holds ckptMu.
func (e *Engine) pin(from wal.LSN) func() {
	e.pinMu.Lock()
	id := e.nextPin
	e.nextPin++
	e.pins[id] = from
	e.pinMu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			e.pinMu.Lock()
			delete(e.pins, id)
			e.pinMu.Unlock()
		})
	}
}

func (e *Engine) oldestPin() (wal.LSN, bool) {
	e.pinMu.Lock()
	defer e.pinMu.Unlock()
	var oldest wal.LSN
	found := false
	for _, lsn := range e.pins {
		if !found || lsn < oldest {
			oldest, found = lsn, true
		}
	}
	return oldest, found
}

// checkpointer takes periodic checkpoints until the engine closes.
func (e *Engine) checkpointer() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.opts.CheckpointInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.stopChan:
			return
		case <-ticker.C:
			if _, err := e.Checkpoint(context.Background()); err != nil && !errors.Is(err, flushmanager.ErrClosed) {
				e.logger.Error("Background checkpoint failed", zap.Error(err))
			}
		}
	}
}
