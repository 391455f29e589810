package transaction

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	lockmanager "github.com/sushant-115/gojostore/core/transaction/lock_manager"
	flushmanager "github.com/sushant-115/gojostore/core/write_engine/flush_manager"
	"github.com/sushant-115/gojostore/core/write_engine/wal"
	internaltelemetry "github.com/sushant-115/gojostore/internal/telemetry"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// finishedCacheSize bounds how many ended transactions State still knows.
const finishedCacheSize = 4096

// Undoer reverses one logged operation. The index implements it; every
// change it makes is logged through log.
type Undoer interface {
	Undo(log wal.RecordLogger, u wal.LogicalUndo) error
}

// Stats are cumulative transaction counters.
type Stats struct {
	Begun          uint64
	Committed      uint64
	Aborted        uint64
	DeadlockAborts uint64
	Rollbacks      uint64 // partial rollbacks to a savepoint
	CLRs           uint64
	Active         int
}

// TransactionManager owns the active transaction table.
type TransactionManager struct {
	lm     *wal.LogManager
	locks  *lockmanager.LockManager
	undoer Undoer

	// mu guards txns. Appends of transaction records hold it shared so a
	// checkpoint, which holds it exclusively, sees a consistent table.
	mu       sync.RWMutex
	txns     map[TxnID]*Transaction
	finished *lru.Cache[TxnID, TransactionState]
	nextID   atomic.Uint64

	begun, committed, aborted, deadlockAborts, rollbacks, clrs atomic.Uint64

	logger  *zap.Logger
	metrics *internaltelemetry.StorageMetrics
}

// NewTransactionManager creates a transaction manager. undoer may be set
// later with SetUndoer when the index is opened after the manager.
func NewTransactionManager(lm *wal.LogManager, locks *lockmanager.LockManager, undoer Undoer, logger *zap.Logger, metrics *internaltelemetry.StorageMetrics) *TransactionManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = internaltelemetry.NoopStorageMetrics()
	}
	finished, _ := lru.New[TxnID, TransactionState](finishedCacheSize)
	return &TransactionManager{
		lm:       lm,
		locks:    locks,
		undoer:   undoer,
		txns:     make(map[TxnID]*Transaction),
		finished: finished,
		logger:   logger.Named("txn_manager"),
		metrics:  metrics,
	}
}

// SetUndoer installs the index used for rollback.
func (tm *TransactionManager) SetUndoer(u Undoer) { tm.undoer = u }

// SetNextTxnID makes every later id larger than last.
func (tm *TransactionManager) SetNextTxnID(last TxnID) {
	for {
		cur := tm.nextID.Load()
		if cur >= last || tm.nextID.CompareAndSwap(cur, last) {
			return
		}
	}
}

// Begin starts a transaction and logs its Begin record.
func (tm *TransactionManager) Begin() (TxnID, error) {
	id := tm.nextID.Add(1)
	txn := &Transaction{ID: id, StartedAt: time.Now(), state: TxnStateActive}

	tm.mu.Lock()
	lsn, err := tm.lm.Append(&wal.LogRecord{Type: wal.LogRecordTypeBegin, TxnID: id})
	if err != nil {
		tm.mu.Unlock()
		return 0, fmt.Errorf("failed to log begin of txn %d: %w", id, err)
	}
	txn.firstLSN, txn.lastLSN = lsn, lsn
	tm.txns[id] = txn
	tm.mu.Unlock()

	tm.begun.Add(1)
	ctx := context.Background()
	tm.metrics.TxnBegunCounter.Add(ctx, 1)
	tm.metrics.ActiveTxnsUpDown.Add(ctx, 1)
	tm.logger.Debug("Transaction started", zap.Uint64("txn_id", id), zap.Uint64("lsn", uint64(lsn)))
	return id, nil
}

// Resume registers a transaction found active by restart analysis so that
// it can be rolled back with Abort. firstLSN and lastLSN are its oldest and
// newest log records.
func (tm *TransactionManager) Resume(id TxnID, firstLSN, lastLSN wal.LSN) *Transaction {
	tm.SetNextTxnID(id)
	txn := &Transaction{ID: id, StartedAt: time.Now(), state: TxnStateActive, firstLSN: firstLSN, lastLSN: lastLSN}
	tm.mu.Lock()
	tm.txns[id] = txn
	tm.mu.Unlock()
	tm.metrics.ActiveTxnsUpDown.Add(context.Background(), 1)
	return txn
}

func (tm *TransactionManager) get(id TxnID) (*Transaction, error) {
	tm.mu.RLock()
	txn, ok := tm.txns[id]
	tm.mu.RUnlock()
	if !ok {
		if st, ok := tm.finished.Get(id); ok {
			return nil, fmt.Errorf("%w: txn %d is %s", flushmanager.ErrTxnInvalidState, id, st)
		}
		return nil, fmt.Errorf("%w: %d", flushmanager.ErrTxnNotFound, id)
	}
	return txn, nil
}

// active returns the transaction, locked, when it is still Active.
func (tm *TransactionManager) active(id TxnID) (*Transaction, error) {
	txn, err := tm.get(id)
	if err != nil {
		return nil, err
	}
	txn.mu.Lock()
	if txn.state != TxnStateActive {
		st := txn.state
		txn.mu.Unlock()
		return nil, fmt.Errorf("%w: txn %d is %s", flushmanager.ErrTxnInvalidState, id, st)
	}
	return txn, nil
}

// State returns the state of a live or recently ended transaction.
func (tm *TransactionManager) State(id TxnID) (TransactionState, error) {
	tm.mu.RLock()
	txn, ok := tm.txns[id]
	tm.mu.RUnlock()
	if ok {
		return txn.State(), nil
	}
	if st, ok := tm.finished.Get(id); ok {
		return st, nil
	}
	return 0, fmt.Errorf("%w: %d", flushmanager.ErrTxnNotFound, id)
}

// Info returns a snapshot of a live transaction.
func (tm *TransactionManager) Info(id TxnID) (Info, error) {
	txn, err := tm.get(id)
	if err != nil {
		return Info{}, err
	}
	txn.mu.Lock()
	info := Info{ID: id, State: txn.state, Reason: txn.reason, Savepoints: len(txn.savepoints), StartedAt: txn.StartedAt}
	txn.mu.Unlock()
	txn.chainMu.Lock()
	info.FirstLSN, info.LastLSN = txn.firstLSN, txn.lastLSN
	txn.chainMu.Unlock()
	return info, nil
}

// ActiveTransactions returns the ids of the live transactions in ascending
// order.
func (tm *TransactionManager) ActiveTransactions() []TxnID {
	tm.mu.RLock()
	out := make([]TxnID, 0, len(tm.txns))
	for id := range tm.txns {
		out = append(out, id)
	}
	tm.mu.RUnlock()
	slices.Sort(out)
	return out
}

// appendChained appends rec as the next record of txn's chain. end marks a
// Commit or Abort record, after which the transaction no longer appears in
// checkpoints.
func (tm *TransactionManager) appendChained(txn *Transaction, rec *wal.LogRecord, end bool) (wal.LSN, error) {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	txn.chainMu.Lock()
	defer txn.chainMu.Unlock()
	if txn.ended {
		return wal.InvalidLSN, fmt.Errorf("%w: txn %d already logged its outcome", flushmanager.ErrTxnInvalidState, txn.ID)
	}
	rec.TxnID = txn.ID
	rec.PrevLSN = txn.lastLSN
	lsn, err := tm.lm.Append(rec)
	if err != nil {
		return wal.InvalidLSN, err
	}
	txn.lastLSN = lsn
	txn.ended = end
	return lsn, nil
}

// txnLogger logs the index operations of one transaction as Update records.
type txnLogger struct {
	tm  *TransactionManager
	txn *Transaction
}

func (l txnLogger) LogUpdate(images []wal.PageImage, undo wal.LogicalUndo) (wal.LSN, error) {
	return l.tm.appendChained(l.txn, &wal.LogRecord{Type: wal.LogRecordTypeUpdate, Pages: images, Undo: undo}, false)
}

// compensationLogger logs the changes made while undoing one record as a
// CLR. logged reports whether the index changed anything.
type compensationLogger struct {
	tm       *TransactionManager
	txn      *Transaction
	undoNext wal.LSN
	logged   bool
}

func (l *compensationLogger) LogUpdate(images []wal.PageImage, _ wal.LogicalUndo) (wal.LSN, error) {
	lsn, err := l.tm.appendChained(l.txn, &wal.LogRecord{Type: wal.LogRecordTypeCLR, Pages: images, UndoNextLSN: l.undoNext}, false)
	if err == nil {
		l.logged = true
		l.tm.clrs.Add(1)
	}
	return lsn, err
}

// Logger returns the RecordLogger through which the index logs the
// transaction's operations.
func (tm *TransactionManager) Logger(id TxnID) (wal.RecordLogger, error) {
	txn, err := tm.active(id)
	if err != nil {
		return nil, err
	}
	txn.mu.Unlock()
	return txnLogger{tm: tm, txn: txn}, nil
}

// Lock acquires a lock for the transaction. When the request loses a
// deadlock the transaction is aborted and the returned error matches
// flushmanager.ErrDeadlock.
func (tm *TransactionManager) Lock(ctx context.Context, id TxnID, res lockmanager.ResourceID, mode lockmanager.LockMode) error {
	txn, err := tm.active(id)
	if err != nil {
		return err
	}
	txn.mu.Unlock()

	err = tm.locks.Acquire(ctx, id, res, mode)
	if err == nil {
		return nil
	}
	if flushmanager.IsDeadlock(err) {
		tm.deadlockAborts.Add(1)
		if abortErr := tm.abort(id, AbortDeadlock); abortErr != nil {
			return multierr.Append(err, abortErr)
		}
		return fmt.Errorf("txn %d aborted (%s): %w", id, AbortDeadlock, err)
	}
	return err
}

// Savepoint marks the current end of the transaction's log chain.
func (tm *TransactionManager) Savepoint(id TxnID) (SavepointID, error) {
	txn, err := tm.active(id)
	if err != nil {
		return 0, err
	}
	defer txn.mu.Unlock()
	txn.nextSP++
	sp := savepoint{id: txn.nextSP, lsn: txn.LastLSN()}
	txn.savepoints = append(txn.savepoints, sp)
	return sp.id, nil
}

func findSavepoint(txn *Transaction, sp SavepointID) (int, error) {
	for i, s := range txn.savepoints {
		if s.id == sp {
			return i, nil
		}
	}
	return -1, fmt.Errorf("%w: %d in txn %d", flushmanager.ErrSavepointNotFound, sp, txn.ID)
}

// RollbackTo undoes everything the transaction did after the savepoint.
// The savepoint stays valid, later ones are discarded and every lock is
// kept.
func (tm *TransactionManager) RollbackTo(id TxnID, sp SavepointID) error {
	txn, err := tm.active(id)
	if err != nil {
		return err
	}
	defer txn.mu.Unlock()
	i, err := findSavepoint(txn, sp)
	if err != nil {
		return err
	}
	n, err := tm.rollback(txn, txn.savepoints[i].lsn)
	if err != nil {
		return err
	}
	txn.savepoints = txn.savepoints[:i+1]
	tm.rollbacks.Add(1)
	tm.logger.Debug("Rolled back to savepoint",
		zap.Uint64("txn_id", id), zap.Uint64("savepoint", uint64(sp)), zap.Int("undone", n))
	return nil
}

// ReleaseSavepoint forgets the savepoint and every later one. Their work
// becomes part of the enclosing transaction.
func (tm *TransactionManager) ReleaseSavepoint(id TxnID, sp SavepointID) error {
	txn, err := tm.active(id)
	if err != nil {
		return err
	}
	defer txn.mu.Unlock()
	i, err := findSavepoint(txn, sp)
	if err != nil {
		return err
	}
	txn.savepoints = txn.savepoints[:i]
	return nil
}

// rollback walks the chain back from the newest record and undoes every
// update with an LSN above stop. It returns how many updates it undid.
// The caller holds txn.mu.
func (tm *TransactionManager) rollback(txn *Transaction, stop wal.LSN) (int, error) {
	if tm.undoer == nil {
		return 0, fmt.Errorf("%w: no index attached for rollback", flushmanager.ErrInvalidConfig)
	}
	undone := 0
	lsn := txn.LastLSN()
	for lsn != wal.InvalidLSN && lsn > stop {
		rec, err := tm.lm.ReadRecord(lsn)
		if err != nil {
			return undone, fmt.Errorf("txn %d: failed to read log record at %d during rollback: %w", txn.ID, lsn, err)
		}
		if rec.TxnID != txn.ID {
			return undone, &flushmanager.CorruptionError{Op: "rollback", LSN: uint64(lsn),
				Err: fmt.Errorf("%w: chain of txn %d reached a record of txn %d", flushmanager.ErrLogCorrupted, txn.ID, rec.TxnID)}
		}
		switch rec.Type {
		case wal.LogRecordTypeUpdate:
			cl := &compensationLogger{tm: tm, txn: txn, undoNext: rec.PrevLSN}
			if err := tm.undoer.Undo(cl, rec.Undo); err != nil {
				return undone, fmt.Errorf("txn %d: failed to undo %s of record %d: %w", txn.ID, rec.Undo.Op, lsn, err)
			}
			if !cl.logged {
				// Nothing changed; the CLR still moves the undo point.
				if _, err := cl.LogUpdate(nil, wal.LogicalUndo{}); err != nil {
					return undone, err
				}
			}
			undone++
			lsn = rec.PrevLSN
		case wal.LogRecordTypeCLR:
			lsn = rec.UndoNextLSN
		case wal.LogRecordTypeBegin:
			lsn = wal.InvalidLSN
		default:
			lsn = rec.PrevLSN
		}
	}
	return undone, nil
}

// Commit logs the commit, applies the durability policy and releases the
// transaction's locks.
func (tm *TransactionManager) Commit(id TxnID) error {
	txn, err := tm.active(id)
	if err != nil {
		return err
	}
	defer txn.mu.Unlock()

	lsn, err := tm.appendChained(txn, &wal.LogRecord{Type: wal.LogRecordTypeCommit}, true)
	if err != nil {
		return fmt.Errorf("failed to log commit of txn %d: %w", id, err)
	}
	if err := tm.lm.FlushCommit(lsn); err != nil {
		// The log is fail-stop from here on; whether the commit survives is
		// decided by what reached disk. Its changes are in the tree but not
		// durable, so the locks stay held and nobody reads them.
		tm.logger.Error("Commit flush failed, transaction is in doubt",
			zap.Uint64("txn_id", id), zap.Uint64("lsn", uint64(lsn)), zap.Error(err))
		txn.state = TxnStateInDoubt
		return fmt.Errorf("failed to flush commit of txn %d: %w", id, err)
	}
	tm.finish(txn, TxnStateCommitted)
	tm.committed.Add(1)
	tm.metrics.TxnCommittedCounter.Add(context.Background(), 1)
	tm.logger.Debug("Transaction committed", zap.Uint64("txn_id", id), zap.Uint64("lsn", uint64(lsn)))
	return nil
}

// Abort rolls the transaction back completely and releases its locks.
func (tm *TransactionManager) Abort(id TxnID) error {
	return tm.abort(id, AbortUser)
}

// AbortWithReason is Abort with an explicit reason, used for recovery
// losers and failed operations.
func (tm *TransactionManager) AbortWithReason(id TxnID, reason AbortReason) error {
	return tm.abort(id, reason)
}

func (tm *TransactionManager) abort(id TxnID, reason AbortReason) error {
	txn, err := tm.active(id)
	if err != nil {
		return err
	}
	defer txn.mu.Unlock()

	n, err := tm.rollback(txn, wal.InvalidLSN)
	if err != nil {
		// The transaction keeps its locks so nobody observes the partial
		// rollback; restart recovery finishes it.
		tm.logger.Error("Rollback failed",
			zap.Uint64("txn_id", id), zap.Stringer("reason", reason), zap.Int("undone", n), zap.Error(err))
		return err
	}
	if _, err := tm.appendChained(txn, &wal.LogRecord{Type: wal.LogRecordTypeAbort}, true); err != nil {
		return fmt.Errorf("failed to log abort of txn %d: %w", id, err)
	}
	txn.reason = reason
	tm.finish(txn, TxnStateAborted)
	tm.aborted.Add(1)
	tm.metrics.TxnAbortedCounter.Add(context.Background(), 1)
	tm.logger.Debug("Transaction aborted",
		zap.Uint64("txn_id", id), zap.Stringer("reason", reason), zap.Int("undone", n))
	return nil
}

// finish ends txn, releases its locks and retires its id. The caller holds
// txn.mu.
func (tm *TransactionManager) finish(txn *Transaction, st TransactionState) {
	txn.state = st
	txn.savepoints = nil
	released := tm.locks.ReleaseAll(txn.ID)
	tm.mu.Lock()
	delete(tm.txns, txn.ID)
	tm.mu.Unlock()
	tm.finished.Add(txn.ID, st)
	tm.metrics.ActiveTxnsUpDown.Add(context.Background(), -1)
	tm.logger.Debug("Transaction finished",
		zap.Uint64("txn_id", txn.ID), zap.Stringer("state", st), zap.Int("locks_released", released))
}

// BeginCheckpoint appends a CheckpointBegin record carrying the active
// transaction table and dirty pages, with the highest id handed out so far
// in its TxnID. No transaction record is appended while the table is
// captured. It returns the record's LSN and the oldest
// LSN any live transaction may still need for rollback.
func (tm *TransactionManager) BeginCheckpoint(dirty []wal.DirtyPage) (wal.LSN, wal.LSN, error) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	active := make([]wal.ActiveTxn, 0, len(tm.txns))
	for _, txn := range tm.txns {
		txn.chainMu.Lock()
		if !txn.ended {
			active = append(active, wal.ActiveTxn{TxnID: txn.ID, FirstLSN: txn.firstLSN, LastLSN: txn.lastLSN})
		}
		txn.chainMu.Unlock()
	}
	slices.SortFunc(active, func(a, b wal.ActiveTxn) int { return cmp.Compare(a.FirstLSN, b.FirstLSN) })

	lsn, err := tm.lm.Append(&wal.LogRecord{
		Type:       wal.LogRecordTypeCheckpointBegin,
		TxnID:      tm.nextID.Load(),
		ActiveTxns: active,
		DirtyPages: dirty,
	})
	if err != nil {
		return wal.InvalidLSN, wal.InvalidLSN, err
	}
	oldest := lsn
	if len(active) > 0 && active[0].FirstLSN < oldest {
		oldest = active[0].FirstLSN
	}
	return lsn, oldest, nil
}

// OldestFirstLSN returns the first record of the oldest live transaction.
func (tm *TransactionManager) OldestFirstLSN() (wal.LSN, bool) {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	var oldest wal.LSN
	found := false
	for _, txn := range tm.txns {
		txn.chainMu.Lock()
		first, ended := txn.firstLSN, txn.ended
		txn.chainMu.Unlock()
		if !ended && first != wal.InvalidLSN && (!found || first < oldest) {
			oldest, found = first, true
		}
	}
	return oldest, found
}

// Stats returns a snapshot of the counters.
func (tm *TransactionManager) Stats() Stats {
	tm.mu.RLock()
	active := len(tm.txns)
	tm.mu.RUnlock()
	return Stats{
		Begun:          tm.begun.Load(),
		Committed:      tm.committed.Load(),
		Aborted:        tm.aborted.Load(),
		DeadlockAborts: tm.deadlockAborts.Load(),
		Rollbacks:      tm.rollbacks.Load(),
		CLRs:           tm.clrs.Load(),
		Active:         active,
	}
}

// AbortAll rolls back every live transaction, used at shutdown.
func (tm *TransactionManager) AbortAll(reason AbortReason) error {
	var errs error
	for _, id := range tm.ActiveTransactions() {
		err := tm.abort(id, reason)
		if err != nil && !errors.Is(err, flushmanager.ErrTxnInvalidState) && !errors.Is(err, flushmanager.ErrTxnNotFound) {
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}
