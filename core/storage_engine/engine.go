// Package storageengine is the transactional key-value surface of the
// storage engine. It wires the data file, buffer pool, log, B+tree, lock
// manager and transaction manager together, runs restart recovery when it
// opens and takes checkpoints while it runs.
//
// Every read or write is scoped to a transaction. Row locks are acquired
// before the tree pins any page: Get takes a shared lock on the key, Put
// and Delete an exclusive one, and every lock is held until the
// transaction ends. A transaction must not be used from more than one
// goroutine at a time.
package storageengine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sushant-115/gojostore/core/indexing/btree"
	"github.com/sushant-115/gojostore/core/transaction"
	lockmanager "github.com/sushant-115/gojostore/core/transaction/lock_manager"
	flushmanager "github.com/sushant-115/gojostore/core/write_engine/flush_manager"
	"github.com/sushant-115/gojostore/core/write_engine/memtable"
	"github.com/sushant-115/gojostore/core/write_engine/recovery"
	"github.com/sushant-115/gojostore/core/write_engine/wal"
	internaltelemetry "github.com/sushant-115/gojostore/internal/telemetry"
	"github.com/sushant-115/gojostore/pkg/telemetry"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// TxnID identifies a transaction.
type TxnID = transaction.TxnID

// RecoveryStats describes the restart recovery run by Open.
type RecoveryStats struct {
	CheckpointLSN wal.LSN
	RedoLSN       wal.LSN
	EndLSN        wal.LSN
	Records       int
	Redone        int
	Losers        int
	Duration      time.Duration
}

// Stats is a snapshot of the engine's counters.
type Stats struct {
	BufferPool    memtable.Stats
	Locks         lockmanager.Stats
	Txns          transaction.Stats
	CurrentLSN    wal.LSN
	FlushedLSN    wal.LSN
	CheckpointLSN wal.LSN
	Checkpoints   uint64
	Recovery      RecoveryStats
}

// Engine is an open storage engine.
type Engine struct {
	opts Options

	dm    *flushmanager.DiskManager
	lm    *wal.LogManager
	bpm   *memtable.BufferPoolManager
	tree  *btree.BTree
	locks *lockmanager.LockManager
	tm    *transaction.TransactionManager

	// opMu is held shared by every operation and exclusively by Close.
	opMu   sync.RWMutex
	closed atomic.Bool
	// stopped holds the failure that made the engine fail-stop: a commit
	// whose log record could not be made durable.
	stopped atomic.Pointer[error]

	ckptMu        sync.Mutex
	checkpointLSN atomic.Uint64
	checkpoints   atomic.Uint64
	recovered     RecoveryStats

	// pins hold back log truncation for backups in progress.
	pinMu   sync.Mutex
	pins    map[uint64]wal.LSN
	nextPin uint64

	logger   *zap.Logger
	metrics  *internaltelemetry.StorageMetrics
	tracer   trace.Tracer
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// Open opens (or creates) the engine in opts.Dir and recovers it: analysis
// and redo repeat history, the tree is reopened, transactions that were
// active at the crash are rolled back, and a fresh checkpoint is taken.
// tel may be nil.
func Open(ctx context.Context, opts Options, logger *zap.Logger, tel *telemetry.Telemetry) (*Engine, error) {
	opts = opts.withDefaults()
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		opts:     opts,
		logger:   logger.Named("storage_engine"),
		metrics:  internaltelemetry.NoopStorageMetrics(),
		tracer:   nooptrace.NewTracerProvider().Tracer(""),
		stopChan: make(chan struct{}),
		pins:     make(map[uint64]wal.LSN),
	}
	if tel != nil {
		m, err := internaltelemetry.NewStorageMetrics(tel.Meter)
		if err != nil {
			return nil, fmt.Errorf("failed to create storage metrics: %w", err)
		}
		e.metrics, e.tracer = m, tel.Tracer
	}

	ctx, span := e.tracer.Start(ctx, "Open", trace.WithAttributes(attribute.String("gojostore.dir", opts.Dir)))
	defer span.End()
	if err := e.open(ctx, logger); err != nil {
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, err.Error())
		return nil, multierr.Append(err, e.closeComponents())
	}
	if opts.CheckpointInterval > 0 {
		e.wg.Add(1)
		go e.checkpointer()
	}
	return e, nil
}

func (e *Engine) open(ctx context.Context, logger *zap.Logger) error {
	opts := e.opts
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return fmt.Errorf("%w: creating %s: %v", flushmanager.ErrIO, opts.Dir, err)
	}
	var err error
	if e.dm, err = flushmanager.OpenDiskManager(opts.DataPath(), opts.PageSize, logger); err != nil {
		return err
	}
	if e.lm, err = wal.NewLogManager(opts.WAL, logger, e.metrics); err != nil {
		return err
	}
	if e.bpm, err = memtable.NewBufferPoolManager(opts.BufferPool, e.dm, e.lm, logger, e.metrics); err != nil {
		return err
	}

	start := time.Now()
	master, ok, err := wal.ReadMaster(e.lm.Dir())
	if err != nil {
		return err
	}
	if !ok {
		master = wal.InvalidLSN
	}
	rec := recovery.New(e.lm, e.bpm, logger, e.metrics)
	analysis, err := rec.Analyze(master)
	if err != nil {
		return fmt.Errorf("recovery analysis failed: %w", err)
	}
	redone, err := rec.Redo(analysis)
	if err != nil {
		return fmt.Errorf("recovery redo failed: %w", err)
	}

	if e.tree, err = btree.Open(e.bpm, e.lm.SystemLogger(), opts.Tree, logger, e.metrics); err != nil {
		return err
	}
	e.locks = lockmanager.New(opts.Locks, logger, e.metrics)
	e.tm = transaction.NewTransactionManager(e.lm, e.locks, e.tree, logger, e.metrics)
	e.tm.SetNextTxnID(analysis.MaxTxnID)

	losers := analysis.LosersByLastLSN()
	for _, l := range losers {
		e.tm.Resume(l.TxnID, l.FirstLSN, l.LastLSN)
		if err := e.tm.AbortWithReason(l.TxnID, transaction.AbortRecovery); err != nil {
			return fmt.Errorf("recovery undo of txn %d failed: %w", l.TxnID, err)
		}
		e.metrics.RecoveryLosersCounter.Add(ctx, 1)
	}

	e.recovered = RecoveryStats{
		CheckpointLSN: analysis.CheckpointLSN,
		RedoLSN:       analysis.RedoLSN,
		EndLSN:        analysis.EndLSN,
		Records:       analysis.Records,
		Redone:        redone,
		Losers:        len(losers),
	}
	if _, err := e.checkpoint(ctx); err != nil {
		return fmt.Errorf("post-recovery checkpoint failed: %w", err)
	}
	e.recovered.Duration = time.Since(start)
	e.logger.Info("Storage engine opened",
		zap.String("dir", opts.Dir),
		zap.Int("page_size", opts.PageSize),
		zap.Int("btree_order", e.tree.Order()),
		zap.Stringer("durability", e.lm.Durability()),
		zap.Int("redone", redone),
		zap.Int("losers", len(losers)),
		zap.Duration("recovery", e.recovered.Duration))
	return nil
}

// enter admits an operation unless the engine is closing or fail-stop.
func (e *Engine) enter() error {
	e.opMu.RLock()
	if e.closed.Load() {
		e.opMu.RUnlock()
		return flushmanager.ErrClosed
	}
	if cause := e.stopped.Load(); cause != nil {
		e.opMu.RUnlock()
		return fmt.Errorf("%w: %v", flushmanager.ErrFailStop, *cause)
	}
	return nil
}

// failStop refuses every later operation. Transactions in doubt keep their
// locks until the engine is closed; reopening it decides their outcome from
// the durable log.
func (e *Engine) failStop(cause error) {
	if e.stopped.CompareAndSwap(nil, &cause) {
		e.logger.Error("Storage engine is fail-stop; close and reopen it to recover", zap.Error(cause))
	}
}

func (e *Engine) exit() { e.opMu.RUnlock() }

// startOp opens the span of an operation.
func (e *Engine) startOp(ctx context.Context, op string, txn TxnID) (context.Context, trace.Span, time.Time) {
	ctx, span := e.tracer.Start(ctx, op, trace.WithAttributes(
		attribute.String("gojostore.op", op),
		attribute.Int64("gojostore.txn_id", int64(txn)),
	))
	return ctx, span, time.Now()
}

// endOp closes the span and records the outcome of an operation.
func (e *Engine) endOp(ctx context.Context, span trace.Span, start time.Time, op string, err error) {
	status := classify(err)
	if err != nil && status != "semantic" {
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, err.Error())
	} else {
		span.SetStatus(otelcodes.Ok, "")
	}
	span.End()
	attrs := metric.WithAttributes(attribute.String("op", op), attribute.String("status", status))
	e.metrics.EngineOpsCounter.Add(ctx, 1, attrs)
	e.metrics.EngineOpLatency.Record(ctx, time.Since(start).Milliseconds(), attrs)
}

func classify(err error) string {
	switch {
	case err == nil:
		return "ok"
	case flushmanager.IsSemantic(err):
		return "semantic"
	case flushmanager.IsDeadlock(err):
		return "deadlock"
	case flushmanager.IsTransient(err):
		return "transient"
	case flushmanager.IsIntegrity(err):
		return "integrity"
	default:
		return "error"
	}
}

// fail force-aborts txn after an integrity error. Corruption is never
// repaired in place; the operator sees the error with its context.
func (e *Engine) fail(txn TxnID, op string, err error) error {
	if !flushmanager.IsIntegrity(err) {
		return err
	}
	e.logger.Error("Integrity failure, aborting transaction",
		zap.Uint64("txn_id", txn), zap.String("op", op), zap.Error(err))
	if abortErr := e.tm.AbortWithReason(txn, transaction.AbortFailure); abortErr != nil &&
		!errors.Is(abortErr, flushmanager.ErrTxnInvalidState) {
		return multierr.Append(err, abortErr)
	}
	return err
}

// Begin starts a transaction.
func (e *Engine) Begin(ctx context.Context) (TxnID, error) {
	if err := e.enter(); err != nil {
		return 0, err
	}
	defer e.exit()
	ctx, span, start := e.startOp(ctx, "Begin", 0)
	id, err := e.tm.Begin()
	span.SetAttributes(attribute.Int64("gojostore.txn_id", int64(id)))
	e.endOp(ctx, span, start, "Begin", err)
	return id, err
}

// Get returns the value stored under key as seen by txn.
func (e *Engine) Get(ctx context.Context, txn TxnID, key []byte) (value []byte, found bool, err error) {
	if err := e.enter(); err != nil {
		return nil, false, err
	}
	defer e.exit()
	ctx, span, start := e.startOp(ctx, "Get", txn)
	defer func() { e.endOp(ctx, span, start, "Get", err) }()

	if err := e.tree.ValidateKey(key); err != nil {
		return nil, false, err
	}
	if err := e.tm.Lock(ctx, txn, lockmanager.RowResource(key), lockmanager.Shared); err != nil {
		return nil, false, err
	}
	value, found, err = e.tree.Search(key)
	if err != nil {
		return nil, false, e.fail(txn, "get", err)
	}
	return value, found, nil
}

// Put stores value under key, replacing any previous value.
func (e *Engine) Put(ctx context.Context, txn TxnID, key, value []byte) (err error) {
	if err := e.enter(); err != nil {
		return err
	}
	defer e.exit()
	ctx, span, start := e.startOp(ctx, "Put", txn)
	defer func() { e.endOp(ctx, span, start, "Put", err) }()

	log, err := e.writeAccess(ctx, txn, key, value)
	if err != nil {
		return err
	}
	_, err = e.tree.Update(log, key, value)
	if errors.Is(err, flushmanager.ErrKeyNotFound) {
		err = e.tree.Insert(log, key, value)
	}
	if err != nil {
		return e.fail(txn, "put", err)
	}
	return nil
}

// Insert stores value under key and fails with ErrDuplicateKey when the key
// exists.
func (e *Engine) Insert(ctx context.Context, txn TxnID, key, value []byte) (err error) {
	if err := e.enter(); err != nil {
		return err
	}
	defer e.exit()
	ctx, span, start := e.startOp(ctx, "Insert", txn)
	defer func() { e.endOp(ctx, span, start, "Insert", err) }()

	log, err := e.writeAccess(ctx, txn, key, value)
	if err != nil {
		return err
	}
	if err := e.tree.Insert(log, key, value); err != nil {
		return e.fail(txn, "insert", err)
	}
	return nil
}

// Delete removes key and fails with ErrKeyNotFound when it is absent.
func (e *Engine) Delete(ctx context.Context, txn TxnID, key []byte) (err error) {
	if err := e.enter(); err != nil {
		return err
	}
	defer e.exit()
	ctx, span, start := e.startOp(ctx, "Delete", txn)
	defer func() { e.endOp(ctx, span, start, "Delete", err) }()

	log, err := e.writeAccess(ctx, txn, key, nil)
	if err != nil {
		return err
	}
	if _, err := e.tree.Delete(log, key); err != nil {
		return e.fail(txn, "delete", err)
	}
	return nil
}

// writeAccess validates the arguments of a write, takes the exclusive row
// lock and returns the transaction's logger.
func (e *Engine) writeAccess(ctx context.Context, txn TxnID, key, value []byte) (wal.RecordLogger, error) {
	if err := e.tree.ValidateKey(key); err != nil {
		return nil, err
	}
	if value != nil {
		if err := e.tree.ValidateValue(value); err != nil {
			return nil, err
		}
	}
	log, err := e.tm.Logger(txn)
	if err != nil {
		return nil, err
	}
	if err := e.tm.Lock(ctx, txn, lockmanager.RowResource(key), lockmanager.Exclusive); err != nil {
		return nil, err
	}
	return log, nil
}

// Savepoint marks the current state of txn.
func (e *Engine) Savepoint(ctx context.Context, txn TxnID) (sp transaction.SavepointID, err error) {
	if err := e.enter(); err != nil {
		return 0, err
	}
	defer e.exit()
	ctx, span, start := e.startOp(ctx, "Savepoint", txn)
	defer func() { e.endOp(ctx, span, start, "Savepoint", err) }()
	return e.tm.Savepoint(txn)
}

// RollbackTo undoes what txn did after sp; its locks are kept.
func (e *Engine) RollbackTo(ctx context.Context, txn TxnID, sp transaction.SavepointID) (err error) {
	if err := e.enter(); err != nil {
		return err
	}
	defer e.exit()
	ctx, span, start := e.startOp(ctx, "RollbackTo", txn)
	defer func() { e.endOp(ctx, span, start, "RollbackTo", err) }()
	return e.tm.RollbackTo(txn, sp)
}

// ReleaseSavepoint forgets sp and every later savepoint of txn.
func (e *Engine) ReleaseSavepoint(ctx context.Context, txn TxnID, sp transaction.SavepointID) (err error) {
	if err := e.enter(); err != nil {
		return err
	}
	defer e.exit()
	ctx, span, start := e.startOp(ctx, "ReleaseSavepoint", txn)
	defer func() { e.endOp(ctx, span, start, "ReleaseSavepoint", err) }()
	return e.tm.ReleaseSavepoint(txn, sp)
}

// Commit makes txn durable according to the log's durability mode and
// releases its locks.
func (e *Engine) Commit(ctx context.Context, txn TxnID) (err error) {
	if err := e.enter(); err != nil {
		return err
	}
	defer e.exit()
	ctx, span, start := e.startOp(ctx, "Commit", txn)
	defer func() { e.endOp(ctx, span, start, "Commit", err) }()
	if err := e.tm.Commit(txn); err != nil {
		if st, serr := e.tm.State(txn); serr == nil && st == transaction.TxnStateInDoubt {
			e.failStop(err)
		}
		return err
	}
	return nil
}

// Abort rolls txn back and releases its locks.
func (e *Engine) Abort(ctx context.Context, txn TxnID) (err error) {
	if err := e.enter(); err != nil {
		return err
	}
	defer e.exit()
	ctx, span, start := e.startOp(ctx, "Abort", txn)
	defer func() { e.endOp(ctx, span, start, "Abort", err) }()
	return e.tm.Abort(txn)
}

// State returns the lifecycle state of txn.
func (e *Engine) State(txn TxnID) (transaction.TransactionState, error) {
	return e.tm.State(txn)
}

// VerifyTree walks the whole tree and checks its structural invariants.
func (e *Engine) VerifyTree() (*btree.TreeStats, error) {
	if err := e.enter(); err != nil {
		return nil, err
	}
	defer e.exit()
	return e.tree.CheckInvariants()
}

// Stats returns a snapshot of the engine's counters.
func (e *Engine) Stats() Stats {
	return Stats{
		BufferPool:    e.bpm.Stats(),
		Locks:         e.locks.Stats(),
		Txns:          e.tm.Stats(),
		CurrentLSN:    e.lm.CurrentLSN(),
		FlushedLSN:    e.lm.FlushedLSN(),
		CheckpointLSN: wal.LSN(e.checkpointLSN.Load()),
		Checkpoints:   e.checkpoints.Load(),
		Recovery:      e.recovered,
	}
}

// Options returns the effective options.
func (e *Engine) Options() Options { return e.opts }

// LogManager exposes the log to backups.
func (e *Engine) LogManager() *wal.LogManager { return e.lm }

// DiskManager exposes the data file to backups.
func (e *Engine) DiskManager() *flushmanager.DiskManager { return e.dm }

// Metrics returns the engine's metric instruments.
func (e *Engine) Metrics() *internaltelemetry.StorageMetrics { return e.metrics }

// Logger returns the engine's logger.
func (e *Engine) Logger() *zap.Logger { return e.logger }

// Close rolls back the transactions still active, takes a final
// checkpoint and closes every component. Operations in flight finish
// first, except that waits for row locks fail with ErrClosed; later calls
// fail with ErrClosed.
func (e *Engine) Close() error {
	if e.closed.Swap(true) {
		return nil
	}
	close(e.stopChan)
	e.wg.Wait()

	// Operations blocked on a row lock hold opMu shared; closing the lock
	// manager fails their waits with ErrClosed so they return.
	if err := e.locks.Close(); err != nil {
		e.logger.Warn("Closing lock manager failed", zap.Error(err))
	}
	e.opMu.Lock()
	defer e.opMu.Unlock()

	err := e.tm.AbortAll(transaction.AbortUser)
	if _, cerr := e.checkpoint(context.Background()); cerr != nil {
		err = multierr.Append(err, fmt.Errorf("final checkpoint failed: %w", cerr))
	}
	err = multierr.Append(err, e.closeComponents())
	e.logger.Info("Storage engine closed", zap.String("dir", e.opts.Dir), zap.Error(err))
	return err
}

// closeComponents closes whatever has been opened, in reverse order.
func (e *Engine) closeComponents() error {
	var err error
	if e.locks != nil {
		err = multierr.Append(err, e.locks.Close())
	}
	if e.lm != nil {
		err = multierr.Append(err, e.lm.Close())
	}
	if e.dm != nil {
		err = multierr.Append(err, e.dm.Close())
	}
	return err
}
