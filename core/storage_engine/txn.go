package storageengine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sushant-115/gojostore/core/transaction"
	flushmanager "github.com/sushant-115/gojostore/core/write_engine/flush_manager"
	"go.uber.org/zap"
)

// Txn is the handle passed to the function run by Update and View.
type Txn struct {
	e        *Engine
	ctx      context.Context
	id       TxnID
	readOnly bool
}

// Handle wraps a transaction started with Begin so it can be driven
// through the Txn methods. The caller still commits or aborts it.
func (e *Engine) Handle(ctx context.Context, id TxnID) *Txn {
	return &Txn{e: e, ctx: ctx, id: id}
}

// ID returns the transaction id.
func (tx *Txn) ID() TxnID { return tx.id }

func (tx *Txn) Get(key []byte) ([]byte, bool, error) {
	return tx.e.Get(tx.ctx, tx.id, key)
}

func (tx *Txn) Put(key, value []byte) error {
	if err := tx.writable(); err != nil {
		return err
	}
	return tx.e.Put(tx.ctx, tx.id, key, value)
}

func (tx *Txn) Insert(key, value []byte) error {
	if err := tx.writable(); err != nil {
		return err
	}
	return tx.e.Insert(tx.ctx, tx.id, key, value)
}

func (tx *Txn) Delete(key []byte) error {
	if err := tx.writable(); err != nil {
		return err
	}
	return tx.e.Delete(tx.ctx, tx.id, key)
}

func (tx *Txn) Scan(start, end []byte) *ScanIterator {
	return tx.e.Scan(tx.ctx, tx.id, start, end)
}

func (tx *Txn) Savepoint() (transaction.SavepointID, error) {
	return tx.e.Savepoint(tx.ctx, tx.id)
}

func (tx *Txn) RollbackTo(sp transaction.SavepointID) error {
	return tx.e.RollbackTo(tx.ctx, tx.id, sp)
}

func (tx *Txn) writable() error {
	if tx.readOnly {
		return fmt.Errorf("%w: txn %d is read-only", flushmanager.ErrTxnInvalidState, tx.id)
	}
	return nil
}

// Update runs fn in a new transaction and commits it. When fn fails the
// transaction is rolled back; when it failed because it lost a deadlock,
// timed out on a lock or found the buffer pool full, fn is run again in a
// fresh transaction, up to Options.MaxRetries times with exponential
// backoff. fn must not keep the Txn after it returns.
func (e *Engine) Update(ctx context.Context, fn func(tx *Txn) error) error {
	return e.run(ctx, false, fn)
}

// View runs fn in a read-only transaction that is rolled back when fn
// returns, releasing its locks. Retries follow Update.
func (e *Engine) View(ctx context.Context, fn func(tx *Txn) error) error {
	return e.run(ctx, true, fn)
}

func (e *Engine) run(ctx context.Context, readOnly bool, fn func(tx *Txn) error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 5 * time.Millisecond
	policy.MaxInterval = 250 * time.Millisecond
	policy.MaxElapsedTime = 0
	b := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(e.opts.MaxRetries)), ctx)

	attempt := 0
	op := func() error {
		attempt++
		err := e.attempt(ctx, readOnly, fn)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil || !retryable(err) {
			return backoff.Permanent(err)
		}
		e.logger.Debug("Retrying transaction", zap.Int("attempt", attempt), zap.Error(err))
		return err
	}
	return backoff.Retry(op, b)
}

func (e *Engine) attempt(ctx context.Context, readOnly bool, fn func(tx *Txn) error) error {
	id, err := e.Begin(ctx)
	if err != nil {
		return err
	}
	tx := &Txn{e: e, ctx: ctx, id: id, readOnly: readOnly}
	if err := fn(tx); err != nil {
		return e.rollbackQuietly(ctx, id, err)
	}
	if readOnly {
		return e.rollbackQuietly(ctx, id, nil)
	}
	return e.Commit(ctx, id)
}

// rollbackQuietly aborts id unless it already ended, as a deadlock victim
// or after an integrity failure has.
func (e *Engine) rollbackQuietly(ctx context.Context, id TxnID, cause error) error {
	err := e.Abort(ctx, id)
	if err == nil || errors.Is(err, flushmanager.ErrTxnInvalidState) || errors.Is(err, flushmanager.ErrTxnNotFound) {
		return cause
	}
	if cause == nil {
		return err
	}
	return fmt.Errorf("%w (rollback also failed: %v)", cause, err)
}

func retryable(err error) bool {
	return flushmanager.IsDeadlock(err) ||
		errors.Is(err, flushmanager.ErrLockTimeout) ||
		errors.Is(err, flushmanager.ErrBufferPoolFull)
}
