// Package transaction tracks transaction state, savepoints and the
// per-transaction log chain, and drives commit and rollback.
//
// Every log record of a transaction points at the previous one through
// PrevLSN. Rollback walks that chain backwards, reverses each update
// logically through the index and writes a compensation record (CLR) whose
// UndoNextLSN skips the work already undone, so a rollback interrupted by a
// crash resumes where it stopped. Locks follow strict two-phase locking:
// they are released only when the transaction commits or aborts.
package transaction

import (
	"fmt"
	"sync"
	"time"

	"github.com/sushant-115/gojostore/core/write_engine/wal"
)

// TxnID identifies a transaction. Ids grow monotonically and are not
// reused after a restart.
type TxnID = wal.TxnID

// SavepointID names a savepoint within one transaction.
type SavepointID uint64

// TransactionState represents the lifecycle state of a transaction.
type TransactionState int

const (
	TxnStateActive    TransactionState = iota // operations are being applied
	TxnStateCommitted                         // commit record written and locks released
	TxnStateAborted                           // rolled back and locks released
	// TxnStateInDoubt: the commit record was appended but could not be made
	// durable. The transaction keeps its locks; restart recovery decides.
	TxnStateInDoubt
)

func (s TransactionState) String() string {
	switch s {
	case TxnStateActive:
		return "ACTIVE"
	case TxnStateCommitted:
		return "COMMITTED"
	case TxnStateAborted:
		return "ABORTED"
	case TxnStateInDoubt:
		return "IN-DOUBT"
	default:
		return fmt.Sprintf("TransactionState(%d)", int(s))
	}
}

// AbortReason records why a transaction was rolled back.
type AbortReason int

const (
	AbortUser     AbortReason = iota // the caller asked for it
	AbortDeadlock                    // chosen as a deadlock victim
	AbortFailure                     // an operation failed and the transaction cannot continue
	AbortRecovery                    // a loser found by restart recovery
)

func (r AbortReason) String() string {
	switch r {
	case AbortUser:
		return "user"
	case AbortDeadlock:
		return "deadlock"
	case AbortFailure:
		return "failure"
	case AbortRecovery:
		return "recovery"
	default:
		return fmt.Sprintf("AbortReason(%d)", int(r))
	}
}

type savepoint struct {
	id  SavepointID
	lsn wal.LSN // last record of the transaction when the savepoint was taken
}

// Transaction represents an in-memory record of an active transaction.
type Transaction struct {
	ID        TxnID
	StartedAt time.Time

	// mu serialises lifecycle calls (savepoints, rollback, commit, abort).
	mu         sync.Mutex
	state      TransactionState
	reason     AbortReason
	savepoints []savepoint
	nextSP     SavepointID

	// chainMu guards the log chain. It is taken inside the manager's
	// read lock whenever a record of this transaction is appended.
	chainMu  sync.Mutex
	firstLSN wal.LSN
	lastLSN  wal.LSN
	ended    bool // a Commit or Abort record has been appended
}

// LastLSN returns the LSN of the transaction's most recent log record.
func (t *Transaction) LastLSN() wal.LSN {
	t.chainMu.Lock()
	defer t.chainMu.Unlock()
	return t.lastLSN
}

// State returns the lifecycle state.
func (t *Transaction) State() TransactionState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Info is a read-only view of one transaction.
type Info struct {
	ID         TxnID
	State      TransactionState
	Reason     AbortReason
	FirstLSN   wal.LSN
	LastLSN    wal.LSN
	Savepoints int
	StartedAt  time.Time
}
