package flushmanager

import (
	"context"
	"errors"
	"fmt"
)

// --- Error Definitions ---

var (
	// Semantic errors: returned as typed results, never fatal.
	ErrKeyNotFound       = errors.New("key not found")
	ErrDuplicateKey      = errors.New("key already exists")
	ErrKeyTooLarge       = errors.New("key exceeds the configured maximum key size")
	ErrValueTooLarge     = errors.New("value exceeds the configured maximum value size")
	ErrEmptyKey          = errors.New("key must not be empty")
	ErrTxnNotFound       = errors.New("transaction not found")
	ErrTxnInvalidState   = errors.New("transaction is in an invalid state for this operation")
	ErrSavepointNotFound = errors.New("savepoint not found")

	// Transient errors: the caller may retry with backoff.
	ErrBufferPoolFull = errors.New("buffer pool is full and no pages can be evicted")
	ErrLockTimeout    = errors.New("lock wait timed out")
	ErrContention     = errors.New("operation gave up under page latch contention")

	// Deadlock is an expected outcome, reported as a distinguishable abort reason.
	ErrDeadlock = errors.New("transaction aborted as deadlock victim")

	// Integrity errors: the affected transaction is aborted and the operator is told.
	ErrChecksumMismatch = errors.New("page checksum mismatch, data corruption suspected")
	ErrLogCorrupted     = errors.New("write-ahead log record is corrupted")
	ErrPagePoisoned     = errors.New("page could not be flushed and is poisoned")
	ErrTreeCorrupted    = errors.New("btree structural invariant violated")
	ErrIO               = errors.New("i/o error")

	ErrInvalidHeader    = errors.New("invalid database file header")
	ErrPageSizeMismatch = errors.New("page size does not match the database file")
	ErrLSNTruncated     = errors.New("log sequence number is no longer in the log")
	ErrInvalidConfig    = errors.New("invalid configuration")
	ErrClosed           = errors.New("storage engine is closed")
	ErrFailStop         = errors.New("storage engine stopped after a durability failure")
)

// CorruptionError carries the context of an integrity failure: which page
// or log record was involved and during which operation.
type CorruptionError struct {
	Op     string
	PageID uint64
	LSN    uint64
	Err    error
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("%s: page %d lsn %d: %v", e.Op, e.PageID, e.LSN, e.Err)
}

func (e *CorruptionError) Unwrap() error { return e.Err }

// IsTransient reports whether err is worth retrying after a backoff.
func IsTransient(err error) bool {
	return errors.Is(err, ErrBufferPoolFull) || errors.Is(err, ErrLockTimeout) ||
		errors.Is(err, ErrContention) || errors.Is(err, context.DeadlineExceeded)
}

// IsDeadlock reports whether the transaction was chosen as a deadlock victim.
func IsDeadlock(err error) bool { return errors.Is(err, ErrDeadlock) }

// IsSemantic reports whether err is an expected, typed outcome of an operation.
func IsSemantic(err error) bool {
	return errors.Is(err, ErrKeyNotFound) || errors.Is(err, ErrDuplicateKey) ||
		errors.Is(err, ErrKeyTooLarge) || errors.Is(err, ErrValueTooLarge) ||
		errors.Is(err, ErrEmptyKey)
}

// IsIntegrity reports whether err signals corruption or a failed durable write.
func IsIntegrity(err error) bool {
	var ce *CorruptionError
	return errors.As(err, &ce) || errors.Is(err, ErrChecksumMismatch) ||
		errors.Is(err, ErrLogCorrupted) || errors.Is(err, ErrPagePoisoned) ||
		errors.Is(err, ErrTreeCorrupted) || errors.Is(err, ErrIO) ||
		errors.Is(err, ErrFailStop)
}
