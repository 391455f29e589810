package internaltelemetry

import (
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// StorageMetrics holds all the metric instruments for the storage engine.
type StorageMetrics struct {
	PageHitsCounter      metric.Int64Counter
	PageMissesCounter    metric.Int64Counter
	PageEvictionsCounter metric.Int64Counter
	PageFlushesCounter   metric.Int64Counter
	PoolWaitsCounter     metric.Int64Counter

	WalAppendsCounter     metric.Int64Counter
	WalBytesCounter       metric.Int64Counter
	WalFlushesCounter     metric.Int64Counter
	WalFlushLatency       metric.Int64Histogram
	WalSegmentsRolled     metric.Int64Counter
	CheckpointsCounter    metric.Int64Counter
	RecoveryRedoCounter   metric.Int64Counter
	RecoveryLosersCounter metric.Int64Counter

	TreeSplitsCounter   metric.Int64Counter
	TreeMergesCounter   metric.Int64Counter
	TreeRestartsCounter metric.Int64Counter

	LockWaitsCounter    metric.Int64Counter
	LockWaitLatency     metric.Int64Histogram
	DeadlocksCounter    metric.Int64Counter
	LockTimeoutsCounter metric.Int64Counter

	TxnBegunCounter     metric.Int64Counter
	TxnCommittedCounter metric.Int64Counter
	TxnAbortedCounter   metric.Int64Counter
	ActiveTxnsUpDown    metric.Int64UpDownCounter

	BackupBytesCounter metric.Int64Counter

	EngineOpsCounter metric.Int64Counter
	EngineOpLatency  metric.Int64Histogram
}

// NewStorageMetrics creates and registers all the metrics for the storage engine.
func NewStorageMetrics(meter metric.Meter) (*StorageMetrics, error) {
	m := &StorageMetrics{}
	var err error
	counter := func(dst *metric.Int64Counter, name, desc, unit string) {
		if err != nil {
			return
		}
		*dst, err = meter.Int64Counter(name, metric.WithDescription(desc), metric.WithUnit(unit))
	}
	histogram := func(dst *metric.Int64Histogram, name, desc string) {
		if err != nil {
			return
		}
		*dst, err = meter.Int64Histogram(name, metric.WithDescription(desc), metric.WithUnit("ms"))
	}

	counter(&m.PageHitsCounter, "gojostore.bufferpool.hits_total", "Page fetches served from the buffer pool.", "1")
	counter(&m.PageMissesCounter, "gojostore.bufferpool.misses_total", "Page fetches that read from disk.", "1")
	counter(&m.PageEvictionsCounter, "gojostore.bufferpool.evictions_total", "Frames reused for a different page.", "1")
	counter(&m.PageFlushesCounter, "gojostore.bufferpool.flushes_total", "Dirty pages written to disk.", "1")
	counter(&m.PoolWaitsCounter, "gojostore.bufferpool.waits_total", "Fetches that waited for an unpinned frame.", "1")

	counter(&m.WalAppendsCounter, "gojostore.wal.appends_total", "Log records appended.", "1")
	counter(&m.WalBytesCounter, "gojostore.wal.bytes_total", "Log bytes appended.", "By")
	counter(&m.WalFlushesCounter, "gojostore.wal.flushes_total", "Log fsyncs.", "1")
	histogram(&m.WalFlushLatency, "gojostore.wal.flush_duration", "Latency of log write plus fsync.")
	counter(&m.WalSegmentsRolled, "gojostore.wal.segments_rolled_total", "Log segments started.", "1")
	counter(&m.CheckpointsCounter, "gojostore.wal.checkpoints_total", "Completed checkpoints.", "1")
	counter(&m.RecoveryRedoCounter, "gojostore.recovery.redo_records_total", "Records reapplied during redo.", "1")
	counter(&m.RecoveryLosersCounter, "gojostore.recovery.losers_total", "Transactions rolled back during recovery.", "1")

	counter(&m.TreeSplitsCounter, "gojostore.btree.splits_total", "Node splits.", "1")
	counter(&m.TreeMergesCounter, "gojostore.btree.rebalances_total", "Node borrows and merges after deletes.", "1")
	counter(&m.TreeRestartsCounter, "gojostore.btree.restarts_total", "Write descents restarted after a latch conflict.", "1")

	counter(&m.LockWaitsCounter, "gojostore.lock.waits_total", "Lock requests that had to wait.", "1")
	histogram(&m.LockWaitLatency, "gojostore.lock.wait_duration", "Time spent waiting for a lock.")
	counter(&m.DeadlocksCounter, "gojostore.lock.deadlocks_total", "Deadlock victims chosen.", "1")
	counter(&m.LockTimeoutsCounter, "gojostore.lock.timeouts_total", "Lock waits that timed out.", "1")

	counter(&m.TxnBegunCounter, "gojostore.txn.begun_total", "Transactions started.", "1")
	counter(&m.TxnCommittedCounter, "gojostore.txn.committed_total", "Transactions committed.", "1")
	counter(&m.TxnAbortedCounter, "gojostore.txn.aborted_total", "Transactions aborted.", "1")
	if err == nil {
		m.ActiveTxnsUpDown, err = meter.Int64UpDownCounter("gojostore.txn.active",
			metric.WithDescription("Transactions currently active."), metric.WithUnit("1"))
	}

	counter(&m.BackupBytesCounter, "gojostore.backup.bytes_total", "Bytes copied by backups.", "By")

	counter(&m.EngineOpsCounter, "gojostore.engine.ops_total", "Engine operations by name and status.", "1")
	histogram(&m.EngineOpLatency, "gojostore.engine.op_duration", "Latency of engine operations.")
	if err != nil {
		return nil, err
	}
	return m, nil
}

// NoopStorageMetrics returns instruments that record nothing.
func NoopStorageMetrics() *StorageMetrics {
	m, _ := NewStorageMetrics(noop.NewMeterProvider().Meter(""))
	return m
}
