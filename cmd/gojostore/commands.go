package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"
	storageengine "github.com/sushant-115/gojostore/core/storage_engine"
	"github.com/sushant-115/gojostore/core/storage_engine/backup"
	"github.com/sushant-115/gojostore/core/storage_engine/common"
	"go.uber.org/zap"
)

func newScanCmd(flags *globalFlags) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "scan [start] [end]",
		Short: "Print the key/value pairs of a key range (inclusive bounds)",
		Args:  cobra.MaximumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var start, end []byte
			if len(args) > 0 {
				start = []byte(args[0])
			}
			if len(args) > 1 {
				end = []byte(args[1])
			}
			return withEngine(cmd.Context(), flags, func(_ *env, e *storageengine.Engine) error {
				return e.View(cmd.Context(), func(tx *storageengine.Txn) error {
					_, err := printScan(cmd.OutOrStdout(), tx.Scan(start, end), limit)
					return err
				})
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "stop after this many pairs (0 = no limit)")
	return cmd
}

// printScan writes the pairs of it, one per line, and closes it.
func printScan(w io.Writer, it *storageengine.ScanIterator, limit int) (int, error) {
	defer it.Close()
	n := 0
	for (limit <= 0 || n < limit) && it.Next() {
		fmt.Fprintf(w, "%s\t%s\n", it.Key(), it.Value())
		n++
	}
	return n, it.Err()
}

func newCheckpointCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "checkpoint",
		Short: "Take a checkpoint and truncate the log if configured",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), flags, func(_ *env, e *storageengine.Engine) error {
				lsn, err := e.Checkpoint(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "checkpoint at lsn %d, log starts at lsn %d\n", lsn, e.LogManager().FirstLSN())
				return nil
			})
		},
	}
}

func newStatsCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Open the engine and print its counters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), flags, func(_ *env, e *storageengine.Engine) error {
				printStats(cmd.OutOrStdout(), e.Stats())
				return nil
			})
		},
	}
}

func printStats(w io.Writer, s storageengine.Stats) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	defer tw.Flush()
	bp := s.BufferPool
	fmt.Fprintf(tw, "buffer pool\tframes=%d resident=%d pinned=%d dirty=%d poisoned=%d\n", bp.Frames, bp.Resident, bp.Pinned, bp.Dirty, bp.Poisoned)
	fmt.Fprintf(tw, "\thits=%d misses=%d evictions=%d flushes=%d waits=%d\n", bp.Hits, bp.Misses, bp.Evictions, bp.Flushes, bp.Waits)
	fmt.Fprintf(tw, "log\tcurrent=%d flushed=%d checkpoint=%d checkpoints=%d\n", s.CurrentLSN, s.FlushedLSN, s.CheckpointLSN, s.Checkpoints)
	l := s.Locks
	fmt.Fprintf(tw, "locks\tgrants=%d waits=%d deadlocks=%d timeouts=%d resources=%d waiting=%d\n", l.Grants, l.Waits, l.Deadlocks, l.Timeouts, l.Resources, l.Waiting)
	t := s.Txns
	fmt.Fprintf(tw, "transactions\tbegun=%d committed=%d aborted=%d deadlock_aborts=%d rollbacks=%d clrs=%d active=%d\n",
		t.Begun, t.Committed, t.Aborted, t.DeadlockAborts, t.Rollbacks, t.CLRs, t.Active)
	r := s.Recovery
	fmt.Fprintf(tw, "recovery\tcheckpoint=%d redo_from=%d end=%d records=%d redone=%d losers=%d took=%s\n",
		r.CheckpointLSN, r.RedoLSN, r.EndLSN, r.Records, r.Redone, r.Losers, r.Duration)
}

func newRecoverCmd(flags *globalFlags) *cobra.Command {
	var verify bool
	cmd := &cobra.Command{
		Use:   "recover",
		Short: "Run crash recovery and optionally verify the tree",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), flags, func(_ *env, e *storageengine.Engine) error {
				r := e.Stats().Recovery
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "recovered: %d records scanned from lsn %d, %d redone, %d transactions rolled back in %s\n",
					r.Records, r.RedoLSN, r.Redone, r.Losers, r.Duration)
				if !verify {
					return nil
				}
				ts, err := e.VerifyTree()
				if err != nil {
					return fmt.Errorf("tree verification failed: %w", err)
				}
				fmt.Fprintf(out, "tree ok: order=%d height=%d leaves=%d internals=%d keys=%d\n",
					ts.Order, ts.Height, ts.Leaves, ts.Internals, ts.Keys)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&verify, "verify", false, "check the structural invariants of the whole tree")
	return cmd
}

func newBackupCmd(flags *globalFlags) *cobra.Command {
	var (
		incremental bool
		rateLimit   int64
		nice        bool
	)
	cmd := &cobra.Command{
		Use:   "backup <backup-dir>",
		Short: "Take a full or incremental hot backup",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if nice {
				if err := common.LowerPriority(); err != nil {
					fmt.Fprintln(cmd.ErrOrStderr(), "warning:", err)
				}
			}
			return withEngine(cmd.Context(), flags, func(ev *env, e *storageengine.Engine) error {
				opts := ev.cfg.Backup
				if cmd.Flags().Changed("rate-limit") {
					opts.RateLimit = rateLimit
				}
				m, err := runBackup(cmd.Context(), e, args[0], incremental, opts)
				if err != nil {
					return err
				}
				ev.logger.Debug("Backup manifest written", zap.String("id", m.ID))
				fmt.Fprintf(cmd.OutOrStdout(), "backup %s: checkpoint lsn %d, end lsn %d, %d segments, %d increments\n",
					m.ID, m.CheckpointLSN, m.EndLSN, len(m.Segments), len(m.Increments))
				return nil
			})
		},
	}
	cmd.Flags().BoolVarP(&incremental, "incremental", "i", false, "append the log written since the last backup in <backup-dir>")
	cmd.Flags().Int64Var(&rateLimit, "rate-limit", 0, "copy throughput cap in bytes per second (0 = unlimited)")
	cmd.Flags().BoolVar(&nice, "nice", false, "lower the process priority while copying")
	return cmd
}

func runBackup(ctx context.Context, e *storageengine.Engine, dir string, incremental bool, opts backup.Options) (*backup.Manifest, error) {
	if incremental {
		return backup.Incremental(ctx, e, dir, opts)
	}
	return backup.Full(ctx, e, dir, opts)
}

func newRestoreCmd(flags *globalFlags) *cobra.Command {
	var verifyOnly bool
	cmd := &cobra.Command{
		Use:   "restore <backup-dir> [target-dir]",
		Short: "Restore a backup into a new engine directory",
		Long: `restore verifies a backup and copies it into target-dir (or --dir), which
must be empty. Opening the target afterwards replays the backed-up log.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if verifyOnly {
				m, err := backup.Verify(args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "backup %s ok: lsn %d..%d, %d segments\n", m.ID, m.StartLSN, m.EndLSN, len(m.Segments))
				return nil
			}
			if len(args) == 2 {
				flags.dir = args[1]
			}
			if flags.dir == "" {
				return fmt.Errorf("no target directory: pass one or set --dir")
			}
			return withEnv(flags, func(ev *env) error {
				target := ev.cfg.Engine.Dir
				m, err := backup.Restore(cmd.Context(), args[0], target, ev.cfg.Backup, ev.logger)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "restored backup %s into %s (end lsn %d)\n", m.ID, target, m.EndLSN)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&verifyOnly, "verify-only", false, "only check the backup against its manifest")
	return cmd
}
