package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	storageengine "github.com/sushant-115/gojostore/core/storage_engine"
	"golang.org/x/sync/errgroup"
)

type benchOptions struct {
	keys    int
	workers int
	batch   int
	prefix  string
}

func newBenchCmd(flags *globalFlags) *cobra.Command {
	opts := benchOptions{}
	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Write then read back a key range with concurrent transactions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.keys <= 0 || opts.workers <= 0 || opts.batch <= 0 {
				return fmt.Errorf("--keys, --workers and --batch must be positive")
			}
			return withEngine(cmd.Context(), flags, func(_ *env, e *storageengine.Engine) error {
				return runBench(cmd.Context(), e, opts, cmd.OutOrStdout())
			})
		},
	}
	cmd.Flags().IntVar(&opts.keys, "keys", 10000, "number of keys to write")
	cmd.Flags().IntVar(&opts.workers, "workers", 16, "concurrent transactions")
	cmd.Flags().IntVar(&opts.batch, "batch", 100, "keys written per transaction")
	cmd.Flags().StringVar(&opts.prefix, "prefix", "bench-", "key prefix")
	return cmd
}

func benchKey(prefix string, i int) []byte {
	return []byte(prefix + fmt.Sprintf("%08d", i))
}

func benchValue(i int) []byte {
	return []byte("value-" + strconv.Itoa(i))
}

// runBench writes keys in batches, one transaction per batch, then reads
// every key back in read-only transactions and checks its value.
func runBench(ctx context.Context, e *storageengine.Engine, opts benchOptions, out io.Writer) error {
	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.workers)
	for lo := 0; lo < opts.keys; lo += opts.batch {
		lo, hi := lo, min(lo+opts.batch, opts.keys)
		g.Go(func() error {
			return e.Update(gctx, func(tx *storageengine.Txn) error {
				for i := lo; i < hi; i++ {
					if err := tx.Put(benchKey(opts.prefix, i), benchValue(i)); err != nil {
						return err
					}
				}
				return nil
			})
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("write phase: %w", err)
	}
	report(out, "write", opts.keys, time.Since(start))

	start = time.Now()
	g, gctx = errgroup.WithContext(ctx)
	g.SetLimit(opts.workers)
	for lo := 0; lo < opts.keys; lo += opts.batch {
		lo, hi := lo, min(lo+opts.batch, opts.keys)
		g.Go(func() error {
			return e.View(gctx, func(tx *storageengine.Txn) error {
				for i := lo; i < hi; i++ {
					key := benchKey(opts.prefix, i)
					v, found, err := tx.Get(key)
					if err != nil {
						return err
					}
					if !found {
						return fmt.Errorf("key %s not found", key)
					}
					if !bytes.Equal(v, benchValue(i)) {
						return fmt.Errorf("key %s: got %q", key, v)
					}
				}
				return nil
			})
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("read phase: %w", err)
	}
	report(out, "read", opts.keys, time.Since(start))
	return nil
}

func report(w io.Writer, phase string, n int, took time.Duration) {
	rate := float64(n) / took.Seconds()
	fmt.Fprintf(w, "%-5s %d keys in %s (%.0f keys/s)\n", phase, n, took.Round(time.Millisecond), rate)
}
