package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"
	storageengine "github.com/sushant-115/gojostore/core/storage_engine"
	"github.com/sushant-115/gojostore/core/transaction"
	flushmanager "github.com/sushant-115/gojostore/core/write_engine/flush_manager"
)

const shellHelp = `Commands:
  begin                     start a transaction
  commit | abort            end the current transaction
  savepoint                 mark a savepoint in the current transaction
  rollback <savepoint>      undo the work done after a savepoint
  release <savepoint>       forget a savepoint
  get <key>
  put <key> <value>
  insert <key> <value>      fails if the key exists
  delete <key>
  scan [start] [end]        inclusive bounds
  checkpoint
  stats
  help
  exit | quit
Outside begin/commit every statement runs in its own transaction.`

func newShellCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "shell",
		Short: "Interactive shell over an engine directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), flags, func(ev *env, e *storageengine.Engine) error {
				rl, err := readline.NewEx(&readline.Config{
					Prompt:          "gojostore> ",
					HistoryFile:     filepath.Join(ev.cfg.Engine.Dir, ".gojostore_history"),
					InterruptPrompt: "^C",
					EOFPrompt:       "exit",
					Stdout:          cmd.OutOrStdout(),
				})
				if err != nil {
					return fmt.Errorf("failed to start readline: %w", err)
				}
				defer rl.Close()

				sh := newShell(e, cmd.OutOrStdout())
				fmt.Fprintln(rl.Stdout(), "GojoStore shell. Type 'help' for commands, 'exit' or 'quit' to leave.")
				for {
					line, err := rl.Readline()
					if errors.Is(err, readline.ErrInterrupt) {
						if line == "" {
							break
						}
						continue
					}
					if err == io.EOF {
						break
					}
					if err != nil {
						return err
					}
					if sh.exec(cmd.Context(), line) {
						break
					}
				}
				return sh.close(cmd.Context())
			})
		},
	}
}

// shell holds the state of one interactive session.
type shell struct {
	e   *storageengine.Engine
	out io.Writer
	txn storageengine.TxnID // zero outside begin/commit
}

func newShell(e *storageengine.Engine, out io.Writer) *shell {
	return &shell{e: e, out: out}
}

// exec runs one line and reports whether the session should end. Errors
// are printed, not returned; the session goes on.
func (s *shell) exec(ctx context.Context, line string) (quit bool) {
	args := strings.Fields(line)
	if len(args) == 0 {
		return false
	}
	cmd := strings.ToLower(args[0])
	if cmd == "exit" || cmd == "quit" {
		return true
	}
	if err := s.dispatch(ctx, cmd, args[1:]); err != nil {
		fmt.Fprintln(s.out, "Error:", err)
		if s.txn != 0 {
			if st, serr := s.e.State(s.txn); serr != nil || st != transaction.TxnStateActive {
				fmt.Fprintf(s.out, "transaction %d has ended\n", s.txn)
				s.txn = 0
			}
		}
	}
	return false
}

func (s *shell) dispatch(ctx context.Context, cmd string, args []string) error {
	need := func(n int, usage string) error {
		if len(args) < n {
			return fmt.Errorf("usage: %s", usage)
		}
		return nil
	}
	switch cmd {
	case "help":
		fmt.Fprintln(s.out, shellHelp)
		return nil
	case "begin":
		if s.txn != 0 {
			return fmt.Errorf("transaction %d is already open", s.txn)
		}
		id, err := s.e.Begin(ctx)
		if err != nil {
			return err
		}
		s.txn = id
		fmt.Fprintf(s.out, "BEGIN %d\n", id)
		return nil
	case "commit", "abort":
		if s.txn == 0 {
			return errors.New("no open transaction")
		}
		id := s.txn
		var err error
		if cmd == "commit" {
			err = s.e.Commit(ctx, id)
		} else {
			err = s.e.Abort(ctx, id)
		}
		if err != nil {
			return err
		}
		s.txn = 0
		fmt.Fprintf(s.out, "%s %d\n", strings.ToUpper(cmd), id)
		return nil
	case "savepoint":
		if s.txn == 0 {
			return errors.New("no open transaction")
		}
		sp, err := s.e.Savepoint(ctx, s.txn)
		if err != nil {
			return err
		}
		fmt.Fprintf(s.out, "SAVEPOINT %d\n", sp)
		return nil
	case "rollback", "release":
		if err := need(1, cmd+" <savepoint>"); err != nil {
			return err
		}
		if s.txn == 0 {
			return errors.New("no open transaction")
		}
		n, err := strconv.ParseUint(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("bad savepoint %q", args[0])
		}
		if cmd == "rollback" {
			err = s.e.RollbackTo(ctx, s.txn, transaction.SavepointID(n))
		} else {
			err = s.e.ReleaseSavepoint(ctx, s.txn, transaction.SavepointID(n))
		}
		if err != nil {
			return err
		}
		fmt.Fprintln(s.out, "OK")
		return nil
	case "get":
		if err := need(1, "get <key>"); err != nil {
			return err
		}
		return s.read(ctx, func(tx *storageengine.Txn) error {
			v, found, err := tx.Get([]byte(args[0]))
			if err != nil {
				return err
			}
			if !found {
				fmt.Fprintln(s.out, "(not found)")
				return nil
			}
			fmt.Fprintln(s.out, string(v))
			return nil
		})
	case "put", "insert":
		if err := need(2, cmd+" <key> <value>"); err != nil {
			return err
		}
		key, value := []byte(args[0]), []byte(strings.Join(args[1:], " "))
		return s.write(ctx, func(tx *storageengine.Txn) error {
			if cmd == "insert" {
				return tx.Insert(key, value)
			}
			return tx.Put(key, value)
		})
	case "delete":
		if err := need(1, "delete <key>"); err != nil {
			return err
		}
		return s.write(ctx, func(tx *storageengine.Txn) error {
			err := tx.Delete([]byte(args[0]))
			if errors.Is(err, flushmanager.ErrKeyNotFound) {
				fmt.Fprintln(s.out, "(not found)")
				return nil
			}
			return err
		})
	case "scan":
		var start, end []byte
		if len(args) > 0 {
			start = []byte(args[0])
		}
		if len(args) > 1 {
			end = []byte(args[1])
		}
		return s.read(ctx, func(tx *storageengine.Txn) error {
			n, err := printScan(s.out, tx.Scan(start, end), 0)
			fmt.Fprintf(s.out, "(%d pairs)\n", n)
			return err
		})
	case "checkpoint":
		lsn, err := s.e.Checkpoint(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(s.out, "checkpoint at lsn %d\n", lsn)
		return nil
	case "stats":
		printStats(s.out, s.e.Stats())
		return nil
	default:
		return fmt.Errorf("unknown command %q, type 'help'", cmd)
	}
}

// read runs fn in the open transaction, or in a fresh read-only one.
func (s *shell) read(ctx context.Context, fn func(tx *storageengine.Txn) error) error {
	if s.txn != 0 {
		return fn(s.e.Handle(ctx, s.txn))
	}
	return s.e.View(ctx, fn)
}

// write runs fn in the open transaction, or in one committed right away.
func (s *shell) write(ctx context.Context, fn func(tx *storageengine.Txn) error) error {
	if s.txn != 0 {
		if err := fn(s.e.Handle(ctx, s.txn)); err != nil {
			return err
		}
	} else if err := s.e.Update(ctx, fn); err != nil {
		return err
	}
	fmt.Fprintln(s.out, "OK")
	return nil
}

// close rolls back a transaction left open.
func (s *shell) close(ctx context.Context) error {
	if s.txn == 0 {
		return nil
	}
	id := s.txn
	s.txn = 0
	fmt.Fprintf(s.out, "rolling back open transaction %d\n", id)
	return s.e.Abort(ctx, id)
}
