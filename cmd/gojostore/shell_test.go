package main

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/sushant-115/gojostore/core/indexing/btree"
	storageengine "github.com/sushant-115/gojostore/core/storage_engine"
	lockmanager "github.com/sushant-115/gojostore/core/transaction/lock_manager"
	"github.com/sushant-115/gojostore/core/write_engine/memtable"
	"go.uber.org/zap/zaptest"
)

func newTestShell(t *testing.T) (*shell, *bytes.Buffer) {
	t.Helper()
	opts := storageengine.DefaultOptions(t.TempDir())
	opts.PageSize = 1024
	opts.BufferPool = memtable.Config{Frames: 64, Shards: 4}
	opts.Tree = btree.Config{Order: 6, MaxKeySize: 16, MaxValueSize: 32}
	opts.Locks = lockmanager.Config{WaitTimeout: 200 * time.Millisecond, DetectInterval: time.Hour}
	opts.CheckpointInterval = -1
	e, err := storageengine.Open(context.Background(), opts, zaptest.NewLogger(t), nil)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, e.Close()) })
	out := &bytes.Buffer{}
	return newShell(e, out), out
}

// run executes line and returns what it printed.
func run(t *testing.T, sh *shell, out *bytes.Buffer, line string) string {
	t.Helper()
	out.Reset()
	assert.False(t, sh.exec(context.Background(), line))
	return out.String()
}

func TestShellAutocommit(t *testing.T) {
	sh, out := newTestShell(t)

	assert.Equal(t, "OK\n", run(t, sh, out, "put apple red fruit"))
	assert.Equal(t, "OK\n", run(t, sh, out, "insert banana yellow"))
	assert.Equal(t, "red fruit\n", run(t, sh, out, "get apple"))
	assert.Contains(t, run(t, sh, out, "insert apple green"), "Error:")
	assert.Equal(t, "apple\tred fruit\nbanana\tyellow\n(2 pairs)\n", run(t, sh, out, "scan"))
	assert.Equal(t, "banana\tyellow\n(1 pairs)\n", run(t, sh, out, "scan b"))

	assert.Equal(t, "OK\n", run(t, sh, out, "delete apple"))
	assert.Equal(t, "(not found)\n", run(t, sh, out, "get apple"))
	assert.Equal(t, "(not found)\nOK\n", run(t, sh, out, "delete apple"))
	assert.Zero(t, sh.txn)
}

func TestShellTransaction(t *testing.T) {
	sh, out := newTestShell(t)

	assert.Contains(t, run(t, sh, out, "begin"), "BEGIN")
	require.NotZero(t, sh.txn)
	assert.Contains(t, run(t, sh, out, "begin"), "already open")

	run(t, sh, out, "put a 1")
	assert.Equal(t, "SAVEPOINT 1\n", run(t, sh, out, "savepoint"))
	run(t, sh, out, "put b 2")
	assert.Equal(t, "2\n", run(t, sh, out, "get b"))
	assert.Equal(t, "OK\n", run(t, sh, out, "rollback 1"))
	assert.Equal(t, "(not found)\n", run(t, sh, out, "get b"))
	assert.Contains(t, run(t, sh, out, "rollback x"), "bad savepoint")
	assert.Contains(t, run(t, sh, out, "commit"), "COMMIT")
	assert.Zero(t, sh.txn)

	run(t, sh, out, "begin")
	run(t, sh, out, "put c 3")
	assert.Contains(t, run(t, sh, out, "abort"), "ABORT")
	assert.Equal(t, "a\t1\n(1 pairs)\n", run(t, sh, out, "scan"))

	assert.Contains(t, run(t, sh, out, "commit"), "no open transaction")
}

func TestShellCloseRollsBackOpenTransaction(t *testing.T) {
	sh, out := newTestShell(t)
	run(t, sh, out, "begin")
	run(t, sh, out, "put k v")

	require.NoError(t, sh.close(context.Background()))
	assert.Zero(t, sh.txn)
	assert.Equal(t, "(not found)\n", run(t, sh, out, "get k"))
	require.NoError(t, sh.close(context.Background()))
}

func TestShellMiscCommands(t *testing.T) {
	sh, out := newTestShell(t)

	assert.True(t, sh.exec(context.Background(), "exit"))
	assert.True(t, sh.exec(context.Background(), "  QUIT "))
	assert.Empty(t, run(t, sh, out, "   "))
	assert.Contains(t, run(t, sh, out, "help"), "rollback <savepoint>")
	assert.Contains(t, run(t, sh, out, "frobnicate"), `unknown command "frobnicate"`)
	assert.Contains(t, run(t, sh, out, "get"), "usage: get <key>")
	assert.Contains(t, run(t, sh, out, "put k"), "usage: put <key> <value>")
	assert.Contains(t, run(t, sh, out, "checkpoint"), "checkpoint at lsn")
	assert.Contains(t, run(t, sh, out, "stats"), "buffer pool")
}
