package common

import (
	"bytes"
	"context"
	"crypto/sha256"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func payload(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i * 31)
	}
	return data
}

func TestCopyThrottledCopiesAndHashes(t *testing.T) {
	data := payload(chunkSize + 12345)
	dst := filepath.Join(t.TempDir(), "copy")

	res, err := CopyThrottled(context.Background(), bytes.NewReader(data), dst, 0)
	require.NoError(t, err)
	want := sha256.Sum256(data)
	assert.Equal(t, int64(len(data)), res.Bytes)
	assert.Equal(t, want[:], res.SHA256)

	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	sum, err := FileSHA256(dst)
	require.NoError(t, err)
	assert.Equal(t, want[:], sum)
}

func TestCopyThrottledHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := CopyThrottled(ctx, bytes.NewReader(payload(1024)), filepath.Join(t.TempDir(), "copy"), 1)
	require.ErrorIs(t, err, context.Canceled)
}

func TestCopyFilePrefix(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	data := payload(8192)
	require.NoError(t, os.WriteFile(src, data, 0644))

	dst := filepath.Join(dir, "dst")
	res, err := CopyFilePrefix(context.Background(), src, dst, 5000, 1<<20)
	require.NoError(t, err)
	assert.Equal(t, int64(5000), res.Bytes)
	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, data[:5000], got)

	_, err = CopyFilePrefix(context.Background(), src, dst, 9000, 0)
	require.Error(t, err)
}

func TestWriteFileAtomic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "MANIFEST")
	require.NoError(t, WriteFileAtomic(path, []byte("one")))
	require.NoError(t, WriteFileAtomic(path, []byte("two")))
	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "two", string(got))
	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))
}
