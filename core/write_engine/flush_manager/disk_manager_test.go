package flushmanager

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	pagemanager "github.com/sushant-115/gojostore/core/write_engine/page_manager"
	"go.uber.org/zap/zaptest"
)

func TestDiskManager_ReopenKeepsHeaderAndPages(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.db")
	logger := zaptest.NewLogger(t)

	dm, err := OpenDiskManager(path, 1024, logger)
	require.NoError(t, err)
	meta := make([]byte, 1024)
	require.NoError(t, dm.ReadPage(pagemanager.MetaPageID, meta))
	hdr := DecodeHeader(meta)
	hdr.RootPageID = 3
	hdr.PageCount = 4
	hdr.TreeOrder = 7
	hdr.Encode(meta)
	require.NoError(t, dm.WritePage(pagemanager.MetaPageID, meta))

	leaf := make([]byte, 1024)
	pagemanager.SetPageType(leaf, pagemanager.PageTypeLeaf)
	copy(leaf[100:], "payload")
	require.NoError(t, dm.WritePage(3, leaf))
	require.NoError(t, dm.Close())

	dm, err = OpenDiskManager(path, 1024, logger)
	require.NoError(t, err)
	defer dm.Close()
	require.NoError(t, dm.ReadPage(pagemanager.MetaPageID, meta))
	got := DecodeHeader(meta)
	assert.Equal(t, DBMagic, got.Magic)
	assert.Equal(t, pagemanager.PageID(3), got.RootPageID)
	assert.Equal(t, pagemanager.PageID(4), got.PageCount)
	assert.Equal(t, uint32(7), got.TreeOrder)

	buf := make([]byte, 1024)
	require.NoError(t, dm.ReadPage(3, buf))
	assert.Equal(t, "payload", string(buf[100:107]))

	// Past the end of the file reads as zeros.
	require.NoError(t, dm.ReadPage(9, buf))
	assert.Equal(t, make([]byte, 1024), buf)
}

func TestDiskManager_RejectsBadFiles(t *testing.T) {
	dir := t.TempDir()
	logger := zaptest.NewLogger(t)

	short := filepath.Join(dir, "short.db")
	require.NoError(t, os.WriteFile(short, make([]byte, HeaderSize-1), 0644))
	_, err := OpenDiskManager(short, 1024, logger)
	require.ErrorIs(t, err, ErrInvalidHeader)

	garbage := filepath.Join(dir, "garbage.db")
	require.NoError(t, os.WriteFile(garbage, make([]byte, 1024), 0644))
	_, err = OpenDiskManager(garbage, 1024, logger)
	require.ErrorIs(t, err, ErrInvalidHeader)

	path := filepath.Join(dir, "data.db")
	dm, err := OpenDiskManager(path, 1024, logger)
	require.NoError(t, err)
	require.NoError(t, dm.Close())
	_, err = OpenDiskManager(path, 2048, logger)
	require.ErrorIs(t, err, ErrPageSizeMismatch)
}

func TestParseHeader(t *testing.T) {
	_, err := ParseHeader(make([]byte, HeaderSize-1))
	require.ErrorIs(t, err, ErrInvalidHeader)

	data := make([]byte, HeaderSize)
	h := DBFileHeader{Magic: DBMagic, Version: DBVersion, PageSize: 4096, PageCount: 1, TreeOrder: 12}
	h.Encode(data)
	got, err := ParseHeader(data)
	require.NoError(t, err)
	assert.Equal(t, h, got)
	require.NoError(t, got.Validate(4096))
}
