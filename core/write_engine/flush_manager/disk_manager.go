package flushmanager

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	pagemanager "github.com/sushant-115/gojostore/core/write_engine/page_manager"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// --- DiskManager ---

// DiskManager is the page store: fixed-size blocks on a single data file.
// It knows nothing about transactions or trees. Allocation bookkeeping
// (free list, page count) lives in page 0 and is maintained by the buffer
// pool so that it is logged like any other page change.
type DiskManager struct {
	filePath string
	file     *os.File
	pageSize int
	// ioMu is held shared by page reads and writes and exclusively by
	// snapshot readers, so a backup never sees a half-written page.
	ioMu   sync.RWMutex
	logger *zap.Logger
}

// OpenDiskManager opens the data file at path, creating and formatting it
// when it does not exist yet.
func OpenDiskManager(path string, pageSize int, logger *zap.Logger) (*DiskManager, error) {
	if pageSize < pagemanager.MinPageSize || pageSize > pagemanager.MaxPageSize || pageSize%pagemanager.MinPageSize != 0 {
		return nil, fmt.Errorf("%w: page size %d", ErrInvalidConfig, pageSize)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	dm := &DiskManager{
		filePath: path,
		pageSize: pageSize,
		logger:   logger.Named("disk_manager"),
	}

	_, statErr := os.Stat(path)
	switch {
	case errors.Is(statErr, os.ErrNotExist):
		if err := dm.create(); err != nil {
			return nil, err
		}
	case statErr == nil:
		if err := dm.open(); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: stating file %s: %v", ErrIO, path, statErr)
	}
	return dm, nil
}

func (dm *DiskManager) create() error {
	file, err := os.OpenFile(dm.filePath, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return fmt.Errorf("%w: creating file %s: %v", ErrIO, dm.filePath, err)
	}
	dm.file = file

	header := DBFileHeader{
		Magic:        DBMagic,
		Version:      DBVersion,
		PageSize:     uint32(dm.pageSize),
		RootPageID:   pagemanager.InvalidPageID,
		FreeListHead: pagemanager.InvalidPageID,
		PageCount:    1,
		CreatedAt:    time.Now().UnixNano(),
	}
	page := make([]byte, dm.pageSize)
	header.Encode(page)
	if err := dm.WritePage(pagemanager.MetaPageID, page); err != nil {
		_ = file.Close()
		_ = os.Remove(dm.filePath)
		return fmt.Errorf("failed to write initial header: %w", err)
	}
	if err := file.Sync(); err != nil {
		return fmt.Errorf("%w: syncing new file: %v", ErrIO, err)
	}
	dm.logger.Info("Created database file", zap.String("path", dm.filePath), zap.Int("page_size", dm.pageSize))
	return nil
}

func (dm *DiskManager) open() error {
	file, err := os.OpenFile(dm.filePath, os.O_RDWR, 0644)
	if err != nil {
		return fmt.Errorf("%w: opening file %s: %v", ErrIO, dm.filePath, err)
	}
	dm.file = file

	// The page size is not known until the header is read, so read the fixed
	// prefix first and only then verify the whole page.
	prefix := make([]byte, HeaderSize)
	if _, err := file.ReadAt(prefix, 0); err != nil {
		_ = file.Close()
		return fmt.Errorf("%w: database file too small: %v", ErrInvalidHeader, err)
	}
	header, err := ParseHeader(prefix)
	if err != nil {
		_ = file.Close()
		return err
	}
	if err := header.Validate(dm.pageSize); err != nil {
		_ = file.Close()
		return err
	}
	page := make([]byte, dm.pageSize)
	if err := dm.ReadPage(pagemanager.MetaPageID, page); err != nil {
		_ = file.Close()
		return err
	}
	dm.logger.Info("Opened database file",
		zap.String("path", dm.filePath),
		zap.Uint64("root_page_id", uint64(header.RootPageID)),
		zap.Uint64("page_count", uint64(header.PageCount)))
	return nil
}

// ReadPage reads a page's data from disk into pageData. A page beyond the
// end of the file reads as zeros; that happens when the file was extended
// in the log but the page itself was never flushed.
func (dm *DiskManager) ReadPage(pageID pagemanager.PageID, pageData []byte) error {
	if len(pageData) != dm.pageSize {
		return fmt.Errorf("page data buffer size (%d) != disk manager page size (%d)", len(pageData), dm.pageSize)
	}
	dm.ioMu.RLock()
	defer dm.ioMu.RUnlock()
	if dm.file == nil {
		return ErrClosed
	}
	offset := int64(pageID) * int64(dm.pageSize)
	n, err := dm.file.ReadAt(pageData, offset)
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: reading page %d at offset %d: %v", ErrIO, pageID, offset, err)
	}
	if n < dm.pageSize {
		if n != 0 {
			return &CorruptionError{Op: "read page", PageID: uint64(pageID), Err: fmt.Errorf("%w: short page of %d bytes", ErrChecksumMismatch, n)}
		}
		clear(pageData)
		return nil
	}
	if !pagemanager.VerifyChecksum(pageData) {
		return &CorruptionError{Op: "read page", PageID: uint64(pageID), LSN: uint64(pagemanager.PageLSNOf(pageData)), Err: ErrChecksumMismatch}
	}
	return nil
}

// WritePage stamps the checksum into pageData and writes it at the page's
// location, extending the file when needed. pageData must be a private copy.
func (dm *DiskManager) WritePage(pageID pagemanager.PageID, pageData []byte) error {
	if len(pageData) != dm.pageSize {
		return fmt.Errorf("page data buffer size (%d) != disk manager page size (%d)", len(pageData), dm.pageSize)
	}
	pagemanager.StampChecksum(pageData)
	dm.ioMu.RLock()
	defer dm.ioMu.RUnlock()
	if dm.file == nil {
		return ErrClosed
	}
	offset := int64(pageID) * int64(dm.pageSize)
	if _, err := dm.file.WriteAt(pageData, offset); err != nil {
		return fmt.Errorf("%w: writing page %d at offset %d: %v", ErrIO, pageID, offset, err)
	}
	return nil
}

// Sync flushes written pages to stable storage.
func (dm *DiskManager) Sync() error {
	dm.ioMu.RLock()
	defer dm.ioMu.RUnlock()
	if dm.file == nil {
		return ErrClosed
	}
	if err := dm.file.Sync(); err != nil {
		return fmt.Errorf("%w: syncing %s: %v", ErrIO, dm.filePath, err)
	}
	return nil
}

// NumPages returns the number of whole pages currently in the file.
func (dm *DiskManager) NumPages() (uint64, error) {
	dm.ioMu.RLock()
	defer dm.ioMu.RUnlock()
	if dm.file == nil {
		return 0, ErrClosed
	}
	fi, err := dm.file.Stat()
	if err != nil {
		return 0, fmt.Errorf("%w: stat %s: %v", ErrIO, dm.filePath, err)
	}
	return uint64(fi.Size()) / uint64(dm.pageSize), nil
}

func (dm *DiskManager) PageSize() int { return dm.pageSize }
func (dm *DiskManager) Path() string  { return dm.filePath }

// SnapshotReader reads the data file in page-aligned chunks while page
// writes are held off, so every page it returns is whole.
type SnapshotReader struct {
	dm *DiskManager
}

// NewSnapshotReader returns a reader over the data file for backups.
func (dm *DiskManager) NewSnapshotReader() *SnapshotReader { return &SnapshotReader{dm: dm} }

func (r *SnapshotReader) ReadAt(p []byte, off int64) (int, error) {
	r.dm.ioMu.Lock()
	defer r.dm.ioMu.Unlock()
	if r.dm.file == nil {
		return 0, ErrClosed
	}
	return r.dm.file.ReadAt(p, off)
}

// Close syncs and closes the data file.
func (dm *DiskManager) Close() error {
	dm.ioMu.Lock()
	defer dm.ioMu.Unlock()
	if dm.file == nil {
		return nil
	}
	err := multierr.Append(dm.file.Sync(), dm.file.Close())
	dm.file = nil
	if err != nil {
		return fmt.Errorf("%w: closing %s: %v", ErrIO, dm.filePath, err)
	}
	return nil
}
