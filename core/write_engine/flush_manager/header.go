package flushmanager

import (
	"encoding/binary"
	"fmt"

	pagemanager "github.com/sushant-115/gojostore/core/write_engine/page_manager"
)

const (
	DBMagic   uint32 = 0x6010DB01
	DBVersion uint32 = 1
)

// Field offsets inside page 0. Fields live at fixed positions so that a
// header update is an ordinary, small page diff in the log.
const (
	hdrMagicOffset     = 16
	hdrVersionOffset   = 20
	hdrPageSizeOffset  = 24
	hdrRootOffset      = 32
	hdrFreeHeadOffset  = 40
	hdrPageCountOffset = 48
	hdrCreatedAtOffset = 56
	hdrTreeOrderOffset = 64

	// HeaderSize is the number of leading bytes of page 0 holding the header.
	HeaderSize = hdrTreeOrderOffset + 4

	freeNextOffset = 16
)

// DBFileHeader is the content of page 0.
type DBFileHeader struct {
	Magic        uint32
	Version      uint32
	PageSize     uint32
	RootPageID   pagemanager.PageID
	FreeListHead pagemanager.PageID
	// PageCount is one past the highest allocated page id.
	PageCount pagemanager.PageID
	CreatedAt int64 // unix nanoseconds
	// TreeOrder is fixed when the index is created; zero until then.
	TreeOrder uint32
}

// ParseHeader decodes the header from the first bytes of the data file.
func ParseHeader(data []byte) (DBFileHeader, error) {
	if len(data) < HeaderSize {
		return DBFileHeader{}, fmt.Errorf("%w: %d bytes, need %d", ErrInvalidHeader, len(data), HeaderSize)
	}
	return DecodeHeader(data), nil
}

// DecodeHeader reads the header fields from page 0's bytes, which must be
// at least HeaderSize long.
func DecodeHeader(data []byte) DBFileHeader {
	le := binary.LittleEndian
	return DBFileHeader{
		Magic:        le.Uint32(data[hdrMagicOffset:]),
		Version:      le.Uint32(data[hdrVersionOffset:]),
		PageSize:     le.Uint32(data[hdrPageSizeOffset:]),
		RootPageID:   pagemanager.PageID(le.Uint64(data[hdrRootOffset:])),
		FreeListHead: pagemanager.PageID(le.Uint64(data[hdrFreeHeadOffset:])),
		PageCount:    pagemanager.PageID(le.Uint64(data[hdrPageCountOffset:])),
		CreatedAt:    int64(le.Uint64(data[hdrCreatedAtOffset:])),
		TreeOrder:    le.Uint32(data[hdrTreeOrderOffset:]),
	}
}

// Encode writes the header into page 0's bytes. Only the header fields are
// touched; the page LSN and checksum are left alone.
func (h *DBFileHeader) Encode(data []byte) {
	le := binary.LittleEndian
	pagemanager.SetPageType(data, pagemanager.PageTypeMeta)
	le.PutUint32(data[hdrMagicOffset:], h.Magic)
	le.PutUint32(data[hdrVersionOffset:], h.Version)
	le.PutUint32(data[hdrPageSizeOffset:], h.PageSize)
	le.PutUint64(data[hdrRootOffset:], uint64(h.RootPageID))
	le.PutUint64(data[hdrFreeHeadOffset:], uint64(h.FreeListHead))
	le.PutUint64(data[hdrPageCountOffset:], uint64(h.PageCount))
	le.PutUint64(data[hdrCreatedAtOffset:], uint64(h.CreatedAt))
	le.PutUint32(data[hdrTreeOrderOffset:], h.TreeOrder)
}

// Validate checks magic, version and page size.
func (h *DBFileHeader) Validate(pageSize int) error {
	if h.Magic != DBMagic {
		return fmt.Errorf("%w: magic 0x%x", ErrInvalidHeader, h.Magic)
	}
	if h.Version != DBVersion {
		return fmt.Errorf("%w: unsupported version %d", ErrInvalidHeader, h.Version)
	}
	if int(h.PageSize) != pageSize {
		return fmt.Errorf("%w: file uses %d, configured %d", ErrPageSizeMismatch, h.PageSize, pageSize)
	}
	if h.PageCount == 0 {
		return fmt.Errorf("%w: page count is zero", ErrInvalidHeader)
	}
	return nil
}

// SetRoot updates only the root pointer in page 0.
func SetRoot(data []byte, root pagemanager.PageID) {
	binary.LittleEndian.PutUint64(data[hdrRootOffset:], uint64(root))
}

// RootOf reads only the root pointer from page 0.
func RootOf(data []byte) pagemanager.PageID {
	return pagemanager.PageID(binary.LittleEndian.Uint64(data[hdrRootOffset:]))
}

// FreeNext returns the next pointer of a page on the free list.
func FreeNext(data []byte) pagemanager.PageID {
	return pagemanager.PageID(binary.LittleEndian.Uint64(data[freeNextOffset:]))
}

// FormatFree turns data into a free-list page pointing at next.
func FormatFree(data []byte, next pagemanager.PageID) {
	pagemanager.ClearBody(data)
	pagemanager.SetPageType(data, pagemanager.PageTypeFree)
	binary.LittleEndian.PutUint64(data[freeNextOffset:], uint64(next))
}
