package pagemanager

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

// Every page starts with the same small header:
//
//	[0:8]  page LSN
//	[8]    page type
//	[9:]   type specific body
//
// and ends with a CRC32 of everything before it. The checksum is stamped
// only when the page is written to disk.
const (
	PageLSNOffset  = 0
	PageTypeOffset = 8
	// BodyOffset is where logged page diffs may start. The LSN field is
	// stamped separately on redo, so it never appears in a diff.
	BodyOffset   = 8
	ChecksumSize = 4

	DefaultPageSize = 4096
	MinPageSize     = 512
	MaxPageSize     = 64 * 1024
)

// PageType identifies what a page holds.
type PageType byte

const (
	PageTypeZero     PageType = iota // never written
	PageTypeMeta                     // database file header (page 0)
	PageTypeFree                     // on the free list
	PageTypeLeaf                     // B+tree leaf
	PageTypeInternal                 // B+tree internal node
)

func (t PageType) String() string {
	switch t {
	case PageTypeZero:
		return "zero"
	case PageTypeMeta:
		return "meta"
	case PageTypeFree:
		return "free"
	case PageTypeLeaf:
		return "leaf"
	case PageTypeInternal:
		return "internal"
	default:
		return fmt.Sprintf("unknown(%d)", byte(t))
	}
}

var crcTable = crc32.MakeTable(crc32.IEEE)

func PageLSNOf(data []byte) LSN {
	return LSN(binary.LittleEndian.Uint64(data[PageLSNOffset:]))
}

func SetPageLSN(data []byte, lsn LSN) {
	binary.LittleEndian.PutUint64(data[PageLSNOffset:], uint64(lsn))
}

func PageTypeOf(data []byte) PageType { return PageType(data[PageTypeOffset]) }

func SetPageType(data []byte, t PageType) { data[PageTypeOffset] = byte(t) }

// ChecksumOffset is the offset of the CRC trailer for a page of the given size.
func ChecksumOffset(pageSize int) int { return pageSize - ChecksumSize }

// StampChecksum computes the CRC32 of the page and stores it in the trailer.
func StampChecksum(data []byte) {
	off := ChecksumOffset(len(data))
	binary.LittleEndian.PutUint32(data[off:], crc32.Checksum(data[:off], crcTable))
}

// VerifyChecksum reports whether the stored trailer matches the page bytes.
// A page that was never written (all zeros) is valid.
func VerifyChecksum(data []byte) bool {
	off := ChecksumOffset(len(data))
	stored := binary.LittleEndian.Uint32(data[off:])
	if stored == 0 && IsZeroPage(data) {
		return true
	}
	return stored == crc32.Checksum(data[:off], crcTable)
}

func IsZeroPage(data []byte) bool {
	for _, b := range data {
		if b != 0 {
			return false
		}
	}
	return true
}

// ClearBody zeroes everything after the LSN up to the checksum trailer.
func ClearBody(data []byte) {
	clear(data[BodyOffset:ChecksumOffset(len(data))])
}
