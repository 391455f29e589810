package wal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"

	flushmanager "github.com/sushant-115/gojostore/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/gojostore/core/write_engine/page_manager"
)

// --- Write-Ahead Logging (WAL) Constants and Types ---

type LSN = pagemanager.LSN // Log Sequence Number

const InvalidLSN LSN = pagemanager.InvalidLSN

// TxnID identifies a transaction. Ids are never reused across restarts.
type TxnID = uint64

// LogRecordType defines the type of operation logged.
type LogRecordType byte

const (
	LogRecordTypeBegin LogRecordType = iota + 1
	LogRecordTypeUpdate
	LogRecordTypeCommit
	LogRecordTypeAbort
	LogRecordTypeCLR // compensation record written while undoing; never undone itself
	LogRecordTypeCheckpointBegin
	LogRecordTypeCheckpointEnd
)

func (t LogRecordType) String() string {
	switch t {
	case LogRecordTypeBegin:
		return "BEGIN"
	case LogRecordTypeUpdate:
		return "UPDATE"
	case LogRecordTypeCommit:
		return "COMMIT"
	case LogRecordTypeAbort:
		return "ABORT"
	case LogRecordTypeCLR:
		return "CLR"
	case LogRecordTypeCheckpointBegin:
		return "CHECKPOINT_BEGIN"
	case LogRecordTypeCheckpointEnd:
		return "CHECKPOINT_END"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", byte(t))
	}
}

// UndoOp is the logical inverse recorded with an update.
type UndoOp byte

const (
	UndoNone      UndoOp = iota
	UndoDeleteKey        // inverse of an insert
	UndoInsertKey        // inverse of a delete; Value holds the deleted value
	UndoRestore          // inverse of an update; Value holds the previous value
)

func (o UndoOp) String() string {
	switch o {
	case UndoNone:
		return "none"
	case UndoDeleteKey:
		return "delete"
	case UndoInsertKey:
		return "insert"
	case UndoRestore:
		return "restore"
	default:
		return fmt.Sprintf("unknown(%d)", byte(o))
	}
}

// LogicalUndo describes how to reverse one index operation.
type LogicalUndo struct {
	Op    UndoOp
	Key   []byte
	Value []byte
}

// PageImage is the physical redo (and before) image of one page range.
// Before and After always have the same length.
type PageImage struct {
	PageID pagemanager.PageID
	Offset uint32
	Before []byte
	After  []byte
}

// ActiveTxn is one row of the transaction table stored in a checkpoint.
type ActiveTxn struct {
	TxnID    TxnID
	FirstLSN LSN
	LastLSN  LSN
}

// DirtyPage is one row of the dirty page table stored in a checkpoint.
type DirtyPage struct {
	PageID pagemanager.PageID
	RecLSN LSN
}

// LogRecord represents a single entry in the Write-Ahead Log.
type LogRecord struct {
	LSN     LSN
	PrevLSN LSN   // previous record of the same transaction
	TxnID   TxnID // CheckpointBegin: highest transaction id handed out
	Type    LogRecordType

	Pages       []PageImage // Update, CLR
	Undo        LogicalUndo // Update
	UndoNextLSN LSN         // CLR: next record of the transaction still to undo

	ActiveTxns []ActiveTxn // CheckpointBegin
	DirtyPages []DirtyPage // CheckpointBegin
	BeginLSN   LSN         // CheckpointEnd
}

// Frame layout: LSN u64 | payload length u32 | payload | CRC32 u32.
const (
	frameHeaderSize = 12
	frameTrailer    = 4
	frameOverhead   = frameHeaderSize + frameTrailer
	// maxPayloadSize guards against interpreting garbage as a huge length.
	maxPayloadSize = 64 << 20
)

var (
	errShortPayload = errors.New("log record payload truncated")
	crcTable        = crc32.MakeTable(crc32.IEEE)
)

// encodePayload serializes everything but the LSN.
func (r *LogRecord) encodePayload() []byte {
	le := binary.LittleEndian
	buf := make([]byte, 0, 64+r.imagesSize())
	buf = append(buf, byte(r.Type))
	buf = le.AppendUint64(buf, r.TxnID)
	buf = le.AppendUint64(buf, uint64(r.PrevLSN))

	switch r.Type {
	case LogRecordTypeUpdate:
		buf = append(buf, byte(r.Undo.Op))
		buf = appendBytes(buf, r.Undo.Key)
		buf = appendBytes(buf, r.Undo.Value)
		buf = appendImages(buf, r.Pages)
	case LogRecordTypeCLR:
		buf = le.AppendUint64(buf, uint64(r.UndoNextLSN))
		buf = appendImages(buf, r.Pages)
	case LogRecordTypeCheckpointBegin:
		buf = le.AppendUint32(buf, uint32(len(r.ActiveTxns)))
		for _, t := range r.ActiveTxns {
			buf = le.AppendUint64(buf, t.TxnID)
			buf = le.AppendUint64(buf, uint64(t.FirstLSN))
			buf = le.AppendUint64(buf, uint64(t.LastLSN))
		}
		buf = le.AppendUint32(buf, uint32(len(r.DirtyPages)))
		for _, d := range r.DirtyPages {
			buf = le.AppendUint64(buf, uint64(d.PageID))
			buf = le.AppendUint64(buf, uint64(d.RecLSN))
		}
	case LogRecordTypeCheckpointEnd:
		buf = le.AppendUint64(buf, uint64(r.BeginLSN))
	}
	return buf
}

func (r *LogRecord) imagesSize() int {
	n := 0
	for _, p := range r.Pages {
		n += 16 + 2*len(p.After)
	}
	return n
}

func appendBytes(buf, b []byte) []byte {
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(b)))
	return append(buf, b...)
}

func appendImages(buf []byte, images []PageImage) []byte {
	le := binary.LittleEndian
	buf = le.AppendUint16(buf, uint16(len(images)))
	for _, img := range images {
		buf = le.AppendUint64(buf, uint64(img.PageID))
		buf = le.AppendUint32(buf, img.Offset)
		buf = le.AppendUint32(buf, uint32(len(img.After)))
		buf = append(buf, img.Before...)
		buf = append(buf, img.After...)
	}
	return buf
}

// payloadReader decodes little-endian fields and remembers the first error.
type payloadReader struct {
	data []byte
	off  int
	err  error
}

func (p *payloadReader) take(n int) []byte {
	if p.err != nil {
		return nil
	}
	if n < 0 || p.off+n > len(p.data) {
		p.err = errShortPayload
		return nil
	}
	b := p.data[p.off : p.off+n]
	p.off += n
	return b
}

func (p *payloadReader) u8() byte {
	if b := p.take(1); b != nil {
		return b[0]
	}
	return 0
}

func (p *payloadReader) u16() uint16 {
	if b := p.take(2); b != nil {
		return binary.LittleEndian.Uint16(b)
	}
	return 0
}

func (p *payloadReader) u32() uint32 {
	if b := p.take(4); b != nil {
		return binary.LittleEndian.Uint32(b)
	}
	return 0
}

func (p *payloadReader) u64() uint64 {
	if b := p.take(8); b != nil {
		return binary.LittleEndian.Uint64(b)
	}
	return 0
}

func (p *payloadReader) bytes() []byte {
	n := p.u32()
	b := p.take(int(n))
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}

func (p *payloadReader) images() []PageImage {
	n := int(p.u16())
	if p.err != nil {
		return nil
	}
	images := make([]PageImage, 0, n)
	for i := 0; i < n && p.err == nil; i++ {
		img := PageImage{
			PageID: pagemanager.PageID(p.u64()),
			Offset: p.u32(),
		}
		size := int(p.u32())
		img.Before = append([]byte(nil), p.take(size)...)
		img.After = append([]byte(nil), p.take(size)...)
		images = append(images, img)
	}
	return images
}

// decodePayload is the inverse of encodePayload.
func decodePayload(lsn LSN, payload []byte) (*LogRecord, error) {
	p := &payloadReader{data: payload}
	r := &LogRecord{LSN: lsn}
	r.Type = LogRecordType(p.u8())
	r.TxnID = p.u64()
	r.PrevLSN = LSN(p.u64())

	switch r.Type {
	case LogRecordTypeBegin, LogRecordTypeCommit, LogRecordTypeAbort:
	case LogRecordTypeUpdate:
		r.Undo.Op = UndoOp(p.u8())
		r.Undo.Key = p.bytes()
		r.Undo.Value = p.bytes()
		r.Pages = p.images()
	case LogRecordTypeCLR:
		r.UndoNextLSN = LSN(p.u64())
		r.Pages = p.images()
	case LogRecordTypeCheckpointBegin:
		n := int(p.u32())
		for i := 0; i < n && p.err == nil; i++ {
			r.ActiveTxns = append(r.ActiveTxns, ActiveTxn{TxnID: p.u64(), FirstLSN: LSN(p.u64()), LastLSN: LSN(p.u64())})
		}
		n = int(p.u32())
		for i := 0; i < n && p.err == nil; i++ {
			r.DirtyPages = append(r.DirtyPages, DirtyPage{PageID: pagemanager.PageID(p.u64()), RecLSN: LSN(p.u64())})
		}
	case LogRecordTypeCheckpointEnd:
		r.BeginLSN = LSN(p.u64())
	default:
		return nil, &flushmanager.CorruptionError{Op: "decode log record", LSN: uint64(lsn),
			Err: fmt.Errorf("%w: unknown record type %d", flushmanager.ErrLogCorrupted, byte(r.Type))}
	}
	if p.err != nil {
		return nil, &flushmanager.CorruptionError{Op: "decode log record", LSN: uint64(lsn),
			Err: fmt.Errorf("%w: %v", flushmanager.ErrLogCorrupted, p.err)}
	}
	return r, nil
}

// encodeFrame builds the on-disk frame for a record at lsn.
func encodeFrame(lsn LSN, payload []byte) []byte {
	le := binary.LittleEndian
	frame := make([]byte, 0, frameOverhead+len(payload))
	frame = le.AppendUint64(frame, uint64(lsn))
	frame = le.AppendUint32(frame, uint32(len(payload)))
	frame = append(frame, payload...)
	return le.AppendUint32(frame, crc32.Checksum(frame, crcTable))
}

// Size returns the encoded frame size of the record.
func (r *LogRecord) Size() int { return frameOverhead + len(r.encodePayload()) }

// IsRedoable reports whether the record carries page images.
func (r *LogRecord) IsRedoable() bool {
	return r.Type == LogRecordTypeUpdate || r.Type == LogRecordTypeCLR
}

// RecordLogger writes the single log record of one index operation: the
// page images of everything the operation changed plus how to undo it
// logically. Transactions log Update records; rollback logs CLRs.
type RecordLogger interface {
	LogUpdate(images []PageImage, undo LogicalUndo) (LSN, error)
}

// systemLogger logs structural work that belongs to no transaction.
type systemLogger struct{ lm *LogManager }

// SystemLogger returns a RecordLogger for work outside any transaction,
// such as creating the index root. Its records are redone but never undone.
func (lm *LogManager) SystemLogger() RecordLogger { return systemLogger{lm: lm} }

func (s systemLogger) LogUpdate(images []PageImage, _ LogicalUndo) (LSN, error) {
	return s.lm.Append(&LogRecord{Type: LogRecordTypeUpdate, Pages: images})
}
