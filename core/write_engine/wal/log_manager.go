package wal

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	flushmanager "github.com/sushant-115/gojostore/core/write_engine/flush_manager"
	internaltelemetry "github.com/sushant-115/gojostore/internal/telemetry"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Every segment file starts with this magic. The log stream is continuous
// across segments: a segment whose name encodes base B holds stream bytes
// [B, B+size), magic included, so the first record of the log is at LSN 8.
var segmentMagic = []byte("GJWAL001")

const (
	segmentMagicSize = 8
	segmentPrefix    = "wal-"
	segmentSuffix    = ".log"
)

type segment struct {
	base LSN
	path string
	size int64
}

func (s segment) end() LSN { return s.base + LSN(s.size) }

// SegmentInfo describes one segment file.
type SegmentInfo struct {
	Path string
	Base LSN
	Size int64
}

// LogManager manages the Write-Ahead Log segment files.
//
// Appends only take appendMu to assign an LSN and copy the frame into the
// in-memory buffer. Writers take flushMu, swap the buffer out and write it
// to the segment files without holding appendMu, so appends proceed while a
// flush is in progress.
type LogManager struct {
	cfg        Config
	durability Durability
	logger     *zap.Logger
	metrics    *internaltelemetry.StorageMetrics

	appendMu sync.Mutex
	buf      []byte // frames not yet written to a segment file
	bufStart LSN    // stream position of buf[0]
	nextLSN  LSN    // next LSN to hand out
	tailBase LSN    // base of the segment that receives new appends
	rolls    []LSN  // segment boundaries inside buf
	failed   error  // sticky: set when a write or fsync fails
	closed   bool

	flushMu sync.Mutex
	file    *os.File // segment currently being written; owned by the flushMu holder
	fileSeg LSN

	segMu    sync.RWMutex
	segments []segment

	writtenLSN atomic.Uint64 // stream bytes below are in segment files
	durableLSN atomic.Uint64 // stream bytes below are fsynced

	groupMu     sync.Mutex
	group       *flushGroup
	groupClosed bool

	readMu  sync.Mutex
	readers map[LSN]*os.File

	kick     chan struct{}
	stopChan chan struct{}
	wg       sync.WaitGroup
}

type flushGroup struct {
	done    chan struct{}
	err     error
	waiters int
}

func newFlushGroup() *flushGroup { return &flushGroup{done: make(chan struct{})} }

// NewLogManager opens the log in cfg.Dir, repairing a torn tail, and starts
// the background flusher.
func NewLogManager(cfg Config, logger *zap.Logger, metrics *internaltelemetry.StorageMetrics) (*LogManager, error) {
	cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	durability, err := ParseDurability(cfg.Durability)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = internaltelemetry.NoopStorageMetrics()
	}
	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory %s: %w", cfg.Dir, err)
	}
	if cfg.ArchiveDir != "" {
		if err := os.MkdirAll(cfg.ArchiveDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create archive directory %s: %w", cfg.ArchiveDir, err)
		}
	}

	lm := &LogManager{
		cfg:        cfg,
		durability: durability,
		logger:     logger.Named("wal"),
		metrics:    metrics,
		buf:        make([]byte, 0, cfg.BufferSize),
		group:      newFlushGroup(),
		readers:    make(map[LSN]*os.File),
		kick:       make(chan struct{}, 1),
		stopChan:   make(chan struct{}),
	}
	if err := lm.openSegments(); err != nil {
		return nil, err
	}

	lm.wg.Add(1)
	go lm.flusher()

	lm.logger.Info("LogManager initialized",
		zap.String("dir", cfg.Dir),
		zap.String("durability", durability.String()),
		zap.Int("segments", len(lm.segments)),
		zap.Uint64("next_lsn", uint64(lm.nextLSN)))
	return lm, nil
}

func segmentPath(dir string, base LSN) string {
	return filepath.Join(dir, fmt.Sprintf("%s%020d%s", segmentPrefix, uint64(base), segmentSuffix))
}

func listSegments(dir string) ([]segment, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read directory %s: %w", dir, err)
	}
	var segs []segment
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, segmentPrefix) || !strings.HasSuffix(name, segmentSuffix) {
			continue
		}
		base, perr := strconv.ParseUint(strings.TrimSuffix(strings.TrimPrefix(name, segmentPrefix), segmentSuffix), 10, 64)
		if perr != nil {
			continue
		}
		info, ierr := e.Info()
		if ierr != nil {
			return nil, fmt.Errorf("failed to stat %s: %w", name, ierr)
		}
		segs = append(segs, segment{base: LSN(base), path: filepath.Join(dir, name), size: info.Size()})
	}
	sort.Slice(segs, func(i, j int) bool { return segs[i].base < segs[j].base })
	return segs, nil
}

// openSegments finds the active segments, validates that they form one
// continuous stream and truncates a torn frame at the end of the last one.
func (lm *LogManager) openSegments() error {
	segs, err := listSegments(lm.cfg.Dir)
	if err != nil {
		return err
	}
	if len(segs) == 0 {
		seg, err := lm.createSegment(InvalidLSN)
		if err != nil {
			return err
		}
		segs = []segment{seg}
	}
	for i, s := range segs {
		if err := checkMagic(s); err != nil {
			if i == len(segs)-1 && s.size < segmentMagicSize {
				// Crashed while creating the segment.
				if err := os.WriteFile(s.path, segmentMagic, 0644); err != nil {
					return fmt.Errorf("%w: rewriting segment header %s: %v", flushmanager.ErrIO, s.path, err)
				}
				segs[i].size = segmentMagicSize
				continue
			}
			return err
		}
		if i > 0 && segs[i-1].end() != s.base {
			return &flushmanager.CorruptionError{Op: "open wal", LSN: uint64(segs[i-1].end()),
				Err: fmt.Errorf("%w: gap between segment %d and %d", flushmanager.ErrLogCorrupted, segs[i-1].base, s.base)}
		}
	}

	last := &segs[len(segs)-1]
	validEnd, err := scanValidEnd(*last)
	if err != nil {
		return err
	}
	if validEnd < last.size {
		lm.logger.Warn("Truncating torn tail of log segment",
			zap.String("segment", last.path),
			zap.Int64("valid_bytes", validEnd),
			zap.Int64("dropped_bytes", last.size-validEnd))
		if err := os.Truncate(last.path, validEnd); err != nil {
			return fmt.Errorf("%w: truncating %s: %v", flushmanager.ErrIO, last.path, err)
		}
		last.size = validEnd
	}

	file, err := os.OpenFile(last.path, os.O_RDWR, 0644)
	if err != nil {
		return fmt.Errorf("%w: opening segment %s: %v", flushmanager.ErrIO, last.path, err)
	}
	lm.file = file
	lm.fileSeg = last.base
	lm.segments = segs
	lm.tailBase = last.base
	lm.nextLSN = last.end()
	lm.bufStart = lm.nextLSN
	lm.writtenLSN.Store(uint64(lm.nextLSN))
	lm.durableLSN.Store(uint64(lm.nextLSN))
	return nil
}

func checkMagic(s segment) error {
	f, err := os.Open(s.path)
	if err != nil {
		return fmt.Errorf("%w: opening segment %s: %v", flushmanager.ErrIO, s.path, err)
	}
	defer f.Close()
	magic := make([]byte, segmentMagicSize)
	if _, err := f.ReadAt(magic, 0); err != nil || string(magic) != string(segmentMagic) {
		return &flushmanager.CorruptionError{Op: "open wal", LSN: uint64(s.base),
			Err: fmt.Errorf("%w: bad segment header in %s", flushmanager.ErrLogCorrupted, s.path)}
	}
	return nil
}

// scanValidEnd returns the offset just past the last whole frame. A frame
// that is cut short is a torn write; a whole frame that fails its checksum
// is corruption.
func scanValidEnd(s segment) (int64, error) {
	f, err := os.Open(s.path)
	if err != nil {
		return 0, fmt.Errorf("%w: opening segment %s: %v", flushmanager.ErrIO, s.path, err)
	}
	defer f.Close()
	off := int64(segmentMagicSize)
	for off < s.size {
		_, n, err := readFrameAt(f, s.base, off, s.size)
		if errors.Is(err, errTornFrame) {
			return off, nil
		}
		if err != nil && n > 0 && off+n == s.size {
			// A damaged final frame is the write that was in flight.
			return off, nil
		}
		if err != nil {
			return 0, err
		}
		off += n
	}
	return off, nil
}

func (lm *LogManager) createSegment(base LSN) (segment, error) {
	path := segmentPath(lm.cfg.Dir, base)
	if err := os.WriteFile(path, segmentMagic, 0644); err != nil {
		return segment{}, fmt.Errorf("%w: creating segment %s: %v", flushmanager.ErrIO, path, err)
	}
	return segment{base: base, path: path, size: segmentMagicSize}, nil
}

// Append assigns the record an LSN and buffers it. The record is durable
// only after FlushTo (or the durability policy) covers its LSN.
func (lm *LogManager) Append(rec *LogRecord) (LSN, error) {
	payload := rec.encodePayload()
	if len(payload) > maxPayloadSize {
		return InvalidLSN, fmt.Errorf("log record of %d bytes exceeds the maximum of %d", len(payload), maxPayloadSize)
	}
	frameLen := frameOverhead + len(payload)

	lm.appendMu.Lock()
	if lm.closed {
		lm.appendMu.Unlock()
		return InvalidLSN, flushmanager.ErrClosed
	}
	if lm.failed != nil {
		err := lm.failed
		lm.appendMu.Unlock()
		return InvalidLSN, err
	}
	segLen := int64(lm.nextLSN - lm.tailBase)
	if segLen > segmentMagicSize && segLen+int64(frameLen) > lm.cfg.SegmentSize {
		boundary := lm.nextLSN
		lm.rolls = append(lm.rolls, boundary)
		lm.buf = append(lm.buf, segmentMagic...)
		lm.nextLSN += segmentMagicSize
		lm.tailBase = boundary
	}
	lsn := lm.nextLSN
	rec.LSN = lsn
	lm.buf = append(lm.buf, encodeFrame(lsn, payload)...)
	lm.nextLSN += LSN(frameLen)
	buffered := len(lm.buf)
	unflushed := int(lm.nextLSN) - int(lm.durableLSN.Load())
	lm.appendMu.Unlock()

	ctx := context.Background()
	lm.metrics.WalAppendsCounter.Add(ctx, 1)
	lm.metrics.WalBytesCounter.Add(ctx, int64(frameLen))

	if buffered >= lm.cfg.BufferSize {
		lm.flushMu.Lock()
		err := lm.writeOutLocked(false)
		lm.flushMu.Unlock()
		if err != nil {
			return InvalidLSN, err
		}
	}
	if lm.durability == DurabilityDeferred && unflushed >= lm.cfg.DeferredFlushBytes {
		lm.wakeFlusher()
	}
	return lsn, nil
}

func (lm *LogManager) wakeFlusher() {
	select {
	case lm.kick <- struct{}{}:
	default:
	}
}

// writeOutLocked moves the buffered frames into the segment files, rolling
// to new segments at the recorded boundaries, and fsyncs when sync is set.
// Callers hold flushMu.
func (lm *LogManager) writeOutLocked(sync bool) error {
	lm.appendMu.Lock()
	if lm.failed != nil {
		err := lm.failed
		lm.appendMu.Unlock()
		return err
	}
	if lm.file == nil {
		lm.appendMu.Unlock()
		return flushmanager.ErrClosed
	}
	data := lm.buf
	pos := lm.bufStart
	rolls := lm.rolls
	end := lm.nextLSN
	lm.buf = make([]byte, 0, lm.cfg.BufferSize)
	lm.bufStart = end
	lm.rolls = nil
	lm.appendMu.Unlock()

	if len(data) == 0 && !sync {
		return nil
	}
	if err := lm.writeData(data, pos, rolls, end, sync); err != nil {
		lm.appendMu.Lock()
		if lm.failed == nil {
			lm.failed = fmt.Errorf("%w: wal write failed: %v", flushmanager.ErrIO, err)
		}
		err = lm.failed
		lm.appendMu.Unlock()
		lm.logger.Error("WAL write failed; log is now fail-stop", zap.Error(err))
		return err
	}
	lm.writtenLSN.Store(uint64(end))
	if sync {
		lm.durableLSN.Store(uint64(end))
	}
	return nil
}

func (lm *LogManager) writeData(data []byte, pos LSN, rolls []LSN, end LSN, sync bool) error {
	for pos < end {
		if len(rolls) > 0 && rolls[0] == pos {
			if err := lm.rollSegmentLocked(pos); err != nil {
				return err
			}
			rolls = rolls[1:]
			continue
		}
		chunkEnd := end
		if len(rolls) > 0 {
			chunkEnd = rolls[0]
		}
		n := int(chunkEnd - pos)
		if pos == lm.fileSeg && n >= segmentMagicSize {
			// The magic of a freshly rolled segment is already on disk.
			data, pos, n = data[segmentMagicSize:], pos+segmentMagicSize, n-segmentMagicSize
		}
		if _, err := lm.file.WriteAt(data[:n], int64(pos-lm.fileSeg)); err != nil {
			return err
		}
		data = data[n:]
		pos = chunkEnd
		lm.segMu.Lock()
		lm.segments[len(lm.segments)-1].size = int64(pos - lm.fileSeg)
		lm.segMu.Unlock()
	}
	if sync {
		start := time.Now()
		if err := lm.file.Sync(); err != nil {
			return err
		}
		ctx := context.Background()
		lm.metrics.WalFlushesCounter.Add(ctx, 1)
		lm.metrics.WalFlushLatency.Record(ctx, time.Since(start).Milliseconds())
	}
	return nil
}

// rollSegmentLocked fsyncs and closes the current segment and starts a new
// one at base. Callers hold flushMu.
func (lm *LogManager) rollSegmentLocked(base LSN) error {
	if err := lm.file.Sync(); err != nil {
		return err
	}
	if err := lm.file.Close(); err != nil {
		return err
	}
	seg, err := lm.createSegment(base)
	if err != nil {
		return err
	}
	file, err := os.OpenFile(seg.path, os.O_RDWR, 0644)
	if err != nil {
		return err
	}
	lm.file = file
	lm.fileSeg = base
	lm.segMu.Lock()
	lm.segments = append(lm.segments, seg)
	lm.segMu.Unlock()
	lm.metrics.WalSegmentsRolled.Add(context.Background(), 1)
	lm.logger.Info("Rolled to new log segment", zap.Uint64("base_lsn", uint64(base)))
	return nil
}

// Fail makes the log fail-stop with cause, as a failed write or fsync
// does: every later append and flush returns the error.
func (lm *LogManager) Fail(cause error) {
	lm.appendMu.Lock()
	if lm.failed == nil {
		lm.failed = fmt.Errorf("%w: %v", flushmanager.ErrIO, cause)
	}
	lm.appendMu.Unlock()
	lm.logger.Error("WAL marked failed; log is now fail-stop", zap.Error(cause))
	// Parked group commits learn about it on the next flush.
	lm.wakeFlusher()
}

func (lm *LogManager) failure() error {
	lm.appendMu.Lock()
	defer lm.appendMu.Unlock()
	return lm.failed
}

// FlushTo guarantees that every record up to and including lsn is on
// stable storage. Concurrent callers share one fsync.
func (lm *LogManager) FlushTo(lsn LSN) error {
	if LSN(lm.durableLSN.Load()) > lsn {
		return nil
	}
	lm.flushMu.Lock()
	defer lm.flushMu.Unlock()
	if LSN(lm.durableLSN.Load()) > lsn {
		return nil
	}
	return lm.writeOutLocked(true)
}

// Sync makes every appended record durable.
func (lm *LogManager) Sync() error {
	lm.flushMu.Lock()
	defer lm.flushMu.Unlock()
	if LSN(lm.durableLSN.Load()) >= lm.CurrentLSN() {
		return nil
	}
	return lm.writeOutLocked(true)
}

// FlushCommit applies the configured durability policy to a commit record.
func (lm *LogManager) FlushCommit(lsn LSN) error {
	switch lm.durability {
	case DurabilityGroup:
		if LSN(lm.durableLSN.Load()) > lsn {
			return nil
		}
		lm.groupMu.Lock()
		if lm.groupClosed {
			lm.groupMu.Unlock()
			return flushmanager.ErrClosed
		}
		g := lm.group
		g.waiters++
		// A failure recorded before joining may already have been flushed
		// to an earlier group.
		if err := lm.failure(); err != nil {
			g.waiters--
			lm.groupMu.Unlock()
			return err
		}
		lm.groupMu.Unlock()
		<-g.done
		return g.err
	case DurabilityDeferred:
		return nil
	default:
		return lm.FlushTo(lsn)
	}
}

// flusher periodically writes and fsyncs the buffer. In group mode each
// tick releases the commits parked since the previous one.
func (lm *LogManager) flusher() {
	defer lm.wg.Done()
	interval := lm.cfg.DeferredFlushInterval
	if lm.durability == DurabilityGroup {
		interval = lm.cfg.GroupCommitInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-lm.stopChan:
			return
		case <-ticker.C:
		case <-lm.kick:
		}
		lm.flushGroupOnce()
	}
}

func (lm *LogManager) flushGroupOnce() {
	lm.groupMu.Lock()
	g := lm.group
	lm.group = newFlushGroup()
	lm.groupMu.Unlock()

	var err error
	if g.waiters > 0 || LSN(lm.durableLSN.Load()) < lm.CurrentLSN() {
		err = lm.Sync()
		if err != nil {
			lm.logger.Error("Background log flush failed", zap.Error(err))
		}
	}
	g.err = err
	close(g.done)
}

// CurrentLSN returns the LSN the next appended record will get, which is
// also the end of the log.
func (lm *LogManager) CurrentLSN() LSN {
	lm.appendMu.Lock()
	defer lm.appendMu.Unlock()
	return lm.nextLSN
}

// FlushedLSN returns the end of the durable prefix of the log.
func (lm *LogManager) FlushedLSN() LSN { return LSN(lm.durableLSN.Load()) }

// FirstLSN returns the LSN of the oldest record still in the active log.
func (lm *LogManager) FirstLSN() LSN {
	lm.segMu.RLock()
	defer lm.segMu.RUnlock()
	return lm.segments[0].base + segmentMagicSize
}

func (lm *LogManager) Durability() Durability { return lm.durability }
func (lm *LogManager) Dir() string            { return lm.cfg.Dir }

// ensureWritten makes records below lsn readable from the segment files.
func (lm *LogManager) ensureWritten(lsn LSN) error {
	if LSN(lm.writtenLSN.Load()) > lsn {
		return nil
	}
	lm.flushMu.Lock()
	defer lm.flushMu.Unlock()
	if LSN(lm.writtenLSN.Load()) > lsn {
		return nil
	}
	return lm.writeOutLocked(false)
}

// TruncateBefore removes every segment that ends at or before lsn, moving
// it to the archive directory when one is configured. The segment being
// written is never removed.
func (lm *LogManager) TruncateBefore(lsn LSN) (int, error) {
	lm.segMu.Lock()
	defer lm.segMu.Unlock()
	removed := 0
	for len(lm.segments) > 1 && lm.segments[0].end() <= lsn {
		seg := lm.segments[0]
		lm.dropReader(seg.base)
		var err error
		if lm.cfg.ArchiveDir != "" {
			err = os.Rename(seg.path, filepath.Join(lm.cfg.ArchiveDir, filepath.Base(seg.path)))
		} else {
			err = os.Remove(seg.path)
		}
		if err != nil {
			return removed, fmt.Errorf("%w: dropping segment %s: %v", flushmanager.ErrIO, seg.path, err)
		}
		lm.segments = lm.segments[1:]
		removed++
		lm.logger.Info("Dropped log segment",
			zap.String("segment", seg.path),
			zap.Bool("archived", lm.cfg.ArchiveDir != ""))
	}
	return removed, nil
}

// SegmentsFrom lists the segment files (archived ones included) that hold
// records at or after lsn, in stream order, after making the whole log
// durable.
func (lm *LogManager) SegmentsFrom(lsn LSN) ([]SegmentInfo, error) {
	if err := lm.Sync(); err != nil {
		return nil, err
	}
	var all []segment
	if lm.cfg.ArchiveDir != "" {
		archived, err := listSegments(lm.cfg.ArchiveDir)
		if err != nil {
			return nil, err
		}
		all = append(all, archived...)
	}
	lm.segMu.RLock()
	all = append(all, lm.segments...)
	lm.segMu.RUnlock()

	var out []SegmentInfo
	seen := make(map[LSN]bool)
	for _, s := range all {
		if seen[s.base] || s.end() <= lsn {
			continue
		}
		seen[s.base] = true
		out = append(out, SegmentInfo{Path: s.path, Base: s.base, Size: s.size})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Base < out[j].Base })
	if len(out) == 0 || out[0].Base > lsn {
		return nil, fmt.Errorf("%w: lsn %d", flushmanager.ErrLSNTruncated, lsn)
	}
	return out, nil
}

func (lm *LogManager) stopFlusher() {
	lm.appendMu.Lock()
	if lm.closed {
		lm.appendMu.Unlock()
		return
	}
	lm.closed = true
	lm.appendMu.Unlock()
	close(lm.stopChan)
	lm.wg.Wait()
}

// Close flushes the log, stops the flusher and closes the segment file.
func (lm *LogManager) Close() error {
	lm.stopFlusher()
	lm.flushMu.Lock()
	defer lm.flushMu.Unlock()
	var err error
	if lm.file != nil {
		err = multierr.Append(lm.writeOutLocked(true), lm.file.Close())
		lm.file = nil
	}
	err = multierr.Append(err, lm.closeReaders())
	lm.releaseGroup(flushmanager.ErrClosed)
	lm.logger.Info("LogManager closed", zap.Uint64("end_lsn", uint64(lm.nextLSN)))
	return err
}

// Abandon closes the log without writing buffered records, exactly as a
// process crash would leave it.
func (lm *LogManager) Abandon() error {
	lm.stopFlusher()
	lm.flushMu.Lock()
	defer lm.flushMu.Unlock()
	lm.appendMu.Lock()
	lm.buf = nil
	lm.rolls = nil
	lm.appendMu.Unlock()
	var err error
	if lm.file != nil {
		err = lm.file.Close()
		lm.file = nil
	}
	err = multierr.Append(err, lm.closeReaders())
	lm.releaseGroup(flushmanager.ErrClosed)
	return err
}

func (lm *LogManager) releaseGroup(err error) {
	lm.groupMu.Lock()
	g := lm.group
	lm.group = newFlushGroup()
	lm.groupClosed = true
	lm.groupMu.Unlock()
	g.err = err
	close(g.done)
}

func (lm *LogManager) closeReaders() error {
	lm.readMu.Lock()
	defer lm.readMu.Unlock()
	var err error
	for base, f := range lm.readers {
		err = multierr.Append(err, f.Close())
		delete(lm.readers, base)
	}
	return err
}
