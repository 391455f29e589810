package memtable

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/hashicorp/golang-lru/v2/simplelru"
	flushmanager "github.com/sushant-115/gojostore/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/gojostore/core/write_engine/page_manager"
	"github.com/sushant-115/gojostore/core/write_engine/wal"
	internaltelemetry "github.com/sushant-115/gojostore/internal/telemetry"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Config holds the buffer pool settings.
type Config struct {
	// Frames is the total number of page frames.
	Frames int `yaml:"frames"`
	// Shards splits the pool into independently locked partitions.
	Shards int `yaml:"shards"`
	// NonBlocking makes a fetch fail with ErrBufferPoolFull instead of
	// waiting when every frame of a shard is pinned.
	NonBlocking bool `yaml:"non_blocking"`
	// FetchTimeout bounds how long a blocking fetch waits for a frame.
	FetchTimeout time.Duration `yaml:"fetch_timeout"`
}

const (
	DefaultFrames       = 1024
	DefaultShards       = 16
	DefaultFetchTimeout = 5 * time.Second
)

// DefaultConfig returns the default buffer pool settings.
func DefaultConfig() Config {
	return Config{Frames: DefaultFrames, Shards: DefaultShards, FetchTimeout: DefaultFetchTimeout}
}

func (c *Config) withDefaults() {
	if c.Frames <= 0 {
		c.Frames = DefaultFrames
	}
	if c.Shards <= 0 {
		c.Shards = DefaultShards
	}
	if c.Shards > c.Frames {
		c.Shards = c.Frames
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = DefaultFetchTimeout
	}
}

// shard owns a slice of the frames. Every field is guarded by mu.
type shard struct {
	mu        sync.Mutex
	pageTable map[pagemanager.PageID]*pagemanager.Page
	free      []*pagemanager.Page
	// lru holds the resident, unpinned, healthy frames: exactly the
	// eviction candidates.
	lru *simplelru.LRU[pagemanager.PageID, *pagemanager.Page]
	// unpinned is closed (and replaced) whenever a frame becomes evictable.
	unpinned chan struct{}
}

// Stats is a snapshot of buffer pool counters.
type Stats struct {
	Frames    int
	Resident  int
	Pinned    int
	Dirty     int
	Poisoned  int
	Hits      uint64
	Misses    uint64
	Evictions uint64
	Flushes   uint64
	Waits     uint64
}

// BufferPoolManager manages in-memory pages (frames) and interacts with the DiskManager.
// Frames are partitioned into shards by a hash of the page id; each shard
// evicts its least recently unpinned frame.
type BufferPoolManager struct {
	cfg         Config
	diskManager *flushmanager.DiskManager
	logManager  *wal.LogManager
	pageSize    int
	shards      []*shard
	logger      *zap.Logger
	metrics     *internaltelemetry.StorageMetrics

	hits, misses, evictions, flushes, waits atomic.Uint64
}

// NewBufferPoolManager creates and initializes a new BufferPoolManager.
func NewBufferPoolManager(cfg Config, diskManager *flushmanager.DiskManager, logManager *wal.LogManager,
	logger *zap.Logger, metrics *internaltelemetry.StorageMetrics) (*BufferPoolManager, error) {
	if diskManager == nil {
		return nil, fmt.Errorf("%w: buffer pool needs a disk manager", flushmanager.ErrInvalidConfig)
	}
	cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = internaltelemetry.NoopStorageMetrics()
	}
	bpm := &BufferPoolManager{
		cfg:         cfg,
		diskManager: diskManager,
		logManager:  logManager,
		pageSize:    diskManager.PageSize(),
		shards:      make([]*shard, cfg.Shards),
		logger:      logger.Named("buffer_pool"),
		metrics:     metrics,
	}
	perShard := cfg.Frames / cfg.Shards
	extra := cfg.Frames % cfg.Shards
	for i := range bpm.shards {
		n := perShard
		if i < extra {
			n++
		}
		lru, err := simplelru.NewLRU[pagemanager.PageID, *pagemanager.Page](n, nil)
		if err != nil {
			return nil, err
		}
		s := &shard{
			pageTable: make(map[pagemanager.PageID]*pagemanager.Page, n),
			free:      make([]*pagemanager.Page, 0, n),
			lru:       lru,
			unpinned:  make(chan struct{}),
		}
		for j := 0; j < n; j++ {
			s.free = append(s.free, pagemanager.NewPage(pagemanager.InvalidPageID, bpm.pageSize))
		}
		bpm.shards[i] = s
	}
	bpm.logger.Info("BufferPoolManager initialized",
		zap.Int("frames", cfg.Frames),
		zap.Int("shards", cfg.Shards),
		zap.Int("page_size", bpm.pageSize),
		zap.Bool("non_blocking", cfg.NonBlocking))
	return bpm, nil
}

func (bpm *BufferPoolManager) shardFor(pageID pagemanager.PageID) *shard {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(pageID))
	return bpm.shards[xxhash.Sum64(b[:])%uint64(len(bpm.shards))]
}

// FetchPage retrieves a page from the buffer pool. If not present, it fetches from disk.
// The returned page is pinned; callers latch it themselves and must UnpinPage it.
func (bpm *BufferPoolManager) FetchPage(pageID pagemanager.PageID) (*pagemanager.Page, error) {
	return bpm.fetch(pageID, true)
}

// fetch pins pageID, loading it from disk when read is set and otherwise
// handing out a zeroed frame for a page that has never been written.
func (bpm *BufferPoolManager) fetch(pageID pagemanager.PageID, read bool) (*pagemanager.Page, error) {
	s := bpm.shardFor(pageID)
	ctx := context.Background()
	var deadline time.Time

	s.mu.Lock()
	for {
		if page, ok := s.pageTable[pageID]; ok {
			if err := page.Poisoned(); err != nil {
				s.mu.Unlock()
				return nil, &flushmanager.CorruptionError{Op: "fetch page", PageID: uint64(pageID),
					Err: fmt.Errorf("%w: %v", flushmanager.ErrPagePoisoned, err)}
			}
			if page.GetPinCount() == 0 {
				s.lru.Remove(pageID)
			}
			page.Pin()
			s.mu.Unlock()
			bpm.hits.Add(1)
			bpm.metrics.PageHitsCounter.Add(ctx, 1)
			return page, nil
		}

		frame, err := bpm.victimLocked(s)
		if err != nil {
			s.mu.Unlock()
			return nil, err
		}
		if frame != nil {
			// Writing a victim back releases s.mu, so pageID may have been
			// loaded meanwhile.
			if _, ok := s.pageTable[pageID]; ok {
				frame.Reset()
				s.free = append(s.free, frame)
				continue
			}
			return bpm.loadLocked(s, frame, pageID, read)
		}

		// Every frame of the shard is pinned.
		if bpm.cfg.NonBlocking {
			s.mu.Unlock()
			return nil, fmt.Errorf("%w: fetching page %d", flushmanager.ErrBufferPoolFull, pageID)
		}
		if deadline.IsZero() {
			deadline = time.Now().Add(bpm.cfg.FetchTimeout)
			bpm.waits.Add(1)
			bpm.metrics.PoolWaitsCounter.Add(ctx, 1)
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			s.mu.Unlock()
			return nil, fmt.Errorf("%w: no frame freed within %s for page %d",
				flushmanager.ErrBufferPoolFull, bpm.cfg.FetchTimeout, pageID)
		}
		wait := s.unpinned
		s.mu.Unlock()
		timer := time.NewTimer(remaining)
		select {
		case <-wait:
		case <-timer.C:
		}
		timer.Stop()
		s.mu.Lock()
	}
}

// loadLocked installs pageID in frame and releases the shard mutex.
func (bpm *BufferPoolManager) loadLocked(s *shard, frame *pagemanager.Page, pageID pagemanager.PageID, read bool) (*pagemanager.Page, error) {
	defer s.mu.Unlock()
	frame.Reset()
	if read {
		if err := bpm.diskManager.ReadPage(pageID, frame.GetData()); err != nil {
			frame.Reset()
			s.free = append(s.free, frame)
			return nil, fmt.Errorf("failed to read page %d from disk: %w", pageID, err)
		}
		bpm.misses.Add(1)
		bpm.metrics.PageMissesCounter.Add(context.Background(), 1)
	}
	frame.SetPageID(pageID)
	frame.LoadLSN()
	frame.SetPinCount(1)
	s.pageTable[pageID] = frame
	return frame, nil
}

// victimLocked returns a frame that may be reused, writing it back first
// when it is dirty. It returns nil without error when every frame is
// pinned. Callers hold s.mu; it is released while a victim is written.
func (bpm *BufferPoolManager) victimLocked(s *shard) (*pagemanager.Page, error) {
	for {
		if n := len(s.free); n > 0 {
			frame := s.free[n-1]
			s.free = s.free[:n-1]
			return frame, nil
		}
		id, victim, ok := s.lru.RemoveOldest()
		if !ok {
			return nil, nil
		}
		if victim.IsDirty() {
			evictable, err := bpm.cleanVictimLocked(s, victim)
			if err != nil {
				return nil, err
			}
			if !evictable {
				continue
			}
		}
		delete(s.pageTable, id)
		bpm.evictions.Add(1)
		bpm.metrics.PageEvictionsCounter.Add(context.Background(), 1)
		return victim, nil
	}
}

// cleanVictimLocked writes a dirty victim back with s.mu released. The
// victim stays pinned meanwhile so nothing else evicts it, while fetches of
// it still hit. It is evictable only if it came back clean and unpinned.
func (bpm *BufferPoolManager) cleanVictimLocked(s *shard, victim *pagemanager.Page) (evictable bool, err error) {
	victim.Pin()
	s.mu.Unlock()

	victim.RLock()
	snapshot := make([]byte, bpm.pageSize)
	copy(snapshot, victim.GetData())
	lsn := victim.GetLSN()
	s.mu.Lock()
	recLSN := victim.GetRecLSN()
	victim.SetDirty(false)
	victim.SetRecLSN(pagemanager.InvalidLSN)
	s.mu.Unlock()
	victim.RUnlock()

	poisoned, err := bpm.writeBack(victim, snapshot, lsn)

	s.mu.Lock()
	victim.Unpin()
	if err != nil {
		if poisoned {
			// The frame stays resident with its dirty contents.
			victim.Poison(err)
			err = nil
		}
		if !victim.IsDirty() || victim.GetRecLSN() > recLSN {
			victim.SetRecLSN(recLSN)
		}
		victim.SetDirty(true)
	}
	if victim.GetPinCount() == 0 && !victim.IsDirty() {
		return true, nil
	}
	if victim.GetPinCount() == 0 {
		s.makeEvictable(victim)
	}
	return false, err
}

// writeBack forces the log up to lsn and writes data as page p. poisoned
// reports a failed data write, after which the caller must poison the
// frame; a failed log flush does not poison, the log being fail-stop on
// its own.
func (bpm *BufferPoolManager) writeBack(p *pagemanager.Page, data []byte, lsn pagemanager.LSN) (poisoned bool, err error) {
	if bpm.logManager != nil && lsn != pagemanager.InvalidLSN {
		if err := bpm.logManager.FlushTo(lsn); err != nil {
			bpm.logger.Error("Failed to flush log before writing page",
				zap.Uint64("page_id", uint64(p.GetPageID())), zap.Uint64("lsn", uint64(lsn)), zap.Error(err))
			return false, fmt.Errorf("failed to flush log for page %d: %w", p.GetPageID(), err)
		}
	}
	if err := bpm.diskManager.WritePage(p.GetPageID(), data); err != nil {
		bpm.logger.Error("Page write failed; frame poisoned",
			zap.Uint64("page_id", uint64(p.GetPageID())), zap.Error(err))
		return true, &flushmanager.CorruptionError{Op: "write page", PageID: uint64(p.GetPageID()), LSN: uint64(lsn),
			Err: fmt.Errorf("%w: %v", flushmanager.ErrPagePoisoned, err)}
	}
	bpm.flushes.Add(1)
	bpm.metrics.PageFlushesCounter.Add(context.Background(), 1)
	return false, nil
}

// UnpinPage decrements the pin count for a page. If isDirty is true, it marks the page as dirty.
// Pages modified under a log record should be marked with MarkDirty instead,
// which also records the recovery LSN.
func (bpm *BufferPoolManager) UnpinPage(pageID pagemanager.PageID, isDirty bool) error {
	s := bpm.shardFor(pageID)
	s.mu.Lock()
	defer s.mu.Unlock()
	page, ok := s.pageTable[pageID]
	if !ok {
		return fmt.Errorf("page %d not found in buffer pool to unpin", pageID)
	}
	if page.GetPinCount() == 0 {
		bpm.logger.Warn("Attempted to unpin page with pin count 0", zap.Uint64("page_id", uint64(pageID)))
		return fmt.Errorf("cannot unpin page %d with pin count 0", pageID)
	}
	if isDirty && !page.IsDirty() {
		page.SetDirty(true)
	}
	page.Unpin()
	if page.GetPinCount() == 0 {
		s.makeEvictable(page)
	}
	return nil
}

// makeEvictable puts an unpinned frame back on the LRU list and wakes the
// fetches waiting for a frame. Poisoned frames are never evicted. Callers
// hold s.mu.
func (s *shard) makeEvictable(p *pagemanager.Page) {
	if p.Poisoned() != nil {
		return
	}
	s.lru.Add(p.GetPageID(), p)
	close(s.unpinned)
	s.unpinned = make(chan struct{})
}

// MarkDirty records that p was modified by the log record at lsn. The
// caller holds p pinned and exclusively latched.
func (bpm *BufferPoolManager) MarkDirty(p *pagemanager.Page, lsn pagemanager.LSN) {
	s := bpm.shardFor(p.GetPageID())
	s.mu.Lock()
	if !p.IsDirty() {
		p.SetDirty(true)
		p.SetRecLSN(lsn)
	}
	s.mu.Unlock()
}

// FlushPage writes a page to disk if it is dirty, after forcing the log up
// to the page LSN. Modifications made while the write is in flight keep the
// page dirty.
func (bpm *BufferPoolManager) FlushPage(pageID pagemanager.PageID) error {
	s := bpm.shardFor(pageID)
	s.mu.Lock()
	page, ok := s.pageTable[pageID]
	if !ok || !page.IsDirty() {
		s.mu.Unlock()
		return nil
	}
	if err := page.Poisoned(); err != nil {
		s.mu.Unlock()
		return &flushmanager.CorruptionError{Op: "flush page", PageID: uint64(pageID),
			Err: fmt.Errorf("%w: %v", flushmanager.ErrPagePoisoned, err)}
	}
	if page.GetPinCount() == 0 {
		s.lru.Remove(pageID)
	}
	page.Pin()
	s.mu.Unlock()

	page.RLock()
	snapshot := make([]byte, bpm.pageSize)
	copy(snapshot, page.GetData())
	lsn := page.GetLSN()
	s.mu.Lock()
	recLSN := page.GetRecLSN()
	page.SetDirty(false)
	page.SetRecLSN(pagemanager.InvalidLSN)
	s.mu.Unlock()
	page.RUnlock()

	poisoned, err := bpm.writeBack(page, snapshot, lsn)
	if err != nil {
		s.mu.Lock()
		if poisoned {
			page.Poison(err)
		}
		if !page.IsDirty() || page.GetRecLSN() > recLSN {
			page.SetRecLSN(recLSN)
		}
		page.SetDirty(true)
		s.mu.Unlock()
	}
	return multierr.Append(err, bpm.UnpinPage(pageID, false))
}

// FlushAllPages flushes all dirty pages in the buffer pool to disk and
// fsyncs the data file. Shards are flushed concurrently.
func (bpm *BufferPoolManager) FlushAllPages() error {
	if bpm.logManager != nil {
		if err := bpm.logManager.Sync(); err != nil {
			return err
		}
	}
	var g errgroup.Group
	for _, s := range bpm.shards {
		s := s
		g.Go(func() error {
			s.mu.Lock()
			dirty := make([]pagemanager.PageID, 0, len(s.pageTable))
			for id, p := range s.pageTable {
				if p.IsDirty() {
					dirty = append(dirty, id)
				}
			}
			s.mu.Unlock()
			for _, id := range dirty {
				if err := bpm.FlushPage(id); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return bpm.diskManager.Sync()
}

// DirtyPages returns the dirty page table: every dirty frame with the LSN
// that first dirtied it.
func (bpm *BufferPoolManager) DirtyPages() []wal.DirtyPage {
	var out []wal.DirtyPage
	for _, s := range bpm.shards {
		s.mu.Lock()
		for id, p := range s.pageTable {
			if p.IsDirty() {
				out = append(out, wal.DirtyPage{PageID: id, RecLSN: p.GetRecLSN()})
			}
		}
		s.mu.Unlock()
	}
	return out
}

// Stats returns a snapshot of the pool counters.
func (bpm *BufferPoolManager) Stats() Stats {
	st := Stats{
		Frames:    bpm.cfg.Frames,
		Hits:      bpm.hits.Load(),
		Misses:    bpm.misses.Load(),
		Evictions: bpm.evictions.Load(),
		Flushes:   bpm.flushes.Load(),
		Waits:     bpm.waits.Load(),
	}
	for _, s := range bpm.shards {
		s.mu.Lock()
		st.Resident += len(s.pageTable)
		for _, p := range s.pageTable {
			if p.GetPinCount() > 0 {
				st.Pinned++
			}
			if p.IsDirty() {
				st.Dirty++
			}
			if p.Poisoned() != nil {
				st.Poisoned++
			}
		}
		s.mu.Unlock()
	}
	return st
}

// Discard drops every frame without writing anything back, leaving the
// data file exactly as a crash would.
func (bpm *BufferPoolManager) Discard() {
	for _, s := range bpm.shards {
		s.mu.Lock()
		for id, p := range s.pageTable {
			delete(s.pageTable, id)
			s.lru.Remove(id)
			p.Reset()
			s.free = append(s.free, p)
		}
		s.mu.Unlock()
	}
}

func (bpm *BufferPoolManager) logEnd() pagemanager.LSN {
	if bpm.logManager == nil {
		return pagemanager.InvalidLSN
	}
	return bpm.logManager.CurrentLSN()
}

func (bpm *BufferPoolManager) GetPageSize() int { return bpm.pageSize }

func (bpm *BufferPoolManager) DiskManager() *flushmanager.DiskManager { return bpm.diskManager }
