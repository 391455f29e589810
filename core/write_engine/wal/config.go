package wal

import (
	"fmt"
	"strings"
	"time"

	flushmanager "github.com/sushant-115/gojostore/core/write_engine/flush_manager"
)

// Durability selects when a commit is acknowledged relative to fsync.
type Durability int

const (
	// DurabilitySync fsyncs before every commit returns. Concurrent commits
	// share one fsync.
	DurabilitySync Durability = iota
	// DurabilityGroup parks commits until the group flusher fsyncs a batch.
	DurabilityGroup
	// DurabilityDeferred acknowledges commits immediately; the background
	// flusher bounds the loss window by time and by unflushed bytes.
	DurabilityDeferred
)

func (d Durability) String() string {
	switch d {
	case DurabilitySync:
		return "sync"
	case DurabilityGroup:
		return "group"
	case DurabilityDeferred:
		return "deferred"
	default:
		return fmt.Sprintf("durability(%d)", int(d))
	}
}

// ParseDurability maps a config string to a Durability.
func ParseDurability(s string) (Durability, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "sync", "synchronous":
		return DurabilitySync, nil
	case "group", "grouped":
		return DurabilityGroup, nil
	case "deferred", "async":
		return DurabilityDeferred, nil
	default:
		return DurabilitySync, fmt.Errorf("%w: unknown durability %q", flushmanager.ErrInvalidConfig, s)
	}
}

// Config holds the WAL settings.
type Config struct {
	// Dir holds the active segments and the checkpoint master record.
	Dir string `yaml:"dir"`
	// ArchiveDir receives segments dropped by TruncateBefore. Empty means delete.
	ArchiveDir string `yaml:"archive_dir"`
	// SegmentSize is the size at which a new segment file is started.
	SegmentSize int64 `yaml:"segment_size"`
	// BufferSize is how many bytes may sit in memory before they are
	// written to the segment file (not fsynced).
	BufferSize int `yaml:"buffer_size"`
	// Durability is one of "sync", "group" or "deferred".
	Durability string `yaml:"durability"`
	// GroupCommitInterval is the batching window of group commit.
	GroupCommitInterval time.Duration `yaml:"group_commit_interval"`
	// DeferredFlushInterval bounds, in time, what deferred mode can lose.
	DeferredFlushInterval time.Duration `yaml:"deferred_flush_interval"`
	// DeferredFlushBytes bounds, in bytes, what deferred mode can lose.
	DeferredFlushBytes int `yaml:"deferred_flush_bytes"`
}

const (
	DefaultSegmentSize           = 64 << 20
	DefaultBufferSize            = 256 << 10
	DefaultGroupCommitInterval   = 2 * time.Millisecond
	DefaultDeferredFlushInterval = 100 * time.Millisecond
	DefaultDeferredFlushBytes    = 1 << 20
)

// DefaultConfig returns the defaults for a log in dir.
func DefaultConfig(dir string) Config {
	return Config{
		Dir:                   dir,
		SegmentSize:           DefaultSegmentSize,
		BufferSize:            DefaultBufferSize,
		Durability:            "sync",
		GroupCommitInterval:   DefaultGroupCommitInterval,
		DeferredFlushInterval: DefaultDeferredFlushInterval,
		DeferredFlushBytes:    DefaultDeferredFlushBytes,
	}
}

func (c *Config) withDefaults() {
	if c.SegmentSize <= 0 {
		c.SegmentSize = DefaultSegmentSize
	}
	if c.BufferSize <= 0 {
		c.BufferSize = DefaultBufferSize
	}
	if c.GroupCommitInterval <= 0 {
		c.GroupCommitInterval = DefaultGroupCommitInterval
	}
	if c.DeferredFlushInterval <= 0 {
		c.DeferredFlushInterval = DefaultDeferredFlushInterval
	}
	if c.DeferredFlushBytes <= 0 {
		c.DeferredFlushBytes = DefaultDeferredFlushBytes
	}
}

func (c *Config) validate() error {
	if c.Dir == "" {
		return fmt.Errorf("%w: wal dir must be set", flushmanager.ErrInvalidConfig)
	}
	if c.SegmentSize < 4096 {
		return fmt.Errorf("%w: segment size %d is below 4096", flushmanager.ErrInvalidConfig, c.SegmentSize)
	}
	return nil
}
