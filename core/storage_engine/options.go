package storageengine

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/sushant-115/gojostore/core/indexing/btree"
	lockmanager "github.com/sushant-115/gojostore/core/transaction/lock_manager"
	flushmanager "github.com/sushant-115/gojostore/core/write_engine/flush_manager"
	"github.com/sushant-115/gojostore/core/write_engine/memtable"
	"github.com/sushant-115/gojostore/core/write_engine/wal"
)

const (
	// DataFileName is the data file inside the engine directory.
	DataFileName = "data.db"
	// WALDirName is the log directory inside the engine directory.
	WALDirName = "wal"

	DefaultPageSize           = 4096
	DefaultCheckpointInterval = time.Minute
	DefaultMaxRetries         = 8
)

// Options configures an Engine.
type Options struct {
	// Dir holds the data file and, unless WAL.Dir is set, the log.
	Dir string `yaml:"dir"`
	// PageSize is fixed when the data file is created.
	PageSize int `yaml:"page_size"`

	BufferPool memtable.Config    `yaml:"buffer_pool"`
	WAL        wal.Config         `yaml:"wal"`
	Tree       btree.Config       `yaml:"btree"`
	Locks      lockmanager.Config `yaml:"locks"`

	// CheckpointInterval is the period of the background checkpointer;
	// a negative value disables it.
	CheckpointInterval time.Duration `yaml:"checkpoint_interval"`
	// TruncateWAL drops (or archives) log segments no longer needed for
	// recovery after every checkpoint.
	TruncateWAL bool `yaml:"truncate_wal"`
	// MaxRetries bounds how often Update and View rerun a transaction that
	// lost a deadlock or timed out.
	MaxRetries int `yaml:"max_retries"`
}

// DefaultOptions returns the defaults for an engine in dir.
func DefaultOptions(dir string) Options {
	return Options{
		Dir:                dir,
		PageSize:           DefaultPageSize,
		BufferPool:         memtable.DefaultConfig(),
		WAL:                wal.DefaultConfig(filepath.Join(dir, WALDirName)),
		Tree:               btree.Config{MaxKeySize: btree.DefaultMaxKeySize, MaxValueSize: btree.DefaultMaxValueSize},
		Locks:              lockmanager.DefaultConfig(),
		CheckpointInterval: DefaultCheckpointInterval,
		MaxRetries:         DefaultMaxRetries,
	}
}

// withDefaults fills zero values. The log directory follows Dir unless set.
func (o Options) withDefaults() Options {
	if o.PageSize == 0 {
		o.PageSize = DefaultPageSize
	}
	if o.WAL.Dir == "" {
		o.WAL.Dir = filepath.Join(o.Dir, WALDirName)
	}
	if o.WAL.Durability == "" {
		o.WAL.Durability = wal.DurabilitySync.String()
	}
	if o.CheckpointInterval == 0 {
		o.CheckpointInterval = DefaultCheckpointInterval
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = DefaultMaxRetries
	}
	return o
}

// Validate reports the first invalid setting.
func (o Options) Validate() error {
	if o.Dir == "" {
		return fmt.Errorf("%w: engine dir must be set", flushmanager.ErrInvalidConfig)
	}
	if o.PageSize < 512 || o.PageSize&(o.PageSize-1) != 0 {
		return fmt.Errorf("%w: page size %d must be a power of two of at least 512", flushmanager.ErrInvalidConfig, o.PageSize)
	}
	if _, err := wal.ParseDurability(o.WAL.Durability); err != nil {
		return err
	}
	if o.Tree.Order != 0 {
		limit := btree.MaxOrder(o.PageSize, nonZero(o.Tree.MaxKeySize, btree.DefaultMaxKeySize), nonZero(o.Tree.MaxValueSize, btree.DefaultMaxValueSize))
		if o.Tree.Order < btree.MinOrder || o.Tree.Order > limit {
			return fmt.Errorf("%w: btree order %d outside [%d, %d] for %d-byte pages",
				flushmanager.ErrInvalidConfig, o.Tree.Order, btree.MinOrder, limit, o.PageSize)
		}
	}
	return nil
}

func nonZero(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}

// WithWALUnderDir places the log in the WALDirName directory of Dir.
func (o Options) WithWALUnderDir() Options {
	o.WAL.Dir = filepath.Join(o.Dir, WALDirName)
	return o
}

// DataPath returns the path of the data file.
func (o Options) DataPath() string { return filepath.Join(o.Dir, DataFileName) }
