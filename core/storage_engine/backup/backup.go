// Package backup takes hot backups of a running engine.
//
// A full backup takes a checkpoint, copies the data file page by page
// while writes continue, then copies the log from the oldest record a
// restart at that checkpoint could read to the current end. The pages in the
// copy may be from any moment after the checkpoint; replaying the copied
// log from the checkpoint repairs them, exactly as restart recovery does
// after a crash. An incremental backup appends the log written since the
// previous backup to an existing backup directory.
//
// A backup directory has the layout of an engine directory: restoring is
// copying it to a fresh location (Restore) and opening that.
package backup

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	storageengine "github.com/sushant-115/gojostore/core/storage_engine"
	"github.com/sushant-115/gojostore/core/storage_engine/common"
	flushmanager "github.com/sushant-115/gojostore/core/write_engine/flush_manager"
	"github.com/sushant-115/gojostore/core/write_engine/wal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"
)

// ManifestFileName is the manifest inside a backup directory.
const ManifestFileName = "MANIFEST.yaml"

var (
	// ErrNotEmpty is returned when a full backup targets a directory that
	// already holds files.
	ErrNotEmpty = errors.New("backup directory is not empty")
	// ErrNoManifest is returned when a directory holds no backup.
	ErrNoManifest = errors.New("backup manifest not found")
	// ErrDigestMismatch is returned when a data file does not match the
	// digest recorded in its manifest.
	ErrDigestMismatch = errors.New("backup data file digest mismatch")
)

// Increment records one incremental backup.
type Increment struct {
	ID        string    `yaml:"id"`
	CreatedAt time.Time `yaml:"created_at"`
	FromLSN   uint64    `yaml:"from_lsn"`
	EndLSN    uint64    `yaml:"end_lsn"`
	Segments  []string  `yaml:"segments"`
	WALBytes  int64     `yaml:"wal_bytes"`
}

// Manifest describes a backup directory.
type Manifest struct {
	ID            string      `yaml:"id"`
	CreatedAt     time.Time   `yaml:"created_at"`
	SourceDir     string      `yaml:"source_dir"`
	PageSize      int         `yaml:"page_size"`
	CheckpointLSN uint64      `yaml:"checkpoint_lsn"`
	StartLSN      uint64      `yaml:"start_lsn"`
	EndLSN        uint64      `yaml:"end_lsn"`
	DataFile      string      `yaml:"data_file"`
	DataBytes     int64       `yaml:"data_bytes"`
	DataSHA256    string      `yaml:"data_sha256"`
	Segments      []string    `yaml:"segments"`
	WALBytes      int64       `yaml:"wal_bytes"`
	Increments    []Increment `yaml:"increments,omitempty"`
}

// Options tunes a backup.
type Options struct {
	// RateLimit caps the copy throughput in bytes per second; zero means
	// unlimited.
	RateLimit int64 `yaml:"rate_limit"`
}

type backuper struct {
	e      *storageengine.Engine
	opts   Options
	logger *zap.Logger
	bytes  metric.Int64Counter
}

func newBackuper(e *storageengine.Engine, opts Options) *backuper {
	return &backuper{e: e, opts: opts, logger: e.Logger().Named("backup"), bytes: e.Metrics().BackupBytesCounter}
}

// Full writes a complete backup of e into dir, which must be empty or not
// exist yet.
func Full(ctx context.Context, e *storageengine.Engine, dir string, opts Options) (*Manifest, error) {
	return newBackuper(e, opts).full(ctx, dir)
}

func (b *backuper) full(ctx context.Context, dir string) (*Manifest, error) {
	start := time.Now()
	if err := prepareDir(dir); err != nil {
		return nil, err
	}
	walDir := filepath.Join(dir, storageengine.WALDirName)
	if err := os.MkdirAll(walDir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: creating %s: %v", flushmanager.ErrIO, walDir, err)
	}

	lm := b.e.LogManager()
	// Transactions live at the checkpoint may need older records for
	// their rollback after a restore.
	from, release, err := b.e.RetainRecoveryLog()
	if err != nil {
		return nil, err
	}
	defer release()
	begin, err := b.e.Checkpoint(ctx)
	if err != nil {
		return nil, fmt.Errorf("backup checkpoint: %w", err)
	}

	// Sealed segments never change, so they are copied alongside the data
	// file. The tail is copied once the data file is done, so the copy
	// holds the log of every page image it contains.
	sealed, err := lm.SegmentsFrom(from)
	if err != nil {
		return nil, err
	}
	sealed = sealed[:len(sealed)-1]

	m := &Manifest{
		ID:            uuid.NewString(),
		CreatedAt:     start.UTC(),
		SourceDir:     b.e.Options().Dir,
		PageSize:      b.e.DiskManager().PageSize(),
		CheckpointLSN: uint64(begin),
		StartLSN:      uint64(from),
		DataFile:      storageengine.DataFileName,
	}
	copied := make(map[wal.LSN]int64)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		res, err := common.CopyThrottled(gctx, b.e.DiskManager().NewSnapshotReader(),
			filepath.Join(dir, storageengine.DataFileName), b.opts.RateLimit)
		if err != nil {
			return fmt.Errorf("copying data file: %w", err)
		}
		b.bytes.Add(gctx, res.Bytes, metric.WithAttributes(attribute.String("kind", "data")))
		m.DataBytes, m.DataSHA256 = res.Bytes, hex.EncodeToString(res.SHA256)
		return nil
	})
	g.Go(func() error {
		for _, seg := range sealed {
			if err := b.copySegment(gctx, walDir, seg); err != nil {
				return err
			}
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	for _, seg := range sealed {
		copied[seg.Base] = seg.Size
		m.Segments = append(m.Segments, filepath.Base(seg.Path))
		m.WALBytes += seg.Size
	}

	tail, err := lm.SegmentsFrom(from)
	if err != nil {
		return nil, err
	}
	for _, seg := range tail {
		if size, ok := copied[seg.Base]; ok && size == seg.Size {
			continue
		}
		if err := b.copySegment(ctx, walDir, seg); err != nil {
			return nil, err
		}
		if _, ok := copied[seg.Base]; !ok {
			m.Segments = append(m.Segments, filepath.Base(seg.Path))
		}
		m.WALBytes += seg.Size - copied[seg.Base]
		copied[seg.Base] = seg.Size
	}
	last := tail[len(tail)-1]
	m.EndLSN = uint64(last.Base) + uint64(last.Size)

	if err := wal.WriteMaster(walDir, begin); err != nil {
		return nil, err
	}
	if err := writeManifest(dir, m); err != nil {
		return nil, err
	}
	b.logger.Info("Full backup complete",
		zap.String("id", m.ID),
		zap.String("dir", dir),
		zap.Uint64("checkpoint_lsn", m.CheckpointLSN),
		zap.Uint64("end_lsn", m.EndLSN),
		zap.Int64("data_bytes", m.DataBytes),
		zap.Int64("wal_bytes", m.WALBytes),
		zap.Duration("took", time.Since(start)))
	return m, nil
}

// Incremental appends to the backup in dir the log written since that
// backup last ran. It fails with ErrLSNTruncated when the engine no longer
// holds that log; a new full backup is needed then.
func Incremental(ctx context.Context, e *storageengine.Engine, dir string, opts Options) (*Manifest, error) {
	return newBackuper(e, opts).incremental(ctx, dir)
}

func (b *backuper) incremental(ctx context.Context, dir string) (*Manifest, error) {
	start := time.Now()
	m, err := ReadManifest(dir)
	if err != nil {
		return nil, err
	}
	if ps := b.e.DiskManager().PageSize(); ps != m.PageSize {
		return nil, fmt.Errorf("%w: backup has %d-byte pages, engine %d", flushmanager.ErrPageSizeMismatch, m.PageSize, ps)
	}
	from := wal.LSN(m.EndLSN)
	release, err := b.e.RetainLog(from)
	if err != nil {
		return nil, err
	}
	defer release()

	walDir := filepath.Join(dir, storageengine.WALDirName)
	inc := Increment{ID: uuid.NewString(), CreatedAt: start.UTC(), FromLSN: m.EndLSN, EndLSN: m.EndLSN}
	var segs []wal.SegmentInfo
	if b.e.LogManager().CurrentLSN() > from {
		if segs, err = b.e.LogManager().SegmentsFrom(from); err != nil {
			return nil, err
		}
	}
	known := make(map[string]bool, len(m.Segments))
	for _, name := range m.Segments {
		known[name] = true
	}
	for _, seg := range segs {
		// The first segment may be the one the previous run copied in
		// part; it is copied again whole.
		if err := b.copySegment(ctx, walDir, seg); err != nil {
			return nil, err
		}
		name := filepath.Base(seg.Path)
		inc.Segments = append(inc.Segments, name)
		if !known[name] {
			m.Segments = append(m.Segments, name)
		}
		inc.WALBytes += seg.Size
	}
	if len(segs) > 0 {
		last := segs[len(segs)-1]
		inc.EndLSN = uint64(last.Base) + uint64(last.Size)
	}
	m.EndLSN = inc.EndLSN
	m.WALBytes += int64(inc.EndLSN - inc.FromLSN)
	m.Increments = append(m.Increments, inc)
	if err := writeManifest(dir, m); err != nil {
		return nil, err
	}
	b.logger.Info("Incremental backup complete",
		zap.String("id", inc.ID),
		zap.String("dir", dir),
		zap.Uint64("from_lsn", inc.FromLSN),
		zap.Uint64("end_lsn", inc.EndLSN),
		zap.Int("segments", len(inc.Segments)),
		zap.Duration("took", time.Since(start)))
	return m, nil
}

func (b *backuper) copySegment(ctx context.Context, walDir string, seg wal.SegmentInfo) error {
	res, err := common.CopyFilePrefix(ctx, seg.Path, filepath.Join(walDir, filepath.Base(seg.Path)), seg.Size, b.opts.RateLimit)
	if err != nil {
		return fmt.Errorf("copying log segment %s: %w", seg.Path, err)
	}
	b.bytes.Add(ctx, res.Bytes, metric.WithAttributes(attribute.String("kind", "wal")))
	return nil
}

// prepareDir creates dir or checks that it is empty.
func prepareDir(dir string) error {
	entries, err := os.ReadDir(dir)
	switch {
	case errors.Is(err, os.ErrNotExist):
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("%w: creating %s: %v", flushmanager.ErrIO, dir, err)
		}
		return nil
	case err != nil:
		return fmt.Errorf("%w: reading %s: %v", flushmanager.ErrIO, dir, err)
	case len(entries) > 0:
		return fmt.Errorf("%w: %s", ErrNotEmpty, dir)
	}
	return nil
}

// ReadManifest loads the manifest of the backup in dir.
func ReadManifest(dir string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, ManifestFileName))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w in %s", ErrNoManifest, dir)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: reading manifest: %v", flushmanager.ErrIO, err)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", ManifestFileName, err)
	}
	return &m, nil
}

func writeManifest(dir string, m *Manifest) error {
	data, err := yaml.Marshal(m)
	if err != nil {
		return fmt.Errorf("encoding manifest: %w", err)
	}
	if err := common.WriteFileAtomic(filepath.Join(dir, ManifestFileName), data); err != nil {
		return fmt.Errorf("%w: writing manifest: %v", flushmanager.ErrIO, err)
	}
	return nil
}
