package backup

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	storageengine "github.com/sushant-115/gojostore/core/storage_engine"
	"github.com/sushant-115/gojostore/core/storage_engine/common"
	flushmanager "github.com/sushant-115/gojostore/core/write_engine/flush_manager"
	"github.com/sushant-115/gojostore/core/write_engine/wal"
	"go.uber.org/zap"
)

// Verify checks a backup without opening it: the data file must match its
// digest and the listed log segments must be present and cover the range
// from the start LSN to the end LSN without gaps.
func Verify(dir string) (*Manifest, error) {
	m, err := ReadManifest(dir)
	if err != nil {
		return nil, err
	}
	sum, err := common.FileSHA256(filepath.Join(dir, m.DataFile))
	if err != nil {
		return nil, fmt.Errorf("%w: hashing data file: %v", flushmanager.ErrIO, err)
	}
	if got := hex.EncodeToString(sum); got != m.DataSHA256 {
		return nil, fmt.Errorf("%w: %s has %s, manifest %s", ErrDigestMismatch, m.DataFile, got, m.DataSHA256)
	}

	walDir := filepath.Join(dir, storageengine.WALDirName)
	var next wal.LSN
	for i, name := range m.Segments {
		base, err := segmentBase(name)
		if err != nil {
			return nil, err
		}
		info, err := os.Stat(filepath.Join(walDir, name))
		if err != nil {
			return nil, fmt.Errorf("%w: log segment %s: %v", flushmanager.ErrLSNTruncated, name, err)
		}
		if i == 0 && base > wal.LSN(m.StartLSN) {
			return nil, fmt.Errorf("%w: first segment starts at %d, after start lsn %d", flushmanager.ErrLSNTruncated, base, m.StartLSN)
		}
		if i > 0 && base != next {
			return nil, fmt.Errorf("%w: gap before segment %s (expected lsn %d)", flushmanager.ErrLSNTruncated, name, next)
		}
		next = base + wal.LSN(info.Size())
	}
	if next < wal.LSN(m.EndLSN) {
		return nil, fmt.Errorf("%w: log ends at %d, manifest says %d", flushmanager.ErrLSNTruncated, next, m.EndLSN)
	}
	return m, nil
}

// segmentBase parses the base LSN out of a segment file name.
func segmentBase(name string) (wal.LSN, error) {
	digits := strings.TrimSuffix(strings.TrimPrefix(name, "wal-"), ".log")
	base, err := strconv.ParseUint(digits, 10, 64)
	if err != nil || digits == name {
		return wal.InvalidLSN, fmt.Errorf("unexpected log segment name %q", name)
	}
	return wal.LSN(base), nil
}

// Restore verifies the backup in dir and copies it into target, which
// must be empty or not exist. Opening target as an engine directory
// replays the copied log and rolls back what was in flight when the backup
// ended. The backup itself is left untouched, so later incremental backups
// can still be applied to it.
func Restore(ctx context.Context, dir, target string, opts Options, logger *zap.Logger) (*Manifest, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	m, err := Verify(dir)
	if err != nil {
		return nil, err
	}
	if err := prepareDir(target); err != nil {
		return nil, err
	}
	targetWAL := filepath.Join(target, storageengine.WALDirName)
	if err := os.MkdirAll(targetWAL, 0o755); err != nil {
		return nil, fmt.Errorf("%w: creating %s: %v", flushmanager.ErrIO, targetWAL, err)
	}

	src, err := os.Open(filepath.Join(dir, m.DataFile))
	if err != nil {
		return nil, fmt.Errorf("%w: opening backup data file: %v", flushmanager.ErrIO, err)
	}
	res, err := common.CopyThrottled(ctx, src, filepath.Join(target, storageengine.DataFileName), opts.RateLimit)
	src.Close()
	if err != nil {
		return nil, fmt.Errorf("restoring data file: %w", err)
	}
	if got := hex.EncodeToString(res.SHA256); got != m.DataSHA256 {
		return nil, fmt.Errorf("%w: restored copy has %s", ErrDigestMismatch, got)
	}

	for _, name := range m.Segments {
		srcPath := filepath.Join(dir, storageengine.WALDirName, name)
		info, err := os.Stat(srcPath)
		if err != nil {
			return nil, fmt.Errorf("%w: log segment %s: %v", flushmanager.ErrIO, name, err)
		}
		if _, err := common.CopyFilePrefix(ctx, srcPath, filepath.Join(targetWAL, name), info.Size(), opts.RateLimit); err != nil {
			return nil, fmt.Errorf("restoring log segment %s: %w", name, err)
		}
	}
	if err := wal.WriteMaster(targetWAL, wal.LSN(m.CheckpointLSN)); err != nil {
		return nil, err
	}
	if err := common.SyncDir(target); err != nil {
		return nil, fmt.Errorf("%w: syncing %s: %v", flushmanager.ErrIO, target, err)
	}
	logger.Named("backup").Info("Backup restored",
		zap.String("id", m.ID),
		zap.String("from", dir),
		zap.String("to", target),
		zap.Uint64("end_lsn", m.EndLSN),
		zap.Int("segments", len(m.Segments)))
	return m, nil
}
