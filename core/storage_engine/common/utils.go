// Package common holds file helpers shared by the storage engine's
// maintenance paths.
package common

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"syscall"

	"golang.org/x/time/rate"
)

// chunkSize: size of each read/write chunk. A multiple of every supported
// page size, so a chunk never splits a page.
const chunkSize = 4 * 1024 * 1024 // 4 MiB

var bufPool = sync.Pool{
	New: func() interface{} { return make([]byte, chunkSize) },
}

// LowerPriority raises the niceness of the calling process to 19 so a
// long copy yields to foreground work. Only command line tools should call
// it; an embedding process would be slowed down as a whole.
func LowerPriority() error {
	const niceness = 19
	if err := syscall.Setpriority(syscall.PRIO_PROCESS, 0, niceness); err != nil {
		return fmt.Errorf("setpriority failed: %w", err)
	}
	return nil
}

// CopyResult describes a finished copy.
type CopyResult struct {
	Bytes  int64
	SHA256 []byte
}

// CopyThrottled copies src from offset 0 until EOF into a new file at
// dstPath, at no more than rateBytesPerSec (zero means unlimited), and
// fsyncs it. Reads are chunk-aligned so a reader that excludes concurrent
// page writes per call yields whole pages.
func CopyThrottled(ctx context.Context, src io.ReaderAt, dstPath string, rateBytesPerSec int64) (CopyResult, error) {
	dst, err := os.OpenFile(dstPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return CopyResult{}, fmt.Errorf("open dst: %w", err)
	}
	res, err := copyInto(ctx, src, dst, rateBytesPerSec)
	if err == nil {
		if serr := dst.Sync(); serr != nil {
			err = fmt.Errorf("sync error: %w", serr)
		}
	}
	if cerr := dst.Close(); cerr != nil && err == nil {
		err = fmt.Errorf("close dst: %w", cerr)
	}
	if err != nil {
		return CopyResult{}, err
	}
	return res, nil
}

func copyInto(ctx context.Context, src io.ReaderAt, dst io.Writer, rateBytesPerSec int64) (CopyResult, error) {
	var limiter *rate.Limiter
	if rateBytesPerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(rateBytesPerSec), chunkSize) // burst = chunkSize
	}

	buf := bufPool.Get().([]byte)
	defer bufPool.Put(buf)
	sum := sha256.New()
	var off int64
	for {
		if err := ctx.Err(); err != nil {
			return CopyResult{}, err
		}
		n, rerr := src.ReadAt(buf[:chunkSize], off)
		if n > 0 {
			// throttle: wait until enough tokens available for n bytes
			if limiter != nil {
				if err := limiter.WaitN(ctx, n); err != nil {
					return CopyResult{}, fmt.Errorf("rate limiter error: %w", err)
				}
			}
			if _, err := dst.Write(buf[:n]); err != nil {
				return CopyResult{}, fmt.Errorf("write error: %w", err)
			}
			sum.Write(buf[:n])
			off += int64(n)
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				break
			}
			return CopyResult{}, fmt.Errorf("read error: %w", rerr)
		}
	}
	return CopyResult{Bytes: off, SHA256: sum.Sum(nil)}, nil
}

// CopyFilePrefix copies the first size bytes of srcPath to dstPath.
func CopyFilePrefix(ctx context.Context, srcPath, dstPath string, size, rateBytesPerSec int64) (CopyResult, error) {
	src, err := os.Open(srcPath)
	if err != nil {
		return CopyResult{}, fmt.Errorf("open src: %w", err)
	}
	defer src.Close()
	info, err := src.Stat()
	if err != nil {
		return CopyResult{}, fmt.Errorf("stat src: %w", err)
	}
	if info.Size() < size {
		return CopyResult{}, fmt.Errorf("src %s holds %d bytes, want %d", srcPath, info.Size(), size)
	}
	return CopyThrottled(ctx, io.NewSectionReader(src, 0, size), dstPath, rateBytesPerSec)
}

// FileSHA256 hashes a whole file.
func FileSHA256(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	sum := sha256.New()
	if _, err := io.Copy(sum, f); err != nil {
		return nil, err
	}
	return sum.Sum(nil), nil
}

// WriteFileAtomic replaces path with data through a synced temporary file
// and a rename.
func WriteFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		return err
	}
	return SyncDir(filepath.Dir(path))
}

// SyncDir fsyncs a directory so that entries created in it are durable.
func SyncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
