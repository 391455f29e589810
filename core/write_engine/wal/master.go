package wal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"

	flushmanager "github.com/sushant-115/gojostore/core/write_engine/flush_manager"
)

// MasterFileName is the file holding the begin LSN of the last complete
// checkpoint.
const MasterFileName = "CHECKPOINT"

const masterSize = 12

// WriteMaster atomically records lsn as the last complete checkpoint in dir.
func WriteMaster(dir string, lsn LSN) error {
	buf := make([]byte, 0, masterSize)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(lsn))
	buf = binary.LittleEndian.AppendUint32(buf, crc32.Checksum(buf, crcTable))

	tmp := filepath.Join(dir, MasterFileName+".tmp")
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("%w: creating %s: %v", flushmanager.ErrIO, tmp, err)
	}
	if _, err := f.Write(buf); err != nil {
		f.Close()
		return fmt.Errorf("%w: writing %s: %v", flushmanager.ErrIO, tmp, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("%w: syncing %s: %v", flushmanager.ErrIO, tmp, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("%w: closing %s: %v", flushmanager.ErrIO, tmp, err)
	}
	if err := os.Rename(tmp, filepath.Join(dir, MasterFileName)); err != nil {
		return fmt.Errorf("%w: installing master record: %v", flushmanager.ErrIO, err)
	}
	return syncDir(dir)
}

// ReadMaster returns the recorded checkpoint LSN. ok is false when no
// checkpoint has completed yet.
func ReadMaster(dir string) (lsn LSN, ok bool, err error) {
	data, err := os.ReadFile(filepath.Join(dir, MasterFileName))
	if errors.Is(err, os.ErrNotExist) {
		return InvalidLSN, false, nil
	}
	if err != nil {
		return InvalidLSN, false, fmt.Errorf("%w: reading master record: %v", flushmanager.ErrIO, err)
	}
	if len(data) != masterSize || crc32.Checksum(data[:8], crcTable) != binary.LittleEndian.Uint32(data[8:]) {
		return InvalidLSN, false, &flushmanager.CorruptionError{Op: "read master record",
			Err: fmt.Errorf("%w: master record damaged", flushmanager.ErrLogCorrupted)}
	}
	return LSN(binary.LittleEndian.Uint64(data[:8])), true, nil
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("%w: opening %s: %v", flushmanager.ErrIO, dir, err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("%w: syncing %s: %v", flushmanager.ErrIO, dir, err)
	}
	return nil
}
