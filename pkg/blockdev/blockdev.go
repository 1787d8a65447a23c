// Package blockdev provides positioned extent I/O against update targets:
// a direct block device (or image file) and a file-backed copy-on-write
// overlay used when the partition has no writable device path.
package blockdev

import (
	"fmt"
	"io"
	"os"

	"github.com/nimbleos/otad/pkg/errors"
)

// Extent is a contiguous run of blocks on a partition.
type Extent struct {
	StartBlock uint64 `json:"start_block"`
	NumBlocks  uint64 `json:"num_blocks"`
}

// Bytes returns the extent length in bytes for the given block size.
func (e Extent) Bytes(blockSize uint64) uint64 {
	return e.NumBlocks * blockSize
}

// End returns the first block past the extent.
func (e Extent) End() uint64 {
	return e.StartBlock + e.NumBlocks
}

// TotalBlocks sums the block counts of extents.
func TotalBlocks(extents []Extent) uint64 {
	var n uint64
	for _, e := range extents {
		n += e.NumBlocks
	}
	return n
}

// Coalesce merges adjacent extents into single runs. Used for batched
// writes so one positioned write covers what would otherwise be several.
func Coalesce(extents []Extent) []Extent {
	if len(extents) == 0 {
		return nil
	}
	out := []Extent{extents[0]}
	for _, e := range extents[1:] {
		last := &out[len(out)-1]
		if e.StartBlock == last.End() {
			last.NumBlocks += e.NumBlocks
			continue
		}
		out = append(out, e)
	}
	return out
}

// Target is the write side of one partition during an update. Writes are
// positioned; no sequential file position is assumed.
type Target interface {
	// WriteExtent writes len(data) bytes covering extent. len(data) must
	// equal extent.Bytes(blockSize).
	WriteExtent(data []byte, extent Extent) error

	// ReadExtent reads the bytes currently covering extent.
	ReadExtent(extent Extent) ([]byte, error)

	// Discard releases the blocks of extent. Implementations without
	// trim support zero the range instead.
	Discard(extent Extent) error

	// Sync flushes written data to stable storage.
	Sync() error

	Close() error
}

// FileTarget is a Target over a regular file or block device node.
type FileTarget struct {
	f         *os.File
	blockSize uint64
	size      int64
}

// OpenFileTarget opens path for positioned read/write, growing regular
// files to size when needed.
func OpenFileTarget(path string, size int64, blockSize uint64) (*FileTarget, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, errors.WithCode(errors.InstallDeviceOpenError,
			errors.Wrap(err, "failed to open target "+path))
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errors.Wrap(err, "failed to stat target")
	}
	if info.Mode().IsRegular() && info.Size() < size {
		if err := f.Truncate(size); err != nil {
			f.Close()
			return nil, errors.Wrap(err, "failed to grow target")
		}
	}

	return &FileTarget{f: f, blockSize: blockSize, size: size}, nil
}

func (t *FileTarget) checkBounds(extent Extent) error {
	if int64(extent.End()*t.blockSize) > t.size {
		return fmt.Errorf("extent [%d,+%d) exceeds target of %d bytes",
			extent.StartBlock, extent.NumBlocks, t.size)
	}
	return nil
}

func (t *FileTarget) WriteExtent(data []byte, extent Extent) error {
	if uint64(len(data)) != extent.Bytes(t.blockSize) {
		return fmt.Errorf("write of %d bytes does not cover extent of %d blocks", len(data), extent.NumBlocks)
	}
	if err := t.checkBounds(extent); err != nil {
		return err
	}
	if _, err := t.f.WriteAt(data, int64(extent.StartBlock*t.blockSize)); err != nil {
		return errors.WithCode(errors.DownloadWriteError, err)
	}
	return nil
}

func (t *FileTarget) ReadExtent(extent Extent) ([]byte, error) {
	if err := t.checkBounds(extent); err != nil {
		return nil, err
	}
	buf := make([]byte, extent.Bytes(t.blockSize))
	if _, err := t.f.ReadAt(buf, int64(extent.StartBlock*t.blockSize)); err != nil && err != io.EOF {
		return nil, err
	}
	return buf, nil
}

// Discard zeroes the range. Real trim support depends on the underlying
// device; zeros satisfy the operation contract either way.
func (t *FileTarget) Discard(extent Extent) error {
	return t.WriteExtent(make([]byte, extent.Bytes(t.blockSize)), extent)
}

func (t *FileTarget) Sync() error  { return t.f.Sync() }
func (t *FileTarget) Close() error { return t.f.Close() }
