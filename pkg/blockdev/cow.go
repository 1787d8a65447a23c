package blockdev

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/nimbleos/otad/pkg/errors"
)

// CowTarget is a copy-on-write Target for partitions without a writable
// device path. Writes land in an overlay file; reads of unwritten blocks
// fall through to the read-only source. A journal sidecar records written
// extents so an interrupted merge can be completed or reverted later.
type CowTarget struct {
	overlay   *FileTarget
	source    *os.File
	journal   *os.File
	blockSize uint64

	mu      sync.Mutex
	written map[uint64]struct{}
}

// OpenCowTarget creates or reopens the overlay at cowPath covering a
// target of size bytes. sourcePath may be empty for full installs.
func OpenCowTarget(cowPath, sourcePath string, size int64, blockSize uint64) (*CowTarget, error) {
	overlay, err := OpenFileTarget(cowPath, size, blockSize)
	if err != nil {
		return nil, err
	}

	var source *os.File
	if sourcePath != "" {
		source, err = os.Open(sourcePath)
		if err != nil {
			overlay.Close()
			return nil, errors.WithCode(errors.InstallDeviceOpenError,
				errors.Wrap(err, "failed to open cow source"))
		}
	}

	t := &CowTarget{
		overlay:   overlay,
		source:    source,
		blockSize: blockSize,
		written:   map[uint64]struct{}{},
	}

	journalPath := cowPath + ".journal"
	if err := t.loadJournal(journalPath); err != nil {
		overlay.Close()
		if source != nil {
			source.Close()
		}
		return nil, err
	}

	t.journal, err = os.OpenFile(journalPath, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		overlay.Close()
		if source != nil {
			source.Close()
		}
		return nil, errors.Wrap(err, "failed to open cow journal")
	}

	return t, nil
}

func (t *CowTarget) loadJournal(path string) error {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "failed to read cow journal")
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		startRaw, numRaw, ok := strings.Cut(strings.TrimSpace(scanner.Text()), " ")
		if !ok {
			continue
		}
		start, err1 := strconv.ParseUint(startRaw, 10, 64)
		num, err2 := strconv.ParseUint(numRaw, 10, 64)
		if err1 != nil || err2 != nil {
			continue
		}
		for b := start; b < start+num; b++ {
			t.written[b] = struct{}{}
		}
	}
	return scanner.Err()
}

func (t *CowTarget) WriteExtent(data []byte, extent Extent) error {
	if err := t.overlay.WriteExtent(data, extent); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for b := extent.StartBlock; b < extent.End(); b++ {
		t.written[b] = struct{}{}
	}
	if _, err := fmt.Fprintf(t.journal, "%d %d\n", extent.StartBlock, extent.NumBlocks); err != nil {
		return errors.WithCode(errors.DownloadWriteError,
			errors.Wrap(err, "failed to journal cow write"))
	}
	return nil
}

func (t *CowTarget) ReadExtent(extent Extent) ([]byte, error) {
	buf := make([]byte, extent.Bytes(t.blockSize))

	for i := uint64(0); i < extent.NumBlocks; i++ {
		block := extent.StartBlock + i
		chunk := buf[i*t.blockSize : (i+1)*t.blockSize]

		t.mu.Lock()
		_, dirty := t.written[block]
		t.mu.Unlock()

		if dirty || t.source == nil {
			out, err := t.overlay.ReadExtent(Extent{StartBlock: block, NumBlocks: 1})
			if err != nil {
				return nil, err
			}
			copy(chunk, out)
			continue
		}
		if _, err := t.source.ReadAt(chunk, int64(block*t.blockSize)); err != nil {
			return nil, errors.Wrap(err, "failed to read cow source")
		}
	}
	return buf, nil
}

func (t *CowTarget) Discard(extent Extent) error {
	return t.WriteExtent(make([]byte, extent.Bytes(t.blockSize)), extent)
}

func (t *CowTarget) Sync() error {
	if err := t.overlay.Sync(); err != nil {
		return err
	}
	return t.journal.Sync()
}

func (t *CowTarget) Close() error {
	if t.source != nil {
		t.source.Close()
	}
	t.journal.Close()
	return t.overlay.Close()
}

// WrittenBlocks returns how many distinct blocks the overlay holds.
func (t *CowTarget) WrittenBlocks() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.written)
}

// MergeCow applies journaled overlay blocks onto the device at destPath,
// then removes the overlay and its journal. Safe to re-run after an
// interruption: replaying already-merged blocks is idempotent.
func MergeCow(cowPath, destPath string, size int64, blockSize uint64) error {
	t, err := OpenCowTarget(cowPath, "", size, blockSize)
	if err != nil {
		return err
	}

	dest, err := OpenFileTarget(destPath, size, blockSize)
	if err != nil {
		t.Close()
		return err
	}

	merged := 0
	for block := range t.written {
		ext := Extent{StartBlock: block, NumBlocks: 1}
		data, err := t.overlay.ReadExtent(ext)
		if err == nil {
			err = dest.WriteExtent(data, ext)
		}
		if err != nil {
			dest.Close()
			t.Close()
			return errors.Wrap(err, "cow merge failed")
		}
		merged++
	}

	if err := dest.Sync(); err != nil {
		dest.Close()
		t.Close()
		return err
	}
	dest.Close()
	t.Close()

	slog.Info("cow_merge_complete", "cow_path", cowPath, "dest", destPath, "blocks", merged)
	return RevertCow(cowPath)
}

// RevertCow discards the overlay and journal, abandoning unmerged writes.
func RevertCow(cowPath string) error {
	for _, p := range []string{cowPath, cowPath + ".journal"} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return errors.Wrap(err, "failed to remove "+p)
		}
	}
	return nil
}
