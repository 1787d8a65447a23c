package bootctl

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/google/renameio/v2"
	"github.com/nimbleos/otad/pkg/errors"
)

// FileController keeps slot state in a small key=value file and maps
// partitions to image files under a device directory. It stands in for a
// bootloader-backed controller on hosts and in tests.
type FileController struct {
	statePath string
	deviceDir string
	current   Slot
	slots     int

	mu    sync.Mutex
	state map[string]string
}

// NewFileController loads (or initializes) slot state from statePath.
// Partition devices resolve to deviceDir/<partition><suffix>.img.
func NewFileController(statePath, deviceDir string, current Slot) (*FileController, error) {
	c := &FileController{
		statePath: statePath,
		deviceDir: deviceDir,
		current:   current,
		slots:     2,
		state:     map[string]string{},
	}

	data, err := os.ReadFile(statePath)
	if err != nil && !os.IsNotExist(err) {
		return nil, errors.Wrap(err, "failed to read bootctl state")
	}
	for _, line := range strings.Split(string(data), "\n") {
		k, v, ok := strings.Cut(strings.TrimSpace(line), "=")
		if ok {
			c.state[k] = v
		}
	}

	slog.Info("bootctl_init", "state_path", statePath, "current_slot", current.String())
	return c, nil
}

func (c *FileController) flushLocked() error {
	var b strings.Builder
	for k, v := range c.state {
		fmt.Fprintf(&b, "%s=%s\n", k, v)
	}
	if err := os.MkdirAll(filepath.Dir(c.statePath), 0o755); err != nil {
		return errors.Wrap(err, "failed to create bootctl state dir")
	}
	if err := renameio.WriteFile(c.statePath, []byte(b.String()), 0o644); err != nil {
		return errors.Wrap(err, "failed to write bootctl state")
	}
	return nil
}

func (c *FileController) SlotCount() int    { return c.slots }
func (c *FileController) CurrentSlot() Slot { return c.current }

func (c *FileController) PartitionDevice(partition string, slot Slot) (string, error) {
	if slot == InvalidSlot || int(slot) >= c.slots {
		return "", fmt.Errorf("no device for partition %q on slot %s", partition, slot)
	}
	return filepath.Join(c.deviceDir, partition+slot.Suffix()+".img"), nil
}

func (c *FileController) MarkBootable(slot Slot, tries int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.state[fmt.Sprintf("slot_%d_bootable", slot)] = "1"
	c.state[fmt.Sprintf("slot_%d_tries", slot)] = strconv.Itoa(tries)
	slog.Info("bootctl_mark_bootable", "slot", slot.String(), "tries", tries)
	return c.flushLocked()
}

func (c *FileController) SetActiveSlot(slot Slot) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.state["active_slot"] = strconv.Itoa(int(slot))
	slog.Info("bootctl_set_active_slot", "slot", slot.String())
	return c.flushLocked()
}

// ActiveSlot returns the staged boot slot, or the current slot when none
// has been staged.
func (c *FileController) ActiveSlot() Slot {
	c.mu.Lock()
	defer c.mu.Unlock()

	raw, ok := c.state["active_slot"]
	if !ok {
		return c.current
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return c.current
	}
	return Slot(n)
}

func (c *FileController) MarkBootSuccessful() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.state[fmt.Sprintf("slot_%d_successful", c.current)] = "1"
	slog.Info("bootctl_mark_boot_successful", "slot", c.current.String())
	return c.flushLocked()
}

func (c *FileController) IsSlotBootable(slot Slot) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state[fmt.Sprintf("slot_%d_bootable", slot)] == "1", nil
}

func (c *FileController) IsSlotMarkedSuccessful(slot Slot) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state[fmt.Sprintf("slot_%d_successful", slot)] == "1", nil
}
