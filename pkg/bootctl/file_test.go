package bootctl

import (
	"path/filepath"
	"testing"
)

func TestSlotSuffix(t *testing.T) {
	tests := []struct {
		slot   Slot
		suffix string
		name   string
	}{
		{0, "_a", "A"},
		{1, "_b", "B"},
		{InvalidSlot, "", "INVALID"},
	}

	for _, tt := range tests {
		if got := tt.slot.Suffix(); got != tt.suffix {
			t.Errorf("Slot(%d).Suffix() = %q, want %q", tt.slot, got, tt.suffix)
		}
		if got := tt.slot.String(); got != tt.name {
			t.Errorf("Slot(%d).String() = %q, want %q", tt.slot, got, tt.name)
		}
	}
}

func TestFileController_MarkBootableAndActive(t *testing.T) {
	dir := t.TempDir()
	c, err := NewFileController(filepath.Join(dir, "bootctl"), dir, 0)
	if err != nil {
		t.Fatalf("failed to create controller: %v", err)
	}

	bootable, _ := c.IsSlotBootable(1)
	if bootable {
		t.Fatal("slot B should start unbootable")
	}

	if err := c.MarkBootable(1, 1); err != nil {
		t.Fatalf("MarkBootable failed: %v", err)
	}
	if err := c.SetActiveSlot(1); err != nil {
		t.Fatalf("SetActiveSlot failed: %v", err)
	}

	bootable, _ = c.IsSlotBootable(1)
	if !bootable {
		t.Error("slot B should be bootable")
	}
	if got := c.ActiveSlot(); got != 1 {
		t.Errorf("active slot = %s, want B", got)
	}
}

func TestFileController_StatePersists(t *testing.T) {
	dir := t.TempDir()
	statePath := filepath.Join(dir, "bootctl")

	c, err := NewFileController(statePath, dir, 0)
	if err != nil {
		t.Fatalf("failed to create controller: %v", err)
	}
	c.MarkBootable(1, 1)
	c.MarkBootSuccessful()

	// Reload from disk.
	c2, err := NewFileController(statePath, dir, 0)
	if err != nil {
		t.Fatalf("failed to reload controller: %v", err)
	}
	bootable, _ := c2.IsSlotBootable(1)
	if !bootable {
		t.Error("bootable flag lost across reload")
	}
	successful, _ := c2.IsSlotMarkedSuccessful(0)
	if !successful {
		t.Error("successful flag lost across reload")
	}
}

func TestFileController_PartitionDevice(t *testing.T) {
	dir := t.TempDir()
	c, err := NewFileController(filepath.Join(dir, "bootctl"), dir, 0)
	if err != nil {
		t.Fatalf("failed to create controller: %v", err)
	}

	path, err := c.PartitionDevice("system", 1)
	if err != nil {
		t.Fatalf("PartitionDevice failed: %v", err)
	}
	if filepath.Base(path) != "system_b.img" {
		t.Errorf("device path = %q, want .../system_b.img", path)
	}

	if _, err := c.PartitionDevice("system", InvalidSlot); err == nil {
		t.Error("expected error for invalid slot")
	}
}
