package attempter

import (
	"bytes"
	"context"
	"crypto/sha256"
	"io"
	"log/slog"
	"os"

	"github.com/nimbleos/otad/pkg/bootctl"
	"github.com/nimbleos/otad/pkg/errors"
	"github.com/nimbleos/otad/pkg/payload"
	"github.com/nimbleos/otad/pkg/pipeline"
	"github.com/nimbleos/otad/pkg/postinstall"
	"github.com/nimbleos/otad/pkg/prefs"
)

// readMetadataFile parses a payload metadata file (the payload prefix
// written out by the packaging tools).
func readMetadataFile(path string) (*payload.Metadata, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WithCode(errors.DownloadStateInitializationError,
			errors.Wrap(err, "failed to read metadata file"))
	}
	return payload.ParseMetadata(raw)
}

// VerifyPayloadApplicable reports whether the payload described by the
// metadata file can apply to this device: every delta partition's source
// blocks must hash to the manifest's old hash. Does not mutate state.
func (a *Attempter) VerifyPayloadApplicable(metadataPath string) (bool, error) {
	md, err := readMetadataFile(metadataPath)
	if err != nil {
		return false, err
	}

	current := a.cfg.BootCtrl.CurrentSlot()
	for i := range md.Manifest.Partitions {
		part := &md.Manifest.Partitions[i]
		if len(part.OldHash) == 0 {
			continue
		}

		device, err := a.cfg.BootCtrl.PartitionDevice(part.Name, current)
		if err != nil {
			return false, nil
		}
		sum, err := hashFilePrefix(device, part.OldSize)
		if err != nil {
			return false, nil
		}
		if !bytes.Equal(sum, part.OldHash) {
			slog.Info("payload_not_applicable", "partition", part.Name)
			return false, nil
		}
	}
	return true, nil
}

func hashFilePrefix(path string, size uint64) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	h := sha256.New()
	var r io.Reader = f
	if size > 0 {
		r = io.LimitReader(f, int64(size))
	}
	if _, err := io.Copy(h, r); err != nil {
		return nil, err
	}
	return h.Sum(nil), nil
}

// AllocateSpaceForPayload preallocates target space for the payload.
// Returns 0 when everything fits, otherwise the byte shortfall.
func (a *Attempter) AllocateSpaceForPayload(metadataPath string, headers []string) (uint64, error) {
	a.mu.Lock()
	if a.status != StatusIdle || a.running {
		a.mu.Unlock()
		return 0, ErrUpdateInProgress
	}
	a.mu.Unlock()

	md, err := readMetadataFile(metadataPath)
	if err != nil {
		return 0, err
	}

	target := a.otherSlot()
	var shortfall uint64
	for i := range md.Manifest.Partitions {
		part := &md.Manifest.Partitions[i]

		device, err := a.cfg.BootCtrl.PartitionDevice(part.Name, target)
		if err != nil {
			shortfall += part.NewSize
			continue
		}
		f, err := os.OpenFile(device, os.O_RDWR|os.O_CREATE, 0o644)
		if err != nil {
			shortfall += part.NewSize
			continue
		}
		if err := f.Truncate(int64(part.NewSize)); err != nil {
			shortfall += part.NewSize
		}
		f.Close()
	}

	if shortfall > 0 {
		slog.Warn("allocate_space_shortfall", "bytes", shortfall)
		return shortfall, errors.Codef(errors.NotEnoughSpace,
			"short %d bytes for payload", shortfall)
	}
	return 0, nil
}

func (a *Attempter) otherSlot() bootctl.Slot {
	current := a.cfg.BootCtrl.CurrentSlot()
	return bootctl.Slot((int(current) + 1) % a.cfg.BootCtrl.SlotCount())
}

// SetShouldSwitchSlotOnReboot stages the boot-slot switch for an
// already-applied update without writing any data.
func (a *Attempter) SetShouldSwitchSlotOnReboot(metadataPath string) error {
	a.mu.Lock()
	if a.running || a.status != StatusIdle {
		a.mu.Unlock()
		return ErrUpdateInProgress
	}
	a.mu.Unlock()

	if _, err := readMetadataFile(metadataPath); err != nil {
		return err
	}

	target := a.otherSlot()
	if err := a.cfg.BootCtrl.MarkBootable(target, 1); err != nil {
		return errors.Wrap(err, "failed to mark slot bootable")
	}
	if err := a.cfg.BootCtrl.SetActiveSlot(target); err != nil {
		return errors.Wrap(err, "failed to stage slot switch")
	}
	slog.Info("slot_switch_staged", "target_slot", target.String())
	return nil
}

// ResetShouldSwitchSlotOnReboot reverts a pending slot switch.
func (a *Attempter) ResetShouldSwitchSlotOnReboot() error {
	current := a.cfg.BootCtrl.CurrentSlot()
	if err := a.cfg.BootCtrl.SetActiveSlot(current); err != nil {
		return errors.Wrap(err, "failed to revert slot switch")
	}
	slog.Info("slot_switch_reverted", "slot", current.String())
	return nil
}

// TriggerPostinstall re-runs the postinstall hook of one partition from
// the staged update.
func (a *Attempter) TriggerPostinstall(ctx context.Context, partition string) error {
	a.mu.Lock()
	if a.status != StatusUpdatedNeedReboot || a.lastPlan == nil {
		a.mu.Unlock()
		return ErrInvalidState
	}
	p := a.lastPlan
	a.mu.Unlock()

	part := p.Partition(partition)
	if part == nil {
		return errors.Codef(errors.PostinstallRunnerError,
			"no partition %q in the staged update", partition)
	}

	runner := &postinstall.Runner{
		Mounter: a.cfg.Mounter,
		WorkDir: a.cfg.WorkDir,
		Timeout: a.cfg.PostinstallTimeout,
	}
	return runner.RunPartition(ctx, part)
}

// CleanupSuccessfulUpdate finalizes an update after booting the new
// slot: marks the boot successful and removes the marker. Copy-on-write
// overlays are neither merged nor discarded.
func (a *Attempter) CleanupSuccessfulUpdate() error {
	raw, ok, err := a.cfg.Prefs.Get(prefs.KeyUpdateCompletedMarker)
	if err != nil {
		return err
	}
	if !ok {
		return ErrInvalidState
	}
	marker, err := pipeline.ParseMarker(raw)
	if err != nil {
		return err
	}

	current := a.cfg.BootCtrl.CurrentSlot()
	if current != marker.TargetSlot {
		return errors.Wrap(ErrInvalidState,
			"not booted from the updated slot")
	}

	if err := a.cfg.BootCtrl.MarkBootSuccessful(); err != nil {
		return errors.Wrap(err, "failed to mark boot successful")
	}
	if err := a.cfg.Prefs.Delete(prefs.KeyUpdateCompletedMarker); err != nil {
		return err
	}
	a.cfg.Prefs.Delete(keyLastApplyRequest)
	a.cfg.Prefs.Delete(prefs.KeyNumReboots)
	a.cfg.Prefs.Delete(prefs.KeySystemUpdatedMarker)

	slog.Info("update_finalized", "slot", current.String(), "payload_fp", marker.PayloadFP)
	return nil
}
