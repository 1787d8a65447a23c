// Package plan defines the install plan: the single mutable record handed
// from stage to stage during an update attempt. The coordinator builds it
// from the caller's payload headers, the download stage fills in manifest
// facts, and later stages consume them.
package plan

import (
	"fmt"

	"github.com/nimbleos/otad/pkg/bootctl"
	"github.com/nimbleos/otad/pkg/errors"
	"github.com/nimbleos/otad/pkg/payload"
)

// PayloadType classifies a payload.
type PayloadType string

const (
	PayloadTypeUnknown PayloadType = "unknown"
	PayloadTypeFull    PayloadType = "full"
	PayloadTypeDelta   PayloadType = "delta"
)

// Payload is one payload to download and apply.
type Payload struct {
	URLs              []string
	Size              uint64
	MetadataSize      uint64
	MetadataHash      []byte
	MetadataSignature []byte
	Hash              []byte
	Type              PayloadType
	Fingerprint       string
	AppID             string
	AlreadyApplied    bool

	// Offset and Length bound the payload inside a larger container
	// (zip member installs). Zero length means "to the end".
	Offset int64
	Length int64
}

// Partition carries everything later stages need to write and verify one
// partition. Extents are measured in BlockSize units.
type Partition struct {
	Name               string
	SourcePath         string
	SourceSize         uint64
	SourceHash         []byte
	TargetPath         string
	ReadonlyTargetPath string
	TargetSize         uint64
	TargetHash         []byte
	BlockSize          uint64

	Verity      *payload.VerityConfig
	Fec         *payload.FecConfig
	Postinstall payload.PostinstallConfig

	// CowPath is set instead of TargetPath when the partition is written
	// through a copy-on-write overlay.
	CowPath string
}

// InstallPlan is the shared value passed stage-to-stage. Exactly one
// stage owns it at a time.
type InstallPlan struct {
	IsResume bool

	SourceSlot bootctl.Slot
	TargetSlot bootctl.Slot

	Payloads   []Payload
	Partitions []Partition

	// Policy flags. The boolean defaults (switch slot, postinstall,
	// verity all on) are set by NewInstallPlan.
	HashChecksMandatory bool
	PowerwashRequired   bool
	SwitchSlotOnReboot  bool
	RunPostInstall      bool
	WriteVerity         bool
	SplDowngrade        bool
	BatchedWrites       bool
	EnableThreading     bool

	PublicKeyRSA string

	UntouchedDynamicPartitions []string

	Version     string
	DownloadURL string
}

// NewInstallPlan returns a plan with the default policy flags set.
func NewInstallPlan() *InstallPlan {
	return &InstallPlan{
		SourceSlot:         bootctl.InvalidSlot,
		TargetSlot:         bootctl.InvalidSlot,
		SwitchSlotOnReboot: true,
		RunPostInstall:     true,
		WriteVerity:        true,
	}
}

// Partition returns the named partition, or nil.
func (p *InstallPlan) Partition(name string) *Partition {
	for i := range p.Partitions {
		if p.Partitions[i].Name == name {
			return &p.Partitions[i]
		}
	}
	return nil
}

// Validate enforces the plan invariants before any stage runs on it.
func (p *InstallPlan) Validate() error {
	if p.TargetSlot == bootctl.InvalidSlot {
		return fmt.Errorf("install plan has no target slot")
	}
	if p.SourceSlot == p.TargetSlot {
		return fmt.Errorf("source and target slot are both %s", p.TargetSlot)
	}

	seen := map[string]struct{}{}
	for i := range p.Partitions {
		part := &p.Partitions[i]
		if _, dup := seen[part.Name]; dup {
			return fmt.Errorf("duplicate partition %q in plan", part.Name)
		}
		seen[part.Name] = struct{}{}

		if part.BlockSize == 0 || part.TargetSize%part.BlockSize != 0 {
			return fmt.Errorf("partition %q: target size %d not a multiple of block size %d",
				part.Name, part.TargetSize, part.BlockSize)
		}
	}

	for i := range p.Payloads {
		pl := &p.Payloads[i]
		if pl.Type == PayloadTypeDelta {
			for j := range p.Partitions {
				part := &p.Partitions[j]
				if part.SourcePath == "" || len(part.SourceHash) == 0 {
					return fmt.Errorf("delta payload but partition %q has no source path/hash", part.Name)
				}
			}
		}
		if p.HashChecksMandatory && len(pl.Hash) == 0 {
			return errors.Codef(errors.PayloadHashMismatchError,
				"hash checks mandatory but payload %d has no expected hash", i)
		}
	}
	return nil
}

// LoadPartitionsFromManifest fills the plan's partition list from the
// decoded manifest, resolving device paths through the boot controller.
// Partitions without a resolvable target device are routed through a COW
// overlay named by cowPath.
func (p *InstallPlan) LoadPartitionsFromManifest(m *payload.Manifest, ctrl bootctl.Controller, cowPath func(partition string) string) error {
	isDelta := m.IsDelta()

	p.Partitions = p.Partitions[:0]
	for i := range m.Partitions {
		mp := &m.Partitions[i]
		part := Partition{
			Name:       mp.Name,
			TargetSize: mp.NewSize,
			TargetHash: mp.NewHash,
			SourceSize: mp.OldSize,
			SourceHash: mp.OldHash,
			BlockSize:  m.BlockSize,
			Verity:     mp.Verity,
			Fec:        mp.Fec,
		}
		if mp.Postinstall != nil {
			part.Postinstall = *mp.Postinstall
		}

		target, err := ctrl.PartitionDevice(mp.Name, p.TargetSlot)
		if err == nil {
			part.TargetPath = target
			part.ReadonlyTargetPath = target
		} else if cowPath != nil {
			part.CowPath = cowPath(mp.Name)
		} else {
			return errors.WithCode(errors.InstallDeviceOpenError,
				errors.Wrap(err, "no target device for partition "+mp.Name))
		}

		if isDelta && p.SourceSlot != bootctl.InvalidSlot {
			source, err := ctrl.PartitionDevice(mp.Name, p.SourceSlot)
			if err != nil {
				return errors.WithCode(errors.InstallDeviceOpenError,
					errors.Wrap(err, "no source device for partition "+mp.Name))
			}
			part.SourcePath = source
		}

		p.Partitions = append(p.Partitions, part)
	}
	return nil
}

func (p *InstallPlan) String() string {
	typ := PayloadTypeUnknown
	if len(p.Payloads) > 0 {
		typ = p.Payloads[0].Type
	}
	return fmt.Sprintf("plan{type=%s source=%s target=%s partitions=%d resume=%v}",
		typ, p.SourceSlot, p.TargetSlot, len(p.Partitions), p.IsResume)
}
