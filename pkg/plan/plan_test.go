package plan

import (
	"crypto/sha256"
	"encoding/base64"
	"path/filepath"
	"testing"

	"github.com/nimbleos/otad/pkg/bootctl"
	"github.com/nimbleos/otad/pkg/payload"
)

func TestFromPayloadHeaders(t *testing.T) {
	hash := sha256.Sum256([]byte("payload"))
	lines := []string{
		"FILE_HASH=" + base64.StdEncoding.EncodeToString(hash[:]),
		"FILE_SIZE=12345",
		"METADATA_SIZE=678",
		"SWITCH_SLOT_ON_REBOOT=0",
		"RUN_POST_INSTALL=0",
		"POWERWASH=1",
		"",
	}

	p, err := FromPayloadHeaders("http://example.com/payload.bin", 0, 0, lines)
	if err != nil {
		t.Fatalf("FromPayloadHeaders failed: %v", err)
	}

	if len(p.Payloads) != 1 {
		t.Fatalf("expected one payload, got %d", len(p.Payloads))
	}
	pl := p.Payloads[0]
	if pl.Size != 12345 || pl.MetadataSize != 678 {
		t.Errorf("sizes = (%d, %d), want (12345, 678)", pl.Size, pl.MetadataSize)
	}
	if string(pl.Hash) != string(hash[:]) {
		t.Error("FILE_HASH not decoded")
	}
	if !p.HashChecksMandatory {
		t.Error("hash checks should be mandatory when FILE_HASH present")
	}
	if p.SwitchSlotOnReboot || p.RunPostInstall {
		t.Error("explicit 0 headers should disable switch and postinstall")
	}
	if !p.PowerwashRequired {
		t.Error("POWERWASH=1 should set powerwash")
	}
}

func TestFromPayloadHeaders_Defaults(t *testing.T) {
	p, err := FromPayloadHeaders("http://example.com/p.bin", 0, 0, nil)
	if err != nil {
		t.Fatalf("FromPayloadHeaders failed: %v", err)
	}
	if !p.SwitchSlotOnReboot || !p.RunPostInstall || !p.WriteVerity {
		t.Error("default policy flags should be on")
	}
	if p.HashChecksMandatory {
		t.Error("hash checks should not be mandatory without FILE_HASH")
	}
}

func TestFromPayloadHeaders_Malformed(t *testing.T) {
	if _, err := FromPayloadHeaders("u", 0, 0, []string{"NO_EQUALS_SIGN"}); err == nil {
		t.Error("expected malformed header to fail")
	}
	if _, err := FromPayloadHeaders("u", 0, 0, []string{"FILE_HASH=!!!"}); err == nil {
		t.Error("expected bad base64 to fail")
	}
	if _, err := FromPayloadHeaders("u", 0, 0, []string{"FILE_SIZE=abc"}); err == nil {
		t.Error("expected bad number to fail")
	}
}

func TestValidate(t *testing.T) {
	mk := func() *InstallPlan {
		p := NewInstallPlan()
		p.SourceSlot = 0
		p.TargetSlot = 1
		p.Partitions = []Partition{
			{Name: "system", TargetSize: 8192, BlockSize: 4096, SourcePath: "/s", SourceHash: []byte{1}},
		}
		p.Payloads = []Payload{{Type: PayloadTypeFull, Hash: []byte{1}}}
		return p
	}

	if err := mk().Validate(); err != nil {
		t.Errorf("valid plan rejected: %v", err)
	}

	p := mk()
	p.TargetSlot = p.SourceSlot
	if err := p.Validate(); err == nil {
		t.Error("expected same-slot plan to fail")
	}

	p = mk()
	p.Partitions = append(p.Partitions, p.Partitions[0])
	if err := p.Validate(); err == nil {
		t.Error("expected duplicate partition to fail")
	}

	p = mk()
	p.Partitions[0].TargetSize = 5000
	if err := p.Validate(); err == nil {
		t.Error("expected unaligned target size to fail")
	}

	p = mk()
	p.Payloads[0].Type = PayloadTypeDelta
	p.Partitions[0].SourcePath = ""
	if err := p.Validate(); err == nil {
		t.Error("expected delta plan without source path to fail")
	}

	p = mk()
	p.HashChecksMandatory = true
	p.Payloads[0].Hash = nil
	if err := p.Validate(); err == nil {
		t.Error("expected mandatory hash checks without hash to fail")
	}
}

func TestLoadPartitionsFromManifest(t *testing.T) {
	dir := t.TempDir()
	ctrl, err := bootctl.NewFileController(filepath.Join(dir, "bootctl"), dir, 0)
	if err != nil {
		t.Fatalf("failed to create controller: %v", err)
	}

	m := &payload.Manifest{
		BlockSize:    4096,
		MinorVersion: payload.FullPayloadMinorVersion,
		Partitions: []payload.PartitionUpdate{
			{Name: "system", NewSize: 8192, NewHash: []byte{0xAB}},
			{Name: "vendor", NewSize: 4096},
		},
	}

	p := NewInstallPlan()
	p.SourceSlot = 0
	p.TargetSlot = 1
	if err := p.LoadPartitionsFromManifest(m, ctrl, nil); err != nil {
		t.Fatalf("LoadPartitionsFromManifest failed: %v", err)
	}

	if len(p.Partitions) != 2 {
		t.Fatalf("expected 2 partitions, got %d", len(p.Partitions))
	}
	sys := p.Partition("system")
	if sys == nil {
		t.Fatal("system partition missing")
	}
	if filepath.Base(sys.TargetPath) != "system_b.img" {
		t.Errorf("target path = %q, want .../system_b.img", sys.TargetPath)
	}
	if sys.TargetSize != 8192 || sys.BlockSize != 4096 {
		t.Errorf("sizes = (%d, %d), want (8192, 4096)", sys.TargetSize, sys.BlockSize)
	}
	// Full payload: no source paths resolved.
	if sys.SourcePath != "" {
		t.Errorf("full install should not resolve source path, got %q", sys.SourcePath)
	}
}
