package verifier

import (
	"bytes"
	"context"
	"crypto/sha256"
	"os"
	"path/filepath"
	"testing"

	"github.com/nimbleos/otad/pkg/blockdev"
	"github.com/nimbleos/otad/pkg/errors"
	"github.com/nimbleos/otad/pkg/payload"
	"github.com/nimbleos/otad/pkg/plan"
)

const blockSize = 4096

func writeImage(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("failed to write image: %v", err)
	}
	return path
}

func TestRun_TargetHashMatch(t *testing.T) {
	dir := t.TempDir()
	data := bytes.Repeat([]byte{0x3C}, 2*blockSize)
	sum := sha256.Sum256(data)

	p := plan.NewInstallPlan()
	p.SourceSlot = 0
	p.TargetSlot = 1
	p.Partitions = []plan.Partition{{
		Name:       "system",
		TargetPath: writeImage(t, dir, "system.img", data),
		TargetSize: uint64(len(data)),
		TargetHash: sum[:],
		BlockSize:  blockSize,
	}}

	if err := Run(context.Background(), p, Options{}); err != nil {
		t.Errorf("Run failed on matching hash: %v", err)
	}
}

func TestRun_TargetHashMismatch(t *testing.T) {
	dir := t.TempDir()
	data := bytes.Repeat([]byte{0x3C}, blockSize)
	wrong := sha256.Sum256([]byte("something else"))

	p := plan.NewInstallPlan()
	p.SourceSlot = 0
	p.TargetSlot = 1
	p.Partitions = []plan.Partition{{
		Name:       "system",
		TargetPath: writeImage(t, dir, "system.img", data),
		TargetSize: uint64(len(data)),
		TargetHash: wrong[:],
		BlockSize:  blockSize,
	}}

	err := Run(context.Background(), p, Options{})
	if errors.CodeOf(err) != errors.FilesystemVerifierError {
		t.Errorf("code = %v, want FilesystemVerifierError", errors.CodeOf(err))
	}
}

func TestRun_SourceVerification(t *testing.T) {
	dir := t.TempDir()
	srcData := bytes.Repeat([]byte{0x11}, blockSize)
	srcSum := sha256.Sum256(srcData)
	tgtData := bytes.Repeat([]byte{0x22}, blockSize)
	tgtSum := sha256.Sum256(tgtData)

	mk := func(srcHash []byte) *plan.InstallPlan {
		p := plan.NewInstallPlan()
		p.SourceSlot = 0
		p.TargetSlot = 1
		p.HashChecksMandatory = true
		p.Partitions = []plan.Partition{{
			Name:       "system",
			SourcePath: writeImage(t, dir, "src.img", srcData),
			SourceSize: uint64(len(srcData)),
			SourceHash: srcHash,
			TargetPath: writeImage(t, dir, "tgt.img", tgtData),
			TargetSize: uint64(len(tgtData)),
			TargetHash: tgtSum[:],
			BlockSize:  blockSize,
		}}
		return p
	}

	if err := Run(context.Background(), mk(srcSum[:]), Options{VerifySource: true}); err != nil {
		t.Errorf("Run failed on matching source hash: %v", err)
	}

	bad := sha256.Sum256([]byte("tampered"))
	err := Run(context.Background(), mk(bad[:]), Options{VerifySource: true})
	if errors.CodeOf(err) != errors.FilesystemVerifierError {
		t.Errorf("code = %v, want FilesystemVerifierError", errors.CodeOf(err))
	}
}

func TestRun_WritesVerityAndFec(t *testing.T) {
	dir := t.TempDir()

	// Layout: blocks 0-3 data, 4-5 hash tree, 6-7 FEC parity.
	data := bytes.Repeat([]byte{0x44}, 8*blockSize)
	for i := 4 * blockSize; i < 8*blockSize; i++ {
		data[i] = 0
	}

	p := plan.NewInstallPlan()
	p.SourceSlot = 0
	p.TargetSlot = 1
	p.Partitions = []plan.Partition{{
		Name:       "system",
		TargetPath: writeImage(t, dir, "system.img", data),
		TargetSize: uint64(len(data)),
		BlockSize:  blockSize,
		Verity: &payload.VerityConfig{
			DataExtent:     blockdev.Extent{StartBlock: 0, NumBlocks: 4},
			HashTreeExtent: blockdev.Extent{StartBlock: 4, NumBlocks: 2},
			Algorithm:      "sha256",
		},
		Fec: &payload.FecConfig{
			DataExtent: blockdev.Extent{StartBlock: 0, NumBlocks: 4},
			FecExtent:  blockdev.Extent{StartBlock: 6, NumBlocks: 2},
			Roots:      2,
		},
	}}

	if err := Run(context.Background(), p, Options{}); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	got, err := os.ReadFile(p.Partitions[0].TargetPath)
	if err != nil {
		t.Fatalf("failed to read target: %v", err)
	}

	zeros := make([]byte, blockSize)
	if bytes.Equal(got[4*blockSize:5*blockSize], zeros) {
		t.Error("hash tree region is still zero")
	}
	if bytes.Equal(got[6*blockSize:7*blockSize], zeros) {
		t.Error("fec parity region is still zero")
	}

	// With 4 leaves the whole tree is one level, so the first 32 bytes
	// of the tree region are the hash of data block 0.
	h := sha256.New()
	h.Write(got[:blockSize])
	leaf := h.Sum(nil)
	if !bytes.Equal(got[4*blockSize:4*blockSize+sha256.Size], leaf) {
		t.Error("leaf hash in tree does not match recomputed block hash")
	}
}

func TestRun_WriteVerityDisabled(t *testing.T) {
	dir := t.TempDir()
	data := make([]byte, 2*blockSize)
	sum := sha256.Sum256(data)

	p := plan.NewInstallPlan()
	p.SourceSlot = 0
	p.TargetSlot = 1
	p.WriteVerity = false
	p.Partitions = []plan.Partition{{
		Name:       "system",
		TargetPath: writeImage(t, dir, "system.img", data),
		TargetSize: uint64(len(data)),
		TargetHash: sum[:],
		BlockSize:  blockSize,
		Verity: &payload.VerityConfig{
			DataExtent:     blockdev.Extent{StartBlock: 0, NumBlocks: 1},
			HashTreeExtent: blockdev.Extent{StartBlock: 1, NumBlocks: 1},
		},
	}}

	if err := Run(context.Background(), p, Options{}); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	got, _ := os.ReadFile(p.Partitions[0].TargetPath)
	if !bytes.Equal(got, data) {
		t.Error("write_verity=false must leave the target untouched")
	}
}
