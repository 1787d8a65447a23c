package applier

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"os"
	"path/filepath"
	"testing"

	"github.com/gabstv/go-bsdiff/pkg/bsdiff"
	"github.com/nimbleos/otad/pkg/blockdev"
	"github.com/nimbleos/otad/pkg/errors"
	"github.com/nimbleos/otad/pkg/fetch"
	"github.com/nimbleos/otad/pkg/payload"
	"github.com/nimbleos/otad/pkg/plan"
	"github.com/nimbleos/otad/pkg/prefs"
)

const blockSize = 4096

type fixture struct {
	dir    string
	store  *prefs.Store
	key    *rsa.PrivateKey
	plan   *plan.InstallPlan
	source fetch.Source
	raw    []byte
}

// newFixture assembles a payload from manifest+blobs and a plan whose
// single partition targets a temp image file.
func newFixture(t *testing.T, m *payload.Manifest, blobs map[int][]byte, sourceData []byte) *fixture {
	t.Helper()
	dir := t.TempDir()

	store, err := prefs.NewStore(filepath.Join(dir, "prefs"))
	if err != nil {
		t.Fatalf("failed to create prefs: %v", err)
	}

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}

	w := payload.NewWriter(m)
	// Blobs must land in apply order: the applier consumes the data
	// section sequentially.
	for idx := 0; idx < len(m.Partitions[0].Operations); idx++ {
		data, ok := blobs[idx]
		if !ok {
			continue
		}
		if err := w.SetOperationData(m.Partitions[0].Name, idx, data); err != nil {
			t.Fatalf("failed to attach blob %d: %v", idx, err)
		}
	}
	raw, err := w.Bytes(key)
	if err != nil {
		t.Fatalf("failed to build payload: %v", err)
	}

	payloadPath := filepath.Join(dir, "payload.bin")
	if err := os.WriteFile(payloadPath, raw, 0o644); err != nil {
		t.Fatalf("failed to write payload: %v", err)
	}
	source, err := fetch.NewSource(context.Background(), payloadPath, fetch.Options{})
	if err != nil {
		t.Fatalf("failed to create source: %v", err)
	}
	t.Cleanup(func() { source.Close() })

	sourcePath := ""
	if sourceData != nil {
		sourcePath = filepath.Join(dir, "source.img")
		if err := os.WriteFile(sourcePath, sourceData, 0o644); err != nil {
			t.Fatalf("failed to write source image: %v", err)
		}
	}

	pemKey, err := payload.EncodePublicKeyPEM(&key.PublicKey)
	if err != nil {
		t.Fatalf("failed to encode key: %v", err)
	}

	sum := sha256.Sum256(raw)
	p := plan.NewInstallPlan()
	p.SourceSlot = 0
	p.TargetSlot = 1
	p.PublicKeyRSA = pemKey
	p.HashChecksMandatory = true
	p.Payloads = []plan.Payload{{
		URLs:        []string{payloadPath},
		Size:        uint64(len(raw)),
		Hash:        sum[:],
		Fingerprint: "test-fp-1",
	}}
	p.Partitions = []plan.Partition{{
		Name:       m.Partitions[0].Name,
		TargetPath: filepath.Join(dir, "target.img"),
		TargetSize: m.Partitions[0].NewSize,
		BlockSize:  blockSize,
		SourcePath: sourcePath,
		SourceHash: []byte{0x01},
	}}

	return &fixture{dir: dir, store: store, key: key, plan: p, source: source, raw: raw}
}

func (f *fixture) config() Config {
	return Config{
		Prefs:             f.store,
		MetadataCachePath: filepath.Join(f.dir, "metadata_cache"),
	}
}

func (f *fixture) targetBytes(t *testing.T) []byte {
	t.Helper()
	data, err := os.ReadFile(f.plan.Partitions[0].TargetPath)
	if err != nil {
		t.Fatalf("failed to read target: %v", err)
	}
	return data
}

func TestApplier_FullInstallReplaceOps(t *testing.T) {
	m := &payload.Manifest{
		BlockSize:    blockSize,
		MinorVersion: payload.FullPayloadMinorVersion,
		Partitions: []payload.PartitionUpdate{{
			Name:    "system",
			NewSize: 2 * blockSize,
			Operations: []payload.Operation{
				{Type: payload.OpReplace, DstExtents: []blockdev.Extent{{StartBlock: 0, NumBlocks: 1}}},
				{Type: payload.OpReplace, DstExtents: []blockdev.Extent{{StartBlock: 1, NumBlocks: 1}}},
			},
		}},
	}
	zeros := make([]byte, blockSize)
	f := newFixture(t, m, map[int][]byte{0: zeros, 1: zeros}, nil)

	a := New(f.plan, 0, f.config())
	if err := a.Run(context.Background(), f.source); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	got := f.targetBytes(t)
	if len(got) != 2*blockSize || !bytes.Equal(got, make([]byte, 2*blockSize)) {
		t.Error("target should be 8192 zero bytes")
	}
}

func TestApplier_SourceCopy(t *testing.T) {
	m := &payload.Manifest{
		BlockSize:    blockSize,
		MinorVersion: payload.DeltaPayloadMinorVersion,
		Partitions: []payload.PartitionUpdate{{
			Name:    "system",
			NewSize: blockSize,
			Operations: []payload.Operation{{
				Type:       payload.OpSourceCopy,
				SrcExtents: []blockdev.Extent{{StartBlock: 3, NumBlocks: 1}},
				DstExtents: []blockdev.Extent{{StartBlock: 0, NumBlocks: 1}},
			}},
		}},
	}

	src := make([]byte, 4*blockSize)
	for i := 3 * blockSize; i < 4*blockSize; i++ {
		src[i] = 0xAA
	}
	f := newFixture(t, m, nil, src)

	a := New(f.plan, 0, f.config())
	if err := a.Run(context.Background(), f.source); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	got := f.targetBytes(t)
	if got[0] != 0xAA || got[blockSize-1] != 0xAA {
		t.Errorf("target block 0 = %#x..., want 0xAA fill", got[0])
	}
}

func TestApplier_ReplaceXZAndZero(t *testing.T) {
	content := bytes.Repeat([]byte{0x5C}, blockSize)
	compressed, err := CompressXZ(content)
	if err != nil {
		t.Fatalf("failed to compress: %v", err)
	}

	m := &payload.Manifest{
		BlockSize:    blockSize,
		MinorVersion: payload.FullPayloadMinorVersion,
		Partitions: []payload.PartitionUpdate{{
			Name:    "system",
			NewSize: 2 * blockSize,
			Operations: []payload.Operation{
				{Type: payload.OpReplaceXZ, DstExtents: []blockdev.Extent{{StartBlock: 0, NumBlocks: 1}}},
				{Type: payload.OpZero, DstExtents: []blockdev.Extent{{StartBlock: 1, NumBlocks: 1}}},
			},
		}},
	}
	f := newFixture(t, m, map[int][]byte{0: compressed}, nil)

	a := New(f.plan, 0, f.config())
	if err := a.Run(context.Background(), f.source); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	got := f.targetBytes(t)
	if !bytes.Equal(got[:blockSize], content) {
		t.Error("xz block content mismatch")
	}
	if !bytes.Equal(got[blockSize:], make([]byte, blockSize)) {
		t.Error("zero block not zeroed")
	}
}

func TestApplier_Bsdiff(t *testing.T) {
	old := bytes.Repeat([]byte{0x10}, blockSize)
	new_ := bytes.Repeat([]byte{0x10}, blockSize)
	copy(new_[100:], []byte("patched content"))

	patch, err := bsdiff.Bytes(old, new_)
	if err != nil {
		t.Fatalf("failed to create patch: %v", err)
	}

	m := &payload.Manifest{
		BlockSize:    blockSize,
		MinorVersion: payload.DeltaPayloadMinorVersion,
		Partitions: []payload.PartitionUpdate{{
			Name:    "system",
			NewSize: blockSize,
			Operations: []payload.Operation{{
				Type:       payload.OpSourceBsdiff,
				SrcExtents: []blockdev.Extent{{StartBlock: 0, NumBlocks: 1}},
				DstExtents: []blockdev.Extent{{StartBlock: 0, NumBlocks: 1}},
			}},
		}},
	}
	f := newFixture(t, m, map[int][]byte{0: patch}, old)

	a := New(f.plan, 0, f.config())
	if err := a.Run(context.Background(), f.source); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if !bytes.Equal(f.targetBytes(t), new_) {
		t.Error("bsdiff result does not match expected new content")
	}
}

func TestApplier_OperationHashMismatch(t *testing.T) {
	m := &payload.Manifest{
		BlockSize:    blockSize,
		MinorVersion: payload.FullPayloadMinorVersion,
		Partitions: []payload.PartitionUpdate{{
			Name:    "system",
			NewSize: blockSize,
			Operations: []payload.Operation{
				{Type: payload.OpReplace, DstExtents: []blockdev.Extent{{StartBlock: 0, NumBlocks: 1}}},
			},
		}},
	}
	data := bytes.Repeat([]byte{0x0F}, blockSize)
	f := newFixture(t, m, map[int][]byte{0: data}, nil)

	// Corrupt the blob in place: find it after the metadata region.
	md, err := payload.ParseMetadata(f.raw)
	if err != nil {
		t.Fatalf("ParseMetadata failed: %v", err)
	}
	f.raw[md.Size()] ^= 0xFF
	if err := os.WriteFile(f.plan.Payloads[0].URLs[0], f.raw, 0o644); err != nil {
		t.Fatalf("failed to rewrite payload: %v", err)
	}
	// FILE_HASH still matches the original; the per-op hash must catch it.

	a := New(f.plan, 0, f.config())
	err = a.Run(context.Background(), f.source)
	if errors.CodeOf(err) != errors.DownloadOperationHashMismatch {
		t.Errorf("code = %v, want DownloadOperationHashMismatch", errors.CodeOf(err))
	}
}

func TestApplier_Cancel(t *testing.T) {
	m := &payload.Manifest{
		BlockSize:    blockSize,
		MinorVersion: payload.FullPayloadMinorVersion,
		Partitions: []payload.PartitionUpdate{{
			Name:    "system",
			NewSize: blockSize,
			Operations: []payload.Operation{
				{Type: payload.OpReplace, DstExtents: []blockdev.Extent{{StartBlock: 0, NumBlocks: 1}}},
			},
		}},
	}
	f := newFixture(t, m, map[int][]byte{0: make([]byte, blockSize)}, nil)

	cfg := f.config()
	cfg.ShouldCancel = func() bool { return true }

	a := New(f.plan, 0, cfg)
	err := a.Run(context.Background(), f.source)
	if errors.CodeOf(err) != errors.UserCancelled {
		t.Errorf("code = %v, want UserCancelled", errors.CodeOf(err))
	}
}

func TestApplier_ResumeAfterInterrupt(t *testing.T) {
	// Ten REPLACE ops, one block each, distinct fill bytes.
	var ops []payload.Operation
	blobs := map[int][]byte{}
	for i := 0; i < 10; i++ {
		ops = append(ops, payload.Operation{
			Type:       payload.OpReplace,
			DstExtents: []blockdev.Extent{{StartBlock: uint64(i), NumBlocks: 1}},
		})
		blobs[i] = bytes.Repeat([]byte{byte(0x20 + i)}, blockSize)
	}
	m := &payload.Manifest{
		BlockSize:    blockSize,
		MinorVersion: payload.FullPayloadMinorVersion,
		Partitions: []payload.PartitionUpdate{{
			Name:       "system",
			NewSize:    10 * blockSize,
			Operations: ops,
		}},
	}
	f := newFixture(t, m, blobs, nil)

	// First run: cancel after 5 operations.
	applied := 0
	cfg := f.config()
	cfg.Progress = func(done, total uint64) { applied++ }
	cfg.ShouldCancel = func() bool { return applied >= 5 }

	a := New(f.plan, 0, cfg)
	err := a.Run(context.Background(), f.source)
	if errors.CodeOf(err) != errors.UserCancelled {
		t.Fatalf("first run: code = %v, want UserCancelled", errors.CodeOf(err))
	}

	next, _ := f.store.GetInt64(prefs.KeyNextOperationIndex, -1)
	if next != 5 {
		t.Fatalf("checkpoint = %d, want 5", next)
	}

	// Second run resumes and completes.
	f.plan.IsResume = true
	a2 := New(f.plan, 0, f.config())
	if err := a2.Run(context.Background(), f.source); err != nil {
		t.Fatalf("resume run failed: %v", err)
	}

	got := f.targetBytes(t)
	for i := 0; i < 10; i++ {
		if got[i*blockSize] != byte(0x20+i) {
			t.Errorf("block %d = %#x, want %#x", i, got[i*blockSize], 0x20+i)
		}
	}
}

func TestApplier_ResumeWithoutMetadataCache(t *testing.T) {
	m := &payload.Manifest{
		BlockSize:    blockSize,
		MinorVersion: payload.FullPayloadMinorVersion,
		Partitions: []payload.PartitionUpdate{{
			Name:    "system",
			NewSize: blockSize,
			Operations: []payload.Operation{
				{Type: payload.OpReplace, DstExtents: []blockdev.Extent{{StartBlock: 0, NumBlocks: 1}}},
			},
		}},
	}
	f := newFixture(t, m, map[int][]byte{0: make([]byte, blockSize)}, nil)

	f.plan.IsResume = true
	cfg := f.config()
	cfg.MetadataCachePath = filepath.Join(f.dir, "does-not-exist")

	a := New(f.plan, 0, cfg)
	err := a.Run(context.Background(), f.source)
	if errors.CodeOf(err) != errors.DownloadIncomplete {
		t.Errorf("code = %v, want DownloadIncomplete", errors.CodeOf(err))
	}
}
