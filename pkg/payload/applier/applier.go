package applier

import (
	"bytes"
	"compress/bzip2"
	"context"
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"encoding"
	"encoding/base64"
	"hash"
	"io"
	"log/slog"
	"os"

	"github.com/google/renameio/v2"
	"github.com/nimbleos/otad/pkg/blockdev"
	"github.com/nimbleos/otad/pkg/errors"
	"github.com/nimbleos/otad/pkg/fetch"
	"github.com/nimbleos/otad/pkg/payload"
	"github.com/nimbleos/otad/pkg/plan"
	"github.com/nimbleos/otad/pkg/prefs"
)

// Config wires the applier's collaborators.
type Config struct {
	Prefs *prefs.Store

	// MetadataCachePath is where the downloaded payload prefix is kept
	// so a resumed attempt can re-parse the manifest without network.
	MetadataCachePath string

	Patchers Registry

	// Gate is the suspend point polled between operations.
	Gate *Gate

	// ShouldCancel is polled at operation boundaries and again before a
	// decoded operation result is written.
	ShouldCancel func() bool

	// Progress receives (downloaded, total) byte counts.
	Progress func(downloaded, total uint64)

	// OnManifest runs after the manifest is authenticated and before
	// any write; the stage uses it to populate the plan's partitions.
	OnManifest func(md *payload.Metadata) error

	// CurrentSecurityPatchLevel guards SPL downgrades.
	CurrentSecurityPatchLevel string
}

// Applier streams one payload and applies its operations.
type Applier struct {
	plan    *plan.InstallPlan
	pidx    int
	cfg     Config
	targets map[string]*partitionTarget

	reader     io.ReadCloser
	hash       hash.Hash
	readOffset uint64
	totalSize  uint64

	// resumeStart is the stream position the reader was opened at, used
	// to account bytes downloaded by this run.
	resumeStart uint64
}

type partitionTarget struct {
	part   *plan.Partition
	target blockdev.Target
	source *os.File
}

// New builds an applier for plan payload pidx.
func New(p *plan.InstallPlan, pidx int, cfg Config) *Applier {
	if cfg.Patchers == nil {
		cfg.Patchers = DefaultRegistry()
	}
	if cfg.Gate == nil {
		cfg.Gate = NewGate()
	}
	if cfg.ShouldCancel == nil {
		cfg.ShouldCancel = func() bool { return false }
	}
	return &Applier{plan: p, pidx: pidx, cfg: cfg, targets: map[string]*partitionTarget{}}
}

// Run downloads and applies the payload. On return the target partitions
// hold the operations' results; verification is a later stage.
func (a *Applier) Run(ctx context.Context, source fetch.Source) error {
	pl := &a.plan.Payloads[a.pidx]

	md, prefix, err := a.loadMetadata(ctx, source, pl)
	if err != nil {
		return err
	}

	if err := md.Verify(prefix, payload.VerifyOptions{
		MetadataHash:        pl.MetadataHash,
		MetadataSignature:   pl.MetadataSignature,
		PublicKeyPEM:        a.plan.PublicKeyRSA,
		HashChecksMandatory: a.plan.HashChecksMandatory,
	}); err != nil {
		return err
	}
	if a.plan.HashChecksMandatory && md.Manifest.SignaturesSize == 0 {
		return errors.Codef(errors.SignedDeltaPayloadExpectedError,
			"payload carries no trailing signature")
	}

	if err := a.checkSPLDowngrade(md.Manifest); err != nil {
		return err
	}

	if md.Manifest.IsDelta() {
		pl.Type = plan.PayloadTypeDelta
	} else {
		pl.Type = plan.PayloadTypeFull
	}

	if a.cfg.OnManifest != nil {
		if err := a.cfg.OnManifest(md); err != nil {
			return err
		}
	}
	if err := a.plan.Validate(); err != nil {
		return err
	}

	if pl.AlreadyApplied {
		slog.Info("payload_already_applied", "fingerprint", pl.Fingerprint)
		return nil
	}

	if a.totalSize = pl.Size; a.totalSize == 0 {
		if n, err := source.Size(ctx); err == nil && n > 0 {
			a.totalSize = uint64(n)
		}
	}

	if err := a.openTargets(); err != nil {
		return err
	}
	defer a.closeTargets()

	ops := flattenOperations(md.Manifest)
	start, err := a.initDownloadState(ctx, source, pl, md, prefix, len(ops))
	if err != nil {
		return err
	}
	defer a.reader.Close()

	slog.Info("payload_apply_start",
		"operations", len(ops), "resume_from", start,
		"payload_type", string(pl.Type), "partitions", len(a.plan.Partitions))

	for i := start; i < len(ops); i++ {
		if err := a.checkpointGate(ctx); err != nil {
			return err
		}
		if err := a.applyOperation(md, ops[i]); err != nil {
			return err
		}
		if err := a.persistCheckpoint(i + 1); err != nil {
			return err
		}
		if a.cfg.Progress != nil {
			a.cfg.Progress(a.readOffset, a.totalSize)
		}
	}

	if err := a.finalize(pl, md); err != nil {
		return err
	}

	for _, t := range a.targets {
		if err := t.target.Sync(); err != nil {
			return errors.WithCode(errors.DownloadWriteError, err)
		}
	}

	slog.Info("payload_apply_complete", "bytes", a.readOffset)
	return nil
}

// checkpointGate handles suspend and cancel at an operation boundary.
func (a *Applier) checkpointGate(ctx context.Context) error {
	if err := a.cfg.Gate.Wait(ctx); err != nil {
		return errors.WithCode(errors.UserCancelled, err)
	}
	if ctx.Err() != nil || a.cfg.ShouldCancel() {
		return errors.Codef(errors.UserCancelled, "update cancelled")
	}
	return nil
}

// loadMetadata produces the authenticated-parseable payload prefix: from
// the on-disk cache when resuming, from the stream otherwise.
func (a *Applier) loadMetadata(ctx context.Context, source fetch.Source, pl *plan.Payload) (*payload.Metadata, []byte, error) {
	if a.plan.IsResume {
		prefix, err := os.ReadFile(a.cfg.MetadataCachePath)
		if err != nil {
			return nil, nil, errors.WithCode(errors.DownloadIncomplete,
				errors.Wrap(err, "no cached payload metadata to resume from"))
		}
		md, err := payload.ParseMetadata(prefix)
		if err != nil {
			return nil, nil, err
		}
		return md, prefix, nil
	}

	r := fetch.NewResumingReader(ctx, source, 0)
	head := make([]byte, 24)
	if _, err := io.ReadFull(r, head); err != nil {
		r.Close()
		return nil, nil, errors.WithCode(errors.DownloadTransferError,
			errors.Wrap(err, "failed to read payload header"))
	}
	h, err := payload.ParseHeader(head)
	if err != nil {
		r.Close()
		return nil, nil, err
	}

	rest := make([]byte, h.MetadataSize()-24)
	if _, err := io.ReadFull(r, rest); err != nil {
		r.Close()
		return nil, nil, errors.WithCode(errors.DownloadTransferError,
			errors.Wrap(err, "failed to read payload metadata"))
	}
	r.Close()

	prefix := append(head, rest...)
	md, err := payload.ParseMetadata(prefix)
	if err != nil {
		return nil, nil, err
	}

	if a.cfg.MetadataCachePath != "" {
		if err := renameio.WriteFile(a.cfg.MetadataCachePath, prefix, 0o644); err != nil {
			return nil, nil, errors.Wrap(err, "failed to cache payload metadata")
		}
	}
	return md, prefix, nil
}

// initDownloadState sets up the hash context, byte offset, and reader:
// restored from the checkpoint on resume, fresh otherwise. Returns the
// first operation index to apply.
func (a *Applier) initDownloadState(ctx context.Context, source fetch.Source, pl *plan.Payload, md *payload.Metadata, prefix []byte, numOps int) (int, error) {
	fresh := func() (int, error) {
		a.hash = sha256.New()
		a.hash.Write(prefix)
		a.readOffset = md.Size()

		if err := a.cfg.Prefs.Set(prefs.KeyResumedPayloadFingerprint, pl.Fingerprint); err != nil {
			return 0, err
		}
		if err := a.persistCheckpoint(0); err != nil {
			return 0, err
		}
		a.reader = fetch.NewResumingReader(ctx, source, int64(a.readOffset))
		if a.plan.IsResume {
			// Metadata came from the on-disk cache, not the network.
			a.resumeStart = a.readOffset
		}
		return 0, nil
	}

	if !a.plan.IsResume {
		return fresh()
	}

	fp, _, err := a.cfg.Prefs.Get(prefs.KeyResumedPayloadFingerprint)
	if err != nil {
		return 0, err
	}
	if fp != pl.Fingerprint {
		slog.Warn("resume_fingerprint_mismatch", "persisted", fp, "payload", pl.Fingerprint)
		return fresh()
	}

	next, err := a.cfg.Prefs.GetInt64(prefs.KeyNextOperationIndex, 0)
	if err != nil || next <= 0 || next > int64(numOps) {
		return fresh()
	}

	offset, err := a.cfg.Prefs.GetInt64(prefs.KeyCurrentBytesDownloaded, 0)
	if err != nil || offset < int64(md.Size()) {
		return fresh()
	}

	state, ok, err := a.cfg.Prefs.Get(prefs.KeyUpdateStateHashContext)
	if err != nil || !ok {
		return fresh()
	}
	raw, err := base64.StdEncoding.DecodeString(state)
	if err != nil {
		return fresh()
	}
	h := sha256.New()
	if err := h.(encoding.BinaryUnmarshaler).UnmarshalBinary(raw); err != nil {
		slog.Warn("resume_hash_state_invalid", "error", err)
		return fresh()
	}

	a.hash = h
	a.readOffset = uint64(offset)
	a.resumeStart = uint64(offset)
	a.reader = fetch.NewResumingReader(ctx, source, offset)

	slog.Info("payload_resume", "next_operation", next, "offset", offset)
	return int(next), nil
}

func (a *Applier) persistCheckpoint(nextOp int) error {
	if err := a.cfg.Prefs.SetInt64(prefs.KeyNextOperationIndex, int64(nextOp)); err != nil {
		return err
	}
	if err := a.cfg.Prefs.SetInt64(prefs.KeyCurrentBytesDownloaded, int64(a.readOffset)); err != nil {
		return err
	}

	raw, err := a.hash.(encoding.BinaryMarshaler).MarshalBinary()
	if err != nil {
		return errors.Wrap(err, "failed to snapshot hash state")
	}
	return a.cfg.Prefs.Set(prefs.KeyUpdateStateHashContext, base64.StdEncoding.EncodeToString(raw))
}

func (a *Applier) checkSPLDowngrade(m *payload.Manifest) error {
	if m.SecurityPatchLevel == "" || a.cfg.CurrentSecurityPatchLevel == "" {
		return nil
	}
	if m.SecurityPatchLevel < a.cfg.CurrentSecurityPatchLevel && !a.plan.SplDowngrade {
		return errors.Codef(errors.PayloadTimestampError,
			"payload SPL %s is older than device SPL %s",
			m.SecurityPatchLevel, a.cfg.CurrentSecurityPatchLevel)
	}
	return nil
}

func (a *Applier) openTargets() error {
	for i := range a.plan.Partitions {
		part := &a.plan.Partitions[i]

		var target blockdev.Target
		var err error
		if part.TargetPath != "" {
			target, err = blockdev.OpenFileTarget(part.TargetPath, int64(part.TargetSize), part.BlockSize)
		} else {
			target, err = blockdev.OpenCowTarget(part.CowPath, part.SourcePath, int64(part.TargetSize), part.BlockSize)
		}
		if err != nil {
			a.closeTargets()
			return err
		}

		pt := &partitionTarget{part: part, target: target}
		if part.SourcePath != "" {
			pt.source, err = os.Open(part.SourcePath)
			if err != nil {
				target.Close()
				a.closeTargets()
				return errors.WithCode(errors.InstallDeviceOpenError,
					errors.Wrap(err, "failed to open source for "+part.Name))
			}
		}
		a.targets[part.Name] = pt
	}
	return nil
}

func (a *Applier) closeTargets() {
	for name, t := range a.targets {
		t.target.Close()
		if t.source != nil {
			t.source.Close()
		}
		delete(a.targets, name)
	}
}

// opRef addresses one operation inside the manifest.
type opRef struct {
	partition string
	op        *payload.Operation
}

// flattenOperations lists all operations in manifest order; the
// persisted next_operation_index counts in this order.
func flattenOperations(m *payload.Manifest) []opRef {
	var ops []opRef
	for i := range m.Partitions {
		p := &m.Partitions[i]
		for j := range p.Operations {
			ops = append(ops, opRef{partition: p.Name, op: &p.Operations[j]})
		}
	}
	return ops
}

// consume reads n payload bytes sequentially, folding them into the
// payload hash.
func (a *Applier) consume(n uint64) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(a.reader, buf); err != nil {
		return nil, errors.WithCode(errors.DownloadTransferError,
			errors.Wrap(err, "payload stream ended early"))
	}
	a.hash.Write(buf)
	a.readOffset += n
	return buf, nil
}

// skipTo advances the stream to an absolute payload offset, hashing the
// skipped bytes. Blob offsets must be non-decreasing in apply order.
func (a *Applier) skipTo(offset uint64) error {
	if offset < a.readOffset {
		return errors.Codef(errors.DownloadStateInitializationError,
			"payload blob offset %d behind stream position %d", offset, a.readOffset)
	}
	for a.readOffset < offset {
		chunk := offset - a.readOffset
		if chunk > 1<<20 {
			chunk = 1 << 20
		}
		if _, err := a.consume(chunk); err != nil {
			return err
		}
	}
	return nil
}

func (a *Applier) applyOperation(md *payload.Metadata, ref opRef) error {
	op := ref.op
	pt := a.targets[ref.partition]
	if pt == nil {
		return errors.Codef(errors.InstallDeviceOpenError,
			"operation for unknown partition %q", ref.partition)
	}

	var data []byte
	if op.Type.HasData() {
		if err := a.skipTo(md.DataOffset(op.DataOffset)); err != nil {
			return err
		}
		var err error
		if data, err = a.consume(op.DataLength); err != nil {
			return err
		}
		if len(op.DataSHA256) > 0 {
			sum := sha256.Sum256(data)
			if !bytes.Equal(sum[:], op.DataSHA256) {
				return errors.Codef(errors.DownloadOperationHashMismatch,
					"operation data hash mismatch on partition %q", ref.partition)
			}
		}
	}

	return a.execute(pt, op, data)
}

func (a *Applier) execute(pt *partitionTarget, op *payload.Operation, data []byte) error {
	blockSize := pt.part.BlockSize
	outLen := blockdev.TotalBlocks(op.DstExtents) * blockSize

	var out []byte
	switch op.Type {
	case payload.OpReplace:
		out = data

	case payload.OpReplaceBZ:
		raw, err := io.ReadAll(bzip2.NewReader(bytes.NewReader(data)))
		if err != nil {
			return errors.WithCode(errors.DownloadOperationExecutionError,
				errors.Wrap(err, "bzip2 decompression failed"))
		}
		out = raw

	case payload.OpReplaceXZ:
		raw, err := decompressXZ(data)
		if err != nil {
			return err
		}
		out = raw

	case payload.OpZero:
		out = make([]byte, outLen)

	case payload.OpDiscard:
		for _, e := range op.DstExtents {
			if err := pt.target.Discard(e); err != nil {
				return errors.WithCode(errors.DownloadWriteError, err)
			}
		}
		return nil

	case payload.OpSourceCopy:
		old, err := a.readSource(pt, op.SrcExtents)
		if err != nil {
			return err
		}
		out = old

	case payload.OpSourceBsdiff, payload.OpBrotliBsdiff, payload.OpPuffdiff,
		payload.OpZucchini, payload.OpLz4diffBsdiff, payload.OpLz4diffPuffdiff:
		old, err := a.readSource(pt, op.SrcExtents)
		if err != nil {
			return err
		}
		patcher, ok := a.cfg.Patchers[op.Type]
		if !ok {
			return errors.Codef(errors.DownloadOperationExecutionError,
				"no patcher registered for %s", op.Type)
		}
		out, err = patcher(old, data)
		if err != nil {
			return err
		}

	default:
		return errors.Codef(errors.DownloadOperationExecutionError,
			"unknown operation type %q", op.Type)
	}

	if uint64(len(out)) != outLen {
		return errors.Codef(errors.PayloadSizeMismatchError,
			"%s produced %d bytes for %d destination bytes", op.Type, len(out), outLen)
	}
	if a.cfg.ShouldCancel() {
		return errors.Codef(errors.UserCancelled, "update cancelled")
	}
	return a.writeExtents(pt, out, op.DstExtents)
}

// readSource concatenates the source-partition bytes of extents.
func (a *Applier) readSource(pt *partitionTarget, extents []blockdev.Extent) ([]byte, error) {
	if pt.source == nil {
		return nil, errors.Codef(errors.InstallDeviceOpenError,
			"partition %q has no source device", pt.part.Name)
	}

	blockSize := pt.part.BlockSize
	out := make([]byte, 0, blockdev.TotalBlocks(extents)*blockSize)
	for _, e := range extents {
		buf := make([]byte, e.Bytes(blockSize))
		if _, err := pt.source.ReadAt(buf, int64(e.StartBlock*blockSize)); err != nil && err != io.EOF {
			return nil, errors.WithCode(errors.DownloadStateInitializationError,
				errors.Wrap(err, "source read failed"))
		}
		out = append(out, buf...)
	}
	return out, nil
}

// writeExtents distributes out across the destination extents with
// positioned writes, coalescing adjacent runs when batching is on.
func (a *Applier) writeExtents(pt *partitionTarget, out []byte, extents []blockdev.Extent) error {
	if a.plan.BatchedWrites {
		extents = blockdev.Coalesce(extents)
	}

	blockSize := pt.part.BlockSize
	var off uint64
	for _, e := range extents {
		n := e.Bytes(blockSize)
		if err := pt.target.WriteExtent(out[off:off+n], e); err != nil {
			return err
		}
		off += n
	}
	return nil
}

// finalize consumes the trailing payload signature and checks the
// whole-payload hash and size against the caller's expectations.
func (a *Applier) finalize(pl *plan.Payload, md *payload.Metadata) error {
	if md.Manifest.SignaturesSize > 0 {
		if err := a.skipTo(md.DataOffset(md.Manifest.SignaturesOffset)); err != nil {
			return err
		}

		// Sum is non-destructive; this digest excludes the signature.
		digest := a.hash.Sum(nil)

		sig, err := a.consume(md.Manifest.SignaturesSize)
		if err != nil {
			return err
		}

		key, err := payload.ParsePublicKey(a.plan.PublicKeyRSA)
		if err != nil {
			return err
		}
		if key != nil {
			if err := rsa.VerifyPSS(key, crypto.SHA256, digest, sig, nil); err != nil {
				return errors.WithCode(errors.PayloadPubKeyVerificationError,
					errors.Wrap(err, "payload signature verification failed"))
			}
		}
	}

	if pl.Size > 0 && a.readOffset != pl.Size {
		return errors.Codef(errors.PayloadSizeMismatchError,
			"payload is %d bytes, expected %d", a.readOffset, pl.Size)
	}

	if len(pl.Hash) > 0 {
		final := a.hash.Sum(nil)
		if !bytes.Equal(final, pl.Hash) {
			return errors.Codef(errors.PayloadHashMismatchError,
				"payload hash mismatch: computed %x", final)
		}
	}

	prev, err := a.cfg.Prefs.GetInt64(prefs.KeyTotalBytesDownloaded, 0)
	if err != nil {
		return err
	}
	return a.cfg.Prefs.SetInt64(prefs.KeyTotalBytesDownloaded,
		prev+int64(a.readOffset-a.resumeStart))
}
