// Package applier executes manifest operations against partition
// targets: the streaming hot loop of the update engine. It consumes the
// payload sequentially, dispatches each operation to positioned extent
// writes, checkpoints after every operation, and honors suspend, cancel,
// and partial-download resume.
package applier

import (
	"bytes"
	"io"

	"github.com/andybalholm/brotli"
	"github.com/gabstv/go-bsdiff/pkg/bspatch"
	"github.com/klauspost/compress/zstd"
	"github.com/nimbleos/otad/pkg/errors"
	"github.com/nimbleos/otad/pkg/payload"
	"github.com/ulikunitz/xz"
)

// Patcher turns an old byte run and a patch blob into the new bytes.
type Patcher func(old, patch []byte) ([]byte, error)

// Registry maps diff operation types to their patchers. Dispatch stays a
// switch on the operation tag; the registry only supplies the decoder
// for the diff family the tag names.
type Registry map[payload.OpType]Patcher

// DefaultRegistry wires the decoders available in this build. Diff
// families without a Go decoder are present as explicit unsupported
// entries so the dispatch remains exhaustive.
func DefaultRegistry() Registry {
	return Registry{
		payload.OpSourceBsdiff: bsdiffPatch,
		payload.OpBrotliBsdiff: func(old, patch []byte) ([]byte, error) {
			raw, err := decompressBrotli(patch)
			if err != nil {
				return nil, err
			}
			return bsdiffPatch(old, raw)
		},
		payload.OpLz4diffBsdiff: func(old, patch []byte) ([]byte, error) {
			raw, err := decompressZstd(patch)
			if err != nil {
				return nil, err
			}
			return bsdiffPatch(old, raw)
		},
		payload.OpPuffdiff:        unsupported(payload.OpPuffdiff),
		payload.OpZucchini:        unsupported(payload.OpZucchini),
		payload.OpLz4diffPuffdiff: unsupported(payload.OpLz4diffPuffdiff),
	}
}

func unsupported(t payload.OpType) Patcher {
	return func(old, patch []byte) ([]byte, error) {
		return nil, errors.Codef(errors.DownloadOperationExecutionError,
			"no %s decoder available", t)
	}
}

func bsdiffPatch(old, patch []byte) ([]byte, error) {
	out, err := bspatch.Bytes(old, patch)
	if err != nil {
		return nil, errors.WithCode(errors.DownloadOperationExecutionError,
			errors.Wrap(err, "bsdiff patch failed"))
	}
	return out, nil
}

func decompressBrotli(data []byte) ([]byte, error) {
	out, err := io.ReadAll(brotli.NewReader(bytes.NewReader(data)))
	if err != nil {
		return nil, errors.WithCode(errors.DownloadOperationExecutionError,
			errors.Wrap(err, "brotli decompression failed"))
	}
	return out, nil
}

func decompressZstd(data []byte) ([]byte, error) {
	dec, err := zstd.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, errors.WithCode(errors.DownloadOperationExecutionError, err)
	}
	defer dec.Close()

	out, err := io.ReadAll(dec)
	if err != nil {
		return nil, errors.WithCode(errors.DownloadOperationExecutionError,
			errors.Wrap(err, "zstd decompression failed"))
	}
	return out, nil
}

func decompressXZ(data []byte) ([]byte, error) {
	r, err := xz.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, errors.WithCode(errors.DownloadOperationExecutionError, err)
	}
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.WithCode(errors.DownloadOperationExecutionError,
			errors.Wrap(err, "xz decompression failed"))
	}
	return out, nil
}

// CompressXZ produces an xz stream, used by payload construction in
// tests and tooling.
func CompressXZ(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := xz.NewWriter(&buf)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
