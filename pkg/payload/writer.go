package payload

import (
	"bytes"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// Writer assembles a payload envelope from a manifest and per-operation
// data blobs. The offline generator owns real payload production; this
// writer covers tooling and tests that need well-formed payloads.
type Writer struct {
	manifest *Manifest
	blobs    bytes.Buffer
}

// NewWriter wraps manifest. Operation data offsets are assigned as blobs
// are attached, in call order.
func NewWriter(manifest *Manifest) *Writer {
	return &Writer{manifest: manifest}
}

// SetOperationData attaches data as the blob for the given operation,
// filling its offset, length, and hash.
func (w *Writer) SetOperationData(partition string, opIndex int, data []byte) error {
	p := w.manifest.Partition(partition)
	if p == nil {
		return fmt.Errorf("unknown partition %q", partition)
	}
	if opIndex < 0 || opIndex >= len(p.Operations) {
		return fmt.Errorf("partition %q has no operation %d", partition, opIndex)
	}

	op := &p.Operations[opIndex]
	sum := sha256.Sum256(data)
	op.DataOffset = uint64(w.blobs.Len())
	op.DataLength = uint64(len(data))
	op.DataSHA256 = sum[:]
	w.blobs.Write(data)
	return nil
}

// WriteTo serializes the payload. When signKey is non-nil the manifest
// signature and the trailing payload signature are produced with it.
func (w *Writer) WriteTo(out io.Writer, signKey *rsa.PrivateKey) (int64, error) {
	if signKey != nil {
		w.manifest.SignaturesOffset = uint64(w.blobs.Len())
		w.manifest.SignaturesSize = uint64(signKey.Size())
	} else {
		w.manifest.SignaturesOffset = 0
		w.manifest.SignaturesSize = 0
	}

	manifestBytes, err := json.Marshal(w.manifest)
	if err != nil {
		return 0, fmt.Errorf("failed to encode manifest: %w", err)
	}

	var manifestSig []byte
	if signKey != nil {
		manifestSig, err = SignManifest(signKey, manifestBytes)
		if err != nil {
			return 0, err
		}
	}

	var buf bytes.Buffer
	buf.WriteString(Magic)
	binary.Write(&buf, binary.BigEndian, uint64(SupportedMajorVersion))
	binary.Write(&buf, binary.BigEndian, uint64(len(manifestBytes)))
	binary.Write(&buf, binary.BigEndian, uint32(len(manifestSig)))
	buf.Write(manifestBytes)
	buf.Write(manifestSig)
	buf.Write(w.blobs.Bytes())

	if signKey != nil {
		// The trailing signature covers the whole payload except itself.
		digest := sha256.Sum256(buf.Bytes())
		sig, err := rsa.SignPSS(rand.Reader, signKey, crypto.SHA256, digest[:], nil)
		if err != nil {
			return 0, fmt.Errorf("failed to sign payload: %w", err)
		}
		buf.Write(sig)
	}

	n, err := out.Write(buf.Bytes())
	return int64(n), err
}

// Bytes renders the payload into memory.
func (w *Writer) Bytes(signKey *rsa.PrivateKey) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := w.WriteTo(&buf, signKey); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// VerifyPayloadSignature checks the trailing signature of a fully
// assembled payload against key. The signed region is everything before
// the signature itself.
func VerifyPayloadSignature(full []byte, m *Metadata, key *rsa.PublicKey) error {
	sigStart := m.DataOffset(m.Manifest.SignaturesOffset)
	sigEnd := sigStart + m.Manifest.SignaturesSize
	if m.Manifest.SignaturesSize == 0 || uint64(len(full)) < sigEnd {
		return fmt.Errorf("payload has no trailing signature")
	}

	digest := sha256.Sum256(full[:sigStart])
	return rsa.VerifyPSS(key, crypto.SHA256, digest[:], full[sigStart:sigEnd], nil)
}
