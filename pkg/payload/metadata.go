package payload

import (
	"bytes"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/binary"
	"encoding/pem"
	"fmt"
	"log/slog"

	"github.com/nimbleos/otad/pkg/errors"
)

// Wire framing of the payload envelope.
const (
	Magic                 = "CrAU"
	SupportedMajorVersion = 2
	headerSize            = 24

	// maxManifestSize bounds what the parser will buffer; a manifest
	// larger than this is rejected before allocation.
	maxManifestSize = 64 << 20
)

// Header is the fixed-size payload prelude.
type Header struct {
	MajorVersion  uint64
	ManifestSize  uint64
	SignatureSize uint32
}

// MetadataSize returns the total size of header + manifest + manifest
// signature, i.e. the prefix that must be buffered before applying.
func (h *Header) MetadataSize() uint64 {
	return headerSize + h.ManifestSize + uint64(h.SignatureSize)
}

// ParseHeader decodes the first 24 bytes of a payload.
func ParseHeader(data []byte) (*Header, error) {
	if len(data) < headerSize {
		return nil, errors.Codef(errors.DownloadInvalidMetadataSize,
			"payload prefix too short: %d bytes", len(data))
	}
	if !bytes.Equal(data[:4], []byte(Magic)) {
		return nil, errors.Codef(errors.DownloadInvalidMetadataMagicString,
			"bad payload magic %q", data[:4])
	}

	h := &Header{
		MajorVersion:  binary.BigEndian.Uint64(data[4:12]),
		ManifestSize:  binary.BigEndian.Uint64(data[12:20]),
		SignatureSize: binary.BigEndian.Uint32(data[20:24]),
	}
	if h.MajorVersion != SupportedMajorVersion {
		return nil, errors.Codef(errors.UnsupportedMajorPayloadVersion,
			"unsupported major payload version %d", h.MajorVersion)
	}
	if h.ManifestSize == 0 || h.ManifestSize > maxManifestSize {
		return nil, errors.Codef(errors.DownloadInvalidMetadataSize,
			"implausible manifest size %d", h.ManifestSize)
	}
	return h, nil
}

// Metadata is the parsed, not-yet-authenticated payload prefix.
type Metadata struct {
	Header        *Header
	ManifestBytes []byte
	Signature     []byte
	Manifest      *Manifest
}

// Size returns the byte length of the metadata region.
func (m *Metadata) Size() uint64 { return m.Header.MetadataSize() }

// DataOffset translates an operation's data offset into an absolute
// payload offset. Blob offsets are relative to the end of the metadata.
func (m *Metadata) DataOffset(rel uint64) uint64 { return m.Size() + rel }

// ParseMetadata decodes the payload prefix: header, manifest, and the
// manifest signature. prefix must contain the whole metadata region.
func ParseMetadata(prefix []byte) (*Metadata, error) {
	h, err := ParseHeader(prefix)
	if err != nil {
		return nil, err
	}
	if uint64(len(prefix)) < h.MetadataSize() {
		return nil, errors.Codef(errors.DownloadIncomplete,
			"metadata region of %d bytes not fully present (%d buffered)",
			h.MetadataSize(), len(prefix))
	}

	manifestBytes := prefix[headerSize : headerSize+h.ManifestSize]
	signature := prefix[headerSize+h.ManifestSize : h.MetadataSize()]

	manifest, err := DecodeManifest(manifestBytes)
	if err != nil {
		return nil, err
	}

	slog.Info("payload_metadata_parsed",
		"manifest_size", h.ManifestSize,
		"signature_size", h.SignatureSize,
		"partitions", len(manifest.Partitions))

	return &Metadata{
		Header:        h,
		ManifestBytes: manifestBytes,
		Signature:     bytes.Clone(signature),
		Manifest:      manifest,
	}, nil
}

// MetadataHash computes the SHA-256 over the metadata region as clients
// supply it in the METADATA_HASH header: header bytes plus manifest bytes.
func MetadataHash(prefix []byte, h *Header) []byte {
	sum := sha256.Sum256(prefix[:headerSize+h.ManifestSize])
	return sum[:]
}

// VerifyOptions carries the caller-provided trust inputs.
type VerifyOptions struct {
	// MetadataHash, when non-empty, must equal the computed hash of the
	// metadata region.
	MetadataHash []byte

	// MetadataSignature, when non-empty, is an additional detached
	// RSA-PSS signature over the metadata hash (from payload headers).
	MetadataSignature []byte

	// PublicKeyPEM verifies the manifest signature. Base64-wrapped PEM
	// is accepted as the transport encodes it that way.
	PublicKeyPEM string

	// HashChecksMandatory requires a public key and a signature.
	HashChecksMandatory bool
}

// Verify authenticates the metadata against the caller's trust inputs:
// byte-for-byte metadata hash, then RSA-PSS manifest signature.
func (m *Metadata) Verify(prefix []byte, opts VerifyOptions) error {
	computed := MetadataHash(prefix, m.Header)

	if len(opts.MetadataHash) > 0 && !bytes.Equal(opts.MetadataHash, computed) {
		return errors.Codef(errors.PayloadMetadataVerificationError,
			"metadata hash mismatch: computed %x", computed)
	}

	key, err := ParsePublicKey(opts.PublicKeyPEM)
	if err != nil {
		return err
	}
	if key == nil {
		if opts.HashChecksMandatory {
			return errors.Codef(errors.SignedDeltaPayloadExpectedError,
				"hash checks mandatory but no public key supplied")
		}
		slog.Warn("payload_signature_check_skipped", "reason", "no_public_key")
		return nil
	}

	if len(m.Signature) == 0 && len(opts.MetadataSignature) == 0 {
		if opts.HashChecksMandatory {
			return errors.Codef(errors.SignedDeltaPayloadExpectedError,
				"payload metadata is unsigned")
		}
		return nil
	}

	manifestDigest := sha256.Sum256(m.ManifestBytes)
	if len(m.Signature) > 0 {
		if err := rsa.VerifyPSS(key, crypto.SHA256, manifestDigest[:], m.Signature, nil); err != nil {
			return errors.WithCode(errors.PayloadMetadataVerificationError,
				errors.Wrap(err, "manifest signature verification failed"))
		}
	}
	if len(opts.MetadataSignature) > 0 {
		if err := rsa.VerifyPSS(key, crypto.SHA256, computed, opts.MetadataSignature, nil); err != nil {
			return errors.WithCode(errors.PayloadMetadataVerificationError,
				errors.Wrap(err, "detached metadata signature verification failed"))
		}
	}

	slog.Info("payload_metadata_verified", "partitions", len(m.Manifest.Partitions))
	return nil
}

// ParsePublicKey decodes a PEM (optionally base64-wrapped) RSA public key.
// An empty input returns (nil, nil).
func ParsePublicKey(pemData string) (*rsa.PublicKey, error) {
	if pemData == "" {
		return nil, nil
	}

	raw := []byte(pemData)
	if !bytes.Contains(raw, []byte("-----BEGIN")) {
		decoded, err := base64.StdEncoding.DecodeString(pemData)
		if err != nil {
			return nil, errors.WithCode(errors.PayloadPubKeyVerificationError,
				errors.Wrap(err, "public key is neither PEM nor base64"))
		}
		raw = decoded
	}

	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, errors.Codef(errors.PayloadPubKeyVerificationError,
			"no PEM block in public key")
	}

	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, errors.WithCode(errors.PayloadPubKeyVerificationError,
			errors.Wrap(err, "failed to parse public key"))
	}
	key, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, errors.Codef(errors.PayloadPubKeyVerificationError,
			"public key is %T, want RSA", parsed)
	}
	return key, nil
}

// SignManifest produces the RSA-PSS manifest signature the envelope
// carries. Exposed for payload construction in tests and tooling.
func SignManifest(key *rsa.PrivateKey, manifestBytes []byte) ([]byte, error) {
	digest := sha256.Sum256(manifestBytes)
	sig, err := rsa.SignPSS(rand.Reader, key, crypto.SHA256, digest[:], nil)
	if err != nil {
		return nil, fmt.Errorf("failed to sign manifest: %w", err)
	}
	return sig, nil
}

// EncodePublicKeyPEM renders an RSA public key as PEM, the format the
// PUBLIC_KEY_RSA header transports (base64-wrapped).
func EncodePublicKeyPEM(key *rsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(key)
	if err != nil {
		return "", fmt.Errorf("failed to marshal public key: %w", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})), nil
}
