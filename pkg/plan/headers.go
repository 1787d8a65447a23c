package plan

import (
	"encoding/base64"
	"strconv"
	"strings"

	"github.com/nimbleos/otad/pkg/errors"
)

// Payload header keys passed alongside ApplyPayload, one KEY=VALUE pair
// per line.
const (
	HeaderFileHash           = "FILE_HASH"
	HeaderFileSize           = "FILE_SIZE"
	HeaderMetadataHash       = "METADATA_HASH"
	HeaderMetadataSize       = "METADATA_SIZE"
	HeaderPublicKeyRSA       = "PUBLIC_KEY_RSA"
	HeaderPowerwash          = "POWERWASH"
	HeaderSwitchSlotOnReboot = "SWITCH_SLOT_ON_REBOOT"
	HeaderRunPostInstall     = "RUN_POST_INSTALL"
	HeaderNetworkID          = "NETWORK_ID"
	HeaderUserAgent          = "USER_AGENT"
	HeaderPayloadFingerprint = "PAYLOAD_FP"
)

// Headers is the parsed key/value header set.
type Headers struct {
	values map[string]string
}

// ParseHeaders parses KEY=VALUE pairs. Blank lines are skipped; a line
// without '=' is an error.
func ParseHeaders(lines []string) (*Headers, error) {
	h := &Headers{values: map[string]string{}}
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			return nil, errors.Codef(errors.DownloadStateInitializationError,
				"malformed payload header %q", line)
		}
		h.values[k] = v
	}
	return h, nil
}

// Get returns the raw header value, empty when absent.
func (h *Headers) Get(key string) string { return h.values[key] }

// MetadataHash returns the decoded METADATA_HASH header.
func (h *Headers) MetadataHash() ([]byte, error) { return h.base64Value(HeaderMetadataHash) }

// FileHash returns the decoded FILE_HASH header.
func (h *Headers) FileHash() ([]byte, error) { return h.base64Value(HeaderFileHash) }

func (h *Headers) base64Value(key string) ([]byte, error) {
	raw := h.values[key]
	if raw == "" {
		return nil, nil
	}
	decoded, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, errors.WithCode(errors.DownloadStateInitializationError,
			errors.Wrap(err, "malformed base64 header "+key))
	}
	return decoded, nil
}

func (h *Headers) uintValue(key string) (uint64, error) {
	raw := h.values[key]
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, errors.WithCode(errors.DownloadStateInitializationError,
			errors.Wrap(err, "malformed numeric header "+key))
	}
	return v, nil
}

// FromPayloadHeaders builds an install plan for one payload at url from
// the caller's headers, applying the documented header semantics.
func FromPayloadHeaders(url string, offset, length int64, lines []string) (*InstallPlan, error) {
	h, err := ParseHeaders(lines)
	if err != nil {
		return nil, err
	}

	p := NewInstallPlan()
	p.DownloadURL = url

	pl := Payload{
		URLs:   []string{url},
		Type:   PayloadTypeUnknown,
		Offset: offset,
		Length: length,
	}

	if pl.Hash, err = h.FileHash(); err != nil {
		return nil, err
	}
	if pl.Size, err = h.uintValue(HeaderFileSize); err != nil {
		return nil, err
	}
	if pl.MetadataSize, err = h.uintValue(HeaderMetadataSize); err != nil {
		return nil, err
	}
	if pl.MetadataHash, err = h.MetadataHash(); err != nil {
		return nil, err
	}
	pl.Fingerprint = h.Get(HeaderPayloadFingerprint)

	p.HashChecksMandatory = len(pl.Hash) > 0
	p.PublicKeyRSA = h.Get(HeaderPublicKeyRSA)
	p.PowerwashRequired = h.Get(HeaderPowerwash) == "1"
	if h.Get(HeaderSwitchSlotOnReboot) == "0" {
		p.SwitchSlotOnReboot = false
	}
	if h.Get(HeaderRunPostInstall) == "0" {
		p.RunPostInstall = false
	}

	p.Payloads = []Payload{pl}
	return p, nil
}
