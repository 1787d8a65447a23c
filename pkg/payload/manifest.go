// Package payload parses and authenticates the binary update payload:
// the CrAU envelope, the serialized manifest describing per-partition
// install operations, and the detached signatures over both.
package payload

import (
	"encoding/json"
	"fmt"

	"github.com/nimbleos/otad/pkg/blockdev"
	"github.com/nimbleos/otad/pkg/errors"
)

// OpType enumerates the install operation kinds. Dispatch on the tag is a
// switch so a new type is a compile-time exhaustiveness concern, not a
// virtual call.
type OpType string

const (
	OpReplace         OpType = "REPLACE"
	OpReplaceBZ       OpType = "REPLACE_BZ"
	OpReplaceXZ       OpType = "REPLACE_XZ"
	OpZero            OpType = "ZERO"
	OpDiscard         OpType = "DISCARD"
	OpSourceCopy      OpType = "SOURCE_COPY"
	OpSourceBsdiff    OpType = "SOURCE_BSDIFF"
	OpBrotliBsdiff    OpType = "BROTLI_BSDIFF"
	OpPuffdiff        OpType = "PUFFDIFF"
	OpZucchini        OpType = "ZUCCHINI"
	OpLz4diffBsdiff   OpType = "LZ4DIFF_BSDIFF"
	OpLz4diffPuffdiff OpType = "LZ4DIFF_PUFFDIFF"
)

// HasSourceExtents reports whether the operation reads old-slot blocks.
func (t OpType) HasSourceExtents() bool {
	switch t {
	case OpSourceCopy, OpSourceBsdiff, OpBrotliBsdiff, OpPuffdiff,
		OpZucchini, OpLz4diffBsdiff, OpLz4diffPuffdiff:
		return true
	}
	return false
}

// HasData reports whether the operation consumes a data blob.
func (t OpType) HasData() bool {
	switch t {
	case OpZero, OpDiscard, OpSourceCopy:
		return false
	}
	return true
}

// Operation is one unit of work against a partition's target extents.
// DataOffset is relative to the start of the payload data section.
type Operation struct {
	Type       OpType            `json:"type"`
	SrcExtents []blockdev.Extent `json:"src_extents,omitempty"`
	DstExtents []blockdev.Extent `json:"dst_extents"`
	DataOffset uint64            `json:"data_offset,omitempty"`
	DataLength uint64            `json:"data_length,omitempty"`
	DataSHA256 []byte            `json:"data_sha256_hash,omitempty"`
}

// VerityConfig locates the hash-tree region of a partition.
type VerityConfig struct {
	DataExtent     blockdev.Extent `json:"data_extent"`
	HashTreeExtent blockdev.Extent `json:"hash_tree_extent"`
	Algorithm      string          `json:"hash_algorithm"`
	Salt           []byte          `json:"salt,omitempty"`
}

// FecConfig locates the forward-error-correction parity region.
type FecConfig struct {
	DataExtent blockdev.Extent `json:"data_extent"`
	FecExtent  blockdev.Extent `json:"fec_extent"`
	Roots      int             `json:"fec_roots"`
}

// PostinstallConfig describes the per-partition postinstall hook.
type PostinstallConfig struct {
	Run            bool   `json:"run_postinstall"`
	Path           string `json:"postinstall_path,omitempty"`
	FilesystemType string `json:"filesystem_type,omitempty"`
	Optional       bool   `json:"postinstall_optional,omitempty"`
}

// PartitionUpdate describes how one partition reaches its target state.
type PartitionUpdate struct {
	Name        string             `json:"partition_name"`
	Version     string             `json:"version,omitempty"`
	Operations  []Operation        `json:"operations"`
	NewSize     uint64             `json:"new_partition_size"`
	NewHash     []byte             `json:"new_partition_hash"`
	OldSize     uint64             `json:"old_partition_size,omitempty"`
	OldHash     []byte             `json:"old_partition_hash,omitempty"`
	Verity      *VerityConfig      `json:"hash_tree,omitempty"`
	Fec         *FecConfig         `json:"fec,omitempty"`
	Postinstall *PostinstallConfig `json:"postinstall,omitempty"`
}

// Manifest is the decoded payload manifest.
type Manifest struct {
	BlockSize          uint64            `json:"block_size"`
	MinorVersion       uint32            `json:"minor_version"`
	MaxTimestamp       int64             `json:"max_timestamp,omitempty"`
	SecurityPatchLevel string            `json:"security_patch_level,omitempty"`
	Partitions         []PartitionUpdate `json:"partitions"`
	PartialUpdate      bool              `json:"partial_update,omitempty"`

	// SignaturesOffset/SignaturesSize locate the trailing payload
	// signature inside the data section (offset is relative to the end
	// of the metadata). Zero size means the payload is unsigned.
	SignaturesOffset uint64 `json:"signatures_offset,omitempty"`
	SignaturesSize   uint64 `json:"signatures_size,omitempty"`
}

// Supported minor versions. Zero means a full payload; delta payloads use
// the current delta format version.
const (
	FullPayloadMinorVersion  = 0
	DeltaPayloadMinorVersion = 8
)

// DecodeManifest parses and structurally validates manifest bytes.
func DecodeManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, errors.WithCode(errors.DownloadManifestParseError,
			errors.Wrap(err, "failed to decode manifest"))
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate enforces the structural manifest invariants.
func (m *Manifest) Validate() error {
	if m.BlockSize == 0 || m.BlockSize&(m.BlockSize-1) != 0 {
		return errors.Codef(errors.DownloadManifestParseError,
			"block_size %d is not a power of two", m.BlockSize)
	}
	if m.MinorVersion != FullPayloadMinorVersion && m.MinorVersion != DeltaPayloadMinorVersion {
		return errors.Codef(errors.UnsupportedMinorPayloadVersion,
			"unsupported minor version %d", m.MinorVersion)
	}

	seen := map[string]struct{}{}
	for i := range m.Partitions {
		p := &m.Partitions[i]
		if _, dup := seen[p.Name]; dup {
			return errors.Codef(errors.DownloadManifestParseError,
				"duplicate partition %q", p.Name)
		}
		seen[p.Name] = struct{}{}

		if p.NewSize%m.BlockSize != 0 {
			return errors.Codef(errors.DownloadManifestParseError,
				"partition %q: target size %d is not a multiple of block size", p.Name, p.NewSize)
		}

		blocks := p.NewSize / m.BlockSize
		for j, op := range p.Operations {
			if len(op.DstExtents) == 0 {
				return errors.Codef(errors.DownloadManifestParseError,
					"partition %q op %d has no dst extents", p.Name, j)
			}
			for _, e := range op.DstExtents {
				if e.End() > blocks {
					return errors.Codef(errors.PayloadMismatchedType,
						"partition %q op %d writes past partition end (block %d of %d)",
						p.Name, j, e.End(), blocks)
				}
			}
			if op.Type.HasData() && op.DataLength == 0 {
				return errors.Codef(errors.DownloadManifestParseError,
					"partition %q op %d (%s) missing data", p.Name, j, op.Type)
			}
			if !op.Type.HasData() && op.DataLength != 0 {
				return errors.Codef(errors.DownloadManifestParseError,
					"partition %q op %d (%s) carries unexpected data", p.Name, j, op.Type)
			}
			if op.Type.HasSourceExtents() && len(op.SrcExtents) == 0 {
				return errors.Codef(errors.DownloadManifestParseError,
					"partition %q op %d (%s) missing src extents", p.Name, j, op.Type)
			}
		}
	}
	return nil
}

// Partition returns the named partition update, or nil.
func (m *Manifest) Partition(name string) *PartitionUpdate {
	for i := range m.Partitions {
		if m.Partitions[i].Name == name {
			return &m.Partitions[i]
		}
	}
	return nil
}

// IsDelta reports whether any operation reads source blocks.
func (m *Manifest) IsDelta() bool {
	for _, p := range m.Partitions {
		for _, op := range p.Operations {
			if op.Type.HasSourceExtents() {
				return true
			}
		}
	}
	return false
}

// TotalDataBlocks sums destination blocks across all partitions, used to
// weight apply progress.
func (m *Manifest) TotalDataBlocks() uint64 {
	var n uint64
	for _, p := range m.Partitions {
		for _, op := range p.Operations {
			n += blockdev.TotalBlocks(op.DstExtents)
		}
	}
	return n
}

func (m *Manifest) String() string {
	return fmt.Sprintf("manifest{block_size=%d minor=%d partitions=%d}",
		m.BlockSize, m.MinorVersion, len(m.Partitions))
}
