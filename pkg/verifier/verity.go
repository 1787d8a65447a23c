package verifier

import (
	"crypto/sha256"

	"github.com/klauspost/reedsolomon"
	"github.com/nimbleos/otad/pkg/blockdev"
	"github.com/nimbleos/otad/pkg/errors"
	"github.com/nimbleos/otad/pkg/plan"
)

// writeVerity computes and writes the integrity metadata the manifest
// reserves space for: the SHA-256 hash tree over the data extent, then
// Reed-Solomon parity covering the same region.
func writeVerity(target blockdev.Target, part *plan.Partition) error {
	if part.Verity != nil {
		if err := writeHashTree(target, part); err != nil {
			return err
		}
	}
	if part.Fec != nil {
		if err := writeFec(target, part); err != nil {
			return err
		}
	}
	return nil
}

// writeHashTree builds a bottom-up hash tree: one SHA-256 per data
// block, each level padded to whole blocks, repeated until one block
// holds a level. Levels are written top-down into the hash tree extent.
func writeHashTree(target blockdev.Target, part *plan.Partition) error {
	v := part.Verity
	blockSize := part.BlockSize
	if v.Algorithm != "" && v.Algorithm != "sha256" {
		return errors.Codef(errors.VerityCalculationError,
			"unsupported verity algorithm %q", v.Algorithm)
	}

	level, err := hashLevel(target, v.DataExtent, v.Salt, blockSize)
	if err != nil {
		return err
	}

	// Stack of levels, leaf level first.
	var levels [][]byte
	for {
		level = padToBlock(level, blockSize)
		levels = append(levels, level)
		if uint64(len(level)) <= blockSize {
			break
		}
		level = hashBuffer(level, v.Salt, blockSize)
	}

	// Serialize root-first.
	var tree []byte
	for i := len(levels) - 1; i >= 0; i-- {
		tree = append(tree, levels[i]...)
	}

	room := v.HashTreeExtent.Bytes(blockSize)
	if uint64(len(tree)) > room {
		return errors.Codef(errors.VerityCalculationError,
			"hash tree of %d bytes exceeds reserved %d bytes", len(tree), room)
	}
	tree = append(tree, make([]byte, room-uint64(len(tree)))...)

	return target.WriteExtent(tree, v.HashTreeExtent)
}

// hashLevel hashes each data block of extent into a concatenated digest
// run.
func hashLevel(target blockdev.Target, extent blockdev.Extent, salt []byte, blockSize uint64) ([]byte, error) {
	out := make([]byte, 0, extent.NumBlocks*sha256.Size)
	for b := extent.StartBlock; b < extent.End(); b++ {
		data, err := target.ReadExtent(blockdev.Extent{StartBlock: b, NumBlocks: 1})
		if err != nil {
			return nil, errors.WithCode(errors.VerityCalculationError, err)
		}
		h := sha256.New()
		h.Write(salt)
		h.Write(data)
		out = h.Sum(out)
	}
	return out, nil
}

// hashBuffer hashes buf in blockSize chunks into a digest run.
func hashBuffer(buf, salt []byte, blockSize uint64) []byte {
	var out []byte
	for off := uint64(0); off < uint64(len(buf)); off += blockSize {
		end := min(off+blockSize, uint64(len(buf)))
		h := sha256.New()
		h.Write(salt)
		h.Write(buf[off:end])
		out = h.Sum(out)
	}
	return out
}

func padToBlock(buf []byte, blockSize uint64) []byte {
	if rem := uint64(len(buf)) % blockSize; rem != 0 {
		buf = append(buf, make([]byte, blockSize-rem)...)
	}
	return buf
}

// writeFec computes Reed-Solomon parity over the FEC data extent, one
// data shard per block, and writes the parity blocks into the FEC
// extent.
func writeFec(target blockdev.Target, part *plan.Partition) error {
	f := part.Fec
	blockSize := part.BlockSize

	roots := f.Roots
	if roots <= 0 {
		roots = 2
	}
	if uint64(roots)*blockSize > f.FecExtent.Bytes(blockSize) {
		return errors.Codef(errors.VerityCalculationError,
			"fec extent too small for %d parity blocks", roots)
	}

	dataShards := int(f.DataExtent.NumBlocks)
	enc, err := reedsolomon.New(dataShards, roots)
	if err != nil {
		return errors.WithCode(errors.VerityCalculationError, err)
	}

	shards := make([][]byte, dataShards+roots)
	for i := 0; i < dataShards; i++ {
		data, err := target.ReadExtent(blockdev.Extent{
			StartBlock: f.DataExtent.StartBlock + uint64(i),
			NumBlocks:  1,
		})
		if err != nil {
			return errors.WithCode(errors.VerityCalculationError, err)
		}
		shards[i] = data
	}
	for i := dataShards; i < len(shards); i++ {
		shards[i] = make([]byte, blockSize)
	}

	if err := enc.Encode(shards); err != nil {
		return errors.WithCode(errors.VerityCalculationError, err)
	}

	parity := make([]byte, 0, f.FecExtent.Bytes(blockSize))
	for i := dataShards; i < len(shards); i++ {
		parity = append(parity, shards[i]...)
	}
	parity = append(parity, make([]byte, f.FecExtent.Bytes(blockSize)-uint64(len(parity)))...)

	return target.WriteExtent(parity, f.FecExtent)
}
