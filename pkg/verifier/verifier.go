// Package verifier hash-checks written partitions after apply and, when
// configured, computes and writes the verity hash tree and FEC parity
// before the final target hash comparison. Partitions verify in
// parallel; the pipeline's verify stage is a join barrier.
package verifier

import (
	"bytes"
	"context"
	"crypto/sha256"
	"hash"
	"io"
	"log/slog"
	"os"

	"github.com/nimbleos/otad/pkg/blockdev"
	"github.com/nimbleos/otad/pkg/errors"
	"github.com/nimbleos/otad/pkg/plan"
	"golang.org/x/sync/errgroup"
)

// Options tunes a verification pass.
type Options struct {
	// VerifySource also hashes each partition's source blocks against
	// the plan's source hash. A mismatch is fatal only when the plan
	// demands mandatory hash checks.
	VerifySource bool

	// MaxParallel caps concurrent partition verifications; zero means
	// one goroutine per partition.
	MaxParallel int

	// Progress receives completed/total partition counts.
	Progress func(done, total int)
}

// Run verifies every partition in the plan.
func Run(ctx context.Context, p *plan.InstallPlan, opts Options) error {
	g, ctx := errgroup.WithContext(ctx)
	if opts.MaxParallel > 0 {
		g.SetLimit(opts.MaxParallel)
	}

	done := 0
	total := len(p.Partitions)
	results := make(chan string, total)

	for i := range p.Partitions {
		part := &p.Partitions[i]
		g.Go(func() error {
			if err := verifyPartition(ctx, p, part, opts); err != nil {
				return err
			}
			results <- part.Name
			return nil
		})
	}

	go func() {
		for name := range results {
			done++
			slog.Info("partition_verified", "partition", name, "done", done, "total", total)
			if opts.Progress != nil {
				opts.Progress(done, total)
			}
		}
	}()

	err := g.Wait()
	close(results)
	return err
}

func verifyPartition(ctx context.Context, p *plan.InstallPlan, part *plan.Partition, opts Options) error {
	if ctx.Err() != nil {
		return errors.WithCode(errors.UserCancelled, ctx.Err())
	}

	target, err := openTarget(part)
	if err != nil {
		return err
	}
	defer target.Close()

	if p.WriteVerity && (part.Verity != nil || part.Fec != nil) {
		if err := writeVerity(target, part); err != nil {
			return err
		}
		if err := target.Sync(); err != nil {
			return err
		}
	}

	if opts.VerifySource && part.SourcePath != "" && len(part.SourceHash) > 0 {
		sum, err := hashFile(part.SourcePath, part.SourceSize)
		if err != nil {
			return err
		}
		if !bytes.Equal(sum, part.SourceHash) {
			if p.HashChecksMandatory {
				return errors.Codef(errors.FilesystemVerifierError,
					"source hash mismatch on partition %q", part.Name)
			}
			slog.Warn("source_hash_mismatch_ignored", "partition", part.Name)
		}
	}

	if len(part.TargetHash) == 0 {
		slog.Warn("target_hash_missing", "partition", part.Name)
		return nil
	}

	sum, err := hashTarget(target, part)
	if err != nil {
		return err
	}
	if !bytes.Equal(sum, part.TargetHash) {
		return errors.Codef(errors.FilesystemVerifierError,
			"target hash mismatch on partition %q: computed %x", part.Name, sum)
	}
	return nil
}

func openTarget(part *plan.Partition) (blockdev.Target, error) {
	if part.TargetPath != "" {
		return blockdev.OpenFileTarget(part.TargetPath, int64(part.TargetSize), part.BlockSize)
	}
	return blockdev.OpenCowTarget(part.CowPath, part.SourcePath, int64(part.TargetSize), part.BlockSize)
}

// hashTarget hashes the partition's full target extent, block by block
// so memory stays bounded.
func hashTarget(target blockdev.Target, part *plan.Partition) ([]byte, error) {
	h := sha256.New()
	blocks := part.TargetSize / part.BlockSize
	if err := hashBlocks(h, target, 0, blocks); err != nil {
		return nil, err
	}
	return h.Sum(nil), nil
}

func hashBlocks(h hash.Hash, target blockdev.Target, start, count uint64) error {
	const chunkBlocks = 256
	for b := start; b < start+count; b += chunkBlocks {
		n := min(chunkBlocks, start+count-b)
		data, err := target.ReadExtent(blockdev.Extent{StartBlock: b, NumBlocks: n})
		if err != nil {
			return errors.WithCode(errors.FilesystemVerifierError, err)
		}
		h.Write(data)
	}
	return nil
}

func hashFile(path string, size uint64) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.WithCode(errors.FilesystemVerifierError,
			errors.Wrap(err, "failed to open "+path))
	}
	defer f.Close()

	h := sha256.New()
	var r io.Reader = f
	if size > 0 {
		r = io.LimitReader(f, int64(size))
	}
	if _, err := io.Copy(h, r); err != nil {
		return nil, errors.WithCode(errors.FilesystemVerifierError, err)
	}
	return h.Sum(nil), nil
}
