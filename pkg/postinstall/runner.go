package postinstall

import (
	"bufio"
	"context"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/nimbleos/otad/pkg/errors"
	"github.com/nimbleos/otad/pkg/plan"
)

// Runner executes postinstall hooks partition by partition.
type Runner struct {
	Mounter Mounter

	// WorkDir hosts per-partition mount points.
	WorkDir string

	// Timeout bounds one hook invocation. Zero means no limit.
	Timeout time.Duration

	// Progress receives per-partition fractional progress in [0,1],
	// parsed from the hook's "global_progress <f>" stdout lines.
	Progress func(partition string, frac float64)
}

// Run executes the hook of every partition that requests one. A failing
// hook aborts unless the partition marks postinstall optional.
func (r *Runner) Run(ctx context.Context, p *plan.InstallPlan) error {
	if !p.RunPostInstall {
		slog.Info("postinstall_skipped", "reason", "disabled_by_plan")
		return nil
	}

	for i := range p.Partitions {
		part := &p.Partitions[i]
		if !part.Postinstall.Run {
			continue
		}
		if err := r.RunPartition(ctx, part); err != nil {
			if part.Postinstall.Optional {
				slog.Warn("postinstall_optional_failure", "partition", part.Name, "error", err)
				continue
			}
			return err
		}
	}
	return nil
}

// RunPartition mounts the partition's read-only target and executes its
// postinstall binary.
func (r *Runner) RunPartition(ctx context.Context, part *plan.Partition) error {
	mounter := r.Mounter
	if mounter == nil {
		mounter = NewMounter()
	}

	device := part.ReadonlyTargetPath
	if device == "" {
		device = part.TargetPath
	}
	if device == "" {
		return errors.Codef(errors.PostinstallRunnerError,
			"partition %q has no mountable target", part.Name)
	}

	mountDir := filepath.Join(r.WorkDir, "postinstall", part.Name)
	if err := os.MkdirAll(mountDir, 0o755); err != nil {
		return errors.WithCode(errors.PostinstallRunnerError, err)
	}

	root, err := mounter.Mount(ctx, device, mountDir, part.Postinstall.FilesystemType)
	if err != nil {
		return errors.WithCode(errors.PostinstallRunnerError, err)
	}
	defer func() {
		if err := mounter.Unmount(context.WithoutCancel(ctx), mountDir); err != nil {
			slog.Warn("postinstall_unmount_failed", "partition", part.Name, "error", err)
		}
	}()

	runCtx := ctx
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	binary := filepath.Join(root, part.Postinstall.Path)
	slog.Info("postinstall_start", "partition", part.Name, "binary", binary)

	cmd := exec.CommandContext(runCtx, binary)
	cmd.Dir = root
	cmd.Stderr = os.Stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return errors.WithCode(errors.PostinstallRunnerError, err)
	}
	if err := cmd.Start(); err != nil {
		return errors.WithCode(errors.PostinstallRunnerError,
			errors.Wrap(err, "failed to start postinstall for "+part.Name))
	}

	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		r.parseProgressLine(part.Name, scanner.Text())
	}

	if err := cmd.Wait(); err != nil {
		return errors.WithCode(errors.PostinstallRunnerError,
			errors.Wrap(err, "postinstall failed for "+part.Name))
	}

	slog.Info("postinstall_complete", "partition", part.Name)
	return nil
}

// parseProgressLine handles the hook progress protocol: lines of the
// form "global_progress <0..1>".
func (r *Runner) parseProgressLine(partition, line string) {
	fields := strings.Fields(line)
	if len(fields) != 2 || fields[0] != "global_progress" {
		return
	}
	frac, err := strconv.ParseFloat(fields[1], 64)
	if err != nil || frac < 0 || frac > 1 {
		return
	}
	if r.Progress != nil {
		r.Progress(partition, frac)
	}
}
