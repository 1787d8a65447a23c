package postinstall

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/nimbleos/otad/pkg/errors"
	"github.com/nimbleos/otad/pkg/payload"
	"github.com/nimbleos/otad/pkg/plan"
)

func writeHook(t *testing.T, dir, name, script string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(script), 0o755); err != nil {
		t.Fatalf("failed to write hook: %v", err)
	}
}

func hookPlan(root, hook string, optional bool) *plan.InstallPlan {
	p := plan.NewInstallPlan()
	p.SourceSlot = 0
	p.TargetSlot = 1
	p.Partitions = []plan.Partition{{
		Name:               "system",
		ReadonlyTargetPath: root,
		Postinstall: payload.PostinstallConfig{
			Run:      true,
			Path:     hook,
			Optional: optional,
		},
	}}
	return p
}

func TestRunner_SuccessAndProgress(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell hooks")
	}
	root := t.TempDir()
	writeHook(t, root, "postinst", "#!/bin/sh\necho global_progress 0.25\necho global_progress 1.0\nexit 0\n")

	var got []float64
	r := &Runner{
		Mounter: &NopMounter{},
		WorkDir: t.TempDir(),
		Progress: func(partition string, frac float64) {
			got = append(got, frac)
		},
	}

	if err := r.Run(context.Background(), hookPlan(root, "postinst", false)); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(got) != 2 || got[0] != 0.25 || got[1] != 1.0 {
		t.Errorf("progress = %v, want [0.25 1.0]", got)
	}
}

func TestRunner_FailureAborts(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell hooks")
	}
	root := t.TempDir()
	writeHook(t, root, "postinst", "#!/bin/sh\nexit 3\n")

	r := &Runner{Mounter: &NopMounter{}, WorkDir: t.TempDir()}
	err := r.Run(context.Background(), hookPlan(root, "postinst", false))
	if errors.CodeOf(err) != errors.PostinstallRunnerError {
		t.Errorf("code = %v, want PostinstallRunnerError", errors.CodeOf(err))
	}
}

func TestRunner_OptionalFailureContinues(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell hooks")
	}
	root := t.TempDir()
	writeHook(t, root, "postinst", "#!/bin/sh\nexit 3\n")

	r := &Runner{Mounter: &NopMounter{}, WorkDir: t.TempDir()}
	if err := r.Run(context.Background(), hookPlan(root, "postinst", true)); err != nil {
		t.Errorf("optional failure should not abort: %v", err)
	}
}

func TestRunner_SkippedWhenDisabled(t *testing.T) {
	p := hookPlan(t.TempDir(), "missing-binary", false)
	p.RunPostInstall = false

	r := &Runner{Mounter: &NopMounter{}, WorkDir: t.TempDir()}
	if err := r.Run(context.Background(), p); err != nil {
		t.Errorf("disabled postinstall must not run hooks: %v", err)
	}
}

func TestRunner_Timeout(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell hooks")
	}
	root := t.TempDir()
	writeHook(t, root, "postinst", "#!/bin/sh\nsleep 30\n")

	r := &Runner{
		Mounter: &NopMounter{},
		WorkDir: t.TempDir(),
		Timeout: 100 * time.Millisecond,
	}
	err := r.Run(context.Background(), hookPlan(root, "postinst", false))
	if errors.CodeOf(err) != errors.PostinstallRunnerError {
		t.Errorf("code = %v, want PostinstallRunnerError", errors.CodeOf(err))
	}
}
