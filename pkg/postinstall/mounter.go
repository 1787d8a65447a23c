// Package postinstall executes per-partition postinstall hooks on the
// freshly written target before the update is finalized.
package postinstall

import (
	"context"
	"log/slog"
	"os/exec"
	"runtime"

	"github.com/nimbleos/otad/pkg/errors"
)

// Mounter mounts the read-only target a postinstall hook runs against.
// Mount returns the root directory hooks execute under.
type Mounter interface {
	Mount(ctx context.Context, device, dir, fsType string) (string, error)
	Unmount(ctx context.Context, dir string) error
}

// NewMounter returns the platform mounter: mount(8)-backed on Linux, a
// pass-through elsewhere so hosts and tests can run hooks against a
// directory tree.
func NewMounter() Mounter {
	if runtime.GOOS == "linux" {
		return &LinuxMounter{}
	}
	return &NopMounter{}
}

// LinuxMounter shells out to mount/umount, read-only.
type LinuxMounter struct{}

func (m *LinuxMounter) Mount(ctx context.Context, device, dir, fsType string) (string, error) {
	slog.Info("postinstall_mount", "device", device, "dir", dir, "fs_type", fsType)

	args := []string{"-o", "ro"}
	if fsType != "" {
		args = append(args, "-t", fsType)
	}
	args = append(args, device, dir)

	cmd := exec.CommandContext(ctx, "mount", args...)
	if err := cmd.Run(); err != nil {
		slog.Error("postinstall_mount_failed", "device", device, "error", err)
		return "", errors.Wrap(err, "failed to mount target")
	}
	return dir, nil
}

func (m *LinuxMounter) Unmount(ctx context.Context, dir string) error {
	slog.Info("postinstall_unmount", "dir", dir)

	cmd := exec.CommandContext(ctx, "umount", dir)
	if err := cmd.Run(); err != nil {
		slog.Error("postinstall_unmount_failed", "dir", dir, "error", err)
		return errors.Wrap(err, "failed to unmount target")
	}
	return nil
}

// NopMounter treats the "device" as an already-usable directory tree,
// which is what host runs and tests work with.
type NopMounter struct{}

func (m *NopMounter) Mount(ctx context.Context, device, dir, fsType string) (string, error) {
	return device, nil
}

func (m *NopMounter) Unmount(ctx context.Context, dir string) error { return nil }
