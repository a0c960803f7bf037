// Package system performs the host-side operations of an update on the
// running device: mounts, the reboot entry point, hooks and reboots.
package system

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/tez-capital/fwupdate/config"
	"golang.org/x/sys/unix"
)

const rebootBackupSuffix = ".fwupdate-orig"

type Host struct {
	BootMount    string
	RebootPath   string
	NoopPath     string
	SysrqTrigger string
	SysrqControl string
	MountsFile   string

	logger *slog.Logger
}

func NewHost(cfg *config.Config, logger *slog.Logger) *Host {
	return &Host{
		BootMount:    cfg.BootMount,
		RebootPath:   cfg.RebootPath,
		NoopPath:     cfg.NoopPath,
		SysrqTrigger: cfg.SysrqTrigger,
		SysrqControl: "/proc/sys/kernel/sysrq",
		MountsFile:   "/proc/mounts",
		logger:       logger,
	}
}

// BackupBoot copies the live boot filesystem into dst, replacing any
// previous backup.
func (h *Host) BackupBoot(dst string) error {
	if err := os.RemoveAll(dst); err != nil {
		return err
	}
	if err := os.CopyFS(dst, os.DirFS(h.BootMount)); err != nil {
		return fmt.Errorf("failed to back up %s: %w", h.BootMount, err)
	}
	return nil
}

func (h *Host) UnmountBoot() error {
	return h.unmountIfMounted(h.BootMount)
}

// MountBoot mounts the boot partition from fstab if needed and optionally
// makes it writable.
func (h *Host) MountBoot(rw bool) error {
	mounted, err := h.isMounted(h.BootMount)
	if err != nil {
		return err
	}
	if !mounted {
		if err := run("mount", h.BootMount); err != nil {
			return err
		}
	}
	if rw {
		return run("mount", "-o", "remount,rw", h.BootMount)
	}
	return nil
}

// DisableReboot replaces the reboot entry point with a no-op. The root
// filesystem is remounted read-write for that.
func (h *Host) DisableReboot() error {
	if err := run("mount", "-o", "remount,rw", "/"); err != nil {
		return err
	}
	backup := h.RebootPath + rebootBackupSuffix
	if _, err := os.Lstat(backup); err == nil {
		// already disabled by an interrupted run
		return nil
	}
	if err := os.Rename(h.RebootPath, backup); err != nil {
		return fmt.Errorf("failed to move %s aside: %w", h.RebootPath, err)
	}
	if err := os.Symlink(h.NoopPath, h.RebootPath); err != nil {
		_ = os.Rename(backup, h.RebootPath)
		return fmt.Errorf("failed to install reboot shim: %w", err)
	}
	h.logger.Debug("Reboot disabled", "path", h.RebootPath)
	return nil
}

// RestoreReboot puts the original reboot entry point back. It is a no-op
// when reboot is not disabled.
func (h *Host) RestoreReboot() error {
	backup := h.RebootPath + rebootBackupSuffix
	if _, err := os.Lstat(backup); errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err := os.Remove(h.RebootPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove reboot shim: %w", err)
	}
	if err := os.Rename(backup, h.RebootPath); err != nil {
		return fmt.Errorf("failed to restore %s: %w", h.RebootPath, err)
	}
	h.logger.Debug("Reboot restored", "path", h.RebootPath)
	return nil
}

// RunHook runs an executable hook. A hook that is not installed is skipped.
func (h *Host) RunHook(ctx context.Context, path string, args ...string) error {
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		h.logger.Debug("Hook not installed", "hook", path)
		return nil
	}
	h.logger.Info("Running hook", "hook", path, "args", args)
	out, err := exec.CommandContext(ctx, path, args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("hook %s failed: %v: %s", filepath.Base(path), err, strings.TrimSpace(string(out)))
	}
	if len(out) > 0 {
		h.logger.Debug("Hook output", "hook", path, "output", string(out))
	}
	return nil
}

func (h *Host) Sync() {
	unix.Sync()
}

func (h *Host) Reboot() error {
	return run(h.RebootPath)
}

// ForceReboot asks the kernel to reboot immediately, without syncing or
// unmounting. The trigger is ignored unless sysrq is enabled, so it is
// enabled first.
func (h *Host) ForceReboot() error {
	if err := os.WriteFile(h.SysrqControl, []byte("1"), 0o644); err != nil {
		h.logger.Warn("Failed to enable sysrq", "path", h.SysrqControl, "error", err)
	}
	return os.WriteFile(h.SysrqTrigger, []byte("b"), 0o200)
}

// FreeSpace reports the bytes available on the filesystem holding path.
func (h *Host) FreeSpace(path string) (uint64, error) {
	usage, err := disk.Usage(path)
	if err != nil {
		return 0, err
	}
	return usage.Free, nil
}

func (h *Host) isMounted(mountPoint string) (bool, error) {
	points, err := h.mountPoints()
	if err != nil {
		return false, err
	}
	_, ok := points[filepath.Clean(mountPoint)]
	return ok, nil
}

func (h *Host) mountPoints() (map[string]string, error) {
	mounts, err := os.ReadFile(h.MountsFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", h.MountsFile, err)
	}
	points := map[string]string{}
	for _, line := range strings.Split(string(mounts), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		points[fields[1]] = fields[0]
	}
	return points, nil
}

func (h *Host) unmountIfMounted(mountPoint string) error {
	mounted, err := h.isMounted(mountPoint)
	if err != nil || !mounted {
		return err
	}
	h.logger.Debug("Unmounting", "mount_point", mountPoint)
	return run("umount", mountPoint)
}

func run(name string, args ...string) error {
	if out, err := exec.Command(name, args...).CombinedOutput(); err != nil {
		return fmt.Errorf("%s %s: %v: %s", name, strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return nil
}
