package system

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func TestParentDiskAndPartitionDevice(t *testing.T) {
	tests := []struct {
		part, disk string
	}{
		{"/dev/mmcblk0p1", "/dev/mmcblk0"},
		{"/dev/nvme0n1p2", "/dev/nvme0n1"},
		{"/dev/sda1", "/dev/sda"},
		{"/dev/sdb12", "/dev/sdb"},
		{"/dev/loop0p3", "/dev/loop0"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.disk, ParentDisk(tt.part), tt.part)
	}

	assert.Equal(t, "/dev/mmcblk0p1", PartitionDevice("/dev/mmcblk0", 1))
	assert.Equal(t, "/dev/sda2", PartitionDevice("/dev/sda", 2))
}

func newHost(t *testing.T) *Host {
	dir := t.TempDir()
	mounts := filepath.Join(dir, "mounts")
	require.NoError(t, os.WriteFile(mounts, []byte("/dev/mmcblk0p2 / ext4 ro 0 0\n"), 0o644))
	return &Host{
		BootMount:    filepath.Join(dir, "boot"),
		RebootPath:   filepath.Join(dir, "reboot"),
		NoopPath:     "/bin/true",
		SysrqTrigger: filepath.Join(dir, "sysrq-trigger"),
		SysrqControl: filepath.Join(dir, "sysrq"),
		MountsFile:   mounts,
		logger:       discard,
	}
}

func TestRestoreRebootPutsOriginalBack(t *testing.T) {
	h := newHost(t)
	require.NoError(t, os.WriteFile(h.RebootPath, []byte("#!/bin/sh\n"), 0o755))

	// simulate the shim installed by DisableReboot
	require.NoError(t, os.Rename(h.RebootPath, h.RebootPath+rebootBackupSuffix))
	require.NoError(t, os.Symlink(h.NoopPath, h.RebootPath))

	require.NoError(t, h.RestoreReboot())
	fi, err := os.Lstat(h.RebootPath)
	require.NoError(t, err)
	assert.True(t, fi.Mode().IsRegular())
	assert.NoFileExists(t, h.RebootPath+rebootBackupSuffix)

	// idempotent
	require.NoError(t, h.RestoreReboot())
	assert.FileExists(t, h.RebootPath)
}

func TestBackupBoot(t *testing.T) {
	h := newHost(t)
	require.NoError(t, os.MkdirAll(filepath.Join(h.BootMount, "overlays"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(h.BootMount, "config.txt"), []byte("gpu_mem=128\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(h.BootMount, "overlays", "a.dtbo"), []byte("dt"), 0o644))

	dst := filepath.Join(t.TempDir(), "boot.bak")
	require.NoError(t, os.MkdirAll(dst, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dst, "stale"), nil, 0o644))

	require.NoError(t, h.BackupBoot(dst))
	data, err := os.ReadFile(filepath.Join(dst, "config.txt"))
	require.NoError(t, err)
	assert.Equal(t, "gpu_mem=128\n", string(data))
	assert.FileExists(t, filepath.Join(dst, "overlays", "a.dtbo"))
	assert.NoFileExists(t, filepath.Join(dst, "stale"))
}

func TestRunHook(t *testing.T) {
	h := newHost(t)
	dir := t.TempDir()

	assert.NoError(t, h.RunHook(context.Background(), filepath.Join(dir, "missing")))

	ok := filepath.Join(dir, "ok")
	require.NoError(t, os.WriteFile(ok, []byte("#!/bin/sh\ntest \"$1\" = /data/boot.bak\n"), 0o755))
	assert.NoError(t, h.RunHook(context.Background(), ok, "/data/boot.bak"))
	assert.Error(t, h.RunHook(context.Background(), ok, "/elsewhere"))

	bad := filepath.Join(dir, "bad")
	require.NoError(t, os.WriteFile(bad, []byte("#!/bin/sh\necho unsupported board\nexit 1\n"), 0o755))
	assert.ErrorContains(t, h.RunHook(context.Background(), bad), "unsupported board")
}

func TestIsMounted(t *testing.T) {
	h := newHost(t)
	mounted, err := h.isMounted("/")
	require.NoError(t, err)
	assert.True(t, mounted)

	mounted, err = h.isMounted(h.BootMount)
	require.NoError(t, err)
	assert.False(t, mounted)

	// nothing to unmount
	assert.NoError(t, h.UnmountBoot())
}

func TestForceRebootWritesTrigger(t *testing.T) {
	h := newHost(t)
	// kernel.sysrq=0 makes the kernel ignore the trigger
	require.NoError(t, os.WriteFile(h.SysrqControl, []byte("0\n"), 0o644))

	require.NoError(t, h.ForceReboot())

	control, err := os.ReadFile(h.SysrqControl)
	require.NoError(t, err)
	assert.Equal(t, "1", string(control))
	data, err := os.ReadFile(h.SysrqTrigger)
	require.NoError(t, err)
	assert.Equal(t, "b", string(data))
}

func TestForceRebootWithoutSysrqControl(t *testing.T) {
	h := newHost(t)
	h.SysrqControl = filepath.Join(t.TempDir(), "missing", "sysrq")

	require.NoError(t, h.ForceReboot())
	assert.FileExists(t, h.SysrqTrigger)
}
