package updater

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/tez-capital/fwupdate/jobs"
	"github.com/tez-capital/fwupdate/partition"
	"github.com/tez-capital/fwupdate/workspace"
)

// how long an interrupted boot write gets to exit before it is killed
const bootWriteStopGrace = 10 * time.Second

// FlashBoot writes the extracted image's boot partition onto the live boot
// partition, moving it first if the image's layout differs. The image's
// root layout is recorded for FlashReboot.
func (u *Updater) FlashBoot(ctx context.Context) error {
	unlock, err := u.lock()
	if err != nil {
		return err
	}
	defer unlock()
	return u.flashBoot(ctx)
}

func (u *Updater) flashBoot(ctx context.Context) error {
	if !u.ws.HasImage() || u.jobs.Query(jobs.Decompress) == jobs.Running {
		return ErrNothingExtracted
	}
	if u.jobs.Query(jobs.BootWrite) == jobs.Running {
		return ErrBusy
	}

	diskDev, bootDev, err := u.bootDevice()
	if err != nil {
		return err
	}

	img, err := u.devices.OpenImage(u.ws.ImagePath())
	if err != nil {
		return fmt.Errorf("failed to open firmware image: %w", err)
	}
	defer img.Close()

	if err := u.runPreUpgradeHooks(ctx, img); err != nil {
		return err
	}

	if err := u.ws.ClearBootReady(); err != nil {
		return err
	}
	if err := u.sys.BackupBoot(u.ws.BootBackupDir()); err != nil {
		return err
	}
	if err := u.sys.UnmountBoot(); err != nil {
		return fmt.Errorf("failed to unmount boot: %w", err)
	}

	return u.withRebootGuard(func() error {
		boot, err := img.Geometry(partition.BootIndex)
		if err != nil {
			return fmt.Errorf("failed to read firmware boot partition: %w", err)
		}
		root, err := img.Geometry(partition.RootIndex)
		if err != nil {
			return fmt.Errorf("failed to read firmware root partition: %w", err)
		}

		bootStartMB, bootSizeMB := boot.StartMB(), boot.SizeMB()
		if err := u.ws.SetRootGeometry(workspace.RootGeometry{StartMB: root.StartMB(), SizeMB: root.SizeMB()}); err != nil {
			return fmt.Errorf("failed to record root geometry: %w", err)
		}

		if err := u.reallocate(diskDev, partition.BootIndex, partition.FromMB(bootStartMB, bootSizeMB)); err != nil {
			return err
		}

		u.logger.Info("Writing boot partition", "device", bootDev, "start_mb", bootStartMB, "size_mb", bootSizeMB)
		argv := u.commands.WriteRange(u.ws.ImagePath(), bootDev, bootStartMB*partition.MiB, bootSizeMB*partition.MiB)
		if err := u.runJob(ctx, jobs.BootWrite, argv); err != nil {
			return err
		}

		if err := u.sys.MountBoot(true); err != nil {
			return fmt.Errorf("failed to mount new boot partition: %w", err)
		}
		if err := u.sys.RunHook(ctx, u.cfg.MigrateBootHook, u.ws.BootBackupDir()); err != nil {
			u.logger.Warn("Boot configuration migration failed", "error", err)
		}
		return u.ws.MarkBootReady()
	})
}

// runPreUpgradeHooks runs the hooks shipped in the image's boot partition.
// The first failing hook aborts the flash.
func (u *Updater) runPreUpgradeHooks(ctx context.Context, img FirmwareImage) error {
	dir, err := os.MkdirTemp("", "fwupdate-hooks-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(dir)

	hooks, err := img.ExtractDir(partition.BootIndex, u.cfg.PreUpgradeDir, dir)
	if err != nil {
		return fmt.Errorf("failed to read pre-upgrade hooks: %w", err)
	}
	for _, hook := range hooks {
		if err := u.sys.RunHook(ctx, hook); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrPreUpgradeRejected, filepath.Base(hook), err)
		}
	}
	return nil
}

func (u *Updater) reallocate(diskDev string, index int, desired partition.Geometry) error {
	table, err := u.devices.OpenDisk(diskDev)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", diskDev, err)
	}
	defer table.Close()

	plan, err := partition.Reallocate(table, index, desired, u.logger)
	if err != nil {
		return err
	}
	u.logger.Debug("Partition plan applied", "plan", plan.String())
	return nil
}

// withRebootGuard runs fn with the reboot entry point disabled. The entry
// point is restored and boot mounted when fn returns, panics, or the
// process receives SIGINT, SIGTERM or SIGHUP.
func (u *Updater) withRebootGuard(fn func() error) (err error) {
	var once sync.Once
	var restoreErr error
	restore := func() error {
		once.Do(func() {
			restoreErr = errors.Join(u.sys.RestoreReboot(), u.sys.MountBoot(false))
			if restoreErr != nil {
				u.logger.Error("Failed to restore system after flashing", "error", restoreErr)
			}
		})
		return restoreErr
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	done := make(chan struct{})
	go func() {
		select {
		case sig := <-sigs:
			code := 1
			if s, ok := sig.(syscall.Signal); ok {
				code = 128 + int(s)
			}
			u.logger.Error("Interrupted while flashing", "signal", sig.String())
			// reboot and the boot mount stay off while the boot device is written
			if err := u.jobs.Stop(jobs.BootWrite, bootWriteStopGrace); err != nil {
				u.logger.Error("Boot write still running, leaving reboot disabled", "error", err)
				u.exit(code)
				return
			}
			_ = restore()
			u.exit(code)
		case <-done:
		}
	}()

	defer func() {
		signal.Stop(sigs)
		close(done)
		if rerr := restore(); rerr != nil {
			err = errors.Join(err, rerr)
		}
	}()

	if err := u.sys.DisableReboot(); err != nil {
		return fmt.Errorf("failed to disable reboot: %w", err)
	}
	return fn()
}
