package updater

import (
	"context"
	"errors"
	"fmt"

	"github.com/tez-capital/fwupdate/partition"
	"github.com/tez-capital/fwupdate/workspace"
)

// FlashReboot moves the root partition to the layout recorded by FlashBoot,
// arranges for the next boot to write the new root and reboots. It returns
// only when something failed; once the reboot is requested the only
// possible return is ErrRebootFailed.
func (u *Updater) FlashReboot(ctx context.Context) error {
	unlock, err := u.lock()
	if err != nil {
		return err
	}
	defer unlock()
	return u.flashReboot(ctx)
}

func (u *Updater) flashReboot(ctx context.Context) error {
	root, err := u.ws.RootGeometry()
	if errors.Is(err, workspace.ErrNoRootGeometry) {
		return ErrNothingExtracted
	}
	if err != nil {
		return err
	}

	diskDev, _, err := u.bootDevice()
	if err != nil {
		return err
	}

	err = u.withRebootGuard(func() error {
		return u.reallocate(diskDev, partition.RootIndex, partition.FromMB(root.StartMB, root.SizeMB))
	})
	if err != nil {
		return err
	}

	if err := u.sys.MountBoot(true); err != nil {
		return fmt.Errorf("failed to remount boot read-write: %w", err)
	}
	if err := u.sys.RunHook(ctx, u.cfg.PrepareBootHook); err != nil {
		return err
	}

	u.sys.Sync()
	u.logger.Info("Rebooting into new firmware", "version", u.ws.Version())
	if err := u.sys.Reboot(); err != nil {
		u.logger.Error("Reboot request failed", "error", err)
	}

	grace := u.cfg.RebootGrace.Duration
	u.sleep(grace)
	u.logger.Warn("Device still up, forcing reboot", "grace", grace.String())
	if err := u.sys.ForceReboot(); err != nil {
		u.logger.Error("Forced reboot failed", "error", err)
	}
	u.sleep(grace)
	return ErrRebootFailed
}
