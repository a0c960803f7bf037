package updater

import (
	"context"

	"github.com/tez-capital/fwupdate/phase"
)

// Upgrade runs Download, Extract, FlashBoot and FlashReboot under a single
// lock, calling report with the phase reached after each of the first
// three. A failing step stops the sequence and leaves its progress in
// place; the step can be re-run on its own.
func (u *Updater) Upgrade(ctx context.Context, src string, report func(phase.State)) error {
	unlock, err := u.lock()
	if err != nil {
		return err
	}
	defer unlock()

	if report == nil {
		report = func(phase.State) {}
	}

	steps := []func(context.Context) error{
		func(ctx context.Context) error { return u.download(ctx, src) },
		u.extract,
		u.flashBoot,
	}
	for _, step := range steps {
		if err := step(ctx); err != nil {
			return err
		}
		report(u.Status())
	}
	return u.flashReboot(ctx)
}
