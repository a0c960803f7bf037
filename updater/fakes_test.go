package updater

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/tez-capital/fwupdate/catalog"
	"github.com/tez-capital/fwupdate/partition"
	"github.com/tez-capital/fwupdate/workspace"
)

type fakeSystem struct {
	mu sync.Mutex

	mounted        bool
	bootRW         bool
	rebootDisabled bool
	rebooted       bool
	forced         bool
	free           uint64

	fail     map[string]error
	hookErrs map[string]error
	hooksRun []string
	calls    []string
}

func newFakeSystem() *fakeSystem {
	return &fakeSystem{
		mounted:  true,
		free:     8 << 30,
		fail:     map[string]error{},
		hookErrs: map[string]error{},
	}
}

func (f *fakeSystem) step(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, name)
	return f.fail[name]
}

func (f *fakeSystem) called(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.calls {
		if c == name {
			return true
		}
	}
	return false
}

func (f *fakeSystem) BackupBoot(dst string) error {
	if err := f.step("BackupBoot"); err != nil {
		return err
	}
	return os.MkdirAll(dst, 0o755)
}

func (f *fakeSystem) UnmountBoot() error {
	if err := f.step("UnmountBoot"); err != nil {
		return err
	}
	f.mu.Lock()
	f.mounted, f.bootRW = false, false
	f.mu.Unlock()
	return nil
}

func (f *fakeSystem) MountBoot(rw bool) error {
	if err := f.step(fmt.Sprintf("MountBoot(%v)", rw)); err != nil {
		return err
	}
	f.mu.Lock()
	f.mounted = true
	f.bootRW = f.bootRW || rw
	f.mu.Unlock()
	return nil
}

func (f *fakeSystem) DisableReboot() error {
	if err := f.step("DisableReboot"); err != nil {
		return err
	}
	f.mu.Lock()
	f.rebootDisabled = true
	f.mu.Unlock()
	return nil
}

func (f *fakeSystem) RestoreReboot() error {
	if err := f.step("RestoreReboot"); err != nil {
		return err
	}
	f.mu.Lock()
	f.rebootDisabled = false
	f.mu.Unlock()
	return nil
}

func (f *fakeSystem) RunHook(_ context.Context, path string, _ ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hooksRun = append(f.hooksRun, filepath.Base(path))
	return f.hookErrs[filepath.Base(path)]
}

func (f *fakeSystem) Sync() {
	_ = f.step("Sync")
}

func (f *fakeSystem) Reboot() error {
	if err := f.step("Reboot"); err != nil {
		return err
	}
	f.mu.Lock()
	f.rebooted = true
	f.mu.Unlock()
	return nil
}

func (f *fakeSystem) ForceReboot() error {
	if err := f.step("ForceReboot"); err != nil {
		return err
	}
	f.mu.Lock()
	f.forced = true
	f.mu.Unlock()
	return nil
}

func (f *fakeSystem) FreeSpace(string) (uint64, error) {
	return f.free, nil
}

// restored reports whether the system is back in its normal state: reboot
// possible and boot mounted.
func (f *fakeSystem) restored() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.rebootDisabled && f.mounted
}

type fakeImage struct {
	geometry map[int]partition.Geometry
	errs     map[int]error
	hooks    map[string]string
	closed   bool
}

func (i *fakeImage) Geometry(index int) (partition.Geometry, error) {
	if err := i.errs[index]; err != nil {
		return partition.Geometry{}, err
	}
	g, ok := i.geometry[index]
	if !ok {
		return partition.Geometry{}, partition.ErrNoPartition
	}
	return g, nil
}

func (i *fakeImage) ExtractDir(_ int, _ string, dst string) ([]string, error) {
	names := make([]string, 0, len(i.hooks))
	for name := range i.hooks {
		names = append(names, name)
	}
	sort.Strings(names)

	var out []string
	for _, name := range names {
		p := filepath.Join(dst, name)
		if err := os.WriteFile(p, []byte(i.hooks[name]), 0o700); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func (i *fakeImage) Close() error {
	i.closed = true
	return nil
}

type fakeDisk struct {
	parts     map[int]partition.Geometry
	size      int64
	recreated int
	closed    bool

	recreateErr   error
	syncErr       error
	panicRecreate bool
}

func (d *fakeDisk) Geometry(index int) (partition.Geometry, error) {
	g, ok := d.parts[index]
	if !ok {
		return partition.Geometry{}, partition.ErrNoPartition
	}
	return g, nil
}

func (d *fakeDisk) Recreate(index int, start, end int64) error {
	if d.panicRecreate {
		panic("partition table corrupted")
	}
	if d.recreateErr != nil {
		return d.recreateErr
	}
	d.parts[index] = partition.NewGeometry(start, end-start+1)
	d.recreated++
	return nil
}

func (d *fakeDisk) Sync() error {
	return d.syncErr
}

func (d *fakeDisk) LastUsable() int64 {
	return d.size - 1
}

func (d *fakeDisk) Close() error {
	d.closed = true
	return nil
}

type fakeDevices struct {
	image   *fakeImage
	disk    *fakeDisk
	diskErr error
}

func (f *fakeDevices) OpenImage(string) (FirmwareImage, error) {
	return f.image, nil
}

func (f *fakeDevices) OpenDisk(string) (DiskTable, error) {
	if f.diskErr != nil {
		return nil, f.diskErr
	}
	return f.disk, nil
}

type fakeCatalog struct {
	releases []catalog.Release
}

func (c *fakeCatalog) Find(_ context.Context, version string) (catalog.Release, error) {
	for _, r := range c.releases {
		if r.Version == version {
			return r, nil
		}
	}
	return catalog.Release{}, fmt.Errorf("%s: %w", version, catalog.ErrNoSuchVersion)
}

// shCommands runs jobs as plain shell commands: fetch and decompress copy
// their input.
type shCommands struct {
	writeFails bool
	writeHangs bool
}

func (shCommands) Fetch(src, dst string) []string {
	return []string{"sh", "-c", `cp "$0" "$1.part" && mv "$1.part" "$1"`, src, dst}
}

func (shCommands) Decompress(_ workspace.Compression, src, dst string) []string {
	return []string{"sh", "-c", `cp "$0" "$1"`, src, dst}
}

func (s shCommands) WriteRange(string, string, int64, int64) []string {
	if s.writeHangs {
		return []string{"sh", "-c", "sleep 30; echo written"}
	}
	if s.writeFails {
		return []string{"sh", "-c", "echo 'dd: /dev/mmcblk0p1: No space left on device' >&2; exit 1"}
	}
	return []string{"sh", "-c", "exit 0"}
}
