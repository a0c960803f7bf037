// Package updater drives a firmware update through its phases: download,
// extract, boot flash and reboot into the new root.
//
// Nothing is kept in memory between invocations. The current phase is
// derived from the workspace and the job supervisor every time, so any
// operation can be re-run after a crash or an interrupted command.
package updater

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/tez-capital/fwupdate/catalog"
	"github.com/tez-capital/fwupdate/config"
	"github.com/tez-capital/fwupdate/jobs"
	"github.com/tez-capital/fwupdate/partition"
	"github.com/tez-capital/fwupdate/phase"
	"github.com/tez-capital/fwupdate/system"
	"github.com/tez-capital/fwupdate/workspace"
)

var (
	ErrNoSuchVersion      = catalog.ErrNoSuchVersion
	ErrInsufficientSpace  = errors.New("insufficient free space")
	ErrNothingDownloaded  = errors.New("nothing downloaded")
	ErrNothingExtracted   = errors.New("nothing extracted")
	ErrBusy               = errors.New("an update job is still running")
	ErrPreUpgradeRejected = errors.New("pre-upgrade hook rejected the firmware")
	ErrRebootFailed       = errors.New("device did not reboot")
)

// System is the host the update is applied to.
type System interface {
	BackupBoot(dst string) error
	UnmountBoot() error
	MountBoot(rw bool) error
	DisableReboot() error
	RestoreReboot() error
	RunHook(ctx context.Context, path string, args ...string) error
	Sync()
	Reboot() error
	ForceReboot() error
	FreeSpace(path string) (uint64, error)
}

type FirmwareImage interface {
	Geometry(index int) (partition.Geometry, error)
	ExtractDir(index int, dir, dst string) ([]string, error)
	Close() error
}

type DiskTable interface {
	partition.Table
	Close() error
}

// Devices opens firmware images and the device's disk.
type Devices interface {
	OpenImage(path string) (FirmwareImage, error)
	OpenDisk(path string) (DiskTable, error)
}

type Catalog interface {
	Find(ctx context.Context, version string) (catalog.Release, error)
}

// BootDeviceFunc returns the disk holding the boot partition and the boot
// partition device.
type BootDeviceFunc func() (diskDev, bootDev string, err error)

type Updater struct {
	cfg        *config.Config
	ws         *workspace.Workspace
	jobs       *jobs.Supervisor
	sys        System
	devices    Devices
	catalog    Catalog
	commands   JobCommands
	bootDevice BootDeviceFunc
	logger     *slog.Logger

	sleep func(time.Duration)
	exit  func(code int)
}

type options struct {
	sys        System
	devices    Devices
	catalog    Catalog
	commands   JobCommands
	bootDevice BootDeviceFunc
	logger     *slog.Logger
	jobOpts    []jobs.Option
}

type Option func(*options)

func WithSystem(s System) Option {
	return func(o *options) { o.sys = s }
}

func WithDevices(d Devices) Option {
	return func(o *options) { o.devices = d }
}

func WithCatalog(c Catalog) Option {
	return func(o *options) { o.catalog = c }
}

// WithJobCommands replaces the commands run as detached jobs.
func WithJobCommands(c JobCommands) Option {
	return func(o *options) { o.commands = c }
}

func WithBootDevice(fn BootDeviceFunc) Option {
	return func(o *options) { o.bootDevice = fn }
}

func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

func WithJobOptions(opts ...jobs.Option) Option {
	return func(o *options) { o.jobOpts = append(o.jobOpts, opts...) }
}

func New(cfg *config.Config, opts ...Option) (*Updater, error) {
	o := &options{logger: slog.Default()}
	for _, fn := range opts {
		fn(o)
	}

	if o.sys == nil {
		o.sys = system.NewHost(cfg, o.logger)
	}
	if o.devices == nil {
		o.devices = diskDevices{logger: o.logger}
	}
	if o.catalog == nil {
		o.catalog = &catalog.Helper{
			Path:        cfg.CatalogHelper,
			Repo:        cfg.Repo,
			Username:    cfg.Username,
			Password:    cfg.Password,
			Board:       cfg.Board,
			Prereleases: cfg.Prereleases,
			Logger:      o.logger,
		}
	}
	if o.commands == nil {
		self, err := SelfCommands()
		if err != nil {
			return nil, err
		}
		o.commands = self
	}
	if o.bootDevice == nil {
		o.bootDevice = func() (string, string, error) {
			return system.BootDevice(cfg.BootMount, partition.BootIndex)
		}
	}

	ws := workspace.New(cfg.Workspace)
	supervisor := jobs.New(ws.Dir, map[jobs.Kind][]string{
		jobs.Download:   ws.CompressedPaths(),
		jobs.Decompress: {ws.ImagePath()},
		jobs.BootWrite:  {ws.BootReadyPath()},
	}, append([]jobs.Option{jobs.WithLogger(o.logger)}, o.jobOpts...)...)

	return &Updater{
		cfg:        cfg,
		ws:         ws,
		jobs:       supervisor,
		sys:        o.sys,
		devices:    o.devices,
		catalog:    o.catalog,
		commands:   o.commands,
		bootDevice: o.bootDevice,
		logger:     o.logger,
		sleep:      time.Sleep,
		exit:       os.Exit,
	}, nil
}

func (u *Updater) Workspace() *workspace.Workspace {
	return u.ws
}

// Status derives the current phase. It takes no lock and mutates nothing.
func (u *Updater) Status() phase.State {
	return phase.Derive(phase.Snapshot{
		Version:    u.ws.Version(),
		Download:   u.jobs.Query(jobs.Download),
		Decompress: u.jobs.Query(jobs.Decompress),
		BootWrite:  u.BootStatus(),
	})
}

// BootStatus is running while the boot write job runs and done once the
// boot-ready marker exists.
func (u *Updater) BootStatus() jobs.Status {
	return u.jobs.Query(jobs.BootWrite)
}

// JobLog returns the path of the log a job of kind writes to.
func (u *Updater) JobLog(kind jobs.Kind) string {
	return u.jobs.LogPath(kind)
}

func (u *Updater) lock() (func(), error) {
	l, err := workspace.Acquire(u.cfg.LockFile)
	if err != nil {
		return nil, err
	}
	return func() {
		if err := l.Release(); err != nil {
			u.logger.Warn("Failed to release update lock", "error", err)
		}
	}, nil
}

func (u *Updater) anyJobRunning() bool {
	for _, kind := range []jobs.Kind{jobs.Download, jobs.Decompress, jobs.BootWrite} {
		if u.jobs.Query(kind) == jobs.Running {
			return true
		}
	}
	return false
}

func (u *Updater) runJob(ctx context.Context, kind jobs.Kind, argv []string) error {
	job, err := u.jobs.Start(kind, argv...)
	if err != nil {
		return err
	}
	if err := u.jobs.Await(ctx, job); err != nil {
		return fmt.Errorf("%s: %w", kind, err)
	}
	return nil
}

type diskDevices struct {
	logger *slog.Logger
}

func (d diskDevices) OpenImage(p string) (FirmwareImage, error) {
	img, err := partition.OpenImage(p, d.logger)
	if err != nil {
		return nil, err
	}
	return img, nil
}

func (d diskDevices) OpenDisk(p string) (DiskTable, error) {
	dsk, err := partition.OpenDisk(p, d.logger)
	if err != nil {
		return nil, err
	}
	return dsk, nil
}
