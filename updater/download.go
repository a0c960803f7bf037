package updater

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/tez-capital/fwupdate/jobs"
	"github.com/tez-capital/fwupdate/partition"
	"github.com/tez-capital/fwupdate/transfer"
	"github.com/tez-capital/fwupdate/workspace"
)

type source struct {
	location    string
	version     string
	compression workspace.Compression
}

// resolveSource turns a download argument into something fetchable. An
// existing local file wins, then anything that looks like a URL; the rest
// is looked up in the catalog.
func (u *Updater) resolveSource(ctx context.Context, src string) (source, error) {
	if st, err := os.Stat(src); err == nil && st.Mode().IsRegular() {
		abs, err := filepath.Abs(src)
		if err != nil {
			return source{}, err
		}
		return source{location: abs, version: versionLabel(abs), compression: workspace.CompressionFromName(abs)}, nil
	}

	if transfer.IsURL(src) {
		name := src
		if parsed, err := url.Parse(src); err == nil && parsed.Path != "" {
			name = parsed.Path
		}
		return source{location: src, version: versionLabel(name), compression: workspace.CompressionFromName(name)}, nil
	}

	release, err := u.catalog.Find(ctx, src)
	if err != nil {
		return source{}, err
	}
	name := release.URL
	if parsed, err := url.Parse(release.URL); err == nil && parsed.Path != "" {
		name = parsed.Path
	}
	return source{location: release.URL, version: release.Version, compression: workspace.CompressionFromName(name)}, nil
}

// versionLabel derives a version from an image name:
// custom.img.xz -> custom.
func versionLabel(name string) string {
	base := path.Base(filepath.ToSlash(name))
	lower := strings.ToLower(base)
	for _, ext := range []string{".gz", ".xz"} {
		if strings.HasSuffix(lower, ext) {
			base, lower = base[:len(base)-len(ext)], lower[:len(lower)-len(ext)]
			break
		}
	}
	if strings.HasSuffix(lower, ".img") {
		base = base[:len(base)-len(".img")]
	}
	return base
}

// Download fetches a firmware image by version, URL or local path into a
// fresh workspace. The previous update attempt is discarded.
func (u *Updater) Download(ctx context.Context, src string) error {
	unlock, err := u.lock()
	if err != nil {
		return err
	}
	defer unlock()
	return u.download(ctx, src)
}

func (u *Updater) download(ctx context.Context, src string) error {
	s, err := u.resolveSource(ctx, src)
	if err != nil {
		return err
	}
	if u.anyJobRunning() {
		return ErrBusy
	}
	if err := u.checkFreeSpace(); err != nil {
		return err
	}

	if err := u.ws.Reset(); err != nil {
		return err
	}
	if err := u.ws.SetVersion(s.version); err != nil {
		return fmt.Errorf("failed to record version: %w", err)
	}

	dst := u.ws.CompressedPath(s.compression)
	u.logger.Info("Downloading firmware", "version", s.version, "source", s.location)
	return u.runJob(ctx, jobs.Download, u.commands.Fetch(s.location, dst))
}

func (u *Updater) checkFreeSpace() error {
	if u.cfg.MinFreeMB == 0 {
		return nil
	}
	dir := u.ws.Dir
	for {
		if _, err := os.Stat(dir); err == nil || !errors.Is(err, fs.ErrNotExist) {
			break
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	free, err := u.sys.FreeSpace(dir)
	if err != nil {
		return fmt.Errorf("failed to check free space on %s: %w", dir, err)
	}
	if need := u.cfg.MinFreeMB * partition.MiB; free < need {
		return fmt.Errorf("%w: %d MiB available on %s, %d MiB required", ErrInsufficientSpace, free/partition.MiB, dir, u.cfg.MinFreeMB)
	}
	return nil
}

// Extract decompresses the downloaded image. A download still in progress
// is waited for first.
func (u *Updater) Extract(ctx context.Context) error {
	unlock, err := u.lock()
	if err != nil {
		return err
	}
	defer unlock()
	return u.extract(ctx)
}

func (u *Updater) extract(ctx context.Context) error {
	if u.jobs.Query(jobs.Download) == jobs.Running {
		job, err := u.jobs.Attach(jobs.Download)
		if err != nil {
			return err
		}
		u.logger.Info("Waiting for download to finish", "pid", job.PID)
		if err := u.jobs.Await(ctx, job); err != nil {
			return fmt.Errorf("%s: %w", jobs.Download, err)
		}
	}

	compressed, c, ok := u.ws.Compressed()
	if !ok {
		return ErrNothingDownloaded
	}
	if u.jobs.Query(jobs.Decompress) == jobs.Running || u.jobs.Query(jobs.BootWrite) == jobs.Running {
		return ErrBusy
	}

	if err := errors.Join(u.ws.RemoveImage(), u.ws.ClearRootGeometry(), u.ws.ClearBootReady()); err != nil {
		return fmt.Errorf("failed to clear previous extraction: %w", err)
	}

	// TODO: verify the image checksum once releases publish one.
	u.logger.Info("Extracting firmware", "version", u.ws.Version(), "compression", c)
	return u.runJob(ctx, jobs.Decompress, u.commands.Decompress(c, compressed, u.ws.ImagePath()))
}
