// Package workspace holds the on-disk state of a single update attempt.
//
// There is exactly one workspace per device. Every artifact lives at a fixed
// name under Dir and its presence is the state; nothing else is persisted.
package workspace

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

const (
	versionFileName   = "version"
	imageFileName     = "firmware.img"
	rootInfoFileName  = "root_info"
	bootReadyFileName = "boot_flash_ready"
	bootBackupDirName = "boot.bak"

	PartialSuffix = ".part"
	tmpSuffix     = ".tmp"
)

var ErrNoRootGeometry = errors.New("no root partition geometry recorded")

// Compression identifies the codec of the downloaded image.
type Compression string

const (
	Gzip Compression = "gz"
	XZ   Compression = "xz"
)

// CompressionFromName picks the codec from a file or URL name. Names
// without a recognized extension are assumed to be xz.
func CompressionFromName(name string) Compression {
	if strings.HasSuffix(strings.ToLower(name), ".gz") {
		return Gzip
	}
	return XZ
}

func (c Compression) Ext() string {
	return "." + string(c)
}

// RootGeometry is the firmware image's root partition layout in whole MiB,
// captured at boot flash time and consumed at reboot time.
type RootGeometry struct {
	StartMB int64 `json:"start_mb"`
	SizeMB  int64 `json:"size_mb"`
}

type Workspace struct {
	Dir string
}

func New(dir string) *Workspace {
	return &Workspace{Dir: dir}
}

func (w *Workspace) Path(name string) string {
	return filepath.Join(w.Dir, name)
}

// Ensure creates the workspace directory if it does not exist yet.
func (w *Workspace) Ensure() error {
	return os.MkdirAll(w.Dir, 0o755)
}

// Reset destroys the previous update attempt entirely.
func (w *Workspace) Reset() error {
	if err := os.RemoveAll(w.Dir); err != nil {
		return fmt.Errorf("failed to remove workspace %s: %w", w.Dir, err)
	}
	return w.Ensure()
}

func (w *Workspace) exists(name string) bool {
	_, err := os.Stat(w.Path(name))
	return err == nil
}

func (w *Workspace) Version() string {
	data, err := os.ReadFile(w.Path(versionFileName))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func (w *Workspace) SetVersion(version string) error {
	return writeBytesAtomic(w.Path(versionFileName), []byte(version+"\n"), 0o644)
}

func (w *Workspace) CompressedPath(c Compression) string {
	return w.Path(imageFileName + c.Ext())
}

// Compressed returns the downloaded image, whichever codec it uses.
func (w *Workspace) Compressed() (string, Compression, bool) {
	for _, c := range []Compression{Gzip, XZ} {
		p := w.CompressedPath(c)
		if _, err := os.Stat(p); err == nil {
			return p, c, true
		}
	}
	return "", "", false
}

// CompressedPaths lists every path a downloaded image may occupy.
func (w *Workspace) CompressedPaths() []string {
	return []string{w.CompressedPath(Gzip), w.CompressedPath(XZ)}
}

func (w *Workspace) ImagePath() string {
	return w.Path(imageFileName)
}

func (w *Workspace) HasImage() bool {
	return w.exists(imageFileName)
}

func (w *Workspace) RemoveImage() error {
	return removeIfExists(w.ImagePath())
}

func (w *Workspace) RootGeometry() (RootGeometry, error) {
	var g RootGeometry
	data, err := os.ReadFile(w.Path(rootInfoFileName))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return g, ErrNoRootGeometry
		}
		return g, err
	}
	if err := json.Unmarshal(data, &g); err != nil {
		return g, fmt.Errorf("corrupted %s: %w", rootInfoFileName, err)
	}
	return g, nil
}

func (w *Workspace) SetRootGeometry(g RootGeometry) error {
	return writeJSONAtomic(w.Path(rootInfoFileName), g, 0o644)
}

func (w *Workspace) ClearRootGeometry() error {
	return removeIfExists(w.Path(rootInfoFileName))
}

func (w *Workspace) BootReadyPath() string {
	return w.Path(bootReadyFileName)
}

func (w *Workspace) BootReady() bool {
	return w.exists(bootReadyFileName)
}

func (w *Workspace) MarkBootReady() error {
	return writeBytesAtomic(w.BootReadyPath(), nil, 0o644)
}

func (w *Workspace) ClearBootReady() error {
	return removeIfExists(w.BootReadyPath())
}

func (w *Workspace) BootBackupDir() string {
	return w.Path(bootBackupDirName)
}

// PartialSize sums the bytes written so far by in-progress jobs.
func (w *Workspace) PartialSize() int64 {
	matches, _ := filepath.Glob(filepath.Join(w.Dir, "*"+PartialSuffix))
	var total int64
	for _, m := range matches {
		if st, err := os.Stat(m); err == nil {
			total += st.Size()
		}
	}
	return total
}

func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func writeJSONAtomic(path string, v any, perm os.FileMode) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return writeBytesAtomic(path, b, perm)
}

func writeBytesAtomic(path string, b []byte, perm os.FileMode) error {
	tmp := path + tmpSuffix
	file, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC|os.O_SYNC, perm)
	if err != nil {
		return err
	}
	if _, err := file.Write(b); err != nil {
		file.Close()
		return err
	}
	file.Close()
	return os.Rename(tmp, path)
}
