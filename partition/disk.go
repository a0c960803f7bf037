package partition

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"sort"

	"github.com/diskfs/go-diskfs"
	"github.com/diskfs/go-diskfs/backend/file"
	"github.com/diskfs/go-diskfs/disk"
	"github.com/diskfs/go-diskfs/partition/gpt"
	"github.com/diskfs/go-diskfs/partition/mbr"
	"golang.org/x/sys/unix"
)

func openDisk(p string, mode diskfs.OpenModeOption) (*disk.Disk, *os.File, error) {
	flags := os.O_RDONLY
	if mode != diskfs.ReadOnly {
		flags = os.O_RDWR
	}

	f, err := os.OpenFile(p, flags, 0600)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open %s: %w", p, err)
	}

	d, err := diskfs.OpenBackend(file.New(f, mode == diskfs.ReadOnly), diskfs.WithOpenMode(mode), diskfs.WithSectorSize(diskfs.SectorSizeDefault))
	if err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("failed to open disk backend for %s: %w", p, err)
	}
	return d, f, nil
}

func geometryOf(d *disk.Disk, index int) (Geometry, error) {
	table, err := d.GetPartitionTable()
	if err != nil {
		return Geometry{}, fmt.Errorf("failed to read partition table: %w", err)
	}
	parts := table.GetPartitions()
	if index < 1 || index > len(parts) || parts[index-1] == nil || parts[index-1].GetSize() == 0 {
		return Geometry{}, fmt.Errorf("partition %d: %w", index, ErrNoPartition)
	}
	p := parts[index-1]
	return NewGeometry(p.GetStart(), p.GetSize()), nil
}

// Disk is a live block device whose partition table can be rewritten.
type Disk struct {
	path   string
	disk   *disk.Disk
	f      *os.File
	logger *slog.Logger
}

var _ Table = (*Disk)(nil)

func OpenDisk(p string, logger *slog.Logger) (*Disk, error) {
	d, f, err := openDisk(p, diskfs.ReadWriteExclusive)
	if err != nil {
		return nil, err
	}
	return &Disk{path: p, disk: d, f: f, logger: logger}, nil
}

func (d *Disk) Geometry(index int) (Geometry, error) {
	return geometryOf(d.disk, index)
}

// LastUsable is the end of the device for MBR. GPT keeps its backup header
// and partition array at the end, so the header's last data sector is used.
func (d *Disk) LastUsable() int64 {
	last := d.disk.Size - 1
	table, err := d.disk.GetPartitionTable()
	if err != nil {
		return last
	}
	if t, ok := table.(*gpt.Table); ok && t.LastDataSector() > 0 {
		return int64(t.LastDataSector()+1)*d.sectorSize() - 1
	}
	return last
}

func (d *Disk) sectorSize() int64 {
	if d.disk.LogicalBlocksize > 0 {
		return d.disk.LogicalBlocksize
	}
	return int64(diskfs.SectorSize512)
}

// Recreate moves partition index to [start, end], keeping its type, flags
// and identity, and writes the table back to the device.
func (d *Disk) Recreate(index int, start, end int64) error {
	table, err := d.disk.GetPartitionTable()
	if err != nil {
		return fmt.Errorf("failed to read partition table: %w", err)
	}

	sector := d.sectorSize()
	if start%sector != 0 || (end+1)%sector != 0 {
		return fmt.Errorf("partition %d bounds %d-%d are not sector aligned", index, start, end)
	}

	switch t := table.(type) {
	case *mbr.Table:
		if index < 1 || index > len(t.Partitions) || t.Partitions[index-1] == nil {
			return fmt.Errorf("partition %d: %w", index, ErrNoPartition)
		}
		p := t.Partitions[index-1]
		p.Start = uint32(start / sector)
		p.Size = uint32((end - start + 1) / sector)
	case *gpt.Table:
		if index < 1 || index > len(t.Partitions) || t.Partitions[index-1] == nil {
			return fmt.Errorf("partition %d: %w", index, ErrNoPartition)
		}
		p := t.Partitions[index-1]
		p.Start = uint64(start / sector)
		p.End = uint64(end / sector)
		p.Size = uint64(end - start + 1)
	default:
		return fmt.Errorf("unsupported partition table type %T", table)
	}

	if err := d.disk.Partition(table); err != nil {
		return fmt.Errorf("failed to write partition table to %s: %w", d.path, err)
	}
	return nil
}

// Sync flushes the table to the device and asks the kernel to pick up the
// new layout. The kernel refresh is best effort: partitions that are in use
// keep their old view until reboot.
func (d *Disk) Sync() error {
	if err := d.f.Sync(); err != nil {
		return fmt.Errorf("failed to sync %s: %w", d.path, err)
	}
	unix.Sync()
	if out, err := exec.Command("partx", "--update", d.path).CombinedOutput(); err != nil {
		d.logger.Debug("partx update failed", "device", d.path, "error", err, "output", string(out))
	}
	return nil
}

func (d *Disk) Close() error {
	return d.disk.Close()
}

// Image is a read-only raw firmware image.
type Image struct {
	path   string
	disk   *disk.Disk
	logger *slog.Logger
}

func OpenImage(p string, logger *slog.Logger) (*Image, error) {
	d, _, err := openDisk(p, diskfs.ReadOnly)
	if err != nil {
		return nil, err
	}
	return &Image{path: p, disk: d, logger: logger}, nil
}

func (i *Image) Geometry(index int) (Geometry, error) {
	return geometryOf(i.disk, index)
}

// ExtractDir copies the regular files of dir inside partition index's
// filesystem into dst, returning their paths sorted by name. A missing dir
// yields no files.
func (i *Image) ExtractDir(index int, dir, dst string) ([]string, error) {
	fs, err := i.disk.GetFilesystem(index)
	if err != nil {
		return nil, fmt.Errorf("failed to open filesystem of partition %d: %w", index, err)
	}
	defer fs.Close()

	entries, err := fs.ReadDir(dir)
	if err != nil {
		// Some filesystems return a custom error string rather than os.ErrNotExist; treat any failure as "missing".
		i.logger.Debug("Directory not readable in image", "dir", dir, "error", err)
		return nil, nil
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() || e.Name() == "." || e.Name() == ".." {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	if err := os.MkdirAll(dst, 0o700); err != nil {
		return nil, err
	}

	var out []string
	for _, name := range names {
		src, err := fs.OpenFile(path.Join(dir, name), os.O_RDONLY)
		if err != nil {
			return nil, fmt.Errorf("failed to open %s in image: %w", name, err)
		}
		target := filepath.Join(dst, name)
		w, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o700)
		if err != nil {
			src.Close()
			return nil, err
		}
		_, copyErr := io.Copy(w, src)
		src.Close()
		if err := errors.Join(copyErr, w.Close()); err != nil {
			return nil, fmt.Errorf("failed to extract %s: %w", name, err)
		}
		out = append(out, target)
	}
	return out, nil
}

func (i *Image) Close() error {
	return i.disk.Close()
}
