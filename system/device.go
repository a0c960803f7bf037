package system

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/shirou/gopsutil/v3/disk"
)

var ErrNoBootDevice = errors.New("unable to identify the boot device")

// BootDevice returns the disk holding the boot partition and the boot
// partition device itself. It looks for the filesystem mounted at
// bootMount, falling back to the disk of the root filesystem when boot is
// not mounted (e.g. after an interrupted flash).
func BootDevice(bootMount string, bootIndex int) (string, string, error) {
	parts, err := disk.Partitions(true)
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrNoBootDevice, err)
	}

	var rootDev string
	for _, p := range parts {
		dev := resolveDevice(p.Device)
		if !strings.HasPrefix(dev, "/dev/") {
			continue
		}
		switch filepath.Clean(p.Mountpoint) {
		case filepath.Clean(bootMount):
			return ParentDisk(dev), dev, nil
		case "/":
			rootDev = dev
		}
	}

	if rootDev != "" && rootDev != "/dev/root" {
		diskDev := ParentDisk(rootDev)
		return diskDev, PartitionDevice(diskDev, bootIndex), nil
	}
	return "", "", ErrNoBootDevice
}

func resolveDevice(dev string) string {
	if resolved, err := filepath.EvalSymlinks(dev); err == nil {
		return resolved
	}
	return dev
}

// ParentDisk strips the partition number from a partition device:
// /dev/mmcblk0p1 -> /dev/mmcblk0, /dev/sda1 -> /dev/sda.
func ParentDisk(partDev string) string {
	trimmed := strings.TrimRightFunc(partDev, unicode.IsDigit)
	if trimmed == partDev {
		return partDev
	}
	if strings.HasSuffix(trimmed, "p") && len(trimmed) > 1 && unicode.IsDigit(rune(trimmed[len(trimmed)-2])) {
		return strings.TrimSuffix(trimmed, "p")
	}
	return trimmed
}

// PartitionDevice is the inverse of ParentDisk.
func PartitionDevice(diskDev string, index int) string {
	if diskDev != "" && unicode.IsDigit(rune(diskDev[len(diskDev)-1])) {
		return fmt.Sprintf("%sp%d", diskDev, index)
	}
	return fmt.Sprintf("%s%d", diskDev, index)
}
