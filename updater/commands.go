package updater

import (
	"fmt"
	"os"
	"strconv"

	"github.com/tez-capital/fwupdate/workspace"
)

// JobCommands builds the argv of each detached job.
type JobCommands interface {
	Fetch(src, dst string) []string
	Decompress(c workspace.Compression, src, dst string) []string
	WriteRange(image, device string, offset, size int64) []string
}

// selfCommands runs jobs as hidden subcommands of the running binary.
type selfCommands struct {
	exe string
}

func SelfCommands() (JobCommands, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("failed to locate own executable: %w", err)
	}
	return selfCommands{exe: exe}, nil
}

func (s selfCommands) Fetch(src, dst string) []string {
	return []string{s.exe, "job", "fetch", src, dst}
}

func (s selfCommands) Decompress(c workspace.Compression, src, dst string) []string {
	return []string{s.exe, "job", "decompress", "--compression", string(c), src, dst}
}

func (s selfCommands) WriteRange(image, device string, offset, size int64) []string {
	return []string{s.exe, "job", "write",
		"--offset", strconv.FormatInt(offset, 10),
		"--size", strconv.FormatInt(size, 10),
		image, device,
	}
}
