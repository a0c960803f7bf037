package jobs

import (
	"github.com/samber/lo"
	"github.com/shirou/gopsutil/v3/process"
)

// Prober answers whether a recorded process identity still refers to a
// live process. The identity is the pid plus the process creation time, so
// a pid reused by the kernel never aliases a finished job.
type Prober interface {
	Identity(pid int) (int64, error)
	Alive(pid int, started int64) bool
}

type ProcessProber struct{}

func (ProcessProber) Identity(pid int) (int64, error) {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return 0, err
	}
	return p.CreateTime()
}

// Alive is false for zombies and for a pid whose creation time differs from
// the recorded one. An unknown identity (zero) is never considered alive.
func (ProcessProber) Alive(pid int, started int64) bool {
	if pid <= 0 || started == 0 {
		return false
	}
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return false
	}
	if st, err := p.Status(); err == nil && lo.Contains(st, process.Zombie) {
		return false
	}
	created, err := p.CreateTime()
	if err != nil {
		return false
	}
	return created == started
}
