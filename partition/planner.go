// Package partition reads partition geometry from disks and firmware images
// and moves a partition to match an incoming image without overlapping the
// partition that follows it.
package partition

import (
	"errors"
	"fmt"
	"log/slog"
)

const MiB = 1024 * 1024

// Fixed device layout.
const (
	BootIndex = 1
	RootIndex = 2
	DataIndex = 3
)

var (
	ErrOverlap     = errors.New("partition would overlap the next partition")
	ErrNoPartition = errors.New("no such partition")
)

// Geometry is a partition's placement in bytes. End is inclusive.
type Geometry struct {
	Start int64
	End   int64
	Size  int64
}

func NewGeometry(start, size int64) Geometry {
	return Geometry{Start: start, End: start + size - 1, Size: size}
}

// FromMB builds a geometry from a whole-MiB offset and size.
func FromMB(startMB, sizeMB int64) Geometry {
	return NewGeometry(startMB*MiB, sizeMB*MiB)
}

func (g Geometry) StartMB() int64 {
	return g.Start / MiB
}

func (g Geometry) SizeMB() int64 {
	return g.Size / MiB
}

func (g Geometry) String() string {
	return fmt.Sprintf("%d-%d (%d bytes)", g.Start, g.End, g.Size)
}

// Table is the narrow view of a partition table the planner mutates.
// Indexes are 1-based.
type Table interface {
	Geometry(index int) (Geometry, error)
	Recreate(index int, start, end int64) error
	Sync() error
	// LastUsable is the last byte a partition may occupy.
	LastUsable() int64
}

// Plan is the outcome of comparing a live partition with the desired one.
type Plan struct {
	Index int
	Noop  bool
	Start int64
	End   int64
}

func (p Plan) String() string {
	if p.Noop {
		return fmt.Sprintf("partition %d: no change", p.Index)
	}
	return fmt.Sprintf("partition %d: recreate at %d-%d", p.Index, p.Start, p.End)
}

// PlanFor decides how partition index must change to match desired. It
// never returns a plan whose end reaches the neighbor's start.
func PlanFor(index int, live, desired, neighbor Geometry) (Plan, error) {
	if live.Start == desired.Start && live.End == desired.End {
		return Plan{Index: index, Noop: true, Start: live.Start, End: live.End}, nil
	}
	if desired.End >= neighbor.Start {
		return Plan{}, fmt.Errorf("partition %d end %d, next partition starts at %d: %w", index, desired.End, neighbor.Start, ErrOverlap)
	}
	return Plan{Index: index, Start: desired.Start, End: desired.End}, nil
}

// Reallocate reads the live geometry of partition index and of the
// partition after it, then recreates index at desired if needed. The
// geometry is read fresh on every call. When there is no next partition the
// table's last usable byte bounds the partition.
func Reallocate(t Table, index int, desired Geometry, logger *slog.Logger) (Plan, error) {
	live, err := t.Geometry(index)
	if err != nil {
		return Plan{}, fmt.Errorf("failed to read partition %d: %w", index, err)
	}

	neighbor, err := t.Geometry(index + 1)
	if errors.Is(err, ErrNoPartition) {
		neighbor = Geometry{Start: t.LastUsable() + 1}
	} else if err != nil {
		return Plan{}, fmt.Errorf("failed to read partition %d: %w", index+1, err)
	}

	plan, err := PlanFor(index, live, desired, neighbor)
	if err != nil {
		return Plan{}, err
	}
	if plan.Noop {
		logger.Debug("Partition already matches firmware layout", "partition", index, "geometry", live.String())
		return plan, nil
	}

	logger.Info("Reallocating partition", "partition", index, "from", live.String(), "to", desired.String())
	if err := t.Recreate(index, plan.Start, plan.End); err != nil {
		return Plan{}, fmt.Errorf("failed to recreate partition %d: %w", index, err)
	}
	if err := t.Sync(); err != nil {
		return Plan{}, fmt.Errorf("failed to sync partition table: %w", err)
	}
	return plan, nil
}
