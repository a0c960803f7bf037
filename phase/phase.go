// Package phase derives the externally reported update phase from the
// workspace and job states. Nothing here is stored: the phase is
// recomputed on every query, so it is correct right after a restart.
package phase

import (
	"github.com/tez-capital/fwupdate/jobs"
)

type Phase int

const (
	Idle Phase = iota
	Downloading
	Downloaded
	Extracting
	Extracted
	FlashingBoot
	BootReady
)

var phaseNames = map[Phase]string{
	Idle:         "idle",
	Downloading:  "downloading",
	Downloaded:   "downloaded",
	Extracting:   "extracting",
	Extracted:    "extracted",
	FlashingBoot: "flashing boot",
	BootReady:    "boot ready",
}

func (p Phase) String() string {
	return phaseNames[p]
}

// Snapshot is everything Derive looks at.
type Snapshot struct {
	Version    string
	Download   jobs.Status
	Decompress jobs.Status
	BootWrite  jobs.Status
}

type State struct {
	Phase   Phase
	Version string
}

// String renders the status line, e.g. "extracted v2.3" or "idle".
func (s State) String() string {
	if s.Phase == Idle {
		return s.Phase.String()
	}
	return s.Phase.String() + " " + s.Version
}

// Derive picks the phase by precedence: boot write, then decompress, then
// download. A later phase's evidence always dominates an earlier one's.
func Derive(s Snapshot) State {
	st := State{Phase: Idle, Version: s.Version}

	switch {
	case s.BootWrite == jobs.Running:
		st.Phase = FlashingBoot
	case s.BootWrite == jobs.Done:
		st.Phase = BootReady
	case s.Decompress == jobs.Running:
		st.Phase = Extracting
	case s.Decompress == jobs.Done:
		st.Phase = Extracted
	case s.Download == jobs.Running:
		st.Phase = Downloading
	case s.Download == jobs.Done:
		st.Phase = Downloaded
	default:
		st.Version = ""
	}
	return st
}
