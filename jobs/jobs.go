// Package jobs supervises long-running external operations (download,
// decompress, boot write) that run detached from the controlling process.
//
// A job is tracked by two files in the supervisor's directory: <kind>.pid,
// holding the process identity, and <kind>.log, holding the combined output.
// Markers are never removed; a marker pointing at a dead (or reused) pid is
// ignored and the job's output artifact decides between done and absent.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/samber/lo"
)

type Kind string

const (
	Download   Kind = "download"
	Decompress Kind = "decompress"
	BootWrite  Kind = "bootwrite"
)

type Status int

const (
	Absent Status = iota
	Running
	Done
)

func (s Status) String() string {
	switch s {
	case Running:
		return "running"
	case Done:
		return "done"
	default:
		return "absent"
	}
}

var (
	ErrNoJob      = errors.New("no job recorded")
	ErrNoIdentity = errors.New("process identity unavailable")
	ErrStillAlive = errors.New("job did not stop")
)

const stopPoll = 50 * time.Millisecond

// JobError reports a job that exited unsuccessfully. Log is the job's
// captured output, verbatim.
type JobError struct {
	Kind     Kind
	ExitCode int
	Log      string
}

func (e *JobError) Error() string {
	msg := fmt.Sprintf("%s job failed", e.Kind)
	if e.ExitCode > 0 {
		msg = fmt.Sprintf("%s (exit status %d)", msg, e.ExitCode)
	}
	if log := strings.TrimRight(e.Log, "\n"); log != "" {
		msg += ":\n" + log
	}
	return msg
}

type Job struct {
	Kind    Kind
	PID     int
	Started int64
	Log     string

	// set only when this process launched the job
	cmd *exec.Cmd
}

type marker struct {
	PID     int   `json:"pid"`
	Started int64 `json:"started"`
}

type options struct {
	prober Prober
	logger *slog.Logger
	poll   time.Duration
}

type Option func(*options)

func WithProber(p Prober) Option {
	return func(o *options) {
		if p != nil {
			o.prober = p
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithPollInterval sets how often Await checks on a job it did not launch.
func WithPollInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.poll = d
		}
	}
}

type Supervisor struct {
	dir       string
	artifacts map[Kind][]string
	prober    Prober
	logger    *slog.Logger
	poll      time.Duration
}

// New creates a supervisor keeping its markers and logs in dir. artifacts
// maps each kind to the output paths whose presence means the job succeeded.
func New(dir string, artifacts map[Kind][]string, opts ...Option) *Supervisor {
	o := &options{
		prober: ProcessProber{},
		logger: slog.Default(),
		poll:   time.Second,
	}
	for _, fn := range opts {
		fn(o)
	}
	return &Supervisor{
		dir:       dir,
		artifacts: artifacts,
		prober:    o.prober,
		logger:    o.logger,
		poll:      o.poll,
	}
}

func (s *Supervisor) LogPath(kind Kind) string {
	return filepath.Join(s.dir, string(kind)+".log")
}

func (s *Supervisor) MarkerPath(kind Kind) string {
	return filepath.Join(s.dir, string(kind)+".pid")
}

// Start launches argv detached from the controller in its own session, with
// combined output redirected to the kind's log, and records its identity.
func (s *Supervisor) Start(kind Kind, argv ...string) (*Job, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("%s job: empty command", kind)
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return nil, err
	}

	logPath := s.LogPath(kind)
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s job log: %w", kind, err)
	}
	// the child keeps its own copy of the descriptor
	defer logFile.Close()

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s job: %w", kind, err)
	}

	pid := cmd.Process.Pid
	started, err := s.prober.Identity(pid)
	if err != nil || started == 0 {
		// a marker without identity would never be seen as running
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return nil, fmt.Errorf("failed to identify %s job process %d: %w", kind, pid, lo.Ternary(err != nil, err, ErrNoIdentity))
	}

	b, _ := json.Marshal(marker{PID: pid, Started: started})
	if err := writeBytesAtomic(s.MarkerPath(kind), b); err != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return nil, fmt.Errorf("failed to record %s job: %w", kind, err)
	}

	s.logger.Debug("Job started", "kind", kind, "pid", pid, "command", strings.Join(argv, " "), "log", logPath)
	return &Job{Kind: kind, PID: pid, Started: started, Log: logPath, cmd: cmd}, nil
}

// Query reports running only while the recorded process identity is alive;
// otherwise the kind's artifacts decide between done and absent.
func (s *Supervisor) Query(kind Kind) Status {
	if m, err := s.readMarker(kind); err == nil && s.prober.Alive(m.PID, m.Started) {
		return Running
	}
	if lo.SomeBy(s.artifacts[kind], fileExists) {
		return Done
	}
	return Absent
}

// Attach resumes tracking of a job launched by an earlier controller.
func (s *Supervisor) Attach(kind Kind) (*Job, error) {
	m, err := s.readMarker(kind)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", kind, ErrNoJob)
	}
	return &Job{Kind: kind, PID: m.PID, Started: m.Started, Log: s.LogPath(kind)}, nil
}

// Await blocks until the job's process exits. A launched job fails on a
// non-zero exit status; an attached job, whose exit status is unknown,
// fails when its artifact is missing. Cancelling ctx stops waiting but
// leaves the job running.
func (s *Supervisor) Await(ctx context.Context, job *Job) error {
	if job.cmd != nil {
		done := make(chan error, 1)
		go func() { done <- job.cmd.Wait() }()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-done:
			if err == nil {
				s.logger.Debug("Job finished", "kind", job.Kind, "pid", job.PID)
				return nil
			}
			code := -1
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				code = exitErr.ExitCode()
			}
			return &JobError{Kind: job.Kind, ExitCode: code, Log: s.readLog(job.Kind)}
		}
	}

	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()
	for s.prober.Alive(job.PID, job.Started) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}

	if lo.SomeBy(s.artifacts[job.Kind], fileExists) {
		return nil
	}
	return &JobError{Kind: job.Kind, ExitCode: -1, Log: s.readLog(job.Kind)}
}

// Stop terminates a running job of kind. The job runs in its own session, so
// the whole process group gets SIGTERM, and SIGKILL once grace has passed.
// Stop returns once the recorded process is gone; a job that is not running
// is not an error.
func (s *Supervisor) Stop(kind Kind, grace time.Duration) error {
	m, err := s.readMarker(kind)
	if err != nil || !s.prober.Alive(m.PID, m.Started) {
		return nil
	}

	s.logger.Warn("Stopping job", "kind", kind, "pid", m.PID)
	if err := syscall.Kill(-m.PID, syscall.SIGTERM); err != nil && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("failed to stop %s job: %w", kind, err)
	}
	if s.waitGone(m, grace) {
		return nil
	}

	s.logger.Warn("Job ignored SIGTERM, killing it", "kind", kind, "pid", m.PID)
	if err := syscall.Kill(-m.PID, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("failed to kill %s job: %w", kind, err)
	}
	if s.waitGone(m, grace) {
		return nil
	}
	return fmt.Errorf("%s (pid %d): %w", kind, m.PID, ErrStillAlive)
}

func (s *Supervisor) waitGone(m marker, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for s.prober.Alive(m.PID, m.Started) {
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(stopPoll)
	}
	return true
}

func (s *Supervisor) readMarker(kind Kind) (marker, error) {
	var m marker
	data, err := os.ReadFile(s.MarkerPath(kind))
	if err != nil {
		return m, err
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return m, err
	}
	if m.PID <= 0 {
		return m, fmt.Errorf("invalid pid %d in %s marker", m.PID, kind)
	}
	return m, nil
}

func (s *Supervisor) readLog(kind Kind) string {
	data, err := os.ReadFile(s.LogPath(kind))
	if err != nil {
		s.logger.Debug("Failed to read job log", "kind", kind, "error", err)
		return ""
	}
	return string(data)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func writeBytesAtomic(path string, b []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
