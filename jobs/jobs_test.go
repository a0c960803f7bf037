package jobs

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeProber treats exactly the identities in alive as running.
type fakeProber struct {
	mu    sync.Mutex
	alive map[int]int64
}

func (f *fakeProber) Identity(pid int) (int64, error) {
	return 1000 + int64(pid), nil
}

func (f *fakeProber) Alive(pid int, started int64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.alive[pid]
	return ok && s == started
}

func (f *fakeProber) kill(pid int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.alive, pid)
}

func writeMarker(t *testing.T, s *Supervisor, kind Kind, pid int, started int64) {
	t.Helper()
	require.NoError(t, os.MkdirAll(s.dir, 0o755))
	data := fmt.Sprintf(`{"pid":%d,"started":%d}`, pid, started)
	require.NoError(t, os.WriteFile(s.MarkerPath(kind), []byte(data), 0o644))
}

func TestQuery(t *testing.T) {
	dir := t.TempDir()
	artifact := filepath.Join(dir, "firmware.img")

	tests := []struct {
		name     string
		marker   bool
		alive    map[int]int64
		artifact bool
		want     Status
	}{
		{name: "nothing", want: Absent},
		{name: "live marker", marker: true, alive: map[int]int64{42: 7}, want: Running},
		{name: "live marker wins over artifact", marker: true, alive: map[int]int64{42: 7}, artifact: true, want: Running},
		{name: "dead marker without artifact", marker: true, want: Absent},
		{name: "dead marker with artifact", marker: true, artifact: true, want: Done},
		{name: "pid reused by another process", marker: true, alive: map[int]int64{42: 8}, artifact: true, want: Done},
		{name: "pid reused without artifact", marker: true, alive: map[int]int64{42: 8}, want: Absent},
		{name: "artifact without marker", artifact: true, want: Done},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			jobDir := filepath.Join(dir, tt.name)
			s := New(jobDir, map[Kind][]string{Decompress: {artifact}}, WithProber(&fakeProber{alive: tt.alive}))

			os.Remove(artifact)
			if tt.artifact {
				require.NoError(t, os.WriteFile(artifact, nil, 0o644))
			}
			if tt.marker {
				writeMarker(t, s, Decompress, 42, 7)
			}

			assert.Equal(t, tt.want, s.Query(Decompress))
		})
	}
}

func TestQueryIgnoresCorruptMarker(t *testing.T) {
	dir := t.TempDir()
	s := New(dir, nil, WithProber(&fakeProber{alive: map[int]int64{0: 0}}))
	require.NoError(t, os.WriteFile(s.MarkerPath(Download), []byte("garbage"), 0o644))
	assert.Equal(t, Absent, s.Query(Download))
}

func TestStartAndAwaitSuccess(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "out")
	s := New(dir, map[Kind][]string{Download: {out}})

	job, err := s.Start(Download, "sh", "-c", `echo fetching; echo done > "$0"`, out)
	require.NoError(t, err)
	assert.Greater(t, job.PID, 0)
	assert.FileExists(t, s.MarkerPath(Download))

	require.NoError(t, s.Await(context.Background(), job))
	assert.Equal(t, Done, s.Query(Download))

	log, err := os.ReadFile(s.LogPath(Download))
	require.NoError(t, err)
	assert.Equal(t, "fetching\n", string(log))
	// the marker stays behind and must not confuse later queries
	assert.FileExists(t, s.MarkerPath(Download))
}

func TestAwaitSurfacesLogOnFailure(t *testing.T) {
	dir := t.TempDir()
	s := New(dir, map[Kind][]string{BootWrite: {filepath.Join(dir, "ready")}})

	job, err := s.Start(BootWrite, "sh", "-c", "echo 'no space left on device' >&2; exit 3")
	require.NoError(t, err)

	err = s.Await(context.Background(), job)
	var jobErr *JobError
	require.ErrorAs(t, err, &jobErr)
	assert.Equal(t, BootWrite, jobErr.Kind)
	assert.Equal(t, 3, jobErr.ExitCode)
	assert.Equal(t, "no space left on device\n", jobErr.Log)
	assert.Contains(t, err.Error(), "no space left on device")
	assert.Equal(t, Absent, s.Query(BootWrite))
}

func TestQueryRunningProcess(t *testing.T) {
	dir := t.TempDir()
	s := New(dir, map[Kind][]string{Download: {filepath.Join(dir, "never")}})

	job, err := s.Start(Download, "sleep", "30")
	require.NoError(t, err)
	assert.Equal(t, Running, s.Query(Download))

	require.NoError(t, job.cmd.Process.Kill())
	err = s.Await(context.Background(), job)
	assert.Error(t, err)

	assert.Equal(t, Absent, s.Query(Download))
}

func TestAwaitAttachedJob(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "out")
	prober := &fakeProber{alive: map[int]int64{99: 5}}
	s := New(dir, map[Kind][]string{Decompress: {out}}, WithProber(prober), WithPollInterval(5*time.Millisecond))
	writeMarker(t, s, Decompress, 99, 5)

	job, err := s.Attach(Decompress)
	require.NoError(t, err)
	assert.Equal(t, 99, job.PID)

	go func() {
		time.Sleep(20 * time.Millisecond)
		os.WriteFile(out, nil, 0o644)
		prober.kill(99)
	}()

	require.NoError(t, s.Await(context.Background(), job))
}

func TestAttachWithoutMarker(t *testing.T) {
	s := New(t.TempDir(), nil)
	_, err := s.Attach(Download)
	assert.ErrorIs(t, err, ErrNoJob)
}

func TestAwaitHonorsContext(t *testing.T) {
	dir := t.TempDir()
	s := New(dir, nil, WithProber(&fakeProber{alive: map[int]int64{7: 1007}}), WithPollInterval(time.Millisecond))
	writeMarker(t, s, Download, 7, 1007)

	job, err := s.Attach(Download)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.Await(ctx, job), context.DeadlineExceeded)
}

type blindProber struct{ ProcessProber }

func (blindProber) Identity(int) (int64, error) {
	return 0, os.ErrPermission
}

func TestStartFailsWithoutProcessIdentity(t *testing.T) {
	dir := t.TempDir()
	s := New(dir, nil, WithProber(blindProber{}))

	_, err := s.Start(BootWrite, "sleep", "30")
	assert.ErrorIs(t, err, os.ErrPermission)
	assert.NoFileExists(t, s.MarkerPath(BootWrite))
	assert.Equal(t, Absent, s.Query(BootWrite))
}

func TestStopTerminatesProcessGroup(t *testing.T) {
	dir := t.TempDir()
	s := New(dir, map[Kind][]string{BootWrite: {filepath.Join(dir, "ready")}})

	// the shell forks sleep, so only a group signal reaches it
	job, err := s.Start(BootWrite, "sh", "-c", "sleep 30; echo finished")
	require.NoError(t, err)
	require.Equal(t, Running, s.Query(BootWrite))

	done := make(chan error, 1)
	go func() { done <- s.Await(context.Background(), job) }()

	require.NoError(t, s.Stop(BootWrite, 5*time.Second))
	assert.Equal(t, Absent, s.Query(BootWrite))

	select {
	case err := <-done:
		var jobErr *JobError
		require.ErrorAs(t, err, &jobErr)
		assert.NotContains(t, jobErr.Log, "finished")
	case <-time.After(5 * time.Second):
		t.Fatal("job still running after Stop")
	}
}

func TestStopWithoutRunningJob(t *testing.T) {
	s := New(t.TempDir(), nil)
	assert.NoError(t, s.Stop(Download, time.Second))
}
