package processcontrol

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/qbrc-cnap/mev-procman/pkg/processfile"
	"github.com/qbrc-cnap/mev-procman/pkg/processstate"
	"github.com/qbrc-cnap/mev-procman/pkg/program"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type exitRecorder struct {
	mutex sync.Mutex
	kinds []ExitKind
}

func (r *exitRecorder) record(_ string, kind ExitKind) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.kinds = append(r.kinds, kind)
}

func (r *exitRecorder) snapshot() []ExitKind {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return append([]ExitKind(nil), r.kinds...)
}

func testOptions(t *testing.T, prog program.Program) (Options, *exitRecorder) {
	t.Helper()
	recorder := &exitRecorder{}
	pidManager := processfile.NewProcessFileManager(processfile.ProcessFileConfig{
		BaseDirectory: t.TempDir(),
	}, testLogger())
	return Options{
		Program:    prog,
		PIDManager: pidManager,
		OnExit:     recorder.record,
	}, recorder
}

func waitForState(t *testing.T, pc ProcessControl, want ProcessState, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if pc.State() == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("state never reached %s, last: %s", want, pc.State())
}

func shortLivedProgram(name string, autorestart program.RestartPolicy) program.Program {
	p := program.Program{
		Name:        name,
		Command:     "/bin/echo",
		Args:        []string{"done"},
		Autorestart: autorestart,
		Backoff: program.BackoffConfig{
			MaxRetries:  1,
			RetryDelay:  time.Millisecond,
			BackoffRate: 1.0,
		},
	}
	p.SetDefaults()
	p.Autorestart = autorestart
	p.Backoff.StartupGracePeriod = 0
	return p
}

func longRunningProgram(name string) program.Program {
	p := program.Program{
		Name:        name,
		Command:     "/bin/sleep",
		Args:        []string{"30"},
		Autorestart: program.RestartNever,
		StopTimeout: 2 * time.Second,
	}
	p.SetDefaults()
	p.Autorestart = program.RestartNever
	return p
}

func TestProcessControlExpectedExit(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("test uses Unix commands")
	}

	options, recorder := testOptions(t, shortLivedProgram("echo", program.RestartNever))
	pc := NewProcessControl(options, testLogger())

	require.NoError(t, pc.Start(context.Background()))
	waitForState(t, pc, ProcessStateIdle, 5*time.Second)

	kinds := recorder.snapshot()
	require.Len(t, kinds, 1)
	assert.Equal(t, ExitKindExpected, kinds[0])

	diagnostics := pc.Diagnostics()
	require.NotNil(t, diagnostics.LastExitCode)
	assert.Equal(t, 0, *diagnostics.LastExitCode)
}

func TestProcessControlStop(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("test uses Unix commands")
	}

	options, recorder := testOptions(t, longRunningProgram("sleeper"))
	pc := NewProcessControl(options, testLogger())

	require.NoError(t, pc.Start(context.Background()))
	assert.Equal(t, ProcessStateRunning, pc.State())

	diagnostics := pc.Diagnostics()
	assert.Greater(t, diagnostics.ProcessID, 0)
	require.NotNil(t, diagnostics.StartTime)

	require.NoError(t, pc.Stop(context.Background()))
	assert.Equal(t, ProcessStateIdle, pc.State())

	kinds := recorder.snapshot()
	require.Len(t, kinds, 1)
	assert.Equal(t, ExitKindStopped, kinds[0])
}

func TestProcessControlStopEscalatesToKill(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("test uses Unix commands")
	}

	// The shell ignores TERM and keeps respawning sleep, so the graceful
	// window must elapse and the kill path must finish the job. The ready
	// file tells us the trap is installed before we send the signal.
	readyFile := filepath.Join(t.TempDir(), "ready")
	prog := program.Program{
		Name:        "stubborn",
		Command:     "/bin/sh",
		Args:        []string{"-c", `trap "" TERM; : > "$READY_FILE"; while :; do sleep 1; done`},
		Environment: []string{"READY_FILE=" + readyFile},
		Autorestart: program.RestartNever,
		StopTimeout: time.Second,
	}
	p := &prog
	p.SetDefaults()
	p.Autorestart = program.RestartNever
	p.StopTimeout = time.Second

	options, recorder := testOptions(t, prog)
	pc := NewProcessControl(options, testLogger())

	require.NoError(t, pc.Start(context.Background()))
	assert.Equal(t, ProcessStateRunning, pc.State())
	pid := pc.Diagnostics().ProcessID
	require.Greater(t, pid, 0)

	require.Eventually(t, func() bool {
		_, err := os.Stat(readyFile)
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)

	stopStart := time.Now()
	require.NoError(t, pc.Stop(context.Background()))
	assert.GreaterOrEqual(t, time.Since(stopStart), time.Second)
	assert.Equal(t, ProcessStateIdle, pc.State())

	kinds := recorder.snapshot()
	require.Len(t, kinds, 1)
	assert.Equal(t, ExitKindStopped, kinds[0])

	require.Eventually(t, func() bool {
		running, _ := processstate.IsProcessRunning(pid)
		return !running
	}, 5*time.Second, 50*time.Millisecond)
}

func TestProcessControlDoubleStartRejected(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("test uses Unix commands")
	}

	options, _ := testOptions(t, longRunningProgram("sleeper"))
	pc := NewProcessControl(options, testLogger())

	require.NoError(t, pc.Start(context.Background()))
	defer pc.Stop(context.Background())

	err := pc.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot start")
}

func TestProcessControlFailedStart(t *testing.T) {
	prog := shortLivedProgram("ghost", program.RestartNever)
	prog.Command = "definitely-not-a-real-command-12345"

	options, _ := testOptions(t, prog)
	pc := NewProcessControl(options, testLogger())

	err := pc.Start(context.Background())
	require.Error(t, err)
	assert.Equal(t, ProcessStateFailedStart, pc.State())
	assert.NotEmpty(t, pc.Diagnostics().LastError)

	// A failed start can be stopped (no-op) and started again.
	require.NoError(t, pc.Stop(context.Background()))
	assert.Equal(t, ProcessStateIdle, pc.State())
}

func TestProcessControlRestartOnFailure(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("test uses Unix commands")
	}

	prog := program.Program{
		Name:              "flaky",
		Command:           "/bin/sh",
		Args:              []string{"-c", "exit 3"},
		Autorestart:       program.RestartOnFailure,
		ExpectedExitCodes: []int{0},
		Backoff: program.BackoffConfig{
			MaxRetries:  2,
			RetryDelay:  time.Millisecond,
			BackoffRate: 1.0,
		},
	}
	p := &prog
	p.SetDefaults()
	p.Autorestart = program.RestartOnFailure
	p.Backoff = program.BackoffConfig{
		MaxRetries:  2,
		RetryDelay:  time.Millisecond,
		BackoffRate: 1.0,
	}

	options, recorder := testOptions(t, prog)

	var restartMutex sync.Mutex
	restarts := 0
	options.OnRestart = func(_ string, trigger RestartTrigger) {
		restartMutex.Lock()
		defer restartMutex.Unlock()
		if trigger == RestartTriggerExit {
			restarts++
		}
	}

	pc := NewProcessControl(options, testLogger())
	require.NoError(t, pc.Start(context.Background()))

	// Initial run plus two gated restarts, then the gate opens.
	require.Eventually(t, func() bool {
		restartMutex.Lock()
		defer restartMutex.Unlock()
		return restarts >= 3 && pc.State() == ProcessStateIdle
	}, 10*time.Second, 20*time.Millisecond)

	kinds := recorder.snapshot()
	assert.GreaterOrEqual(t, len(kinds), 3)
	for _, kind := range kinds {
		assert.Equal(t, ExitKindUnexpected, kind)
	}
}

func TestProcessControlLogCapture(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("test uses Unix commands")
	}

	prog := shortLivedProgram("chatty", program.RestartNever)
	prog.StdoutLogfile = "chatty-out.log"

	options, _ := testOptions(t, prog)

	var totalsMutex sync.Mutex
	captured := 0
	options.LogTotals = func(_ string, stream string, bytes int) {
		totalsMutex.Lock()
		defer totalsMutex.Unlock()
		if stream == "stdout" {
			captured += bytes
		}
	}
	pc := NewProcessControl(options, testLogger())
	require.NoError(t, pc.Start(context.Background()))
	waitForState(t, pc, ProcessStateIdle, 5*time.Second)

	totalsMutex.Lock()
	defer totalsMutex.Unlock()
	assert.Equal(t, len("done\n"), captured)
}
