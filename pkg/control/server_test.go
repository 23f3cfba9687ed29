package control

import (
	"net/http"
	"net/http/httptest"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/qbrc-cnap/mev-procman/pkg/errors"
	"github.com/qbrc-cnap/mev-procman/pkg/logging"
	"github.com/qbrc-cnap/mev-procman/pkg/processfile"
	"github.com/qbrc-cnap/mev-procman/pkg/program"
	"github.com/qbrc-cnap/mev-procman/pkg/supervisor"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() logging.Logger {
	return logging.NewLogger("test: ", logging.LogFuncs{})
}

func testServer(t *testing.T) (*Server, *supervisor.Supervisor, *httptest.Server) {
	t.Helper()
	sv := supervisor.NewSupervisor(supervisor.Options{
		ListenAddress:        supervisor.DefaultListenAddress,
		ForceShutdownTimeout: 10 * time.Second,
		ProcessFile: processfile.ProcessFileConfig{
			BaseDirectory: t.TempDir(),
		},
	}, testLogger())

	server := NewServer(sv, supervisor.DefaultListenAddress, testLogger())
	ts := httptest.NewServer(server.router())
	t.Cleanup(ts.Close)
	return server, sv, ts
}

func testClient(ts *httptest.Server) *Client {
	return NewClient(strings.TrimPrefix(ts.URL, "http://"))
}

func sleeperProgram(name string) program.Program {
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

func TestHealthz(t *testing.T) {
	_, _, ts := testServer(t)

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestStatusEndpoint(t *testing.T) {
	_, sv, ts := testServer(t)
	require.NoError(t, sv.AddProgram(sleeperProgram("redis")))

	status, err := testClient(ts).Status()
	require.NoError(t, err)
	assert.Equal(t, supervisor.SupervisorStateIdle, status.State)
	assert.Equal(t, 1, status.ProgramCount)
	assert.Equal(t, 0, status.Running)
}

func TestListProgramsEndpoint(t *testing.T) {
	_, sv, ts := testServer(t)
	require.NoError(t, sv.AddProgram(sleeperProgram("redis")))
	require.NoError(t, sv.AddProgram(sleeperProgram("worker")))

	statuses, err := testClient(ts).ListPrograms()
	require.NoError(t, err)
	assert.Len(t, statuses, 2)
}

func TestProgramStatusNotFound(t *testing.T) {
	_, _, ts := testServer(t)

	_, err := testClient(ts).ProgramStatus("ghost")
	require.Error(t, err)
	assert.True(t, errors.IsNotFoundError(err))
}

func TestStartStopViaAPI(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("test uses Unix commands")
	}

	_, sv, ts := testServer(t)
	require.NoError(t, sv.AddProgram(sleeperProgram("redis")))
	client := testClient(ts)

	action, err := client.StartProgram("redis")
	require.NoError(t, err)
	assert.Equal(t, "redis", action.Program)
	assert.Equal(t, "start", action.Action)
	assert.Equal(t, "running", action.State)

	// Starting again conflicts.
	_, err = client.StartProgram("redis")
	require.Error(t, err)
	assert.True(t, errors.IsConflictError(err))

	action, err = client.StopProgram("redis")
	require.NoError(t, err)
	assert.Equal(t, "idle", action.State)
}

func TestRestartViaAPI(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("test uses Unix commands")
	}

	_, sv, ts := testServer(t)
	require.NoError(t, sv.AddProgram(sleeperProgram("redis")))
	client := testClient(ts)

	_, err := client.StartProgram("redis")
	require.NoError(t, err)

	before, err := client.ProgramStatus("redis")
	require.NoError(t, err)

	action, err := client.RestartProgram("redis", false)
	require.NoError(t, err)
	assert.Equal(t, "running", action.State)

	after, err := client.ProgramStatus("redis")
	require.NoError(t, err)
	assert.NotEqual(t, before.Diagnostics.ProcessID, after.Diagnostics.ProcessID)

	_, err = client.StopProgram("redis")
	require.NoError(t, err)
}

func TestMetricsEndpoint(t *testing.T) {
	_, _, ts := testServer(t)

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
