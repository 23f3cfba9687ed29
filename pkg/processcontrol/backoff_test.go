package processcontrol

import (
	"testing"
	"time"

	"github.com/qbrc-cnap/mev-procman/pkg/errors"
	"github.com/qbrc-cnap/mev-procman/pkg/logging"
	"github.com/qbrc-cnap/mev-procman/pkg/program"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() logging.Logger {
	return logging.NewLogger("test: ", logging.LogFuncs{})
}

func TestBackoffGateOpensAfterMaxRetries(t *testing.T) {
	gate := NewBackoffGate(program.BackoffConfig{
		MaxRetries:  2,
		RetryDelay:  time.Millisecond,
		BackoffRate: 1.0,
	}, "worker", testLogger())

	calls := 0
	restart := func() error { calls++; return nil }

	require.NoError(t, gate.ExecuteRestart(restart, RestartTriggerExit, "crash"))
	require.NoError(t, gate.ExecuteRestart(restart, RestartTriggerExit, "crash"))

	// Third attempt exceeds max retries and opens the gate.
	err := gate.ExecuteRestart(restart, RestartTriggerExit, "crash")
	require.Error(t, err)
	assert.True(t, errors.IsInternalError(err))
	assert.Equal(t, 2, calls)

	state := gate.GetState()
	assert.True(t, state.IsOpen)
	assert.Equal(t, 2, state.RestartAttempts)

	// Once open, further requests are rejected without calling restart.
	err = gate.ExecuteRestart(restart, RestartTriggerExit, "crash")
	require.Error(t, err)
	assert.Equal(t, 2, calls)
}

func TestBackoffGateResetClosesGate(t *testing.T) {
	gate := NewBackoffGate(program.BackoffConfig{
		MaxRetries:  1,
		RetryDelay:  time.Millisecond,
		BackoffRate: 1.0,
	}, "worker", testLogger())

	require.NoError(t, gate.ExecuteRestart(func() error { return nil }, RestartTriggerExit, "crash"))
	require.Error(t, gate.ExecuteRestart(func() error { return nil }, RestartTriggerExit, "crash"))
	assert.True(t, gate.GetState().IsOpen)

	gate.Reset()
	state := gate.GetState()
	assert.False(t, state.IsOpen)
	assert.Equal(t, 0, state.RestartAttempts)

	require.NoError(t, gate.ExecuteRestart(func() error { return nil }, RestartTriggerExit, "crash"))
}

func TestBackoffGateStartupGracePeriod(t *testing.T) {
	gate := NewBackoffGate(program.BackoffConfig{
		MaxRetries:         3,
		RetryDelay:         time.Millisecond,
		BackoffRate:        1.0,
		StartupGracePeriod: time.Hour,
	}, "worker", testLogger())

	err := gate.ExecuteRestart(func() error { return nil }, RestartTriggerExit, "crash")
	require.Error(t, err)
	assert.True(t, errors.IsValidationError(err))

	// Manual restarts bypass the grace period.
	require.NoError(t, gate.ExecuteRestart(func() error { return nil }, RestartTriggerManual, "operator"))
}

func TestBackoffGatePropagatesRestartError(t *testing.T) {
	gate := NewBackoffGate(program.BackoffConfig{
		MaxRetries:  5,
		RetryDelay:  time.Millisecond,
		BackoffRate: 1.0,
	}, "worker", testLogger())

	boom := errors.NewProcessError("spawn failed", nil)
	err := gate.ExecuteRestart(func() error { return boom }, RestartTriggerExit, "crash")
	require.Error(t, err)
	assert.True(t, errors.IsProcessError(err))
}
