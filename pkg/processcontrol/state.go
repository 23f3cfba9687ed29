package processcontrol

import (
	"time"

	"github.com/qbrc-cnap/mev-procman/pkg/monitoring"
)

// ProcessState represents the current lifecycle state of the process control.
type ProcessState string

const (
	ProcessStateIdle        ProcessState = "idle"         // no process, ready to start
	ProcessStateStarting    ProcessState = "starting"     // process startup in progress
	ProcessStateRunning     ProcessState = "running"      // process running normally
	ProcessStateStopping    ProcessState = "stopping"     // graceful shutdown initiated
	ProcessStateTerminating ProcessState = "terminating"  // force termination in progress
	ProcessStateFailedStart ProcessState = "failed_start" // failed to start process
)

// ExitKind classifies how a supervised process left the running state.
type ExitKind string

const (
	ExitKindExpected   ExitKind = "expected"   // exit code in expected_exit_codes
	ExitKindUnexpected ExitKind = "unexpected" // crash or unexpected exit code
	ExitKindStopped    ExitKind = "stopped"    // manual or shutdown stop
)

// RestartTrigger identifies what requested a restart.
type RestartTrigger string

const (
	RestartTriggerExit          RestartTrigger = "exit"
	RestartTriggerHealthFailure RestartTrigger = "health_failure"
	RestartTriggerManual        RestartTrigger = "manual"
)

// ProcessDiagnostics provides detailed process status information.
type ProcessDiagnostics struct {
	State           ProcessState                  `json:"state"`
	ProcessID       int                           `json:"process_id,omitempty"`
	StartTime       *time.Time                    `json:"start_time,omitempty"`
	RestartAttempts int                           `json:"restart_attempts"`
	LastExitCode    *int                          `json:"last_exit_code,omitempty"`
	LastError       string                        `json:"last_error,omitempty"`
	Health          *monitoring.HealthCheckStatus `json:"health,omitempty"`
}

func canStartFromState(currentState ProcessState) bool {
	switch currentState {
	case ProcessStateIdle, ProcessStateFailedStart:
		return true
	default:
		return false
	}
}

func canStopFromState(currentState ProcessState) bool {
	switch currentState {
	case ProcessStateIdle, ProcessStateRunning, ProcessStateFailedStart:
		return true
	default:
		return false
	}
}
