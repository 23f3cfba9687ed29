package process

import (
	"context"
	"os"
	"strings"

	"github.com/qbrc-cnap/mev-procman/pkg/errors"
	"github.com/qbrc-cnap/mev-procman/pkg/logging"
	"github.com/qbrc-cnap/mev-procman/pkg/processstate"
)

// AttachCmd re-adopts a still-running process discovered through its PID file,
// typically after a daemon restart.
type AttachCmd func(ctx context.Context) (*os.Process, error)

func NewAttachCmd(pidFile string, id string, logger logging.Logger) AttachCmd {
	return func(ctx context.Context) (*os.Process, error) {
		if ctx == nil {
			logger.Errorf("Context cannot be nil, id: %s", id)
			return nil, errors.NewValidationError("context cannot be nil", nil).WithContext("id", id)
		}

		logger.Debugf("Attaching to process by PID file, id: %s, file: %s", id, pidFile)

		proc, err := openProcessByPIDFile(pidFile)
		if err != nil {
			return nil, err
		}

		logger.Infof("Successfully attached to process, id: %s, PID: %d", id, proc.Pid)

		return proc, nil
	}
}

func openProcessByPIDFile(pidFile string) (*os.Process, error) {
	if err := ValidatePIDFile(pidFile); err != nil {
		return nil, err
	}

	pidBytes, err := os.ReadFile(pidFile)
	if err != nil {
		return nil, errors.NewIOError("failed to read PID file", err).WithContext("pid_file", pidFile)
	}

	pidStr := strings.TrimSpace(string(pidBytes))
	if pidStr == "" {
		return nil, errors.NewValidationError("PID file is empty", nil).WithContext("pid_file", pidFile)
	}

	pid, err := ValidatePID(pidStr)
	if err != nil {
		return nil, errors.NewValidationError("invalid PID in file", err).WithContext("pid_file", pidFile).WithContext("pid_content", pidStr)
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		return nil, errors.NewProcessError("failed to find process", err).WithContext("pid", pid).WithContext("pid_file", pidFile)
	}

	// A stale PID file pointing at a dead process is a process error so the
	// caller can remove the file and fall back to a fresh spawn.
	running, err := processstate.IsProcessRunning(proc.Pid)
	if !running {
		return nil, errors.NewProcessError("process is not running", err).WithContext("pid", pid).WithContext("pid_file", pidFile)
	}

	return proc, nil
}
