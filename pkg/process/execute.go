package process

import (
	"context"
	"io"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/qbrc-cnap/mev-procman/pkg/errors"
	"github.com/qbrc-cnap/mev-procman/pkg/logging"
	"github.com/qbrc-cnap/mev-procman/pkg/program"
)

// ExecuteCmd spawns a program and returns the process with its stdout and
// stderr pipes. The caller owns process reaping via Wait.
type ExecuteCmd func(ctx context.Context) (*os.Process, io.ReadCloser, io.ReadCloser, error)

func NewExecuteCmd(prog program.Program, id string, logger logging.Logger) ExecuteCmd {
	return func(ctx context.Context) (*os.Process, io.ReadCloser, io.ReadCloser, error) {
		if ctx == nil {
			logger.Errorf("Context cannot be nil, id: %s", id)
			return nil, nil, nil, errors.NewValidationError("context cannot be nil", nil).WithContext("id", id)
		}

		// Commands without a path separator resolve through PATH,
		// supervisord-style.
		executablePath, err := exec.LookPath(prog.Command)
		if err != nil {
			return nil, nil, nil, errors.NewProcessError("command not found: "+prog.Command, err).WithContext("id", id)
		}

		if err := ensureExecutable(executablePath); err != nil {
			return nil, nil, nil, errors.NewPermissionError("failed to ensure process is executable", err).WithContext("id", id).WithContext("executable_path", executablePath)
		}

		workDir := prog.Directory
		if workDir == "" {
			absPath, err := filepath.Abs(executablePath)
			if err != nil {
				return nil, nil, nil, errors.NewIOError("failed to get absolute path", err).WithContext("id", id).WithContext("executable_path", executablePath)
			}
			workDir = filepath.Dir(absPath)
		}

		logger.Debugf("Executing process, id: %s, executable path: '%s', args: %v, working directory: '%s', user: '%s'",
			id, executablePath, prog.Args, workDir, prog.User)

		env := os.Environ()
		env = append(env, prog.Environment...)

		cmd := exec.CommandContext(ctx, executablePath, prog.Args...)
		cmd.Dir = workDir
		cmd.Env = env

		// Process group and run-as credential, platform-specific.
		if err := setupProcessAttributes(cmd, prog.User); err != nil {
			return nil, nil, nil, errors.NewPermissionError("failed to set process attributes", err).WithContext("id", id).WithContext("user", prog.User)
		}

		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return nil, nil, nil, errors.NewProcessError("failed to create stdout pipe", err).WithContext("id", id)
		}
		stderr, err := cmd.StderrPipe()
		if err != nil {
			return nil, nil, nil, errors.NewProcessError("failed to create stderr pipe", err).WithContext("id", id)
		}

		if err := cmd.Start(); err != nil {
			return nil, nil, nil, errors.NewProcessError("failed to start the process", err).WithContext("id", id).WithContext("executable_path", executablePath)
		}

		logger.Infof("Successfully executed process, id: %s, PID: %d", id, cmd.Process.Pid)

		return cmd.Process, stdout, stderr, nil
	}
}

// ensureExecutable checks if a file is executable and sets the execute bits
// if it is not.
func ensureExecutable(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return errors.NewIOError("file does not exist", err).WithContext("path", path)
	}

	mode := info.Mode()
	if mode&0111 != 0 {
		return nil
	}

	if err := os.Chmod(path, mode|0111); err != nil {
		return errors.NewPermissionError("failed to make file executable", err).WithContext("path", path)
	}

	return nil
}
