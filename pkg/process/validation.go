package process

import (
	"os"
	"path/filepath"
	"strconv"

	"github.com/qbrc-cnap/mev-procman/pkg/errors"
)

// ValidatePIDFile validates PID file format and accessibility.
func ValidatePIDFile(pidFile string) error {
	if pidFile == "" {
		return errors.NewValidationError("PID file path cannot be empty", nil)
	}

	if !filepath.IsAbs(pidFile) {
		return errors.NewValidationError("PID file path must be absolute", nil)
	}

	dir := filepath.Dir(pidFile)
	if info, err := os.Stat(dir); err != nil {
		return errors.NewIOError("PID file directory not accessible: "+dir, err)
	} else if !info.IsDir() {
		return errors.NewValidationError("PID file parent is not a directory: "+dir, nil)
	}

	return nil
}

// ValidatePID validates a PID value.
func ValidatePID(pidStr string) (int, error) {
	if pidStr == "" {
		return 0, errors.NewValidationError("PID cannot be empty", nil)
	}

	pid, err := strconv.Atoi(pidStr)
	if err != nil {
		return 0, errors.NewValidationError("invalid PID format: "+pidStr, err)
	}

	if pid <= 0 {
		return 0, errors.NewValidationError("PID must be positive: "+pidStr, nil)
	}

	return pid, nil
}
