//go:build windows

package processstate

import (
	"fmt"
	"syscall"
)

const (
	STILL_ACTIVE                      = 259
	PROCESS_QUERY_LIMITED_INFORMATION = 0x1000
)

// IsProcessRunning checks if a Windows process is still running.
func IsProcessRunning(pid int) (bool, error) {
	if pid <= 0 {
		return false, fmt.Errorf("invalid PID format")
	}

	handle, err := syscall.OpenProcess(
		PROCESS_QUERY_LIMITED_INFORMATION,
		false,
		uint32(pid),
	)
	if err != nil {
		return false, err // process doesn't exist or access denied
	}
	defer syscall.CloseHandle(handle)

	var exitCode uint32
	err = syscall.GetExitCodeProcess(handle, &exitCode)
	if err != nil {
		return false, err
	}

	return exitCode == STILL_ACTIVE, nil
}
