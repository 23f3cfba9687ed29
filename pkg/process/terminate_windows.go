//go:build windows

package process

import (
	"os"
)

// SendSignal has no process-group or signal semantics on Windows, so any
// requested signal terminates the process directly.
func SendSignal(pid int, sig os.Signal) error {
	return Kill(pid)
}

// Kill forcibly terminates the process.
func Kill(pid int) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return proc.Kill()
}
