//go:build !windows

package process

import (
	"fmt"
	"os"
	"syscall"
)

// SendSignal delivers sig to the process group of pid so the entire process
// tree is affected.
func SendSignal(pid int, sig os.Signal) error {
	s, ok := sig.(syscall.Signal)
	if !ok {
		return fmt.Errorf("unsupported signal type %T", sig)
	}
	return syscall.Kill(-pid, s)
}

// Kill forcibly terminates the process group of pid.
func Kill(pid int) error {
	return syscall.Kill(-pid, syscall.SIGKILL)
}
