//go:build !windows

package process

import (
	"fmt"
	"os"
	"os/exec"
	"os/user"
	"strconv"
	"syscall"
)

// setupProcessAttributes configures Unix-specific process attributes:
// a new process group so the whole tree can be signalled via -pid, and an
// optional credential switch to the configured run-as user.
func setupProcessAttributes(cmd *exec.Cmd, username string) error {
	attr := &syscall.SysProcAttr{
		Setpgid: true,
	}

	if username != "" {
		if os.Getuid() != 0 {
			return fmt.Errorf("run-as user '%s' requires the daemon to run as root", username)
		}
		u, err := user.Lookup(username)
		if err != nil {
			return fmt.Errorf("failed to look up user '%s': %w", username, err)
		}
		uid, err := strconv.Atoi(u.Uid)
		if err != nil {
			return fmt.Errorf("invalid uid '%s' for user '%s': %w", u.Uid, username, err)
		}
		gid, err := strconv.Atoi(u.Gid)
		if err != nil {
			return fmt.Errorf("invalid gid '%s' for user '%s': %w", u.Gid, username, err)
		}
		attr.Credential = &syscall.Credential{
			Uid: uint32(uid),
			Gid: uint32(gid),
		}
	}

	cmd.SysProcAttr = attr
	return nil
}
