//go:build !windows

package program

import (
	"fmt"
	"os"
	"strings"
	"syscall"
)

var stopSignals = map[string]os.Signal{
	"TERM": syscall.SIGTERM,
	"INT":  syscall.SIGINT,
	"QUIT": syscall.SIGQUIT,
	"HUP":  syscall.SIGHUP,
	"USR1": syscall.SIGUSR1,
	"USR2": syscall.SIGUSR2,
	"KILL": syscall.SIGKILL,
}

// LookupStopSignal resolves a symbolic stop signal name. The "SIG" prefix is
// accepted but not required.
func LookupStopSignal(name string) (os.Signal, error) {
	key := strings.ToUpper(strings.TrimPrefix(strings.ToUpper(name), "SIG"))
	sig, ok := stopSignals[key]
	if !ok {
		return nil, fmt.Errorf("unknown stop signal '%s'", name)
	}
	return sig, nil
}
