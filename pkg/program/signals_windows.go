//go:build windows

package program

import (
	"fmt"
	"os"
	"strings"
)

// Windows has no POSIX signal delivery. Stop signal names are accepted for
// config portability, but termination always uses process kill.
var stopSignals = map[string]os.Signal{
	"TERM": os.Kill,
	"INT":  os.Interrupt,
	"QUIT": os.Kill,
	"HUP":  os.Kill,
	"USR1": os.Kill,
	"USR2": os.Kill,
	"KILL": os.Kill,
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
