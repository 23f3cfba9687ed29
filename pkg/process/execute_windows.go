//go:build windows

package process

import (
	"fmt"
	"os/exec"
)

// setupProcessAttributes configures Windows-specific process attributes.
// Credential switching is a Unix feature.
func setupProcessAttributes(cmd *exec.Cmd, username string) error {
	if username != "" {
		return fmt.Errorf("run-as user is not supported on Windows")
	}
	return nil
}
