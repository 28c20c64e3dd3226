//go:build windows

package process

import "os/exec"

// getShellCommand returns a shell command for Windows
func getShellCommand(script string) *exec.Cmd {
	// #nosec G204
	return exec.Command("cmd", "/C", script)
}
