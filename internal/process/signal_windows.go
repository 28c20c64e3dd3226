//go:build windows

package process

import "os"

// Windows has no SIGTERM; both paths terminate the process.
func terminateGroup(p *os.Process) error { return p.Kill() }

func killGroup(p *os.Process) error { return p.Kill() }
