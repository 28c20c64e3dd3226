package process

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// WritePIDFile records the child's pid when the spec names a pid file. Best effort.
func (p *Process) WritePIDFile() {
	pid := p.PID()
	if p.spec.PIDFile == "" || pid == 0 {
		return
	}
	_ = os.MkdirAll(filepath.Dir(p.spec.PIDFile), 0o750)
	_ = os.WriteFile(p.spec.PIDFile, []byte(strconv.Itoa(pid)+"\n"), 0o600)
}

// RemovePIDFile best-effort
func (p *Process) RemovePIDFile() {
	if p.spec.PIDFile == "" {
		return
	}
	_ = os.Remove(p.spec.PIDFile)
}

// ReadPIDFile reads a pid file written by WritePIDFile.
func ReadPIDFile(path string) (int, error) {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return 0, err
	}
	line, _, _ := strings.Cut(string(b), "\n")
	return strconv.Atoi(strings.TrimSpace(line))
}
