package process

import (
	"os/exec"
	"path/filepath"
	"strings"
)

// DefaultJVMFlags are the G1 tuning flags passed ahead of -jar when Spec.JVMFlags is empty.
var DefaultJVMFlags = []string{
	"-XX:+UseG1GC",
	"-XX:+ParallelRefProcEnabled",
	"-XX:MaxGCPauseMillis=200",
	"-XX:+UnlockExperimentalVMOptions",
	"-XX:+DisableExplicitGC",
	"-XX:+AlwaysPreTouch",
	"-XX:G1NewSizePercent=30",
	"-XX:G1MaxNewSizePercent=40",
	"-XX:G1HeapRegionSize=8M",
	"-XX:G1ReservePercent=20",
	"-XX:InitiatingHeapOccupancyPercent=15",
}

// Spec describes how the game server child is launched.
type Spec struct {
	Name       string   `json:"name"`
	WorkDir    string   `json:"work_dir"`
	Java       string   `json:"java"`        // java executable, default "java"
	Jar        string   `json:"jar"`         // server jar, relative to WorkDir unless absolute
	MinMemory  string   `json:"min_memory"`  // -Xms value, e.g. "1G"
	MaxMemory  string   `json:"max_memory"`  // -Xmx value, e.g. "4G"
	JVMFlags   []string `json:"jvm_flags"`   // replaces DefaultJVMFlags when set
	ServerArgs []string `json:"server_args"` // passed after the jar, default --nogui
	Command    string   `json:"command"`     // optional full command line, bypasses the java invocation
	Env        []string `json:"env"`
	PIDFile    string   `json:"pid_file"`
}

// JavaPath returns the java executable to run.
func (s Spec) JavaPath() string {
	if strings.TrimSpace(s.Java) == "" {
		return "java"
	}
	return s.Java
}

// JarPath resolves the jar against WorkDir.
func (s Spec) JarPath() string {
	if s.Jar == "" || filepath.IsAbs(s.Jar) || s.WorkDir == "" {
		return s.Jar
	}
	return filepath.Join(s.WorkDir, s.Jar)
}

// Args returns the java argument list: memory limits, GC flags, the jar and
// the server arguments.
func (s Spec) Args() []string {
	args := make([]string, 0, 4+len(DefaultJVMFlags)+len(s.ServerArgs))
	if s.MinMemory != "" {
		args = append(args, "-Xms"+s.MinMemory)
	}
	if s.MaxMemory != "" {
		args = append(args, "-Xmx"+s.MaxMemory)
	}
	flags := s.JVMFlags
	if len(flags) == 0 {
		flags = DefaultJVMFlags
	}
	args = append(args, flags...)
	args = append(args, "-jar", s.Jar)
	if s.ServerArgs == nil {
		args = append(args, "--nogui")
	} else {
		args = append(args, s.ServerArgs...)
	}
	return args
}

// BuildCommand constructs the *exec.Cmd for the spec. When Command is set it
// is run as given: through /bin/sh when it carries shell metacharacters,
// split on whitespace otherwise.
func (s Spec) BuildCommand() *exec.Cmd {
	var cmd *exec.Cmd
	cmdStr := strings.TrimSpace(s.Command)
	switch {
	case cmdStr == "":
		// #nosec G204
		cmd = exec.Command(s.JavaPath(), s.Args()...)
	case strings.ContainsAny(cmdStr, "|&;<>*?`$\"'(){}[]~"):
		cmd = getShellCommand(cmdStr)
	default:
		parts := strings.Fields(cmdStr)
		// #nosec G204
		cmd = exec.Command(parts[0], parts[1:]...)
	}
	if s.WorkDir != "" {
		cmd.Dir = s.WorkDir
	}
	return cmd
}
