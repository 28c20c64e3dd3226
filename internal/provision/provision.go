// Package provision prepares the server directory so the game server can be
// launched: it checks the runtime and jar and regenerates eula.txt and
// server.properties.
package provision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/magiconair/properties"
	gopsproc "github.com/shirou/gopsutil/v4/process"

	"github.com/loykin/craftvisor/internal/process"
)

const (
	PropertiesFile = "server.properties"
	EULAFile       = "eula.txt"
)

var (
	ErrJarMissing  = errors.New("server jar not found")
	ErrJavaMissing = errors.New("java runtime not found")
	ErrEULA        = errors.New("eula not accepted")
	// ErrStillRunning means the pid file names a live process, usually a
	// server left behind by a supervisor that was killed.
	ErrStillRunning = errors.New("previous server still running")
)

// DefaultPort is the vanilla java edition port.
const DefaultPort = 25565

// DefaultProperties are the gameplay flags every generated server.properties
// starts from.
func DefaultProperties() map[string]string {
	return map[string]string{
		"motd":                 "A Minecraft Server",
		"level-name":           "world",
		"gamemode":             "survival",
		"difficulty":           "easy",
		"max-players":          "20",
		"online-mode":          "true",
		"pvp":                  "true",
		"white-list":           "false",
		"enable-command-block": "false",
		"spawn-protection":     "16",
		"view-distance":        "10",
		"enable-rcon":          "false",
		"enable-query":         "false",
	}
}

// Provisioner implements the supervisor start precondition.
type Provisioner struct {
	Spec        process.Spec
	BindAddress string // server-ip, empty binds all interfaces
	Port        int    // server-port, DefaultPort when zero
	Properties  map[string]string
	AcceptEULA  bool
	Logger      *slog.Logger
}

// ServerProperties returns the full key set written to server.properties:
// the defaults, then the network binding, then the configured overrides.
func (p *Provisioner) ServerProperties() map[string]string {
	out := DefaultProperties()
	port := p.Port
	if port == 0 {
		port = DefaultPort
	}
	out["server-ip"] = p.BindAddress
	out["server-port"] = strconv.Itoa(port)
	for k, v := range p.Properties {
		out[k] = v
	}
	return out
}

// Ensure verifies the runtime and writes the managed files. It is run before
// every spawn, so configuration edits take effect on the next start.
func (p *Provisioner) Ensure(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := p.checkOrphan(); err != nil {
		return err
	}
	if p.Spec.Command == "" {
		if err := p.checkRuntime(); err != nil {
			return err
		}
	}
	return p.WriteFiles()
}

// checkOrphan refuses to spawn while the pid file points at a live process.
// A pid file naming a dead process is stale and removed.
func (p *Provisioner) checkOrphan() error {
	if p.Spec.PIDFile == "" {
		return nil
	}
	pid, err := process.ReadPIDFile(p.Spec.PIDFile)
	if err != nil {
		// missing or unreadable pid file: nothing to protect
		return nil
	}
	alive, err := gopsproc.PidExists(int32(pid))
	if err == nil && alive {
		return fmt.Errorf("%w: pid %d from %s", ErrStillRunning, pid, p.Spec.PIDFile)
	}
	_ = os.Remove(p.Spec.PIDFile)
	return nil
}

// WriteFiles regenerates eula.txt and server.properties from scratch without
// checking the runtime. Nothing from a previous file survives. It runs once
// when the supervisor starts and again before every spawn.
func (p *Provisioner) WriteFiles() error {
	dir := p.Spec.WorkDir
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create work dir: %w", err)
	}
	log := p.Logger
	if log == nil {
		log = slog.Default()
	}

	props := p.ServerProperties()
	if err := WriteProperties(filepath.Join(dir, PropertiesFile), props); err != nil {
		return err
	}
	log.Debug("server.properties written", "keys", len(props))
	if err := WriteEULA(dir, p.AcceptEULA); err != nil {
		return err
	}
	// a command override runs something other than the vanilla jar
	if p.Spec.Command == "" && !EULAAccepted(dir) {
		return fmt.Errorf("%w: set game.accept_eula", ErrEULA)
	}
	return nil
}

func (p *Provisioner) checkRuntime() error {
	jar := p.Spec.JarPath()
	if st, err := os.Stat(jar); err != nil || st.IsDir() {
		return fmt.Errorf("%w: %s", ErrJarMissing, jar)
	}
	if _, err := exec.LookPath(p.Spec.JavaPath()); err != nil {
		return fmt.Errorf("%w: %v", ErrJavaMissing, err)
	}
	return nil
}

// WriteEULA writes the one-line acceptance flag file.
func WriteEULA(dir string, accepted bool) error {
	body := "eula=" + strconv.FormatBool(accepted) + "\n"
	// #nosec G306 -- the server reads this file as the same user
	if err := os.WriteFile(filepath.Join(dir, EULAFile), []byte(body), 0o644); err != nil {
		return fmt.Errorf("write eula: %w", err)
	}
	return nil
}

// EULAAccepted reports whether eula.txt in dir says eula=true.
func EULAAccepted(dir string) bool {
	p, err := load(filepath.Join(dir, EULAFile))
	if err != nil {
		return false
	}
	return p.GetBool("eula", false)
}

// WriteProperties replaces the properties file at path with exactly values.
// Keys are written sorted and the file is swapped in atomically.
func WriteProperties(path string, values map[string]string) error {
	p := properties.NewProperties()
	p.DisableExpansion = true
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if _, _, err := p.Set(k, values[k]); err != nil {
			return fmt.Errorf("set %s: %w", k, err)
		}
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".server.properties-*")
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(tmp.Name()) }()
	if _, err := fmt.Fprintf(tmp, "#Minecraft server properties\n#Managed by craftvisor\n"); err != nil {
		_ = tmp.Close()
		return err
	}
	if _, err := p.Write(tmp, properties.UTF8); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// ReadProperties loads a properties file. A missing file yields an empty set.
func ReadProperties(path string) (map[string]string, error) {
	p, err := load(path)
	if err != nil {
		return nil, err
	}
	return p.Map(), nil
}

func load(path string) (*properties.Properties, error) {
	l := &properties.Loader{Encoding: properties.UTF8, DisableExpansion: true, IgnoreMissing: true}
	p, err := l.LoadFile(path)
	if err != nil {
		return nil, err
	}
	p.DisableExpansion = true
	return p, nil
}
