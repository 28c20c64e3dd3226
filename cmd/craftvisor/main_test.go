package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/craftvisor/internal/provision"
)

type fakeDaemon struct {
	mu       sync.Mutex
	state    string
	commands []string
	auth     []string
}

func newFakeDaemon(t *testing.T) (*fakeDaemon, *httptest.Server) {
	t.Helper()
	d := &fakeDaemon{state: "offline"}
	mux := http.NewServeMux()
	reply := func(w http.ResponseWriter, code int, v any) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(v)
	}
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		reply(w, http.StatusOK, map[string]any{"status": "ok"})
	})
	mux.HandleFunc("GET /status", func(w http.ResponseWriter, r *http.Request) {
		d.mu.Lock()
		defer d.mu.Unlock()
		d.auth = append(d.auth, r.Header.Get("Authorization"))
		reply(w, http.StatusOK, map[string]any{"name": "survival", "state": d.state, "max_restarts": 3})
	})
	mux.HandleFunc("POST /start", func(w http.ResponseWriter, r *http.Request) {
		d.mu.Lock()
		defer d.mu.Unlock()
		if d.state != "offline" {
			reply(w, http.StatusConflict, map[string]any{"ok": false, "error": "invalid transition: server is " + d.state})
			return
		}
		d.state = "starting"
		reply(w, http.StatusOK, map[string]any{"ok": true, "state": d.state})
	})
	mux.HandleFunc("POST /stop", func(w http.ResponseWriter, r *http.Request) {
		d.mu.Lock()
		defer d.mu.Unlock()
		d.state = "stopping"
		reply(w, http.StatusOK, map[string]any{"ok": true, "state": d.state})
	})
	mux.HandleFunc("POST /command", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Command string `json:"command"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		d.mu.Lock()
		defer d.mu.Unlock()
		d.commands = append(d.commands, body.Command)
		reply(w, http.StatusOK, map[string]any{"ok": true, "delivered": d.state == "online"})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return d, srv
}

func (d *fakeDaemon) get() (string, []string, []string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state, append([]string(nil), d.commands...), append([]string(nil), d.auth...)
}

func (d *fakeDaemon) set(state string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.state = state
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := buildRoot(&out)
	root.SetArgs(args)
	root.SetErr(&out)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestHelpMentionsCommands(t *testing.T) {
	out, err := run(t, "--help")
	require.NoError(t, err)
	for _, name := range []string{"serve", "start", "stop", "status", "command", "provision"} {
		assert.Contains(t, out, name)
	}
}

func TestStartStopAgainstDaemon(t *testing.T) {
	d, srv := newFakeDaemon(t)

	out, err := run(t, "start", "--api-url", srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "server starting\n", out)

	_, err = run(t, "start", "--api-url", srv.URL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid transition")

	out, err = run(t, "stop", "--api-url", srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "server stopping\n", out)
	state, _, _ := d.get()
	assert.Equal(t, "stopping", state)
}

func TestStatusPrintsJSONAndSendsToken(t *testing.T) {
	d, srv := newFakeDaemon(t)
	out, err := run(t, "status", "--api-url", srv.URL, "--token", "s3cret")
	require.NoError(t, err)

	var st map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &st))
	assert.Equal(t, "survival", st["name"])
	assert.Equal(t, "offline", st["state"])
	_, _, auth := d.get()
	require.Len(t, auth, 1)
	assert.Equal(t, "Bearer s3cret", auth[0])
}

func TestCommandJoinsArgs(t *testing.T) {
	d, srv := newFakeDaemon(t)
	out, err := run(t, "command", "--api-url", srv.URL, "say", "hello", "world")
	require.NoError(t, err)
	assert.Contains(t, out, "not delivered")
	_, cmds, _ := d.get()
	assert.Equal(t, []string{"say hello world"}, cmds)

	d.set("online")
	out, err = run(t, "command", "--api-url", srv.URL, "list")
	require.NoError(t, err)
	assert.Equal(t, "delivered\n", out)
}

func TestUnreachableDaemon(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()
	_, err := run(t, "status", "--api-url", url, "--api-timeout", "500ms")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "daemon not reachable")
}

func TestServeRequiresConfig(t *testing.T) {
	_, err := run(t, "serve")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config file required")
}

func TestProvisionWritesFiles(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "craftvisor.toml")
	content := `
[game]
name = "survival"
work_dir = "` + filepath.ToSlash(dir) + `"
jar = "paper.jar"
accept_eula = true

[properties]
server-port = "25565"
motd = "from craftvisor"
`
	require.NoError(t, os.WriteFile(cfgPath, []byte(content), 0o600))

	out, err := run(t, "provision", "--config", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, "provisioned")

	props, err := provision.ReadProperties(filepath.Join(dir, provision.PropertiesFile))
	require.NoError(t, err)
	assert.Equal(t, "from craftvisor", props["motd"])
	assert.Equal(t, "25565", props["server-port"])
	eula, err := os.ReadFile(filepath.Join(dir, "eula.txt"))
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(eula), "eula=true"))
}

func TestDaemonArgsStripsDaemonFlags(t *testing.T) {
	got := daemonArgs([]string{"serve", "--daemonize", "--pidfile", "/run/cv.pid", "--logfile=/tmp/cv.log", "--config", "a.toml"})
	assert.Equal(t, []string{"serve", "--config", "a.toml"}, got)
}

func TestPidFileRoundTrip(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), "daemon.pid")
	require.NoError(t, writePidFile(pidFile, 1234))
	b, err := os.ReadFile(pidFile)
	require.NoError(t, err)
	assert.Equal(t, "1234", string(b))
	require.NoError(t, removePidFile(pidFile))
	require.NoError(t, removePidFile(pidFile))
	_, err = os.Stat(pidFile)
	assert.True(t, os.IsNotExist(err))
}
