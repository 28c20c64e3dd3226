//go:build !windows

package process

import (
	"io"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartEchoesStdinAndExitsCleanly(t *testing.T) {
	p, err := Start(Spec{Command: `sh -c 'read line; echo "got $line"'`}, nil)
	require.NoError(t, err)
	assert.NotZero(t, p.PID())

	require.NoError(t, p.WriteLine("list"))
	out, err := io.ReadAll(p.Stdout())
	require.NoError(t, err)
	_, _ = io.ReadAll(p.Stderr())

	code, err := p.Wait()
	require.NoError(t, err)
	assert.Equal(t, 0, code)
	assert.Equal(t, "got list", strings.TrimSpace(string(out)))

	assert.ErrorIs(t, p.WriteLine("again"), ErrNotRunning)
}

func TestNonZeroExitCode(t *testing.T) {
	p, err := Start(Spec{Command: "sh -c 'exit 3'"}, nil)
	require.NoError(t, err)
	_, _ = io.ReadAll(p.Stdout())
	_, _ = io.ReadAll(p.Stderr())
	code, err := p.Wait()
	require.NoError(t, err)
	assert.Equal(t, 3, code)
}

func TestKillReportsSignalExit(t *testing.T) {
	p, err := Start(Spec{Command: "sleep 30"}, nil)
	require.NoError(t, err)

	done := make(chan int, 1)
	go func() {
		_, _ = io.ReadAll(p.Stdout())
		_, _ = io.ReadAll(p.Stderr())
		code, _ := p.Wait()
		done <- code
	}()

	require.NoError(t, p.Kill())
	select {
	case code := <-done:
		assert.Equal(t, -1, code)
	case <-time.After(5 * time.Second):
		t.Fatal("process did not exit after kill")
	}
}

func TestTerminateReachesWholeGroup(t *testing.T) {
	// the shell forks sleep, so only a group signal ends both
	p, err := Start(Spec{Command: "sleep 30; echo unreachable"}, nil)
	require.NoError(t, err)

	done := make(chan int, 1)
	go func() {
		out, _ := io.ReadAll(p.Stdout())
		_, _ = io.ReadAll(p.Stderr())
		code, _ := p.Wait()
		if len(out) > 0 {
			code = 99
		}
		done <- code
	}()

	require.NoError(t, p.Terminate())
	select {
	case code := <-done:
		assert.Equal(t, -1, code)
	case <-time.After(5 * time.Second):
		t.Fatal("process did not exit after terminate")
	}
	assert.ErrorIs(t, p.WriteLine("stop"), ErrNotRunning)
}

func TestStartMissingBinary(t *testing.T) {
	_, err := Start(Spec{Java: "/nonexistent/java", Jar: "server.jar"}, nil)
	assert.Error(t, err)
}

func TestPIDFileLifecycle(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), "run", "server.pid")
	p, err := Start(Spec{Command: "sh -c 'read x'", PIDFile: pidFile}, nil)
	require.NoError(t, err)

	pid, err := ReadPIDFile(pidFile)
	require.NoError(t, err)
	assert.Equal(t, p.PID(), pid)

	require.NoError(t, p.WriteLine("bye"))
	_, _ = io.ReadAll(p.Stdout())
	_, _ = io.ReadAll(p.Stderr())
	_, err = p.Wait()
	require.NoError(t, err)

	assert.NoFileExists(t, pidFile)
}
