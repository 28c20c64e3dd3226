package supervisor

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/craftvisor/internal/history"
	"github.com/loykin/craftvisor/internal/metrics"
	"github.com/loykin/craftvisor/internal/netinfo"
	"github.com/loykin/craftvisor/internal/scanner"
)

const readyLine = `[12:00:01 INFO]: Done (4.213s)! For help, type "help"`

// fakeChild is a server process driven by the test through io.Pipe.
type fakeChild struct {
	pid        int
	outR, errR *io.PipeReader
	outW, errW *io.PipeWriter
	ignoreStop bool
	exitOnTerm bool

	mu         sync.Mutex
	lines      []string
	killed     bool
	terminated bool
	exited     bool

	code chan int
	once sync.Once
}

func newFakeChild(pid int) *fakeChild {
	c := &fakeChild{pid: pid, code: make(chan int, 1)}
	c.outR, c.outW = io.Pipe()
	c.errR, c.errW = io.Pipe()
	return c
}

func (c *fakeChild) PID() int          { return c.pid }
func (c *fakeChild) Stdout() io.Reader { return c.outR }
func (c *fakeChild) Stderr() io.Reader { return c.errR }

func (c *fakeChild) WriteLine(s string) error {
	c.mu.Lock()
	if c.exited {
		c.mu.Unlock()
		return errors.New("write to exited child")
	}
	c.lines = append(c.lines, s)
	c.mu.Unlock()
	if s == DefaultStopCommand && !c.ignoreStop {
		go c.exit(0)
	}
	return nil
}

func (c *fakeChild) Kill() error {
	c.mu.Lock()
	c.killed = true
	c.mu.Unlock()
	go c.exit(-1)
	return nil
}

func (c *fakeChild) Terminate() error {
	c.mu.Lock()
	c.terminated = true
	c.mu.Unlock()
	if c.exitOnTerm {
		go c.exit(-1)
	}
	return nil
}

func (c *fakeChild) Wait() (int, error) { return <-c.code, nil }

func (c *fakeChild) emit(line string) { _, _ = io.WriteString(c.outW, line+"\n") }

func (c *fakeChild) emitErr(line string) { _, _ = io.WriteString(c.errW, line+"\n") }

func (c *fakeChild) exit(code int) {
	c.once.Do(func() {
		c.mu.Lock()
		c.exited = true
		c.mu.Unlock()
		_ = c.outW.Close()
		_ = c.errW.Close()
		c.code <- code
	})
}

func (c *fakeChild) written() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.lines...)
}

func (c *fakeChild) wasKilled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.killed
}

func (c *fakeChild) wasTerminated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.terminated
}

// killOnly hides Terminate, like a child that has no signal but kill.
type killOnly struct{ Child }

type fakeSpawner struct {
	mu         sync.Mutex
	children   []*fakeChild
	err        error
	ignoreStop bool
	exitOnTerm bool
	killOnly   bool
}

func (f *fakeSpawner) Spawn(ctx context.Context) (Child, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	c := newFakeChild(1000 + len(f.children))
	c.ignoreStop = f.ignoreStop
	c.exitOnTerm = f.exitOnTerm
	f.children = append(f.children, c)
	if f.killOnly {
		return killOnly{c}, nil
	}
	return c, nil
}

func (f *fakeSpawner) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.children)
}

func (f *fakeSpawner) child(i int) *fakeChild {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.children[i]
}

type recorder struct {
	mu     sync.Mutex
	events []history.Event
}

func (r *recorder) Record(e history.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) types() []history.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]history.EventType, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

func (r *recorder) snapshot() []history.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]history.Event(nil), r.events...)
}

func countType(types []history.EventType, want history.EventType) int {
	n := 0
	for _, t := range types {
		if t == want {
			n++
		}
	}
	return n
}

type preconditionFunc func(ctx context.Context) error

func (f preconditionFunc) Ensure(ctx context.Context) error { return f(ctx) }

func newTestSupervisor(t *testing.T, sp Spawner, mutate func(*Options)) *Supervisor {
	t.Helper()
	opts := Options{
		Name:           "test",
		Spawner:        sp,
		StopTimeout:    time.Second,
		KillGrace:      20 * time.Millisecond,
		RestartBackoff: 20 * time.Millisecond,
		Logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	if mutate != nil {
		mutate(&opts)
	}
	s := New(opts)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Close(ctx)
	})
	return s
}

func waitState(t *testing.T, s *Supervisor, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return s.State() == want }, 2*time.Second, 5*time.Millisecond,
		"expected state %s, have %s", want, s.State())
}

func bootOnline(t *testing.T, s *Supervisor, sp *fakeSpawner) *fakeChild {
	t.Helper()
	require.NoError(t, s.Start(context.Background()))
	c := sp.child(sp.count() - 1)
	c.emit(readyLine)
	waitState(t, s, Online)
	return c
}

func TestNewSupervisorIsOffline(t *testing.T) {
	s := newTestSupervisor(t, &fakeSpawner{}, nil)
	st := s.Status()
	assert.Equal(t, Offline, st.State)
	assert.False(t, st.Ready)
	assert.Zero(t, st.PID)
	assert.Equal(t, DefaultMaxRestarts, st.MaxRestarts)
}

func TestStartReachesOnlineOnReadyLine(t *testing.T) {
	sp := &fakeSpawner{}
	s := newTestSupervisor(t, sp, nil)

	require.NoError(t, s.Start(context.Background()))
	st := s.Status()
	assert.Equal(t, Starting, st.State)
	assert.False(t, st.Ready)
	assert.Equal(t, 1000, st.PID)
	assert.NotEmpty(t, st.RunID)
	require.NotNil(t, st.StartedAt)

	c := sp.child(0)
	c.emit("[12:00:00 INFO]: Preparing level \"world\"")
	c.emit("[12:00:00 INFO]: Done preparing spawn")
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, Starting, s.State())

	c.emit(readyLine)
	waitState(t, s, Online)
	assert.True(t, s.Status().Ready)
}

func TestStartRejectedUnlessOffline(t *testing.T) {
	sp := &fakeSpawner{ignoreStop: true}
	s := newTestSupervisor(t, sp, nil)
	ctx := context.Background()

	require.NoError(t, s.Start(ctx))
	assert.ErrorIs(t, s.Start(ctx), ErrInvalidTransition)

	sp.child(0).emit(readyLine)
	waitState(t, s, Online)
	assert.ErrorIs(t, s.Start(ctx), ErrInvalidTransition)

	require.NoError(t, s.Stop(ctx))
	assert.Equal(t, Stopping, s.State())
	assert.ErrorIs(t, s.Start(ctx), ErrInvalidTransition)

	assert.Equal(t, 1, sp.count())
}

func TestStopWhileOfflineRejected(t *testing.T) {
	s := newTestSupervisor(t, &fakeSpawner{}, nil)
	err := s.Stop(context.Background())
	require.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, Offline, s.State())
}

func TestStopSendsStopCommandAndReturnsOffline(t *testing.T) {
	sp := &fakeSpawner{}
	rec := &recorder{}
	s := newTestSupervisor(t, sp, func(o *Options) { o.History = rec })
	c := bootOnline(t, s, sp)

	require.NoError(t, s.Stop(context.Background()))
	waitState(t, s, Offline)

	assert.Equal(t, []string{DefaultStopCommand}, c.written())
	assert.False(t, c.wasKilled())
	st := s.Status()
	assert.Zero(t, st.PID)
	assert.Empty(t, st.RunID)
	require.NotNil(t, st.LastExitCode)
	assert.Equal(t, 0, *st.LastExitCode)
	assert.False(t, st.RestartPending)
	assert.Equal(t, 1, sp.count())
	assert.Equal(t,
		[]history.EventType{history.EventStart, history.EventOnline, history.EventExit, history.EventStop},
		rec.types())
}

func TestStopWhileStoppingIsNoop(t *testing.T) {
	sp := &fakeSpawner{ignoreStop: true}
	s := newTestSupervisor(t, sp, nil)
	c := bootOnline(t, s, sp)

	require.NoError(t, s.Stop(context.Background()))
	require.NoError(t, s.Stop(context.Background()))
	assert.Equal(t, []string{DefaultStopCommand}, c.written())
}

func TestCustomStopCommand(t *testing.T) {
	sp := &fakeSpawner{ignoreStop: true}
	s := newTestSupervisor(t, sp, func(o *Options) { o.StopCommand = "end" })
	c := bootOnline(t, s, sp)

	require.NoError(t, s.Stop(context.Background()))
	assert.Equal(t, []string{"end"}, c.written())
	c.exit(0)
	waitState(t, s, Offline)
}

func TestCommandDroppedUnlessOnline(t *testing.T) {
	sp := &fakeSpawner{}
	s := newTestSupervisor(t, sp, nil)
	ctx := context.Background()

	ok, err := s.SendCommand(ctx, "list")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Start(ctx))
	c := sp.child(0)
	ok, err = s.SendCommand(ctx, "list")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, c.written())

	c.emit(readyLine)
	waitState(t, s, Online)
	ok, err = s.SendCommand(ctx, "say hi")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []string{"say hi"}, c.written())
}

func TestConcurrentStartsSpawnOnce(t *testing.T) {
	sp := &fakeSpawner{}
	s := newTestSupervisor(t, sp, nil)

	const n = 10
	errs := make(chan error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- s.Start(context.Background())
		}()
	}
	wg.Wait()
	close(errs)

	var okCount, conflicts int
	for err := range errs {
		switch {
		case err == nil:
			okCount++
		case errors.Is(err, ErrInvalidTransition):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, okCount)
	assert.Equal(t, n-1, conflicts)
	assert.Equal(t, 1, sp.count())
}

func TestCrashRestartsUpToCap(t *testing.T) {
	sp := &fakeSpawner{}
	rec := &recorder{}
	s := newTestSupervisor(t, sp, func(o *Options) { o.History = rec })

	require.NoError(t, s.Start(context.Background()))
	for i := 0; i < DefaultMaxRestarts; i++ {
		sp.child(i).exit(1)
		require.Eventually(t, func() bool { return sp.count() == i+2 }, 2*time.Second, 5*time.Millisecond)
		waitState(t, s, Starting)
		assert.Equal(t, i+1, s.Status().Restarts)
	}

	sp.child(DefaultMaxRestarts).exit(1)
	waitState(t, s, Offline)
	time.Sleep(100 * time.Millisecond)

	st := s.Status()
	assert.Equal(t, DefaultMaxRestarts+1, sp.count())
	assert.Equal(t, Offline, st.State)
	assert.False(t, st.RestartPending)
	assert.Equal(t, DefaultMaxRestarts, st.Restarts)
	require.NotNil(t, st.LastExitCode)
	assert.Equal(t, 1, *st.LastExitCode)
	assert.Contains(t, rec.types(), history.EventGiveUp)
}

func TestReadyResetsRestartCounter(t *testing.T) {
	sp := &fakeSpawner{}
	s := newTestSupervisor(t, sp, nil)
	c := bootOnline(t, s, sp)

	c.exit(1)
	require.Eventually(t, func() bool { return sp.count() == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, s.Status().Restarts)

	sp.child(1).emit(readyLine)
	waitState(t, s, Online)
	assert.Equal(t, 0, s.Status().Restarts)
}

func TestStopCycleResetsRestartCounter(t *testing.T) {
	sp := &fakeSpawner{}
	s := newTestSupervisor(t, sp, nil)

	require.NoError(t, s.Start(context.Background()))
	sp.child(0).exit(1)
	require.Eventually(t, func() bool { return sp.count() == 2 }, 2*time.Second, 5*time.Millisecond)
	waitState(t, s, Starting)
	assert.Equal(t, 1, s.Status().Restarts)

	require.NoError(t, s.Stop(context.Background()))
	waitState(t, s, Offline)
	assert.Equal(t, 0, s.Status().Restarts)
	assert.False(t, s.Status().RestartPending)
}

func TestStopDuringBackoffCancelsRestart(t *testing.T) {
	sp := &fakeSpawner{}
	s := newTestSupervisor(t, sp, func(o *Options) { o.RestartBackoff = 200 * time.Millisecond })
	c := bootOnline(t, s, sp)

	c.exit(137)
	require.Eventually(t, func() bool { return s.Status().RestartPending }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, Offline, s.State())

	require.NoError(t, s.Stop(context.Background()))
	assert.False(t, s.Status().RestartPending)

	time.Sleep(400 * time.Millisecond)
	assert.Equal(t, 1, sp.count())
	assert.Equal(t, Offline, s.State())
	assert.Equal(t, 0, s.Status().Restarts)
}

func TestExplicitStartSupersedesPendingRestart(t *testing.T) {
	sp := &fakeSpawner{}
	s := newTestSupervisor(t, sp, func(o *Options) { o.RestartBackoff = 150 * time.Millisecond })
	c := bootOnline(t, s, sp)

	c.exit(1)
	require.Eventually(t, func() bool { return s.Status().RestartPending }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, s.Start(context.Background()))
	assert.False(t, s.Status().RestartPending)
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, 2, sp.count())
	assert.Equal(t, Starting, s.State())
}

func TestCleanExitDoesNotRestart(t *testing.T) {
	sp := &fakeSpawner{}
	s := newTestSupervisor(t, sp, nil)
	c := bootOnline(t, s, sp)

	c.exit(0)
	waitState(t, s, Offline)
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, 1, sp.count())
	assert.False(t, s.Status().RestartPending)
}

func TestNegativeMaxRestartsDisablesRestart(t *testing.T) {
	sp := &fakeSpawner{}
	s := newTestSupervisor(t, sp, func(o *Options) { o.MaxRestarts = -1 })
	c := bootOnline(t, s, sp)
	assert.Equal(t, 0, s.Status().MaxRestarts)

	c.exit(1)
	waitState(t, s, Offline)
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, 1, sp.count())
}

func TestDeadlineKillsUnresponsiveServer(t *testing.T) {
	sp := &fakeSpawner{ignoreStop: true}
	rec := &recorder{}
	s := newTestSupervisor(t, sp, func(o *Options) {
		o.StopTimeout = 50 * time.Millisecond
		o.History = rec
	})
	c := bootOnline(t, s, sp)

	require.NoError(t, s.Stop(context.Background()))
	assert.Equal(t, Stopping, s.State())
	waitState(t, s, Offline)

	assert.True(t, c.wasTerminated())
	assert.True(t, c.wasKilled())
	st := s.Status()
	require.NotNil(t, st.LastExitCode)
	assert.Equal(t, -1, *st.LastExitCode)
	assert.False(t, st.RestartPending)
	assert.Equal(t, 1, countType(rec.types(), history.EventTimeout))
}

func TestDeadlineTerminatesBeforeKill(t *testing.T) {
	sp := &fakeSpawner{ignoreStop: true, exitOnTerm: true}
	rec := &recorder{}
	s := newTestSupervisor(t, sp, func(o *Options) {
		o.StopTimeout = 50 * time.Millisecond
		o.KillGrace = time.Second
		o.History = rec
	})
	c := bootOnline(t, s, sp)

	require.NoError(t, s.Stop(context.Background()))
	waitState(t, s, Offline)

	assert.True(t, c.wasTerminated())
	assert.False(t, c.wasKilled())
	assert.Equal(t, []history.EventType{
		history.EventStart, history.EventOnline, history.EventTimeout, history.EventExit, history.EventStop,
	}, rec.types())
}

func TestDeadlineKillsChildWithoutTerminate(t *testing.T) {
	sp := &fakeSpawner{ignoreStop: true, killOnly: true}
	s := newTestSupervisor(t, sp, func(o *Options) {
		o.StopTimeout = 50 * time.Millisecond
		o.KillGrace = time.Hour
	})
	c := bootOnline(t, s, sp)

	require.NoError(t, s.Stop(context.Background()))
	waitState(t, s, Offline)
	assert.True(t, c.wasKilled())
	assert.False(t, c.wasTerminated())
}

func TestCleanShutdownDisarmsDeadline(t *testing.T) {
	sp := &fakeSpawner{}
	s := newTestSupervisor(t, sp, func(o *Options) { o.StopTimeout = 80 * time.Millisecond })
	c := bootOnline(t, s, sp)

	require.NoError(t, s.Stop(context.Background()))
	waitState(t, s, Offline)
	require.NoError(t, s.Start(context.Background()))
	next := sp.child(1)

	time.Sleep(150 * time.Millisecond)
	assert.False(t, c.wasKilled())
	assert.False(t, next.wasKilled())
	assert.Equal(t, Starting, s.State())
}

func TestSpawnFailureLeavesOffline(t *testing.T) {
	sp := &fakeSpawner{err: errors.New("exec: \"java\": executable file not found in $PATH")}
	rec := &recorder{}
	s := newTestSupervisor(t, sp, func(o *Options) { o.History = rec })

	err := s.Start(context.Background())
	require.ErrorIs(t, err, ErrSpawnFailure)
	assert.Equal(t, Offline, s.State())
	assert.Zero(t, s.Status().PID)
	assert.Equal(t, []history.EventType{history.EventSpawnFailure}, rec.types())

	sp.mu.Lock()
	sp.err = nil
	sp.mu.Unlock()
	require.NoError(t, s.Start(context.Background()))
	assert.Equal(t, Starting, s.State())
}

func TestPreconditionFailureBlocksSpawn(t *testing.T) {
	sp := &fakeSpawner{}
	s := newTestSupervisor(t, sp, func(o *Options) {
		o.Precondition = preconditionFunc(func(context.Context) error { return errors.New("eula not accepted") })
	})

	err := s.Start(context.Background())
	require.ErrorIs(t, err, ErrNotProvisioned)
	assert.Equal(t, Offline, s.State())
	assert.Equal(t, 0, sp.count())
}

func TestPreconditionRunsBeforeEveryRestart(t *testing.T) {
	sp := &fakeSpawner{}
	var mu sync.Mutex
	calls := 0
	s := newTestSupervisor(t, sp, func(o *Options) {
		o.Precondition = preconditionFunc(func(context.Context) error {
			mu.Lock()
			defer mu.Unlock()
			calls++
			return nil
		})
	})
	c := bootOnline(t, s, sp)
	c.exit(1)
	require.Eventually(t, func() bool { return sp.count() == 2 }, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, calls)
}

func TestSubsystemsAndErrorLines(t *testing.T) {
	sp := &fakeSpawner{}
	s := newTestSupervisor(t, sp, nil)
	require.NoError(t, s.Start(context.Background()))
	c := sp.child(0)

	c.emit("[12:00:00 INFO]: [Geyser-Spigot] Started Geyser on 0.0.0.0:19132")
	c.emit("[12:00:00 INFO]: [Geyser-Spigot] Started Geyser on 0.0.0.0:19132")
	c.emitErr("[12:00:00 Server thread/ERROR]: Could not load plugin")
	c.emit("[12:00:01 INFO]: [ViaVersion] Enabling ViaVersion v5.0.0")

	require.Eventually(t, func() bool {
		st := s.Status()
		return len(st.Subsystems) == 2 && st.LastError != ""
	}, 2*time.Second, 5*time.Millisecond)
	st := s.Status()
	assert.Equal(t, []string{"Geyser", "ViaVersion"}, st.Subsystems)
	assert.Contains(t, st.LastError, "Could not load plugin")
	assert.Equal(t, Starting, st.State)
}

func TestStaleLinesFromPreviousRunIgnored(t *testing.T) {
	sp := &fakeSpawner{}
	s := newTestSupervisor(t, sp, func(o *Options) { o.MaxRestarts = -1 })
	old := bootOnline(t, s, sp)
	old.exit(0)
	waitState(t, s, Offline)

	require.NoError(t, s.Start(context.Background()))
	next := sp.child(1)
	// a late line on the old run must not make the new one ready
	s.post(lineMsg{runID: "previous-run", line: scanner.Line{Stream: scanner.Stdout, Text: readyLine}})
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, Starting, s.State())

	next.emit(readyLine)
	waitState(t, s, Online)
}

func TestConsoleMirror(t *testing.T) {
	sp := &fakeSpawner{}
	var buf bytes.Buffer
	s := newTestSupervisor(t, sp, func(o *Options) { o.Console = &buf })
	c := bootOnline(t, s, sp)
	c.emitErr("warning on stderr")
	require.NoError(t, s.Stop(context.Background()))
	waitState(t, s, Offline)
	require.NoError(t, s.Close(context.Background()))

	out := buf.String()
	assert.Contains(t, out, readyLine+"\n")
	assert.Contains(t, out, "[stderr] warning on stderr\n")
}

func TestCloseStopsServerAndEndsLoop(t *testing.T) {
	sp := &fakeSpawner{}
	s := newTestSupervisor(t, sp, nil)
	c := bootOnline(t, s, sp)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Close(ctx))

	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("loop did not exit")
	}
	assert.Equal(t, []string{DefaultStopCommand}, c.written())
	assert.Equal(t, Offline, s.State())
	assert.ErrorIs(t, s.Start(context.Background()), ErrClosed)
	_, err := s.SendCommand(context.Background(), "list")
	assert.ErrorIs(t, err, ErrClosed)
	require.NoError(t, s.Close(context.Background()))
}

func TestCloseCancelsPendingRestart(t *testing.T) {
	sp := &fakeSpawner{}
	s := newTestSupervisor(t, sp, func(o *Options) { o.RestartBackoff = 100 * time.Millisecond })
	c := bootOnline(t, s, sp)
	c.exit(1)
	require.Eventually(t, func() bool { return s.Status().RestartPending }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, s.Close(context.Background()))
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 1, sp.count())
}

func TestSetNetworkAppearsInStatus(t *testing.T) {
	s := newTestSupervisor(t, &fakeSpawner{}, nil)
	s.SetNetwork(netinfo.Identity{LocalAddress: "10.0.0.5", PublicAddress: "203.0.113.7", Ports: map[string]int{"java": 25565}})
	st := s.Status()
	assert.Equal(t, "203.0.113.7", st.Network.PublicAddress)
	assert.Equal(t, 25565, st.Network.Ports["java"])
}

func TestStateText(t *testing.T) {
	for _, st := range []State{Offline, Starting, Online, Stopping} {
		b, err := st.MarshalText()
		require.NoError(t, err)
		var back State
		require.NoError(t, back.UnmarshalText(b))
		assert.Equal(t, st, back)
	}
	var s State
	assert.Error(t, s.UnmarshalText([]byte("crashed")))
	assert.Equal(t, "unknown", State(42).String())
}

func TestExitFollowUpEventsCarryRun(t *testing.T) {
	sp := &fakeSpawner{}
	rec := &recorder{}
	s := newTestSupervisor(t, sp, func(o *Options) {
		o.History = rec
		o.MaxRestarts = 1
		o.RestartBackoff = time.Hour
	})
	c := bootOnline(t, s, sp)
	c.exit(1)
	require.Eventually(t, func() bool { return s.Status().RestartPending }, time.Second, 5*time.Millisecond)

	events := rec.snapshot()
	var runID string
	for _, e := range events {
		if e.Type == history.EventStart {
			runID = e.Record.RunID
		}
	}
	require.NotEmpty(t, runID)
	for _, typ := range []history.EventType{history.EventExit, history.EventCrash, history.EventRestart} {
		var found bool
		for _, e := range events {
			if e.Type != typ {
				continue
			}
			found = true
			assert.Equal(t, runID, e.Record.RunID, typ)
			assert.Equal(t, c.pid, e.Record.PID, typ)
		}
		assert.True(t, found, typ)
	}
}

func TestStopEventCarriesRun(t *testing.T) {
	sp := &fakeSpawner{}
	rec := &recorder{}
	s := newTestSupervisor(t, sp, func(o *Options) { o.History = rec })
	c := bootOnline(t, s, sp)
	require.NoError(t, s.Stop(context.Background()))
	waitState(t, s, Offline)

	events := rec.snapshot()
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, history.EventStop, last.Type)
	assert.Equal(t, events[0].Record.RunID, last.Record.RunID)
	assert.NotEmpty(t, last.Record.RunID)
	assert.Equal(t, c.pid, last.Record.PID)
	assert.Equal(t, Offline.String(), last.Record.State)
}

func TestPIDDoesNotSample(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	sp := &fakeSpawner{}
	s := newTestSupervisor(t, sp, func(o *Options) {
		o.Sampler = func(pid int) (*metrics.ProcessMetrics, error) {
			mu.Lock()
			defer mu.Unlock()
			calls++
			return &metrics.ProcessMetrics{PID: int32(pid)}, nil
		}
	})
	assert.Zero(t, s.PID())
	c := bootOnline(t, s, sp)

	assert.Equal(t, c.pid, s.PID())
	mu.Lock()
	assert.Zero(t, calls)
	mu.Unlock()

	_ = s.Status()
	mu.Lock()
	assert.Equal(t, 1, calls)
	mu.Unlock()
}
