// Package supervisor runs the lifecycle state machine of one game server
// child process: start and stop requests, readiness inferred from console
// output, graceful shutdown with a kill deadline and bounded crash restarts.
//
// Every mutation happens on a single event-loop goroutine. Requests, console
// lines, exit notifications and timer expiries are all messages to that loop,
// so a transition is always checked against the state at the instant it is
// handled.
package supervisor

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loykin/craftvisor/internal/history"
	"github.com/loykin/craftvisor/internal/metrics"
	"github.com/loykin/craftvisor/internal/netinfo"
	"github.com/loykin/craftvisor/internal/scanner"
)

const (
	DefaultStopCommand    = "stop"
	DefaultStopTimeout    = 30 * time.Second
	DefaultMaxRestarts    = 3
	DefaultRestartBackoff = 15 * time.Second
	DefaultKillGrace      = 5 * time.Second
)

// Child is a running server process as seen by the supervisor.
// Stdout and Stderr are read to EOF before Wait is called.
type Child interface {
	PID() int
	Stdout() io.Reader
	Stderr() io.Reader
	WriteLine(s string) error
	Kill() error
	Wait() (int, error)
}

// Terminator is implemented by children that can be asked to exit with a
// signal before they are killed.
type Terminator interface {
	Terminate() error
}

// Spawner creates a new child process.
type Spawner interface {
	Spawn(ctx context.Context) (Child, error)
}

// SpawnFunc adapts a function to Spawner.
type SpawnFunc func(ctx context.Context) (Child, error)

func (f SpawnFunc) Spawn(ctx context.Context) (Child, error) { return f(ctx) }

// Precondition must hold before a child may be spawned.
type Precondition interface {
	Ensure(ctx context.Context) error
}

// Recorder receives lifecycle events. Record must not block.
type Recorder interface {
	Record(e history.Event)
}

// Sampler reports resource usage of a live pid.
type Sampler func(pid int) (*metrics.ProcessMetrics, error)

// Options configures a Supervisor.
type Options struct {
	Name         string
	Spawner      Spawner
	Classifier   scanner.Classifier // default scanner.DefaultMarkers()
	Precondition Precondition       // optional
	StopCommand  string             // written to stdin on stop, default "stop"
	StopTimeout  time.Duration      // deadline after the stop command, default 30s
	KillGrace    time.Duration      // wait between terminate and kill, default 5s
	// MaxRestarts bounds consecutive crash restarts. Zero selects
	// DefaultMaxRestarts, a negative value disables auto-restart.
	MaxRestarts    int
	RestartBackoff time.Duration // delay before a crash restart, default 15s
	Console        io.Writer     // verbatim copy of every console line, optional
	Logger         *slog.Logger
	History        Recorder // optional
	Sampler        Sampler  // optional
}

// Supervisor owns the child process handle and its lifecycle state.
type Supervisor struct {
	opts        Options
	log         *slog.Logger
	classifier  scanner.Classifier
	maxRestarts int
	console     io.Writer

	msgs      chan message
	done      chan struct{}
	closeOnce sync.Once

	snap    atomic.Pointer[snapshot]
	network atomic.Pointer[netinfo.Identity]

	// loop-owned
	state      State
	child      Child
	runID      string
	pid        int
	startedAt  time.Time
	ready      bool
	restarts   int
	subsystems []string
	lastError  string
	lastExit   *int
	closing    []chan error

	backoff     *time.Timer
	backoffGen  uint64
	deadline    *time.Timer
	deadlineGen uint64
	terminated  bool // SIGTERM already sent for the current stop
}

// New constructs a Supervisor and starts its event loop.
func New(opts Options) *Supervisor {
	if opts.Name == "" {
		opts.Name = "server"
	}
	if opts.StopCommand == "" {
		opts.StopCommand = DefaultStopCommand
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = DefaultStopTimeout
	}
	if opts.KillGrace <= 0 {
		opts.KillGrace = DefaultKillGrace
	}
	if opts.RestartBackoff <= 0 {
		opts.RestartBackoff = DefaultRestartBackoff
	}
	maxRestarts := opts.MaxRestarts
	switch {
	case maxRestarts == 0:
		maxRestarts = DefaultMaxRestarts
	case maxRestarts < 0:
		maxRestarts = 0
	}
	classifier := opts.Classifier
	if classifier == nil {
		classifier = scanner.DefaultMarkers()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Supervisor{
		opts:        opts,
		log:         logger.With("server", opts.Name),
		classifier:  classifier,
		maxRestarts: maxRestarts,
		msgs:        make(chan message, 64),
		done:        make(chan struct{}),
	}
	if opts.Console != nil {
		s.console = &lockedWriter{w: opts.Console}
	}
	s.network.Store(&netinfo.Identity{})
	s.publish()
	go s.run()
	return s
}

// Start requests Offline -> Starting and spawns the child. It returns as soon
// as the process exists; Online is reached once the console reports readiness.
func (s *Supervisor) Start(ctx context.Context) error {
	reply := make(chan error, 1)
	if err := s.send(ctx, startReq{ctx: ctx, reply: reply}); err != nil {
		return err
	}
	return s.await(ctx, reply)
}

// Stop requests a graceful shutdown: the stop command is written to the
// child and a kill deadline is armed. It also cancels a pending crash restart.
func (s *Supervisor) Stop(ctx context.Context) error {
	reply := make(chan error, 1)
	if err := s.send(ctx, stopReq{reply: reply}); err != nil {
		return err
	}
	return s.await(ctx, reply)
}

// SendCommand writes text to the server console when it is Online and ready.
// Otherwise the command is dropped; the result reports whether it was written.
func (s *Supervisor) SendCommand(ctx context.Context, text string) (bool, error) {
	reply := make(chan bool, 1)
	if err := s.send(ctx, commandReq{text: text, reply: reply}); err != nil {
		return false, err
	}
	select {
	case ok := <-reply:
		return ok, nil
	case <-ctx.Done():
		return false, ctx.Err()
	case <-s.done:
		return false, ErrClosed
	}
}

// SetNetwork records the network identity reported in SessionInfo.
func (s *Supervisor) SetNetwork(id netinfo.Identity) {
	s.network.Store(&id)
}

// Close stops the child (gracefully, within the stop timeout) and ends the
// event loop. It is safe to call more than once.
func (s *Supervisor) Close(ctx context.Context) error {
	reply := make(chan error, 1)
	if err := s.send(ctx, closeReq{reply: reply}); err != nil {
		if err == ErrClosed {
			return nil
		}
		return err
	}
	return s.await(ctx, reply)
}

// Done is closed when the event loop has exited.
func (s *Supervisor) Done() <-chan struct{} { return s.done }

func (s *Supervisor) send(ctx context.Context, m message) error {
	select {
	case <-s.done:
		return ErrClosed
	default:
	}
	select {
	case s.msgs <- m:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrClosed
	}
}

func (s *Supervisor) await(ctx context.Context, reply chan error) error {
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		select {
		case err := <-reply:
			return err
		default:
			return ErrClosed
		}
	}
}

// post delivers an internal message; it gives up once the loop has exited.
func (s *Supervisor) post(m message) {
	select {
	case s.msgs <- m:
	case <-s.done:
	}
}

func (s *Supervisor) run() {
	defer s.closeOnce.Do(func() { close(s.done) })
	for m := range s.msgs {
		exit := s.handle(m)
		s.publish()
		if exit {
			return
		}
	}
}

type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}
