package craftvisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	cfg "github.com/loykin/craftvisor/internal/config"
	"github.com/loykin/craftvisor/internal/env"
	"github.com/loykin/craftvisor/internal/history"
	"github.com/loykin/craftvisor/internal/history/factory"
	"github.com/loykin/craftvisor/internal/metrics"
	"github.com/loykin/craftvisor/internal/netinfo"
	"github.com/loykin/craftvisor/internal/process"
	"github.com/loykin/craftvisor/internal/provision"
	iapi "github.com/loykin/craftvisor/internal/server"
	"github.com/loykin/craftvisor/internal/supervisor"
	itls "github.com/loykin/craftvisor/internal/tls"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Config = cfg.Config

type SessionInfo = supervisor.SessionInfo

type State = supervisor.State

type Spec = process.Spec

type HistorySink = history.Sink

type HistoryEvent = history.Event

const (
	Offline  = supervisor.Offline
	Starting = supervisor.Starting
	Online   = supervisor.Online
	Stopping = supervisor.Stopping
)

var (
	ErrInvalidTransition = supervisor.ErrInvalidTransition
	ErrSpawnFailure      = supervisor.ErrSpawnFailure
	ErrNotProvisioned    = supervisor.ErrNotProvisioned
	ErrClosed            = supervisor.ErrClosed
)

// LoadConfig reads a TOML config file with CRAFTVISOR_* environment overrides.
func LoadConfig(path string) (*Config, error) { return cfg.Load(path) }

// Option customizes New.
type Option func(*App)

// WithLogger sets the logger handed to every component.
func WithLogger(l *slog.Logger) Option {
	return func(a *App) {
		if l != nil {
			a.logger = l
		}
	}
}

// WithSpawner replaces the java launcher, e.g. with a fake child in tests.
func WithSpawner(s supervisor.Spawner) Option {
	return func(a *App) { a.spawner = s }
}

// WithRegisterer registers the metrics on r instead of the default registry.
func WithRegisterer(r prometheus.Registerer) Option {
	return func(a *App) { a.registerer = r }
}

// WithHistorySinks adds sinks next to the ones named in the config.
func WithHistorySinks(sinks ...HistorySink) Option {
	return func(a *App) { a.extraSinks = append(a.extraSinks, sinks...) }
}

// App wires the supervisor to its precondition, history, metrics and control API.
type App struct {
	cfg        *Config
	logger     *slog.Logger
	spawner    supervisor.Spawner
	registerer prometheus.Registerer
	extraSinks []HistorySink

	sup         *supervisor.Supervisor
	provisioner *provision.Provisioner
	dispatcher  *history.Dispatcher
	sampler     *metrics.Sampler
	router      *iapi.Router
	console     io.WriteCloser
}

// New builds an App from c. Nothing is spawned until Start or Serve.
func New(c *Config, opts ...Option) (*App, error) {
	if c == nil {
		return nil, errors.New("config is required")
	}
	a := &App{cfg: c, logger: slog.Default()}
	for _, o := range opts {
		o(a)
	}
	log := a.logger.With("component", "craftvisor")

	spec := c.Game.Spec()
	a.provisioner = &provision.Provisioner{
		Spec:        spec,
		BindAddress: c.Network.BindAddress,
		Port:        c.Network.Port,
		Properties:  c.Properties,
		AcceptEULA:  c.Game.AcceptEULA,
		Logger:      log,
	}
	if a.spawner == nil {
		a.spawner = javaSpawner(spec)
	}

	sinks := make([]history.Sink, 0, len(c.History.Sinks)+len(a.extraSinks))
	names := make([]string, 0, cap(sinks))
	for _, dsn := range c.History.Sinks {
		s, err := factory.NewSinkFromDSN(dsn)
		if err != nil {
			closeSinks(sinks)
			return nil, fmt.Errorf("history sink %s: %w", factory.Scheme(dsn), err)
		}
		sinks = append(sinks, s)
		names = append(names, factory.Scheme(dsn))
	}
	for _, s := range a.extraSinks {
		sinks = append(sinks, s)
		names = append(names, fmt.Sprintf("%T", s))
	}
	a.dispatcher = history.NewDispatcher(sinks, names,
		history.WithQueueSize(c.History.QueueSize),
		history.WithLogger(log))

	var metricsHandler http.Handler
	if c.Metrics.Enabled {
		reg := a.registerer
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		if err := metrics.Register(reg); err != nil {
			log.Warn("failed to register metrics", "error", err)
		}
		if g, ok := reg.(prometheus.Gatherer); ok {
			metricsHandler = metrics.HandlerFor(g)
		} else {
			metricsHandler = metrics.Handler()
		}
		a.sampler = metrics.NewSampler()
	}

	console, err := c.Log.ConsoleWriter(c.Game.Name)
	if err != nil {
		_ = a.dispatcher.Close(context.Background())
		return nil, err
	}
	var consoleW io.Writer
	if console != nil {
		a.console = console
		consoleW = console
	}

	sopts := supervisor.Options{
		Name:           c.Game.Name,
		Spawner:        a.spawner,
		Classifier:     c.MarkerSet(),
		Precondition:   a.provisioner,
		StopCommand:    c.Game.StopCommand,
		StopTimeout:    c.Game.StopTimeout,
		KillGrace:      c.Game.KillGrace,
		MaxRestarts:    maxRestarts(c.Game.MaxRestarts),
		RestartBackoff: c.Game.RestartBackoff,
		Console:        consoleW,
		Logger:         a.logger,
		History:        a.dispatcher,
	}
	if a.sampler != nil {
		sopts.Sampler = a.sampler.Sample
	}
	a.sup = supervisor.New(sopts)

	a.router = iapi.NewRouter(a.sup, c.Server.BasePath, iapi.Options{
		APIToken:     c.Server.APIToken,
		CommandRate:  c.Server.CommandRate,
		CommandBurst: c.Server.CommandBurst,
		Metrics:      metricsHandler,
		Logger:       a.logger,
	})
	return a, nil
}

// maxRestarts maps the config value, where 0 disables restarts, onto the
// supervisor's, where 0 selects the default.
func maxRestarts(n int) int {
	if n <= 0 {
		return -1
	}
	return n
}

func javaSpawner(spec process.Spec) supervisor.Spawner {
	return supervisor.SpawnFunc(func(ctx context.Context) (supervisor.Child, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		e := env.New()
		return process.Start(spec, e.Merge(spec.Env))
	})
}

func closeSinks(sinks []history.Sink) {
	for _, s := range sinks {
		if c, ok := s.(io.Closer); ok {
			_ = c.Close()
		}
	}
}

func (a *App) Supervisor() *supervisor.Supervisor { return a.sup }

// Handler returns the control API, ready to mount in any mux.
func (a *App) Handler() http.Handler { return a.router.Handler() }

func (a *App) Start(ctx context.Context) error { return a.sup.Start(ctx) }
func (a *App) Stop(ctx context.Context) error  { return a.sup.Stop(ctx) }
func (a *App) SendCommand(ctx context.Context, text string) (bool, error) {
	return a.sup.SendCommand(ctx, text)
}
func (a *App) Status() SessionInfo { return a.sup.Status() }

// Provision regenerates eula.txt and server.properties.
func (a *App) Provision() error { return a.provisioner.WriteFiles() }

// DiscoverNetwork resolves the local and public address and publishes them
// in the status. Lookup failures are logged and leave the field empty.
func (a *App) DiscoverNetwork(ctx context.Context) netinfo.Identity {
	publicURL := a.cfg.Network.PublicIPURL
	if publicURL == "" {
		publicURL = netinfo.DefaultPublicIPURL
	}
	id, err := netinfo.Discover(ctx, publicURL, a.cfg.Network.AdvertisedPorts())
	if err != nil {
		a.logger.Warn("network discovery incomplete", "error", err)
	}
	a.sup.SetNetwork(id)
	return id
}

// Serve runs the control API until ctx is done or the listener fails, then
// shuts everything down. The game server is started first when auto_start is
// set. ready, when non-nil, receives the bound address.
func (a *App) Serve(ctx context.Context, ready func(addr string)) error {
	log := a.logger.With("component", "craftvisor")
	if err := a.Provision(); err != nil {
		// /start reports the same precondition failure
		log.Error("failed to write server files", "error", err)
	}

	tlsCfg, err := itls.SetupTLS(a.cfg.Server)
	if err != nil {
		return fmt.Errorf("setup tls: %w", err)
	}
	srv, err := iapi.NewServer(a.cfg.Server.Listen, a.Handler(), tlsCfg)
	if err != nil {
		return err
	}
	protocol := "http"
	if tlsCfg != nil {
		protocol = "https"
	}
	log.Info("control API listening", "protocol", protocol, "addr", srv.Addr(), "base_path", a.cfg.Server.BasePath)
	if ready != nil {
		ready(srv.Addr())
	}

	bg, cancel := context.WithCancel(ctx)
	defer cancel()
	go a.DiscoverNetwork(bg)
	if a.sampler != nil {
		go a.sampler.Collect(bg, a.cfg.Game.Name, a.cfg.Metrics.SampleInterval, a.sup.PID)
	}
	if a.cfg.Game.AutoStart {
		if err := a.sup.Start(bg); err != nil {
			log.Error("auto start failed", "error", err)
		}
	}

	var serveErr error
	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case serveErr = <-srv.Err():
	}
	cancel()

	grace := a.cfg.Game.StopTimeout + a.cfg.Game.KillGrace + 10*time.Second
	sctx, scancel := context.WithTimeout(context.Background(), grace)
	defer scancel()
	errs := []error{serveErr}
	if err := srv.Shutdown(sctx); err != nil {
		errs = append(errs, fmt.Errorf("shutdown control API: %w", err))
	}
	errs = append(errs, a.Close(sctx))
	return errors.Join(errs...)
}

// Close stops the game server, flushes history and releases the console log.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if err := a.sup.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop server: %w", err))
	}
	if err := a.dispatcher.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	if a.console != nil {
		if err := a.console.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
