package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	serverStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "craftvisor",
			Subsystem: "server",
			Name:      "starts_total",
			Help:      "Number of successfully spawned server processes.",
		}, []string{"name"},
	)
	serverRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "craftvisor",
			Subsystem: "server",
			Name:      "restarts_total",
			Help:      "Number of automatic restarts after a crash.",
		}, []string{"name"},
	)
	serverStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "craftvisor",
			Subsystem: "server",
			Name:      "stops_total",
			Help:      "Number of requested stops that completed.",
		}, []string{"name"},
	)
	serverCrashes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "craftvisor",
			Subsystem: "server",
			Name:      "crashes_total",
			Help:      "Number of unexpected exits with a non-zero code.",
		}, []string{"name"},
	)
	spawnFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "craftvisor",
			Subsystem: "server",
			Name:      "spawn_failures_total",
			Help:      "Number of start attempts where the process could not be created.",
		}, []string{"name"},
	)
	shutdownTimeouts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "craftvisor",
			Subsystem: "server",
			Name:      "shutdown_timeouts_total",
			Help:      "Number of graceful stops escalated to a kill.",
		}, []string{"name"},
	)
	commands = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "craftvisor",
			Subsystem: "server",
			Name:      "commands_total",
			Help:      "Number of console commands written to the server.",
		}, []string{"name"},
	)
	errorLines = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "craftvisor",
			Subsystem: "server",
			Name:      "error_lines_total",
			Help:      "Number of console lines classified as errors.",
		}, []string{"name"},
	)
	startupDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "craftvisor",
			Subsystem: "server",
			Name:      "startup_seconds",
			Help:      "Time from spawn to the ready signal.",
			Buckets:   []float64{1, 2, 5, 10, 20, 30, 60, 120, 300},
		}, []string{"name"},
	)
	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "craftvisor",
			Subsystem: "server",
			Name:      "state_transitions_total",
			Help:      "Number of lifecycle state transitions.",
		}, []string{"name", "from", "to"},
	)
	currentStates = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "craftvisor",
			Subsystem: "server",
			Name:      "current_state",
			Help:      "Current lifecycle state (1 = active state, 0 = inactive).",
		}, []string{"name", "state"},
	)
	ready = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "craftvisor",
			Subsystem: "server",
			Name:      "ready",
			Help:      "1 when the server reported readiness and accepts commands.",
		}, []string{"name"},
	)
	restartCount = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "craftvisor",
			Subsystem: "server",
			Name:      "restart_counter",
			Help:      "Consecutive crash restarts since the server was last online.",
		}, []string{"name"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		serverStarts, serverRestarts, serverStops, serverCrashes, spawnFailures,
		shutdownTimeouts, commands, errorLines, startupDuration, stateTransitions,
		currentStates, ready, restartCount, cpuPercent, memoryRSS,
	}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			// If already registered, ignore (allows double Register with default registry)
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// HandlerFor serves the metrics of a specific gatherer.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncStart(name string) {
	if regOK.Load() {
		serverStarts.WithLabelValues(name).Inc()
	}
}
func IncRestart(name string) {
	if regOK.Load() {
		serverRestarts.WithLabelValues(name).Inc()
	}
}
func IncStop(name string) {
	if regOK.Load() {
		serverStops.WithLabelValues(name).Inc()
	}
}
func IncCrash(name string) {
	if regOK.Load() {
		serverCrashes.WithLabelValues(name).Inc()
	}
}
func IncSpawnFailure(name string) {
	if regOK.Load() {
		spawnFailures.WithLabelValues(name).Inc()
	}
}
func IncShutdownTimeout(name string) {
	if regOK.Load() {
		shutdownTimeouts.WithLabelValues(name).Inc()
	}
}
func IncCommand(name string) {
	if regOK.Load() {
		commands.WithLabelValues(name).Inc()
	}
}
func IncErrorLine(name string) {
	if regOK.Load() {
		errorLines.WithLabelValues(name).Inc()
	}
}
func ObserveStartup(name string, seconds float64) {
	if regOK.Load() {
		startupDuration.WithLabelValues(name).Observe(seconds)
	}
}

func RecordStateTransition(name, from, to string) {
	if regOK.Load() {
		stateTransitions.WithLabelValues(name, from, to).Inc()
	}
}

func SetCurrentState(name, state string, active bool) {
	if regOK.Load() {
		currentStates.WithLabelValues(name, state).Set(boolToFloat(active))
	}
}

func SetReady(name string, v bool) {
	if regOK.Load() {
		ready.WithLabelValues(name).Set(boolToFloat(v))
	}
}

func SetRestartCount(name string, n int) {
	if regOK.Load() {
		restartCount.WithLabelValues(name).Set(float64(n))
	}
}

func boolToFloat(v bool) float64 {
	if v {
		return 1
	}
	return 0
}
