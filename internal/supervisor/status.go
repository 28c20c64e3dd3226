package supervisor

import (
	"slices"
	"time"

	"github.com/loykin/craftvisor/internal/metrics"
	"github.com/loykin/craftvisor/internal/netinfo"
)

// SessionInfo is the read-only view of the supervised server.
type SessionInfo struct {
	Name           string                  `json:"name"`
	State          State                   `json:"state"`
	Ready          bool                    `json:"ready"`
	RunID          string                  `json:"run_id,omitempty"`
	PID            int                     `json:"pid,omitempty"`
	StartedAt      *time.Time              `json:"started_at,omitempty"`
	UptimeSeconds  float64                 `json:"uptime_seconds"`
	Restarts       int                     `json:"restarts"`
	MaxRestarts    int                     `json:"max_restarts"`
	RestartPending bool                    `json:"restart_pending"`
	Subsystems     []string                `json:"subsystems,omitempty"`
	LastError      string                  `json:"last_error,omitempty"`
	LastExitCode   *int                    `json:"last_exit_code,omitempty"`
	Network        netinfo.Identity        `json:"network"`
	Resources      *metrics.ProcessMetrics `json:"resources,omitempty"`
}

// snapshot is published by the loop after every message.
type snapshot struct {
	state          State
	ready          bool
	runID          string
	pid            int
	startedAt      time.Time
	restarts       int
	restartPending bool
	subsystems     []string
	lastError      string
	lastExit       *int
}

func (s *Supervisor) publish() {
	snap := &snapshot{
		state:          s.state,
		ready:          s.ready,
		runID:          s.runID,
		pid:            s.pid,
		startedAt:      s.startedAt,
		restarts:       s.restarts,
		restartPending: s.backoff != nil,
		subsystems:     slices.Clone(s.subsystems),
		lastError:      s.lastError,
	}
	if s.lastExit != nil {
		code := *s.lastExit
		snap.lastExit = &code
	}
	s.snap.Store(snap)
	metrics.SetReady(s.opts.Name, s.ready)
	metrics.SetRestartCount(s.opts.Name, s.restarts)
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State { return s.snap.Load().state }

// PID returns the pid of the live child, or 0. Unlike Status it does not
// sample resource usage.
func (s *Supervisor) PID() int { return s.snap.Load().pid }

// Status returns the current SessionInfo. It never blocks on the event loop.
func (s *Supervisor) Status() SessionInfo {
	snap := s.snap.Load()
	info := SessionInfo{
		Name:           s.opts.Name,
		State:          snap.state,
		Ready:          snap.ready,
		RunID:          snap.runID,
		PID:            snap.pid,
		Restarts:       snap.restarts,
		MaxRestarts:    s.maxRestarts,
		RestartPending: snap.restartPending,
		Subsystems:     snap.subsystems,
		LastError:      snap.lastError,
		LastExitCode:   snap.lastExit,
		Network:        *s.network.Load(),
	}
	if !snap.startedAt.IsZero() {
		t := snap.startedAt
		info.StartedAt = &t
		info.UptimeSeconds = time.Since(t).Seconds()
	}
	if snap.pid != 0 && s.opts.Sampler != nil {
		if pm, err := s.opts.Sampler(snap.pid); err == nil {
			info.Resources = pm
		}
	}
	return info
}
