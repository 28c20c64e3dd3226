package supervisor

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/loykin/craftvisor/internal/history"
	"github.com/loykin/craftvisor/internal/metrics"
	"github.com/loykin/craftvisor/internal/scanner"
)

type message any

type startReq struct {
	ctx   context.Context
	reply chan error
}

type stopReq struct {
	reply chan error
}

type commandReq struct {
	text  string
	reply chan bool
}

type closeReq struct {
	reply chan error
}

type lineMsg struct {
	runID string
	line  scanner.Line
}

type exitMsg struct {
	runID string
	code  int
	err   error
}

type timerKind int

const (
	backoffTimer timerKind = iota
	deadlineTimer
)

type timerMsg struct {
	kind timerKind
	gen  uint64
}

// handle applies one message and reports whether the loop must exit.
func (s *Supervisor) handle(m message) bool {
	switch m := m.(type) {
	// replies go out after publish so callers observe their own transition
	case startReq:
		err := s.handleStart(m.ctx, false)
		s.publish()
		m.reply <- err
	case stopReq:
		err := s.handleStop()
		s.publish()
		m.reply <- err
	case commandReq:
		m.reply <- s.handleCommand(m.text)
	case lineMsg:
		s.handleLine(m)
	case exitMsg:
		return s.handleExit(m)
	case timerMsg:
		s.handleTimer(m)
	case closeReq:
		return s.handleClose(m)
	}
	return false
}

func (s *Supervisor) handleStart(ctx context.Context, auto bool) error {
	if s.closing != nil {
		return ErrClosed
	}
	if s.state != Offline {
		return fmt.Errorf("%w: server is %s", ErrInvalidTransition, s.state)
	}
	if !auto {
		// an explicit start supersedes a scheduled crash restart
		s.cancelBackoff()
	}
	if s.opts.Precondition != nil {
		if err := s.opts.Precondition.Ensure(ctx); err != nil {
			s.log.Error("start precondition failed", "error", err)
			s.record(history.EventSpawnFailure, err.Error())
			return fmt.Errorf("%w: %v", ErrNotProvisioned, err)
		}
	}

	s.setState(Starting)
	s.startedAt = time.Now()
	s.ready = false
	s.subsystems = nil
	s.lastError = ""
	s.runID = uuid.NewString()

	child, err := s.opts.Spawner.Spawn(ctx)
	if err != nil {
		s.log.Error("failed to spawn server process", "error", err)
		metrics.IncSpawnFailure(s.opts.Name)
		s.record(history.EventSpawnFailure, err.Error())
		s.clearRun()
		s.setState(Offline)
		return fmt.Errorf("%w: %v", ErrSpawnFailure, err)
	}
	s.child = child
	s.pid = child.PID()
	metrics.IncStart(s.opts.Name)
	s.log.Info("server process started", "pid", s.pid, "run_id", s.runID, "auto_restart", auto)
	s.record(history.EventStart, "")
	go s.watch(s.runID, child)
	return nil
}

func (s *Supervisor) handleStop() error {
	switch s.state {
	case Offline:
		if s.backoff != nil {
			s.cancelBackoff()
			s.restarts = 0
			s.log.Info("pending restart cancelled")
			s.record(history.EventStop, "pending restart cancelled")
			return nil
		}
		return fmt.Errorf("%w: server is %s", ErrInvalidTransition, s.state)
	case Stopping:
		return nil
	}

	s.setState(Stopping)
	s.ready = false
	s.restarts = 0
	s.cancelBackoff()
	s.terminated = false
	s.armDeadline(s.opts.StopTimeout)
	if err := s.child.WriteLine(s.opts.StopCommand); err != nil {
		s.log.Warn("failed to send stop command, killing server", "error", err)
		_ = s.child.Kill()
	}
	s.log.Info("server stopping", "pid", s.pid, "timeout", s.opts.StopTimeout)
	return nil
}

func (s *Supervisor) handleCommand(text string) bool {
	if s.state != Online || !s.ready {
		s.log.Debug("command dropped, server not ready", "state", s.state.String())
		return false
	}
	if err := s.child.WriteLine(text); err != nil {
		s.log.Warn("failed to write command", "error", err)
		return false
	}
	metrics.IncCommand(s.opts.Name)
	return true
}

func (s *Supervisor) handleLine(m lineMsg) {
	if m.runID != s.runID {
		return
	}
	for _, ev := range s.classifier.Classify(m.line.Text) {
		switch ev.Kind {
		case scanner.ReadySignal:
			if s.state != Starting {
				s.log.Debug("ready signal ignored", "state", s.state.String())
				continue
			}
			s.setState(Online)
			s.ready = true
			s.restarts = 0
			s.log.Info("server online", "startup", time.Since(s.startedAt).Round(time.Millisecond))
			metrics.ObserveStartup(s.opts.Name, time.Since(s.startedAt).Seconds())
			s.record(history.EventOnline, "")
		case scanner.SubsystemReady:
			if s.state != Starting && s.state != Online {
				continue
			}
			if slices.Contains(s.subsystems, ev.Name) {
				continue
			}
			s.subsystems = append(s.subsystems, ev.Name)
			s.log.Info("subsystem ready", "subsystem", ev.Name)
			s.record(history.EventSubsystem, ev.Name)
		case scanner.ErrorLine:
			s.lastError = ev.Text
			metrics.IncErrorLine(s.opts.Name)
		}
	}
}

func (s *Supervisor) handleExit(m exitMsg) bool {
	if m.runID != s.runID {
		return false
	}
	prev := s.state
	code := m.code
	runID, pid := s.runID, s.pid
	s.cancelDeadline()
	s.lastExit = &code
	s.record(history.EventExit, fmt.Sprintf("exit code %d", code))
	s.clearRun()
	s.setState(Offline)
	if m.err != nil {
		s.log.Warn("wait on server process failed", "error", m.err)
	}

	if s.closing != nil {
		s.log.Info("server stopped for shutdown", "exit_code", code)
		return s.finishClose()
	}

	// follow-up events belong to the run that just ended
	record := func(t history.EventType, msg string) { s.recordRun(runID, pid, t, msg) }
	switch {
	case prev == Stopping:
		metrics.IncStop(s.opts.Name)
		s.log.Info("server stopped", "exit_code", code)
		record(history.EventStop, "")
	case code != 0:
		metrics.IncCrash(s.opts.Name)
		record(history.EventCrash, fmt.Sprintf("exit code %d while %s", code, prev))
		if s.restarts < s.maxRestarts {
			s.restarts++
			s.log.Warn("server exited unexpectedly, scheduling restart",
				"exit_code", code, "attempt", s.restarts, "max", s.maxRestarts, "backoff", s.opts.RestartBackoff)
			record(history.EventRestart, fmt.Sprintf("attempt %d of %d", s.restarts, s.maxRestarts))
			s.armBackoff()
		} else {
			s.log.Error("server exited unexpectedly, restart limit reached",
				"exit_code", code, "restarts", s.restarts)
			record(history.EventGiveUp, fmt.Sprintf("restart limit %d reached", s.maxRestarts))
		}
	default:
		s.restarts = 0
		s.log.Info("server exited", "exit_code", code)
	}
	return false
}

func (s *Supervisor) handleTimer(m timerMsg) {
	switch m.kind {
	case backoffTimer:
		if s.backoff == nil || m.gen != s.backoffGen {
			return
		}
		s.backoff = nil
		metrics.IncRestart(s.opts.Name)
		if err := s.handleStart(context.Background(), true); err != nil {
			s.log.Error("automatic restart failed", "attempt", s.restarts, "error", err)
		}
	case deadlineTimer:
		if s.deadline == nil || m.gen != s.deadlineGen {
			return
		}
		s.deadline = nil
		if s.state != Stopping || s.child == nil {
			return
		}
		s.escalate()
	}
}

// escalate runs when a stop outlives its deadline: SIGTERM first when the
// child supports it, then a kill once KillGrace has passed as well.
func (s *Supervisor) escalate() {
	if !s.terminated {
		s.log.Warn("graceful shutdown timed out", "pid", s.pid, "timeout", s.opts.StopTimeout)
		metrics.IncShutdownTimeout(s.opts.Name)
		s.record(history.EventTimeout, s.opts.StopTimeout.String())
		if t, ok := s.child.(Terminator); ok {
			s.terminated = true
			err := t.Terminate()
			if err == nil {
				s.log.Warn("terminate sent, waiting before kill", "pid", s.pid, "grace", s.opts.KillGrace)
				s.armDeadline(s.opts.KillGrace)
				return
			}
			s.log.Warn("failed to terminate server", "error", err)
		}
	}
	s.log.Warn("killing server", "pid", s.pid)
	if err := s.child.Kill(); err != nil {
		s.log.Error("failed to kill server", "error", err)
	}
}

func (s *Supervisor) handleClose(m closeReq) bool {
	s.closing = append(s.closing, m.reply)
	if len(s.closing) > 1 {
		return false
	}
	s.cancelBackoff()
	switch s.state {
	case Offline:
		return s.finishClose()
	case Starting, Online:
		_ = s.handleStop()
	}
	return false
}

func (s *Supervisor) finishClose() bool {
	s.cancelBackoff()
	s.cancelDeadline()
	s.publish()
	for _, r := range s.closing {
		r <- nil
	}
	return true
}

func (s *Supervisor) setState(next State) {
	prev := s.state
	if prev == next {
		return
	}
	s.state = next
	metrics.RecordStateTransition(s.opts.Name, prev.String(), next.String())
	metrics.SetCurrentState(s.opts.Name, prev.String(), false)
	metrics.SetCurrentState(s.opts.Name, next.String(), true)
	s.log.Debug("state transition", "from", prev.String(), "to", next.String())
}

// clearRun invalidates the process handle and per-run fields.
func (s *Supervisor) clearRun() {
	s.child = nil
	s.pid = 0
	s.runID = ""
	s.startedAt = time.Time{}
	s.ready = false
}

func (s *Supervisor) record(t history.EventType, msg string) {
	s.recordRun(s.runID, s.pid, t, msg)
}

func (s *Supervisor) recordRun(runID string, pid int, t history.EventType, msg string) {
	if s.opts.History == nil {
		return
	}
	var code *int
	if t == history.EventExit || t == history.EventCrash {
		code = s.lastExit
	}
	s.opts.History.Record(history.Event{
		Type:       t,
		OccurredAt: time.Now().UTC(),
		Record: history.Record{
			Name:     s.opts.Name,
			RunID:    runID,
			PID:      pid,
			State:    s.state.String(),
			ExitCode: code,
			Restarts: s.restarts,
			Message:  msg,
		},
	})
}
