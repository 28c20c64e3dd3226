package supervisor

import "time"

// Timers fire by posting a message tagged with their generation. Cancelling
// bumps the generation, so an expiry already queued in the loop is ignored.

func (s *Supervisor) armBackoff() {
	s.cancelBackoff()
	gen := s.backoffGen
	s.backoff = time.AfterFunc(s.opts.RestartBackoff, func() {
		s.post(timerMsg{kind: backoffTimer, gen: gen})
	})
}

func (s *Supervisor) cancelBackoff() {
	if s.backoff != nil {
		s.backoff.Stop()
		s.backoff = nil
	}
	s.backoffGen++
}

func (s *Supervisor) armDeadline(d time.Duration) {
	s.cancelDeadline()
	gen := s.deadlineGen
	s.deadline = time.AfterFunc(d, func() {
		s.post(timerMsg{kind: deadlineTimer, gen: gen})
	})
}

func (s *Supervisor) cancelDeadline() {
	if s.deadline != nil {
		s.deadline.Stop()
		s.deadline = nil
	}
	s.deadlineGen++
}
