package supervisor

import (
	"io"
	"sync"

	"github.com/loykin/craftvisor/internal/scanner"
)

// watch pumps the child's output into the loop and reports its exit. Wait is
// only called once both streams hit EOF, so every line is delivered before
// the exit message.
func (s *Supervisor) watch(runID string, child Child) {
	var wg sync.WaitGroup
	pump := func(r io.Reader, stream scanner.Stream) {
		defer wg.Done()
		err := scanner.Pump(r, stream, func(l scanner.Line) {
			s.mirror(l)
			s.post(lineMsg{runID: runID, line: l})
		})
		if err != nil {
			s.log.Warn("console stream read failed", "stream", string(stream), "error", err)
		}
	}
	wg.Add(2)
	go pump(child.Stdout(), scanner.Stdout)
	go pump(child.Stderr(), scanner.Stderr)
	wg.Wait()

	code, err := child.Wait()
	s.post(exitMsg{runID: runID, code: code, err: err})
}

// mirror copies a console line to the side channel. It never affects state.
func (s *Supervisor) mirror(l scanner.Line) {
	s.log.Debug(l.Text, "stream", string(l.Stream))
	if s.console == nil {
		return
	}
	prefix := ""
	if l.Stream == scanner.Stderr {
		prefix = "[stderr] "
	}
	_, _ = io.WriteString(s.console, prefix+l.Text+"\n")
}
