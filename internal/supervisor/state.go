package supervisor

import (
	"errors"
	"fmt"
)

// State is the lifecycle state of the supervised server.
//
// Offline -> Starting -> Online -> Stopping -> Offline, plus the direct edges
// Starting -> Offline (spawn failure or early exit) and Online -> Offline
// (unexpected exit).
type State int32

const (
	Offline State = iota
	Starting
	Online
	Stopping
)

func (s State) String() string {
	switch s {
	case Offline:
		return "offline"
	case Starting:
		return "starting"
	case Online:
		return "online"
	case Stopping:
		return "stopping"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *State) UnmarshalText(b []byte) error {
	switch string(b) {
	case "offline":
		*s = Offline
	case "starting":
		*s = Starting
	case "online":
		*s = Online
	case "stopping":
		*s = Stopping
	default:
		return fmt.Errorf("unknown state %q", string(b))
	}
	return nil
}

var (
	// ErrInvalidTransition is returned when an operation is illegal in the current state.
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrSpawnFailure is returned when the child process could not be created.
	ErrSpawnFailure = errors.New("spawn failure")
	// ErrNotProvisioned is returned when the start precondition fails.
	ErrNotProvisioned = errors.New("server not provisioned")
	// ErrClosed is returned once the supervisor has been shut down.
	ErrClosed = errors.New("supervisor closed")
)
