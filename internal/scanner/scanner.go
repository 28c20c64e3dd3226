// Package scanner turns the free-text console output of the game server into
// lifecycle events. Classification is plain ordered substring matching; the
// marker set is data, so a server that changes its wording only needs new
// markers, not a new state machine.
package scanner

import "strings"

// EventKind is the kind of lifecycle event recognised on a console line.
type EventKind int

const (
	// ReadySignal means the server finished initializing and accepts commands.
	ReadySignal EventKind = iota + 1
	// SubsystemReady means a named optional subsystem reported it is enabled.
	SubsystemReady
	// ErrorLine carries a line the server logged at error level.
	ErrorLine
)

func (k EventKind) String() string {
	switch k {
	case ReadySignal:
		return "ready"
	case SubsystemReady:
		return "subsystem_ready"
	case ErrorLine:
		return "error_line"
	default:
		return "unknown"
	}
}

// Event is produced for a matched line. It is consumed once and discarded.
type Event struct {
	Kind EventKind
	Name string // subsystem name, SubsystemReady only
	Text string // the raw line, ErrorLine only
}

// Classifier maps one console line to zero or more events.
// Implementations must be stateless between lines.
type Classifier interface {
	Classify(line string) []Event
}

// ClassifierFunc adapts a function to Classifier.
type ClassifierFunc func(line string) []Event

func (f ClassifierFunc) Classify(line string) []Event { return f(line) }

// SubsystemRule matches a subsystem line: Marker must be present together
// with at least one of Enabled.
type SubsystemRule struct {
	Name    string   `mapstructure:"name" json:"name"`
	Marker  string   `mapstructure:"marker" json:"marker"`
	Enabled []string `mapstructure:"enabled" json:"enabled"`
}

// Markers is the default Classifier. All matching is case-sensitive.
type Markers struct {
	// Ready lists markers that must all appear on one line.
	Ready []string `mapstructure:"ready" json:"ready"`
	// Error lists markers of which any one flags an error line.
	Error      []string        `mapstructure:"error" json:"error"`
	Subsystems []SubsystemRule `mapstructure:"subsystems" json:"subsystems"`
}

// Literal markers of the vanilla/Paper console.
const (
	DoneMarker = "Done ("
	HelpMarker = `For help, type "help"`
)

// DefaultMarkers returns the marker set for a vanilla or Paper server with the
// Geyser bridge and the ViaVersion compatibility layer.
func DefaultMarkers() Markers {
	return Markers{
		Ready: []string{DoneMarker, HelpMarker},
		Error: []string{"/ERROR]", "/FATAL]"},
		Subsystems: []SubsystemRule{
			{Name: "Geyser", Marker: "Geyser", Enabled: []string{"Started Geyser"}},
			{Name: "ViaVersion", Marker: "ViaVersion", Enabled: []string{"Enabling ViaVersion", "ViaVersion is now enabled"}},
		},
	}
}

// Classify implements Classifier. Ready, subsystem and error checks are
// independent, so one line may yield several events.
func (m Markers) Classify(line string) []Event {
	var out []Event
	if len(m.Ready) > 0 && containsAll(line, m.Ready) {
		out = append(out, Event{Kind: ReadySignal})
	}
	for _, r := range m.Subsystems {
		if r.Marker == "" || !strings.Contains(line, r.Marker) {
			continue
		}
		if containsAny(line, r.Enabled) {
			out = append(out, Event{Kind: SubsystemReady, Name: r.Name})
		}
	}
	if containsAny(line, m.Error) {
		out = append(out, Event{Kind: ErrorLine, Text: line})
	}
	return out
}

func containsAll(s string, subs []string) bool {
	for _, sub := range subs {
		if !strings.Contains(s, sub) {
			return false
		}
	}
	return true
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if sub != "" && strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
