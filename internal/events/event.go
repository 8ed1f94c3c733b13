// Package events implements the telemetry protocol between fuzzing workers and the
// broker: a closed set of event kinds, their wire encoding, the broker that folds
// them into the statistics view and the managers workers fire events through.
package events

import (
	"fmt"
	"strings"
	"time"
)

type Kind string

const (
	KindNewTestcase Kind = "new_testcase"
	KindUpdateStats Kind = "update_stats"
	KindObjective   Kind = "objective"
	KindLog         Kind = "log"
)

// Event is one of NewTestcase, UpdateStats, Objective or Log. Events are immutable
// values.
type Event interface {
	Kind() Kind
	// Name is the human readable name used on display lines.
	Name() string
	sealed()
}

// NewTestcase reports that the worker's corpus grew.
type NewTestcase struct {
	CorpusSize uint64    `json:"corpus_size"`
	Executions uint64    `json:"executions"`
	Time       time.Time `json:"time"`
}

// UpdateStats is the periodic execution counter report.
type UpdateStats struct {
	Executions uint64    `json:"executions"`
	Time       time.Time `json:"time"`
}

// Objective reports the worker's objective count after a new objective was stored.
type Objective struct {
	ObjectiveSize uint64 `json:"objective_size"`
}

// Log carries a worker diagnostic to the broker.
type Log struct {
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
}

func (NewTestcase) Kind() Kind { return KindNewTestcase }
func (UpdateStats) Kind() Kind { return KindUpdateStats }
func (Objective) Kind() Kind   { return KindObjective }
func (Log) Kind() Kind         { return KindLog }

func (NewTestcase) Name() string { return "New Testcase" }
func (UpdateStats) Name() string { return "Stats" }
func (Objective) Name() string   { return "Objective" }
func (Log) Name() string         { return "Log" }

func (NewTestcase) sealed() {}
func (UpdateStats) sealed() {}
func (Objective) sealed()   {}
func (Log) sealed()         {}

type Severity int

const (
	SeverityDebug Severity = iota
	SeverityInfo
	SeverityWarn
	SeverityError
)

func (s Severity) String() string {
	switch s {
	case SeverityDebug:
		return "Debug"
	case SeverityInfo:
		return "Info"
	case SeverityWarn:
		return "Warn"
	case SeverityError:
		return "Error"
	default:
		return fmt.Sprintf("Severity(%d)", int(s))
	}
}

func (s Severity) MarshalText() ([]byte, error) {
	if s < SeverityDebug || s > SeverityError {
		return nil, fmt.Errorf("invalid severity %d", int(s))
	}
	return []byte(strings.ToLower(s.String())), nil
}

func (s *Severity) UnmarshalText(text []byte) error {
	switch strings.ToLower(string(text)) {
	case "debug":
		*s = SeverityDebug
	case "info":
		*s = SeverityInfo
	case "warn", "warning":
		*s = SeverityWarn
	case "error":
		*s = SeverityError
	default:
		return fmt.Errorf("invalid severity %q", text)
	}
	return nil
}
