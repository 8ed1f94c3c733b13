package fuzz

import (
	"context"
	"fmt"
)

// DefaultFeedback treats crashes and timeouts as objectives and keeps inputs that
// raise the bucketed hit count of any coverage map entry. Without a coverage map
// nothing is kept.
type DefaultFeedback struct {
	history []byte
}

func NewDefaultFeedback() *DefaultFeedback {
	return &DefaultFeedback{}
}

func (f *DefaultFeedback) Observe(ctx context.Context, obs Observation) (Retention, error) {
	if obs.Verdict.IsObjective() {
		return Retention{Objective: true}, nil
	}
	if len(obs.Coverage) == 0 {
		return Retention{}, nil
	}
	if f.history == nil {
		f.history = make([]byte, len(obs.Coverage))
	}
	if len(f.history) != len(obs.Coverage) {
		return Retention{}, fmt.Errorf("coverage map size changed from %d to %d", len(f.history), len(obs.Coverage))
	}

	var r Retention
	for i, hits := range obs.Coverage {
		if hits == 0 {
			continue
		}
		if b := bucket(hits); b > f.history[i] {
			f.history[i] = b
			r.Interesting = true
		}
	}
	return r, nil
}

// Covered returns the number of map entries seen at least once.
func (f *DefaultFeedback) Covered() int {
	n := 0
	for _, b := range f.history {
		if b != 0 {
			n++
		}
	}
	return n
}

// bucket folds hit counts into the classes 1, 2, 3, 4-7, 8-15, 16-31, 32-127, 128+.
func bucket(hits byte) byte {
	switch {
	case hits <= 3:
		return hits
	case hits <= 7:
		return 4
	case hits <= 15:
		return 8
	case hits <= 31:
		return 16
	case hits <= 127:
		return 32
	default:
		return 128
	}
}
