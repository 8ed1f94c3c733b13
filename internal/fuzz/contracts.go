// Package fuzz runs the fuzzing loop of one worker: it proposes inputs, executes
// them through the harness, judges the results and reports progress as events.
package fuzz

import (
	"context"
	"errors"
	"time"

	"snapfuzz/internal/harness"
)

// ErrShuttingDown is returned by RunClient when the worker stops because its
// context was canceled. It is the only error that signals a benign exit.
var ErrShuttingDown = errors.New("shutting down")

// Proposer produces the next input to execute.
type Proposer interface {
	Propose(ctx context.Context) ([]byte, error)
}

// Executor runs one input and leaves the target at the baseline snapshot.
// harness.TimeoutExecutor is the production implementation.
type Executor interface {
	Execute(ctx context.Context, input []byte) (harness.Verdict, error)
}

// Observation is what the feedback sees of one execution. Coverage is the raw
// coverage region of the channel and is only valid during Observe.
type Observation struct {
	Input    []byte
	Verdict  harness.Verdict
	Coverage []byte
	Elapsed  time.Duration
}

// Retention is the feedback's decision about an input.
type Retention struct {
	// Interesting inputs are added to the corpus.
	Interesting bool
	// Objectives are stored as findings and not added to the corpus.
	Objective bool
}

// Feedback judges executions.
type Feedback interface {
	Observe(ctx context.Context, obs Observation) (Retention, error)
}

// ObjectiveSink persists objectives. crash.ObjectiveStore is the production
// implementation.
type ObjectiveSink interface {
	Store(ctx context.Context, input []byte, verdict harness.Verdict) (isNew bool, count int, err error)
}
