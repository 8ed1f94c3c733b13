// Package enginetest provides an in-process engine that plays the in-guest agent
// against a channel.Channel.
package enginetest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"snapfuzz/internal/channel"
	"snapfuzz/internal/engine"
)

// Agent simulates one execution of the target: it may read the input, write the
// coverage map and returns the status to report. ok=false leaves the status unset.
type Agent func(input []byte, coverage []byte) (status channel.Status, ok bool)

// Call records one engine call in order.
type Call struct {
	Op       string // "load" or "run"
	Snapshot string
	// Status observed in the channel when Run was entered.
	StatusAtRun channel.Status
}

// Engine is a fake engine. Snapshots lists the names LoadSnapshot accepts. Hang makes
// Run block until ctx is done without reporting. RunErr makes Run fail.
type Engine struct {
	Channel   *channel.Channel
	Agent     Agent
	Snapshots []string
	Hang      func(input []byte) bool
	RunErr    error

	mu     sync.Mutex
	calls  []Call
	closed bool
}

func New(ch *channel.Channel, agent Agent, snapshots ...string) *Engine {
	return &Engine{Channel: ch, Agent: agent, Snapshots: snapshots}
}

// Reply returns an agent that always reports s.
func Reply(s channel.Status) Agent {
	return func([]byte, []byte) (channel.Status, bool) { return s, true }
}

// Silent is an agent that never writes a status.
func Silent([]byte, []byte) (channel.Status, bool) { return channel.StatusUnknown, false }

func (e *Engine) LoadSnapshot(ctx context.Context, name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return errors.New("engine closed")
	}
	e.calls = append(e.calls, Call{Op: "load", Snapshot: name})
	for _, s := range e.Snapshots {
		if s == name {
			return nil
		}
	}
	return fmt.Errorf("loadvm %v: %w", name, engine.ErrSnapshotMissing)
}

func (e *Engine) Run(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return errors.New("engine closed")
	}
	e.calls = append(e.calls, Call{Op: "run", StatusAtRun: e.Channel.Status()})
	e.mu.Unlock()

	if e.RunErr != nil {
		return e.RunErr
	}
	input := append([]byte(nil), e.Channel.Input()...)
	if e.Hang != nil && e.Hang(input) {
		<-ctx.Done()
		return ctx.Err()
	}
	if e.Agent != nil {
		if status, ok := e.Agent(input, e.Channel.Coverage()); ok {
			e.Channel.SetStatus(status)
		}
	}
	e.Channel.Complete()
	return nil
}

func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}

// Calls returns a copy of the recorded calls.
func (e *Engine) Calls() []Call {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Call(nil), e.calls...)
}

// Count returns how many calls of op were recorded.
func (e *Engine) Count(op string) int {
	n := 0
	for _, c := range e.Calls() {
		if c.Op == op {
			n++
		}
	}
	return n
}
