// Package harness drives single fuzzing iterations against a snapshotted target:
// it delivers the input, runs the engine, classifies the status reported by the
// in-guest agent and restores the baseline snapshot.
package harness

import (
	"context"
	"errors"
	"fmt"

	"snapfuzz/internal/channel"
	"snapfuzz/internal/engine"

	"go.uber.org/zap"
)

// ErrEngineRun wraps failures of the engine run primitive. The iteration was not
// classified and no reset was performed.
var ErrEngineRun = errors.New("engine run failed")

// DiagnosticHook receives every classification that carries a diagnostic.
type DiagnosticHook func(status channel.Status, c Classification)

// Stats are diagnostic counters of a controller.
type Stats struct {
	Iterations         uint64
	StatusNotSet       uint64
	GuestFaults        uint64
	ProtocolViolations uint64
	ForcedTimeouts     uint64
}

// Controller runs iterations. It is not safe for concurrent use: one worker owns one
// controller, one channel and one engine.
type Controller struct {
	channel *channel.Channel
	engine  engine.Engine
	policy  *ResetPolicy
	logger  *zap.Logger
	hook    DiagnosticHook

	stats Stats
}

func NewController(ch *channel.Channel, eng engine.Engine, policy *ResetPolicy, logger *zap.Logger) *Controller {
	return &Controller{
		channel: ch,
		engine:  eng,
		policy:  policy,
		logger:  logger.Named("controller"),
	}
}

func (c *Controller) SetDiagnosticHook(hook DiagnosticHook) {
	c.hook = hook
}

func (c *Controller) Channel() *channel.Channel { return c.channel }

func (c *Controller) Policy() *ResetPolicy { return c.policy }

func (c *Controller) Stats() Stats { return c.stats }

// RunIteration executes one input and leaves the target at the baseline snapshot.
//
// The steps are strictly ordered: reset the status, deliver the input, run, read and
// classify the status, restore. If the engine run fails the error wraps ErrEngineRun
// and the caller owns the reset.
func (c *Controller) RunIteration(ctx context.Context, input []byte) (Verdict, error) {
	c.stats.Iterations++

	c.channel.ResetStatus()
	c.channel.ClearCoverage()
	c.channel.Deliver(input)

	if err := c.engine.Run(ctx); err != nil {
		return VerdictNormal, fmt.Errorf("%w: %w", ErrEngineRun, err)
	}

	status := c.channel.Status()
	cls := Classify(status)
	c.report(status, cls)

	// restore even when the iteration deadline already passed
	if err := c.policy.Reset(context.WithoutCancel(ctx), cls.Restore); err != nil {
		return cls.Verdict, err
	}
	return cls.Verdict, nil
}

// ForceTimeout classifies an aborted iteration as a timeout and performs the
// standard reset.
func (c *Controller) ForceTimeout(ctx context.Context) (Verdict, error) {
	c.stats.ForcedTimeouts++
	c.logger.Debug("iteration aborted by deadline")
	if err := c.policy.Reset(context.WithoutCancel(ctx), RestoreStandard); err != nil {
		return VerdictTimeout, err
	}
	return VerdictTimeout, nil
}

func (c *Controller) report(status channel.Status, cls Classification) {
	if cls.Diagnostic == "" {
		return
	}
	switch {
	case cls.Violation:
		c.stats.ProtocolViolations++
		c.logger.Error(cls.Diagnostic, zap.Uint32("status", uint32(status)))
	case status == channel.StatusUnknown:
		c.stats.StatusNotSet++
		c.logger.Warn(cls.Diagnostic, zap.Int("input_len", c.channel.Len()))
	case status == channel.StatusGuestFault:
		c.stats.GuestFaults++
		c.logger.Warn(cls.Diagnostic)
	}
	if c.hook != nil {
		c.hook(status, cls)
	}
}
