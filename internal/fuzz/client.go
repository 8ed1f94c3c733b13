package fuzz

import (
	"context"
	"errors"
	"fmt"
	"time"

	"snapfuzz/internal/channel"
	"snapfuzz/internal/corpus"
	"snapfuzz/internal/dict"
	"snapfuzz/internal/events"
	"snapfuzz/internal/harness"
	"snapfuzz/internal/mutator"
	"snapfuzz/pkg/telemetry"

	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

const (
	importEvery       = 256
	importBatch       = 16
	finalEventTimeout = 2 * time.Second
)

// State survives restarts of the fuzzing loop inside one worker.
type State struct {
	Corpus     *corpus.Corpus
	Tokens     *dict.Tokens
	Executions uint64
	Objectives int
}

func NewState() *State {
	return &State{Corpus: corpus.New()}
}

type ClientParams struct {
	ClientID      string
	CorpusDirs    []string
	TokensFile    string
	MaxInputSize  int
	StatsInterval time.Duration

	Controller *harness.Controller
	Executor   Executor
	Objectives ObjectiveSink
	Importer   *corpus.Importer // optional

	// Nil selects the default havoc proposer and coverage feedback.
	Proposer Proposer
	Feedback Feedback

	Tracer telemetry.Tracer
	Logger *zap.Logger
}

// Client is one worker's fuzzing loop.
type Client struct {
	p      ClientParams
	logger *zap.Logger
	tracer telemetry.Tracer
	now    func() time.Time
}

func NewClient(p ClientParams) *Client {
	tracer := p.Tracer
	if tracer == nil {
		tracer = &telemetry.DummyTracer{}
	}
	if p.Feedback == nil {
		p.Feedback = NewDefaultFeedback()
	}
	return &Client{
		p:      p,
		logger: p.Logger.Named("fuzz").With(zap.String("client", p.ClientID)),
		tracer: tracer,
		now:    time.Now,
	}
}

// RunClient fuzzes until ctx is canceled or a fatal error occurs. prior carries the
// state of a previous run on this worker and may be nil. On cancellation the target
// is restored once more and ErrShuttingDown is returned.
func (c *Client) RunClient(ctx context.Context, prior *State, mgr events.Manager, coreID int) error {
	state := prior
	if state == nil {
		state = NewState()
	}
	c.logger.Info("starting client", zap.Int("core", coreID), zap.Int("corpus", state.Corpus.Len()))
	c.tracer.WithAttributes(telemetry.EmptySpanAttributes().
		WithClient(c.p.ClientID).
		WithCore(coreID).
		WithSnapshot(c.p.Controller.Policy().Baseline()))
	c.tracer.Start()
	defer c.tracer.End()

	err := c.run(ctx, state, mgr)

	c.tracer.WithAttributes(telemetry.EmptySpanAttributes().
		WithCorpusSize(state.Corpus.Len()).
		WithObjectives(state.Objectives).
		WithExecutions(int64(state.Executions)))

	if ctx.Err() != nil && (err == nil || errors.Is(err, ctx.Err())) {
		c.shutdown(ctx, state, mgr)
		c.tracer.SetStatus(codes.Ok, "stopped")
		return ErrShuttingDown
	}
	c.tracer.SetStatus(codes.Error, err.Error())
	return err
}

func (c *Client) run(ctx context.Context, state *State, mgr events.Manager) error {
	if err := c.loadTokens(state); err != nil {
		return err
	}

	c.p.Controller.SetDiagnosticHook(func(status channel.Status, cls harness.Classification) {
		sev := events.SeverityWarn
		if cls.Violation {
			sev = events.SeverityError
		}
		msg := fmt.Sprintf("%s (status %v)", cls.Diagnostic, status)
		if err := mgr.Fire(ctx, events.Log{Severity: sev, Message: msg}); err != nil {
			c.logger.Debug("failed to fire log event", zap.Error(err))
		}
	})
	defer c.p.Controller.SetDiagnosticHook(nil)

	if err := c.p.Controller.Policy().Prime(ctx); err != nil {
		return err
	}

	if state.Corpus.Len() == 0 {
		if err := c.loadSeeds(ctx, state, mgr); err != nil {
			return err
		}
	}

	proposer := c.p.Proposer
	if proposer == nil {
		proposer = mutator.NewHavoc(state.Corpus, state.Tokens, c.p.MaxInputSize, uint64(c.now().UnixNano()))
	}

	lastStats := c.now()
	for iter := uint64(1); ; iter++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		input, err := proposer.Propose(ctx)
		if err != nil {
			return fmt.Errorf("failed to propose input: %w", err)
		}
		if err := c.evaluate(ctx, state, mgr, input, corpus.SourceFuzz); err != nil {
			return err
		}
		if _, err := mgr.Process(ctx); err != nil {
			return fmt.Errorf("failed to process events: %w", err)
		}
		if c.p.Importer != nil && iter%importEvery == 0 {
			if err := c.importSeeds(ctx, state, mgr); err != nil {
				return err
			}
		}
		if now := c.now(); now.Sub(lastStats) >= c.p.StatsInterval {
			lastStats = now
			c.fire(ctx, mgr, events.UpdateStats{Executions: state.Executions, Time: now})
		}
	}
}

func (c *Client) loadTokens(state *State) error {
	if state.Tokens != nil || c.p.TokensFile == "" {
		return nil
	}
	tokens, err := dict.Load(c.p.TokensFile)
	if err != nil {
		return err
	}
	state.Tokens = tokens
	c.logger.Info("loaded tokens", zap.Int("tokens", tokens.Len()), zap.String("file", c.p.TokensFile))
	return nil
}

func (c *Client) loadSeeds(ctx context.Context, state *State, mgr events.Manager) error {
	seeds, err := corpus.LoadDirs(c.p.CorpusDirs...)
	if err != nil {
		return err
	}
	for _, seed := range seeds {
		if err := c.evaluate(ctx, state, mgr, seed.Data, corpus.SourceSeed); err != nil {
			return err
		}
	}
	c.logger.Info("loaded initial corpus",
		zap.Int("seeds", len(seeds)),
		zap.Int("corpus", state.Corpus.Len()),
		zap.Strings("dirs", c.p.CorpusDirs),
	)
	return nil
}

func (c *Client) importSeeds(ctx context.Context, state *State, mgr events.Manager) error {
	for _, seed := range c.p.Importer.Poll(importBatch) {
		c.logger.Debug("importing seed", zap.String("path", seed.Path))
		if err := c.evaluate(ctx, state, mgr, seed.Data, corpus.SourceImport); err != nil {
			return err
		}
	}
	return nil
}

// evaluate executes one input and applies the feedback's decision. Seeds and
// imports enter the corpus regardless of feedback unless they are objectives.
func (c *Client) evaluate(ctx context.Context, state *State, mgr events.Manager, input []byte, source string) error {
	if len(input) > c.p.MaxInputSize {
		input = input[:c.p.MaxInputSize]
	}
	start := c.now()
	verdict, err := c.p.Executor.Execute(ctx, input)
	if err != nil {
		return err
	}
	state.Executions++

	ret, err := c.p.Feedback.Observe(ctx, Observation{
		Input:    input,
		Verdict:  verdict,
		Coverage: c.p.Controller.Channel().Coverage(),
		Elapsed:  c.now().Sub(start),
	})
	if err != nil {
		return fmt.Errorf("feedback failed: %w", err)
	}

	if ret.Objective {
		isNew, count, err := c.p.Objectives.Store(ctx, input, verdict)
		if err != nil {
			return err
		}
		if isNew {
			state.Objectives = count
			c.fire(ctx, mgr, events.Objective{ObjectiveSize: uint64(count)})
		}
		return nil
	}

	if ret.Interesting || source != corpus.SourceFuzz {
		if state.Corpus.Add(input, source) {
			c.fire(ctx, mgr, events.NewTestcase{
				CorpusSize: uint64(state.Corpus.Len()),
				Executions: state.Executions,
				Time:       c.now(),
			})
		}
	}
	return nil
}

// fire reports an event. The broker being unreachable does not stop fuzzing.
func (c *Client) fire(ctx context.Context, mgr events.Manager, ev events.Event) {
	if err := mgr.Fire(ctx, ev); err != nil && ctx.Err() == nil {
		c.logger.Warn("failed to fire event", zap.String("event", ev.Name()), zap.Error(err))
	}
}

func (c *Client) shutdown(ctx context.Context, state *State, mgr events.Manager) {
	c.logger.Info("stopping client",
		zap.Uint64("executions", state.Executions),
		zap.Int("corpus", state.Corpus.Len()),
		zap.Int("objectives", state.Objectives),
	)
	if err := c.p.Controller.Policy().Reset(context.WithoutCancel(ctx), harness.RestoreStandard); err != nil {
		c.logger.Error("final reset failed", zap.Error(err))
	}
	evCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalEventTimeout)
	defer cancel()
	c.fire(evCtx, mgr, events.UpdateStats{Executions: state.Executions, Time: c.now()})
}
