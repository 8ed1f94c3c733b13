package events

import (
	"context"
	"errors"
	"time"

	"snapfuzz/internal/monitor"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Result tells the sender what the broker did with an event.
type Result int

const (
	// Handled events are fully consumed by the broker.
	Handled Result = iota
	// Forward events are sent back to the workers.
	Forward
)

func (r Result) String() string {
	if r == Forward {
		return "forward"
	}
	return "handled"
}

// Delivery is an event received by a transport. Reply, when set, receives the
// broker's result.
type Delivery struct {
	Envelope Envelope
	Reply    chan<- Result
}

const DefaultStaleAfter = time.Minute

// Broker folds worker events into the statistics view. All methods must be called
// from a single goroutine; Run provides that loop for remote transports.
type Broker struct {
	view       *monitor.StatsView
	monitor    monitor.Monitor
	logger     *zap.Logger
	staleAfter time.Duration
	relayLogs  bool

	violations uint64
}

func NewBroker(mon monitor.Monitor, logger *zap.Logger) *Broker {
	return &Broker{
		view:       monitor.NewStatsView(),
		monitor:    mon,
		logger:     logger.Named("broker"),
		staleAfter: DefaultStaleAfter,
		relayLogs:  true,
	}
}

// SetStaleAfter sets how long a worker may stay silent before it is shown as idle.
func (b *Broker) SetStaleAfter(d time.Duration) {
	b.staleAfter = d
}

// SetLogRelay controls whether Log events are written to the broker's logger. A
// broker that shares its logger with the only worker turns it off, since the worker
// logged the message already.
func (b *Broker) SetLogRelay(on bool) {
	b.relayLogs = on
}

func (b *Broker) View() *monitor.StatsView { return b.view }

// Violations returns the number of protocol violations seen.
func (b *Broker) Violations() uint64 { return b.violations }

// Handle applies one event from client to the statistics view.
func (b *Broker) Handle(client string, ev Event) Result {
	switch e := ev.(type) {
	case NewTestcase:
		c := b.view.Client(client)
		c.UpdateCorpusSize(e.CorpusSize)
		c.UpdateExecutions(e.Executions, e.Time)
		b.display(e.Name(), client)
		return Handled
	case UpdateStats:
		c := b.view.Client(client)
		c.UpdateExecutions(e.Executions, e.Time)
		b.display(e.Name(), client)
		return Handled
	case Objective:
		c := b.view.Client(client)
		c.UpdateObjectiveSize(e.ObjectiveSize)
		b.display(e.Name(), client)
		return Handled
	case Log:
		b.view.Client(client)
		if !b.relayLogs {
			return Handled
		}
		b.logger.Log(severityLevel(e.Severity), e.Message,
			zap.String("client", client),
			zap.Stringer("severity", e.Severity))
		return Handled
	default:
		b.violation(client, "unknown event type", zap.Any("event", ev))
		return Handled
	}
}

// HandleEnvelope decodes and handles a wire event. Undecodable events are protocol
// violations: they are logged and counted, never forwarded.
func (b *Broker) HandleEnvelope(env Envelope) Result {
	ev, err := env.Event()
	if err != nil {
		if errors.Is(err, ErrUnknownEvent) {
			b.violation(env.Client, "unknown event kind", zap.String("kind", string(env.Kind)))
		} else {
			b.violation(env.Client, "malformed event", zap.Error(err))
		}
		return Handled
	}
	return b.Handle(env.Client, ev)
}

func (b *Broker) violation(client, msg string, fields ...zap.Field) {
	b.violations++
	b.logger.Error(msg, append(fields, zap.String("client", client))...)
}

func (b *Broker) display(event, client string) {
	if b.monitor != nil {
		b.monitor.Display(event, client, b.view)
	}
}

// Sweep marks workers that went silent as idle.
func (b *Broker) Sweep() {
	for _, client := range b.view.MarkIdle(b.staleAfter) {
		b.logger.Warn("client stopped reporting", zap.String("client", client), zap.Duration("after", b.staleAfter))
		b.display("Client Idle", client)
	}
}

// Run handles deliveries one at a time until ctx is done or deliveries is closed.
func (b *Broker) Run(ctx context.Context, deliveries <-chan Delivery) error {
	interval := b.staleAfter / 2
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	b.logger.Info("broker started")
	for {
		select {
		case <-ctx.Done():
			b.logger.Info("broker stopped", zap.Int("clients", b.view.Len()))
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return nil
			}
			res := b.HandleEnvelope(d.Envelope)
			if d.Reply != nil {
				d.Reply <- res
			}
		case <-ticker.C:
			b.Sweep()
		}
	}
}

func severityLevel(s Severity) zapcore.Level {
	switch s {
	case SeverityDebug:
		return zapcore.DebugLevel
	case SeverityWarn:
		return zapcore.WarnLevel
	case SeverityError:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}
