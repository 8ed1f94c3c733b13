package events

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Manager is the worker's handle to the event protocol.
//
// Fire hands an event to the broker; ownership of the event passes with it. Process
// drains events forwarded back to the worker and returns how many were handled.
type Manager interface {
	Fire(ctx context.Context, ev Event) error
	Process(ctx context.Context) (int, error)
	Close() error
}

// Sender moves envelopes to a broker running in another process.
type Sender interface {
	Send(ctx context.Context, env Envelope) (Result, error)
	Close() error
}

// LocalManager runs the broker in the worker's process. Used when a single worker
// fuzzes without a launcher.
type LocalManager struct {
	mu     sync.Mutex
	broker *Broker
	client string
	queue  ClientQueue
}

func NewLocalManager(broker *Broker, client string) *LocalManager {
	return &LocalManager{broker: broker, client: client}
}

func (m *LocalManager) Fire(ctx context.Context, ev Event) error {
	m.mu.Lock()
	res := m.broker.Handle(m.client, ev)
	m.mu.Unlock()
	if res == Forward {
		m.queue.Emit(ev)
	}
	return nil
}

func (m *LocalManager) Process(ctx context.Context) (int, error) {
	return m.queue.DrainAndProcess()
}

func (m *LocalManager) Close() error { return nil }

// RemoteManager fires events through a Sender.
type RemoteManager struct {
	sender Sender
	client string
	queue  ClientQueue
	logger *zap.Logger
}

func NewRemoteManager(sender Sender, client string, logger *zap.Logger) *RemoteManager {
	return &RemoteManager{
		sender: sender,
		client: client,
		logger: logger.Named("events").With(zap.String("client", client)),
	}
}

func (m *RemoteManager) Fire(ctx context.Context, ev Event) error {
	env, err := NewEnvelope(m.client, ev)
	if err != nil {
		return err
	}
	res, err := m.sender.Send(ctx, env)
	if err != nil {
		return err
	}
	if res == Forward {
		m.queue.Emit(ev)
	}
	return nil
}

func (m *RemoteManager) Process(ctx context.Context) (int, error) {
	return m.queue.DrainAndProcess()
}

func (m *RemoteManager) Close() error {
	m.logger.Debug("closing event sender")
	return m.sender.Close()
}
