package launcher

import (
	"context"

	"snapfuzz/internal/events"
)

// Transport carries worker events to the broker loop.
type Transport interface {
	// Start begins accepting events. The channel is closed or abandoned once ctx is done.
	Start(ctx context.Context) (<-chan events.Delivery, error)
	// WorkerEnv is added to every worker's environment so it can reach the broker.
	WorkerEnv() []string
	Close() error
}

type TCPTransport struct {
	Server *events.TCPServer
}

func (t *TCPTransport) Start(ctx context.Context) (<-chan events.Delivery, error) {
	go t.Server.Serve(ctx)
	return t.Server.Deliveries(), nil
}

func (t *TCPTransport) WorkerEnv() []string {
	return []string{"BROKER_ADDR=" + t.Server.Addr().String()}
}

func (t *TCPTransport) Close() error { return t.Server.Close() }

// AMQPTransport consumes the event queue. Workers publish to it through the
// RABBITMQ_URL they inherit.
type AMQPTransport struct {
	Consumer *events.AMQPConsumer
}

func (t *AMQPTransport) Start(ctx context.Context) (<-chan events.Delivery, error) {
	return t.Consumer.Consume(ctx)
}

func (t *AMQPTransport) WorkerEnv() []string { return nil }

func (t *AMQPTransport) Close() error { return nil }
