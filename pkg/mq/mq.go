package mq

import (
	"context"
	"errors"
	"sync"

	"snapfuzz/config"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// RabbitMQ hands out AMQP channels. GetChannel returns nil when the broker cannot
// be reached.
type RabbitMQ interface {
	GetChannel() *amqp.Channel
}

// rabbitMQ keeps one connection per process: a worker publishes on it and the
// launcher consumes on it. A dropped connection is dialed again on the next
// GetChannel.
type rabbitMQ struct {
	url    string
	logger *zap.Logger

	mu      sync.Mutex
	conn    *amqp.Connection
	stopped bool
}

type RabbitMQParams struct {
	fx.In

	Config    *config.AppConfig
	Logger    *zap.Logger
	Lifecycle fx.Lifecycle
}

// NewRabbitMQ returns nil when RABBITMQ_URL is unset; events then travel over TCP.
func NewRabbitMQ(p RabbitMQParams) RabbitMQ {
	if p.Config.RabbitMQURL == "" {
		return nil
	}
	svc := &rabbitMQ{
		url:    p.Config.RabbitMQURL,
		logger: p.Logger.Named("mq"),
	}
	p.Lifecycle.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			svc.mu.Lock()
			defer svc.mu.Unlock()
			_, err := svc.connection()
			return err
		},
		OnStop: func(ctx context.Context) error {
			return svc.close()
		},
	})
	return svc
}

// connection returns the live connection, dialing when there is none. Callers
// hold mu.
func (r *rabbitMQ) connection() (*amqp.Connection, error) {
	if r.stopped {
		return nil, errors.New("rabbitmq connection is closed")
	}
	if r.conn != nil && !r.conn.IsClosed() {
		return r.conn, nil
	}
	r.logger.Debug("dialing rabbitmq")
	conn, err := amqp.Dial(r.url)
	if err != nil {
		r.logger.Error("Failed to connect to RabbitMQ", zap.Error(err))
		return nil, err
	}
	go r.watch(conn)
	r.conn = conn
	return conn, nil
}

func (r *rabbitMQ) watch(conn *amqp.Connection) {
	if err, ok := <-conn.NotifyClose(make(chan *amqp.Error, 1)); ok {
		r.logger.Error("RabbitMQ connection closed", zap.Error(err))
	}
}

func (r *rabbitMQ) GetChannel() *amqp.Channel {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, err := r.connection()
	if err != nil {
		return nil
	}
	ch, err := conn.Channel()
	if err != nil {
		r.logger.Error("Failed to create RabbitMQ channel", zap.Error(err))
		return nil
	}
	return ch
}

func (r *rabbitMQ) close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = true
	if r.conn == nil || r.conn.IsClosed() {
		return nil
	}
	return r.conn.Close()
}
