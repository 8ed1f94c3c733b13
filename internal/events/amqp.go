package events

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"snapfuzz/pkg/mq"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const EventQueueName = "snapfuzz_events"

func declareEventQueue(ch *amqp.Channel, name string) error {
	_, err := ch.QueueDeclare(
		name,
		false, // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare queue %v: %w", name, err)
	}
	return nil
}

// AMQPSender publishes events to the broker queue. Publishing does not wait for the
// broker, so every event is reported as Handled.
type AMQPSender struct {
	mu    sync.Mutex
	ch    *amqp.Channel
	queue string
}

func NewAMQPSender(rmq mq.RabbitMQ, queue string) (*AMQPSender, error) {
	ch := rmq.GetChannel()
	if ch == nil {
		return nil, errors.New("failed to get RabbitMQ channel")
	}
	if err := declareEventQueue(ch, queue); err != nil {
		ch.Close()
		return nil, err
	}
	return &AMQPSender{ch: ch, queue: queue}, nil
}

func (s *AMQPSender) Send(ctx context.Context, env Envelope) (Result, error) {
	body, err := Encode(env)
	if err != nil {
		return Handled, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	err = s.ch.PublishWithContext(ctx,
		"",
		s.queue,
		false,
		false,
		amqp.Publishing{
			ContentType: "application/json",
			Body:        body,
		},
	)
	if err != nil {
		return Handled, fmt.Errorf("failed to publish %v event: %w", env.Kind, err)
	}
	return Handled, nil
}

func (s *AMQPSender) Close() error {
	return s.ch.Close()
}

// AMQPConsumer reads the broker queue and feeds deliveries to the broker loop.
type AMQPConsumer struct {
	rmq    mq.RabbitMQ
	queue  string
	logger *zap.Logger
}

func NewAMQPConsumer(rmq mq.RabbitMQ, queue string, logger *zap.Logger) *AMQPConsumer {
	return &AMQPConsumer{rmq: rmq, queue: queue, logger: logger.Named("amqp_broker")}
}

// Consume starts consuming and returns the delivery channel. The channel is closed
// when ctx is done or the AMQP channel goes away.
func (c *AMQPConsumer) Consume(ctx context.Context) (<-chan Delivery, error) {
	ch := c.rmq.GetChannel()
	if ch == nil {
		return nil, errors.New("failed to get RabbitMQ channel")
	}
	if err := declareEventQueue(ch, c.queue); err != nil {
		ch.Close()
		return nil, err
	}
	msgs, err := ch.Consume(
		c.queue,
		"",    // consumer
		true,  // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,   // args
	)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to register consumer: %w", err)
	}
	c.logger.Info("waiting for events", zap.String("queue", c.queue))

	out := make(chan Delivery)
	go func() {
		defer close(out)
		defer ch.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					c.logger.Error("event channel closed")
					return
				}
				// an unknown kind still reaches the broker, which reports the sender
				env, _, err := Unmarshal(msg.Body)
				if errors.Is(err, ErrMalformedEnvelope) {
					c.logger.Error("dropping malformed event", zap.Error(err), zap.ByteString("body", msg.Body))
					continue
				}
				select {
				case out <- Delivery{Envelope: env}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
