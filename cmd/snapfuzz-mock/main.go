package main

// mock fuzzing workers against a running broker

import (
	"context"
	"flag"
	"fmt"
	"math/rand/v2"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"snapfuzz/config"
	"snapfuzz/internal/events"
	"snapfuzz/pkg/logger"
	"snapfuzz/pkg/mq"
	"snapfuzz/pkg/telemetry"

	"go.opentelemetry.io/otel/codes"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type mockOptions struct {
	brokerAddr string
	clients    int
	events     int
	interval   time.Duration
}

type mockApp struct {
	opts         mockOptions
	rabbitMQ     mq.RabbitMQ
	logger       *zap.Logger
	traceFactory *telemetry.TracerFactory
	shutdowner   fx.Shutdowner
}

type mockParams struct {
	fx.In
	Options      mockOptions
	RabbitMQ     mq.RabbitMQ `optional:"true"`
	Logger       *zap.Logger
	TraceFactory *telemetry.TracerFactory
	Shutdowner   fx.Shutdowner
}

func newMockApp(p mockParams) *mockApp {
	return &mockApp{
		opts:         p.Options,
		rabbitMQ:     p.RabbitMQ,
		logger:       p.Logger,
		traceFactory: p.TraceFactory,
		shutdowner:   p.Shutdowner,
	}
}

func (m *mockApp) newSender(ctx context.Context) (events.Sender, error) {
	if m.rabbitMQ != nil {
		return events.NewAMQPSender(m.rabbitMQ, events.EventQueueName)
	}
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return events.DialTCPSender(dialCtx, m.opts.brokerAddr)
}

// simulate fires a plausible event stream for one client.
func (m *mockApp) simulate(ctx context.Context, client string) error {
	sender, err := m.newSender(ctx)
	if err != nil {
		return err
	}
	mgr := events.NewRemoteManager(sender, client, m.logger)
	defer mgr.Close()

	var execs, corpus, objectives uint64
	ticker := time.NewTicker(m.opts.interval)
	defer ticker.Stop()
	for range m.opts.events {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		execs += 100 + rand.Uint64N(900)

		var ev events.Event
		switch n := rand.IntN(20); {
		case n == 0:
			objectives++
			ev = events.Objective{ObjectiveSize: objectives}
		case n == 1:
			ev = events.Log{Severity: events.SeverityWarn, Message: "status not set (status unknown)"}
		case n < 7:
			corpus++
			ev = events.NewTestcase{CorpusSize: corpus, Executions: execs, Time: time.Now()}
		default:
			ev = events.UpdateStats{Executions: execs, Time: time.Now()}
		}
		if err := mgr.Fire(ctx, ev); err != nil {
			return fmt.Errorf("%s: %w", client, err)
		}
	}
	m.logger.Info("mock client done",
		zap.String("client", client),
		zap.Uint64("executions", execs),
		zap.Uint64("corpus", corpus),
		zap.Uint64("objectives", objectives),
	)
	return nil
}

func (m *mockApp) run() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tracer := m.traceFactory.NewTracer(ctx, "mock")
	tracer.Start()
	defer tracer.End()

	g, gctx := errgroup.WithContext(ctx)
	for i := range m.opts.clients {
		client := "mock-" + strconv.Itoa(i)
		g.Go(func() error {
			return m.simulate(gctx, client)
		})
	}
	if err := g.Wait(); err != nil {
		m.logger.Error("mock failed", zap.Error(err))
		tracer.SetStatus(codes.Error, err.Error())
		m.shutdowner.Shutdown(fx.ExitCode(1))
		return
	}
	m.logger.Info("successfully sent mock events", zap.Int("clients", m.opts.clients))
	m.shutdowner.Shutdown()
}

func main() {
	// Parse command line flags
	help := flag.Bool("help", false, "Show help message")
	brokerAddr := flag.String("broker", "127.0.0.1:1337", "TCP broker address")
	amqpURL := flag.String("amqp", "", "RabbitMQ URL, overrides -broker")
	clients := flag.Int("clients", 2, "number of mock clients")
	count := flag.Int("events", 50, "events per client")
	interval := flag.Duration("interval", 200*time.Millisecond, "delay between events")
	flag.Parse()

	if *help {
		fmt.Println("Usage: mock [options]")
		fmt.Println("\nOptions:")
		flag.PrintDefaults()
		os.Exit(0)
	}

	app := fx.New(
		fx.Supply(
			&config.AppConfig{
				RabbitMQURL:  *amqpURL,
				OtelEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
				LogLevel:     "info",
				ServiceName:  "snapfuzz-mock",
				Mode:         "mock",
			},
			mockOptions{
				brokerAddr: *brokerAddr,
				clients:    *clients,
				events:     *count,
				interval:   *interval,
			},
		),
		fx.Provide(
			telemetry.NewTelemetry,
			logger.NewLogger,
			telemetry.NewTracerFactory,
			mq.NewRabbitMQ,
			newMockApp,
		),
		fx.Invoke(func(lc fx.Lifecycle, mock *mockApp) {
			lc.Append(fx.Hook{
				OnStart: func(context.Context) error {
					go mock.run()
					return nil
				},
			})
		}),
	)

	app.Run()
}
