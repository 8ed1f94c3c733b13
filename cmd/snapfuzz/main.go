package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"snapfuzz/config"
	"snapfuzz/internal/fuzz"
	"snapfuzz/pkg/database"
	"snapfuzz/pkg/logger"
	"snapfuzz/pkg/mq"
	"snapfuzz/pkg/telemetry"
	"snapfuzz/pkg/watchdog"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	_ "go.uber.org/automaxprocs"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Covers the launcher's grace window and a worker's final restore.
const stopTimeout = 2 * time.Minute

type RunnerParams struct {
	fx.In

	Lc         fx.Lifecycle
	Shutdowner fx.Shutdowner
	Config     *config.AppConfig
	Logger     *zap.Logger
	DB         *gorm.DB      `optional:"true"`
	Redis      *redis.Client `optional:"true"`
	RabbitMQ   mq.RabbitMQ   `optional:"true"`
	Tracers    *telemetry.TracerFactory
	Watchdogs  *watchdog.WatchDogFactory
}

// Runner runs the configured mode until it ends or the app is stopped.
type Runner struct {
	cfg     *config.AppConfig
	logger  *zap.Logger
	db      *gorm.DB
	redis   *redis.Client
	rmq     mq.RabbitMQ
	tracers *telemetry.TracerFactory
	fac     *watchdog.WatchDogFactory
	runID   string

	done chan struct{}
}

func NewRunner(p RunnerParams) *Runner {
	runID := p.Config.Worker.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	r := &Runner{
		cfg:     p.Config,
		logger:  p.Logger,
		db:      p.DB,
		redis:   p.Redis,
		rmq:     p.RabbitMQ,
		tracers: p.Tracers,
		fac:     p.Watchdogs,
		runID:   runID,
		done:    make(chan struct{}),
	}

	runCtx, cancel := context.WithCancel(context.Background())
	p.Lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				defer close(r.done)
				r.finish(runCtx, p.Shutdowner, r.run(runCtx))
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			cancel()
			select {
			case <-r.done:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	})
	return r
}

func (r *Runner) run(ctx context.Context) error {
	r.logger.Info("starting snapfuzz",
		zap.String("mode", r.cfg.Mode),
		zap.String("run_id", r.runID),
		zap.String("snapshot", r.cfg.Campaign.BaselineSnapshot),
	)
	switch r.cfg.Mode {
	case config.ModeLauncher:
		return r.runLauncher(ctx)
	case config.ModeSingle:
		return r.runSingle(ctx)
	case config.ModeWorker:
		return r.runWorker(ctx)
	}
	return fmt.Errorf("%w: %q", config.ErrInvalidMode, r.cfg.Mode)
}

// finish maps the outcome onto the process exit code. A user stop exits 0.
func (r *Runner) finish(ctx context.Context, shutdowner fx.Shutdowner, err error) {
	if ctx.Err() != nil && (err == nil || errors.Is(err, fuzz.ErrShuttingDown)) {
		fmt.Println("Fuzzing stopped by user. Good bye.")
		return
	}
	code := 0
	if err != nil {
		r.logger.Error("fuzzing failed", zap.Error(err))
		code = 1
	}
	if err := shutdowner.Shutdown(fx.ExitCode(code)); err != nil {
		r.logger.Error("failed to shut down", zap.Error(err))
	}
}

func appOptions() fx.Option {
	return fx.Options(
		fx.Provide(
			config.LoadConfig,           // inject config
			database.NewDBConnection,    // inject db connection
			database.NewRedisClient,     // inject redis client
			logger.NewLogger,            // inject logger
			mq.NewRabbitMQ,              // inject rabbitmq service
			telemetry.NewTelemetry,      // inject telemetry
			telemetry.NewTracerFactory,  // inject telemetry tracer factory
			watchdog.NewWatchDogFactory, // inject watchdog factory
		),
		fx.Invoke(NewRunner),
		fx.StopTimeout(stopTimeout),
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			zlogger := fxevent.ZapLogger{Logger: log}
			zlogger.UseLogLevel(zap.DebugLevel)
			return &zlogger
		}),
	)
}

func main() {
	fx.New(appOptions()).Run()
}
