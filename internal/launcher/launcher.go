// Package launcher runs the broker and supervises one worker process per core.
package launcher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"snapfuzz/internal/events"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const DefaultGrace = 10 * time.Second

// Worker environment.
const (
	EnvMode     = "MODE"
	EnvCoreID   = "SNAPFUZZ_CORE_ID"
	EnvClientID = "SNAPFUZZ_CLIENT_ID"
	EnvRunID    = "SNAPFUZZ_RUN_ID"
)

var ErrAllWorkersExited = errors.New("all workers exited")

type Config struct {
	Cores      []int
	RunID      string
	StdoutFile string

	// Binary defaults to the running executable.
	Binary string
	Args   []string
	Env    []string
	Grace  time.Duration
}

type Launcher struct {
	cfg       Config
	broker    *events.Broker
	transport Transport
	logger    *zap.Logger
}

func New(cfg Config, broker *events.Broker, transport Transport, logger *zap.Logger) *Launcher {
	if cfg.Grace <= 0 {
		cfg.Grace = DefaultGrace
	}
	return &Launcher{cfg: cfg, broker: broker, transport: transport, logger: logger.Named("launcher")}
}

// ClientID names the worker on core.
func ClientID(core int) string {
	return "client-" + strconv.Itoa(core)
}

// Launch serves the broker and blocks until every worker has exited. Cancelling
// ctx interrupts the workers; the broker keeps serving until they are gone so
// their final events still arrive. A worker dying on its own is logged and the
// rest keep running.
func (l *Launcher) Launch(ctx context.Context) error {
	if len(l.cfg.Cores) == 0 {
		return errors.New("no cores to launch workers on")
	}
	binary := l.cfg.Binary
	if binary == "" {
		exe, err := os.Executable()
		if err != nil {
			return fmt.Errorf("failed to locate executable: %w", err)
		}
		binary = exe
	}

	out, err := os.OpenFile(l.cfg.StdoutFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open worker output: %w", err)
	}
	defer out.Close()

	brokerCtx, stopBroker := context.WithCancel(context.WithoutCancel(ctx))
	defer stopBroker()
	deliveries, err := l.transport.Start(brokerCtx)
	if err != nil {
		return fmt.Errorf("failed to start broker transport: %w", err)
	}
	defer l.transport.Close()

	brokerDone := make(chan error, 1)
	go func() {
		brokerDone <- l.broker.Run(brokerCtx, deliveries)
	}()

	l.logger.Info("launching workers",
		zap.Ints("cores", l.cfg.Cores),
		zap.String("run_id", l.cfg.RunID),
		zap.String("binary", binary),
		zap.String("stdout", l.cfg.StdoutFile),
	)

	var g errgroup.Group
	for _, core := range l.cfg.Cores {
		inst := &WorkerInstance{
			Name:   ClientID(core),
			CoreID: core,
			Binary: binary,
			Args:   l.cfg.Args,
			Env:    l.workerEnv(core),
			Output: out,
			Grace:  l.cfg.Grace,
			logger: l.logger,
		}
		g.Go(func() error {
			err := inst.Run(ctx)
			if err != nil {
				l.logger.Error("worker exited", zap.String("worker", inst.Name), zap.Error(err))
			} else {
				l.logger.Info("worker stopped", zap.String("worker", inst.Name))
			}
			return err
		})
	}
	werr := g.Wait()

	stopBroker()
	if err := <-brokerDone; err != nil {
		l.logger.Error("broker failed", zap.Error(err))
	}

	if ctx.Err() != nil {
		return nil
	}
	if werr != nil {
		return fmt.Errorf("%w: %w", ErrAllWorkersExited, werr)
	}
	return ErrAllWorkersExited
}

func (l *Launcher) workerEnv(core int) []string {
	env := []string{
		EnvMode + "=worker",
		EnvCoreID + "=" + strconv.Itoa(core),
		EnvClientID + "=" + ClientID(core),
		EnvRunID + "=" + l.cfg.RunID,
	}
	env = append(env, l.transport.WorkerEnv()...)
	return append(env, l.cfg.Env...)
}
