package main

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"snapfuzz/internal/channel"
	"snapfuzz/internal/corpus"
	"snapfuzz/internal/cpuset"
	"snapfuzz/internal/crash"
	"snapfuzz/internal/engine/qemu"
	"snapfuzz/internal/events"
	"snapfuzz/internal/fuzz"
	"snapfuzz/internal/harness"
	"snapfuzz/internal/launcher"
	"snapfuzz/pkg/telemetry"

	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

const brokerDialTimeout = time.Minute

func (r *Runner) runLauncher(ctx context.Context) error {
	tracer := r.tracers.NewTracer(ctx, "campaign")
	tracer.WithAttributes(telemetry.EmptySpanAttributes().
		WithSnapshot(r.cfg.Campaign.BaselineSnapshot).
		WithExtraAttribute("snapfuzz.run_id", r.runID))
	tracer.Start()
	defer tracer.End()

	broker, stop, err := r.newBroker()
	if err != nil {
		return err
	}
	defer stop()

	transport, err := r.newTransport()
	if err != nil {
		return err
	}

	var env []string
	if exported := tracer.Export(); exported != "" {
		env = append(env, "SNAPFUZZ_TRACE="+exported)
	}
	l := launcher.New(launcher.Config{
		Cores:      r.cfg.Campaign.Cores,
		RunID:      r.runID,
		StdoutFile: r.cfg.Campaign.StdoutFile,
		Env:        env,
	}, broker, transport, r.logger)

	err = l.Launch(ctx)
	if err != nil {
		tracer.SetStatus(codes.Error, err.Error())
		return err
	}
	tracer.SetStatus(codes.Ok, "stopped")
	return nil
}

func (r *Runner) newTransport() (launcher.Transport, error) {
	if r.rmq != nil {
		return &launcher.AMQPTransport{
			Consumer: events.NewAMQPConsumer(r.rmq, events.EventQueueName, r.logger),
		}, nil
	}
	server, err := events.NewTCPServer(fmt.Sprintf("127.0.0.1:%d", r.cfg.Campaign.BrokerPort), r.logger)
	if err != nil {
		return nil, err
	}
	return &launcher.TCPTransport{Server: server}, nil
}

// runSingle fuzzes in process on the first configured core with a local broker.
func (r *Runner) runSingle(ctx context.Context) error {
	broker, stop, err := r.newBroker()
	if err != nil {
		return err
	}
	defer stop()
	broker.SetLogRelay(false)

	core := r.cfg.Campaign.Cores[0]
	clientID := launcher.ClientID(core)
	mgr := events.NewLocalManager(broker, clientID)
	defer mgr.Close()
	return r.runClient(ctx, mgr, core, clientID)
}

func (r *Runner) runWorker(ctx context.Context) error {
	w := r.cfg.Worker
	if w.ClientID == "" {
		return errors.New("worker mode needs SNAPFUZZ_CLIENT_ID, start it through the launcher")
	}

	var sender events.Sender
	if r.rmq != nil {
		s, err := events.NewAMQPSender(r.rmq, events.EventQueueName)
		if err != nil {
			return err
		}
		sender = s
	} else {
		dialCtx, cancel := context.WithTimeout(ctx, brokerDialTimeout)
		s, err := events.DialTCPSender(dialCtx, w.BrokerAddr)
		cancel()
		if err != nil {
			return err
		}
		sender = s
	}
	mgr := events.NewRemoteManager(sender, w.ClientID, r.logger)
	defer mgr.Close()
	return r.runClient(ctx, mgr, w.CoreID, w.ClientID)
}

// runClient builds the execution stack of one worker and runs its fuzzing loop.
func (r *Runner) runClient(ctx context.Context, mgr events.Manager, core int, clientID string) error {
	c := r.cfg.Campaign
	logger := r.logger.With(zap.Int("core", core))

	if err := cpuset.PinSelf(core); err != nil {
		logger.Warn("failed to pin worker", zap.Error(err))
	}

	ch, err := channel.NewShared(channel.Layout{Capacity: c.MaxInputSize, CoverageSize: c.CoverageMapSize})
	if err != nil {
		return err
	}
	defer ch.Close()

	eng, err := qemu.New(ctx, r.engineConfig(core, clientID), ch, logger)
	if err != nil {
		return err
	}
	defer eng.Close()

	policy := harness.NewResetPolicy(eng, c.BaselineSnapshot, logger)
	ctrl := harness.NewController(ch, eng, policy, logger)

	tracer := r.tracers.NewTracerSpawnedFrom(ctx, r.cfg.Worker.Trace, "client")
	store, err := crash.NewObjectiveStore(crash.StoreParams{
		Dir:      c.ObjectiveDir,
		RunID:    r.runID,
		Client:   clientID,
		Snapshot: c.BaselineSnapshot,
		DB:       r.db,
		Tracer:   tracer,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	importer, err := corpus.NewImporter(ctx, r.fac, c.CorpusDirs, logger)
	if err != nil {
		return err
	}

	client := fuzz.NewClient(fuzz.ClientParams{
		ClientID:      clientID,
		CorpusDirs:    c.CorpusDirs,
		TokensFile:    c.TokensFile,
		MaxInputSize:  c.MaxInputSize,
		StatsInterval: c.StatsInterval,
		Controller:    ctrl,
		Executor:      &harness.TimeoutExecutor{Controller: ctrl, Timeout: c.Timeout},
		Objectives:    store,
		Importer:      importer,
		Tracer:        tracer,
		Logger:        logger,
	})
	return client.RunClient(ctx, nil, mgr, core)
}

func (r *Runner) engineConfig(core int, clientID string) qemu.Config {
	e := r.cfg.Engine
	workdir := e.Workdir
	if workdir != "" {
		// one QMP socket per worker
		workdir = filepath.Join(workdir, clientID)
	}
	return qemu.Config{
		Binary:       e.Binary,
		Args:         e.Args,
		Image:        e.Image,
		Memory:       e.Memory,
		Core:         core,
		Workdir:      workdir,
		StartTimeout: e.StartTimeout,
	}
}
