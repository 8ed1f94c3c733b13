// Package qemu runs the fuzzing target in a QEMU virtual machine controlled over QMP.
//
// The input channel is mapped into the guest as an ivshmem-plain device backed by
// the channel's memory file. With the x-ignore-shared migration capability enabled,
// that memory is left out of snapshots, so loadvm restores the machine without
// touching the next input.
package qemu

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"snapfuzz/internal/channel"
	"snapfuzz/internal/cpuset"
	"snapfuzz/internal/engine"

	"go.uber.org/zap"
)

const (
	defaultStartTimeout = 2 * time.Minute
	defaultPollInterval = 50 * time.Microsecond
	stopGracePeriod     = 5 * time.Second
	shmemID             = "snapfuzz-shmem"
)

type Config struct {
	Binary string   // qemu-system-x86_64 by default
	Args   []string // extra arguments placed before the generated ones
	Image  string   // qcow2 image holding the baseline snapshot
	Memory string   // -m value
	Core   int      // core to pin the QEMU process to, negative disables pinning
	// Workdir holds the QMP socket.
	Workdir      string
	StartTimeout time.Duration
	PollInterval time.Duration
}

// Engine is a running QEMU instance.
type Engine struct {
	cfg     Config
	channel *channel.Channel
	logger  *zap.Logger

	cmd     *exec.Cmd
	mon     *monitor
	exited  chan struct{}
	waitErr error
}

var _ engine.Engine = (*Engine)(nil)

// New starts QEMU paused with the channel mapped into the guest. The machine is
// ready for LoadSnapshot when New returns.
func New(ctx context.Context, cfg Config, ch *channel.Channel, logger *zap.Logger) (*Engine, error) {
	if ch.Path() == "" {
		return nil, errors.New("qemu: channel is not backed by a shareable memory file")
	}
	if cfg.Binary == "" {
		cfg.Binary = "qemu-system-x86_64"
	}
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = defaultStartTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.Workdir == "" {
		dir, err := os.MkdirTemp("", "snapfuzz-qemu-*")
		if err != nil {
			return nil, fmt.Errorf("qemu: failed to create workdir: %w", err)
		}
		cfg.Workdir = dir
	} else if err := os.MkdirAll(cfg.Workdir, 0755); err != nil {
		return nil, fmt.Errorf("qemu: failed to create workdir: %w", err)
	}

	e := &Engine{
		cfg:     cfg,
		channel: ch,
		logger:  logger.Named("qemu"),
		exited:  make(chan struct{}),
	}
	if err := e.start(ctx); err != nil {
		e.Close()
		return nil, err
	}
	return e, nil
}

func (e *Engine) qmpSocket() string {
	return filepath.Join(e.cfg.Workdir, "qmp.sock")
}

func (e *Engine) buildArgs() []string {
	args := append([]string{}, e.cfg.Args...)
	if e.cfg.Memory != "" {
		args = append(args, "-m", e.cfg.Memory)
	}
	if e.cfg.Image != "" {
		args = append(args, "-drive", fmt.Sprintf("file=%v,if=virtio,format=qcow2", e.cfg.Image))
	}
	args = append(args,
		"-S",
		"-display", "none",
		"-no-reboot",
		"-qmp", fmt.Sprintf("unix:%v,server=on,wait=off", e.qmpSocket()),
		"-object", fmt.Sprintf("memory-backend-file,size=%v,share=on,discard-data=on,id=%v,mem-path=%v",
			channel.MappedSize(e.channel.Layout()), shmemID, e.channel.Path()),
		"-device", fmt.Sprintf("ivshmem-plain,master=on,memdev=%v", shmemID),
	)
	return args
}

func (e *Engine) start(ctx context.Context) error {
	os.Remove(e.qmpSocket())

	e.cmd = exec.Command(e.cfg.Binary, e.buildArgs()...)
	e.cmd.Stdout = os.Stdout
	e.cmd.Stderr = os.Stderr
	e.cmd.SysProcAttr = sysProcAttr()

	e.logger.Info("starting qemu", zap.String("command", e.cmd.String()))
	if err := e.cmd.Start(); err != nil {
		close(e.exited)
		return fmt.Errorf("qemu: failed to start %v: %w", e.cfg.Binary, err)
	}
	go func() {
		e.waitErr = e.cmd.Wait()
		close(e.exited)
	}()

	if e.cfg.Core >= 0 {
		if err := cpuset.Pin(e.cmd.Process.Pid, e.cfg.Core); err != nil {
			e.logger.Warn("failed to pin qemu", zap.Int("core", e.cfg.Core), zap.Error(err))
		}
	}

	startCtx, cancel := context.WithTimeout(ctx, e.cfg.StartTimeout)
	defer cancel()
	mon, err := dialMonitor(startCtx, e.qmpSocket())
	if err != nil {
		return fmt.Errorf("qemu: %w", err)
	}
	e.mon = mon

	// keep the channel out of the snapshot boundary
	out, err := e.mon.hmp(startCtx, "migrate_set_capability x-ignore-shared on")
	if err != nil {
		return fmt.Errorf("qemu: %w", err)
	}
	if out = strings.TrimSpace(out); out != "" {
		return fmt.Errorf("qemu: migrate_set_capability: %v", out)
	}
	return nil
}

// LoadSnapshot restores the named snapshot with loadvm. The machine stays paused.
func (e *Engine) LoadSnapshot(ctx context.Context, name string) error {
	if err := e.alive(); err != nil {
		return err
	}
	out, err := e.mon.hmp(ctx, "loadvm "+name)
	if err != nil {
		return fmt.Errorf("loadvm %v: %w", name, err)
	}
	if out = strings.TrimSpace(out); out != "" {
		if snapshotMissing(out) {
			return fmt.Errorf("loadvm %v: %v: %w", name, out, engine.ErrSnapshotMissing)
		}
		return fmt.Errorf("loadvm %v: %v", name, out)
	}
	return nil
}

func snapshotMissing(reply string) bool {
	reply = strings.ToLower(reply)
	for _, s := range []string{"does not exist", "not found", "could not find", "no snapshot"} {
		if strings.Contains(reply, s) {
			return true
		}
	}
	return false
}

// Run resumes the guest and waits until the agent bumps the completion sequence of
// the channel. The guest is paused again before Run returns.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.alive(); err != nil {
		return err
	}
	seq := e.channel.Sequence()
	// the iteration deadline bounds the guest, not the monitor
	contCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), stopGracePeriod)
	_, err := e.mon.execute(contCtx, "cont", nil)
	cancel()
	if err != nil {
		return err
	}

	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()
	for {
		if e.channel.Sequence() != seq {
			return e.pause(ctx)
		}
		select {
		case <-ctx.Done():
			if err := e.pause(ctx); err != nil {
				e.logger.Warn("failed to pause guest", zap.Error(err))
			}
			return ctx.Err()
		case <-e.exited:
			return e.alive()
		case <-ticker.C:
		}
	}
}

func (e *Engine) pause(ctx context.Context) error {
	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), stopGracePeriod)
	defer cancel()
	if _, err := e.mon.execute(stopCtx, "stop", nil); err != nil {
		return err
	}
	if events := e.mon.takeEvents(); len(events) != 0 {
		e.logger.Debug("qmp events", zap.Strings("events", events))
	}
	return nil
}

func (e *Engine) alive() error {
	select {
	case <-e.exited:
		if e.waitErr != nil {
			return fmt.Errorf("qemu exited: %w", e.waitErr)
		}
		return errors.New("qemu exited")
	default:
		return nil
	}
}

// Close asks QEMU to quit and kills it if it does not exit within the grace period.
func (e *Engine) Close() error {
	if e.mon != nil {
		ctx, cancel := context.WithTimeout(context.Background(), stopGracePeriod)
		e.mon.execute(ctx, "quit", nil)
		cancel()
		e.mon.close()
		e.mon = nil
	}
	if e.cmd != nil && e.cmd.Process != nil {
		select {
		case <-e.exited:
		case <-time.After(stopGracePeriod):
			e.cmd.Process.Signal(syscall.SIGKILL)
			<-e.exited
		}
	}
	os.Remove(e.qmpSocket())
	return nil
}
