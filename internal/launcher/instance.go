package launcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"
	"time"

	"snapfuzz/internal/cpuset"

	"go.uber.org/zap"
)

// WorkerInstance is one worker process bound to a core.
type WorkerInstance struct {
	Name   string
	CoreID int
	Binary string
	Args   []string
	Env    []string  // appended to the launcher's environment
	Output io.Writer // receives stdout and stderr
	Grace  time.Duration

	logger *zap.Logger
}

// Run starts the worker and blocks until it exits. Behavior is as follows:
//
//  1. Starts the worker with the instance's args and environment and pins it.
//  2. If the process exits on its own, returns its exit error.
//  3. If ctx is done, sends SIGINT to request a graceful stop, then waits up to
//     Grace for the process to exit before killing it.
//
// Guarantees that the process will not be left running once this method returns.
func (w *WorkerInstance) Run(ctx context.Context) error {
	cmd := exec.Command(w.Binary, w.Args...)
	cmd.Env = append(os.Environ(), w.Env...)
	cmd.Stdout = w.Output
	cmd.Stderr = w.Output
	cmd.SysProcAttr = sysProcAttr()

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start %s: %w", w.Name, err)
	}
	w.logger.Info("worker started", zap.String("worker", w.Name), zap.Int("pid", cmd.Process.Pid), zap.Int("core", w.CoreID))
	if err := cpuset.Pin(cmd.Process.Pid, w.CoreID); err != nil {
		w.logger.Warn("failed to pin worker", zap.String("worker", w.Name), zap.Error(err))
	}

	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()

	select {
	case err := <-done:
		// Process exited on its own
		if err != nil {
			return fmt.Errorf("%s exited: %w", w.Name, err)
		}
		return nil
	case <-ctx.Done():
	}

	// Best-effort graceful shutdown
	_ = cmd.Process.Signal(syscall.SIGINT)
	timer := time.NewTimer(w.Grace)
	defer timer.Stop()

	select {
	case err := <-done:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return fmt.Errorf("%s exited after interrupt: %w", w.Name, err)
		}
		return nil
	case <-timer.C:
		w.logger.Warn("worker did not stop in time, killing it", zap.String("worker", w.Name), zap.Duration("grace", w.Grace))
		_ = cmd.Process.Kill()
		<-done
		return fmt.Errorf("%s killed after %v", w.Name, w.Grace)
	}
}
