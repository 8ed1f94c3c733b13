package harness

import (
	"context"
	"errors"
	"time"
)

// TimeoutExecutor bounds the wall-clock time of each iteration. When the bound
// expires while the engine is running, the iteration is reported as a timeout and
// the standard reset still runs before Execute returns.
type TimeoutExecutor struct {
	Controller *Controller
	Timeout    time.Duration
}

func (t *TimeoutExecutor) Execute(ctx context.Context, input []byte) (Verdict, error) {
	if t.Timeout <= 0 {
		return t.Controller.RunIteration(ctx, input)
	}
	runCtx, cancel := context.WithTimeout(ctx, t.Timeout)
	defer cancel()

	verdict, err := t.Controller.RunIteration(runCtx, input)
	if err == nil {
		return verdict, nil
	}
	if ctx.Err() != nil {
		// stop requested by the caller, the shutdown path owns the final reset
		return verdict, err
	}
	if errors.Is(err, ErrEngineRun) && errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return t.Controller.ForceTimeout(ctx)
	}
	return verdict, err
}
