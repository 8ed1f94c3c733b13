package harness

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"snapfuzz/internal/engine"

	"go.uber.org/zap"
)

const DefaultResetTimeout = time.Minute

var ErrNoBaseline = errors.New("baseline snapshot name is empty")

// ResetPolicy brings the target back to the baseline snapshot after an iteration.
// Both tiers reload the full baseline; a corrective restore only differs in being
// logged and counted on its own.
type ResetPolicy struct {
	engine   engine.Engine
	baseline string
	logger   *zap.Logger
	timeout  time.Duration

	standard   atomic.Uint64
	corrective atomic.Uint64
}

func NewResetPolicy(eng engine.Engine, baseline string, logger *zap.Logger) *ResetPolicy {
	return &ResetPolicy{
		engine:   eng,
		baseline: baseline,
		logger:   logger.Named("reset"),
		timeout:  DefaultResetTimeout,
	}
}

// SetTimeout bounds a single snapshot load.
func (p *ResetPolicy) SetTimeout(d time.Duration) {
	p.timeout = d
}

func (p *ResetPolicy) Baseline() string {
	return p.baseline
}

// Prime loads the baseline before the first iteration.
func (p *ResetPolicy) Prime(ctx context.Context) error {
	if err := p.load(ctx); err != nil {
		return err
	}
	p.logger.Info("baseline snapshot loaded", zap.String("snapshot", p.baseline))
	return nil
}

// Reset restores the baseline. An error wrapping engine.ErrSnapshotMissing is fatal.
func (p *ResetPolicy) Reset(ctx context.Context, restore Restore) error {
	if restore == RestoreCorrective {
		p.logger.Warn("corrective restore", zap.String("snapshot", p.baseline))
		p.corrective.Add(1)
	} else {
		p.standard.Add(1)
	}
	return p.load(ctx)
}

func (p *ResetPolicy) load(ctx context.Context) error {
	if p.baseline == "" {
		return ErrNoBaseline
	}
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}
	if err := p.engine.LoadSnapshot(ctx, p.baseline); err != nil {
		return fmt.Errorf("failed to restore snapshot %q: %w", p.baseline, err)
	}
	return nil
}

// Counts returns the number of standard and corrective restores performed.
func (p *ResetPolicy) Counts() (standard, corrective uint64) {
	return p.standard.Load(), p.corrective.Load()
}
