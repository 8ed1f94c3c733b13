// Package engine defines what the harness needs from a virtualization engine.
package engine

import (
	"context"
	"errors"
)

// ErrSnapshotMissing is returned by LoadSnapshot when the engine has no snapshot of
// the requested name. It is a configuration error and never retried.
var ErrSnapshotMissing = errors.New("snapshot not found")

// Engine runs the virtualized target.
//
// LoadSnapshot restores the complete machine state (memory, devices, CPU registers) to
// the named snapshot. Run resumes the target and returns once the in-guest agent
// signalled completion or ctx is done. Memory registered as shared with the target is
// not part of the snapshot and survives LoadSnapshot unchanged.
type Engine interface {
	LoadSnapshot(ctx context.Context, name string) error
	Run(ctx context.Context) error
	Close() error
}
