// Package crash persists objectives: inputs whose verdict is a crash or a timeout.
package crash

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"snapfuzz/internal/harness"
	"snapfuzz/pkg/database"
	"snapfuzz/pkg/telemetry"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const dbTimeout = 5 * time.Second

type StoreParams struct {
	Dir      string
	RunID    string
	Client   string
	Snapshot string
	DB       *gorm.DB         // optional
	Tracer   telemetry.Tracer // optional
	Logger   *zap.Logger
}

// ObjectiveStore writes objectives under Dir named by the md5 of their content.
// Several workers may share Dir; a file that already exists is not stored again.
type ObjectiveStore struct {
	dir      string
	runID    string
	client   string
	snapshot string
	db       *gorm.DB
	tracer   telemetry.Tracer
	logger   *zap.Logger

	mu    sync.Mutex
	count int
}

func NewObjectiveStore(p StoreParams) (*ObjectiveStore, error) {
	if err := os.MkdirAll(p.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create objective folder: %w", err)
	}
	tracer := p.Tracer
	if tracer == nil {
		tracer = &telemetry.DummyTracer{}
	}
	return &ObjectiveStore{
		dir:      p.Dir,
		runID:    p.RunID,
		client:   p.Client,
		snapshot: p.Snapshot,
		db:       p.DB,
		tracer:   tracer,
		logger:   p.Logger.Named("objectives"),
	}, nil
}

// Store persists input if it is not yet known. It returns whether the input was new
// and the number of objectives this store has recorded.
func (s *ObjectiveStore) Store(ctx context.Context, input []byte, verdict harness.Verdict) (bool, int, error) {
	sum := md5.Sum(input)
	hash := hex.EncodeToString(sum[:])
	path := filepath.Join(s.dir, hash)

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if errors.Is(err, fs.ErrExist) {
		s.logger.Debug("objective already stored", zap.String("path", path))
		return false, s.count, nil
	}
	if err != nil {
		return false, s.count, fmt.Errorf("failed to create objective file: %w", err)
	}
	_, werr := f.Write(input)
	if cerr := f.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		os.Remove(path)
		return false, s.count, fmt.Errorf("failed to write objective file: %w", werr)
	}

	s.count++
	s.logger.Info("new objective",
		zap.String("verdict", verdict.String()),
		zap.String("path", path),
		zap.Int("size", len(input)),
		zap.Int("objectives", s.count),
	)
	s.tracer.AddEvent("objective", telemetry.EventAttributes{
		attribute.String("verdict", verdict.String()),
		attribute.String("hash", hash),
	})

	if s.db != nil {
		s.record(ctx, verdict, path, hash, len(input))
	}
	return true, s.count, nil
}

// record inserts the database row. The file is already on disk, so a failure is
// only logged.
func (s *ObjectiveStore) record(ctx context.Context, verdict harness.Verdict, path, hash string, size int) {
	dbCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), dbTimeout)
	defer cancel()

	objective := database.NewObjective(s.runID, s.client, verdict.String(), path, hash, size, s.snapshot, nil)
	if err := database.AddObjective(dbCtx, s.db, objective); err != nil {
		s.logger.Error("failed to add objective", zap.Error(err), zap.String("path", path))
	}
}

func (s *ObjectiveStore) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

func (s *ObjectiveStore) Dir() string { return s.dir }
