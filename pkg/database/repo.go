package database

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// inserts a single objective record into the database
func AddObjective(ctx context.Context, db *gorm.DB, objective *Objective) error {
	if objective == nil {
		return nil
	}
	return db.WithContext(ctx).Create(objective).Error
}

// CountObjectives returns how many objectives the run has recorded across all clients.
func CountObjectives(ctx context.Context, db *gorm.DB, runID string) (int64, error) {
	var n int64
	err := db.WithContext(ctx).Model(&Objective{}).Where("run_id = ?", runID).Count(&n).Error
	return n, err
}

// NewObjective creates a new Objective object with the provided parameters
func NewObjective(
	runID string,
	client string,
	verdict string,
	path string,
	hash string,
	size int,
	snapshot string,
	metric Metric,
) *Objective {
	return &Objective{
		ID:        uuid.NewString(),
		RunID:     runID,
		Client:    client,
		CreatedAt: time.Now(),
		Verdict:   verdict,
		Path:      path,
		Hash:      hash,
		Size:      size,
		Snapshot:  snapshot,
		Metric:    metric,
	}
}
