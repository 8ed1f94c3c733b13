package database

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"
)

// Objective represents a record in the public.objectives table
type Objective struct {
	ID        string    `gorm:"primaryKey;column:id;type:uuid"`
	RunID     string    `gorm:"column:run_id;not null;index"`
	Client    string    `gorm:"column:client;not null"`
	CreatedAt time.Time `gorm:"column:created_at;default:now()"`
	Verdict   string    `gorm:"column:verdict;not null"`
	Path      string    `gorm:"column:path;not null"`
	Hash      string    `gorm:"column:hash;not null;index"`
	Size      int       `gorm:"column:size"`
	Snapshot  string    `gorm:"column:snapshot"`
	Metric    Metric    `gorm:"column:metric;type:jsonb"`
}

// Metric represents the jsonb field in the objectives table
type Metric map[string]any

// Value implements the driver.Valuer interface for the Metric type
func (m Metric) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

// Scan implements the sql.Scanner interface for the Metric type
func (m *Metric) Scan(value any) error {
	if value == nil {
		*m = nil
		return nil
	}

	bytes, ok := value.([]byte)
	if !ok {
		return errors.New("type assertion to []byte failed")
	}

	return json.Unmarshal(bytes, &m)
}
