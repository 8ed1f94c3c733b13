package database

import (
	"testing"

	"snapfuzz/config"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestMetricValueScan(t *testing.T) {
	m := Metric{"executions": 12.0, "client": "client-0"}
	v, err := m.Value()
	require.NoError(t, err)

	var back Metric
	require.NoError(t, back.Scan(v))
	assert.Equal(t, m, back)

	require.NoError(t, back.Scan(nil))
	assert.Nil(t, back)
	assert.Error(t, back.Scan(42))

	v, err = Metric(nil).Value()
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestNewObjective(t *testing.T) {
	o := NewObjective("run", "client-0", "crash", "/crashes/abc", "abc", 3, "base", nil)
	_, err := uuid.Parse(o.ID)
	assert.NoError(t, err)
	assert.Equal(t, "crash", o.Verdict)
	assert.False(t, o.CreatedAt.IsZero())
}

func TestOptionalProviders(t *testing.T) {
	cfg := &config.AppConfig{}
	assert.Nil(t, NewDBConnection(cfg, zap.NewNop()))

	client, err := NewRedisClient(RedisParams{Config: cfg, Logger: zap.NewNop()})
	require.NoError(t, err)
	assert.Nil(t, client)
}
