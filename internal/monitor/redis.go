package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	RedisClientKey  = "snapfuzz:%s:client:%s" // snapfuzz:<run_id>:client:<client_id>
	RedisGlobalKey  = "snapfuzz:%s:global"    // snapfuzz:<run_id>:global
	RedisClientsKey = "snapfuzz:%s:clients"   // set of client ids

	redisWriteTimeout = time.Second
)

type redisWriter interface {
	HSet(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	SAdd(ctx context.Context, key string, members ...interface{}) *redis.IntCmd
}

// RedisExporter mirrors the stats view into Redis hashes so that other tools can read
// campaign progress.
type RedisExporter struct {
	client redisWriter
	runID  string
	logger *zap.Logger
}

func NewRedisExporter(client *redis.Client, runID string, logger *zap.Logger) *RedisExporter {
	return &RedisExporter{client: client, runID: runID, logger: logger.Named("redis_monitor")}
}

func (r *RedisExporter) Display(event string, client string, view *StatsView) {
	ctx, cancel := context.WithTimeout(context.Background(), redisWriteTimeout)
	defer cancel()

	now := view.Now()
	if c, ok := view.Lookup(client); ok {
		key := fmt.Sprintf(RedisClientKey, r.runID, client)
		err := r.client.HSet(ctx, key,
			"corpus", c.CorpusSize,
			"objectives", c.ObjectiveSize,
			"executions", c.Executions,
			"exec_sec", c.ExecSec(now),
			"last_update", c.LastUpdate.Unix(),
			"idle", c.Idle,
			"event", event,
		).Err()
		if err != nil {
			r.logger.Warn("failed to export client stats", zap.String("client", client), zap.Error(err))
			return
		}
		if err := r.client.SAdd(ctx, fmt.Sprintf(RedisClientsKey, r.runID), client).Err(); err != nil {
			r.logger.Warn("failed to register client", zap.String("client", client), zap.Error(err))
		}
	}

	err := r.client.HSet(ctx, fmt.Sprintf(RedisGlobalKey, r.runID),
		"clients", view.Len(),
		"corpus", view.CorpusSize(),
		"objectives", view.ObjectiveSize(),
		"executions", view.Executions(),
		"exec_sec", view.ExecSec(),
		"run_time", int64(now.Sub(view.StartTime()).Seconds()),
	).Err()
	if err != nil {
		r.logger.Warn("failed to export global stats", zap.Error(err))
	}
}
