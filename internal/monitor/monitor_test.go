package monitor

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time { return c.t }

func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestView() (*StatsView, *fakeClock) {
	clock := &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	return newStatsView(clock.now), clock
}

func TestStatsViewSeparatesClients(t *testing.T) {
	view, clock := newTestView()
	for i := uint64(1); i <= 5; i++ {
		clock.advance(time.Second)
		a := view.Client("a")
		a.UpdateCorpusSize(i)
		a.UpdateExecutions(i*100, clock.t)
		b := view.Client("b")
		b.UpdateCorpusSize(i * 10)
		b.UpdateExecutions(i*1000, clock.t)
	}
	a, ok := view.Lookup("a")
	require.True(t, ok)
	b, ok := view.Lookup("b")
	require.True(t, ok)
	assert.Equal(t, uint64(5), a.CorpusSize)
	assert.Equal(t, uint64(500), a.Executions)
	assert.Equal(t, uint64(50), b.CorpusSize)
	assert.Equal(t, uint64(5000), b.Executions)
	assert.Equal(t, []string{"a", "b"}, view.Clients())
	assert.Equal(t, uint64(55), view.CorpusSize())
	assert.Equal(t, uint64(5500), view.Executions())
}

func TestExecSec(t *testing.T) {
	view, clock := newTestView()
	c := view.Client("a")
	assert.Equal(t, 0.0, c.ExecSec(clock.t))
	clock.advance(10 * time.Second)
	c.UpdateExecutions(500, clock.t)
	assert.InDelta(t, 50.0, c.ExecSec(clock.t), 0.001)
	assert.InDelta(t, 50.0, view.ExecSec(), 0.001)
}

func TestMarkIdle(t *testing.T) {
	view, clock := newTestView()
	view.Client("a")
	view.Client("b")
	clock.advance(30 * time.Second)
	view.Client("b")
	clock.advance(45 * time.Second)

	assert.Equal(t, []string{"a"}, view.MarkIdle(time.Minute))
	assert.Empty(t, view.MarkIdle(time.Minute))
	a, _ := view.Lookup("a")
	assert.True(t, a.Idle)

	// a worker that reports again is alive again
	view.Client("a")
	a, _ = view.Lookup("a")
	assert.False(t, a.Idle)
}

func TestMultiMonitor(t *testing.T) {
	view, clock := newTestView()
	c := view.Client("3")
	c.UpdateCorpusSize(7)
	clock.advance(2 * time.Second)
	c.UpdateExecutions(2000, clock.t)

	var lines []string
	mon := NewMultiMonitor(func(s string) { lines = append(lines, s) })
	mon.Display("New Testcase", "3", view)
	require.Len(t, lines, 2)
	assert.Equal(t, "[New Testcase #3] (GLOBAL) run time: 0h-0m-2s, clients: 1, corpus: 7, objectives: 0, executions: 2000, exec/sec: 1.00k", lines[0])
	assert.True(t, strings.HasSuffix(lines[1], "(CLIENT) corpus: 7, objectives: 0, executions: 2000, exec/sec: 1.00k"))

	lines = nil
	mon.Display("Log", "unknown", view)
	assert.Len(t, lines, 1)
}

type recordingMonitor struct {
	events []string
}

func (r *recordingMonitor) Display(event string, client string, view *StatsView) {
	r.events = append(r.events, event+"/"+client)
}

func TestFanout(t *testing.T) {
	view, _ := newTestView()
	a, b := &recordingMonitor{}, &recordingMonitor{}
	Fanout{a, nil, b}.Display("Stats", "1", view)
	assert.Equal(t, []string{"Stats/1"}, a.events)
	assert.Equal(t, []string{"Stats/1"}, b.events)
}

func TestPrometheusMonitor(t *testing.T) {
	reg := prometheus.NewRegistry()
	mon, err := NewPrometheusMonitor(reg)
	require.NoError(t, err)

	view, clock := newTestView()
	c := view.Client("w1")
	c.UpdateCorpusSize(12)
	c.UpdateObjectiveSize(2)
	clock.advance(time.Second)
	c.UpdateExecutions(300, clock.t)
	view.Client("w2")

	mon.Display("Objective", "w1", view)
	assert.Equal(t, 12.0, testutil.ToFloat64(mon.corpus.WithLabelValues("w1")))
	assert.Equal(t, 2.0, testutil.ToFloat64(mon.objectives.WithLabelValues("w1")))
	assert.Equal(t, 300.0, testutil.ToFloat64(mon.executions.WithLabelValues("w1")))
	assert.Equal(t, 2.0, testutil.ToFloat64(mon.clients))

	_, err = NewPrometheusMonitor(reg)
	assert.Error(t, err)
}

type fakeRedis struct {
	hashes map[string]map[string]interface{}
	sets   map[string][]interface{}
}

func (f *fakeRedis) HSet(ctx context.Context, key string, values ...interface{}) *redis.IntCmd {
	h := f.hashes[key]
	if h == nil {
		h = make(map[string]interface{})
		f.hashes[key] = h
	}
	for i := 0; i+1 < len(values); i += 2 {
		h[values[i].(string)] = values[i+1]
	}
	return redis.NewIntCmd(ctx)
}

func (f *fakeRedis) SAdd(ctx context.Context, key string, members ...interface{}) *redis.IntCmd {
	f.sets[key] = append(f.sets[key], members...)
	return redis.NewIntCmd(ctx)
}

func TestRedisExporter(t *testing.T) {
	fake := &fakeRedis{hashes: map[string]map[string]interface{}{}, sets: map[string][]interface{}{}}
	exp := &RedisExporter{client: fake, runID: "run1", logger: zap.NewNop()}

	view, _ := newTestView()
	c := view.Client("2")
	c.UpdateCorpusSize(4)
	c.UpdateObjectiveSize(1)
	exp.Display("New Testcase", "2", view)

	client := fake.hashes[fmt.Sprintf(RedisClientKey, "run1", "2")]
	require.NotNil(t, client)
	assert.Equal(t, uint64(4), client["corpus"])
	assert.Equal(t, uint64(1), client["objectives"])
	assert.Equal(t, "New Testcase", client["event"])
	assert.Equal(t, []interface{}{"2"}, fake.sets["snapfuzz:run1:clients"])

	global := fake.hashes["snapfuzz:run1:global"]
	require.NotNil(t, global)
	assert.Equal(t, 1, global["clients"])
	assert.Equal(t, uint64(4), global["corpus"])
}
