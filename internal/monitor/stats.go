// Package monitor keeps the broker's per-worker statistics and renders them.
package monitor

import (
	"time"
)

// ClientStats is the latest known state of one worker.
type ClientStats struct {
	CorpusSize    uint64
	Executions    uint64
	ObjectiveSize uint64
	// LastUpdate is the timestamp carried by the worker's latest event.
	LastUpdate time.Time
	// LastSeen is when the broker last heard from the worker.
	LastSeen  time.Time
	StartTime time.Time
	Idle      bool
}

func (c *ClientStats) UpdateCorpusSize(n uint64) {
	c.CorpusSize = n
}

func (c *ClientStats) UpdateExecutions(execs uint64, at time.Time) {
	c.Executions = execs
	c.LastUpdate = at
}

func (c *ClientStats) UpdateObjectiveSize(n uint64) {
	c.ObjectiveSize = n
}

// ExecSec is the average execution rate since the worker was first seen.
func (c *ClientStats) ExecSec(now time.Time) float64 {
	elapsed := now.Sub(c.StartTime).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(c.Executions) / elapsed
}

// StatsView maps worker identities to their stats. It is owned by the broker loop
// and not safe for concurrent use.
type StatsView struct {
	order   []string
	clients map[string]*ClientStats
	start   time.Time
	now     func() time.Time
}

func NewStatsView() *StatsView {
	return newStatsView(time.Now)
}

func newStatsView(now func() time.Time) *StatsView {
	return &StatsView{
		clients: make(map[string]*ClientStats),
		start:   now(),
		now:     now,
	}
}

// Client returns the entry for id, creating it on first use. Any access through
// Client counts as the worker being alive.
func (v *StatsView) Client(id string) *ClientStats {
	now := v.now()
	c, ok := v.clients[id]
	if !ok {
		c = &ClientStats{StartTime: now}
		v.clients[id] = c
		v.order = append(v.order, id)
	}
	c.LastSeen = now
	c.Idle = false
	return c
}

func (v *StatsView) Lookup(id string) (ClientStats, bool) {
	c, ok := v.clients[id]
	if !ok {
		return ClientStats{}, false
	}
	return *c, true
}

// Clients returns worker ids in the order they were first seen.
func (v *StatsView) Clients() []string {
	return append([]string(nil), v.order...)
}

func (v *StatsView) Len() int { return len(v.order) }

func (v *StatsView) StartTime() time.Time { return v.start }

func (v *StatsView) Now() time.Time { return v.now() }

func (v *StatsView) CorpusSize() uint64 {
	var n uint64
	for _, c := range v.clients {
		n += c.CorpusSize
	}
	return n
}

func (v *StatsView) Executions() uint64 {
	var n uint64
	for _, c := range v.clients {
		n += c.Executions
	}
	return n
}

func (v *StatsView) ObjectiveSize() uint64 {
	var n uint64
	for _, c := range v.clients {
		n += c.ObjectiveSize
	}
	return n
}

func (v *StatsView) ExecSec() float64 {
	now := v.now()
	var rate float64
	for _, c := range v.clients {
		if !c.Idle {
			rate += c.ExecSec(now)
		}
	}
	return rate
}

// MarkIdle flags workers not heard from within staleAfter and returns the ids that
// became idle with this call. Idle entries keep their last values.
func (v *StatsView) MarkIdle(staleAfter time.Duration) []string {
	now := v.now()
	var idled []string
	for _, id := range v.order {
		c := v.clients[id]
		if !c.Idle && now.Sub(c.LastSeen) > staleAfter {
			c.Idle = true
			idled = append(idled, id)
		}
	}
	return idled
}
