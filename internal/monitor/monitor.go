package monitor

import (
	"fmt"
	"time"
)

// Monitor renders the stats view after the broker handled an event.
type Monitor interface {
	Display(event string, client string, view *StatsView)
}

// MultiMonitor prints a global line followed by a line for the reporting worker.
type MultiMonitor struct {
	print func(string)
}

func NewMultiMonitor(print func(string)) *MultiMonitor {
	return &MultiMonitor{print: print}
}

func (m *MultiMonitor) Display(event string, client string, view *StatsView) {
	now := view.Now()
	m.print(fmt.Sprintf("[%v #%v] (GLOBAL) run time: %v, clients: %d, corpus: %d, objectives: %d, executions: %d, exec/sec: %s",
		event, client, formatDuration(now.Sub(view.StartTime())), view.Len(),
		view.CorpusSize(), view.ObjectiveSize(), view.Executions(), formatRate(view.ExecSec())))

	c, ok := view.Lookup(client)
	if !ok {
		return
	}
	var state string
	if c.Idle {
		state = " (idle)"
	}
	m.print(fmt.Sprintf("                  (CLIENT) corpus: %d, objectives: %d, executions: %d, exec/sec: %s%s",
		c.CorpusSize, c.ObjectiveSize, c.Executions, formatRate(c.ExecSec(now)), state))
}

func formatRate(r float64) string {
	switch {
	case r >= 1000000:
		return fmt.Sprintf("%.2fM", r/1000000)
	case r >= 1000:
		return fmt.Sprintf("%.2fk", r/1000)
	default:
		return fmt.Sprintf("%.2f", r)
	}
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	return fmt.Sprintf("%dh-%dm-%ds", h, m, d/time.Second)
}

// Fanout displays through every monitor in order. Nil entries are skipped.
type Fanout []Monitor

func (f Fanout) Display(event string, client string, view *StatsView) {
	for _, m := range f {
		if m != nil {
			m.Display(event, client, view)
		}
	}
}
