package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusMonitor exposes the stats view as gauges labelled by client.
type PrometheusMonitor struct {
	corpus     *prometheus.GaugeVec
	objectives *prometheus.GaugeVec
	executions *prometheus.GaugeVec
	execSec    *prometheus.GaugeVec
	idle       *prometheus.GaugeVec
	clients    prometheus.Gauge
}

func NewPrometheusMonitor(reg prometheus.Registerer) (*PrometheusMonitor, error) {
	newVec := func(name, help string) *prometheus.GaugeVec {
		return prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "snapfuzz",
			Name:      name,
			Help:      help,
		}, []string{"client"})
	}
	m := &PrometheusMonitor{
		corpus:     newVec("corpus_size", "Corpus entries reported by the client"),
		objectives: newVec("objectives", "Objectives found by the client"),
		executions: newVec("executions", "Executions performed by the client"),
		execSec:    newVec("exec_per_sec", "Average executions per second of the client"),
		idle:       newVec("idle", "1 if the client stopped reporting"),
		clients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "snapfuzz",
			Name:      "clients",
			Help:      "Clients known to the broker",
		}),
	}
	for _, c := range []prometheus.Collector{m.corpus, m.objectives, m.executions, m.execSec, m.idle, m.clients} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *PrometheusMonitor) Display(event string, client string, view *StatsView) {
	m.clients.Set(float64(view.Len()))
	c, ok := view.Lookup(client)
	if !ok {
		return
	}
	m.corpus.WithLabelValues(client).Set(float64(c.CorpusSize))
	m.objectives.WithLabelValues(client).Set(float64(c.ObjectiveSize))
	m.executions.WithLabelValues(client).Set(float64(c.Executions))
	m.execSec.WithLabelValues(client).Set(c.ExecSec(view.Now()))
	idle := 0.0
	if c.Idle {
		idle = 1
	}
	m.idle.WithLabelValues(client).Set(idle)
}
