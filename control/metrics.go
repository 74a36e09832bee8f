// control/metrics.go
// Author: momentics <momentics@gmail.com>
//
// Dispatcher event counters on a private Prometheus registry.

package control

import (
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// Enqueue kinds.
const (
	EnqBack    = "back"
	EnqFront   = "front"
	EnqKP      = "kpq"
	EnqSwapped = "swapped"
)

// Dispatch sources.
const (
	FromLocal = "local"
	FromKPQ   = "kpq"
	FromSteal = "steal"
	FromIdle  = "idle"
)

// Metrics counts dispatcher events. A nil *Metrics discards everything.
type Metrics struct {
	reg *prometheus.Registry

	Enqueues      *prometheus.CounterVec
	Dispatches    *prometheus.CounterVec
	StealDeferred prometheus.Counter
	RatifyRetries prometheus.Counter
	Pokes         prometheus.Counter
	IdleEntries   prometheus.Counter
	Switches      prometheus.Counter
	Resizes       prometheus.Counter
}

// NewMetrics creates counters on a fresh registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		Enqueues: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "disp", Name: "enqueues_total",
			Help: "Threads placed on a run queue, by placement kind.",
		}, []string{"kind"}),
		Dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "disp", Name: "dispatches_total",
			Help: "Dispatch decisions, by where the chosen thread came from.",
		}, []string{"source"}),
		StealDeferred: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "disp", Name: "steal_deferred_total",
			Help: "Steal attempts refused by the anti-thrash window.",
		}),
		RatifyRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "disp", Name: "ratify_retries_total",
			Help: "Dispatch decisions undone because better work appeared.",
		}),
		Pokes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "disp", Name: "pokes_total",
			Help: "Cross-processor preemption interrupts sent.",
		}),
		IdleEntries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "disp", Name: "idle_entries_total",
			Help: "Times a processor switched to its idle thread.",
		}),
		Switches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "disp", Name: "switches_total",
			Help: "Context switches performed.",
		}),
		Resizes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "disp", Name: "queue_resizes_total",
			Help: "Stop-the-world dispatch queue resizes.",
		}),
	}
	m.reg.MustRegister(m.Enqueues, m.Dispatches, m.StealDeferred, m.RatifyRetries,
		m.Pokes, m.IdleEntries, m.Switches, m.Resizes)
	return m
}

// Registry exposes the registry for scraping.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

func (m *Metrics) Enqueued(kind string) {
	if m != nil {
		m.Enqueues.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) Dispatched(source string) {
	if m != nil {
		m.Dispatches.WithLabelValues(source).Inc()
	}
}

func (m *Metrics) Deferred() {
	if m != nil {
		m.StealDeferred.Inc()
	}
}

func (m *Metrics) Retried() {
	if m != nil {
		m.RatifyRetries.Inc()
	}
}

func (m *Metrics) Poked() {
	if m != nil {
		m.Pokes.Inc()
	}
}

func (m *Metrics) Idled() {
	if m != nil {
		m.IdleEntries.Inc()
	}
}

func (m *Metrics) Switched() {
	if m != nil {
		m.Switches.Inc()
	}
}

func (m *Metrics) Resized() {
	if m != nil {
		m.Resizes.Inc()
	}
}

// Snapshot flattens every counter into name{label} -> value.
func (m *Metrics) Snapshot() map[string]float64 {
	out := map[string]float64{}
	if m == nil {
		return out
	}
	families, err := m.reg.Gather()
	if err != nil {
		return out
	}
	for _, mf := range families {
		for _, metric := range mf.GetMetric() {
			out[seriesName(mf.GetName(), metric.GetLabel())] = metric.GetCounter().GetValue()
		}
	}
	return out
}

func seriesName(name string, labels []*dto.LabelPair) string {
	for _, l := range labels {
		name += "{" + l.GetName() + "=" + l.GetValue() + "}"
	}
	return name
}
