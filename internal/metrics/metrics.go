// Package metrics exposes Prometheus collectors fed from bus events and the
// circuit breaker state hook.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"govcast/internal/aggregator"
	"govcast/internal/circuit"
	"govcast/internal/eventbus"
	"govcast/internal/orchestrator"
	"govcast/internal/task/engine"
)

type Metrics struct {
	reg *prometheus.Registry

	Broadcasts    *prometheus.CounterVec
	Outcomes      *prometheus.CounterVec
	TaskRuns      *prometheus.CounterVec
	TaskDuration  *prometheus.HistogramVec
	QueueDelay    *prometheus.HistogramVec
	CircuitState  *prometheus.GaugeVec
	CircuitTrips  *prometheus.CounterVec
	Alerts        *prometheus.CounterVec
	EventsDropped prometheus.GaugeFunc
}

// New registers every collector on a fresh registry together with the Go
// and process collectors.
func New(bus eventbus.Bus) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector(), prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	f := promauto.With(reg)
	m := &Metrics{
		reg: reg,
		Broadcasts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "govcast_broadcast_transitions_total",
			Help: "Broadcast lifecycle transitions by resulting status.",
		}, []string{"status"}),
		Outcomes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "govcast_delivery_outcomes_total",
			Help: "Delivery task transitions by channel, status and source.",
		}, []string{"channel", "status", "source"}),
		TaskRuns: f.NewCounterVec(prometheus.CounterOpts{
			Name: "govcast_engine_tasks_total",
			Help: "Engine task runs by name and result.",
		}, []string{"name", "result"}),
		TaskDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "govcast_engine_task_duration_seconds",
			Help:    "Engine task run time.",
			Buckets: prometheus.ExponentialBuckets(0.005, 4, 8),
		}, []string{"name"}),
		QueueDelay: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "govcast_engine_queue_delay_seconds",
			Help:    "Time engine tasks spent queued before running.",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
		}, []string{"name"}),
		CircuitState: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "govcast_circuit_state",
			Help: "Circuit state per tenant, channel and provider: 0 closed, 1 open, 2 half-open.",
		}, []string{"tenant", "channel", "provider"}),
		CircuitTrips: f.NewCounterVec(prometheus.CounterOpts{
			Name: "govcast_circuit_trips_total",
			Help: "Transitions into the open state.",
		}, []string{"channel", "provider"}),
		Alerts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "govcast_alerts_total",
			Help: "Operator alerts by result.",
		}, []string{"result"}),
	}
	if bus != nil {
		m.EventsDropped = f.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "govcast_bus_dropped_events",
			Help: "Events dropped because a subscriber buffer was full.",
		}, func() float64 { return float64(eventbus.Dropped(bus)) })
	}
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// CircuitHook is meant for circuit.WithStateHook.
func (m *Metrics) CircuitHook(k circuit.Key, _, to circuit.State) {
	m.CircuitState.WithLabelValues(k.Tenant, k.Channel, k.Provider).Set(float64(to))
	if to == circuit.Open {
		m.CircuitTrips.WithLabelValues(k.Channel, k.Provider).Inc()
	}
}

// Run consumes bus events until ctx ends.
func (m *Metrics) Run(ctx context.Context, bus eventbus.Bus) error {
	ch, unsub := bus.Subscribe(4096)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			m.Observe(e)
		}
	}
}

// Observe folds one event into the collectors. Unknown types are ignored.
func (m *Metrics) Observe(e eventbus.Event) {
	switch d := e.Data.(type) {
	case aggregator.OutcomeEvent:
		m.Outcomes.WithLabelValues(string(d.Key.Channel), string(d.Status), d.Source).Inc()
	case orchestrator.BroadcastEvent:
		if e.Type != orchestrator.EventSkipped {
			m.Broadcasts.WithLabelValues(string(d.Broadcast.Status)).Inc()
		}
	case engine.TaskEvent:
		m.observeTask(e.Type, d)
	}
	switch e.Type {
	case "alert.sent":
		m.Alerts.WithLabelValues("sent").Inc()
	case "alert.failed":
		m.Alerts.WithLabelValues("failed").Inc()
	case "alert.deduped":
		m.Alerts.WithLabelValues("deduped").Inc()
	case "alert.dropped":
		m.Alerts.WithLabelValues("dropped").Inc()
	}
}

func (m *Metrics) observeTask(typ string, ev engine.TaskEvent) {
	switch typ {
	case engine.EventStarted:
		m.QueueDelay.WithLabelValues(ev.Name).Observe(ev.QueueDelay.Seconds())
	case engine.EventFinished:
		m.TaskRuns.WithLabelValues(ev.Name, "ok").Inc()
		m.TaskDuration.WithLabelValues(ev.Name).Observe(ev.Duration.Seconds())
	case engine.EventFailed:
		m.TaskRuns.WithLabelValues(ev.Name, "error").Inc()
		m.TaskDuration.WithLabelValues(ev.Name).Observe(ev.Duration.Seconds())
	case engine.EventDropped:
		m.TaskRuns.WithLabelValues(ev.Name, "dropped").Inc()
	case engine.EventSkipped:
		m.TaskRuns.WithLabelValues(ev.Name, "skipped").Inc()
	}
}
