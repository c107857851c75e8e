package swarmapi

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/codeswarm/swarm/internal/bus"
	"github.com/codeswarm/swarm/internal/resilience"
	"github.com/codeswarm/swarm/internal/task"
	"github.com/codeswarm/swarm/internal/tokens"
)

// Metrics is an optional Prometheus exporter that subscribes to the bus and
// turns subtask-status transitions, rate-limiter waits, and token totals
// into gauges and counters. Nothing in the orchestrator or worker packages
// depends on this; it only observes what they already publish.
type Metrics struct {
	subtasksByStatus *prometheus.GaugeVec
	rateLimitWaits   *prometheus.CounterVec
	tokensTotal      *prometheus.GaugeVec
	busDropped       prometheus.Gauge
	registry         *prometheus.Registry

	b        *bus.Bus
	unsub    []func()
	statuses map[string]task.Status
}

// NewMetrics registers every swarm metric against registry and starts
// consuming bus events in the background. Call Close to stop.
func NewMetrics(b *bus.Bus, registry *prometheus.Registry) *Metrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	factory := promauto.With(registry)

	m := &Metrics{
		subtasksByStatus: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "swarm_subtasks_by_status",
				Help: "Current number of subtasks in each status",
			},
			[]string{"status"},
		),
		rateLimitWaits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "swarm_rate_limit_waits_total",
				Help: "Total number of times a caller had to wait on a rate limiter",
			},
			[]string{"limiter"},
		),
		tokensTotal: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "swarm_tokens_total",
				Help: "Cumulative LLM token usage by kind",
			},
			[]string{"kind"},
		),
		busDropped: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "swarm_bus_events_dropped_total",
				Help: "Total number of bus events dropped due to a full subscriber channel",
			},
		),
		b:        b,
		registry: registry,
		statuses: make(map[string]task.Status),
	}

	m.watch(bus.TopicSubtaskCompleted, func(ev bus.Event) {
		e, ok := ev.Payload.(task.SubtaskCompletedEvent)
		if !ok {
			return
		}
		m.recordStatus(e.SubtaskID, e.Status)
	})

	m.watch(bus.TopicRateLimitWait, func(ev bus.Event) {
		e, ok := ev.Payload.(resilience.RateLimitWaitEvent)
		if !ok {
			return
		}
		m.rateLimitWaits.WithLabelValues(e.Limiter).Inc()
	})

	m.watch(bus.TopicTokensUpdate, func(ev bus.Event) {
		totals, ok := ev.Payload.(tokens.Totals)
		if !ok {
			return
		}
		m.tokensTotal.WithLabelValues("prompt").Set(float64(totals.PromptTokens))
		m.tokensTotal.WithLabelValues("completion").Set(float64(totals.CompletionTokens))
		m.tokensTotal.WithLabelValues("total").Set(float64(totals.Total()))
	})

	return m
}

// watch subscribes to topic and drains it for the lifetime of the Metrics
// instance, recording an unsubscribe closure so Close can tear it down.
func (m *Metrics) watch(topic bus.Topic, handle func(bus.Event)) {
	ch := m.b.Subscribe(topic)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case ev, ok := <-ch:
				if !ok {
					return
				}
				handle(ev)
			case <-done:
				return
			}
		}
	}()
	m.unsub = append(m.unsub, func() {
		close(done)
		m.b.Unsubscribe(topic, ch)
	})
}

// recordStatus moves a subtask from its previously recorded status (if
// any) to status, keeping subtasksByStatus an accurate current count
// rather than an ever-growing counter.
func (m *Metrics) recordStatus(subtaskID string, status task.Status) {
	if prev, ok := m.statuses[subtaskID]; ok && prev != status {
		m.subtasksByStatus.WithLabelValues(string(prev)).Dec()
	}
	m.statuses[subtaskID] = status
	m.subtasksByStatus.WithLabelValues(string(status)).Inc()
}

// RefreshBusDropped updates the dropped-event gauge from the bus's running
// counter. The bus has no "dropped" event to subscribe to, so the gauge
// changes only when this is called.
func (m *Metrics) RefreshBusDropped() {
	m.busDropped.Set(float64(m.b.Dropped()))
}

// Handler returns the HTTP handler to mount at the configured metrics path.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Close stops every bus subscription this Metrics instance holds.
func (m *Metrics) Close() {
	for _, unsub := range m.unsub {
		unsub()
	}
}
