// Package metrics defines the Prometheus collectors exported by the service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups every collector. A nil *Metrics is valid and records nothing,
// which keeps tests and tools free of registry plumbing.
type Metrics struct {
	Ticks              prometheus.Counter
	Advanced           *prometheus.CounterVec
	PropagatorErrors   prometheus.Counter
	Synthesized        prometheus.Counter
	BusHandlerFailures *prometheus.CounterVec
	Accepts            *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lastmile_propagator_ticks_total",
			Help: "Total number of propagator ticks run",
		}),
		Advanced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lastmile_deliveries_advanced_total",
			Help: "Total number of deliveries advanced by the propagator, by resulting status",
		}, []string{"to"}),
		PropagatorErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lastmile_propagator_errors_total",
			Help: "Total number of per-delivery failures during propagator ticks",
		}),
		Synthesized: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lastmile_deliveries_synthesized_total",
			Help: "Total number of synthetic deliveries created by the propagator",
		}),
		BusHandlerFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lastmile_bus_handler_failures_total",
			Help: "Total number of notification handlers that returned an error or panicked",
		}, []string{"event"}),
		Accepts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lastmile_accept_attempts_total",
			Help: "Total number of rider accept attempts, by outcome",
		}, []string{"outcome"}),
	}

	reg.MustRegister(
		m.Ticks,
		m.Advanced,
		m.PropagatorErrors,
		m.Synthesized,
		m.BusHandlerFailures,
		m.Accepts,
	)
	return m
}

// Tick counts one propagator tick.
func (m *Metrics) Tick() {
	if m == nil {
		return
	}
	m.Ticks.Inc()
}

// DeliveryAdvanced counts one automatic transition into status.
func (m *Metrics) DeliveryAdvanced(status string) {
	if m == nil {
		return
	}
	m.Advanced.WithLabelValues(status).Inc()
}

// PropagatorError counts one per-delivery failure inside a tick.
func (m *Metrics) PropagatorError() {
	if m == nil {
		return
	}
	m.PropagatorErrors.Inc()
}

// DeliverySynthesized counts one synthetic delivery.
func (m *Metrics) DeliverySynthesized() {
	if m == nil {
		return
	}
	m.Synthesized.Inc()
}

// HandlerFailed counts one failed notification handler.
func (m *Metrics) HandlerFailed(event string) {
	if m == nil {
		return
	}
	m.BusHandlerFailures.WithLabelValues(event).Inc()
}

// AcceptAttempt counts one accept call by outcome (accepted, already_taken, rider_busy, error).
func (m *Metrics) AcceptAttempt(outcome string) {
	if m == nil {
		return
	}
	m.Accepts.WithLabelValues(outcome).Inc()
}
