// Package metrics holds the counters of the activation paths. Every counter
// is registered on a caller-provided registry so tests can use their own.
package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Self-delivery outcomes.
const (
	OutcomeDelivered = "delivered"
	OutcomeTimeout   = "timeout"
	OutcomeCancelled = "cancelled"
)

type Metrics struct {
	EventsPublished        *prometheus.CounterVec
	Forwards               prometheus.Counter
	DeliveriesDropped      prometheus.Counter
	SelfDeliveries         *prometheus.CounterVec
	UninspectableProcesses prometheus.Counter
}

// New creates the counters and registers them on reg.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		EventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "activation_events_published_total",
			Help: "Activation events published on the bus, by source.",
		}, []string{"source"}),
		Forwards: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "activation_forwards_total",
			Help: "Deep-link payloads forwarded to a primary instance.",
		}),
		DeliveriesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "activation_deliveries_dropped_total",
			Help: "Cross-process sends that could not reach their target window.",
		}),
		SelfDeliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "activation_self_deliveries_total",
			Help: "Self deliveries of a launch payload, by outcome.",
		}, []string{"outcome"}),
		UninspectableProcesses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "activation_uninspectable_processes_total",
			Help: "Processes skipped during primary-instance discovery because they could not be inspected.",
		}),
	}

	for _, c := range []prometheus.Collector{
		m.EventsPublished, m.Forwards, m.DeliveriesDropped, m.SelfDeliveries, m.UninspectableProcesses,
	} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("registering collector: %w", err)
		}
	}
	return m, nil
}

// Nop returns counters registered nowhere, for components built without metrics.
func Nop() *Metrics {
	m, err := New(prometheus.NewRegistry())
	if err != nil {
		panic(err)
	}
	return m
}

// NewRegistry returns a registry with the standard Go and process collectors.
func NewRegistry() (*prometheus.Registry, error) {
	reg := prometheus.NewRegistry()
	if err := reg.Register(collectors.NewGoCollector()); err != nil {
		return nil, fmt.Errorf("registering go collector: %w", err)
	}
	if err := reg.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{})); err != nil {
		return nil, fmt.Errorf("registering process collector: %w", err)
	}
	return reg, nil
}

// Handler returns an http.Handler for the /metrics endpoint.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}
