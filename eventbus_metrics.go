package modkit

import "github.com/prometheus/client_golang/prometheus"

type busMetrics struct {
	published     prometheus.Counter
	delivered     prometheus.Counter
	handlerErrors prometheus.Counter
	subscriptions prometheus.Gauge
}

// EnableMetrics registers bus delivery metrics with reg. Call at wiring
// time, before the bus sees traffic; registering the same bus twice with
// the same registerer panics the way prometheus collectors usually do.
func (b *EventBus) EnableMetrics(reg prometheus.Registerer) {
	m := &busMetrics{
		published: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "modkit_eventbus_published_total",
			Help: "Events accepted by the bus.",
		}),
		delivered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "modkit_eventbus_delivered_total",
			Help: "Successful handler invocations.",
		}),
		handlerErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "modkit_eventbus_handler_errors_total",
			Help: "Handler invocations that returned an error or panicked.",
		}),
		subscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "modkit_eventbus_subscriptions",
			Help: "Live subscriptions.",
		}),
	}
	reg.MustRegister(m.published, m.delivered, m.handlerErrors, m.subscriptions)
	b.metrics = m
}
