package gateway

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"relaygate/pkg/bus"
)

const metricsNamespace = "relaygate"

// Delivery results recorded by the outbound router.
const (
	deliveryDelivered = "delivered"
	deliveryFailed    = "failed"
	deliveryDropped   = "dropped"
)

// Metrics exposes bus counters and delivery outcomes on a private registry.
type Metrics struct {
	registry   *prometheus.Registry
	deliveries *prometheus.CounterVec
}

func NewMetrics(mb *bus.MessageBus) *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	for _, direction := range []bus.Direction{bus.Inbound, bus.Outbound} {
		labels := prometheus.Labels{"direction": string(direction)}

		registry.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Subsystem:   "bus",
			Name:        "messages_total",
			Help:        "Messages published to the bus since start.",
			ConstLabels: labels,
		}, func() float64 {
			return float64(mb.TotalMessages(direction))
		}))

		registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   metricsNamespace,
			Subsystem:   "bus",
			Name:        "queue_depth",
			Help:        "Messages currently waiting in the bus queue.",
			ConstLabels: labels,
		}, func() float64 {
			if direction == bus.Inbound {
				return float64(mb.InboundSize())
			}
			return float64(mb.OutboundSize())
		}))
	}

	deliveries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: "channel",
		Name:      "deliveries_total",
		Help:      "Outbound delivery attempts by channel and result.",
	}, []string{"channel", "result"})
	registry.MustRegister(deliveries)

	return &Metrics{registry: registry, deliveries: deliveries}
}

// ObserveDelivery counts one routed outbound message. Safe on a nil receiver.
func (m *Metrics) ObserveDelivery(channel, result string) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(channel, result).Inc()
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
