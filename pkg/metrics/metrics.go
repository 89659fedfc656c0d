// Package metrics exposes the matcher's operational counters over
// Prometheus.
package metrics

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"github.com/luxfi/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the matcher's Prometheus instruments on a private registry.
type Metrics struct {
	namespace string
	registry  *prometheus.Registry
	logger    log.Logger

	// Engine metrics
	ordersAccepted prometheus.Counter
	ordersRejected prometheus.Counter
	tradesExecuted prometheus.Counter
	cancelsTotal   prometheus.Counter
	flushesTotal   prometheus.Counter
	restingOrders  prometheus.GaugeVec

	// Transport metrics
	messagesIn       prometheus.CounterVec
	messagesOut      prometheus.CounterVec
	parseErrors      prometheus.CounterVec
	inputsDropped    prometheus.Counter
	outputsDropped   prometheus.Counter
	multicastPackets prometheus.Counter
	clientsConnected prometheus.GaugeVec

	// Queue metrics
	queueDepth prometheus.GaugeVec

	// System metrics
	memoryUsage prometheus.Gauge
	goroutines  prometheus.Gauge
}

// New creates the instrument set under the given namespace.
func New(namespace string, logger log.Logger) *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		namespace: namespace,
		registry:  registry,
		logger:    logger,

		ordersAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_accepted_total",
			Help:      "Total number of orders accepted by the engines",
		}),

		ordersRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_rejected_total",
			Help:      "Total number of orders rejected for arena exhaustion",
		}),

		tradesExecuted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trades_executed_total",
			Help:      "Total number of trades executed",
		}),

		cancelsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cancels_total",
			Help:      "Total number of cancel requests processed",
		}),

		flushesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flushes_total",
			Help:      "Total number of book flushes completed",
		}),

		restingOrders: *prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "resting_orders",
			Help:      "Current resting orders per engine shard",
		}, []string{"shard"}),

		messagesIn: *prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Total messages received by transport",
		}, []string{"transport"}),

		messagesOut: *prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_sent_total",
			Help:      "Total messages sent by transport",
		}, []string{"transport"}),

		parseErrors: *prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "parse_errors_total",
			Help:      "Total malformed messages by transport",
		}, []string{"transport"}),

		inputsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inputs_dropped_total",
			Help:      "Inputs dropped because an engine queue was full",
		}),

		outputsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outputs_dropped_total",
			Help:      "Outputs dropped because the output queue was full",
		}),

		multicastPackets: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "multicast_packets_total",
			Help:      "Total datagrams published on the multicast feed",
		}),

		clientsConnected: *prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "clients_connected",
			Help:      "Currently registered clients by transport",
		}, []string{"transport"}),

		queueDepth: *prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Current depth of the engine and output queues",
		}, []string{"queue"}),

		memoryUsage: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "memory_usage_bytes",
			Help:      "Current memory usage in bytes",
		}),

		goroutines: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "goroutines_count",
			Help:      "Current number of goroutines",
		}),
	}

	registry.MustRegister(
		m.ordersAccepted,
		m.ordersRejected,
		m.tradesExecuted,
		m.cancelsTotal,
		m.flushesTotal,
		m.restingOrders,
		m.messagesIn,
		m.messagesOut,
		m.parseErrors,
		m.inputsDropped,
		m.outputsDropped,
		m.multicastPackets,
		m.clientsConnected,
		m.queueDepth,
		m.memoryUsage,
		m.goroutines,
	)

	return m
}

// Handler returns the scrape endpoint handler for the private registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordOrderAccepted counts an accepted order.
func (m *Metrics) RecordOrderAccepted() { m.ordersAccepted.Inc() }

// RecordOrderRejected counts a rejected order.
func (m *Metrics) RecordOrderRejected() { m.ordersRejected.Inc() }

// RecordTrade counts an executed trade.
func (m *Metrics) RecordTrade() { m.tradesExecuted.Inc() }

// RecordCancel counts a processed cancel.
func (m *Metrics) RecordCancel() { m.cancelsTotal.Inc() }

// RecordFlush counts a completed flush.
func (m *Metrics) RecordFlush() { m.flushesTotal.Inc() }

// SetRestingOrders updates a shard's resting order gauge.
func (m *Metrics) SetRestingOrders(shard string, n float64) {
	m.restingOrders.WithLabelValues(shard).Set(n)
}

// RecordMessageIn counts a received message for a transport.
func (m *Metrics) RecordMessageIn(transport string) {
	m.messagesIn.WithLabelValues(transport).Inc()
}

// RecordMessageOut counts a sent message for a transport.
func (m *Metrics) RecordMessageOut(transport string) {
	m.messagesOut.WithLabelValues(transport).Inc()
}

// RecordParseError counts a malformed inbound message.
func (m *Metrics) RecordParseError(transport string) {
	m.parseErrors.WithLabelValues(transport).Inc()
}

// RecordInputDropped counts an input lost to backpressure.
func (m *Metrics) RecordInputDropped() { m.inputsDropped.Inc() }

// RecordOutputDropped counts an output lost to backpressure.
func (m *Metrics) RecordOutputDropped() { m.outputsDropped.Inc() }

// RecordMulticastPacket counts a published feed datagram.
func (m *Metrics) RecordMulticastPacket() { m.multicastPackets.Inc() }

// SetClientsConnected updates the connected client gauge for a transport.
func (m *Metrics) SetClientsConnected(transport string, n float64) {
	m.clientsConnected.WithLabelValues(transport).Set(n)
}

// SetQueueDepth updates a queue depth gauge.
func (m *Metrics) SetQueueDepth(queue string, depth float64) {
	m.queueDepth.WithLabelValues(queue).Set(depth)
}

// CollectSystemMetrics samples runtime stats until the context is cancelled.
func (m *Metrics) CollectSystemMetrics(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			var memStats runtime.MemStats
			runtime.ReadMemStats(&memStats)
			m.memoryUsage.Set(float64(memStats.Alloc))
			m.goroutines.Set(float64(runtime.NumGoroutine()))
		}
	}
}
