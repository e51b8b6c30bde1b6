package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nerrad567/mq2t-core/internal/infrastructure/mqtt"
)

const (
	namespace = "mq2t"
	subsystem = "mqtt"
)

var states = []mqtt.State{
	mqtt.StateDisconnected,
	mqtt.StateConnecting,
	mqtt.StateConnected,
	mqtt.StateDisconnecting,
}

// Collector records client events in Prometheus collectors.
type Collector struct {
	state             *prometheus.GaugeVec
	packetsSent       *prometheus.CounterVec
	packetsReceived   *prometheus.CounterVec
	retransmits       *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	keepaliveTimeouts prometheus.Counter
	inflight          *prometheus.GaugeVec
	delivered         *prometheus.CounterVec
	deliveredBytes    prometheus.Counter
	disconnects       prometheus.Counter
}

var _ mqtt.Observer = (*Collector)(nil)

// NewCollector creates the collectors and registers them on reg.
// It panics if any name is already registered, like MustRegister.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "connection_state",
			Help:      "Current connection state (1 for the active state, 0 otherwise).",
		}, []string{"state"}),
		packetsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "packets_sent_total",
			Help:      "Control packets written to the broker.",
		}, []string{"kind"}),
		packetsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "packets_received_total",
			Help:      "Control packets read from the broker.",
		}, []string{"kind"}),
		retransmits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "retransmits_total",
			Help:      "Unacknowledged packets sent again.",
		}, []string{"kind"}),
		operationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "operation_duration_seconds",
			Help:      "Time from registration to acknowledgment of publish, subscribe and unsubscribe operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind", "result"}),
		keepaliveTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "keepalive_timeouts_total",
			Help:      "PINGREQs left unanswered within the ping timeout.",
		}),
		inflight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "inflight_messages",
			Help:      "Operations awaiting acknowledgment.",
		}, []string{"direction"}),
		delivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "messages_delivered_total",
			Help:      "Inbound messages handed to the application.",
		}, []string{"qos"}),
		deliveredBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "delivered_payload_bytes_total",
			Help:      "Payload bytes handed to the application.",
		}),
		disconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "disconnects_total",
			Help:      "Sessions ended for any reason.",
		}),
	}

	reg.MustRegister(
		c.state,
		c.packetsSent,
		c.packetsReceived,
		c.retransmits,
		c.operationDuration,
		c.keepaliveTimeouts,
		c.inflight,
		c.delivered,
		c.deliveredBytes,
		c.disconnects,
	)

	c.ConnectionStateChanged(mqtt.StateDisconnected, mqtt.StateDisconnected)
	c.InflightChanged(0, 0)
	return c
}

// ConnectionStateChanged implements mqtt.Observer.
func (c *Collector) ConnectionStateChanged(_, to mqtt.State) {
	for _, s := range states {
		v := 0.0
		if s == to {
			v = 1
		}
		c.state.WithLabelValues(string(s)).Set(v)
	}
}

// PacketSent implements mqtt.Observer.
func (c *Collector) PacketSent(kind string) {
	c.packetsSent.WithLabelValues(kind).Inc()
}

// PacketReceived implements mqtt.Observer.
func (c *Collector) PacketReceived(kind string) {
	c.packetsReceived.WithLabelValues(kind).Inc()
}

// Retransmitted implements mqtt.Observer.
func (c *Collector) Retransmitted(kind string) {
	c.retransmits.WithLabelValues(kind).Inc()
}

// OperationCompleted implements mqtt.Observer.
func (c *Collector) OperationCompleted(kind string, latency time.Duration, err error) {
	result := "success"
	if err != nil {
		result = "failed"
	}
	c.operationDuration.WithLabelValues(kind, result).Observe(latency.Seconds())
}

// KeepaliveTimedOut implements mqtt.Observer.
func (c *Collector) KeepaliveTimedOut() {
	c.keepaliveTimeouts.Inc()
}

// InflightChanged implements mqtt.Observer.
func (c *Collector) InflightChanged(outbound, inbound int) {
	c.inflight.WithLabelValues("outbound").Set(float64(outbound))
	c.inflight.WithLabelValues("inbound").Set(float64(inbound))
}

// MessageDelivered implements mqtt.Observer.
func (c *Collector) MessageDelivered(_ string, qos byte, size int) {
	c.delivered.WithLabelValues(strconv.Itoa(int(qos))).Inc()
	c.deliveredBytes.Add(float64(size))
}

// Disconnected implements mqtt.Observer.
func (c *Collector) Disconnected(string) {
	c.disconnects.Inc()
}
