package influxdb

import (
	"strconv"
	"time"

	"github.com/nerrad567/mq2t-core/internal/infrastructure/mqtt"
)

// Telemetry adapts a Client to mqtt.Observer.
//
// Per-frame counters are left to the Prometheus collector; InfluxDB gets
// the events worth keeping as history: state changes, operation latencies,
// retransmits, keepalive timeouts, inflight levels, deliveries and
// disconnect reasons.
type Telemetry struct {
	mqtt.NopObserver
	client *Client
}

var _ mqtt.Observer = (*Telemetry)(nil)

// NewTelemetry returns an observer writing through c.
func NewTelemetry(c *Client) *Telemetry {
	return &Telemetry{client: c}
}

// ConnectionStateChanged implements mqtt.Observer.
func (t *Telemetry) ConnectionStateChanged(from, to mqtt.State) {
	t.client.WritePoint(measurementConnection,
		map[string]string{"state": string(to)},
		map[string]any{"from": string(from), "connected": to == mqtt.StateConnected},
	)
}

// Retransmitted implements mqtt.Observer.
func (t *Telemetry) Retransmitted(kind string) {
	t.client.WritePoint(measurementRetransmit,
		map[string]string{"kind": kind},
		map[string]any{"count": 1},
	)
}

// OperationCompleted implements mqtt.Observer.
func (t *Telemetry) OperationCompleted(kind string, latency time.Duration, err error) {
	fields := map[string]any{"latency_ms": float64(latency) / float64(time.Millisecond)}
	result := "success"
	if err != nil {
		result = "failed"
		fields["error"] = err.Error()
	}
	t.client.WritePoint(measurementOperation,
		map[string]string{"kind": kind, "result": result},
		fields,
	)
}

// KeepaliveTimedOut implements mqtt.Observer.
func (t *Telemetry) KeepaliveTimedOut() {
	t.client.WritePoint(measurementKeepalive, nil, map[string]any{"timeout": true})
}

// InflightChanged implements mqtt.Observer.
func (t *Telemetry) InflightChanged(outbound, inbound int) {
	t.client.WritePoint(measurementInflight, nil,
		map[string]any{"outbound": outbound, "inbound": inbound},
	)
}

// MessageDelivered implements mqtt.Observer.
func (t *Telemetry) MessageDelivered(topic string, qos byte, size int) {
	t.client.WritePoint(measurementDelivery,
		map[string]string{"topic": topic, "qos": strconv.Itoa(int(qos))},
		map[string]any{"payload_bytes": size},
	)
}

// Disconnected implements mqtt.Observer.
func (t *Telemetry) Disconnected(reason string) {
	t.client.WritePoint(measurementConnection,
		map[string]string{"state": "session_ended"},
		map[string]any{"reason": reason, "connected": false},
	)
}
