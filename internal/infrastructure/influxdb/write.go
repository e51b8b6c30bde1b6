package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement names.
const (
	measurementConnection = "mqtt_connection"
	measurementOperation  = "mqtt_operation"
	measurementRetransmit = "mqtt_retransmit"
	measurementKeepalive  = "mqtt_keepalive"
	measurementInflight   = "mqtt_inflight"
	measurementDelivery   = "mqtt_delivery"
)

// WritePoint writes a point timestamped now. The write is non-blocking.
//
// Example:
//
//	client.WritePoint("mqtt_delivery",
//	    map[string]string{"topic": "temp/livingroom", "qos": "1"},
//	    map[string]any{"payload_bytes": 4})
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]any) {
	c.WritePointWithTime(measurement, tags, fields, time.Now())
}

// WritePointWithTime writes a point with an explicit timestamp.
func (c *Client) WritePointWithTime(measurement string, tags map[string]string, fields map[string]any, timestamp time.Time) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(write.NewPoint(measurement, tags, fields, timestamp))
}
