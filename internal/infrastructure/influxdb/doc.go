// Package influxdb records MQTT protocol telemetry in InfluxDB.
//
// It wraps the official influxdb-client-go v2 library: Connect pings the
// server and opens a batched, non-blocking write API, and Telemetry turns
// client observer events into points.
//
// # Usage
//
//	client, err := influxdb.Connect(ctx, cfg.InfluxDB, cfg.MQTT.Broker.ClientID)
//	if errors.Is(err, influxdb.ErrDisabled) {
//	    // telemetry off
//	}
//	defer client.Close()
//
//	observer := influxdb.NewTelemetry(client)
//
// # Measurements
//
//   - mqtt_connection: state transitions and disconnect reasons
//   - mqtt_operation: acknowledgment latency per operation kind
//   - mqtt_retransmit: resent packets
//   - mqtt_keepalive: PINGRESP timeouts
//   - mqtt_inflight: outbound and inbound inflight levels
//   - mqtt_delivery: messages handed to the application
//
// # Error Handling
//
// Writes are batched according to batch_size and flush_interval. Batch
// failures arrive asynchronously through SetOnError. Connection and health
// check errors are returned directly.
package influxdb
