// Package mqtt implements the session core of an MQTT 3.1.1 client.
//
// This package manages:
//   - The connection lifecycle (CONNECT/CONNACK, keepalive, DISCONNECT)
//   - Correlation of outbound requests with their acknowledgments
//   - QoS 1 and QoS 2 flows in both directions
//   - Retransmission of unacknowledged requests with the DUP flag
//   - A reference-counted subscription registry restored on reconnect
//   - Reconnection with backoff after transport loss
//
// Frames are encoded and decoded with the paho packets codec; this package
// supplies the protocol state on top of it.
//
// # Architecture
//
// Each transport is served by a session with two goroutines. The read loop
// decodes frames and handles them in arrival order. The write loop is the
// only writer on the connection. When either stops, the session is torn
// down once: every pending operation fails with ErrConnectionClosed and
// the state machine decides whether to reconnect.
//
//	Publish/Subscribe -> Mediator (packet id -> Token) -> write loop -> broker
//	broker -> read loop -> Mediator.Complete / inbound table -> Dispatcher
//
// The Mediator holds at most MaxInflight operations. A sweeper resends
// overdue entries every RetransmitInterval and fails them after MaxRetries.
//
// Inbound QoS 2 messages are held until PUBREL and delivered exactly once.
// With CleanSession false and a SessionStore configured they survive a
// restart.
//
// # Thread Safety
//
// All exported Client methods are safe for concurrent use. Operations
// return a *Token instead of blocking; callers wait with Token.Wait.
// The Dispatcher is called from one goroutine in arrival order.
//
// # Usage
//
//	client := mqtt.NewClient(mqtt.OptionsFromConfig(cfg.MQTT), mqtt.DispatcherFunc(
//	    func(topic string, payload []byte, qos byte, retain bool) {
//	        log.Printf("%s = %s", topic, payload)
//	    }))
//	defer client.Close()
//
//	client.Subscribe("temp/+", 1)
//	if err := client.Connect(ctx).Wait(ctx); err != nil {
//	    return err
//	}
//
//	tok := client.Publish("temp/livingroom", []byte("21.5"), 1, false)
//	if err := tok.Wait(ctx); err != nil {
//	    return err
//	}
package mqtt
