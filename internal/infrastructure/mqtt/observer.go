package mqtt

import "time"

// Observer receives protocol events for metrics and telemetry sinks.
//
// Methods are called synchronously from the read loop, the write loop and
// timer callbacks, so implementations must be fast and must not call back
// into the Client.
type Observer interface {
	ConnectionStateChanged(from, to State)
	PacketSent(kind string)
	PacketReceived(kind string)
	Retransmitted(kind string)
	OperationCompleted(kind string, latency time.Duration, err error)
	KeepaliveTimedOut()
	InflightChanged(outbound, inbound int)
	MessageDelivered(topic string, qos byte, size int)
	Disconnected(reason string)
}

// NopObserver ignores every event.
type NopObserver struct{}

func (NopObserver) ConnectionStateChanged(State, State)             {}
func (NopObserver) PacketSent(string)                               {}
func (NopObserver) PacketReceived(string)                           {}
func (NopObserver) Retransmitted(string)                            {}
func (NopObserver) OperationCompleted(string, time.Duration, error) {}
func (NopObserver) KeepaliveTimedOut()                              {}
func (NopObserver) InflightChanged(int, int)                        {}
func (NopObserver) MessageDelivered(string, byte, int)              {}
func (NopObserver) Disconnected(string)                             {}

// MultiObserver fans every event out to each member in order.
type MultiObserver []Observer

func (m MultiObserver) ConnectionStateChanged(from, to State) {
	for _, o := range m {
		o.ConnectionStateChanged(from, to)
	}
}

func (m MultiObserver) PacketSent(kind string) {
	for _, o := range m {
		o.PacketSent(kind)
	}
}

func (m MultiObserver) PacketReceived(kind string) {
	for _, o := range m {
		o.PacketReceived(kind)
	}
}

func (m MultiObserver) Retransmitted(kind string) {
	for _, o := range m {
		o.Retransmitted(kind)
	}
}

func (m MultiObserver) OperationCompleted(kind string, latency time.Duration, err error) {
	for _, o := range m {
		o.OperationCompleted(kind, latency, err)
	}
}

func (m MultiObserver) KeepaliveTimedOut() {
	for _, o := range m {
		o.KeepaliveTimedOut()
	}
}

func (m MultiObserver) InflightChanged(outbound, inbound int) {
	for _, o := range m {
		o.InflightChanged(outbound, inbound)
	}
}

func (m MultiObserver) MessageDelivered(topic string, qos byte, size int) {
	for _, o := range m {
		o.MessageDelivered(topic, qos, size)
	}
}

func (m MultiObserver) Disconnected(reason string) {
	for _, o := range m {
		o.Disconnected(reason)
	}
}
