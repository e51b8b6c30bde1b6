package mqtt

import "errors"

// Domain-specific errors for MQTT operations.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrNotConnected is returned when an operation needs a connected session.
	ErrNotConnected = errors.New("mqtt: client not connected")

	// ErrAlreadyConnected is returned by Connect while a session exists or a
	// handshake is in progress.
	ErrAlreadyConnected = errors.New("mqtt: client already connected or connecting")

	// ErrConnectionFailed wraps dial and handshake transport errors.
	ErrConnectionFailed = errors.New("mqtt: connection failed")

	// ErrConnectionRefused is returned when the broker answers CONNACK with a
	// non-zero return code. The codec's refusal error is wrapped alongside.
	ErrConnectionRefused = errors.New("mqtt: connection refused")

	// ErrConnectTimeout is returned when CONNACK does not arrive within the
	// connect timeout.
	ErrConnectTimeout = errors.New("mqtt: connect timed out")

	// ErrConnectionClosed resolves every pending operation when the session
	// is torn down.
	ErrConnectionClosed = errors.New("mqtt: connection closed")

	// ErrClientClosed is returned after Close.
	ErrClientClosed = errors.New("mqtt: client closed")

	// ErrReconnectFailed is returned when the reconnect policy gives up.
	ErrReconnectFailed = errors.New("mqtt: reconnect failed")

	// ErrKeepaliveTimeout is the cause recorded when no PINGRESP arrives in time.
	ErrKeepaliveTimeout = errors.New("mqtt: keepalive timeout")

	// ErrPacketIDInUse is returned when registering an identifier that is
	// already outstanding.
	ErrPacketIDInUse = errors.New("mqtt: packet identifier already in use")

	// ErrPacketIDsExhausted is returned when every identifier in 1..65535 is
	// outstanding.
	ErrPacketIDsExhausted = errors.New("mqtt: packet identifiers exhausted")

	// ErrInflightExhausted is returned when the pending operation table is at
	// its configured capacity.
	ErrInflightExhausted = errors.New("mqtt: inflight window exhausted")

	// ErrRetransmitExhausted fails an operation that was resent max_retries
	// times without an acknowledgment.
	ErrRetransmitExhausted = errors.New("mqtt: retransmission limit reached")

	// ErrSubscriptionRejected is returned when SUBACK carries 0x80 for a filter.
	ErrSubscriptionRejected = errors.New("mqtt: subscription rejected by broker")

	// ErrProtocolViolation marks frames that break the MQTT 3.1.1 flow.
	ErrProtocolViolation = errors.New("mqtt: protocol violation")

	// ErrInvalidQoS is returned when an invalid QoS level is specified.
	// Valid QoS levels are 0, 1, or 2.
	ErrInvalidQoS = errors.New("mqtt: invalid QoS level (must be 0, 1, or 2)")

	// ErrInvalidTopic is returned for empty, oversized, non-UTF-8 or wildcard
	// topic names.
	ErrInvalidTopic = errors.New("mqtt: invalid topic name")

	// ErrInvalidFilter is returned for malformed topic filters.
	ErrInvalidFilter = errors.New("mqtt: invalid topic filter")

	// ErrPayloadTooLarge is returned when a payload exceeds MaxPayloadSize.
	ErrPayloadTooLarge = errors.New("mqtt: payload too large")
)
