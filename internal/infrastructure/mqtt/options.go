package mqtt

import (
	"context"
	"net"
	"time"

	"github.com/nerrad567/mq2t-core/internal/infrastructure/config"
)

// Defaults applied by NewClient when a field is left zero.
const (
	defaultConnectTimeout     = 5 * time.Second
	defaultDisconnectWait     = 1 * time.Second
	defaultRetransmitInterval = 60 * time.Second
	defaultReconnectDelay     = 3 * time.Second
	defaultMaxReconnectDelay  = 2 * time.Minute
	defaultMaxPayloadSize     = 8092000
	defaultDispatchQueueSize  = 256
	defaultOutboundQueueSize  = 128

	// writeTimeout bounds a single frame write on the transport.
	writeTimeout = 10 * time.Second

	// reconnectBackoffFactor multiplies the delay after each failed attempt.
	reconnectBackoffFactor = 1.5

	// protocolLevel is the MQTT 3.1.1 protocol level sent in CONNECT.
	protocolLevel = 4

	maxQoS = 2
)

// Options configures a Client. Zero values take the defaults above.
type Options struct {
	// Address is the broker "host:port".
	Address  string
	ClientID string
	Username string
	Password string

	// Will is registered at CONNECT when non-nil.
	Will *Will

	CleanSession bool

	// KeepAlive is the write-idle interval before a PINGREQ. Zero disables it.
	KeepAlive time.Duration
	// PingTimeout is how long to wait for PINGRESP. Zero means KeepAlive.
	PingTimeout    time.Duration
	ConnectTimeout time.Duration
	// DisconnectWait bounds the UNSUBACK wait of a graceful disconnect.
	DisconnectWait time.Duration

	// Reconnect controls recovery from transport loss and keepalive timeout.
	// When disabled a keepalive timeout disconnects instead.
	Reconnect ReconnectPolicy

	RetransmitInterval time.Duration
	// MaxRetries is the number of resends before an operation fails with
	// ErrRetransmitExhausted. Zero resends forever.
	MaxRetries int

	MaxInflight       int
	MaxPayloadSize    int
	DispatchQueueSize int

	// Observer receives protocol events. Nil means NopObserver.
	Observer Observer

	// Store persists inbound QoS 2 state when CleanSession is false.
	Store SessionStore

	// Dialer opens the transport. Nil means a plain TCP dial.
	Dialer func(ctx context.Context, address string) (net.Conn, error)
}

// Will is the Last Will and Testament published by the broker when the
// client disappears without DISCONNECT.
type Will struct {
	Topic   string
	Payload []byte
	QoS     byte
	Retain  bool
}

// ReconnectPolicy is the backoff used after an established session is lost.
type ReconnectPolicy struct {
	Enabled      bool
	InitialDelay time.Duration
	MaxDelay     time.Duration
	// MaxAttempts of zero retries until Disconnect or Close.
	MaxAttempts int
}

// OptionsFromConfig maps the mqtt section of config.yaml onto Options.
func OptionsFromConfig(cfg config.MQTTConfig) Options {
	opts := Options{
		Address:        cfg.BrokerAddress(),
		ClientID:       cfg.Broker.ClientID,
		Username:       cfg.Auth.Username,
		Password:       cfg.Auth.Password,
		CleanSession:   cfg.Session.CleanSession,
		KeepAlive:      cfg.Session.KeepAlive,
		PingTimeout:    cfg.Session.PingTimeout,
		ConnectTimeout: cfg.Session.ConnectTimeout,
		DisconnectWait: cfg.Session.DisconnectWait,
		Reconnect: ReconnectPolicy{
			Enabled:      cfg.Reconnect.Enabled,
			InitialDelay: cfg.Reconnect.InitialDelay,
			MaxDelay:     cfg.Reconnect.MaxDelay,
			MaxAttempts:  cfg.Reconnect.MaxAttempts,
		},
		RetransmitInterval: cfg.Retransmit.Interval,
		MaxRetries:         cfg.Retransmit.MaxRetries,
		MaxInflight:        cfg.MaxInflight,
		MaxPayloadSize:     cfg.MaxPayloadSize,
	}

	if cfg.Will.Topic != "" {
		opts.Will = &Will{
			Topic:   cfg.Will.Topic,
			Payload: []byte(cfg.Will.Message),
			QoS:     cfg.Will.QoS.Byte(),
			Retain:  cfg.Will.Retain,
		}
	}
	return opts
}

// SubscriptionsFromConfig converts startup subscriptions.
func SubscriptionsFromConfig(cfg config.MQTTConfig) []Subscription {
	subs := make([]Subscription, 0, len(cfg.Subscriptions))
	for _, s := range cfg.Subscriptions {
		subs = append(subs, Subscription{Filter: s.Topic, QoS: s.QoS.Byte()})
	}
	return subs
}

func (o *Options) applyDefaults() {
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = defaultConnectTimeout
	}
	if o.DisconnectWait <= 0 {
		o.DisconnectWait = defaultDisconnectWait
	}
	if o.RetransmitInterval <= 0 {
		o.RetransmitInterval = defaultRetransmitInterval
	}
	if o.Reconnect.InitialDelay <= 0 {
		o.Reconnect.InitialDelay = defaultReconnectDelay
	}
	if o.Reconnect.MaxDelay <= 0 {
		o.Reconnect.MaxDelay = defaultMaxReconnectDelay
	}
	if o.MaxInflight <= 0 || o.MaxInflight > maxPacketID {
		o.MaxInflight = maxPacketID
	}
	if o.MaxPayloadSize <= 0 {
		o.MaxPayloadSize = defaultMaxPayloadSize
	}
	if o.DispatchQueueSize <= 0 {
		o.DispatchQueueSize = defaultDispatchQueueSize
	}
	if o.Observer == nil {
		o.Observer = NopObserver{}
	}
	if o.Dialer == nil {
		o.Dialer = func(ctx context.Context, address string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "tcp", address)
		}
	}
}

// keepaliveSeconds is the CONNECT keepalive field: the interval rounded up
// to whole seconds and capped at 65535.
func keepaliveSeconds(d time.Duration) uint16 {
	if d <= 0 {
		return 0
	}
	secs := (d + time.Second - 1) / time.Second
	if secs > maxPacketID {
		secs = maxPacketID
	}
	return uint16(secs)
}

// nextBackoff grows delay by reconnectBackoffFactor, capped at limit.
func nextBackoff(delay, limit time.Duration) time.Duration {
	next := time.Duration(float64(delay) * reconnectBackoffFactor)
	if next > limit {
		return limit
	}
	return next
}
