package mqtt

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eclipse/paho.mqtt.golang/packets"
)

// closeOnce wraps a channel with sync.Once to prevent double-close panics.
type closeOnce struct {
	ch   chan struct{}
	once sync.Once
}

func newCloseOnce() *closeOnce {
	return &closeOnce{ch: make(chan struct{})}
}

func (c *closeOnce) Close() {
	c.once.Do(func() { close(c.ch) })
}

func (c *closeOnce) Done() <-chan struct{} {
	return c.ch
}

// Logger interface for optional logging support.
// Compatible with logging.Logger and slog.Logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// loggerRef lets SetLogger swap the logger seen by every component.
type loggerRef struct {
	mu sync.RWMutex
	l  Logger
}

func (r *loggerRef) get() Logger {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.l
}

func (r *loggerRef) set(l Logger) {
	if l == nil {
		l = noopLogger{}
	}
	r.mu.Lock()
	r.l = l
	r.mu.Unlock()
}

func (r *loggerRef) Debug(msg string, args ...any) { r.get().Debug(msg, args...) }
func (r *loggerRef) Info(msg string, args ...any)  { r.get().Info(msg, args...) }
func (r *loggerRef) Warn(msg string, args ...any)  { r.get().Warn(msg, args...) }
func (r *loggerRef) Error(msg string, args ...any) { r.get().Error(msg, args...) }

// ClientStats holds client statistics.
type ClientStats struct {
	State           State
	PacketsSent     uint64
	PacketsReceived uint64
	Retransmits     uint64
	Delivered       uint64
	ProtocolErrors  uint64
	ReconnectsTotal uint64 // Successful reconnections
	Inflight        int    // Outbound operations awaiting acknowledgment
	InboundInflight int    // Inbound QoS 2 messages awaiting PUBREL
	Subscriptions   int
	LastActivity    time.Time
	Reconnecting    bool
}

// Client is an MQTT 3.1.1 client session manager.
//
// It owns one transport at a time. Outbound requests are correlated with
// their acknowledgments by the Mediator, QoS 1 and 2 flows are completed
// in both directions, unacknowledged requests are retransmitted, and a
// lost session is re-established according to the reconnect policy.
//
// Thread Safety:
//   - All exported methods are safe for concurrent use.
//   - Inbound messages reach the Dispatcher from a single goroutine.
type Client struct {
	opts     Options
	logger   *loggerRef
	observer Observer

	mediator *Mediator
	registry *Registry
	inbound  *inboundTable
	queue    *dispatchQueue
	state    *stateMachine

	// subMu orders registry changes with the SUBSCRIBE and UNSUBSCRIBE
	// frames they produce. It is held until the frame is queued.
	subMu sync.Mutex

	// mu guards the active session and the reconnect loop handles.
	mu            sync.Mutex
	sess          *session
	reconnectTok  *Token
	stopReconnect context.CancelFunc
	restored      bool

	// Shutdown coordination
	ctx    context.Context
	cancel context.CancelFunc
	done   *closeOnce
	wg     sync.WaitGroup

	// Statistics
	packetsSent     atomic.Uint64
	packetsReceived atomic.Uint64
	retransmits     atomic.Uint64
	delivered       atomic.Uint64
	protocolErrors  atomic.Uint64
	reconnectsTotal atomic.Uint64
	lastActivity    atomic.Int64 // Unix timestamp
}

// NewClient creates a disconnected client. Messages accepted from the
// broker are handed to dispatcher; a nil dispatcher discards them.
func NewClient(opts Options, dispatcher Dispatcher) *Client {
	opts.applyDefaults()

	logger := &loggerRef{l: noopLogger{}}
	c := &Client{
		opts:     opts,
		logger:   logger,
		observer: opts.Observer,
		mediator: NewMediator(opts.MaxInflight, logger),
		registry: NewRegistry(),
		inbound:  newInboundTable(),
		done:     newCloseOnce(),
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.state = newStateMachine(c.onStateChange)
	c.queue = newDispatchQueue(opts.DispatchQueueSize, dispatcher, logger, c.onDelivered)
	c.queue.start()
	return c
}

// SetLogger sets a logger for connection events and protocol warnings.
func (c *Client) SetLogger(logger Logger) {
	c.logger.set(logger)
}

// Connect opens the transport, sends CONNECT and resolves the returned
// token with the CONNACK.
//
// Behaviour:
//   - Fails with ErrAlreadyConnected unless the client is disconnected
//   - A refused CONNACK fails with ErrConnectionRefused and is not retried
//   - On success, registry filters are subscribed in one batched SUBSCRIBE
//
// ctx bounds the handshake only; the session outlives it.
func (c *Client) Connect(ctx context.Context) *Token {
	if c.isClosed() {
		return completedToken(nil, ErrClientClosed)
	}
	if err := c.state.fire(eventConnect); err != nil {
		return completedToken(nil, fmt.Errorf("%w: state %s", ErrAlreadyConnected, c.state.Current()))
	}

	c.restoreSession(ctx)

	tok := newToken()
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		reply, err := c.handshake(ctx)
		tok.complete(reply, err)
	}()
	return tok
}

// restoreSession loads persisted inbound QoS 2 state before the first
// handshake of a non-clean session, or discards it for a clean one.
func (c *Client) restoreSession(ctx context.Context) {
	store := c.opts.Store
	if store == nil {
		return
	}

	c.mu.Lock()
	first := !c.restored
	c.restored = true
	c.mu.Unlock()
	if !first {
		return
	}

	if c.opts.CleanSession {
		if err := store.ClearInbound(ctx, c.opts.ClientID); err != nil {
			c.logger.Warn("failed to clear stored session", "client_id", c.opts.ClientID, "error", err)
		}
		return
	}

	msgs, err := store.LoadInbound(ctx, c.opts.ClientID)
	if err != nil {
		c.logger.Warn("failed to load stored session", "client_id", c.opts.ClientID, "error", err)
		return
	}
	c.inbound.load(msgs)
	if len(msgs) > 0 {
		c.logger.Info("restored inbound QoS 2 state", "client_id", c.opts.ClientID, "messages", len(msgs))
	}
}

// handshake dials and completes CONNECT/CONNACK. The state must be
// connecting on entry; on failure it is disconnected on return.
func (c *Client) handshake(ctx context.Context) (packets.ControlPacket, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.ConnectTimeout)
	defer cancel()
	stop := context.AfterFunc(c.ctx, cancel)
	defer stop()

	conn, err := c.opts.Dialer(ctx, c.opts.Address)
	if err != nil {
		_ = c.state.fire(eventFail)
		return nil, fmt.Errorf("%w: dial %s: %w", ErrConnectionFailed, c.opts.Address, err)
	}

	hs := newToken()
	if err := c.mediator.RegisterConnect(hs); err != nil {
		_ = conn.Close()
		_ = c.state.fire(eventFail)
		return nil, err
	}

	s := newSession(c, conn)
	c.mu.Lock()
	c.sess = s
	c.mu.Unlock()
	s.start()

	c.logger.Debug("sending CONNECT", "address", c.opts.Address, "client_id", c.opts.ClientID)
	_ = s.send(c.connectPacket())

	select {
	case <-hs.Done():
	case <-ctx.Done():
		cause := ErrConnectionClosed
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			cause = ErrConnectTimeout
		}
		c.mediator.FailConnect(fmt.Errorf("%w: %w", cause, ctx.Err()))
		<-hs.Done()
	}

	if err := hs.Error(); err != nil {
		s.end(causeHandshake, err)
		<-s.finished
		if errors.Is(err, ErrConnectionRefused) || errors.Is(err, ErrConnectTimeout) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	if c.isClosed() {
		s.end(causeClosed, ErrClientClosed)
		<-s.finished
		return nil, ErrClientClosed
	}
	return hs.Reply(), nil
}

func (c *Client) connectPacket() *packets.ConnectPacket {
	p := packets.NewControlPacket(packets.Connect).(*packets.ConnectPacket)
	p.ProtocolName = "MQTT"
	p.ProtocolVersion = protocolLevel
	p.CleanSession = c.opts.CleanSession
	p.Keepalive = keepaliveSeconds(c.opts.KeepAlive)
	p.ClientIdentifier = c.opts.ClientID

	if c.opts.Username != "" {
		p.UsernameFlag = true
		p.Username = c.opts.Username
	}
	if c.opts.Password != "" {
		p.PasswordFlag = true
		p.Password = []byte(c.opts.Password)
	}
	if w := c.opts.Will; w != nil {
		p.WillFlag = true
		p.WillTopic = w.Topic
		p.WillMessage = w.Payload
		p.WillQos = w.QoS
		p.WillRetain = w.Retain
	}
	return p
}

// Reconnect drops the current transport, if any, and re-establishes the
// session with the reconnect backoff. Only one reconnect runs at a time;
// concurrent callers share its token.
func (c *Client) Reconnect() *Token {
	if c.isClosed() {
		return completedToken(nil, ErrClientClosed)
	}

	c.mu.Lock()
	s := c.sess
	tok := c.reconnectTok
	c.mu.Unlock()

	if tok != nil {
		return tok
	}
	switch c.state.Current() {
	case StateConnecting:
		return completedToken(nil, fmt.Errorf("%w: handshake in progress", ErrAlreadyConnected))
	case StateDisconnecting:
		return completedToken(nil, ErrConnectionClosed)
	}
	if s != nil && s.established.Load() {
		s.end(causeReconnect, nil)
		<-s.finished
		if s.reconnect != nil {
			return s.reconnect
		}
	}
	return c.startReconnect()
}

// startReconnect launches the reconnect loop unless one is running.
func (c *Client) startReconnect() *Token {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.reconnectTok != nil {
		return c.reconnectTok
	}
	if c.state.is(StateConnected) {
		_ = c.state.fire(eventReconnect)
	}

	tok := newToken()
	ctx, cancel := context.WithCancel(c.ctx)
	c.reconnectTok = tok
	c.stopReconnect = cancel

	c.wg.Add(1)
	go c.reconnectLoop(ctx, cancel, tok)
	return tok
}

func (c *Client) reconnectLoop(ctx context.Context, cancel context.CancelFunc, tok *Token) {
	defer c.wg.Done()
	defer cancel()

	reply, err := c.retryConnect(ctx)

	c.mu.Lock()
	c.reconnectTok = nil
	c.stopReconnect = nil
	c.mu.Unlock()

	if err != nil {
		c.logger.Error("reconnect abandoned", "error", err)
	} else {
		c.reconnectsTotal.Add(1)
		c.logger.Info("reconnected to broker", "address", c.opts.Address)
	}
	tok.complete(reply, err)
}

// retryConnect attempts handshakes with growing delays until one succeeds,
// the broker refuses, attempts run out or ctx is cancelled.
func (c *Client) retryConnect(ctx context.Context) (packets.ControlPacket, error) {
	policy := c.opts.Reconnect
	delay := policy.InitialDelay

	for attempt := 1; ; attempt++ {
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			if c.state.is(StateConnecting) {
				_ = c.state.fire(eventFail)
			}
			return nil, fmt.Errorf("%w: %w", ErrReconnectFailed, ErrConnectionClosed)
		case <-timer.C:
		}

		if c.state.is(StateDisconnected) {
			if err := c.state.fire(eventConnect); err != nil {
				return nil, fmt.Errorf("%w: %w", ErrReconnectFailed, err)
			}
		}
		if !c.state.is(StateConnecting) {
			return nil, fmt.Errorf("%w: state %s", ErrReconnectFailed, c.state.Current())
		}

		c.logger.Info("attempting reconnection", "attempt", attempt, "delay", delay.String())
		reply, err := c.handshake(ctx)
		if err == nil {
			return reply, nil
		}
		if errors.Is(err, ErrConnectionRefused) {
			return nil, err
		}
		c.logger.Warn("reconnection attempt failed", "attempt", attempt, "error", err)

		if policy.MaxAttempts > 0 && attempt >= policy.MaxAttempts {
			return nil, fmt.Errorf("%w after %d attempts: %w", ErrReconnectFailed, attempt, err)
		}
		delay = nextBackoff(delay, policy.MaxDelay)
	}
}

// cancelReconnect stops the reconnect loop, if any, and returns its token.
func (c *Client) cancelReconnect() *Token {
	c.mu.Lock()
	cancel := c.stopReconnect
	tok := c.reconnectTok
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return tok
}

// Disconnect gracefully ends the session.
//
// It performs:
//  1. Stops any running reconnect loop
//  2. Unsubscribes every registry filter when the session is persistent,
//     waiting up to DisconnectWait for UNSUBACK
//  3. Sends DISCONNECT and closes the transport
//
// Pending operations fail with ErrConnectionClosed. A reconnect loop
// waiting between attempts is stopped and Disconnect returns once the
// client is disconnected. Disconnecting an already disconnected client is
// not an error.
func (c *Client) Disconnect(ctx context.Context, reason string) error {
	reconnecting := c.cancelReconnect()

	c.mu.Lock()
	s := c.sess
	c.mu.Unlock()
	if s == nil {
		// The loop leaves the connecting state once it sees the cancel.
		if reconnecting != nil {
			select {
			case <-reconnecting.Done():
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	}

	if err := c.state.fire(eventDisconnect); err != nil {
		// Another Disconnect is already in progress.
		select {
		case <-s.finished:
		case <-ctx.Done():
			return ctx.Err()
		}
		return nil
	}

	c.logger.Info("disconnecting from broker", "reason", reason)
	s.setReason(reason)
	s.markCause(causeDisconnect, nil)

	if s.established.Load() && !c.opts.CleanSession {
		c.unsubscribeAll(ctx, s)
	}

	if err := s.send(packets.NewControlPacket(packets.Disconnect)); err != nil {
		s.end(causeDisconnect, nil)
	}

	select {
	case <-s.finished:
	case <-ctx.Done():
		s.end(causeDisconnect, nil)
		<-s.finished
	}

	// A reconnect started by a concurrent transport loss may have been
	// launched after the cancel above.
	c.cancelReconnect()
	c.mu.Lock()
	idle := c.sess == nil
	c.mu.Unlock()
	if idle && c.state.is(StateDisconnecting) {
		_ = c.state.fire(eventClosed)
	}
	return nil
}

// unsubscribeAll removes every registry filter from the broker session so
// a persistent session does not keep routing to a client that left. The
// registry keeps its entries for the next Connect.
func (c *Client) unsubscribeAll(ctx context.Context, s *session) {
	c.subMu.Lock()
	filters := c.registry.Filters()
	if len(filters) == 0 {
		c.subMu.Unlock()
		return
	}
	tok := c.sendUnsubscribe(s, filters)
	c.subMu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, c.opts.DisconnectWait)
	defer cancel()

	if err := tok.Wait(ctx); err != nil {
		c.logger.Warn("unsubscribe before disconnect incomplete", "filters", len(filters), "error", err)
	}
	c.registry.MarkAllUnsynced()
}

// Close disconnects, stops background goroutines and delivers messages
// already queued for the Dispatcher. The client cannot be reused.
func (c *Client) Close() error {
	if c.isClosed() {
		return nil
	}
	c.done.Close()
	c.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), 2*c.opts.DisconnectWait)
	defer cancel()
	err := c.Disconnect(ctx, "client closed")

	c.wg.Wait()
	c.queue.stop()
	return err
}

func (c *Client) isClosed() bool {
	select {
	case <-c.done.Done():
		return true
	default:
		return false
	}
}

// teardown runs once per session after both loops have exited.
func (c *Client) teardown(s *session, loopErr error) {
	defer close(s.finished)

	s.end(causeTransport, loopErr)
	if s.keepalive != nil {
		s.keepalive.Stop()
	}
	if s.sweeper != nil {
		s.sweeper.Stop()
	}

	c.mu.Lock()
	if c.sess == s {
		c.sess = nil
	}
	c.mu.Unlock()

	cause, err := s.endCause()
	failed := c.mediator.FailAll(ErrConnectionClosed)
	if c.opts.CleanSession {
		c.inbound.clear()
	}
	c.reportInflight()

	reason := s.reasonOr(cause.String())
	c.logger.Info("session ended",
		"reason", reason,
		"failed_operations", failed,
		"error", err,
	)
	c.observer.Disconnected(reason)

	switch {
	case c.state.is(StateDisconnecting):
		_ = c.state.fire(eventClosed)
	case cause == causeReconnect && !c.isClosed():
		s.reconnect = c.startReconnect()
	case cause == causeTransport && s.established.Load() && c.opts.Reconnect.Enabled && !c.isClosed():
		s.reconnect = c.startReconnect()
	case c.state.is(StateConnecting):
		_ = c.state.fire(eventFail)
	default:
		_ = c.state.fire(eventClosed)
	}
}

// onKeepaliveTimeout runs on the keepalive timer goroutine.
func (c *Client) onKeepaliveTimeout(s *session) {
	c.observer.KeepaliveTimedOut()
	c.logger.Warn("no PINGRESP within timeout",
		"keepalive", c.opts.KeepAlive.String(),
		"error", ErrKeepaliveTimeout,
	)

	if c.opts.Reconnect.Enabled {
		c.Reconnect()
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*c.opts.DisconnectWait)
	defer cancel()
	_ = c.Disconnect(ctx, ErrKeepaliveTimeout.Error())
}

// activeSession returns the session if the client is connected.
func (c *Client) activeSession() (*session, error) {
	if c.isClosed() {
		return nil, ErrClientClosed
	}
	c.mu.Lock()
	s := c.sess
	c.mu.Unlock()
	if s == nil || !c.state.is(StateConnected) {
		return nil, ErrNotConnected
	}
	return s, nil
}

// sendTracked queues a registered request. If the session ended before the
// frame could be written, the operation fails instead of waiting for an
// acknowledgment that cannot arrive.
func (c *Client) sendTracked(s *session, id uint16, tok *Token, pkt packets.ControlPacket) {
	if err := s.send(pkt); err != nil || s.ended() {
		c.mediator.abandon(id, tok, ErrConnectionClosed)
	}
}

func (c *Client) onStateChange(from, to State) {
	c.logger.Debug("connection state changed", "from", string(from), "to", string(to))
	c.observer.ConnectionStateChanged(from, to)
}

func (c *Client) onDelivered(msg Message) {
	c.delivered.Add(1)
	c.observer.MessageDelivered(msg.Topic, msg.QoS, len(msg.Payload))
}

func (c *Client) reportInflight() {
	c.observer.InflightChanged(c.mediator.Len(), c.inbound.len())
}

func (c *Client) protocolViolation(msg string, args ...any) {
	c.protocolErrors.Add(1)
	c.logger.Warn(msg, append(args, "error", ErrProtocolViolation)...)
}

// State returns the connection lifecycle state.
func (c *Client) State() State {
	return c.state.Current()
}

// IsConnected reports whether a session is established.
func (c *Client) IsConnected() bool {
	return c.state.is(StateConnected)
}

// HealthCheck verifies the session is established. A missed PINGRESP ends
// the session, so a dead peer also fails the check.
func (c *Client) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("mqtt health check: %w", ctx.Err())
	default:
	}

	_, err := c.activeSession()
	return err
}

// Registry exposes the subscription registry for inspection.
func (c *Client) Registry() *Registry {
	return c.registry
}

// Stats returns current client statistics.
func (c *Client) Stats() ClientStats {
	c.mu.Lock()
	reconnecting := c.reconnectTok != nil
	c.mu.Unlock()

	var last time.Time
	if ts := c.lastActivity.Load(); ts > 0 {
		last = time.Unix(0, ts)
	}

	return ClientStats{
		State:           c.State(),
		PacketsSent:     c.packetsSent.Load(),
		PacketsReceived: c.packetsReceived.Load(),
		Retransmits:     c.retransmits.Load(),
		Delivered:       c.delivered.Load(),
		ProtocolErrors:  c.protocolErrors.Load(),
		ReconnectsTotal: c.reconnectsTotal.Load(),
		Inflight:        c.mediator.Len(),
		InboundInflight: c.inbound.len(),
		Subscriptions:   c.registry.Len(),
		LastActivity:    last,
		Reconnecting:    reconnecting,
	}
}
