package mqtt

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eclipse/paho.mqtt.golang/packets"
	"golang.org/x/sync/errgroup"
)

// endCause records why a session ended. The first cause wins.
type endCause int

const (
	causeNone endCause = iota
	causeTransport
	causeDisconnect
	causeReconnect
	causeRefused
	causeServerDisconnect
	causeHandshake
	causeClosed
)

func (c endCause) String() string {
	switch c {
	case causeTransport:
		return "transport lost"
	case causeDisconnect:
		return "disconnect requested"
	case causeReconnect:
		return "reconnect requested"
	case causeRefused:
		return "connection refused"
	case causeServerDisconnect:
		return "server sent DISCONNECT"
	case causeHandshake:
		return "handshake failed"
	case causeClosed:
		return "client closed"
	default:
		return "unknown"
	}
}

// session is one transport and the goroutines serving it.
//
// The read loop decodes frames and handles them in order; the write loop
// is the only writer on conn. Both run in an errgroup and the client's
// teardown runs once after both have exited.
type session struct {
	c    *Client
	conn net.Conn
	out  chan packets.ControlPacket

	done     *closeOnce
	finished chan struct{}

	lastWrite   atomic.Int64
	established atomic.Bool

	mu     sync.Mutex
	cause  endCause
	err    error
	reason string

	// Owned by the read loop until teardown.
	keepalive *keepaliveMonitor
	sweeper   *sweeper

	// reconnect is set by teardown before finished is closed.
	reconnect *Token
}

func newSession(c *Client, conn net.Conn) *session {
	s := &session{
		c:        c,
		conn:     conn,
		out:      make(chan packets.ControlPacket, defaultOutboundQueueSize),
		done:     newCloseOnce(),
		finished: make(chan struct{}),
	}
	s.lastWrite.Store(time.Now().UnixNano())
	return s
}

func (s *session) start() {
	g, ctx := errgroup.WithContext(context.Background())
	g.Go(s.readLoop)
	g.Go(func() error { return s.writeLoop(ctx) })

	s.c.wg.Add(1)
	go func() {
		defer s.c.wg.Done()
		s.c.teardown(s, g.Wait())
	}()
}

func (s *session) readLoop() error {
	for {
		pkt, err := packets.ReadPacket(s.conn)
		if err != nil {
			s.end(causeTransport, err)
			return fmt.Errorf("read: %w", err)
		}

		s.c.packetsReceived.Add(1)
		s.c.lastActivity.Store(time.Now().UnixNano())
		s.c.observer.PacketReceived(packetKind(pkt))
		s.c.handlePacket(s, pkt)
	}
}

func (s *session) writeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.done.Done():
			return nil
		case pkt := <-s.out:
			if err := s.write(pkt); err != nil {
				s.end(causeTransport, err)
				return fmt.Errorf("write %s: %w", packetKind(pkt), err)
			}
			if _, ok := pkt.(*packets.DisconnectPacket); ok {
				s.end(causeDisconnect, nil)
				return nil
			}
		}
	}
}

func (s *session) write(pkt packets.ControlPacket) error {
	if err := s.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	if err := pkt.Write(s.conn); err != nil {
		return err
	}

	now := time.Now().UnixNano()
	s.lastWrite.Store(now)
	s.c.lastActivity.Store(now)
	s.c.packetsSent.Add(1)
	s.c.observer.PacketSent(packetKind(pkt))
	return nil
}

// send queues pkt for the write loop. It fails once the session has ended.
func (s *session) send(pkt packets.ControlPacket) error {
	select {
	case <-s.done.Done():
		return ErrConnectionClosed
	default:
	}

	select {
	case s.out <- pkt:
		return nil
	case <-s.done.Done():
		return ErrConnectionClosed
	}
}

func (s *session) lastWriteTime() time.Time {
	return time.Unix(0, s.lastWrite.Load())
}

// markCause records why the session is ending without closing it yet.
func (s *session) markCause(cause endCause, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cause == causeNone {
		s.cause = cause
		s.err = err
	}
}

// end records cause and closes the transport, which stops both loops.
func (s *session) end(cause endCause, err error) {
	s.markCause(cause, err)
	s.done.Close()
	_ = s.conn.Close()
}

func (s *session) ended() bool {
	select {
	case <-s.done.Done():
		return true
	default:
		return false
	}
}

func (s *session) endCause() (endCause, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cause, s.err
}

func (s *session) setReason(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reason == "" {
		s.reason = reason
	}
}

func (s *session) reasonOr(fallback string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reason != "" {
		return s.reason
	}
	return fallback
}

// handlePacket routes one inbound frame. It runs on the read loop.
func (c *Client) handlePacket(s *session, pkt packets.ControlPacket) {
	if !s.established.Load() {
		if _, ok := pkt.(*packets.ConnackPacket); !ok {
			c.protocolViolation("frame before CONNACK", "kind", packetKind(pkt))
			s.end(causeHandshake, fmt.Errorf("%w: %s before CONNACK", ErrProtocolViolation, packetKind(pkt)))
			return
		}
	}

	switch p := pkt.(type) {
	case *packets.ConnackPacket:
		c.handleConnack(s, p)
	case *packets.PublishPacket:
		c.handlePublish(s, p)
	case *packets.PubackPacket:
		c.handlePuback(p)
	case *packets.PubrecPacket:
		c.handlePubrec(s, p)
	case *packets.PubrelPacket:
		c.handlePubrel(s, p)
	case *packets.PubcompPacket:
		c.handlePubcomp(p)
	case *packets.SubackPacket:
		c.handleSuback(p)
	case *packets.UnsubackPacket:
		c.handleUnsuback(p)
	case *packets.PingreqPacket:
		_ = s.send(packets.NewControlPacket(packets.Pingresp))
	case *packets.PingrespPacket:
		if s.keepalive != nil {
			s.keepalive.PingResponse()
		}
	case *packets.DisconnectPacket:
		c.logger.Warn("broker sent DISCONNECT")
		s.end(causeServerDisconnect, nil)
	default:
		c.protocolViolation("unexpected frame from broker", "kind", packetKind(pkt))
	}
}

// handleConnack completes the handshake.
func (c *Client) handleConnack(s *session, p *packets.ConnackPacket) {
	if s.established.Load() {
		c.protocolViolation("duplicate CONNACK")
		return
	}
	if s.ended() {
		return
	}

	if p.ReturnCode != packets.Accepted {
		refusal, ok := packets.ConnErrors[p.ReturnCode]
		if !ok {
			refusal = fmt.Errorf("return code %d", p.ReturnCode)
		}
		err := fmt.Errorf("%w: %w", ErrConnectionRefused, refusal)
		c.logger.Error("broker refused connection", "return_code", p.ReturnCode, "error", err)
		c.mediator.FailConnect(err)
		s.end(causeRefused, err)
		return
	}

	if err := c.state.fire(eventConnack); err != nil {
		c.logger.Warn("CONNACK in unexpected state", "state", string(c.state.Current()), "error", err)
		c.mediator.FailConnect(fmt.Errorf("%w: %w", ErrConnectionClosed, err))
		s.end(causeHandshake, err)
		return
	}
	s.established.Store(true)

	s.keepalive = newKeepaliveMonitor(
		c.opts.KeepAlive,
		c.opts.PingTimeout,
		s.lastWriteTime,
		func() error { return s.send(packets.NewControlPacket(packets.Pingreq)) },
		func() { c.onKeepaliveTimeout(s) },
	)
	s.keepalive.Start()

	s.sweeper = newSweeper(c.opts.RetransmitInterval, c.opts.MaxRetries, c.mediator,
		func(op PendingOperation) error { return c.resend(s, op) },
		c.onRetransmitExhausted,
	)
	s.sweeper.Start()

	c.logger.Info("connected to broker",
		"address", c.opts.Address,
		"client_id", c.opts.ClientID,
		"session_present", p.SessionPresent,
	)

	c.restoreSubscriptions(s, p.SessionPresent)

	if !c.mediator.CompleteConnect(p) {
		s.end(causeHandshake, ErrConnectTimeout)
	}
}

// packetKind names a frame for logs and metrics labels.
func packetKind(pkt packets.ControlPacket) string {
	switch pkt.(type) {
	case *packets.ConnectPacket:
		return "CONNECT"
	case *packets.ConnackPacket:
		return "CONNACK"
	case *packets.PublishPacket:
		return "PUBLISH"
	case *packets.PubackPacket:
		return "PUBACK"
	case *packets.PubrecPacket:
		return "PUBREC"
	case *packets.PubrelPacket:
		return "PUBREL"
	case *packets.PubcompPacket:
		return "PUBCOMP"
	case *packets.SubscribePacket:
		return "SUBSCRIBE"
	case *packets.SubackPacket:
		return "SUBACK"
	case *packets.UnsubscribePacket:
		return "UNSUBSCRIBE"
	case *packets.UnsubackPacket:
		return "UNSUBACK"
	case *packets.PingreqPacket:
		return "PINGREQ"
	case *packets.PingrespPacket:
		return "PINGRESP"
	case *packets.DisconnectPacket:
		return "DISCONNECT"
	default:
		return "UNKNOWN"
	}
}
