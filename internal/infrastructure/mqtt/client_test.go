package mqtt

import (
	"context"
	"errors"
	"fmt"
	"net"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/eclipse/paho.mqtt.golang/packets"
)

const testTimeout = 2 * time.Second

// fakeBroker hands the server side of an in-memory pipe to the test for
// every dial the client makes.
type fakeBroker struct {
	conns chan net.Conn
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{conns: make(chan net.Conn, 4)}
}

func (b *fakeBroker) dial(_ context.Context, _ string) (net.Conn, error) {
	client, server := net.Pipe()
	b.conns <- server
	return client, nil
}

// brokerConn decodes every frame the client writes onto a buffered channel
// so client writes never block on the test.
type brokerConn struct {
	conn net.Conn
	in   chan packets.ControlPacket
}

func (b *fakeBroker) accept(t *testing.T) *brokerConn {
	t.Helper()
	select {
	case conn := <-b.conns:
		bc := &brokerConn{conn: conn, in: make(chan packets.ControlPacket, 64)}
		go func() {
			defer close(bc.in)
			for {
				pkt, err := packets.ReadPacket(conn)
				if err != nil {
					return
				}
				bc.in <- pkt
			}
		}()
		return bc
	case <-time.After(testTimeout):
		t.Fatal("client did not dial")
		return nil
	}
}

func (b *fakeBroker) expectNoDial(t *testing.T, wait time.Duration) {
	t.Helper()
	select {
	case <-b.conns:
		t.Fatal("client dialled again, want no reconnect")
	case <-time.After(wait):
	}
}

func (bc *brokerConn) next(t *testing.T) packets.ControlPacket {
	t.Helper()
	select {
	case pkt, ok := <-bc.in:
		if !ok {
			t.Fatal("connection closed while waiting for a frame")
		}
		return pkt
	case <-time.After(testTimeout):
		t.Fatal("timed out waiting for a frame from the client")
		return nil
	}
}

func (bc *brokerConn) expectNone(t *testing.T, wait time.Duration) {
	t.Helper()
	select {
	case pkt, ok := <-bc.in:
		if ok {
			t.Fatalf("unexpected %s from client", packetKind(pkt))
		}
	case <-time.After(wait):
	}
}

// expectClosed drains frames until the client closes the transport.
func (bc *brokerConn) expectClosed(t *testing.T) {
	t.Helper()
	deadline := time.After(testTimeout)
	for {
		select {
		case _, ok := <-bc.in:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("client did not close the connection")
		}
	}
}

func (bc *brokerConn) send(t *testing.T, pkt packets.ControlPacket) {
	t.Helper()
	if err := pkt.Write(bc.conn); err != nil {
		t.Fatalf("broker write %s error = %v", packetKind(pkt), err)
	}
}

func (bc *brokerConn) connack(t *testing.T, rc byte, sessionPresent bool) *packets.ConnectPacket {
	t.Helper()
	connect := expectPacket[*packets.ConnectPacket](t, bc)
	ack := packets.NewControlPacket(packets.Connack).(*packets.ConnackPacket)
	ack.ReturnCode = rc
	ack.SessionPresent = sessionPresent
	bc.send(t, ack)
	return connect
}

func expectPacket[T packets.ControlPacket](t *testing.T, bc *brokerConn) T {
	t.Helper()
	pkt := bc.next(t)
	p, ok := pkt.(T)
	if !ok {
		var zero T
		t.Fatalf("client sent %s, want %T", packetKind(pkt), zero)
	}
	return p
}

// recorder is a Dispatcher that exposes deliveries on a channel.
type recorder struct {
	ch chan Message
}

func newRecorder() *recorder {
	return &recorder{ch: make(chan Message, 16)}
}

func (r *recorder) HandleInboundMessage(topic string, payload []byte, qos byte, retain bool) {
	r.ch <- Message{Topic: topic, Payload: payload, QoS: qos, Retain: retain}
}

func (r *recorder) next(t *testing.T) Message {
	t.Helper()
	select {
	case m := <-r.ch:
		return m
	case <-time.After(testTimeout):
		t.Fatal("no message delivered")
		return Message{}
	}
}

func (r *recorder) expectNone(t *testing.T, wait time.Duration) {
	t.Helper()
	select {
	case m := <-r.ch:
		t.Fatalf("unexpected delivery on %s", m.Topic)
	case <-time.After(wait):
	}
}

func newTestClient(t *testing.T, b *fakeBroker, d Dispatcher, mutate func(*Options)) *Client {
	t.Helper()
	opts := Options{
		Address:            "broker.test:1883",
		ClientID:           "mq2t-test",
		CleanSession:       true,
		ConnectTimeout:     testTimeout,
		DisconnectWait:     200 * time.Millisecond,
		RetransmitInterval: time.Hour,
		Reconnect:          ReconnectPolicy{InitialDelay: 10 * time.Millisecond, MaxDelay: 50 * time.Millisecond},
		Dialer:             b.dial,
	}
	if mutate != nil {
		mutate(&opts)
	}
	c := NewClient(opts, d)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// connectClient completes a handshake with an accepted CONNACK.
func connectClient(t *testing.T, c *Client, b *fakeBroker) *brokerConn {
	t.Helper()
	tok := c.Connect(context.Background())
	bc := b.accept(t)
	bc.connack(t, packets.Accepted, false)
	if err := waitToken(t, tok); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	return bc
}

func waitToken(t *testing.T, tok *Token) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	err := tok.Wait(ctx)
	if errors.Is(err, context.DeadlineExceeded) && tok.Error() == nil {
		t.Fatal("token did not complete")
	}
	return err
}

func waitForState(t *testing.T, c *Client, want State) {
	t.Helper()
	deadline := time.Now().Add(testTimeout)
	for time.Now().Before(deadline) {
		if c.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("State() = %s, want %s", c.State(), want)
}

// syncReadLoop waits until the client has handled every frame sent before
// it. Frames are handled in order, so the PINGRESP marks the point.
func syncReadLoop(t *testing.T, bc *brokerConn) {
	t.Helper()
	bc.send(t, packets.NewControlPacket(packets.Pingreq))
	expectPacket[*packets.PingrespPacket](t, bc)
}

// =============================================================================
// Connection Tests
// =============================================================================

func TestConnect(t *testing.T) {
	b := newFakeBroker()
	c := newTestClient(t, b, nil, func(o *Options) {
		o.Username = "sensor"
		o.Password = "secret"
		o.KeepAlive = 1500 * time.Millisecond
		o.Will = &Will{Topic: "clients/mq2t-test/status", Payload: []byte("offline"), QoS: 1, Retain: true}
	})

	tok := c.Connect(context.Background())
	bc := b.accept(t)
	connect := bc.connack(t, packets.Accepted, false)

	if err := waitToken(t, tok); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if !c.IsConnected() {
		t.Error("IsConnected() = false, want true")
	}
	if _, ok := tok.Reply().(*packets.ConnackPacket); !ok {
		t.Errorf("Connect() reply = %T, want CONNACK", tok.Reply())
	}

	if connect.ProtocolName != "MQTT" || connect.ProtocolVersion != protocolLevel {
		t.Errorf("CONNECT protocol = %s/%d, want MQTT/4", connect.ProtocolName, connect.ProtocolVersion)
	}
	if connect.ClientIdentifier != "mq2t-test" {
		t.Errorf("CONNECT client id = %q", connect.ClientIdentifier)
	}
	if !connect.CleanSession {
		t.Error("CONNECT clean session = false, want true")
	}
	if connect.Keepalive != 2 {
		t.Errorf("CONNECT keepalive = %d, want 2 (rounded up)", connect.Keepalive)
	}
	if !connect.UsernameFlag || connect.Username != "sensor" || string(connect.Password) != "secret" {
		t.Error("CONNECT credentials not set")
	}
	if !connect.WillFlag || connect.WillTopic != "clients/mq2t-test/status" || connect.WillQos != 1 || !connect.WillRetain {
		t.Error("CONNECT will not set")
	}

	if err := c.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() error = %v, want nil", err)
	}
}

func TestConnectTwice(t *testing.T) {
	b := newFakeBroker()
	c := newTestClient(t, b, nil, nil)
	connectClient(t, c, b)

	if err := waitToken(t, c.Connect(context.Background())); !errors.Is(err, ErrAlreadyConnected) {
		t.Errorf("second Connect() error = %v, want ErrAlreadyConnected", err)
	}
}

func TestConnectRefusedDoesNotReconnect(t *testing.T) {
	b := newFakeBroker()
	c := newTestClient(t, b, nil, func(o *Options) {
		o.Reconnect.Enabled = true
	})

	tok := c.Connect(context.Background())
	bc := b.accept(t)
	bc.connack(t, packets.ErrRefusedNotAuthorised, false)

	err := waitToken(t, tok)
	if !errors.Is(err, ErrConnectionRefused) {
		t.Fatalf("Connect() error = %v, want ErrConnectionRefused", err)
	}
	if !errors.Is(err, packets.ErrorRefusedNotAuthorised) {
		t.Errorf("Connect() error = %v, want the refusal reason wrapped", err)
	}

	waitForState(t, c, StateDisconnected)
	bc.expectClosed(t)
	b.expectNoDial(t, 100*time.Millisecond)
}

func TestConnectTimeout(t *testing.T) {
	b := newFakeBroker()
	c := newTestClient(t, b, nil, func(o *Options) {
		o.ConnectTimeout = 50 * time.Millisecond
	})

	tok := c.Connect(context.Background())
	bc := b.accept(t)
	expectPacket[*packets.ConnectPacket](t, bc)

	if err := waitToken(t, tok); !errors.Is(err, ErrConnectTimeout) {
		t.Fatalf("Connect() error = %v, want ErrConnectTimeout", err)
	}
	waitForState(t, c, StateDisconnected)
}

func TestConnectDialFailure(t *testing.T) {
	c := NewClient(Options{
		Address: "broker.test:1883",
		Dialer: func(context.Context, string) (net.Conn, error) {
			return nil, errors.New("connection refused")
		},
	}, nil)
	defer c.Close()

	if err := waitToken(t, c.Connect(context.Background())); !errors.Is(err, ErrConnectionFailed) {
		t.Errorf("Connect() error = %v, want ErrConnectionFailed", err)
	}
	if c.State() != StateDisconnected {
		t.Errorf("State() = %s, want %s", c.State(), StateDisconnected)
	}
}

func TestConnectAfterClose(t *testing.T) {
	c := NewClient(Options{Address: "broker.test:1883"}, nil)
	if err := c.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := waitToken(t, c.Connect(context.Background())); !errors.Is(err, ErrClientClosed) {
		t.Errorf("Connect() after Close error = %v, want ErrClientClosed", err)
	}
}

// =============================================================================
// Publish Tests
// =============================================================================

func TestPublishQoS1(t *testing.T) {
	obs := &countingObserver{}
	b := newFakeBroker()
	c := newTestClient(t, b, nil, func(o *Options) { o.Observer = obs })
	bc := connectClient(t, c, b)

	c.mediator.mu.Lock()
	c.mediator.ids.last = 6
	c.mediator.mu.Unlock()

	tok := c.Publish("temp/livingroom", []byte("21.5"), 1, false)

	pub := expectPacket[*packets.PublishPacket](t, bc)
	if pub.TopicName != "temp/livingroom" || string(pub.Payload) != "21.5" {
		t.Errorf("PUBLISH = %s %q", pub.TopicName, pub.Payload)
	}
	if pub.Qos != 1 || pub.MessageID != 7 || pub.Dup {
		t.Errorf("PUBLISH qos=%d id=%d dup=%v, want qos=1 id=7 dup=false", pub.Qos, pub.MessageID, pub.Dup)
	}
	if tok.Error() != nil {
		t.Fatal("publish completed before PUBACK")
	}

	bc.send(t, puback(7))
	if err := waitToken(t, tok); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if ack, ok := tok.Reply().(*packets.PubackPacket); !ok || ack.MessageID != 7 {
		t.Errorf("Publish() reply = %v, want PUBACK 7", tok.Reply())
	}

	// A repeated PUBACK is ignored.
	bc.send(t, puback(7))
	syncReadLoop(t, bc)

	if tok.Error() != nil {
		t.Errorf("Publish() error after repeated PUBACK = %v, want nil", tok.Error())
	}
	if n := c.mediator.Len(); n != 0 {
		t.Errorf("pending operations = %d, want 0", n)
	}
	if got := c.Stats().ProtocolErrors; got != 0 {
		t.Errorf("ProtocolErrors = %d, want 0", got)
	}
	obs.mu.Lock()
	defer obs.mu.Unlock()
	if !slices.Equal(obs.completed, []string{"publish_qos1"}) {
		t.Errorf("completed operations = %v, want [publish_qos1]", obs.completed)
	}
}

func TestPublishQoS2(t *testing.T) {
	b := newFakeBroker()
	c := newTestClient(t, b, nil, nil)
	bc := connectClient(t, c, b)

	tok := c.Publish("alarm/door", []byte("open"), 2, true)
	pub := expectPacket[*packets.PublishPacket](t, bc)
	if pub.Qos != 2 || !pub.Retain {
		t.Errorf("PUBLISH qos=%d retain=%v, want qos=2 retain=true", pub.Qos, pub.Retain)
	}

	rec := packets.NewControlPacket(packets.Pubrec).(*packets.PubrecPacket)
	rec.MessageID = pub.MessageID
	bc.send(t, rec)
	if rel := expectPacket[*packets.PubrelPacket](t, bc); rel.MessageID != pub.MessageID {
		t.Errorf("PUBREL id = %d, want %d", rel.MessageID, pub.MessageID)
	}

	// A repeated PUBREC is answered with PUBREL again.
	bc.send(t, rec)
	expectPacket[*packets.PubrelPacket](t, bc)
	if tok.Error() != nil {
		t.Fatal("publish completed before PUBCOMP")
	}

	comp := packets.NewControlPacket(packets.Pubcomp).(*packets.PubcompPacket)
	comp.MessageID = pub.MessageID
	bc.send(t, comp)
	if err := waitToken(t, tok); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
}

func TestPublishQoS0(t *testing.T) {
	b := newFakeBroker()
	c := newTestClient(t, b, nil, nil)
	bc := connectClient(t, c, b)

	if err := waitToken(t, c.Publish("temp/kitchen", []byte("19.0"), 0, false)); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if pub := expectPacket[*packets.PublishPacket](t, bc); pub.Qos != 0 {
		t.Errorf("PUBLISH qos = %d, want 0", pub.Qos)
	}
	if n := c.mediator.Len(); n != 0 {
		t.Errorf("pending operations = %d, want 0 for QoS 0", n)
	}
}

func TestPublishValidation(t *testing.T) {
	b := newFakeBroker()
	c := newTestClient(t, b, nil, func(o *Options) { o.MaxPayloadSize = 4 })

	if err := waitToken(t, c.Publish("temp/x", nil, 1, false)); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Publish() disconnected error = %v, want ErrNotConnected", err)
	}

	connectClient(t, c, b)

	tests := []struct {
		name    string
		topic   string
		payload string
		qos     byte
		want    error
	}{
		{"wildcard topic", "temp/+", "1", 0, ErrInvalidTopic},
		{"empty topic", "", "1", 0, ErrInvalidTopic},
		{"invalid qos", "temp/x", "1", 3, ErrInvalidQoS},
		{"payload too large", "temp/x", "12345", 1, ErrPayloadTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := waitToken(t, c.Publish(tt.topic, []byte(tt.payload), tt.qos, false))
			if !errors.Is(err, tt.want) {
				t.Errorf("Publish() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestPubcompBeforePubrecIgnored(t *testing.T) {
	b := newFakeBroker()
	c := newTestClient(t, b, nil, nil)
	bc := connectClient(t, c, b)

	tok := c.Publish("alarm/door", []byte("open"), 2, false)
	pub := expectPacket[*packets.PublishPacket](t, bc)

	comp := packets.NewControlPacket(packets.Pubcomp).(*packets.PubcompPacket)
	comp.MessageID = pub.MessageID
	bc.send(t, comp)
	bc.send(t, puback(pub.MessageID))

	// Neither frame may complete a QoS 2 publish awaiting PUBREC.
	time.Sleep(50 * time.Millisecond)
	if tok.Error() != nil || tok.Reply() != nil {
		t.Fatal("out of order acknowledgment completed the publish")
	}
	if got := c.Stats().ProtocolErrors; got != 2 {
		t.Errorf("ProtocolErrors = %d, want 2", got)
	}
}

// =============================================================================
// Inbound Delivery Tests
// =============================================================================

func TestInboundQoS1(t *testing.T) {
	b := newFakeBroker()
	rec := newRecorder()
	c := newTestClient(t, b, rec, nil)
	bc := connectClient(t, c, b)

	pub := publishPacket(3, 1)
	bc.send(t, pub)

	msg := rec.next(t)
	if msg.Topic != "temp/livingroom" || string(msg.Payload) != "21.5" || msg.QoS != 1 {
		t.Errorf("delivered %+v", msg)
	}
	if ack := expectPacket[*packets.PubackPacket](t, bc); ack.MessageID != 3 {
		t.Errorf("PUBACK id = %d, want 3", ack.MessageID)
	}
}

func TestInboundQoS2ExactlyOnce(t *testing.T) {
	b := newFakeBroker()
	rec := newRecorder()
	c := newTestClient(t, b, rec, nil)
	bc := connectClient(t, c, b)

	pub := publishPacket(11, 2)
	bc.send(t, pub)
	if r := expectPacket[*packets.PubrecPacket](t, bc); r.MessageID != 11 {
		t.Errorf("PUBREC id = %d, want 11", r.MessageID)
	}

	// Broker resends before seeing PUBREC.
	pub.Dup = true
	bc.send(t, pub)
	expectPacket[*packets.PubrecPacket](t, bc)
	rec.expectNone(t, 30*time.Millisecond)

	if got := c.Stats().InboundInflight; got != 1 {
		t.Errorf("InboundInflight = %d, want 1", got)
	}

	rel := packets.NewControlPacket(packets.Pubrel).(*packets.PubrelPacket)
	rel.MessageID = 11
	bc.send(t, rel)
	if comp := expectPacket[*packets.PubcompPacket](t, bc); comp.MessageID != 11 {
		t.Errorf("PUBCOMP id = %d, want 11", comp.MessageID)
	}
	if msg := rec.next(t); msg.QoS != 2 || string(msg.Payload) != "21.5" {
		t.Errorf("delivered %+v", msg)
	}

	// A repeated PUBREL is completed but not delivered again.
	bc.send(t, rel)
	expectPacket[*packets.PubcompPacket](t, bc)
	rec.expectNone(t, 50*time.Millisecond)
}

func TestInboundPubrelWithoutPublish(t *testing.T) {
	b := newFakeBroker()
	rec := newRecorder()
	c := newTestClient(t, b, rec, nil)
	bc := connectClient(t, c, b)

	rel := packets.NewControlPacket(packets.Pubrel).(*packets.PubrelPacket)
	rel.MessageID = 9
	bc.send(t, rel)

	// Answered so the broker can finish its flow, but nothing is delivered.
	if comp := expectPacket[*packets.PubcompPacket](t, bc); comp.MessageID != 9 {
		t.Errorf("PUBCOMP id = %d, want 9", comp.MessageID)
	}
	rec.expectNone(t, 50*time.Millisecond)
	if got := c.Stats().InboundInflight; got != 0 {
		t.Errorf("InboundInflight = %d, want 0", got)
	}
	if got := c.Stats().Delivered; got != 0 {
		t.Errorf("Delivered = %d, want 0", got)
	}
}

func TestSubscribeThenReceiveQoS1(t *testing.T) {
	b := newFakeBroker()
	rec := newRecorder()
	c := newTestClient(t, b, rec, nil)
	bc := connectClient(t, c, b)

	_, tok := c.Subscribe("temp/livingroom", 1)
	sub := expectPacket[*packets.SubscribePacket](t, bc)
	if !slices.Equal(sub.Topics, []string{"temp/livingroom"}) || !slices.Equal(sub.Qoss, []byte{1}) {
		t.Errorf("SUBSCRIBE = %v %v, want [temp/livingroom] [1]", sub.Topics, sub.Qoss)
	}
	bc.send(t, suback(sub.MessageID, 1))
	if err := waitToken(t, tok); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	bc.send(t, publishPacket(7, 1))
	if ack := expectPacket[*packets.PubackPacket](t, bc); ack.MessageID != 7 {
		t.Errorf("PUBACK id = %d, want 7", ack.MessageID)
	}

	msg := rec.next(t)
	if msg.Topic != "temp/livingroom" || string(msg.Payload) != "21.5" || msg.QoS != 1 || msg.Retain {
		t.Errorf("delivered %+v", msg)
	}
	rec.expectNone(t, 50*time.Millisecond)
}

func TestInboundPingreq(t *testing.T) {
	b := newFakeBroker()
	c := newTestClient(t, b, nil, nil)
	bc := connectClient(t, c, b)

	bc.send(t, packets.NewControlPacket(packets.Pingreq))
	expectPacket[*packets.PingrespPacket](t, bc)
}

type memoryStore struct {
	mu      sync.Mutex
	msgs    map[uint16]InboundMessage
	deleted []uint16
}

func (s *memoryStore) SaveInbound(_ context.Context, _ string, msg InboundMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs[msg.PacketID] = msg
	return nil
}

func (s *memoryStore) DeleteInbound(_ context.Context, _ string, id uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.msgs, id)
	s.deleted = append(s.deleted, id)
	return nil
}

func (s *memoryStore) LoadInbound(context.Context, string) ([]InboundMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]InboundMessage, 0, len(s.msgs))
	for _, m := range s.msgs {
		out = append(out, m)
	}
	return out, nil
}

func (s *memoryStore) ClearInbound(context.Context, string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.msgs)
	return nil
}

func TestInboundQoS2RestoredFromStore(t *testing.T) {
	store := &memoryStore{msgs: map[uint16]InboundMessage{
		21: {PacketID: 21, Topic: "meter/total", Payload: []byte("1042")},
	}}
	b := newFakeBroker()
	rec := newRecorder()
	c := newTestClient(t, b, rec, func(o *Options) {
		o.CleanSession = false
		o.Store = store
	})
	bc := connectClient(t, c, b)

	rel := packets.NewControlPacket(packets.Pubrel).(*packets.PubrelPacket)
	rel.MessageID = 21
	bc.send(t, rel)
	expectPacket[*packets.PubcompPacket](t, bc)

	if msg := rec.next(t); msg.Topic != "meter/total" || string(msg.Payload) != "1042" {
		t.Errorf("delivered %+v", msg)
	}

	// A new QoS 2 message is persisted before PUBREC.
	bc.send(t, publishPacket(22, 2))
	expectPacket[*packets.PubrecPacket](t, bc)

	store.mu.Lock()
	defer store.mu.Unlock()
	if !slices.Contains(store.deleted, 21) {
		t.Error("released message not deleted from store")
	}
	if _, ok := store.msgs[22]; !ok {
		t.Error("new QoS 2 message not persisted")
	}
}

// =============================================================================
// Retransmission Tests
// =============================================================================

func TestRetransmitWithDupUntilExhausted(t *testing.T) {
	b := newFakeBroker()
	c := newTestClient(t, b, nil, func(o *Options) {
		o.RetransmitInterval = 30 * time.Millisecond
		o.MaxRetries = 2
	})
	bc := connectClient(t, c, b)

	tok := c.Publish("temp/livingroom", []byte("21.5"), 1, false)

	first := expectPacket[*packets.PublishPacket](t, bc)
	if first.Dup {
		t.Error("first PUBLISH has DUP set")
	}
	for i := 0; i < 2; i++ {
		again := expectPacket[*packets.PublishPacket](t, bc)
		if !again.Dup || again.MessageID != first.MessageID {
			t.Errorf("resend %d dup=%v id=%d, want dup=true id=%d", i+1, again.Dup, again.MessageID, first.MessageID)
		}
	}

	if err := waitToken(t, tok); !errors.Is(err, ErrRetransmitExhausted) {
		t.Fatalf("Publish() error = %v, want ErrRetransmitExhausted", err)
	}
	if got := c.Stats().Retransmits; got != 2 {
		t.Errorf("Retransmits = %d, want 2", got)
	}
}

func TestRetransmitPubrel(t *testing.T) {
	b := newFakeBroker()
	c := newTestClient(t, b, nil, func(o *Options) {
		o.RetransmitInterval = 30 * time.Millisecond
	})
	bc := connectClient(t, c, b)

	tok := c.Publish("alarm/door", []byte("open"), 2, false)
	pub := expectPacket[*packets.PublishPacket](t, bc)

	rec := packets.NewControlPacket(packets.Pubrec).(*packets.PubrecPacket)
	rec.MessageID = pub.MessageID
	bc.send(t, rec)
	expectPacket[*packets.PubrelPacket](t, bc)

	// Without PUBCOMP the PUBREL is sent again, never the PUBLISH.
	expectPacket[*packets.PubrelPacket](t, bc)

	comp := packets.NewControlPacket(packets.Pubcomp).(*packets.PubcompPacket)
	comp.MessageID = pub.MessageID
	bc.send(t, comp)
	if err := waitToken(t, tok); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
}

// =============================================================================
// Teardown and Reconnect Tests
// =============================================================================

func TestTransportLossFailsPending(t *testing.T) {
	b := newFakeBroker()
	c := newTestClient(t, b, nil, nil)
	bc := connectClient(t, c, b)

	tok := c.Publish("temp/livingroom", []byte("21.5"), 1, false)
	expectPacket[*packets.PublishPacket](t, bc)

	_ = bc.conn.Close()

	if err := waitToken(t, tok); !errors.Is(err, ErrConnectionClosed) {
		t.Fatalf("Publish() error = %v, want ErrConnectionClosed", err)
	}
	waitForState(t, c, StateDisconnected)
	if n := c.mediator.Len(); n != 0 {
		t.Errorf("pending operations = %d, want 0", n)
	}
}

func TestReconnectRestoresSubscriptions(t *testing.T) {
	b := newFakeBroker()
	c := newTestClient(t, b, nil, func(o *Options) {
		o.Reconnect.Enabled = true
	})
	bc := connectClient(t, c, b)

	wire, tok := c.Subscribe("temp/+", 1)
	if !wire {
		t.Fatal("Subscribe() sent no SUBSCRIBE")
	}
	sub := expectPacket[*packets.SubscribePacket](t, bc)
	bc.send(t, suback(sub.MessageID, 1))
	if err := waitToken(t, tok); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	_ = bc.conn.Close()

	bc2 := b.accept(t)
	bc2.connack(t, packets.Accepted, false)

	restored := expectPacket[*packets.SubscribePacket](t, bc2)
	if !slices.Equal(restored.Topics, []string{"temp/+"}) || !slices.Equal(restored.Qoss, []byte{1}) {
		t.Errorf("restored SUBSCRIBE = %v %v, want [temp/+] [1]", restored.Topics, restored.Qoss)
	}
	bc2.send(t, suback(restored.MessageID, 1))

	waitForState(t, c, StateConnected)
	deadline := time.Now().Add(testTimeout)
	for c.Stats().ReconnectsTotal != 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := c.Stats().ReconnectsTotal; got != 1 {
		t.Errorf("ReconnectsTotal = %d, want 1", got)
	}
}

func TestReconnectSkipsSubscriptionsHeldBySession(t *testing.T) {
	b := newFakeBroker()
	c := newTestClient(t, b, nil, func(o *Options) {
		o.Reconnect.Enabled = true
		o.CleanSession = false
	})
	bc := connectClient(t, c, b)

	_, tok := c.Subscribe("temp/+", 1)
	sub := expectPacket[*packets.SubscribePacket](t, bc)
	bc.send(t, suback(sub.MessageID, 1))
	if err := waitToken(t, tok); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	rtok := c.Reconnect()
	bc.expectClosed(t)

	bc2 := b.accept(t)
	bc2.connack(t, packets.Accepted, true)
	if err := waitToken(t, rtok); err != nil {
		t.Fatalf("Reconnect() error = %v", err)
	}
	bc2.expectNone(t, 50*time.Millisecond)
}

func TestReconnectGivesUp(t *testing.T) {
	var dials int
	var mu sync.Mutex
	c := NewClient(Options{
		Address:   "broker.test:1883",
		Reconnect: ReconnectPolicy{Enabled: true, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, MaxAttempts: 3},
		Dialer: func(context.Context, string) (net.Conn, error) {
			mu.Lock()
			dials++
			mu.Unlock()
			return nil, errors.New("unreachable")
		},
	}, nil)
	defer c.Close()

	if err := waitToken(t, c.Reconnect()); !errors.Is(err, ErrReconnectFailed) {
		t.Fatalf("Reconnect() error = %v, want ErrReconnectFailed", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if dials != 3 {
		t.Errorf("dial attempts = %d, want 3", dials)
	}
	if c.State() != StateDisconnected {
		t.Errorf("State() = %s, want %s", c.State(), StateDisconnected)
	}
}

func TestDisconnectStopsPendingReconnect(t *testing.T) {
	b := newFakeBroker()
	c := newTestClient(t, b, nil, func(o *Options) {
		o.Reconnect = ReconnectPolicy{Enabled: true, InitialDelay: time.Hour, MaxDelay: time.Hour}
	})
	bc := connectClient(t, c, b)

	_ = bc.conn.Close()
	waitForState(t, c, StateConnecting)

	if err := c.Disconnect(context.Background(), "shutdown"); err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}
	if got := c.State(); got != StateDisconnected {
		t.Errorf("State() after Disconnect = %s, want %s", got, StateDisconnected)
	}
	if c.Stats().Reconnecting {
		t.Error("Stats().Reconnecting = true after Disconnect")
	}
	b.expectNoDial(t, 50*time.Millisecond)
}

func TestServerDisconnectDoesNotReconnect(t *testing.T) {
	b := newFakeBroker()
	c := newTestClient(t, b, nil, func(o *Options) {
		o.Reconnect.Enabled = true
	})
	bc := connectClient(t, c, b)

	bc.send(t, packets.NewControlPacket(packets.Disconnect))
	waitForState(t, c, StateDisconnected)
	b.expectNoDial(t, 100*time.Millisecond)
}

func TestKeepalive(t *testing.T) {
	b := newFakeBroker()
	c := newTestClient(t, b, nil, func(o *Options) {
		o.KeepAlive = 40 * time.Millisecond
		o.PingTimeout = time.Second
	})
	bc := connectClient(t, c, b)

	expectPacket[*packets.PingreqPacket](t, bc)
	bc.send(t, packets.NewControlPacket(packets.Pingresp))
	expectPacket[*packets.PingreqPacket](t, bc)
	bc.send(t, packets.NewControlPacket(packets.Pingresp))

	if !c.IsConnected() {
		t.Error("IsConnected() = false with PINGRESP answered")
	}
}

func TestKeepaliveTimeoutDisconnects(t *testing.T) {
	b := newFakeBroker()
	c := newTestClient(t, b, nil, func(o *Options) {
		o.KeepAlive = 30 * time.Millisecond
		o.PingTimeout = 30 * time.Millisecond
	})
	bc := connectClient(t, c, b)

	expectPacket[*packets.PingreqPacket](t, bc)
	expectPacket[*packets.DisconnectPacket](t, bc)
	waitForState(t, c, StateDisconnected)

	if err := c.HealthCheck(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("HealthCheck() after missed PINGRESP error = %v, want ErrNotConnected", err)
	}
}

func TestKeepaliveTimeoutReconnects(t *testing.T) {
	b := newFakeBroker()
	c := newTestClient(t, b, nil, func(o *Options) {
		o.KeepAlive = 30 * time.Millisecond
		o.PingTimeout = 30 * time.Millisecond
		o.Reconnect.Enabled = true
	})
	bc := connectClient(t, c, b)

	expectPacket[*packets.PingreqPacket](t, bc)
	bc.expectClosed(t)

	bc2 := b.accept(t)
	bc2.connack(t, packets.Accepted, false)
	waitForState(t, c, StateConnected)
}

// =============================================================================
// Disconnect Tests
// =============================================================================

func TestDisconnect(t *testing.T) {
	b := newFakeBroker()
	c := newTestClient(t, b, nil, nil)
	bc := connectClient(t, c, b)

	if err := c.Disconnect(context.Background(), "test"); err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}
	expectPacket[*packets.DisconnectPacket](t, bc)
	if c.State() != StateDisconnected {
		t.Errorf("State() = %s, want %s", c.State(), StateDisconnected)
	}

	if err := c.Disconnect(context.Background(), "again"); err != nil {
		t.Errorf("second Disconnect() error = %v, want nil", err)
	}
}

func TestDisconnectPersistentSessionUnsubscribes(t *testing.T) {
	b := newFakeBroker()
	c := newTestClient(t, b, nil, func(o *Options) {
		o.CleanSession = false
	})
	bc := connectClient(t, c, b)

	_, tok := c.Subscribe("temp/+", 1)
	sub := expectPacket[*packets.SubscribePacket](t, bc)
	bc.send(t, suback(sub.MessageID, 1))
	if err := waitToken(t, tok); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- c.Disconnect(context.Background(), "shutdown") }()

	unsub := expectPacket[*packets.UnsubscribePacket](t, bc)
	if !slices.Equal(unsub.Topics, []string{"temp/+"}) {
		t.Errorf("UNSUBSCRIBE topics = %v, want [temp/+]", unsub.Topics)
	}
	ack := packets.NewControlPacket(packets.Unsuback).(*packets.UnsubackPacket)
	ack.MessageID = unsub.MessageID
	bc.send(t, ack)
	expectPacket[*packets.DisconnectPacket](t, bc)

	if err := <-errCh; err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}
	if _, ok := c.Registry().Lookup("temp/+"); !ok {
		t.Error("registry entry dropped by Disconnect")
	}
}

// =============================================================================
// Subscription Tests
// =============================================================================

func suback(id uint16, codes ...byte) *packets.SubackPacket {
	p := packets.NewControlPacket(packets.Suback).(*packets.SubackPacket)
	p.MessageID = id
	p.ReturnCodes = codes
	return p
}

func TestSubscribeReferenceCountedFrames(t *testing.T) {
	b := newFakeBroker()
	c := newTestClient(t, b, nil, nil)
	bc := connectClient(t, c, b)

	wire, tok := c.Subscribe("temp/+", 0)
	if !wire {
		t.Fatal("first Subscribe() sent no frame")
	}
	sub := expectPacket[*packets.SubscribePacket](t, bc)
	bc.send(t, suback(sub.MessageID, 0))
	if err := waitToken(t, tok); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	if wire, tok := c.Subscribe("temp/+", 0); wire || tok.Error() != nil {
		t.Errorf("repeat Subscribe() = (%v, %v), want (false, nil)", wire, tok.Error())
	}

	wire, tok = c.Subscribe("temp/+", 2)
	if !wire {
		t.Fatal("Subscribe() with higher QoS sent no frame")
	}
	sub = expectPacket[*packets.SubscribePacket](t, bc)
	if !slices.Equal(sub.Qoss, []byte{2}) {
		t.Errorf("promoted SUBSCRIBE qos = %v, want [2]", sub.Qoss)
	}
	bc.send(t, suback(sub.MessageID, 2))
	if err := waitToken(t, tok); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	// Three references: only the last release unsubscribes.
	for i := 0; i < 2; i++ {
		if err := waitToken(t, c.Unsubscribe("temp/+")); err != nil {
			t.Fatalf("Unsubscribe() error = %v", err)
		}
	}
	utok := c.Unsubscribe("temp/+")
	unsub := expectPacket[*packets.UnsubscribePacket](t, bc)
	ack := packets.NewControlPacket(packets.Unsuback).(*packets.UnsubackPacket)
	ack.MessageID = unsub.MessageID
	bc.send(t, ack)
	if err := waitToken(t, utok); err != nil {
		t.Fatalf("Unsubscribe() error = %v", err)
	}
	if c.Registry().Len() != 0 {
		t.Errorf("Registry().Len() = %d, want 0", c.Registry().Len())
	}
}

func TestSubscribeConcurrentPromotionKeepsWireOrder(t *testing.T) {
	b := newFakeBroker()
	c := newTestClient(t, b, nil, nil)
	bc := connectClient(t, c, b)

	for i := 0; i < 200; i++ {
		filter := fmt.Sprintf("sensor/%d", i)

		var wg sync.WaitGroup
		frames := make(chan bool, 2)
		for _, qos := range []byte{0, 2} {
			wg.Add(1)
			go func() {
				defer wg.Done()
				wire, _ := c.Subscribe(filter, qos)
				frames <- wire
			}()
		}
		wg.Wait()
		close(frames)

		var last byte
		for wire := range frames {
			if !wire {
				continue
			}
			sub := expectPacket[*packets.SubscribePacket](t, bc)
			if sub.Topics[0] != filter {
				t.Fatalf("SUBSCRIBE topic = %s, want %s", sub.Topics[0], filter)
			}
			last = sub.Qoss[0]
			bc.send(t, suback(sub.MessageID, last))
		}

		info, _ := c.Registry().Lookup(filter)
		if last != info.QoS {
			t.Fatalf("%s: last SUBSCRIBE qos = %d, registry qos = %d", filter, last, info.QoS)
		}
	}
}

func TestUnsubscribeConcurrentResubscribeKeepsWireOrder(t *testing.T) {
	b := newFakeBroker()
	c := newTestClient(t, b, nil, nil)
	bc := connectClient(t, c, b)

	for i := 0; i < 200; i++ {
		filter := fmt.Sprintf("meter/%d", i)

		_, tok := c.Subscribe(filter, 1)
		sub := expectPacket[*packets.SubscribePacket](t, bc)
		bc.send(t, suback(sub.MessageID, 1))
		if err := waitToken(t, tok); err != nil {
			t.Fatalf("Subscribe() error = %v", err)
		}

		var (
			wg       sync.WaitGroup
			resent   bool
			subTok   *Token
			unsubTok *Token
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			unsubTok = c.Unsubscribe(filter)
		}()
		go func() {
			defer wg.Done()
			resent, subTok = c.Subscribe(filter, 1)
		}()
		wg.Wait()

		// A SUBSCRIBE is only needed if the release to zero came first,
		// and then the UNSUBSCRIBE must precede it on the wire.
		if resent {
			unsub := expectPacket[*packets.UnsubscribePacket](t, bc)
			ack := packets.NewControlPacket(packets.Unsuback).(*packets.UnsubackPacket)
			ack.MessageID = unsub.MessageID
			bc.send(t, ack)

			sub := expectPacket[*packets.SubscribePacket](t, bc)
			bc.send(t, suback(sub.MessageID, 1))
		}
		if err := waitToken(t, unsubTok); err != nil {
			t.Fatalf("Unsubscribe() error = %v", err)
		}
		if err := waitToken(t, subTok); err != nil {
			t.Fatalf("Subscribe() error = %v", err)
		}

		info, ok := c.Registry().Lookup(filter)
		if !ok || info.Refs != 1 || !info.Synced {
			t.Fatalf("%s: registry = (%+v, %v), want one synced reference", filter, info, ok)
		}
	}
	bc.expectNone(t, 20*time.Millisecond)
}

func TestSubscribeBeforeConnect(t *testing.T) {
	b := newFakeBroker()
	c := newTestClient(t, b, nil, nil)

	wire, tok := c.SubscribeMany([]Subscription{
		{Filter: "temp/+", QoS: 1},
		{Filter: "alarm/#", QoS: 2},
	})
	if wire {
		t.Error("SubscribeMany() while disconnected reported a frame")
	}
	if err := waitToken(t, tok); !errors.Is(err, ErrNotConnected) {
		t.Errorf("SubscribeMany() error = %v, want ErrNotConnected", err)
	}

	bc := connectClient(t, c, b)
	sub := expectPacket[*packets.SubscribePacket](t, bc)
	if !slices.Equal(sub.Topics, []string{"alarm/#", "temp/+"}) {
		t.Errorf("SUBSCRIBE topics = %v, want [alarm/# temp/+]", sub.Topics)
	}
	if !slices.Equal(sub.Qoss, []byte{2, 1}) {
		t.Errorf("SUBSCRIBE qos = %v, want [2 1]", sub.Qoss)
	}
}

func TestSubscribeRejected(t *testing.T) {
	b := newFakeBroker()
	c := newTestClient(t, b, nil, nil)
	bc := connectClient(t, c, b)

	_, tok := c.Subscribe("private/#", 1)
	sub := expectPacket[*packets.SubscribePacket](t, bc)
	bc.send(t, suback(sub.MessageID, subackFailure))

	if err := waitToken(t, tok); !errors.Is(err, ErrSubscriptionRejected) {
		t.Fatalf("Subscribe() error = %v, want ErrSubscriptionRejected", err)
	}
	info, ok := c.Registry().Lookup("private/#")
	if !ok {
		t.Fatal("rejected filter removed from registry")
	}
	if info.Synced {
		t.Error("rejected filter marked synced")
	}
}

func TestSubscribeInvalidFilter(t *testing.T) {
	c := newTestClient(t, newFakeBroker(), nil, nil)

	if _, tok := c.Subscribe("temp/#/x", 0); !errors.Is(tok.Error(), ErrInvalidFilter) {
		t.Errorf("Subscribe() error = %v, want ErrInvalidFilter", tok.Error())
	}
	if _, tok := c.Subscribe("temp/+", 3); !errors.Is(tok.Error(), ErrInvalidQoS) {
		t.Errorf("Subscribe() error = %v, want ErrInvalidQoS", tok.Error())
	}
	if c.Registry().Len() != 0 {
		t.Error("invalid subscription registered")
	}
}

// =============================================================================
// Observer Tests
// =============================================================================

type countingObserver struct {
	NopObserver
	mu          sync.Mutex
	states      []State
	completed   []string
	disconnects []string
}

func (o *countingObserver) ConnectionStateChanged(_, to State) {
	o.mu.Lock()
	o.states = append(o.states, to)
	o.mu.Unlock()
}

func (o *countingObserver) OperationCompleted(kind string, _ time.Duration, _ error) {
	o.mu.Lock()
	o.completed = append(o.completed, kind)
	o.mu.Unlock()
}

func (o *countingObserver) Disconnected(reason string) {
	o.mu.Lock()
	o.disconnects = append(o.disconnects, reason)
	o.mu.Unlock()
}

func TestObserverEvents(t *testing.T) {
	obs := &countingObserver{}
	b := newFakeBroker()
	c := newTestClient(t, b, nil, func(o *Options) { o.Observer = obs })
	bc := connectClient(t, c, b)

	tok := c.Publish("temp/livingroom", []byte("21.5"), 1, false)
	pub := expectPacket[*packets.PublishPacket](t, bc)
	bc.send(t, puback(pub.MessageID))
	if err := waitToken(t, tok); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	if err := c.Disconnect(context.Background(), "maintenance"); err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}

	obs.mu.Lock()
	defer obs.mu.Unlock()
	wantStates := []State{StateConnecting, StateConnected, StateDisconnecting, StateDisconnected}
	if !slices.Equal(obs.states, wantStates) {
		t.Errorf("states = %v, want %v", obs.states, wantStates)
	}
	if !slices.Equal(obs.completed, []string{"publish_qos1"}) {
		t.Errorf("completed = %v, want [publish_qos1]", obs.completed)
	}
	if !slices.Equal(obs.disconnects, []string{"maintenance"}) {
		t.Errorf("disconnects = %v, want [maintenance]", obs.disconnects)
	}
}
