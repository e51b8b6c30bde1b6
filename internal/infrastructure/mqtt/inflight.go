package mqtt

import (
	"context"
	"sync"
	"time"

	"github.com/eclipse/paho.mqtt.golang/packets"
)

// storeTimeout bounds a single SessionStore call made from the read loop.
const storeTimeout = 2 * time.Second

// InboundMessage is a QoS 2 PUBLISH received from the broker and held
// between PUBREC and PUBREL. It is delivered once PUBREL arrives.
type InboundMessage struct {
	PacketID   uint16
	Topic      string
	Payload    []byte
	Retain     bool
	ReceivedAt time.Time
}

// SessionStore persists inbound QoS 2 state so exactly-once delivery
// survives a process restart when CleanSession is false.
type SessionStore interface {
	SaveInbound(ctx context.Context, clientID string, msg InboundMessage) error
	DeleteInbound(ctx context.Context, clientID string, packetID uint16) error
	LoadInbound(ctx context.Context, clientID string) ([]InboundMessage, error)
	ClearInbound(ctx context.Context, clientID string) error
}

// inboundTable holds QoS 2 messages awaiting PUBREL, keyed by the broker's
// packet identifier. It is separate from the Mediator because the broker
// allocates these identifiers.
type inboundTable struct {
	mu      sync.Mutex
	entries map[uint16]InboundMessage
}

func newInboundTable() *inboundTable {
	return &inboundTable{entries: make(map[uint16]InboundMessage)}
}

// add stores msg unless its identifier is already held.
func (t *inboundTable) add(msg InboundMessage) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.entries[msg.PacketID]; exists {
		return false
	}
	t.entries[msg.PacketID] = msg
	return true
}

func (t *inboundTable) take(id uint16) (InboundMessage, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	msg, ok := t.entries[id]
	if ok {
		delete(t.entries, id)
	}
	return msg, ok
}

func (t *inboundTable) load(msgs []InboundMessage) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, m := range msgs {
		t.entries[m.PacketID] = m
	}
}

func (t *inboundTable) clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	clear(t.entries)
}

func (t *inboundTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// handlePublish accepts an application message from the broker.
//
// QoS 0 and 1 are delivered immediately (QoS 1 then acknowledged with
// PUBACK). QoS 2 is held until PUBREL and answered with PUBREC; a resent
// PUBLISH for a held identifier is only re-acknowledged.
func (c *Client) handlePublish(s *session, p *packets.PublishPacket) {
	if len(p.Payload) > c.opts.MaxPayloadSize {
		c.protocolViolation("inbound payload too large",
			"topic", p.TopicName,
			"size", len(p.Payload),
			"max", c.opts.MaxPayloadSize,
		)
		return
	}
	if err := ValidateTopic(p.TopicName); err != nil {
		c.protocolViolation("inbound PUBLISH with invalid topic", "topic", p.TopicName)
		return
	}
	if p.Qos > 0 && p.MessageID == 0 {
		c.protocolViolation("inbound PUBLISH without packet identifier", "topic", p.TopicName, "qos", p.Qos)
		return
	}

	msg := Message{Topic: p.TopicName, Payload: p.Payload, QoS: p.Qos, Retain: p.Retain}

	switch p.Qos {
	case 0:
		c.deliver(msg)

	case 1:
		c.deliver(msg)
		ack := packets.NewControlPacket(packets.Puback).(*packets.PubackPacket)
		ack.MessageID = p.MessageID
		_ = s.send(ack)

	case 2:
		in := InboundMessage{
			PacketID:   p.MessageID,
			Topic:      p.TopicName,
			Payload:    p.Payload,
			Retain:     p.Retain,
			ReceivedAt: time.Now(),
		}
		if c.inbound.add(in) {
			c.persistInbound(in)
			c.reportInflight()
		} else {
			c.logger.Debug("duplicate QoS 2 PUBLISH, re-sending PUBREC", "packet_id", p.MessageID)
		}
		rec := packets.NewControlPacket(packets.Pubrec).(*packets.PubrecPacket)
		rec.MessageID = p.MessageID
		_ = s.send(rec)

	default:
		c.protocolViolation("inbound PUBLISH with invalid QoS", "topic", p.TopicName, "qos", p.Qos)
	}
}

// handlePubrel releases a held QoS 2 message exactly once and answers
// PUBCOMP. PUBCOMP is sent for unknown identifiers too, since the broker
// retries PUBREL until it sees one.
func (c *Client) handlePubrel(s *session, p *packets.PubrelPacket) {
	in, ok := c.inbound.take(p.MessageID)
	if ok {
		c.deliver(Message{Topic: in.Topic, Payload: in.Payload, QoS: 2, Retain: in.Retain})
		c.forgetInbound(p.MessageID)
		c.reportInflight()
	} else {
		c.logger.Warn("PUBREL for unknown packet identifier", "packet_id", p.MessageID)
	}

	comp := packets.NewControlPacket(packets.Pubcomp).(*packets.PubcompPacket)
	comp.MessageID = p.MessageID
	_ = s.send(comp)
}

func (c *Client) deliver(msg Message) {
	if !c.queue.enqueue(msg) {
		c.logger.Warn("message dropped, client closing", "topic", msg.Topic, "qos", msg.QoS)
	}
}

func (c *Client) persistInbound(in InboundMessage) {
	if c.opts.Store == nil || c.opts.CleanSession {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := c.opts.Store.SaveInbound(ctx, c.opts.ClientID, in); err != nil {
		c.logger.Error("failed to persist inbound QoS 2 message", "packet_id", in.PacketID, "error", err)
	}
}

func (c *Client) forgetInbound(id uint16) {
	if c.opts.Store == nil || c.opts.CleanSession {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := c.opts.Store.DeleteInbound(ctx, c.opts.ClientID, id); err != nil {
		c.logger.Error("failed to delete inbound QoS 2 message", "packet_id", id, "error", err)
	}
}
