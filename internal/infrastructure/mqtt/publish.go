package mqtt

import (
	"fmt"
	"time"

	"github.com/eclipse/paho.mqtt.golang/packets"
)

// Publish sends an application message.
//
// Parameters:
//   - topic: Topic name; wildcards are not allowed
//   - payload: At most MaxPayloadSize bytes
//   - qos: 0, 1 or 2
//   - retain: Whether the broker keeps the message for new subscribers
//
// Returns:
//   - *Token: Completes when the frame is queued (QoS 0), on PUBACK (QoS 1)
//     or on PUBCOMP (QoS 2). Fails with ErrNotConnected unless connected,
//     and with ErrConnectionClosed if the session ends first.
//
// Example:
//
//	tok := client.Publish("temp/livingroom", []byte("21.5"), 1, false)
//	if err := tok.Wait(ctx); err != nil {
//	    return fmt.Errorf("publishing temperature: %w", err)
//	}
func (c *Client) Publish(topic string, payload []byte, qos byte, retain bool) *Token {
	if err := ValidateTopic(topic); err != nil {
		return completedToken(nil, err)
	}
	if qos > maxQoS {
		return completedToken(nil, fmt.Errorf("%w: %d", ErrInvalidQoS, qos))
	}
	if len(payload) > c.opts.MaxPayloadSize {
		return completedToken(nil, fmt.Errorf("%w: %d bytes exceeds maximum %d", ErrPayloadTooLarge, len(payload), c.opts.MaxPayloadSize))
	}

	s, err := c.activeSession()
	if err != nil {
		return completedToken(nil, err)
	}

	build := func(id uint16) packets.ControlPacket {
		p := packets.NewControlPacket(packets.Publish).(*packets.PublishPacket)
		p.TopicName = topic
		p.Payload = payload
		p.Qos = qos
		p.Retain = retain
		p.MessageID = id
		return p
	}

	if qos == 0 {
		if err := s.send(build(0)); err != nil {
			return completedToken(nil, err)
		}
		return completedToken(nil, nil)
	}

	tok := newToken()
	id, pkt, err := c.mediator.RegisterNext(tok, build)
	if err != nil {
		return completedToken(nil, err)
	}
	c.reportInflight()
	c.sendTracked(s, id, tok, pkt)
	return tok
}

// handlePuback completes a QoS 1 publish.
func (c *Client) handlePuback(p *packets.PubackPacket) {
	op, ok := c.mediator.Lookup(p.MessageID)
	if !ok {
		c.logger.Warn("PUBACK for unknown packet identifier", "packet_id", p.MessageID)
		return
	}
	if pub, isPub := op.Message.(*packets.PublishPacket); !isPub || pub.Qos != 1 {
		c.protocolViolation("PUBACK for a non QoS 1 operation", "packet_id", p.MessageID, "pending", packetKind(op.Message))
		return
	}

	if op, ok := c.mediator.Complete(p.MessageID, p); ok {
		c.operationCompleted("publish_qos1", op, nil)
	}
}

// handlePubrec answers the first QoS 2 acknowledgment with PUBREL. A
// duplicate PUBREC after PUBREL re-sends PUBREL.
func (c *Client) handlePubrec(s *session, p *packets.PubrecPacket) {
	op, ok := c.mediator.Lookup(p.MessageID)
	if !ok {
		c.logger.Warn("PUBREC for unknown packet identifier", "packet_id", p.MessageID)
		return
	}

	rel := packets.NewControlPacket(packets.Pubrel).(*packets.PubrelPacket)
	rel.MessageID = p.MessageID

	switch {
	case op.Stage == StageAwaitingComplete:
		c.logger.Debug("duplicate PUBREC, re-sending PUBREL", "packet_id", p.MessageID)
	case isQoS2Publish(op.Message):
		c.mediator.Transition(p.MessageID, rel)
	default:
		c.protocolViolation("PUBREC for a non QoS 2 operation", "packet_id", p.MessageID, "pending", packetKind(op.Message))
		return
	}

	if err := s.send(rel); err != nil {
		c.logger.Debug("PUBREL not sent", "packet_id", p.MessageID, "error", err)
	}
}

// handlePubcomp completes a QoS 2 publish.
func (c *Client) handlePubcomp(p *packets.PubcompPacket) {
	op, ok := c.mediator.Lookup(p.MessageID)
	if !ok {
		c.logger.Warn("PUBCOMP for unknown packet identifier", "packet_id", p.MessageID)
		return
	}
	if op.Stage != StageAwaitingComplete {
		c.protocolViolation("PUBCOMP before PUBREC", "packet_id", p.MessageID)
		return
	}

	if op, ok := c.mediator.Complete(p.MessageID, p); ok {
		c.operationCompleted("publish_qos2", op, nil)
	}
}

func isQoS2Publish(pkt packets.ControlPacket) bool {
	pub, ok := pkt.(*packets.PublishPacket)
	return ok && pub.Qos == 2
}

func (c *Client) operationCompleted(kind string, op PendingOperation, err error) {
	c.observer.OperationCompleted(kind, time.Since(op.CreatedAt), err)
	c.reportInflight()
}
