package mqtt

import (
	"fmt"
	"strings"

	"github.com/eclipse/paho.mqtt.golang/packets"
)

// subackFailure is the SUBACK return code for a rejected filter.
const subackFailure = 0x80

// Subscribe adds a reference to filter in the registry and subscribes on
// the wire when that is new information for the broker: the first
// reference, or a QoS higher than the one already granted.
//
// Returns:
//   - bool: true if a SUBSCRIBE frame was sent
//   - *Token: completes on SUBACK; already complete when no frame was
//     needed. While disconnected the reference is kept, the token fails
//     with ErrNotConnected and the filter is subscribed on the next CONNACK.
//
// Example:
//
//	_, tok := client.Subscribe("temp/+", 1)
//	if err := tok.Wait(ctx); err != nil && !errors.Is(err, mqtt.ErrNotConnected) {
//	    return err
//	}
func (c *Client) Subscribe(filter string, qos byte) (bool, *Token) {
	return c.SubscribeMany([]Subscription{{Filter: filter, QoS: qos}})
}

// SubscribeMany is Subscribe for several filters in one SUBSCRIBE frame.
// Nothing is registered if any filter or QoS is invalid.
func (c *Client) SubscribeMany(subs []Subscription) (bool, *Token) {
	if len(subs) == 0 {
		return false, completedToken(nil, nil)
	}
	for _, s := range subs {
		if err := ValidateFilter(s.Filter); err != nil {
			return false, completedToken(nil, err)
		}
		if s.QoS > maxQoS {
			return false, completedToken(nil, fmt.Errorf("%w: %d for %q", ErrInvalidQoS, s.QoS, s.Filter))
		}
	}

	c.subMu.Lock()
	defer c.subMu.Unlock()

	wire := c.registry.AcquireMany(subs)
	if len(wire) == 0 {
		return false, completedToken(nil, nil)
	}

	s, err := c.activeSession()
	if err != nil {
		c.logger.Debug("subscription recorded for next connect", "filters", len(wire), "error", err)
		return false, completedToken(nil, err)
	}
	return true, c.sendSubscribe(s, wire)
}

// Unsubscribe drops one reference to filter. An UNSUBSCRIBE frame is sent
// only when the last reference is released.
func (c *Client) Unsubscribe(filter string) *Token {
	return c.UnsubscribeMany([]string{filter})
}

// UnsubscribeMany releases one reference per filter and sends a single
// UNSUBSCRIBE for the filters no longer referenced.
func (c *Client) UnsubscribeMany(filters []string) *Token {
	for _, f := range filters {
		if err := ValidateFilter(f); err != nil {
			return completedToken(nil, err)
		}
	}

	c.subMu.Lock()
	defer c.subMu.Unlock()

	wire := c.registry.ReleaseMany(filters)
	if len(wire) == 0 {
		return completedToken(nil, nil)
	}

	s, err := c.activeSession()
	if err != nil {
		return completedToken(nil, err)
	}
	return c.sendUnsubscribe(s, wire)
}

// sendSubscribe and sendUnsubscribe must be called with subMu held so frames
// reach the wire in the order the registry changed.
func (c *Client) sendSubscribe(s *session, subs []Subscription) *Token {
	tok := newToken()
	id, pkt, err := c.mediator.RegisterNext(tok, func(id uint16) packets.ControlPacket {
		p := packets.NewControlPacket(packets.Subscribe).(*packets.SubscribePacket)
		p.MessageID = id
		for _, sub := range subs {
			p.Topics = append(p.Topics, sub.Filter)
			p.Qoss = append(p.Qoss, sub.QoS)
		}
		return p
	})
	if err != nil {
		return completedToken(nil, err)
	}

	c.reportInflight()
	c.sendTracked(s, id, tok, pkt)
	return tok
}

func (c *Client) sendUnsubscribe(s *session, filters []string) *Token {
	tok := newToken()
	id, pkt, err := c.mediator.RegisterNext(tok, func(id uint16) packets.ControlPacket {
		p := packets.NewControlPacket(packets.Unsubscribe).(*packets.UnsubscribePacket)
		p.MessageID = id
		p.Topics = append(p.Topics, filters...)
		return p
	})
	if err != nil {
		return completedToken(nil, err)
	}

	c.reportInflight()
	c.sendTracked(s, id, tok, pkt)
	return tok
}

// restoreSubscriptions runs on CONNACK. Without a broker-side session every
// entry is resubscribed; otherwise only entries the broker has not granted.
func (c *Client) restoreSubscriptions(s *session, sessionPresent bool) {
	c.subMu.Lock()
	defer c.subMu.Unlock()

	if !sessionPresent {
		c.registry.MarkAllUnsynced()
	}

	subs := c.registry.Unsynced()
	if len(subs) == 0 {
		return
	}

	c.logger.Info("restoring subscriptions", "filters", len(subs), "session_present", sessionPresent)
	tok := c.sendSubscribe(s, subs)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		<-tok.Done()
		if err := tok.Error(); err != nil {
			c.logger.Warn("subscription restore incomplete", "filters", len(subs), "error", err)
		}
	}()
}

// handleSuback checks each return code against the requested filters.
// Rejected filters stay in the registry unsynced and are retried on the
// next CONNACK.
func (c *Client) handleSuback(p *packets.SubackPacket) {
	op, ok := c.mediator.Lookup(p.MessageID)
	if !ok {
		c.logger.Warn("SUBACK for unknown packet identifier", "packet_id", p.MessageID)
		return
	}
	req, isSub := op.Message.(*packets.SubscribePacket)
	if !isSub {
		c.protocolViolation("SUBACK for a non SUBSCRIBE operation", "packet_id", p.MessageID, "pending", packetKind(op.Message))
		return
	}
	if len(p.ReturnCodes) != len(req.Topics) {
		c.protocolViolation("SUBACK return code count mismatch",
			"packet_id", p.MessageID,
			"requested", len(req.Topics),
			"returned", len(p.ReturnCodes),
		)
		err := fmt.Errorf("%w: SUBACK carries %d return codes for %d filters", ErrProtocolViolation, len(p.ReturnCodes), len(req.Topics))
		if op, ok := c.mediator.Fail(p.MessageID, err); ok {
			c.operationCompleted("subscribe", op, err)
		}
		return
	}

	var rejected []string
	for i, rc := range p.ReturnCodes {
		filter, requested := req.Topics[i], req.Qoss[i]
		if rc == subackFailure {
			rejected = append(rejected, filter)
			continue
		}
		if rc < requested {
			c.logger.Info("broker granted lower QoS", "filter", filter, "requested", requested, "granted", rc)
		}
		c.registry.MarkSynced(filter, requested)
	}

	if len(rejected) > 0 {
		err := fmt.Errorf("%w: %s", ErrSubscriptionRejected, strings.Join(rejected, ", "))
		c.logger.Warn("broker rejected subscription", "filters", rejected)
		if op, ok := c.mediator.Fail(p.MessageID, err); ok {
			c.operationCompleted("subscribe", op, err)
		}
		return
	}

	if op, ok := c.mediator.Complete(p.MessageID, p); ok {
		c.operationCompleted("subscribe", op, nil)
	}
}

func (c *Client) handleUnsuback(p *packets.UnsubackPacket) {
	op, ok := c.mediator.Lookup(p.MessageID)
	if !ok {
		c.logger.Warn("UNSUBACK for unknown packet identifier", "packet_id", p.MessageID)
		return
	}
	if _, isUnsub := op.Message.(*packets.UnsubscribePacket); !isUnsub {
		c.protocolViolation("UNSUBACK for a non UNSUBSCRIBE operation", "packet_id", p.MessageID, "pending", packetKind(op.Message))
		return
	}

	if op, ok := c.mediator.Complete(p.MessageID, p); ok {
		c.operationCompleted("unsubscribe", op, nil)
	}
}
