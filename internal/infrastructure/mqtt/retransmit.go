package mqtt

import (
	"fmt"
	"sync"
	"time"

	"github.com/eclipse/paho.mqtt.golang/packets"
)

// sweeper periodically resends pending operations whose acknowledgment is
// overdue. PUBLISH is resent with the DUP flag; PUBREL, SUBSCRIBE and
// UNSUBSCRIBE are resent unchanged. After maxRetries resends an operation
// fails with ErrRetransmitExhausted; zero retries forever.
type sweeper struct {
	interval   time.Duration
	maxRetries int
	mediator   *Mediator

	resend      func(op PendingOperation) error
	onExhausted func(op PendingOperation, err error)

	now  func() time.Time
	stop *closeOnce
	wg   sync.WaitGroup
}

func newSweeper(interval time.Duration, maxRetries int, mediator *Mediator, resend func(PendingOperation) error, onExhausted func(PendingOperation, error)) *sweeper {
	return &sweeper{
		interval:    interval,
		maxRetries:  maxRetries,
		mediator:    mediator,
		resend:      resend,
		onExhausted: onExhausted,
		now:         time.Now,
		stop:        newCloseOnce(),
	}
}

func (w *sweeper) Start() {
	w.wg.Add(1)
	go w.run()
}

// Stop ends the sweep goroutine and waits for it.
func (w *sweeper) Stop() {
	w.stop.Close()
	w.wg.Wait()
}

func (w *sweeper) run() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stop.Done():
			return
		case <-ticker.C:
			w.sweep()
		}
	}
}

// sweep makes one pass over the pending table and returns how many
// operations were resent.
func (w *sweeper) sweep() int {
	now := w.now()
	resent := 0

	for _, op := range w.mediator.All() {
		if now.Sub(op.SentAt) < w.interval {
			continue
		}

		if w.maxRetries > 0 && op.Retries >= w.maxRetries {
			err := fmt.Errorf("%w: packet %d unacknowledged after %d resends", ErrRetransmitExhausted, op.ID, op.Retries)
			if _, ok := w.mediator.Fail(op.ID, err); ok && w.onExhausted != nil {
				w.onExhausted(op, err)
			}
			continue
		}

		if _, ok := w.mediator.MarkResent(op.ID); !ok {
			continue
		}
		if err := w.resend(op); err != nil {
			return resent
		}
		resent++
	}
	return resent
}

// resend writes the stored frame of op again.
func (c *Client) resend(s *session, op PendingOperation) error {
	pkt := op.Message
	if pub, ok := pkt.(*packets.PublishPacket); ok {
		dup := *pub
		dup.Dup = true
		pkt = &dup
	}

	kind := packetKind(pkt)
	c.logger.Debug("retransmitting", "kind", kind, "packet_id", op.ID, "attempt", op.Retries+1)
	if err := s.send(pkt); err != nil {
		return err
	}
	c.retransmits.Add(1)
	c.observer.Retransmitted(kind)
	return nil
}

func (c *Client) onRetransmitExhausted(op PendingOperation, err error) {
	kind := operationKind(op.Message)
	c.logger.Warn("giving up on unacknowledged operation",
		"kind", kind,
		"packet_id", op.ID,
		"retries", op.Retries,
	)
	c.operationCompleted(kind, op, err)
}

// operationKind labels a pending request for metrics.
func operationKind(pkt packets.ControlPacket) string {
	switch p := pkt.(type) {
	case *packets.PublishPacket:
		if p.Qos == 2 {
			return "publish_qos2"
		}
		return "publish_qos1"
	case *packets.PubrelPacket:
		return "publish_qos2"
	case *packets.SubscribePacket:
		return "subscribe"
	case *packets.UnsubscribePacket:
		return "unsubscribe"
	default:
		return "unknown"
	}
}
