package mqtt

import (
	"context"
	"sync"

	"github.com/eclipse/paho.mqtt.golang/packets"
)

// Token is the completion handle for an asynchronous operation: connect,
// reconnect, publish, subscribe and unsubscribe all return one.
//
// A Token completes exactly once, either with the acknowledging frame
// (available from Reply) or with an error.
//
// Example:
//
//	tok := client.Publish("temp/livingroom", []byte("21.5"), 1, false)
//	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
//	defer cancel()
//	if err := tok.Wait(ctx); err != nil {
//	    return err
//	}
type Token struct {
	done  chan struct{}
	once  sync.Once
	err   error
	reply packets.ControlPacket
}

func newToken() *Token {
	return &Token{done: make(chan struct{})}
}

// completedToken returns a Token that is already resolved.
func completedToken(reply packets.ControlPacket, err error) *Token {
	t := newToken()
	t.complete(reply, err)
	return t
}

// Wait blocks until the operation completes or ctx is done. A cancelled
// wait does not cancel the operation itself.
func (t *Token) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done returns a channel closed when the operation completes.
func (t *Token) Done() <-chan struct{} {
	return t.done
}

// Error returns the completion error, or nil while still pending.
func (t *Token) Error() error {
	select {
	case <-t.done:
		return t.err
	default:
		return nil
	}
}

// Reply returns the frame that completed the operation (CONNACK, PUBACK,
// PUBCOMP, SUBACK, UNSUBACK), or nil.
func (t *Token) Reply() packets.ControlPacket {
	select {
	case <-t.done:
		return t.reply
	default:
		return nil
	}
}

// complete resolves the token. Later calls are ignored.
func (t *Token) complete(reply packets.ControlPacket, err error) bool {
	completed := false
	t.once.Do(func() {
		t.reply = reply
		t.err = err
		close(t.done)
		completed = true
	})
	return completed
}
