package mqtt

import (
	"sync"
)

// Dispatcher receives every application message the client accepts.
//
// HandleInboundMessage is called from a single delivery goroutine, in the
// order messages were accepted. A slow handler backs up the read loop once
// the delivery queue is full. Panics are recovered and logged.
type Dispatcher interface {
	HandleInboundMessage(topic string, payload []byte, qos byte, retain bool)
}

// DispatcherFunc adapts a function to Dispatcher.
type DispatcherFunc func(topic string, payload []byte, qos byte, retain bool)

// HandleInboundMessage calls f.
func (f DispatcherFunc) HandleInboundMessage(topic string, payload []byte, qos byte, retain bool) {
	f(topic, payload, qos, retain)
}

// Message is an inbound application message.
type Message struct {
	Topic   string
	Payload []byte
	QoS     byte
	Retain  bool
}

// dispatchQueue hands accepted messages to the Dispatcher off the read loop.
type dispatchQueue struct {
	ch     chan Message
	target Dispatcher
	logger Logger

	onDelivered func(Message)

	done *closeOnce
	wg   sync.WaitGroup
}

func newDispatchQueue(size int, target Dispatcher, logger Logger, onDelivered func(Message)) *dispatchQueue {
	if target == nil {
		target = DispatcherFunc(func(string, []byte, byte, bool) {})
	}
	return &dispatchQueue{
		ch:          make(chan Message, size),
		target:      target,
		logger:      logger,
		onDelivered: onDelivered,
		done:        newCloseOnce(),
	}
}

func (q *dispatchQueue) start() {
	q.wg.Add(1)
	go q.run()
}

// enqueue blocks until the message is queued. It returns false once the
// queue is stopped.
func (q *dispatchQueue) enqueue(msg Message) bool {
	select {
	case <-q.done.Done():
		return false
	default:
	}

	select {
	case q.ch <- msg:
		return true
	case <-q.done.Done():
		return false
	}
}

// stop ends the worker after it has delivered what is already queued.
func (q *dispatchQueue) stop() {
	q.done.Close()
	q.wg.Wait()
}

func (q *dispatchQueue) run() {
	defer q.wg.Done()
	for {
		select {
		case msg := <-q.ch:
			q.deliver(msg)
		case <-q.done.Done():
			q.drain()
			return
		}
	}
}

func (q *dispatchQueue) drain() {
	for {
		select {
		case msg := <-q.ch:
			q.deliver(msg)
		default:
			return
		}
	}
}

func (q *dispatchQueue) deliver(msg Message) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("dispatcher panic recovered",
				"topic", msg.Topic,
				"panic", r,
			)
		}
	}()

	q.target.HandleInboundMessage(msg.Topic, msg.Payload, msg.QoS, msg.Retain)
	if q.onDelivered != nil {
		q.onDelivered(msg)
	}
}
