package mqtt

import (
	"cmp"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/eclipse/paho.mqtt.golang/packets"
	"golang.org/x/sync/semaphore"
)

// Stage is the acknowledgment a pending operation is waiting for.
type Stage int

const (
	// StageAwaitingAck waits for PUBACK, PUBREC, SUBACK or UNSUBACK.
	StageAwaitingAck Stage = iota
	// StageAwaitingComplete waits for PUBCOMP after PUBREL was sent.
	StageAwaitingComplete
)

func (s Stage) String() string {
	if s == StageAwaitingComplete {
		return "awaiting PUBCOMP"
	}
	return "awaiting ack"
}

// PendingOperation is one outstanding request keyed by its packet identifier.
type PendingOperation struct {
	ID        uint16
	Message   packets.ControlPacket
	Token     *Token
	CreatedAt time.Time
	SentAt    time.Time
	Retries   int
	Stage     Stage
}

// Mediator correlates outbound requests with their asynchronous
// acknowledgments by packet identifier.
//
// The table is bounded: a weighted semaphore tracks one unit per entry and
// registration beyond capacity fails with ErrInflightExhausted. CONNECT has
// no packet identifier and uses a reserved slot outside the table.
//
// Thread Safety:
//   - All methods are safe for concurrent use. The Mediator performs no I/O;
//     tokens are resolved after the lock is released.
type Mediator struct {
	mu      sync.Mutex
	pending map[uint16]*PendingOperation
	connect *Token
	ids     packetIDs
	slots   *semaphore.Weighted

	logger Logger
	now    func() time.Time
}

// NewMediator creates a Mediator holding at most capacity operations.
// A capacity outside 1..65535 is clamped to 65535.
func NewMediator(capacity int, logger Logger) *Mediator {
	if capacity <= 0 || capacity > maxPacketID {
		capacity = maxPacketID
	}
	if logger == nil {
		logger = noopLogger{}
	}
	return &Mediator{
		pending: make(map[uint16]*PendingOperation),
		slots:   semaphore.NewWeighted(int64(capacity)),
		logger:  logger,
		now:     time.Now,
	}
}

// Register stores a pending operation under id.
//
// Returns:
//   - ErrPacketIDInUse if id is already registered (the table is unchanged)
//   - ErrInflightExhausted if the table is full
func (m *Mediator) Register(id uint16, token *Token, msg packets.ControlPacket) error {
	if id == 0 {
		return fmt.Errorf("%w: packet identifier 0 is reserved", ErrProtocolViolation)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.pending[id]; exists {
		m.logger.Warn("packet identifier already registered", "packet_id", id)
		return fmt.Errorf("%w: %d", ErrPacketIDInUse, id)
	}
	if !m.slots.TryAcquire(1) {
		return ErrInflightExhausted
	}
	m.insertLocked(id, token, msg)
	return nil
}

// RegisterNext allocates the next free packet identifier, builds the message
// for it and registers both in one step.
func (m *Mediator) RegisterNext(token *Token, build func(id uint16) packets.ControlPacket) (uint16, packets.ControlPacket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.slots.TryAcquire(1) {
		return 0, nil, ErrInflightExhausted
	}
	id, err := m.ids.next(func(id uint16) bool {
		_, used := m.pending[id]
		return used
	})
	if err != nil {
		m.slots.Release(1)
		return 0, nil, err
	}

	msg := build(id)
	m.insertLocked(id, token, msg)
	return id, msg, nil
}

func (m *Mediator) insertLocked(id uint16, token *Token, msg packets.ControlPacket) {
	now := m.now()
	m.pending[id] = &PendingOperation{
		ID:        id,
		Message:   msg,
		Token:     token,
		CreatedAt: now,
		SentAt:    now,
	}
}

// Lookup returns a copy of the pending operation for id.
func (m *Mediator) Lookup(id uint16) (PendingOperation, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	op, ok := m.pending[id]
	if !ok {
		return PendingOperation{}, false
	}
	return *op, true
}

// Complete resolves the operation's token with reply and removes it.
// An unknown id is logged and ignored.
func (m *Mediator) Complete(id uint16, reply packets.ControlPacket) (PendingOperation, bool) {
	op, ok := m.take(id)
	if !ok {
		m.logger.Warn("acknowledgment for unknown packet identifier", "packet_id", id)
		return PendingOperation{}, false
	}
	op.Token.complete(reply, nil)
	return op, true
}

// Fail resolves the operation's token with err and removes it.
func (m *Mediator) Fail(id uint16, err error) (PendingOperation, bool) {
	op, ok := m.take(id)
	if !ok {
		return PendingOperation{}, false
	}
	op.Token.complete(nil, err)
	return op, true
}

// abandon fails the operation only while id still belongs to token. A send
// that lost the race with teardown must not fail an operation of a later
// session that reused the identifier.
func (m *Mediator) abandon(id uint16, token *Token, err error) bool {
	m.mu.Lock()
	op, ok := m.pending[id]
	if !ok || op.Token != token {
		m.mu.Unlock()
		return false
	}
	delete(m.pending, id)
	m.slots.Release(1)
	m.mu.Unlock()

	return token.complete(nil, err)
}

// Remove discards the operation without resolving its token.
func (m *Mediator) Remove(id uint16) bool {
	_, ok := m.take(id)
	return ok
}

func (m *Mediator) take(id uint16) (PendingOperation, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	op, ok := m.pending[id]
	if !ok {
		return PendingOperation{}, false
	}
	delete(m.pending, id)
	m.slots.Release(1)
	return *op, true
}

// Transition replaces the stored message (PUBLISH becomes PUBREL once
// PUBREC arrives) and moves the operation to StageAwaitingComplete.
func (m *Mediator) Transition(id uint16, msg packets.ControlPacket) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	op, ok := m.pending[id]
	if !ok {
		return false
	}
	op.Message = msg
	op.Stage = StageAwaitingComplete
	op.SentAt = m.now()
	op.Retries = 0
	return true
}

// MarkResent records a retransmission and returns the new retry count.
func (m *Mediator) MarkResent(id uint16) (int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	op, ok := m.pending[id]
	if !ok {
		return 0, false
	}
	op.Retries++
	op.SentAt = m.now()
	return op.Retries, true
}

// All returns a snapshot of every pending operation, oldest first.
// The connect slot is not included.
func (m *Mediator) All() []PendingOperation {
	m.mu.Lock()
	out := make([]PendingOperation, 0, len(m.pending))
	for _, op := range m.pending {
		out = append(out, *op)
	}
	m.mu.Unlock()

	slices.SortFunc(out, func(a, b PendingOperation) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}

// Len returns the number of pending operations.
func (m *Mediator) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// FailAll resolves every pending operation, including the connect slot,
// with err and empties the table.
func (m *Mediator) FailAll(err error) int {
	m.mu.Lock()
	ops := make([]*PendingOperation, 0, len(m.pending))
	for id, op := range m.pending {
		ops = append(ops, op)
		delete(m.pending, id)
	}
	if len(ops) > 0 {
		m.slots.Release(int64(len(ops)))
	}
	connect := m.connect
	m.connect = nil
	m.mu.Unlock()

	for _, op := range ops {
		op.Token.complete(nil, err)
	}
	if connect != nil {
		connect.complete(nil, err)
	}
	return len(ops)
}

// RegisterConnect reserves the handshake slot for token.
func (m *Mediator) RegisterConnect(token *Token) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.connect != nil {
		return ErrAlreadyConnected
	}
	m.connect = token
	return nil
}

// CompleteConnect resolves the handshake slot with the CONNACK.
func (m *Mediator) CompleteConnect(reply packets.ControlPacket) bool {
	tok := m.takeConnect()
	if tok == nil {
		m.logger.Warn("CONNACK without a pending handshake")
		return false
	}
	return tok.complete(reply, nil)
}

// FailConnect resolves the handshake slot with err.
func (m *Mediator) FailConnect(err error) bool {
	tok := m.takeConnect()
	if tok == nil {
		return false
	}
	return tok.complete(nil, err)
}

func (m *Mediator) takeConnect() *Token {
	m.mu.Lock()
	defer m.mu.Unlock()
	tok := m.connect
	m.connect = nil
	return tok
}
