package mqtt

// maxPacketID is the largest packet identifier; 0 is reserved.
const maxPacketID = 65535

// packetIDs hands out packet identifiers as a wrapping counter
// (1, 2, ... 65535, 1, ...). Values still outstanding are skipped.
// It is not safe for concurrent use; the Mediator calls it under its lock.
type packetIDs struct {
	last uint16
}

// next returns the first identifier after the previous one for which
// inUse reports false, or ErrPacketIDsExhausted when all are taken.
func (p *packetIDs) next(inUse func(uint16) bool) (uint16, error) {
	id := p.last
	for range maxPacketID {
		id++
		if id == 0 {
			id = 1
		}
		if !inUse(id) {
			p.last = id
			return id, nil
		}
	}
	return 0, ErrPacketIDsExhausted
}
