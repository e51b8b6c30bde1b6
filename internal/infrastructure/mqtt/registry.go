package mqtt

import (
	"slices"
	"strings"
	"sync"
)

// Subscription is a topic filter and its requested maximum QoS.
type Subscription struct {
	Filter string
	QoS    byte
}

// SubscriptionInfo describes one registry entry.
type SubscriptionInfo struct {
	Filter string
	QoS    byte
	Refs   int
	Synced bool
}

type registryEntry struct {
	qos  byte
	refs int
	// synced is true once the broker has granted the entry's current QoS
	// in this session.
	synced bool
}

// Registry reference-counts topic filters so a filter is subscribed on the
// wire once and unsubscribed only when its last user releases it.
//
// The effective QoS of a filter is the highest ever requested while it is
// held; it is never lowered.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*registryEntry
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*registryEntry)}
}

// Acquire adds a reference to filter. It reports whether a SUBSCRIBE must
// be sent (new filter or a QoS promotion) and the effective QoS to send.
func (r *Registry) Acquire(filter string, qos byte) (bool, byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.acquireLocked(filter, qos)
}

func (r *Registry) acquireLocked(filter string, qos byte) (bool, byte) {
	e, ok := r.entries[filter]
	if !ok {
		r.entries[filter] = &registryEntry{qos: qos, refs: 1}
		return true, qos
	}

	e.refs++
	if qos > e.qos {
		e.qos = qos
		e.synced = false
		return true, qos
	}
	return false, e.qos
}

// AcquireMany acquires every subscription and returns those needing a wire
// SUBSCRIBE, in input order. A filter repeated in subs counts as one
// reference per occurrence but appears once in the result.
func (r *Registry) AcquireMany(subs []Subscription) []Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()

	var wire []Subscription
	index := make(map[string]int)
	for _, s := range subs {
		needed, qos := r.acquireLocked(s.Filter, s.QoS)
		if !needed {
			continue
		}
		if i, seen := index[s.Filter]; seen {
			wire[i].QoS = qos
			continue
		}
		index[s.Filter] = len(wire)
		wire = append(wire, Subscription{Filter: s.Filter, QoS: qos})
	}
	return wire
}

// Release drops one reference to filter. It reports whether the count
// reached zero (an UNSUBSCRIBE is due) and whether the filter was held.
func (r *Registry) Release(filter string) (last, known bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.releaseLocked(filter)
}

func (r *Registry) releaseLocked(filter string) (last, known bool) {
	e, ok := r.entries[filter]
	if !ok {
		return false, false
	}
	e.refs--
	if e.refs > 0 {
		return false, true
	}
	delete(r.entries, filter)
	return true, true
}

// ReleaseMany releases each filter once and returns the filters whose
// count reached zero, in input order.
func (r *Registry) ReleaseMany(filters []string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var wire []string
	for _, f := range filters {
		if last, _ := r.releaseLocked(f); last {
			wire = append(wire, f)
		}
	}
	return wire
}

// MarkSynced records that the broker granted filter at qos. A grant for a
// QoS lower than the entry's current one is ignored because a promotion is
// still in flight.
func (r *Registry) MarkSynced(filter string, qos byte) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[filter]; ok && e.qos == qos {
		e.synced = true
	}
}

// MarkAllUnsynced forces every entry to be resubscribed on the next CONNACK.
func (r *Registry) MarkAllUnsynced() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, e := range r.entries {
		e.synced = false
	}
}

// Unsynced returns the entries the broker does not yet hold, sorted by filter.
func (r *Registry) Unsynced() []Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Subscription
	for f, e := range r.entries {
		if !e.synced {
			out = append(out, Subscription{Filter: f, QoS: e.qos})
		}
	}
	slices.SortFunc(out, func(a, b Subscription) int {
		return strings.Compare(a.Filter, b.Filter)
	})
	return out
}

// Filters returns every held filter, sorted.
func (r *Registry) Filters() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]string, 0, len(r.entries))
	for f := range r.entries {
		out = append(out, f)
	}
	slices.Sort(out)
	return out
}

// Lookup returns the entry for filter.
func (r *Registry) Lookup(filter string) (SubscriptionInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[filter]
	if !ok {
		return SubscriptionInfo{}, false
	}
	return SubscriptionInfo{Filter: filter, QoS: e.qos, Refs: e.refs, Synced: e.synced}, true
}

// Len returns the number of distinct filters held.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
