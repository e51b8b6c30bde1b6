package mqtt

import (
	"slices"
	"testing"
)

func TestRegistryReferenceCounting(t *testing.T) {
	r := NewRegistry()

	if wire, qos := r.Acquire("temp/+", 1); !wire || qos != 1 {
		t.Fatalf("first Acquire() = (%v, %d), want (true, 1)", wire, qos)
	}
	if wire, _ := r.Acquire("temp/+", 1); wire {
		t.Error("second Acquire() at same QoS requested a SUBSCRIBE")
	}

	info, ok := r.Lookup("temp/+")
	if !ok || info.Refs != 2 {
		t.Fatalf("Lookup() = (%+v, %v), want 2 refs", info, ok)
	}

	if last, known := r.Release("temp/+"); last || !known {
		t.Errorf("first Release() = (%v, %v), want (false, true)", last, known)
	}
	if last, known := r.Release("temp/+"); !last || !known {
		t.Errorf("second Release() = (%v, %v), want (true, true)", last, known)
	}
	if last, known := r.Release("temp/+"); last || known {
		t.Errorf("Release() of dropped filter = (%v, %v), want (false, false)", last, known)
	}
	if r.Len() != 0 {
		t.Errorf("Len() = %d, want 0", r.Len())
	}
}

func TestRegistryQoSPromotion(t *testing.T) {
	r := NewRegistry()
	r.Acquire("alarm/#", 0)
	r.MarkSynced("alarm/#", 0)

	wire, qos := r.Acquire("alarm/#", 2)
	if !wire || qos != 2 {
		t.Fatalf("Acquire() with higher QoS = (%v, %d), want (true, 2)", wire, qos)
	}

	// A lower request never demotes.
	wire, qos = r.Acquire("alarm/#", 1)
	if wire || qos != 2 {
		t.Errorf("Acquire() with lower QoS = (%v, %d), want (false, 2)", wire, qos)
	}

	// A late grant for the old QoS does not mark the promoted entry synced.
	r.MarkSynced("alarm/#", 0)
	if info, _ := r.Lookup("alarm/#"); info.Synced {
		t.Error("entry synced by a grant for the superseded QoS")
	}
	r.MarkSynced("alarm/#", 2)
	if info, _ := r.Lookup("alarm/#"); !info.Synced {
		t.Error("entry not synced after grant for current QoS")
	}
}

func TestRegistryAcquireMany(t *testing.T) {
	r := NewRegistry()
	r.Acquire("a", 1)
	r.MarkSynced("a", 1)

	wire := r.AcquireMany([]Subscription{
		{Filter: "a", QoS: 0},
		{Filter: "b", QoS: 0},
		{Filter: "b", QoS: 2},
		{Filter: "c", QoS: 1},
	})

	want := []Subscription{{Filter: "b", QoS: 2}, {Filter: "c", QoS: 1}}
	if !slices.Equal(wire, want) {
		t.Errorf("AcquireMany() = %+v, want %+v", wire, want)
	}
	if info, _ := r.Lookup("b"); info.Refs != 2 {
		t.Errorf("b refs = %d, want 2", info.Refs)
	}
}

func TestRegistryReleaseMany(t *testing.T) {
	r := NewRegistry()
	r.AcquireMany([]Subscription{{Filter: "a"}, {Filter: "b"}, {Filter: "b"}})

	got := r.ReleaseMany([]string{"a", "b", "missing"})
	if !slices.Equal(got, []string{"a"}) {
		t.Errorf("ReleaseMany() = %v, want [a]", got)
	}
}

func TestRegistryUnsynced(t *testing.T) {
	r := NewRegistry()
	r.Acquire("z", 1)
	r.Acquire("a", 0)
	r.MarkSynced("z", 1)

	if got := r.Unsynced(); !slices.Equal(got, []Subscription{{Filter: "a", QoS: 0}}) {
		t.Errorf("Unsynced() = %+v, want [a]", got)
	}

	r.MarkAllUnsynced()
	want := []Subscription{{Filter: "a", QoS: 0}, {Filter: "z", QoS: 1}}
	if got := r.Unsynced(); !slices.Equal(got, want) {
		t.Errorf("Unsynced() after MarkAllUnsynced = %+v, want %+v", got, want)
	}
	if got := r.Filters(); !slices.Equal(got, []string{"a", "z"}) {
		t.Errorf("Filters() = %v, want [a z]", got)
	}
}
