package mqtt

import (
	"sync"
	"testing"
)

func TestStateMachineLifecycle(t *testing.T) {
	var (
		mu          sync.Mutex
		transitions []string
	)
	sm := newStateMachine(func(from, to State) {
		mu.Lock()
		transitions = append(transitions, string(from)+">"+string(to))
		mu.Unlock()
	})

	if sm.Current() != StateDisconnected {
		t.Fatalf("initial state = %s, want %s", sm.Current(), StateDisconnected)
	}

	steps := []struct {
		event string
		want  State
	}{
		{eventConnect, StateConnecting},
		{eventConnack, StateConnected},
		{eventReconnect, StateConnecting},
		{eventConnack, StateConnected},
		{eventDisconnect, StateDisconnecting},
		{eventClosed, StateDisconnected},
	}
	for _, step := range steps {
		if err := sm.fire(step.event); err != nil {
			t.Fatalf("fire(%s) error = %v", step.event, err)
		}
		if sm.Current() != step.want {
			t.Fatalf("after %s state = %s, want %s", step.event, sm.Current(), step.want)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if len(transitions) != len(steps) {
		t.Errorf("onChange called %d times, want %d", len(transitions), len(steps))
	}
	if transitions[0] != "disconnected>connecting" {
		t.Errorf("first transition = %q, want %q", transitions[0], "disconnected>connecting")
	}
}

func TestStateMachineInvalidEvents(t *testing.T) {
	tests := []struct {
		name  string
		setup []string
		event string
	}{
		{"connack while disconnected", nil, eventConnack},
		{"connect while connecting", []string{eventConnect}, eventConnect},
		{"connect while connected", []string{eventConnect, eventConnack}, eventConnect},
		{"reconnect while disconnected", nil, eventReconnect},
		{"disconnect while disconnected", nil, eventDisconnect},
		{"fail while connected", []string{eventConnect, eventConnack}, eventFail},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sm := newStateMachine(nil)
			for _, e := range tt.setup {
				if err := sm.fire(e); err != nil {
					t.Fatalf("setup fire(%s) error = %v", e, err)
				}
			}
			before := sm.Current()
			if err := sm.fire(tt.event); err == nil {
				t.Errorf("fire(%s) from %s error = nil, want error", tt.event, before)
			}
			if sm.Current() != before {
				t.Errorf("state changed to %s on rejected event", sm.Current())
			}
		})
	}
}

func TestStateMachineHandshakeFailure(t *testing.T) {
	sm := newStateMachine(nil)
	if err := sm.fire(eventConnect); err != nil {
		t.Fatalf("fire(connect) error = %v", err)
	}
	if err := sm.fire(eventFail); err != nil {
		t.Fatalf("fire(fail) error = %v", err)
	}
	if !sm.is(StateDisconnected) {
		t.Errorf("state = %s, want %s", sm.Current(), StateDisconnected)
	}
}
