package mqtt

import (
	"context"
	"errors"

	"github.com/looplab/fsm"
)

// State is the connection lifecycle state.
type State string

const (
	StateDisconnected  State = "disconnected"
	StateConnecting    State = "connecting"
	StateConnected     State = "connected"
	StateDisconnecting State = "disconnecting"
)

// Connection lifecycle events.
const (
	eventConnect    = "connect"
	eventReconnect  = "reconnect"
	eventConnack    = "connack"
	eventFail       = "fail"
	eventDisconnect = "disconnect"
	eventClosed     = "closed"
)

// stateMachine drives the connection lifecycle:
//
//	disconnected -> connecting -> connected -> disconnecting -> disconnected
//	connecting -> disconnected            (handshake failed)
//	connected  -> connecting              (reconnect)
//	connected  -> disconnected            (transport lost)
type stateMachine struct {
	fsm *fsm.FSM
}

func newStateMachine(onChange func(from, to State)) *stateMachine {
	events := fsm.Events{
		{Name: eventConnect, Src: []string{string(StateDisconnected)}, Dst: string(StateConnecting)},
		{Name: eventReconnect, Src: []string{string(StateConnected)}, Dst: string(StateConnecting)},
		{Name: eventConnack, Src: []string{string(StateConnecting)}, Dst: string(StateConnected)},
		{Name: eventFail, Src: []string{string(StateConnecting)}, Dst: string(StateDisconnected)},
		{Name: eventDisconnect, Src: []string{string(StateConnecting), string(StateConnected)}, Dst: string(StateDisconnecting)},
		{Name: eventClosed, Src: []string{string(StateConnecting), string(StateConnected), string(StateDisconnecting)}, Dst: string(StateDisconnected)},
	}

	callbacks := fsm.Callbacks{
		"enter_state": func(_ context.Context, e *fsm.Event) {
			if onChange != nil {
				onChange(State(e.Src), State(e.Dst))
			}
		},
	}

	return &stateMachine{
		fsm: fsm.NewFSM(string(StateDisconnected), events, callbacks),
	}
}

// fire applies event. It returns an fsm.InvalidEventError when the event
// is not allowed from the current state.
func (s *stateMachine) fire(event string) error {
	err := s.fsm.Event(context.Background(), event)
	var noTransition fsm.NoTransitionError
	if errors.As(err, &noTransition) {
		return nil
	}
	return err
}

// Current returns the current state.
func (s *stateMachine) Current() State {
	return State(s.fsm.Current())
}

func (s *stateMachine) is(state State) bool {
	return s.fsm.Is(string(state))
}
