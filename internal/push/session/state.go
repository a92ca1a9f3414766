package session

import (
	"context"

	"github.com/looplab/fsm"
)

// State is a session lifecycle state.
type State string

// Session states.
const (
	StateDisconnected  State = "disconnected"
	StateConnecting    State = "connecting"
	StateAuthenticated State = "authenticated"
	StateActive        State = "active"
	StateReconnecting  State = "reconnecting"
	StateClosed        State = "closed"
)

// Events driving the state machine.
const (
	eventConnect      = "connect"
	eventAuthenticate = "authenticate"
	eventBind         = "bind"
	eventFail         = "fail"
	eventClose        = "close"
)

// newMachine builds the session state machine. onEnter is called after
// every transition with the source and destination states.
func newMachine(onEnter func(event string, from, to State)) *fsm.FSM {
	return fsm.NewFSM(
		string(StateDisconnected),
		fsm.Events{
			{Name: eventConnect, Src: []string{string(StateDisconnected), string(StateReconnecting)}, Dst: string(StateConnecting)},
			{Name: eventAuthenticate, Src: []string{string(StateConnecting)}, Dst: string(StateAuthenticated)},
			{Name: eventBind, Src: []string{string(StateAuthenticated)}, Dst: string(StateActive)},
			{Name: eventFail, Src: []string{string(StateConnecting), string(StateAuthenticated), string(StateActive)}, Dst: string(StateReconnecting)},
			{Name: eventClose, Src: []string{
				string(StateDisconnected),
				string(StateConnecting),
				string(StateAuthenticated),
				string(StateActive),
				string(StateReconnecting),
			}, Dst: string(StateClosed)},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				if onEnter != nil {
					onEnter(e.Event, State(e.Src), State(e.Dst))
				}
			},
		},
	)
}
