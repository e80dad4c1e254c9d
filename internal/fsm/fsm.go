// Package fsm defines the conversation loop states and their legal transitions.
package fsm

import "fmt"

type State string

type Event string

const (
	StateIdle       State = "idle"
	StateCapturing  State = "capturing"
	StateSubmitting State = "submitting"
	StateReplying   State = "replying"
	StateFailed     State = "failed"
)

const (
	EventStart   Event = "start"
	EventStop    Event = "stop"
	EventCancel  Event = "cancel"
	EventDenied  Event = "denied"
	EventReplied Event = "replied"
	EventRestart Event = "restart"
	EventSettle  Event = "settle"
	EventFail    Event = "fail"
	EventReset   Event = "reset"
)

func Transition(current State, event Event) (State, error) {
	if event == EventFail {
		return StateFailed, nil
	}

	switch current {
	case StateIdle:
		switch event {
		case EventStart:
			return StateCapturing, nil
		default:
			return current, invalidTransition(current, event)
		}
	case StateCapturing:
		switch event {
		case EventStop:
			return StateSubmitting, nil
		case EventCancel, EventDenied:
			return StateIdle, nil
		default:
			return current, invalidTransition(current, event)
		}
	case StateSubmitting:
		switch event {
		case EventReplied:
			return StateReplying, nil
		default:
			return current, invalidTransition(current, event)
		}
	case StateReplying:
		switch event {
		case EventRestart:
			return StateCapturing, nil
		case EventSettle:
			return StateIdle, nil
		default:
			return current, invalidTransition(current, event)
		}
	case StateFailed:
		switch event {
		case EventReset:
			return StateIdle, nil
		default:
			return current, invalidTransition(current, event)
		}
	default:
		return current, fmt.Errorf("unknown state %q", current)
	}
}

// AcceptsStart reports whether a user start request may begin a new turn.
func AcceptsStart(state State) bool {
	return state == StateIdle
}

func invalidTransition(state State, event Event) error {
	return fmt.Errorf("invalid transition: %s --(%s)--> ?", state, event)
}
