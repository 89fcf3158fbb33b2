package twopc

import "fmt"

// State is the coordinator's position in the commit protocol.
type State int

const (
	StateUnprepared State = iota
	StateWaitingForDecision
	StateCommittedAfterPrepare
	StateAbortedAfterPrepare
	// StateCommitted and StateAborted are the terminal states reached
	// directly from Unprepared when no prepare round was needed.
	StateCommitted
	StateAborted
	// StateBroken marks a protocol violation; the coordinator accepts no
	// further events.
	StateBroken
)

func (s State) String() string {
	switch s {
	case StateUnprepared:
		return "unprepared"
	case StateWaitingForDecision:
		return "waitingForDecision"
	case StateCommittedAfterPrepare:
		return "committedAfterPrepare"
	case StateAbortedAfterPrepare:
		return "abortedAfterPrepare"
	case StateCommitted:
		return "committed"
	case StateAborted:
		return "aborted"
	case StateBroken:
		return "broken"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether the coordinator has reached a final state.
func (s State) Terminal() bool {
	switch s {
	case StateCommittedAfterPrepare, StateAbortedAfterPrepare, StateCommitted, StateAborted, StateBroken:
		return true
	}
	return false
}

// Event is a protocol input to the coordinator state machine.
type Event int

const (
	// EventReceiveParticipantList starts the prepare round.
	EventReceiveParticipantList Event = iota
	// EventVoteAbort is a participant rejecting the prepare round.
	EventVoteAbort
	// EventFinalCommit is the unanimous-commit outcome of vote collection,
	// or an explicit single-shard commit.
	EventFinalCommit
	// EventFinalAbort is an explicit abort request.
	EventFinalAbort
)

func (e Event) String() string {
	switch e {
	case EventReceiveParticipantList:
		return "receiveParticipantList"
	case EventVoteAbort:
		return "voteAbort"
	case EventFinalCommit:
		return "finalCommit"
	case EventFinalAbort:
		return "finalAbort"
	default:
		return fmt.Sprintf("event(%d)", int(e))
	}
}

// Action is the fan-out a transition requires, at most one per event.
type Action int

const (
	ActionNone Action = iota
	ActionSendPrepare
	ActionSendCommit
	ActionSendAbort
)

// ErrProtocolViolation reports an event that is not legal in the
// coordinator's current state. The coordinator is Broken afterwards.
type ErrProtocolViolation struct {
	State State
	Event Event
}

func (e *ErrProtocolViolation) Error() string {
	return fmt.Sprintf("coordinator received event %s in state %s", e.Event, e.State)
}

// stateMachine is the closed transition table of the coordinator. Every
// (state, event) pair is either an explicit transition or a protocol
// violation that breaks the machine.
type stateMachine struct {
	state State
}

func (m *stateMachine) onEvent(ev Event) (Action, error) {
	switch m.state {
	case StateUnprepared:
		switch ev {
		case EventReceiveParticipantList:
			m.state = StateWaitingForDecision
			return ActionSendPrepare, nil
		case EventFinalCommit:
			m.state = StateCommitted
			return ActionSendCommit, nil
		case EventFinalAbort:
			m.state = StateAborted
			return ActionSendAbort, nil
		}
	case StateWaitingForDecision:
		switch ev {
		case EventVoteAbort, EventFinalAbort:
			m.state = StateAbortedAfterPrepare
			return ActionSendAbort, nil
		case EventFinalCommit:
			m.state = StateCommittedAfterPrepare
			return ActionSendCommit, nil
		}
	}
	err := &ErrProtocolViolation{State: m.state, Event: ev}
	m.state = StateBroken
	return ActionNone, err
}
