package txn

import "fmt"

// State is the lifecycle state of a participant's current transaction. The
// legal transitions form a closed graph; an illegal transition is a logic
// defect in the core and panics rather than returning an error.
type State int

const (
	// StateNone means no transaction is open for the active number.
	StateNone State = iota
	// StateInProgress means statements may still buffer operations.
	StateInProgress
	// StatePrepared means the prepare record is durable and the transaction
	// can only be resolved by a coordinator decision.
	StatePrepared
	// StateCommittingWithoutPrepare and StateCommittingWithPrepare cover the
	// window between the decision and the commit record being applied.
	StateCommittingWithoutPrepare
	StateCommittingWithPrepare
	StateCommitted
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateNone:
		return "none"
	case StateInProgress:
		return "inProgress"
	case StatePrepared:
		return "prepared"
	case StateCommittingWithoutPrepare:
		return "committingWithoutPrepare"
	case StateCommittingWithPrepare:
		return "committingWithPrepare"
	case StateCommitted:
		return "committed"
	case StateAborted:
		return "aborted"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// legalTransition reports whether old -> new is permitted.
func legalTransition(old, new State) bool {
	switch old {
	case StateNone:
		return new == StateInProgress
	case StateInProgress:
		switch new {
		case StatePrepared, StateCommittingWithoutPrepare, StateAborted:
			return true
		}
	case StatePrepared:
		switch new {
		case StateCommittingWithPrepare, StateAborted:
			return true
		}
	case StateCommittingWithoutPrepare, StateCommittingWithPrepare:
		switch new {
		case StateCommitted, StateAborted:
			return true
		}
	case StateCommitted, StateAborted:
		// A new transaction number resets the machine through None.
		switch new {
		case StateNone, StateInProgress:
			return true
		}
	}
	return false
}

func (s State) isOneOf(states ...State) bool {
	for _, c := range states {
		if s == c {
			return true
		}
	}
	return false
}
