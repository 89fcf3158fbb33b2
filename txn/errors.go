package txn

import (
	"fmt"

	"github.com/docshard/docshard/session"
)

// ErrNoSuchTransaction is returned when an operation names a transaction the
// participant is not running, either because it never started or because it
// has been aborted.
type ErrNoSuchTransaction struct {
	Session   session.ID
	TxnNumber session.TxnNumber
	Reason    string
}

func (e *ErrNoSuchTransaction) Error() string {
	return fmt.Sprintf("no such transaction %d on session %s: %s", e.TxnNumber, e.Session, e.Reason)
}

// ErrTransactionCommitted is returned when a non-commit operation arrives for
// a transaction that has already committed.
type ErrTransactionCommitted struct {
	Session   session.ID
	TxnNumber session.TxnNumber
}

func (e *ErrTransactionCommitted) Error() string {
	return fmt.Sprintf("transaction %d on session %s has been committed", e.TxnNumber, e.Session)
}

// ErrConflictingOperation is returned when a request races with another
// operation on the same session, e.g. starting a transaction that is already
// started.
type ErrConflictingOperation struct {
	Session session.ID
	Reason  string
}

func (e *ErrConflictingOperation) Error() string {
	return fmt.Sprintf("conflicting operation on session %s: %s", e.Session, e.Reason)
}

// ErrPreparedTransactionInProgress is returned when a new transaction is
// started while a prepared transaction is still awaiting its coordinator
// decision. Prepared transactions must never be silently superseded.
type ErrPreparedTransactionInProgress struct {
	Session session.ID
}

func (e *ErrPreparedTransactionInProgress) Error() string {
	return fmt.Sprintf("cannot start a new transaction on session %s, a prepared transaction is in progress", e.Session)
}

// ErrTransactionTooLarge is returned when the buffered operations of a
// transaction exceed the configured byte ceiling.
type ErrTransactionTooLarge struct {
	Limit uint64
}

func (e *ErrTransactionTooLarge) Error() string {
	return fmt.Sprintf("total size of buffered transaction operations exceeds %d bytes", e.Limit)
}

// ErrTransactionTooOld is returned when a request carries a transaction
// number lower than the session's active one.
type ErrTransactionTooOld struct {
	Requested session.TxnNumber
	Active    session.TxnNumber
}

func (e *ErrTransactionTooOld) Error() string {
	return fmt.Sprintf("transaction %d has been superseded by transaction %d", e.Requested, e.Active)
}

// ErrInvalidOptions is returned for malformed request option combinations:
// autocommit on a multi-statement transaction, a commit timestamp on an
// unprepared commit, a missing or too-early commit timestamp on a prepared
// commit, or a read concern supplied after the first statement.
type ErrInvalidOptions struct {
	Reason string
}

func (e *ErrInvalidOptions) Error() string {
	return fmt.Sprintf("invalid options: %s", e.Reason)
}

// ErrCommandNotAllowed is returned by the command-eligibility policy for
// commands or databases that may not run inside a multi-document
// transaction.
type ErrCommandNotAllowed struct {
	DB      string
	Command string
}

func (e *ErrCommandNotAllowed) Error() string {
	return fmt.Sprintf("cannot run command %q against database %q inside a multi-document transaction", e.Command, e.DB)
}
