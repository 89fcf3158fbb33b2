package txn

import (
	"time"

	"github.com/docshard/docshard/locks"
	"github.com/docshard/docshard/session"
	"github.com/docshard/docshard/storage"
)

// ExecContext stands in for the per-command execution context of the command
// layer. It carries the caller's session and transaction number, a time
// budget, and, between unstash and stash, the transaction's lock handle and
// open storage-engine transaction.
type ExecContext struct {
	Session   session.ID
	TxnNumber session.TxnNumber
	Deadline  time.Time

	lockHandle *locks.Handle
	engineTxn  *storage.EngineTxn
}

// NewExecContext builds a context for one command invocation. A zero
// deadline means no time budget.
func NewExecContext(sid session.ID, txnNumber session.TxnNumber) *ExecContext {
	return &ExecContext{Session: sid, TxnNumber: txnNumber}
}

// RemainingBudget is how much of the command's time budget is left.
func (ec *ExecContext) RemainingBudget() time.Duration {
	if ec.Deadline.IsZero() {
		return time.Duration(1<<63 - 1)
	}
	return time.Until(ec.Deadline)
}

// EngineTxn is the open storage transaction, or nil if resources are not
// attached.
func (ec *ExecContext) EngineTxn() *storage.EngineTxn {
	return ec.engineTxn
}

// LockHandle is the held lock set, or nil if resources are not attached.
func (ec *ExecContext) LockHandle() *locks.Handle {
	return ec.lockHandle
}

// HasResources reports whether the context currently owns transaction
// resources.
func (ec *ExecContext) HasResources() bool {
	return ec.engineTxn != nil || ec.lockHandle != nil
}

func (ec *ExecContext) attach(h *locks.Handle, t *storage.EngineTxn) {
	if ec.HasResources() {
		panic("txn: execution context already owns transaction resources")
	}
	ec.lockHandle = h
	ec.engineTxn = t
}

func (ec *ExecContext) detach() (*locks.Handle, *storage.EngineTxn) {
	h, t := ec.lockHandle, ec.engineTxn
	ec.lockHandle, ec.engineTxn = nil, nil
	return h, t
}
