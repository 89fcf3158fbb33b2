package twopc

import (
	"context"

	"github.com/docshard/docshard/session"
	"github.com/docshard/docshard/txn"
)

// CommandKind identifies a commit-protocol command sent to a participant
// shard.
type CommandKind int

const (
	CmdPrepare CommandKind = iota
	CmdCommit
	CmdAbort
)

func (k CommandKind) String() string {
	switch k {
	case CmdPrepare:
		return "prepareTransaction"
	case CmdCommit:
		return "commitTransaction"
	case CmdAbort:
		return "abortTransaction"
	default:
		return "unknown"
	}
}

// Request is one commit-protocol command addressed to a participant shard.
// CommitTS is only set for CmdCommit of a prepared transaction.
type Request struct {
	Kind      CommandKind
	Session   session.ID
	TxnNumber session.TxnNumber
	CommitTS  uint64
}

// Response is a participant's reply. A write-concern error on an OK response
// means the command took effect locally but has not yet met its durability
// requirement; the coordinator must repeat the identical command until a
// clean acknowledgment arrives.
type Response struct {
	OK              bool
	Err             error
	PrepareTS       uint64
	WriteConcernErr error
}

// Dispatcher sends commit-protocol commands to named shards. A non-nil error
// from Dispatch is a transport failure; the command may or may not have
// reached the shard and is retried.
type Dispatcher interface {
	Dispatch(ctx context.Context, shard string, req *Request) (*Response, error)
}

// isVoteAbort classifies a definitive participant error during the prepare
// round. A participant that no longer has the transaction, or that rejects
// the prepare outright, is a vote to abort.
func isVoteAbort(err error) bool {
	switch err.(type) {
	case *txn.ErrNoSuchTransaction, *txn.ErrTransactionTooOld:
		return true
	}
	return false
}

// alreadyResolved classifies a participant error during decision fan-out
// that counts as an acknowledgment: the participant has already resolved the
// transaction (e.g. an abort delivered twice).
func alreadyResolved(err error) bool {
	switch err.(type) {
	case *txn.ErrNoSuchTransaction, *txn.ErrTransactionTooOld:
		return true
	}
	return false
}
