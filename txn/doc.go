// Package txn implements the per-shard transaction participant.
//
// Each client session owns at most one open multi-document transaction at a
// time, identified by a monotonically increasing transaction number. The
// Participant tracks that transaction through its lifecycle:
//
//	None -> InProgress -> CommittingWithoutPrepare -> Committed
//	                   -> Prepared -> CommittingWithPrepare -> Committed
//	                   -> Aborted
//
// Statements run one at a time with the session checked out. Between
// statements the transaction's resources (its all-or-nothing lock handle and
// its storage-engine transaction) are parked in a ResourceStash on the
// participant, and re-attached to the next statement's ExecContext on
// unstash. Losing the stash mid-transaction (a failed first statement)
// implicitly aborts the transaction.
//
// A transaction that touches a single shard commits directly with
// CommitUnprepared. A cross-shard transaction goes through two-phase commit:
// the coordinator (package twopc) drives Prepare on every participant,
// gathers prepare timestamps, and then delivers CommitPrepared at the
// maximum of those timestamps, or AbortActive. Once a participant has
// written its prepare record it holds its locks and storage transaction
// until the coordinator's decision arrives; nothing else, not session
// killers and not lifetime expiry, may abort it.
package txn
