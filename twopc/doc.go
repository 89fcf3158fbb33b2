// Package twopc implements the two-phase commit coordinator for
// cross-shard transactions.
//
// A coordinator exists per (session, transaction number) while a commit is
// being driven. The router creates it ahead of time (createCoordinator) and
// later supplies the participant shard set exactly once (coordinateCommit).
// The coordinator then fans out prepare to every participant, collects
// votes, durably records its decision, and fans the decision back out:
//
//	Unprepared -> WaitingForDecision -> CommittedAfterPrepare
//	                                 -> AbortedAfterPrepare
//
// Commit requires unanimity; a single abort vote aborts everywhere. The
// decision is persisted before any participant learns it, so a crash between
// deciding and delivering can be resumed (recoverCommit, and a startup scan
// of persisted coordinator documents) and always reaches the same outcome.
//
// Per-participant commands are retried indefinitely: a write-concern failure
// on an otherwise successful response means the operation happened locally
// but is not yet durable, so the identical command is sent again until a
// clean acknowledgment arrives. Only before the participant list is received
// can a coordinator be canceled (by its deadline or by a higher transaction
// number on the same session); after that it always runs to a decision.
package twopc
