package txn

import (
	"fmt"
	"sync"
	"time"

	"github.com/docshard/docshard/config"
	"github.com/docshard/docshard/locks"
	"github.com/docshard/docshard/oplog"
	"github.com/docshard/docshard/session"
	"github.com/docshard/docshard/storage"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// CommandCommitTransaction is the command name that is allowed to reach a
// committed transaction (a commit retry).
const CommandCommitTransaction = "commitTransaction"

// Participant is one session's transaction state machine on one shard. It is
// mutated by the single execution context that has the session checked out,
// plus a narrow set of out-of-band operations (AbortArbitrary, AbortIfExpired,
// CheckForNewTxnNumber) used by session killers and migrators. All paths
// serialize on the internal mutex.
type Participant struct {
	sessionID session.ID
	cfg       *config.Config
	engines   *storage.Engines
	lockMgr   *locks.Manager
	log       oplog.Log

	mu        sync.Mutex
	txnNumber session.TxnNumber
	state     State
	// preparing is set while an in-flight prepare is writing its log record
	// outside the mutex. Out-of-band aborters must lose that race.
	preparing  bool
	autocommit bool
	expireAt   time.Time

	ops      []Operation
	opsBytes uint64

	prepareTS         uint64
	readConcern       string
	speculativeReadTS uint64
	everUnstashed     bool
	stash             *ResourceStash

	// activity is which open-transaction gauge this transaction currently
	// occupies: "", "active" or "inactive".
	activity string
}

// NewParticipant creates the participant for a session. There is exactly one
// per session per shard; see Registry.
func NewParticipant(sid session.ID, cfg *config.Config, engines *storage.Engines,
	lockMgr *locks.Manager, opLog oplog.Log) *Participant {
	return &Participant{
		sessionID:  sid,
		cfg:        cfg,
		engines:    engines,
		lockMgr:    lockMgr,
		log:        opLog,
		state:      StateNone,
		autocommit: true,
	}
}

// SessionID returns the session this participant is bound to.
func (p *Participant) SessionID() session.ID {
	return p.sessionID
}

// TxnNumber returns the active transaction number.
func (p *Participant) TxnNumber() session.TxnNumber {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.txnNumber
}

// State returns the current transaction state.
func (p *Participant) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// PrepareTS returns the prepare timestamp, zero unless prepared.
func (p *Participant) PrepareTS() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.prepareTS
}

func (p *Participant) transitionTo(new State) {
	if !legalTransition(p.state, new) {
		panic(fmt.Sprintf("txn: illegal transition %s -> %s on session %s txn %d",
			p.state, new, p.sessionID, p.txnNumber))
	}
	p.state = new
}

func (p *Participant) setActivity(a string) {
	if p.activity == a {
		return
	}
	if p.activity != "" {
		openTxnGauge.WithLabelValues(p.activity).Dec()
	}
	if a != "" {
		openTxnGauge.WithLabelValues(a).Inc()
	}
	p.activity = a
}

// checkCallerLocked re-validates that the caller's transaction number still
// names the active transaction. Mismatches fail loudly rather than silently
// touching stale state.
func (p *Participant) checkCallerLocked(ec *ExecContext) error {
	if ec.Session != p.sessionID {
		panic("txn: execution context bound to a different session")
	}
	if ec.TxnNumber < p.txnNumber {
		return &ErrTransactionTooOld{Requested: ec.TxnNumber, Active: p.txnNumber}
	}
	if ec.TxnNumber > p.txnNumber {
		return &ErrNoSuchTransaction{Session: p.sessionID, TxnNumber: ec.TxnNumber,
			Reason: "transaction was not begun on this shard"}
	}
	return nil
}

// BeginOrContinue starts a new transaction number or continues the active
// one. With startTransaction set, txnNumber must be strictly greater than the
// active number; an in-progress (not prepared, not committing) transaction at
// a lower number is implicitly aborted. Without startTransaction, an equal
// txnNumber continues the existing transaction and a greater one resets the
// session for a retryable write.
func (p *Participant) BeginOrContinue(txnNumber session.TxnNumber, autocommit, startTransaction bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if txnNumber < p.txnNumber {
		return &ErrTransactionTooOld{Requested: txnNumber, Active: p.txnNumber}
	}
	if startTransaction && autocommit {
		return &ErrInvalidOptions{Reason: "autocommit must be false to start a multi-document transaction"}
	}

	if txnNumber == p.txnNumber {
		if startTransaction {
			return &ErrConflictingOperation{Session: p.sessionID,
				Reason: fmt.Sprintf("transaction %d has already been started", txnNumber)}
		}
		return p.continueLocked(autocommit)
	}

	// Strictly greater: fresh state for the new number.
	if p.state == StatePrepared || p.preparing {
		return &ErrPreparedTransactionInProgress{Session: p.sessionID}
	}
	if p.state.isOneOf(StateCommittingWithoutPrepare, StateCommittingWithPrepare) {
		return &ErrConflictingOperation{Session: p.sessionID, Reason: "a commit is in progress"}
	}
	if p.state == StateInProgress {
		log.Info("implicitly aborting transaction superseded by a higher number",
			zap.String("session", p.sessionID.String()),
			zap.Uint64("old", uint64(p.txnNumber)),
			zap.Uint64("new", uint64(txnNumber)))
		p.abortResourcesLocked(nil)
		p.transitionTo(StateAborted)
		txnCounter.WithLabelValues("aborted").Inc()
	}

	p.txnNumber = txnNumber
	if p.state != StateNone {
		p.transitionTo(StateNone)
	}
	p.ops, p.opsBytes = nil, 0
	p.prepareTS = 0
	p.readConcern = ""
	p.speculativeReadTS = 0
	p.everUnstashed = false
	p.stash = nil
	p.autocommit = autocommit
	p.setActivity("")

	if startTransaction {
		p.transitionTo(StateInProgress)
		p.expireAt = time.Now().Add(p.cfg.TransactionLifetime.Duration)
		p.setActivity("inactive")
		txnCounter.WithLabelValues("begun").Inc()
	} else {
		p.expireAt = time.Time{}
	}
	return nil
}

func (p *Participant) continueLocked(autocommit bool) error {
	if p.state == StateNone {
		if autocommit {
			// Retryable write on the active number.
			return nil
		}
		return &ErrNoSuchTransaction{Session: p.sessionID, TxnNumber: p.txnNumber,
			Reason: "no transaction was started for this number"}
	}
	if autocommit {
		return &ErrInvalidOptions{Reason: "autocommit must be false to continue a multi-document transaction"}
	}
	switch p.state {
	case StateInProgress:
		if p.everUnstashed && p.stash == nil {
			// The first statement failed and its resources are gone.
			p.abortResourcesLocked(nil)
			p.transitionTo(StateAborted)
			txnCounter.WithLabelValues("aborted").Inc()
			return &ErrNoSuchTransaction{Session: p.sessionID, TxnNumber: p.txnNumber,
				Reason: "transaction has been aborted"}
		}
		return nil
	case StateAborted:
		return &ErrNoSuchTransaction{Session: p.sessionID, TxnNumber: p.txnNumber,
			Reason: "transaction has been aborted"}
	default:
		// Prepared, committing and committed transactions may still be
		// continued by commit/abort retries; the eligibility of the command
		// itself is checked at unstash.
		return nil
	}
}

// UnstashResources attaches the transaction's lock handle and storage-engine
// transaction to the execution context so a statement can run. If nothing is
// stashed and the transaction is in progress, fresh resources are established
// lazily. A non-empty readConcern is only legal on the first statement.
func (p *Participant) UnstashResources(ec *ExecContext, cmdName, readConcern string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.checkCallerLocked(ec); err != nil {
		return err
	}
	switch p.state {
	case StateAborted:
		return &ErrNoSuchTransaction{Session: p.sessionID, TxnNumber: p.txnNumber,
			Reason: "transaction has been aborted"}
	case StateCommitted, StateCommittingWithoutPrepare, StateCommittingWithPrepare:
		if cmdName != CommandCommitTransaction {
			return &ErrTransactionCommitted{Session: p.sessionID, TxnNumber: p.txnNumber}
		}
		// Commit retry; no resources to attach.
		return nil
	case StateNone:
		// Retryable write, no transaction resources to manage.
		return nil
	}

	if readConcern != "" {
		if p.stash != nil || p.everUnstashed {
			return &ErrInvalidOptions{Reason: "read concern may only be set by the first statement of a transaction"}
		}
		p.readConcern = readConcern
	}

	if p.stash != nil {
		p.stash.release(ec)
		p.stash = nil
	} else if p.state == StateInProgress {
		if p.everUnstashed {
			// The first statement failed and took the resources with it.
			p.abortResourcesLocked(nil)
			p.transitionTo(StateAborted)
			txnCounter.WithLabelValues("aborted").Inc()
			return &ErrNoSuchTransaction{Session: p.sessionID, TxnNumber: p.txnNumber,
				Reason: "transaction has been aborted"}
		}
		if err := p.establishResourcesLocked(ec); err != nil {
			return err
		}
	} else {
		panic("txn: prepared transaction without stashed resources")
	}
	p.everUnstashed = true
	p.setActivity("active")
	return nil
}

// establishResourcesLocked lazily opens the transaction's locks and storage
// transaction. Lock acquisition may block, so the participant mutex is
// dropped for the duration and the transaction re-validated after.
func (p *Participant) establishResourcesLocked(ec *ExecContext) error {
	txnNumber := p.txnNumber
	p.mu.Unlock()
	handle := p.lockMgr.Acquire(sessionResource(p.sessionID))
	engineTxn := p.engines.BeginTxn()
	p.mu.Lock()

	if p.txnNumber != txnNumber || p.state != StateInProgress || p.stash != nil {
		engineTxn.Rollback()
		handle.Release()
		return &ErrNoSuchTransaction{Session: p.sessionID, TxnNumber: txnNumber,
			Reason: "transaction state changed while establishing resources"}
	}
	p.speculativeReadTS = p.log.DurableTS()
	ec.attach(handle, engineTxn)
	return nil
}

// StashResources parks the execution context's transaction resources back on
// the participant between statements. No-op for non-transactional sessions
// and for contexts that no longer own resources.
func (p *Participant) StashResources(ec *ExecContext) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if ec.TxnNumber != p.txnNumber {
		return
	}
	if !p.state.isOneOf(StateInProgress, StatePrepared) {
		return
	}
	if !ec.HasResources() {
		return
	}
	p.stash = stashFrom(ec)
	p.setActivity("inactive")
}

// AddOperation buffers one write for the in-progress transaction, enforcing
// the cumulative size ceiling.
func (p *Participant) AddOperation(ec *ExecContext, op Operation) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.checkCallerLocked(ec); err != nil {
		return err
	}
	if p.state != StateInProgress {
		return &ErrNoSuchTransaction{Session: p.sessionID, TxnNumber: p.txnNumber,
			Reason: fmt.Sprintf("cannot buffer operations in state %s", p.state)}
	}
	if p.opsBytes+op.size() > p.cfg.MaxTransactionBytes {
		return &ErrTransactionTooLarge{Limit: p.cfg.MaxTransactionBytes}
	}
	p.ops = append(p.ops, op)
	p.opsBytes += op.size()
	return nil
}

// Prepare makes the transaction durable-but-uncommitted and returns the
// prepare timestamp. The log slot is reserved while the storage transaction
// is still open, so no later writer can commit between the reservation and
// the prepare record. A failure to write the prepare record is fatal: a
// partially durable prepare cannot be unwound.
func (p *Participant) Prepare(ec *ExecContext) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.checkCallerLocked(ec); err != nil {
		return 0, err
	}
	switch p.state {
	case StatePrepared:
		// Prepare retry from the coordinator.
		return p.prepareTS, nil
	case StateAborted:
		return 0, &ErrNoSuchTransaction{Session: p.sessionID, TxnNumber: p.txnNumber,
			Reason: "transaction has been aborted"}
	case StateCommitted, StateCommittingWithoutPrepare, StateCommittingWithPrepare:
		return 0, &ErrTransactionCommitted{Session: p.sessionID, TxnNumber: p.txnNumber}
	case StateNone:
		return 0, &ErrNoSuchTransaction{Session: p.sessionID, TxnNumber: p.txnNumber,
			Reason: "no transaction is in progress"}
	}

	engineTxn := ec.EngineTxn()
	if engineTxn == nil {
		panic("txn: prepare without unstashed transaction resources")
	}
	for _, op := range p.ops {
		if err := op.apply(engineTxn); err != nil {
			p.abortResourcesLocked(ec)
			p.transitionTo(StateAborted)
			txnCounter.WithLabelValues("aborted").Inc()
			return 0, err
		}
	}

	slot := p.log.ReserveSlot()
	sid, txnNumber := p.sessionID, p.txnNumber
	p.preparing = true
	p.mu.Unlock()
	err := p.log.AppendPrepare(slot, sid, txnNumber, nil)
	p.mu.Lock()
	p.preparing = false
	if err != nil {
		panic(fmt.Sprintf("txn: failed to write prepare record for session %s txn %d: %v",
			sid, txnNumber, err))
	}

	p.prepareTS = slot.TS
	p.transitionTo(StatePrepared)
	txnCounter.WithLabelValues("prepared").Inc()
	log.Info("transaction prepared",
		zap.String("session", sid.String()),
		zap.Uint64("txnNumber", uint64(txnNumber)),
		zap.Uint64("prepareTS", slot.TS))
	return slot.TS, nil
}

// CommitUnprepared commits a transaction that never went through a prepare
// round. It is rejected for prepared transactions, which require a commit
// timestamp.
func (p *Participant) CommitUnprepared(ec *ExecContext) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.checkCallerLocked(ec); err != nil {
		return err
	}
	switch p.state {
	case StateCommitted:
		// Commit retry.
		return nil
	case StatePrepared:
		return &ErrInvalidOptions{Reason: "transaction is prepared, commit requires a commit timestamp"}
	case StateAborted:
		return &ErrNoSuchTransaction{Session: p.sessionID, TxnNumber: p.txnNumber,
			Reason: "transaction has been aborted"}
	case StateNone:
		return &ErrNoSuchTransaction{Session: p.sessionID, TxnNumber: p.txnNumber,
			Reason: "no transaction is in progress"}
	case StateCommittingWithoutPrepare, StateCommittingWithPrepare:
		return &ErrConflictingOperation{Session: p.sessionID, Reason: "a commit is in progress"}
	}

	engineTxn := ec.EngineTxn()
	if engineTxn == nil {
		if len(p.ops) > 0 {
			panic("txn: commit without unstashed transaction resources")
		}
		// Nothing was ever written; commit trivially.
		p.transitionTo(StateCommittingWithoutPrepare)
		p.transitionTo(StateCommitted)
		p.setActivity("")
		txnCounter.WithLabelValues("committed").Inc()
		return nil
	}
	for _, op := range p.ops {
		if err := op.apply(engineTxn); err != nil {
			p.abortResourcesLocked(ec)
			p.transitionTo(StateAborted)
			txnCounter.WithLabelValues("aborted").Inc()
			return err
		}
	}

	slot := p.log.ReserveSlot()
	p.transitionTo(StateCommittingWithoutPrepare)
	sid, txnNumber := p.sessionID, p.txnNumber
	handle, txnToCommit := ec.detach()

	p.mu.Unlock()
	appendErr := p.log.AppendCommit(slot, sid, txnNumber, 0)
	var commitErr error
	if appendErr == nil {
		commitErr = txnToCommit.Commit()
	}
	p.mu.Lock()

	if appendErr != nil {
		p.log.ReleaseSlot(slot)
		if txnToCommit.Active() {
			txnToCommit.Rollback()
		}
		handle.Release()
		p.transitionTo(StateAborted)
		p.ops, p.opsBytes = nil, 0
		p.setActivity("")
		txnCounter.WithLabelValues("aborted").Inc()
		return appendErr
	}
	if commitErr != nil {
		panic(fmt.Sprintf("txn: engine commit failed after the commit record was written for session %s txn %d: %v",
			sid, txnNumber, commitErr))
	}

	handle.Release()
	p.transitionTo(StateCommitted)
	p.ops, p.opsBytes = nil, 0
	p.setActivity("")
	txnCounter.WithLabelValues("committed").Inc()
	return nil
}

// CommitPrepared commits a prepared transaction at the coordinator's commit
// timestamp. The timestamp must not precede the prepare timestamp. Once the
// prepare record is durable, any failure here is fatal: other shards may
// already have committed on the strength of this shard's vote.
func (p *Participant) CommitPrepared(ec *ExecContext, commitTS uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.checkCallerLocked(ec); err != nil {
		return err
	}
	switch p.state {
	case StateCommitted:
		// Commit retry.
		return nil
	case StateAborted:
		return &ErrNoSuchTransaction{Session: p.sessionID, TxnNumber: p.txnNumber,
			Reason: "transaction has been aborted"}
	case StateInProgress, StateNone:
		return &ErrInvalidOptions{Reason: "a commit timestamp may only be given for a prepared transaction"}
	case StateCommittingWithoutPrepare, StateCommittingWithPrepare:
		return &ErrConflictingOperation{Session: p.sessionID, Reason: "a commit is in progress"}
	}
	if commitTS == 0 {
		return &ErrInvalidOptions{Reason: "committing a prepared transaction requires a commit timestamp"}
	}
	if commitTS < p.prepareTS {
		return &ErrInvalidOptions{Reason: fmt.Sprintf(
			"commit timestamp %d precedes the prepare timestamp %d", commitTS, p.prepareTS)}
	}
	engineTxn := ec.EngineTxn()
	if engineTxn == nil {
		panic("txn: prepared commit without unstashed transaction resources")
	}

	slot := p.log.ReserveSlot()
	p.transitionTo(StateCommittingWithPrepare)
	sid, txnNumber := p.sessionID, p.txnNumber
	handle, txnToCommit := ec.detach()

	p.mu.Unlock()
	appendErr := p.log.AppendCommit(slot, sid, txnNumber, commitTS)
	var commitErr error
	if appendErr == nil {
		commitErr = txnToCommit.Commit()
	}
	p.mu.Lock()

	if appendErr != nil || commitErr != nil {
		panic(fmt.Sprintf("txn: failed to commit prepared transaction for session %s txn %d: append=%v commit=%v",
			sid, txnNumber, appendErr, commitErr))
	}

	handle.Release()
	p.transitionTo(StateCommitted)
	p.ops, p.opsBytes = nil, 0
	p.setActivity("")
	txnCounter.WithLabelValues("committed").Inc()
	log.Info("prepared transaction committed",
		zap.String("session", sid.String()),
		zap.Uint64("txnNumber", uint64(txnNumber)),
		zap.Uint64("commitTS", commitTS))
	return nil
}

// AbortActive aborts the transaction if its state is among the caller's
// expected set; otherwise the transaction was already resolved by someone
// else and the call is a no-op. Aborting a prepared transaction (the
// coordinator's abort-after-prepare path) writes a durable abort record.
func (p *Participant) AbortActive(ec *ExecContext, expected ...State) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.checkCallerLocked(ec); err != nil {
		return err
	}
	if p.preparing {
		// The in-flight prepare wins; the caller observes nothing.
		return nil
	}
	if !p.state.isOneOf(expected...) {
		return nil
	}

	if p.state == StatePrepared {
		slot := p.log.ReserveSlot()
		sid, txnNumber := p.sessionID, p.txnNumber
		p.mu.Unlock()
		err := p.log.AppendAbort(slot, sid, txnNumber)
		p.mu.Lock()
		if err != nil {
			p.log.ReleaseSlot(slot)
			return err
		}
	}

	p.abortResourcesLocked(ec)
	p.transitionTo(StateAborted)
	txnCounter.WithLabelValues("aborted").Inc()
	return nil
}

// AbortArbitrary aborts an in-progress transaction without the session being
// checked out. Used by session killers. Prepared and committing transactions
// are never touched; those are resolved only by the coordinator.
func (p *Participant) AbortArbitrary() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.abortOutOfBandLocked("abortedArbitrary")
}

// AbortIfExpired aborts an in-progress transaction whose lifetime deadline
// has passed. Used by the expiry sweeper; same restrictions as
// AbortArbitrary.
func (p *Participant) AbortIfExpired(now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.expireAt.IsZero() || now.Before(p.expireAt) {
		return
	}
	p.abortOutOfBandLocked("abortedOnExpiry")
}

func (p *Participant) abortOutOfBandLocked(counter string) {
	if p.preparing || p.state != StateInProgress {
		return
	}
	p.abortResourcesLocked(nil)
	p.transitionTo(StateAborted)
	txnCounter.WithLabelValues(counter).Inc()
	log.Info("transaction aborted out of band",
		zap.String("session", p.sessionID.String()),
		zap.Uint64("txnNumber", uint64(p.txnNumber)))
}

// abortResourcesLocked rolls back and frees whichever side currently owns
// the transaction resources, and clears the buffered operations.
func (p *Participant) abortResourcesLocked(ec *ExecContext) {
	if ec != nil && ec.HasResources() {
		handle, engineTxn := ec.detach()
		if engineTxn != nil && engineTxn.Active() {
			engineTxn.Rollback()
		}
		if handle != nil {
			handle.Release()
		}
	} else if p.stash != nil {
		p.stash.dispose()
	}
	p.stash = nil
	p.ops, p.opsBytes = nil, 0
	p.setActivity("")
}

// CheckForNewTxnNumber lets a session observe that an external actor (e.g. a
// chunk migration) advanced the active transaction number, re-synchronizing
// local state to None. Prepared and committing transactions are left alone.
func (p *Participant) CheckForNewTxnNumber(observed session.TxnNumber) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if observed <= p.txnNumber {
		return
	}
	if p.preparing || p.state.isOneOf(StatePrepared, StateCommittingWithoutPrepare, StateCommittingWithPrepare) {
		log.Warn("ignoring externally advanced transaction number during commit protocol",
			zap.String("session", p.sessionID.String()),
			zap.Uint64("active", uint64(p.txnNumber)),
			zap.Uint64("observed", uint64(observed)))
		return
	}
	if p.state == StateInProgress {
		p.abortResourcesLocked(nil)
		p.transitionTo(StateAborted)
		txnCounter.WithLabelValues("aborted").Inc()
	}
	p.txnNumber = observed
	if p.state != StateNone {
		p.transitionTo(StateNone)
	}
	p.ops, p.opsBytes = nil, 0
	p.prepareTS = 0
	p.readConcern = ""
	p.everUnstashed = false
	p.stash = nil
	p.expireAt = time.Time{}
	p.setActivity("")
}

func sessionResource(sid session.ID) string {
	return "session/" + sid.String()
}
