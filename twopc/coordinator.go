package twopc

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/docshard/docshard/config"
	"github.com/docshard/docshard/session"
	"github.com/pingcap/log"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// Outcome is what waiters of a coordination observe. Decision is
// DecisionNone when the coordinator was canceled before it ever received a
// participant list.
type Outcome struct {
	Decision Decision
	CommitTS uint64
}

type pushedVote struct {
	abort     bool
	prepareTS uint64
}

// Coordinator drives one (session, transaction number) through two-phase
// commit. It is created ahead of the participant list; until the list
// arrives its deadline timer may cancel it. Once the list is received the
// coordination always runs to a terminal decision.
type Coordinator struct {
	sid       session.ID
	txnNumber session.TxnNumber

	cfg        *config.Config
	store      *docStore
	dispatcher Dispatcher
	wg         *sync.WaitGroup
	onFinish   func(*Coordinator)

	// abortRequested is the coordination's cancellation flag: set by
	// tryAbort, consulted lock-free by the prepare solicit loops so a
	// doomed coordination stops asking for votes.
	abortRequested *atomic.Bool

	mu            sync.Mutex
	sm            stateMachine
	participants  []string
	listReceived  bool
	decisionMade  bool
	pendingVotes  map[string]pushedVote
	finished      bool
	outcome       Outcome
	waiters       []chan Outcome
	deadlineTimer *time.Timer
}

func newCoordinator(cfg *config.Config, store *docStore, dispatcher Dispatcher,
	wg *sync.WaitGroup, sid session.ID, txnNumber session.TxnNumber,
	deadline time.Time, onFinish func(*Coordinator)) *Coordinator {
	c := &Coordinator{
		sid:            sid,
		txnNumber:      txnNumber,
		cfg:            cfg,
		store:          store,
		dispatcher:     dispatcher,
		wg:             wg,
		onFinish:       onFinish,
		abortRequested: atomic.NewBool(false),
		pendingVotes:   make(map[string]pushedVote),
	}
	if !deadline.IsZero() {
		c.deadlineTimer = time.AfterFunc(time.Until(deadline), c.cancelIfNoParticipantList)
	}
	activeCoordinatorGauge.Inc()
	return c
}

// TxnNumber returns the transaction number this coordinator serves.
func (c *Coordinator) TxnNumber() session.TxnNumber {
	return c.txnNumber
}

// State returns the coordinator's protocol state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sm.state
}

// Subscribe returns a channel that yields the coordination's outcome. If the
// outcome is already known it is delivered immediately.
func (c *Coordinator) Subscribe() <-chan Outcome {
	ch := make(chan Outcome, 1)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.finished {
		ch <- c.outcome
		return ch
	}
	c.waiters = append(c.waiters, ch)
	return ch
}

// cancelIfNoParticipantList is the deadline timer's target. A coordinator
// that never received its participant list is discarded as if it never
// coordinated; waiters observe DecisionNone.
func (c *Coordinator) cancelIfNoParticipantList() {
	c.mu.Lock()
	if c.listReceived || c.finished {
		c.mu.Unlock()
		return
	}
	log.Info("canceling coordinator, participant list never arrived",
		zap.String("session", c.sid.String()),
		zap.Uint64("txnNumber", uint64(c.txnNumber)))
	c.finishLocked(Outcome{Decision: DecisionNone})
}

// finishLocked records the outcome and notifies waiters. Called with mu
// held; unlocks it.
func (c *Coordinator) finishLocked(outcome Outcome) {
	c.finished = true
	c.outcome = outcome
	waiters := c.waiters
	c.waiters = nil
	if c.deadlineTimer != nil {
		c.deadlineTimer.Stop()
	}
	c.mu.Unlock()

	for _, ch := range waiters {
		ch <- outcome
	}
	activeCoordinatorGauge.Dec()
	decisionCounter.WithLabelValues(outcome.Decision.String()).Inc()
	if c.onFinish != nil {
		c.onFinish(c)
	}
}

// discard throws away a coordinator that never made it into the catalog.
func (c *Coordinator) discard() {
	c.mu.Lock()
	if c.finished {
		c.mu.Unlock()
		return
	}
	c.finished = true
	if c.deadlineTimer != nil {
		c.deadlineTimer.Stop()
	}
	c.mu.Unlock()
	activeCoordinatorGauge.Dec()
}

// coordinateCommit supplies the participant set. The first caller starts the
// coordination; later callers with the same transaction join the in-flight
// decision through Subscribe.
func (c *Coordinator) coordinateCommit(participants []string) {
	c.mu.Lock()
	if c.finished || c.listReceived {
		c.mu.Unlock()
		return
	}
	c.listReceived = true
	if c.deadlineTimer != nil {
		c.deadlineTimer.Stop()
	}
	c.participants = append([]string(nil), participants...)
	sort.Strings(c.participants)
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.run()
	}()
}

// resumeDecision restarts the decision fan-out of a coordination whose
// decision was already durably recorded before a crash.
func (c *Coordinator) resumeDecision(participants []string, decision Decision, commitTS uint64) {
	c.mu.Lock()
	if c.finished || c.listReceived {
		c.mu.Unlock()
		return
	}
	c.listReceived = true
	if c.deadlineTimer != nil {
		c.deadlineTimer.Stop()
	}
	c.participants = append([]string(nil), participants...)
	sort.Strings(c.participants)
	// Replay the recorded history through the state machine.
	if _, err := c.sm.onEvent(EventReceiveParticipantList); err != nil {
		panic(err)
	}
	ev := EventFinalCommit
	if decision == DecisionAbort {
		ev = EventFinalAbort
	}
	if _, err := c.sm.onEvent(ev); err != nil {
		panic(err)
	}
	c.decisionMade = true
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.deliverDecision(Outcome{Decision: decision, CommitTS: commitTS})
	}()
}

// tryAbort requests an abort. Before the participant list arrives it cancels
// the coordination outright; during vote collection it forces an abort
// decision; once the decision has been made it is a no-op, abort cannot
// overtake a committing coordinator.
func (c *Coordinator) tryAbort() {
	c.mu.Lock()
	if c.finished || c.decisionMade {
		c.mu.Unlock()
		return
	}
	if !c.listReceived {
		if _, err := c.sm.onEvent(EventFinalAbort); err != nil {
			panic(err)
		}
		c.finishLocked(Outcome{Decision: DecisionAbort})
		return
	}
	c.mu.Unlock()
	c.abortRequested.Store(true)
}

// registerVote accepts a vote pushed by a participant ahead of (or instead
// of) the coordinator's own prepare round reaching it.
func (c *Coordinator) registerVote(shard string, abort bool, prepareTS uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.finished || c.decisionMade {
		return
	}
	c.pendingVotes[shard] = pushedVote{abort: abort, prepareTS: prepareTS}
}

func (c *Coordinator) takePushedVote(shard string) (pushedVote, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.pendingVotes[shard]
	return v, ok
}

// run is the main coordination flow: persist the participant list, drive the
// prepare round, persist the decision, deliver it.
func (c *Coordinator) run() {
	c.retryForever("persist participant list", func() error {
		return c.store.put(&document{
			Session:      c.sid.String(),
			TxnNumber:    uint64(c.txnNumber),
			Participants: c.participants,
		})
	})

	c.mu.Lock()
	if _, err := c.sm.onEvent(EventReceiveParticipantList); err != nil {
		c.mu.Unlock()
		panic(err)
	}
	c.mu.Unlock()

	commitTS, allCommit := c.prepareRound()

	c.mu.Lock()
	if c.abortRequested.Load() {
		allCommit = false
	}
	ev := EventFinalCommit
	if !allCommit {
		ev = EventVoteAbort
	}
	if _, err := c.sm.onEvent(ev); err != nil {
		c.mu.Unlock()
		panic(err)
	}
	c.decisionMade = true
	c.mu.Unlock()

	outcome := Outcome{Decision: DecisionCommit, CommitTS: commitTS}
	if !allCommit {
		outcome = Outcome{Decision: DecisionAbort}
	}

	c.retryForever("persist decision", func() error {
		return c.store.put(&document{
			Session:      c.sid.String(),
			TxnNumber:    uint64(c.txnNumber),
			Participants: c.participants,
			Decision:     outcome.Decision.String(),
			CommitTS:     outcome.CommitTS,
		})
	})
	log.Info("coordinator decision recorded",
		zap.String("session", c.sid.String()),
		zap.Uint64("txnNumber", uint64(c.txnNumber)),
		zap.String("decision", outcome.Decision.String()),
		zap.Uint64("commitTS", outcome.CommitTS))

	c.deliverDecision(outcome)
}

// prepareRound fans prepare out to every participant in parallel and reports
// whether the vote was unanimous, along with max(prepare timestamps).
func (c *Coordinator) prepareRound() (uint64, bool) {
	type vote struct {
		abort     bool
		prepareTS uint64
	}
	votes := make([]vote, len(c.participants))
	var wg sync.WaitGroup
	for i, shard := range c.participants {
		wg.Add(1)
		go func(i int, shard string) {
			defer wg.Done()
			abort, ts := c.sendPrepare(shard)
			votes[i] = vote{abort: abort, prepareTS: ts}
		}(i, shard)
	}
	wg.Wait()

	var commitTS uint64
	for _, v := range votes {
		if v.abort {
			return 0, false
		}
		if v.prepareTS > commitTS {
			commitTS = v.prepareTS
		}
	}
	return commitTS, true
}

// sendPrepare repeats the prepare command against one shard until a
// definitive vote is obtained. Write-concern failures and transport errors
// are retried; any other error, and an OK response missing its prepare
// timestamp, is a vote to abort.
func (c *Coordinator) sendPrepare(shard string) (abort bool, prepareTS uint64) {
	req := &Request{Kind: CmdPrepare, Session: c.sid, TxnNumber: c.txnNumber}
	for attempt := 0; ; attempt++ {
		if c.abortRequested.Load() {
			// An abort has been requested; stop soliciting this shard and
			// count it as an abort vote.
			return true, 0
		}
		if v, ok := c.takePushedVote(shard); ok {
			return v.abort, v.prepareTS
		}
		resp, err := c.dispatcher.Dispatch(context.Background(), shard, req)
		if err != nil {
			c.sleepBackoff(attempt)
			continue
		}
		if resp.OK {
			if resp.WriteConcernErr != nil {
				c.sleepBackoff(attempt)
				continue
			}
			if resp.PrepareTS == 0 {
				// A successful prepare must carry a prepare timestamp;
				// treat the response as malformed and vote abort.
				log.Warn("prepare response missing prepare timestamp, voting abort",
					zap.String("shard", shard),
					zap.String("session", c.sid.String()),
					zap.Uint64("txnNumber", uint64(c.txnNumber)))
				return true, 0
			}
			return false, resp.PrepareTS
		}
		if isVoteAbort(resp.Err) {
			return true, 0
		}
		// Any other definitive error during prepare also counts as a vote
		// to abort; it is safe because no decision exists yet.
		log.Warn("prepare failed, voting abort",
			zap.String("shard", shard),
			zap.String("session", c.sid.String()),
			zap.Uint64("txnNumber", uint64(c.txnNumber)),
			zap.Error(resp.Err))
		return true, 0
	}
}

// deliverDecision fans the decision out until every participant has
// acknowledged it, then retires the persisted document and resolves waiters.
func (c *Coordinator) deliverDecision(outcome Outcome) {
	req := &Request{Session: c.sid, TxnNumber: c.txnNumber}
	if outcome.Decision == DecisionCommit {
		req.Kind = CmdCommit
		req.CommitTS = outcome.CommitTS
	} else {
		req.Kind = CmdAbort
	}

	var wg sync.WaitGroup
	for _, shard := range c.participants {
		wg.Add(1)
		go func(shard string) {
			defer wg.Done()
			c.sendDecision(shard, req)
		}(shard)
	}
	wg.Wait()

	c.retryForever("delete coordinator document", func() error {
		return c.store.delete(c.sid, c.txnNumber)
	})

	c.mu.Lock()
	c.finishLocked(outcome)
}

// sendDecision repeats the decision command against one shard until it is
// acknowledged. The command is idempotent at the participant, so transport
// faults and write-concern failures simply retry; a participant that has
// already resolved the transaction counts as acknowledged.
func (c *Coordinator) sendDecision(shard string, req *Request) {
	for attempt := 0; ; attempt++ {
		resp, err := c.dispatcher.Dispatch(context.Background(), shard, req)
		if err != nil {
			c.sleepBackoff(attempt)
			continue
		}
		if resp.OK {
			if resp.WriteConcernErr != nil {
				c.sleepBackoff(attempt)
				continue
			}
			return
		}
		if alreadyResolved(resp.Err) {
			return
		}
		log.Warn("decision delivery failed, retrying",
			zap.String("shard", shard),
			zap.String("session", c.sid.String()),
			zap.Uint64("txnNumber", uint64(c.txnNumber)),
			zap.Error(resp.Err))
		c.sleepBackoff(attempt)
	}
}

func (c *Coordinator) retryForever(what string, f func() error) {
	for attempt := 0; ; attempt++ {
		err := f()
		if err == nil {
			return
		}
		log.Warn("coordinator step failed, retrying",
			zap.String("step", what),
			zap.String("session", c.sid.String()),
			zap.Uint64("txnNumber", uint64(c.txnNumber)),
			zap.Error(err))
		c.sleepBackoff(attempt)
	}
}

// sleepBackoff waits with exponential backoff capped at the configured
// maximum interval.
func (c *Coordinator) sleepBackoff(attempt int) {
	d := c.cfg.RetryInitialInterval.Duration
	for i := 0; i < attempt && d < c.cfg.RetryMaxInterval.Duration; i++ {
		d *= 2
	}
	if d > c.cfg.RetryMaxInterval.Duration {
		d = c.cfg.RetryMaxInterval.Duration
	}
	time.Sleep(d)
}
