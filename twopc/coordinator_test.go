package twopc

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/docshard/docshard/config"
	"github.com/docshard/docshard/locks"
	"github.com/docshard/docshard/oplog"
	"github.com/docshard/docshard/session"
	"github.com/docshard/docshard/storage"
	"github.com/docshard/docshard/txn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type shardNode struct {
	engines *storage.Engines
	log     *oplog.DurableLog
	reg     *txn.Registry
}

// testCluster is an in-memory set of participant shards reachable through
// the Dispatcher interface, with per-shard fault injection for write-concern
// failures.
type testCluster struct {
	t      *testing.T
	shards map[string]*shardNode

	mu         sync.Mutex
	wcFailures map[string]int
	attempts   map[string]int
}

func newTestCluster(t *testing.T, names ...string) *testCluster {
	tc := &testCluster{
		t:          t,
		shards:     make(map[string]*shardNode),
		wcFailures: make(map[string]int),
		attempts:   make(map[string]int),
	}
	cfg := config.NewTestConfig()
	for _, name := range names {
		engines, err := storage.CreateTestEngines()
		require.Nil(t, err)
		l, err := oplog.NewDurableLog(engines.Log)
		require.Nil(t, err)
		tc.shards[name] = &shardNode{
			engines: engines,
			log:     l,
			reg:     txn.NewRegistry(cfg, engines, locks.NewManager(), l),
		}
	}
	return tc
}

func (tc *testCluster) cleanup() {
	for _, node := range tc.shards {
		_ = node.engines.Destroy()
	}
}

func (tc *testCluster) failWriteConcern(shard string, times int) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.wcFailures[shard] = times
}

func (tc *testCluster) attemptCount(shard string, kind CommandKind) int {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return tc.attempts[shard+"/"+kind.String()]
}

// beginTxn opens a transaction with one buffered write on a shard and leaves
// it stashed between statements, ready to be prepared.
func (tc *testCluster) beginTxn(shard string, sid session.ID, txnNumber session.TxnNumber, key, val []byte) {
	p := tc.shards[shard].reg.Get(sid)
	require.Nil(tc.t, p.BeginOrContinue(txnNumber, false, true))
	ec := txn.NewExecContext(sid, txnNumber)
	require.Nil(tc.t, p.UnstashResources(ec, "insert", ""))
	require.Nil(tc.t, p.AddOperation(ec, txn.Operation{Kind: txn.OpPut, Key: key, Value: val}))
	p.StashResources(ec)
}

func (tc *testCluster) participant(shard string, sid session.ID) *txn.Participant {
	return tc.shards[shard].reg.Get(sid)
}

func (tc *testCluster) kvValue(shard string, key []byte) ([]byte, bool) {
	engineTxn := tc.shards[shard].engines.BeginTxn()
	defer engineTxn.Rollback()
	val, err := engineTxn.Get(key)
	if err == storage.ErrKeyNotFound {
		return nil, false
	}
	require.Nil(tc.t, err)
	return val, true
}

func (tc *testCluster) Dispatch(_ context.Context, shard string, req *Request) (*Response, error) {
	tc.mu.Lock()
	tc.attempts[shard+"/"+req.Kind.String()]++
	var wcErr error
	if tc.wcFailures[shard] > 0 {
		tc.wcFailures[shard]--
		wcErr = &writeConcernTimeout{}
	}
	tc.mu.Unlock()

	node, ok := tc.shards[shard]
	if !ok {
		return nil, &writeConcernTimeout{}
	}
	p := node.reg.Get(req.Session)
	ec := txn.NewExecContext(req.Session, req.TxnNumber)

	fail := func(err error) (*Response, error) {
		return &Response{OK: false, Err: err}, nil
	}
	switch req.Kind {
	case CmdPrepare:
		if err := p.BeginOrContinue(req.TxnNumber, false, false); err != nil {
			return fail(err)
		}
		if err := p.UnstashResources(ec, "prepareTransaction", ""); err != nil {
			return fail(err)
		}
		ts, err := p.Prepare(ec)
		if err != nil {
			return fail(err)
		}
		p.StashResources(ec)
		return &Response{OK: true, PrepareTS: ts, WriteConcernErr: wcErr}, nil
	case CmdCommit:
		if err := p.BeginOrContinue(req.TxnNumber, false, false); err != nil {
			return fail(err)
		}
		if err := p.UnstashResources(ec, txn.CommandCommitTransaction, ""); err != nil {
			return fail(err)
		}
		var err error
		if req.CommitTS != 0 {
			err = p.CommitPrepared(ec, req.CommitTS)
		} else {
			err = p.CommitUnprepared(ec)
		}
		if err != nil {
			return fail(err)
		}
		return &Response{OK: true, WriteConcernErr: wcErr}, nil
	case CmdAbort:
		if err := p.BeginOrContinue(req.TxnNumber, false, false); err != nil {
			return fail(err)
		}
		if err := p.UnstashResources(ec, "abortTransaction", ""); err != nil {
			return fail(err)
		}
		if err := p.AbortActive(ec, txn.StateInProgress, txn.StatePrepared); err != nil {
			return fail(err)
		}
		return &Response{OK: true, WriteConcernErr: wcErr}, nil
	}
	panic("unknown command kind")
}

type writeConcernTimeout struct{}

func (*writeConcernTimeout) Error() string { return "waiting for write concern timed out" }

// gatedDispatcher holds prepare commands until the gate is closed, keeping a
// coordination deterministically in its prepare round.
type gatedDispatcher struct {
	inner Dispatcher
	gate  chan struct{}
}

func (g *gatedDispatcher) Dispatch(ctx context.Context, shard string, req *Request) (*Response, error) {
	if req.Kind == CmdPrepare {
		<-g.gate
	}
	return g.inner.Dispatch(ctx, shard, req)
}

func newTestService(t *testing.T, tc *testCluster) (*Service, *storage.Engines) {
	engines, err := storage.CreateTestEngines()
	require.Nil(t, err)
	svc := NewService(config.NewTestConfig(), engines, tc)
	svc.Start()
	return svc, engines
}

func TestCoordinateCommitUnanimous(t *testing.T) {
	tc := newTestCluster(t, "a", "b")
	defer tc.cleanup()
	svc, engines := newTestService(t, tc)
	defer func() { _ = engines.Destroy() }()

	sid := session.NewID()
	tc.beginTxn("a", sid, 1, []byte("ka"), []byte("va"))
	tc.beginTxn("b", sid, 1, []byte("kb"), []byte("vb"))

	require.Nil(t, svc.CreateCoordinator(sid, 1, time.Time{}))
	ch, err := svc.CoordinateCommit(sid, 1, []string{"a", "b"})
	require.Nil(t, err)
	outcome := <-ch
	assert.Equal(t, DecisionCommit, outcome.Decision)

	pa := tc.participant("a", sid)
	pb := tc.participant("b", sid)
	assert.Equal(t, txn.StateCommitted, pa.State())
	assert.Equal(t, txn.StateCommitted, pb.State())

	// The decision timestamp is the maximum of the prepare timestamps.
	maxTS := pa.PrepareTS()
	if pb.PrepareTS() > maxTS {
		maxTS = pb.PrepareTS()
	}
	assert.Equal(t, maxTS, outcome.CommitTS)

	val, ok := tc.kvValue("a", []byte("ka"))
	require.True(t, ok)
	assert.True(t, bytes.Equal([]byte("va"), val))
	_, ok = tc.kvValue("b", []byte("kb"))
	assert.True(t, ok)

	svc.Stop()
	assert.Equal(t, 0, svc.Catalog().Len())
}

func TestSingleAbortVoteAbortsAll(t *testing.T) {
	tc := newTestCluster(t, "a", "b")
	defer tc.cleanup()
	svc, engines := newTestService(t, tc)
	defer func() { _ = engines.Destroy() }()

	sid := session.NewID()
	// Only shard a has the transaction; b votes abort with NoSuchTransaction.
	tc.beginTxn("a", sid, 1, []byte("ka"), []byte("va"))

	require.Nil(t, svc.CreateCoordinator(sid, 1, time.Time{}))
	ch, err := svc.CoordinateCommit(sid, 1, []string{"a", "b"})
	require.Nil(t, err)
	outcome := <-ch
	assert.Equal(t, DecisionAbort, outcome.Decision)

	svc.Stop()
	assert.Equal(t, txn.StateAborted, tc.participant("a", sid).State())
	_, ok := tc.kvValue("a", []byte("ka"))
	assert.False(t, ok)
	// Both participants received the abort decision.
	assert.True(t, tc.attemptCount("a", CmdAbort) >= 1)
	assert.True(t, tc.attemptCount("b", CmdAbort) >= 1)
}

func TestWriteConcernFailuresRetrySameCommand(t *testing.T) {
	tc := newTestCluster(t, "a")
	defer tc.cleanup()
	svc, engines := newTestService(t, tc)
	defer func() { _ = engines.Destroy() }()

	sid := session.NewID()
	tc.beginTxn("a", sid, 1, []byte("k"), []byte("v"))
	tc.failWriteConcern("a", 2)

	require.Nil(t, svc.CreateCoordinator(sid, 1, time.Time{}))
	ch, err := svc.CoordinateCommit(sid, 1, []string{"a"})
	require.Nil(t, err)
	outcome := <-ch
	assert.Equal(t, DecisionCommit, outcome.Decision)
	assert.True(t, tc.attemptCount("a", CmdPrepare) >= 3)
	svc.Stop()
}

func TestSupersededCoordinatorResolvesNone(t *testing.T) {
	tc := newTestCluster(t, "a")
	defer tc.cleanup()
	svc, engines := newTestService(t, tc)
	defer func() { _ = engines.Destroy() }()

	sid := session.NewID()
	require.Nil(t, svc.CreateCoordinator(sid, 5, time.Time{}))
	require.Nil(t, svc.CreateCoordinator(sid, 6, time.Time{}))

	// Recreating the superseded number is rejected.
	err := svc.CreateCoordinator(sid, 5, time.Time{})
	require.NotNil(t, err)
	_, ok := err.(*ErrStaleTxnNumber)
	assert.True(t, ok)

	// Transaction 5 never received a participant list and was superseded.
	ch, err := svc.CoordinateCommit(sid, 5, []string{"a"})
	require.Nil(t, err)
	outcome := <-ch
	assert.Equal(t, DecisionNone, outcome.Decision)

	// Transaction 6 proceeds normally.
	tc.beginTxn("a", sid, 6, []byte("k6"), []byte("v6"))
	ch, err = svc.CoordinateCommit(sid, 6, []string{"a"})
	require.Nil(t, err)
	outcome = <-ch
	assert.Equal(t, DecisionCommit, outcome.Decision)
	svc.Stop()
}

func TestDeadlineCancelsOnlyBeforeParticipantList(t *testing.T) {
	tc := newTestCluster(t, "a")
	defer tc.cleanup()
	svc, engines := newTestService(t, tc)
	defer func() { _ = engines.Destroy() }()

	sid := session.NewID()
	require.Nil(t, svc.CreateCoordinator(sid, 1, time.Now().Add(20*time.Millisecond)))
	time.Sleep(100 * time.Millisecond)

	ch, err := svc.CoordinateCommit(sid, 1, []string{"a"})
	require.Nil(t, err)
	outcome := <-ch
	assert.Equal(t, DecisionNone, outcome.Decision)

	// Once the participant list arrives, the deadline no longer applies.
	sid2 := session.NewID()
	tc.beginTxn("a", sid2, 1, []byte("k"), []byte("v"))
	require.Nil(t, svc.CreateCoordinator(sid2, 1, time.Now().Add(50*time.Millisecond)))
	ch, err = svc.CoordinateCommit(sid2, 1, []string{"a"})
	require.Nil(t, err)
	outcome = <-ch
	assert.Equal(t, DecisionCommit, outcome.Decision)
	time.Sleep(100 * time.Millisecond)
	svc.Stop()
	assert.Equal(t, 0, svc.Catalog().Len())
}

func TestRecoverCommitJoinsInFlightDecision(t *testing.T) {
	tc := newTestCluster(t, "a", "b")
	defer tc.cleanup()
	svc, engines := newTestService(t, tc)
	defer func() { _ = engines.Destroy() }()

	sid := session.NewID()
	tc.beginTxn("a", sid, 1, []byte("ka"), []byte("va"))
	tc.beginTxn("b", sid, 1, []byte("kb"), []byte("vb"))

	require.Nil(t, svc.CreateCoordinator(sid, 1, time.Time{}))
	ch1, err := svc.CoordinateCommit(sid, 1, []string{"a", "b"})
	require.Nil(t, err)
	ch2, err := svc.RecoverCommit(sid, 1)
	require.Nil(t, err)

	o1 := <-ch1
	o2 := <-ch2
	assert.Equal(t, o1, o2)
	assert.Equal(t, DecisionCommit, o1.Decision)
	svc.Stop()
}

func TestRecoverCommitUnknownCoordination(t *testing.T) {
	tc := newTestCluster(t, "a")
	defer tc.cleanup()
	svc, engines := newTestService(t, tc)
	defer func() { _ = engines.Destroy() }()

	_, err := svc.RecoverCommit(session.NewID(), 9)
	require.NotNil(t, err)
	_, ok := err.(*ErrNoActiveCoordinator)
	assert.True(t, ok)
	svc.Stop()
}

func TestStartupResumesPersistedDecision(t *testing.T) {
	tc := newTestCluster(t, "a")
	defer tc.cleanup()

	sid := session.NewID()
	// Shard a holds a prepared transaction whose coordinator crashed after
	// recording a commit decision.
	p := tc.participant("a", sid)
	require.Nil(t, p.BeginOrContinue(1, false, true))
	ec := txn.NewExecContext(sid, 1)
	require.Nil(t, p.UnstashResources(ec, "insert", ""))
	require.Nil(t, p.AddOperation(ec, txn.Operation{Kind: txn.OpPut, Key: []byte("k"), Value: []byte("v")}))
	prepareTS, err := p.Prepare(ec)
	require.Nil(t, err)
	p.StashResources(ec)

	engines, err := storage.CreateTestEngines()
	require.Nil(t, err)
	defer func() { _ = engines.Destroy() }()
	store := &docStore{db: engines.Kv}
	require.Nil(t, store.put(&document{
		Session:      sid.String(),
		TxnNumber:    1,
		Participants: []string{"a"},
		Decision:     "commit",
		CommitTS:     prepareTS,
	}))

	svc := NewService(config.NewTestConfig(), engines, tc)
	svc.Start()
	ch, err := svc.RecoverCommit(sid, 1)
	require.Nil(t, err)
	outcome := <-ch
	assert.Equal(t, DecisionCommit, outcome.Decision)
	assert.Equal(t, prepareTS, outcome.CommitTS)
	svc.Stop()

	assert.Equal(t, txn.StateCommitted, p.State())
	_, ok := tc.kvValue("a", []byte("k"))
	assert.True(t, ok)

	// The document was retired after delivery.
	doc, err := store.get(sid, 1)
	require.Nil(t, err)
	assert.Nil(t, doc)
}

func TestTryAbortBeforeParticipantList(t *testing.T) {
	tc := newTestCluster(t, "a")
	defer tc.cleanup()
	svc, engines := newTestService(t, tc)
	defer func() { _ = engines.Destroy() }()

	sid := session.NewID()
	require.Nil(t, svc.CreateCoordinator(sid, 1, time.Time{}))
	c := svc.Catalog().Get(sid, 1)
	require.NotNil(t, c)
	ch := c.Subscribe()

	svc.TryAbort(sid, 1)
	outcome := <-ch
	assert.Equal(t, DecisionAbort, outcome.Decision)
	svc.Stop()
}

func TestTryAbortCannotOvertakeDecision(t *testing.T) {
	tc := newTestCluster(t, "a")
	defer tc.cleanup()
	svc, engines := newTestService(t, tc)
	defer func() { _ = engines.Destroy() }()

	sid := session.NewID()
	tc.beginTxn("a", sid, 1, []byte("k"), []byte("v"))
	require.Nil(t, svc.CreateCoordinator(sid, 1, time.Time{}))
	ch, err := svc.CoordinateCommit(sid, 1, []string{"a"})
	require.Nil(t, err)
	outcome := <-ch
	assert.Equal(t, DecisionCommit, outcome.Decision)

	// The coordination already finished; the abort request is a no-op.
	svc.TryAbort(sid, 1)
	assert.Equal(t, txn.StateCommitted, tc.participant("a", sid).State())
	svc.Stop()
}

func TestDisplacedCoordinatorRemainsReachable(t *testing.T) {
	tc := newTestCluster(t, "a")
	defer tc.cleanup()
	gate := make(chan struct{})
	engines, err := storage.CreateTestEngines()
	require.Nil(t, err)
	defer func() { _ = engines.Destroy() }()
	svc := NewService(config.NewTestConfig(), engines, &gatedDispatcher{inner: tc, gate: gate})
	svc.Start()

	sid := session.NewID()
	tc.beginTxn("a", sid, 5, []byte("k5"), []byte("v5"))

	require.Nil(t, svc.CreateCoordinator(sid, 5, time.Time{}))
	ch1, err := svc.CoordinateCommit(sid, 5, []string{"a"})
	require.Nil(t, err)

	// A newer transaction arrives while 5 is still soliciting votes. The
	// newer number takes the active slot but 5 keeps driving its outcome.
	require.Nil(t, svc.CreateCoordinator(sid, 6, time.Time{}))
	require.NotNil(t, svc.Catalog().Get(sid, 5))

	// Recovery and a retried commit for 5 must both reach the in-flight
	// coordination, not a resolved placeholder.
	ch2, err := svc.RecoverCommit(sid, 5)
	require.Nil(t, err)
	ch3, err := svc.CoordinateCommit(sid, 5, []string{"a"})
	require.Nil(t, err)

	close(gate)
	o1 := <-ch1
	assert.Equal(t, DecisionCommit, o1.Decision)
	assert.Equal(t, o1, <-ch2)
	assert.Equal(t, o1, <-ch3)
	assert.Equal(t, txn.StateCommitted, tc.participant("a", sid).State())

	svc.TryAbort(sid, 6)
	svc.Stop()
	assert.Equal(t, 0, svc.Catalog().Len())
}

func TestTryAbortDuringPrepareRoundForcesAbort(t *testing.T) {
	tc := newTestCluster(t, "a")
	defer tc.cleanup()
	gate := make(chan struct{})
	engines, err := storage.CreateTestEngines()
	require.Nil(t, err)
	defer func() { _ = engines.Destroy() }()
	svc := NewService(config.NewTestConfig(), engines, &gatedDispatcher{inner: tc, gate: gate})
	svc.Start()

	sid := session.NewID()
	tc.beginTxn("a", sid, 1, []byte("k"), []byte("v"))

	require.Nil(t, svc.CreateCoordinator(sid, 1, time.Time{}))
	ch, err := svc.CoordinateCommit(sid, 1, []string{"a"})
	require.Nil(t, err)

	// The abort request lands while the prepare round is still out. Even a
	// unanimous round of commit votes must not override it.
	svc.TryAbort(sid, 1)
	close(gate)

	outcome := <-ch
	assert.Equal(t, DecisionAbort, outcome.Decision)
	svc.Stop()
	assert.Equal(t, txn.StateAborted, tc.participant("a", sid).State())
	_, ok := tc.kvValue("a", []byte("k"))
	assert.False(t, ok)
}

func TestPushedVoteAbortShortCircuitsPrepare(t *testing.T) {
	tc := newTestCluster(t, "a", "b")
	defer tc.cleanup()
	svc, engines := newTestService(t, tc)
	defer func() { _ = engines.Destroy() }()

	sid := session.NewID()
	tc.beginTxn("a", sid, 1, []byte("k"), []byte("v"))
	tc.beginTxn("b", sid, 1, []byte("k2"), []byte("v2"))

	require.Nil(t, svc.CreateCoordinator(sid, 1, time.Time{}))
	// Shard b pushes its abort vote before the prepare round starts.
	require.Nil(t, svc.VoteAbort(sid, 1, "b"))
	ch, err := svc.CoordinateCommit(sid, 1, []string{"a", "b"})
	require.Nil(t, err)
	outcome := <-ch
	assert.Equal(t, DecisionAbort, outcome.Decision)
	svc.Stop()
	// The pushed vote stood in for b's prepare; b was never sent one.
	assert.Equal(t, 0, tc.attemptCount("b", CmdPrepare))
}
