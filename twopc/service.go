package twopc

import (
	"fmt"
	"sync"
	"time"

	"github.com/docshard/docshard/config"
	"github.com/docshard/docshard/session"
	"github.com/docshard/docshard/storage"
	"github.com/docshard/docshard/util/worker"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// ErrNoActiveCoordinator is returned when an operation names a coordination
// this node knows nothing about, neither in the catalog nor persisted.
type ErrNoActiveCoordinator struct {
	Session   session.ID
	TxnNumber session.TxnNumber
}

func (e *ErrNoActiveCoordinator) Error() string {
	return fmt.Sprintf("no active coordinator for transaction %d on session %s", e.TxnNumber, e.Session)
}

type recoverTask struct{}

// Service is the coordinator-side entry point of the commit protocol. It
// owns the catalog, the persisted coordinator documents (in the kv engine),
// and a background worker that resumes interrupted coordinations at startup.
type Service struct {
	cfg        *config.Config
	store      *docStore
	dispatcher Dispatcher
	catalog    *Catalog

	wg     sync.WaitGroup
	worker *worker.Worker
}

func NewService(cfg *config.Config, engines *storage.Engines, dispatcher Dispatcher) *Service {
	s := &Service{
		cfg:        cfg,
		store:      &docStore{db: engines.Kv},
		dispatcher: dispatcher,
		catalog:    NewCatalog(),
	}
	s.worker = worker.New("twopc", &s.wg)
	return s
}

// Start launches the background worker and schedules the recovery scan.
func (s *Service) Start() {
	s.worker.Start(&serviceHandler{svc: s})
	s.worker.Sender() <- recoverTask{}
}

// Stop shuts the worker down and waits for in-flight coordinations.
func (s *Service) Stop() {
	s.worker.Stop()
	s.wg.Wait()
}

// Catalog exposes the coordinator catalog for diagnostics.
func (s *Service) Catalog() *Catalog {
	return s.catalog
}

// CreateCoordinator registers a coordinator for (sid, txnNumber) ahead of
// the participant list. If the list has not arrived by deadline (the
// configured coordinator deadline when zero) the coordinator is canceled. A
// lower-numbered same-session coordinator that never received its list is
// canceled by this call.
func (s *Service) CreateCoordinator(sid session.ID, txnNumber session.TxnNumber, deadline time.Time) error {
	if deadline.IsZero() {
		deadline = time.Now().Add(s.cfg.CoordinatorDeadline.Duration)
	}
	c := newCoordinator(s.cfg, s.store, s.dispatcher, &s.wg, sid, txnNumber, deadline, s.catalog.Remove)
	inserted, err := s.catalog.Insert(c)
	if err != nil {
		c.discard()
		return err
	}
	if inserted != c {
		// An equal-numbered coordinator already exists; join it.
		c.discard()
	}
	return nil
}

// CoordinateCommit supplies the participant set and returns a channel that
// yields the coordination's outcome. Retries join the in-flight decision,
// including one displaced from the active slot by a higher transaction
// number. A coordinator that was superseded or canceled before its list
// arrived yields DecisionNone.
func (s *Service) CoordinateCommit(sid session.ID, txnNumber session.TxnNumber, participants []string) (<-chan Outcome, error) {
	c := s.catalog.Get(sid, txnNumber)
	if c == nil {
		if latest := s.catalog.Latest(sid); latest != nil && latest.TxnNumber() < txnNumber {
			return nil, &ErrNoActiveCoordinator{Session: sid, TxnNumber: txnNumber}
		}
		return resolvedOutcome(Outcome{Decision: DecisionNone}), nil
	}
	c.coordinateCommit(participants)
	return c.Subscribe(), nil
}

// RecoverCommit rejoins an in-flight coordination, or respawns one from its
// persisted document after a crash, and returns the same eventual outcome
// the original caller observes.
func (s *Service) RecoverCommit(sid session.ID, txnNumber session.TxnNumber) (<-chan Outcome, error) {
	if c := s.catalog.Get(sid, txnNumber); c != nil {
		return c.Subscribe(), nil
	}
	doc, err := s.store.get(sid, txnNumber)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, &ErrNoActiveCoordinator{Session: sid, TxnNumber: txnNumber}
	}
	c := s.spawnFromDocument(doc)
	if c == nil {
		return nil, &ErrNoActiveCoordinator{Session: sid, TxnNumber: txnNumber}
	}
	return c.Subscribe(), nil
}

// VoteCommit records a participant's pushed commit vote with its prepare
// timestamp.
func (s *Service) VoteCommit(sid session.ID, txnNumber session.TxnNumber, shard string, prepareTS uint64) error {
	c := s.catalog.Get(sid, txnNumber)
	if c == nil {
		return &ErrNoActiveCoordinator{Session: sid, TxnNumber: txnNumber}
	}
	c.registerVote(shard, false, prepareTS)
	return nil
}

// VoteAbort records a participant's pushed abort vote.
func (s *Service) VoteAbort(sid session.ID, txnNumber session.TxnNumber, shard string) error {
	c := s.catalog.Get(sid, txnNumber)
	if c == nil {
		return &ErrNoActiveCoordinator{Session: sid, TxnNumber: txnNumber}
	}
	c.registerVote(shard, true, 0)
	return nil
}

// TryAbort requests an abort of the coordination; a no-op if no coordinator
// exists or the decision has already been made.
func (s *Service) TryAbort(sid session.ID, txnNumber session.TxnNumber) {
	if c := s.catalog.Get(sid, txnNumber); c != nil {
		c.tryAbort()
	}
}

func (s *Service) spawnFromDocument(doc *document) *Coordinator {
	sid, err := session.ParseID(doc.Session)
	if err != nil {
		log.Error("dropping coordinator document with a bad session id",
			zap.String("session", doc.Session), zap.Error(err))
		return nil
	}
	txnNumber := session.TxnNumber(doc.TxnNumber)
	c := newCoordinator(s.cfg, s.store, s.dispatcher, &s.wg, sid, txnNumber, time.Time{}, s.catalog.Remove)
	if inserted := s.catalog.insertResumed(c); inserted != c {
		c.discard()
		return inserted
	}
	if decision := doc.decision(); decision != DecisionNone {
		c.resumeDecision(doc.Participants, decision, doc.CommitTS)
	} else {
		c.coordinateCommit(doc.Participants)
	}
	return c
}

func (s *Service) recoverPersisted() {
	docs, err := s.store.loadAll()
	if err != nil {
		log.Error("failed to scan persisted coordinator documents", zap.Error(err))
		return
	}
	for _, doc := range docs {
		if c := s.spawnFromDocument(doc); c != nil {
			log.Info("resuming coordination",
				zap.String("session", doc.Session),
				zap.Uint64("txnNumber", doc.TxnNumber),
				zap.String("decision", doc.Decision))
		}
	}
}

type serviceHandler struct {
	svc *Service
}

func (h *serviceHandler) Handle(t worker.Task) {
	switch t.(type) {
	case recoverTask:
		h.svc.recoverPersisted()
	}
}

func resolvedOutcome(o Outcome) <-chan Outcome {
	ch := make(chan Outcome, 1)
	ch <- o
	return ch
}
