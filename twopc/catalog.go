package twopc

import (
	"fmt"
	"sync"

	"github.com/docshard/docshard/session"
)

// ErrStaleTxnNumber is returned when a coordinator is created for a
// transaction number lower than one the session already coordinates.
type ErrStaleTxnNumber struct {
	Session   session.ID
	Requested session.TxnNumber
	Active    session.TxnNumber
}

func (e *ErrStaleTxnNumber) Error() string {
	return fmt.Sprintf("coordinator for transaction %d on session %s is superseded by transaction %d",
		e.Requested, e.Session, e.Active)
}

// Catalog maps (session, transaction number) to its coordinator. A session
// holds one active slot, its highest transaction number: creating a
// coordinator for a higher number cancels same-session coordinators that
// have not yet received their participant list, while one that is already
// driving toward a decision keeps running and stays registered under its own
// number until it finishes and vacates. Joins (coordinate-commit retries,
// recover-commit, pushed votes) therefore always reach a live coordination.
type Catalog struct {
	mu      sync.Mutex
	entries map[session.ID]map[session.TxnNumber]*Coordinator
}

func NewCatalog() *Catalog {
	return &Catalog{entries: make(map[session.ID]map[session.TxnNumber]*Coordinator)}
}

// Insert registers a coordinator, applying the supersede rule. If an entry
// for the same transaction number already exists the caller joins it: the
// existing coordinator is returned. A number below the session's highest is
// rejected as stale.
func (cat *Catalog) Insert(c *Coordinator) (*Coordinator, error) {
	cat.mu.Lock()
	byTxn := cat.entries[c.sid]
	if existing := byTxn[c.txnNumber]; existing != nil {
		cat.mu.Unlock()
		return existing, nil
	}
	var superseded []*Coordinator
	for num, old := range byTxn {
		if num > c.txnNumber {
			cat.mu.Unlock()
			return nil, &ErrStaleTxnNumber{Session: c.sid, Requested: c.txnNumber, Active: num}
		}
		superseded = append(superseded, old)
	}
	if byTxn == nil {
		byTxn = make(map[session.TxnNumber]*Coordinator)
		cat.entries[c.sid] = byTxn
	}
	byTxn[c.txnNumber] = c
	cat.mu.Unlock()

	// Cancels only those whose participant list never arrived; a displaced
	// coordination that is already deciding finishes on its own schedule.
	for _, old := range superseded {
		old.cancelIfNoParticipantList()
	}
	return c, nil
}

// insertResumed registers a coordinator respawned from its persisted
// document. The document proves the coordination already received its
// participant list, so it may re-enter the catalog under its own number even
// below the session's highest, and it never cancels anything.
func (cat *Catalog) insertResumed(c *Coordinator) *Coordinator {
	cat.mu.Lock()
	defer cat.mu.Unlock()
	byTxn := cat.entries[c.sid]
	if existing := byTxn[c.txnNumber]; existing != nil {
		return existing
	}
	if byTxn == nil {
		byTxn = make(map[session.TxnNumber]*Coordinator)
		cat.entries[c.sid] = byTxn
	}
	byTxn[c.txnNumber] = c
	return c
}

// Get returns the coordinator for an exact (session, transaction number)
// pair, or nil.
func (cat *Catalog) Get(sid session.ID, txnNumber session.TxnNumber) *Coordinator {
	cat.mu.Lock()
	defer cat.mu.Unlock()
	return cat.entries[sid][txnNumber]
}

// Latest returns the session's highest-numbered coordinator, or nil.
func (cat *Catalog) Latest(sid session.ID) *Coordinator {
	cat.mu.Lock()
	defer cat.mu.Unlock()
	var latest *Coordinator
	for _, c := range cat.entries[sid] {
		if latest == nil || c.txnNumber > latest.txnNumber {
			latest = c
		}
	}
	return latest
}

// Remove deletes the entry if it still is this coordinator; a coordinator
// finishing late must not evict a successor registered under the same
// number.
func (cat *Catalog) Remove(c *Coordinator) {
	cat.mu.Lock()
	defer cat.mu.Unlock()
	byTxn := cat.entries[c.sid]
	if byTxn[c.txnNumber] == c {
		delete(byTxn, c.txnNumber)
		if len(byTxn) == 0 {
			delete(cat.entries, c.sid)
		}
	}
}

// Len reports the number of registered coordinators.
func (cat *Catalog) Len() int {
	cat.mu.Lock()
	defer cat.mu.Unlock()
	n := 0
	for _, byTxn := range cat.entries {
		n += len(byTxn)
	}
	return n
}
