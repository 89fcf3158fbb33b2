package txn

import (
	"sync"
	"time"

	"github.com/docshard/docshard/config"
	"github.com/docshard/docshard/locks"
	"github.com/docshard/docshard/oplog"
	"github.com/docshard/docshard/session"
	"github.com/docshard/docshard/storage"
)

// Registry owns the per-session participants of one shard. Participants are
// created lazily on first use and live until the session itself is reaped.
type Registry struct {
	cfg     *config.Config
	engines *storage.Engines
	lockMgr *locks.Manager
	log     oplog.Log

	mu           sync.Mutex
	participants map[session.ID]*Participant
}

func NewRegistry(cfg *config.Config, engines *storage.Engines, lockMgr *locks.Manager, opLog oplog.Log) *Registry {
	return &Registry{
		cfg:          cfg,
		engines:      engines,
		lockMgr:      lockMgr,
		log:          opLog,
		participants: make(map[session.ID]*Participant),
	}
}

// Get returns the participant for a session, creating it on first use.
func (r *Registry) Get(sid session.ID) *Participant {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.participants[sid]
	if !ok {
		p = NewParticipant(sid, r.cfg, r.engines, r.lockMgr, r.log)
		r.participants[sid] = p
	}
	return p
}

// Lookup returns the participant for a session without creating one.
func (r *Registry) Lookup(sid session.ID) (*Participant, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.participants[sid]
	return p, ok
}

// SweepExpired aborts every in-progress transaction whose lifetime deadline
// has passed. Prepared transactions are exempt; only their coordinator may
// resolve them.
func (r *Registry) SweepExpired(now time.Time) {
	for _, p := range r.snapshot() {
		p.AbortIfExpired(now)
	}
}

// AbortAllArbitrary force-aborts every in-progress transaction, e.g. on
// shutdown or stepdown. Prepared and committing transactions are untouched.
func (r *Registry) AbortAllArbitrary() {
	for _, p := range r.snapshot() {
		p.AbortArbitrary()
	}
}

func (r *Registry) snapshot() []*Participant {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Participant, 0, len(r.participants))
	for _, p := range r.participants {
		out = append(out, p)
	}
	return out
}
