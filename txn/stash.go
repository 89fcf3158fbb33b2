package txn

import (
	"github.com/docshard/docshard/locks"
	"github.com/docshard/docshard/storage"
)

// ResourceStash parks a transaction's lock handle and open storage-engine
// transaction between statements. The stash is the sole owner of what it
// holds: resources move in from an execution context and move out exactly
// once, either back to a context (release) or into rollback (dispose).
// Using a stash after it has been emptied is an invariant violation and
// panics.
type ResourceStash struct {
	lockHandle *locks.Handle
	engineTxn  *storage.EngineTxn
	done       bool
}

// stashFrom moves the context's resources into a new stash.
func stashFrom(ec *ExecContext) *ResourceStash {
	h, t := ec.detach()
	if h == nil && t == nil {
		panic("txn: stashing an execution context with no resources")
	}
	return &ResourceStash{lockHandle: h, engineTxn: t}
}

// release moves the resources back into the execution context.
func (s *ResourceStash) release(ec *ExecContext) {
	if s.done {
		panic("txn: reuse of an emptied resource stash")
	}
	s.done = true
	ec.attach(s.lockHandle, s.engineTxn)
	s.lockHandle, s.engineTxn = nil, nil
}

// dispose rolls back the stashed storage transaction and frees the locks.
// Used on abort, or whenever stashed state is being thrown away.
func (s *ResourceStash) dispose() {
	if s.done {
		panic("txn: reuse of an emptied resource stash")
	}
	s.done = true
	if s.engineTxn != nil && s.engineTxn.Active() {
		s.engineTxn.Rollback()
	}
	if s.lockHandle != nil {
		s.lockHandle.Release()
	}
	s.lockHandle, s.engineTxn = nil, nil
}
