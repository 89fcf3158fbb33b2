package locks

import (
	"sync"
)

// Manager hands out exclusive ownership of named resources. A transaction
// acquires all the resources it needs in one call and holds them across
// statements via its resource stash, so ownership must survive the goroutine
// that acquired it. That rules out sync.Mutex; instead each held resource
// maps to a WaitGroup that waiters block on, and the whole set is granted
// all-or-nothing.
type Manager struct {
	// Before touching a resource, a holder must own its entry here. Waiters
	// who find a resource held block on its WaitGroup.
	heldMap map[string]*sync.WaitGroup
	// guard protects heldMap.
	guard sync.Mutex
}

// NewManager creates the manager. There should be one per shard, shared by
// every session.
func NewManager() *Manager {
	return &Manager{heldMap: make(map[string]*sync.WaitGroup)}
}

// tryAcquire locks every resource or none. If any resource is already held
// it returns that resource's WaitGroup for the caller to wait on.
func (m *Manager) tryAcquire(resources []string) *sync.WaitGroup {
	m.guard.Lock()
	defer m.guard.Unlock()

	for _, r := range resources {
		if wg, ok := m.heldMap[r]; ok {
			return wg
		}
	}

	wg := new(sync.WaitGroup)
	wg.Add(1)
	for _, r := range resources {
		m.heldMap[r] = wg
	}
	return nil
}

func (m *Manager) release(resources []string) {
	m.guard.Lock()
	defer m.guard.Unlock()

	first := true
	for _, r := range resources {
		if first {
			m.heldMap[r].Done()
			first = false
		}
		delete(m.heldMap, r)
	}
}

// Acquire blocks until every resource is granted, then returns a Handle
// owning the set. May block for an unbounded length of time.
func (m *Manager) Acquire(resources ...string) *Handle {
	for {
		wg := m.tryAcquire(resources)
		if wg == nil {
			return &Handle{mgr: m, resources: resources}
		}
		wg.Wait()
	}
}

// Handle is exclusive ownership of a set of resources. Ownership moves
// between the execution context and the resource stash; it is released back
// to the Manager exactly once. A second Release is an invariant violation
// and panics.
type Handle struct {
	mgr       *Manager
	resources []string
	released  bool
}

// Resources returns the resource names the handle owns.
func (h *Handle) Resources() []string {
	return h.resources
}

// Release returns the resources to the manager, waking any waiters.
func (h *Handle) Release() {
	if h.released {
		panic("locks: handle released twice")
	}
	h.released = true
	h.mgr.release(h.resources)
}
