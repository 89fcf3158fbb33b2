package locks

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAcquireRelease(t *testing.T) {
	m := NewManager()
	h := m.Acquire("a", "b")
	require.ElementsMatch(t, []string{"a", "b"}, h.Resources())
	h.Release()
	// Resources are free again.
	h2 := m.Acquire("a", "b")
	h2.Release()
}

func TestAcquireBlocksOnOverlap(t *testing.T) {
	m := NewManager()
	h := m.Acquire("a", "b")

	acquired := make(chan *Handle)
	go func() {
		acquired <- m.Acquire("b", "c")
	}()

	select {
	case <-acquired:
		t.Fatal("acquire should have blocked on held resource")
	case <-time.After(20 * time.Millisecond):
	}

	h.Release()
	h2 := <-acquired
	h2.Release()
}

func TestHandleOutlivesAcquiringGoroutine(t *testing.T) {
	m := NewManager()
	var h *Handle
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		h = m.Acquire("session/1")
	}()
	wg.Wait()

	// Release from a different goroutine than the one that acquired.
	h.Release()
	h2 := m.Acquire("session/1")
	h2.Release()
}

func TestDoubleReleasePanics(t *testing.T) {
	m := NewManager()
	h := m.Acquire("a")
	h.Release()
	require.Panics(t, func() { h.Release() })
}
