package worker

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

type recordingHandler struct {
	mu      sync.Mutex
	handled []Task
	started bool
}

func (h *recordingHandler) Start() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.started = true
}

func (h *recordingHandler) Handle(t Task) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handled = append(h.handled, t)
}

func TestWorkerDrainsInOrder(t *testing.T) {
	var wg sync.WaitGroup
	w := New("test", &wg)
	h := &recordingHandler{}
	w.Start(h)

	w.Sender() <- 1
	w.Sender() <- 2
	w.Sender() <- 3
	w.Stop()
	wg.Wait()

	assert.True(t, h.started)
	assert.Equal(t, []Task{1, 2, 3}, h.handled)
}
