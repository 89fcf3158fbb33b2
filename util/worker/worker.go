package worker

import (
	"sync"

	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// Task is one unit of work queued to a Worker.
type Task interface{}

// Handler consumes tasks. A Handler that also implements Starter has Start
// called on the worker goroutine before the first task.
type Handler interface {
	Handle(t Task)
}

type Starter interface {
	Start()
}

type stopTask struct{}

const defaultCapacity = 128

// Worker runs a single goroutine that drains tasks from its channel in
// order. The coordinator service uses one to serialize its housekeeping,
// such as the startup recovery scan, behind client-facing requests.
type Worker struct {
	name string
	ch   chan Task
	wg   *sync.WaitGroup
}

func New(name string, wg *sync.WaitGroup) *Worker {
	return &Worker{
		name: name,
		ch:   make(chan Task, defaultCapacity),
		wg:   wg,
	}
}

// Sender is the channel tasks are submitted on.
func (w *Worker) Sender() chan<- Task {
	return w.ch
}

// Start launches the drain loop.
func (w *Worker) Start(handler Handler) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		if s, ok := handler.(Starter); ok {
			s.Start()
		}
		for {
			task := <-w.ch
			if _, ok := task.(stopTask); ok {
				log.Info("worker stopped", zap.String("name", w.name))
				return
			}
			handler.Handle(task)
		}
	}()
}

// Stop queues a stop marker behind any pending tasks. The goroutine exits
// once it drains down to the marker; Stop does not wait for that.
func (w *Worker) Stop() {
	w.ch <- stopTask{}
}
