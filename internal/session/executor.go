package session

import (
	"sync"
	"time"

	"github.com/6ccg/ovpncore/internal/model"
	"github.com/6ccg/ovpncore/internal/workers"
)

// executor runs tasks one at a time on a single goroutine. Tasks may post
// more tasks without blocking.
type executor struct {
	workers *workers.Manager

	mu     sync.Mutex
	tasks  []func()
	wakeup chan struct{}
}

// newExecutor starts the executor goroutine.
func newExecutor(logger model.Logger) *executor {
	e := &executor{
		workers: workers.NewManager(logger),
		wakeup:  make(chan struct{}, 1),
	}
	e.workers.StartWorker(e.loop)
	return e
}

func (e *executor) loop() {
	defer e.workers.OnWorkerDone("session: executor")
	for {
		select {
		case <-e.workers.ShouldShutdown():
			return
		case <-e.wakeup:
		}
		for {
			e.mu.Lock()
			tasks := e.tasks
			e.tasks = nil
			e.mu.Unlock()
			if len(tasks) == 0 {
				break
			}
			for _, task := range tasks {
				task()
			}
		}
	}
}

// post queues task.
func (e *executor) post(task func()) {
	e.mu.Lock()
	e.tasks = append(e.tasks, task)
	e.mu.Unlock()
	select {
	case e.wakeup <- struct{}{}:
	default:
	}
}

// after posts task once d elapsed.
func (e *executor) after(d time.Duration, task func()) *time.Timer {
	return time.AfterFunc(d, func() {
		e.post(task)
	})
}

// close stops the goroutine and waits for it. It must not be called from a task.
func (e *executor) close() {
	e.workers.StartShutdown()
	e.workers.WaitWorkersShutdown()
}
