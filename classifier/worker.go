package classifier

import (
	"fmt"
	"log/slog"
	"runtime"
	"sync"
)

// workerPool runs load and inference tasks off the caller's goroutine.
// Panics are recovered at the task boundary and handed to the task's
// fail callback so a bad forward pass can never take the pool down.
type workerPool struct {
	tasks chan poolTask
	wg    sync.WaitGroup
}

type poolTask struct {
	run  func()
	fail func(error)
}

func newWorkerPool(workers int) *workerPool {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	p := &workerPool{tasks: make(chan poolTask, workers*4)}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p
}

func (p *workerPool) worker() {
	defer p.wg.Done()
	for task := range p.tasks {
		p.runOne(task)
	}
}

func (p *workerPool) runOne(task poolTask) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("classifier task panicked", slog.Any("panic", r))
			if task.fail != nil {
				task.fail(fmt.Errorf("task panicked: %v", r))
			}
		}
	}()
	task.run()
}

// submit enqueues a task; fail may be nil when the task reports its own
// errors.
func (p *workerPool) submit(run func(), fail func(error)) {
	p.tasks <- poolTask{run: run, fail: fail}
}

// close stops accepting tasks and waits for in-flight ones to finish.
func (p *workerPool) close() {
	close(p.tasks)
	p.wg.Wait()
}
