package queue

import (
	"context"
	"sync"
	"time"

	"github.com/chalie-ai/chalie/internal/logging"
)

// WorkerState is the worker's lifecycle state
type WorkerState string

const (
	WorkerIdle WorkerState = "idle"
	WorkerBusy WorkerState = "busy"
	WorkerOff  WorkerState = "off"
)

// Handler processes one job. The context carries the per-queue
// timeout; handlers that outlive it have their job marked failed.
type Handler func(ctx context.Context, job *Job) error

// Worker owns one queue: blocks on pop, executes, repeats
type Worker struct {
	runtime *Runtime
	queue   string
	handler Handler

	mu    sync.Mutex
	state WorkerState

	stopOnce sync.Once
	done     chan struct{}
}

// NewWorker creates a worker bound to one queue
func NewWorker(runtime *Runtime, queueName string, handler Handler) *Worker {
	return &Worker{
		runtime: runtime,
		queue:   queueName,
		handler: handler,
		state:   WorkerIdle,
		done:    make(chan struct{}),
	}
}

// State returns the current worker state
func (w *Worker) State() WorkerState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *Worker) setState(s WorkerState) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
}

// Start runs the worker loop in its own goroutine
func (w *Worker) Start() {
	go w.loop()
}

func (w *Worker) loop() {
	defer close(w.done)
	for {
		job := w.runtime.pop(w.queue)
		if job == nil {
			w.setState(WorkerOff)
			return
		}

		w.setState(WorkerBusy)
		w.run(job)
		w.setState(WorkerIdle)
	}
}

// run executes one job with the queue timeout. A panic in the handler
// requeues the job (at-least-once) instead of killing the worker.
func (w *Worker) run(job *Job) {
	ctx, cancel := context.WithTimeout(context.Background(), w.runtime.Timeout(w.queue))
	defer cancel()

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			logging.Warn(w.queue, "handler panic on job %s: %v - requeueing", job.ID, r)
			w.runtime.markDone(job.ID)
			job.Retries++
			if err := w.runtime.EnqueueFront(job); err != nil {
				logging.Warn(w.queue, "requeue %s: %v", job.ID, err)
			}
		}
	}()

	err := w.handler(ctx, job)
	w.runtime.markDone(job.ID)

	if err != nil {
		logging.Warn(w.queue, "job %s failed after %s: %v", job.ID, time.Since(start).Round(time.Millisecond), err)
		return
	}
	logging.Debug(w.queue, "job %s done in %s", job.ID, time.Since(start).Round(time.Millisecond))
}

// Stop waits for the worker to drain after the runtime closes
func (w *Worker) Stop() {
	<-w.done
}
