// Package queue implements the named FIFO work queues the pipeline
// workers run on: at-least-once delivery, per-queue timeouts, crash
// requeue, and an on-disk in-progress registry reaped at startup.
package queue

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/chalie-ai/chalie/internal/logging"
	"github.com/google/uuid"
)

// Well-known queue names
const (
	QueuePrompt   = "prompt"
	QueueChunker  = "memory-chunker"
	QueueEpisodic = "episodic"
	QueueSemantic = "semantic-consolidation"
	QueueTool     = "tool"
	QueueOutput   = "output"
)

// Job is one unit of work
type Job struct {
	ID         string          `json:"id"`
	Queue      string          `json:"queue"`
	Payload    json.RawMessage `json:"payload"`
	Retries    int             `json:"retries"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// DecodePayload unmarshals the job payload into v
func (j *Job) DecodePayload(v any) error {
	return json.Unmarshal(j.Payload, v)
}

// NewJob builds a job with a marshalled payload
func NewJob(queueName string, payload any) (*Job, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return &Job{
		ID:         uuid.NewString(),
		Queue:      queueName,
		Payload:    data,
		EnqueuedAt: time.Now(),
	}, nil
}

type fifo struct {
	name    string
	jobs    []*Job
	timeout time.Duration
	cond    *sync.Cond
	closed  bool
}

// Runtime owns the named queues and the in-progress registry
type Runtime struct {
	mu             sync.Mutex
	queues         map[string]*fifo
	defaultTimeout time.Duration

	registryMu   sync.Mutex
	registryPath string
	inProgress   map[string]*Job // job ID -> job
}

// NewRuntime creates the queue runtime. statePath holds the
// in-progress registry that survives crashes.
func NewRuntime(statePath string, defaultTimeout time.Duration) *Runtime {
	if defaultTimeout <= 0 {
		defaultTimeout = 600 * time.Second
	}
	return &Runtime{
		queues:         make(map[string]*fifo),
		defaultTimeout: defaultTimeout,
		registryPath:   filepath.Join(statePath, "in_progress.json"),
		inProgress:     make(map[string]*Job),
	}
}

// Declare creates a queue if it does not exist yet. timeout 0 uses
// the runtime default.
func (r *Runtime) Declare(name string, timeout time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.queues[name]; ok {
		return
	}
	if timeout <= 0 {
		timeout = r.defaultTimeout
	}
	q := &fifo{name: name, timeout: timeout}
	q.cond = sync.NewCond(&r.mu)
	r.queues[name] = q
}

// Timeout returns the per-queue job timeout
func (r *Runtime) Timeout(name string) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	if q, ok := r.queues[name]; ok {
		return q.timeout
	}
	return r.defaultTimeout
}

// Enqueue pushes a job onto its queue
func (r *Runtime) Enqueue(job *Job) error {
	r.mu.Lock()
	q, ok := r.queues[job.Queue]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("unknown queue %q", job.Queue)
	}
	if q.closed {
		r.mu.Unlock()
		return fmt.Errorf("queue %q closed", job.Queue)
	}
	q.jobs = append(q.jobs, job)
	q.cond.Signal()
	r.mu.Unlock()
	return nil
}

// EnqueuePayload marshals payload and pushes it onto name
func (r *Runtime) EnqueuePayload(name string, payload any) (*Job, error) {
	job, err := NewJob(name, payload)
	if err != nil {
		return nil, err
	}
	if err := r.Enqueue(job); err != nil {
		return nil, err
	}
	return job, nil
}

// EnqueueFront pushes a job at the head of its queue (crash requeue)
func (r *Runtime) EnqueueFront(job *Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	q, ok := r.queues[job.Queue]
	if !ok {
		return fmt.Errorf("unknown queue %q", job.Queue)
	}
	q.jobs = append([]*Job{job}, q.jobs...)
	q.cond.Signal()
	return nil
}

// RequeueWithBackoff re-enqueues the job after min(maxSeconds, 2^n)
// seconds, where n is the job's retry count. Used by the episodic
// worker when a thread is not yet ready for consolidation.
func (r *Runtime) RequeueWithBackoff(job *Job, maxSeconds int) {
	job.Retries++
	delay := math.Min(float64(maxSeconds), math.Pow(2, float64(job.Retries)))
	time.AfterFunc(time.Duration(delay)*time.Second, func() {
		if err := r.Enqueue(job); err != nil {
			logging.Warn("queue", "backoff requeue %s failed: %v", job.ID, err)
		}
	})
}

// pop blocks until a job is available or the queue closes. Returns
// nil when closed. The job is placed in the in-progress registry
// before being handed out.
func (r *Runtime) pop(name string) *Job {
	r.mu.Lock()
	q, ok := r.queues[name]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	for len(q.jobs) == 0 && !q.closed {
		q.cond.Wait()
	}
	if q.closed && len(q.jobs) == 0 {
		r.mu.Unlock()
		return nil
	}
	job := q.jobs[0]
	q.jobs = q.jobs[1:]
	r.mu.Unlock()

	r.markInProgress(job)
	return job
}

// Depth returns the number of queued jobs on name
func (r *Runtime) Depth(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if q, ok := r.queues[name]; ok {
		return len(q.jobs)
	}
	return 0
}

// AllDrained reports whether every declared queue is empty and no job
// is in progress. Used by the idle-consolidation scheduler.
func (r *Runtime) AllDrained() bool {
	r.mu.Lock()
	for _, q := range r.queues {
		if len(q.jobs) > 0 {
			r.mu.Unlock()
			return false
		}
	}
	r.mu.Unlock()

	r.registryMu.Lock()
	defer r.registryMu.Unlock()
	return len(r.inProgress) == 0
}

// Close wakes all blocked workers and refuses further jobs
func (r *Runtime) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, q := range r.queues {
		q.closed = true
		q.cond.Broadcast()
	}
}

// --- in-progress registry ---

func (r *Runtime) markInProgress(job *Job) {
	r.registryMu.Lock()
	r.inProgress[job.ID] = job
	r.saveRegistryLocked()
	r.registryMu.Unlock()
}

func (r *Runtime) markDone(jobID string) {
	r.registryMu.Lock()
	delete(r.inProgress, jobID)
	r.saveRegistryLocked()
	r.registryMu.Unlock()
}

func (r *Runtime) saveRegistryLocked() {
	jobs := make([]*Job, 0, len(r.inProgress))
	for _, j := range r.inProgress {
		jobs = append(jobs, j)
	}
	data, err := json.Marshal(jobs)
	if err != nil {
		return
	}
	if err := os.MkdirAll(filepath.Dir(r.registryPath), 0755); err != nil {
		return
	}
	os.WriteFile(r.registryPath, data, 0644)
}

// ReapOrphans re-enqueues jobs left in the registry by a previous
// crash. Call once at startup, after queues are declared.
func (r *Runtime) ReapOrphans() int {
	data, err := os.ReadFile(r.registryPath)
	if os.IsNotExist(err) {
		return 0
	}
	if err != nil {
		logging.Warn("queue", "read in-progress registry: %v", err)
		return 0
	}

	var jobs []*Job
	if err := json.Unmarshal(data, &jobs); err != nil {
		logging.Warn("queue", "parse in-progress registry: %v", err)
		return 0
	}

	reaped := 0
	for _, job := range jobs {
		job.Retries++
		if err := r.Enqueue(job); err != nil {
			logging.Warn("queue", "reap %s: %v", job.ID, err)
			continue
		}
		reaped++
	}

	r.registryMu.Lock()
	r.inProgress = make(map[string]*Job)
	r.saveRegistryLocked()
	r.registryMu.Unlock()

	if reaped > 0 {
		logging.Info("queue", "reaped %d orphaned jobs", reaped)
	}
	return reaped
}
