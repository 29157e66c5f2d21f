package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/semaphore"

	logs "github.com/danmuck/edgelink/internal/logging"
)

var (
	ErrJobTableFull = errors.New("scheduler: job table full")
	ErrDuplicateJob = errors.New("scheduler: job id already scheduled")
	ErrClosed       = errors.New("scheduler: closed")
	ErrNilJob       = errors.New("scheduler: job is nil")
)

const (
	DefaultWorkers = 5
	DefaultMaxJobs = 64
)

// Job is anything the scheduler can run and cancel by id.
type Job interface {
	ID() string
	Run(ctx context.Context) error
	Cancel()
}

type Config struct {
	Workers int
	MaxJobs int
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.MaxJobs <= 0 {
		c.MaxJobs = DefaultMaxJobs
	}
	return c
}

// doner is implemented by jobs that can end on their own before they get
// a worker, such as a canceled pending transfer.
type doner interface {
	Done() <-chan struct{}
}

type entry struct {
	job     Job
	running bool
	// stop ends the wait for a worker slot.
	stop context.CancelFunc
	ctx  context.Context
}

// Scheduler is a fixed-size worker pool. Queued jobs wait for a slot in no
// particular order. A job leaves the table as soon as it is terminal, even
// if it never got a worker.
type Scheduler struct {
	cfg  Config
	sem  *semaphore.Weighted
	ctx  context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup

	mu     sync.Mutex
	jobs   map[string]*entry
	closed bool
}

func New(cfg Config) *Scheduler {
	cfg = cfg.withDefaults()
	ctx, stop := context.WithCancel(context.Background())
	return &Scheduler{
		cfg:  cfg,
		sem:  semaphore.NewWeighted(int64(cfg.Workers)),
		ctx:  ctx,
		stop: stop,
		jobs: make(map[string]*entry),
	}
}

// RunJob admits job into the table and starts it once a worker is free.
// A full table is a synchronous failure, never a silent drop.
func (s *Scheduler) RunJob(job Job) error {
	if job == nil {
		return ErrNilJob
	}
	id := job.ID()
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if _, ok := s.jobs[id]; ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateJob, id)
	}
	if len(s.jobs) >= s.cfg.MaxJobs {
		s.mu.Unlock()
		return fmt.Errorf("%w: %d jobs", ErrJobTableFull, s.cfg.MaxJobs)
	}
	e := &entry{job: job}
	e.ctx, e.stop = context.WithCancel(s.ctx)
	s.jobs[id] = e
	s.wg.Add(1)
	s.mu.Unlock()

	go s.run(e)
	return nil
}

func (s *Scheduler) run(e *entry) {
	defer s.wg.Done()
	id := e.job.ID()
	defer s.remove(e)
	defer e.stop()

	if d, ok := e.job.(doner); ok {
		go func() {
			select {
			case <-d.Done():
				e.stop()
			case <-e.ctx.Done():
			}
		}()
	}

	if err := s.sem.Acquire(e.ctx, 1); err != nil {
		s.abandon(e)
		return
	}
	s.mu.Lock()
	if s.jobs[id] != e {
		// canceled while queued and already out of the table
		s.mu.Unlock()
		s.sem.Release(1)
		s.abandon(e)
		return
	}
	e.running = true
	s.mu.Unlock()
	defer s.sem.Release(1)

	if err := e.job.Run(s.ctx); err != nil {
		logs.Debugf("scheduler.Scheduler.run id=%s err=%v", id, err)
		return
	}
	logs.Debugf("scheduler.Scheduler.run id=%s done", id)
}

// abandon ends a job that never got a worker.
func (s *Scheduler) abandon(e *entry) {
	s.remove(e)
	e.job.Cancel()
	// lets the job publish its terminal state
	_ = e.job.Run(e.ctx)
	logs.Debugf("scheduler.Scheduler.run id=%s left the queue", e.job.ID())
}

// remove drops e unless its id was already reused by a newer job.
func (s *Scheduler) remove(e *entry) {
	id := e.job.ID()
	s.mu.Lock()
	if s.jobs[id] == e {
		delete(s.jobs, id)
	}
	s.mu.Unlock()
}

// IsRunning reports whether id holds a worker slot right now.
func (s *Scheduler) IsRunning(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.jobs[id]
	return ok && e.running
}

// GetJob returns a job that is queued or running.
func (s *Scheduler) GetJob(id string) (Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.jobs[id]
	if !ok {
		return nil, false
	}
	return e.job, true
}

// Cancel asks a job to stop. A queued job leaves the table without
// waiting for a worker. Unknown ids are a no-op.
func (s *Scheduler) Cancel(id string) bool {
	s.mu.Lock()
	e, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		logs.Debugf("scheduler.Scheduler.Cancel id=%s not found", id)
		return false
	}
	queued := !e.running
	if queued {
		delete(s.jobs, id)
	}
	s.mu.Unlock()
	e.job.Cancel()
	if queued {
		e.stop()
	}
	return true
}

// Jobs lists current jobs ordered by id.
func (s *Scheduler) Jobs() []Job {
	s.mu.Lock()
	out := make([]Job, 0, len(s.jobs))
	for _, e := range s.jobs {
		out = append(out, e.job)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

// Close cancels every job and waits for workers to return.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	jobs := make([]Job, 0, len(s.jobs))
	for _, e := range s.jobs {
		jobs = append(jobs, e.job)
	}
	s.mu.Unlock()

	for _, j := range jobs {
		j.Cancel()
	}
	s.stop()
	s.wg.Wait()
	logs.Infof("scheduler.Scheduler.Close canceled=%d", len(jobs))
}
