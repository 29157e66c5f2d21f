package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/danmuck/edgelink/internal/testutil/testlog"
	"github.com/danmuck/edgelink/internal/transfer"
)

type blockingJob struct {
	id       string
	release  chan struct{}
	started  chan struct{}
	cancels  atomic.Int32
	active   *atomic.Int32
	maxSeen  *atomic.Int32
	once     sync.Once
	canceled chan struct{}
}

func newBlockingJob(id string, active, maxSeen *atomic.Int32) *blockingJob {
	return &blockingJob{
		id:       id,
		release:  make(chan struct{}),
		started:  make(chan struct{}),
		active:   active,
		maxSeen:  maxSeen,
		canceled: make(chan struct{}),
	}
}

func (j *blockingJob) ID() string { return j.id }

func (j *blockingJob) Run(ctx context.Context) error {
	if j.active != nil {
		n := j.active.Add(1)
		defer j.active.Add(-1)
		for {
			old := j.maxSeen.Load()
			if n <= old || j.maxSeen.CompareAndSwap(old, n) {
				break
			}
		}
	}
	close(j.started)
	select {
	case <-j.release:
		return nil
	case <-j.canceled:
		return context.Canceled
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (j *blockingJob) Cancel() {
	j.cancels.Add(1)
	j.once.Do(func() { close(j.canceled) })
}

func waitStarted(t *testing.T, j *blockingJob) {
	t.Helper()
	select {
	case <-j.started:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for job %s to start", j.id)
	}
}

func waitGone(t *testing.T, s *Scheduler, id string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := s.GetJob(id); !ok {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job %s never left the table", id)
}

func TestPoolBoundsConcurrency(t *testing.T) {
	testlog.Start(t)
	s := New(Config{Workers: 2, MaxJobs: 10})
	defer s.Close()

	var active, maxSeen atomic.Int32
	jobs := make([]*blockingJob, 0, 6)
	for _, id := range []string{"a", "b", "c", "d", "e", "f"} {
		j := newBlockingJob(id, &active, &maxSeen)
		jobs = append(jobs, j)
		if err := s.RunJob(j); err != nil {
			t.Fatalf("run %s: %v", id, err)
		}
	}
	if s.Len() != 6 {
		t.Fatalf("expected 6 jobs in table, got %d", s.Len())
	}
	for _, j := range jobs {
		close(j.release)
	}
	for _, j := range jobs {
		waitGone(t, s, j.id)
	}
	if got := maxSeen.Load(); got > 2 || got < 1 {
		t.Fatalf("expected at most 2 concurrent jobs, saw %d", got)
	}
}

func TestJobTableFullAndDuplicate(t *testing.T) {
	testlog.Start(t)
	s := New(Config{Workers: 1, MaxJobs: 1})
	defer s.Close()

	first := newBlockingJob("one", nil, nil)
	if err := s.RunJob(first); err != nil {
		t.Fatalf("run: %v", err)
	}
	if err := s.RunJob(first); !errors.Is(err, ErrDuplicateJob) {
		t.Fatalf("expected ErrDuplicateJob, got %v", err)
	}
	if err := s.RunJob(newBlockingJob("two", nil, nil)); !errors.Is(err, ErrJobTableFull) {
		t.Fatalf("expected ErrJobTableFull, got %v", err)
	}
	if err := s.RunJob(nil); !errors.Is(err, ErrNilJob) {
		t.Fatalf("expected ErrNilJob, got %v", err)
	}
	close(first.release)
	waitGone(t, s, "one")
	if err := s.RunJob(newBlockingJob("two", nil, nil)); err != nil {
		t.Fatalf("expected room after completion, got %v", err)
	}
}

func TestIsRunningAndCancel(t *testing.T) {
	testlog.Start(t)
	s := New(Config{Workers: 1, MaxJobs: 4})
	defer s.Close()

	running := newBlockingJob("running", nil, nil)
	queued := newBlockingJob("queued", nil, nil)
	_ = s.RunJob(running)
	waitStarted(t, running)
	_ = s.RunJob(queued)

	if !s.IsRunning("running") {
		t.Fatalf("expected running job to hold a slot")
	}
	if s.IsRunning("queued") {
		t.Fatalf("expected queued job to wait for a slot")
	}
	if _, ok := s.GetJob("queued"); !ok {
		t.Fatalf("expected queued job in table")
	}

	if s.Cancel("missing") {
		t.Fatalf("expected unknown cancel to be a no-op")
	}
	if !s.Cancel("running") {
		t.Fatalf("expected cancel hit")
	}
	s.Cancel("running")
	waitGone(t, s, "running")
	if s.Cancel("running") {
		t.Fatalf("expected cancel after completion to be a no-op")
	}
	waitStarted(t, queued)
	close(queued.release)
	waitGone(t, s, "queued")
}

func TestCancelQueuedJobFreesTableSlot(t *testing.T) {
	testlog.Start(t)
	s := New(Config{Workers: 1, MaxJobs: 2})
	defer s.Close()

	busy := newBlockingJob("busy", nil, nil)
	_ = s.RunJob(busy)
	waitStarted(t, busy)
	queued := newBlockingJob("queued", nil, nil)
	if err := s.RunJob(queued); err != nil {
		t.Fatalf("run queued: %v", err)
	}

	if !s.Cancel("queued") {
		t.Fatalf("expected cancel hit")
	}
	if _, ok := s.GetJob("queued"); ok {
		t.Fatalf("expected canceled queued job out of the table")
	}
	if s.Len() != 1 {
		t.Fatalf("expected 1 job in table, got %d", s.Len())
	}
	next := newBlockingJob("next", nil, nil)
	if err := s.RunJob(next); err != nil {
		t.Fatalf("expected room after cancel, got %v", err)
	}
	if !s.IsRunning("busy") {
		t.Fatalf("expected busy job to keep its slot")
	}

	close(busy.release)
	waitStarted(t, next)
	close(next.release)
	waitGone(t, s, "next")
}

func TestDirectlyCanceledTransferLeavesQueue(t *testing.T) {
	testlog.Start(t)
	s := New(Config{Workers: 1, MaxJobs: 4})
	defer s.Close()

	busy := newBlockingJob("busy", nil, nil)
	_ = s.RunJob(busy)
	waitStarted(t, busy)

	var failed atomic.Int32
	cb := transfer.Callbacks{OnError: func(string, error) { failed.Add(1) }}
	job := transfer.NewReceiveJob("peer", transfer.DirSinks{Dir: t.TempDir()}, nil, false, transfer.DefaultConfig(), cb)
	if err := s.RunJob(job); err != nil {
		t.Fatalf("run: %v", err)
	}
	job.Cancel()
	waitGone(t, s, job.ID())
	if !s.IsRunning("busy") {
		t.Fatalf("expected busy job to keep its slot")
	}
	if got := failed.Load(); got != 1 {
		t.Fatalf("expected one cancel report, got %d", got)
	}
	close(busy.release)
	waitGone(t, s, "busy")
}

func TestCloseCancelsEverything(t *testing.T) {
	testlog.Start(t)
	s := New(Config{Workers: 1, MaxJobs: 4})
	a := newBlockingJob("a", nil, nil)
	b := newBlockingJob("b", nil, nil)
	_ = s.RunJob(a)
	waitStarted(t, a)
	_ = s.RunJob(b)

	s.Close()
	if s.Len() != 0 {
		t.Fatalf("expected empty table after close, got %d", s.Len())
	}
	if a.cancels.Load() == 0 || b.cancels.Load() == 0 {
		t.Fatalf("expected both jobs canceled, got %d %d", a.cancels.Load(), b.cancels.Load())
	}
	if err := s.RunJob(newBlockingJob("c", nil, nil)); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	s.Close()
}

func TestTransferJobCancelRaceReportsOnce(t *testing.T) {
	testlog.Start(t)
	s := New(Config{Workers: 1, MaxJobs: 4})
	defer s.Close()

	var reports atomic.Int32
	cb := transfer.Callbacks{
		OnSuccess: func(string) { reports.Add(1) },
		OnError:   func(string, error) { reports.Add(1) },
	}
	cfg := transfer.DefaultConfig()
	cfg.MissingGrace = 20 * time.Millisecond
	job := transfer.NewReceiveJob("peer", transfer.DirSinks{Dir: t.TempDir()}, nil, false, cfg, cb)
	job.Declare(1, 0)
	if err := s.RunJob(job); err != nil {
		t.Fatalf("run: %v", err)
	}
	s.Cancel(job.ID())
	s.Cancel(job.ID())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = job.Wait(ctx)
	waitGone(t, s, job.ID())
	s.Cancel(job.ID())
	if got := reports.Load(); got != 1 {
		t.Fatalf("expected exactly one terminal report, got %d", got)
	}
}
