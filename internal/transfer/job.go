package transfer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	logs "github.com/danmuck/edgelink/internal/logging"
	"github.com/danmuck/edgelink/internal/protocol"
	"github.com/danmuck/edgelink/internal/tools"
)

// Job is one logical multi-item transfer. Items run strictly FIFO, one at
// a time, on whichever goroutine calls Run.
type Job struct {
	id        string
	deviceID  string
	direction Direction
	cfg       Config
	cb        Callbacks
	created   time.Time

	sender         Sender
	sinks          SinkFactory
	opener         tools.Opener
	openOnComplete bool
	extra          protocol.Body

	mu            sync.Mutex
	state         State
	queue         []*item
	history       []*item
	current       *item
	added         int
	itemsDone     int
	declaredItems int
	declaredBytes int64
	sumBytes      int64
	unknownBytes  bool
	bytesDone     int64
	sealed        bool
	canceled      bool
	cancelRun     context.CancelFunc
	lastPercent   int
	lastReport    time.Time
	err           error

	arrived chan struct{}
	done    chan struct{}
}

func newJob(deviceID string, dir Direction, cfg Config, cb Callbacks) *Job {
	return &Job{
		id:            uuid.NewString(),
		deviceID:      deviceID,
		direction:     dir,
		cfg:           cfg.withDefaults(),
		cb:            cb,
		created:       time.Now(),
		state:         StatePending,
		declaredBytes: protocol.UnknownSize,
		arrived:       make(chan struct{}, 1),
		done:          make(chan struct{}),
	}
}

// NewSendJob builds a job that sends every appended item through s.
func NewSendJob(deviceID string, s Sender, cfg Config, cb Callbacks) *Job {
	j := newJob(deviceID, DirectionSend, cfg, cb)
	j.sender = s
	return j
}

// NewReceiveJob builds a job that writes every appended item into sinks.
// When openOnComplete is set and the job ends with exactly one item, the
// artifact is handed to opener.
func NewReceiveJob(deviceID string, sinks SinkFactory, opener tools.Opener, openOnComplete bool, cfg Config, cb Callbacks) *Job {
	j := newJob(deviceID, DirectionReceive, cfg, cb)
	j.sinks = sinks
	j.opener = opener
	j.openOnComplete = openOnComplete
	return j
}

func (j *Job) ID() string               { return j.id }
func (j *Job) DeviceID() string         { return j.deviceID }
func (j *Job) Direction() Direction     { return j.direction }
func (j *Job) Done() <-chan struct{}    { return j.done }
func (j *Job) SetOpenOnComplete(v bool) { j.mu.Lock(); j.openOnComplete = v; j.mu.Unlock() }

// SetBody adds fields to every item packet a send job emits. It must be
// called before Run.
func (j *Job) SetBody(b protocol.Body) {
	j.mu.Lock()
	j.extra = b.Clone()
	j.mu.Unlock()
}

func (j *Job) State() State {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// Err returns the terminal error, nil while running or on success.
func (j *Job) Err() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.err
}

// Wait blocks until the job is terminal or ctx ends.
func (j *Job) Wait(ctx context.Context) error {
	select {
	case <-j.done:
		return j.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Append queues one more item. It fails with ErrJobClosed once the job has
// drained its queue for good or reached a terminal state; callers then
// start a new job. The caller keeps ownership of the stream on error.
func (j *Job) Append(it Item) error {
	name := strings.TrimSpace(it.Name)
	if name == "" {
		return ErrEmptyName
	}
	if it.Stream == nil && it.Size != 0 {
		return ErrNilStream
	}
	j.mu.Lock()
	if j.sealed || j.state.Terminal() {
		j.mu.Unlock()
		return ErrJobClosed
	}
	it.Name = name
	queued := &item{Item: it}
	j.queue = append(j.queue, queued)
	j.history = append(j.history, queued)
	j.added++
	if it.Size < 0 {
		j.unknownBytes = true
	} else {
		j.sumBytes += it.Size
	}
	j.mu.Unlock()
	j.signal()
	return nil
}

// Declare records totals announced by metadata that may precede the
// items themselves. Values never shrink.
func (j *Job) Declare(items int, bytes int64) {
	j.mu.Lock()
	if items > j.declaredItems {
		j.declaredItems = items
	}
	if bytes >= 0 && bytes > j.declaredBytes {
		j.declaredBytes = bytes
	}
	j.mu.Unlock()
	j.signal()
}

// Seal stops accepting items; the job finishes once the queue drains.
func (j *Job) Seal() {
	j.mu.Lock()
	j.sealed = true
	j.mu.Unlock()
	j.signal()
}

func (j *Job) signal() {
	select {
	case j.arrived <- struct{}{}:
	default:
	}
}

// Cancel is idempotent and never reports twice. A pending job ends
// immediately; a running job stops after its current chunk.
func (j *Job) Cancel() {
	j.mu.Lock()
	if j.state.Terminal() || j.canceled {
		j.mu.Unlock()
		return
	}
	j.canceled = true
	cancel := j.cancelRun
	pending := j.state == StatePending
	j.mu.Unlock()

	logs.Infof("transfer.Job.Cancel id=%s device=%s pending=%v", j.id, j.deviceID, pending)
	if cancel != nil {
		cancel()
	}
	if pending {
		j.complete(ErrCanceled)
	}
}

// Run drives the job to a terminal state.
func (j *Job) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	j.mu.Lock()
	if j.state.Terminal() {
		err := j.err
		j.mu.Unlock()
		return err
	}
	if j.state != StatePending {
		j.mu.Unlock()
		return ErrJobStarted
	}
	j.state = StateRunning
	j.cancelRun = cancel
	j.lastReport = time.Now()
	j.mu.Unlock()

	logs.Infof("transfer.Job.Run id=%s device=%s direction=%s", j.id, j.deviceID, j.direction)
	var err error
	switch j.direction {
	case DirectionSend:
		err = j.runSend(ctx)
	default:
		err = j.runReceive(ctx)
	}
	return j.complete(err)
}

// complete moves the job to its terminal state once, releases queued
// streams and fires the terminal callback.
func (j *Job) complete(runErr error) error {
	j.mu.Lock()
	if j.state.Terminal() {
		err := j.err
		j.mu.Unlock()
		return err
	}
	items, _ := j.totalsLocked()
	switch {
	case runErr == nil:
		j.state = StateSucceeded
	case j.canceled || errors.Is(runErr, ErrCanceled) || errors.Is(runErr, context.Canceled):
		j.state = StateCanceled
		j.err = fmt.Errorf("%w: %d of %d items completed", ErrCanceled, j.itemsDone, items)
	default:
		j.state = StateFailed
		j.err = &JobError{JobID: j.id, Completed: j.itemsDone, Total: items, Err: runErr}
	}
	j.sealed = true
	dropped := j.queue
	j.queue = nil
	for _, it := range dropped {
		it.status = ItemDropped
	}
	if j.current != nil && j.current.status == ItemActive {
		j.current.status = ItemDropped
	}
	state, err := j.state, j.err
	close(j.done)
	j.mu.Unlock()

	for _, it := range dropped {
		if it.Stream != nil {
			_ = it.Stream.Close()
		}
	}
	if state == StateSucceeded {
		logs.Infof("transfer.Job.complete id=%s state=%s items=%d", j.id, state, items)
		if j.cb.OnSuccess != nil {
			j.cb.OnSuccess(j.id)
		}
		return nil
	}
	logs.Warnf("transfer.Job.complete id=%s state=%s dropped=%d err=%v", j.id, state, len(dropped), err)
	if j.cb.OnError != nil {
		j.cb.OnError(j.id, err)
	}
	return err
}

// next pops the next item. It returns (nil, nil) once every expected item
// has been processed and fails when declared items do not arrive within
// the grace window.
func (j *Job) next(ctx context.Context) (*item, error) {
	for {
		j.mu.Lock()
		if j.canceled {
			j.mu.Unlock()
			return nil, ErrCanceled
		}
		if len(j.queue) > 0 {
			it := j.queue[0]
			j.queue[0] = nil
			j.queue = j.queue[1:]
			it.status = ItemActive
			j.current = it
			j.mu.Unlock()
			return it, nil
		}
		j.current = nil
		items, _ := j.totalsLocked()
		if j.itemsDone >= items {
			j.sealed = true
			j.mu.Unlock()
			return nil, nil
		}
		if j.sealed {
			err := j.missingLocked(items)
			j.mu.Unlock()
			return nil, err
		}
		j.mu.Unlock()

		timer := time.NewTimer(j.cfg.MissingGrace)
		select {
		case <-j.arrived:
			timer.Stop()
			continue
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}

		j.mu.Lock()
		if len(j.queue) > 0 {
			j.mu.Unlock()
			continue
		}
		items, _ = j.totalsLocked()
		j.sealed = true
		if j.itemsDone >= items {
			j.mu.Unlock()
			return nil, nil
		}
		err := j.missingLocked(items)
		j.mu.Unlock()
		return nil, err
	}
}

func (j *Job) missingLocked(items int) error {
	return fmt.Errorf("%w: %d of %d missing", ErrMissingItems, items-j.itemsDone, items)
}

func (j *Job) totalsLocked() (int, int64) {
	items := j.added
	if j.declaredItems > items {
		items = j.declaredItems
	}
	switch {
	case j.declaredBytes >= 0:
		return items, j.declaredBytes
	case j.unknownBytes:
		return items, protocol.UnknownSize
	default:
		return items, j.sumBytes
	}
}

// advance accounts n transferred bytes and reports throttled progress.
func (j *Job) advance(n int64) {
	j.mu.Lock()
	j.bytesDone += n
	_, total := j.totalsLocked()
	if total >= 0 && j.bytesDone > total {
		j.bytesDone = total
	}
	pct, ok := j.progressLocked(false)
	j.mu.Unlock()
	if ok && j.cb.OnProgress != nil {
		j.cb.OnProgress(j.id, pct)
	}
}

// itemDone closes out the active item and always reports progress unless
// the job is at its final value, which belongs to OnSuccess.
func (j *Job) itemDone(it *item) {
	j.mu.Lock()
	it.status = ItemDone
	j.itemsDone++
	j.current = nil
	pct, ok := j.progressLocked(true)
	j.mu.Unlock()
	if ok && j.cb.OnProgress != nil {
		j.cb.OnProgress(j.id, pct)
	}
}

func (j *Job) progressLocked(force bool) (int, bool) {
	items, total := j.totalsLocked()
	var pct int
	switch {
	case total > 0:
		if j.bytesDone >= total && j.itemsDone >= items {
			return 0, false
		}
		pct = int(j.bytesDone * 100 / total)
	case items > 0:
		if j.itemsDone >= items {
			return 0, false
		}
		pct = j.itemsDone * 100 / items
	default:
		return 0, false
	}
	if pct > 99 {
		pct = 99
	}
	now := time.Now()
	if !force && pct-j.lastPercent < 1 && now.Sub(j.lastReport) < j.cfg.ProgressInterval {
		return 0, false
	}
	if pct < j.lastPercent {
		pct = j.lastPercent
	}
	j.lastPercent = pct
	j.lastReport = now
	return pct, true
}

// Snapshot copies the job's progress under the lock.
func (j *Job) Snapshot() Snapshot {
	j.mu.Lock()
	defer j.mu.Unlock()
	items, total := j.totalsLocked()
	s := Snapshot{
		ID:         j.id,
		DeviceID:   j.deviceID,
		Direction:  j.direction.String(),
		State:      j.state.String(),
		TotalItems: items,
		ItemsDone:  j.itemsDone,
		TotalBytes: total,
		BytesDone:  j.bytesDone,
		Created:    j.created,
	}
	if j.current != nil {
		s.Current = j.current.Name
	}
	if j.err != nil {
		s.Error = j.err.Error()
	}
	s.Items = make([]ItemSnapshot, 0, len(j.history))
	for _, it := range j.history {
		s.Items = append(s.Items, ItemSnapshot{Name: it.Name, Size: it.Size, Status: it.status.String()})
	}
	return s
}
