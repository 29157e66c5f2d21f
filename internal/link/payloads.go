package link

import (
	"fmt"
	"io"
	"os"
	"sync"

	logs "github.com/danmuck/edgelink/internal/logging"
)

// spillPolicy bounds how much of one unread payload stays in memory; the
// rest goes to a temp file in dir ("" means os.TempDir).
type spillPolicy struct {
	memory int
	dir    string
}

// payloadStream is the receive side of one multiplexed payload. The read
// loop pushes chunks without ever waiting on the reader; the packet
// receiver reads them through Stream whenever it gets around to it.
type payloadStream struct {
	id        uint64
	policy    spillPolicy
	ready     chan struct{}
	closed    chan struct{}
	closeOnce sync.Once

	mu       sync.Mutex
	mem      [][]byte
	memBytes int
	spill    *os.File
	spillR   int64
	spillW   int64
	finalErr error
	finished bool

	// received is owned by the link read loop.
	received uint64
}

func newPayloadStream(id uint64, policy spillPolicy) *payloadStream {
	return &payloadStream{
		id:     id,
		policy: policy,
		ready:  make(chan struct{}, 1),
		closed: make(chan struct{}),
	}
}

func (s *payloadStream) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	for {
		if s.discarding() {
			return 0, io.ErrClosedPipe
		}
		s.mu.Lock()
		n, wait, err := s.readLocked(p)
		s.mu.Unlock()
		if !wait {
			return n, err
		}
		select {
		case <-s.ready:
		case <-s.closed:
			return 0, io.ErrClosedPipe
		}
	}
}

// readLocked serves memory first, then the spill file, then the end state.
// wait reports that nothing is buffered yet.
func (s *payloadStream) readLocked(p []byte) (int, bool, error) {
	if len(s.mem) > 0 {
		n := copy(p, s.mem[0])
		s.mem[0] = s.mem[0][n:]
		if len(s.mem[0]) == 0 {
			s.mem[0] = nil
			s.mem = s.mem[1:]
		}
		s.memBytes -= n
		return n, false, nil
	}
	if s.spill != nil && s.spillR < s.spillW {
		want := int64(len(p))
		if left := s.spillW - s.spillR; left < want {
			want = left
		}
		n, err := s.spill.ReadAt(p[:want], s.spillR)
		s.spillR += int64(n)
		if s.spillR == s.spillW {
			// drained; reuse the file from the start
			s.spillR, s.spillW = 0, 0
		}
		if n > 0 {
			return n, false, nil
		}
		return 0, false, fmt.Errorf("%w: %v", ErrPayloadSpill, err)
	}
	if s.finished {
		s.releaseLocked()
		if s.finalErr == nil {
			return 0, false, io.EOF
		}
		return 0, false, s.finalErr
	}
	return 0, true, nil
}

// Close tells the link to discard whatever is left of the payload.
func (s *payloadStream) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	s.mu.Lock()
	s.releaseLocked()
	s.mu.Unlock()
	return nil
}

func (s *payloadStream) discarding() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// push buffers one chunk and never blocks on the reader. Past the memory
// bound chunks go to disk, and stay there until the reader drains them,
// so order holds. It reports whether the chunk was kept.
func (s *payloadStream) push(data []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished || s.discarding() {
		return false
	}
	if s.spill == nil && s.memBytes+len(data) > s.policy.memory {
		f, err := os.CreateTemp(s.policy.dir, "edgelink-payload-*")
		if err != nil {
			logs.Warnf("link.payloadStream.push transfer=%d spill failed err=%v", s.id, err)
			s.finishLocked(fmt.Errorf("%w: %v", ErrPayloadSpill, err))
			return false
		}
		logs.Debugf("link.payloadStream.push transfer=%d spilling to %s", s.id, f.Name())
		s.spill = f
	}
	if s.spill != nil {
		if _, err := s.spill.WriteAt(data, s.spillW); err != nil {
			logs.Warnf("link.payloadStream.push transfer=%d spill write err=%v", s.id, err)
			s.finishLocked(fmt.Errorf("%w: %v", ErrPayloadSpill, err))
			return false
		}
		s.spillW += int64(len(data))
	} else {
		s.mem = append(s.mem, data)
		s.memBytes += len(data)
	}
	s.wake()
	return true
}

// finish ends the stream; a nil err reads as io.EOF once drained.
func (s *payloadStream) finish(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finishLocked(err)
}

func (s *payloadStream) finishLocked(err error) {
	if s.finished {
		return
	}
	s.finished = true
	s.finalErr = err
	if err != nil {
		// nothing more will arrive and the tail is unusable
		s.mem, s.memBytes = nil, 0
		s.spillR, s.spillW = 0, 0
	}
	if s.discarding() {
		s.releaseLocked()
	}
	s.wake()
}

func (s *payloadStream) releaseLocked() {
	s.mem, s.memBytes = nil, 0
	if s.spill == nil {
		return
	}
	name := s.spill.Name()
	_ = s.spill.Close()
	if err := os.Remove(name); err != nil {
		logs.Debugf("link.payloadStream transfer=%d spill remove err=%v", s.id, err)
	}
	s.spill = nil
	s.spillR, s.spillW = 0, 0
}

func (s *payloadStream) wake() {
	select {
	case s.ready <- struct{}{}:
	default:
	}
}

// payloadTable tracks in-flight inbound payloads by transfer id.
type payloadTable struct {
	mu     sync.RWMutex
	max    int
	policy spillPolicy
	items  map[uint64]*payloadStream
}

func newPayloadTable(max int, policy spillPolicy) *payloadTable {
	return &payloadTable{
		max:    max,
		policy: policy,
		items:  make(map[uint64]*payloadStream),
	}
}

func (t *payloadTable) Open(id uint64) (*payloadStream, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.items[id]; ok {
		return nil, ErrPayloadCorrupt
	}
	if t.max > 0 && len(t.items) >= t.max {
		return nil, ErrTooManyPayloads
	}
	s := newPayloadStream(id, t.policy)
	t.items[id] = s
	return s, nil
}

func (t *payloadTable) Get(id uint64) (*payloadStream, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.items[id]
	return s, ok
}

func (t *payloadTable) Remove(id uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.items, id)
}

func (t *payloadTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.items)
}

// FinishAll ends every open stream with err and empties the table.
func (t *payloadTable) FinishAll(err error) {
	t.mu.Lock()
	items := t.items
	t.items = make(map[uint64]*payloadStream)
	t.mu.Unlock()
	for _, s := range items {
		s.finish(err)
	}
}
