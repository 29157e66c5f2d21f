package transfer

import (
	"context"
	"fmt"
	"io"

	logs "github.com/danmuck/edgelink/internal/logging"
	"github.com/danmuck/edgelink/internal/protocol"
)

func (j *Job) runSend(ctx context.Context) error {
	announced := -1
	for {
		it, err := j.next(ctx)
		if err != nil {
			return err
		}
		if it == nil {
			return nil
		}
		announced, err = j.announce(ctx, announced)
		if err != nil {
			if it.Stream != nil {
				_ = it.Stream.Close()
			}
			return err
		}
		if err := j.sendItem(ctx, it); err != nil {
			return err
		}
		j.itemDone(it)
	}
}

// announce sends the aggregate metadata packet whenever the known item
// count changed, so the receiver can size progress before bytes arrive.
func (j *Job) announce(ctx context.Context, last int) (int, error) {
	if j.cfg.UpdateType == "" {
		return last, nil
	}
	j.mu.Lock()
	items, total := j.totalsLocked()
	j.mu.Unlock()
	if items == last {
		return last, nil
	}
	p := protocol.New(j.cfg.UpdateType).MustSet(protocol.KeyNumberOfFiles, int64(items))
	if total >= 0 {
		p.MustSet(protocol.KeyTotalPayloadSize, total)
	}
	if err := j.sender.Send(ctx, p); err != nil {
		return last, err
	}
	return items, nil
}

func (j *Job) sendItem(ctx context.Context, it *item) error {
	j.mu.Lock()
	items, total := j.totalsLocked()
	extra := j.extra
	j.mu.Unlock()

	p, err := protocol.NewWithBody(j.cfg.PacketType, extra)
	if err != nil {
		if it.Stream != nil {
			_ = it.Stream.Close()
		}
		return err
	}
	p.MustSet(protocol.KeyFilename, it.Name).
		MustSet(protocol.KeyNumberOfFiles, int64(items))
	if total >= 0 {
		p.MustSet(protocol.KeyTotalPayloadSize, total)
	}

	// zero-byte items never touch their stream
	var src io.Reader = eofReader{}
	if it.Size != 0 {
		src = it.Stream
	}
	var closer io.Closer = io.NopCloser(nil)
	if it.Stream != nil {
		closer = it.Stream
	}
	counter := &countingReader{src: src, onRead: j.advance}
	pl := &protocol.Payload{
		Size:   it.Size,
		Stream: readCloser{Reader: counter, Closer: closer},
	}
	if err := p.SetPayload(pl); err != nil {
		_ = closer.Close()
		return err
	}
	if err := j.sender.Send(ctx, p); err != nil {
		return err
	}
	if it.Size >= 0 && counter.n != it.Size {
		return fmt.Errorf("%w: %s sent %d want %d", ErrSizeMismatch, it.Name, counter.n, it.Size)
	}
	logs.Debugf("transfer.Job.sendItem id=%s name=%q bytes=%d", j.id, it.Name, counter.n)
	return nil
}

type countingReader struct {
	src    io.Reader
	n      int64
	onRead func(int64)
}

func (r *countingReader) Read(p []byte) (int, error) {
	n, err := r.src.Read(p)
	if n > 0 {
		r.n += int64(n)
		r.onRead(int64(n))
	}
	return n, err
}

type readCloser struct {
	io.Reader
	io.Closer
}

type eofReader struct{}

func (eofReader) Read([]byte) (int, error) { return 0, io.EOF }
