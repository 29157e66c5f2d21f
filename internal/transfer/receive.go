package transfer

import (
	"context"
	"fmt"

	logs "github.com/danmuck/edgelink/internal/logging"
	"github.com/danmuck/edgelink/internal/protocol"
)

func (j *Job) runReceive(ctx context.Context) error {
	var last string
	for {
		it, err := j.next(ctx)
		if err != nil {
			return err
		}
		if it == nil {
			break
		}
		path, err := j.receiveItem(ctx, it)
		if err != nil {
			return err
		}
		last = path
		j.itemDone(it)
	}

	j.mu.Lock()
	open := j.openOnComplete && j.itemsDone == 1 && j.opener != nil && last != ""
	j.mu.Unlock()
	if open {
		if err := j.opener.Open(ctx, last); err != nil {
			logs.Warnf("transfer.Job.runReceive id=%s open %q err=%v", j.id, last, err)
		}
	}
	return nil
}

// receiveItem copies one payload into a fresh sink. Any short or long
// payload deletes the partial file.
func (j *Job) receiveItem(ctx context.Context, it *item) (string, error) {
	if it.Stream != nil {
		defer it.Stream.Close()
	}
	sink, err := j.sinks.Create(it.Name, it.Size)
	if err != nil {
		return "", err
	}
	if it.Size == 0 {
		return sink.Commit()
	}
	if it.Stream == nil {
		_ = sink.Abort()
		return "", ErrNilStream
	}

	n, err := protocol.CopyPayload(ctx, sink, it.Stream, j.cfg.ChunkSize, j.advance)
	if err != nil {
		_ = sink.Abort()
		return "", err
	}
	if it.Size >= 0 && n != it.Size {
		_ = sink.Abort()
		return "", fmt.Errorf("%w: %s got %d want %d", ErrSizeMismatch, it.Name, n, it.Size)
	}
	path, err := sink.Commit()
	if err != nil {
		return "", err
	}
	logs.Debugf("transfer.Job.receiveItem id=%s name=%q path=%q bytes=%d", j.id, it.Name, path, n)
	return path, nil
}
