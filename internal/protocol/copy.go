package protocol

import (
	"context"
	"errors"
	"io"
)

// DefaultChunkSize is the per-read unit for payload copies.
const DefaultChunkSize = 4096

// CopyPayload streams src into dst one chunk at a time. ctx is checked
// between chunks only, so a canceled copy may still finish the chunk in
// flight. onChunk observes every written chunk.
func CopyPayload(
	ctx context.Context,
	dst io.Writer,
	src io.Reader,
	chunkSize int,
	onChunk func(n int64),
) (int64, error) {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	buf := make([]byte, chunkSize)
	var written int64
	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		n, rerr := src.Read(buf)
		if n > 0 {
			wn, werr := dst.Write(buf[:n])
			written += int64(wn)
			if onChunk != nil && wn > 0 {
				onChunk(int64(wn))
			}
			if werr != nil {
				return written, werr
			}
			if wn != n {
				return written, io.ErrShortWrite
			}
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				return written, nil
			}
			return written, rerr
		}
	}
}
