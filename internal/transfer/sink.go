package transfer

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

var ErrSinkClosed = errors.New("transfer: sink already closed")

// Sink receives one item. Exactly one of Commit or Abort is called.
type Sink interface {
	io.Writer
	Commit() (string, error)
	Abort() error
}

// SinkFactory opens a sink for a named item of the given declared size.
type SinkFactory interface {
	Create(name string, size int64) (Sink, error)
}

// DirSinks writes received items into Dir, never overwriting an existing
// file: a clash gets a " (n)" suffix before the extension.
type DirSinks struct {
	Dir string
}

const maxNameAttempts = 1000

func (d DirSinks) Create(name string, _ int64) (Sink, error) {
	if err := os.MkdirAll(d.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("transfer: create download dir: %w", err)
	}
	base := sanitizeName(name)
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	for i := 0; i < maxNameAttempts; i++ {
		candidate := base
		if i > 0 {
			candidate = fmt.Sprintf("%s (%d)%s", stem, i, ext)
		}
		path := filepath.Join(d.Dir, candidate)
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if errors.Is(err, os.ErrExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("transfer: open sink: %w", err)
		}
		return &fileSink{f: f, path: path}, nil
	}
	return nil, fmt.Errorf("transfer: no free name for %q in %s", base, d.Dir)
}

// sanitizeName keeps only the final path element of a peer-supplied name.
func sanitizeName(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	base := filepath.Base(filepath.Clean("/" + name))
	if base == "/" || base == "." || base == ".." || base == "" {
		return "received"
	}
	return base
}

type fileSink struct {
	f      *os.File
	path   string
	closed bool
}

func (s *fileSink) Write(p []byte) (int, error) {
	if s.closed {
		return 0, ErrSinkClosed
	}
	return s.f.Write(p)
}

func (s *fileSink) Commit() (string, error) {
	if s.closed {
		return "", ErrSinkClosed
	}
	s.closed = true
	if err := s.f.Close(); err != nil {
		_ = os.Remove(s.path)
		return "", err
	}
	return s.path, nil
}

func (s *fileSink) Abort() error {
	if s.closed {
		return nil
	}
	s.closed = true
	_ = s.f.Close()
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
