package clipboard

import (
	"sync"
	"time"

	sysclip "github.com/atotto/clipboard"

	logs "github.com/danmuck/edgelink/internal/logging"
)

// SystemAvailable reports whether the desktop clipboard can be reached.
func SystemAvailable() bool {
	return !sysclip.Unsupported
}

// SystemStore mirrors the desktop clipboard. Local copies are noticed on
// the next Get and stamped with the time they were first seen.
type SystemStore struct {
	read  func() (string, error)
	write func(string) error

	mu        sync.Mutex
	last      string
	timestamp int64
}

func NewSystemStore() *SystemStore {
	return &SystemStore{read: sysclip.ReadAll, write: sysclip.WriteAll}
}

func (s *SystemStore) Get() (string, int64) {
	content, err := s.read()
	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		logs.Debugf("clipboard.SystemStore.Get err=%v", err)
		return s.last, s.timestamp
	}
	if content != s.last {
		s.last = content
		s.timestamp = time.Now().UnixMilli()
	}
	return s.last, s.timestamp
}

func (s *SystemStore) Set(content string, timestamp int64) {
	if err := s.write(content); err != nil {
		logs.Warnf("clipboard.SystemStore.Set err=%v", err)
	}
	s.mu.Lock()
	s.last = content
	s.timestamp = timestamp
	s.mu.Unlock()
}
