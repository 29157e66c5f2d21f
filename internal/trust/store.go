package trust

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"time"
)

var (
	ErrEmptyDeviceID = errors.New("trust: empty device id")
	ErrUnknownKind   = errors.New("trust: unknown store backend")
)

// Record is the persisted trust state of one peer.
type Record struct {
	DeviceID    string
	Name        string
	Fingerprint string
	Paired      bool
	UpdatedAt   time.Time
}

// Store is implemented by every persistence backend.
type Store interface {
	Load(deviceID string) (Record, bool, error)
	Save(rec Record) error
	Delete(deviceID string) error
	List() ([]Record, error)
	Close() error
}

// Open returns the backend named by kind ("file", "sqlite" or "memory").
func Open(kind, path string) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "", "file", "toml":
		return NewFileStore(path)
	case "sqlite":
		return NewSQLiteStore(path)
	case "memory":
		return NewMemoryStore(), nil
	default:
		return nil, ErrUnknownKind
	}
}

func normalize(rec Record) (Record, error) {
	rec.DeviceID = strings.TrimSpace(rec.DeviceID)
	if rec.DeviceID == "" {
		return Record{}, ErrEmptyDeviceID
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}
	return rec, nil
}

// MemoryStore keeps records for the life of the process.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string]Record)}
}

func (s *MemoryStore) Load(deviceID string) (Record, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.items[strings.TrimSpace(deviceID)]
	return rec, ok, nil
}

func (s *MemoryStore) Save(rec Record) error {
	rec, err := normalize(rec)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[rec.DeviceID] = rec
	return nil
}

func (s *MemoryStore) Delete(deviceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, strings.TrimSpace(deviceID))
	return nil
}

func (s *MemoryStore) List() ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Record, 0, len(s.items))
	for _, rec := range s.items {
		out = append(out, rec)
	}
	sortRecords(out)
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }

func sortRecords(out []Record) {
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
}
