package trust

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pelletier/go-toml/v2"
)

type fileRecord struct {
	Name        string    `toml:"name"`
	Fingerprint string    `toml:"fingerprint"`
	Paired      bool      `toml:"paired"`
	UpdatedAt   time.Time `toml:"updated_at"`
}

type fileDocument struct {
	Devices map[string]fileRecord `toml:"devices"`
}

// FileStore keeps all records in one TOML document, rewritten atomically on
// every change.
type FileStore struct {
	mu    sync.Mutex
	path  string
	items map[string]Record
}

func NewFileStore(path string) (*FileStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("trust: file store path required")
	}
	s := &FileStore{path: path, items: make(map[string]Record)}
	if err := s.read(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileStore) read() error {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("trust: read %s: %w", s.path, err)
	}
	var doc fileDocument
	if err := toml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("trust: parse %s: %w", s.path, err)
	}
	for id, r := range doc.Devices {
		s.items[id] = Record{
			DeviceID:    id,
			Name:        r.Name,
			Fingerprint: r.Fingerprint,
			Paired:      r.Paired,
			UpdatedAt:   r.UpdatedAt,
		}
	}
	return nil
}

func (s *FileStore) flush() error {
	doc := fileDocument{Devices: make(map[string]fileRecord, len(s.items))}
	for id, r := range s.items {
		doc.Devices[id] = fileRecord{
			Name:        r.Name,
			Fingerprint: r.Fingerprint,
			Paired:      r.Paired,
			UpdatedAt:   r.UpdatedAt,
		}
	}
	data, err := toml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("trust: encode: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("trust: mkdir: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("trust: write: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("trust: rename: %w", err)
	}
	return nil
}

func (s *FileStore) Load(deviceID string) (Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.items[strings.TrimSpace(deviceID)]
	return rec, ok, nil
}

func (s *FileStore) Save(rec Record) error {
	rec, err := normalize(rec)
	if err != nil {
		return err
	}
	rec.UpdatedAt = rec.UpdatedAt.UTC().Truncate(time.Second)
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, had := s.items[rec.DeviceID]
	s.items[rec.DeviceID] = rec
	if err := s.flush(); err != nil {
		if had {
			s.items[rec.DeviceID] = prev
		} else {
			delete(s.items, rec.DeviceID)
		}
		return err
	}
	return nil
}

func (s *FileStore) Delete(deviceID string) error {
	id := strings.TrimSpace(deviceID)
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, had := s.items[id]
	if !had {
		return nil
	}
	delete(s.items, id)
	if err := s.flush(); err != nil {
		s.items[id] = prev
		return err
	}
	return nil
}

func (s *FileStore) List() ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Record, 0, len(s.items))
	for _, rec := range s.items {
		out = append(out, rec)
	}
	sortRecords(out)
	return out, nil
}

func (s *FileStore) Close() error { return nil }
