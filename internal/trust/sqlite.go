package trust

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logs "github.com/danmuck/edgelink/internal/logging"
)

// SQLiteStore keeps records in a single table.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dbPath = strings.TrimSpace(dbPath)
	if dbPath == "" {
		return nil, fmt.Errorf("trust: sqlite path required")
	}
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("trust: open sqlite: %w", err)
	}
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("trust: migrate: %w", err)
	}
	logs.Infof("trust.NewSQLiteStore path=%s", dbPath)
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS trusted_devices (
		device_id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		fingerprint TEXT NOT NULL DEFAULT '',
		paired INTEGER NOT NULL DEFAULT 0,
		updated_at INTEGER NOT NULL
	)`)
	return err
}

func (s *SQLiteStore) Load(deviceID string) (Record, bool, error) {
	row := s.db.QueryRow(
		`SELECT device_id, name, fingerprint, paired, updated_at FROM trusted_devices WHERE device_id = ?`,
		strings.TrimSpace(deviceID),
	)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("trust: load: %w", err)
	}
	return rec, true, nil
}

func (s *SQLiteStore) Save(rec Record) error {
	rec, err := normalize(rec)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`INSERT INTO trusted_devices (device_id, name, fingerprint, paired, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(device_id) DO UPDATE SET
			name = excluded.name,
			fingerprint = excluded.fingerprint,
			paired = excluded.paired,
			updated_at = excluded.updated_at`,
		rec.DeviceID, rec.Name, rec.Fingerprint, boolInt(rec.Paired), rec.UpdatedAt.Unix())
	if err != nil {
		return fmt.Errorf("trust: save: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Delete(deviceID string) error {
	if _, err := s.db.Exec(`DELETE FROM trusted_devices WHERE device_id = ?`, strings.TrimSpace(deviceID)); err != nil {
		return fmt.Errorf("trust: delete: %w", err)
	}
	return nil
}

func (s *SQLiteStore) List() ([]Record, error) {
	rows, err := s.db.Query(`SELECT device_id, name, fingerprint, paired, updated_at FROM trusted_devices ORDER BY device_id`)
	if err != nil {
		return nil, fmt.Errorf("trust: list: %w", err)
	}
	defer rows.Close()
	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("trust: list scan: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (Record, error) {
	var (
		rec     Record
		paired  int64
		updated int64
	)
	if err := row.Scan(&rec.DeviceID, &rec.Name, &rec.Fingerprint, &paired, &updated); err != nil {
		return Record{}, err
	}
	rec.Paired = paired != 0
	rec.UpdatedAt = time.Unix(updated, 0).UTC()
	return rec, nil
}

func boolInt(v bool) int64 {
	if v {
		return 1
	}
	return 0
}
