// Package registry implements the device registry: a small
// per-device_id record (last_seen, label, setup_step, and an optional
// eth_anchor_address) that outlives any single Worker's lifetime.
// It is backed by modernc.org/sqlite, a cgo-free sqlite driver, so the
// record survives process restarts.
package registry

import (
	"database/sql"
	"time"

	_ "modernc.org/sqlite"
)

// Record is one device's persisted registry entry.
type Record struct {
	DeviceID        string
	LastSeen        time.Time
	Label           string
	SetupStep       string
	EthAnchorAddress string
}

// Store is the narrow key/value surface the registry needs: get, put,
// and a full snapshot for export/debug surfaces.
type Store interface {
	Get(deviceID string) (Record, bool, error)
	Put(rec Record) error
	All() ([]Record, error)
	Close() error
}

// SQLiteStore is the reference Store backed by a single sqlite file.
type SQLiteStore struct {
	db *sql.DB
}

// Open creates or reuses the sqlite database at path and ensures the
// registry table exists.
func Open(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	const ddl = `CREATE TABLE IF NOT EXISTS device_registry (
		device_id TEXT PRIMARY KEY,
		last_seen INTEGER NOT NULL,
		label TEXT NOT NULL DEFAULT '',
		setup_step TEXT NOT NULL DEFAULT '',
		eth_anchor_address TEXT NOT NULL DEFAULT ''
	)`
	if _, err := db.Exec(ddl); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Get(deviceID string) (Record, bool, error) {
	row := s.db.QueryRow(`SELECT device_id, last_seen, label, setup_step, eth_anchor_address
		FROM device_registry WHERE device_id = ?`, deviceID)

	var rec Record
	var lastSeen int64
	err := row.Scan(&rec.DeviceID, &lastSeen, &rec.Label, &rec.SetupStep, &rec.EthAnchorAddress)
	if err == sql.ErrNoRows {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	rec.LastSeen = time.Unix(lastSeen, 0).UTC()
	return rec, true, nil
}

func (s *SQLiteStore) Put(rec Record) error {
	_, err := s.db.Exec(`INSERT INTO device_registry (device_id, last_seen, label, setup_step, eth_anchor_address)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(device_id) DO UPDATE SET
			last_seen = excluded.last_seen,
			label = excluded.label,
			setup_step = excluded.setup_step,
			eth_anchor_address = excluded.eth_anchor_address`,
		rec.DeviceID, rec.LastSeen.UTC().Unix(), rec.Label, rec.SetupStep, rec.EthAnchorAddress)
	return err
}

func (s *SQLiteStore) All() ([]Record, error) {
	rows, err := s.db.Query(`SELECT device_id, last_seen, label, setup_step, eth_anchor_address
		FROM device_registry ORDER BY device_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		var lastSeen int64
		if err := rows.Scan(&rec.DeviceID, &lastSeen, &rec.Label, &rec.SetupStep, &rec.EthAnchorAddress); err != nil {
			return nil, err
		}
		rec.LastSeen = time.Unix(lastSeen, 0).UTC()
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Close() error { return s.db.Close() }
