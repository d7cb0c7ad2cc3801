// Package resume persists durable swarm state — the packed bitfield of
// verified pieces and the desired run state — so a restarted process does
// not re-download pieces it already verified (spec §6 "Persisted state").
// Backed by modernc.org/sqlite, adapted from the teacher's SQLite
// persister.
package resume

import (
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// DesiredState is the run state a swarm should resume into on restart.
type DesiredState string

const (
	Started DesiredState = "started"
	Stopped DesiredState = "stopped"
)

// Record is the durable state for one info-hash.
type Record struct {
	InfoHash     [20]byte
	Bitfield     []byte
	DesiredState DesiredState
	UpdatedAt    time.Time
}

// Store is a SQLite-backed key/value store, one row per info-hash.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the SQLite database at dsn. Use ":memory:" for
// an ephemeral store in tests.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("resume: open: %w", err)
	}
	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	const schema = `
CREATE TABLE IF NOT EXISTS swarms (
  info_hash TEXT PRIMARY KEY,
  bitfield TEXT,
  desired_state TEXT,
  updated_at DATETIME
);`
	_, err := s.db.Exec(schema)
	if err != nil {
		return fmt.Errorf("resume: init schema: %w", err)
	}
	return nil
}

// Put writes (or overwrites) the record for rec.InfoHash.
func (s *Store) Put(rec Record) error {
	now := time.Now().UTC()
	_, err := s.db.Exec(`
INSERT INTO swarms(info_hash, bitfield, desired_state, updated_at)
VALUES (?, ?, ?, ?)
ON CONFLICT(info_hash) DO UPDATE SET
  bitfield = excluded.bitfield,
  desired_state = excluded.desired_state,
  updated_at = excluded.updated_at`,
		hex.EncodeToString(rec.InfoHash[:]), hex.EncodeToString(rec.Bitfield), string(rec.DesiredState), now)
	if err != nil {
		return fmt.Errorf("resume: put: %w", err)
	}
	return nil
}

// Get reads the record for infoHash. ok is false if no row exists.
func (s *Store) Get(infoHash [20]byte) (rec Record, ok bool, err error) {
	row := s.db.QueryRow(`SELECT bitfield, desired_state, updated_at FROM swarms WHERE info_hash = ?`,
		hex.EncodeToString(infoHash[:]))

	var bitfieldHex, desiredState string
	var updatedAt time.Time
	if err := row.Scan(&bitfieldHex, &desiredState, &updatedAt); err != nil {
		if err == sql.ErrNoRows {
			return Record{}, false, nil
		}
		return Record{}, false, fmt.Errorf("resume: get: %w", err)
	}

	bitfieldBytes, err := hex.DecodeString(bitfieldHex)
	if err != nil {
		return Record{}, false, fmt.Errorf("resume: decode stored bitfield: %w", err)
	}

	return Record{
		InfoHash:     infoHash,
		Bitfield:     bitfieldBytes,
		DesiredState: DesiredState(desiredState),
		UpdatedAt:    updatedAt,
	}, true, nil
}

// Delete removes the record for infoHash, if any.
func (s *Store) Delete(infoHash [20]byte) error {
	_, err := s.db.Exec(`DELETE FROM swarms WHERE info_hash = ?`, hex.EncodeToString(infoHash[:]))
	if err != nil {
		return fmt.Errorf("resume: delete: %w", err)
	}
	return nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
