// Package callstore is the durable system of record for campaigns, contacts,
// and call attempts. The coordination store holds only ephemeral occupancy
// state; everything an operator or the cold-start guard needs to reconstruct
// reality lives here.
package callstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite" // pure Go driver
)

const schemaVersion = 1

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("callstore: not found")

// Store wraps the sqlite database.
type Store struct {
	db *sql.DB
}

// Open opens (and migrates) the store at path. ":memory:" is accepted for
// tests.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("callstore open failed: %w", err)
	}
	// Single writer; sqlite serializes writes anyway.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("callstore migration failed: %w", err)
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) migrate() error {
	var current int
	if err := s.db.QueryRow("PRAGMA user_version").Scan(&current); err != nil {
		return err
	}
	if current >= schemaVersion {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	schema := `
	CREATE TABLE IF NOT EXISTS campaigns (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		state TEXT NOT NULL,
		concurrent_limit INTEGER NOT NULL,
		retry_json TEXT NOT NULL,
		priority_mode TEXT NOT NULL,
		agent_ref TEXT NOT NULL,
		phone_ref TEXT NOT NULL,
		created_at_ms INTEGER NOT NULL,
		updated_at_ms INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_campaigns_state ON campaigns(state);

	CREATE TABLE IF NOT EXISTS contacts (
		campaign_id TEXT NOT NULL,
		contact_ref TEXT NOT NULL,
		phone TEXT NOT NULL,
		state TEXT NOT NULL,
		priority TEXT NOT NULL,
		retry_count INTEGER NOT NULL DEFAULT 0,
		next_attempt_at_ms INTEGER,
		updated_at_ms INTEGER NOT NULL,
		PRIMARY KEY (campaign_id, contact_ref)
	);

	CREATE INDEX IF NOT EXISTS idx_contacts_state ON contacts(campaign_id, state);

	CREATE TABLE IF NOT EXISTS calls (
		call_id TEXT PRIMARY KEY,
		campaign_id TEXT NOT NULL,
		contact_ref TEXT NOT NULL,
		status TEXT NOT NULL,
		pre_token TEXT,
		active_token TEXT,
		provider_ref TEXT,
		created_at_ms INTEGER NOT NULL,
		updated_at_ms INTEGER NOT NULL,
		ended_at_ms INTEGER
	);

	CREATE INDEX IF NOT EXISTS idx_calls_campaign_status ON calls(campaign_id, status);
	`

	if _, err := tx.Exec(schema); err != nil {
		return err
	}
	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
		return err
	}
	return tx.Commit()
}
