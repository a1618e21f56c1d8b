// Package sqlitestore backs the offline queue with a local sqlite file.
// One row per pending operation, keyed by (actor, seq); the full op is
// stored as JSON so schema churn in the op model never needs a migration.
package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/coedit/syncpad/internal/clock"
	"github.com/coedit/syncpad/internal/op"
)

const schema = `
CREATE TABLE IF NOT EXISTS pending_ops (
	actor   TEXT    NOT NULL,
	seq     INTEGER NOT NULL,
	body    TEXT    NOT NULL,
	rowid_order INTEGER PRIMARY KEY AUTOINCREMENT
);
CREATE UNIQUE INDEX IF NOT EXISTS pending_ops_ref ON pending_ops (actor, seq);
`

// Store is a queue.Store over a sqlite database file.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	// The modernc driver is not safe for concurrent writers on one
	// connection pool entry; the queue is single-owner anyway.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Append inserts one pending operation. Re-appending the same (actor,
// seq) is a no-op so crash-replay of the enqueue path stays safe.
func (s *Store) Append(ctx context.Context, o op.Operation) error {
	body, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("encode %s/%d: %w", o.Actor, o.Seq, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO pending_ops (actor, seq, body) VALUES (?, ?, ?)
		 ON CONFLICT (actor, seq) DO NOTHING`,
		string(o.Actor), int64(o.Seq), string(body))
	if err != nil {
		return fmt.Errorf("insert %s/%d: %w", o.Actor, o.Seq, err)
	}
	return nil
}

// LoadPending returns all pending operations in enqueue order.
func (s *Store) LoadPending(ctx context.Context) ([]op.Operation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT body FROM pending_ops ORDER BY rowid_order`)
	if err != nil {
		return nil, fmt.Errorf("load pending: %w", err)
	}
	defer rows.Close()

	var out []op.Operation
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scan pending: %w", err)
		}
		var o op.Operation
		if err := json.Unmarshal([]byte(body), &o); err != nil {
			return nil, fmt.Errorf("decode pending: %w", err)
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load pending: %w", err)
	}
	return out, nil
}

// Remove deletes one acknowledged operation. Unknown refs are a no-op.
func (s *Store) Remove(ctx context.Context, actor clock.ActorID, seq uint64) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM pending_ops WHERE actor = ? AND seq = ?`,
		string(actor), int64(seq))
	if err != nil {
		return fmt.Errorf("remove %s/%d: %w", actor, seq, err)
	}
	return nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
