// Package recorder persists broadcast state batches to sqlite so a session
// can be replayed or inspected after the fact.
package recorder

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS batches (
	tick        INTEGER NOT NULL,
	recorded_at INTEGER NOT NULL,
	payload     BLOB    NOT NULL
);
CREATE INDEX IF NOT EXISTS batches_tick ON batches (tick);
`

// Recorder appends one row per broadcast tick.
type Recorder struct {
	db     *sql.DB
	insert *sql.Stmt
}

// Open creates or reuses the database at path and prepares the insert.
func Open(path string) (*Recorder, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open recorder db: %w", err)
	}
	// The relay writes from a single tick loop; one connection avoids
	// sqlite busy errors.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init recorder schema: %w", err)
	}

	insert, err := db.Prepare(`INSERT INTO batches (tick, recorded_at, payload) VALUES (?, ?, ?)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("prepare recorder insert: %w", err)
	}

	return &Recorder{db: db, insert: insert}, nil
}

// Record stores one encoded state batch.
func (r *Recorder) Record(tick uint64, payload []byte) error {
	_, err := r.insert.Exec(int64(tick), time.Now().UnixMilli(), payload)
	return err
}

// Count reports how many batches have been stored.
func (r *Recorder) Count() (int64, error) {
	var n int64
	err := r.db.QueryRow(`SELECT COUNT(*) FROM batches`).Scan(&n)
	return n, err
}

// Close releases the prepared statement and the database handle.
func (r *Recorder) Close() error {
	r.insert.Close()
	return r.db.Close()
}
