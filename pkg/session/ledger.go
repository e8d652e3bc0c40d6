package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Record is the durable bookkeeping row for one session.
type Record struct {
	ID        string
	Dir       string
	NextChunk int64
	Size      int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Ledger persists session bookkeeping in SQLite so the registry can be
// rebuilt after a restart.
type Ledger struct {
	db *sql.DB
}

// OpenLedger opens (creating if needed) the ledger database at path.
func OpenLedger(path string) (*Ledger, error) {
	if path == "" {
		return nil, errors.New("ledger path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create ledger directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA synchronous=FULL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set synchronous mode: %w", err)
	}

	l := &Ledger{db: db}
	if err := l.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize ledger schema: %w", err)
	}

	return l, nil
}

func (l *Ledger) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			dir TEXT NOT NULL,
			next_chunk INTEGER NOT NULL DEFAULT 0,
			committed_bytes INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);
	`
	_, err := l.db.Exec(schema)
	return err
}

// Record inserts a new session row.
func (l *Ledger) Record(ctx context.Context, rec Record) error {
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO sessions (id, dir, next_chunk, committed_bytes, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Dir, rec.NextChunk, rec.Size, rec.CreatedAt.UnixNano(), rec.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to record session %s: %w", rec.ID, err)
	}
	return nil
}

// Commit stores the counters after an accepted chunk.
func (l *Ledger) Commit(ctx context.Context, id string, nextChunk, size int64, at time.Time) error {
	res, err := l.db.ExecContext(ctx,
		`UPDATE sessions SET next_chunk = ?, committed_bytes = ?, updated_at = ? WHERE id = ?`,
		nextChunk, size, at.UnixNano(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to commit session %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("failed to commit session %s: no ledger row", id)
	}
	return nil
}

// Forget deletes a session row. Forgetting an unknown id is not an error.
func (l *Ledger) Forget(ctx context.Context, id string) error {
	if _, err := l.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to forget session %s: %w", id, err)
	}
	return nil
}

// List returns every recorded session ordered by creation time.
func (l *Ledger) List(ctx context.Context) ([]Record, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, dir, next_chunk, committed_bytes, created_at, updated_at
		 FROM sessions ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var rec Record
		var created, updated int64
		if err := rows.Scan(&rec.ID, &rec.Dir, &rec.NextChunk, &rec.Size, &created, &updated); err != nil {
			return nil, fmt.Errorf("failed to scan ledger row: %w", err)
		}
		rec.CreatedAt = time.Unix(0, created)
		rec.UpdatedAt = time.Unix(0, updated)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read ledger: %w", err)
	}
	return records, nil
}

// Close closes the database.
func (l *Ledger) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	return l.db.Close()
}

func (s *State) record() Record {
	return Record{
		ID:        s.id,
		Dir:       s.dir,
		NextChunk: s.NextChunk(),
		Size:      s.Size(),
		CreatedAt: s.createdAt,
		UpdatedAt: s.LastActivity(),
	}
}
