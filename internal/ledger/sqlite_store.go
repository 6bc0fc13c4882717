package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mattn/go-sqlite3"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS ledger_entries (
    id                TEXT PRIMARY KEY,
    sequence          INTEGER NOT NULL UNIQUE CHECK (sequence > 0),
    tx_type           TEXT NOT NULL,
    amount            TEXT NOT NULL,
    currency          TEXT NOT NULL DEFAULT '',
    receiver          TEXT NOT NULL,
    risk_score        INTEGER NOT NULL CHECK (risk_score >= 0 AND risk_score <= 100),
    status            TEXT NOT NULL,
    session_ref       TEXT NOT NULL DEFAULT '',
    quantum_protected INTEGER NOT NULL DEFAULT 0,
    signature         TEXT NOT NULL DEFAULT '',
    created_at        TEXT NOT NULL,
    previous_hash     TEXT NOT NULL UNIQUE,
    hash              TEXT NOT NULL
);
`

// SQLiteStore keeps the chain in an embedded SQLite file. It backs
// single-node deployments and the ledgerctl tool.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens or creates the ledger database at path and applies the
// schema. Use ":memory:" for a throwaway chain.
func OpenSQLite(path string) (*SQLiteStore, error) {
	dsn := path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create ledger directory: %w", err)
		}
		dsn = path + "?_journal_mode=WAL&_busy_timeout=5000"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open ledger database: %w", err)
	}
	// One connection: ":memory:" databases are per-connection and SQLite
	// serializes writers anyway.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply ledger schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Ping checks the database handle.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Insert(ctx context.Context, e *Entry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ledger_entries (`+entryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Sequence, e.Snapshot.Type, e.Snapshot.Amount, e.Snapshot.Currency, e.Snapshot.Receiver,
		e.RiskScore, e.Status, e.SessionRef, e.QuantumProtected, e.Signature,
		e.CreatedAt.UTC().Format(time.RFC3339Nano), e.PreviousHash, e.Hash,
	)
	if err != nil {
		var sqErr sqlite3.Error
		if errors.As(err, &sqErr) && sqErr.ExtendedCode == sqlite3.ErrConstraintUnique {
			return ErrConflict
		}
		return fmt.Errorf("insert ledger entry: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Tail(ctx context.Context) (*Entry, error) {
	e, err := s.queryOne(ctx, `SELECT `+entryColumns+` FROM ledger_entries ORDER BY sequence DESC LIMIT 1`)
	if errors.Is(err, ErrEntryNotFound) {
		return nil, nil
	}
	return e, err
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*Entry, error) {
	return s.queryOne(ctx, `SELECT `+entryColumns+` FROM ledger_entries WHERE id = ?`, id)
}

func (s *SQLiteStore) GetBySequence(ctx context.Context, seq int64) (*Entry, error) {
	return s.queryOne(ctx, `SELECT `+entryColumns+` FROM ledger_entries WHERE sequence = ?`, seq)
}

func (s *SQLiteStore) Range(ctx context.Context, fromSeq int64, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}
	return s.queryMany(ctx, `
		SELECT `+entryColumns+` FROM ledger_entries
		WHERE sequence >= ? ORDER BY sequence ASC LIMIT ?`, fromSeq, limit)
}

func (s *SQLiteStore) Recent(ctx context.Context, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = -1
	}
	return s.queryMany(ctx, `
		SELECT `+entryColumns+` FROM ledger_entries
		ORDER BY sequence DESC LIMIT ?`, limit)
}

func (s *SQLiteStore) Count(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM ledger_entries`).Scan(&n)
	return n, err
}

func (s *SQLiteStore) queryOne(ctx context.Context, query string, args ...any) (*Entry, error) {
	e, err := scanSQLiteEntry(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEntryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read ledger entry: %w", err)
	}
	return e, nil
}

func (s *SQLiteStore) queryMany(ctx context.Context, query string, args ...any) ([]*Entry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query ledger: %w", err)
	}
	defer func() { _ = rows.Close() }()

	entries := []*Entry{}
	for rows.Next() {
		e, err := scanSQLiteEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan ledger entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func scanSQLiteEntry(row scanner) (*Entry, error) {
	var e Entry
	var createdAt string
	if err := row.Scan(
		&e.ID, &e.Sequence, &e.Snapshot.Type, &e.Snapshot.Amount, &e.Snapshot.Currency, &e.Snapshot.Receiver,
		&e.RiskScore, &e.Status, &e.SessionRef, &e.QuantumProtected, &e.Signature,
		&createdAt, &e.PreviousHash, &e.Hash,
	); err != nil {
		return nil, err
	}
	t, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, fmt.Errorf("parse created_at %q: %w", createdAt, err)
	}
	e.CreatedAt = t
	return &e, nil
}

// Compile-time assertion that SQLiteStore implements Store.
var _ Store = (*SQLiteStore)(nil)
