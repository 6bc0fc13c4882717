package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists the chain in PostgreSQL. UNIQUE constraints on
// sequence and previous_hash make a forked tail impossible even across
// processes.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed ledger store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the ledger_entries table if it doesn't exist.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS ledger_entries (
			id                VARCHAR(40) PRIMARY KEY,
			sequence          BIGINT NOT NULL UNIQUE CHECK (sequence > 0),
			tx_type           VARCHAR(32) NOT NULL,
			amount            TEXT NOT NULL,
			currency          VARCHAR(8) NOT NULL DEFAULT '',
			receiver          TEXT NOT NULL,
			risk_score        INTEGER NOT NULL CHECK (risk_score >= 0 AND risk_score <= 100),
			status            VARCHAR(24) NOT NULL,
			session_ref       VARCHAR(64) NOT NULL DEFAULT '',
			quantum_protected BOOLEAN NOT NULL DEFAULT FALSE,
			signature         TEXT NOT NULL DEFAULT '',
			created_at        TIMESTAMPTZ NOT NULL,
			previous_hash     CHAR(64) NOT NULL UNIQUE,
			hash              CHAR(64) NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_ledger_entries_created ON ledger_entries(created_at DESC);
	`)
	return err
}

const entryColumns = `id, sequence, tx_type, amount, currency, receiver, risk_score, status,
	session_ref, quantum_protected, signature, created_at, previous_hash, hash`

func (p *PostgresStore) Insert(ctx context.Context, e *Entry) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO ledger_entries (`+entryColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`,
		e.ID, e.Sequence, e.Snapshot.Type, e.Snapshot.Amount, e.Snapshot.Currency, e.Snapshot.Receiver,
		e.RiskScore, e.Status, e.SessionRef, e.QuantumProtected, e.Signature,
		e.CreatedAt, e.PreviousHash, e.Hash,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrConflict
		}
		return fmt.Errorf("failed to insert ledger entry: %w", err)
	}
	return nil
}

func (p *PostgresStore) Tail(ctx context.Context) (*Entry, error) {
	e, err := p.queryOne(ctx, `SELECT `+entryColumns+` FROM ledger_entries ORDER BY sequence DESC LIMIT 1`)
	if errors.Is(err, ErrEntryNotFound) {
		return nil, nil
	}
	return e, err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Entry, error) {
	return p.queryOne(ctx, `SELECT `+entryColumns+` FROM ledger_entries WHERE id = $1`, id)
}

func (p *PostgresStore) GetBySequence(ctx context.Context, seq int64) (*Entry, error) {
	return p.queryOne(ctx, `SELECT `+entryColumns+` FROM ledger_entries WHERE sequence = $1`, seq)
}

func (p *PostgresStore) Range(ctx context.Context, fromSeq int64, limit int) ([]*Entry, error) {
	return p.queryMany(ctx, `
		SELECT `+entryColumns+` FROM ledger_entries
		WHERE sequence >= $1
		ORDER BY sequence ASC
		LIMIT $2
	`, fromSeq, limitArg(limit))
}

func (p *PostgresStore) Recent(ctx context.Context, limit int) ([]*Entry, error) {
	return p.queryMany(ctx, `
		SELECT `+entryColumns+` FROM ledger_entries
		ORDER BY sequence DESC
		LIMIT $1
	`, limitArg(limit))
}

func (p *PostgresStore) Count(ctx context.Context) (int64, error) {
	var n int64
	err := p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM ledger_entries`).Scan(&n)
	return n, err
}

// Ping checks database connectivity.
func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

func (p *PostgresStore) queryOne(ctx context.Context, query string, args ...any) (*Entry, error) {
	e, err := scanEntry(p.db.QueryRowContext(ctx, query, args...))
	if err == sql.ErrNoRows {
		return nil, ErrEntryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read ledger entry: %w", err)
	}
	return e, nil
}

func (p *PostgresStore) queryMany(ctx context.Context, query string, args ...any) ([]*Entry, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger: %w", err)
	}
	defer func() { _ = rows.Close() }()

	entries := []*Entry{}
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan ledger entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// limitArg maps a non-positive limit to NULL, which Postgres reads as no limit.
func limitArg(limit int) any {
	if limit <= 0 {
		return nil
	}
	return limit
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (*Entry, error) {
	var e Entry
	var createdAt time.Time
	if err := row.Scan(
		&e.ID, &e.Sequence, &e.Snapshot.Type, &e.Snapshot.Amount, &e.Snapshot.Currency, &e.Snapshot.Receiver,
		&e.RiskScore, &e.Status, &e.SessionRef, &e.QuantumProtected, &e.Signature,
		&createdAt, &e.PreviousHash, &e.Hash,
	); err != nil {
		return nil, err
	}
	e.CreatedAt = createdAt.UTC()
	return &e, nil
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
