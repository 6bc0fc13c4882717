package risk

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// PostgresStore persists risk assessments in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed risk assessment store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the risk_assessments table if it doesn't exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS risk_assessments (
			id              VARCHAR(40) PRIMARY KEY,
			tx_id           VARCHAR(64) NOT NULL DEFAULT '',
			score           INTEGER NOT NULL CHECK (score >= 0 AND score <= 100),
			level           VARCHAR(10) NOT NULL CHECK (level IN ('CRITICAL', 'HIGH', 'MEDIUM', 'LOW')),
			recommendation  VARCHAR(10) NOT NULL CHECK (recommendation IN ('BLOCK', 'FLAG', 'PROCEED')),
			factors         JSONB NOT NULL DEFAULT '[]',
			explain         JSONB NOT NULL DEFAULT '{}',
			narrative       TEXT NOT NULL DEFAULT '',
			model_version   BIGINT NOT NULL DEFAULT 0,
			evaluated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_risk_assessments_evaluated
			ON risk_assessments (evaluated_at DESC);

		CREATE INDEX IF NOT EXISTS idx_risk_assessments_blocks
			ON risk_assessments (evaluated_at DESC) WHERE recommendation = 'BLOCK';
	`)
	return err
}

func (s *PostgresStore) Record(ctx context.Context, assessment *Assessment) error {
	factorsJSON, err := json.Marshal(assessment.Factors)
	if err != nil {
		return fmt.Errorf("failed to marshal factors: %w", err)
	}
	explainJSON, err := json.Marshal(assessment.Explain)
	if err != nil {
		return fmt.Errorf("failed to marshal explainability: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO risk_assessments
			(id, tx_id, score, level, recommendation, factors, explain, narrative, model_version, evaluated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`,
		assessment.ID,
		assessment.TransactionID,
		assessment.Score,
		string(assessment.Level),
		string(assessment.Recommendation),
		factorsJSON,
		explainJSON,
		assessment.Narrative,
		int64(assessment.ModelVersion),
		assessment.EvaluatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record risk assessment: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListRecent(ctx context.Context, limit int) ([]*Assessment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tx_id, score, level, recommendation, factors, explain, narrative, model_version, evaluated_at
		FROM risk_assessments
		ORDER BY evaluated_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list risk assessments: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Assessment
	for rows.Next() {
		var a Assessment
		var factorsJSON, explainJSON []byte
		var modelVersion int64
		var evaluatedAt time.Time

		if err := rows.Scan(&a.ID, &a.TransactionID, &a.Score, &a.Level, &a.Recommendation,
			&factorsJSON, &explainJSON, &a.Narrative, &modelVersion, &evaluatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan risk assessment: %w", err)
		}
		a.ModelVersion = uint64(modelVersion)
		a.EvaluatedAt = evaluatedAt
		_ = json.Unmarshal(factorsJSON, &a.Factors)
		a.Explain = make(map[string]int)
		_ = json.Unmarshal(explainJSON, &a.Explain)
		result = append(result, &a)
	}
	return result, rows.Err()
}
