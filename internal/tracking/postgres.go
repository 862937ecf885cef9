package tracking

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
)

// execer is the subset of *sql.DB used by PostgresTracker.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Schema creates the tables PostgresTracker writes to.
const Schema = `
CREATE TABLE IF NOT EXISTS run_params (
	run_id TEXT NOT NULL,
	key    TEXT NOT NULL,
	value  TEXT NOT NULL,
	PRIMARY KEY (run_id, key)
);
CREATE TABLE IF NOT EXISTS run_metrics (
	run_id      TEXT NOT NULL,
	name        TEXT NOT NULL,
	step        INTEGER NOT NULL,
	value       DOUBLE PRECISION NOT NULL,
	recorded_at TIMESTAMPTZ NOT NULL
);`

// PostgresTracker stores params and metrics in PostgreSQL.
type PostgresTracker struct {
	db    execer
	close func() error
}

// OpenPostgres opens dsn with the lib/pq driver and ensures the schema exists.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresTracker, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	if _, err := db.ExecContext(ctx, Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tracking schema: %w", err)
	}
	return &PostgresTracker{db: db, close: db.Close}, nil
}

// NewPostgresTracker wraps an existing database handle.
func NewPostgresTracker(db *sql.DB) *PostgresTracker {
	return &PostgresTracker{db: db}
}

// LogParams satisfies Tracker.
func (p *PostgresTracker) LogParams(ctx context.Context, runID string, params map[string]string) error {
	query := `
		INSERT INTO run_params (run_id, key, value) VALUES ($1, $2, $3)
		ON CONFLICT (run_id, key) DO UPDATE SET value = EXCLUDED.value`
	for k, v := range params {
		if _, err := p.db.ExecContext(ctx, query, runID, k, v); err != nil {
			return fmt.Errorf("failed to log param %s: %w", k, err)
		}
	}
	return nil
}

// LogMetric satisfies Tracker.
func (p *PostgresTracker) LogMetric(ctx context.Context, m Metric) error {
	query := `
		INSERT INTO run_metrics (run_id, name, step, value, recorded_at)
		VALUES ($1, $2, $3, $4, $5)`
	if _, err := p.db.ExecContext(ctx, query, m.RunID, m.Name, m.Step, m.Value, m.Time); err != nil {
		return fmt.Errorf("failed to log metric: %w", err)
	}
	return nil
}

// Close closes the database if the tracker opened it.
func (p *PostgresTracker) Close() error {
	if p.close != nil {
		return p.close()
	}
	return nil
}
