// Package db archives audit chains and ledger entries in Postgres so they
// outlive the process and feed offline compliance review.
package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"time"

	_ "github.com/lib/pq"

	"github.com/buildguard/backend/internal/audit"
	"github.com/buildguard/backend/internal/ledger"
)

const schema = `
CREATE TABLE IF NOT EXISTS audit_chains (
	project_id   TEXT PRIMARY KEY,
	outcome      TEXT NOT NULL,
	total_cost   DOUBLE PRECISION NOT NULL,
	duration_s   DOUBLE PRECISION NOT NULL,
	chain_json   JSONB NOT NULL,
	archived_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS ledger_entries (
	id            BIGSERIAL PRIMARY KEY,
	ts            TIMESTAMPTZ NOT NULL,
	agent_name    TEXT NOT NULL,
	model_name    TEXT NOT NULL,
	input_tokens  INTEGER NOT NULL,
	output_tokens INTEGER NOT NULL,
	cost_usd      DOUBLE PRECISION NOT NULL,
	duration_ms   BIGINT NOT NULL,
	document_id   TEXT,
	success       BOOLEAN NOT NULL
);

CREATE INDEX IF NOT EXISTS ledger_entries_ts_idx ON ledger_entries (ts);
CREATE INDEX IF NOT EXISTS ledger_entries_agent_idx ON ledger_entries (agent_name);
`

// Store is the Postgres archive.
type Store struct {
	db     *sql.DB
	logger *log.Logger
}

// Open connects to Postgres, verifies connectivity and applies the schema.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	s := &Store{
		db:     db,
		logger: log.New(log.Writer(), "[DB] ", log.LstdFlags),
	}
	s.logger.Printf("✅ Postgres archive connected")
	return s, nil
}

// Close releases the connection pool.
func (s *Store) Close() error { return s.db.Close() }

// SaveChain upserts one finished chain. Re-running a project overwrites its
// previous archive row.
func (s *Store) SaveChain(ctx context.Context, chain *audit.AuditChain) error {
	payload, err := json.Marshal(chain)
	if err != nil {
		return fmt.Errorf("marshal chain: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_chains (project_id, outcome, total_cost, duration_s, chain_json, archived_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (project_id) DO UPDATE SET
			outcome = EXCLUDED.outcome,
			total_cost = EXCLUDED.total_cost,
			duration_s = EXCLUDED.duration_s,
			chain_json = EXCLUDED.chain_json,
			archived_at = now()`,
		chain.ProjectID, string(chain.Outcome), chain.TotalCostUSD,
		chain.ProcessingTimeSeconds, payload)
	if err != nil {
		return fmt.Errorf("save chain %s: %w", chain.ProjectID, err)
	}
	return nil
}

// LoadChain fetches an archived chain by project. sql.ErrNoRows surfaces
// unchanged for missing projects.
func (s *Store) LoadChain(ctx context.Context, projectID string) (*audit.AuditChain, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT chain_json FROM audit_chains WHERE project_id = $1`, projectID).Scan(&payload)
	if err != nil {
		return nil, err
	}
	return audit.ImportJSON(payload)
}

// ArchiveEntry appends one ledger entry to the archive.
func (s *Store) ArchiveEntry(ctx context.Context, e ledger.Entry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ledger_entries
			(ts, agent_name, model_name, input_tokens, output_tokens, cost_usd, duration_ms, document_id, success)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		e.Timestamp, e.AgentName, e.ModelName, e.InputTokens, e.OutputTokens,
		e.CostUSD, e.DurationMS, e.DocumentID, e.Success)
	if err != nil {
		return fmt.Errorf("archive ledger entry: %w", err)
	}
	return nil
}

// Write satisfies ledger.Sink so the store can be attached directly to a
// ledger for streaming archival.
func (s *Store) Write(e ledger.Entry) error {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	return s.ArchiveEntry(ctx, e)
}

// CostSince sums archived cost over a window, for offline reporting.
func (s *Store) CostSince(ctx context.Context, since time.Time) (float64, error) {
	var total sql.NullFloat64
	err := s.db.QueryRowContext(ctx,
		`SELECT SUM(cost_usd) FROM ledger_entries WHERE ts >= $1`, since).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("cost since: %w", err)
	}
	return total.Float64, nil
}
