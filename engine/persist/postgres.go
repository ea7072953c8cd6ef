package persist

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/fluxwork/yawl/common/db"
	"github.com/fluxwork/yawl/common/enginerr"
)

// PostgresStore persists case logs and snapshots in Postgres. Append
// relies on the database's synchronous commit for durability; a
// successful INSERT is a durable entry.
type PostgresStore struct {
	db *db.DB
}

// NewPostgresStore creates a Postgres-backed store
func NewPostgresStore(database *db.DB) *PostgresStore {
	return &PostgresStore{db: database}
}

// Migrate creates the log and snapshot tables when absent
func (s *PostgresStore) Migrate(ctx context.Context) error {
	const ddl = `
	CREATE TABLE IF NOT EXISTS yawl_log (
		seq        BIGSERIAL PRIMARY KEY,
		case_id    TEXT NOT NULL,
		entry      BYTEA NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);
	CREATE INDEX IF NOT EXISTS yawl_log_case_idx ON yawl_log (case_id, seq);

	CREATE TABLE IF NOT EXISTS yawl_snapshot (
		case_id    TEXT PRIMARY KEY,
		seq        BIGINT NOT NULL,
		state      BYTEA NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);`

	if _, err := s.db.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("migrate persistence tables: %w", err)
	}
	return nil
}

// Append records one durable entry for a case
func (s *PostgresStore) Append(ctx context.Context, caseID string, entry []byte) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO yawl_log (case_id, entry) VALUES ($1, $2)`, caseID, entry)
	if err != nil {
		return fmt.Errorf("append log entry for case %s: %w", caseID, err)
	}
	return nil
}

// Snapshot stores the state and the log position it covers, then prunes
// the entries the snapshot supersedes.
func (s *PostgresStore) Snapshot(ctx context.Context, caseID string, state []byte) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin snapshot tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var seq int64
	err = tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM yawl_log WHERE case_id = $1`, caseID).Scan(&seq)
	if err != nil {
		return fmt.Errorf("resolve log position for case %s: %w", caseID, err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO yawl_snapshot (case_id, seq, state, created_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (case_id) DO UPDATE SET seq = $2, state = $3, created_at = now()`,
		caseID, seq, state)
	if err != nil {
		return fmt.Errorf("store snapshot for case %s: %w", caseID, err)
	}

	_, err = tx.Exec(ctx,
		`DELETE FROM yawl_log WHERE case_id = $1 AND seq <= $2`, caseID, seq)
	if err != nil {
		return fmt.Errorf("prune log for case %s: %w", caseID, err)
	}

	return tx.Commit(ctx)
}

// Read returns the latest snapshot and the entries appended after it
func (s *PostgresStore) Read(ctx context.Context, caseID string) ([]byte, [][]byte, error) {
	var snapshot []byte
	var snapSeq int64
	err := s.db.QueryRow(ctx,
		`SELECT seq, state FROM yawl_snapshot WHERE case_id = $1`, caseID).Scan(&snapSeq, &snapshot)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, nil, fmt.Errorf("read snapshot for case %s: %w", caseID, err)
	}

	rows, err := s.db.Query(ctx,
		`SELECT entry FROM yawl_log WHERE case_id = $1 AND seq > $2 ORDER BY seq`, caseID, snapSeq)
	if err != nil {
		return nil, nil, fmt.Errorf("read log for case %s: %w", caseID, err)
	}
	defer rows.Close()

	var entries [][]byte
	for rows.Next() {
		var entry []byte
		if err := rows.Scan(&entry); err != nil {
			return nil, nil, fmt.Errorf("scan log entry for case %s: %w", caseID, err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate log for case %s: %w", caseID, err)
	}

	if snapshot == nil && len(entries) == 0 {
		return nil, nil, enginerr.Newf(enginerr.KindCaseNotFound, "no persisted state for case %s", caseID).WithCase(caseID)
	}
	return snapshot, entries, nil
}

// Remove drops a case's log and snapshot
func (s *PostgresStore) Remove(ctx context.Context, caseID string) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM yawl_log WHERE case_id = $1`, caseID); err != nil {
		return fmt.Errorf("remove log for case %s: %w", caseID, err)
	}
	if _, err := s.db.Exec(ctx, `DELETE FROM yawl_snapshot WHERE case_id = $1`, caseID); err != nil {
		return fmt.Errorf("remove snapshot for case %s: %w", caseID, err)
	}
	return nil
}

// CaseIDs lists cases with persisted state
func (s *PostgresStore) CaseIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.Query(ctx, `
		SELECT case_id FROM yawl_snapshot
		UNION
		SELECT DISTINCT case_id FROM yawl_log`)
	if err != nil {
		return nil, fmt.Errorf("list persisted cases: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
