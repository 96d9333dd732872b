package storage

import (
	"context"
	"fmt"

	"ad-rule-engine/internal/engine"
)

// Append stores an execution log entry. Entries are never updated.
func (s *Store) Append(ctx context.Context, e engine.ExecutionLogEntry) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	_, err := s.pool.Exec(ctx, `
		INSERT INTO execution_logs (id, kind, rule_id, status, dry_run, started_at, finished_at, entry)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, e.ID, string(e.Kind), e.RuleID, string(e.Status), e.DryRun, e.StartedAt, e.FinishedAt, e)
	if err != nil {
		return fmt.Errorf("insert execution log: %w", err)
	}
	return nil
}

// ListByRule returns the most recent entries for a rule, newest first.
func (s *Store) ListByRule(ctx context.Context, ruleID string, limit int) ([]engine.ExecutionLogEntry, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.pool.Query(ctx, `
		SELECT entry FROM execution_logs
		WHERE rule_id = $1
		ORDER BY started_at DESC, id DESC
		LIMIT $2
	`, ruleID, limit)
	if err != nil {
		return nil, fmt.Errorf("query execution logs: %w", err)
	}
	defer rows.Close()

	out := []engine.ExecutionLogEntry{}
	for rows.Next() {
		var e engine.ExecutionLogEntry
		if err := rows.Scan(&e); err != nil {
			return nil, fmt.Errorf("scan execution log: %w", err)
		}
		out = append(out, e)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}
