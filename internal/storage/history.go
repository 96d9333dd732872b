package storage

import (
	"context"
	"fmt"
	"time"

	"ad-rule-engine/internal/engine"
)

func (s *Store) ExecutionHistory(ctx context.Context, ruleID string, objectID engine.ObjectID, since time.Time) (engine.ObjectExecutionState, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var (
		st   engine.ObjectExecutionState
		last *time.Time
	)
	err := s.pool.QueryRow(ctx, `
		SELECT count(*) FILTER (WHERE $3::timestamptz IS NULL OR executed_at >= $3), max(executed_at)
		FROM rule_object_executions
		WHERE rule_id = $1 AND object_id = $2
	`, ruleID, string(objectID), nullTime(since)).Scan(&st.Count, &last)
	if err != nil {
		return st, fmt.Errorf("execution history %s/%s: %w", ruleID, objectID, err)
	}
	st.LastExecutedAt = fromNullTime(last)
	return st, nil
}

func (s *Store) RecordExecution(ctx context.Context, ruleID string, obj engine.ObjectRef, at time.Time) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	_, err := s.pool.Exec(ctx, `
		INSERT INTO rule_object_executions (rule_id, object_id, object_kind, executed_at)
		VALUES ($1, $2, $3, $4)
	`, ruleID, string(obj.ID), string(obj.Kind), at)
	if err != nil {
		return fmt.Errorf("record execution %s/%s: %w", ruleID, obj.ID, err)
	}
	return nil
}
