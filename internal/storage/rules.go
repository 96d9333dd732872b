package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"ad-rule-engine/internal/engine"
)

const ruleColumns = `id, account_id, name, active, scope, target_labels, time_range,
	conditions, combinator, actions, guardrails, check_interval_minutes, last_run_at`

// ListActive loads all active rules.
func (s *Store) ListActive(ctx context.Context) ([]engine.Rule, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.pool.Query(ctx, `SELECT `+ruleColumns+` FROM automation_rules WHERE active ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query rules: %w", err)
	}
	defer rows.Close()

	var out []engine.Rule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

func (s *Store) Get(ctx context.Context, id string) (engine.Rule, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	row := s.pool.QueryRow(ctx, `SELECT `+ruleColumns+` FROM automation_rules WHERE id = $1`, id)
	r, err := scanRule(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return engine.Rule{}, fmt.Errorf("%w: %s", engine.ErrRuleNotFound, id)
	}
	return r, err
}

func (s *Store) MarkRun(ctx context.Context, id string, at time.Time) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	tag, err := s.pool.Exec(ctx, `UPDATE automation_rules SET last_run_at = $2 WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("mark rule %s run: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", engine.ErrRuleNotFound, id)
	}
	return nil
}

// UpsertRule inserts or replaces a rule definition, keeping last_run_at.
func (s *Store) UpsertRule(ctx context.Context, r engine.Rule) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	labels := make([]string, len(r.TargetLabels))
	for i, l := range r.TargetLabels {
		labels[i] = string(l)
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO automation_rules (id, account_id, name, active, scope, target_labels, time_range,
			conditions, combinator, actions, guardrails, check_interval_minutes)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			account_id = EXCLUDED.account_id,
			name = EXCLUDED.name,
			active = EXCLUDED.active,
			scope = EXCLUDED.scope,
			target_labels = EXCLUDED.target_labels,
			time_range = EXCLUDED.time_range,
			conditions = EXCLUDED.conditions,
			combinator = EXCLUDED.combinator,
			actions = EXCLUDED.actions,
			guardrails = EXCLUDED.guardrails,
			check_interval_minutes = EXCLUDED.check_interval_minutes,
			updated_at = now()
	`, r.ID, r.AccountID, r.Name, r.Active, string(r.Scope), labels, string(r.TimeRange),
		r.Conditions, string(r.Combinator), r.Actions, r.Guardrails, r.CheckIntervalMinutes)
	if err != nil {
		return fmt.Errorf("upsert rule %s: %w", r.ID, err)
	}
	return nil
}

func scanRule(row pgx.Row) (engine.Rule, error) {
	var (
		r                     engine.Rule
		scope, tr, combinator string
		labels                []string
		lastRun               *time.Time
	)
	err := row.Scan(&r.ID, &r.AccountID, &r.Name, &r.Active, &scope, &labels, &tr,
		&r.Conditions, &combinator, &r.Actions, &r.Guardrails, &r.CheckIntervalMinutes, &lastRun)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return r, err
		}
		return r, fmt.Errorf("scan rule: %w", err)
	}
	r.Scope = engine.ObjectKind(scope)
	r.TimeRange = engine.TimeRange(tr)
	r.Combinator = engine.Combinator(combinator)
	for _, l := range labels {
		r.TargetLabels = append(r.TargetLabels, engine.NormalizeLabelID(l))
	}
	r.LastRunAt = fromNullTime(lastRun)
	return r, nil
}
