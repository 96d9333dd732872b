package storage

import (
	"context"
	"fmt"
	"time"

	"ad-rule-engine/internal/engine"
)

// Resolve returns the live objects of kind carrying any of labels, or every
// live object of kind in the account when labels is empty.
func (s *Store) Resolve(ctx context.Context, accountID string, labels []engine.LabelID, kind engine.ObjectKind) ([]engine.ObjectRef, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	ids := make([]string, len(labels))
	for i, l := range labels {
		ids[i] = string(l)
	}
	rows, err := s.pool.Query(ctx, `
		SELECT o.id, o.kind, o.name
		FROM ad_objects o
		WHERE o.account_id = $1 AND o.kind = $2 AND NOT o.deleted
		  AND (cardinality($3::text[]) = 0 OR EXISTS (
		      SELECT 1 FROM ad_object_labels l WHERE l.object_id = o.id AND l.label_id = ANY($3)))
		ORDER BY o.id
	`, accountID, string(kind), ids)
	if err != nil {
		return nil, fmt.Errorf("resolve labels: %w", err)
	}
	defer rows.Close()

	var out []engine.ObjectRef
	for rows.Next() {
		var id, k, name string
		if err := rows.Scan(&id, &k, &name); err != nil {
			return nil, fmt.Errorf("scan object: %w", err)
		}
		out = append(out, engine.ObjectRef{ID: engine.NormalizeObjectID(id), Kind: engine.ObjectKind(k), Name: name})
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

// Query returns daily metric rows for ids within dr.
func (s *Store) Query(ctx context.Context, accountID string, ids []engine.ObjectID, kind engine.ObjectKind, dr engine.DateRange) ([]engine.MetricRecord, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	raw := make([]string, len(ids))
	for i, id := range ids {
		raw[i] = string(id)
	}
	var from *time.Time
	if !dr.From.IsZero() {
		from = &dr.From
	}
	rows, err := s.pool.Query(ctx, `
		SELECT m.object_id, m.day, m.spend, m.impressions, m.clicks, m.results, m.revenue, m.reach, m.extra
		FROM ad_object_daily_metrics m
		JOIN ad_objects o ON o.id = m.object_id
		WHERE o.account_id = $1 AND o.kind = $2 AND m.object_id = ANY($3)
		  AND ($4::date IS NULL OR m.day >= $4::date) AND m.day <= $5::date
	`, accountID, string(kind), raw, from, dr.To)
	if err != nil {
		return nil, fmt.Errorf("query metrics: %w", err)
	}
	defer rows.Close()

	var out []engine.MetricRecord
	for rows.Next() {
		var (
			m  engine.MetricRecord
			id string
		)
		if err := rows.Scan(&id, &m.Date, &m.Spend, &m.Impressions, &m.Clicks, &m.Results, &m.Revenue, &m.Reach, &m.Extra); err != nil {
			return nil, fmt.Errorf("scan metrics: %w", err)
		}
		m.ObjectID = engine.NormalizeObjectID(id)
		m.Kind = kind
		out = append(out, m)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}
