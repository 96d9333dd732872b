package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"ad-rule-engine/internal/engine"
)

const revertColumns = `id, rule_id, account_id, object_id, object_kind, object_name, actions,
	revert_at, status, created_at, claimed_at, finished_at, error`

// InsertSuperseding locks the non-terminal reverts of (rule, object), marks
// the pending ones superseded and inserts the merged revert in one
// transaction. Claimed reverts are merge inputs but keep their status.
func (s *Store) InsertSuperseding(ctx context.Context, rev engine.PendingRevert, merge func([]engine.PendingRevert, engine.PendingRevert) engine.PendingRevert) (engine.PendingRevert, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	err := s.inTx(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `SELECT `+revertColumns+` FROM pending_reverts
			WHERE rule_id = $1 AND object_id = $2 AND status IN ('pending', 'in_progress')
			ORDER BY created_at
			FOR UPDATE`, rev.RuleID, string(rev.Object.ID))
		if err != nil {
			return fmt.Errorf("lock pending reverts: %w", err)
		}
		prev, err := collectReverts(rows)
		if err != nil {
			return err
		}

		var ids []string
		for _, p := range prev {
			if p.Status == engine.RevertPending {
				ids = append(ids, p.ID)
			}
		}
		if len(ids) > 0 {
			if _, err := tx.Exec(ctx, `UPDATE pending_reverts
				SET status = 'superseded', finished_at = $2
				WHERE id = ANY($1::uuid[])`, ids, rev.CreatedAt); err != nil {
				return fmt.Errorf("supersede reverts: %w", err)
			}
		}

		rev = merge(prev, rev)
		_, err = tx.Exec(ctx, `INSERT INTO pending_reverts
			(id, rule_id, account_id, object_id, object_kind, object_name, actions, revert_at, status, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			rev.ID, rev.RuleID, rev.AccountID, string(rev.Object.ID), string(rev.Object.Kind), rev.Object.Name,
			rev.Actions, rev.RevertAt, string(rev.Status), rev.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert revert: %w", err)
		}
		return nil
	})
	if err != nil {
		return engine.PendingRevert{}, err
	}
	return rev, nil
}

// ClaimDue uses SKIP LOCKED so concurrent sweepers never claim the same revert.
func (s *Store) ClaimDue(ctx context.Context, now time.Time, limit int) ([]engine.PendingRevert, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.pool.Query(ctx, `
		UPDATE pending_reverts SET status = 'in_progress', claimed_at = $1
		WHERE id IN (
			SELECT id FROM pending_reverts
			WHERE status = 'pending' AND revert_at <= $1
			ORDER BY revert_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+revertColumns, now, limit)
	if err != nil {
		return nil, fmt.Errorf("claim reverts: %w", err)
	}
	return collectReverts(rows)
}

func (s *Store) Complete(ctx context.Context, id string, status engine.RevertStatus, errMsg string, at time.Time) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	tag, err := s.pool.Exec(ctx, `
		UPDATE pending_reverts SET status = $2, error = $3, finished_at = $4
		WHERE id = $1 AND status = 'in_progress'
	`, id, string(status), errMsg, at)
	if err != nil {
		return fmt.Errorf("complete revert %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", engine.ErrRevertNotClaimed, id)
	}
	return nil
}

func (s *Store) Release(ctx context.Context, id string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	tag, err := s.pool.Exec(ctx, `
		UPDATE pending_reverts SET status = 'pending', claimed_at = NULL
		WHERE id = $1 AND status = 'in_progress'
	`, id)
	if err != nil {
		return fmt.Errorf("release revert %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", engine.ErrRevertNotClaimed, id)
	}
	return nil
}

func (s *Store) FailStale(ctx context.Context, olderThan, at time.Time) (int, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	tag, err := s.pool.Exec(ctx, `
		UPDATE pending_reverts SET status = 'failed', error = 'claim abandoned', finished_at = $2
		WHERE status = 'in_progress' AND claimed_at < $1
	`, olderThan, at)
	if err != nil {
		return 0, fmt.Errorf("fail stale reverts: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *Store) Pending(ctx context.Context, ruleID string, objectID engine.ObjectID) ([]engine.PendingRevert, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.pool.Query(ctx, `SELECT `+revertColumns+` FROM pending_reverts
		WHERE rule_id = $1 AND object_id = $2 AND status IN ('pending', 'in_progress')
		ORDER BY created_at`, ruleID, string(objectID))
	if err != nil {
		return nil, fmt.Errorf("query pending reverts: %w", err)
	}
	return collectReverts(rows)
}

func collectReverts(rows pgx.Rows) ([]engine.PendingRevert, error) {
	defer rows.Close()
	var out []engine.PendingRevert
	for rows.Next() {
		var (
			r                 engine.PendingRevert
			objID, kind       string
			status            string
			claimed, finished *time.Time
		)
		if err := rows.Scan(&r.ID, &r.RuleID, &r.AccountID, &objID, &kind, &r.Object.Name, &r.Actions,
			&r.RevertAt, &status, &r.CreatedAt, &claimed, &finished, &r.Error); err != nil {
			return nil, fmt.Errorf("scan revert: %w", err)
		}
		r.Object.ID = engine.ObjectID(objID)
		r.Object.Kind = engine.ObjectKind(kind)
		r.Status = engine.RevertStatus(status)
		r.ClaimedAt = fromNullTime(claimed)
		r.FinishedAt = fromNullTime(finished)
		out = append(out, r)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}
