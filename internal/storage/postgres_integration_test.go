//go:build integration

package storage

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"ad-rule-engine/internal/engine"
)

func setupStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:15-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "test",
			"POSTGRES_PASSWORD": "test",
			"POSTGRES_DB":       "automation_test",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}
	pg, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pg.Terminate(context.Background()) })

	host, err := pg.Host(ctx)
	require.NoError(t, err)
	port, err := pg.MappedPort(ctx, "5432")
	require.NoError(t, err)
	dsn := fmt.Sprintf("postgres://test:test@%s:%s/automation_test?sslmode=disable", host, port.Port())

	version, err := Migrate(dsn, MigrateUp)
	require.NoError(t, err)
	require.EqualValues(t, 3, version)

	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	st := NewFromPool(pool)
	t.Cleanup(st.Close)
	require.NoError(t, st.Ping(ctx))
	return st
}

func TestPostgres_Store(t *testing.T) {
	st := setupStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	t.Run("rules", func(t *testing.T) {
		rule := engine.Rule{
			ID: "r1", AccountID: "act", Name: "pause", Active: true, Scope: engine.KindCampaign,
			TargetLabels: []engine.LabelID{"hot"}, TimeRange: engine.RangeLast7d,
			Conditions: []engine.Condition{{Metric: "spend", Operator: engine.OpGreaterThan, Value: 10}},
			Combinator: engine.CombineAll,
			Actions:    []engine.Action{{Kind: engine.ActionTurnOff}},
			Guardrails: engine.Guardrails{MaxExecutionsPerObject: 2, RevertAfterMinutes: 60},
			CheckIntervalMinutes: 15,
		}
		require.NoError(t, st.UpsertRule(ctx, rule))
		require.NoError(t, st.UpsertRule(ctx, engine.Rule{ID: "off", AccountID: "act", Scope: engine.KindAd, Actions: rule.Actions}))

		active, err := st.ListActive(ctx)
		require.NoError(t, err)
		require.Len(t, active, 1)
		assert.Equal(t, rule.Conditions, active[0].Conditions)
		assert.Equal(t, rule.Guardrails, active[0].Guardrails)
		assert.True(t, active[0].LastRunAt.IsZero())

		require.NoError(t, st.MarkRun(ctx, "r1", now))
		got, err := st.Get(ctx, "r1")
		require.NoError(t, err)
		assert.True(t, now.Equal(got.LastRunAt))

		_, err = st.Get(ctx, "missing")
		assert.ErrorIs(t, err, engine.ErrRuleNotFound)
	})

	t.Run("objects and metrics", func(t *testing.T) {
		_, err := st.PgxPool().Exec(ctx, `
			INSERT INTO ad_objects (id, account_id, kind, name) VALUES
				('c1', 'act', 'campaign', 'one'), ('c2', 'act', 'campaign', 'two'), ('s1', 'act', 'adset', 'set');
			INSERT INTO ad_object_labels (object_id, label_id) VALUES ('c1', 'hot'), ('s1', 'hot');
			INSERT INTO ad_object_daily_metrics (object_id, day, spend, results, extra) VALUES
				('c1', '2024-05-12', 5, 1, '{"leads": 2}'), ('c1', '2024-05-13', 7, 0, '{}');
		`)
		require.NoError(t, err)

		hot, err := st.Resolve(ctx, "act", []engine.LabelID{"hot"}, engine.KindCampaign)
		require.NoError(t, err)
		assert.Equal(t, []engine.ObjectRef{{ID: "c1", Kind: engine.KindCampaign, Name: "one"}}, hot)

		all, err := st.Resolve(ctx, "act", nil, engine.KindCampaign)
		require.NoError(t, err)
		assert.Len(t, all, 2)

		day := func(d int) time.Time { return time.Date(2024, 5, d, 0, 0, 0, 0, time.UTC) }
		rows, err := st.Query(ctx, "act", []engine.ObjectID{"c1"}, engine.KindCampaign, engine.DateRange{From: day(13), To: day(13)})
		require.NoError(t, err)
		require.Len(t, rows, 1)
		assert.Equal(t, 7.0, rows[0].Spend)

		lifetime, err := st.Query(ctx, "act", []engine.ObjectID{"c1"}, engine.KindCampaign, engine.DateRange{To: day(13)})
		require.NoError(t, err)
		assert.Len(t, lifetime, 2)
	})

	t.Run("history", func(t *testing.T) {
		obj := engine.ObjectRef{ID: "c1", Kind: engine.KindCampaign}
		require.NoError(t, st.RecordExecution(ctx, "r1", obj, now.Add(-2*time.Hour)))
		require.NoError(t, st.RecordExecution(ctx, "r1", obj, now))

		hist, err := st.ExecutionHistory(ctx, "r1", "c1", now.Add(-time.Hour))
		require.NoError(t, err)
		assert.Equal(t, 1, hist.Count)
		assert.True(t, now.Equal(hist.LastExecutedAt))

		hist, err = st.ExecutionHistory(ctx, "r1", "c1", time.Time{})
		require.NoError(t, err)
		assert.Equal(t, 2, hist.Count)
	})

	t.Run("reverts", func(t *testing.T) {
		obj := engine.ObjectRef{ID: "c1", Kind: engine.KindCampaign}
		first := engine.PendingRevert{ID: engine.NewID(), RuleID: "r1", AccountID: "act", Object: obj,
			Actions: []engine.Action{{Kind: engine.ActionTurnOn}}, RevertAt: now.Add(time.Hour), Status: engine.RevertPending, CreatedAt: now}
		second := first
		second.ID, second.CreatedAt, second.RevertAt = engine.NewID(), now.Add(time.Minute), now.Add(2*time.Hour)

		_, err := st.InsertSuperseding(ctx, first, engine.MergeReverts)
		require.NoError(t, err)
		_, err = st.InsertSuperseding(ctx, second, engine.MergeReverts)
		require.NoError(t, err)

		pending, err := st.Pending(ctx, "r1", "c1")
		require.NoError(t, err)
		require.Len(t, pending, 1)
		assert.Equal(t, second.ID, pending[0].ID)

		claimed, err := st.ClaimDue(ctx, now.Add(3*time.Hour), 10)
		require.NoError(t, err)
		require.Len(t, claimed, 1)
		assert.Equal(t, engine.RevertInProgress, claimed[0].Status)
		assert.Equal(t, []engine.Action{{Kind: engine.ActionTurnOn}}, claimed[0].Actions)

		require.NoError(t, st.Complete(ctx, second.ID, engine.RevertCompleted, "", now.Add(3*time.Hour)))
		assert.ErrorIs(t, st.Complete(ctx, second.ID, engine.RevertFailed, "x", now), engine.ErrRevertNotClaimed)

		third := first
		third.ID, third.RevertAt = engine.NewID(), now
		_, err = st.InsertSuperseding(ctx, third, engine.MergeReverts)
		require.NoError(t, err)
		_, err = st.ClaimDue(ctx, now, 10)
		require.NoError(t, err)
		n, err := st.FailStale(ctx, now.Add(time.Hour), now.Add(time.Hour))
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})

	t.Run("claimed reverts merge and release", func(t *testing.T) {
		obj := engine.ObjectRef{ID: "c9", Kind: engine.KindCampaign}
		first := engine.PendingRevert{ID: engine.NewID(), RuleID: "r9", AccountID: "act", Object: obj,
			Actions:  []engine.Action{{Kind: engine.ActionSetBudget, Magnitude: 100}},
			RevertAt: now, Status: engine.RevertPending, CreatedAt: now}
		_, err := st.InsertSuperseding(ctx, first, engine.MergeReverts)
		require.NoError(t, err)
		claimed, err := st.ClaimDue(ctx, now, 10)
		require.NoError(t, err)
		require.Len(t, claimed, 1)

		second := first
		second.ID, second.CreatedAt, second.RevertAt = engine.NewID(), now.Add(time.Minute), now.Add(time.Hour)
		second.Actions = []engine.Action{{Kind: engine.ActionSetBudget, Magnitude: 120}}
		merged, err := st.InsertSuperseding(ctx, second, engine.MergeReverts)
		require.NoError(t, err)
		assert.Equal(t, 100.0, merged.Actions[0].Magnitude)

		open, err := st.Pending(ctx, "r9", "c9")
		require.NoError(t, err)
		require.Len(t, open, 2)
		assert.Equal(t, engine.RevertInProgress, open[0].Status)

		require.NoError(t, st.Release(ctx, first.ID))
		assert.ErrorIs(t, st.Release(ctx, first.ID), engine.ErrRevertNotClaimed)
		again, err := st.ClaimDue(ctx, now, 10)
		require.NoError(t, err)
		require.Len(t, again, 1)
		assert.Equal(t, first.ID, again[0].ID)
	})

	t.Run("logs", func(t *testing.T) {
		for i := 0; i < 3; i++ {
			e := engine.ExecutionLogEntry{
				ID: engine.NewID(), Kind: engine.LogRuleRun, RuleID: "r1", Status: engine.RunSuccess,
				StartedAt: now.Add(time.Duration(i) * time.Minute), FinishedAt: now.Add(time.Duration(i) * time.Minute),
				Details: []engine.ObjectOutcome{{Object: engine.ObjectRef{ID: "c1"}, Result: engine.ResultSuccess}},
			}
			require.NoError(t, st.Append(ctx, e))
		}
		logs, err := st.ListByRule(ctx, "r1", 2)
		require.NoError(t, err)
		require.Len(t, logs, 2)
		assert.True(t, logs[0].StartedAt.After(logs[1].StartedAt))
		assert.Equal(t, engine.ResultSuccess, logs[0].Details[0].Result)
	})

	t.Run("advisory lock", func(t *testing.T) {
		locker := st.Locker()
		unlock, err := locker.Lock(ctx, "rule:r1/object:c1")
		require.NoError(t, err)

		short, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
		defer cancel()
		_, err = locker.Lock(short, "rule:r1/object:c1")
		assert.Error(t, err, "second holder must wait")

		unlock()
		again, err := locker.Lock(ctx, "rule:r1/object:c1")
		require.NoError(t, err)
		again()
	})
}
