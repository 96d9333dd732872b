package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ad-rule-engine/internal/config"
	"ad-rule-engine/internal/engine"
)

const rulesYAML = `
rules:
  - id: pause-wasted-spend
    account_id: act_1
    active: true
    scope: campaign
    time_range: lifetime
    conditions:
      - {metric: spend, operator: greater_than, value: 100}
    actions:
      - {kind: turn_off}
objects:
  - {account_id: act_1, id: c1, kind: campaign}
metrics:
  - {object_id: c1, date: 2024-05-13, spend: 150}
`

func sandboxConfig(t *testing.T, rules string) config.Config {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(rules), 0o600))

	var cfg config.Config
	cfg.Storage.Driver = config.StorageMemory
	cfg.Rules.Source = config.RulesFromFile
	cfg.Rules.File = path
	cfg.Platform.Driver = config.PlatformMemory
	cfg.Engine.Timezone = "UTC"
	cfg.Scheduler.Tick = time.Hour
	cfg.Scheduler.SweepInterval = time.Hour
	return cfg
}

func TestBuild_Sandbox(t *testing.T) {
	app, err := Build(context.Background(), sandboxConfig(t, rulesYAML))
	require.NoError(t, err)
	defer app.Close()

	require.Len(t, app.Scheduler.Rules(), 1)

	srv := httptest.NewServer(app.Handler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/v1/rules/pause-wasted-spend/run", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var entry engine.ExecutionLogEntry
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&entry))
	assert.Equal(t, engine.RunSuccess, entry.Status)
	assert.Equal(t, 1, entry.MatchedCount)
}

func TestBuild_InvalidRulesFile(t *testing.T) {
	_, err := Build(context.Background(), sandboxConfig(t, "rules: [{id: x}]"))
	assert.Error(t, err)
}

func TestWatchRules_ReloadsSnapshot(t *testing.T) {
	cfg := sandboxConfig(t, rulesYAML)
	app, err := Build(context.Background(), cfg)
	require.NoError(t, err)
	defer app.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, app.watchRules(ctx))

	doc := `
rules:
  - {id: one, active: true, scope: campaign, actions: [{kind: turn_off}]}
  - {id: two, active: true, scope: adset, actions: [{kind: turn_on}]}
`
	require.NoError(t, os.WriteFile(cfg.Rules.File, []byte(doc), 0o600))

	assert.Eventually(t, func() bool {
		_, one := app.Scheduler.Rule("one")
		_, two := app.Scheduler.Rule("two")
		return one && two
	}, 5*time.Second, 20*time.Millisecond)
}
