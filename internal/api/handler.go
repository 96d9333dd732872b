package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"ad-rule-engine/internal/engine"
	"ad-rule-engine/internal/observability"
)

// Runner executes rules and reverts. *engine.Runner satisfies it.
type Runner interface {
	RunRule(ctx context.Context, rule engine.Rule, opts engine.RunOptions) engine.ExecutionLogEntry
	SweepReverts(ctx context.Context, now time.Time) []engine.RevertOutcome
}

// Snapshot exposes the scheduler's active rules.
type Snapshot interface {
	Rules() []engine.Rule
}

type RuleHandler struct {
	Rules    engine.RuleStore
	Snapshot Snapshot
	Runner   Runner
	LogStore engine.LogStore
	Now      func() time.Time
}

func NewRuleHandler(rules engine.RuleStore, snap Snapshot, runner Runner, logs engine.LogStore) *RuleHandler {
	return &RuleHandler{Rules: rules, Snapshot: snap, Runner: runner, LogStore: logs, Now: time.Now}
}

const (
	defaultLogLimit = 50
	maxLogLimit     = 500
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func (h *RuleHandler) ListRules(w http.ResponseWriter, _ *http.Request) {
	rules := h.Snapshot.Rules()
	if rules == nil {
		rules = []engine.Rule{}
	}
	writeJSON(w, http.StatusOK, rules)
}

// RunRule invokes one rule now. The run is detached from the request so a
// client disconnect cannot abort it between platform writes.
func (h *RuleHandler) RunRule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "ruleID")
	dryRun, err := parseBool(r.URL.Query().Get("dry_run"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "dry_run must be true or false")
		return
	}

	ctx := context.WithoutCancel(r.Context())
	rule, err := h.Rules.Get(ctx, id)
	switch {
	case errors.Is(err, engine.ErrRuleNotFound):
		writeError(w, http.StatusNotFound, "rule not found")
		return
	case err != nil:
		observability.StoreErrors.WithLabelValues("get_rule").Inc()
		log.Error().Err(err).Str("rule_id", id).Msg("load rule")
		writeError(w, http.StatusServiceUnavailable, "rule store unavailable")
		return
	}
	if !rule.Active && !dryRun {
		writeError(w, http.StatusConflict, "rule is inactive; use dry_run=true")
		return
	}

	startedAt := h.Now()
	entry := h.Runner.RunRule(ctx, rule, engine.RunOptions{DryRun: dryRun})
	if !dryRun {
		if err := h.Rules.MarkRun(ctx, rule.ID, startedAt); err != nil {
			observability.StoreErrors.WithLabelValues("mark_run").Inc()
			log.Error().Err(err).Str("rule_id", rule.ID).Msg("mark rule run")
		}
	}
	writeJSON(w, http.StatusOK, entry)
}

// TestRule dry-runs a rule supplied in the body without storing it.
func (h *RuleHandler) TestRule(w http.ResponseWriter, r *http.Request) {
	var rule engine.Rule
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&rule); err != nil {
		writeError(w, http.StatusBadRequest, "invalid rule json: "+err.Error())
		return
	}
	if err := rule.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	entry := h.Runner.RunRule(context.WithoutCancel(r.Context()), rule, engine.RunOptions{DryRun: true})
	writeJSON(w, http.StatusOK, entry)
}

func (h *RuleHandler) Logs(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "ruleID")
	limit := defaultLogLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxLogLimit)
	}
	entries, err := h.LogStore.ListByRule(r.Context(), id, limit)
	if err != nil {
		observability.StoreErrors.WithLabelValues("list_logs").Inc()
		log.Error().Err(err).Str("rule_id", id).Msg("list execution logs")
		writeError(w, http.StatusServiceUnavailable, "log store unavailable")
		return
	}
	if entries == nil {
		entries = []engine.ExecutionLogEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (h *RuleHandler) SweepReverts(w http.ResponseWriter, r *http.Request) {
	out := h.Runner.SweepReverts(context.WithoutCancel(r.Context()), h.Now())
	if out == nil {
		out = []engine.RevertOutcome{}
	}
	writeJSON(w, http.StatusOK, out)
}

func parseBool(s string) (bool, error) {
	if s == "" {
		return false, nil
	}
	return strconv.ParseBool(s)
}
