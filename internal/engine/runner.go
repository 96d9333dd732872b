package engine

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"ad-rule-engine/internal/observability"
)

// RunState is a step of one rule invocation.
type RunState string

const (
	StateFetchingTargets RunState = "fetching_targets"
	StateFetchingMetrics RunState = "fetching_metrics"
	StateEvaluating      RunState = "evaluating"
	StateGating          RunState = "gating"
	StateExecuting       RunState = "executing"
	StateLogging         RunState = "logging"
	StateDone            RunState = "done"
	StateFailed          RunState = "failed"
)

// Config tunes the runner.
type Config struct {
	Workers         int
	UpstreamTimeout time.Duration
	ActionTimeout   time.Duration
	MaxRunDuration  time.Duration
	LogTimeout      time.Duration
	MinDailyBudget  float64
	Location        *time.Location
	SweepBatch      int
	StaleClaimAfter time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 8
	}
	if c.UpstreamTimeout <= 0 {
		c.UpstreamTimeout = 15 * time.Second
	}
	if c.ActionTimeout <= 0 {
		c.ActionTimeout = 10 * time.Second
	}
	if c.MaxRunDuration <= 0 {
		c.MaxRunDuration = 5 * time.Minute
	}
	if c.LogTimeout <= 0 {
		c.LogTimeout = 5 * time.Second
	}
	if c.Location == nil {
		c.Location = time.UTC
	}
	if c.SweepBatch <= 0 {
		c.SweepBatch = 100
	}
	return c
}

// Deps are the runner's collaborators. Locks and Now are optional.
type Deps struct {
	Labels   LabelResolver
	Metrics  MetricsSource
	History  HistoryStore
	Platform AdPlatform
	Reverts  RevertStore
	Logs     LogStore
	Locks    Locker
	Notifier Notifier
	Now      func() time.Time
}

// Runner orchestrates rule invocations and revert sweeps.
type Runner struct {
	labels   LabelResolver
	metrics  MetricsSource
	history  HistoryStore
	platform AdPlatform
	gate     Gate
	exec     *Executor
	reverts  *RevertScheduler
	revStore RevertStore
	logger   *ExecutionLogger
	locks    Locker
	now      func() time.Time
	conf     Config
	tracer   trace.Tracer
}

func NewRunner(d Deps, conf Config) *Runner {
	conf = conf.withDefaults()
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Locks == nil {
		d.Locks = NewKeyedLocker()
	}
	return &Runner{
		labels:   d.Labels,
		metrics:  d.Metrics,
		history:  d.History,
		platform: d.Platform,
		gate:     Gate{MinBudget: conf.MinDailyBudget},
		exec:     &Executor{Platform: d.Platform, MinBudget: conf.MinDailyBudget, Timeout: conf.ActionTimeout},
		reverts:  &RevertScheduler{Store: d.Reverts},
		revStore: d.Reverts,
		logger:   &ExecutionLogger{Store: d.Logs, Notifier: d.Notifier, Timeout: conf.LogTimeout},
		locks:    d.Locks,
		now:      d.Now,
		conf:     conf,
		tracer:   observability.Tracer(),
	}
}

// RunOptions alter one invocation.
type RunOptions struct {
	// DryRun evaluates and gates but never calls the ad platform for writes.
	DryRun bool
}

type stateError struct {
	state RunState
	err   error
}

func (e *stateError) Error() string { return fmt.Sprintf("%s: %v", e.state, e.err) }
func (e *stateError) Unwrap() error { return e.err }

// RunRule executes one invocation of rule and always returns a terminal,
// persisted-once log entry. It never panics or returns an error; failures are
// reported through the entry.
func (r *Runner) RunRule(ctx context.Context, rule Rule, opts RunOptions) ExecutionLogEntry {
	start := r.now()
	observability.RulesInFlight.Inc()
	defer observability.RulesInFlight.Dec()

	ctx, span := r.tracer.Start(ctx, "rule.run", trace.WithAttributes(
		attribute.String("rule.id", rule.ID),
		attribute.Bool("rule.dry_run", opts.DryRun),
	))
	defer span.End()

	entry := ExecutionLogEntry{
		ID:        NewID(),
		Kind:      LogRuleRun,
		RuleID:    rule.ID,
		RuleName:  rule.Name,
		AccountID: rule.AccountID,
		DryRun:    opts.DryRun,
		Unscoped:  rule.Unscoped(),
		StartedAt: start,
		Details:   []ObjectOutcome{},
	}

	runCtx, cancel := context.WithTimeout(ctx, r.conf.MaxRunDuration)
	err := r.invoke(runCtx, rule, opts, &entry, span)
	deadline := runCtx.Err()
	cancel()

	switch {
	case err != nil:
		entry.Status = RunFailed
		entry.Error = err.Error()
	case errors.Is(deadline, context.DeadlineExceeded):
		entry.summarize()
		entry.Status = RunFailed
		entry.Error = fmt.Sprintf("run exceeded max duration %s", r.conf.MaxRunDuration)
	default:
		entry.summarize()
	}
	if entry.Status == RunFailed {
		span.SetStatus(codes.Error, entry.Error)
	}

	span.AddEvent(string(StateLogging))
	entry.FinishedAt = r.now()
	if werr := r.logger.Write(ctx, entry); werr != nil {
		observability.StoreErrors.WithLabelValues("append_log").Inc()
		log.Error().Err(werr).Str("rule_id", rule.ID).Msg("persist execution log")
	}

	observability.RuleRuns.WithLabelValues(string(entry.Status), strconv.FormatBool(opts.DryRun)).Inc()
	observability.RuleRunDuration.Observe(entry.FinishedAt.Sub(start).Seconds())
	log.Info().
		Str("rule_id", rule.ID).
		Str("status", string(entry.Status)).
		Int("evaluated", entry.EvaluatedCount).
		Int("matched", entry.MatchedCount).
		Bool("dry_run", opts.DryRun).
		Str("err", entry.Error).
		Msg("rule run finished")
	return entry
}

func (r *Runner) invoke(ctx context.Context, rule Rule, opts RunOptions, entry *ExecutionLogEntry, span trace.Span) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%s: panic: %v", StateFailed, p)
		}
	}()

	if verr := rule.Validate(); verr != nil {
		return verr
	}
	rule = rule.Normalize()
	entry.Unscoped = rule.Unscoped()
	if rule.Unscoped() {
		log.Warn().Str("rule_id", rule.ID).Msg("rule has no target labels and applies to every object in scope")
	}

	dr := rule.TimeRange.Resolve(entry.StartedAt, r.conf.Location)
	entry.DateRange = dr

	span.AddEvent(string(StateFetchingTargets))
	tctx, cancel := context.WithTimeout(ctx, r.conf.UpstreamTimeout)
	targets, err := r.labels.Resolve(tctx, rule.AccountID, rule.TargetLabels, rule.Scope)
	cancel()
	if err != nil {
		return &stateError{StateFetchingTargets, fmt.Errorf("%w: %v", ErrUpstream, err)}
	}
	targets = dedupeTargets(targets, rule.Scope)
	if len(targets) == 0 {
		entry.Message = "no objects matched"
		return nil
	}

	span.AddEvent(string(StateFetchingMetrics))
	ids := make([]ObjectID, len(targets))
	for i, t := range targets {
		ids[i] = t.ID
	}
	mctx, cancel := context.WithTimeout(ctx, r.conf.UpstreamTimeout)
	rows, err := r.metrics.Query(mctx, rule.AccountID, ids, rule.Scope, dr)
	cancel()
	if err != nil {
		return &stateError{StateFetchingMetrics, fmt.Errorf("%w: %v", ErrUpstream, err)}
	}
	records := Aggregate(rows)

	span.AddEvent(string(StateEvaluating))
	details := make([]ObjectOutcome, len(targets))
	var g errgroup.Group
	g.SetLimit(r.conf.Workers)
	for i, obj := range targets {
		g.Go(func() error {
			defer func() {
				if p := recover(); p != nil {
					details[i] = ObjectOutcome{Object: obj, Result: ResultFailed, Reason: fmt.Sprintf("panic: %v", p)}
				}
			}()
			details[i] = r.processObject(ctx, rule, obj, records, opts)
			return nil
		})
	}
	_ = g.Wait()
	entry.Details = details
	span.AddEvent(string(StateDone))
	return nil
}

func dedupeTargets(in []ObjectRef, kind ObjectKind) []ObjectRef {
	seen := make(map[ObjectID]bool, len(in))
	out := make([]ObjectRef, 0, len(in))
	for _, t := range in {
		if t.ID == "" || seen[t.ID] {
			continue
		}
		if t.Kind != "" && t.Kind != kind {
			continue
		}
		seen[t.ID] = true
		t.Kind = kind
		out = append(out, t)
	}
	slices.SortFunc(out, func(a, b ObjectRef) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return out
}

func (r *Runner) processObject(ctx context.Context, rule Rule, obj ObjectRef, records map[ObjectID]MetricRecord, opts RunOptions) (out ObjectOutcome) {
	out.Object = obj
	defer func() {
		observability.ObjectsEvaluated.WithLabelValues(string(out.Result)).Inc()
	}()

	rec, ok := records[obj.ID]
	if !ok {
		out.Result = ResultNoData
		out.Reason = "no metrics for date range"
		return out
	}

	matched, conds := Evaluate(rule.Conditions, rule.Combinator, rec)
	out.Matched = matched
	out.Conditions = conds
	if !matched {
		out.Result = ResultNotMatched
		out.Reason = "conditions not met"
		return out
	}

	// Gate and execute under one lock so concurrent invocations cannot both
	// pass the history checks for the same object.
	if !opts.DryRun {
		unlock, err := r.locks.Lock(ctx, ObjectLockKey(rule.ID, obj.ID))
		if err != nil {
			out.Result = ResultFailed
			out.Reason = "lock: " + err.Error()
			return out
		}
		defer unlock()
	}

	decision, err := r.gateObject(ctx, rule, obj, rec)
	if err != nil {
		out.Result = ResultFailed
		out.Reason = err.Error()
		return out
	}
	if !decision.Allow {
		observability.GuardrailSkips.WithLabelValues(string(decision.Reason)).Inc()
		out.Result = ResultSkipped
		out.Reason = string(decision.Reason)
		out.Detail = decision.Detail
		return out
	}

	if opts.DryRun {
		out.Result = ResultWouldExecute
		out.Reason = "would execute"
		out.Planned = append([]Action(nil), rule.Actions...)
		return out
	}

	r.executeObject(ctx, rule, obj, &out)
	return out
}

func (r *Runner) gateObject(ctx context.Context, rule Rule, obj ObjectRef, rec MetricRecord) (Decision, error) {
	now := r.now()
	var since time.Time
	if w := rule.Guardrails.ExecutionWindow(); w > 0 {
		since = now.Add(-w)
	}
	hist, err := r.history.ExecutionHistory(ctx, rule.ID, obj.ID, since)
	if err != nil {
		observability.StoreErrors.WithLabelValues("read_history").Inc()
		return Decision{}, fmt.Errorf("history unavailable: %v", err)
	}

	in := GateInput{Rule: rule, Object: obj, History: hist, Record: rec, Now: now}
	if rule.Guardrails.MaxDailyBudget > 0 && rule.hasAction(ActionIncreaseBudget) {
		bctx, cancel := context.WithTimeout(ctx, r.conf.ActionTimeout)
		b, err := r.platform.CurrentBudget(bctx, obj)
		cancel()
		if err != nil {
			return Decision{}, fmt.Errorf("read budget: %v", err)
		}
		in.CurrentBudget = &b
	}
	return r.gate.Check(in), nil
}

func (r *Runner) executeObject(ctx context.Context, rule Rule, obj ObjectRef, out *ObjectOutcome) {
	var inverses []Action
	succeeded := 0
	for _, a := range rule.Actions {
		res := r.exec.Execute(ctx, a, obj)
		observability.ActionsExecuted.WithLabelValues(string(a.Kind), string(res.Status)).Inc()
		out.Actions = append(out.Actions, res)
		if !res.OK() {
			out.Result = ResultFailed
			out.Reason = res.Error
			log.Warn().Str("rule_id", rule.ID).Str("object_id", string(obj.ID)).Str("action", string(a.Kind)).Str("err", res.Error).Msg("action failed")
			break
		}
		succeeded++
		if res.Inverse != nil {
			inverses = append(inverses, *res.Inverse)
		}
	}
	if out.Result == "" {
		out.Result = ResultSuccess
	}
	if succeeded == 0 {
		return
	}

	now := r.now()
	if err := r.history.RecordExecution(context.WithoutCancel(ctx), rule.ID, obj, now); err != nil {
		observability.StoreErrors.WithLabelValues("record_history").Inc()
		log.Error().Err(err).Str("rule_id", rule.ID).Str("object_id", string(obj.ID)).Msg("record execution history")
		out.Detail = "execution history not recorded: " + err.Error()
	}

	after := rule.Guardrails.RevertAfter()
	if after <= 0 || len(inverses) == 0 {
		return
	}
	slices.Reverse(inverses)
	rev, err := r.reverts.Schedule(context.WithoutCancel(ctx), rule, obj, inverses, now.Add(after), now)
	if err != nil {
		observability.StoreErrors.WithLabelValues("schedule_revert").Inc()
		out.Result = ResultFailed
		out.Reason = "revert not scheduled: " + err.Error()
		return
	}
	observability.RevertsScheduled.Inc()
	out.RevertID = rev.ID
	out.RevertAt = rev.RevertAt
}

// SweepReverts claims due reverts and executes their inverse actions. Failed
// reverts are terminal and are never retried. Reverts claimed after ctx is
// cancelled go back to pending; ones already started run to completion.
func (r *Runner) SweepReverts(ctx context.Context, now time.Time) []RevertOutcome {
	ctx, span := r.tracer.Start(ctx, "reverts.sweep")
	defer span.End()
	if ctx.Err() != nil {
		return nil
	}

	if r.conf.StaleClaimAfter > 0 {
		n, err := r.revStore.FailStale(ctx, now.Add(-r.conf.StaleClaimAfter), now)
		if err != nil {
			observability.StoreErrors.WithLabelValues("fail_stale_reverts").Inc()
			log.Error().Err(err).Msg("fail stale revert claims")
		} else if n > 0 {
			observability.RevertsProcessed.WithLabelValues(string(RevertFailed)).Add(float64(n))
			log.Warn().Int("count", n).Msg("abandoned revert claims marked failed")
		}
	}

	claimed, err := r.revStore.ClaimDue(ctx, now, r.conf.SweepBatch)
	if err != nil {
		observability.StoreErrors.WithLabelValues("claim_reverts").Inc()
		log.Error().Err(err).Msg("claim due reverts")
		span.SetStatus(codes.Error, err.Error())
		return nil
	}

	outcomes := make([]RevertOutcome, len(claimed))
	var g errgroup.Group
	g.SetLimit(r.conf.Workers)
	for i, rev := range claimed {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				outcomes[i] = r.releaseRevert(rev, err)
				return nil
			}
			outcomes[i] = r.applyRevert(ctx, rev)
			return nil
		})
	}
	_ = g.Wait()
	span.SetAttributes(attribute.Int("reverts.claimed", len(claimed)))
	return outcomes
}

// releaseRevert hands a claim back when no inverse action has run.
func (r *Runner) releaseRevert(rev PendingRevert, cause error) RevertOutcome {
	ctx, cancel := context.WithTimeout(context.Background(), r.conf.LogTimeout)
	defer cancel()
	if err := r.revStore.Release(ctx, rev.ID); err != nil {
		observability.StoreErrors.WithLabelValues("release_revert").Inc()
		log.Error().Err(err).Str("revert_id", rev.ID).Msg("release revert claim")
	}
	observability.RevertsProcessed.WithLabelValues(string(RevertPending)).Inc()
	log.Warn().Err(cause).Str("revert_id", rev.ID).Str("rule_id", rev.RuleID).Msg("revert returned to pending")

	rev.Status, rev.ClaimedAt = RevertPending, time.Time{}
	return RevertOutcome{Revert: rev, Status: RevertPending, Error: cause.Error()}
}

// newerRevert reports a revert of the same rule and object created after rev.
// The newer one carries rev's inverse actions through the merge.
func (r *Runner) newerRevert(ctx context.Context, rev PendingRevert) (string, bool) {
	open, err := r.revStore.Pending(ctx, rev.RuleID, rev.Object.ID)
	if err != nil {
		observability.StoreErrors.WithLabelValues("pending_reverts").Inc()
		log.Error().Err(err).Str("revert_id", rev.ID).Msg("check for newer revert")
		return "", false
	}
	for _, p := range open {
		if p.ID != rev.ID && p.CreatedAt.After(rev.CreatedAt) {
			return p.ID, true
		}
	}
	return "", false
}

// applyRevert runs detached from the sweep context so shutdown cannot turn a
// started revert into a failure.
func (r *Runner) applyRevert(ctx context.Context, rev PendingRevert) RevertOutcome {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.conf.MaxRunDuration)
	defer cancel()
	started := r.now()

	unlock, err := r.locks.Lock(ctx, ObjectLockKey(rev.RuleID, rev.Object.ID))
	if err != nil {
		return r.releaseRevert(rev, fmt.Errorf("lock: %w", err))
	}

	out := RevertOutcome{Revert: rev, Status: RevertCompleted}
	newer, superseded := r.newerRevert(ctx, rev)
	if superseded {
		out.Status = RevertSuperseded
	} else {
		for _, a := range rev.Actions {
			res := r.exec.Execute(ctx, a, rev.Object)
			observability.ActionsExecuted.WithLabelValues(string(a.Kind), string(res.Status)).Inc()
			out.Results = append(out.Results, res)
			if !res.OK() {
				out.Status = RevertFailed
				out.Error = res.Error
				break
			}
		}
	}

	finished := r.now()
	if err := r.revStore.Complete(ctx, rev.ID, out.Status, out.Error, finished); err != nil {
		observability.StoreErrors.WithLabelValues("complete_revert").Inc()
		log.Error().Err(err).Str("revert_id", rev.ID).Msg("complete revert")
		if out.Error == "" {
			out.Error = err.Error()
		}
	}
	unlock()
	out.Revert.Status = out.Status
	out.Revert.FinishedAt = finished
	out.Revert.Error = out.Error
	observability.RevertsProcessed.WithLabelValues(string(out.Status)).Inc()

	if superseded {
		log.Info().Str("revert_id", rev.ID).Str("superseded_by", newer).Msg("revert skipped; a newer revert restores the object")
		return out
	}

	entry := ExecutionLogEntry{
		ID:         NewID(),
		Kind:       LogRevert,
		RuleID:     rev.RuleID,
		AccountID:  rev.AccountID,
		Status:     RunSuccess,
		StartedAt:  started,
		FinishedAt: finished,
		Details: []ObjectOutcome{{
			Object:   rev.Object,
			Result:   ResultSuccess,
			Actions:  out.Results,
			RevertID: rev.ID,
			RevertAt: rev.RevertAt,
		}},
		EvaluatedCount: 1,
		Message:        "revert " + rev.ID,
	}
	if out.Status == RevertFailed {
		entry.Status = RunFailed
		entry.Error = out.Error
		entry.Details[0].Result = ResultFailed
		entry.Details[0].Reason = out.Error
		log.Error().Str("revert_id", rev.ID).Str("rule_id", rev.RuleID).Str("object_id", string(rev.Object.ID)).
			Str("err", out.Error).Msg("revert failed; manual intervention required")
	}
	if err := r.logger.Write(ctx, entry); err != nil {
		observability.StoreErrors.WithLabelValues("append_log").Inc()
		log.Error().Err(err).Str("revert_id", rev.ID).Msg("persist revert log")
	}
	return out
}
