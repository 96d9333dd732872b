package engine

import (
	"fmt"
	"strings"
)

// Validate checks the structural shape of a rule once, at load time. Unknown
// metric names are tolerated: they evaluate as not satisfied with an
// "unknown metric" trace entry instead of rejecting the rule.
func (r Rule) Validate() error {
	var errs []string
	add := func(format string, args ...any) { errs = append(errs, fmt.Sprintf(format, args...)) }

	if strings.TrimSpace(r.ID) == "" {
		add("id is required")
	}
	if !r.Scope.Valid() {
		add("scope %q must be one of campaign, adset, ad", r.Scope)
	}
	if r.TimeRange != "" && !r.TimeRange.Valid() {
		add("time_range %q is not supported", r.TimeRange)
	}
	switch r.Combinator {
	case CombineAll, CombineAny, "":
	default:
		add("combinator %q must be ALL or ANY", r.Combinator)
	}
	for i, c := range r.Conditions {
		if strings.TrimSpace(c.Metric) == "" {
			add("conditions[%d]: metric is required", i)
		}
		if !c.Operator.Valid() {
			add("conditions[%d]: unknown operator %q", i, c.Operator)
		}
	}
	if len(r.Actions) == 0 {
		add("at least one action is required")
	}
	for i, a := range r.Actions {
		switch a.Kind {
		case ActionTurnOff, ActionTurnOn:
		case ActionIncreaseBudget, ActionDecreaseBudget:
			if r.Scope == KindAd {
				add("actions[%d]: %s is not supported for ads", i, a.Kind)
			}
			if a.Magnitude <= 0 {
				add("actions[%d]: magnitude must be positive", i)
			}
			if a.MagnitudeKind != MagnitudeAbsolute && a.MagnitudeKind != MagnitudePercentage {
				add("actions[%d]: magnitude_kind %q must be absolute or percentage", i, a.MagnitudeKind)
			}
			if a.Kind == ActionDecreaseBudget && a.MagnitudeKind == MagnitudePercentage && a.Magnitude >= 100 {
				add("actions[%d]: percentage decrease must be below 100", i)
			}
		default:
			add("actions[%d]: unknown action %q", i, a.Kind)
		}
	}
	g := r.Guardrails
	if g.MaxExecutionsPerObject < 0 || g.ExecutionWindowMinutes < 0 || g.CooldownMinutes < 0 ||
		g.MaxDailyBudget < 0 || g.MinROAS < 0 || g.RevertAfterMinutes < 0 {
		add("guardrails must not be negative")
	}
	if r.CheckIntervalMinutes < 0 {
		add("check_interval_minutes must not be negative")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w %s: %s", ErrInvalidRule, r.ID, strings.Join(errs, "; "))
	}
	return nil
}

// Normalize fills defaults after validation.
func (r Rule) Normalize() Rule {
	if r.Combinator == "" {
		r.Combinator = CombineAll
	}
	if r.TimeRange == "" {
		r.TimeRange = RangeToday
	}
	if r.CheckIntervalMinutes == 0 {
		r.CheckIntervalMinutes = 60
	}
	labels := make([]LabelID, 0, len(r.TargetLabels))
	for _, l := range r.TargetLabels {
		if n := NormalizeLabelID(string(l)); n != "" {
			labels = append(labels, n)
		}
	}
	r.TargetLabels = labels
	return r
}

// UnknownMetrics lists condition metrics the evaluator will not recognise
// unless a record supplies them through Extra.
func (r Rule) UnknownMetrics() []string {
	var out []string
	for _, c := range r.Conditions {
		if !KnownMetric(c.Metric) {
			out = append(out, c.Metric)
		}
	}
	return out
}
