package engine

import (
	"fmt"
	"time"
)

// SkipReason is the machine-readable reason a guardrail blocked an action.
type SkipReason string

const (
	SkipLimitReached SkipReason = "limit reached"
	SkipCooldown     SkipReason = "cooldown active"
	SkipBudgetCap    SkipReason = "budget cap"
	SkipROAS         SkipReason = "roas below threshold"
)

// Decision is the gate's verdict for one object.
type Decision struct {
	Allow  bool       `json:"allow"`
	Reason SkipReason `json:"reason,omitempty"`
	Detail string     `json:"detail,omitempty"`
}

func allow() Decision { return Decision{Allow: true} }

func skip(reason SkipReason, format string, args ...any) Decision {
	return Decision{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// GateInput is everything the gate needs for one (rule, object) decision.
type GateInput struct {
	Rule    Rule
	Object  ObjectRef
	History ObjectExecutionState
	Record  MetricRecord
	// CurrentBudget is required only for rules with an increase_budget action
	// and a budget ceiling.
	CurrentBudget *float64
	Now           time.Time
}

// Gate applies guardrails in a fixed order; the first failing check wins.
type Gate struct {
	// MinBudget is the platform minimum daily budget, used to project
	// budget changes exactly as the executor will apply them.
	MinBudget float64
}

func (g Gate) Check(in GateInput) Decision {
	gr := in.Rule.Guardrails

	if gr.MaxExecutionsPerObject > 0 && in.History.Count >= gr.MaxExecutionsPerObject {
		return skip(SkipLimitReached, "%d of %d executions used", in.History.Count, gr.MaxExecutionsPerObject)
	}

	if cd := gr.Cooldown(); cd > 0 && !in.History.LastExecutedAt.IsZero() {
		if elapsed := in.Now.Sub(in.History.LastExecutedAt); elapsed < cd {
			return skip(SkipCooldown, "last executed %s ago, cooldown %s", elapsed.Truncate(time.Second), cd)
		}
	}

	if gr.MaxDailyBudget > 0 && in.Rule.hasAction(ActionIncreaseBudget) {
		if in.CurrentBudget == nil {
			return skip(SkipBudgetCap, "current budget unavailable")
		}
		peak := g.projectPeakBudget(*in.CurrentBudget, in.Rule.Actions)
		if peak > gr.MaxDailyBudget {
			return skip(SkipBudgetCap, "projected budget %.2f exceeds cap %.2f", peak, gr.MaxDailyBudget)
		}
	}

	if gr.MinROAS > 0 {
		if roas, state := in.Record.Value(MetricROAS); state == ValueOK && roas < gr.MinROAS {
			return skip(SkipROAS, "roas %.2f below %.2f", roas, gr.MinROAS)
		}
	}

	return allow()
}

// projectPeakBudget replays the rule's budget actions and returns the highest
// budget reached along the way.
func (g Gate) projectPeakBudget(current float64, actions []Action) float64 {
	peak := current
	b := current
	for _, a := range actions {
		if !a.Kind.IsBudget() {
			continue
		}
		b = NextBudget(b, a, g.MinBudget)
		if b > peak {
			peak = b
		}
	}
	return peak
}
