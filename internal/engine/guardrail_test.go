package engine

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
)

func ptr(f float64) *float64 { return &f }

func TestGate_Check(t *testing.T) {
	now := t0
	increase := []Action{{Kind: ActionIncreaseBudget, Magnitude: 20, MagnitudeKind: MagnitudePercentage}}
	tests := []struct {
		name   string
		rule   Rule
		hist   ObjectExecutionState
		rec    MetricRecord
		budget *float64
		want   SkipReason
	}{
		{name: "no guardrails", rule: Rule{}, want: ""},
		{
			name: "limit reached",
			rule: Rule{Guardrails: Guardrails{MaxExecutionsPerObject: 2}},
			hist: ObjectExecutionState{Count: 2},
			want: SkipLimitReached,
		},
		{
			name: "under limit",
			rule: Rule{Guardrails: Guardrails{MaxExecutionsPerObject: 2}},
			hist: ObjectExecutionState{Count: 1},
		},
		{
			name: "cooldown active",
			rule: Rule{Guardrails: Guardrails{CooldownMinutes: 60}},
			hist: ObjectExecutionState{Count: 1, LastExecutedAt: now.Add(-30 * time.Minute)},
			want: SkipCooldown,
		},
		{
			name: "cooldown elapsed",
			rule: Rule{Guardrails: Guardrails{CooldownMinutes: 60}},
			hist: ObjectExecutionState{Count: 1, LastExecutedAt: now.Add(-60 * time.Minute)},
		},
		{
			name:   "budget cap",
			rule:   Rule{Actions: increase, Guardrails: Guardrails{MaxDailyBudget: 110}},
			budget: ptr(100),
			want:   SkipBudgetCap,
		},
		{
			name:   "budget within cap",
			rule:   Rule{Actions: increase, Guardrails: Guardrails{MaxDailyBudget: 120}},
			budget: ptr(100),
		},
		{
			name: "budget unknown",
			rule: Rule{Actions: increase, Guardrails: Guardrails{MaxDailyBudget: 120}},
			want: SkipBudgetCap,
		},
		{
			name: "cap ignored without increase",
			rule: Rule{Actions: []Action{{Kind: ActionTurnOff}}, Guardrails: Guardrails{MaxDailyBudget: 1}},
		},
		{
			name: "roas below threshold",
			rule: Rule{Guardrails: Guardrails{MinROAS: 2}},
			rec:  MetricRecord{Spend: 100, Revenue: 150},
			want: SkipROAS,
		},
		{
			name: "roas not computable passes",
			rule: Rule{Guardrails: Guardrails{MinROAS: 2}},
			rec:  MetricRecord{Revenue: 150},
		},
		{
			name: "limit checked before cooldown",
			rule: Rule{Guardrails: Guardrails{MaxExecutionsPerObject: 1, CooldownMinutes: 60}},
			hist: ObjectExecutionState{Count: 1, LastExecutedAt: now},
			want: SkipLimitReached,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Gate{}.Check(GateInput{Rule: tt.rule, History: tt.hist, Record: tt.rec, CurrentBudget: tt.budget, Now: now})
			if tt.want == "" {
				assert.True(t, d.Allow, d.Detail)
				return
			}
			assert.False(t, d.Allow)
			assert.Equal(t, tt.want, d.Reason)
			assert.NotEmpty(t, d.Detail)
		})
	}
}

func TestGate_LimitReachedProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("count equal to the limit always skips", prop.ForAll(
		func(limit int, cooldown int, minutesAgo int, spend, revenue float64) bool {
			rule := Rule{
				Actions:    []Action{{Kind: ActionTurnOff}},
				Guardrails: Guardrails{MaxExecutionsPerObject: limit, CooldownMinutes: cooldown, MinROAS: 0.1},
			}
			d := Gate{}.Check(GateInput{
				Rule:    rule,
				History: ObjectExecutionState{Count: limit, LastExecutedAt: t0.Add(-time.Duration(minutesAgo) * time.Minute)},
				Record:  MetricRecord{Spend: spend, Revenue: revenue},
				Now:     t0,
			})
			return !d.Allow && d.Reason == SkipLimitReached
		},
		gen.IntRange(1, 50),
		gen.IntRange(0, 600),
		gen.IntRange(0, 10000),
		gen.Float64Range(0, 1e5),
		gen.Float64Range(0, 1e5),
	))

	properties.TestingRun(t)
}
