package engine

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvaluate_Operators(t *testing.T) {
	rec := MetricRecord{Spend: 100, Results: 4, Clicks: 10, Impressions: 1000}
	tests := []struct {
		name string
		cond Condition
		want bool
	}{
		{"gt false at boundary", Condition{MetricSpend, OpGreaterThan, 100}, false},
		{"gte true at boundary", Condition{MetricSpend, OpGreaterThanOrEqual, 100}, true},
		{"lt", Condition{MetricSpend, OpLessThan, 101}, true},
		{"lte at boundary", Condition{MetricSpend, OpLessThanOrEqual, 100}, true},
		{"equals", Condition{MetricResults, OpEquals, 4}, true},
		{"equals tolerates float noise", Condition{MetricCTR, OpEquals, 0.1 + 0.9}, true},
		{"derived cost per result", Condition{MetricCostPerResult, OpEquals, 25}, true},
		{"cpm", Condition{MetricCPM, OpGreaterThan, 99}, true},
		{"unknown metric", Condition{"frobs", OpGreaterThan, 0}, false},
		{"unknown operator", Condition{MetricSpend, "between", 0}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, trace := Evaluate([]Condition{tt.cond}, CombineAll, rec)
			assert.Equal(t, tt.want, ok)
			require.Len(t, trace, 1)
			assert.Equal(t, tt.want, trace[0].Satisfied)
		})
	}
}

func TestEvaluate_TraceNotes(t *testing.T) {
	rec := MetricRecord{Spend: 50, Extra: map[string]float64{"video_views": 3}}
	conds := []Condition{
		{Metric: "frobs", Operator: OpGreaterThan, Value: 1},
		{Metric: MetricCostPerResult, Operator: OpGreaterThan, Value: 1},
		{Metric: MetricSpend, Operator: "between", Value: 1},
		{Metric: "video_views", Operator: OpEquals, Value: 3},
	}

	ok, trace := Evaluate(conds, CombineAny, rec)

	assert.True(t, ok)
	require.Len(t, trace, 4)
	assert.Equal(t, NoteUnknownMetric, trace[0].Note)
	assert.Nil(t, trace[0].Actual)
	assert.Equal(t, NoteNotComputable, trace[1].Note, "zero results leaves cost per result undefined")
	assert.Nil(t, trace[1].Actual)
	assert.Equal(t, NoteUnknownOperator, trace[2].Note)
	assert.True(t, trace[3].Satisfied)
}

func TestEvaluate_Combinators(t *testing.T) {
	rec := MetricRecord{Spend: 150000, Results: 2}
	conds := []Condition{
		{Metric: MetricSpend, Operator: OpGreaterThanOrEqual, Value: 100000},
		{Metric: MetricResults, Operator: OpEquals, Value: 0},
	}

	all, _ := Evaluate(conds, CombineAll, rec)
	anyOf, trace := Evaluate(conds, CombineAny, rec)

	assert.False(t, all)
	assert.True(t, anyOf)
	assert.Len(t, trace, 2, "evaluation never short-circuits")
}

func TestEvaluate_Properties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("gte is inclusive and gt is strict at equality", prop.ForAll(
		func(v float64) bool {
			rec := MetricRecord{Spend: v}
			gte, _ := Evaluate([]Condition{{MetricSpend, OpGreaterThanOrEqual, v}}, CombineAll, rec)
			gt, _ := Evaluate([]Condition{{MetricSpend, OpGreaterThan, v}}, CombineAll, rec)
			return gte && !gt
		},
		gen.Float64Range(-1e9, 1e9),
	))

	properties.Property("empty condition list never matches", prop.ForAll(
		func(spend, results float64, anyOf bool) bool {
			comb := CombineAll
			if anyOf {
				comb = CombineAny
			}
			ok, trace := Evaluate(nil, comb, MetricRecord{Spend: spend, Results: results})
			return !ok && len(trace) == 0
		},
		gen.Float64Range(0, 1e6),
		gen.Float64Range(0, 1e3),
		gen.Bool(),
	))

	properties.Property("ALL matches iff every trace entry is satisfied", prop.ForAll(
		func(spend float64, thresholds []float64) bool {
			conds := make([]Condition, len(thresholds))
			for i, th := range thresholds {
				conds[i] = Condition{MetricSpend, OpGreaterThan, th}
			}
			ok, trace := Evaluate(conds, CombineAll, MetricRecord{Spend: spend})
			if len(trace) != len(conds) {
				return false
			}
			want := len(conds) > 0
			for _, r := range trace {
				want = want && r.Satisfied
			}
			return ok == want
		},
		gen.Float64Range(0, 1000),
		gen.SliceOf(gen.Float64Range(0, 1000)),
	))

	properties.Property("ANY matches iff some trace entry is satisfied", prop.ForAll(
		func(spend float64, thresholds []float64) bool {
			conds := make([]Condition, len(thresholds))
			for i, th := range thresholds {
				conds[i] = Condition{MetricSpend, OpLessThan, th}
			}
			ok, trace := Evaluate(conds, CombineAny, MetricRecord{Spend: spend})
			want := false
			for _, r := range trace {
				want = want || r.Satisfied
			}
			return ok == want
		},
		gen.Float64Range(0, 1000),
		gen.SliceOf(gen.Float64Range(0, 1000)),
	))

	properties.TestingRun(t)
}
