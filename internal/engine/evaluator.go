package engine

import "math"

const floatTolerance = 1e-9

// ConditionResult is the trace of one evaluated condition.
type ConditionResult struct {
	Metric    string   `json:"metric"`
	Operator  Operator `json:"operator"`
	Threshold float64  `json:"threshold"`
	// Actual is nil when the metric is unknown or not computable.
	Actual    *float64 `json:"actual,omitempty"`
	Satisfied bool     `json:"satisfied"`
	Note      string   `json:"note,omitempty"`
}

// Trace notes.
const (
	NoteUnknownMetric   = "unknown metric"
	NoteNotComputable   = "not computable"
	NoteUnknownOperator = "unknown operator"
	NoteNotNumeric      = "not numeric"
)

// Evaluate matches a record against conditions. It never short-circuits so the
// trace always covers every condition. An empty condition list never matches.
func Evaluate(conditions []Condition, combinator Combinator, record MetricRecord) (bool, []ConditionResult) {
	trace := make([]ConditionResult, 0, len(conditions))
	if len(conditions) == 0 {
		return false, trace
	}

	satisfied := 0
	for _, c := range conditions {
		res := evalCondition(c, record)
		if res.Satisfied {
			satisfied++
		}
		trace = append(trace, res)
	}

	if combinator == CombineAny {
		return satisfied > 0, trace
	}
	return satisfied == len(conditions), trace
}

func evalCondition(c Condition, record MetricRecord) ConditionResult {
	res := ConditionResult{Metric: c.Metric, Operator: c.Operator, Threshold: c.Value}

	v, state := record.Value(c.Metric)
	switch state {
	case ValueUnknownMetric:
		res.Note = NoteUnknownMetric
		return res
	case ValueNotComputable:
		res.Note = NoteNotComputable
		return res
	}
	res.Actual = &v

	if math.IsNaN(v) || math.IsNaN(c.Value) {
		res.Note = NoteNotNumeric
		return res
	}

	switch c.Operator {
	case OpGreaterThan:
		res.Satisfied = v > c.Value
	case OpLessThan:
		res.Satisfied = v < c.Value
	case OpEquals:
		res.Satisfied = math.Abs(v-c.Value) < floatTolerance
	case OpGreaterThanOrEqual:
		res.Satisfied = v >= c.Value
	case OpLessThanOrEqual:
		res.Satisfied = v <= c.Value
	default:
		res.Note = NoteUnknownOperator
	}
	return res
}
