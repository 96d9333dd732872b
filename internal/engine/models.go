package engine

import (
	"strings"
	"time"
)

// ObjectKind is the level of the ad hierarchy a rule targets.
type ObjectKind string

const (
	KindCampaign ObjectKind = "campaign"
	KindAdSet    ObjectKind = "adset"
	KindAd       ObjectKind = "ad"
)

func (k ObjectKind) Valid() bool {
	switch k {
	case KindCampaign, KindAdSet, KindAd:
		return true
	}
	return false
}

// ObjectID is the canonical identifier of an ad object. Adapters normalize
// raw ids (numbers, padded strings) with NormalizeObjectID at the boundary.
type ObjectID string

// LabelID identifies a label attached to ad objects.
type LabelID string

func NormalizeObjectID(raw string) ObjectID { return ObjectID(strings.TrimSpace(raw)) }

func NormalizeLabelID(raw string) LabelID { return LabelID(strings.TrimSpace(raw)) }

// ObjectRef is a resolved target object.
type ObjectRef struct {
	ID   ObjectID   `json:"id" yaml:"id"`
	Kind ObjectKind `json:"kind" yaml:"kind"`
	Name string     `json:"name,omitempty" yaml:"name,omitempty"`
}

// Operator is a numeric comparison operator.
type Operator string

const (
	OpGreaterThan        Operator = "greater_than"
	OpLessThan           Operator = "less_than"
	OpEquals             Operator = "equals"
	OpGreaterThanOrEqual Operator = "greater_than_or_equal"
	OpLessThanOrEqual    Operator = "less_than_or_equal"
)

func (o Operator) Valid() bool {
	switch o {
	case OpGreaterThan, OpLessThan, OpEquals, OpGreaterThanOrEqual, OpLessThanOrEqual:
		return true
	}
	return false
}

// Condition compares one metric against a threshold.
type Condition struct {
	Metric   string   `json:"metric" yaml:"metric"`
	Operator Operator `json:"operator" yaml:"operator"`
	Value    float64  `json:"value" yaml:"value"`
}

// Combinator joins a rule's conditions.
type Combinator string

const (
	CombineAll Combinator = "ALL"
	CombineAny Combinator = "ANY"
)

// ActionKind is the mutation applied to a matched object.
type ActionKind string

const (
	ActionTurnOff        ActionKind = "turn_off"
	ActionTurnOn         ActionKind = "turn_on"
	ActionIncreaseBudget ActionKind = "increase_budget"
	ActionDecreaseBudget ActionKind = "decrease_budget"

	// ActionSetBudget only appears as an inverse action restoring a recorded budget.
	ActionSetBudget ActionKind = "set_budget"
)

func (k ActionKind) IsBudget() bool {
	return k == ActionIncreaseBudget || k == ActionDecreaseBudget || k == ActionSetBudget
}

// MagnitudeKind says how an action's magnitude is applied.
type MagnitudeKind string

const (
	MagnitudeAbsolute   MagnitudeKind = "absolute"
	MagnitudePercentage MagnitudeKind = "percentage"
)

// Action is one configured mutation. Magnitude is ignored for status actions.
type Action struct {
	Kind          ActionKind    `json:"kind" yaml:"kind"`
	Magnitude     float64       `json:"magnitude,omitempty" yaml:"magnitude,omitempty"`
	MagnitudeKind MagnitudeKind `json:"magnitude_kind,omitempty" yaml:"magnitude_kind,omitempty"`
}

// Guardrails are opt-in; a zero value allows everything.
type Guardrails struct {
	MaxExecutionsPerObject int `json:"max_executions_per_object,omitempty" yaml:"max_executions_per_object,omitempty"`
	// ExecutionWindowMinutes bounds the max-executions count; 0 counts over the rule's lifetime.
	ExecutionWindowMinutes int     `json:"execution_window_minutes,omitempty" yaml:"execution_window_minutes,omitempty"`
	CooldownMinutes        int     `json:"cooldown_minutes,omitempty" yaml:"cooldown_minutes,omitempty"`
	MaxDailyBudget         float64 `json:"max_daily_budget,omitempty" yaml:"max_daily_budget,omitempty"`
	MinROAS                float64 `json:"min_roas,omitempty" yaml:"min_roas,omitempty"`
	RevertAfterMinutes     int     `json:"revert_after_minutes,omitempty" yaml:"revert_after_minutes,omitempty"`
}

func (g Guardrails) Cooldown() time.Duration {
	return time.Duration(g.CooldownMinutes) * time.Minute
}

func (g Guardrails) ExecutionWindow() time.Duration {
	return time.Duration(g.ExecutionWindowMinutes) * time.Minute
}

func (g Guardrails) RevertAfter() time.Duration {
	return time.Duration(g.RevertAfterMinutes) * time.Minute
}

// Rule is an operator-authored automation policy.
type Rule struct {
	ID                   string      `json:"id" yaml:"id"`
	AccountID            string      `json:"account_id" yaml:"account_id"`
	Name                 string      `json:"name" yaml:"name"`
	Active               bool        `json:"active" yaml:"active"`
	Scope                ObjectKind  `json:"scope" yaml:"scope"`
	TargetLabels         []LabelID   `json:"target_labels" yaml:"target_labels"`
	TimeRange            TimeRange   `json:"time_range" yaml:"time_range"`
	Conditions           []Condition `json:"conditions" yaml:"conditions"`
	Combinator           Combinator  `json:"combinator" yaml:"combinator"`
	Actions              []Action    `json:"actions" yaml:"actions"`
	Guardrails           Guardrails  `json:"guardrails" yaml:"guardrails"`
	CheckIntervalMinutes int         `json:"check_interval_minutes" yaml:"check_interval_minutes"`
	LastRunAt            time.Time   `json:"last_run_at,omitempty" yaml:"-"`
}

// Unscoped reports whether the rule targets every object of its kind.
func (r Rule) Unscoped() bool { return len(r.TargetLabels) == 0 }

func (r Rule) CheckInterval() time.Duration {
	return time.Duration(r.CheckIntervalMinutes) * time.Minute
}

// Due reports whether the rule should run at now.
func (r Rule) Due(now time.Time) bool {
	if r.LastRunAt.IsZero() {
		return true
	}
	return !r.LastRunAt.Add(r.CheckInterval()).After(now)
}

func (r Rule) hasAction(kind ActionKind) bool {
	for _, a := range r.Actions {
		if a.Kind == kind {
			return true
		}
	}
	return false
}

// ObjectExecutionState is the execution history of a rule on one object.
type ObjectExecutionState struct {
	Count          int       `json:"count"`
	LastExecutedAt time.Time `json:"last_executed_at,omitempty"`
}

// PlatformStatus is the delivery status of an ad object.
type PlatformStatus string

const (
	StatusActive PlatformStatus = "ACTIVE"
	StatusPaused PlatformStatus = "PAUSED"
)
