package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ActionStatus is the outcome of one attempted action.
type ActionStatus string

const (
	ActionSucceeded ActionStatus = "success"
	ActionFailed    ActionStatus = "failed"
)

// ActionResult records enough to reconstruct an action from the log alone.
type ActionResult struct {
	Action   Action       `json:"action"`
	ObjectID ObjectID     `json:"object_id"`
	Status   ActionStatus `json:"status"`
	OldValue string       `json:"old_value,omitempty"`
	NewValue string       `json:"new_value,omitempty"`
	// Noop is set when the object was already in the requested state.
	Noop   bool   `json:"noop,omitempty"`
	Detail string `json:"detail,omitempty"`
	Error  string `json:"error,omitempty"`
	// Inverse restores the state before this action; nil for no-ops and failures.
	Inverse *Action `json:"inverse,omitempty"`
}

func (r ActionResult) OK() bool { return r.Status == ActionSucceeded }

var hundred = decimal.NewFromInt(100)

// defaultMinBudget is used when no platform minimum is configured.
const defaultMinBudget = 1.0

// NextBudget computes the budget an action produces from current, rounded to
// cents and never below min.
func NextBudget(current float64, a Action, min float64) float64 {
	cur := decimal.NewFromFloat(current)
	mag := decimal.NewFromFloat(a.Magnitude)

	var next decimal.Decimal
	switch a.Kind {
	case ActionSetBudget:
		next = mag
	case ActionIncreaseBudget:
		if a.MagnitudeKind == MagnitudePercentage {
			next = cur.Add(cur.Mul(mag).Div(hundred))
		} else {
			next = cur.Add(mag)
		}
	case ActionDecreaseBudget:
		if a.MagnitudeKind == MagnitudePercentage {
			next = cur.Sub(cur.Mul(mag).Div(hundred))
		} else {
			next = cur.Sub(mag)
		}
	default:
		return current
	}

	if min <= 0 {
		min = defaultMinBudget
	}
	floor := decimal.NewFromFloat(min)
	next = next.Round(2)
	if next.LessThan(floor) {
		next = floor
	}
	f, _ := next.Float64()
	return f
}

// Executor applies actions through the ad platform. It never retries.
type Executor struct {
	Platform  AdPlatform
	MinBudget float64
	Timeout   time.Duration
}

func (e *Executor) Execute(ctx context.Context, a Action, obj ObjectRef) ActionResult {
	if e.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.Timeout)
		defer cancel()
	}

	switch a.Kind {
	case ActionTurnOff:
		return e.setStatus(ctx, a, obj, StatusPaused)
	case ActionTurnOn:
		return e.setStatus(ctx, a, obj, StatusActive)
	case ActionIncreaseBudget, ActionDecreaseBudget, ActionSetBudget:
		return e.setBudget(ctx, a, obj)
	}
	return failed(a, obj, fmt.Errorf("unsupported action %q", a.Kind))
}

func (e *Executor) setStatus(ctx context.Context, a Action, obj ObjectRef, target PlatformStatus) ActionResult {
	res := ActionResult{Action: a, ObjectID: obj.ID, NewValue: string(target)}

	// A failed read does not block the write; the write is idempotent.
	current, err := e.Platform.CurrentStatus(ctx, obj)
	if err == nil {
		res.OldValue = string(current)
		if current == target {
			res.Status = ActionSucceeded
			res.Noop = true
			res.Detail = fmt.Sprintf("%s %s already %s", obj.Kind, obj.ID, target)
			return res
		}
	}

	if err := e.Platform.SetStatus(ctx, obj, target); err != nil {
		return failedWith(res, err)
	}

	res.Status = ActionSucceeded
	res.Detail = fmt.Sprintf("%s %s set to %s", obj.Kind, obj.ID, target)
	inverse := Action{Kind: ActionTurnOn}
	if target == StatusActive {
		inverse.Kind = ActionTurnOff
	}
	res.Inverse = &inverse
	return res
}

func (e *Executor) setBudget(ctx context.Context, a Action, obj ObjectRef) ActionResult {
	res := ActionResult{Action: a, ObjectID: obj.ID}

	current, err := e.Platform.CurrentBudget(ctx, obj)
	if err != nil {
		return failedWith(res, fmt.Errorf("read budget: %w", err))
	}
	next := NextBudget(current, a, e.MinBudget)
	res.OldValue = formatBudget(current)
	res.NewValue = formatBudget(next)

	if next == current {
		res.Status = ActionSucceeded
		res.Noop = true
		res.Detail = fmt.Sprintf("%s %s budget already %s", obj.Kind, obj.ID, res.NewValue)
		return res
	}

	if err := e.Platform.SetBudget(ctx, obj, next); err != nil {
		return failedWith(res, err)
	}

	res.Status = ActionSucceeded
	res.Detail = fmt.Sprintf("%s %s daily budget %s -> %s", obj.Kind, obj.ID, res.OldValue, res.NewValue)
	res.Inverse = &Action{Kind: ActionSetBudget, Magnitude: current, MagnitudeKind: MagnitudeAbsolute}
	return res
}

func failed(a Action, obj ObjectRef, err error) ActionResult {
	return failedWith(ActionResult{Action: a, ObjectID: obj.ID}, err)
}

func failedWith(res ActionResult, err error) ActionResult {
	res.Status = ActionFailed
	res.Error = err.Error()
	res.Inverse = nil
	return res
}

func formatBudget(v float64) string {
	return decimal.NewFromFloat(v).StringFixed(2)
}
