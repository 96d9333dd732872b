package engine

import (
	"context"
	"fmt"
	"sort"
	"time"
)

// RevertStatus is the lifecycle state of a PendingRevert.
type RevertStatus string

const (
	RevertPending    RevertStatus = "pending"
	RevertInProgress RevertStatus = "in_progress"
	RevertCompleted  RevertStatus = "completed"
	RevertFailed     RevertStatus = "failed"
	RevertSuperseded RevertStatus = "superseded"
)

func (s RevertStatus) Terminal() bool {
	return s == RevertCompleted || s == RevertFailed || s == RevertSuperseded
}

// PendingRevert is a scheduled reversal of the actions one invocation applied
// to one object. Actions run in order.
type PendingRevert struct {
	ID         string       `json:"id"`
	RuleID     string       `json:"rule_id"`
	AccountID  string       `json:"account_id"`
	Object     ObjectRef    `json:"object"`
	Actions    []Action     `json:"actions"`
	RevertAt   time.Time    `json:"revert_at"`
	Status     RevertStatus `json:"status"`
	CreatedAt  time.Time    `json:"created_at"`
	ClaimedAt  time.Time    `json:"claimed_at,omitempty"`
	FinishedAt time.Time    `json:"finished_at,omitempty"`
	Error      string       `json:"error,omitempty"`
}

// RevertOutcome is the result of executing one claimed revert.
type RevertOutcome struct {
	Revert  PendingRevert  `json:"revert"`
	Status  RevertStatus   `json:"status"`
	Results []ActionResult `json:"results"`
	Error   string         `json:"error,omitempty"`
}

// RevertScheduler creates pending reverts. Execution happens in Runner.SweepReverts.
type RevertScheduler struct {
	Store RevertStore
}

// Schedule stores one revert for (rule, object), superseding any pending one.
func (s *RevertScheduler) Schedule(ctx context.Context, rule Rule, obj ObjectRef, inverse []Action, dueAt, now time.Time) (PendingRevert, error) {
	if len(inverse) == 0 {
		return PendingRevert{}, fmt.Errorf("schedule revert for %s: no inverse actions", obj.ID)
	}
	rev := PendingRevert{
		ID:        NewID(),
		RuleID:    rule.ID,
		AccountID: rule.AccountID,
		Object:    obj,
		Actions:   inverse,
		RevertAt:  dueAt,
		Status:    RevertPending,
		CreatedAt: now,
	}
	stored, err := s.Store.InsertSuperseding(ctx, rev, MergeReverts)
	if err != nil {
		return PendingRevert{}, fmt.Errorf("schedule revert for %s: %w", obj.ID, err)
	}
	return stored, nil
}

type revertProperty int

const (
	propStatus revertProperty = iota
	propBudget
)

func propertyOf(a Action) revertProperty {
	if a.Kind.IsBudget() {
		return propBudget
	}
	return propStatus
}

// MergeReverts folds superseded reverts into next. For each property (status,
// budget) the oldest superseded inverse wins, so the merged revert restores
// the state from before the first automated change that was never reverted.
func MergeReverts(prev []PendingRevert, next PendingRevert) PendingRevert {
	if len(prev) == 0 {
		return next
	}
	sorted := append([]PendingRevert(nil), prev...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].CreatedAt.Before(sorted[j].CreatedAt) })

	chosen := map[revertProperty]Action{}
	var order []revertProperty
	take := func(a Action) {
		p := propertyOf(a)
		if _, ok := chosen[p]; ok {
			return
		}
		chosen[p] = a
		order = append(order, p)
	}
	for _, old := range sorted {
		for _, a := range old.Actions {
			take(a)
		}
	}
	for _, a := range next.Actions {
		take(a)
	}

	merged := make([]Action, 0, len(order))
	for _, p := range order {
		merged = append(merged, chosen[p])
	}
	next.Actions = merged
	return next
}
