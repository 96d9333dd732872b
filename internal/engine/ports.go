package engine

import (
	"context"
	"time"
)

// MetricsSource returns daily metric rows for objects within a date range.
type MetricsSource interface {
	Query(ctx context.Context, accountID string, ids []ObjectID, kind ObjectKind, dr DateRange) ([]MetricRecord, error)
}

// LabelResolver maps label ids to the objects currently carrying any of them.
// An empty label set resolves every object of the kind in the account.
type LabelResolver interface {
	Resolve(ctx context.Context, accountID string, labels []LabelID, kind ObjectKind) ([]ObjectRef, error)
}

// AdPlatform mutates and reads ad objects on the advertising platform.
// Budgets are daily budgets in account-currency major units.
type AdPlatform interface {
	SetStatus(ctx context.Context, obj ObjectRef, status PlatformStatus) error
	SetBudget(ctx context.Context, obj ObjectRef, dailyBudget float64) error
	CurrentBudget(ctx context.Context, obj ObjectRef) (float64, error)
	CurrentStatus(ctx context.Context, obj ObjectRef) (PlatformStatus, error)
}

// RuleStore loads rules.
type RuleStore interface {
	ListActive(ctx context.Context) ([]Rule, error)
	Get(ctx context.Context, id string) (Rule, error)
	MarkRun(ctx context.Context, id string, at time.Time) error
}

// HistoryStore tracks per (rule, object) executions for the guardrail gate.
type HistoryStore interface {
	// ExecutionHistory counts executions at or after since; a zero since counts all.
	ExecutionHistory(ctx context.Context, ruleID string, objectID ObjectID, since time.Time) (ObjectExecutionState, error)
	RecordExecution(ctx context.Context, ruleID string, obj ObjectRef, at time.Time) error
}

// RevertStore persists pending reverts.
type RevertStore interface {
	// InsertSuperseding atomically marks the pending reverts of rev's rule and
	// object as superseded and inserts merge(prev, rev). prev also holds the
	// in_progress reverts of the pair, which keep their status.
	InsertSuperseding(ctx context.Context, rev PendingRevert, merge func(prev []PendingRevert, next PendingRevert) PendingRevert) (PendingRevert, error)
	// ClaimDue moves up to limit due pending reverts to in_progress and returns them.
	ClaimDue(ctx context.Context, now time.Time, limit int) ([]PendingRevert, error)
	// Complete moves a claimed revert to a terminal status.
	Complete(ctx context.Context, id string, status RevertStatus, errMsg string, at time.Time) error
	// Release returns a claimed revert to pending so a later sweep retries it.
	Release(ctx context.Context, id string) error
	// FailStale fails in_progress reverts claimed before olderThan.
	FailStale(ctx context.Context, olderThan time.Time, at time.Time) (int, error)
	// Pending lists non-terminal reverts for a rule and object.
	Pending(ctx context.Context, ruleID string, objectID ObjectID) ([]PendingRevert, error)
}

// LogStore is the append-only execution log.
type LogStore interface {
	Append(ctx context.Context, entry ExecutionLogEntry) error
	ListByRule(ctx context.Context, ruleID string, limit int) ([]ExecutionLogEntry, error)
}

// Locker serializes work on one key. The returned unlock must be called once.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// Notifier receives every persisted log entry. Failures never affect a run.
type Notifier interface {
	PublishExecution(ctx context.Context, entry ExecutionLogEntry) error
}
