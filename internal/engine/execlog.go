package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// LogKind distinguishes rule invocations from revert executions.
type LogKind string

const (
	LogRuleRun LogKind = "rule_run"
	LogRevert  LogKind = "revert"
)

// RunStatus is the terminal status of a log entry.
type RunStatus string

const (
	RunSuccess        RunStatus = "success"
	RunPartial        RunStatus = "partial"
	RunFailed         RunStatus = "failed"
	RunSkippedNoMatch RunStatus = "skipped_no_match"
)

func (s RunStatus) Terminal() bool {
	switch s {
	case RunSuccess, RunPartial, RunFailed, RunSkippedNoMatch:
		return true
	}
	return false
}

// ObjectResult is the per-object outcome recorded in the log.
type ObjectResult string

const (
	ResultSuccess      ObjectResult = "success"
	ResultSkipped      ObjectResult = "skipped"
	ResultFailed       ObjectResult = "failed"
	ResultNotMatched   ObjectResult = "not_matched"
	ResultNoData       ObjectResult = "no_data"
	ResultWouldExecute ObjectResult = "would_execute"
)

// ObjectOutcome is one element of an entry's details.
type ObjectOutcome struct {
	Object     ObjectRef         `json:"object"`
	Matched    bool              `json:"matched"`
	Conditions []ConditionResult `json:"conditions,omitempty"`
	Result     ObjectResult      `json:"result"`
	Reason     string            `json:"reason,omitempty"`
	Detail     string            `json:"detail,omitempty"`
	Actions    []ActionResult    `json:"actions,omitempty"`
	// Planned lists the actions a dry run would have executed.
	Planned  []Action  `json:"planned,omitempty"`
	RevertID string    `json:"revert_id,omitempty"`
	RevertAt time.Time `json:"revert_at,omitempty"`
}

func (o ObjectOutcome) attempted() bool { return len(o.Actions) > 0 }

// ExecutionLogEntry is the append-only audit record of one invocation.
type ExecutionLogEntry struct {
	ID             string          `json:"id"`
	Kind           LogKind         `json:"kind"`
	RuleID         string          `json:"rule_id"`
	RuleName       string          `json:"rule_name,omitempty"`
	AccountID      string          `json:"account_id,omitempty"`
	DryRun         bool            `json:"dry_run"`
	Status         RunStatus       `json:"status"`
	Message        string          `json:"message,omitempty"`
	Error          string          `json:"error,omitempty"`
	Unscoped       bool            `json:"unscoped"`
	DateRange      DateRange       `json:"date_range"`
	StartedAt      time.Time       `json:"started_at"`
	FinishedAt     time.Time       `json:"finished_at"`
	EvaluatedCount int             `json:"evaluated_count"`
	MatchedCount   int             `json:"matched_count"`
	Details        []ObjectOutcome `json:"details"`
}

// NewID returns a time-ordered identifier for log entries and reverts.
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// summarize fills the counters and derives the status of an invocation that
// did not abort.
func (e *ExecutionLogEntry) summarize() {
	e.EvaluatedCount = 0
	e.MatchedCount = 0
	attempted, failed := 0, 0
	for _, d := range e.Details {
		if d.Result != ResultNoData {
			e.EvaluatedCount++
		}
		if d.Matched {
			e.MatchedCount++
		}
		if d.attempted() || d.Result == ResultFailed {
			attempted++
			if d.Result == ResultFailed {
				failed++
			}
		}
	}

	switch {
	case e.MatchedCount == 0:
		e.Status = RunSkippedNoMatch
		if e.Message == "" {
			e.Message = "no objects matched"
		}
	case attempted == 0:
		e.Status = RunSuccess
	case failed == 0:
		e.Status = RunSuccess
	case failed == attempted:
		e.Status = RunFailed
	default:
		e.Status = RunPartial
	}
}

// ExecutionLogger persists each entry exactly once, after it is terminal.
type ExecutionLogger struct {
	Store    LogStore
	Notifier Notifier
	Timeout  time.Duration
}

// Write stores a terminal entry and notifies subscribers. It detaches from
// the caller's cancellation so an expired run still leaves its record.
func (l *ExecutionLogger) Write(ctx context.Context, entry ExecutionLogEntry) error {
	if !entry.Status.Terminal() {
		return fmt.Errorf("execution log %s: status %q is not terminal", entry.ID, entry.Status)
	}
	ctx = context.WithoutCancel(ctx)
	if l.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.Timeout)
		defer cancel()
	}

	if err := l.Store.Append(ctx, entry); err != nil {
		return fmt.Errorf("append execution log %s: %w", entry.ID, err)
	}
	if l.Notifier != nil {
		if err := l.Notifier.PublishExecution(ctx, entry); err != nil {
			log.Warn().Err(err).Str("log_id", entry.ID).Msg("publish execution log")
		}
	}
	return nil
}
