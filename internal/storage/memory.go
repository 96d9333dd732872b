package storage

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"ad-rule-engine/internal/engine"
)

// Memory is an in-process implementation of the engine persistence ports,
// used for sandbox runs and tests. Reads return copies.
type Memory struct {
	mu      sync.RWMutex
	rules   map[string]engine.Rule
	objects map[engine.ObjectID]memObject
	metrics []engine.MetricRecord
	history map[historyKey][]time.Time
	reverts map[string]engine.PendingRevert
	logs    []engine.ExecutionLogEntry
}

type memObject struct {
	ref       engine.ObjectRef
	accountID string
	labels    []engine.LabelID
}

type historyKey struct {
	ruleID   string
	objectID engine.ObjectID
}

func NewMemory() *Memory {
	return &Memory{
		rules:   map[string]engine.Rule{},
		objects: map[engine.ObjectID]memObject{},
		history: map[historyKey][]time.Time{},
		reverts: map[string]engine.PendingRevert{},
	}
}

// ReplaceRules swaps the full rule set, keeping last_run_at of rules that survive.
func (m *Memory) ReplaceRules(rules []engine.Rule) {
	m.mu.Lock()
	defer m.mu.Unlock()
	next := make(map[string]engine.Rule, len(rules))
	for _, r := range rules {
		if old, ok := m.rules[r.ID]; ok && r.LastRunAt.IsZero() {
			r.LastRunAt = old.LastRunAt
		}
		next[r.ID] = r
	}
	m.rules = next
}

func (m *Memory) UpsertRule(_ context.Context, r engine.Rule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.rules[r.ID]; ok {
		r.LastRunAt = old.LastRunAt
	}
	m.rules[r.ID] = r
	return nil
}

func (m *Memory) ListActive(_ context.Context) ([]engine.Rule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]engine.Rule, 0, len(m.rules))
	for _, r := range m.rules {
		if r.Active {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) Get(_ context.Context, id string) (engine.Rule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rules[id]
	if !ok {
		return engine.Rule{}, fmt.Errorf("%w: %s", engine.ErrRuleNotFound, id)
	}
	return r, nil
}

func (m *Memory) MarkRun(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rules[id]
	if !ok {
		return fmt.Errorf("%w: %s", engine.ErrRuleNotFound, id)
	}
	r.LastRunAt = at
	m.rules[id] = r
	return nil
}

// PutObject registers an ad object and its labels.
func (m *Memory) PutObject(accountID string, obj engine.ObjectRef, labels ...engine.LabelID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[obj.ID] = memObject{ref: obj, accountID: accountID, labels: slices.Clone(labels)}
}

// PutMetrics appends daily metric rows.
func (m *Memory) PutMetrics(rows ...engine.MetricRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.metrics = append(m.metrics, rows...)
}

func (m *Memory) Resolve(_ context.Context, accountID string, labels []engine.LabelID, kind engine.ObjectKind) ([]engine.ObjectRef, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []engine.ObjectRef
	for _, o := range m.objects {
		if o.accountID != accountID || o.ref.Kind != kind {
			continue
		}
		if len(labels) == 0 || slices.ContainsFunc(o.labels, func(l engine.LabelID) bool { return slices.Contains(labels, l) }) {
			out = append(out, o.ref)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) Query(_ context.Context, accountID string, ids []engine.ObjectID, kind engine.ObjectKind, dr engine.DateRange) ([]engine.MetricRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []engine.MetricRecord
	for _, row := range m.metrics {
		o, ok := m.objects[row.ObjectID]
		if !ok || o.accountID != accountID || o.ref.Kind != kind || !slices.Contains(ids, row.ObjectID) {
			continue
		}
		day := dayOf(row.Date)
		if !dr.From.IsZero() && day.Before(dayOf(dr.From)) {
			continue
		}
		if day.After(dayOf(dr.To)) {
			continue
		}
		row.Kind = kind
		out = append(out, row)
	}
	return out, nil
}

func dayOf(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func (m *Memory) ExecutionHistory(_ context.Context, ruleID string, objectID engine.ObjectID, since time.Time) (engine.ObjectExecutionState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var st engine.ObjectExecutionState
	for _, at := range m.history[historyKey{ruleID, objectID}] {
		if at.After(st.LastExecutedAt) {
			st.LastExecutedAt = at
		}
		if since.IsZero() || !at.Before(since) {
			st.Count++
		}
	}
	return st, nil
}

func (m *Memory) RecordExecution(_ context.Context, ruleID string, obj engine.ObjectRef, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := historyKey{ruleID, obj.ID}
	m.history[k] = append(m.history[k], at)
	return nil
}

func (m *Memory) InsertSuperseding(_ context.Context, rev engine.PendingRevert, merge func([]engine.PendingRevert, engine.PendingRevert) engine.PendingRevert) (engine.PendingRevert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var prev []engine.PendingRevert
	for id, r := range m.reverts {
		if r.RuleID != rev.RuleID || r.Object.ID != rev.Object.ID {
			continue
		}
		switch r.Status {
		case engine.RevertInProgress:
			prev = append(prev, cloneRevert(r))
		case engine.RevertPending:
			prev = append(prev, cloneRevert(r))
			r.Status = engine.RevertSuperseded
			r.FinishedAt = rev.CreatedAt
			m.reverts[id] = r
		}
	}
	rev = merge(prev, rev)
	m.reverts[rev.ID] = cloneRevert(rev)
	return rev, nil
}

func (m *Memory) ClaimDue(_ context.Context, now time.Time, limit int) ([]engine.PendingRevert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var due []engine.PendingRevert
	for _, r := range m.reverts {
		if r.Status == engine.RevertPending && !r.RevertAt.After(now) {
			due = append(due, r)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].RevertAt.Before(due[j].RevertAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	out := make([]engine.PendingRevert, len(due))
	for i, r := range due {
		r.Status = engine.RevertInProgress
		r.ClaimedAt = now
		m.reverts[r.ID] = r
		out[i] = cloneRevert(r)
	}
	return out, nil
}

func (m *Memory) Complete(_ context.Context, id string, status engine.RevertStatus, errMsg string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reverts[id]
	if !ok || r.Status != engine.RevertInProgress {
		return fmt.Errorf("%w: %s", engine.ErrRevertNotClaimed, id)
	}
	r.Status, r.Error, r.FinishedAt = status, errMsg, at
	m.reverts[id] = r
	return nil
}

func (m *Memory) Release(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reverts[id]
	if !ok || r.Status != engine.RevertInProgress {
		return fmt.Errorf("%w: %s", engine.ErrRevertNotClaimed, id)
	}
	r.Status, r.ClaimedAt = engine.RevertPending, time.Time{}
	m.reverts[id] = r
	return nil
}

func (m *Memory) FailStale(_ context.Context, olderThan, at time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, r := range m.reverts {
		if r.Status == engine.RevertInProgress && r.ClaimedAt.Before(olderThan) {
			r.Status, r.Error, r.FinishedAt = engine.RevertFailed, "claim abandoned", at
			m.reverts[id] = r
			n++
		}
	}
	return n, nil
}

func (m *Memory) Pending(_ context.Context, ruleID string, objectID engine.ObjectID) ([]engine.PendingRevert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []engine.PendingRevert
	for _, r := range m.reverts {
		if r.RuleID == ruleID && r.Object.ID == objectID && !r.Status.Terminal() {
			out = append(out, cloneRevert(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Revert returns a stored revert by id.
func (m *Memory) Revert(id string) (engine.PendingRevert, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.reverts[id]
	return cloneRevert(r), ok
}

func cloneRevert(r engine.PendingRevert) engine.PendingRevert {
	r.Actions = slices.Clone(r.Actions)
	return r
}

func (m *Memory) Append(_ context.Context, e engine.ExecutionLogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logs = append(m.logs, e)
	return nil
}

func (m *Memory) ListByRule(_ context.Context, ruleID string, limit int) ([]engine.ExecutionLogEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []engine.ExecutionLogEntry{}
	for i := len(m.logs) - 1; i >= 0; i-- {
		if limit > 0 && len(out) >= limit {
			break
		}
		if m.logs[i].RuleID == ruleID {
			out = append(out, m.logs[i])
		}
	}
	return out, nil
}
