package engine

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock(t time.Time) *fakeClock { return &fakeClock{t: t} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fakeLabels struct {
	objects []ObjectRef
	err     error
}

func (f *fakeLabels) Resolve(_ context.Context, _ string, _ []LabelID, _ ObjectKind) ([]ObjectRef, error) {
	return f.objects, f.err
}

type fakeMetrics struct {
	rows []MetricRecord
	err  error
}

func (f *fakeMetrics) Query(_ context.Context, _ string, _ []ObjectID, _ ObjectKind, _ DateRange) ([]MetricRecord, error) {
	return f.rows, f.err
}

type fakePlatform struct {
	mu        sync.Mutex
	status    map[ObjectID]PlatformStatus
	budget    map[ObjectID]float64
	setErr    map[ObjectID]error
	budgetErr error
	writes    int
}

func newFakePlatform() *fakePlatform {
	return &fakePlatform{
		status: map[ObjectID]PlatformStatus{},
		budget: map[ObjectID]float64{},
		setErr: map[ObjectID]error{},
	}
}

func (p *fakePlatform) SetStatus(_ context.Context, obj ObjectRef, s PlatformStatus) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.setErr[obj.ID]; err != nil {
		return err
	}
	p.writes++
	p.status[obj.ID] = s
	return nil
}

func (p *fakePlatform) SetBudget(_ context.Context, obj ObjectRef, b float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.setErr[obj.ID]; err != nil {
		return err
	}
	p.writes++
	p.budget[obj.ID] = b
	return nil
}

func (p *fakePlatform) CurrentBudget(_ context.Context, obj ObjectRef) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.budgetErr != nil {
		return 0, p.budgetErr
	}
	return p.budget[obj.ID], nil
}

func (p *fakePlatform) CurrentStatus(_ context.Context, obj ObjectRef) (PlatformStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.status[obj.ID]
	if !ok {
		return StatusActive, nil
	}
	return s, nil
}

func (p *fakePlatform) Status(id ObjectID) PlatformStatus {
	s, _ := p.CurrentStatus(context.Background(), ObjectRef{ID: id})
	return s
}

type execKey struct {
	rule string
	obj  ObjectID
}

type fakeHistory struct {
	mu      sync.Mutex
	records map[execKey][]time.Time
	readErr error
}

func newFakeHistory() *fakeHistory { return &fakeHistory{records: map[execKey][]time.Time{}} }

func (h *fakeHistory) ExecutionHistory(_ context.Context, ruleID string, id ObjectID, since time.Time) (ObjectExecutionState, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.readErr != nil {
		return ObjectExecutionState{}, h.readErr
	}
	var st ObjectExecutionState
	for _, at := range h.records[execKey{ruleID, id}] {
		if at.After(st.LastExecutedAt) {
			st.LastExecutedAt = at
		}
		if since.IsZero() || !at.Before(since) {
			st.Count++
		}
	}
	return st, nil
}

func (h *fakeHistory) RecordExecution(_ context.Context, ruleID string, obj ObjectRef, at time.Time) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	k := execKey{ruleID, obj.ID}
	h.records[k] = append(h.records[k], at)
	return nil
}

type fakeReverts struct {
	mu   sync.Mutex
	revs map[string]*PendingRevert
}

func newFakeReverts() *fakeReverts { return &fakeReverts{revs: map[string]*PendingRevert{}} }

func (f *fakeReverts) InsertSuperseding(_ context.Context, rev PendingRevert, merge func([]PendingRevert, PendingRevert) PendingRevert) (PendingRevert, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var prev []PendingRevert
	for _, r := range f.revs {
		if r.RuleID != rev.RuleID || r.Object.ID != rev.Object.ID {
			continue
		}
		switch r.Status {
		case RevertInProgress:
			prev = append(prev, *r)
		case RevertPending:
			r.Status = RevertSuperseded
			prev = append(prev, *r)
		}
	}
	rev = merge(prev, rev)
	f.revs[rev.ID] = &rev
	return rev, nil
}

func (f *fakeReverts) ClaimDue(_ context.Context, now time.Time, limit int) ([]PendingRevert, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []PendingRevert
	for _, r := range f.revs {
		if r.Status == RevertPending && !r.RevertAt.After(now) {
			r.Status = RevertInProgress
			r.ClaimedAt = now
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RevertAt.Before(out[j].RevertAt) })
	if len(out) > limit {
		for _, r := range out[limit:] {
			f.revs[r.ID].Status = RevertPending
		}
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeReverts) Complete(_ context.Context, id string, status RevertStatus, errMsg string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.revs[id]
	if !ok || r.Status != RevertInProgress {
		return ErrRevertNotClaimed
	}
	r.Status, r.Error, r.FinishedAt = status, errMsg, at
	return nil
}

func (f *fakeReverts) Release(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.revs[id]
	if !ok || r.Status != RevertInProgress {
		return ErrRevertNotClaimed
	}
	r.Status, r.ClaimedAt = RevertPending, time.Time{}
	return nil
}

func (f *fakeReverts) FailStale(_ context.Context, olderThan, at time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, r := range f.revs {
		if r.Status == RevertInProgress && r.ClaimedAt.Before(olderThan) {
			r.Status, r.Error, r.FinishedAt = RevertFailed, "claim abandoned", at
			n++
		}
	}
	return n, nil
}

func (f *fakeReverts) Pending(_ context.Context, ruleID string, id ObjectID) ([]PendingRevert, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []PendingRevert
	for _, r := range f.revs {
		if r.RuleID == ruleID && r.Object.ID == id && !r.Status.Terminal() {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (f *fakeReverts) all() []PendingRevert {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]PendingRevert, 0, len(f.revs))
	for _, r := range f.revs {
		out = append(out, *r)
	}
	return out
}

type fakeLogs struct {
	mu      sync.Mutex
	entries []ExecutionLogEntry
	err     error
}

func (l *fakeLogs) Append(_ context.Context, e ExecutionLogEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return l.err
	}
	l.entries = append(l.entries, e)
	return nil
}

func (l *fakeLogs) ListByRule(_ context.Context, ruleID string, limit int) ([]ExecutionLogEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []ExecutionLogEntry
	for i := len(l.entries) - 1; i >= 0 && len(out) < limit; i-- {
		if l.entries[i].RuleID == ruleID {
			out = append(out, l.entries[i])
		}
	}
	return out, nil
}

func (l *fakeLogs) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

type fakeNotifier struct {
	mu        sync.Mutex
	published []ExecutionLogEntry
}

func (n *fakeNotifier) PublishExecution(_ context.Context, e ExecutionLogEntry) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.published = append(n.published, e)
	return errors.New("broker down")
}
