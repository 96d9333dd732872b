// Package scheduler drives rule invocations on their check intervals and
// runs the revert sweep.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"ad-rule-engine/internal/cache"
	"ad-rule-engine/internal/engine"
	"ad-rule-engine/internal/observability"
)

// Runner executes rules and reverts. *engine.Runner satisfies it.
type Runner interface {
	RunRule(ctx context.Context, rule engine.Rule, opts engine.RunOptions) engine.ExecutionLogEntry
	SweepReverts(ctx context.Context, now time.Time) []engine.RevertOutcome
}

type Config struct {
	Tick          time.Duration
	SweepInterval time.Duration
	Now           func() time.Time
}

// Scheduler holds the active-rule snapshot and launches due rules without
// letting a slow rule block the others. A rule never has two invocations in
// flight in the same process.
type Scheduler struct {
	store  engine.RuleStore
	runner Runner
	conf   Config
	rules  cache.Snapshot[[]engine.Rule]

	mu       sync.Mutex
	inFlight map[string]bool
	lastRun  map[string]time.Time
	sweeping bool
	wg       sync.WaitGroup
}

func New(store engine.RuleStore, runner Runner, conf Config) *Scheduler {
	if conf.Tick <= 0 {
		conf.Tick = 30 * time.Second
	}
	if conf.SweepInterval <= 0 {
		conf.SweepInterval = time.Minute
	}
	if conf.Now == nil {
		conf.Now = time.Now
	}
	return &Scheduler{
		store:    store,
		runner:   runner,
		conf:     conf,
		inFlight: map[string]bool{},
		lastRun:  map[string]time.Time{},
	}
}

// Refresh reloads the active rules. Invalid rules are dropped with an error
// log so one bad row cannot stop the rest.
func (s *Scheduler) Refresh(ctx context.Context) error {
	rules, err := s.store.ListActive(ctx)
	if err != nil {
		observability.StoreErrors.WithLabelValues("list_rules").Inc()
		return err
	}
	valid := rules[:0:0]
	for _, r := range rules {
		if err := r.Validate(); err != nil {
			log.Error().Err(err).Str("rule_id", r.ID).Msg("skipping invalid rule")
			continue
		}
		valid = append(valid, r.Normalize())
	}
	s.rules.Store(valid)
	log.Info().Int("rules", len(valid)).Msg("rule snapshot refreshed")
	return nil
}

// Rules returns the current snapshot.
func (s *Scheduler) Rules() []engine.Rule {
	rules, _ := s.rules.Load()
	return rules
}

// Rule looks up one rule in the snapshot.
func (s *Scheduler) Rule(id string) (engine.Rule, bool) {
	for _, r := range s.Rules() {
		if r.ID == id {
			return r, true
		}
	}
	return engine.Rule{}, false
}

// Tick launches every due rule that is not already running and returns how
// many were started.
func (s *Scheduler) Tick(ctx context.Context) int {
	now := s.conf.Now()
	started := 0
	for _, r := range s.Rules() {
		s.mu.Lock()
		if last, ok := s.lastRun[r.ID]; ok && last.After(r.LastRunAt) {
			r.LastRunAt = last
		}
		if s.inFlight[r.ID] || !r.Due(now) {
			s.mu.Unlock()
			continue
		}
		s.inFlight[r.ID] = true
		s.lastRun[r.ID] = now
		s.mu.Unlock()

		started++
		s.wg.Add(1)
		go s.run(ctx, r, now)
	}
	return started
}

func (s *Scheduler) run(ctx context.Context, rule engine.Rule, startedAt time.Time) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.inFlight, rule.ID)
		s.mu.Unlock()
	}()

	entry := s.runner.RunRule(ctx, rule, engine.RunOptions{})
	if err := s.store.MarkRun(context.WithoutCancel(ctx), rule.ID, startedAt); err != nil {
		observability.StoreErrors.WithLabelValues("mark_run").Inc()
		log.Error().Err(err).Str("rule_id", rule.ID).Msg("mark rule run")
	}
	log.Debug().Str("rule_id", rule.ID).Str("status", string(entry.Status)).Msg("scheduled run finished")
}

// Sweep executes due reverts once.
func (s *Scheduler) Sweep(ctx context.Context) []engine.RevertOutcome {
	out := s.runner.SweepReverts(ctx, s.conf.Now())
	if len(out) > 0 {
		log.Info().Int("reverts", len(out)).Msg("revert sweep finished")
	}
	return out
}

// startSweep runs one sweep in the background unless the previous one is
// still going, so a slow sweep never delays rule ticks.
func (s *Scheduler) startSweep(ctx context.Context) bool {
	s.mu.Lock()
	if s.sweeping {
		s.mu.Unlock()
		log.Debug().Msg("revert sweep still running; skipping")
		return false
	}
	s.sweeping = true
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			s.sweeping = false
			s.mu.Unlock()
		}()
		s.Sweep(ctx)
	}()
	return true
}

// Run ticks until ctx is cancelled, then waits for in-flight invocations.
func (s *Scheduler) Run(ctx context.Context) {
	tick := time.NewTicker(s.conf.Tick)
	defer tick.Stop()
	sweep := time.NewTicker(s.conf.SweepInterval)
	defer sweep.Stop()

	log.Info().Dur("tick", s.conf.Tick).Dur("sweep_interval", s.conf.SweepInterval).Msg("scheduler started")
	s.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			s.Wait()
			log.Info().Msg("scheduler stopped")
			return
		case <-tick.C:
			s.Tick(ctx)
		case <-sweep.C:
			s.startSweep(ctx)
		}
	}
}

// Wait blocks until every launched invocation and sweep has finished.
func (s *Scheduler) Wait() { s.wg.Wait() }
