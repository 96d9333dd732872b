package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"ad-rule-engine/internal/api"
	"ad-rule-engine/internal/config"
	"ad-rule-engine/internal/engine"
	"ad-rule-engine/internal/listener"
	"ad-rule-engine/internal/notify"
	"ad-rule-engine/internal/observability"
	"ad-rule-engine/internal/platform"
	"ad-rule-engine/internal/rulesfile"
	"ad-rule-engine/internal/scheduler"
	"ad-rule-engine/internal/storage"
)

// App is the wired service. Commands that run a single operation use Build
// and Close; the long-running service uses Run.
type App struct {
	Config    config.Config
	Rules     engine.RuleStore
	Logs      engine.LogStore
	Runner    *engine.Runner
	Scheduler *scheduler.Scheduler

	pg       *storage.Store
	rulesSrc *rulesfile.Source
	closers  []func()
}

// persistence is the set of ports one storage driver provides.
type persistence interface {
	engine.LabelResolver
	engine.MetricsSource
	engine.HistoryStore
	engine.RevertStore
	engine.LogStore
}

func Build(ctx context.Context, cfg config.Config) (*App, error) {
	a := &App{Config: cfg}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	var (
		ports persistence
		locks engine.Locker
		mem   *storage.Memory
	)
	switch cfg.Storage.Driver {
	case config.StorageMemory:
		mem = storage.NewMemory()
		ports = mem
		log.Warn().Msg("using in-memory storage; state is lost on exit")
	default:
		st, err := storage.New(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("init storage: %w", err)
		}
		a.closers = append(a.closers, st.Close)
		if err := st.Ping(ctx); err != nil {
			return nil, fmt.Errorf("ping %s: %w", cfg.DSNRedacted(), err)
		}
		a.pg = st
		ports = st
		locks = st.Locker()
		a.Rules = st
	}

	if cfg.Rules.Source == config.RulesFromFile {
		src, err := rulesfile.NewSource(cfg.Rules.File)
		if err != nil {
			return nil, err
		}
		rules := mem
		if rules == nil {
			rules = storage.NewMemory()
		}
		src.Document().Apply(rules, mem != nil)
		a.rulesSrc = src
		a.Rules = rules
	}

	var ads engine.AdPlatform
	switch cfg.Platform.Driver {
	case config.PlatformGraph:
		ads = platform.NewGraph(platform.GraphConfig{
			BaseURL:     cfg.Platform.BaseURL,
			APIVersion:  cfg.Platform.APIVersion,
			AccessToken: cfg.Platform.AccessToken,
			Timeout:     cfg.Platform.Timeout,
		})
	default:
		ads = platform.NewMemory()
		log.Warn().Msg("using sandbox ad platform; no real changes are made")
	}

	var notifier engine.Notifier
	if cfg.NATS.URL != "" {
		pub, err := notify.Connect(cfg.NATS.URL, cfg.NATS.SubjectPrefix)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, pub.Close)
		notifier = pub
	}

	a.Logs = ports
	a.Runner = engine.NewRunner(engine.Deps{
		Labels:   ports,
		Metrics:  ports,
		History:  ports,
		Platform: ads,
		Reverts:  ports,
		Logs:     ports,
		Locks:    locks,
		Notifier: notifier,
	}, engine.Config{
		Workers:         cfg.Engine.Workers,
		UpstreamTimeout: cfg.Engine.UpstreamTimeout,
		ActionTimeout:   cfg.Engine.ActionTimeout,
		MaxRunDuration:  cfg.Engine.MaxRunDuration,
		MinDailyBudget:  cfg.Engine.MinDailyBudget,
		Location:        cfg.Location(),
		SweepBatch:      cfg.Scheduler.SweepBatch,
		StaleClaimAfter: cfg.Scheduler.StaleClaimAfter,
	})
	a.Scheduler = scheduler.New(a.Rules, a.Runner, scheduler.Config{
		Tick:          cfg.Scheduler.Tick,
		SweepInterval: cfg.Scheduler.SweepInterval,
	})
	if err := a.Scheduler.Refresh(ctx); err != nil {
		return nil, fmt.Errorf("initial rule load: %w", err)
	}
	ok = true
	return a, nil
}

// Handler is the HTTP API.
func (a *App) Handler() http.Handler {
	return api.Router(api.NewRuleHandler(a.Rules, a.Scheduler, a.Runner, a.Logs))
}

// Close releases connections in reverse order of creation.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// watchRules keeps the scheduler snapshot in sync with the rule source.
func (a *App) watchRules(ctx context.Context) error {
	if a.rulesSrc != nil {
		rules, _ := a.Rules.(*storage.Memory)
		a.rulesSrc.OnChange(func(doc rulesfile.Document) {
			doc.Apply(rules, false)
			if err := a.Scheduler.Refresh(ctx); err != nil {
				log.Error().Err(err).Msg("refresh rules after file change")
			}
		})
		stop, err := a.rulesSrc.Watch()
		if err != nil {
			return err
		}
		a.closers = append(a.closers, stop)
		return nil
	}
	if a.pg != nil {
		go listener.ListenAndRefresh(ctx, a.pg.PgxPool(), a.Scheduler, a.Config.Listener.Channel, a.Config.Backoff())
	}
	return nil
}

// Run serves the API and drives the scheduler until SIGINT or SIGTERM.
func Run(cfg config.Config) error {
	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := observability.SetupTracing(rootCtx, observability.TracingConfig{
		Endpoint:    cfg.Tracing.Endpoint,
		Insecure:    cfg.Tracing.Insecure,
		SampleRatio: cfg.Tracing.SampleRatio,
		ServiceName: cfg.Tracing.ServiceName,
	})
	if err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(ctx); err != nil {
			log.Error().Err(err).Msg("flush traces")
		}
	}()
	if cfg.Tracing.Endpoint != "" {
		log.Info().Str("endpoint", cfg.Tracing.Endpoint).Msg("exporting traces")
	}

	app, err := Build(rootCtx, cfg)
	if err != nil {
		return err
	}
	defer app.Close()

	if err := app.watchRules(rootCtx); err != nil {
		return err
	}

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      app.Handler(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: cfg.Engine.MaxRunDuration + 30*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	schedDone := make(chan struct{})
	go func() {
		defer close(schedDone)
		app.Scheduler.Run(rootCtx)
	}()

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.Server.Addr).Msg("http server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-waitForSignal():
		log.Info().Msg("shutdown...")
	case err := <-errCh:
		log.Error().Err(err).Msg("server crashed")
		cancel()
		<-schedDone
		return err
	}

	shCtx, shCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shCancel()
	_ = srv.Shutdown(shCtx)
	cancel() // stop background goroutines
	<-schedDone
	return nil
}

func waitForSignal() <-chan os.Signal {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	return c
}
