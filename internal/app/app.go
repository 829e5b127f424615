// Package app wires configuration, storage, the ranking client, the cycle
// coordinator and its triggers into one process.
package app

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"github.com/joho/godotenv"

	"banwatch/internal/audit"
	"banwatch/internal/config"
	"banwatch/internal/cycle"
	"banwatch/internal/metrics"
	"banwatch/internal/notifier"
	"banwatch/internal/observability"
	"banwatch/internal/ranking"
	rtsup "banwatch/internal/runtime/supervisor"
	"banwatch/internal/storage"
	"banwatch/internal/task/scheduler"
	kit "banwatch/internal/transport"
	"banwatch/internal/transport/telegram"
	"banwatch/internal/transport/telegram/router"
	logx "banwatch/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service

	store storage.Store
	audit *audit.CSVSink

	adapter kit.Adapter // nil without a telegram token
	router  *router.Router

	metrics *metrics.Collector
	coord   *cycle.Coordinator
	sched   *scheduler.Service
	notif   *notifier.Service
	obs     *observability.Server

	startedAt   time.Time
	lastOK      atomic.Int64 // unix nanos of the last successful cycle
	staleAfter  atomic.Int64
	checkQueued atomic.Bool

	updates chan kit.Message
}

func NewApp(cfgPath string) (*App, error) {
	// A .env next to the config may carry the ranking credential.
	if err := godotenv.Load(filepath.Join(filepath.Dir(cfgPath), ".env")); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validate(cfg, nil); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogging(cfg))
	log = log.With(logx.String("comp", "app"))

	var ad kit.Adapter
	if strings.TrimSpace(cfg.Telegram.Token) != "" {
		pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
		if err != nil {
			return nil, err
		}
		tg, err := telegram.New(telegram.Config{Token: cfg.Telegram.Token, PollTimeout: pollTimeout}, log.With(logx.String("comp", "telegram")))
		if err != nil {
			return nil, err
		}
		logSvc.SetSender(tg)
		ad = tg
	} else {
		log.Warn("telegram token is empty; chat delivery and commands are disabled")
	}

	sc, _ := mapStorage(cfg)
	store, err := storage.Open(sc, log)
	if err != nil {
		return nil, err
	}
	log.Info("storage ready", logx.String("driver", sc.Driver))

	a := &App{
		cfgm:      cfgm,
		log:       log,
		logs:      logSvc,
		store:     store,
		adapter:   ad,
		metrics:   metrics.New(),
		startedAt: time.Now(),
		updates:   make(chan kit.Message, 64),
	}

	var sink cycle.AuditSink
	if cfg.Audit.Enabled {
		a.audit, err = audit.OpenCSV(cfg.Audit.Path, log)
		if err != nil {
			_ = store.Close()
			return nil, err
		}
		sink = a.audit
	}

	rc, _ := mapRanking(cfg)
	exec := ranking.NewExecutor(ranking.NewHTTPTransport(rc.http), ranking.DefaultRetryPolicy(),
		ranking.WithLogger(log.With(logx.String("comp", "ranking"))),
		ranking.WithFailureObserver(a.metrics.RemoteFailure),
	)
	lb := ranking.NewLeaderboard(exec, rc.leaderboard, ranking.WithLeaderboardLogger(log))
	prober := ranking.NewProber(exec, rc.prober)

	ncfg, _ := mapNotifier(cfg)
	a.notif = notifier.New(ncfg, ad, log)

	ccfg, _ := mapCycle(cfg)
	a.coord = cycle.New(cycle.Deps{
		Store:       store,
		Leaderboard: lb,
		Prober:      prober,
		Notifier:    a.notif,
		Audit:       sink,
		Metrics:     cycleMetrics{Collector: a.metrics, app: a},
		Log:         log,
	}, ccfg)

	a.sched = scheduler.New(mapScheduler(cfg), a.scheduledRun, log.With(logx.String("comp", "scheduler")))
	if err := a.sched.Validate(mapScheduler(cfg)); err != nil {
		_ = a.closeStores()
		return nil, err
	}

	ocfg, stale, _ := mapObservability(cfg)
	a.staleAfter.Store(int64(stale))
	a.obs = observability.New(ocfg, a.metrics.Handler(), a.health, log)

	if ad != nil {
		a.router = router.New(ad, cfg.Telegram.OwnerUserIDs, log.With(logx.String("comp", "commands")))
		a.router.SetCommands(a.commands())
	}
	return a, nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validate(cfg, a.sched)
	})

	if a.adapter != nil {
		if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
			return err
		}
	}
	if a.notif.Enabled() {
		a.notif.Start(a.sup.Context())
	}
	a.obs.Start(a.sup.Context())

	if a.router != nil {
		a.router.UpdateMenu(a.sup.Context())
		a.sup.Go("commands.dispatch", func(c context.Context) error {
			return a.router.DispatchLoop(c, a.updates)
		})
	}

	if a.sched.Enabled() {
		if err := a.sched.Start(a.sup.Context()); err != nil {
			return err
		}
	}

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started")
	return nil
}

// applyConfig pushes a validated config to the running components.
func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	for _, s := range []string{"storage", "audit", "ranking"} {
		if slices.Contains(sections, s) {
			a.log.Warn("config section changed; restart required for it to take effect", logx.String("section", s))
		}
	}

	a.logs.Apply(mapLogging(next))
	if a.router != nil {
		a.router.SetOwners(next.Telegram.OwnerUserIDs)
	}

	if ccfg, err := mapCycle(next); err != nil {
		a.log.Warn("invalid cycle config; keeping previous", logx.Err(err))
	} else {
		a.coord.SetConfig(ccfg)
	}

	prevSched := a.sched.Enabled()
	scfg := mapScheduler(next)
	a.sched.Apply(scfg)
	switch {
	case prevSched && !scfg.Enabled:
		a.log.Info("schedule disabled via config")
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		a.sched.Stop(stopCtx)
		cancel()
	case !prevSched && scfg.Enabled:
		a.log.Info("schedule enabled via config")
		if err := a.sched.Start(ctx); err != nil {
			a.log.Warn("schedule start failed", logx.Err(err))
		}
	}

	if ncfg, err := mapNotifier(next); err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
	} else {
		prevNotif := a.notif.Enabled()
		a.notif.Apply(ncfg)
		switch {
		case prevNotif && !ncfg.Enabled:
			a.log.Info("notifier disabled via config")
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			a.notif.Stop(stopCtx)
			cancel()
		case !prevNotif && ncfg.Enabled:
			a.log.Info("notifier enabled via config")
			a.notif.Start(ctx)
		}
	}

	if ocfg, stale, err := mapObservability(next); err != nil {
		a.log.Warn("invalid observability config; keeping previous", logx.Err(err))
	} else {
		a.staleAfter.Store(int64(stale))
		a.obs.Reconfigure(ctx, ocfg)
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

// scheduledRun is the schedule's job. An in-flight cycle makes the tick a no-op.
func (a *App) scheduledRun(ctx context.Context) error {
	_, err := a.coord.TryRun(ctx, "schedule")
	if errors.Is(err, cycle.ErrBusy) {
		a.log.Info("scheduled cycle skipped; another cycle is running")
		return nil
	}
	return err
}

// health backs /healthz. It fails once no cycle has succeeded for stale_after.
func (a *App) health() error {
	stale := time.Duration(a.staleAfter.Load())
	if stale <= 0 {
		return nil
	}
	ref := a.startedAt
	if ns := a.lastOK.Load(); ns > 0 {
		ref = time.Unix(0, ns)
	}
	if since := time.Since(ref); since > stale {
		return fmt.Errorf("no successful cycle for %s", since.Round(time.Second))
	}
	return nil
}

// cycleMetrics records the last success for health on top of the Prometheus collector.
type cycleMetrics struct {
	*metrics.Collector
	app *App
}

func (m cycleMetrics) CycleFinished(trigger string, d time.Duration, err error) {
	m.Collector.CycleFinished(trigger, d, err)
	if err == nil {
		m.app.lastOK.Store(time.Now().UnixNano())
	}
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping")

	// Cancel first so background loops and an in-flight cycle start unwinding.
	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		if dl, ok := ctx.Deadline(); ok {
			max = min(max, time.Until(dl))
		}
		if max <= 0 {
			a.log.Warn("stop step skipped (deadline reached)", logx.String("name", name))
			return
		}
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("observability", time.Second, func(c context.Context) error { a.obs.Stop(c); return nil })
	// Drains queued notifications from the last cycle.
	step("notifier", 3*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	if a.adapter != nil {
		step("adapter", 2*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	}
	step("supervisor", 3*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("storage", time.Second, func(context.Context) error { return a.closeStores() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

func (a *App) closeStores() error {
	var errs []error
	if a.audit != nil {
		errs = append(errs, a.audit.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	return errors.Join(errs...)
}
