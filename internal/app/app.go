package app

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"agentcron/internal/agent"
	"agentcron/internal/config"
	"agentcron/internal/eventbus"
	"agentcron/internal/httpapi"
	"agentcron/internal/notifier"
	"agentcron/internal/observability/metrics"
	rtsup "agentcron/internal/runtime/supervisor"
	"agentcron/internal/storage"
	"agentcron/internal/task/executor"
	"agentcron/internal/task/progress"
	"agentcron/internal/task/record"
	"agentcron/internal/task/scheduler"
	logx "agentcron/pkg/logx"
	"agentcron/pkg/systemd"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const restoreTimeout = 10 * time.Second

// Replaced in tests.
var (
	openStorage = storage.Open
	newSender   = func(n *config.NotifierConfig) (notifier.Sender, error) {
		return notifier.NewTelegram(n.Token, n.ChatID, n.ThreadID)
	}
)

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	agents   *agent.Registry
	remotes  []string
	records  *record.Store
	progress *progress.Channel
	exec     *executor.Service
	sched    *scheduler.Service
	reader   *scheduler.Reader
	notif    *notifier.Service
	metrics  *metrics.Metrics
	registry *prometheus.Registry
	http     *httpapi.Server

	unsubMetrics func()
	stopped      atomic.Bool
}

// New loads the config and builds every component. Nothing runs until Start.
func New(cfgPath string) (_ *App, err error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, root := logx.NewService(mapLogConfig(cfg))
	log := root.With(logx.String("comp", "app"))
	bus := eventbus.New()

	var store storage.Store
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := openStorage(sc, root.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, err
		}
		store = st
		log.Info("storage enabled", logx.String("driver", sc.Driver), logx.String("path", sc.Path))
	}
	defer func() {
		if err != nil && store != nil {
			if cerr := store.Close(); cerr != nil {
				log.Warn("close storage failed", logx.Err(cerr))
			}
		}
	}()

	agents := agent.NewRegistry()
	remotes := syncAgents(agents, cfg.Agents, nil, log)

	sc := cfg.Scheduler
	records := record.NewStore(sc.EffectiveHistorySize(), sc.EffectiveMisfireHistory())
	if store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), restoreTimeout)
		recs, err := store.LoadRecords(ctx, sc.EffectiveHistorySize())
		cancel()
		if err != nil {
			log.Warn("restore records failed; starting with empty history", logx.Err(err))
		} else {
			log.Info("records restored", logx.Int("records", records.Restore(recs)))
		}
	}
	ch := progress.NewChannel(sc.EffectiveProgressBuffer())

	execOpts := []executor.Option{executor.WithBus(bus)}
	if store != nil {
		execOpts = append(execOpts, executor.WithPersister(store))
	}
	exec := executor.New(executor.Config{DefaultModel: sc.DefaultModel},
		root.With(logx.String("comp", "executor")), agents, records, ch, execOpts...)

	sched := scheduler.New(scheduler.OptionsFrom(sc), exec, records, root.With(logx.String("comp", "scheduler")), bus)
	if _, err := sched.Reload(sc); err != nil {
		return nil, err
	}

	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		return nil, err
	}
	var sender notifier.Sender
	if n := cfg.Notifier; n != nil && n.Enabled {
		snd, err := newSender(n)
		if err != nil {
			return nil, fmt.Errorf("notifier: %w", err)
		}
		sender = snd
	}
	notif := notifier.New(ncfg, sender, root.With(logx.String("comp", "notifier")), bus, store)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.MustNewMetrics(reg, metrics.Sources{
		InFlight:        func() int { return len(exec.InFlight()) },
		BusDropped:      bus.Dropped,
		ProgressDropped: ch.Dropped,
	})

	reader := scheduler.NewReader(sched)
	deps := httpapi.Deps{
		Status:   reader,
		Control:  sched,
		Progress: ch,
		Reloader: cfgm,
		Metrics:  metrics.Handler(reg),
	}
	if store != nil {
		deps.Audit = store
	}
	httpSrv := httpapi.NewServer(deps, root.With(logx.String("comp", "http")))

	return &App{
		cfgm:     cfgm,
		log:      log,
		logs:     logSvc,
		bus:      bus,
		store:    store,
		agents:   agents,
		remotes:  remotes,
		records:  records,
		progress: ch,
		exec:     exec,
		sched:    sched,
		reader:   reader,
		notif:    notif,
		metrics:  m,
		registry: reg,
		http:     httpSrv,
	}, nil
}

func (a *App) Reader() *scheduler.Reader { return a.reader }

func (a *App) Scheduler() *scheduler.Service { return a.sched }

// HTTPAddr is the bound API address, or "" when the API is off.
func (a *App) HTTPAddr() string { return a.http.Addr() }

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
		if _, _, err := mapStorageConfig(cfg); err != nil {
			return err
		}
		_, err := mapNotifierConfig(cfg)
		return err
	})

	if err := a.sched.Start(); err != nil {
		return err
	}
	// Alerts for invocations abandoned during Stop still go out, so the
	// notifier outlives the app context and is stopped explicitly.
	a.notif.Start(context.WithoutCancel(a.sup.Context()))

	events, unsub := a.bus.Subscribe(256)
	a.unsubMetrics = unsub
	a.sup.GoRestart("metrics.events", func(c context.Context) error {
		return a.metrics.Consume(c, events)
	})

	debugEvents, unsubDebug := a.bus.Subscribe(64)
	a.sup.Go("eventbus.log", func(c context.Context) error {
		defer unsubDebug()
		for {
			select {
			case <-c.Done():
				return nil
			case e, ok := <-debugEvents:
				if !ok {
					return nil
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.String("job", e.Job), logx.String("invocation", e.InvocationID))
			}
		}
	})

	a.http.Reconfigure(a.sup.Context(), httpapi.ConfigFrom(a.cfgm.Get().HTTP))

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return nil
			case next, ok := <-sub:
				if !ok {
					return nil
				}
				// Coalesce bursts: only the newest config matters.
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							next = newer
						}
					default:
						drained = true
					}
				}
				a.applyConfig(c, last, next)
				last = next
			}
		}
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})
	a.sup.Go("systemd.watchdog", func(c context.Context) error {
		return systemd.Watchdog(c, a.log)
	})

	snap := a.sched.Snapshot()
	if _, err := systemd.Ready(); err != nil {
		a.log.Warn("sd_notify READY failed", logx.Err(err))
	}
	_, _ = systemd.Status(fmt.Sprintf("%d jobs installed", len(snap.Jobs)))
	a.log.Info("app started", logx.Int("jobs", len(snap.Jobs)), logx.String("tz", snap.Timezone))
	return nil
}

// applyConfig fans a committed config out to the live components.
func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	a.log.Debug("config change summary", append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)...)

	a.logs.Apply(mapLogConfig(next))
	a.remotes = syncAgents(a.agents, next.Agents, a.remotes, a.log)

	if changes, err := a.sched.Reload(next.Scheduler); err != nil {
		a.log.Warn("scheduler reload rejected; keeping previous job table", logx.Err(err))
	} else if !changes.Empty() {
		_, _ = systemd.Status(fmt.Sprintf("%d jobs installed", len(a.sched.Installed())))
	}

	if ncfg, err := mapNotifierConfig(next); err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
	} else {
		wasEnabled := a.notif.Enabled()
		a.notif.Apply(ncfg)
		switch {
		case wasEnabled && !ncfg.Enabled:
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			a.notif.Stop(stopCtx)
			cancel()
		case !wasEnabled && ncfg.Enabled:
			a.notif.Start(context.WithoutCancel(ctx))
		}
	}

	a.http.Reconfigure(ctx, httpapi.ConfigFrom(next.HTTP))

	for _, s := range sections {
		if s == "storage" {
			a.log.Warn("storage config changed; restart required for changes to take effect")
		}
	}
	if notifierTarget(prev) != notifierTarget(next) {
		a.log.Warn("notifier token or chat changed; restart required for changes to take effect")
	}
	a.log.Info("config reloaded", append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)...)
}

func notifierTarget(cfg *config.Config) string {
	n := cfg.Notifier
	if n == nil || !n.Enabled {
		return ""
	}
	return fmt.Sprintf("%s/%d/%d", n.Token, n.ChatID, n.ThreadID)
}

// Stop shuts components down in dependency order: the API stops taking
// triggers, the scheduler drains in-flight invocations, then the notifier
// flushes alerts and storage closes.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil || !a.stopped.CompareAndSwap(false, true) {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	_, _ = systemd.Stopping()

	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		if max > 0 {
			if dl, ok := ctx.Deadline(); ok {
				max = min(max, time.Until(dl))
			}
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}

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

	shutdownTimeout := a.cfgm.Get().Scheduler.EffectiveShutdownTimeout()

	step("http", 2*time.Second, func(c context.Context) error { a.http.Stop(c); return nil })
	// The scheduler gets its own drain budget plus a little slack for the
	// abandon pass; Shutdown itself never blocks past timeout.
	step("scheduler", shutdownTimeout+2*time.Second, func(c context.Context) error {
		timeout := shutdownTimeout
		if dl, ok := c.Deadline(); ok {
			timeout = min(timeout, time.Until(dl)-time.Second)
		}
		return a.sched.Shutdown(timeout)
	})
	step("notifier", 3*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("metrics", time.Second, func(context.Context) error {
		if a.unsubMetrics != nil {
			a.unsubMetrics()
		}
		return nil
	})
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("storage", time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
