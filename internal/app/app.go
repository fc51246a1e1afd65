package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"taskwarden/internal/config"
	"taskwarden/internal/eventbus"
	"taskwarden/internal/lifecycle"
	"taskwarden/internal/observability/diag"
	"taskwarden/internal/observability/metrics"
	"taskwarden/internal/runtime/supervisor"
	"taskwarden/internal/storage"
	"taskwarden/internal/task/scheduler"
	"taskwarden/internal/task/verify"
	logx "taskwarden/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus
	reg  *prometheus.Registry
	open storage.Opener

	stopGrace time.Duration

	sched    *scheduler.Service
	verifier *verify.Engine
	lc       *lifecycle.Manager
	metrics  *metrics.Collector
	diag     *diag.Service
}

// New loads the config at cfgPath and builds every service. Nothing runs
// until Start.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validateMapped(cfg); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg))
	appLog := log.With(logx.Component("app"))

	bus := eventbus.New()

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	open := storage.NewOpener(sc, log.With(logx.Component("storage")))

	schedCfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		return nil, err
	}
	sched := scheduler.New(schedCfg, log.With(logx.Component("scheduler")), bus)

	var components []lifecycle.Component
	var eng *verify.Engine
	if cfg.Verification.IsEnabled() {
		interval, timeout, err := verificationSchedule(cfg)
		if err != nil {
			return nil, err
		}
		eng = verify.New(open,
			verify.WithLogger(log.With(logx.Component("verify"))),
			verify.WithBus(bus),
		)
		components = append(components, verify.Component{Engine: eng, Interval: interval, Timeout: timeout})
		appLog.Info("verification enabled",
			logx.String("driver", sc.Driver),
			logx.Duration("interval", interval),
			logx.Duration("timeout", timeout),
		)
	} else {
		appLog.Warn("verification disabled via config")
	}

	lc := lifecycle.New(sched, log.With(logx.Component("lifecycle")), components...)
	hi, err := healthInterval(cfg)
	if err != nil {
		return nil, err
	}
	if hi > 0 {
		if err := lc.Attach(lifecycle.NewHealthReporter(lc, hi, log.With(logx.Component("health")))); err != nil {
			return nil, err
		}
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	mc := metrics.New(reg, bus, log.With(logx.Component("metrics")))

	dc, err := mapDiagConfig(cfg)
	if err != nil {
		return nil, err
	}
	a := &App{
		cfgPath:   cfgPath,
		cfgm:      cfgm,
		log:       appLog,
		logs:      logSvc,
		bus:       bus,
		reg:       reg,
		open:      open,
		stopGrace: schedCfg.StopGrace,
		sched:     sched,
		verifier:  eng,
		lc:        lc,
		metrics:   mc,
	}
	a.diag = diag.New(dc, log.With(logx.Component("diag")),
		diag.WithStats(func() any { return a.Stats() }),
		diag.WithGatherer(reg),
	)
	return a, nil
}

// Stats is the body of the diagnostics /stats endpoint.
type Stats struct {
	lifecycle.Snapshot
	Runtime supervisor.Snapshot `json:"runtime"`
}

// Stats combines the lifecycle snapshot with the app supervisor's
// goroutine view.
func (a *App) Stats() Stats {
	// sup is set once by Start; Snapshot tolerates a nil supervisor.
	return Stats{Snapshot: a.lc.Stats(), Runtime: a.sup.Snapshot()}
}

// Manager exposes the lifecycle manager.
func (a *App) Manager() *lifecycle.Manager { return a.lc }

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

// DiagAddr is the bound diagnostics address, or "" when the server is off.
func (a *App) DiagAddr() string { return a.diag.Addr() }

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.Component("config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validateMapped(cfg)
	})

	// Subscribe before the scheduler starts so the first runs are counted.
	a.sup.Go("metrics", func(c context.Context) error {
		return a.metrics.Run(c, a.bus)
	})

	if _, err := a.lc.Initialize(a.sup.Context()); err != nil {
		a.sup.Cancel()
		return errors.Wrap(err, "initialize lifecycle")
	}

	a.diag.Start(a.sup.Context())

	// Keep this debug-level to avoid noise for frequent jobs.
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

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
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						drained = true
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

	a.log.Info("app started", logx.String("config", a.cfgPath), logx.Strings("jobs", a.sched.Jobs()))
	return nil
}

// applyConfig hot-applies logging and diagnostics. Everything else needs a
// restart and is only reported.
func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}

	a.logs.Apply(mapLoggingConfig(newCfg))

	if dc, err := mapDiagConfig(newCfg); err != nil {
		a.log.Warn("invalid diagnostics config; keeping previous", logx.Err(err))
	} else {
		a.diag.Reconfigure(ctx, dc)
	}

	if pending := config.RestartRequired(sections); len(pending) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect",
			logx.String("sections", strings.Join(pending, ",")))
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

// VerifyOnce runs a single verification pass without starting the
// scheduler and releases the store afterwards.
func (a *App) VerifyOnce(ctx context.Context) (verify.Stats, error) {
	eng := a.verifier
	if eng == nil {
		eng = verify.New(a.open, verify.WithLogger(a.logs.Logger().With(logx.Component("verify"))))
	}
	stats, err := eng.Run(ctx)
	if cerr := eng.Cleanup(); cerr != nil {
		err = errors.CombineErrors(err, cerr)
	}
	return stats, err
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Helper: run a shutdown step with an upper bound so one component can't stall the whole stop.
	var stepErrs error
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem < max {
					max = rem
				}
			}
			if max <= 0 {
				max = time.Millisecond
			}
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
				stepErrs = errors.CombineErrors(stepErrs, errors.Wrapf(err, "stop %s", name))
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			// Contract: fn MUST honor stepCtx and return promptly. If it doesn't, log a leak signal.
			a.log.Warn(
				"stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
			go func() {
				err := <-done
				took := time.Since(start)
				if err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
				} else {
					a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
				}
			}()
		}
	}

	// The scheduler waits up to its stop grace for in-flight runs.
	step("lifecycle", a.stopGrace+time.Second, func(c context.Context) error { return a.lc.Shutdown(c) })
	step("diagnostics", time.Second, func(c context.Context) error { a.diag.Stop(c); return nil })

	// Cancel background loops (metrics, config watch/reload, event log) and wait for them.
	a.sup.Cancel()
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return stepErrs
}
