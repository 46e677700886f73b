// Package app wires the config manager, store, channel registry, dispatcher,
// reporting, and HTTP API into one process with ordered startup and shutdown.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"groupcast/internal/adapters/telegram"
	"groupcast/internal/api"
	"groupcast/internal/campaign"
	"groupcast/internal/channel"
	"groupcast/internal/config"
	"groupcast/internal/dispatch"
	"groupcast/internal/eventbus"
	"groupcast/internal/report"
	"groupcast/internal/runtime/supervisor"
	"groupcast/internal/store"
	logx "groupcast/pkg/logx"
)

type StopReason string

const (
	StopUnknown    StopReason = "unknown"
	StopSIGINT     StopReason = "sigint"
	StopSIGTERM    StopReason = "sigterm"
	StopFatalError StopReason = "fatal_error"
)

type App struct {
	cfgPath string
	cfgm    *config.Manager
	sup     *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store      store.Store
	reg        *channel.Registry
	campaigns  *campaign.Service
	dispatcher *dispatch.Service
	reports    *report.Aggregator
	api        *api.Server

	// adapters tracks live per-tenant connections keyed by tenant id, so
	// reload reconciliation and shutdown can close them.
	adapters map[string]*telegram.Adapter
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	st, err := store.Open(sc, log.With(logx.String("comp", "store")))
	if err != nil {
		return nil, err
	}
	log.Info("store opened", logx.String("driver", sc.Driver))

	reg := channel.NewRegistry(log.With(logx.String("comp", "registry")))
	campaigns := campaign.NewService(st, log.With(logx.String("comp", "campaign")))
	reports := report.NewAggregator(st, log.With(logx.String("comp", "report")))

	dcfg, err := mapDispatchConfig(cfg)
	if err != nil {
		return nil, err
	}
	dispatcher := dispatch.New(dcfg, st, reg, log.With(logx.String("comp", "dispatch")))

	acfg, err := mapAPIConfig(cfg)
	if err != nil {
		return nil, err
	}
	apiSrv := api.New(acfg, campaigns, st, reports, reg, log.With(logx.String("comp", "api")))

	return &App{
		cfgPath:    cfgPath,
		cfgm:       cfgm,
		log:        log,
		logs:       logSvc,
		bus:        bus,
		store:      st,
		reg:        reg,
		campaigns:  campaigns,
		dispatcher: dispatcher,
		reports:    reports,
		api:        apiSrv,
		adapters:   map[string]*telegram.Adapter{},
	}, nil
}

// Done is closed when the app supervisor context is cancelled (fatal error
// or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx,
		supervisor.WithLogger(a.log),
		supervisor.WithCancelOnError(true),
	)

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	// Reject a hot reload whose section mapping would fail after commit.
	a.cfgm.SetValidator(func(c context.Context, cfg *config.Config) error {
		if _, err := mapStorageConfig(cfg); err != nil {
			return err
		}
		if _, err := mapDispatchConfig(cfg); err != nil {
			return err
		}
		if _, err := mapAPIConfig(cfg); err != nil {
			return err
		}
		_, err := mapGapScanInterval(cfg)
		return err
	})

	// Subscribe before any tenant connects so a ready event published during
	// connect cannot precede the subscription and vanish.
	a.reg.Subscribe(a.bus)
	a.sup.Go0("channel.watch", func(c context.Context) {
		a.reg.Run(c)
	})

	cfg := a.cfgm.Get()
	for _, t := range cfg.Tenants {
		a.connectTenant(t)
	}

	if a.dispatcher.Enabled() {
		a.dispatcher.Start(a.sup.Context())
	}

	if cfg.Report.GapScanEnabled {
		every, err := mapGapScanInterval(cfg)
		if err != nil {
			return err
		}
		a.sup.Go0("report.gapscan", func(c context.Context) {
			a.reports.RunGapScan(c, every)
		})
	}

	if a.api.Enabled() {
		if err := a.api.Start(a.sup.Context()); err != nil {
			return fmt.Errorf("api start: %w", err)
		}
	}

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started", logx.Int("tenants", len(cfg.Tenants)))
	return nil
}

// connectTenant builds the tenant's adapter and connects it in the
// background with restart-on-failure, so one unreachable Telegram account
// doesn't stall startup or the other tenants.
func (a *App) connectTenant(t config.TenantConfig) {
	sendTimeout, err := config.ParseDurationOrDefault("telegram.send_timeout", t.Telegram.SendTimeout, 10*time.Second)
	if err != nil {
		a.log.Warn("tenant skipped", logx.String("tenant", t.ID), logx.Err(err))
		return
	}
	ad, err := telegram.New(telegram.Config{
		TenantID:    t.ID,
		Token:       t.Telegram.Token,
		SendTimeout: sendTimeout,
	}, a.bus, a.log.With(logx.String("comp", "telegram")))
	if err != nil {
		a.log.Warn("tenant skipped", logx.String("tenant", t.ID), logx.Err(err))
		return
	}
	a.adapters[t.ID] = ad

	a.sup.GoRestart("tenant."+t.ID+".connect", func(c context.Context) error {
		return ad.Connect(c)
	})
}

// reloadLoop applies committed config updates to the running services.
func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config.
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					goto APPLY
				}
			}
		APPLY:
			sections := config.ChangedSections(lastApplied, newCfg)
			if len(sections) == 0 {
				a.log.Debug("config reload received, but no effective changes detected")
				continue
			}
			a.applyConfig(ctx, lastApplied, newCfg, sections)
			lastApplied = newCfg
			a.log.Info("config reloaded", logx.String("changed", strings.Join(sections, ",")))
		}
	}
}

func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config, sections []string) {
	for _, s := range sections {
		switch {
		case s == "logging":
			a.logs.Apply(logx.Config{
				Level:   newCfg.Logging.Level,
				Console: newCfg.Logging.Console,
				File: logx.FileConfig{
					Enabled: newCfg.Logging.File.Enabled,
					Path:    newCfg.Logging.File.Path,
				},
			})
		case s == "dispatch":
			dcfg, err := mapDispatchConfig(newCfg)
			if err != nil {
				a.log.Warn("invalid dispatch config; keeping previous", logx.Err(err))
				continue
			}
			a.dispatcher.Apply(dcfg)
			switch {
			case oldCfg.Dispatch.Enabled && !newCfg.Dispatch.Enabled:
				a.log.Info("dispatcher disabled via config")
				stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
				a.dispatcher.Stop(stopCtx)
				cancel()
			case !oldCfg.Dispatch.Enabled && newCfg.Dispatch.Enabled:
				a.log.Info("dispatcher enabled via config")
				a.dispatcher.Start(ctx)
			}
		case s == "storage" || s == "api" || s == "report":
			a.log.Warn("config section changed; restart required for changes to take effect",
				logx.String("section", s))
		case strings.HasPrefix(s, "tenants"):
			a.reconcileTenants(newCfg)
		}
	}
}

// reconcileTenants connects adapters for newly declared tenants and closes
// adapters whose tenants were removed. Credential updates for an existing
// tenant take a reconnect: close now, the restart loop is gone, so log it.
func (a *App) reconcileTenants(newCfg *config.Config) {
	declared := make(map[string]config.TenantConfig, len(newCfg.Tenants))
	for _, t := range newCfg.Tenants {
		declared[t.ID] = t
	}

	for id, ad := range a.adapters {
		if _, keep := declared[id]; !keep {
			a.log.Info("tenant removed via config", logx.String("tenant", id))
			ad.Close("removed from config")
			a.reg.Remove(id)
			delete(a.adapters, id)
		}
	}
	for id, t := range declared {
		if _, exists := a.adapters[id]; !exists {
			a.log.Info("tenant added via config", logx.String("tenant", id))
			a.connectTenant(t)
		}
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Cancel the run context first so background loops start unwinding.
	a.sup.Cancel()

	// Bound each shutdown step so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem > 0 && rem < max {
					max = rem
				}
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
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name), logx.Err(stepCtx.Err()))
		}
	}

	step("api", 3*time.Second, func(c context.Context) error {
		a.api.Stop(c)
		return nil
	})
	step("dispatcher", 5*time.Second, func(c context.Context) error {
		a.dispatcher.Stop(c)
		return nil
	})
	step("channels", 2*time.Second, func(c context.Context) error {
		for id, ad := range a.adapters {
			ad.Close("shutdown")
			a.reg.Remove(id)
		}
		return nil
	})
	step("supervisor", 3*time.Second, func(c context.Context) error {
		return a.sup.Wait(c)
	})
	step("store", 2*time.Second, func(c context.Context) error {
		return a.store.Close()
	})

	a.log.Info("stopped")
	if a.logs != nil {
		a.logs.Close()
	}
	return nil
}
