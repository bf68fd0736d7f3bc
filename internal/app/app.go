package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"lmsbot/internal/bot"
	"lmsbot/internal/config"
	"lmsbot/internal/delivery"
	"lmsbot/internal/eventbus"
	"lmsbot/internal/lms"
	rtsup "lmsbot/internal/runtime/supervisor"
	"lmsbot/internal/storage"
	"lmsbot/internal/tracking"
	kit "lmsbot/internal/transport"
	telegram "lmsbot/internal/transport/telegram"
	logx "lmsbot/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store *storage.Store

	adapter kit.Adapter
	sender  *delivery.AdapterSender
	track   *tracking.Service
	router  *bot.Router

	updates chan kit.Update
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	tgCfg, err := mapTelegramConfig(cfg)
	if err != nil {
		return nil, err
	}
	bootLog := logx.NewConsole("INFO").With(logx.String("comp", "telegram"))
	ad, err := telegram.New(tgCfg, bootLog)
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg), ad)
	appLog := log.With(logx.String("comp", "app"))

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}

	lc, err := mapLMSConfig(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	client, err := lms.New(lc, log.With(logx.String("comp", "lms")))
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	bus := eventbus.New()
	sender := delivery.NewAdapterSender(ad, cfg.Delivery.RatePerSec)
	orch := delivery.NewOrchestrator(store, sender, log.With(logx.String("comp", "delivery")))

	tc, err := mapTrackingConfig(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	track, err := tracking.New(tc, tracking.Deps{
		Users:  store,
		Runner: orch,
		Auth:   tracking.LMSAuth(client),
		Notify: sender,
		Bus:    bus,
		Log:    log.With(logx.String("comp", "tracking")),
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	router := bot.NewRouter(log.With(logx.String("comp", "commands")), ad, cfg.Telegram.OwnerUserIDs)
	a := &App{
		cfgm:    cfgm,
		log:     appLog,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		adapter: ad,
		sender:  sender,
		track:   track,
		router:  router,
		updates: make(chan kit.Update, 256),
	}
	router.SetCommands(bot.Commands(bot.Services{
		Users:    store,
		Tracking: track,
		Preview:  orch,
		Health:   a,
	}))
	return a, nil
}

// Tasks lists the goroutines of the app and the telegram adapter.
func (a *App) Tasks() []rtsup.TaskStatus {
	out := a.sup.Tasks()
	if ad, ok := a.adapter.(interface{ Supervisor() *rtsup.Supervisor }); ok {
		for _, t := range ad.Supervisor().Tasks() {
			t.Name = "telegram." + t.Name
			out = append(out, t)
		}
	}
	return out
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
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if _, err := mapTrackingConfig(cfg); err != nil {
			return err
		}
		_, err := mapStorageConfig(cfg)
		return err
	})

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}

	a.track.Start(a.sup.Context())
	restored, err := a.track.Restore(a.sup.Context())
	if err != nil {
		return fmt.Errorf("restore tracking: %w", err)
	}

	if mu, ok := a.adapter.(kit.CommandMenuUpdater); ok {
		a.sup.Go0("telegram.menu", func(c context.Context) {
			mctx, cancel := context.WithTimeout(c, 10*time.Second)
			defer cancel()
			if err := mu.UpdateMenuCommands(mctx, a.router.MenuCommands()); err != nil {
				a.log.Warn("command menu update failed", logx.Err(err))
			}
		})
	}

	a.sup.Go("commands.dispatch", func(c context.Context) error {
		return a.router.Run(c, a.updates)
	})

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
				a.logEvent(e)
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
				a.applyConfig(lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started", logx.Int("tracked_users", restored))
	return nil
}

func (a *App) logEvent(e eventbus.Event) {
	switch d := e.Data.(type) {
	case eventbus.CycleResult:
		fields := []logx.Field{
			logx.String("topic", string(e.Topic)),
			logx.String("cycle_id", d.CycleID),
			logx.Int64("user_id", d.UserID),
			logx.Int("delivered", d.Delivered),
			logx.Duration("dur", d.Duration),
		}
		if d.Err != nil {
			fields = append(fields, logx.Err(d.Err))
		}
		a.log.Debug("event", fields...)
	case eventbus.TrackingChange:
		a.log.Debug("event", logx.String("topic", string(e.Topic)), logx.Int64("user_id", d.UserID), logx.Bool("enabled", d.Enabled))
	default:
		a.log.Debug("event", logx.String("topic", string(e.Topic)), logx.Time("time", e.Time))
	}
}

// applyConfig pushes a validated reload into the live components.
func (a *App) applyConfig(oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if restart := config.RestartRequired(oldCfg, newCfg); len(restart) > 0 {
		a.log.Warn("config sections changed that need a restart", logx.String("sections", strings.Join(restart, ",")))
	}

	a.logs.Apply(mapLoggingConfig(newCfg))
	a.router.SetOwners(newCfg.Telegram.OwnerUserIDs)
	a.sender.SetRate(newCfg.Delivery.RatePerSec)

	if tc, err := mapTrackingConfig(newCfg); err != nil {
		a.log.Warn("invalid tracking config; keeping previous", logx.Err(err))
	} else if err := a.track.Apply(tc); err != nil {
		a.log.Warn("tracking config not applied", logx.Err(err))
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config applied", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Cancel first so background loops start unwinding immediately.
	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		// respect the caller's deadline; never extend it
		if dl, ok := ctx.Deadline(); ok {
			if rem := time.Until(dl); rem < max {
				max = rem
			}
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
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
			go func() {
				err := <-done
				a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", time.Since(start)))
			}()
		}
	}

	// Tracking first so no cycle starts sending while the adapter goes down.
	step("tracking", 5*time.Second, a.track.Stop)
	step("adapter", 2*time.Second, a.adapter.Stop)
	step("supervisor", 3*time.Second, a.sup.Wait)
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
