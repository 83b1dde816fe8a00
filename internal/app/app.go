// Package app is the composition root: it builds every component from the
// config file, runs them under one supervisor and applies hot reloads.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"carbonbot/internal/broadcast"
	"carbonbot/internal/completion"
	"carbonbot/internal/config"
	"carbonbot/internal/dispatcher"
	"carbonbot/internal/eventbus"
	kafkaingest "carbonbot/internal/ingest/kafka"
	"carbonbot/internal/measurement"
	"carbonbot/internal/observability"
	"carbonbot/internal/responder"
	"carbonbot/internal/roles"
	rtsup "carbonbot/internal/runtime/supervisor"
	"carbonbot/internal/storage"
	"carbonbot/internal/task/scheduler"
	kit "carbonbot/internal/transport"
	telegram "carbonbot/internal/transport/telegram/adapter"
	"carbonbot/internal/transport/telegram/router"
	logx "carbonbot/pkg/logx"
)

const tickSchedule = "measurement.tick"

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log     logx.Logger
	logs    *logx.Service
	metrics *observability.Metrics
	bus     eventbus.Bus

	store    storage.Store
	mirror   *storage.InfluxMirror
	adapter  *telegram.Adapter
	router   *router.Router
	menu     []kit.BotCommand
	disp     *dispatcher.Dispatcher
	bc       *broadcast.Engine
	sched    *scheduler.Service
	server   *observability.Server
	consumer *kafkaingest.Consumer

	tracerShutdown func(context.Context) error
	updates        chan kit.Update
}

// New loads the config and builds every component. Nothing runs until
// Start; on error everything opened so far is closed again.
func New(cfgPath string) (_ *App, err error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	// Ops chat stays off until the sink exists, then Apply enables it.
	logCfg := mapLogConfig(cfg)
	bootCfg := logCfg
	bootCfg.OpsChat.Enabled = false
	logSvc, log := logx.New(bootCfg, nil)
	defer func() {
		if err != nil {
			_ = logSvc.Close()
		}
	}()

	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	bcCfg, err := mapBroadcastConfig(cfg)
	if err != nil {
		return nil, err
	}
	ad, err := telegram.New(telegram.Config{
		Token:          cfg.Telegram.Token,
		PollTimeout:    pollTimeout,
		RequestTimeout: bcCfg.SendTimeout,
	}, log.With(logx.String("comp", "telegram")))
	if err != nil {
		return nil, err
	}
	logSvc.SetChatSink(logSink(ad, cfg))
	logSvc.Apply(logCfg)
	appLog := log.With(logx.String("comp", "app"))

	metrics := observability.NewMetrics()

	loc, err := time.LoadLocation(strings.TrimSpace(cfg.Measurement.Timezone))
	if err != nil {
		return nil, fmt.Errorf("measurement.timezone: %w", err)
	}

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	openCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	store, err := storage.Open(openCtx, sc, log.With(logx.String("comp", "storage")), metrics.StoreOp)
	if err != nil {
		return nil, fmt.Errorf("open storage (%s): %w", sc.Driver, err)
	}
	defer func() {
		if err != nil {
			_ = store.Close()
		}
	}()
	appLog.Info("storage ready", logx.String("driver", sc.Driver))

	ic, err := mapInfluxConfig(cfg)
	if err != nil {
		return nil, err
	}
	mirror, err := storage.NewInfluxMirror(ic)
	if err != nil {
		return nil, fmt.Errorf("influx mirror: %w", err)
	}
	defer func() {
		if err != nil {
			mirror.Close()
		}
	}()

	roleStore, err := buildRoles(openCtx, cfg, store, log.With(logx.String("comp", "roles")))
	if err != nil {
		return nil, err
	}

	completer, err := buildCompleter(cfg, log.With(logx.String("comp", "completion")))
	if err != nil {
		return nil, err
	}
	ref := responder.DefaultReference()
	if p := strings.TrimSpace(cfg.Responder.ReferencePath); p != "" {
		if ref, err = responder.LoadReference(p); err != nil {
			return nil, fmt.Errorf("responder.reference_path: %w", err)
		}
	}
	resp := responder.NewRegistry(completer, ref, log.With(logx.String("comp", "responder")), metrics)

	bc := broadcast.New(bcCfg, store, broadcast.AdapterSender{Adapter: ad}, log.With(logx.String("comp", "broadcast")), metrics)

	mode, err := measurement.ParseMode(cfg.Measurement.Mode)
	if err != nil {
		return nil, err
	}
	meas := measurement.NewService(store, mirror, mode, loc, log.With(logx.String("comp", "measurement")))
	gen := measurement.NewGenerator(mapGeneratorConfig(cfg, loc))

	bus := eventbus.New()
	disp := dispatcher.New(dispatcher.Deps{
		Subscribers:  store,
		Roles:        roleStore,
		Responder:    resp,
		Broadcaster:  bc,
		Measurements: meas,
		Generator:    gen,
		Bus:          bus,
		Menu:         dispatcher.MenuConfig{DashboardURL: cfg.Menu.DashboardURL, DecisionURL: cfg.Menu.DecisionURL},
		Log:          log.With(logx.String("comp", "dispatcher")),
		Metrics:      metrics,
	})

	rc, err := mapRouterConfig(cfg)
	if err != nil {
		return nil, err
	}
	rt := router.New(rc, ad, log.With(logx.String("comp", "router")), metrics)
	askTimeout, _ := config.ParseDurationOrDefault("completion.timeout", cfg.Completion.Timeout, 60*time.Second)
	menu := rt.SetRegistry(chatCommands(disp, commandTimeouts{
		Ask:       askTimeout + 15*time.Second,
		Broadcast: 30 * time.Minute,
	}))
	if len(rc.AdminUserIDs) == 0 {
		appLog.Warn("telegram.admin_user_ids is empty; nobody can /broadcast or /list")
	}

	sched := scheduler.New(scheduler.Config{Timezone: cfg.Measurement.Timezone},
		log.With(logx.String("comp", "scheduler")),
		scheduler.WithSkipHook(func(string) { metrics.Tick("skipped") }),
	)
	tickTimeout, err := config.ParseDurationField("measurement.timeout", cfg.Measurement.Timeout)
	if err != nil {
		return nil, err
	}
	if err := sched.AddSchedule(tickSchedule, cfg.Measurement.Schedule, tickTimeout, func(ctx context.Context) error {
		_, err := disp.Tick(ctx)
		return err
	}); err != nil {
		return nil, fmt.Errorf("measurement.schedule: %w", err)
	}

	var consumer *kafkaingest.Consumer
	if kc := mapKafkaConfig(cfg, loc); kc.Enabled {
		consumer, err = kafkaingest.NewConsumer(kc, disp, log.With(logx.String("comp", "ingest.kafka")), metrics)
		if err != nil {
			return nil, fmt.Errorf("ingest.kafka: %w", err)
		}
	}

	bufSize := cfg.Router.UpdateBuffer
	if bufSize <= 0 {
		bufSize = 256
	}
	a := &App{
		cfgm:     cfgm,
		log:      appLog,
		logs:     logSvc,
		metrics:  metrics,
		bus:      bus,
		store:    store,
		mirror:   mirror,
		adapter:  ad,
		router:   rt,
		menu:     menu,
		disp:     disp,
		bc:       bc,
		sched:    sched,
		consumer: consumer,
		updates:  make(chan kit.Update, bufSize),
	}
	srvCfg, err := mapServerConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.server = observability.NewServer(srvCfg, metrics, a.health, log.With(logx.String("comp", "observability")))
	return a, nil
}

func logSink(ad *telegram.Adapter, cfg *config.Config) logx.ChatSink {
	return telegram.LogSink{
		Adapter: ad,
		Target:  kit.ChatTarget{ChatID: cfg.Telegram.LogChatID, ThreadID: cfg.Telegram.LogThreadID},
	}
}

// buildRoles returns a volatile store unless roles.persist is set and the
// driver can hold roles.
func buildRoles(ctx context.Context, cfg *config.Config, store storage.Store, log logx.Logger) (*roles.Store, error) {
	if !cfg.Roles.Persist {
		return roles.NewStore(nil, log), nil
	}
	backend, ok := storage.Roles(store)
	if !ok {
		log.Warn("roles.persist is set but the storage driver cannot hold roles; roles stay in memory",
			logx.String("driver", cfg.Storage.Driver))
		return roles.NewStore(nil, log), nil
	}
	rs := roles.NewStore(backend, log)
	n, err := rs.Restore(ctx)
	if err != nil {
		return nil, fmt.Errorf("restore roles: %w", err)
	}
	log.Info("roles restored", logx.Int("count", n))
	return rs, nil
}

var errCompletionDisabled = errors.New("completion disabled: completion.api_key is not set")

// noCompleter answers every call with errCompletionDisabled so /ask degrades
// to the generic failure reply.
type noCompleter struct{}

func (noCompleter) Complete(context.Context, string, string) (string, error) {
	return "", errCompletionDisabled
}

func buildCompleter(cfg *config.Config, log logx.Logger) (completion.Completer, error) {
	if strings.TrimSpace(cfg.Completion.APIKey) == "" {
		log.Warn("completion.api_key not set; /ask will answer with an apology", logx.String("env", config.EnvOpenAIKey))
		return noCompleter{}, nil
	}
	cc, err := mapCompletionConfig(cfg)
	if err != nil {
		return nil, err
	}
	return completion.New(cc, log)
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	run := a.sup.Context()

	cfg := a.cfgm.Get()
	shutdown, err := observability.InitTracer(run, mapTracingConfig(cfg))
	if err != nil {
		a.log.Warn("tracing disabled: exporter init failed", logx.Err(err))
	} else {
		a.tracerShutdown = shutdown
	}

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(validateLive)

	if err := a.adapter.Start(run, a.updates); err != nil {
		return err
	}
	a.sup.Go0("telegram.menu", func(c context.Context) {
		mctx, cancel := context.WithTimeout(c, 15*time.Second)
		defer cancel()
		if err := a.adapter.UpdateMenuCommands(mctx, a.menu); err != nil {
			a.log.Warn("bot command menu not published", logx.Err(err))
		}
	})
	a.sup.Go("router.dispatch", func(c context.Context) error {
		return a.router.Run(c, a.updates)
	})

	a.sched.Start(run)
	a.server.Start(run)

	if a.consumer != nil {
		a.sup.GoRestart("ingest.kafka", a.consumer.Run,
			rtsup.WithRestartBackoff(time.Second, 30*time.Second),
			rtsup.WithStopOnCleanExit(true),
		)
	}

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		a.logEvents(c, events)
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})
	a.sup.Go("config.watch", a.cfgm.Watch)

	a.log.Info("app started", logx.String("schedule", cfg.Measurement.Schedule), logx.String("timezone", cfg.Measurement.Timezone))
	return nil
}

func (a *App) logEvents(ctx context.Context, events <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			a.log.Debug("event", logx.String("type", string(e.Type)), logx.Time("time", e.Time), logx.Any("data", e.Data))
		}
	}
}

type healthStatus struct {
	Supervisor    rtsup.Snapshot     `json:"supervisor"`
	Scheduler     scheduler.Snapshot `json:"scheduler"`
	EventsDropped uint64             `json:"events_dropped"`
	Store         string             `json:"store"`
}

// health backs /healthz: unhealthy after a fatal supervisor error or while
// the store does not answer a ping.
func (a *App) health() (any, bool) {
	st := healthStatus{Store: "ok", EventsDropped: a.bus.Dropped(), Scheduler: a.sched.Snapshot()}
	ok := true
	if a.sup != nil {
		st.Supervisor = a.sup.Snapshot()
		ok = st.Supervisor.FirstError == ""
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := a.store.Ping(ctx); err != nil {
		st.Store = err.Error()
		ok = false
	}
	return st, ok
}

// Stop shuts components down in dependency order. Each step is bounded so
// one stuck component cannot stall the rest.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sup.Cancel()

	a.step(ctx, "scheduler", 5*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	a.step(ctx, "ingest", 2*time.Second, func(context.Context) error {
		if a.consumer != nil {
			return a.consumer.Close()
		}
		return nil
	})
	a.step(ctx, "adapter", 3*time.Second, a.adapter.Stop)
	a.step(ctx, "observability", 2*time.Second, func(c context.Context) error {
		a.server.Stop(c)
		if a.tracerShutdown != nil {
			return a.tracerShutdown(c)
		}
		return nil
	})
	a.step(ctx, "supervisor", 3*time.Second, a.sup.Wait)
	a.step(ctx, "storage", 2*time.Second, func(context.Context) error {
		a.mirror.Close()
		return a.store.Close()
	})

	a.log.Info("stopped")
	return a.logs.Close()
}

// step runs fn with an upper bound that never extends the caller's deadline.
func (a *App) step(ctx context.Context, name string, limit time.Duration, fn func(context.Context) error) {
	start := time.Now()
	if dl, ok := ctx.Deadline(); ok {
		limit = min(limit, time.Until(dl))
	}
	if limit <= 0 {
		a.log.Warn("stop step skipped: deadline reached", logx.String("name", name))
		return
	}
	stepCtx, cancel := context.WithTimeout(ctx, limit)
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
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Duration("elapsed", time.Since(start)),
		)
		go func() {
			err := <-done
			a.log.Info("stop step finished after deadline",
				logx.String("name", name),
				logx.Err(err),
				logx.Duration("took", time.Since(start)),
			)
		}()
	}
}
