package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"govcast/internal/aggregator"
	"govcast/internal/circuit"
	"govcast/internal/config"
	"govcast/internal/dispatch"
	"govcast/internal/eventbus"
	"govcast/internal/httpapi"
	"govcast/internal/metrics"
	"govcast/internal/notifier"
	"govcast/internal/orchestrator"
	"govcast/internal/retry"
	rtsup "govcast/internal/runtime/supervisor"
	"govcast/internal/storage"
	"govcast/internal/targeting"
	"govcast/internal/task/engine"
	"govcast/internal/task/scheduler"
	logx "govcast/pkg/logx"
)

// Names of the recurring jobs.
const (
	jobDueSweep    = "due-sweep"
	jobRetrySweep  = "retry-sweep"
	jobSettleSweep = "settle-sweep"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store
	rdb   redis.UniversalClient

	sweeps     *engine.Service
	deliveries *engine.Service
	sched      *scheduler.Service
	notif      *notifier.Service
	metrics    *metrics.Metrics
	breakers   *circuit.Registry
	disp       *dispatch.Dispatcher
	agg        *aggregator.Aggregator
	retry      *retry.Controller
	orch       *orchestrator.Orchestrator
	http       *httpapi.Server
	relay      *eventbus.Relay
	amqp       *eventbus.AMQP
	consumers  []eventbus.ConsumerSpec
}

// New loads the config at cfgPath and wires every component. Nothing runs
// until Start.
func New(ctx context.Context, cfgPath string) (_ *App, err error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load(ctx)
	if err != nil {
		return nil, err
	}
	s, err := resolve(cfg)
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(s.log)
	cfgm.SetLogger(log)
	a := &App{cfgm: cfgm, log: log.With(logx.String("comp", "app")), logs: logSvc, bus: eventbus.New()}
	defer func() {
		if err != nil {
			a.closeResources()
		}
	}()

	a.store, err = storage.Open(s.storage, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	a.rdb, err = openRedis(ctx, cfg.Redis)
	if err != nil {
		return nil, err
	}
	contents, err := openContent(cfg.Content, s)
	if err != nil {
		return nil, err
	}
	dir, err := openDirectory(cfg.Directory, s)
	if err != nil {
		return nil, err
	}
	channels, err := buildChannels(ctx, cfg.Channels, s, a.rdb)
	if err != nil {
		return nil, err
	}

	sinks := []notifier.Sink{notifier.NewLog(log)}
	if strings.TrimSpace(s.alerts.Telegram.Token) != "" {
		tg, err := notifier.NewTelegramBot(s.alerts.Telegram)
		if err != nil {
			return nil, fmt.Errorf("alerts telegram: %w", err)
		}
		sinks = append(sinks, tg)
	}
	a.notif = notifier.New(s.alerts, log, a.bus, sinks...)
	a.metrics = metrics.New(a.bus)
	a.breakers = circuit.NewRegistry(s.circuit, circuit.WithStateHook(a.onCircuitChange))

	a.sweeps = engine.New("sweeps", s.sweeps, log, a.bus)
	a.deliveries = engine.New("deliveries", s.deliveries, log, a.bus)
	a.sched = scheduler.New(s.scheduler, a.sweeps, log.With(logx.String("comp", "scheduler")))

	var dedup aggregator.Deduper = aggregator.NewStoreDedup(a.store)
	if a.rdb != nil {
		dedup = aggregator.NewRedisDedup(a.rdb, cfg.Redis.DedupPrefix)
	}
	a.agg = aggregator.New(s.aggregator, a.store, s.retry.Policy, dedup, a.bus, log)
	a.disp = dispatch.New(s.dispatch, a.store, channels, a.breakers, contents, a.deliveries, a.agg, log)
	a.retry = retry.New(s.retry, a.store, a.disp, a.agg, log)
	a.orch = orchestrator.New(s.orch, orchestrator.Deps{
		Store:      a.store,
		Contents:   contents,
		Channels:   channels,
		Targeter:   targeting.New(dir),
		Dispatcher: a.disp,
		Retrier:    a.retry,
		Runner:     a.sweeps,
		Alerter:    a.notif,
		Bus:        a.bus,
	}, log)
	a.agg.SetCompleter(a.orch)

	if err := a.addJobs(s.jobs); err != nil {
		return nil, err
	}

	a.http = httpapi.New(s.http, httpapi.Deps{
		Broadcasts: a.orch,
		Callbacks:  a.agg,
		Circuits:   a.breakers,
		Metrics:    a.metrics.Handler(),
	}, log)

	if err := a.wireBrokers(cfg.Bus, log); err != nil {
		return nil, err
	}

	a.log.Info("app wired",
		logx.String("storage", s.storage.Driver),
		logx.Any("channels", channels.Kinds()),
		logx.Bool("redis", a.rdb != nil),
		logx.Bool("amqp", a.amqp != nil),
	)
	return a, nil
}

func (a *App) addJobs(specs jobSpecs) error {
	jobs := []struct {
		name string
		spec string
		run  scheduler.Job
	}{
		{jobDueSweep, specs.due, func(ctx context.Context) error {
			n, err := a.orch.SweepDue(ctx)
			if n > 0 {
				a.log.Info("due broadcasts queued", logx.Int("count", n))
			}
			if err != nil {
				return err
			}
			_, err = a.orch.SweepStalled(ctx)
			return err
		}},
		{jobRetrySweep, specs.retry, func(ctx context.Context) error {
			res, err := a.retry.Sweep(ctx)
			if res.Total() > 0 {
				a.log.Debug("retry sweep", logx.Int("retried", res.Retried), logx.Int("requeued", res.Requeued), logx.Int("recovered", res.Recovered))
			}
			return err
		}},
		{jobSettleSweep, specs.settle, func(ctx context.Context) error {
			n, err := a.agg.SettleAccepted(ctx)
			if n > 0 {
				a.log.Info("accepted tasks settled", logx.Int("count", n))
			}
			return err
		}},
	}
	for _, j := range jobs {
		if err := a.sched.Add(j.name, j.spec, time.Minute, j.run); err != nil {
			return fmt.Errorf("schedule %s: %w", j.name, err)
		}
	}
	return nil
}

func (a *App) wireBrokers(cfg config.BusConfig, log logx.Logger) error {
	producer := cfg.Producer
	if producer == "" {
		producer = "govcast"
	}
	var pubs []eventbus.Publisher
	if c := cfg.AMQP; c != nil {
		am, err := eventbus.NewAMQP(eventbus.AMQPConfig{URL: c.URL, Exchange: c.Exchange, Prefetch: c.Prefetch}, log)
		if err != nil {
			return err
		}
		a.amqp = am
		pubs = append(pubs, am)
		a.consumers = []eventbus.ConsumerSpec{
			{
				Name:     producer + ".trigger",
				Queue:    orDefault(c.TriggerQueue, producer+".broadcast.trigger"),
				Bindings: []string{EventTrigger},
				Handle:   triggerHandler(a.orch, a.log),
			},
			{
				Name:     producer + ".callback",
				Queue:    orDefault(c.CallbackQueue, producer+".delivery.callback"),
				Bindings: []string{EventCallback},
				Handle:   callbackHandler(a.agg, a.log),
			},
		}
	}
	if c := cfg.Kafka; c != nil {
		k, err := eventbus.NewKafka(eventbus.KafkaConfig{Brokers: c.Brokers, Topic: c.Topic, ClientID: c.ClientID})
		if err != nil {
			return err
		}
		pubs = append(pubs, k)
	}
	a.relay = eventbus.NewRelay(a.bus, producer, cfg.Relay, log, pubs...)
	return nil
}

func (a *App) onCircuitChange(k circuit.Key, from, to circuit.State) {
	a.metrics.CircuitHook(k, from, to)
	switch to {
	case circuit.Open:
		a.log.Warn("circuit opened", logx.String("key", k.String()), logx.String("from", from.String()))
		a.notif.Alert(context.Background(), "circuit:"+k.String(),
			fmt.Sprintf("Circuit open for %s via %s (tenant %s). Deliveries are paused until a trial call succeeds.", k.Channel, k.Provider, k.Tenant))
	case circuit.Closed:
		a.log.Info("circuit closed", logx.String("key", k.String()))
	}
}

// Done is closed when the app supervisor context ends (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error seen by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// HTTPAddr is the bound API address once started.
func (a *App) HTTPAddr() string { return a.http.Addr() }

func (a *App) Orchestrator() *orchestrator.Orchestrator { return a.orch }

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	c := a.sup.Context()

	a.notif.Start(c)
	a.sweeps.Start(c)
	a.deliveries.Start(c)
	a.sched.Start(c)

	a.sup.Go("metrics", func(ctx context.Context) error { return a.metrics.Run(ctx, a.bus) })
	a.sup.Go("eventbus.relay", a.relay.Run)
	for _, spec := range a.consumers {
		a.sup.GoRestart("amqp."+spec.Name, func(ctx context.Context) error {
			return a.amqp.Consume(ctx, spec)
		})
	}

	if err := a.http.Start(c); err != nil {
		a.sup.Cancel()
		return fmt.Errorf("http: %w", err)
	}

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(ctx context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(ctx, sub)
	})
	a.sup.Go("config.watch", a.cfgm.Watch)

	// Recover work left by a previous process right away instead of
	// waiting for the first tick.
	if a.sched.Enabled() {
		a.sched.Fire(jobRetrySweep)
		a.sched.Fire(jobDueSweep)
	}
	a.log.Info("app started", logx.String("http", a.http.Addr()))
	return nil
}

func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case next, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: only the newest config is applied.
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
			a.apply(ctx, last, next)
			last = next
		}
	}
}

// restartOnly lists sections that need a process restart to take effect.
var restartOnly = map[string]bool{
	"http": true, "storage": true, "engine": true, "channels": true,
	"directory": true, "content": true, "bus": true, "redis": true,
	"circuit": true, "retry": true, "aggregator": true, "orchestrator": true,
}

func (a *App) apply(ctx context.Context, prev, next *config.Config) {
	sections, fields := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	s, err := resolve(next)
	if err != nil {
		a.log.Warn("config reload rejected; keeping previous", logx.Err(err))
		return
	}
	var pending []string
	for _, sec := range sections {
		if restartOnly[sec] {
			pending = append(pending, sec)
		}
	}
	if len(pending) > 0 {
		a.log.Warn("restart required for config changes", logx.String("sections", strings.Join(pending, ",")))
	}

	a.logs.Apply(s.log)
	a.disp.Apply(s.dispatch)

	wasSched := a.sched.Enabled()
	a.sched.Apply(s.scheduler)
	switch {
	case wasSched && !s.scheduler.Enabled:
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		a.sched.Stop(stopCtx)
		cancel()
	case !wasSched && s.scheduler.Enabled:
		a.sched.Start(ctx)
	}
	if err := a.addJobs(s.jobs); err != nil {
		a.log.Warn("schedule update failed", logx.Err(err))
	}

	wasNotif := a.notif.Enabled()
	a.notif.Apply(s.alerts)
	switch {
	case wasNotif && !s.alerts.Enabled:
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		a.notif.Stop(stopCtx)
		cancel()
	case !wasNotif && s.alerts.Enabled:
		a.notif.Start(ctx)
	}

	fields = append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, fields...)
	a.log.Info("config reloaded", fields...)
}

// StopReason says why the app is stopping.
type StopReason string

const (
	StopSignal     StopReason = "signal"
	StopFatalError StopReason = "fatal_error"
	StopAppStop    StopReason = "app_stop"
)

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		a.closeResources()
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Intake first: no new requests or triggers while engines drain.
	a.step(ctx, "http", 5*time.Second, a.http.Stop)
	a.step(ctx, "scheduler", 2*time.Second, noErr(a.sched.Stop))
	a.sup.Cancel()
	a.step(ctx, "engine.sweeps", 5*time.Second, noErr(a.sweeps.Stop))
	a.step(ctx, "engine.deliveries", 10*time.Second, noErr(a.deliveries.Stop))
	a.step(ctx, "notifier", 2*time.Second, noErr(a.notif.Stop))
	a.step(ctx, "supervisor", 2*time.Second, a.sup.Wait)

	a.log.Info("stopped")
	a.closeResources()
	return nil
}

func noErr(fn func(context.Context)) func(context.Context) error {
	return func(ctx context.Context) error {
		fn(ctx)
		return nil
	}
}

// step runs fn bounded by max and never past the caller's deadline. A step
// that overruns is logged and left behind.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
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
		if err != nil && !errors.Is(err, context.Canceled) {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
	}
}

func (a *App) closeResources() {
	switch {
	case a.relay != nil:
		if err := a.relay.Close(); err != nil {
			a.log.Warn("broker close", logx.Err(err))
		}
	case a.amqp != nil:
		_ = a.amqp.Close()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("storage close", logx.Err(err))
		}
	}
	if a.rdb != nil {
		_ = a.rdb.Close()
	}
	if a.logs != nil {
		_ = a.logs.Close()
	}
}
