// Package app wires the daemon, queue, claim service and their shared
// infrastructure from one config file.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	sdnotify "github.com/coreos/go-systemd/v22/daemon"
	"github.com/redis/go-redis/v9"

	"taskhive/internal/claim"
	"taskhive/internal/config"
	"taskhive/internal/daemon"
	"taskhive/internal/eventbus"
	"taskhive/internal/queue"
	"taskhive/internal/runtime/supervisor"
	"taskhive/internal/storage"
	"taskhive/internal/strategy"
	"taskhive/internal/sysmon"
	"taskhive/internal/worker"
	logx "taskhive/pkg/logx"
	"taskhive/pkg/resilience/bulkhead"
	"taskhive/pkg/telemetry"
)

// App owns every service's lifecycle. Start order is infrastructure first
// (logging, storage, bus), then services, then triggering; Stop reverses it.
type App struct {
	cfgMgr *config.Manager
	logSvc *logx.Service
	log    logx.Logger

	bus   eventbus.Bus
	store storage.Store
	rdb   *redis.Client

	registry   *worker.Registry
	local      *strategy.Local
	strategies map[worker.Mode]strategy.Strategy
	bulk       *bulkhead.Bulkhead
	daemon     *daemon.Service
	queueSvc   *queue.Service
	runner     *queue.Runner
	claims     *claim.Service

	sup    *supervisor.Supervisor
	cfgSub chan *config.Config
}

func New(cfgPath string) (*App, error) {
	mgr := config.NewManager(cfgPath)
	cfg, err := mgr.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	mgr.SetLogger(log.With(logx.String("component", "config")))

	a := &App{
		cfgMgr:   mgr,
		logSvc:   logSvc,
		log:      log,
		bus:      eventbus.New(),
		registry: worker.NewRegistry(),
	}
	if err := a.build(cfg); err != nil {
		logSvc.Close()
		return nil, err
	}
	return a, nil
}

// Local exposes the in-process strategy so embedders can register handlers
// before Start.
func (a *App) Local() *strategy.Local { return a.local }

// Bus exposes the event bus for additional subscribers.
func (a *App) Bus() eventbus.Bus { return a.bus }

func (a *App) Daemon() *daemon.Service { return a.daemon }
func (a *App) Queue() *queue.Service   { return a.queueSvc }
func (a *App) Claims() *claim.Service  { return a.claims }

func (a *App) build(cfg *config.Config) error {
	// storage
	if cfg.Storage != nil {
		busy, _ := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
		st, err := storage.Open(storage.Config{
			Driver:      cfg.Storage.Driver,
			Path:        cfg.Storage.Path,
			BusyTimeout: busy,
		}, a.log)
		switch {
		case errors.Is(err, storage.ErrDisabled):
		case err != nil:
			return fmt.Errorf("open storage: %w", err)
		default:
			a.store = st
		}
	}

	// redis (queue backend and distributed rate limiting)
	if cfg.Redis != nil && strings.TrimSpace(cfg.Redis.Addr) != "" {
		a.rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
	}

	// strategies; the subprocess-backed ones sit behind the resilience stack
	gs, bkcfg, err := resilienceSettings(cfg)
	if err != nil {
		return err
	}
	a.bulk = bulkhead.New("queue_handler", bkcfg)
	a.local = strategy.NewLocal(a.log)
	a.strategies = map[worker.Mode]strategy.Strategy{
		worker.ModeLocal: a.local,
		worker.ModeHeadless: a.guard("headless", strategy.NewHeadless(strategy.HeadlessConfig{
			Binary:       cfg.Strategies.Headless.Command,
			DefaultModel: cfg.Strategies.Headless.Model,
		}, a.log), gs),
		worker.ModeContainer: a.guard("container", strategy.NewContainer(strategy.ContainerConfig{
			Runtime:     cfg.Strategies.Container.Runtime,
			Image:       cfg.Strategies.Container.Image,
			MemoryLimit: cfg.Strategies.Container.MemoryLimit,
			CPULimit:    cfg.Strategies.Container.CPULimit,
		}, a.log), gs),
	}

	// worker registry from config
	if err := a.applyWorkers(cfg); err != nil {
		return err
	}

	// daemon
	dcfg, err := daemonConfig(cfg)
	if err != nil {
		return err
	}
	a.daemon = daemon.New(dcfg, a.registry, a.strategies, a.store, a.bus, sysmon.New(), a.log)
	for name, w := range cfg.Workers {
		if len(w.Payload) > 0 {
			var payload map[string]any
			if err := json.Unmarshal(w.Payload, &payload); err != nil {
				return fmt.Errorf("workers.%s.payload: %w", name, err)
			}
			a.daemon.SetPayload(name, payload)
		}
	}

	// queue
	if cfg.Queue.Enabled {
		qcfg, err := queueConfig(cfg)
		if err != nil {
			return err
		}
		var qstore queue.Store
		if strings.TrimSpace(cfg.Queue.Backend) == "redis" {
			if a.rdb == nil {
				return fmt.Errorf("queue.backend: redis backend requires redis.addr")
			}
			prefix := ""
			if cfg.Redis != nil {
				prefix = cfg.Redis.Prefix
			}
			qstore = queue.NewRedisStore(a.rdb, prefix)
		} else {
			qstore = queue.NewMemoryStore()
		}
		a.queueSvc = queue.NewService(qcfg, qstore, a.bus, a.log)

		types := cfg.Queue.Runner.WorkerTypes
		if len(types) == 0 {
			for _, d := range a.registry.List() {
				types = append(types, d.Type)
			}
		}
		a.runner = queue.NewRunner(queue.RunnerConfig{
			WorkerTypes:   types,
			MaxConcurrent: cfg.Queue.Runner.MaxConcurrent,
		}, a.queueSvc, a.log)
	}

	// claims
	if cfg.Claims.Enabled {
		stale, err := config.ParseDurationOrDefault("claims.stale_after", cfg.Claims.StaleAfter, 30*time.Minute)
		if err != nil {
			return err
		}
		a.claims = claim.NewService(claim.Config{
			StaleAfter:      stale,
			StealAllowTypes: cfg.Claims.StealAllowTypes,
		}, a.store, a.bus, a.log)
	}

	a.registerBuiltins()
	return nil
}

// applyWorkers rebuilds the registry from the config's worker blocks.
func (a *App) applyWorkers(cfg *config.Config) error {
	for name, w := range cfg.Workers {
		interval, err := config.ParseDurationField("workers."+name+".interval", w.Interval)
		if err != nil {
			return err
		}
		timeout, err := config.ParseDurationField("workers."+name+".timeout", w.Timeout)
		if err != nil {
			return err
		}
		mode := worker.Mode(strings.TrimSpace(w.Mode))
		if mode == "" {
			mode = worker.Mode(strings.TrimSpace(cfg.Strategies.Default))
		}
		if mode == "" {
			mode = worker.ModeLocal
		}
		if err := a.registry.Register(worker.Descriptor{
			Type:        name,
			Interval:    interval,
			Priority:    worker.ParsePriority(w.Priority),
			Description: w.Description,
			Enabled:     w.Enabled,
			Mode:        mode,
			Timeout:     timeout,
		}); err != nil {
			return err
		}
	}
	return nil
}

// registerBuiltins wires maintenance work as ordinary local workers so
// declaring e.g. a "claims_expire" block in config schedules it like any
// other type.
func (a *App) registerBuiltins() {
	a.local.Register("claims_expire", func(ctx context.Context, _ map[string]any) (any, error) {
		if a.claims == nil {
			return nil, fmt.Errorf("claim service disabled")
		}
		return map[string]any{"marked": a.claims.ExpireStale(ctx)}, nil
	})
	a.local.Register("claims_rebalance", func(_ context.Context, _ map[string]any) (any, error) {
		if a.claims == nil {
			return nil, fmt.Errorf("claim service disabled")
		}
		suggestions := a.claims.Rebalance()
		for _, sg := range suggestions {
			a.log.Info("rebalance suggestion",
				logx.String("issue", sg.IssueID),
				logx.String("from", sg.From),
				logx.String("to", sg.To),
				logx.String("reason", sg.Reason))
		}
		return suggestions, nil
	})
	a.local.Register("queue_reap", func(ctx context.Context, _ map[string]any) (any, error) {
		if a.queueSvc == nil {
			return nil, fmt.Errorf("queue disabled")
		}
		n, err := a.queueSvc.ReapStale(ctx)
		return map[string]any{"reaped": n}, err
	})
	a.local.Register("system_sample", func(_ context.Context, _ map[string]any) (any, error) {
		return sysmon.New().Sample()
	})
}

// Start brings everything up and signals readiness to systemd.
func (a *App) Start(ctx context.Context) error {
	cfg := a.cfgMgr.Get()
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log))

	if cfg.Metrics.Enabled {
		addr := cfg.Metrics.Addr
		if addr == "" {
			addr = "127.0.0.1:9090"
		}
		telemetry.StartMetricsServer(ctx, addr, a.log)
	}

	if cfg.Daemon.Enabled {
		if err := a.daemon.Start(ctx); err != nil {
			return fmt.Errorf("start daemon: %w", err)
		}
	}

	if a.runner != nil {
		a.sup.Go("queue_runner", func(ctx context.Context) error {
			return a.runner.Run(ctx, a.queueHandler)
		})
	}

	if a.claims != nil {
		if iv, err := config.ParseDurationField("claims.rebalance_interval", cfg.Claims.RebalanceInterval); err == nil && iv > 0 {
			a.sup.GoRestart("claims_maintenance", func(ctx context.Context) error {
				return a.claimsMaintenance(ctx, iv)
			}, supervisor.WithRestartBackoff(time.Second, time.Minute))
		}
	}

	// config hot reload
	a.cfgSub = a.cfgMgr.Subscribe(1)
	a.sup.GoRestart("config_watch", a.cfgMgr.Watch,
		supervisor.WithRestartBackoff(time.Second, 30*time.Second))
	a.sup.Go0("config_apply", a.applyLoop)

	_, _ = sdnotify.SdNotify(false, sdnotify.SdNotifyReady)
	a.log.Info("hived started")
	return nil
}

// Stop shuts down triggering first so nothing new starts, then drains.
func (a *App) Stop(ctx context.Context) error {
	_, _ = sdnotify.SdNotify(false, sdnotify.SdNotifyStopping)

	if a.daemon != nil {
		a.daemon.Stop(ctx)
	}
	if a.sup != nil {
		snap := a.sup.SnapshotNow()
		a.log.Info("supervisor drained",
			logx.Uint64("started", snap.Counters.Started),
			logx.Int64("active", snap.Counters.Active),
			logx.String("first_error", snap.FirstError))
		_ = a.sup.Stop(ctx)
	}
	if a.queueSvc != nil {
		a.queueSvc.Close()
	}
	if a.cfgSub != nil {
		a.cfgMgr.Unsubscribe(a.cfgSub)
		a.cfgSub = nil
	}
	if a.store != nil {
		_ = a.store.Close()
	}
	if a.rdb != nil {
		_ = a.rdb.Close()
	}
	a.log.Info("hived stopped")
	a.logSvc.Close()
	return nil
}

// queueHandler executes dequeued tasks inside the bulkhead so queue work
// cannot monopolize the process. Bulkhead rejections surface as ordinary
// retryable failures, putting the task back on the queue for later.
func (a *App) queueHandler(ctx context.Context, t *queue.Task) (any, error) {
	var out any
	err := a.bulk.Execute(ctx, func(ctx context.Context) error {
		var err error
		out, err = a.dispatchTask(ctx, t)
		return err
	})
	return out, err
}

// dispatchTask routes one task through the same strategies the daemon uses,
// respecting the worker type's declared mode.
func (a *App) dispatchTask(ctx context.Context, t *queue.Task) (any, error) {
	mode := worker.ModeLocal
	if d, ok := a.registry.Get(t.WorkerType); ok {
		mode = d.Mode
	}
	var strat strategy.Strategy = a.local
	if s, ok := a.strategies[mode]; ok {
		strat = s
	}
	res, err := strat.Execute(ctx, strategy.Request{
		WorkerType: t.WorkerType,
		Payload:    t.Payload,
		Timeout:    t.Timeout,
	})
	if err != nil {
		if errors.Is(err, strategy.ErrUnavailable) && mode != worker.ModeLocal {
			res, err = a.local.Execute(ctx, strategy.Request{
				WorkerType: t.WorkerType,
				Payload:    t.Payload,
				Timeout:    t.Timeout,
			})
		}
		if err != nil {
			return nil, err
		}
	}
	if !res.Success {
		return nil, errors.New(res.Err)
	}
	return res.Output, nil
}

// applyLoop reacts to validated config reloads: logging and daemon admission
// settings apply hot, structural changes (workers, backends) need a restart.
func (a *App) applyLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-a.cfgSub:
			if !ok {
				return
			}
			a.logSvc.Apply(logx.Config{
				Level:   cfg.Logging.Level,
				Console: cfg.Logging.Console,
				File: logx.FileConfig{
					Enabled: cfg.Logging.File.Enabled,
					Path:    cfg.Logging.File.Path,
				},
			})
			if dcfg, err := daemonConfig(cfg); err == nil {
				a.daemon.Apply(dcfg)
			} else {
				a.log.Warn("daemon config not applied", logx.Err(err))
			}
		}
	}
}

func (a *App) claimsMaintenance(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			a.claims.ExpireStale(ctx)
			for _, sg := range a.claims.Rebalance() {
				a.log.Info("rebalance suggestion",
					logx.String("issue", sg.IssueID),
					logx.String("from", sg.From),
					logx.String("to", sg.To),
					logx.String("reason", sg.Reason))
			}
		}
	}
}

func daemonConfig(cfg *config.Config) (daemon.Config, error) {
	timeout, err := config.ParseDurationOrDefault("daemon.default_timeout", cfg.Daemon.DefaultTimeout, 5*time.Minute)
	if err != nil {
		return daemon.Config{}, err
	}
	spread, err := config.ParseDurationOrDefault("daemon.startup_spread", cfg.Daemon.StartupSpread, 30*time.Second)
	if err != nil {
		return daemon.Config{}, err
	}
	return daemon.Config{
		Enabled:        cfg.Daemon.Enabled,
		MaxConcurrent:  cfg.Daemon.MaxConcurrent,
		DefaultTimeout: timeout,
		StartupSpread:  spread,
		Thresholds: sysmon.Thresholds{
			MaxLoadPerCore:   cfg.Daemon.MaxLoadPerCore,
			MinFreeMemoryPct: cfg.Daemon.MinFreeMemoryPct,
		},
		Timezone: cfg.Daemon.Timezone,
	}, nil
}

func queueConfig(cfg *config.Config) (queue.Config, error) {
	parse := func(path, raw string) (time.Duration, error) {
		return config.ParseDurationField(path, raw)
	}
	timeout, err := parse("queue.default_timeout", cfg.Queue.DefaultTimeout)
	if err != nil {
		return queue.Config{}, err
	}
	resultTTL, err := parse("queue.result_ttl", cfg.Queue.ResultTTL)
	if err != nil {
		return queue.Config{}, err
	}
	hb, err := parse("queue.heartbeat_interval", cfg.Queue.HeartbeatInterval)
	if err != nil {
		return queue.Config{}, err
	}
	ttl, err := parse("queue.worker_ttl", cfg.Queue.WorkerTTL)
	if err != nil {
		return queue.Config{}, err
	}
	poll, err := parse("queue.poll_interval", cfg.Queue.PollInterval)
	if err != nil {
		return queue.Config{}, err
	}
	grace, err := parse("queue.shutdown_grace", cfg.Queue.ShutdownGrace)
	if err != nil {
		return queue.Config{}, err
	}
	return queue.Config{
		DefaultMaxRetries: cfg.Queue.MaxRetries,
		DefaultTimeout:    timeout,
		ResultTTL:         resultTTL,
		DeadLetterEnabled: cfg.Queue.DeadLetter,
		HeartbeatInterval: hb,
		WorkerTTL:         ttl,
		PollInterval:      poll,
		ShutdownGrace:     grace,
	}, nil
}
