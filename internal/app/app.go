// Package app wires the bot together: config, logging, storage, transport,
// the scheduling core, and the inbound command loop.
package app

import (
	"context"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"grabbot/internal/admission"
	"grabbot/internal/config"
	"grabbot/internal/eventbus"
	"grabbot/internal/media"
	"grabbot/internal/pipeline"
	"grabbot/internal/pool"
	"grabbot/internal/progress"
	"grabbot/internal/quota"
	"grabbot/internal/registry"
	"grabbot/internal/reward"
	"grabbot/internal/runtime/supervisor"
	"grabbot/internal/sched"
	"grabbot/internal/storage"
	"grabbot/internal/transport"
	"grabbot/internal/transport/telegram"
	logx "grabbot/pkg/logx"
)

type App struct {
	cfgPath string
	watcher *config.Watcher

	logs *logx.Service
	log  logx.Logger
	bus  eventbus.Bus

	store   storage.Store
	adapter transport.Adapter
	session *media.Session

	tracker  *quota.Tracker
	sweeper  *quota.Sweeper
	ledger   *reward.Ledger
	reporter *progress.Reporter

	queue    *sched.Queue
	reg      *registry.Registry
	proc     *pipeline.Processor
	pool     *pool.Pool
	admitter *admission.Admitter

	sup     *supervisor.Supervisor
	updates chan transport.Update
}

func New(cfgPath string) (*App, error) {
	a := &App{cfgPath: cfgPath, updates: make(chan transport.Update, 256)}

	bootLog := logx.NewConsole("INFO").With(logx.String("comp", "config"))
	a.watcher = config.NewWatcher(cfgPath, bootLog, a.applyConfig)
	cfg, err := a.watcher.Load()
	if err != nil {
		return nil, err
	}

	a.logs, a.log = logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	a.log = a.log.With(logx.String("comp", "app"))
	a.bus = eventbus.New()

	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	adapter, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
	}, a.log.With(logx.String("comp", "telegram")))
	if err != nil {
		return nil, err
	}
	a.adapter = adapter

	busyTimeout, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 5*time.Second)
	if err != nil {
		return nil, err
	}
	a.store, err = storage.Open(storage.Config{
		Path:        cfg.Storage.Path,
		BusyTimeout: busyTimeout,
	}, a.log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}

	a.tracker = quota.NewTracker(a.store, quota.Limits{
		Daily: cfg.Quota.DailyLimit,
		Tube:  cfg.Quota.TubeLimit,
	}, a.log.With(logx.String("comp", "quota")), a.bus)
	a.sweeper = quota.NewSweeper(a.tracker, a.store, a.log.With(logx.String("comp", "sweep")))
	a.ledger = reward.New(a.store, reward.Config{
		Min:      cfg.Reward.Min,
		Max:      cfg.Reward.Max,
		Referral: cfg.Reward.Referral,
	}, rand.NewSource(time.Now().UnixNano()), a.log.With(logx.String("comp", "reward")))

	a.session, err = media.NewSession(filepath.Join(os.TempDir(), "grabbot"),
		a.log.With(logx.String("comp", "media")))
	if err != nil {
		return nil, err
	}
	deliverer := telegram.NewDeliverer(a.adapter, cfg.Media.TransportCeiling,
		a.log.With(logx.String("comp", "deliver")))

	interval, err := config.ParseDurationOrDefault("progress.interval", cfg.Progress.Interval, 3*time.Second)
	if err != nil {
		return nil, err
	}
	a.reporter = progress.NewReporter(newStatusSink(a.adapter, a.log), interval,
		a.log.With(logx.String("comp", "progress")))

	timeout, err := config.ParseDurationOrDefault("pipeline.timeout", cfg.Pipeline.Timeout, 10*time.Minute)
	if err != nil {
		return nil, err
	}
	grace, err := config.ParseDurationOrDefault("pool.grace", cfg.Pool.Grace, 10*time.Second)
	if err != nil {
		return nil, err
	}

	a.queue = sched.NewQueue(cfg.Pool.QueueSize)
	a.reg = registry.New()
	a.proc = pipeline.New(a.session, deliverer, a.tracker, a.ledger, a.reporter,
		timeout, pipeline.Ceilings{
			Audio: cfg.Media.AudioCeiling,
			Video: cfg.Media.VideoCeiling,
		}, a.log.With(logx.String("comp", "pipeline")))
	a.pool = pool.New(a.queue, a.reg, a.proc, pool.Options{
		Workers:     cfg.Pool.Workers,
		Grace:       grace,
		MaxRequeues: cfg.Pool.MaxRequeues,
		Session:     a.session,
		Notify:      a.reporter,
	}, a.bus, a.log.With(logx.String("comp", "pool")))
	a.admitter = admission.New(a.store, a.tracker, a.queue, a.bus,
		a.log.With(logx.String("comp", "admission")))

	return a, nil
}

// applyConfig pushes reloadable tunables into running components. Storage and
// telegram changes need a restart and are ignored here.
func (a *App) applyConfig(cfg *config.Config) {
	a.logs.Apply(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})

	a.tracker.SetLimits(quota.Limits{Daily: cfg.Quota.DailyLimit, Tube: cfg.Quota.TubeLimit})
	a.ledger.SetConfig(reward.Config{Min: cfg.Reward.Min, Max: cfg.Reward.Max, Referral: cfg.Reward.Referral})
	a.pool.SetMaxRequeues(cfg.Pool.MaxRequeues)
	a.proc.SetCeilings(pipeline.Ceilings{Audio: cfg.Media.AudioCeiling, Video: cfg.Media.VideoCeiling})

	if d, err := config.ParseDurationOrDefault("pipeline.timeout", cfg.Pipeline.Timeout, 0); err == nil && d > 0 {
		a.proc.SetTimeout(d)
	}
	if d, err := config.ParseDurationOrDefault("progress.interval", cfg.Progress.Interval, 0); err == nil && d > 0 {
		a.reporter.SetInterval(d)
	}
	a.log.Info("config applied")
}

// Done is closed when the run context is cancelled.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, a.log)

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}
	a.pool.Start(a.sup.Context())
	if err := a.sweeper.Start(); err != nil {
		return err
	}

	a.sup.Go("commands.dispatch", func(c context.Context) error {
		return a.dispatchLoop(c)
	})
	a.sup.GoRestart("config.watch", func(c context.Context) error {
		return a.watcher.Watch(c)
	})

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go("eventbus.log", func(c context.Context) error {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Any("data", e.Data))
			}
		}
	})

	a.log.Info("app started")
	return nil
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping")
	a.sup.Cancel()

	// Pool first: it drains the queue and owns the media session lifecycle.
	a.pool.Stop()
	a.sweeper.Stop()

	if err := a.adapter.Stop(ctx); err != nil {
		a.log.Warn("adapter stop failed", logx.Err(err))
	}
	if err := a.store.Close(); err != nil {
		a.log.Warn("storage close failed", logx.Err(err))
	}
	if err := a.sup.Stop(3 * time.Second); err != nil {
		a.log.Warn("background goroutines abandoned", logx.Err(err))
	}

	a.log.Info("stopped")
	return a.logs.Close()
}

// Stats is the app-level diagnostics snapshot.
type Stats struct {
	Pool       pool.Stats          `json:"pool"`
	Queue      int                 `json:"queue"`
	InFlight   int                 `json:"in_flight_users"`
	Goroutines supervisor.Counters `json:"goroutines"`
}

func (a *App) Stats() Stats {
	s := Stats{
		Pool:     a.pool.Stats(),
		Queue:    a.queue.Len(),
		InFlight: a.reg.Len(),
	}
	if a.sup != nil {
		s.Goroutines = a.sup.Counters()
	}
	return s
}
