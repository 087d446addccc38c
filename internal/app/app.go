package app

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"taskcore/internal/config"
	"taskcore/internal/eventbus"
	"taskcore/internal/handlers"
	"taskcore/internal/journal"
	"taskcore/internal/runtime/supervisor"
	"taskcore/internal/storage"
	"taskcore/internal/syncq"
	"taskcore/internal/task/scheduler"
	"taskcore/internal/task/wakeup"
	logx "taskcore/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  *eventbus.MemBus

	store   storage.Store
	journal *journal.Journal

	sched *scheduler.Service
	wake  *wakeup.Driver
	syncq *syncq.Queue

	wakeEnabled bool
	syncEvery   atomic.Int64 // time.Duration; 0 disables the drain ticker
	syncKick    chan struct{}

	notify func(state string) (bool, error)
}

type Option func(*App)

// WithNotify replaces the service manager notification hook (sd_notify).
func WithNotify(fn func(state string) (bool, error)) Option {
	return func(a *App) {
		if fn != nil {
			a.notify = fn
		}
	}
}

func New(cfgPath string, opts ...Option) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, root := logx.New(mapLogConfig(cfg), &logx.WriterAlerter{W: os.Stderr})
	log := root.With(logx.String("comp", "app"))

	bus := eventbus.New()

	var store storage.Store
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		_ = logSvc.Close()
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, root)
		if err != nil {
			_ = logSvc.Close()
			return nil, err
		}
		store = st
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	schedCfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	sched := scheduler.New(schedCfg, root.With(logx.String("comp", "scheduler")), bus)
	if err := handlers.Register(sched, root); err != nil {
		_ = logSvc.Close()
		return nil, err
	}

	a := &App{
		cfgm:        cfgm,
		log:         log,
		logs:        logSvc,
		bus:         bus,
		store:       store,
		sched:       sched,
		wake:        wakeup.New(mapWakeupConfig(cfg), sched, root.With(logx.String("comp", "wakeup")), bus),
		syncq:       syncq.New(root.With(logx.String("comp", "syncq")), bus),
		wakeEnabled: cfg.Wakeup.Enabled,
		syncKick:    make(chan struct{}, 1),
		notify:      func(state string) (bool, error) { return daemon.SdNotify(false, state) },
	}
	if store != nil {
		a.journal = journal.New(mapJournalConfig(cfg), store, bus, root)
	}
	a.syncEvery.Store(int64(syncEvery(cfg)))
	for _, o := range opts {
		o(a)
	}

	if err := a.validate(context.Background(), cfg); err != nil {
		_ = a.closeStorage()
		_ = logSvc.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) Scheduler() *scheduler.Service { return a.sched }
func (a *App) SyncQueue() *syncq.Queue       { return a.syncq }
func (a *App) Wakeup() *wakeup.Driver        { return a.wake }
func (a *App) Bus() eventbus.Bus             { return a.bus }

// Journal is nil when storage is disabled.
func (a *App) Journal() *journal.Journal { return a.journal }

// Done is closed when the supervisor context is cancelled (fatal error or Stop).
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

// EnqueueSync adds an idempotent job to the sync queue and wakes the drain
// loop.
func (a *App) EnqueueSync(id string, action syncq.Action) (string, error) {
	key, err := a.syncq.Enqueue(id, action)
	if err == nil {
		select {
		case a.syncKick <- struct{}{}:
		default:
		}
	}
	return key, err
}

// validate checks what config.Validate cannot: handler types and schedule
// syntax.
func (a *App) validate(_ context.Context, cfg *config.Config) error {
	known := map[string]bool{}
	for _, typ := range a.sched.Snapshot().Handlers {
		known[typ] = true
	}
	for _, tc := range cfg.Tasks {
		typ := strings.TrimSpace(tc.Type)
		if !known[typ] {
			return fmt.Errorf("tasks.%s.type: no handler %q", tc.ID, typ)
		}
		if strings.TrimSpace(tc.Schedule) != "" {
			if err := wakeup.ValidateSchedule(tc.Schedule); err != nil {
				return fmt.Errorf("tasks.%s.schedule: %w", tc.ID, err)
			}
		}
	}
	return nil
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log.With(logx.String("comp", "supervisor"))), supervisor.WithCancelOnError(true))

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(a.validate)

	// Subscribe the journal before the first event so nothing is missed.
	if a.journal != nil {
		run, err := a.journal.Subscribe()
		if err != nil {
			return err
		}
		a.sup.Go("journal", run)
	}

	a.sched.Initialize()

	cfg := a.cfgm.Get()
	if err := a.registerTasks(cfg); err != nil {
		return err
	}

	if a.wakeEnabled {
		a.sup.GoRestart("wakeup", a.wake.Run)
	} else {
		a.log.Info("wakeup driver disabled; tasks run only through ExecuteNow")
	}

	a.sup.Go("syncq.drain", a.drainLoop)

	reloads := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(reloads)
		return a.reloadLoop(c, reloads)
	})
	a.sup.Go("config.watch", a.cfgm.Watch)

	if ok, err := a.notify(daemon.SdNotifyReady); err != nil {
		a.log.Warn("sd_notify ready failed", logx.Err(err))
	} else if ok {
		a.log.Debug("sd_notify ready sent")
	}
	a.log.Info("app started", logx.Int("tasks", len(cfg.Tasks)), logx.Bool("journal", a.journal != nil))
	return nil
}

// drainLoop runs the sync queue every sync_queue.process_every, and right
// away after EnqueueSync.
func (a *App) drainLoop(ctx context.Context) error {
	for {
		var tick <-chan time.Time
		var timer *time.Timer
		if every := time.Duration(a.syncEvery.Load()); every > 0 {
			timer = time.NewTimer(every)
			tick = timer.C
		}
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil
		case <-a.syncKick:
			if timer != nil {
				timer.Stop()
			}
		case <-tick:
		}
		if a.syncq.Len() == 0 {
			continue
		}
		rep := a.syncq.Process(ctx)
		a.log.Trace("sync queue pass", logx.Int("completed", rep.Completed), logx.Int("failed", rep.Failed), logx.Int("pending", a.syncq.Len()))
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	if _, err := a.notify(daemon.SdNotifyStopping); err != nil {
		a.log.Debug("sd_notify stopping failed", logx.Err(err))
	}

	// Disarm retries first so nothing new starts while loops unwind.
	a.stopStep(ctx, "scheduler", 2*time.Second, func(context.Context) error { a.sched.Stop(); return nil })
	a.stopStep(ctx, "supervisor", 3*time.Second, a.sup.Stop)
	// The journal has stopped writing by now.
	a.stopStep(ctx, "storage", time.Second, func(context.Context) error { return a.closeStorage() })

	if n := a.syncq.Len(); n > 0 {
		a.log.Warn("sync jobs left unprocessed", logx.Int("pending", n))
	}
	a.log.Info("stopped")
	return a.logs.Close()
}

func (a *App) closeStorage() error {
	if a.store == nil {
		return nil
	}
	return a.store.Close()
}
