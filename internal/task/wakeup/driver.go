package wakeup

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"taskcore/internal/eventbus"
	"taskcore/internal/task"
	logx "taskcore/pkg/logx"
)

// Config controls the local wake-up driver.
type Config struct {
	Enabled  bool
	Timezone string // IANA TZ, e.g. "Asia/Jakarta"
}

// Registry is the part of the scheduler the driver needs.
type Registry interface {
	List() []task.Task
	Get(id string) (task.Task, bool)
	ExecuteNow(ctx context.Context, id string) error
}

// EntryInfo describes one armed wake-up.
type EntryInfo struct {
	ID   string
	Spec string
	Next time.Time
	Prev time.Time
}

// Driver is an in-process stand-in for the OS wake-up layer. It follows the
// task registry through the event bus and calls ExecuteNow when a task's
// schedule fires:
//   - periodic tasks every Interval (or a per-task cron/interval override)
//   - one-off tasks once, InitialDelay after they were registered
//
// Time-window triggers gate each wake-up; other triggers are ignored here.
type Driver struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus eventbus.Bus
	reg Registry

	parser cron.Parser
	c      *cron.Cron
	loc    *time.Location
	ctx    context.Context

	entries map[string]cron.EntryID
	specs   map[string]string // id -> display spec
	once    map[string]*time.Timer
	fired   map[string]bool

	overrides map[string]string
}

func New(cfg Config, reg Registry, log logx.Logger, bus eventbus.Bus) *Driver {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Driver{
		cfg:       cfg,
		log:       log,
		bus:       bus,
		reg:       reg,
		parser:    cronParser,
		entries:   map[string]cron.EntryID{},
		specs:     map[string]string{},
		once:      map[string]*time.Timer{},
		fired:     map[string]bool{},
		overrides: map[string]string{},
	}
}

// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ValidateSchedule reports whether spec is usable as a schedule override.
func ValidateSchedule(spec string) error {
	ps, err := ParseSchedule(spec)
	if err != nil {
		return err
	}
	if ps.Kind == SpecCron {
		if _, err := cronParser.Parse(ps.Cron); err != nil {
			return fmt.Errorf("cron %q: %w", ps.Cron, err)
		}
	}
	return nil
}

// SetSchedule overrides how task id is woken. spec uses ParseSchedule syntax.
// It must be called before the task is registered to take effect.
func (d *Driver) SetSchedule(id, spec string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("task id required")
	}
	if err := ValidateSchedule(spec); err != nil {
		return err
	}
	d.mu.Lock()
	d.overrides[id] = spec
	d.mu.Unlock()
	return nil
}

// ClearSchedule drops the override for id. Like SetSchedule it applies from
// the next registration.
func (d *Driver) ClearSchedule(id string) {
	d.mu.Lock()
	delete(d.overrides, strings.TrimSpace(id))
	d.mu.Unlock()
}

// Run arms every registered task, then follows registrations and
// cancellations until ctx is done.
func (d *Driver) Run(ctx context.Context) error {
	if d.bus == nil {
		return fmt.Errorf("wakeup: event bus required")
	}
	events, unsub := d.bus.Subscribe(256, eventbus.DropOldest)
	defer unsub()

	d.start(ctx)
	defer d.stop()

	for _, t := range d.reg.List() {
		d.add(t)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-events:
			if !ok {
				return fmt.Errorf("wakeup: event stream closed")
			}
			switch e.Type {
			case eventbus.TaskRegistered:
				if t, ok := d.reg.Get(e.ID); ok {
					d.add(t)
				}
			case eventbus.TaskCancelled:
				d.remove(e.ID)
			}
		}
	}
}

func (d *Driver) start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	loc := time.Local
	if tz := strings.TrimSpace(d.cfg.Timezone); tz != "" {
		if l, err := time.LoadLocation(tz); err == nil {
			loc = l
		} else {
			d.log.Warn("invalid timezone; using local", logx.String("tz", tz), logx.Any("err", err))
		}
	}
	d.loc = loc
	d.ctx = ctx
	d.c = cron.New(
		cron.WithParser(d.parser),
		cron.WithLocation(loc),
		cron.WithChain(cron.SkipIfStillRunning(cronLogger{log: d.log})),
	)
	d.c.Start()
	d.log.Info("wakeup driver started", logx.String("tz", loc.String()))
}

func (d *Driver) stop() {
	d.mu.Lock()
	c := d.c
	d.c = nil
	for id, t := range d.once {
		_ = t.Stop()
		delete(d.once, id)
	}
	d.entries = map[string]cron.EntryID{}
	d.specs = map[string]string{}
	d.mu.Unlock()

	if c != nil {
		<-c.Stop().Done()
	}
	d.log.Info("wakeup driver stopped")
}

func (d *Driver) add(t task.Task) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.c == nil {
		return
	}
	id := t.ID
	if _, ok := d.entries[id]; ok {
		return
	}
	if _, ok := d.once[id]; ok {
		return
	}

	now := time.Now().In(d.loc)
	var (
		sched cron.Schedule
		spec  string
	)
	if raw, ok := d.overrides[id]; ok {
		ps, err := ParseSchedule(raw)
		if err != nil {
			d.log.Warn("schedule override invalid", logx.String("task", id), logx.Any("err", err))
			return
		}
		if ps.Kind == SpecCron {
			s, err := d.parser.Parse(ps.Cron)
			if err != nil {
				d.log.Warn("schedule override invalid", logx.String("task", id), logx.Any("err", err))
				return
			}
			sched, spec = s, ps.Cron
		} else {
			sched, _ = intervalSchedule(ps.Every, t.InitialDelay, now, id)
			spec = "@every " + ps.Every.String()
		}
	} else if t.Frequency == task.Periodic {
		var spread time.Duration
		sched, spread = intervalSchedule(t.Interval, t.InitialDelay, now, id)
		spec = "@every " + t.Interval.String()
		d.log.Debug("periodic wake-up armed", logx.String("task", id), logx.Duration("first_offset", spread))
	} else {
		if d.fired[id] {
			return
		}
		d.armOnceLocked(id, t.InitialDelay)
		return
	}

	eid := d.c.Schedule(sched, cron.FuncJob(func() { d.fire(id) }))
	d.entries[id] = eid
	d.specs[id] = spec
	d.log.Debug("wake-up registered", logx.String("task", id), logx.String("spec", spec))
}

func (d *Driver) armOnceLocked(id string, delay time.Duration) {
	if delay < 0 {
		delay = 0
	}
	d.specs[id] = "once +" + delay.String()
	d.once[id] = time.AfterFunc(delay, func() {
		d.mu.Lock()
		if _, ok := d.once[id]; !ok {
			d.mu.Unlock()
			return
		}
		delete(d.once, id)
		delete(d.specs, id)
		d.fired[id] = true
		d.mu.Unlock()
		d.fire(id)
	})
}

func (d *Driver) remove(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if eid, ok := d.entries[id]; ok {
		if d.c != nil {
			d.c.Remove(eid)
		}
		delete(d.entries, id)
	}
	if t, ok := d.once[id]; ok {
		_ = t.Stop()
		delete(d.once, id)
	}
	delete(d.specs, id)
	delete(d.fired, id)
}

func (d *Driver) fire(id string) {
	d.mu.Lock()
	ctx := d.ctx
	d.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}

	t, ok := d.reg.Get(id)
	if !ok {
		return
	}
	if !t.InWindow(time.Now()) {
		d.log.Debug("wake-up skipped: outside time window", logx.String("task", id))
		return
	}
	if err := d.reg.ExecuteNow(ctx, id); err != nil {
		d.log.Debug("wake-up execute failed", logx.String("task", id), logx.Any("err", err))
	}
}

// Entries lists armed wake-ups sorted by id.
func (d *Driver) Entries() []EntryInfo {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]EntryInfo, 0, len(d.specs))
	for id, spec := range d.specs {
		info := EntryInfo{ID: id, Spec: spec}
		if eid, ok := d.entries[id]; ok && d.c != nil {
			e := d.c.Entry(eid)
			info.Next = e.Next
			info.Prev = e.Prev
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// cronLogger adapts logx to cron.Logger.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug("cron: "+msg, kvFields(keysAndValues)...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Warn("cron: "+msg, append(kvFields(keysAndValues), logx.Err(err))...)
}

func kvFields(kv []interface{}) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, logx.Any(fmt.Sprint(kv[i]), kv[i+1]))
	}
	return out
}
