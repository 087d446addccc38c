package app

import (
	"context"
	"errors"
	"strings"

	"taskcore/internal/config"
	"taskcore/internal/task"
	"taskcore/internal/task/scheduler"
	logx "taskcore/pkg/logx"
)

// registerTasks registers every declarative task of cfg. Schedule overrides
// are installed first so the wake-up driver sees them on registration.
func (a *App) registerTasks(cfg *config.Config) error {
	tasks, err := cfg.BuildTasks()
	if err != nil {
		return err
	}
	byID := taskConfigs(cfg)
	for _, t := range tasks {
		if err := a.register(t, byID[t.ID]); err != nil {
			return err
		}
	}
	return nil
}

func (a *App) register(t task.Task, tc config.TaskConfig) error {
	if s := strings.TrimSpace(tc.Schedule); s != "" {
		if err := a.wake.SetSchedule(t.ID, s); err != nil {
			return err
		}
	} else {
		a.wake.ClearSchedule(t.ID)
	}
	if err := a.sched.RegisterTask(t); err != nil {
		if errors.Is(err, scheduler.ErrDuplicateTask) {
			a.log.Warn("task already registered; keeping existing definition", logx.String("task", t.ID))
			return nil
		}
		return err
	}
	return nil
}

func taskConfigs(cfg *config.Config) map[string]config.TaskConfig {
	m := make(map[string]config.TaskConfig, len(cfg.Tasks))
	for _, tc := range cfg.Tasks {
		m[strings.TrimSpace(tc.ID)] = tc
	}
	return m
}

func (a *App) reloadLoop(ctx context.Context, reloads <-chan *config.Config) error {
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return nil
		case newCfg, ok := <-reloads:
			if !ok {
				return nil
			}
			// Coalesce bursts: only the newest config matters.
		drain:
			for {
				select {
				case newer := <-reloads:
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
}

// applyConfig pushes a validated reload into running components. Storage,
// events and wakeup.enabled are read once at startup.
func (a *App) applyConfig(oldCfg, newCfg *config.Config) {
	sections, attrs, td := config.SummarizeChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	changed := make(map[string]bool, len(sections))
	for _, s := range sections {
		changed[s] = true
	}

	if changed["logging"] {
		a.logs.Apply(mapLogConfig(newCfg))
	}

	if changed["scheduler"] {
		if sc, err := mapSchedulerConfig(newCfg); err != nil {
			a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
		} else {
			a.sched.Apply(sc)
		}
		// Tasks that inherit default_retry pick up the new policy.
		if !sameRetry(oldCfg.Scheduler.DefaultRetry, newCfg.Scheduler.DefaultRetry) {
			td.Changed = appendMissing(td.Changed, td.Added, inheritingRetry(newCfg)...)
		}
	}

	if changed["sync_queue"] {
		a.syncEvery.Store(int64(syncEvery(newCfg)))
		select {
		case a.syncKick <- struct{}{}:
		default:
		}
	}

	if !td.Empty() {
		a.applyTasks(newCfg, td)
	}

	for _, s := range []string{"storage", "events", "wakeup"} {
		if changed[s] {
			a.log.Warn("config section changed; restart required for it to take effect", logx.String("section", s))
		}
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

// applyTasks cancels removed tasks and re-registers changed ones. A changed
// task starts over: its wake-up is re-armed and its retry streak reset.
func (a *App) applyTasks(cfg *config.Config, td config.TaskDiff) {
	for _, id := range td.Removed {
		a.sched.Cancel(id)
		a.wake.ClearSchedule(id)
	}

	tasks, err := cfg.BuildTasks()
	if err != nil {
		// Validated before commit; only reachable if validation and build disagree.
		a.log.Error("declarative tasks rejected", logx.Err(err))
		return
	}
	byID := make(map[string]task.Task, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}
	tcs := taskConfigs(cfg)

	for _, id := range td.Changed {
		a.sched.Cancel(id)
		if err := a.register(byID[id], tcs[id]); err != nil {
			a.log.Warn("task re-register failed", logx.String("task", id), logx.Err(err))
		}
	}
	for _, id := range td.Added {
		if err := a.register(byID[id], tcs[id]); err != nil {
			a.log.Warn("task register failed", logx.String("task", id), logx.Err(err))
		}
	}
	a.log.Debug("declarative tasks updated",
		logx.Any("added", td.Added), logx.Any("removed", td.Removed), logx.Any("changed", td.Changed))
}

func sameRetry(a, b *config.RetryConfig) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func inheritingRetry(cfg *config.Config) []string {
	var out []string
	for _, tc := range cfg.Tasks {
		if tc.Retry == nil {
			out = append(out, strings.TrimSpace(tc.ID))
		}
	}
	return out
}

// appendMissing adds ids to dst unless already in dst or skip.
func appendMissing(dst, skip []string, ids ...string) []string {
	seen := make(map[string]bool, len(dst)+len(skip))
	for _, id := range dst {
		seen[id] = true
	}
	for _, id := range skip {
		seen[id] = true
	}
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			dst = append(dst, id)
		}
	}
	return dst
}
