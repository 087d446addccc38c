package config

import (
	"reflect"
	"sort"
	"strings"

	logx "taskcore/pkg/logx"
)

// TaskDiff lists declarative task ids that differ between two configs.
type TaskDiff struct {
	Added   []string
	Removed []string
	Changed []string
}

func (d TaskDiff) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Changed) == 0
}

// SummarizeChange returns the changed top-level sections, safe structured
// attrs for logging, and the task-level diff.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field, TaskDiff) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 7)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.alert_enabled", newCfg.Logging.Alert.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.strict_execute", newCfg.Scheduler.StrictExecute),
			logx.Bool("scheduler.purge_exhausted", newCfg.Scheduler.PurgeExhausted),
			logx.String("scheduler.default_timeout", strings.TrimSpace(newCfg.Scheduler.DefaultTimeout)),
			logx.Int("scheduler.history_size", newCfg.Scheduler.HistorySize),
			logx.Bool("scheduler.default_retry_set", newCfg.Scheduler.DefaultRetry != nil),
		)
	}

	if oldCfg.Events != newCfg.Events {
		changed = append(changed, "events")
		attrs = append(attrs,
			logx.Int("events.buffer", newCfg.Events.Buffer),
			logx.String("events.policy", newCfg.Events.Policy),
		)
	}

	if oldCfg.SyncQueue != newCfg.SyncQueue {
		changed = append(changed, "sync_queue")
		attrs = append(attrs, logx.String("sync_queue.process_every", newCfg.SyncQueue.ProcessEvery))
	}

	if oldCfg.Wakeup != newCfg.Wakeup {
		changed = append(changed, "wakeup")
		attrs = append(attrs,
			logx.Bool("wakeup.enabled", newCfg.Wakeup.Enabled),
			logx.String("wakeup.timezone", strings.TrimSpace(newCfg.Wakeup.Timezone)),
		)
	}

	oSt, nSt := derefStorage(oldCfg.Storage), derefStorage(newCfg.Storage)
	if oSt != nSt {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(nSt.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(nSt.Path) != ""),
		)
	}

	td := diffTasks(oldCfg.Tasks, newCfg.Tasks)
	if !td.Empty() {
		changed = append(changed, "tasks")
		attrs = append(attrs,
			logx.Int("tasks.added", len(td.Added)),
			logx.Int("tasks.removed", len(td.Removed)),
			logx.Int("tasks.changed", len(td.Changed)),
		)
	}

	sort.Strings(changed)
	return changed, attrs, td
}

func derefStorage(s *StorageConfig) StorageConfig {
	if s == nil {
		return StorageConfig{}
	}
	return *s
}

func diffTasks(oldT, newT []TaskConfig) TaskDiff {
	index := func(ts []TaskConfig) map[string]TaskConfig {
		m := make(map[string]TaskConfig, len(ts))
		for _, t := range ts {
			m[strings.TrimSpace(t.ID)] = t
		}
		return m
	}
	om, nm := index(oldT), index(newT)

	var d TaskDiff
	for id, n := range nm {
		o, ok := om[id]
		switch {
		case !ok:
			d.Added = append(d.Added, id)
		case !sameTask(o, n):
			d.Changed = append(d.Changed, id)
		}
	}
	for id := range om {
		if _, ok := nm[id]; !ok {
			d.Removed = append(d.Removed, id)
		}
	}
	sort.Strings(d.Added)
	sort.Strings(d.Removed)
	sort.Strings(d.Changed)
	return d
}

// sameTask compares payloads canonically so reformatting YAML does not count
// as a change.
func sameTask(a, b TaskConfig) bool {
	if canonicalHashJSON(a.Payload) != canonicalHashJSON(b.Payload) {
		return false
	}
	a.Payload, b.Payload = nil, nil
	return reflect.DeepEqual(a, b)
}
