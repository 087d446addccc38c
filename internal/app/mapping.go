package app

import (
	"fmt"
	"strings"
	"time"

	"taskcore/internal/config"
	"taskcore/internal/eventbus"
	"taskcore/internal/journal"
	"taskcore/internal/storage"
	"taskcore/internal/task/scheduler"
	"taskcore/internal/task/wakeup"
	logx "taskcore/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Alert: logx.AlertConfig{
			Enabled:    cfg.Logging.Alert.Enabled,
			MinLevel:   cfg.Logging.Alert.MinLevel,
			RatePerSec: cfg.Logging.Alert.RatePerSec,
		},
	}
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	timeout, err := config.ParseDurationField("scheduler.default_timeout", cfg.Scheduler.DefaultTimeout)
	if err != nil {
		return scheduler.Config{}, err
	}
	hs := cfg.Scheduler.HistorySize
	if hs < 0 {
		return scheduler.Config{}, fmt.Errorf("scheduler.history_size must be >= 0")
	}
	return scheduler.Config{
		StrictExecute:  cfg.Scheduler.StrictExecute,
		PurgeExhausted: cfg.Scheduler.PurgeExhausted,
		DefaultTimeout: timeout,
		HistorySize:    hs,
	}, nil
}

func mapWakeupConfig(cfg *config.Config) wakeup.Config {
	return wakeup.Config{
		Enabled:  cfg.Wakeup.Enabled,
		Timezone: strings.TrimSpace(cfg.Wakeup.Timezone),
	}
}

func mapJournalConfig(cfg *config.Config) journal.Config {
	return journal.Config{
		Buffer: cfg.Events.Buffer,
		Policy: eventbus.ParsePolicy(strings.ToLower(strings.TrimSpace(cfg.Events.Policy))),
	}
}

// mapStorageConfig reports enabled=false when storage is omitted or "none".
func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	path := strings.TrimSpace(sc.Path)
	if path == "" {
		return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=%s", driver)
	}

	switch driver {
	case "file":
		return storage.Config{Driver: driver, Path: path}, true, nil
	case "sqlite", "sqlite3":
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func syncEvery(cfg *config.Config) time.Duration {
	d, _ := config.ParseDurationField("sync_queue.process_every", cfg.SyncQueue.ProcessEvery)
	return d
}
