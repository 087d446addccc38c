package config

import "encoding/json"

type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Events    EventsConfig    `json:"events,omitempty"`
	SyncQueue SyncQueueConfig `json:"sync_queue,omitempty"`
	Wakeup    WakeupConfig    `json:"wakeup,omitempty"`
	Storage   *StorageConfig  `json:"storage,omitempty"`

	// Tasks are registered at startup. Entries added on reload are registered,
	// entries removed on reload are cancelled.
	Tasks []TaskConfig `json:"tasks,omitempty"`
}

type LoggingConfig struct {
	Level   string       `json:"level"`
	Console bool         `json:"console"`
	File    LoggingFile  `json:"file"`
	Alert   LoggingAlert `json:"alert,omitempty"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingAlert mirrors records at or above MinLevel to stderr, rate limited.
type LoggingAlert struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

// SchedulerConfig controls the scheduler facade.
//
// Defaults (when fields are omitted/zero):
//   - strict_execute: false (ExecuteNow on an unknown id is a no-op)
//   - purge_exhausted: false (exhausted retry state is kept until success/re-register)
//   - default_timeout: "0s" (disabled)
//   - history_size: 200
type SchedulerConfig struct {
	StrictExecute  bool   `json:"strict_execute,omitempty"`
	PurgeExhausted bool   `json:"purge_exhausted,omitempty"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
	HistorySize    int    `json:"history_size,omitempty"`

	// DefaultRetry applies to declarative tasks that omit retry.
	DefaultRetry *RetryConfig `json:"default_retry,omitempty"`
}

// RetryConfig is the config form of task.RetryPolicy.
type RetryConfig struct {
	Strategy    string `json:"strategy"`
	BaseDelay   string `json:"base_delay"`
	MaxDelay    string `json:"max_delay,omitempty"`
	MaxAttempts int    `json:"max_attempts,omitempty"`
}

// EventsConfig sizes internal bus subscriptions (journal).
// Policy is "drop_newest" (default) or "drop_oldest".
type EventsConfig struct {
	Buffer int    `json:"buffer,omitempty"`
	Policy string `json:"policy,omitempty"`
}

type SyncQueueConfig struct {
	// ProcessEvery drains the sync queue periodically. "0s" or empty disables
	// the ticker; callers can still drain explicitly.
	ProcessEvery string `json:"process_every,omitempty"`
}

type WakeupConfig struct {
	Enabled  bool   `json:"enabled"`
	Timezone string `json:"timezone,omitempty"`
}

// StorageConfig controls the event journal.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/taskcore.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// TaskConfig declares a handler-backed task.
type TaskConfig struct {
	ID           string          `json:"id"`
	Type         string          `json:"type"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Frequency    string          `json:"frequency,omitempty"` // one_off | periodic
	Interval     string          `json:"interval,omitempty"`
	InitialDelay string          `json:"initial_delay,omitempty"`
	Persisted    bool            `json:"persisted,omitempty"`
	Constraints  TaskConstraints `json:"constraints,omitempty"`
	Triggers     []TriggerConfig `json:"triggers,omitempty"`
	Retry        *RetryConfig    `json:"retry,omitempty"`

	// Schedule overrides the wake-up cadence (cron or interval syntax).
	Schedule string `json:"schedule,omitempty"`
}

type TaskConstraints struct {
	UnmeteredNetwork bool `json:"unmetered_network,omitempty"`
	Charging         bool `json:"charging,omitempty"`
}

// TriggerConfig is a tagged union keyed by Kind.
type TriggerConfig struct {
	Kind string `json:"kind"` // geofence | push | time_window

	Lat    float64 `json:"lat,omitempty"`
	Lon    float64 `json:"lon,omitempty"`
	Radius float64 `json:"radius_m,omitempty"`

	Topic string `json:"topic,omitempty"`

	// RFC 3339 timestamps.
	Start string `json:"start,omitempty"`
	End   string `json:"end,omitempty"`
}
