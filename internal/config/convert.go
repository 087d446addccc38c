package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"taskcore/internal/task"
)

// Policy converts c into an immutable task.RetryPolicy with defaults applied.
func (c RetryConfig) Policy(path string) (*task.RetryPolicy, error) {
	s, err := task.ParseStrategy(c.Strategy)
	if err != nil {
		return nil, fmt.Errorf("%s.strategy: %w", path, err)
	}
	base, err := ParseDurationField(path+".base_delay", c.BaseDelay)
	if err != nil {
		return nil, err
	}
	maxDelay, err := ParseDurationField(path+".max_delay", c.MaxDelay)
	if err != nil {
		return nil, err
	}
	if s != task.Fixed && maxDelay == 0 {
		return nil, fmt.Errorf("%s.max_delay is required for strategy %s", path, s)
	}
	if c.MaxAttempts < 0 {
		return nil, fmt.Errorf("%s.max_attempts must be >= 0", path)
	}
	return task.NewRetryPolicy(s, base, maxDelay, c.MaxAttempts), nil
}

// Task converts c into a handler-backed task.Task. defaultRetry is used when
// c.Retry is nil; both nil means the task never retries.
func (c TaskConfig) Task(defaultRetry *RetryConfig) (task.Task, error) {
	id := strings.TrimSpace(c.ID)
	path := "tasks." + id
	if id == "" {
		return task.Task{}, errors.New("tasks: id is required")
	}

	freq, err := task.ParseFrequency(c.Frequency)
	if err != nil {
		return task.Task{}, fmt.Errorf("%s.frequency: %w", path, err)
	}
	interval, err := ParseDurationField(path+".interval", c.Interval)
	if err != nil {
		return task.Task{}, err
	}
	delay, err := ParseDurationField(path+".initial_delay", c.InitialDelay)
	if err != nil {
		return task.Task{}, err
	}

	t := task.Task{
		ID:           id,
		Type:         strings.TrimSpace(c.Type),
		Frequency:    freq,
		Interval:     interval,
		InitialDelay: delay,
		Persisted:    c.Persisted,
		Constraints: task.Constraints{
			RequiresUnmeteredNetwork: c.Constraints.UnmeteredNetwork,
			RequiresCharging:         c.Constraints.Charging,
		},
	}
	if len(c.Payload) > 0 && string(c.Payload) != "null" {
		t.Payload = append([]byte(nil), c.Payload...)
	}

	for i, tc := range c.Triggers {
		tr, err := tc.Trigger()
		if err != nil {
			return task.Task{}, fmt.Errorf("%s.triggers[%d]: %w", path, i, err)
		}
		t.Triggers = append(t.Triggers, tr)
	}

	rc := c.Retry
	if rc == nil {
		rc = defaultRetry
	}
	if rc != nil {
		p, err := rc.Policy(path + ".retry")
		if err != nil {
			return task.Task{}, err
		}
		t.RetryPolicy = p
	}

	if err := t.Validate(); err != nil {
		return task.Task{}, err
	}
	return t, nil
}

// Trigger converts c into a task.Trigger and validates it.
func (c TriggerConfig) Trigger() (task.Trigger, error) {
	var tr task.Trigger
	switch task.TriggerKind(strings.ToLower(strings.TrimSpace(c.Kind))) {
	case task.KindGeofence:
		tr = task.GeofenceTrigger{Lat: c.Lat, Lon: c.Lon, RadiusMeters: c.Radius}
	case task.KindPush:
		tr = task.PushTrigger{Topic: strings.TrimSpace(c.Topic)}
	case task.KindTimeWindow:
		start, err := time.Parse(time.RFC3339, strings.TrimSpace(c.Start))
		if err != nil {
			return nil, fmt.Errorf("start: %w", err)
		}
		end, err := time.Parse(time.RFC3339, strings.TrimSpace(c.End))
		if err != nil {
			return nil, fmt.Errorf("end: %w", err)
		}
		tr = task.TimeWindowTrigger{Start: start, End: end}
	default:
		return nil, fmt.Errorf("unknown trigger kind %q", c.Kind)
	}
	if err := tr.Validate(); err != nil {
		return nil, err
	}
	return tr, nil
}

// BuildTasks converts every declared task, rejecting duplicate ids.
func (c *Config) BuildTasks() ([]task.Task, error) {
	seen := make(map[string]struct{}, len(c.Tasks))
	out := make([]task.Task, 0, len(c.Tasks))
	for _, tc := range c.Tasks {
		t, err := tc.Task(c.Scheduler.DefaultRetry)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[t.ID]; dup {
			return nil, fmt.Errorf("tasks: duplicate id %q", t.ID)
		}
		seen[t.ID] = struct{}{}
		out = append(out, t)
	}
	return out, nil
}

// Validate checks every field the daemon parses. It does not know which
// handler types exist or how schedules are parsed; callers add those checks.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	if _, err := ParseDurationField("scheduler.default_timeout", cfg.Scheduler.DefaultTimeout); err != nil {
		return err
	}
	if cfg.Scheduler.HistorySize < 0 {
		return errors.New("scheduler.history_size must be >= 0")
	}
	if cfg.Scheduler.DefaultRetry != nil {
		if _, err := cfg.Scheduler.DefaultRetry.Policy("scheduler.default_retry"); err != nil {
			return err
		}
	}
	if cfg.Events.Buffer < 0 {
		return errors.New("events.buffer must be >= 0")
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Events.Policy)) {
	case "", "drop_newest", "drop-newest", "newest", "drop_oldest", "drop-oldest", "oldest":
	default:
		return fmt.Errorf("events.policy: unknown value %q", cfg.Events.Policy)
	}
	if _, err := ParseDurationField("sync_queue.process_every", cfg.SyncQueue.ProcessEvery); err != nil {
		return err
	}
	if tz := strings.TrimSpace(cfg.Wakeup.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("wakeup.timezone: %w", err)
		}
	}
	if cfg.Storage != nil {
		if _, err := ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout); err != nil {
			return err
		}
	}
	_, err := cfg.BuildTasks()
	return err
}
