package config

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"taskcore/internal/task"
)

const sampleYAML = `
logging:
  level: debug
  console: true
  file: { enabled: false, path: "" }
scheduler:
  strict_execute: true
  default_timeout: 30s
  default_retry:
    strategy: exponential
    base_delay: 3s
    max_delay: 5m
events:
  buffer: 128
  policy: drop_oldest
sync_queue:
  process_every: 1m
wakeup:
  enabled: true
  timezone: UTC
storage:
  driver: file
  path: ./data/taskcore
tasks:
  - id: sync-photos
    type: log
    frequency: periodic
    interval: 15m
    payload: { msg: "hello" }
    constraints: { unmetered_network: true }
    triggers:
      - kind: push
        topic: photos
  - id: once
    type: fail
    initial_delay: 10s
    retry:
      strategy: fixed
      base_delay: 1s
      max_attempts: 2
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	return p
}

func TestLoadYAML(t *testing.T) {
	t.Parallel()
	m := NewManager(writeFile(t, "config.yaml", sampleYAML))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if m.Get() != cfg {
		t.Fatal("Load should commit the config")
	}
	if !cfg.Scheduler.StrictExecute || cfg.Events.Policy != "drop_oldest" || cfg.Storage.Driver != "file" {
		t.Fatalf("cfg = %+v", cfg)
	}

	tasks, err := cfg.BuildTasks()
	if err != nil {
		t.Fatalf("BuildTasks: %v", err)
	}
	if len(tasks) != 2 {
		t.Fatalf("tasks = %d, want 2", len(tasks))
	}

	sp := tasks[0]
	if sp.Frequency != task.Periodic || sp.Interval != 15*time.Minute || !sp.Constraints.RequiresUnmeteredNetwork {
		t.Fatalf("sync-photos = %+v", sp)
	}
	if string(sp.Payload) != `{"msg":"hello"}` {
		t.Fatalf("payload = %s", sp.Payload)
	}
	if !sp.HasTrigger(task.KindPush) {
		t.Fatal("push trigger missing")
	}
	want := task.RetryPolicy{Strategy: task.Exponential, BaseDelay: 3 * time.Second, MaxDelay: 5 * time.Minute, MaxAttempts: task.DefaultMaxAttempts}
	if sp.RetryPolicy == nil || *sp.RetryPolicy != want {
		t.Fatalf("default retry = %+v, want %+v", sp.RetryPolicy, want)
	}

	once := tasks[1]
	if once.Frequency != task.OneOff || once.InitialDelay != 10*time.Second {
		t.Fatalf("once = %+v", once)
	}
	if once.RetryPolicy.MaxAttempts != 2 || once.RetryPolicy.MaxDelay != time.Second {
		t.Fatalf("once retry = %+v", once.RetryPolicy)
	}
}

func TestParseRejectsBadInput(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		file string
		body string
	}{
		{name: "unknown field", file: "c.json", body: `{"scheduler":{"workers":2}}`},
		{name: "trailing data", file: "c.json", body: `{} {}`},
		{name: "bad yaml", file: "c.yaml", body: "logging: [\n"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := NewManager(writeFile(t, tt.file, tt.body)).Parse(); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{name: "ok", cfg: Config{}},
		{name: "bad timeout", cfg: Config{Scheduler: SchedulerConfig{DefaultTimeout: "soon"}}, want: "scheduler.default_timeout"},
		{name: "bad policy", cfg: Config{Events: EventsConfig{Policy: "block"}}, want: "events.policy"},
		{name: "bad timezone", cfg: Config{Wakeup: WakeupConfig{Timezone: "Mars/Base"}}, want: "wakeup.timezone"},
		{name: "bad strategy", cfg: Config{Scheduler: SchedulerConfig{DefaultRetry: &RetryConfig{Strategy: "linear"}}}, want: "strategy"},
		{name: "exponential without max_delay", cfg: Config{Scheduler: SchedulerConfig{DefaultRetry: &RetryConfig{Strategy: "exponential", BaseDelay: "1s"}}}, want: "max_delay is required"},
		{name: "fixed without max_delay", cfg: Config{Scheduler: SchedulerConfig{DefaultRetry: &RetryConfig{Strategy: "fixed", BaseDelay: "1s"}}}},
		{name: "periodic without interval", cfg: Config{Tasks: []TaskConfig{{ID: "p", Type: "log", Frequency: "periodic"}}}, want: "interval"},
		{name: "no type", cfg: Config{Tasks: []TaskConfig{{ID: "x"}}}, want: "action or type"},
		{name: "duplicate", cfg: Config{Tasks: []TaskConfig{{ID: "a", Type: "log"}, {ID: "a", Type: "log"}}}, want: "duplicate"},
		{name: "bad trigger", cfg: Config{Tasks: []TaskConfig{{ID: "g", Type: "log", Triggers: []TriggerConfig{{Kind: "geofence", Lat: 91, Radius: 10}}}}}, want: "latitude"},
		{name: "window order", cfg: Config{Tasks: []TaskConfig{{ID: "w", Type: "log", Triggers: []TriggerConfig{{Kind: "time_window", Start: "2026-01-02T00:00:00Z", End: "2026-01-01T00:00:00Z"}}}}}, want: "end must be after start"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := Validate(&tt.cfg)
			if tt.want == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("err = %v, want containing %q", err, tt.want)
			}
		})
	}
}

func TestSummarizeChange(t *testing.T) {
	t.Parallel()
	oldCfg := &Config{
		Scheduler: SchedulerConfig{HistorySize: 10},
		Tasks: []TaskConfig{
			{ID: "keep", Type: "log", Payload: []byte(`{"a":1,"b":2}`)},
			{ID: "edit", Type: "log", Interval: "1m"},
			{ID: "gone", Type: "log"},
		},
	}
	newCfg := &Config{
		Scheduler: SchedulerConfig{HistorySize: 20},
		Tasks: []TaskConfig{
			{ID: "keep", Type: "log", Payload: []byte(`{ "b": 2, "a": 1 }`)},
			{ID: "edit", Type: "log", Interval: "2m"},
			{ID: "new", Type: "sleep"},
		},
	}

	sections, attrs, td := SummarizeChange(oldCfg, newCfg)
	if !reflect.DeepEqual(sections, []string{"scheduler", "tasks"}) {
		t.Fatalf("sections = %v", sections)
	}
	if len(attrs) == 0 {
		t.Fatal("expected log attrs")
	}
	want := TaskDiff{Added: []string{"new"}, Removed: []string{"gone"}, Changed: []string{"edit"}}
	if !reflect.DeepEqual(td, want) {
		t.Fatalf("diff = %+v, want %+v", td, want)
	}

	if s, _, td := SummarizeChange(newCfg, newCfg); len(s) != 0 || !td.Empty() {
		t.Fatalf("identical configs: sections=%v diff=%+v", s, td)
	}
}

func TestReloadPublishesOnlyValidChanges(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "c.json", `{"scheduler":{"history_size":10}}`)
	m := NewManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)
	ctx := context.Background()

	if ok, err := m.Reload(ctx); ok || err != nil {
		t.Fatalf("unchanged reload = %v, %v", ok, err)
	}

	if err := os.WriteFile(path, []byte(`{"scheduler":{"history_size":-1}}`), 0o600); err != nil {
		t.Fatal(err)
	}
	if ok, err := m.Reload(ctx); ok || err == nil {
		t.Fatalf("invalid reload = %v, %v", ok, err)
	}

	m.SetValidator(func(ctx context.Context, cfg *Config) error { return nil })
	if err := os.WriteFile(path, []byte(`{"scheduler":{"history_size":50}}`), 0o600); err != nil {
		t.Fatal(err)
	}
	if ok, err := m.Reload(ctx); !ok || err != nil {
		t.Fatalf("valid reload = %v, %v", ok, err)
	}
	select {
	case cfg := <-ch:
		if cfg.Scheduler.HistorySize != 50 {
			t.Fatalf("published history_size = %d", cfg.Scheduler.HistorySize)
		}
	default:
		t.Fatal("no config published")
	}
	if m.Get().Scheduler.HistorySize != 50 {
		t.Fatal("reload not committed")
	}
}

func TestPublishKeepsLatest(t *testing.T) {
	t.Parallel()
	m := NewManager("unused")
	ch := m.Subscribe(1)
	a, b := &Config{}, &Config{}
	m.publish(a)
	m.publish(b)
	if got := <-ch; got != b {
		t.Fatal("slow subscriber should see the newest config")
	}
}

func TestParseDurationField(t *testing.T) {
	t.Parallel()
	if d, err := ParseDurationField("x", ""); d != 0 || err != nil {
		t.Fatalf("empty = %v, %v", d, err)
	}
	if _, err := ParseDurationField("x", "-1s"); err == nil {
		t.Fatal("negative duration should fail")
	}
	if d, _ := ParseDurationOrDefault("x", "0s", time.Minute); d != time.Minute {
		t.Fatalf("default = %v", d)
	}
}
