package scheduler

import (
	"context"
	"errors"
	"math/rand"
	"sync/atomic"
	"testing"
	"time"

	"taskcore/internal/eventbus"
	"taskcore/internal/task"
	"taskcore/internal/task/retry"
	logx "taskcore/pkg/logx"
)

type harness struct {
	svc   *Service
	clock *fakeClock
	bus   *eventbus.MemBus
	ch    <-chan eventbus.Event
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(256, eventbus.DropNewest)
	t.Cleanup(unsub)
	clk := newFakeClock()
	svc := New(cfg, logx.Nop(), bus, WithClock(clk), WithRand(rand.New(rand.NewSource(1))))
	t.Cleanup(svc.Stop)
	return &harness{svc: svc, clock: clk, bus: bus, ch: ch}
}

func (h *harness) events() []eventbus.Event {
	var out []eventbus.Event
	for {
		select {
		case e := <-h.ch:
			out = append(out, e)
		default:
			return out
		}
	}
}

func types(evs []eventbus.Event) []eventbus.Type {
	out := make([]eventbus.Type, 0, len(evs))
	for _, e := range evs {
		out = append(out, e.Type)
	}
	return out
}

func assertTypes(t *testing.T, got []eventbus.Event, want ...eventbus.Type) {
	t.Helper()
	gt := types(got)
	if len(gt) != len(want) {
		t.Fatalf("events = %v, want %v", gt, want)
	}
	for i := range want {
		if gt[i] != want[i] {
			t.Fatalf("events = %v, want %v", gt, want)
		}
	}
}

func failing(context.Context) error { return errors.New("boom") }

func TestRetrySequenceFixedPolicy(t *testing.T) {
	h := newHarness(t, Config{})
	ok := h.svc.Register(task.Task{
		ID:          "t1",
		RetryPolicy: &task.RetryPolicy{Strategy: task.Fixed, BaseDelay: time.Second, MaxAttempts: 2},
		Action:      failing,
	})
	if !ok {
		t.Fatal("register failed")
	}
	assertTypes(t, h.events(), eventbus.TaskRegistered)

	if err := h.svc.ExecuteNow(context.Background(), "t1"); err != nil {
		t.Fatalf("ExecuteNow: %v", err)
	}
	evs := h.events()
	assertTypes(t, evs, eventbus.TaskStarted, eventbus.TaskFailed, eventbus.RetryScheduled)
	if evs[1].Error != "boom" {
		t.Fatalf("failed event error = %q, want boom", evs[1].Error)
	}
	if d := evs[2].Meta["delay"]; d != time.Second {
		t.Fatalf("retry delay = %v, want 1s", d)
	}

	h.clock.Advance(999 * time.Millisecond)
	assertTypes(t, h.events())

	h.clock.Advance(time.Millisecond)
	evs = h.events()
	assertTypes(t, evs, eventbus.TaskStarted, eventbus.TaskFailed, eventbus.RetryScheduled)
	if d := evs[2].Meta["delay"]; d != time.Second {
		t.Fatalf("second retry delay = %v, want 1s", d)
	}

	h.clock.Advance(time.Second)
	assertTypes(t, h.events(), eventbus.TaskStarted, eventbus.TaskFailed, eventbus.RetryExhausted)

	h.clock.Advance(time.Minute)
	assertTypes(t, h.events())
	if h.clock.Armed() != 0 {
		t.Fatalf("armed timers = %d, want 0", h.clock.Armed())
	}
	if got := h.svc.Attempts("t1"); got != 2 {
		t.Fatalf("exhausted state attempts = %d, want 2 (retained)", got)
	}
}

func TestExponentialRetryDelays(t *testing.T) {
	h := newHarness(t, Config{})
	p := &task.RetryPolicy{Strategy: task.Exponential, BaseDelay: 3 * time.Second, MaxDelay: 5 * time.Minute, MaxAttempts: 5}
	h.svc.Register(task.Task{ID: "exp", RetryPolicy: p, Action: failing})
	h.events()

	_ = h.svc.ExecuteNow(context.Background(), "exp")
	var delays []time.Duration
	for {
		var scheduled bool
		for _, e := range h.events() {
			if e.Type == eventbus.RetryScheduled {
				d := e.Meta["delay"].(time.Duration)
				delays = append(delays, d)
				h.clock.Advance(d)
				scheduled = true
			}
		}
		if !scheduled {
			break
		}
	}
	want := []time.Duration{3 * time.Second, 6 * time.Second, 12 * time.Second, 24 * time.Second, 48 * time.Second}
	if len(delays) != len(want) {
		t.Fatalf("delays = %v, want %v", delays, want)
	}
	for i := range want {
		if delays[i] != want[i] {
			t.Fatalf("delays = %v, want %v", delays, want)
		}
	}
}

func TestSuccessClearsRetryState(t *testing.T) {
	h := newHarness(t, Config{})
	var calls atomic.Int32
	h.svc.Register(task.Task{
		ID:          "flaky",
		RetryPolicy: &task.RetryPolicy{Strategy: task.Fixed, BaseDelay: time.Second, MaxAttempts: 3},
		Action: func(context.Context) error {
			if calls.Add(1) == 1 {
				return errors.New("first")
			}
			return nil
		},
	})
	h.events()

	_ = h.svc.ExecuteNow(context.Background(), "flaky")
	if h.svc.Attempts("flaky") != 1 {
		t.Fatalf("attempts = %d, want 1", h.svc.Attempts("flaky"))
	}
	h.clock.Advance(time.Second)
	assertTypes(t, h.events(),
		eventbus.TaskStarted, eventbus.TaskFailed, eventbus.RetryScheduled,
		eventbus.TaskStarted, eventbus.TaskCompleted)
	if h.svc.HasRetryState("flaky") {
		t.Fatal("retry state should be removed after success")
	}
}

func TestPurgeExhausted(t *testing.T) {
	h := newHarness(t, Config{PurgeExhausted: true})
	h.svc.Register(task.Task{
		ID:          "p",
		RetryPolicy: &task.RetryPolicy{Strategy: task.Fixed, BaseDelay: time.Second, MaxAttempts: 1},
		Action:      failing,
	})
	_ = h.svc.ExecuteNow(context.Background(), "p")
	h.clock.Advance(time.Second)
	if h.svc.HasRetryState("p") {
		t.Fatal("exhausted state should be purged")
	}
}

func TestNoPolicyIsTerminal(t *testing.T) {
	h := newHarness(t, Config{})
	h.svc.Register(task.Task{ID: "once", Action: failing})
	h.events()

	_ = h.svc.ExecuteNow(context.Background(), "once")
	assertTypes(t, h.events(), eventbus.TaskStarted, eventbus.TaskFailed)
	if h.clock.Armed() != 0 || h.svc.HasRetryState("once") {
		t.Fatal("failure without policy must not arm a retry")
	}
}

func TestNoRetryErrorIsTerminal(t *testing.T) {
	h := newHarness(t, Config{})
	h.svc.Register(task.Task{
		ID:          "bad",
		RetryPolicy: &task.RetryPolicy{Strategy: task.Fixed, BaseDelay: time.Second},
		Action:      func(context.Context) error { return retry.NoRetry(errors.New("bad payload")) },
	})
	h.events()
	_ = h.svc.ExecuteNow(context.Background(), "bad")
	assertTypes(t, h.events(), eventbus.TaskStarted, eventbus.TaskFailed)
}

func TestDuplicateRegistrationKeepsOriginal(t *testing.T) {
	h := newHarness(t, Config{})
	orig := task.Task{ID: "dup", Type: "log", Payload: []byte("first"), Frequency: task.OneOff}
	if !h.svc.Register(orig) {
		t.Fatal("first register failed")
	}
	h.events()

	second := task.Task{ID: "dup", Type: "other", Payload: []byte("second"), Frequency: task.Periodic, Interval: time.Minute}
	if h.svc.Register(second) {
		t.Fatal("duplicate register should return false")
	}
	if err := h.svc.RegisterTask(second); !errors.Is(err, ErrDuplicateTask) {
		t.Fatalf("RegisterTask err = %v, want ErrDuplicateTask", err)
	}
	assertTypes(t, h.events())

	got, ok := h.svc.Get("dup")
	if !ok || got.Type != "log" || string(got.Payload) != "first" || got.Frequency != task.OneOff {
		t.Fatalf("original task changed: %+v", got)
	}
}

func TestCancel(t *testing.T) {
	h := newHarness(t, Config{})
	if h.svc.Cancel("nope") {
		t.Fatal("cancel of unknown id should return false")
	}
	assertTypes(t, h.events())

	h.svc.Register(task.Task{ID: "c", Action: failing})
	h.events()
	if !h.svc.Cancel("c") {
		t.Fatal("cancel should return true")
	}
	assertTypes(t, h.events(), eventbus.TaskCancelled)
	if len(h.svc.List()) != 0 {
		t.Fatal("task should be gone")
	}
}

func TestCancelledTaskRetryIsNoop(t *testing.T) {
	h := newHarness(t, Config{StrictExecute: true})
	h.svc.Register(task.Task{
		ID:          "gone",
		RetryPolicy: &task.RetryPolicy{Strategy: task.Fixed, BaseDelay: time.Second},
		Action:      failing,
	})
	_ = h.svc.ExecuteNow(context.Background(), "gone")
	h.svc.Cancel("gone")
	h.events()

	h.clock.Advance(time.Second)
	assertTypes(t, h.events())
}

func TestExecuteUnknownID(t *testing.T) {
	h := newHarness(t, Config{})
	if err := h.svc.ExecuteNow(context.Background(), "missing"); err != nil {
		t.Fatalf("lenient ExecuteNow returned %v", err)
	}
	assertTypes(t, h.events())

	h.svc.Apply(Config{StrictExecute: true})
	if err := h.svc.ExecuteNow(context.Background(), "missing"); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("strict ExecuteNow err = %v, want ErrTaskNotFound", err)
	}
}

func TestInitializeOnce(t *testing.T) {
	h := newHarness(t, Config{})
	h.svc.Initialize()
	h.svc.Initialize()
	assertTypes(t, h.events(), eventbus.Initialized)
}

func TestListInsertionOrderAndPriority(t *testing.T) {
	h := newHarness(t, Config{})
	h.svc.Register(task.Task{ID: "charging", Action: failing, Constraints: task.Constraints{RequiresCharging: true}})
	h.svc.Register(task.Task{ID: "push", Action: failing, Triggers: []task.Trigger{task.PushTrigger{Topic: "x"}}})
	h.svc.Register(task.Task{ID: "plain", Action: failing})

	list := h.svc.List()
	if list[0].ID != "charging" || list[1].ID != "push" || list[2].ID != "plain" {
		t.Fatalf("List order = %v", []string{list[0].ID, list[1].ID, list[2].ID})
	}
	ranked := h.svc.ByPriority()
	if ranked[0].ID != "push" || ranked[1].ID != "plain" || ranked[2].ID != "charging" {
		t.Fatalf("ByPriority order = %v", []string{ranked[0].ID, ranked[1].ID, ranked[2].ID})
	}
}

func TestTypedTaskUsesHandler(t *testing.T) {
	h := newHarness(t, Config{})
	var got string
	if err := h.svc.RegisterHandler("echo", func(_ context.Context, payload []byte) error {
		got = string(payload)
		return nil
	}); err != nil {
		t.Fatalf("RegisterHandler: %v", err)
	}
	if err := h.svc.RegisterHandler("echo", func(context.Context, []byte) error { return nil }); err == nil {
		t.Fatal("duplicate handler should be rejected")
	}
	h.svc.Register(task.Task{ID: "typed", Type: "echo", Payload: []byte("hi")})
	h.svc.Register(task.Task{ID: "orphan", Type: "missing"})
	h.events()

	_ = h.svc.ExecuteNow(context.Background(), "typed")
	assertTypes(t, h.events(), eventbus.TaskStarted, eventbus.TaskCompleted)
	if got != "hi" {
		t.Fatalf("handler payload = %q, want hi", got)
	}

	_ = h.svc.ExecuteNow(context.Background(), "orphan")
	evs := h.events()
	assertTypes(t, evs, eventbus.TaskStarted, eventbus.TaskFailed)
	if evs[1].Error == "" {
		t.Fatal("missing handler should produce an error string")
	}
}

func TestPanicBecomesFailure(t *testing.T) {
	h := newHarness(t, Config{})
	h.svc.Register(task.Task{ID: "panic", Action: func(context.Context) error { panic("kaboom") }})
	h.events()
	if err := h.svc.ExecuteNow(context.Background(), "panic"); err != nil {
		t.Fatalf("ExecuteNow: %v", err)
	}
	evs := h.events()
	assertTypes(t, evs, eventbus.TaskStarted, eventbus.TaskFailed)
	if evs[1].Error != "panic: kaboom" {
		t.Fatalf("error = %q", evs[1].Error)
	}
}

func TestStopDisarmsRetries(t *testing.T) {
	h := newHarness(t, Config{})
	h.svc.Register(task.Task{
		ID:          "s",
		RetryPolicy: &task.RetryPolicy{Strategy: task.Fixed, BaseDelay: time.Second},
		Action:      failing,
	})
	_ = h.svc.ExecuteNow(context.Background(), "s")
	if snap := h.svc.Snapshot(); snap.PendingRetries != 1 {
		t.Fatalf("pending retries = %d, want 1", snap.PendingRetries)
	}
	h.svc.Stop()
	h.events()
	h.clock.Advance(time.Minute)
	assertTypes(t, h.events())
	if err := h.svc.ExecuteNow(context.Background(), "s"); !errors.Is(err, ErrStopped) {
		t.Fatalf("ExecuteNow after Stop = %v, want ErrStopped", err)
	}
}

func TestSnapshotHistory(t *testing.T) {
	h := newHarness(t, Config{HistorySize: 2})
	h.svc.Register(task.Task{ID: "ok", Action: func(context.Context) error { return nil }})
	for i := 0; i < 3; i++ {
		_ = h.svc.ExecuteNow(context.Background(), "ok")
	}
	snap := h.svc.Snapshot()
	if len(snap.History) != 2 {
		t.Fatalf("history len = %d, want 2", len(snap.History))
	}
	if snap.Registered != 1 {
		t.Fatalf("registered = %d, want 1", snap.Registered)
	}
}

func TestReRegisterResetsRetryState(t *testing.T) {
	h := newHarness(t, Config{})
	def := task.Task{
		ID:          "again",
		RetryPolicy: &task.RetryPolicy{Strategy: task.Fixed, BaseDelay: time.Minute, MaxAttempts: 1},
		Action:      failing,
	}
	h.svc.Register(def)
	_ = h.svc.ExecuteNow(context.Background(), "again")
	if !h.svc.HasRetryState("again") {
		t.Fatal("failure should create retry state")
	}

	h.svc.Cancel("again")
	if !h.svc.HasRetryState("again") {
		t.Fatal("cancel keeps retry state")
	}
	if !h.svc.Register(def) {
		t.Fatal("re-register after cancel should succeed")
	}
	if h.svc.HasRetryState("again") {
		t.Fatal("re-register should reset retry state")
	}
}

func TestRetryFromPreviousRegistrationIsDropped(t *testing.T) {
	h := newHarness(t, Config{})
	h.svc.Register(task.Task{
		ID:          "x",
		RetryPolicy: &task.RetryPolicy{Strategy: task.Fixed, BaseDelay: time.Second},
		Action:      failing,
	})
	_ = h.svc.ExecuteNow(context.Background(), "x")
	h.svc.Cancel("x")

	var runs atomic.Int32
	h.svc.Register(task.Task{ID: "x", Action: func(context.Context) error {
		runs.Add(1)
		return nil
	}})
	h.events()

	h.clock.Advance(time.Second)
	if n := runs.Load(); n != 0 {
		t.Fatalf("new registration ran %d times from the old retry timer", n)
	}
	assertTypes(t, h.events())

	// The new registration arms and fires its own retries.
	h.svc.Cancel("x")
	h.svc.Register(task.Task{
		ID:          "x",
		RetryPolicy: &task.RetryPolicy{Strategy: task.Fixed, BaseDelay: time.Second, MaxAttempts: 1},
		Action:      failing,
	})
	_ = h.svc.ExecuteNow(context.Background(), "x")
	h.events()
	h.clock.Advance(time.Second)
	assertTypes(t, h.events(), eventbus.TaskStarted, eventbus.TaskFailed, eventbus.RetryExhausted)
}
