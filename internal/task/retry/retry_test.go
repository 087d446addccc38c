package retry

import (
	"errors"
	"math/rand"
	"testing"
	"time"

	"taskcore/internal/task"
)

func TestExponentialDelayExact(t *testing.T) {
	t.Parallel()
	p := task.RetryPolicy{Strategy: task.Exponential, BaseDelay: 3 * time.Second, MaxDelay: 5 * time.Minute, MaxAttempts: 5}
	for n := 1; n <= 12; n++ {
		want := 3 * time.Second * time.Duration(1<<uint(n-1))
		if want > 5*time.Minute {
			want = 5 * time.Minute
		}
		if got := Delay(p, n, nil); got != want {
			t.Fatalf("attempt %d: Delay = %v, want %v", n, got, want)
		}
	}
}

func TestFixedDelayIgnoresAttempt(t *testing.T) {
	t.Parallel()
	p := task.RetryPolicy{Strategy: task.Fixed, BaseDelay: time.Second, MaxAttempts: 2}
	for n := 1; n <= 4; n++ {
		if got := Delay(p, n, nil); got != time.Second {
			t.Fatalf("attempt %d: Delay = %v, want 1s", n, got)
		}
	}
}

func TestJitteredDelayBounds(t *testing.T) {
	t.Parallel()
	p := task.RetryPolicy{Strategy: task.Jittered, BaseDelay: 3 * time.Second, MaxDelay: 5 * time.Minute, MaxAttempts: 5}
	rng := rand.New(rand.NewSource(42))
	for n := 1; n <= 10; n++ {
		c := Capped(p, n)
		for i := 0; i < 200; i++ {
			got := Delay(p, n, rng)
			if float64(got) < float64(c)/2 || got > c {
				t.Fatalf("attempt %d: Delay = %v outside [%v, %v]", n, got, c/2, c)
			}
		}
	}
}

func TestJitteredDelayOddCapRoundsUp(t *testing.T) {
	t.Parallel()
	p := task.RetryPolicy{Strategy: task.Jittered, BaseDelay: 3, MaxDelay: 3, MaxAttempts: 5}
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 500; i++ {
		if got := Delay(p, 1, rng); got < 2 || got > 3 {
			t.Fatalf("Delay = %v, want within [2ns, 3ns]", got)
		}
	}
}

func TestCappedNeverOverflows(t *testing.T) {
	t.Parallel()
	p := task.RetryPolicy{Strategy: task.Exponential, BaseDelay: time.Hour, MaxDelay: 1<<62 - 1, MaxAttempts: 5}
	if got := Capped(p, 200); got <= 0 || got > p.MaxDelay {
		t.Fatalf("Capped = %v, want within (0, MaxDelay]", got)
	}
}

func TestDelayWithHint(t *testing.T) {
	t.Parallel()
	p := task.RetryPolicy{Strategy: task.Exponential, BaseDelay: time.Second, MaxDelay: 10 * time.Second}

	err := RetryAfter(errors.New("429"), 4*time.Second)
	if got := DelayWithHint(p, 1, err, nil); got != 4*time.Second {
		t.Fatalf("hint delay = %v, want 4s", got)
	}
	err = RetryAfter(errors.New("429"), time.Minute)
	if got := DelayWithHint(p, 1, err, nil); got != 10*time.Second {
		t.Fatalf("hint delay = %v, want capped 10s", got)
	}
	if got := DelayWithHint(p, 2, errors.New("plain"), nil); got != 2*time.Second {
		t.Fatalf("fallback delay = %v, want 2s", got)
	}
}

func TestNoRetryWrapping(t *testing.T) {
	t.Parallel()
	base := errors.New("bad input")
	err := NoRetry(base)
	if !IsNoRetry(err) {
		t.Fatal("IsNoRetry should detect wrapper")
	}
	if !errors.Is(err, base) {
		t.Fatal("NoRetry must unwrap to the cause")
	}
	if NoRetry(nil) != nil {
		t.Fatal("NoRetry(nil) should be nil")
	}
}

func TestTrackerStreak(t *testing.T) {
	t.Parallel()
	tr := NewTracker()
	for want := 1; want <= 2; want++ {
		n, exhausted := tr.Next("t1", 2)
		if exhausted || n != want {
			t.Fatalf("Next = (%d, %v), want (%d, false)", n, exhausted, want)
		}
	}
	n, exhausted := tr.Next("t1", 2)
	if !exhausted || n != 2 {
		t.Fatalf("Next after limit = (%d, %v), want (2, true)", n, exhausted)
	}
	if tr.Attempts("t1") != 2 {
		t.Fatalf("exhaustion must not bump attempts, got %d", tr.Attempts("t1"))
	}
	if !tr.Clear("t1") || tr.Has("t1") || tr.Attempts("t1") != 0 {
		t.Fatal("Clear should drop the state")
	}
	if tr.Clear("t1") {
		t.Fatal("second Clear should report nothing removed")
	}
}
