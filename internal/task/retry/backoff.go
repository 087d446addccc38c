package retry

import (
	"errors"
	"math/rand"
	"time"

	"taskcore/internal/task"
)

// Capped returns min(BaseDelay * 2^(attempt-1), MaxDelay). Attempt numbering
// starts at 1 for the first retry; values below 1 are treated as 1.
func Capped(p task.RetryPolicy, attempt int) time.Duration {
	p = p.WithDefaults()
	if attempt < 1 {
		attempt = 1
	}
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		// Doubling past MaxDelay (or overflowing) ends the loop early.
		if d >= p.MaxDelay || d > p.MaxDelay/2 {
			d = p.MaxDelay
			break
		}
		d *= 2
	}
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// Delay maps (policy, attempt) to the wait before that retry.
//
//   - Fixed: BaseDelay, capped at MaxDelay.
//   - Exponential: Capped(p, attempt).
//   - Jittered: uniform in [Capped/2, Capped], the lower bound rounded up.
//
// rng may be nil, in which case the package-level source is used.
func Delay(p task.RetryPolicy, attempt int, rng *rand.Rand) time.Duration {
	p = p.WithDefaults()
	switch p.Strategy {
	case task.Exponential:
		return Capped(p, attempt)
	case task.Jittered:
		c := Capped(p, attempt)
		if c <= 0 {
			return 0
		}
		half := c - c/2
		span := int64(c - half)
		var n int64
		if rng != nil {
			n = rng.Int63n(span + 1)
		} else {
			n = rand.Int63n(span + 1)
		}
		return half + time.Duration(n)
	default:
		d := p.BaseDelay
		if d > p.MaxDelay {
			d = p.MaxDelay
		}
		return d
	}
}

// DelayWithHint prefers an explicit RetryAfter hint carried by err, bounded by
// MaxDelay. Without a hint it falls back to Delay.
func DelayWithHint(p task.RetryPolicy, attempt int, err error, rng *rand.Rand) time.Duration {
	var ra RetryAfterError
	if err != nil && errors.As(err, &ra) {
		p = p.WithDefaults()
		d := ra.RetryAfter()
		if d < 0 {
			d = 0
		}
		if d > p.MaxDelay {
			d = p.MaxDelay
		}
		return d
	}
	return Delay(p, attempt, rng)
}
