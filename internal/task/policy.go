package task

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// DefaultMaxAttempts applies when RetryPolicy.MaxAttempts is not set.
const DefaultMaxAttempts = 5

type Strategy int

const (
	Fixed Strategy = iota
	Exponential
	Jittered
)

func (s Strategy) String() string {
	switch s {
	case Exponential:
		return "exponential"
	case Jittered:
		return "jittered"
	default:
		return "fixed"
	}
}

func ParseStrategy(s string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "fixed", "constant":
		return Fixed, nil
	case "exponential", "exp":
		return Exponential, nil
	case "jittered", "jitter":
		return Jittered, nil
	default:
		return Fixed, fmt.Errorf("unknown retry strategy %q", s)
	}
}

// RetryPolicy is attached to a task at creation and never mutated.
type RetryPolicy struct {
	Strategy    Strategy
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
}

// NewRetryPolicy fills defaults: MaxAttempts 5, MaxDelay at least BaseDelay.
// Exponential and Jittered growth stops at MaxDelay, so those strategies need
// an explicit MaxDelay; Validate rejects them without one.
func NewRetryPolicy(s Strategy, base, maxDelay time.Duration, maxAttempts int) *RetryPolicy {
	p := RetryPolicy{Strategy: s, BaseDelay: base, MaxDelay: maxDelay, MaxAttempts: maxAttempts}.WithDefaults()
	return &p
}

func (p RetryPolicy) WithDefaults() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.MaxDelay <= 0 || p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	return p
}

func (p RetryPolicy) Validate() error {
	if p.BaseDelay < 0 {
		return errors.New("retry policy: base delay must be >= 0")
	}
	if p.MaxDelay < 0 {
		return errors.New("retry policy: max delay must be >= 0")
	}
	if p.Strategy < Fixed || p.Strategy > Jittered {
		return errors.New("retry policy: unknown strategy")
	}
	if p.Strategy != Fixed && p.MaxDelay == 0 {
		return fmt.Errorf("retry policy: %s strategy needs a max delay", p.Strategy)
	}
	return nil
}
