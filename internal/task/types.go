package task

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var ErrInvalidTask = errors.New("invalid task")

// Frequency says whether a task runs once or repeats every Interval.
type Frequency int

const (
	OneOff Frequency = iota
	Periodic
)

func (f Frequency) String() string {
	switch f {
	case Periodic:
		return "periodic"
	default:
		return "one_off"
	}
}

// ParseFrequency maps a config value to a Frequency.
func ParseFrequency(s string) (Frequency, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "one_off", "oneoff", "one-off", "once":
		return OneOff, nil
	case "periodic", "every":
		return Periodic, nil
	default:
		return OneOff, fmt.Errorf("unknown frequency %q", s)
	}
}

// Constraints describe resource conditions the wake-up layer should honour.
type Constraints struct {
	RequiresUnmeteredNetwork bool `json:"requires_unmetered_network,omitempty"`
	RequiresCharging         bool `json:"requires_charging,omitempty"`
}

// Action is the caller-supplied unit of work.
type Action func(ctx context.Context) error

// Task is a registered unit of deferred or periodic work.
//
// Work is either Action or Type+Payload. Type is resolved against the
// scheduler's handler registry at execution time, which lets a task definition
// survive a process boundary where a closure cannot.
//
// Persisted is declarative: it tells an external store the task should outlive
// the process. Nothing in this module stores tasks.
type Task struct {
	ID           string
	Frequency    Frequency
	Interval     time.Duration
	InitialDelay time.Duration
	Constraints  Constraints
	Persisted    bool
	Triggers     []Trigger
	RetryPolicy  *RetryPolicy

	Action  Action
	Type    string
	Payload []byte
}

// Validate checks structural requirements. It does not check that Type has a
// registered handler; that happens at execution time.
func (t Task) Validate() error {
	if strings.TrimSpace(t.ID) == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidTask)
	}
	if t.Action == nil && strings.TrimSpace(t.Type) == "" {
		return fmt.Errorf("%w: %s: action or type is required", ErrInvalidTask, t.ID)
	}
	if t.Frequency == Periodic && t.Interval <= 0 {
		return fmt.Errorf("%w: %s: periodic task needs interval > 0", ErrInvalidTask, t.ID)
	}
	if t.InitialDelay < 0 {
		return fmt.Errorf("%w: %s: initial delay must be >= 0", ErrInvalidTask, t.ID)
	}
	for i, tr := range t.Triggers {
		if tr == nil {
			return fmt.Errorf("%w: %s: trigger %d is nil", ErrInvalidTask, t.ID, i)
		}
		if err := tr.Validate(); err != nil {
			return fmt.Errorf("%w: %s: trigger %d: %v", ErrInvalidTask, t.ID, i, err)
		}
	}
	if t.RetryPolicy != nil {
		if err := t.RetryPolicy.Validate(); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidTask, t.ID, err)
		}
	}
	return nil
}

// Clone returns a copy that shares no mutable slices with t.
func (t Task) Clone() Task {
	cp := t
	if t.Triggers != nil {
		cp.Triggers = append([]Trigger(nil), t.Triggers...)
	}
	if t.Payload != nil {
		cp.Payload = append([]byte(nil), t.Payload...)
	}
	if t.RetryPolicy != nil {
		p := *t.RetryPolicy
		cp.RetryPolicy = &p
	}
	return cp
}
