package scheduler

import (
	"context"
	"errors"
	"time"

	"taskcore/internal/task/retry"
)

var (
	ErrTaskNotFound  = errors.New("task not found")
	ErrDuplicateTask = errors.New("task already registered")
	ErrNoHandler     = errors.New("no handler for task type")
	ErrStopped       = errors.New("scheduler stopped")
)

// Config controls the scheduler facade.
type Config struct {
	// StrictExecute makes ExecuteNow return ErrTaskNotFound for unknown ids.
	// When false an unknown id is a silent no-op.
	StrictExecute bool

	// PurgeExhausted drops a task's retry state once retry.exhausted fires.
	// When false the exhausted state is kept until the next success or until
	// the task is cancelled and re-registered.
	PurgeExhausted bool

	// DefaultTimeout bounds a single action run. 0 means no timeout.
	DefaultTimeout time.Duration

	HistorySize int
}

// Handler executes a task registered by type. Payload is the task's opaque
// payload as stored at registration.
type Handler func(ctx context.Context, payload []byte) error

type HistoryItem struct {
	ID       string
	Started  time.Time
	Duration time.Duration
	Attempt  int
	Error    string
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Initialized    bool
	Registered     int
	PendingRetries int
	Handlers       []string

	StrictExecute  bool
	PurgeExhausted bool
	DefaultTimeout time.Duration

	Retries []retry.Entry
	History []HistoryItem
}
