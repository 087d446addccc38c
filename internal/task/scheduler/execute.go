package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"taskcore/internal/eventbus"
	"taskcore/internal/task"
	"taskcore/internal/task/retry"
	logx "taskcore/pkg/logx"
)

// ExecuteNow runs the registered task once. It is the entry point for callers
// and for the external wake-up layer.
//
// The action's own error never reaches the caller: it is reported as
// task.failed and handed to the retry state machine. The returned error only
// describes why nothing ran (unknown id in strict mode, stopped scheduler).
func (s *Service) ExecuteNow(ctx context.Context, id string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	id = strings.TrimSpace(id)

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrStopped
	}
	t, ok := s.tasks[id]
	gen := s.gens[id]
	cfg := s.cfg
	var h Handler
	if ok && t.Action == nil {
		h = s.handlers[t.Type]
	}
	s.mu.Unlock()

	if !ok {
		if cfg.StrictExecute {
			return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
		}
		s.log.Debug("execute skipped: task not registered", logx.String("task", id))
		return nil
	}

	attempt := s.retries.Attempts(id)
	start := s.clock.Now()
	s.publish(eventbus.Event{Type: eventbus.TaskStarted, ID: id, Time: start, Meta: map[string]any{"attempt": attempt}})
	s.log.Debug("task.started", logx.String("task", id), logx.Int("attempt", attempt))

	err := s.run(ctx, t, h, cfg.DefaultTimeout)
	dur := s.clock.Now().Sub(start)

	item := HistoryItem{ID: id, Started: start, Duration: dur, Attempt: attempt}
	if err == nil {
		s.publish(eventbus.Event{Type: eventbus.TaskCompleted, ID: id, Meta: map[string]any{"duration": dur}})
		s.retries.Clear(id)
		s.log.Debug("task.completed", logx.String("task", id), logx.Duration("dur", dur))
		s.record(item, cfg.HistorySize)
		return nil
	}

	item.Error = err.Error()
	s.record(item, cfg.HistorySize)
	s.publish(eventbus.Event{Type: eventbus.TaskFailed, ID: id, Error: item.Error})
	s.log.Warn("task.failed", logx.String("task", id), logx.Any("err", err), logx.Duration("dur", dur))

	s.onFailure(t, gen, err)
	return nil
}

// run executes the task's work with panic recovery. Panics become errors so
// one bad action cannot take down the caller.
func (s *Service) run(ctx context.Context, t task.Task, h Handler, timeout time.Duration) (err error) {
	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			s.log.Error("task.panic", logx.String("task", t.ID), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()

	switch {
	case t.Action != nil:
		return t.Action(runCtx)
	case h != nil:
		return h(runCtx, t.Payload)
	default:
		return fmt.Errorf("%w: %s", ErrNoHandler, t.Type)
	}
}

// onFailure decides whether a failed run is retried. gen is the registration
// the run belonged to.
func (s *Service) onFailure(t task.Task, gen uint64, err error) {
	if t.RetryPolicy == nil {
		return
	}
	if retry.IsNoRetry(err) {
		s.log.Debug("retry skipped: non-retryable error", logx.String("task", t.ID))
		return
	}
	p := *t.RetryPolicy

	attempt, exhausted := s.retries.Next(t.ID, p.MaxAttempts)
	if exhausted {
		s.publish(eventbus.Event{Type: eventbus.RetryExhausted, ID: t.ID, Error: err.Error(), Meta: map[string]any{"attempts": attempt}})
		s.log.Warn("retry exhausted", logx.String("task", t.ID), logx.Int("attempts", attempt))

		s.mu.Lock()
		purge := s.cfg.PurgeExhausted
		s.mu.Unlock()
		if purge {
			s.retries.Clear(t.ID)
		}
		return
	}

	s.mu.Lock()
	delay := retry.DelayWithHint(p, attempt, err, s.rng)
	s.mu.Unlock()

	s.publish(eventbus.Event{Type: eventbus.RetryScheduled, ID: t.ID, Meta: map[string]any{
		"delay":   delay,
		"attempt": attempt,
	}})
	s.log.Debug("retry scheduled", logx.String("task", t.ID), logx.Int("attempt", attempt), logx.Duration("delay", delay))

	s.armRetry(t.ID, gen, delay)
}

// armRetry schedules a one-shot ExecuteNow for registration gen of id after
// delay.
func (s *Service) armRetry(id string, gen uint64, delay time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.pendingSeq++
	key := s.pendingSeq
	s.pending[key] = s.clock.AfterFunc(delay, func() { s.fireRetry(key, id, gen) })
}

func (s *Service) fireRetry(key uint64, id string, gen uint64) {
	s.mu.Lock()
	if _, ok := s.pending[key]; !ok {
		// Disarmed by Stop.
		s.mu.Unlock()
		return
	}
	delete(s.pending, key)
	if cur, ok := s.gens[id]; !ok || cur != gen {
		// Cancelled, or cancelled and registered again: the new registration
		// keeps its own schedule.
		s.mu.Unlock()
		s.log.Debug("stale retry dropped", logx.String("task", id))
		return
	}
	ctx := s.runCtx
	s.mu.Unlock()

	if err := s.ExecuteNow(ctx, id); err != nil {
		s.log.Debug("retry fired without a task", logx.String("task", id), logx.Any("err", err))
	}
}
