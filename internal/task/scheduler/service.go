package scheduler

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"taskcore/internal/eventbus"
	"taskcore/internal/task"
	"taskcore/internal/task/retry"
	logx "taskcore/pkg/logx"
)

type Option func(*Service)

// WithClock replaces the wall clock. Tests use it to fire retry timers by hand.
func WithClock(c Clock) Option {
	return func(s *Service) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithRand seeds jittered backoff from r.
func WithRand(r *rand.Rand) Option {
	return func(s *Service) {
		if r != nil {
			s.rng = r
		}
	}
}

type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	clock Clock
	rng   *rand.Rand // guarded by mu

	// runCtx parents retry-fired executions; Stop cancels it.
	runCtx context.Context
	cancel context.CancelFunc

	initialized bool
	stopped     bool

	tasks map[string]task.Task
	order []string

	// gens tags each registration; retry timers armed for an older one are dropped.
	gens   map[string]uint64
	genSeq uint64

	retries *retry.Tracker

	pending    map[uint64]Timer
	pendingSeq uint64

	handlers map[string]Handler

	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 200
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		cfg:      cfg,
		log:      log,
		bus:      bus,
		clock:    realClock{},
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		runCtx:   ctx,
		cancel:   cancel,
		tasks:    map[string]task.Task{},
		gens:     map[string]uint64{},
		retries:  retry.NewTracker(),
		pending:  map[uint64]Timer{},
		handlers: map[string]Handler{},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Apply swaps the runtime config. Pending retries keep their armed delay.
func (s *Service) Apply(cfg Config) {
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 200
	}
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
}

// Initialize is idempotent; the initialized event fires once per Service.
func (s *Service) Initialize() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.initialized {
		return
	}
	s.initialized = true
	s.publish(eventbus.Event{Type: eventbus.Initialized})
	s.log.Info("scheduler initialized")
}

// Stop disarms pending retry timers and cancels executions they started.
// Registered tasks stay registered.
func (s *Service) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	timers := s.pending
	s.pending = map[uint64]Timer{}
	s.mu.Unlock()

	for _, t := range timers {
		_ = t.Stop()
	}
	s.cancel()
	s.log.Info("scheduler stopped", logx.Int("disarmed_retries", len(timers)))
}

// RegisterHandler binds a task type to its handler.
func (s *Service) RegisterHandler(typ string, h Handler) error {
	typ = strings.TrimSpace(typ)
	if typ == "" {
		return fmt.Errorf("handler type is required")
	}
	if h == nil {
		return fmt.Errorf("handler %s is nil", typ)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.handlers[typ]; ok {
		return fmt.Errorf("handler %s already registered", typ)
	}
	s.handlers[typ] = h
	return nil
}

// Register stores t and reports whether it was accepted. A duplicate id or an
// invalid task is rejected without touching the registry.
func (s *Service) Register(t task.Task) bool {
	return s.RegisterTask(t) == nil
}

// RegisterTask is Register with the rejection reason.
func (s *Service) RegisterTask(t task.Task) error {
	t.ID = strings.TrimSpace(t.ID)
	if err := t.Validate(); err != nil {
		return err
	}
	cp := t.Clone()
	if cp.RetryPolicy != nil {
		p := cp.RetryPolicy.WithDefaults()
		cp.RetryPolicy = &p
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[cp.ID]; ok {
		s.log.Debug("task register rejected: duplicate", logx.String("task", cp.ID))
		return fmt.Errorf("%w: %s", ErrDuplicateTask, cp.ID)
	}
	s.tasks[cp.ID] = cp
	s.order = append(s.order, cp.ID)
	s.genSeq++
	s.gens[cp.ID] = s.genSeq
	// A fresh registration starts a fresh failure streak.
	s.retries.Clear(cp.ID)
	// Publish under mu so task.registered precedes any event of a concurrent run.
	s.publish(eventbus.Event{Type: eventbus.TaskRegistered, ID: cp.ID, Meta: map[string]any{
		"frequency": cp.Frequency.String(),
		"priority":  task.PriorityScore(cp),
	}})
	s.log.Debug("task registered", logx.String("task", cp.ID), logx.String("frequency", cp.Frequency.String()),
		logx.Float64("priority", task.PriorityScore(cp)))
	return nil
}

// Cancel removes the task. In-flight runs and armed retry timers are left
// alone; a timer that fires later finds no task and does nothing.
func (s *Service) Cancel(id string) bool {
	id = strings.TrimSpace(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[id]; !ok {
		return false
	}
	delete(s.tasks, id)
	delete(s.gens, id)
	for i, v := range s.order {
		if v == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	s.publish(eventbus.Event{Type: eventbus.TaskCancelled, ID: id})
	s.log.Debug("task cancelled", logx.String("task", id))
	return true
}

// Get returns a copy of the registered task.
func (s *Service) Get(id string) (task.Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[strings.TrimSpace(id)]
	if !ok {
		return task.Task{}, false
	}
	return t.Clone(), true
}

// List returns a snapshot of registered tasks in insertion order.
func (s *Service) List() []task.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]task.Task, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.tasks[id].Clone())
	}
	return out
}

// ByPriority returns registered tasks ordered by descending PriorityScore;
// ties keep insertion order.
func (s *Service) ByPriority() []task.Task {
	out := s.List()
	sort.SliceStable(out, func(i, j int) bool {
		return task.PriorityScore(out[i]) > task.PriorityScore(out[j])
	})
	return out
}

// Attempts returns the current failure streak for id.
func (s *Service) Attempts(id string) int { return s.retries.Attempts(id) }

// HasRetryState reports whether a retry state is tracked for id.
func (s *Service) HasRetryState(id string) bool { return s.retries.Has(id) }

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg := s.cfg
	snap := Snapshot{
		Initialized:    s.initialized,
		Registered:     len(s.tasks),
		PendingRetries: len(s.pending),
		StrictExecute:  cfg.StrictExecute,
		PurgeExhausted: cfg.PurgeExhausted,
		DefaultTimeout: cfg.DefaultTimeout,
	}
	for typ := range s.handlers {
		snap.Handlers = append(snap.Handlers, typ)
	}
	s.mu.Unlock()
	sort.Strings(snap.Handlers)

	snap.Retries = s.retries.Snapshot()

	s.hmu.Lock()
	snap.History = make([]HistoryItem, len(s.history))
	copy(snap.History, s.history)
	s.hmu.Unlock()
	return snap
}

func (s *Service) publish(e eventbus.Event) {
	if s.bus == nil {
		return
	}
	if e.Time.IsZero() {
		e.Time = s.clock.Now()
	}
	s.bus.Publish(e)
}

func (s *Service) record(item HistoryItem, size int) {
	s.hmu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > size {
		s.history = s.history[len(s.history)-size:]
	}
	s.hmu.Unlock()
}
