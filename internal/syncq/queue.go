// Package syncq is a best-effort FIFO of idempotent outbound jobs.
//
// Unlike scheduled tasks there is no backoff and no attempt limit: a failed
// job stays queued until a later Process pass succeeds.
package syncq

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"taskcore/internal/eventbus"
	logx "taskcore/pkg/logx"
)

// Action must be idempotent: it may run many times before it succeeds.
type Action func(ctx context.Context) error

// Job is a read-only view of a queued entry.
type Job struct {
	ID       string
	Key      string // unique per entry; two entries may share ID
	Enqueued time.Time
	Failures int
}

type entry struct {
	key      string
	id       string
	action   Action
	enqueued time.Time
	failures int
}

// Report summarizes one Process pass.
type Report struct {
	Completed int
	Failed    int
}

type Queue struct {
	mu   sync.Mutex
	jobs []*entry

	// pmu serializes Process passes so a job never runs twice concurrently.
	pmu sync.Mutex

	log logx.Logger
	bus eventbus.Bus
}

func New(log logx.Logger, bus eventbus.Bus) *Queue {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Queue{log: log, bus: bus}
}

// Enqueue appends a job. Ids are not deduplicated: enqueuing the same id twice
// creates two independent entries. It returns the entry key.
func (q *Queue) Enqueue(id string, action Action) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", fmt.Errorf("sync job id is required")
	}
	if action == nil {
		return "", fmt.Errorf("sync job %s: action is nil", id)
	}
	e := &entry{key: uuid.NewString(), id: id, action: action, enqueued: time.Now()}

	q.mu.Lock()
	q.jobs = append(q.jobs, e)
	n := len(q.jobs)
	q.publish(eventbus.Event{Type: eventbus.SyncEnqueued, ID: id, Meta: map[string]any{"key": e.key}})
	q.mu.Unlock()

	q.log.Debug("sync job enqueued", logx.String("job", id), logx.Int("queue_len", n))
	return e.key, nil
}

// Process runs every job present when the pass starts, in FIFO order. Jobs
// enqueued during the pass wait for the next one. Job errors are reported as
// sync.failed events and never returned.
func (q *Queue) Process(ctx context.Context) Report {
	if ctx == nil {
		ctx = context.Background()
	}
	q.pmu.Lock()
	defer q.pmu.Unlock()

	q.mu.Lock()
	snapshot := append([]*entry(nil), q.jobs...)
	q.mu.Unlock()

	var rep Report
	for _, e := range snapshot {
		if ctx.Err() != nil {
			break
		}
		err := runJob(ctx, e)
		if err == nil {
			q.mu.Lock()
			q.removeLocked(e)
			q.publish(eventbus.Event{Type: eventbus.SyncCompleted, ID: e.id})
			q.mu.Unlock()
			rep.Completed++
			continue
		}

		q.mu.Lock()
		e.failures++
		failures := e.failures
		q.publish(eventbus.Event{Type: eventbus.SyncFailed, ID: e.id, Error: err.Error(), Meta: map[string]any{"failures": failures}})
		q.mu.Unlock()
		rep.Failed++
		q.log.Warn("sync job failed", logx.String("job", e.id), logx.Any("err", err), logx.Int("failures", failures))
	}

	if rep.Completed > 0 || rep.Failed > 0 {
		q.log.Debug("sync pass finished", logx.Int("completed", rep.Completed), logx.Int("failed", rep.Failed), logx.Int("remaining", q.Len()))
	}
	return rep
}

func runJob(ctx context.Context, e *entry) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return e.action(ctx)
}

func (q *Queue) removeLocked(target *entry) {
	for i, e := range q.jobs {
		if e == target {
			q.jobs = append(q.jobs[:i], q.jobs[i+1:]...)
			return
		}
	}
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

// IDs returns the ids of queued jobs in FIFO order.
func (q *Queue) IDs() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]string, 0, len(q.jobs))
	for _, e := range q.jobs {
		out = append(out, e.id)
	}
	return out
}

// Jobs returns a snapshot of queued jobs in FIFO order.
func (q *Queue) Jobs() []Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Job, 0, len(q.jobs))
	for _, e := range q.jobs {
		out = append(out, Job{ID: e.id, Key: e.key, Enqueued: e.enqueued, Failures: e.failures})
	}
	return out
}

func (q *Queue) publish(e eventbus.Event) {
	if q.bus != nil {
		q.bus.Publish(e)
	}
}
