// Package journal copies lifecycle events from the bus into storage.
//
// It is a plain subscriber: a slow disk makes it drop events according to its
// policy, it never slows the scheduler down.
package journal

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"taskcore/internal/eventbus"
	"taskcore/internal/storage"
	logx "taskcore/pkg/logx"
)

type Config struct {
	Buffer int
	Policy eventbus.Policy
	// WriteTimeout bounds a single append; 0 means 2s.
	WriteTimeout time.Duration
}

type Journal struct {
	cfg   Config
	store storage.Store
	bus   eventbus.Bus
	log   logx.Logger
	runID string
}

func New(cfg Config, store storage.Store, bus eventbus.Bus, log logx.Logger) *Journal {
	if cfg.Buffer <= 0 {
		cfg.Buffer = 256
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 2 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	id := uuid.NewString()
	return &Journal{
		cfg:   cfg,
		store: store,
		bus:   bus,
		log:   log.With(logx.String("comp", "journal"), logx.String("run", id)),
		runID: id,
	}
}

// RunID identifies this process in stored records.
func (j *Journal) RunID() string { return j.runID }

// Subscribe attaches to the bus and returns the loop that drains it. Splitting
// the two lets the caller subscribe before the first event is published.
func (j *Journal) Subscribe() (run func(ctx context.Context) error, err error) {
	if j.store == nil {
		return nil, storage.ErrDisabled
	}
	if j.bus == nil {
		return nil, errors.New("journal: event bus required")
	}
	events, unsub := j.bus.Subscribe(j.cfg.Buffer, j.cfg.Policy)
	return func(ctx context.Context) error {
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return nil
			case e, ok := <-events:
				if !ok {
					return errors.New("journal: event stream closed")
				}
				j.write(ctx, e)
			}
		}
	}, nil
}

func (j *Journal) write(ctx context.Context, e eventbus.Event) {
	wctx, cancel := context.WithTimeout(ctx, j.cfg.WriteTimeout)
	defer cancel()
	if err := j.store.Append(wctx, j.record(e)); err != nil {
		j.log.Warn("journal append failed", logx.String("type", string(e.Type)), logx.Uint64("seq", e.Seq), logx.Err(err))
	}
}

func (j *Journal) record(e eventbus.Event) storage.Record {
	r := storage.Record{
		RunID:  j.runID,
		Seq:    e.Seq,
		At:     e.Time,
		Type:   string(e.Type),
		TaskID: e.ID,
		Error:  e.Error,
	}
	if len(e.Meta) > 0 {
		if b, err := json.Marshal(e.Meta); err == nil {
			r.MetaJSON = string(b)
		}
	}
	return r
}

// Recent returns up to n stored records, oldest first.
func (j *Journal) Recent(ctx context.Context, n int) ([]storage.Record, error) {
	if j.store == nil {
		return nil, storage.ErrDisabled
	}
	return j.store.Recent(ctx, n)
}
