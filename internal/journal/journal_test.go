package journal

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"taskcore/internal/eventbus"
	"taskcore/internal/storage"
	logx "taskcore/pkg/logx"
)

func TestJournalPersistsEvents(t *testing.T) {
	t.Parallel()
	st, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "j.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer st.Close()

	bus := eventbus.New()
	j := New(Config{Buffer: 16}, st, bus, logx.Nop())
	run, err := j.Subscribe()
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- run(ctx) }()

	bus.Publish(eventbus.Event{Type: eventbus.TaskRegistered, ID: "sync"})
	bus.Publish(eventbus.Event{Type: eventbus.RetryScheduled, ID: "sync", Error: "offline", Meta: map[string]any{"attempt": 1}})

	var recs []storage.Record
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		recs, _ = j.Recent(context.Background(), 10)
		if len(recs) == 2 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}

	if len(recs) != 2 {
		t.Fatalf("records = %+v, want 2", recs)
	}
	if recs[0].Type != "task.registered" || recs[0].RunID != j.RunID() || recs[0].Seq != 1 {
		t.Fatalf("first = %+v", recs[0])
	}
	if recs[1].MetaJSON != `{"attempt":1}` || recs[1].Error != "offline" {
		t.Fatalf("second = %+v", recs[1])
	}
}

func TestJournalWithoutStore(t *testing.T) {
	t.Parallel()
	j := New(Config{}, nil, eventbus.New(), logx.Nop())
	if _, err := j.Subscribe(); !errors.Is(err, storage.ErrDisabled) {
		t.Fatalf("Subscribe err = %v, want ErrDisabled", err)
	}
	if _, err := j.Recent(context.Background(), 1); !errors.Is(err, storage.ErrDisabled) {
		t.Fatalf("Recent err = %v, want ErrDisabled", err)
	}
}
