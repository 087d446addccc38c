// Package handlers holds the built-in handlers that declarative tasks
// reference by type.
package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"taskcore/internal/task/retry"
	"taskcore/internal/task/scheduler"
	logx "taskcore/pkg/logx"
)

// Registrar is the part of the scheduler handlers are registered on.
type Registrar interface {
	RegisterHandler(typ string, h scheduler.Handler) error
}

// Register installs every built-in handler.
func Register(r Registrar, log logx.Logger) error {
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "handler"))
	for typ, h := range map[string]scheduler.Handler{
		"log":   Log(log),
		"fail":  Fail,
		"sleep": Sleep,
	} {
		if err := r.RegisterHandler(typ, h); err != nil {
			return fmt.Errorf("register %s: %w", typ, err)
		}
	}
	return nil
}

type logPayload struct {
	Msg   string `json:"msg"`
	Level string `json:"level,omitempty"`
}

// Log writes payload.msg at payload.level (default info).
func Log(log logx.Logger) scheduler.Handler {
	return func(ctx context.Context, payload []byte) error {
		var p logPayload
		if err := decode(payload, &p); err != nil {
			return retry.NoRetry(err)
		}
		msg := strings.TrimSpace(p.Msg)
		if msg == "" {
			msg = "task ran"
		}
		switch strings.ToLower(p.Level) {
		case "debug":
			log.Debug(msg)
		case "warn", "warning":
			log.Warn(msg)
		case "error":
			log.Error(msg)
		default:
			log.Info(msg)
		}
		return nil
	}
}

type failPayload struct {
	Error      string `json:"error,omitempty"`
	NoRetry    bool   `json:"no_retry,omitempty"`
	RetryAfter string `json:"retry_after,omitempty"`
}

// Fail always returns an error. It exists to exercise retry policies from
// config: no_retry makes the failure terminal, retry_after carries a delay
// hint.
func Fail(ctx context.Context, payload []byte) error {
	var p failPayload
	if err := decode(payload, &p); err != nil {
		return retry.NoRetry(err)
	}
	msg := strings.TrimSpace(p.Error)
	if msg == "" {
		msg = "failed on purpose"
	}
	err := errors.New(msg)
	if p.NoRetry {
		return retry.NoRetry(err)
	}
	if strings.TrimSpace(p.RetryAfter) != "" {
		d, perr := time.ParseDuration(p.RetryAfter)
		if perr != nil {
			return retry.NoRetry(fmt.Errorf("retry_after: %w", perr))
		}
		return retry.RetryAfter(err, d)
	}
	return err
}

type sleepPayload struct {
	Duration string `json:"duration"`
}

// Sleep waits for payload.duration or until ctx is done.
func Sleep(ctx context.Context, payload []byte) error {
	var p sleepPayload
	if err := decode(payload, &p); err != nil {
		return retry.NoRetry(err)
	}
	d, err := time.ParseDuration(strings.TrimSpace(p.Duration))
	if err != nil || d < 0 {
		return retry.NoRetry(fmt.Errorf("sleep: invalid duration %q", p.Duration))
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// decode treats an empty payload as {} and rejects unknown fields.
func decode(payload []byte, v any) error {
	if len(bytes.TrimSpace(payload)) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("payload: %w", err)
	}
	return nil
}
