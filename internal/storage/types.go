package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Record is one journaled lifecycle event.
// Keep it compact and schema-stable.
type Record struct {
	RunID    string    `json:"run"`
	Seq      uint64    `json:"seq"`
	At       time.Time `json:"at"`
	Type     string    `json:"type"`
	TaskID   string    `json:"task,omitempty"`
	Error    string    `json:"err,omitempty"`
	MetaJSON string    `json:"meta,omitempty"`
}
