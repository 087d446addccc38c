package task

import (
	"errors"
	"strings"
	"time"
)

// TriggerKind identifies a Trigger variant.
type TriggerKind string

const (
	KindGeofence   TriggerKind = "geofence"
	KindPush       TriggerKind = "push"
	KindTimeWindow TriggerKind = "time_window"
)

// Trigger is a declarative activation condition. This module never binds a
// trigger to a platform service; the wake-up layer reads them.
type Trigger interface {
	Kind() TriggerKind
	Validate() error
}

type GeofenceTrigger struct {
	Lat          float64
	Lon          float64
	RadiusMeters float64
}

func (GeofenceTrigger) Kind() TriggerKind { return KindGeofence }

func (g GeofenceTrigger) Validate() error {
	if g.Lat < -90 || g.Lat > 90 {
		return errors.New("geofence: latitude out of range")
	}
	if g.Lon < -180 || g.Lon > 180 {
		return errors.New("geofence: longitude out of range")
	}
	if g.RadiusMeters <= 0 {
		return errors.New("geofence: radius must be > 0")
	}
	return nil
}

type PushTrigger struct {
	Topic string
}

func (PushTrigger) Kind() TriggerKind { return KindPush }

func (p PushTrigger) Validate() error {
	if strings.TrimSpace(p.Topic) == "" {
		return errors.New("push: topic is required")
	}
	return nil
}

// TimeWindowTrigger makes a task eligible between Start and End.
type TimeWindowTrigger struct {
	Start time.Time
	End   time.Time
}

func (TimeWindowTrigger) Kind() TriggerKind { return KindTimeWindow }

func (w TimeWindowTrigger) Validate() error {
	if w.Start.IsZero() || w.End.IsZero() {
		return errors.New("time_window: start and end are required")
	}
	if !w.End.After(w.Start) {
		return errors.New("time_window: end must be after start")
	}
	return nil
}

// Contains reports whether now falls in [Start, End).
func (w TimeWindowTrigger) Contains(now time.Time) bool {
	return !now.Before(w.Start) && now.Before(w.End)
}

// HasTrigger reports whether any trigger of t is of kind k.
func (t Task) HasTrigger(k TriggerKind) bool {
	for _, tr := range t.Triggers {
		if tr != nil && tr.Kind() == k {
			return true
		}
	}
	return false
}

// InWindow reports whether t is eligible at now with respect to its time-window
// triggers. A task without time-window triggers is always eligible; with
// several, any open window is enough.
func (t Task) InWindow(now time.Time) bool {
	seen := false
	for _, tr := range t.Triggers {
		w, ok := tr.(TimeWindowTrigger)
		if !ok {
			continue
		}
		seen = true
		if w.Contains(now) {
			return true
		}
	}
	return !seen
}
