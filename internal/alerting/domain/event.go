package alerting

import (
	"context"
	"time"
)

type EventKind string

const (
	EventAlertCreated      EventKind = "alert.created"
	EventAlertUpdated      EventKind = "alert.updated"
	EventAlertAcknowledged EventKind = "alert.acknowledged"
	EventAlertResolved     EventKind = "alert.resolved"
	EventInsightAttached   EventKind = "insight.attached"
)

// Event is published to subscribers after a successful mutation.
type Event struct {
	Kind      EventKind `json:"kind"`
	Alert     *Alert    `json:"alert,omitempty"`
	Insight   *Insight  `json:"insight,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// CommitHook observes a committed alert change. Stores call it while the
// alert's fingerprint is still locked, so hooks see changes to one alert in
// commit order and must not block.
type CommitHook func(ctx context.Context, kind EventKind, alert Alert)

// NewAlertEvent wraps an alert snapshot.
func NewAlertEvent(kind EventKind, alert Alert, at time.Time) Event {
	snapshot := alert.Clone()
	return Event{Kind: kind, Alert: &snapshot, Timestamp: at.UTC()}
}

// NewInsightEvent wraps an insight snapshot.
func NewInsightEvent(insight Insight, at time.Time) Event {
	snapshot := insight.Clone()
	return Event{Kind: EventInsightAttached, Insight: &snapshot, Timestamp: at.UTC()}
}

// SubjectID returns the id of the alert or insight carried by the event.
func (e Event) SubjectID() string {
	switch {
	case e.Alert != nil:
		return e.Alert.ID
	case e.Insight != nil:
		return e.Insight.ID
	default:
		return ""
	}
}
