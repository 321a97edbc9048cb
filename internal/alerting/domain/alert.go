package alerting

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Status is the lifecycle state of an alert.
type Status string

const (
	StatusActive       Status = "active"
	StatusAcknowledged Status = "acknowledged"
	StatusResolved     Status = "resolved"
)

// Open returns true for active and acknowledged alerts.
func (s Status) Open() bool {
	return s == StatusActive || s == StatusAcknowledged
}

// Valid returns true when status is known.
func (s Status) Valid() bool {
	return s.Open() || s == StatusResolved
}

const (
	// SystemActor resolves alerts whose condition cleared on its own.
	SystemActor = "system"
	// ConditionClearedResolution is recorded on automatic resolution.
	ConditionClearedResolution = "condition cleared"
)

// HistoryEntry is one state transition of an alert. Entries are append-only.
type HistoryEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Status    Status    `json:"status"`
	Value     float64   `json:"value"`
}

// Alert is one incarnation of a breached condition for a (rule, resource) pair.
type Alert struct {
	ID             string         `json:"id"`
	Fingerprint    string         `json:"fingerprint"`
	RuleID         string         `json:"ruleId"`
	Name           string         `json:"name"`
	Description    string         `json:"description"`
	Severity       Severity       `json:"severity"`
	Status         Status         `json:"status"`
	CreatedAt      time.Time      `json:"createdAt"`
	LastSeenAt     time.Time      `json:"lastSeenAt"`
	ResourceID     string         `json:"resourceId"`
	ResourceType   string         `json:"resourceType"`
	Value          float64        `json:"value"`
	Threshold      Threshold      `json:"threshold"`
	AcknowledgedAt *time.Time     `json:"acknowledgedAt,omitempty"`
	AcknowledgedBy string         `json:"acknowledgedBy,omitempty"`
	Comment        string         `json:"comment,omitempty"`
	ResolvedAt     *time.Time     `json:"resolvedAt,omitempty"`
	ResolvedBy     string         `json:"resolvedBy,omitempty"`
	Resolution     string         `json:"resolution,omitempty"`
	RootCause      string         `json:"rootCause,omitempty"`
	History        []HistoryEntry `json:"history"`
}

// Fingerprint derives the deduplication key of a (rule, resource) pair.
func Fingerprint(ruleID, resourceID string) string {
	sum := sha256.Sum256([]byte(ruleID + "\x00" + resourceID))
	return hex.EncodeToString(sum[:16])
}

// NewAlert opens an alert for a breaching sample.
func NewAlert(id string, rule Rule, resourceID string, value float64, at time.Time) Alert {
	at = at.UTC()
	return Alert{
		ID:           id,
		Fingerprint:  Fingerprint(rule.ID, resourceID),
		RuleID:       rule.ID,
		Name:         rule.Name,
		Description:  rule.Description,
		Severity:     rule.Severity,
		Status:       StatusActive,
		CreatedAt:    at,
		LastSeenAt:   at,
		ResourceID:   resourceID,
		ResourceType: rule.ResourceSelector.ResourceType,
		Value:        value,
		Threshold:    rule.Threshold,
		History:      []HistoryEntry{{Timestamp: at, Status: StatusActive, Value: value}},
	}
}

// Clone returns a deep copy so stored snapshots are never shared.
func (a Alert) Clone() Alert {
	out := a
	if a.History != nil {
		out.History = append([]HistoryEntry(nil), a.History...)
	}
	if a.AcknowledgedAt != nil {
		t := *a.AcknowledgedAt
		out.AcknowledgedAt = &t
	}
	if a.ResolvedAt != nil {
		t := *a.ResolvedAt
		out.ResolvedAt = &t
	}
	return out
}

// LastHistoryValue returns the value recorded by the newest history entry.
func (a Alert) LastHistoryValue() (float64, bool) {
	if len(a.History) == 0 {
		return 0, false
	}
	return a.History[len(a.History)-1].Value, true
}

// Refresh records a new breaching sample on an open alert.
func (a Alert) Refresh(value float64, at time.Time, appendHistory bool) Alert {
	out := a.Clone()
	out.Value = value
	at = at.UTC()
	if at.After(out.LastSeenAt) {
		out.LastSeenAt = at
	}
	if appendHistory {
		out.History = append(out.History, HistoryEntry{Timestamp: out.nextTimestamp(at), Status: out.Status, Value: value})
	}
	return out
}

// Acknowledge claims an active alert.
func (a Alert) Acknowledge(actor, comment string, at time.Time) (Alert, error) {
	if a.Status != StatusActive {
		return a, &InvalidTransitionError{AlertID: a.ID, From: a.Status, Action: "acknowledge"}
	}
	out := a.Clone()
	ts := out.nextTimestamp(at.UTC())
	out.Status = StatusAcknowledged
	out.AcknowledgedAt = &ts
	out.AcknowledgedBy = actor
	out.Comment = comment
	out.History = append(out.History, HistoryEntry{Timestamp: ts, Status: StatusAcknowledged, Value: out.Value})
	return out, nil
}

// Resolve closes an open alert. Resolved alerts are terminal.
func (a Alert) Resolve(actor, resolution, rootCause string, at time.Time) (Alert, error) {
	if !a.Status.Open() {
		return a, &InvalidTransitionError{AlertID: a.ID, From: a.Status, Action: "resolve"}
	}
	out := a.Clone()
	ts := out.nextTimestamp(at.UTC())
	out.Status = StatusResolved
	out.ResolvedAt = &ts
	out.ResolvedBy = actor
	out.Resolution = resolution
	out.RootCause = rootCause
	out.History = append(out.History, HistoryEntry{Timestamp: ts, Status: StatusResolved, Value: out.Value})
	return out, nil
}

// nextTimestamp keeps history chronologically ordered even if the clock steps back.
func (a Alert) nextTimestamp(at time.Time) time.Time {
	if n := len(a.History); n > 0 && at.Before(a.History[n-1].Timestamp) {
		return a.History[n-1].Timestamp
	}
	return at
}
