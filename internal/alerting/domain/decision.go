package alerting

import (
	"math"
	"time"
)

// DefaultHistoryNoiseTolerance is the relative change a refresh must exceed to be recorded in history.
const DefaultHistoryNoiseTolerance = 0.05

// Decision is the lifecycle step an evaluation sample causes.
type Decision string

const (
	DecisionNone           Decision = "none"
	DecisionCreate         Decision = "create"
	DecisionRefresh        Decision = "refresh"
	DecisionRefreshHistory Decision = "refresh_history"
	DecisionResolve        Decision = "resolve"
)

// Observation is one reduced sample of a rule evaluation.
type Observation struct {
	Rule       Rule
	ResourceID string
	Value      float64
	At         time.Time
}

// Fingerprint of the observed (rule, resource) pair.
func (o Observation) Fingerprint() string {
	return Fingerprint(o.Rule.ID, o.ResourceID)
}

// Decide maps an observation and the currently open alert (nil when none) to a decision.
// Acknowledged alerts are never resolved automatically.
func Decide(obs Observation, open *Alert, tolerance float64) Decision {
	breached := obs.Rule.Threshold.Breached(obs.Value)
	switch {
	case breached && open == nil:
		return DecisionCreate
	case breached:
		if ChangedBeyondNoise(*open, obs.Value, tolerance) {
			return DecisionRefreshHistory
		}
		return DecisionRefresh
	case open != nil && open.Status == StatusActive:
		return DecisionResolve
	default:
		return DecisionNone
	}
}

// ChangedBeyondNoise compares value with the last recorded history value.
func ChangedBeyondNoise(alert Alert, value, tolerance float64) bool {
	last, ok := alert.LastHistoryValue()
	if !ok {
		return true
	}
	if tolerance < 0 {
		tolerance = 0
	}
	scale := math.Max(math.Abs(last), 1)
	return math.Abs(value-last) > tolerance*scale
}

// Transition is the applied result of a store mutation.
type Transition struct {
	Decision Decision
	Alert    Alert
}

// Changed reports whether the transition mutated stored state.
func (t Transition) Changed() bool {
	return t.Decision != DecisionNone
}

// EventKind maps the transition to the event published for it; refreshes without history publish nothing.
func (t Transition) EventKind() (EventKind, bool) {
	switch t.Decision {
	case DecisionCreate:
		return EventAlertCreated, true
	case DecisionRefreshHistory:
		return EventAlertUpdated, true
	case DecisionResolve:
		return EventAlertResolved, true
	default:
		return "", false
	}
}
