package alerting

import "strings"

const (
	DefaultListLimit = 50
	MaxListLimit     = 500
)

// AlertFilter narrows alert listings. Type matches the alert's resource type.
type AlertFilter struct {
	Severity   Severity
	Type       string
	Status     Status
	RuleID     string
	ResourceID string
	Limit      int
	Offset     int
}

// Normalize applies paging defaults and bounds.
func (f AlertFilter) Normalize() AlertFilter {
	f.Limit, f.Offset = normalizePage(f.Limit, f.Offset)
	return f
}

// Matches applies every non-empty criterion.
func (f AlertFilter) Matches(a Alert) bool {
	if f.Severity != "" && !strings.EqualFold(string(f.Severity), string(a.Severity)) {
		return false
	}
	if f.Type != "" && !strings.EqualFold(f.Type, a.ResourceType) {
		return false
	}
	if f.Status != "" && f.Status != a.Status {
		return false
	}
	if f.RuleID != "" && f.RuleID != a.RuleID {
		return false
	}
	if f.ResourceID != "" && f.ResourceID != a.ResourceID {
		return false
	}
	return true
}

// InsightFilter narrows insight listings.
type InsightFilter struct {
	Type          InsightType
	ResourceID    string
	AlertID       string
	MinConfidence float64
	Limit         int
	Offset        int
}

// Normalize applies paging defaults and bounds.
func (f InsightFilter) Normalize() InsightFilter {
	f.Limit, f.Offset = normalizePage(f.Limit, f.Offset)
	return f
}

// Matches applies every non-empty criterion.
func (f InsightFilter) Matches(i Insight) bool {
	if f.Type != "" && f.Type != i.Type {
		return false
	}
	if f.ResourceID != "" && f.ResourceID != i.ResourceID {
		return false
	}
	if f.AlertID != "" && !i.RelatesTo(f.AlertID) {
		return false
	}
	if i.Confidence < f.MinConfidence {
		return false
	}
	return true
}

func normalizePage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

// Page slices items by offset and limit.
func Page[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return []T{}
	}
	end := offset + limit
	if end > len(items) {
		end = len(items)
	}
	return items[offset:end]
}
