package alerting

import (
	"fmt"
	"sort"
	"time"
)

type InsightType string

const (
	InsightAnomaly        InsightType = "anomaly"
	InsightTrend          InsightType = "trend"
	InsightRecommendation InsightType = "recommendation"
)

// Valid returns true when the insight type is known.
func (t InsightType) Valid() bool {
	switch t {
	case InsightAnomaly, InsightTrend, InsightRecommendation:
		return true
	default:
		return false
	}
}

// Insight is an AI-derived observation about a resource.
// Only RelatedAlerts may change after creation, and it only grows.
type Insight struct {
	ID            string         `json:"id"`
	Type          InsightType    `json:"type"`
	Description   string         `json:"description"`
	Confidence    float64        `json:"confidence"`
	ResourceID    string         `json:"resourceId"`
	ResourceType  string         `json:"resourceType"`
	RelatedAlerts []string       `json:"relatedAlerts"`
	CreatedAt     time.Time      `json:"createdAt"`
	Details       map[string]any `json:"details,omitempty"`
}

// Validate checks insight invariants.
func (i Insight) Validate() error {
	if !i.Type.Valid() {
		return fmt.Errorf("insight: invalid type %q", i.Type)
	}
	if !(i.Confidence >= 0 && i.Confidence <= 1) {
		return fmt.Errorf("insight: confidence %.3f out of range", i.Confidence)
	}
	if i.ResourceID == "" {
		return fmt.Errorf("insight: empty resource id")
	}
	return nil
}

// Clone returns a copy that shares nothing mutable with i.
func (i Insight) Clone() Insight {
	out := i
	out.RelatedAlerts = append([]string(nil), i.RelatedAlerts...)
	if i.Details != nil {
		out.Details = make(map[string]any, len(i.Details))
		for k, v := range i.Details {
			out.Details[k] = v
		}
	}
	return out
}

// WithRelated merges alert ids into the related set and reports whether it grew.
func (i Insight) WithRelated(alertIDs ...string) (Insight, bool) {
	out := i.Clone()
	seen := make(map[string]struct{}, len(out.RelatedAlerts)+len(alertIDs))
	for _, id := range out.RelatedAlerts {
		seen[id] = struct{}{}
	}
	grew := false
	for _, id := range alertIDs {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out.RelatedAlerts = append(out.RelatedAlerts, id)
		grew = true
	}
	sort.Strings(out.RelatedAlerts)
	return out, grew
}

// RelatesTo returns true when alertID is in the related set.
func (i Insight) RelatesTo(alertID string) bool {
	for _, id := range i.RelatedAlerts {
		if id == alertID {
			return true
		}
	}
	return false
}

// AnalysisContext is handed to insight adapters alongside the resource.
type AnalysisContext struct {
	Rule  Rule
	Alert Alert
	At    time.Time
}
