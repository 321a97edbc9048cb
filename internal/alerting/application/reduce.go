package application

import (
	"time"

	alerting "infrawatch/internal/alerting/domain"
	"infrawatch/internal/datasource"
)

// Sample is one (resource, value) pair reduced from a query result.
type Sample struct {
	ResourceID string
	Value      float64
	At         time.Time
}

// Reduce turns a query result into one sample per resource, using each series' latest finite point.
// Series without a finite point, without a resource id or failing the selector's match are skipped.
// When several series map to one resource the newest point wins.
func Reduce(rule alerting.Rule, result datasource.Result) []Sample {
	label := rule.ResourceLabel()
	byResource := make(map[string]int)
	var samples []Sample
	for _, series := range result.Series {
		if !matches(rule.ResourceSelector.Match, series.Labels) {
			continue
		}
		resourceID := resourceOf(series.Labels, label, rule.ResourceSelector.Label == "")
		if resourceID == "" {
			continue
		}
		point, ok := series.Latest()
		if !ok {
			continue
		}
		sample := Sample{ResourceID: resourceID, Value: point.Value, At: point.Timestamp}
		if idx, seen := byResource[resourceID]; seen {
			if sample.At.After(samples[idx].At) {
				samples[idx] = sample
			}
			continue
		}
		byResource[resourceID] = len(samples)
		samples = append(samples, sample)
	}
	return samples
}

func resourceOf(labels map[string]string, label string, allowFallback bool) string {
	if id := labels[label]; id != "" {
		return id
	}
	if allowFallback {
		return labels[alerting.FallbackResourceLabel]
	}
	return ""
}

func matches(want, labels map[string]string) bool {
	for key, value := range want {
		if labels[key] != value {
			return false
		}
	}
	return true
}

// unusableSeries counts series that carry points but none with a finite value.
func unusableSeries(result datasource.Result) int {
	n := 0
	for _, series := range result.Series {
		if len(series.Points) == 0 {
			continue
		}
		if _, ok := series.Latest(); !ok {
			n++
		}
	}
	return n
}
