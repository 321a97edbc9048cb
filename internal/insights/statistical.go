// Package insights implements insight adapters: a local statistical analyzer over the
// rule's own data source and a client for a remote analysis service.
package insights

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	alerting "infrawatch/internal/alerting/domain"
	"infrawatch/internal/datasource"
)

const (
	DefaultBaselineWindow = time.Hour
	DefaultZThreshold     = 3.5
	DefaultMinPoints      = 8
	DefaultTrendMinR2     = 0.6
	DefaultTrendHorizon   = time.Hour

	recommendationMargin = 0.25
	maxBaselinePoints    = 240
)

// Statistical derives anomaly, trend and recommendation insights from recent history.
type Statistical struct {
	adapter   datasource.Adapter
	baseline  time.Duration
	zScore    float64
	minPoints int
	minR2     float64
	horizon   time.Duration
}

// StatisticalOption customizes the analyzer.
type StatisticalOption func(*Statistical)

// WithBaselineWindow sets how much history is fetched.
func WithBaselineWindow(window time.Duration) StatisticalOption {
	return func(s *Statistical) {
		if window > 0 {
			s.baseline = window
		}
	}
}

// WithZThreshold sets the robust z-score that counts as an anomaly.
func WithZThreshold(z float64) StatisticalOption {
	return func(s *Statistical) {
		if z > 0 {
			s.zScore = z
		}
	}
}

// WithMinPoints sets the smallest history the analyzer reasons about.
func WithMinPoints(n int) StatisticalOption {
	return func(s *Statistical) {
		if n >= 3 {
			s.minPoints = n
		}
	}
}

// NewStatistical constructs the analyzer over a data source.
func NewStatistical(adapter datasource.Adapter, opts ...StatisticalOption) (*Statistical, error) {
	if adapter == nil {
		return nil, errors.New("insights: nil data source")
	}
	s := &Statistical{
		adapter:   adapter,
		baseline:  DefaultBaselineWindow,
		zScore:    DefaultZThreshold,
		minPoints: DefaultMinPoints,
		minR2:     DefaultTrendMinR2,
		horizon:   DefaultTrendHorizon,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Name implements the insight adapter contract.
func (s *Statistical) Name() string { return "statistical" }

// Analyze implements the insight adapter contract.
func (s *Statistical) Analyze(ctx context.Context, resourceID, resourceType string, ac alerting.AnalysisContext) ([]alerting.Insight, error) {
	if ac.Rule.ID == "" {
		return nil, &alerting.AdapterError{Adapter: s.Name(), Err: errors.New("missing rule")}
	}
	at := ac.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	req := datasource.RequestFor(ac.Rule, at)
	req.Range.Start = req.Range.End.Add(-s.baseline)
	if step := s.baseline / maxBaselinePoints; step > req.Step {
		req.Step = step
	}
	result, err := s.adapter.Query(ctx, req)
	if err != nil {
		return nil, &alerting.AdapterError{Adapter: s.Name(), Err: err}
	}
	points := pointsFor(ac.Rule, result, resourceID)
	if len(points) < s.minPoints {
		return nil, nil
	}

	base := insightBase{ruleID: ac.Rule.ID, resourceID: resourceID, resourceType: resourceType, at: at}
	var out []alerting.Insight
	if insight, ok := s.anomaly(base, ac.Rule, points); ok {
		out = append(out, insight)
	}
	if insight, ok := s.trend(base, ac.Rule, points); ok {
		out = append(out, insight)
	}
	if insight, ok := recommend(base, ac); ok {
		out = append(out, insight)
	}
	return out, nil
}

type insightBase struct {
	ruleID       string
	resourceID   string
	resourceType string
	at           time.Time
}

func (b insightBase) insight(kind alerting.InsightType, confidence float64, description string, details map[string]any) alerting.Insight {
	details["ruleId"] = b.ruleID
	return alerting.Insight{
		Type:         kind,
		Description:  description,
		Confidence:   round(clamp01(confidence), 3),
		ResourceID:   b.resourceID,
		ResourceType: b.resourceType,
		CreatedAt:    b.at,
		Details:      details,
	}
}

func (s *Statistical) anomaly(base insightBase, rule alerting.Rule, points []datasource.Point) (alerting.Insight, bool) {
	values := make([]float64, len(points))
	for i, p := range points {
		values[i] = p.Value
	}
	latest := values[len(values)-1]
	score, med, spread := robustZ(values[:len(values)-1], latest)
	abs := math.Abs(score)
	if abs < s.zScore {
		return alerting.Insight{}, false
	}
	reported := score
	if math.IsInf(score, 0) {
		reported = math.Copysign(100, score)
	}
	confidence := 1 - s.zScore/(2*math.Min(abs, 100))
	description := fmt.Sprintf("%s on %s is %.2f, far from its recent median %.2f (robust z %.1f)",
		rule.Name, base.resourceID, latest, med, reported)
	return base.insight(alerting.InsightAnomaly, math.Min(confidence, 0.99), description, map[string]any{
		"latest":  round(latest, 4),
		"median":  round(med, 4),
		"mad":     round(spread, 4),
		"zScore":  round(reported, 2),
		"samples": len(values),
	}), true
}

func (s *Statistical) trend(base insightBase, rule alerting.Rule, points []datasource.Point) (alerting.Insight, bool) {
	direction := 0
	switch rule.Threshold.Operator {
	case alerting.OperatorGreater, alerting.OperatorGreaterOrEqual:
		direction = 1
	case alerting.OperatorLess, alerting.OperatorLessOrEqual:
		direction = -1
	default:
		return alerting.Insight{}, false
	}
	first := points[0].Timestamp
	xs := make([]float64, len(points))
	ys := make([]float64, len(points))
	for i, p := range points {
		xs[i] = p.Timestamp.Sub(first).Seconds()
		ys[i] = p.Value
	}
	slope, intercept, r2, ok := linearRegression(xs, ys)
	if !ok || r2 < s.minR2 || slope == 0 || sign(slope) != direction {
		return alerting.Insight{}, false
	}
	perHour := slope * 3600
	last := xs[len(xs)-1]
	projected := slope*(last+s.horizon.Seconds()) + intercept
	verb := "rising"
	if direction < 0 {
		verb = "falling"
	}
	description := fmt.Sprintf("%s on %s has been %s steadily at %.2f per hour; projected %.2f within %s (threshold %s)",
		rule.Name, base.resourceID, verb, math.Abs(perHour), projected, s.horizon, rule.Threshold)
	return base.insight(alerting.InsightTrend, r2*0.95, description, map[string]any{
		"slopePerHour": round(perHour, 4),
		"r2":           round(r2, 4),
		"projected":    round(projected, 4),
		"horizon":      s.horizon.String(),
	}), true
}

var recommendations = map[string]string{
	"server":   "rebalance workloads or scale out the host pool",
	"vm":       "resize the instance or scale out the scale set",
	"database": "review slow queries and connection pool sizing",
	"storage":  "expand capacity or apply lifecycle policies to cold data",
	"network":  "check for saturated links and reroute traffic",
}

func recommend(base insightBase, ac alerting.AnalysisContext) (alerting.Insight, bool) {
	if ac.Alert.ID == "" || !ac.Rule.Severity.AtLeast(alerting.SeverityHigh) {
		return alerting.Insight{}, false
	}
	threshold := ac.Rule.Threshold.Value
	margin := math.Abs(ac.Alert.Value-threshold) / math.Max(math.Abs(threshold), 1)
	if margin < recommendationMargin {
		return alerting.Insight{}, false
	}
	action, ok := recommendations[strings.ToLower(base.resourceType)]
	if !ok {
		action = "review capacity and recent changes for this resource"
	}
	description := fmt.Sprintf("%s on %s breached its threshold by %.0f%%; %s",
		ac.Rule.Name, base.resourceID, margin*100, action)
	return base.insight(alerting.InsightRecommendation, 0.5+math.Min(margin, 1)*0.3, description, map[string]any{
		"alertId": ac.Alert.ID,
		"margin":  round(margin, 4),
	}), true
}

// pointsFor returns the points of the first series that belongs to resourceID.
func pointsFor(rule alerting.Rule, result datasource.Result, resourceID string) []datasource.Point {
	label := rule.ResourceLabel()
	for _, series := range result.Series {
		id := series.Labels[label]
		if id == "" && rule.ResourceSelector.Label == "" {
			id = series.Labels[alerting.FallbackResourceLabel]
		}
		if id != resourceID {
			continue
		}
		match := true
		for k, v := range rule.ResourceSelector.Match {
			if series.Labels[k] != v {
				match = false
				break
			}
		}
		if !match {
			continue
		}
		points := make([]datasource.Point, 0, len(series.Points))
		for _, p := range series.Points {
			if p.Finite() {
				points = append(points, p)
			}
		}
		if len(points) > 0 {
			return points
		}
	}
	return nil
}
