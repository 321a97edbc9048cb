package alerting

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func cpuRule() Rule {
	return Rule{
		ID:                        "cpu-high",
		Name:                      "CPU High",
		Type:                      SourcePrometheus,
		Query:                     Query{Kind: SourcePrometheus, Prometheus: &PrometheusQuery{Expr: "avg by (instance) (cpu_usage)"}},
		Severity:                  SeverityHigh,
		Threshold:                 Threshold{Operator: OperatorGreater, Value: 80},
		EvaluationIntervalSeconds: 60,
		ResourceSelector:          ResourceSelector{ResourceType: "server", Label: "instance"},
	}
}

func TestFingerprintStable(t *testing.T) {
	a := Fingerprint("cpu-high", "server-001")
	b := Fingerprint("cpu-high", "server-001")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, Fingerprint("cpu-high", "server-002"))
	assert.NotEqual(t, Fingerprint("ab", "c"), Fingerprint("a", "bc"))
}

func TestDecideMatrix(t *testing.T) {
	rule := cpuRule()
	at := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	active := NewAlert("a-1", rule, "server-001", 92.5, at)
	acked, err := active.Acknowledge("user@example.com", "Investigating", at.Add(time.Minute))
	require.NoError(t, err)

	cases := []struct {
		name  string
		value float64
		open  *Alert
		want  Decision
	}{
		{"breach without open alert creates", 92.5, nil, DecisionCreate},
		{"breach within noise refreshes", 93, &active, DecisionRefresh},
		{"breach beyond noise records history", 99, &active, DecisionRefreshHistory},
		{"clear on active resolves", 45, &active, DecisionResolve},
		{"clear on acknowledged keeps it", 45, &acked, DecisionNone},
		{"clear without alert is a no-op", 45, nil, DecisionNone},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			obs := Observation{Rule: rule, ResourceID: "server-001", Value: tc.value, At: at}
			assert.Equal(t, tc.want, Decide(obs, tc.open, DefaultHistoryNoiseTolerance))
		})
	}
}

func TestAlertLifecycleTransitions(t *testing.T) {
	at := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	alert := NewAlert("a-1", cpuRule(), "server-001", 92.5, at)
	require.Equal(t, StatusActive, alert.Status)
	require.Len(t, alert.History, 1)

	acked, err := alert.Acknowledge("user@example.com", "Investigating", at.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, StatusAcknowledged, acked.Status)
	assert.Equal(t, "user@example.com", acked.AcknowledgedBy)
	require.NotNil(t, acked.AcknowledgedAt)
	assert.Len(t, alert.History, 1, "source snapshot must not be mutated")

	_, err = acked.Acknowledge("someone", "", at.Add(2*time.Minute))
	var invalid *InvalidTransitionError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, StatusAcknowledged, invalid.From)

	resolved, err := acked.Resolve("user@example.com", "Restarted the service", "memory leak", at.Add(3*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, StatusResolved, resolved.Status)
	require.NotNil(t, resolved.ResolvedAt)
	assert.Len(t, resolved.History, 3)

	again, err := resolved.Resolve("user@example.com", "twice", "", at.Add(4*time.Minute))
	assert.True(t, errors.Is(err, ErrInvalidTransition))
	assert.Len(t, again.History, 3)

	_, err = resolved.Acknowledge("user@example.com", "", at.Add(5*time.Minute))
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestHistoryStaysOrderedWhenClockStepsBack(t *testing.T) {
	at := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	alert := NewAlert("a-1", cpuRule(), "server-001", 92.5, at)
	refreshed := alert.Refresh(99, at.Add(-time.Minute), true)
	require.Len(t, refreshed.History, 2)
	assert.False(t, refreshed.History[1].Timestamp.Before(refreshed.History[0].Timestamp))
	assert.Equal(t, at, refreshed.LastSeenAt)
}

func TestRuleValidateCollectsViolations(t *testing.T) {
	rule := cpuRule()
	assert.Empty(t, rule.Validate())

	rule.Threshold.Operator = "=>"
	rule.EvaluationIntervalSeconds = 0
	rule.Query = Query{Kind: SourceAzure, Prometheus: &PrometheusQuery{Expr: "up"}}
	violations := rule.Validate()
	assert.Len(t, violations, 3)
}

func TestRuleTimeoutCappedByInterval(t *testing.T) {
	rule := cpuRule()
	rule.EvaluationIntervalSeconds = 10
	assert.Equal(t, 10*time.Second, rule.Timeout(30*time.Second))
	rule.TimeoutSeconds = 5
	assert.Equal(t, 5*time.Second, rule.Timeout(30*time.Second))
}

func TestInsightWithRelatedGrowsSet(t *testing.T) {
	insight := Insight{ID: "i-1", Type: InsightAnomaly, Confidence: 0.9, ResourceID: "server-002"}
	grown, grew := insight.WithRelated("a-2", "a-1", "a-2")
	assert.True(t, grew)
	assert.Equal(t, []string{"a-1", "a-2"}, grown.RelatedAlerts)
	assert.Empty(t, insight.RelatedAlerts)

	_, grew = grown.WithRelated("a-1")
	assert.False(t, grew)
}

func TestInsightValidateRejectsNaNConfidence(t *testing.T) {
	insight := Insight{Type: InsightAnomaly, Confidence: 0.5, ResourceID: "server-002"}
	require.NoError(t, insight.Validate())

	insight.Confidence = math.NaN()
	assert.Error(t, insight.Validate())
	insight.Confidence = math.Inf(1)
	assert.Error(t, insight.Validate())
}

func TestAlertFilterMatches(t *testing.T) {
	alert := NewAlert("a-1", cpuRule(), "server-001", 92.5, time.Now())
	assert.True(t, AlertFilter{Severity: "HIGH", Type: "server"}.Matches(alert))
	assert.False(t, AlertFilter{Status: StatusResolved}.Matches(alert))
	f := AlertFilter{Limit: 10000, Offset: -3}.Normalize()
	assert.Equal(t, MaxListLimit, f.Limit)
	assert.Equal(t, 0, f.Offset)
	assert.Equal(t, []int{3}, Page([]int{1, 2, 3}, 5, 2))
	assert.Empty(t, Page([]int{1, 2, 3}, 5, 7))
}
