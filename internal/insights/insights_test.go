package insights

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	alerting "infrawatch/internal/alerting/domain"
	"infrawatch/internal/datasource"
)

type stubSource struct {
	result datasource.Result
	err    error
	last   datasource.Request
}

func (s *stubSource) Query(_ context.Context, req datasource.Request) (datasource.Result, error) {
	s.last = req
	return s.result, s.err
}

func cpuRule() alerting.Rule {
	return alerting.Rule{
		ID:                        "cpu-high",
		Name:                      "CPU High",
		Type:                      alerting.SourcePrometheus,
		Query:                     alerting.Query{Kind: alerting.SourcePrometheus, Prometheus: &alerting.PrometheusQuery{Expr: "cpu_usage"}},
		Severity:                  alerting.SeverityHigh,
		Threshold:                 alerting.Threshold{Operator: alerting.OperatorGreater, Value: 80},
		EvaluationIntervalSeconds: 60,
		ResourceSelector:          alerting.ResourceSelector{ResourceType: "server", Label: "instance"},
	}
}

var analysisAt = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func seriesOf(instance string, values []float64) datasource.Series {
	start := analysisAt.Add(-time.Duration(len(values)) * time.Minute)
	points := make([]datasource.Point, len(values))
	for i, v := range values {
		points[i] = datasource.Point{Timestamp: start.Add(time.Duration(i) * time.Minute), Value: v}
	}
	return datasource.Series{Labels: map[string]string{"instance": instance}, Points: points}
}

func analysisContext(value float64) alerting.AnalysisContext {
	rule := cpuRule()
	return alerting.AnalysisContext{
		Rule:  rule,
		Alert: alerting.NewAlert("alert-1", rule, "server-002", value, analysisAt),
		At:    analysisAt,
	}
}

func typesOf(insights []alerting.Insight) []alerting.InsightType {
	out := make([]alerting.InsightType, 0, len(insights))
	for _, i := range insights {
		out = append(out, i.Type)
	}
	return out
}

func TestStatisticalDetectsSpike(t *testing.T) {
	flat := []float64{41, 40, 42, 39, 40, 41, 43, 40, 39, 41, 42, 40, 97}
	source := &stubSource{result: datasource.Result{Series: []datasource.Series{
		seriesOf("server-001", []float64{1, 2, 3, 4, 5, 6, 7, 8, 9}),
		seriesOf("server-002", flat),
	}}}
	analyzer, err := NewStatistical(source)
	require.NoError(t, err)

	insights, err := analyzer.Analyze(context.Background(), "server-002", "server", analysisContext(110))
	require.NoError(t, err)
	assert.Contains(t, typesOf(insights), alerting.InsightAnomaly)
	assert.Contains(t, typesOf(insights), alerting.InsightRecommendation)
	assert.NotContains(t, typesOf(insights), alerting.InsightTrend)

	for _, insight := range insights {
		require.NoError(t, insight.Validate())
		assert.Equal(t, "server-002", insight.ResourceID)
		assert.Equal(t, "cpu-high", insight.Details["ruleId"])
		_, err := json.Marshal(insight)
		require.NoError(t, err)
	}
	assert.Equal(t, time.Hour, source.last.Range.End.Sub(source.last.Range.Start))
}

func TestStatisticalDetectsRisingTrend(t *testing.T) {
	values := make([]float64, 30)
	for i := range values {
		values[i] = 50 + float64(i)*1.5
	}
	source := &stubSource{result: datasource.Result{Series: []datasource.Series{seriesOf("server-002", values)}}}
	analyzer, err := NewStatistical(source, WithZThreshold(1000))
	require.NoError(t, err)

	insights, err := analyzer.Analyze(context.Background(), "server-002", "server", analysisContext(83))
	require.NoError(t, err)
	require.Equal(t, []alerting.InsightType{alerting.InsightTrend}, typesOf(insights))
	assert.InDelta(t, 90.0, insights[0].Details["slopePerHour"], 0.01)
	assert.Greater(t, insights[0].Confidence, 0.9)
}

func TestStatisticalNeedsEnoughHistory(t *testing.T) {
	source := &stubSource{result: datasource.Result{Series: []datasource.Series{seriesOf("server-002", []float64{40, 97})}}}
	analyzer, err := NewStatistical(source)
	require.NoError(t, err)
	insights, err := analyzer.Analyze(context.Background(), "server-002", "server", analysisContext(97))
	require.NoError(t, err)
	assert.Empty(t, insights)

	source.err = errors.New("unreachable")
	_, err = analyzer.Analyze(context.Background(), "server-002", "server", analysisContext(97))
	assert.ErrorIs(t, err, alerting.ErrAdapter)
}

func TestStatisticalIgnoresNonFinitePoints(t *testing.T) {
	values := []float64{41, 40, math.NaN(), 42, 39, 40, math.Inf(1), 41, 43, 40, 39, 41, 42, 40, 97}
	source := &stubSource{result: datasource.Result{Series: []datasource.Series{seriesOf("server-002", values)}}}
	analyzer, err := NewStatistical(source)
	require.NoError(t, err)

	insights, err := analyzer.Analyze(context.Background(), "server-002", "server", analysisContext(110))
	require.NoError(t, err)
	assert.Contains(t, typesOf(insights), alerting.InsightAnomaly)
	for _, insight := range insights {
		require.NoError(t, insight.Validate())
		_, err := json.Marshal(insight)
		require.NoError(t, err)
	}
}

func TestRemotePostsContextAndFiltersResponse(t *testing.T) {
	var got remoteRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		_ = json.NewEncoder(w).Encode(map[string]any{"insights": []map[string]any{
			{"type": "anomaly", "description": "CPU usage deviates from baseline", "confidence": 0.87},
			{"type": "prophecy", "description": "bogus", "confidence": 0.5},
			{"type": "trend", "description": "too sure", "confidence": 1.7},
		}})
	}))
	defer srv.Close()

	remote, err := NewRemote(srv.URL, WithRemoteToken("secret"))
	require.NoError(t, err)
	insights, err := remote.Analyze(context.Background(), "server-002", "server", analysisContext(97))
	require.NoError(t, err)
	require.Len(t, insights, 1)
	assert.Equal(t, alerting.InsightAnomaly, insights[0].Type)
	assert.Equal(t, "server-002", insights[0].ResourceID)
	assert.Equal(t, "cpu-high", got.Rule.ID)
	require.NotNil(t, got.Alert)
	assert.Equal(t, "alert-1", got.Alert.ID)
}

func TestRemoteFailureIsAdapterError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "model offline", http.StatusServiceUnavailable)
	}))
	defer srv.Close()
	remote, err := NewRemote(srv.URL)
	require.NoError(t, err)
	_, err = remote.Analyze(context.Background(), "server-002", "server", analysisContext(97))
	var adapterErr *alerting.AdapterError
	require.ErrorAs(t, err, &adapterErr)
	assert.Contains(t, err.Error(), "model offline")
}
