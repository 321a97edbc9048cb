package datasource

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	alerting "infrawatch/internal/alerting/domain"
)

type stubBackend struct {
	result Result
	err    error
	calls  int
}

func (s *stubBackend) Query(ctx context.Context, _ Request) (Result, error) {
	s.calls++
	if s.err != nil {
		return Result{}, s.err
	}
	return s.result, nil
}

func promRequest() Request {
	return Request{
		Source: alerting.SourcePrometheus,
		Query:  alerting.Query{Kind: alerting.SourcePrometheus, Prometheus: &alerting.PrometheusQuery{Expr: "up"}},
	}
}

func TestRouterDispatchesBySource(t *testing.T) {
	backend := &stubBackend{result: Result{Series: []Series{{Name: "up"}}}}
	router := NewRouter()
	router.Register(alerting.SourcePrometheus, backend)

	result, err := router.Query(context.Background(), promRequest())
	require.NoError(t, err)
	assert.Len(t, result.Series, 1)
	assert.Equal(t, 1, backend.calls)
}

func TestRouterUnknownSourceIsBackendError(t *testing.T) {
	router := NewRouter()
	req := promRequest()
	_, err := router.Query(context.Background(), req)
	var qerr *alerting.QueryError
	require.ErrorAs(t, err, &qerr)
	assert.Equal(t, alerting.QueryErrorBackend, qerr.Kind)
}

func TestRouterMismatchedPayloadIsInvalidQuery(t *testing.T) {
	router := NewRouter()
	router.Register(alerting.SourceAzure, &stubBackend{})
	req := promRequest()
	req.Source = alerting.SourceAzure
	_, err := router.Query(context.Background(), req)
	var qerr *alerting.QueryError
	require.ErrorAs(t, err, &qerr)
	assert.Equal(t, alerting.QueryErrorInvalidQuery, qerr.Kind)
}

func TestRouterClassifiesTimeouts(t *testing.T) {
	router := NewRouter()
	router.Register(alerting.SourcePrometheus, &stubBackend{err: context.DeadlineExceeded})
	_, err := router.Query(context.Background(), promRequest())
	var qerr *alerting.QueryError
	require.ErrorAs(t, err, &qerr)
	assert.Equal(t, alerting.QueryErrorTimeout, qerr.Kind)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestSeriesLatest(t *testing.T) {
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	s := Series{Points: []Point{{base.Add(time.Minute), 2}, {base, 1}, {base.Add(2 * time.Minute), 3}}}
	p, ok := s.Latest()
	require.True(t, ok)
	assert.Equal(t, 3.0, p.Value)
	_, ok = Series{}.Latest()
	assert.False(t, ok)
}

func TestSeriesSkipsNonFinitePoints(t *testing.T) {
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	s := Series{Points: []Point{{base, 1}, {base.Add(time.Minute), 2}, {base.Add(2 * time.Minute), math.NaN()}, {base.Add(3 * time.Minute), math.Inf(1)}}}
	p, ok := s.Latest()
	require.True(t, ok)
	assert.Equal(t, 2.0, p.Value)
	assert.Equal(t, []float64{1, 2}, s.Values())

	_, ok = Series{Points: []Point{{base, math.NaN()}}}.Latest()
	assert.False(t, ok)
}
