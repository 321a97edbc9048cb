// Package datasource defines the telemetry query contract consumed by the evaluation scheduler
// and routes queries to the backend named by a rule's source kind.
package datasource

import (
	"context"
	"errors"
	"math"
	"time"

	alerting "infrawatch/internal/alerting/domain"
)

// TimeRange is a closed query interval.
type TimeRange struct {
	Start time.Time
	End   time.Time
}

// Request is one range query against a named backend.
type Request struct {
	Source alerting.SourceKind
	Query  alerting.Query
	Range  TimeRange
	Step   time.Duration
}

// Point is a timestamped sample.
type Point struct {
	Timestamp time.Time
	Value     float64
}

// Series is one labelled time series.
type Series struct {
	Name   string
	Labels map[string]string
	Points []Point
}

// Finite reports whether the point carries a usable value. Backends report
// gaps and division by zero as NaN or ±Inf.
func (p Point) Finite() bool {
	return !math.IsNaN(p.Value) && !math.IsInf(p.Value, 0)
}

// Latest returns the newest point with a finite value.
func (s Series) Latest() (Point, bool) {
	var (
		latest Point
		found  bool
	)
	for _, p := range s.Points {
		if !p.Finite() {
			continue
		}
		if !found || !p.Timestamp.Before(latest.Timestamp) {
			latest = p
			found = true
		}
	}
	return latest, found
}

// Values returns finite point values in the order returned by the backend.
func (s Series) Values() []float64 {
	out := make([]float64, 0, len(s.Points))
	for _, p := range s.Points {
		if !p.Finite() {
			continue
		}
		out = append(out, p.Value)
	}
	return out
}

// Result is a normalized query result.
type Result struct {
	Series []Series
}

// Adapter executes a query and returns a normalized result or a *alerting.QueryError.
type Adapter interface {
	Query(ctx context.Context, req Request) (Result, error)
}

// RangeFor builds the evaluation range ending at now.
func RangeFor(rule alerting.Rule, now time.Time) TimeRange {
	end := now.UTC()
	return TimeRange{Start: end.Add(-rule.Window()), End: end}
}

// RequestFor builds the adapter request for one tick of rule.
func RequestFor(rule alerting.Rule, now time.Time) Request {
	return Request{
		Source: rule.Type,
		Query:  rule.Query,
		Range:  RangeFor(rule, now),
		Step:   rule.Step(),
	}
}

// Classify converts an arbitrary backend error into a QueryError.
func Classify(ctx context.Context, source alerting.SourceKind, err error) error {
	if err == nil {
		return nil
	}
	var qerr *alerting.QueryError
	if errors.As(err, &qerr) {
		return qerr
	}
	if errors.Is(err, context.DeadlineExceeded) || (ctx != nil && errors.Is(ctx.Err(), context.DeadlineExceeded)) {
		return alerting.NewQueryError(source, alerting.QueryErrorTimeout, err)
	}
	return alerting.NewQueryError(source, alerting.QueryErrorBackend, err)
}
