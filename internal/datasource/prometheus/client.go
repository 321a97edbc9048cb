package prometheus

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/api"
	promv1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
	"github.com/rs/zerolog"

	alerting "infrawatch/internal/alerting/domain"
	"infrawatch/internal/datasource"
)

// Client runs PromQL range queries.
type Client struct {
	api    promv1.API
	logger zerolog.Logger
}

// Option configures the client.
type Option func(*options)

type options struct {
	token     string
	transport http.RoundTripper
}

// WithBearerToken authenticates every request.
func WithBearerToken(token string) Option {
	return func(o *options) {
		o.token = token
	}
}

// WithTransport overrides the HTTP transport.
func WithTransport(rt http.RoundTripper) Option {
	return func(o *options) {
		if rt != nil {
			o.transport = rt
		}
	}
}

// NewClient constructs a Prometheus client.
func NewClient(address string, logger zerolog.Logger, opts ...Option) (*Client, error) {
	if strings.TrimSpace(address) == "" {
		return nil, errors.New("prometheus: empty address")
	}
	o := options{transport: api.DefaultRoundTripper}
	for _, opt := range opts {
		opt(&o)
	}
	rt := o.transport
	if o.token != "" {
		rt = bearerRoundTripper{token: o.token, next: rt}
	}
	client, err := api.NewClient(api.Config{Address: strings.TrimRight(address, "/"), RoundTripper: rt})
	if err != nil {
		return nil, err
	}
	return &Client{
		api:    promv1.NewAPI(client),
		logger: logger.With().Str("datasource", string(alerting.SourcePrometheus)).Logger(),
	}, nil
}

// Query implements datasource.Adapter.
func (c *Client) Query(ctx context.Context, req datasource.Request) (datasource.Result, error) {
	if req.Query.Prometheus == nil {
		return datasource.Result{}, alerting.NewQueryError(alerting.SourcePrometheus, alerting.QueryErrorInvalidQuery, errors.New("missing prometheus payload"))
	}
	step := req.Step
	if step <= 0 {
		step = time.Minute
	}
	value, warnings, err := c.api.QueryRange(ctx, req.Query.Prometheus.Expr, promv1.Range{
		Start: req.Range.Start,
		End:   req.Range.End,
		Step:  step,
	})
	if err != nil {
		return datasource.Result{}, classify(ctx, err)
	}
	if len(warnings) > 0 {
		c.logger.Debug().Strs("warnings", warnings).Str("expr", req.Query.Prometheus.Expr).Msg("prometheus query warnings")
	}
	return convert(value), nil
}

func classify(ctx context.Context, err error) error {
	var apiErr *promv1.Error
	if errors.As(err, &apiErr) {
		switch apiErr.Type {
		case promv1.ErrBadData:
			return alerting.NewQueryError(alerting.SourcePrometheus, alerting.QueryErrorInvalidQuery, err)
		case promv1.ErrTimeout, promv1.ErrCanceled:
			return alerting.NewQueryError(alerting.SourcePrometheus, alerting.QueryErrorTimeout, err)
		}
	}
	return datasource.Classify(ctx, alerting.SourcePrometheus, err)
}

func convert(value model.Value) datasource.Result {
	var result datasource.Result
	switch v := value.(type) {
	case model.Matrix:
		for _, stream := range v {
			series := datasource.Series{Name: string(stream.Metric[model.MetricNameLabel]), Labels: labels(stream.Metric)}
			for _, pair := range stream.Values {
				series.Points = append(series.Points, datasource.Point{Timestamp: pair.Timestamp.Time().UTC(), Value: float64(pair.Value)})
			}
			result.Series = append(result.Series, series)
		}
	case model.Vector:
		for _, sample := range v {
			result.Series = append(result.Series, datasource.Series{
				Name:   string(sample.Metric[model.MetricNameLabel]),
				Labels: labels(sample.Metric),
				Points: []datasource.Point{{Timestamp: sample.Timestamp.Time().UTC(), Value: float64(sample.Value)}},
			})
		}
	case *model.Scalar:
		if v != nil {
			result.Series = append(result.Series, datasource.Series{
				Labels: map[string]string{},
				Points: []datasource.Point{{Timestamp: v.Timestamp.Time().UTC(), Value: float64(v.Value)}},
			})
		}
	}
	return result
}

func labels(metric model.Metric) map[string]string {
	out := make(map[string]string, len(metric))
	for name, value := range metric {
		out[string(name)] = string(value)
	}
	return out
}

type bearerRoundTripper struct {
	token string
	next  http.RoundTripper
}

func (b bearerRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	clone := req.Clone(req.Context())
	clone.Header.Set("Authorization", "Bearer "+b.token)
	return b.next.RoundTrip(clone)
}
