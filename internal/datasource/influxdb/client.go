package influxdb

import (
	"context"
	"errors"
	"fmt"
	nethttp "net/http"
	"sort"
	"strings"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	influxhttp "github.com/influxdata/influxdb-client-go/v2/api/http"
	"github.com/influxdata/influxdb-client-go/v2/api/query"
	"github.com/rs/zerolog"

	alerting "infrawatch/internal/alerting/domain"
	"infrawatch/internal/datasource"
)

// Config describes the InfluxDB v2 endpoint.
type Config struct {
	URL     string
	Token   string
	Org     string
	Timeout time.Duration
}

// Client runs Flux queries through the InfluxDB query API.
type Client struct {
	client   influxdb2.Client
	queryAPI api.QueryAPI
	logger   zerolog.Logger
}

// NewClient constructs an InfluxDB client.
func NewClient(cfg Config, logger zerolog.Logger) (*Client, error) {
	if cfg.URL == "" {
		return nil, errors.New("influxdb: empty url")
	}
	if cfg.Org == "" {
		return nil, errors.New("influxdb: empty org")
	}
	options := influxdb2.DefaultOptions()
	if cfg.Timeout > 0 {
		options.SetHTTPRequestTimeout(uint(cfg.Timeout / time.Second))
	}
	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token, options)
	logger.Info().Str("url", cfg.URL).Str("org", cfg.Org).Msg("influxdb datasource configured")
	return &Client{
		client:   client,
		queryAPI: client.QueryAPI(cfg.Org),
		logger:   logger.With().Str("datasource", string(alerting.SourceInfluxDB)).Logger(),
	}, nil
}

// Close releases client resources.
func (c *Client) Close() {
	if c != nil && c.client != nil {
		c.client.Close()
	}
}

// Query implements datasource.Adapter.
func (c *Client) Query(ctx context.Context, req datasource.Request) (datasource.Result, error) {
	if req.Query.InfluxDB == nil {
		return datasource.Result{}, alerting.NewQueryError(alerting.SourceInfluxDB, alerting.QueryErrorInvalidQuery, errors.New("missing influxdb payload"))
	}
	flux := BuildFlux(req.Query.InfluxDB.Flux, req.Range, req.Step)
	table, err := c.queryAPI.Query(ctx, flux)
	if err != nil {
		return datasource.Result{}, classify(ctx, err)
	}
	defer table.Close()
	result, err := collect(table)
	if err != nil {
		return datasource.Result{}, classify(ctx, err)
	}
	return result, nil
}

// BuildFlux prefixes the script with the range variables dashboards normally inject.
func BuildFlux(script string, r datasource.TimeRange, step time.Duration) string {
	if step <= 0 {
		step = time.Minute
	}
	return fmt.Sprintf("option v = {timeRangeStart: %s, timeRangeStop: %s, windowPeriod: %s}\n%s",
		r.Start.UTC().Format(time.RFC3339), r.End.UTC().Format(time.RFC3339), fluxDuration(step), script)
}

func fluxDuration(d time.Duration) string {
	if d%time.Second == 0 {
		return fmt.Sprintf("%ds", int64(d/time.Second))
	}
	return fmt.Sprintf("%dms", d.Milliseconds())
}

type recordIterator interface {
	Next() bool
	Record() *query.FluxRecord
	Err() error
}

var reservedColumns = map[string]struct{}{
	"_value": {}, "_time": {}, "_start": {}, "_stop": {}, "result": {}, "table": {},
}

// collect groups records into series by flux table.
func collect(rows recordIterator) (datasource.Result, error) {
	byTable := make(map[int]*datasource.Series)
	var order []int
	for rows.Next() {
		rec := rows.Record()
		if rec == nil {
			continue
		}
		value, ok := numeric(rec.Value())
		if !ok {
			continue
		}
		series, exists := byTable[rec.Table()]
		if !exists {
			series = &datasource.Series{Labels: make(map[string]string)}
			for key, raw := range rec.Values() {
				if _, skip := reservedColumns[key]; skip {
					continue
				}
				if s, isString := raw.(string); isString {
					series.Labels[key] = s
				}
			}
			series.Name = series.Labels["_measurement"]
			if field := series.Labels["_field"]; field != "" {
				series.Name = strings.TrimPrefix(series.Name+"."+field, ".")
			}
			byTable[rec.Table()] = series
			order = append(order, rec.Table())
		}
		series.Points = append(series.Points, datasource.Point{Timestamp: rec.Time().UTC(), Value: value})
	}
	if err := rows.Err(); err != nil {
		return datasource.Result{}, err
	}
	sort.Ints(order)
	result := datasource.Result{Series: make([]datasource.Series, 0, len(order))}
	for _, table := range order {
		result.Series = append(result.Series, *byTable[table])
	}
	return result, nil
}

func numeric(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case int:
		return float64(n), true
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}

func classify(ctx context.Context, err error) error {
	var httpErr *influxhttp.Error
	if errors.As(err, &httpErr) {
		switch {
		case httpErr.StatusCode == nethttp.StatusBadRequest, httpErr.Code == "invalid":
			return alerting.NewQueryError(alerting.SourceInfluxDB, alerting.QueryErrorInvalidQuery, err)
		case httpErr.StatusCode == nethttp.StatusGatewayTimeout, httpErr.StatusCode == nethttp.StatusRequestTimeout:
			return alerting.NewQueryError(alerting.SourceInfluxDB, alerting.QueryErrorTimeout, err)
		}
	}
	return datasource.Classify(ctx, alerting.SourceInfluxDB, err)
}
