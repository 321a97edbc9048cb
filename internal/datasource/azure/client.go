package azure

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	alerting "infrawatch/internal/alerting/domain"
	"infrawatch/internal/datasource"
)

const (
	DefaultBaseURL    = "https://management.azure.com"
	DefaultLoginURL   = "https://login.microsoftonline.com"
	DefaultScope      = "https://management.azure.com/.default"
	metricsAPIVersion = "2018-01-01"
)

// Config describes Azure Monitor access. Token is used as-is when set;
// otherwise TenantID/ClientID/ClientSecret drive the client-credentials flow.
type Config struct {
	BaseURL      string
	LoginURL     string
	Token        string
	TenantID     string
	ClientID     string
	ClientSecret string
	Timeout      time.Duration
}

// Client is a minimal Azure Monitor metrics REST client.
type Client struct {
	baseURL string
	cfg     Config
	client  *http.Client
	logger  zerolog.Logger
	now     func() time.Time

	mu      sync.Mutex
	token   string
	expires time.Time
}

// NewClient constructs an Azure Monitor client.
func NewClient(cfg Config, logger zerolog.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.LoginURL == "" {
		cfg.LoginURL = DefaultLoginURL
	}
	if cfg.Token == "" && (cfg.TenantID == "" || cfg.ClientID == "" || cfg.ClientSecret == "") {
		return nil, errors.New("azure: token or client credentials required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		cfg:     cfg,
		client:  &http.Client{Timeout: timeout},
		logger:  logger.With().Str("datasource", string(alerting.SourceAzure)).Logger(),
		now:     time.Now,
	}, nil
}

type metricsResponse struct {
	Value []struct {
		Name struct {
			Value string `json:"value"`
		} `json:"name"`
		Unit       string `json:"unit"`
		Timeseries []struct {
			Metadata []struct {
				Name struct {
					Value string `json:"value"`
				} `json:"name"`
				Value string `json:"value"`
			} `json:"metadatavalues"`
			Data []map[string]any `json:"data"`
		} `json:"timeseries"`
	} `json:"value"`
}

type errorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Query implements datasource.Adapter.
func (c *Client) Query(ctx context.Context, req datasource.Request) (datasource.Result, error) {
	q := req.Query.Azure
	if q == nil {
		return datasource.Result{}, alerting.NewQueryError(alerting.SourceAzure, alerting.QueryErrorInvalidQuery, errors.New("missing azure payload"))
	}
	token, err := c.accessToken(ctx)
	if err != nil {
		return datasource.Result{}, datasource.Classify(ctx, alerting.SourceAzure, err)
	}
	aggregation := q.Aggregation
	if aggregation == "" {
		aggregation = "Average"
	}
	params := url.Values{}
	params.Set("api-version", metricsAPIVersion)
	params.Set("metricnames", q.MetricName)
	params.Set("aggregation", aggregation)
	params.Set("timespan", req.Range.Start.UTC().Format(time.RFC3339)+"/"+req.Range.End.UTC().Format(time.RFC3339))
	params.Set("interval", isoInterval(req.Step))
	if q.MetricNamespace != "" {
		params.Set("metricnamespace", q.MetricNamespace)
	}
	if q.Filter != "" {
		params.Set("$filter", q.Filter)
	}
	path := "/" + strings.TrimLeft(q.ResourceURI, "/") + "/providers/Microsoft.Insights/metrics?" + params.Encode()

	var resp metricsResponse
	if err := c.doJSON(ctx, token, path, &resp); err != nil {
		return datasource.Result{}, err
	}
	return convert(resp, q.ResourceURI, aggregation), nil
}

func (c *Client) doJSON(ctx context.Context, token, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return alerting.NewQueryError(alerting.SourceAzure, alerting.QueryErrorInvalidQuery, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.client.Do(req)
	if err != nil {
		return datasource.Classify(ctx, alerting.SourceAzure, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var apiErr errorResponse
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		_ = json.Unmarshal(body, &apiErr)
		err := fmt.Errorf("azure: http %d %s %s", resp.StatusCode, apiErr.Error.Code, apiErr.Error.Message)
		switch {
		case resp.StatusCode == http.StatusBadRequest, resp.StatusCode == http.StatusNotFound:
			return alerting.NewQueryError(alerting.SourceAzure, alerting.QueryErrorInvalidQuery, err)
		case resp.StatusCode == http.StatusGatewayTimeout, resp.StatusCode == http.StatusRequestTimeout:
			return alerting.NewQueryError(alerting.SourceAzure, alerting.QueryErrorTimeout, err)
		case resp.StatusCode == http.StatusUnauthorized:
			c.invalidateToken()
		}
		return alerting.NewQueryError(alerting.SourceAzure, alerting.QueryErrorBackend, err)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return alerting.NewQueryError(alerting.SourceAzure, alerting.QueryErrorBackend, err)
	}
	return nil
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
}

func (c *Client) accessToken(ctx context.Context) (string, error) {
	if c.cfg.Token != "" {
		return c.cfg.Token, nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != "" && c.now().Before(c.expires) {
		return c.token, nil
	}

	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("client_id", c.cfg.ClientID)
	form.Set("client_secret", c.cfg.ClientSecret)
	form.Set("scope", DefaultScope)
	endpoint := strings.TrimRight(c.cfg.LoginURL, "/") + "/" + url.PathEscape(c.cfg.TenantID) + "/oauth2/v2.0/token"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := c.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("azure: token http %d", resp.StatusCode)
	}
	var tok tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return "", err
	}
	if tok.AccessToken == "" {
		return "", errors.New("azure: empty access token")
	}
	lifetime := time.Duration(tok.ExpiresIn) * time.Second
	if lifetime <= time.Minute {
		lifetime = 5 * time.Minute
	}
	c.token = tok.AccessToken
	c.expires = c.now().Add(lifetime - time.Minute)
	c.logger.Debug().Time("expires", c.expires).Msg("azure token refreshed")
	return c.token, nil
}

func (c *Client) invalidateToken() {
	c.mu.Lock()
	c.token = ""
	c.mu.Unlock()
}

func convert(resp metricsResponse, resourceURI, aggregation string) datasource.Result {
	field := strings.ToLower(aggregation)
	var result datasource.Result
	for _, metric := range resp.Value {
		for _, ts := range metric.Timeseries {
			series := datasource.Series{
				Name:   metric.Name.Value,
				Labels: map[string]string{alerting.DefaultResourceLabel: resourceURI},
			}
			for _, md := range ts.Metadata {
				series.Labels[md.Name.Value] = md.Value
			}
			for _, point := range ts.Data {
				raw, ok := point[field].(float64)
				if !ok {
					continue
				}
				stamp, _ := point["timeStamp"].(string)
				at, err := time.Parse(time.RFC3339, stamp)
				if err != nil {
					continue
				}
				series.Points = append(series.Points, datasource.Point{Timestamp: at.UTC(), Value: raw})
			}
			result.Series = append(result.Series, series)
		}
	}
	return result
}

func isoInterval(step time.Duration) string {
	switch {
	case step <= time.Minute:
		return "PT1M"
	case step%time.Hour == 0:
		return fmt.Sprintf("PT%dH", int64(step/time.Hour))
	default:
		return fmt.Sprintf("PT%dM", int64(step/time.Minute))
	}
}
