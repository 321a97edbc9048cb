package insights

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	alerting "infrawatch/internal/alerting/domain"
)

const defaultRemoteTimeout = 15 * time.Second

// Remote asks an external analysis service for insights.
type Remote struct {
	endpoint string
	token    string
	client   *http.Client
}

// RemoteOption customizes the remote analyzer.
type RemoteOption func(*Remote)

// WithRemoteToken sends a bearer token with every request.
func WithRemoteToken(token string) RemoteOption {
	return func(r *Remote) {
		r.token = strings.TrimSpace(token)
	}
}

// WithRemoteHTTPClient overrides the HTTP client.
func WithRemoteHTTPClient(client *http.Client) RemoteOption {
	return func(r *Remote) {
		if client != nil {
			r.client = client
		}
	}
}

// NewRemote constructs a remote analyzer posting to endpoint.
func NewRemote(endpoint string, opts ...RemoteOption) (*Remote, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil, errors.New("insights: empty remote endpoint")
	}
	r := &Remote{
		endpoint: endpoint,
		client:   &http.Client{Timeout: defaultRemoteTimeout},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Name implements the insight adapter contract.
func (r *Remote) Name() string { return "remote" }

type remoteRequest struct {
	ResourceID   string             `json:"resourceId"`
	ResourceType string             `json:"resourceType"`
	Rule         remoteRule         `json:"rule"`
	Alert        *remoteAlert       `json:"alert,omitempty"`
	Threshold    alerting.Threshold `json:"threshold"`
	At           time.Time          `json:"at"`
}

type remoteRule struct {
	ID       string            `json:"id"`
	Name     string            `json:"name"`
	Type     string            `json:"type"`
	Query    string            `json:"query"`
	Severity alerting.Severity `json:"severity"`
}

type remoteAlert struct {
	ID        string    `json:"id"`
	Value     float64   `json:"value"`
	CreatedAt time.Time `json:"createdAt"`
}

type remoteInsight struct {
	Type        alerting.InsightType `json:"type"`
	Description string               `json:"description"`
	Confidence  float64              `json:"confidence"`
	Details     map[string]any       `json:"details"`
}

type remoteResponse struct {
	Insights []remoteInsight `json:"insights"`
}

// Analyze implements the insight adapter contract. Malformed insights in the response are dropped.
func (r *Remote) Analyze(ctx context.Context, resourceID, resourceType string, ac alerting.AnalysisContext) ([]alerting.Insight, error) {
	payload := remoteRequest{
		ResourceID:   resourceID,
		ResourceType: resourceType,
		Rule: remoteRule{
			ID:       ac.Rule.ID,
			Name:     ac.Rule.Name,
			Type:     string(ac.Rule.Type),
			Query:    ac.Rule.Query.String(),
			Severity: ac.Rule.Severity,
		},
		Threshold: ac.Rule.Threshold,
		At:        ac.At.UTC(),
	}
	if ac.Alert.ID != "" {
		payload.Alert = &remoteAlert{ID: ac.Alert.ID, Value: ac.Alert.Value, CreatedAt: ac.Alert.CreatedAt}
	}
	var resp remoteResponse
	if err := r.doJSON(ctx, payload, &resp); err != nil {
		return nil, &alerting.AdapterError{Adapter: r.Name(), Err: err}
	}
	out := make([]alerting.Insight, 0, len(resp.Insights))
	for _, item := range resp.Insights {
		insight := alerting.Insight{
			Type:         item.Type,
			Description:  item.Description,
			Confidence:   item.Confidence,
			ResourceID:   resourceID,
			ResourceType: resourceType,
			Details:      item.Details,
		}
		if insight.Validate() != nil {
			continue
		}
		out = append(out, insight)
	}
	return out, nil
}

func (r *Remote) doJSON(ctx context.Context, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	if resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
