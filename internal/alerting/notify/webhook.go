package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Channel delivers a rendered Message.
type Channel interface {
	Send(ctx context.Context, msg Message) error
}

// WebhookChannel posts messages as JSON. Server errors and 429 responses are
// retried with a linear backoff; other failures return immediately.
type WebhookChannel struct {
	endpoint string
	client   *http.Client
	attempts int
	backoff  time.Duration
}

// WebhookOption configures a WebhookChannel.
type WebhookOption func(*WebhookChannel)

// WithHTTPClient replaces the default client.
func WithHTTPClient(client *http.Client) WebhookOption {
	return func(w *WebhookChannel) {
		if client != nil {
			w.client = client
		}
	}
}

// WithRetry sets the total attempts per message and the delay step.
func WithRetry(attempts int, backoff time.Duration) WebhookOption {
	return func(w *WebhookChannel) {
		if attempts > 0 {
			w.attempts = attempts
		}
		if backoff >= 0 {
			w.backoff = backoff
		}
	}
}

// NewWebhookChannel validates endpoint and builds the channel.
func NewWebhookChannel(endpoint string, opts ...WebhookOption) (*WebhookChannel, error) {
	u, err := url.Parse(endpoint)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("notify: invalid webhook url %q", endpoint)
	}
	w := &WebhookChannel{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 10 * time.Second},
		attempts: 3,
		backoff:  500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

type webhookBody struct {
	Message
	SentAt time.Time `json:"sentAt"`
}

// Send posts msg, retrying transient failures until ctx ends.
func (w *WebhookChannel) Send(ctx context.Context, msg Message) error {
	body, err := json.Marshal(webhookBody{Message: msg, SentAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("notify: encode webhook body: %w", err)
	}
	var lastErr error
	for attempt := 1; attempt <= w.attempts; attempt++ {
		retry, err := w.post(ctx, msg.Kind, body)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retry || attempt == w.attempts {
			break
		}
		select {
		case <-ctx.Done():
			return errors.Join(lastErr, ctx.Err())
		case <-time.After(time.Duration(attempt) * w.backoff):
		}
	}
	return lastErr
}

func (w *WebhookChannel) post(ctx context.Context, kind string, body []byte) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.endpoint, bytes.NewReader(body))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "infrawatch-notifier")
	req.Header.Set("X-Infrawatch-Event", kind)
	resp, err := w.client.Do(req)
	if err != nil {
		return ctx.Err() == nil, fmt.Errorf("notify: webhook post: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode/100 == 2 {
		return false, nil
	}
	retry := resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests
	return retry, fmt.Errorf("notify: webhook returned %s", resp.Status)
}
