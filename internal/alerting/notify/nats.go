package notify

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	alerting "infrawatch/internal/alerting/domain"
)

// DefaultSubjectPrefix is prepended to the event kind.
const DefaultSubjectPrefix = "infrawatch"

// NATSSink publishes events as JSON on "<prefix>.<kind>", e.g. infrawatch.alert.created.
type NATSSink struct {
	conn   *nats.Conn
	prefix string
	owned  bool
}

// DialNATS connects to url and returns a sink that owns the connection.
func DialNATS(url, prefix string, logger zerolog.Logger) (*NATSSink, error) {
	if url == "" {
		return nil, errors.New("nats sink: empty url")
	}
	conn, err := nats.Connect(url,
		nats.Name("infrawatch"),
		nats.Timeout(2*time.Second),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn().Err(err).Msg("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info().Str("url", c.ConnectedUrl()).Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, err
	}
	sink, err := NewNATSSink(conn, prefix)
	if err != nil {
		conn.Close()
		return nil, err
	}
	sink.owned = true
	return sink, nil
}

// NewNATSSink wraps an existing connection.
func NewNATSSink(conn *nats.Conn, prefix string) (*NATSSink, error) {
	if conn == nil {
		return nil, errors.New("nats sink: nil connection")
	}
	prefix = strings.Trim(prefix, ".")
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &NATSSink{conn: conn, prefix: prefix}, nil
}

// Subject returns the subject an event kind is published on.
func (s *NATSSink) Subject(kind alerting.EventKind) string {
	return s.prefix + "." + string(kind)
}

// Deliver implements Sink.
func (s *NATSSink) Deliver(_ context.Context, event alerting.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return s.conn.Publish(s.Subject(event.Kind), payload)
}

// Close drains the connection when the sink owns it.
func (s *NATSSink) Close() {
	if s == nil || !s.owned || s.conn == nil {
		return
	}
	_ = s.conn.Drain()
	s.conn.Close()
}
