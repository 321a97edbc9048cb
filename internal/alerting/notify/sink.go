package notify

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	alerting "infrawatch/internal/alerting/domain"
	"infrawatch/internal/observability/metrics"
)

// DefaultDeliveryTimeout bounds one sink delivery.
const DefaultDeliveryTimeout = 10 * time.Second

// Sink consumes events from a broker subscription.
type Sink interface {
	Deliver(ctx context.Context, event alerting.Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, event alerting.Event) error

// Deliver implements Sink.
func (f SinkFunc) Deliver(ctx context.Context, event alerting.Event) error { return f(ctx, event) }

// Attachment drains one subscription into a sink on its own goroutine.
type Attachment struct {
	broker *Broker
	sub    *Subscription
	done   chan struct{}
	once   sync.Once
}

// Attach subscribes sink to broker. A slow sink only loses its own events.
func Attach(broker *Broker, name string, sink Sink, buffer int, logger zerolog.Logger) *Attachment {
	if broker == nil || sink == nil {
		return nil
	}
	a := &Attachment{
		broker: broker,
		sub:    broker.Subscribe(name, buffer),
		done:   make(chan struct{}),
	}
	log := logger.With().Str("sink", name).Logger()
	go func() {
		defer close(a.done)
		for event := range a.sub.C() {
			ctx, cancel := context.WithTimeout(context.Background(), DefaultDeliveryTimeout)
			err := sink.Deliver(ctx, event)
			cancel()
			if err != nil {
				metrics.IncSinkFailure(name)
				log.Warn().Err(err).Str("event", string(event.Kind)).Str("subject_id", event.SubjectID()).Msg("event delivery failed")
			}
		}
	}()
	return a
}

// Stop unsubscribes and waits for the in-flight delivery to return.
func (a *Attachment) Stop() {
	if a == nil {
		return
	}
	a.once.Do(func() {
		a.broker.Unsubscribe(a.sub)
	})
	<-a.done
}
