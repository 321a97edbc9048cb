package notify

import (
	"context"

	alerting "infrawatch/internal/alerting/domain"
)

// Publisher accepts events on the mutation path and must not block.
type Publisher interface {
	Publish(ctx context.Context, event alerting.Event)
}

// MultiPublisher dispatches events to multiple publishers.
type MultiPublisher struct {
	publishers []Publisher
}

// NewMultiPublisher constructs a MultiPublisher.
func NewMultiPublisher(publishers ...Publisher) *MultiPublisher {
	return &MultiPublisher{publishers: publishers}
}

// Publish forwards events to all publishers.
func (m *MultiPublisher) Publish(ctx context.Context, event alerting.Event) {
	if m == nil {
		return
	}
	for _, publisher := range m.publishers {
		if publisher != nil {
			publisher.Publish(ctx, event)
		}
	}
}
