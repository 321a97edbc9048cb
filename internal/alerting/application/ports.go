package application

import (
	"context"
	"time"

	alerting "infrawatch/internal/alerting/domain"
)

// Clock provides time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// Publisher fans out events. It must not block the caller.
type Publisher interface {
	Publish(ctx context.Context, event alerting.Event)
}

// AlertStore is the authoritative alert collection. The hook installed with
// SetCommitHook runs inside the store's per-fingerprint serialization.
type AlertStore interface {
	SetCommitHook(hook alerting.CommitHook)
	Upsert(ctx context.Context, obs alerting.Observation) (alerting.Transition, error)
	Acknowledge(ctx context.Context, id, actor, comment string) (alerting.Alert, error)
	Resolve(ctx context.Context, id, actor, resolution, rootCause string) (alerting.Alert, error)
	Get(ctx context.Context, id string) (alerting.Alert, error)
	List(ctx context.Context, filter alerting.AlertFilter) ([]alerting.Alert, int, error)
	OpenByResource(ctx context.Context, resourceID string) ([]alerting.Alert, error)
}

// InsightStore keeps insights. Link only ever grows the related alert set.
type InsightStore interface {
	Add(ctx context.Context, insight alerting.Insight) error
	Link(ctx context.Context, id string, alertIDs ...string) (alerting.Insight, bool, error)
	Get(ctx context.Context, id string) (alerting.Insight, error)
	List(ctx context.Context, filter alerting.InsightFilter) ([]alerting.Insight, int, error)
}

// InsightAdapter derives insights for a resource. Failures are reported as *alerting.AdapterError.
type InsightAdapter interface {
	Name() string
	Analyze(ctx context.Context, resourceID, resourceType string, ac alerting.AnalysisContext) ([]alerting.Insight, error)
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, alerting.Event) {}
