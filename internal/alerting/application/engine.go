package application

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	alerting "infrawatch/internal/alerting/domain"
	"infrawatch/internal/observability/metrics"
)

// Engine turns evaluation samples and operator actions into alert transitions
// and publishes an event for every committed change.
type Engine struct {
	alerts    AlertStore
	insights  InsightStore
	publisher Publisher
	clock     Clock
	newID     func() string
	logger    zerolog.Logger
}

// EngineOption customizes the engine.
type EngineOption func(*Engine)

// WithPublisher assigns the event publisher.
func WithPublisher(publisher Publisher) EngineOption {
	return func(e *Engine) {
		if publisher != nil {
			e.publisher = publisher
		}
	}
}

// WithClock assigns a clock.
func WithClock(clock Clock) EngineOption {
	return func(e *Engine) {
		if clock != nil {
			e.clock = clock
		}
	}
}

// WithInsightIDs overrides insight id generation.
func WithInsightIDs(fn func() string) EngineOption {
	return func(e *Engine) {
		if fn != nil {
			e.newID = fn
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) EngineOption {
	return func(e *Engine) {
		e.logger = logger
	}
}

// NewEngine constructs an alert engine.
func NewEngine(alerts AlertStore, insights InsightStore, opts ...EngineOption) (*Engine, error) {
	if alerts == nil {
		return nil, errors.New("alerting: nil alert store")
	}
	if insights == nil {
		return nil, errors.New("alerting: nil insight store")
	}
	e := &Engine{
		alerts:    alerts,
		insights:  insights,
		publisher: nopPublisher{},
		clock:     systemClock{},
		newID:     uuid.NewString,
		logger:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	alerts.SetCommitHook(e.committed)
	return e, nil
}

// committed publishes a store change. It runs under the alert's fingerprint
// lock, so events for one alert leave in commit order.
func (e *Engine) committed(ctx context.Context, kind alerting.EventKind, alert alerting.Alert) {
	e.emit(ctx, alerting.NewAlertEvent(kind, alert, e.clock.Now()))
}

// Process applies one (rule, resource, value) sample.
func (e *Engine) Process(ctx context.Context, rule alerting.Rule, resourceID string, value float64, at time.Time) (alerting.Transition, error) {
	if at.IsZero() {
		at = e.clock.Now()
	}
	tr, err := e.alerts.Upsert(ctx, alerting.Observation{Rule: rule, ResourceID: resourceID, Value: value, At: at})
	if err != nil {
		return alerting.Transition{}, err
	}
	kind, ok := tr.EventKind()
	if !ok {
		return tr, nil
	}
	e.logger.Info().
		Str("event", string(kind)).
		Str("alert_id", tr.Alert.ID).
		Str("rule_id", rule.ID).
		Str("resource_id", resourceID).
		Str("fingerprint", tr.Alert.Fingerprint).
		Float64("value", value).
		Msg("alert transition")
	return tr, nil
}

// Acknowledge claims an active alert on behalf of actor.
func (e *Engine) Acknowledge(ctx context.Context, id, actor, comment string) (alerting.Alert, error) {
	if strings.TrimSpace(actor) == "" {
		return alerting.Alert{}, fmt.Errorf("%w: actor required", alerting.ErrInvalidInput)
	}
	alert, err := e.alerts.Acknowledge(ctx, id, actor, comment)
	if err != nil {
		return alerting.Alert{}, err
	}
	e.logger.Info().Str("alert_id", id).Str("actor", actor).Msg("alert acknowledged")
	return alert, nil
}

// Resolve closes an open alert on behalf of actor.
func (e *Engine) Resolve(ctx context.Context, id, actor, resolution, rootCause string) (alerting.Alert, error) {
	if strings.TrimSpace(actor) == "" {
		return alerting.Alert{}, fmt.Errorf("%w: actor required", alerting.ErrInvalidInput)
	}
	if strings.TrimSpace(resolution) == "" {
		return alerting.Alert{}, fmt.Errorf("%w: resolution required", alerting.ErrInvalidInput)
	}
	alert, err := e.alerts.Resolve(ctx, id, actor, resolution, rootCause)
	if err != nil {
		return alerting.Alert{}, err
	}
	e.logger.Info().Str("alert_id", id).Str("actor", actor).Msg("alert resolved")
	return alert, nil
}

// AttachInsight stores an insight, links it to the open alerts of its resource and publishes it.
// Linking is best-effort: a failure is logged and the stored insight is still returned.
func (e *Engine) AttachInsight(ctx context.Context, insight alerting.Insight) (alerting.Insight, error) {
	if insight.ID == "" {
		insight.ID = e.newID()
	}
	if insight.CreatedAt.IsZero() {
		insight.CreatedAt = e.clock.Now()
	}
	insight.CreatedAt = insight.CreatedAt.UTC()
	if err := insight.Validate(); err != nil {
		return alerting.Insight{}, fmt.Errorf("%w: %v", alerting.ErrInvalidInput, err)
	}
	insight, _ = insight.WithRelated()
	if err := e.insights.Add(ctx, insight); err != nil {
		return alerting.Insight{}, err
	}
	metrics.IncInsight(string(insight.Type))

	log := e.logger.With().Str("insight_id", insight.ID).Str("resource_id", insight.ResourceID).Logger()
	if linked, err := e.correlate(ctx, insight); err != nil {
		log.Warn().Err(err).Msg("insight correlation failed")
	} else {
		insight = linked
	}
	log.Info().Str("type", string(insight.Type)).Float64("confidence", insight.Confidence).Strs("related_alerts", insight.RelatedAlerts).Msg("insight attached")
	e.emit(ctx, alerting.NewInsightEvent(insight, e.clock.Now()))
	return insight, nil
}

func (e *Engine) correlate(ctx context.Context, insight alerting.Insight) (alerting.Insight, error) {
	open, err := e.alerts.OpenByResource(ctx, insight.ResourceID)
	if err != nil {
		return insight, err
	}
	if len(open) == 0 {
		return insight, nil
	}
	ids := make([]string, 0, len(open))
	for _, alert := range open {
		ids = append(ids, alert.ID)
	}
	linked, _, err := e.insights.Link(ctx, insight.ID, ids...)
	if err != nil {
		return insight, err
	}
	return linked, nil
}

func (e *Engine) emit(ctx context.Context, event alerting.Event) {
	metrics.IncAlertEvent(string(event.Kind))
	e.publisher.Publish(ctx, event)
}
