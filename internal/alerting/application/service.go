package application

import (
	"context"
	"errors"
	"fmt"

	alerting "infrawatch/internal/alerting/domain"
)

// AlertPage is a filtered alert listing.
type AlertPage struct {
	Alerts []alerting.Alert `json:"alerts"`
	Total  int              `json:"total"`
}

// InsightPage is a filtered insight listing.
type InsightPage struct {
	Insights []alerting.Insight `json:"insights"`
	Total    int                `json:"total"`
}

// Service is the in-process surface consumed by transports.
type Service struct {
	engine    *Engine
	alerts    AlertStore
	insights  InsightStore
	rules     *RuleStore
	scheduler *Scheduler
}

// NewService constructs the service. scheduler may be nil when evaluation runs elsewhere.
func NewService(engine *Engine, rules *RuleStore, scheduler *Scheduler) (*Service, error) {
	if engine == nil {
		return nil, errors.New("alerting: nil engine")
	}
	if rules == nil {
		return nil, errors.New("alerting: nil rule store")
	}
	return &Service{
		engine:    engine,
		alerts:    engine.alerts,
		insights:  engine.insights,
		rules:     rules,
		scheduler: scheduler,
	}, nil
}

// ListAlerts returns matching alerts, newest first.
func (s *Service) ListAlerts(ctx context.Context, filter alerting.AlertFilter) (AlertPage, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return AlertPage{}, fmt.Errorf("%w: unknown status %q", alerting.ErrInvalidInput, filter.Status)
	}
	if filter.Severity != "" && !filter.Severity.Valid() {
		return AlertPage{}, fmt.Errorf("%w: unknown severity %q", alerting.ErrInvalidInput, filter.Severity)
	}
	alerts, total, err := s.alerts.List(ctx, filter)
	if err != nil {
		return AlertPage{}, err
	}
	return AlertPage{Alerts: alerts, Total: total}, nil
}

// GetAlert returns an alert with its history.
func (s *Service) GetAlert(ctx context.Context, id string) (alerting.Alert, error) {
	return s.alerts.Get(ctx, id)
}

// AcknowledgeAlert claims an active alert.
func (s *Service) AcknowledgeAlert(ctx context.Context, id, comment, actor string) (alerting.Alert, error) {
	return s.engine.Acknowledge(ctx, id, actor, comment)
}

// ResolveAlert closes an open alert.
func (s *Service) ResolveAlert(ctx context.Context, id, resolution, rootCause, actor string) (alerting.Alert, error) {
	return s.engine.Resolve(ctx, id, actor, resolution, rootCause)
}

// ListInsights returns matching insights, newest first.
func (s *Service) ListInsights(ctx context.Context, filter alerting.InsightFilter) (InsightPage, error) {
	if filter.Type != "" && !filter.Type.Valid() {
		return InsightPage{}, fmt.Errorf("%w: unknown insight type %q", alerting.ErrInvalidInput, filter.Type)
	}
	if filter.MinConfidence < 0 || filter.MinConfidence > 1 {
		return InsightPage{}, fmt.Errorf("%w: minConfidence must be within [0,1]", alerting.ErrInvalidInput)
	}
	insights, total, err := s.insights.List(ctx, filter)
	if err != nil {
		return InsightPage{}, err
	}
	return InsightPage{Insights: insights, Total: total}, nil
}

// GetInsight returns one insight.
func (s *Service) GetInsight(ctx context.Context, id string) (alerting.Insight, error) {
	return s.insights.Get(ctx, id)
}

// AttachInsight accepts an externally produced insight.
func (s *Service) AttachInsight(ctx context.Context, insight alerting.Insight) (alerting.Insight, error) {
	return s.engine.AttachInsight(ctx, insight)
}

// Rules returns the active rule set.
func (s *Service) Rules() []alerting.Rule {
	return s.rules.Rules()
}

// ReloadRules re-reads the rule source; a rejected set leaves the active one in place.
func (s *Service) ReloadRules(ctx context.Context) (*RuleSet, error) {
	return s.rules.Reload(ctx)
}

// EvaluationStatus returns per-rule scheduler status.
func (s *Service) EvaluationStatus() []EvaluationStatus {
	if s.scheduler == nil {
		return nil
	}
	return s.scheduler.Status()
}
