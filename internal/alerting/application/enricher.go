package application

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	alerting "infrawatch/internal/alerting/domain"
	"infrawatch/internal/observability/metrics"
)

const (
	DefaultInsightWorkers = 2
	DefaultInsightQueue   = 256
	DefaultInsightTimeout = 20 * time.Second
)

// RuleLookup resolves the rule an alert was raised by.
type RuleLookup interface {
	Get(id string) (alerting.Rule, error)
}

type enrichJob struct {
	alert alerting.Alert
}

// Enricher asks insight adapters about newly created alerts off the evaluation path
// and attaches whatever they return through the engine.
type Enricher struct {
	engine   *Engine
	rules    RuleLookup
	adapters []InsightAdapter
	workers  int
	timeout  time.Duration
	clock    Clock
	logger   zerolog.Logger

	mu     sync.Mutex
	queue  chan enrichJob
	closed bool
	wg     sync.WaitGroup
}

// EnricherOption customizes the enricher.
type EnricherOption func(*Enricher)

// WithWorkers sets the number of concurrent adapter calls.
func WithWorkers(n int) EnricherOption {
	return func(e *Enricher) {
		if n > 0 {
			e.workers = n
		}
	}
}

// WithQueueSize bounds pending jobs; jobs beyond it are dropped.
func WithQueueSize(n int) EnricherOption {
	return func(e *Enricher) {
		if n > 0 {
			e.queue = make(chan enrichJob, n)
		}
	}
}

// WithAdapterTimeout bounds one adapter call.
func WithAdapterTimeout(timeout time.Duration) EnricherOption {
	return func(e *Enricher) {
		if timeout > 0 {
			e.timeout = timeout
		}
	}
}

// NewEnricher constructs an Enricher. Call Start before delivering events.
func NewEnricher(engine *Engine, rules RuleLookup, adapters []InsightAdapter, logger zerolog.Logger, opts ...EnricherOption) (*Enricher, error) {
	if engine == nil {
		return nil, errors.New("enricher: nil engine")
	}
	if rules == nil {
		return nil, errors.New("enricher: nil rule lookup")
	}
	e := &Enricher{
		engine:   engine,
		rules:    rules,
		adapters: adapters,
		workers:  DefaultInsightWorkers,
		timeout:  DefaultInsightTimeout,
		clock:    systemClock{},
		logger:   logger.With().Str("component", "enricher").Logger(),
		queue:    make(chan enrichJob, DefaultInsightQueue),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Start launches the workers.
func (e *Enricher) Start(ctx context.Context) {
	for i := 0; i < e.workers; i++ {
		e.wg.Add(1)
		go e.work(ctx)
	}
}

// Stop stops accepting jobs and waits for the workers to drain the queue.
func (e *Enricher) Stop() {
	e.mu.Lock()
	if !e.closed {
		e.closed = true
		close(e.queue)
	}
	e.mu.Unlock()
	e.wg.Wait()
}

// Deliver queues enrichment for created alerts. It never blocks.
func (e *Enricher) Deliver(_ context.Context, event alerting.Event) error {
	if event.Kind != alerting.EventAlertCreated || event.Alert == nil || len(e.adapters) == 0 {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	select {
	case e.queue <- enrichJob{alert: event.Alert.Clone()}:
	default:
		metrics.IncEnrichmentDropped()
		e.logger.Warn().Str("alert_id", event.Alert.ID).Msg("enrichment queue full, job dropped")
	}
	return nil
}

func (e *Enricher) work(ctx context.Context) {
	defer e.wg.Done()
	for job := range e.queue {
		if ctx.Err() != nil {
			continue
		}
		e.enrich(ctx, job.alert)
	}
}

func (e *Enricher) enrich(ctx context.Context, alert alerting.Alert) {
	log := e.logger.With().Str("alert_id", alert.ID).Str("resource_id", alert.ResourceID).Logger()
	rule, err := e.rules.Get(alert.RuleID)
	if err != nil {
		log.Debug().Err(err).Msg("rule no longer active, enrichment skipped")
		return
	}
	ac := alerting.AnalysisContext{Rule: rule, Alert: alert, At: e.clock.Now()}
	for _, adapter := range e.adapters {
		callCtx, cancel := context.WithTimeout(ctx, e.timeout)
		insights, err := adapter.Analyze(callCtx, alert.ResourceID, alert.ResourceType, ac)
		cancel()
		if err != nil {
			log.Warn().Err(err).Str("adapter", adapter.Name()).Msg("insight adapter failed")
			continue
		}
		for _, insight := range insights {
			if _, err := e.engine.AttachInsight(ctx, insight); err != nil {
				log.Warn().Err(err).Str("adapter", adapter.Name()).Msg("insight rejected")
			}
		}
	}
}
