package application

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	alerting "infrawatch/internal/alerting/domain"
	"infrawatch/internal/datasource"
	"infrawatch/internal/observability/metrics"
)

const (
	// DefaultQueryTimeout bounds one adapter call when a rule sets no timeout.
	DefaultQueryTimeout = 30 * time.Second
	// DefaultMaxConcurrency caps rule evaluations running at once.
	DefaultMaxConcurrency = 8
	// DefaultSampleParallelism caps samples processed at once within one tick.
	DefaultSampleParallelism = 4
)

// EvaluationStatus is the outcome of a rule's most recent tick.
type EvaluationStatus struct {
	RuleID              string        `json:"ruleId"`
	Source              string        `json:"source"`
	LastStart           time.Time     `json:"lastStart"`
	LastDuration        time.Duration `json:"lastDurationNs"`
	LastError           string        `json:"lastError,omitempty"`
	LastErrorKind       string        `json:"lastErrorKind,omitempty"`
	ConsecutiveFailures int           `json:"consecutiveFailures"`
	Samples             int           `json:"samples"`
	Runs                int64         `json:"runs"`
}

// Scheduler runs every enabled rule on its own interval under a global concurrency ceiling.
type Scheduler struct {
	adapter           datasource.Adapter
	engine            *Engine
	sem               *semaphore.Weighted
	defaultTimeout    time.Duration
	sampleParallelism int
	clock             Clock
	logger            zerolog.Logger

	mu     sync.Mutex
	base   context.Context
	loops  map[string]*ruleLoop
	status map[string]EvaluationStatus
	wg     sync.WaitGroup
}

type ruleLoop struct {
	rule   alerting.Rule
	cancel context.CancelFunc
}

// SchedulerOption customizes the scheduler.
type SchedulerOption func(*Scheduler)

// WithMaxConcurrency sets the global evaluation ceiling.
func WithMaxConcurrency(n int) SchedulerOption {
	return func(s *Scheduler) {
		if n > 0 {
			s.sem = semaphore.NewWeighted(int64(n))
		}
	}
}

// WithDefaultTimeout sets the adapter timeout used when a rule sets none.
func WithDefaultTimeout(timeout time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		if timeout > 0 {
			s.defaultTimeout = timeout
		}
	}
}

// WithSampleParallelism caps concurrent sample processing within one tick.
func WithSampleParallelism(n int) SchedulerOption {
	return func(s *Scheduler) {
		if n > 0 {
			s.sampleParallelism = n
		}
	}
}

// WithSchedulerClock assigns the clock used for query ranges and sample time.
func WithSchedulerClock(clock Clock) SchedulerOption {
	return func(s *Scheduler) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// NewScheduler constructs a Scheduler.
func NewScheduler(adapter datasource.Adapter, engine *Engine, logger zerolog.Logger, opts ...SchedulerOption) (*Scheduler, error) {
	if adapter == nil {
		return nil, errors.New("scheduler: nil adapter")
	}
	if engine == nil {
		return nil, errors.New("scheduler: nil engine")
	}
	s := &Scheduler{
		adapter:           adapter,
		engine:            engine,
		sem:               semaphore.NewWeighted(DefaultMaxConcurrency),
		defaultTimeout:    DefaultQueryTimeout,
		sampleParallelism: DefaultSampleParallelism,
		clock:             systemClock{},
		logger:            logger,
		loops:             make(map[string]*ruleLoop),
		status:            make(map[string]EvaluationStatus),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Start begins scheduling set. Loops stop when ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context, set *RuleSet) {
	s.mu.Lock()
	s.base = ctx
	s.mu.Unlock()
	s.Sync(set)
}

// Sync reconciles running loops with set: removed or disabled rules stop, new rules
// start and changed rules restart. Evaluations already in flight run to completion.
func (s *Scheduler) Sync(set *RuleSet) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.base == nil || s.base.Err() != nil {
		return
	}
	desired := make(map[string]alerting.Rule)
	for _, rule := range set.Enabled() {
		desired[rule.ID] = rule
	}
	for id, loop := range s.loops {
		rule, keep := desired[id]
		if keep && reflect.DeepEqual(rule, loop.rule) {
			continue
		}
		loop.cancel()
		delete(s.loops, id)
		if !keep {
			delete(s.status, id)
		}
		s.logger.Info().Str("rule_id", id).Bool("changed", keep).Msg("rule loop stopped")
	}
	for id, rule := range desired {
		if _, running := s.loops[id]; running {
			continue
		}
		ctx, cancel := context.WithCancel(s.base)
		loop := &ruleLoop{rule: rule, cancel: cancel}
		s.loops[id] = loop
		s.wg.Add(1)
		go s.run(ctx, loop)
	}
}

// Running returns the ids of rules with an active loop.
func (s *Scheduler) Running() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.loops))
	for id := range s.loops {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Wait blocks until every loop has exited after the Start context is cancelled.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) run(ctx context.Context, loop *ruleLoop) {
	defer s.wg.Done()
	rule := loop.rule
	log := s.logger.With().Str("rule_id", rule.ID).Logger()
	log.Info().Dur("interval", rule.Interval()).Msg("rule loop started")

	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		if err := s.sem.Acquire(ctx, 1); err != nil {
			return
		}
		started := time.Now()
		_ = s.RunOnce(ctx, rule)
		s.sem.Release(1)

		// Next tick is measured from the start; an overrun fires immediately instead of stacking.
		wait := rule.Interval() - time.Since(started)
		if wait < 0 {
			wait = 0
		}
		timer.Reset(wait)
	}
}

// RunOnce evaluates rule one time. Cancelling ctx does not abort an adapter call
// already issued; the call is bounded by the rule's timeout instead.
func (s *Scheduler) RunOnce(ctx context.Context, rule alerting.Rule) error {
	started := time.Now()
	now := s.clock.Now()
	evalCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), rule.Timeout(s.defaultTimeout))
	defer cancel()

	source := string(rule.Type)
	log := s.logger.With().Str("rule_id", rule.ID).Str("source", source).Logger()

	result, err := s.adapter.Query(evalCtx, datasource.RequestFor(rule, now))
	if err != nil {
		kind := alerting.QueryErrorBackend
		var qerr *alerting.QueryError
		if errors.As(err, &qerr) {
			kind = qerr.Kind
		}
		outcome := metrics.ResultError
		if kind == alerting.QueryErrorTimeout {
			outcome = metrics.ResultTimeout
		}
		metrics.IncQueryFailure(source, string(kind))
		metrics.ObserveEvaluation(source, outcome, time.Since(started))
		s.record(rule, now, time.Since(started), 0, err, string(kind))
		log.Warn().Err(err).Str("kind", string(kind)).Msg("rule evaluation failed")
		return err
	}

	samples := Reduce(rule, result)
	metrics.AddSamples(source, len(samples))
	if dropped := unusableSeries(result); dropped > 0 {
		log.Debug().Int("series", dropped).Msg("skipped series without a finite sample")
	}

	var (
		errMu sync.Mutex
		errs  []error
	)
	g, gctx := errgroup.WithContext(evalCtx)
	g.SetLimit(s.sampleParallelism)
	for _, sample := range samples {
		sample := sample
		g.Go(func() error {
			if _, err := s.engine.Process(gctx, rule, sample.ResourceID, sample.Value, now); err != nil {
				errMu.Lock()
				errs = append(errs, fmt.Errorf("resource %s: %w", sample.ResourceID, err))
				errMu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	err = errors.Join(errs...)

	outcome := metrics.ResultSuccess
	if err != nil {
		outcome = metrics.ResultError
		log.Error().Err(err).Msg("alert processing failed for some samples")
	}
	metrics.ObserveEvaluation(source, outcome, time.Since(started))
	s.record(rule, now, time.Since(started), len(samples), err, "")
	log.Debug().Int("series", len(result.Series)).Int("samples", len(samples)).Dur("took", time.Since(started)).Msg("rule evaluated")
	return err
}

func (s *Scheduler) record(rule alerting.Rule, start time.Time, took time.Duration, samples int, err error, kind string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.base != nil {
		if _, scheduled := s.loops[rule.ID]; !scheduled {
			return
		}
	}
	st := s.status[rule.ID]
	st.RuleID = rule.ID
	st.Source = string(rule.Type)
	st.LastStart = start
	st.LastDuration = took
	st.Samples = samples
	st.Runs++
	if err != nil {
		st.LastError = err.Error()
		st.LastErrorKind = kind
		st.ConsecutiveFailures++
	} else {
		st.LastError = ""
		st.LastErrorKind = ""
		st.ConsecutiveFailures = 0
	}
	s.status[rule.ID] = st
}

// Status returns the latest evaluation status of every scheduled rule.
func (s *Scheduler) Status() []EvaluationStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]EvaluationStatus, 0, len(s.status))
	for _, st := range s.status {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RuleID < out[j].RuleID })
	return out
}
