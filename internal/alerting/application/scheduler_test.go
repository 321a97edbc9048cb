package application

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	alerting "infrawatch/internal/alerting/domain"
	"infrawatch/internal/datasource"
)

type stubAdapter struct {
	mu      sync.Mutex
	results map[string]datasource.Result
	errs    map[string]error
	block   map[string]bool
	calls   map[string]int
}

func newStubAdapter() *stubAdapter {
	return &stubAdapter{
		results: make(map[string]datasource.Result),
		errs:    make(map[string]error),
		block:   make(map[string]bool),
		calls:   make(map[string]int),
	}
}

func (s *stubAdapter) Query(ctx context.Context, req datasource.Request) (datasource.Result, error) {
	key := req.Query.String()
	s.mu.Lock()
	s.calls[key]++
	block := s.block[key]
	result, err := s.results[key], s.errs[key]
	s.mu.Unlock()
	if block {
		<-ctx.Done()
		return datasource.Result{}, datasource.Classify(ctx, req.Source, ctx.Err())
	}
	return result, err
}

func (s *stubAdapter) callCount(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[key]
}

// gaugeAdapter records call timing and the peak number of concurrent queries.
type gaugeAdapter struct {
	hold    time.Duration
	release chan struct{}
	err     error

	mu       sync.Mutex
	inFlight int
	peak     int
	starts   []time.Time
	ends     []time.Time
}

func (g *gaugeAdapter) Query(ctx context.Context, _ datasource.Request) (datasource.Result, error) {
	g.mu.Lock()
	g.inFlight++
	if g.inFlight > g.peak {
		g.peak = g.inFlight
	}
	g.starts = append(g.starts, time.Now())
	g.mu.Unlock()
	defer func() {
		g.mu.Lock()
		g.inFlight--
		g.ends = append(g.ends, time.Now())
		g.mu.Unlock()
	}()

	if g.release != nil {
		select {
		case <-g.release:
		case <-ctx.Done():
		}
	}
	if g.hold > 0 {
		time.Sleep(g.hold)
	}
	return datasource.Result{}, g.err
}

func (g *gaugeAdapter) snapshot() (inFlight, peak int, starts, ends []time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.inFlight, g.peak, append([]time.Time(nil), g.starts...), append([]time.Time(nil), g.ends...)
}

func series(instance string, values ...float64) datasource.Series {
	base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	points := make([]datasource.Point, 0, len(values))
	for i, v := range values {
		points = append(points, datasource.Point{Timestamp: base.Add(time.Duration(i) * time.Minute), Value: v})
	}
	return datasource.Series{Name: "cpu_usage", Labels: map[string]string{"instance": instance}, Points: points}
}

func newTestScheduler(t *testing.T, adapter datasource.Adapter, opts ...SchedulerOption) (*Scheduler, *testEnv) {
	t.Helper()
	env := newTestEnv(t)
	base := []SchedulerOption{WithSchedulerClock(env.clock)}
	sched, err := NewScheduler(adapter, env.engine, nopLogger(), append(base, opts...)...)
	require.NoError(t, err)
	return sched, env
}

func TestRunOnceCreatesAlertPerBreachingResource(t *testing.T) {
	adapter := newStubAdapter()
	rule := cpuRule()
	adapter.results[rule.Query.String()] = datasource.Result{Series: []datasource.Series{
		series("server-001", 70, 92.5),
		series("server-002", 40),
		{Name: "cpu_usage", Labels: map[string]string{"instance": "server-003"}},
	}}
	sched, env := newTestScheduler(t, adapter)

	require.NoError(t, sched.RunOnce(context.Background(), rule))

	page, total, err := env.alerts.List(context.Background(), alerting.AlertFilter{})
	require.NoError(t, err)
	require.Equal(t, 1, total)
	assert.Equal(t, "server-001", page[0].ResourceID)
	assert.Equal(t, 92.5, page[0].Value)
}

func TestRunOnceFailureLeavesAlertsUntouched(t *testing.T) {
	adapter := newStubAdapter()
	rule := cpuRule()
	adapter.results[rule.Query.String()] = datasource.Result{Series: []datasource.Series{series("server-001", 92.5)}}
	sched, env := newTestScheduler(t, adapter)
	ctx := context.Background()
	require.NoError(t, sched.RunOnce(ctx, rule))

	adapter.mu.Lock()
	adapter.errs[rule.Query.String()] = alerting.NewQueryError(alerting.SourcePrometheus, alerting.QueryErrorBackend, errors.New("502"))
	adapter.mu.Unlock()

	err := sched.RunOnce(ctx, rule)
	var qerr *alerting.QueryError
	require.ErrorAs(t, err, &qerr)

	open, err := env.alerts.OpenByResource(ctx, "server-001")
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, alerting.StatusActive, open[0].Status)

	status := sched.Status()
	require.Len(t, status, 1)
	assert.Equal(t, 1, status[0].ConsecutiveFailures)
	assert.Equal(t, string(alerting.QueryErrorBackend), status[0].LastErrorKind)
	assert.Equal(t, int64(2), status[0].Runs)
}

func TestRunOnceClassifiesTimeout(t *testing.T) {
	adapter := newStubAdapter()
	rule := cpuRule()
	adapter.block[rule.Query.String()] = true
	sched, _ := newTestScheduler(t, adapter, WithDefaultTimeout(50*time.Millisecond))

	started := time.Now()
	err := sched.RunOnce(context.Background(), rule)
	var qerr *alerting.QueryError
	require.ErrorAs(t, err, &qerr)
	assert.Equal(t, alerting.QueryErrorTimeout, qerr.Kind)
	assert.Less(t, time.Since(started), 5*time.Second)
}

func TestSchedulerIsolatesFailingRules(t *testing.T) {
	adapter := newStubAdapter()
	healthy := cpuRule()
	healthy.EvaluationIntervalSeconds = 1
	broken := memRule()
	broken.EvaluationIntervalSeconds = 1
	adapter.results[healthy.Query.String()] = datasource.Result{Series: []datasource.Series{series("server-001", 95)}}
	adapter.errs[broken.Query.String()] = alerting.NewQueryError(alerting.SourcePrometheus, alerting.QueryErrorInvalidQuery, errors.New("parse error"))

	sched, env := newTestScheduler(t, adapter, WithMaxConcurrency(1))
	set, err := BuildRuleSet("test", []alerting.Rule{healthy, broken})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	sched.Start(ctx, set)
	assert.Equal(t, []string{"cpu-high", "mem-high"}, sched.Running())

	require.Eventually(t, func() bool {
		return adapter.callCount(healthy.Query.String()) >= 1 && adapter.callCount(broken.Query.String()) >= 1
	}, 3*time.Second, 10*time.Millisecond)
	cancel()
	sched.Wait()

	open, err := env.alerts.OpenByResource(context.Background(), "server-001")
	require.NoError(t, err)
	assert.Len(t, open, 1)
}

func TestSchedulerHonoursConcurrencyCeiling(t *testing.T) {
	adapter := &gaugeAdapter{release: make(chan struct{})}
	rules := make([]alerting.Rule, 0, 5)
	for i := 0; i < 5; i++ {
		rule := cpuRule()
		rule.ID = fmt.Sprintf("cpu-high-%d", i)
		rule.Query.Prometheus = &alerting.PrometheusQuery{Expr: fmt.Sprintf("cpu_usage{shard=\"%d\"}", i)}
		rules = append(rules, rule)
	}
	set, err := BuildRuleSet("test", rules)
	require.NoError(t, err)
	sched, _ := newTestScheduler(t, adapter, WithMaxConcurrency(2))

	ctx, cancel := context.WithCancel(context.Background())
	sched.Start(ctx, set)
	require.Eventually(t, func() bool {
		inFlight, _, _, _ := adapter.snapshot()
		return inFlight == 2
	}, 3*time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	_, peak, starts, _ := adapter.snapshot()
	assert.Equal(t, 2, peak)
	assert.Len(t, starts, 2)

	close(adapter.release)
	require.Eventually(t, func() bool {
		_, _, starts, ends := adapter.snapshot()
		return len(starts) == 5 && len(ends) == 5
	}, 3*time.Second, 5*time.Millisecond)
	cancel()
	sched.Wait()

	_, peak, _, _ = adapter.snapshot()
	assert.Equal(t, 2, peak)
}

func TestSchedulerOverrunRunsNextTickImmediately(t *testing.T) {
	adapter := &gaugeAdapter{hold: 1300 * time.Millisecond}
	rule := cpuRule()
	rule.EvaluationIntervalSeconds = 1
	set, err := BuildRuleSet("test", []alerting.Rule{rule})
	require.NoError(t, err)
	sched, _ := newTestScheduler(t, adapter)

	ctx, cancel := context.WithCancel(context.Background())
	sched.Start(ctx, set)
	require.Eventually(t, func() bool {
		_, _, starts, _ := adapter.snapshot()
		return len(starts) >= 3
	}, 10*time.Second, 10*time.Millisecond)
	cancel()
	sched.Wait()

	_, peak, starts, ends := adapter.snapshot()
	assert.Equal(t, 1, peak)
	for i := 1; i < len(starts) && i <= len(ends); i++ {
		gap := starts[i].Sub(ends[i-1])
		assert.GreaterOrEqual(t, gap, time.Duration(0))
		assert.Less(t, gap, 500*time.Millisecond)
	}
}

func TestSchedulerQueriesFailingRuleOncePerTick(t *testing.T) {
	adapter := &gaugeAdapter{err: alerting.NewQueryError(alerting.SourcePrometheus, alerting.QueryErrorBackend, errors.New("502"))}
	rule := cpuRule()
	rule.EvaluationIntervalSeconds = 1
	sched, _ := newTestScheduler(t, adapter)

	require.Error(t, sched.RunOnce(context.Background(), rule))
	_, _, starts, _ := adapter.snapshot()
	require.Len(t, starts, 1)

	set, err := BuildRuleSet("test", []alerting.Rule{rule})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	began := time.Now()
	sched.Start(ctx, set)
	time.Sleep(2500 * time.Millisecond)
	cancel()
	sched.Wait()
	elapsed := time.Since(began)

	_, _, starts, _ = adapter.snapshot()
	ticks := len(starts) - 1
	assert.GreaterOrEqual(t, ticks, 2)
	assert.LessOrEqual(t, ticks, int(elapsed/rule.Interval())+1)

	status := sched.Status()
	require.Len(t, status, 1)
	assert.Equal(t, int64(len(starts)), status[0].Runs)
	assert.Equal(t, len(starts), status[0].ConsecutiveFailures)
}

func TestSchedulerStartPicksUpReloadBeforeStart(t *testing.T) {
	source := &mutableSource{rules: []alerting.Rule{cpuRule()}}
	store, err := NewRuleStore(source, nopLogger())
	require.NoError(t, err)
	sched, _ := newTestScheduler(t, newStubAdapter())
	store.OnReload(sched.Sync)
	loaded, err := store.Load(context.Background())
	require.NoError(t, err)

	source.set([]alerting.Rule{cpuRule(), memRule()}, nil)
	_, err = store.Reload(context.Background())
	require.NoError(t, err)
	assert.Empty(t, sched.Running())

	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		sched.Wait()
	}()
	sched.Start(ctx, store.Current())
	assert.Equal(t, 1, loaded.Len())
	assert.Equal(t, []string{"cpu-high", "mem-high"}, sched.Running())
}

func TestSchedulerSyncStopsRemovedRules(t *testing.T) {
	adapter := newStubAdapter()
	sched, _ := newTestScheduler(t, adapter)
	first, err := BuildRuleSet("test", []alerting.Rule{cpuRule(), memRule()})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		sched.Wait()
	}()
	sched.Start(ctx, first)
	assert.Len(t, sched.Running(), 2)

	second, err := BuildRuleSet("test", []alerting.Rule{memRule()})
	require.NoError(t, err)
	sched.Sync(second)
	assert.Equal(t, []string{"mem-high"}, sched.Running())

	for _, st := range sched.Status() {
		assert.NotEqual(t, "cpu-high", st.RuleID)
	}
}

func TestReduceSelectsLatestPointPerResource(t *testing.T) {
	rule := cpuRule()
	rule.ResourceSelector.Match = map[string]string{"env": "prod"}
	prod := func(s datasource.Series) datasource.Series {
		s.Labels["env"] = "prod"
		return s
	}
	result := datasource.Result{Series: []datasource.Series{
		prod(series("server-001", 10, 20)),
		prod(series("server-001", 30, 40, 50)),
		series("server-002", 99),
		prod(datasource.Series{Labels: map[string]string{}, Points: []datasource.Point{{Value: 1}}}),
	}}

	samples := Reduce(rule, result)
	require.Len(t, samples, 1)
	assert.Equal(t, "server-001", samples[0].ResourceID)
	assert.Equal(t, 50.0, samples[0].Value)
}

func TestReduceSkipsNonFiniteSamples(t *testing.T) {
	result := datasource.Result{Series: []datasource.Series{
		series("server-001", 91, math.NaN()),
		series("server-002", math.NaN(), math.Inf(-1)),
		series("server-003"),
	}}

	samples := Reduce(cpuRule(), result)
	require.Len(t, samples, 1)
	assert.Equal(t, "server-001", samples[0].ResourceID)
	assert.Equal(t, 91.0, samples[0].Value)
	assert.Equal(t, 1, unusableSeries(result))
}

func TestReduceFallsBackToInstanceLabel(t *testing.T) {
	rule := cpuRule()
	rule.ResourceSelector.Label = ""
	result := datasource.Result{Series: []datasource.Series{
		{Labels: map[string]string{"resource_id": "vm-1"}, Points: []datasource.Point{{Value: 1}}},
		{Labels: map[string]string{"instance": "vm-2"}, Points: []datasource.Point{{Value: 2}}},
	}}
	samples := Reduce(rule, result)
	require.Len(t, samples, 2)
	assert.Equal(t, "vm-1", samples[0].ResourceID)
	assert.Equal(t, "vm-2", samples[1].ResourceID)
}
