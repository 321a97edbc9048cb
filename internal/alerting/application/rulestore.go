package application

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	alerting "infrawatch/internal/alerting/domain"
	"infrawatch/internal/observability/metrics"
)

// RuleSource loads the complete rule set from its backing storage.
type RuleSource interface {
	Name() string
	Load(ctx context.Context) ([]alerting.Rule, error)
}

// RuleSet is an immutable, validated set of rules.
type RuleSet struct {
	rules    []alerting.Rule
	byID     map[string]alerting.Rule
	version  int64
	loadedAt time.Time
}

// BuildRuleSet validates rules and rejects the whole set on any violation.
func BuildRuleSet(source string, rules []alerting.Rule) (*RuleSet, error) {
	var violations []string
	byID := make(map[string]alerting.Rule, len(rules))
	ordered := make([]alerting.Rule, 0, len(rules))
	for i, rule := range rules {
		if v := rule.Validate(); len(v) > 0 {
			violations = append(violations, v...)
			continue
		}
		if _, dup := byID[rule.ID]; dup {
			violations = append(violations, fmt.Sprintf("rule %d: duplicate id %q", i, rule.ID))
			continue
		}
		byID[rule.ID] = rule
		ordered = append(ordered, rule)
	}
	if len(violations) > 0 {
		return nil, &alerting.ConfigError{Source: source, Violations: violations}
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].ID < ordered[j].ID })
	return &RuleSet{rules: ordered, byID: byID}, nil
}

// Get returns a rule by id.
func (s *RuleSet) Get(id string) (alerting.Rule, bool) {
	if s == nil {
		return alerting.Rule{}, false
	}
	rule, ok := s.byID[id]
	return rule, ok
}

// Rules returns every rule ordered by id.
func (s *RuleSet) Rules() []alerting.Rule {
	if s == nil {
		return nil
	}
	return append([]alerting.Rule(nil), s.rules...)
}

// Enabled returns the rules that should be scheduled.
func (s *RuleSet) Enabled() []alerting.Rule {
	if s == nil {
		return nil
	}
	out := make([]alerting.Rule, 0, len(s.rules))
	for _, rule := range s.rules {
		if rule.IsEnabled() {
			out = append(out, rule)
		}
	}
	return out
}

// Len returns the number of rules.
func (s *RuleSet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.rules)
}

// Version increases with every successful load.
func (s *RuleSet) Version() int64 {
	if s == nil {
		return 0
	}
	return s.version
}

// LoadedAt returns when the set became active.
func (s *RuleSet) LoadedAt() time.Time {
	if s == nil {
		return time.Time{}
	}
	return s.loadedAt
}

// RuleStore holds the active rule set and swaps it atomically on reload.
type RuleStore struct {
	source    RuleSource
	current   atomic.Pointer[RuleSet]
	reloadMu  sync.Mutex
	version   int64
	listeners []func(*RuleSet)
	clock     Clock
	logger    zerolog.Logger
}

// RuleStoreOption customizes the rule store.
type RuleStoreOption func(*RuleStore)

// WithRuleClock assigns a clock.
func WithRuleClock(clock Clock) RuleStoreOption {
	return func(s *RuleStore) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// NewRuleStore constructs a rule store over source.
func NewRuleStore(source RuleSource, logger zerolog.Logger, opts ...RuleStoreOption) (*RuleStore, error) {
	if source == nil {
		return nil, errors.New("rules: nil source")
	}
	s := &RuleStore{
		source: source,
		clock:  systemClock{},
		logger: logger.With().Str("rule_source", source.Name()).Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// OnReload registers a listener called with every newly activated set.
// Listeners must be registered before Load.
func (s *RuleStore) OnReload(fn func(*RuleSet)) {
	if fn == nil {
		return
	}
	s.reloadMu.Lock()
	s.listeners = append(s.listeners, fn)
	s.reloadMu.Unlock()
}

// Load reads the initial rule set. Any violation is fatal to the caller.
func (s *RuleStore) Load(ctx context.Context) (*RuleSet, error) {
	return s.swap(ctx, "load")
}

// Reload re-reads the source. A rejected set leaves the current one active.
func (s *RuleStore) Reload(ctx context.Context) (*RuleSet, error) {
	set, err := s.swap(ctx, "reload")
	if err != nil {
		s.logger.Error().Err(err).Int("active_rules", s.Current().Len()).Msg("rule reload rejected, keeping previous set")
		return s.Current(), err
	}
	return set, nil
}

func (s *RuleStore) swap(ctx context.Context, action string) (*RuleSet, error) {
	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()

	rules, err := s.source.Load(ctx)
	if err != nil {
		metrics.ObserveRuleReload(metrics.ResultError, 0)
		return nil, err
	}
	set, err := BuildRuleSet(s.source.Name(), rules)
	if err != nil {
		metrics.ObserveRuleReload(metrics.ResultError, 0)
		return nil, err
	}
	s.version++
	set.version = s.version
	set.loadedAt = s.clock.Now()
	s.current.Store(set)
	metrics.ObserveRuleReload(metrics.ResultSuccess, set.Len())
	s.logger.Info().Str("action", action).Int("rules", set.Len()).Int("enabled", len(set.Enabled())).Int64("version", set.version).Msg("rule set activated")

	for _, fn := range s.listeners {
		fn(set)
	}
	return set, nil
}

// Current returns the active set, or nil before the first Load.
func (s *RuleStore) Current() *RuleSet {
	return s.current.Load()
}

// Get returns an active rule by id.
func (s *RuleStore) Get(id string) (alerting.Rule, error) {
	rule, ok := s.Current().Get(id)
	if !ok {
		return alerting.Rule{}, fmt.Errorf("rule %s: %w", id, alerting.ErrNotFound)
	}
	return rule, nil
}

// Rules returns the active rules.
func (s *RuleStore) Rules() []alerting.Rule {
	return s.Current().Rules()
}

// StaticSource serves a fixed rule slice.
type StaticSource struct {
	Label string
	Items []alerting.Rule
}

// Name implements RuleSource.
func (s StaticSource) Name() string {
	if s.Label == "" {
		return "static"
	}
	return s.Label
}

// Load implements RuleSource.
func (s StaticSource) Load(context.Context) ([]alerting.Rule, error) {
	return append([]alerting.Rule(nil), s.Items...), nil
}
