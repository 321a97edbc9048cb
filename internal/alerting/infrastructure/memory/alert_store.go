package memory

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	alerting "infrawatch/internal/alerting/domain"
	"infrawatch/internal/observability/metrics"
)

// Archiver receives every committed alert snapshot.
type Archiver interface {
	Save(ctx context.Context, alert alerting.Alert) error
}

// Clock provides time.
type Clock interface {
	Now() time.Time
}

// AlertStore is the authoritative in-process alert collection.
// Mutations for one fingerprint are serialized; readers only ever see committed snapshots.
type AlertStore struct {
	mu     sync.RWMutex
	alerts map[string]alerting.Alert
	open   map[string]string

	locks     *keyLocks
	clock     Clock
	newID     func() string
	tolerance float64
	archive   Archiver
	hook      alerting.CommitHook
	logger    zerolog.Logger
}

// AlertStoreOption customizes the store.
type AlertStoreOption func(*AlertStore)

// WithClock assigns a clock.
func WithClock(clock Clock) AlertStoreOption {
	return func(s *AlertStore) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithIDGenerator overrides alert id generation.
func WithIDGenerator(fn func() string) AlertStoreOption {
	return func(s *AlertStore) {
		if fn != nil {
			s.newID = fn
		}
	}
}

// WithNoiseTolerance sets the relative change a refresh must exceed to append history.
func WithNoiseTolerance(tolerance float64) AlertStoreOption {
	return func(s *AlertStore) {
		if tolerance >= 0 {
			s.tolerance = tolerance
		}
	}
}

// WithArchiver writes committed snapshots through to durable storage.
func WithArchiver(archive Archiver) AlertStoreOption {
	return func(s *AlertStore) {
		s.archive = archive
	}
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) AlertStoreOption {
	return func(s *AlertStore) {
		s.logger = logger
	}
}

// NewAlertStore constructs an empty store.
func NewAlertStore(opts ...AlertStoreOption) *AlertStore {
	s := &AlertStore{
		alerts:    make(map[string]alerting.Alert),
		open:      make(map[string]string),
		locks:     newKeyLocks(),
		clock:     systemClock{},
		newID:     uuid.NewString,
		tolerance: alerting.DefaultHistoryNoiseTolerance,
		logger:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetCommitHook installs the observer called for every committed change.
func (s *AlertStore) SetCommitHook(hook alerting.CommitHook) {
	s.mu.Lock()
	s.hook = hook
	s.mu.Unlock()
}

// Restore loads previously archived alerts. An open alert whose fingerprint is
// already open in the store is skipped.
func (s *AlertStore) Restore(alerts []alerting.Alert) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	restored := 0
	for _, alert := range alerts {
		if alert.ID == "" || !alert.Status.Valid() {
			continue
		}
		if _, exists := s.alerts[alert.ID]; exists {
			continue
		}
		if alert.Status.Open() {
			if _, taken := s.open[alert.Fingerprint]; taken {
				s.logger.Warn().Str("alert_id", alert.ID).Str("fingerprint", alert.Fingerprint).Msg("skipping duplicate open alert on restore")
				continue
			}
			s.open[alert.Fingerprint] = alert.ID
		}
		s.alerts[alert.ID] = alert.Clone()
		restored++
	}
	metrics.SetOpenAlerts(len(s.open))
	return restored
}

// Upsert applies an evaluation sample to the fingerprint's open alert.
func (s *AlertStore) Upsert(ctx context.Context, obs alerting.Observation) (alerting.Transition, error) {
	if obs.Rule.ID == "" || obs.ResourceID == "" {
		return alerting.Transition{}, fmt.Errorf("%w: observation requires rule and resource", alerting.ErrInvalidInput)
	}
	if math.IsNaN(obs.Value) || math.IsInf(obs.Value, 0) {
		return alerting.Transition{}, fmt.Errorf("%w: observation value %v is not finite", alerting.ErrInvalidInput, obs.Value)
	}
	at := obs.At
	if at.IsZero() {
		at = s.clock.Now()
	}
	fingerprint := obs.Fingerprint()
	unlock := s.locks.Lock(fingerprint)
	defer unlock()

	var open *alerting.Alert
	s.mu.RLock()
	if id, ok := s.open[fingerprint]; ok {
		current := s.alerts[id]
		open = &current
	}
	s.mu.RUnlock()

	decision := alerting.Decide(obs, open, s.tolerance)
	var next alerting.Alert
	switch decision {
	case alerting.DecisionCreate:
		next = alerting.NewAlert(s.newID(), obs.Rule, obs.ResourceID, obs.Value, at)
	case alerting.DecisionRefresh, alerting.DecisionRefreshHistory:
		next = open.Refresh(obs.Value, at, decision == alerting.DecisionRefreshHistory)
	case alerting.DecisionResolve:
		resolved, err := open.Resolve(alerting.SystemActor, alerting.ConditionClearedResolution, "", at)
		if err != nil {
			return alerting.Transition{}, err
		}
		next = resolved
	default:
		return alerting.Transition{Decision: alerting.DecisionNone}, nil
	}
	tr := alerting.Transition{Decision: decision, Alert: next.Clone()}
	kind, _ := tr.EventKind()
	s.commit(ctx, kind, next)
	return tr, nil
}

// Acknowledge claims an active alert.
func (s *AlertStore) Acknowledge(ctx context.Context, id, actor, comment string) (alerting.Alert, error) {
	return s.transition(ctx, id, alerting.EventAlertAcknowledged, func(current alerting.Alert) (alerting.Alert, error) {
		return current.Acknowledge(actor, comment, s.clock.Now())
	})
}

// Resolve closes an open alert.
func (s *AlertStore) Resolve(ctx context.Context, id, actor, resolution, rootCause string) (alerting.Alert, error) {
	return s.transition(ctx, id, alerting.EventAlertResolved, func(current alerting.Alert) (alerting.Alert, error) {
		return current.Resolve(actor, resolution, rootCause, s.clock.Now())
	})
}

func (s *AlertStore) transition(ctx context.Context, id string, kind alerting.EventKind, apply func(alerting.Alert) (alerting.Alert, error)) (alerting.Alert, error) {
	current, err := s.Get(ctx, id)
	if err != nil {
		return alerting.Alert{}, err
	}
	unlock := s.locks.Lock(current.Fingerprint)
	defer unlock()

	s.mu.RLock()
	current = s.alerts[id]
	s.mu.RUnlock()

	next, err := apply(current)
	if err != nil {
		return alerting.Alert{}, err
	}
	s.commit(ctx, kind, next)
	return next.Clone(), nil
}

// commit swaps in the new snapshot, archives it and runs the commit hook.
// Callers hold the fingerprint lock.
func (s *AlertStore) commit(ctx context.Context, kind alerting.EventKind, alert alerting.Alert) {
	s.mu.Lock()
	hook := s.hook
	s.alerts[alert.ID] = alert
	if alert.Status.Open() {
		s.open[alert.Fingerprint] = alert.ID
	} else if s.open[alert.Fingerprint] == alert.ID {
		delete(s.open, alert.Fingerprint)
	}
	openCount := len(s.open)
	s.mu.Unlock()
	metrics.SetOpenAlerts(openCount)

	if s.archive != nil {
		if err := s.archive.Save(context.WithoutCancel(ctx), alert); err != nil {
			metrics.IncArchiveFailure()
			s.logger.Warn().Err(err).Str("alert_id", alert.ID).Str("fingerprint", alert.Fingerprint).Msg("alert archive write failed")
		}
	}
	if hook != nil && kind != "" {
		hook(ctx, kind, alert.Clone())
	}
}

// Get returns one alert with its history.
func (s *AlertStore) Get(_ context.Context, id string) (alerting.Alert, error) {
	s.mu.RLock()
	alert, ok := s.alerts[id]
	s.mu.RUnlock()
	if !ok {
		return alerting.Alert{}, fmt.Errorf("alert %s: %w", id, alerting.ErrNotFound)
	}
	return alert.Clone(), nil
}

// List returns a page of matching alerts, newest first, and the total match count.
func (s *AlertStore) List(_ context.Context, filter alerting.AlertFilter) ([]alerting.Alert, int, error) {
	filter = filter.Normalize()
	s.mu.RLock()
	matched := make([]alerting.Alert, 0, len(s.alerts))
	for _, alert := range s.alerts {
		if filter.Matches(alert) {
			matched = append(matched, alert)
		}
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID < matched[j].ID
	})
	page := alerting.Page(matched, filter.Limit, filter.Offset)
	out := make([]alerting.Alert, len(page))
	for i, alert := range page {
		out[i] = alert.Clone()
	}
	return out, len(matched), nil
}

// OpenByResource returns the open alerts of a resource.
func (s *AlertStore) OpenByResource(_ context.Context, resourceID string) ([]alerting.Alert, error) {
	if resourceID == "" {
		return nil, errors.New("alert store: empty resource id")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []alerting.Alert
	for _, id := range s.open {
		alert := s.alerts[id]
		if alert.ResourceID == resourceID {
			out = append(out, alert.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// OpenCount returns the number of open alerts.
func (s *AlertStore) OpenCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.open)
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }
