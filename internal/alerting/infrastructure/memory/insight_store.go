package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	alerting "infrawatch/internal/alerting/domain"
)

// InsightStore keeps insights in memory. Insights are immutable except for their related alerts.
type InsightStore struct {
	mu       sync.RWMutex
	insights map[string]alerting.Insight
}

// NewInsightStore constructs an empty store.
func NewInsightStore() *InsightStore {
	return &InsightStore{insights: make(map[string]alerting.Insight)}
}

// Add stores a new insight.
func (s *InsightStore) Add(_ context.Context, insight alerting.Insight) error {
	if insight.ID == "" {
		return fmt.Errorf("%w: insight id required", alerting.ErrInvalidInput)
	}
	if err := insight.Validate(); err != nil {
		return fmt.Errorf("%w: %v", alerting.ErrInvalidInput, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.insights[insight.ID]; exists {
		return fmt.Errorf("%w: insight %s already exists", alerting.ErrInvalidInput, insight.ID)
	}
	s.insights[insight.ID] = insight.Clone()
	return nil
}

// Link grows the related alert set and reports whether anything was added.
func (s *InsightStore) Link(_ context.Context, id string, alertIDs ...string) (alerting.Insight, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.insights[id]
	if !ok {
		return alerting.Insight{}, false, fmt.Errorf("insight %s: %w", id, alerting.ErrNotFound)
	}
	next, grew := current.WithRelated(alertIDs...)
	if grew {
		s.insights[id] = next
	}
	return next.Clone(), grew, nil
}

// Get returns one insight.
func (s *InsightStore) Get(_ context.Context, id string) (alerting.Insight, error) {
	s.mu.RLock()
	insight, ok := s.insights[id]
	s.mu.RUnlock()
	if !ok {
		return alerting.Insight{}, fmt.Errorf("insight %s: %w", id, alerting.ErrNotFound)
	}
	return insight.Clone(), nil
}

// List returns a page of matching insights, newest first, and the total match count.
func (s *InsightStore) List(_ context.Context, filter alerting.InsightFilter) ([]alerting.Insight, int, error) {
	filter = filter.Normalize()
	s.mu.RLock()
	matched := make([]alerting.Insight, 0, len(s.insights))
	for _, insight := range s.insights {
		if filter.Matches(insight) {
			matched = append(matched, insight)
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
	out := make([]alerting.Insight, len(page))
	for i, insight := range page {
		out[i] = insight.Clone()
	}
	return out, len(matched), nil
}
