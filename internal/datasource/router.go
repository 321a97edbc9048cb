package datasource

import (
	"context"
	"fmt"
	"sync"

	alerting "infrawatch/internal/alerting/domain"
)

// Router dispatches requests to the backend registered for the request's source kind.
type Router struct {
	mu       sync.RWMutex
	backends map[alerting.SourceKind]Adapter
}

// NewRouter constructs an empty router.
func NewRouter() *Router {
	return &Router{backends: make(map[alerting.SourceKind]Adapter)}
}

// Register binds a backend to a source kind, replacing any previous binding.
func (r *Router) Register(kind alerting.SourceKind, backend Adapter) {
	if r == nil || backend == nil || !kind.Valid() {
		return
	}
	r.mu.Lock()
	r.backends[kind] = backend
	r.mu.Unlock()
}

// Kinds lists registered source kinds.
func (r *Router) Kinds() []alerting.SourceKind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]alerting.SourceKind, 0, len(r.backends))
	for kind := range r.backends {
		kinds = append(kinds, kind)
	}
	return kinds
}

// Query implements Adapter.
func (r *Router) Query(ctx context.Context, req Request) (Result, error) {
	if r == nil {
		return Result{}, alerting.NewQueryError(req.Source, alerting.QueryErrorBackend, fmt.Errorf("datasource: nil router"))
	}
	if req.Query.Kind != req.Source {
		return Result{}, alerting.NewQueryError(req.Source, alerting.QueryErrorInvalidQuery,
			fmt.Errorf("query kind %q routed to source %q", req.Query.Kind, req.Source))
	}
	r.mu.RLock()
	backend, ok := r.backends[req.Source]
	r.mu.RUnlock()
	if !ok {
		return Result{}, alerting.NewQueryError(req.Source, alerting.QueryErrorBackend, fmt.Errorf("no backend configured for %q", req.Source))
	}
	result, err := backend.Query(ctx, req)
	if err != nil {
		return Result{}, Classify(ctx, req.Source, err)
	}
	return result, nil
}
