package alerting

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound indicates an unknown alert or insight id.
	ErrNotFound = errors.New("alerting: not found")
	// ErrInvalidTransition indicates an illegal lifecycle operation.
	ErrInvalidTransition = errors.New("alerting: invalid transition")
	// ErrConfig indicates a structurally invalid rule set.
	ErrConfig = errors.New("alerting: invalid rule configuration")
	// ErrAdapter indicates a failed insight enrichment call.
	ErrAdapter = errors.New("alerting: insight adapter failure")
	// ErrInvalidInput indicates a malformed caller request.
	ErrInvalidInput = errors.New("alerting: invalid input")
)

// ConfigError collects every structural violation found while loading a rule set.
type ConfigError struct {
	Source     string
	Violations []string
}

func (e *ConfigError) Error() string {
	if e == nil {
		return ""
	}
	prefix := "rule config"
	if e.Source != "" {
		prefix = fmt.Sprintf("rule config %s", e.Source)
	}
	if len(e.Violations) == 0 {
		return prefix + ": invalid"
	}
	return prefix + ": " + strings.Join(e.Violations, "; ")
}

// Unwrap lets errors.Is match ErrConfig.
func (e *ConfigError) Unwrap() error { return ErrConfig }

// InvalidTransitionError reports an action that the lifecycle does not allow from the current status.
type InvalidTransitionError struct {
	AlertID string
	From    Status
	Action  string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("alert %s: cannot %s from status %s", e.AlertID, e.Action, e.From)
}

// Unwrap lets errors.Is match ErrInvalidTransition.
func (e *InvalidTransitionError) Unwrap() error { return ErrInvalidTransition }

// QueryErrorKind classifies data source failures.
type QueryErrorKind string

const (
	QueryErrorTimeout      QueryErrorKind = "timeout"
	QueryErrorBackend      QueryErrorKind = "backend_error"
	QueryErrorInvalidQuery QueryErrorKind = "invalid_query"
)

// QueryError is returned by data source adapters.
type QueryError struct {
	Kind   QueryErrorKind
	Source SourceKind
	Err    error
}

func (e *QueryError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("query %s: %s", e.Source, e.Kind)
	}
	return fmt.Sprintf("query %s: %s: %v", e.Source, e.Kind, e.Err)
}

func (e *QueryError) Unwrap() error { return e.Err }

// NewQueryError wraps err with a classification.
func NewQueryError(source SourceKind, kind QueryErrorKind, err error) *QueryError {
	return &QueryError{Kind: kind, Source: source, Err: err}
}

// AdapterError is returned by insight adapters. It is never fatal to the caller.
type AdapterError struct {
	Adapter string
	Err     error
}

func (e *AdapterError) Error() string {
	if e.Err == nil {
		return "insight adapter " + e.Adapter + ": failed"
	}
	return "insight adapter " + e.Adapter + ": " + e.Err.Error()
}

// Is lets errors.Is match ErrAdapter.
func (e *AdapterError) Is(target error) bool { return target == ErrAdapter }

func (e *AdapterError) Unwrap() error { return e.Err }
