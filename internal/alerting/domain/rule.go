package alerting

import (
	"fmt"
	"strings"
	"time"
)

// SourceKind names the telemetry backend a rule queries.
type SourceKind string

const (
	SourcePrometheus SourceKind = "prometheus"
	SourceAzure      SourceKind = "azure"
	SourceInfluxDB   SourceKind = "influxdb"
)

// Valid returns true when the source kind is supported.
func (k SourceKind) Valid() bool {
	switch k {
	case SourcePrometheus, SourceAzure, SourceInfluxDB:
		return true
	default:
		return false
	}
}

type Operator string

const (
	OperatorGreater        Operator = ">"
	OperatorGreaterOrEqual Operator = ">="
	OperatorLess           Operator = "<"
	OperatorLessOrEqual    Operator = "<="
	OperatorEqual          Operator = "=="
	OperatorNotEqual       Operator = "!="
)

// Valid returns true when operator is supported.
func (o Operator) Valid() bool {
	switch o {
	case OperatorGreater, OperatorGreaterOrEqual, OperatorLess, OperatorLessOrEqual, OperatorEqual, OperatorNotEqual:
		return true
	default:
		return false
	}
}

// Compare reports whether value breaches threshold under the operator.
func (o Operator) Compare(value, threshold float64) bool {
	switch o {
	case OperatorGreater:
		return value > threshold
	case OperatorGreaterOrEqual:
		return value >= threshold
	case OperatorLess:
		return value < threshold
	case OperatorLessOrEqual:
		return value <= threshold
	case OperatorEqual:
		return value == threshold
	case OperatorNotEqual:
		return value != threshold
	default:
		return false
	}
}

type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "info"
)

// Valid returns true when severity is known.
func (s Severity) Valid() bool {
	return s.Rank() > 0
}

// Rank orders severities; unknown values rank 0.
func (s Severity) Rank() int {
	switch Severity(strings.ToLower(strings.TrimSpace(string(s)))) {
	case SeverityCritical:
		return 5
	case SeverityHigh:
		return 4
	case SeverityMedium:
		return 3
	case SeverityLow:
		return 2
	case SeverityInfo:
		return 1
	default:
		return 0
	}
}

// AtLeast returns true when s is as severe as target.
func (s Severity) AtLeast(target Severity) bool {
	return s.Rank() >= target.Rank()
}

// Threshold is the breach condition of a rule.
type Threshold struct {
	Operator Operator `json:"operator" yaml:"operator"`
	Value    float64  `json:"value" yaml:"value"`
}

// Breached applies the threshold to value.
func (t Threshold) Breached(value float64) bool {
	return t.Operator.Compare(value, t.Value)
}

func (t Threshold) String() string {
	return fmt.Sprintf("%s %.2f", t.Operator, t.Value)
}

// PrometheusQuery is a PromQL range query.
type PrometheusQuery struct {
	Expr string `json:"expr" yaml:"expr"`
}

// AzureQuery addresses an Azure Monitor metric.
type AzureQuery struct {
	ResourceURI     string `json:"resourceUri" yaml:"resourceUri"`
	MetricNamespace string `json:"metricNamespace,omitempty" yaml:"metricNamespace"`
	MetricName      string `json:"metricName" yaml:"metricName"`
	Aggregation     string `json:"aggregation,omitempty" yaml:"aggregation"`
	Filter          string `json:"filter,omitempty" yaml:"filter"`
}

// InfluxQuery is a Flux script. It may reference v.timeRangeStart, v.timeRangeStop and v.windowPeriod.
type InfluxQuery struct {
	Flux string `json:"flux" yaml:"flux"`
}

// Query is a closed variant over source kinds: Kind selects exactly one payload.
type Query struct {
	Kind       SourceKind       `json:"kind" yaml:"kind"`
	Prometheus *PrometheusQuery `json:"prometheus,omitempty" yaml:"prometheus"`
	Azure      *AzureQuery      `json:"azure,omitempty" yaml:"azure"`
	InfluxDB   *InfluxQuery     `json:"influxdb,omitempty" yaml:"influxdb"`
}

// Validate checks that the payload matches the kind.
func (q Query) Validate() error {
	if !q.Kind.Valid() {
		return fmt.Errorf("invalid query kind %q", q.Kind)
	}
	payloads := 0
	if q.Prometheus != nil {
		payloads++
	}
	if q.Azure != nil {
		payloads++
	}
	if q.InfluxDB != nil {
		payloads++
	}
	if payloads != 1 {
		return fmt.Errorf("query must carry exactly one payload, got %d", payloads)
	}
	switch q.Kind {
	case SourcePrometheus:
		if q.Prometheus == nil || strings.TrimSpace(q.Prometheus.Expr) == "" {
			return fmt.Errorf("prometheus query requires expr")
		}
	case SourceAzure:
		if q.Azure == nil || q.Azure.ResourceURI == "" || q.Azure.MetricName == "" {
			return fmt.Errorf("azure query requires resourceUri and metricName")
		}
	case SourceInfluxDB:
		if q.InfluxDB == nil || strings.TrimSpace(q.InfluxDB.Flux) == "" {
			return fmt.Errorf("influxdb query requires flux")
		}
	}
	return nil
}

// String renders the query text for logs and adapters.
func (q Query) String() string {
	switch {
	case q.Prometheus != nil:
		return q.Prometheus.Expr
	case q.Azure != nil:
		return q.Azure.ResourceURI + "/" + q.Azure.MetricName
	case q.InfluxDB != nil:
		return q.InfluxDB.Flux
	default:
		return ""
	}
}

// ResourceSelector maps result series onto resources.
type ResourceSelector struct {
	ResourceType string            `json:"resourceType" yaml:"resourceType"`
	Label        string            `json:"label,omitempty" yaml:"label"`
	Match        map[string]string `json:"match,omitempty" yaml:"match"`
}

// Rule is an immutable evaluation rule.
type Rule struct {
	ID                        string           `json:"id" yaml:"id"`
	Name                      string           `json:"name" yaml:"name"`
	Description               string           `json:"description,omitempty" yaml:"description"`
	Type                      SourceKind       `json:"type" yaml:"type"`
	Query                     Query            `json:"query" yaml:"query"`
	Severity                  Severity         `json:"severity" yaml:"severity"`
	Threshold                 Threshold        `json:"threshold" yaml:"threshold"`
	EvaluationIntervalSeconds int              `json:"evaluationIntervalSeconds" yaml:"evaluationIntervalSeconds"`
	TimeoutSeconds            int              `json:"timeoutSeconds,omitempty" yaml:"timeoutSeconds"`
	WindowSeconds             int              `json:"windowSeconds,omitempty" yaml:"windowSeconds"`
	StepSeconds               int              `json:"stepSeconds,omitempty" yaml:"stepSeconds"`
	ResourceSelector          ResourceSelector `json:"resourceSelector" yaml:"resourceSelector"`
	Enabled                   *bool            `json:"enabled,omitempty" yaml:"enabled"`
}

// Validate checks rule invariants and returns every violation found.
func (r Rule) Validate() []string {
	var violations []string
	if strings.TrimSpace(r.ID) == "" {
		violations = append(violations, "empty id")
	}
	label := r.ID
	if label == "" {
		label = "<unnamed>"
	}
	if strings.TrimSpace(r.Name) == "" {
		violations = append(violations, label+": empty name")
	}
	if !r.Type.Valid() {
		violations = append(violations, fmt.Sprintf("%s: invalid type %q", label, r.Type))
	}
	if err := r.Query.Validate(); err != nil {
		violations = append(violations, label+": "+err.Error())
	} else if r.Type.Valid() && r.Query.Kind != r.Type {
		violations = append(violations, fmt.Sprintf("%s: query kind %q does not match type %q", label, r.Query.Kind, r.Type))
	}
	if !r.Severity.Valid() {
		violations = append(violations, fmt.Sprintf("%s: invalid severity %q", label, r.Severity))
	}
	if !r.Threshold.Operator.Valid() {
		violations = append(violations, fmt.Sprintf("%s: invalid operator %q", label, r.Threshold.Operator))
	}
	if r.EvaluationIntervalSeconds <= 0 {
		violations = append(violations, label+": evaluation interval must be positive")
	}
	if r.TimeoutSeconds < 0 || r.WindowSeconds < 0 || r.StepSeconds < 0 {
		violations = append(violations, label+": negative timeout, window or step")
	}
	if strings.TrimSpace(r.ResourceSelector.ResourceType) == "" {
		violations = append(violations, label+": resource selector requires resourceType")
	}
	return violations
}

// IsEnabled defaults to true when unset.
func (r Rule) IsEnabled() bool {
	return r.Enabled == nil || *r.Enabled
}

// Interval returns the evaluation period.
func (r Rule) Interval() time.Duration {
	return time.Duration(r.EvaluationIntervalSeconds) * time.Second
}

// Timeout returns the adapter timeout for one tick, never longer than the interval.
func (r Rule) Timeout(fallback time.Duration) time.Duration {
	timeout := fallback
	if r.TimeoutSeconds > 0 {
		timeout = time.Duration(r.TimeoutSeconds) * time.Second
	}
	if interval := r.Interval(); interval > 0 && (timeout <= 0 || timeout > interval) {
		timeout = interval
	}
	return timeout
}

// Window returns the evaluation look-back window.
func (r Rule) Window() time.Duration {
	if r.WindowSeconds > 0 {
		return time.Duration(r.WindowSeconds) * time.Second
	}
	return r.Interval()
}

// Step returns the query resolution.
func (r Rule) Step() time.Duration {
	if r.StepSeconds > 0 {
		return time.Duration(r.StepSeconds) * time.Second
	}
	step := time.Minute
	if tenth := r.Window() / 10; tenth > 0 && tenth < step {
		step = tenth
	}
	if step < time.Second {
		step = time.Second
	}
	return step
}

// ResourceLabel names the series label carrying the resource id.
func (r Rule) ResourceLabel() string {
	if r.ResourceSelector.Label != "" {
		return r.ResourceSelector.Label
	}
	return DefaultResourceLabel
}

// DefaultResourceLabel is the series label read when a selector names none.
const DefaultResourceLabel = "resource_id"

// FallbackResourceLabel is consulted when the primary label is absent.
const FallbackResourceLabel = "instance"
