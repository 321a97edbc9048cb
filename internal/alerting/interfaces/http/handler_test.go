package http

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	alertapp "infrawatch/internal/alerting/application"
	alerting "infrawatch/internal/alerting/domain"
	"infrawatch/internal/alerting/infrastructure/memory"
	"infrawatch/internal/alerting/notify"
	"infrawatch/internal/audit"
	"infrawatch/internal/auth"
)

type recordingAudit struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (r *recordingAudit) Log(_ context.Context, entry audit.Entry) error {
	r.mu.Lock()
	r.entries = append(r.entries, entry)
	r.mu.Unlock()
	return nil
}

func (r *recordingAudit) ForResource(_ context.Context, resourceType, resourceID string, _ int) ([]audit.Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []audit.Entry
	for _, entry := range r.entries {
		if entry.ResourceType == resourceType && entry.ResourceID == resourceID {
			out = append(out, entry)
		}
	}
	return out, nil
}

type switchableSource struct {
	mu    sync.Mutex
	rules []alerting.Rule
}

func (s *switchableSource) Name() string { return "test" }

func (s *switchableSource) Load(context.Context) ([]alerting.Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]alerting.Rule(nil), s.rules...), nil
}

func (s *switchableSource) set(rules ...alerting.Rule) {
	s.mu.Lock()
	s.rules = rules
	s.mu.Unlock()
}

func cpuRule() alerting.Rule {
	return alerting.Rule{
		ID:                        "cpu-high",
		Name:                      "CPU High",
		Type:                      alerting.SourcePrometheus,
		Query:                     alerting.Query{Kind: alerting.SourcePrometheus, Prometheus: &alerting.PrometheusQuery{Expr: "cpu_usage"}},
		Severity:                  alerting.SeverityHigh,
		Threshold:                 alerting.Threshold{Operator: alerting.OperatorGreater, Value: 80},
		EvaluationIntervalSeconds: 60,
		ResourceSelector:          alerting.ResourceSelector{ResourceType: "server", Label: "instance"},
	}
}

type fixture struct {
	engine  *alertapp.Engine
	source  *switchableSource
	handler *Handler
	audit   *recordingAudit
	broker  *notify.Broker
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	broker := notify.NewBroker()
	t.Cleanup(broker.Close)
	engine, err := alertapp.NewEngine(memory.NewAlertStore(), memory.NewInsightStore(), alertapp.WithPublisher(broker))
	require.NoError(t, err)
	source := &switchableSource{rules: []alerting.Rule{cpuRule()}}
	rules, err := alertapp.NewRuleStore(source, zerolog.Nop())
	require.NoError(t, err)
	_, err = rules.Load(context.Background())
	require.NoError(t, err)
	service, err := alertapp.NewService(engine, rules, nil)
	require.NoError(t, err)
	recorder := &recordingAudit{}
	handler, err := NewHandler(service, WithAudit(recorder))
	require.NoError(t, err)
	return &fixture{engine: engine, source: source, handler: handler, audit: recorder, broker: broker}
}

func (f *fixture) breach(t *testing.T, resource string, value float64) alerting.Alert {
	t.Helper()
	tr, err := f.engine.Process(context.Background(), cpuRule(), resource, value, time.Now().UTC())
	require.NoError(t, err)
	return tr.Alert
}

func (f *fixture) do(t *testing.T, method, target string, body any, subject string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, target, reader)
	if subject != "" {
		req = req.WithContext(auth.WithIdentity(req.Context(), auth.Identity{Subject: subject, Role: auth.RoleOperator}))
	}
	resp := httptest.NewRecorder()
	f.handler.ServeHTTP(resp, req)
	return resp
}

func decode[T any](t *testing.T, resp *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &out), resp.Body.String())
	return out
}

func TestListAlertsFiltersAndValidates(t *testing.T) {
	f := newFixture(t)
	f.breach(t, "server-001", 92)
	f.breach(t, "server-002", 95)

	resp := f.do(t, http.MethodGet, "/api/alerts?resourceId=server-002&severity=HIGH&type=server", nil, "")
	require.Equal(t, http.StatusOK, resp.Code)
	page := decode[alertapp.AlertPage](t, resp)
	require.Len(t, page.Alerts, 1)
	assert.Equal(t, 1, page.Total)
	assert.Equal(t, "server-002", page.Alerts[0].ResourceID)

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/api/alerts?status=sleeping", nil, "").Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/api/alerts?limit=-1", nil, "").Code)
	assert.Equal(t, http.StatusMethodNotAllowed, f.do(t, http.MethodDelete, "/api/alerts", nil, "").Code)
}

func TestGetAlertNotFound(t *testing.T) {
	f := newFixture(t)
	resp := f.do(t, http.MethodGet, "/api/alerts/missing", nil, "")
	assert.Equal(t, http.StatusNotFound, resp.Code)
	assert.Contains(t, resp.Body.String(), "error")
}

func TestAcknowledgeUsesAuthenticatedSubjectAndAudits(t *testing.T) {
	f := newFixture(t)
	alert := f.breach(t, "server-001", 92)

	resp := f.do(t, http.MethodPost, "/api/alerts/"+alert.ID+"/acknowledge",
		map[string]string{"comment": "Investigating", "actor": "spoofed"}, "user@example.com")
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	acked := decode[alerting.Alert](t, resp)
	assert.Equal(t, alerting.StatusAcknowledged, acked.Status)
	assert.Equal(t, "user@example.com", acked.AcknowledgedBy)
	assert.Equal(t, "Investigating", acked.Comment)

	require.Len(t, f.audit.entries, 1)
	assert.Equal(t, "alert.acknowledge", f.audit.entries[0].Action)
	assert.Equal(t, alert.ID, f.audit.entries[0].ResourceID)
	assert.Equal(t, "user@example.com", f.audit.entries[0].Actor)

	again := f.do(t, http.MethodPost, "/api/alerts/"+alert.ID+"/acknowledge", map[string]string{}, "user@example.com")
	assert.Equal(t, http.StatusConflict, again.Code)
	assert.Len(t, f.audit.entries, 1)
}

func TestAlertAuditTrail(t *testing.T) {
	f := newFixture(t)
	alert := f.breach(t, "server-001", 92)
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/api/alerts/"+alert.ID+"/acknowledge",
		map[string]string{"comment": "on it"}, "user@example.com").Code)

	resp := f.do(t, http.MethodGet, "/api/alerts/"+alert.ID+"/audit", nil, "")
	require.Equal(t, http.StatusOK, resp.Code)
	body := decode[struct {
		Entries []audit.Entry `json:"entries"`
	}](t, resp)
	require.Len(t, body.Entries, 1)
	assert.Equal(t, "alert.acknowledge", body.Entries[0].Action)

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/alerts/missing/audit", nil, "").Code)

	bare, err := NewHandler(f.handler.service)
	require.NoError(t, err)
	rec := httptest.NewRecorder()
	bare.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/alerts/"+alert.ID+"/audit", nil))
	assert.Equal(t, http.StatusNotImplemented, rec.Code)
}

func TestResolveValidatesInputAndFallsBackToBodyActor(t *testing.T) {
	f := newFixture(t)
	alert := f.breach(t, "server-001", 92)

	missing := f.do(t, http.MethodPost, "/api/alerts/"+alert.ID+"/resolve", map[string]string{"actor": "ops"}, "")
	assert.Equal(t, http.StatusBadRequest, missing.Code)

	resp := f.do(t, http.MethodPost, "/api/alerts/"+alert.ID+"/resolve",
		map[string]string{"resolution": "Restarted service", "rootCause": "memory leak", "actor": "ops"}, "")
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	resolved := decode[alerting.Alert](t, resp)
	assert.Equal(t, alerting.StatusResolved, resolved.Status)
	assert.Equal(t, "ops", resolved.ResolvedBy)
	assert.Equal(t, "memory leak", resolved.RootCause)

	malformed := httptest.NewRequest(http.MethodPost, "/api/alerts/"+alert.ID+"/resolve", strings.NewReader("{"))
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, malformed)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAttachAndListInsights(t *testing.T) {
	f := newFixture(t)
	alert := f.breach(t, "server-001", 92)

	resp := f.do(t, http.MethodPost, "/api/insights", map[string]any{
		"type":         "anomaly",
		"description":  "CPU usage deviates from baseline",
		"confidence":   0.87,
		"resourceId":   "server-001",
		"resourceType": "server",
	}, "user@example.com")
	require.Equal(t, http.StatusCreated, resp.Code, resp.Body.String())
	stored := decode[alerting.Insight](t, resp)
	assert.NotEmpty(t, stored.ID)
	assert.Equal(t, []string{alert.ID}, stored.RelatedAlerts)

	list := f.do(t, http.MethodGet, "/api/insights?alertId="+alert.ID+"&minConfidence=0.5", nil, "")
	require.Equal(t, http.StatusOK, list.Code)
	page := decode[alertapp.InsightPage](t, list)
	require.Len(t, page.Insights, 1)
	assert.Equal(t, stored.ID, page.Insights[0].ID)

	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/insights/"+stored.ID, nil, "").Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/insights/missing", nil, "").Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/api/insights?minConfidence=abc", nil, "").Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/api/insights?minConfidence=2", nil, "").Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/api/insights", map[string]any{"type": "prophecy"}, "").Code)
}

func TestReloadRulesReportsViolations(t *testing.T) {
	f := newFixture(t)
	second := cpuRule()
	second.ID = "cpu-critical"
	second.Severity = alerting.SeverityCritical
	f.source.set(cpuRule(), second)

	resp := f.do(t, http.MethodPost, "/api/rules/reload", nil, "admin@example.com")
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	body := decode[map[string]any](t, resp)
	assert.EqualValues(t, 2, body["rules"])
	assert.EqualValues(t, 2, body["version"])

	bad := cpuRule()
	bad.Threshold.Operator = "~"
	f.source.set(bad)
	resp = f.do(t, http.MethodPost, "/api/rules/reload", nil, "admin@example.com")
	require.Equal(t, http.StatusUnprocessableEntity, resp.Code)
	body = decode[map[string]any](t, resp)
	assert.NotEmpty(t, body["violations"])
	assert.EqualValues(t, 2, body["activeVersion"])

	rules := decode[map[string]any](t, f.do(t, http.MethodGet, "/api/rules", nil, ""))
	assert.EqualValues(t, 2, rules["total"])
	assert.Len(t, f.audit.entries, 2)
}

func TestEvaluationsWithoutSchedulerIsEmpty(t *testing.T) {
	f := newFixture(t)
	resp := f.do(t, http.MethodGet, "/api/evaluations", nil, "")
	require.Equal(t, http.StatusOK, resp.Code)
	assert.JSONEq(t, `{"evaluations":[]}`, resp.Body.String())
}

func TestWriteJSONReportsEncodeFailure(t *testing.T) {
	rec := httptest.NewRecorder()
	writeJSON(rec, http.StatusOK, map[string]float64{"value": math.NaN()})

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Contains(t, body["error"], "encode response")
}

func TestExportAlertsXLSX(t *testing.T) {
	f := newFixture(t)
	f.breach(t, "server-001", 92)
	f.breach(t, "server-002", 97)

	resp := f.do(t, http.MethodGet, "/api/alerts/export.xlsx", nil, "")
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	assert.Contains(t, resp.Header().Get("Content-Disposition"), "alerts.xlsx")

	book, err := excelize.OpenReader(bytes.NewReader(resp.Body.Bytes()))
	require.NoError(t, err)
	defer book.Close()
	rows, err := book.GetRows("alerts")
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "ID", rows[0][0])
	history, err := book.GetRows("history")
	require.NoError(t, err)
	assert.Len(t, history, 3)
}

func TestAlertReportPDF(t *testing.T) {
	f := newFixture(t)
	alert := f.breach(t, "server-001", 92)

	resp := f.do(t, http.MethodGet, "/api/alerts/"+alert.ID+"/report.pdf", nil, "")
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	assert.Equal(t, "application/pdf", resp.Header().Get("Content-Type"))
	assert.True(t, bytes.HasPrefix(resp.Body.Bytes(), []byte("%PDF")))

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/alerts/missing/report.pdf", nil, "").Code)
}

func TestStreamDeliversEvents(t *testing.T) {
	f := newFixture(t)
	srv := httptest.NewServer(NewStreamHandler(f.broker, time.Minute))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"?kinds=alert.created", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "event: ready\n", line)

	alert := f.breach(t, "server-001", 92)
	_, err = f.engine.Acknowledge(context.Background(), alert.ID, "ops", "")
	require.NoError(t, err)
	f.breach(t, "server-002", 95)

	var events []string
	var payloads []string
	for len(payloads) < 2 {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		switch {
		case strings.HasPrefix(line, "event: "):
			events = append(events, strings.TrimSpace(strings.TrimPrefix(line, "event: ")))
		case strings.HasPrefix(line, "data: ") && len(events) > 0:
			payloads = append(payloads, strings.TrimPrefix(line, "data: "))
		}
	}
	assert.Equal(t, []string{"alert.created", "alert.created"}, events)
	var event alerting.Event
	require.NoError(t, json.Unmarshal([]byte(payloads[0]), &event))
	require.NotNil(t, event.Alert)
	assert.Equal(t, "server-001", event.Alert.ResourceID)
}

func TestWebSocketDeliversEvents(t *testing.T) {
	f := newFixture(t)
	srv := httptest.NewServer(NewWebSocketHandler(f.broker, nil, zerolog.Nop()))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return f.broker.Subscribers() == 1 }, 2*time.Second, 10*time.Millisecond)

	alert := f.breach(t, "server-001", 92)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var msg struct {
		Type alerting.EventKind `json:"type"`
		Data alerting.Event     `json:"data"`
	}
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, alerting.EventAlertCreated, msg.Type)
	require.NotNil(t, msg.Data.Alert)
	assert.Equal(t, alert.ID, msg.Data.Alert.ID)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return f.broker.Subscribers() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestOriginChecker(t *testing.T) {
	check := originChecker([]string{"https://ops.example.com"})
	req := httptest.NewRequest(http.MethodGet, "http://api.example.com/api/ws", nil)
	assert.True(t, check(req))

	req.Header.Set("Origin", "https://ops.example.com")
	assert.True(t, check(req))
	req.Header.Set("Origin", "https://evil.example.com")
	assert.False(t, check(req))
	req.Header.Set("Origin", "http://api.example.com")
	assert.True(t, check(req))
	assert.True(t, originChecker([]string{"*"})(req))
}
