package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	alertapp "infrawatch/internal/alerting/application"
	alerting "infrawatch/internal/alerting/domain"
	"infrawatch/internal/audit"
	"infrawatch/internal/auth"
)

const maxBodyBytes = 64 << 10

// Handler provides the alert, insight, rule and evaluation endpoints.
type Handler struct {
	service *alertapp.Service
	audit   audit.Logger
	logger  zerolog.Logger
}

// HandlerOption customizes the handler.
type HandlerOption func(*Handler)

// WithAudit records operator actions.
func WithAudit(logger audit.Logger) HandlerOption {
	return func(h *Handler) {
		h.audit = logger
	}
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) HandlerOption {
	return func(h *Handler) {
		h.logger = logger
	}
}

// NewHandler constructs a handler.
func NewHandler(service *alertapp.Service, opts ...HandlerOption) (*Handler, error) {
	if service == nil {
		return nil, errors.New("alerts handler: nil service")
	}
	h := &Handler{service: service, logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// Register mounts the handler's routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.Handle("/api/alerts", h)
	mux.Handle("/api/alerts/", h)
	mux.Handle("/api/insights", h)
	mux.Handle("/api/insights/", h)
	mux.Handle("/api/rules", h)
	mux.Handle("/api/rules/reload", h)
	mux.Handle("/api/evaluations", h)
}

// ServeHTTP routes /api/alerts, /api/insights, /api/rules and /api/evaluations.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimSuffix(r.URL.Path, "/")
	switch {
	case path == "/api/alerts":
		h.only(w, r, http.MethodGet, h.handleListAlerts)
	case path == "/api/alerts/export.xlsx":
		h.only(w, r, http.MethodGet, h.handleExportAlerts)
	case strings.HasPrefix(path, "/api/alerts/"):
		h.handleAlert(w, r, strings.Split(strings.TrimPrefix(path, "/api/alerts/"), "/"))
	case path == "/api/insights":
		switch r.Method {
		case http.MethodGet:
			h.handleListInsights(w, r)
		case http.MethodPost:
			h.handleAttachInsight(w, r)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	case strings.HasPrefix(path, "/api/insights/"):
		id := strings.TrimPrefix(path, "/api/insights/")
		h.only(w, r, http.MethodGet, func(w http.ResponseWriter, r *http.Request) {
			insight, err := h.service.GetInsight(r.Context(), id)
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, insight)
		})
	case path == "/api/rules":
		h.only(w, r, http.MethodGet, func(w http.ResponseWriter, _ *http.Request) {
			rules := h.service.Rules()
			writeJSON(w, http.StatusOK, map[string]any{"rules": nonNil(rules), "total": len(rules)})
		})
	case path == "/api/rules/reload":
		h.only(w, r, http.MethodPost, h.handleReloadRules)
	case path == "/api/evaluations":
		h.only(w, r, http.MethodGet, func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{"evaluations": nonNil(h.service.EvaluationStatus())})
		})
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *Handler) only(w http.ResponseWriter, r *http.Request, method string, fn http.HandlerFunc) {
	if r.Method != method {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	fn(w, r)
}

func (h *Handler) handleAlert(w http.ResponseWriter, r *http.Request, parts []string) {
	id := parts[0]
	if id == "" || len(parts) > 2 {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if len(parts) == 1 {
		h.only(w, r, http.MethodGet, func(w http.ResponseWriter, r *http.Request) {
			alert, err := h.service.GetAlert(r.Context(), id)
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, alert)
		})
		return
	}
	switch parts[1] {
	case "acknowledge":
		h.only(w, r, http.MethodPost, func(w http.ResponseWriter, r *http.Request) { h.handleAcknowledge(w, r, id) })
	case "resolve":
		h.only(w, r, http.MethodPost, func(w http.ResponseWriter, r *http.Request) { h.handleResolve(w, r, id) })
	case "report.pdf":
		h.only(w, r, http.MethodGet, func(w http.ResponseWriter, r *http.Request) { h.handleAlertReport(w, r, id) })
	case "audit":
		h.only(w, r, http.MethodGet, func(w http.ResponseWriter, r *http.Request) { h.handleAlertAudit(w, r, id) })
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *Handler) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	filter, err := alertFilterFromQuery(r)
	if err != nil {
		writeError(w, err)
		return
	}
	page, err := h.service.ListAlerts(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

type acknowledgeRequest struct {
	Comment string `json:"comment"`
	Actor   string `json:"actor"`
}

func (h *Handler) handleAcknowledge(w http.ResponseWriter, r *http.Request, id string) {
	var req acknowledgeRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	actor := actorFor(r, req.Actor)
	alert, err := h.service.AcknowledgeAlert(r.Context(), id, req.Comment, actor)
	if err != nil {
		writeError(w, err)
		return
	}
	h.record(r, actor, "alert.acknowledge", "alert", id, map[string]any{"comment": req.Comment})
	writeJSON(w, http.StatusOK, alert)
}

type resolveRequest struct {
	Resolution string `json:"resolution"`
	RootCause  string `json:"rootCause"`
	Actor      string `json:"actor"`
}

func (h *Handler) handleResolve(w http.ResponseWriter, r *http.Request, id string) {
	var req resolveRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	actor := actorFor(r, req.Actor)
	alert, err := h.service.ResolveAlert(r.Context(), id, req.Resolution, req.RootCause, actor)
	if err != nil {
		writeError(w, err)
		return
	}
	h.record(r, actor, "alert.resolve", "alert", id, map[string]any{"resolution": req.Resolution, "rootCause": req.RootCause})
	writeJSON(w, http.StatusOK, alert)
}

func (h *Handler) handleListInsights(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, offset, err := paging(r)
	if err != nil {
		writeError(w, err)
		return
	}
	filter := alerting.InsightFilter{
		Type:       alerting.InsightType(q.Get("type")),
		ResourceID: q.Get("resourceId"),
		AlertID:    q.Get("alertId"),
		Limit:      limit,
		Offset:     offset,
	}
	if raw := q.Get("minConfidence"); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			writeError(w, fmt.Errorf("%w: minConfidence must be a number", alerting.ErrInvalidInput))
			return
		}
		filter.MinConfidence = v
	}
	page, err := h.service.ListInsights(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (h *Handler) handleAttachInsight(w http.ResponseWriter, r *http.Request) {
	var insight alerting.Insight
	if err := decodeBody(r, &insight); err != nil {
		writeError(w, err)
		return
	}
	insight.ID = ""
	insight.RelatedAlerts = nil
	stored, err := h.service.AttachInsight(r.Context(), insight)
	if err != nil {
		writeError(w, err)
		return
	}
	h.record(r, actorFor(r, ""), "insight.attach", "insight", stored.ID, map[string]any{"resourceId": stored.ResourceID, "type": stored.Type})
	writeJSON(w, http.StatusCreated, stored)
}

func (h *Handler) handleReloadRules(w http.ResponseWriter, r *http.Request) {
	set, err := h.service.ReloadRules(r.Context())
	h.record(r, actorFor(r, ""), "rules.reload", "rule_set", strconv.FormatInt(set.Version(), 10), map[string]any{"ok": err == nil})
	if err != nil {
		var cfgErr *alerting.ConfigError
		if errors.As(err, &cfgErr) {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
				"error":         cfgErr.Error(),
				"violations":    cfgErr.Violations,
				"activeVersion": set.Version(),
			})
			return
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version":  set.Version(),
		"rules":    set.Len(),
		"enabled":  len(set.Enabled()),
		"loadedAt": set.LoadedAt(),
	})
}

func (h *Handler) handleExportAlerts(w http.ResponseWriter, r *http.Request) {
	filter, err := alertFilterFromQuery(r)
	if err != nil {
		writeError(w, err)
		return
	}
	filter.Limit = alerting.MaxListLimit
	page, err := h.service.ListAlerts(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	data, err := BuildAlertsXLSX(page.Alerts)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", `attachment; filename="alerts.xlsx"`)
	_, _ = w.Write(data)
}

func (h *Handler) handleAlertReport(w http.ResponseWriter, r *http.Request, id string) {
	alert, err := h.service.GetAlert(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	related, err := h.service.ListInsights(r.Context(), alerting.InsightFilter{AlertID: id, Limit: alerting.MaxListLimit})
	if err != nil {
		writeError(w, err)
		return
	}
	data, err := BuildAlertPDF(alert, related.Insights)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="alert-%s.pdf"`, id))
	_, _ = w.Write(data)
}

// auditTrail is implemented by audit stores that can be read back.
type auditTrail interface {
	ForResource(ctx context.Context, resourceType, resourceID string, limit int) ([]audit.Entry, error)
}

func (h *Handler) handleAlertAudit(w http.ResponseWriter, r *http.Request, id string) {
	trail, ok := h.audit.(auditTrail)
	if !ok {
		http.Error(w, "audit trail requires a database", http.StatusNotImplemented)
		return
	}
	if _, err := h.service.GetAlert(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	limit, _, err := paging(r)
	if err != nil {
		writeError(w, err)
		return
	}
	entries, err := trail.ForResource(r.Context(), "alert", id, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": nonNil(entries)})
}

func (h *Handler) record(r *http.Request, actor, action, resourceType, resourceID string, meta map[string]any) {
	if h.audit == nil {
		return
	}
	raw, _ := json.Marshal(meta)
	id, _ := auth.IdentityFrom(r.Context())
	entry := audit.Entry{
		Actor:        actor,
		Role:         string(id.Role),
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Metadata:     raw,
		IP:           clientIP(r),
		UserAgent:    r.UserAgent(),
		CreatedAt:    time.Now().UTC(),
	}
	// The action already succeeded; an audit failure is only logged.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), 5*time.Second)
	defer cancel()
	if err := h.audit.Log(ctx, entry); err != nil {
		h.logger.Warn().Err(err).Str("action", action).Str("resource_id", resourceID).Msg("audit write failed")
	}
}

// actorFor prefers the authenticated subject over a caller-supplied name.
func actorFor(r *http.Request, fallback string) string {
	if id, ok := auth.IdentityFrom(r.Context()); ok {
		return id.Subject
	}
	return strings.TrimSpace(fallback)
}

func alertFilterFromQuery(r *http.Request) (alerting.AlertFilter, error) {
	q := r.URL.Query()
	limit, offset, err := paging(r)
	if err != nil {
		return alerting.AlertFilter{}, err
	}
	return alerting.AlertFilter{
		Severity:   alerting.Severity(strings.ToLower(q.Get("severity"))),
		Type:       q.Get("type"),
		Status:     alerting.Status(strings.ToLower(q.Get("status"))),
		RuleID:     q.Get("ruleId"),
		ResourceID: q.Get("resourceId"),
		Limit:      limit,
		Offset:     offset,
	}, nil
}

func paging(r *http.Request) (int, int, error) {
	q := r.URL.Query()
	parse := func(key string) (int, error) {
		raw := q.Get(key)
		if raw == "" {
			return 0, nil
		}
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			return 0, fmt.Errorf("%w: %s must be a non-negative integer", alerting.ErrInvalidInput, key)
		}
		return v, nil
	}
	limit, err := parse("limit")
	if err != nil {
		return 0, 0, err
	}
	offset, err := parse("offset")
	if err != nil {
		return 0, 0, err
	}
	return limit, offset, nil
}

func decodeBody(r *http.Request, dst any) error {
	if r.Body == nil {
		return nil
	}
	decoder := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := decoder.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: malformed JSON body", alerting.ErrInvalidInput)
	}
	return nil
}

func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		return strings.TrimSpace(strings.Split(forwarded, ",")[0])
	}
	host := r.RemoteAddr
	if idx := strings.LastIndex(host, ":"); idx > 0 {
		host = host[:idx]
	}
	return host
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, alerting.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, alerting.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, alerting.ErrConfig):
		return http.StatusUnprocessableEntity
	case errors.Is(err, alerting.ErrInvalidInput):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	payload, err := json.Marshal(body)
	if err != nil {
		status = http.StatusInternalServerError
		payload, _ = json.Marshal(map[string]string{"error": fmt.Sprintf("encode response: %v", err)})
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(append(payload, '\n'))
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
