package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	alerting "infrawatch/internal/alerting/domain"
	"infrawatch/internal/alerting/notify"
)

const (
	defaultStreamBuffer    = 32
	defaultStreamHeartbeat = 15 * time.Second
)

var streamSeq atomic.Uint64

// StreamHandler serves alert and insight events as server-sent events.
type StreamHandler struct {
	broker    *notify.Broker
	buffer    int
	heartbeat time.Duration
}

// NewStreamHandler constructs a stream handler. heartbeat <= 0 uses the default.
func NewStreamHandler(broker *notify.Broker, heartbeat time.Duration) *StreamHandler {
	if heartbeat <= 0 {
		heartbeat = defaultStreamHeartbeat
	}
	return &StreamHandler{broker: broker, buffer: defaultStreamBuffer, heartbeat: heartbeat}
}

// ServeHTTP handles GET /api/alerts/stream. An optional kinds query
// parameter restricts the stream to a comma-separated set of event kinds.
func (h *StreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if h == nil || h.broker == nil {
		http.Error(w, "stream not ready", http.StatusServiceUnavailable)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "stream unsupported", http.StatusInternalServerError)
		return
	}
	kinds := parseKinds(r.URL.Query().Get("kinds"))

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	sub := h.broker.Subscribe(fmt.Sprintf("sse-%d", streamSeq.Add(1)), h.buffer)
	defer h.broker.Unsubscribe(sub)

	_, _ = w.Write([]byte("event: ready\ndata: {}\n\n"))
	flusher.Flush()

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	done := r.Context().Done()
	for {
		select {
		case event, ok := <-sub.C():
			if !ok {
				return
			}
			if !kinds.allows(event.Kind) {
				continue
			}
			payload, err := json.Marshal(event)
			if err != nil {
				continue
			}
			_, _ = fmt.Fprintf(w, "event: %s\n", event.Kind)
			_, _ = w.Write([]byte("data: "))
			_, _ = w.Write(payload)
			_, _ = w.Write([]byte("\n\n"))
			flusher.Flush()
		case <-heartbeat.C:
			_, _ = w.Write([]byte(": ping\n\n"))
			flusher.Flush()
		case <-done:
			return
		}
	}
}

type kindSet map[alerting.EventKind]struct{}

func parseKinds(raw string) kindSet {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	set := make(kindSet)
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			set[alerting.EventKind(part)] = struct{}{}
		}
	}
	return set
}

func (s kindSet) allows(kind alerting.EventKind) bool {
	if len(s) == 0 {
		return true
	}
	_, ok := s[kind]
	return ok
}
