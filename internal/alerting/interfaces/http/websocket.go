package http

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	alerting "infrawatch/internal/alerting/domain"
	"infrawatch/internal/alerting/notify"
)

const (
	wsWriteWait      = 15 * time.Second
	wsPongWait       = 60 * time.Second
	wsPingPeriod     = (wsPongWait * 9) / 10
	wsMaxMessageSize = 4096
)

// WebSocketHandler streams events to WebSocket clients.
type WebSocketHandler struct {
	broker   *notify.Broker
	upgrader websocket.Upgrader
	logger   zerolog.Logger
}

// NewWebSocketHandler constructs a handler. An empty allowedOrigins list
// accepts same-host requests only; "*" accepts any origin.
func NewWebSocketHandler(broker *notify.Broker, allowedOrigins []string, logger zerolog.Logger) *WebSocketHandler {
	return &WebSocketHandler{
		broker: broker,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     originChecker(allowedOrigins),
		},
		logger: logger,
	}
}

// ServeHTTP handles GET /api/ws.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.broker == nil {
		http.Error(w, "stream not ready", http.StatusServiceUnavailable)
		return
	}
	kinds := parseKinds(r.URL.Query().Get("kinds"))
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}

	sub := h.broker.Subscribe(fmt.Sprintf("ws-%d", streamSeq.Add(1)), defaultStreamBuffer)
	h.logger.Debug().Str("subscriber", sub.Name()).Str("remote", r.RemoteAddr).Msg("websocket client connected")

	done := make(chan struct{})
	go h.readPump(conn, done)
	h.writePump(conn, sub, kinds, done)

	h.broker.Unsubscribe(sub)
	_ = conn.Close()
	h.logger.Debug().Str("subscriber", sub.Name()).Msg("websocket client disconnected")
}

// readPump drains client frames so control messages are processed.
func (h *WebSocketHandler) readPump(conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)
	conn.SetReadLimit(wsMaxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug().Err(err).Msg("websocket read error")
			}
			return
		}
	}
}

func (h *WebSocketHandler) writePump(conn *websocket.Conn, sub *notify.Subscription, kinds kindSet, done <-chan struct{}) {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case event, ok := <-sub.C():
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
				return
			}
			if !kinds.allows(event.Kind) {
				continue
			}
			if err := conn.WriteJSON(wsMessage{Type: event.Kind, Data: event}); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

type wsMessage struct {
	Type alerting.EventKind `json:"type"`
	Data alerting.Event     `json:"data"`
}

func originChecker(allowed []string) func(*http.Request) bool {
	set := make(map[string]struct{}, len(allowed))
	for _, origin := range allowed {
		if origin = strings.TrimSpace(origin); origin != "" {
			set[strings.ToLower(origin)] = struct{}{}
		}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		if _, ok := set["*"]; ok {
			return true
		}
		if _, ok := set[strings.ToLower(origin)]; ok {
			return true
		}
		u, err := url.Parse(origin)
		return err == nil && strings.EqualFold(u.Host, r.Host)
	}
}
