package server

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wilsonherrera77/ai-bridge-cli/internal/event"
	"github.com/wilsonherrera77/ai-bridge-cli/internal/logging"
)

const (
	wsReadBufferSize  = 1024
	wsWriteBufferSize = 1024
	wsWriteTimeout    = 10 * time.Second
)

type wsError struct {
	Status    int
	CloseCode int
	Message   string
	Err       error
}

func upgradeWebSocket(w http.ResponseWriter, r *http.Request, allowedOrigins []string) (*websocket.Conn, error) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  wsReadBufferSize,
		WriteBufferSize: wsWriteBufferSize,
		CheckOrigin: func(r *http.Request) bool {
			return isOriginAllowed(r, allowedOrigins)
		},
	}
	return upgrader.Upgrade(w, r, nil)
}

func requireWSToken(w http.ResponseWriter, r *http.Request, token string, logger *logging.Logger) bool {
	if !validateToken(r, token) {
		writeWSError(w, r, logger, wsError{
			Status:    http.StatusUnauthorized,
			CloseCode: websocket.ClosePolicyViolation,
			Message:   "unauthorized",
		})
		return false
	}
	return true
}

func writeWSError(w http.ResponseWriter, r *http.Request, logger *logging.Logger, wsErr wsError) {
	status := wsErr.Status
	if status == 0 {
		status = http.StatusInternalServerError
	}
	reason := wsErr.Message
	if reason == "" {
		reason = http.StatusText(status)
	}

	fields := map[string]string{
		"bridge.category": "api",
		"path":            r.URL.Path,
		"status":          strconv.Itoa(status),
		"message":         reason,
	}
	if wsErr.Err != nil {
		fields["bridge.error"] = wsErr.Err.Error()
	}
	if status >= http.StatusInternalServerError {
		logger.Error("websocket error", fields)
	} else {
		logger.Warn("websocket error", fields)
	}

	http.Error(w, reason, status)
}

// streamWS writes every value from output to the connection as JSON until the
// client goes away or the source closes. The read loop exists only to observe
// close frames.
func streamWS[T any](conn *websocket.Conn, output <-chan T, build func(T) (any, bool)) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case value, ok := <-output:
			if !ok {
				return
			}
			payload, ok := build(value)
			if !ok {
				continue
			}
			if err := conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout)); err != nil {
				return
			}
			if err := conn.WriteJSON(payload); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

// EventsHandler streams the shared event bus over a WebSocket. An optional
// comma-separated "types" query parameter restricts the stream.
type EventsHandler struct {
	Bus            *event.Bus[event.Event]
	Logger         *logging.Logger
	AuthToken      string
	AllowedOrigins []string
}

type eventEnvelope struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Event     any       `json:"event"`
}

func (h *EventsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !requireWSToken(w, r, h.AuthToken, h.Logger) {
		return
	}
	if h.Bus == nil {
		writeWSError(w, r, h.Logger, wsError{
			Status:  http.StatusServiceUnavailable,
			Message: "event stream unavailable",
		})
		return
	}

	var filter func(event.Event) bool
	if raw := strings.TrimSpace(r.URL.Query().Get("types")); raw != "" {
		wanted := make(map[string]struct{})
		for _, eventType := range strings.Split(raw, ",") {
			if eventType = strings.TrimSpace(eventType); eventType != "" {
				wanted[eventType] = struct{}{}
			}
		}
		filter = func(evt event.Event) bool {
			_, ok := wanted[evt.Type()]
			return ok
		}
	}

	output, cancel := h.Bus.SubscribeFiltered(filter)
	defer cancel()

	conn, err := upgradeWebSocket(w, r, h.AllowedOrigins)
	if err != nil {
		h.Logger.Warn("websocket upgrade failed", map[string]string{
			"bridge.category": "api",
			"path":            r.URL.Path,
			"bridge.error":    err.Error(),
		})
		return
	}
	defer conn.Close()

	streamWS(conn, output, func(evt event.Event) (any, bool) {
		return eventEnvelope{Type: evt.Type(), Timestamp: evt.Timestamp(), Event: evt}, true
	})
}

// LogsHandler streams live log entries. A "level" query parameter drops
// entries below the given severity.
type LogsHandler struct {
	Logger         *logging.Logger
	AuthToken      string
	AllowedOrigins []string
}

func (h *LogsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !requireWSToken(w, r, h.AuthToken, h.Logger) {
		return
	}

	var minLevel logging.Level
	if raw := r.URL.Query().Get("level"); raw != "" {
		level, ok := logging.ParseLevel(raw)
		if !ok {
			writeWSError(w, r, h.Logger, wsError{
				Status:  http.StatusBadRequest,
				Message: "unknown log level",
			})
			return
		}
		minLevel = level
	}

	output, cancel := h.Logger.Subscribe()
	if output == nil {
		writeWSError(w, r, h.Logger, wsError{
			Status:  http.StatusServiceUnavailable,
			Message: "log stream unavailable",
		})
		return
	}
	defer cancel()

	conn, err := upgradeWebSocket(w, r, h.AllowedOrigins)
	if err != nil {
		return
	}
	defer conn.Close()

	streamWS(conn, output, func(entry logging.LogEntry) (any, bool) {
		if !logging.LevelAtLeast(entry.Level, minLevel) {
			return nil, false
		}
		return entry, true
	})
}
