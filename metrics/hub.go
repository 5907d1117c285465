package metrics

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ddevcap/hls-proxy/urlsafe"
)

// eventWriteTimeout bounds a single broadcast write so one stalled dashboard
// cannot block the hub.
const eventWriteTimeout = 2 * time.Second

// Event is the wire form of one request record pushed to dashboards.
// URLs are sanitized before they leave the process.
type Event struct {
	Timestamp  string `json:"timestamp"`
	URL        string `json:"url"`
	Host       string `json:"host"`
	Category   string `json:"category"`
	Success    bool   `json:"success"`
	Status     int    `json:"status"`
	Code       string `json:"code,omitempty"`
	DurationMs int64  `json:"durationMs"`
}

// EventHub tracks connected dashboard WebSockets and fans each request
// record out to them. Create one in main and close it during shutdown.
type EventHub struct {
	mu    sync.Mutex
	conns map[*websocket.Conn]struct{}
	done  chan struct{}
}

func NewEventHub() *EventHub {
	return &EventHub{
		conns: make(map[*websocket.Conn]struct{}),
		done:  make(chan struct{}),
	}
}

// Add registers a connection for broadcasts.
func (h *EventHub) Add(conn *websocket.Conn) {
	h.mu.Lock()
	h.conns[conn] = struct{}{}
	h.mu.Unlock()
}

// Remove deregisters a connection. The caller closes it.
func (h *EventHub) Remove(conn *websocket.Conn) {
	h.mu.Lock()
	delete(h.conns, conn)
	h.mu.Unlock()
}

// Done is closed when the hub shuts down; connection handlers select on it.
func (h *EventHub) Done() <-chan struct{} { return h.done }

// Broadcast pushes one request record to every connected dashboard.
// Write failures drop the connection; its handler notices on next read.
func (h *EventHub) Broadcast(req Request) {
	ev := Event{
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
		URL:        urlsafe.SanitizeForLogging(req.URL),
		Host:       req.Host,
		Category:   string(req.Category),
		Success:    req.Success,
		Status:     req.Status,
		Code:       req.Code,
		DurationMs: req.Duration.Milliseconds(),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.conns {
		_ = conn.SetWriteDeadline(time.Now().Add(eventWriteTimeout))
		if err := conn.WriteJSON(ev); err != nil {
			slog.Debug("events: dropping slow subscriber", "error", err)
			delete(h.conns, conn)
			_ = conn.Close()
		}
	}
}

// Shutdown closes all active connections and signals handlers to exit.
func (h *EventHub) Shutdown() {
	close(h.done)
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.conns {
		_ = conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(time.Second),
		)
		_ = conn.Close()
	}
	h.conns = make(map[*websocket.Conn]struct{})
}
