package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/ddevcap/hls-proxy/metrics"
)

const (
	// wsKeepAliveInterval is how often the proxy pings connected dashboards.
	wsKeepAliveInterval = 10 * time.Second
	// wsReadDeadline is the maximum time to wait for a pong before considering
	// the connection dead.
	wsReadDeadline = 90 * time.Second
)

var upgrader = websocket.Upgrader{
	HandshakeTimeout: 10 * time.Second,
	ReadBufferSize:   1024,
	WriteBufferSize:  1024,
	// Dashboards connect cross-origin; the event stream carries no secrets.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// EventsHandler returns a gin handler that upgrades /proxy/events and keeps
// the connection registered with the hub until the client or the server
// goes away.
func EventsHandler(hub *metrics.EventHub) gin.HandlerFunc {
	return func(c *gin.Context) {
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			return
		}
		hub.Add(conn)
		defer func() {
			hub.Remove(conn)
			_ = conn.Close()
		}()

		ticker := time.NewTicker(wsKeepAliveInterval)
		defer ticker.Stop()

		_ = conn.SetReadDeadline(time.Now().Add(wsReadDeadline))
		conn.SetPongHandler(func(string) error {
			_ = conn.SetReadDeadline(time.Now().Add(wsReadDeadline))
			return nil
		})

		readErr := make(chan error, 1)
		go func() {
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					readErr <- err
					return
				}
			}
		}()

		for {
			select {
			case <-hub.Done():
				return
			case <-ticker.C:
				deadline := time.Now().Add(2 * time.Second)
				if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
					slog.Debug("ws: keepalive write error", "error", err)
					return
				}
			case err := <-readErr:
				if websocket.IsUnexpectedCloseError(err,
					websocket.CloseGoingAway,
					websocket.CloseNormalClosure,
					websocket.CloseNoStatusReceived,
				) {
					slog.Debug("ws: unexpected close", "error", err)
				}
				return
			}
		}
	}
}
