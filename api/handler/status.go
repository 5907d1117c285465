package handler

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ddevcap/hls-proxy/cache"
	"github.com/ddevcap/hls-proxy/config"
	"github.com/ddevcap/hls-proxy/metrics"
)

// StatusHandler serves health, diagnostics, and operational endpoints.
type StatusHandler struct {
	cfg       config.Config
	recorder  *metrics.Recorder
	playlists *cache.Playlists
	segments  *cache.Segments
}

func NewStatusHandler(cfg config.Config, recorder *metrics.Recorder, playlists *cache.Playlists, segments *cache.Segments) *StatusHandler {
	return &StatusHandler{cfg: cfg, recorder: recorder, playlists: playlists, segments: segments}
}

// Health handles GET /health.
func (h *StatusHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Ready handles GET /ready. The proxy has no backing stores to wait for, so
// readiness follows liveness.
func (h *StatusHandler) Ready(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// Status handles GET /proxy/status: a diagnostic snapshot of how the proxy
// sees this request, mainly for debugging reverse-proxy and TLS setups.
func (h *StatusHandler) Status(c *gin.Context) {
	base := BaseURL(h.cfg.ExternalURL, c.Request)
	proto, _, _ := strings.Cut(base, "://")

	c.JSON(http.StatusOK, gin.H{
		"status":          "ok",
		"timestamp":       time.Now().UTC().Format(time.RFC3339),
		"userAgent":       h.cfg.UserAgent,
		"serverUrl":       base,
		"protocol":        proto,
		"host":            c.Request.Host,
		"xForwardedProto": c.GetHeader("X-Forwarded-Proto"),
		"reqProtocol":     c.Request.Proto,
	})
}

// Metrics handles GET /proxy/metrics: the JSON counters dashboard clients
// poll. The Prometheus exposition lives at /metrics instead.
func (h *StatusHandler) Metrics(c *gin.Context) {
	global, perHost := h.recorder.Snapshot()
	hits, misses, evictions := h.playlists.Stats()

	c.JSON(http.StatusOK, gin.H{
		"global": global,
		"hosts":  perHost,
		"cache": gin.H{
			"hits":      hits,
			"misses":    misses,
			"evictions": evictions,
		},
	})
}

// MetricsReset handles POST /proxy/metrics/reset.
func (h *StatusHandler) MetricsReset(c *gin.Context) {
	h.recorder.Reset()
	c.Status(http.StatusNoContent)
}

// CacheFlush handles POST /proxy/cache/flush, dropping every cached playlist
// and segment.
func (h *StatusHandler) CacheFlush(c *gin.Context) {
	h.playlists.Flush()
	h.segments.Flush()
	c.Status(http.StatusNoContent)
}
