package api

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/requestid"
	"github.com/gin-gonic/gin"

	"github.com/ddevcap/hls-proxy/api/handler"
	"github.com/ddevcap/hls-proxy/api/middleware"
	"github.com/ddevcap/hls-proxy/cache"
	"github.com/ddevcap/hls-proxy/config"
	"github.com/ddevcap/hls-proxy/metrics"
	"github.com/ddevcap/hls-proxy/policy"
	"github.com/ddevcap/hls-proxy/resolver"
	"github.com/ddevcap/hls-proxy/throttle"
	"github.com/ddevcap/hls-proxy/upstream"
)

// corsMiddleware opens every endpoint to any origin. The proxy serves media
// to arbitrary web players, so nothing here is credentialed; errors carry the
// same headers so players can read the JSON envelope.
func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{"GET", "HEAD", "OPTIONS"},
		AllowHeaders: []string{
			"Content-Type", "Range", "Accept", "Origin", "Referer",
			"User-Agent", "Authorization", "X-Requested-With",
		},
		ExposeHeaders: []string{
			"Content-Length", "Content-Range", "Accept-Ranges", "Content-Type",
		},
		AllowCredentials: false,
		MaxAge:           24 * time.Hour,
	})
}

// NewRouter builds the HTTP surface. All dependencies are constructed in main
// and shut down there; the router only wires them together.
func NewRouter(
	cfg config.Config,
	pol *policy.HostPolicy,
	playlists *cache.Playlists,
	segments *cache.Segments,
	client *upstream.Client,
	limiter *throttle.Limiter,
	recorder *metrics.Recorder,
	hub *metrics.EventHub,
	res *resolver.Resolver,
) http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(
		gin.Recovery(),
		requestid.New(),
		middleware.RequestLogger(),
		corsMiddleware(),
		middleware.RateLimit(limiter),
		middleware.Timeout(cfg.RequestTimeout),
	)

	proxyH := handler.NewProxyHandler(cfg, pol, playlists, segments, client, recorder, hub)
	resolveH := handler.NewResolveHandler(res)
	statusH := handler.NewStatusHandler(cfg, recorder, playlists, segments)

	// Streaming endpoints — the URLs rewritten manifests point back at.
	r.GET("/m3u8-proxy", proxyH.Manifest)
	r.POST("/m3u8-proxy", proxyH.Manifest)
	r.GET("/ts-proxy", proxyH.Segment)
	r.GET("/sub-proxy", proxyH.Subtitle)

	r.POST("/resolve", resolveH.Resolve)

	// Operational endpoints.
	ops := r.Group("/proxy")
	{
		ops.GET("/hls", proxyH.ManifestLink)
		ops.GET("/status", statusH.Status)
		ops.GET("/metrics", statusH.Metrics)
		ops.POST("/metrics/reset", statusH.MetricsReset)
		ops.POST("/cache/flush", statusH.CacheFlush)
		ops.GET("/events", handler.EventsHandler(hub))
	}

	// Prometheus exposition for scrapers; dashboards use /proxy/metrics.
	r.GET("/metrics", gin.WrapH(recorder.PromHandler()))

	// Health probes — for container orchestrators.
	r.GET("/health", statusH.Health)
	r.GET("/ready", statusH.Ready)

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{
			"code":    upstream.CodeNotFound,
			"message": "endpoint not found",
		})
	})

	return r
}
