package handler

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/gin-gonic/gin"
	"golang.org/x/sync/singleflight"

	"github.com/ddevcap/hls-proxy/cache"
	"github.com/ddevcap/hls-proxy/config"
	"github.com/ddevcap/hls-proxy/metrics"
	"github.com/ddevcap/hls-proxy/policy"
	"github.com/ddevcap/hls-proxy/rewrite"
	"github.com/ddevcap/hls-proxy/upstream"
	"github.com/ddevcap/hls-proxy/urlsafe"
)

const (
	hlsContentType     = "application/vnd.apple.mpegurl"
	defaultSegmentType = "video/mp2t"

	// maxCacheableSegment bounds what the optional segment cache will hold;
	// anything larger streams through uncached.
	maxCacheableSegment = 20 << 20

	// maxSubtitleSize bounds buffered subtitle bodies.
	maxSubtitleSize = 10 << 20
)

// ProxyHandler serves the manifest, segment, and subtitle endpoints.
type ProxyHandler struct {
	cfg       config.Config
	policy    *policy.HostPolicy
	playlists *cache.Playlists
	segments  *cache.Segments
	client    *upstream.Client
	recorder  *metrics.Recorder
	hub       *metrics.EventHub
	group     singleflight.Group
}

func NewProxyHandler(
	cfg config.Config,
	pol *policy.HostPolicy,
	playlists *cache.Playlists,
	segments *cache.Segments,
	client *upstream.Client,
	recorder *metrics.Recorder,
	hub *metrics.EventHub,
) *ProxyHandler {
	return &ProxyHandler{
		cfg:       cfg,
		policy:    pol,
		playlists: playlists,
		segments:  segments,
		client:    client,
		recorder:  recorder,
		hub:       hub,
	}
}

// ── input parsing ─────────────────────────────────────────────────────────────

// proxyBody is the POST form of the proxy endpoints. headers may arrive as a
// JSON object or as a pre-encoded JSON string; both are tolerated.
type proxyBody struct {
	URL     string          `json:"url"`
	Headers json.RawMessage `json:"headers"`
}

// input extracts the upstream URL and the raw headers JSON from the request:
// query parameters on GET, a JSON body on POST. urlParam names the query
// parameter carrying the URL ("url", or "link" for /proxy/hls).
func input(c *gin.Context, urlParam string) (rawURL, headersJSON string, ok bool) {
	if c.Request.Method == http.MethodPost {
		var body proxyBody
		if err := c.ShouldBindJSON(&body); err != nil {
			badRequest(c, "request body must be JSON with a url field")
			return "", "", false
		}
		rawURL = body.URL
		headersJSON = rawHeadersJSON(body.Headers)
	} else {
		rawURL = c.Query(urlParam)
		headersJSON = c.Query("headers")
	}
	if strings.TrimSpace(rawURL) == "" {
		badRequest(c, "missing required parameter: "+urlParam)
		return "", "", false
	}
	return rawURL, headersJSON, true
}

func rawHeadersJSON(raw json.RawMessage) string {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" {
		return ""
	}
	// A JSON string value holds pre-encoded headers; unwrap it.
	if strings.HasPrefix(s, `"`) {
		var inner string
		if err := json.Unmarshal(raw, &inner); err == nil {
			return inner
		}
	}
	return s
}

// vet runs the URL through safety validation, normalization, and the host
// allowlist, returning the canonical URL and its hostname.
func (h *ProxyHandler) vet(rawURL string) (canonical, host string, err error) {
	if err := urlsafe.ValidateSafety(rawURL); err != nil {
		return "", "", &upstream.StatusError{
			Code:       upstream.CodeMalformed,
			HTTPStatus: http.StatusBadRequest,
			Message:    err.Error(),
		}
	}
	canonical, nerr := urlsafe.Normalize(rawURL)
	if nerr != nil {
		return "", "", &upstream.StatusError{
			Code:       upstream.CodeMalformed,
			HTTPStatus: http.StatusBadRequest,
			Message:    nerr.Error(),
		}
	}
	u, _ := url.Parse(canonical)
	host = u.Hostname()
	if !h.policy.Allowed(host) {
		return "", "", &upstream.StatusError{
			Code:       upstream.CodeHostNotAllowed,
			HTTPStatus: http.StatusForbidden,
			Message:    "host " + strconv.Quote(host) + " is not allowlisted",
			Host:       host,
		}
	}
	return canonical, host, nil
}

// record terminates a request in the metrics layer and notifies dashboards.
func (h *ProxyHandler) record(rawURL, host string, category metrics.Category, status int, errCode string, start time.Time) {
	req := metrics.Request{
		URL:      rawURL,
		Host:     host,
		Category: category,
		Success:  errCode == "",
		Status:   status,
		Code:     errCode,
		Duration: time.Since(start),
	}
	h.recorder.Record(req)
	if h.hub != nil {
		h.hub.Broadcast(req)
	}
}

func errCodeOf(err error) string {
	if se, ok := err.(*upstream.StatusError); ok {
		return se.Code
	}
	return upstream.CodeInternal
}

func errStatusOf(err error) int {
	if se, ok := err.(*upstream.StatusError); ok {
		return se.HTTPStatus
	}
	return http.StatusInternalServerError
}

// ── manifest proxy ────────────────────────────────────────────────────────────

// Manifest handles GET and POST /m3u8-proxy.
func (h *ProxyHandler) Manifest(c *gin.Context) {
	h.serveManifest(c, "url")
}

// ManifestLink handles GET /proxy/hls, which names its URL parameter "link".
func (h *ProxyHandler) ManifestLink(c *gin.Context) {
	h.serveManifest(c, "link")
}

func (h *ProxyHandler) serveManifest(c *gin.Context, urlParam string) {
	start := time.Now()

	rawURL, headersJSON, ok := input(c, urlParam)
	if !ok {
		return
	}
	canonical, host, err := h.vet(rawURL)
	if err != nil {
		writeError(c, err)
		return
	}

	if body, hit := h.playlists.Get(canonical); hit {
		h.emitManifest(c, body, "HIT")
		h.record(canonical, host, metrics.CategoryManifest, http.StatusOK, "", start)
		return
	}

	callerHeaders, perr := upstream.ParseHeadersJSON(headersJSON)
	if perr != nil {
		badRequest(c, perr.Error())
		return
	}
	merged := h.policy.HeadersFor(host, callerHeaders)
	base := BaseURL(h.cfg.ExternalURL, c.Request)

	// Identical concurrent misses share one upstream fetch. The key carries
	// the base URL and headers because both shape the rewritten body.
	key := canonical + "\x00" + base + "\x00" + headersJSON
	v, err, _ := h.group.Do(key, func() (any, error) {
		body, ferr := h.client.FetchManifest(c.Request.Context(), canonical, merged)
		if ferr != nil {
			return nil, ferr
		}
		u, _ := url.Parse(canonical)
		rewritten := rewrite.Manifest(body, u, base, headersJSON)
		h.playlists.Set(canonical, rewritten)
		return rewritten, nil
	})
	if err != nil {
		h.record(canonical, host, metrics.CategoryManifest, errStatusOf(err), errCodeOf(err), start)
		writeError(c, err)
		return
	}

	h.emitManifest(c, v.([]byte), "MISS")
	h.record(canonical, host, metrics.CategoryManifest, http.StatusOK, "", start)
}

func (h *ProxyHandler) emitManifest(c *gin.Context, body []byte, cacheState string) {
	c.Header("X-Cache", cacheState)
	c.Header("Cache-Control", "no-cache")
	c.Data(http.StatusOK, hlsContentType, body)
}

// ── segment proxy ─────────────────────────────────────────────────────────────

// Segment handles GET /ts-proxy: media segments and encryption keys.
func (h *ProxyHandler) Segment(c *gin.Context) {
	start := time.Now()

	rawURL, headersJSON, ok := input(c, "url")
	if !ok {
		return
	}
	canonical, host, err := h.vet(rawURL)
	if err != nil {
		writeError(c, err)
		return
	}

	rangeHeader := c.GetHeader("Range")

	if rangeHeader == "" {
		if seg, hit := h.segments.Get(canonical); hit {
			c.Header("X-Cache", "HIT")
			c.Data(http.StatusOK, seg.ContentType, seg.Body)
			h.record(canonical, host, metrics.CategorySegment, http.StatusOK, "", start)
			return
		}
	}

	callerHeaders, perr := upstream.ParseHeadersJSON(headersJSON)
	if perr != nil {
		badRequest(c, perr.Error())
		return
	}
	merged := h.policy.HeadersFor(host, callerHeaders)
	merged.Del("Range") // the caller's Range header wins, passed separately

	resp, err := h.client.Open(c.Request.Context(), canonical, merged, rangeHeader)
	if err != nil {
		h.record(canonical, host, metrics.CategorySegment, errStatusOf(err), errCodeOf(err), start)
		writeError(c, err)
		return
	}
	defer func() { _ = resp.Body.Close() }()

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = defaultSegmentType
	}
	c.Header("Content-Type", contentType)
	for _, name := range []string{"Content-Length", "Content-Range", "Accept-Ranges"} {
		if v := resp.Header.Get(name); v != "" {
			c.Header(name, v)
		}
	}
	c.Status(resp.StatusCode)

	var buf *bytes.Buffer
	var body io.Reader = resp.Body
	if h.cacheable(resp, rangeHeader) {
		buf = &bytes.Buffer{}
		body = io.TeeReader(resp.Body, buf)
	}

	if err := upstream.Copy(c.Writer, body); err != nil {
		// Headers are gone; terminating the body is all that's left.
		h.record(canonical, host, metrics.CategorySegment, resp.StatusCode, upstream.CodeInternal, start)
		c.Abort()
		return
	}

	if buf != nil {
		h.segments.Set(canonical, cache.Segment{Body: buf.Bytes(), ContentType: contentType})
	}
	h.record(canonical, host, metrics.CategorySegment, resp.StatusCode, "", start)
}

// cacheable reports whether this response may enter the segment cache:
// complete 200 responses of known, bounded size only — never ranges.
func (h *ProxyHandler) cacheable(resp *http.Response, rangeHeader string) bool {
	if !h.segments.Enabled() || rangeHeader != "" || resp.StatusCode != http.StatusOK {
		return false
	}
	return resp.ContentLength > 0 && resp.ContentLength <= maxCacheableSegment
}

// ── subtitle proxy ────────────────────────────────────────────────────────────

// Subtitle handles GET /sub-proxy: a buffered pass-through with long-lived
// caching headers, since subtitle files are small and immutable.
func (h *ProxyHandler) Subtitle(c *gin.Context) {
	start := time.Now()

	rawURL, headersJSON, ok := input(c, "url")
	if !ok {
		return
	}
	canonical, host, err := h.vet(rawURL)
	if err != nil {
		writeError(c, err)
		return
	}

	callerHeaders, perr := upstream.ParseHeadersJSON(headersJSON)
	if perr != nil {
		badRequest(c, perr.Error())
		return
	}
	merged := h.policy.HeadersFor(host, callerHeaders)

	resp, err := h.client.Open(c.Request.Context(), canonical, merged, "")
	if err != nil {
		h.record(canonical, host, metrics.CategorySegment, errStatusOf(err), errCodeOf(err), start)
		writeError(c, err)
		return
	}
	defer func() { _ = resp.Body.Close() }()

	body, rerr := io.ReadAll(io.LimitReader(resp.Body, maxSubtitleSize))
	if rerr != nil {
		h.record(canonical, host, metrics.CategorySegment, http.StatusBadGateway, upstream.CodeBadGateway, start)
		writeError(c, &upstream.StatusError{
			Code:       upstream.CodeBadGateway,
			HTTPStatus: http.StatusBadGateway,
			Message:    "reading subtitle body: " + rerr.Error(),
			Host:       host,
		})
		return
	}

	c.Header("Cache-Control", "public, max-age=3600")
	c.Data(http.StatusOK, subtitleContentType(resp.Header.Get("Content-Type"), body), body)
	h.record(canonical, host, metrics.CategorySegment, http.StatusOK, "", start)
}

// subtitleContentType keeps the upstream's type when it committed to one,
// sniffs otherwise, and falls back to WebVTT when sniffing only finds
// generic text or bytes.
func subtitleContentType(upstreamType string, body []byte) string {
	if upstreamType != "" && upstreamType != "application/octet-stream" {
		return upstreamType
	}
	detected := mimetype.Detect(body)
	if detected.Is("text/plain") || detected.Is("application/octet-stream") {
		return "text/vtt"
	}
	return detected.String()
}
