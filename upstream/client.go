// Package upstream is the only place the proxy talks to third-party origins.
// It owns header merging, Referer repair, the upstream deadline, and the
// translation of upstream failures into categorized errors.
package upstream

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client issues upstream requests with a bounded deadline. The deadline is
// enforced by the embedded http.Client so it covers the body read, not just
// the response headers.
type Client struct {
	http      *http.Client
	probe     *http.Client
	userAgent string
}

// New builds a Client. timeout bounds every fetch (manifest and segment);
// probeTimeout bounds resolver HEAD probes.
func New(timeout, probeTimeout time.Duration, userAgent string) *Client {
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 20,
		IdleConnTimeout:     90 * time.Second,
		ForceAttemptHTTP2:   true,
	}
	return &Client{
		http:      &http.Client{Transport: transport, Timeout: timeout},
		probe:     &http.Client{Transport: transport, Timeout: probeTimeout},
		userAgent: userAgent,
	}
}

// Open performs a GET against rawURL and classifies the result. A non-nil
// response is always 2xx and its body is still open; the caller streams and
// closes it. headers are sent as-is after Referer repair and UA defaulting;
// rangeHeader, when non-empty, is forwarded verbatim.
func (c *Client) Open(ctx context.Context, rawURL string, headers http.Header, rangeHeader string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, &StatusError{
			Code:       CodeMalformed,
			HTTPStatus: http.StatusBadRequest,
			Message:    "could not build upstream request: " + err.Error(),
		}
	}
	host := req.URL.Hostname()

	c.applyHeaders(req, headers)
	if rangeHeader != "" {
		req.Header.Set("Range", rangeHeader)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, classifyTransport(err, host)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_ = resp.Body.Close()
		return nil, classifyStatus(resp.StatusCode, host)
	}
	return resp, nil
}

// FetchManifest retrieves a playlist body. Manifests are small; buffering
// them is what makes the rewrite-then-cache flow possible.
func (c *Client) FetchManifest(ctx context.Context, rawURL string, headers http.Header) ([]byte, error) {
	resp, err := c.Open(ctx, rawURL, headers, "")
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, classifyTransport(err, resp.Request.URL.Hostname())
	}
	return body, nil
}

// HeadContentType issues a HEAD probe and returns the Content-Type. Used by
// the resolver to distinguish playlists from other content.
func (c *Client) HeadContentType(ctx context.Context, rawURL string, headers http.Header) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, rawURL, nil)
	if err != nil {
		return "", err
	}
	c.applyHeaders(req, headers)

	resp, err := c.probe.Do(req)
	if err != nil {
		return "", err
	}
	_ = resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 400 {
		return "", classifyStatus(resp.StatusCode, req.URL.Hostname())
	}
	return resp.Header.Get("Content-Type"), nil
}

// applyHeaders copies the caller's headers onto req, repairs the Referer,
// and fills in the default User-Agent.
func (c *Client) applyHeaders(req *http.Request, headers http.Header) {
	for name, values := range headers {
		for _, v := range values {
			req.Header.Set(name, v)
		}
	}
	RepairReferer(req.Header)
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
}

// RepairReferer fixes a Referer that is not an absolute URL. A path gets the
// Origin prepended; a bare slug becomes {Origin}/{slug}; without an Origin
// the Referer is dropped rather than sent broken.
func RepairReferer(h http.Header) {
	referer := h.Get("Referer")
	if referer == "" {
		return
	}
	if u, err := url.Parse(referer); err == nil && u.IsAbs() && u.Host != "" {
		return
	}

	origin := h.Get("Origin")
	if origin == "" {
		h.Del("Referer")
		return
	}
	origin = strings.TrimRight(origin, "/")
	if strings.HasPrefix(referer, "/") {
		h.Set("Referer", origin+referer)
	} else {
		h.Set("Referer", origin+"/"+referer)
	}
}

// Copy streams body to w, flushing after every write so live segments reach
// the player as they arrive. A client disconnect surfaces as a write error
// and stops the upstream read.
func Copy(w http.ResponseWriter, body io.Reader) error {
	flusher, canFlush := w.(http.Flusher)
	buf := make([]byte, 32*1024)
	for {
		n, readErr := body.Read(buf)
		if n > 0 {
			if _, writeErr := w.Write(buf[:n]); writeErr != nil {
				return writeErr
			}
			if canFlush {
				flusher.Flush()
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				return nil
			}
			return readErr
		}
	}
}
