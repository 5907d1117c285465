package handler_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/gin-gonic/gin"

	"github.com/ddevcap/hls-proxy/api/handler"
	"github.com/ddevcap/hls-proxy/cache"
	"github.com/ddevcap/hls-proxy/config"
	"github.com/ddevcap/hls-proxy/metrics"
	"github.com/ddevcap/hls-proxy/policy"
	"github.com/ddevcap/hls-proxy/upstream"
)

func TestHandler(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Handler Suite")
}

// newProxyRouter wires a ProxyHandler against the given policy with short
// timeouts suitable for tests.
func newProxyRouter(pol *policy.HostPolicy, segmentCache bool) (*gin.Engine, *metrics.Recorder) {
	gin.SetMode(gin.TestMode)

	cfg := config.Config{
		ExternalURL:     "https://proxy.example",
		UserAgent:       "test-agent",
		UpstreamTimeout: 5 * time.Second,
		RequestTimeout:  10 * time.Second,
		ProbeTimeout:    2 * time.Second,
	}
	playlists := cache.NewPlaylists(30*time.Second, 100)
	segments := cache.NewSegments(segmentCache, time.Minute, 100)
	client := upstream.New(cfg.UpstreamTimeout, cfg.ProbeTimeout, cfg.UserAgent)
	recorder := metrics.NewRecorder()

	h := handler.NewProxyHandler(cfg, pol, playlists, segments, client, recorder, nil)

	r := gin.New()
	r.GET("/m3u8-proxy", h.Manifest)
	r.POST("/m3u8-proxy", h.Manifest)
	r.GET("/ts-proxy", h.Segment)
	r.GET("/sub-proxy", h.Subtitle)
	return r, recorder
}

func get(r *gin.Engine, target string, header http.Header) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	for name, values := range header {
		for _, v := range values {
			req.Header.Add(name, v)
		}
	}
	r.ServeHTTP(w, req)
	return w
}

func decodeBody(w *httptest.ResponseRecorder) map[string]any {
	var body map[string]any
	ExpectWithOffset(1, json.Unmarshal(w.Body.Bytes(), &body)).To(Succeed())
	return body
}

var _ = Describe("Manifest proxy", func() {
	It("rewrites segment URIs and reports cache state", func() {
		origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
			_, _ = w.Write([]byte("#EXTM3U\n#EXTINF:4.0,\nseg1.ts\n#EXT-X-ENDLIST"))
		}))
		defer origin.Close()

		r, _ := newProxyRouter(policy.New(nil, nil), false)
		playlist := origin.URL + "/live/index.m3u8"

		w := get(r, "/m3u8-proxy?url="+url.QueryEscape(playlist), nil)
		Expect(w.Code).To(Equal(http.StatusOK))
		Expect(w.Header().Get("Content-Type")).To(Equal("application/vnd.apple.mpegurl"))
		Expect(w.Header().Get("X-Cache")).To(Equal("MISS"))
		Expect(w.Header().Get("Cache-Control")).To(Equal("no-cache"))

		expectedSeg := "https://proxy.example/ts-proxy?url=" + url.QueryEscape(origin.URL+"/live/seg1.ts")
		Expect(w.Body.String()).To(ContainSubstring(expectedSeg))
		Expect(w.Body.String()).To(HavePrefix("#EXTM3U\n"))

		// Second fetch is served from cache.
		w = get(r, "/m3u8-proxy?url="+url.QueryEscape(playlist), nil)
		Expect(w.Code).To(Equal(http.StatusOK))
		Expect(w.Header().Get("X-Cache")).To(Equal("HIT"))
	})

	It("accepts a POST body with url and headers", func() {
		var gotReferer string
		origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotReferer = r.Header.Get("Referer")
			_, _ = w.Write([]byte("#EXTM3U\n#EXT-X-ENDLIST"))
		}))
		defer origin.Close()

		r, _ := newProxyRouter(policy.New(nil, nil), false)

		payload, _ := json.Marshal(map[string]any{
			"url":     origin.URL + "/index.m3u8",
			"headers": map[string]string{"Referer": "https://embedder.example/"},
		})
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/m3u8-proxy", strings.NewReader(string(payload)))
		req.Header.Set("Content-Type", "application/json")
		r.ServeHTTP(w, req)

		Expect(w.Code).To(Equal(http.StatusOK))
		Expect(gotReferer).To(Equal("https://embedder.example/"))
	})

	It("rejects a missing url parameter", func() {
		r, _ := newProxyRouter(policy.New(nil, nil), false)
		w := get(r, "/m3u8-proxy", nil)
		Expect(w.Code).To(Equal(http.StatusBadRequest))
		Expect(decodeBody(w)["code"]).To(Equal("URL_MALFORMED"))
	})

	It("rejects a non-allowlisted host with the offending hostname", func() {
		r, _ := newProxyRouter(policy.New([]string{"allowed.example"}, nil), false)
		w := get(r, "/m3u8-proxy?url="+url.QueryEscape("https://evil.example/index.m3u8"), nil)
		Expect(w.Code).To(Equal(http.StatusForbidden))

		body := decodeBody(w)
		Expect(body["code"]).To(Equal("HOST_NOT_ALLOWED"))
		Expect(body["host"]).To(Equal("evil.example"))
	})

	It("maps an upstream 403 to the UPSTREAM_403 envelope", func() {
		origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusForbidden)
		}))
		defer origin.Close()

		r, _ := newProxyRouter(policy.New(nil, nil), false)
		w := get(r, "/m3u8-proxy?url="+url.QueryEscape(origin.URL+"/index.m3u8"), nil)
		Expect(w.Code).To(Equal(http.StatusForbidden))

		body := decodeBody(w)
		Expect(body["code"]).To(Equal("UPSTREAM_403"))
		Expect(body["host"]).NotTo(BeEmpty())
	})
})

var _ = Describe("Segment proxy", func() {
	It("forwards Range requests verbatim and preserves 206", func() {
		origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			Expect(r.Header.Get("Range")).To(Equal("bytes=0-99"))
			w.Header().Set("Content-Type", "video/mp2t")
			w.Header().Set("Content-Range", "bytes 0-99/1000")
			w.Header().Set("Accept-Ranges", "bytes")
			w.WriteHeader(http.StatusPartialContent)
			_, _ = w.Write(make([]byte, 100))
		}))
		defer origin.Close()

		r, _ := newProxyRouter(policy.New(nil, nil), false)
		w := get(r, "/ts-proxy?url="+url.QueryEscape(origin.URL+"/seg1.ts"),
			http.Header{"Range": {"bytes=0-99"}})

		Expect(w.Code).To(Equal(http.StatusPartialContent))
		Expect(w.Header().Get("Content-Range")).To(Equal("bytes 0-99/1000"))
		Expect(w.Header().Get("Accept-Ranges")).To(Equal("bytes"))
		Expect(w.Body.Len()).To(Equal(100))
	})

	It("defaults the content type for segments", func() {
		origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header()["Content-Type"] = nil
			_, _ = w.Write([]byte{0x47, 0x00, 0x00})
		}))
		defer origin.Close()

		r, _ := newProxyRouter(policy.New(nil, nil), false)
		w := get(r, "/ts-proxy?url="+url.QueryEscape(origin.URL+"/seg1.ts"), nil)
		Expect(w.Code).To(Equal(http.StatusOK))
		Expect(w.Header().Get("Content-Type")).To(Equal("video/mp2t"))
	})

	It("serves a repeat full fetch from the segment cache when enabled", func() {
		hits := 0
		origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			hits++
			w.Header().Set("Content-Type", "video/mp2t")
			_, _ = w.Write([]byte("segment-bytes"))
		}))
		defer origin.Close()

		r, _ := newProxyRouter(policy.New(nil, nil), true)
		target := "/ts-proxy?url=" + url.QueryEscape(origin.URL+"/seg1.ts")

		Expect(get(r, target, nil).Code).To(Equal(http.StatusOK))

		w := get(r, target, nil)
		Expect(w.Code).To(Equal(http.StatusOK))
		Expect(w.Header().Get("X-Cache")).To(Equal("HIT"))
		Expect(w.Body.String()).To(Equal("segment-bytes"))
		Expect(hits).To(Equal(1))
	})
})

var _ = Describe("Subtitle proxy", func() {
	It("buffers the body and applies long-lived caching headers", func() {
		origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header()["Content-Type"] = nil
			_, _ = w.Write([]byte("WEBVTT\n\n00:00.000 --> 00:04.000\nhello"))
		}))
		defer origin.Close()

		r, _ := newProxyRouter(policy.New(nil, nil), false)
		w := get(r, "/sub-proxy?url="+url.QueryEscape(origin.URL+"/subs.vtt"), nil)

		Expect(w.Code).To(Equal(http.StatusOK))
		Expect(w.Header().Get("Cache-Control")).To(Equal("public, max-age=3600"))
		Expect(w.Header().Get("Content-Type")).To(HavePrefix("text/vtt"))
	})

	It("keeps the upstream content type when one is set", func() {
		origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/x-subrip")
			_, _ = w.Write([]byte("1\n00:00:00,000 --> 00:00:04,000\nhello"))
		}))
		defer origin.Close()

		r, _ := newProxyRouter(policy.New(nil, nil), false)
		w := get(r, "/sub-proxy?url="+url.QueryEscape(origin.URL+"/subs.srt"), nil)
		Expect(w.Header().Get("Content-Type")).To(Equal("application/x-subrip"))
	})
})

var _ = Describe("BaseURL", func() {
	req := func(host string, header http.Header) *http.Request {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.Host = host
		for name, values := range header {
			for _, v := range values {
				r.Header.Add(name, v)
			}
		}
		return r
	}

	It("prefers the configured external URL", func() {
		Expect(handler.BaseURL("https://proxy.example/", req("other.example", nil))).
			To(Equal("https://proxy.example"))
	})

	It("forces https for railway hosts", func() {
		Expect(handler.BaseURL("", req("app.up.railway.app", nil))).
			To(Equal("https://app.up.railway.app"))
	})

	It("forces http for localhost and private addresses", func() {
		Expect(handler.BaseURL("", req("localhost:4040", nil))).
			To(Equal("http://localhost:4040"))
		Expect(handler.BaseURL("", req("192.168.1.20:4040", nil))).
			To(Equal("http://192.168.1.20:4040"))
	})

	It("trusts X-Forwarded-Proto for public hosts", func() {
		h := http.Header{"X-Forwarded-Proto": {"http"}}
		Expect(handler.BaseURL("", req("cdn.example.net", h))).
			To(Equal("http://cdn.example.net"))
	})

	It("defaults public hosts to https", func() {
		Expect(handler.BaseURL("", req("cdn.example.net", nil))).
			To(Equal("https://cdn.example.net"))
	})
})
