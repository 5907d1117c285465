// Package metrics keeps per-host and global request statistics and emits the
// structured request log. Counters are monotonic until an explicit reset;
// timing samples are bounded FIFOs so memory stays flat under load.
package metrics

import (
	"log/slog"
	"sync"
	"time"

	"github.com/ddevcap/hls-proxy/urlsafe"
)

// Category labels the two proxied request kinds.
type Category string

const (
	CategoryManifest Category = "manifest"
	CategorySegment  Category = "segment"
)

// timingBufferSize bounds each FIFO of recent duration samples.
const timingBufferSize = 1000

// scope accumulates counters and timings for one host, or globally.
type scope struct {
	requests       uint64
	errors         uint64
	manifests      uint64
	segments       uint64
	manifestErrors uint64
	segmentErrors  uint64

	manifestTimings []time.Duration
	segmentTimings  []time.Duration

	lastErrorCode string
	lastErrorAt   time.Time
}

func (s *scope) record(category Category, success bool, code string, d time.Duration, at time.Time) {
	s.requests++
	switch category {
	case CategoryManifest:
		s.manifests++
		s.manifestTimings = push(s.manifestTimings, d)
		if !success {
			s.manifestErrors++
		}
	case CategorySegment:
		s.segments++
		s.segmentTimings = push(s.segmentTimings, d)
		if !success {
			s.segmentErrors++
		}
	}
	if !success {
		s.errors++
		s.lastErrorCode = code
		s.lastErrorAt = at
	}
}

func push(buf []time.Duration, d time.Duration) []time.Duration {
	if len(buf) == timingBufferSize {
		copy(buf, buf[1:])
		buf[timingBufferSize-1] = d
		return buf
	}
	return append(buf, d)
}

// Recorder is the process-wide metrics sink. Safe for concurrent use.
type Recorder struct {
	mu     sync.Mutex
	global scope
	hosts  map[string]*scope
	prom   *promSet
}

// NewRecorder creates a Recorder with its own prometheus registry.
func NewRecorder() *Recorder {
	return &Recorder{
		hosts: make(map[string]*scope),
		prom:  newPromSet(),
	}
}

// Request describes one terminated proxy request.
type Request struct {
	URL      string // raw upstream URL; sanitized before logging
	Host     string
	Category Category
	Success  bool
	Status   int
	Code     string // error code, empty on success
	Duration time.Duration
}

// Record folds one request into the per-host and global scopes, updates the
// prometheus series, and emits the structured request log line.
func (r *Recorder) Record(req Request) {
	now := time.Now()

	r.mu.Lock()
	r.global.record(req.Category, req.Success, req.Code, req.Duration, now)
	hs, ok := r.hosts[req.Host]
	if !ok {
		hs = &scope{}
		r.hosts[req.Host] = hs
	}
	hs.record(req.Category, req.Success, req.Code, req.Duration, now)
	r.mu.Unlock()

	r.prom.observe(req)

	slog.Info("proxy request",
		"url", urlsafe.SanitizeForLogging(req.URL),
		"host", req.Host,
		"category", string(req.Category),
		"success", req.Success,
		"status", req.Status,
		"duration_ms", req.Duration.Milliseconds(),
	)
}

// HostStats is a point-in-time view of one scope.
type HostStats struct {
	Requests         uint64  `json:"requests"`
	Errors           uint64  `json:"errors"`
	Manifests        uint64  `json:"manifests"`
	Segments         uint64  `json:"segments"`
	SuccessRate      float64 `json:"successRate"`
	SegmentErrorRate float64 `json:"segmentErrorRate"`
	AvgManifestMs    float64 `json:"avgManifestMs"`
	AvgSegmentMs     float64 `json:"avgSegmentMs"`
	LastErrorCode    string  `json:"lastErrorCode,omitempty"`
	LastErrorAt      string  `json:"lastErrorAt,omitempty"`
}

// Snapshot returns a consistent copy of the global and per-host statistics.
func (r *Recorder) Snapshot() (global HostStats, perHost map[string]HostStats) {
	r.mu.Lock()
	defer r.mu.Unlock()

	perHost = make(map[string]HostStats, len(r.hosts))
	for host, s := range r.hosts {
		perHost[host] = s.stats()
	}
	return r.global.stats(), perHost
}

// Reset clears every counter and timing buffer.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.global = scope{}
	r.hosts = make(map[string]*scope)
}

func (s *scope) stats() HostStats {
	out := HostStats{
		Requests:      s.requests,
		Errors:        s.errors,
		Manifests:     s.manifests,
		Segments:      s.segments,
		AvgManifestMs: meanMs(s.manifestTimings),
		AvgSegmentMs:  meanMs(s.segmentTimings),
		LastErrorCode: s.lastErrorCode,
	}
	if !s.lastErrorAt.IsZero() {
		out.LastErrorAt = s.lastErrorAt.UTC().Format(time.RFC3339)
	}
	if s.requests > 0 {
		out.SuccessRate = round2(float64(s.requests-s.errors) / float64(s.requests) * 100)
	}
	if s.segments > 0 {
		out.SegmentErrorRate = round2(float64(s.segmentErrors) / float64(s.segments) * 100)
	}
	return out
}

func meanMs(buf []time.Duration) float64 {
	if len(buf) == 0 {
		return 0
	}
	var sum time.Duration
	for _, d := range buf {
		sum += d
	}
	return round2(float64(sum.Milliseconds()) / float64(len(buf)))
}

func round2(f float64) float64 {
	return float64(int64(f*100+0.5)) / 100
}
