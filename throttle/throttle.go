// Package throttle implements the per-client sliding-window rate limiter.
package throttle

import (
	"math"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Limiter admits at most maxRequests per client within a sliding window.
// Each client record holds the timestamps of its admitted requests; an
// admission decision trims, checks, and appends under one lock so the record
// is never observed mid-update.
type Limiter struct {
	window time.Duration
	max    int

	mu      sync.Mutex
	clients map[string][]time.Time

	stop     chan struct{}
	stopOnce sync.Once
}

// New creates a Limiter and starts the background sweep that reclaims
// records whose timestamps have all aged out. Call Stop during shutdown.
func New(window time.Duration, maxRequests int, sweepInterval time.Duration) *Limiter {
	l := &Limiter{
		window:  window,
		max:     maxRequests,
		clients: make(map[string][]time.Time),
		stop:    make(chan struct{}),
	}
	go func() {
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				l.sweep()
			case <-l.stop:
				return
			}
		}
	}()
	return l
}

// Allow decides admission for one request from client at time now.
// On rejection, retryAfter is the whole number of seconds until the oldest
// in-window timestamp leaves the window, rounded up.
func (l *Limiter) Allow(client string, now time.Time) (ok bool, retryAfter int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := now.Add(-l.window)
	stamps := l.clients[client]
	for len(stamps) > 0 && !stamps[0].After(cutoff) {
		stamps = stamps[1:]
	}

	if len(stamps) >= l.max {
		wait := stamps[0].Add(l.window).Sub(now)
		l.clients[client] = stamps
		return false, int(math.Ceil(wait.Seconds()))
	}

	l.clients[client] = append(stamps, now)
	return true, 0
}

// sweep deletes records whose every timestamp has aged out.
func (l *Limiter) sweep() {
	now := time.Now()
	cutoff := now.Add(-l.window)
	l.mu.Lock()
	defer l.mu.Unlock()
	for client, stamps := range l.clients {
		i := 0
		for i < len(stamps) && !stamps[i].After(cutoff) {
			i++
		}
		if i == len(stamps) {
			delete(l.clients, client)
		} else if i > 0 {
			l.clients[client] = stamps[i:]
		}
	}
}

// Stop terminates the background sweep. Safe to call more than once.
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() { close(l.stop) })
}

// ClientID derives the throttling key for a request: the first entry of
// X-Forwarded-For, else X-Real-IP, else the peer address, else "unknown".
func ClientID(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if first = strings.TrimSpace(first); first != "" {
			return first
		}
	}
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	if r.RemoteAddr != "" {
		return r.RemoteAddr
	}
	return "unknown"
}
