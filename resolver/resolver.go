// Package resolver normalizes the messy URL strings media providers emit —
// "A or B" alternatives, pipe-separated lists, JSON envelopes — into one
// canonical, allowlisted manifest URL.
package resolver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/ddevcap/hls-proxy/policy"
	"github.com/ddevcap/hls-proxy/upstream"
	"github.com/ddevcap/hls-proxy/urlsafe"
)

var (
	orSplitRe = regexp.MustCompile(`(?i)\s+or\s+`)
	urlRe     = regexp.MustCompile(`https?://[^\s"<>{}|]+`)

	// jsonURLFields is the search order for URL-bearing fields in a JSON
	// payload. Providers are wildly inconsistent about naming.
	jsonURLFields = []string{"url", "link", "src", "source", "stream", "m3u8", "playlist"}
)

// Prober checks a candidate URL's content type. Satisfied by *upstream.Client.
type Prober interface {
	HeadContentType(ctx context.Context, rawURL string, headers http.Header) (string, error)
}

// Resolver turns provider strings into canonical manifest URLs.
type Resolver struct {
	policy *policy.HostPolicy
	prober Prober
}

func New(p *policy.HostPolicy, prober Prober) *Resolver {
	return &Resolver{policy: p, prober: prober}
}

// Resolve extracts, validates, and probes candidate URLs from input,
// returning the first canonical URL that survives. headers accompany the
// HEAD probe so protected origins answer it.
func (r *Resolver) Resolve(ctx context.Context, input string, headers http.Header) (string, error) {
	input = strings.TrimSpace(input)

	// "A or B" alternatives, then pipe-separated lists: first survivor wins.
	if parts := orSplitRe.Split(input, -1); len(parts) > 1 {
		return r.firstOf(ctx, parts, headers, `alternatives joined by "or"`)
	}
	if strings.Contains(input, "|") {
		return r.firstOf(ctx, strings.Split(input, "|"), headers, "pipe-separated list")
	}

	candidate := input
	if fromJSON, ok := urlFromJSON(input); ok {
		candidate = fromJSON
	}

	matches := urlRe.FindAllString(candidate, -1)
	if len(matches) == 0 {
		return "", &upstream.StatusError{
			Code:       upstream.CodeMalformed,
			HTTPStatus: http.StatusBadRequest,
			Message:    fmt.Sprintf("no url found in input (%s)", describeShape(input)),
		}
	}

	// Playlist-looking candidates go first.
	ordered := make([]string, 0, len(matches))
	for _, m := range matches {
		if strings.Contains(m, "m3u8") {
			ordered = append(ordered, m)
		}
	}
	hadPlaylistCandidates := len(ordered) > 0
	for _, m := range matches {
		if !strings.Contains(m, "m3u8") {
			ordered = append(ordered, m)
		}
	}

	blocked := false
	for _, m := range ordered {
		canonical, err := r.vet(m)
		if err != nil {
			if se, ok := err.(*upstream.StatusError); ok && se.Code == upstream.CodeHostNotAllowed {
				blocked = true
			}
			continue
		}

		looksPlaylist := strings.Contains(canonical, "m3u8")
		if !looksPlaylist && hadPlaylistCandidates {
			// A playlist candidate already failed vetting; non-playlist
			// fallbacks are only attempted when none existed.
			continue
		}
		if !looksPlaylist {
			// No playlist candidates at all: accept the first vetted URL and
			// let playback discover the content type.
			return canonical, nil
		}

		if r.probeAccepts(ctx, canonical, headers) {
			return canonical, nil
		}
	}

	if blocked {
		return "", &upstream.StatusError{
			Code:       upstream.CodeHostNotAllowed,
			HTTPStatus: http.StatusForbidden,
			Message:    "every candidate host is outside the allowlist",
		}
	}
	return "", &upstream.StatusError{
		Code:       upstream.CodeMalformed,
		HTTPStatus: http.StatusBadRequest,
		Message:    fmt.Sprintf("no playable url in input (%s)", describeShape(input)),
	}
}

// firstOf resolves each part in order and returns the first success.
func (r *Resolver) firstOf(ctx context.Context, parts []string, headers http.Header, shape string) (string, error) {
	var lastErr error
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out, err := r.Resolve(ctx, part, headers)
		if err == nil {
			return out, nil
		}
		lastErr = err
	}
	if lastErr != nil {
		return "", lastErr
	}
	return "", &upstream.StatusError{
		Code:       upstream.CodeMalformed,
		HTTPStatus: http.StatusBadRequest,
		Message:    fmt.Sprintf("no playable url in input (%s)", shape),
	}
}

// vet runs the safety, normalization, and allowlist gauntlet.
func (r *Resolver) vet(raw string) (string, error) {
	if err := urlsafe.ValidateSafety(raw); err != nil {
		return "", &upstream.StatusError{
			Code:       upstream.CodeMalformed,
			HTTPStatus: http.StatusBadRequest,
			Message:    err.Error(),
		}
	}
	canonical, err := urlsafe.Normalize(raw)
	if err != nil {
		return "", &upstream.StatusError{
			Code:       upstream.CodeMalformed,
			HTTPStatus: http.StatusBadRequest,
			Message:    err.Error(),
		}
	}
	if host := hostOf(canonical); !r.policy.Allowed(host) {
		return "", &upstream.StatusError{
			Code:       upstream.CodeHostNotAllowed,
			HTTPStatus: http.StatusForbidden,
			Message:    fmt.Sprintf("host %q is not allowlisted", host),
			Host:       host,
		}
	}
	return canonical, nil
}

// probeAccepts HEADs the candidate. The probe is advisory: a playlist-typed
// Content-Type or an .m3u8 path accepts outright, and a failed probe still
// accepts when the URL itself says m3u8 — origins frequently reject HEAD.
func (r *Resolver) probeAccepts(ctx context.Context, canonical string, headers http.Header) bool {
	ct, err := r.prober.HeadContentType(ctx, canonical, headers)
	if err != nil {
		return strings.Contains(canonical, "m3u8")
	}
	ct = strings.ToLower(ct)
	if strings.Contains(ct, "mpegurl") || strings.Contains(ct, "m3u8") {
		return true
	}
	return strings.Contains(canonical, ".m3u8")
}

// urlFromJSON searches a JSON object for the first known URL-bearing field.
func urlFromJSON(input string) (string, bool) {
	trimmed := strings.TrimSpace(input)
	if !strings.HasPrefix(trimmed, "{") {
		return "", false
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(trimmed), &obj); err != nil {
		return "", false
	}
	for _, field := range jsonURLFields {
		if v, ok := obj[field]; ok {
			if s, ok := v.(string); ok && s != "" {
				return s, true
			}
		}
	}
	return "", false
}

// hostOf extracts the hostname from an already-canonical URL.
func hostOf(canonical string) string {
	u, err := url.Parse(canonical)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

// describeShape names the input's shape for error messages without echoing
// potentially sensitive content.
func describeShape(input string) string {
	switch {
	case input == "":
		return "empty input"
	case strings.HasPrefix(strings.TrimSpace(input), "{"):
		return "json object"
	case strings.Contains(input, "|"):
		return "pipe-separated list"
	default:
		return fmt.Sprintf("plain string, %d bytes", len(input))
	}
}
