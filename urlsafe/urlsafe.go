// Package urlsafe validates and canonicalizes upstream URLs before any other
// component touches them. Every cache key, allowlist check, and upstream
// request uses the canonical form produced here.
package urlsafe

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// ErrMalformed is wrapped by every validation failure so callers can
// classify with errors.Is.
var ErrMalformed = errors.New("malformed url")

var (
	schemeRe = regexp.MustCompile(`(?i)https?://`)

	// sensitiveParams are query parameters whose values never appear in logs.
	sensitiveParams = []string{"token", "key", "auth", "signature", "sig", "access_token", "api_key"}
)

// Normalize trims, strips the fragment, and parses s as an absolute http(s)
// URL, decoding once and retrying when the input arrives percent-encoded.
// The returned string is the URL's canonical serialization; Normalize is
// idempotent over its own output.
func Normalize(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", fmt.Errorf("%w: empty input", ErrMalformed)
	}
	if i := strings.IndexByte(s, '#'); i >= 0 {
		s = s[:i]
	}

	u, err := parseAbsolute(s)
	if err != nil {
		// Callers sometimes hand us an already percent-encoded URL
		// (e.g. lifted out of a query string). Decode once and retry.
		decoded, decErr := url.QueryUnescape(s)
		if decErr != nil {
			return "", fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		u, err = parseAbsolute(decoded)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrMalformed, err)
		}
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("%w: unsupported scheme %q", ErrMalformed, u.Scheme)
	}
	u.Fragment = ""
	return u.String(), nil
}

func parseAbsolute(s string) (*url.URL, error) {
	u, err := url.Parse(s)
	if err != nil {
		return nil, err
	}
	if !u.IsAbs() || u.Host == "" {
		return nil, fmt.Errorf("not an absolute url")
	}
	return u, nil
}

// ValidateSafety rejects inputs that smuggle a second URL past the
// allowlist: more than one http(s):// occurrence anywhere, or a query value
// that is itself a URL carrying further query parameters or a double-encoded
// JSON blob.
func ValidateSafety(s string) error {
	if len(schemeRe.FindAllStringIndex(s, -1)) > 1 {
		return fmt.Errorf("%w: more than one url in input", ErrMalformed)
	}

	u, err := url.Parse(strings.TrimSpace(s))
	if err != nil {
		// Not parseable as a URL at all; Normalize will give the caller a
		// precise error, nothing to smuggle here.
		return nil
	}
	for _, values := range u.Query() {
		for _, v := range values {
			if !strings.HasPrefix(v, "http://") && !strings.HasPrefix(v, "https://") {
				continue
			}
			if strings.ContainsAny(v, "?&") {
				return fmt.Errorf("%w: nested url in query parameter", ErrMalformed)
			}
			if decoded, derr := url.QueryUnescape(v); derr == nil && looksLikeJSON(decoded) {
				return fmt.Errorf("%w: double-encoded payload in query parameter", ErrMalformed)
			}
		}
	}
	return nil
}

func looksLikeJSON(s string) bool {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "{") && !strings.HasPrefix(s, "[") {
		return false
	}
	return json.Valid([]byte(s))
}

// SanitizeForLogging returns s with the values of sensitive query parameters
// replaced by [REDACTED]. Scheme, host, and path stay visible so operators
// can still correlate log lines. Unparseable input is truncated to its first
// 100 bytes.
func SanitizeForLogging(s string) string {
	u, err := url.Parse(s)
	if err != nil || u.Host == "" {
		if len(s) > 100 {
			return s[:100] + "..."
		}
		return s
	}

	if u.RawQuery == "" {
		return u.String()
	}

	// Rewrite the query string by hand so parameter order survives and the
	// [REDACTED] marker is not percent-encoded.
	pairs := strings.Split(u.RawQuery, "&")
	for i, pair := range pairs {
		name, _, found := strings.Cut(pair, "=")
		if found && isSensitive(name) {
			pairs[i] = name + "=[REDACTED]"
		}
	}
	u.RawQuery = strings.Join(pairs, "&")
	return u.String()
}

func isSensitive(param string) bool {
	p := strings.ToLower(param)
	for _, s := range sensitiveParams {
		if p == s {
			return true
		}
	}
	return false
}
