// Package rewrite turns an upstream HLS manifest into one whose every URI
// points back at this proxy. Nested playlists route through the manifest
// endpoint, segments and encryption keys through the byte-streaming endpoint,
// so the proxy stays on the data path for all sub-requests.
package rewrite

import (
	"net/url"
	"regexp"
	"strings"
)

// Endpoint paths on the proxy; kept here so the rewriter and the router
// cannot drift apart.
const (
	ManifestPath = "/m3u8-proxy"
	SegmentPath  = "/ts-proxy"
)

var uriAttrRe = regexp.MustCompile(`URI="([^"]+)"`)

// Manifest rewrites body line by line. upstream is the manifest's own URL
// (relative references resolve against it), proxyBase is this proxy's base
// URL without trailing slash, and headersJSON, when non-empty, is appended
// to every rewritten URL so sub-requests carry the caller's headers.
//
// Lines whose URL cannot be resolved are kept verbatim — a broken line is
// the player's problem, not a reason to fail the whole playlist.
func Manifest(body []byte, upstream *url.URL, proxyBase, headersJSON string) []byte {
	lines := strings.Split(string(body), "\n")
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		switch {
		case trimmed == "":
			// keep blank lines
		case strings.HasPrefix(trimmed, "#EXT-X-MEDIA:"):
			lines[i] = rewriteURIAttr(trimmed, upstream, proxyBase, ManifestPath, headersJSON)
		case strings.HasPrefix(trimmed, "#EXT-X-KEY:") || strings.HasPrefix(trimmed, "#EXT-X-SESSION-KEY:"):
			// Keys are small opaque payloads; they stream through the
			// segment path.
			lines[i] = rewriteURIAttr(trimmed, upstream, proxyBase, SegmentPath, headersJSON)
		case strings.HasPrefix(trimmed, "#"):
			// other comments and tags pass through
		default:
			abs, err := resolve(upstream, trimmed)
			if err != nil {
				continue // keep verbatim
			}
			endpoint := SegmentPath
			if isPlaylistRef(abs.Path, trimmed) {
				endpoint = ManifestPath
			}
			lines[i] = proxyURL(proxyBase, endpoint, abs.String(), headersJSON)
		}
	}
	return []byte(strings.Join(lines, "\n"))
}

// rewriteURIAttr replaces the URI="..." attribute value, leaving the rest of
// the tag untouched. Tags without a URI attribute pass through.
func rewriteURIAttr(line string, upstream *url.URL, proxyBase, endpoint, headersJSON string) string {
	return uriAttrRe.ReplaceAllStringFunc(line, func(match string) string {
		ref := uriAttrRe.FindStringSubmatch(match)[1]
		abs, err := resolve(upstream, ref)
		if err != nil {
			return match
		}
		return `URI="` + proxyURL(proxyBase, endpoint, abs.String(), headersJSON) + `"`
	})
}

// resolve makes ref absolute against the manifest URL.
func resolve(base *url.URL, ref string) (*url.URL, error) {
	u, err := url.Parse(ref)
	if err != nil {
		return nil, err
	}
	return base.ResolveReference(u), nil
}

// isPlaylistRef decides manifest vs segment. The m3u8 substring heuristic
// matches what players do in practice; security-relevant checks happen on
// the re-entrant request, not here.
func isPlaylistRef(path, original string) bool {
	return strings.Contains(path, "m3u8") || strings.Contains(original, "m3u8")
}

func proxyURL(proxyBase, endpoint, absolute, headersJSON string) string {
	s := proxyBase + endpoint + "?url=" + url.QueryEscape(absolute)
	if headersJSON != "" {
		s += "&headers=" + url.QueryEscape(headersJSON)
	}
	return s
}
