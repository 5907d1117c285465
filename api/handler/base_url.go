package handler

import (
	"net"
	"net/http"
	"strings"
)

// BaseURL derives the proxy's externally visible base URL for one request.
// Rewritten manifest URIs embed it, so it must match what the client can
// actually reach. Platform hosts (railway) terminate TLS in front of us and
// always speak HTTPS; local and private addresses never do.
func BaseURL(externalURL string, r *http.Request) string {
	if externalURL != "" {
		return strings.TrimRight(externalURL, "/")
	}

	host := r.Host
	return scheme(host, r) + "://" + host
}

func scheme(host string, r *http.Request) string {
	hostname := host
	if h, _, err := net.SplitHostPort(host); err == nil {
		hostname = h
	}

	if strings.HasSuffix(hostname, ".railway.app") {
		return "https"
	}
	if isPrivateHost(hostname) {
		return "http"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		return proto
	}
	if r.TLS != nil {
		return "https"
	}
	return "https"
}

// isPrivateHost reports whether hostname is localhost or a private-range IP.
func isPrivateHost(hostname string) bool {
	if hostname == "localhost" {
		return true
	}
	ip := net.ParseIP(hostname)
	if ip == nil {
		return false
	}
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast()
}
