// Package policy decides which upstream hosts the proxy will talk to and
// which header template each host gets. Immutable after construction.
package policy

import (
	"net/http"
	"strings"
)

// HostPolicy holds the allowlist and the per-host header templates.
// Matching peels labels from the left: "a.b.example.com" matches entries
// "a.b.example.com", "b.example.com", and "example.com", most specific first.
type HostPolicy struct {
	allowed   map[string]struct{}
	templates map[string]map[string]string
}

// New builds a HostPolicy. Hostnames are lower-cased and trimmed; empty
// entries are ignored. An empty allowlist admits every host.
func New(allowedHosts []string, templates map[string]map[string]string) *HostPolicy {
	p := &HostPolicy{
		allowed:   make(map[string]struct{}, len(allowedHosts)),
		templates: make(map[string]map[string]string, len(templates)),
	}
	for _, h := range allowedHosts {
		h = strings.ToLower(strings.TrimSpace(h))
		if h != "" {
			p.allowed[h] = struct{}{}
		}
	}
	for h, t := range templates {
		p.templates[strings.ToLower(strings.TrimSpace(h))] = t
	}
	return p
}

// Allowed reports whether the proxy may fetch from host.
func (p *HostPolicy) Allowed(host string) bool {
	if len(p.allowed) == 0 {
		return true
	}
	for _, candidate := range suffixes(host) {
		if _, ok := p.allowed[candidate]; ok {
			return true
		}
	}
	return false
}

// HeadersFor returns the header template for host merged with the caller's
// headers. The caller wins per field; the template only fills gaps. The most
// specific suffix match supplies the template.
func (p *HostPolicy) HeadersFor(host string, caller http.Header) http.Header {
	out := make(http.Header)
	for _, candidate := range suffixes(host) {
		if tmpl, ok := p.templates[candidate]; ok {
			for name, value := range tmpl {
				out.Set(name, value)
			}
			break
		}
	}
	for name, values := range caller {
		if len(values) > 0 {
			out.Set(name, values[0])
		}
	}
	return out
}

// suffixes returns host followed by each dot-suffix obtained by peeling
// labels from the left.
func suffixes(host string) []string {
	host = strings.ToLower(strings.TrimSpace(host))
	out := []string{host}
	for {
		i := strings.IndexByte(host, '.')
		if i < 0 {
			return out
		}
		host = host[i+1:]
		out = append(out, host)
	}
}
