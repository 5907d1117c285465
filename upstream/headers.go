package upstream

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// ParseHeadersJSON decodes the caller-supplied headers parameter (a JSON
// object of name → value) into a case-insensitive http.Header. An empty
// input yields an empty header set.
func ParseHeadersJSON(raw string) (http.Header, error) {
	h := make(http.Header)
	if raw == "" {
		return h, nil
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, fmt.Errorf("parsing headers parameter: %w", err)
	}
	for name, value := range m {
		h.Set(name, value)
	}
	return h, nil
}
