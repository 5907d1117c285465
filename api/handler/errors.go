package handler

import (
	"errors"
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/ddevcap/hls-proxy/upstream"
)

// codePrefixRe matches a leading "CODE:" tag in an error message, the
// convention categorized errors travel under.
var codePrefixRe = regexp.MustCompile(`^([A-Z][A-Z0-9_]*):\s*`)

// hints gives operators a one-line pointer per error code.
var hints = map[string]string{
	upstream.CodeMalformed:      "check that the url parameter is a single, well-formed http(s) URL",
	upstream.CodeHostNotAllowed: "the upstream host is outside ALLOWED_HOSTS",
	upstream.CodeRateLimited:    "respect the retryAfter value before retrying",
	upstream.CodeUpstream403:    "the origin rejected the proxy's credentials; check HOST_HEADERS for this host",
	upstream.CodeNotFound:       "the upstream resource is gone or the URL is stale",
	upstream.CodeBadGateway:     "the upstream host did not accept a connection",
	upstream.CodeTimeout:        "the upstream took too long; it may be overloaded",
	upstream.CodeInternal:       "unexpected failure; see server logs",
}

// writeError translates a component error into the JSON envelope. Once any
// body byte has been streamed the status is fixed; in that case the
// connection is simply terminated.
func writeError(c *gin.Context, err error) {
	if c.Writer.Written() {
		c.Abort()
		return
	}

	var se *upstream.StatusError
	if errors.As(err, &se) {
		body := gin.H{
			"code":    se.Code,
			"message": se.Message,
			"hint":    hints[se.Code],
		}
		if se.Host != "" {
			body["host"] = se.Host
		}
		if h, ok := hints[se.Code]; !ok || h == "" {
			body["hint"] = "upstream returned an unexpected status"
		}
		c.AbortWithStatusJSON(se.HTTPStatus, body)
		return
	}

	code, message := splitCode(err.Error(), http.StatusInternalServerError)
	c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
		"code":    code,
		"message": message,
		"hint":    hints[upstream.CodeInternal],
	})
}

// badRequest reports a parse-level failure before any component ran.
func badRequest(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
		"code":    upstream.CodeMalformed,
		"message": message,
		"hint":    hints[upstream.CodeMalformed],
	})
}

// splitCode extracts a leading CODE: prefix from message, falling back to a
// code derived from the HTTP status.
func splitCode(message string, status int) (code, rest string) {
	if m := codePrefixRe.FindStringSubmatch(message); m != nil {
		return m[1], strings.TrimPrefix(message, m[0])
	}
	switch status {
	case http.StatusBadRequest:
		return upstream.CodeMalformed, message
	case http.StatusForbidden:
		return upstream.CodeHostNotAllowed, message
	case http.StatusNotFound:
		return upstream.CodeNotFound, message
	case http.StatusTooManyRequests:
		return upstream.CodeRateLimited, message
	case http.StatusBadGateway:
		return upstream.CodeBadGateway, message
	case http.StatusGatewayTimeout:
		return upstream.CodeTimeout, message
	default:
		return upstream.CodeInternal, message
	}
}
