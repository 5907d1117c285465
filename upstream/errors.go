package upstream

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Error codes surfaced to clients. The dispatcher maps each to its HTTP
// status; upstream status passthrough uses UPSTREAM_<n>.
const (
	CodeMalformed      = "URL_MALFORMED"
	CodeHostNotAllowed = "HOST_NOT_ALLOWED"
	CodeRateLimited    = "RATE_LIMIT_EXCEEDED"
	CodeUpstream403    = "UPSTREAM_403"
	CodeNotFound       = "NOT_FOUND"
	CodeBadGateway     = "BAD_GATEWAY"
	CodeTimeout        = "TIMEOUT"
	CodeInternal       = "ERROR"
)

// StatusError is a categorized proxy failure. HTTPStatus is what the client
// receives; Code travels in the error envelope.
type StatusError struct {
	Code       string
	HTTPStatus int
	Message    string
	Host       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// classifyStatus folds an upstream HTTP status into a StatusError.
// 401 is folded into 403 so browsers never pop a credential prompt.
func classifyStatus(status int, host string) *StatusError {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &StatusError{
			Code:       CodeUpstream403,
			HTTPStatus: http.StatusForbidden,
			Message:    fmt.Sprintf("upstream refused access (%d)", status),
			Host:       host,
		}
	case status == http.StatusNotFound:
		return &StatusError{
			Code:       CodeNotFound,
			HTTPStatus: http.StatusNotFound,
			Message:    "upstream resource not found",
			Host:       host,
		}
	default:
		return &StatusError{
			Code:       fmt.Sprintf("UPSTREAM_%d", status),
			HTTPStatus: status,
			Message:    fmt.Sprintf("upstream returned status %d", status),
			Host:       host,
		}
	}
}

// classifyTransport turns a transport-level failure into a StatusError:
// elapsed deadlines become TIMEOUT, dial and DNS failures BAD_GATEWAY,
// anything else an unclassified ERROR.
func classifyTransport(err error, host string) *StatusError {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &StatusError{
			Code:       CodeTimeout,
			HTTPStatus: http.StatusGatewayTimeout,
			Message:    "upstream did not respond in time",
			Host:       host,
		}
	case isConnectFailure(err):
		return &StatusError{
			Code:       CodeBadGateway,
			HTTPStatus: http.StatusBadGateway,
			Message:    "could not reach upstream",
			Host:       host,
		}
	default:
		return &StatusError{
			Code:       CodeInternal,
			HTTPStatus: http.StatusInternalServerError,
			Message:    err.Error(),
			Host:       host,
		}
	}
}

func isConnectFailure(err error) bool {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return opErr.Op == "dial"
	}
	return false
}
