package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
)

var (
	// ErrMissingParameter means the request named no target.
	ErrMissingParameter = errors.New("missing URL parameter target")
	// ErrInvalidURLScheme means the target is not an http(s) URL.
	ErrInvalidURLScheme = errors.New("invalid URL: target must start with http:// or https://")
)

// UpstreamErrorKind classifies a failed upstream fetch.
type UpstreamErrorKind int

const (
	UpstreamTimeout UpstreamErrorKind = iota
	UpstreamConnectionFailure
	UpstreamNonSuccessStatus
)

func (k UpstreamErrorKind) String() string {
	switch k {
	case UpstreamTimeout:
		return "timeout"
	case UpstreamConnectionFailure:
		return "connection"
	case UpstreamNonSuccessStatus:
		return "status"
	default:
		return "unknown"
	}
}

// UpstreamError is returned for any failed upstream fetch. None are retried.
type UpstreamError struct {
	Kind       UpstreamErrorKind
	StatusCode int   // set for UpstreamNonSuccessStatus
	Err        error // underlying transport error, if any
}

func (e *UpstreamError) Error() string {
	switch e.Kind {
	case UpstreamTimeout:
		return "request timed out, check the network or source address"
	case UpstreamConnectionFailure:
		return "connection failed, check proxy settings"
	default:
		return "request failed: " + strconv.Itoa(e.StatusCode)
	}
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// classifyTransportError maps a client error to a timeout or connection
// failure. timedOut is set when the caller's own deadline timer fired.
func classifyTransportError(err error, timedOut bool) *UpstreamError {
	if timedOut || errors.Is(err, context.DeadlineExceeded) {
		return &UpstreamError{Kind: UpstreamTimeout, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &UpstreamError{Kind: UpstreamTimeout, Err: err}
	}
	return &UpstreamError{Kind: UpstreamConnectionFailure, Err: err}
}

// ErrorStatus picks the HTTP status and message written for err.
func ErrorStatus(err error) (int, string) {
	var upstreamErr *UpstreamError
	switch {
	case errors.Is(err, ErrMissingParameter), errors.Is(err, ErrInvalidURLScheme):
		return http.StatusBadRequest, err.Error()
	case errors.As(err, &upstreamErr):
		if upstreamErr.Kind == UpstreamTimeout {
			return http.StatusGatewayTimeout, upstreamErr.Error()
		}
		return http.StatusBadGateway, upstreamErr.Error()
	default:
		return http.StatusInternalServerError, fmt.Sprintf("proxy error: %v", err)
	}
}

// WriteError writes err as a short plain-text response with a permissive
// CORS header.
func WriteError(w http.ResponseWriter, err error) {
	status, msg := ErrorStatus(err)
	w.Header().Set("Content-Type", "text/plain")
	w.Header().Set("Content-Length", strconv.Itoa(len(msg)))
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(msg))
}
