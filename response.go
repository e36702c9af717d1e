package edge

import (
	"encoding/json"
	"net/http"
)

// ClientResponse is the body of responses the router generates itself.
type ClientResponse struct {
	Errors []ClientError `json:"errors,omitempty"`
}

type ClientError string

func (err ClientError) String() string {
	return string(err)
}

const (
	ClientErrBadRequest           ClientError = "BAD_REQUEST"
	ClientErrUnauthorized         ClientError = "UNAUTHORIZED"
	ClientErrMethodNotAllowed     ClientError = "METHOD_NOT_ALLOWED"
	ClientErrRateLimitExceeded    ClientError = "RATE_LIMIT_EXCEEDED"
	ClientErrPayloadTooLarge      ClientError = "PAYLOAD_TOO_LARGE"
	ClientErrUpstreamTimeout      ClientError = "UPSTREAM_TIMEOUT"
	ClientErrUpstreamUnavailable  ClientError = "UPSTREAM_UNAVAILABLE"
	ClientErrUpstreamBodyTooLarge ClientError = "UPSTREAM_BODY_TOO_LARGE"
	ClientErrUpstreamError        ClientError = "UPSTREAM_ERROR"
	ClientErrInternal             ClientError = "INTERNAL"
)

func WriteError(w http.ResponseWriter, code ClientError, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "private, no-store")
	w.WriteHeader(status)

	resp := ClientResponse{
		Errors: []ClientError{code},
	}

	if err := json.NewEncoder(w).Encode(resp); err != nil {
		// Fallback on error
		http.Error(w, http.StatusText(status), status)
	}
}

// originErrorResponse maps a terminal origin error to the client error and status.
func originErrorResponse(err *OriginError) (ClientError, int) {
	switch err.Kind {
	case OriginTimeout:
		return ClientErrUpstreamTimeout, http.StatusGatewayTimeout
	case OriginCircuitOpen:
		return ClientErrUpstreamUnavailable, http.StatusServiceUnavailable
	case OriginBodyTooLarge:
		return ClientErrUpstreamBodyTooLarge, http.StatusBadGateway
	case OriginCanceled:
		// The client went away; nobody will read the status.
		return ClientErrUpstreamError, 499
	case OriginInternal:
		return ClientErrInternal, http.StatusInternalServerError
	default:
		return ClientErrUpstreamError, http.StatusBadGateway
	}
}
