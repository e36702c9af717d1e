package edge

import (
	"context"
	"net/http"
)

// OriginKind tells static, content-addressed origins apart from dynamic renderers.
type OriginKind uint8

const (
	OriginStatic OriginKind = iota
	OriginFunction
)

func (k OriginKind) String() string {
	switch k {
	case OriginStatic:
		return "static"
	case OriginFunction:
		return "function"
	default:
		return "unknown"
	}
}

type Origin interface {
	ID() string
	Kind() OriginKind
	Invoke(ctx context.Context, req *OriginRequest) *OriginResponse
}

// OriginRequest is the request as seen by origins. It is built once per client request
// and shared read-only by the primary and fallback invocations.
type OriginRequest struct {
	Method string
	// Path is the path after behavior rewrites; static origins look objects up by it.
	Path string
	// OriginalPath is the client's path; dynamic origins always receive it.
	OriginalPath string
	RawQuery     string
	Host         string
	Header       http.Header
	Body         []byte
	RemoteAddr   string
	TLS          bool
	RequestID    string
}

type OriginResponse struct {
	Status int
	Header http.Header
	Body   []byte
	Err    *OriginError
}

type OriginError struct {
	Kind OriginErrorKind // Error kind for status mapping.
	Err  error           // Original error. Not for client!
}

// Error returns the origin error kind. Error kind is a custom string type, not error interface!
func (oe *OriginError) Error() string {
	return string(oe.Kind)
}

// Unwrap returns the original error.
func (oe *OriginError) Unwrap() error {
	return oe.Err
}

type OriginErrorKind string

const (
	OriginTimeout      OriginErrorKind = "timeout"
	OriginCanceled     OriginErrorKind = "canceled"
	OriginConnection   OriginErrorKind = "connection"
	OriginReadError    OriginErrorKind = "read_error"
	OriginBodyTooLarge OriginErrorKind = "body_too_large"
	OriginCircuitOpen  OriginErrorKind = "circuit_open"
	OriginInternal     OriginErrorKind = "internal"
)

func originFailure(kind OriginErrorKind, err error) *OriginResponse {
	return &OriginResponse{
		Err: &OriginError{
			Kind: kind,
			Err:  err,
		},
	}
}
