package edge

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"

	"github.com/starwalkn/edge/internal/circuitbreaker"
)

// httpOrigin reaches an origin over HTTP: a function URL (dynamic renderer) or a
// remote static distribution.
type httpOrigin struct {
	id              string
	kind            OriginKind
	base            *url.URL
	timeout         time.Duration
	forwardHeaders  []string
	maxResponseSize int64
	trustedProxies  []*net.IPNet

	circuitBreaker *circuitbreaker.CircuitBreaker

	client *http.Client
	log    *zap.Logger
}

func (o *httpOrigin) ID() string {
	return o.id
}

func (o *httpOrigin) Kind() OriginKind {
	return o.kind
}

func (o *httpOrigin) Invoke(ctx context.Context, req *OriginRequest) *OriginResponse {
	if o.circuitBreaker == nil {
		return o.call(ctx, req)
	}

	var resp *OriginResponse

	err := o.circuitBreaker.Do(func() bool {
		resp = o.call(ctx, req)
		return o.isBreakerFailure(resp)
	})
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return originFailure(OriginCircuitOpen, err)
	}

	return resp
}

func (o *httpOrigin) call(ctx context.Context, req *OriginRequest) *OriginResponse {
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	target, err := o.newRequest(ctx, req)
	if err != nil {
		return originFailure(OriginInternal, err)
	}

	hresp, err := o.client.Do(target)
	if err != nil {
		kind := OriginConnection

		if errors.Is(err, context.DeadlineExceeded) {
			kind = OriginTimeout
		}

		if errors.Is(err, context.Canceled) {
			kind = OriginCanceled
		}

		o.log.Debug("origin request failed",
			zap.String("origin", o.id),
			zap.String("kind", string(kind)),
			zap.Error(err),
		)

		return originFailure(kind, err)
	}
	defer hresp.Body.Close()

	resp := &OriginResponse{
		Status: hresp.StatusCode,
		Header: hresp.Header.Clone(),
	}
	removeHopHeaders(resp.Header)

	var reader io.Reader = hresp.Body
	if o.maxResponseSize > 0 {
		reader = io.LimitReader(hresp.Body, o.maxResponseSize+1)
	}

	body, err := io.ReadAll(reader)
	if err != nil {
		kind := OriginReadError
		if errors.Is(err, context.DeadlineExceeded) {
			kind = OriginTimeout
		}

		return originFailure(kind, err)
	}

	if o.maxResponseSize > 0 && int64(len(body)) > o.maxResponseSize {
		return originFailure(OriginBodyTooLarge, fmt.Errorf("response body larger than limit of %d bytes", o.maxResponseSize))
	}

	resp.Body = body

	return resp
}

func (o *httpOrigin) newRequest(ctx context.Context, req *OriginRequest) (*http.Request, error) {
	// Renderers need the exact logical route; static distributions get the rewritten object path.
	p := req.Path
	if o.kind == OriginFunction {
		p = req.OriginalPath
	}

	u := *o.base
	u.Path = strings.TrimRight(o.base.Path, "/") + p
	u.RawPath = ""
	u.RawQuery = req.RawQuery

	// Send request body only for body-acceptable methods requests.
	var body io.Reader = http.NoBody
	if req.Method == http.MethodPost || req.Method == http.MethodPut ||
		req.Method == http.MethodPatch || req.Method == http.MethodDelete {
		body = bytes.NewReader(req.Body)
	}

	target, err := http.NewRequestWithContext(ctx, req.Method, u.String(), body)
	if err != nil {
		return nil, err
	}

	if err = o.resolveHeaders(target, req); err != nil {
		return nil, err
	}

	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(target.Header))

	return target, nil
}

func (o *httpOrigin) resolveHeaders(target *http.Request, req *OriginRequest) error {
	for _, fw := range o.forwardHeaders {
		if fw == "*" {
			target.Header = req.Header.Clone()
			break
		}

		if strings.HasSuffix(fw, "*") {
			prefix := http.CanonicalHeaderKey(strings.TrimSuffix(fw, "*"))

			for name, values := range req.Header {
				if strings.HasPrefix(name, prefix) {
					for _, v := range values {
						target.Header.Add(name, v)
					}
				}
			}

			continue
		}

		for _, v := range req.Header.Values(fw) {
			target.Header.Add(fw, v)
		}
	}

	if target.Header == nil {
		target.Header = http.Header{}
	}

	removeHopHeaders(target.Header)

	// Conditional requests let static distributions answer 304.
	if inm := req.Header.Get("If-None-Match"); inm != "" {
		target.Header.Set("If-None-Match", inm)
	}

	if req.RequestID != "" {
		target.Header.Set("X-Request-ID", req.RequestID)
	}

	clientIP, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		clientIP = req.RemoteAddr
	}

	proto := "http"
	if req.TLS {
		proto = "https"
	}

	host := req.Host
	xff := clientIP

	if o.isTrustedProxy(clientIP) {
		if prior := req.Header.Get("X-Forwarded-For"); prior != "" {
			xff = prior + ", " + clientIP
		}

		if p := strings.ToLower(req.Header.Get("X-Forwarded-Proto")); p == "http" || p == "https" {
			proto = p
		}

		if h := req.Header.Get("X-Forwarded-Host"); h != "" {
			host = h
		}
	}

	port := ""
	if _, p, splitErr := net.SplitHostPort(host); splitErr == nil {
		port = p
	}

	if o.isTrustedProxy(clientIP) && req.Header.Get("X-Forwarded-Port") != "" {
		port = req.Header.Get("X-Forwarded-Port")
	}

	if port == "" {
		port = "80"
		if proto == "https" {
			port = "443"
		}
	}

	target.Header.Set("X-Forwarded-For", xff)
	target.Header.Set("X-Forwarded-Proto", proto)
	target.Header.Set("X-Forwarded-Host", host)
	target.Header.Set("X-Forwarded-Port", port)
	target.Header.Set("Forwarded", fmt.Sprintf("for=%s; proto=%s; host=%s", clientIP, proto, host))

	return nil
}

func (o *httpOrigin) isTrustedProxy(ip string) bool {
	return ipInNets(ip, o.trustedProxies)
}

func (o *httpOrigin) isBreakerFailure(resp *OriginResponse) bool {
	if resp.Err != nil {
		switch resp.Err.Kind {
		case OriginTimeout, OriginConnection, OriginReadError:
			return true
		default:
			return false
		}
	}

	return resp.Status >= http.StatusInternalServerError
}

var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func removeHopHeaders(h http.Header) {
	for _, name := range hopHeaders {
		h.Del(name)
	}
}
