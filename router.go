package edge

import (
	"crypto/rand"
	"errors"
	"io"
	"math"
	"net"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/starwalkn/edge/internal/cache"
	"github.com/starwalkn/edge/internal/metric"
	"github.com/starwalkn/edge/internal/ratelimit"
	"github.com/starwalkn/edge/internal/rewrite"
)

var errBodyTooLarge = errors.New("request body too large")

// Router is the edge request handler. It is immutable after NewRouter.
type Router struct {
	table          *BehaviorTable
	normalize      *rewrite.Rule
	errors         *ErrorMapper
	maxBodySize    int64
	trustedProxies []*net.IPNet

	store     cache.Store
	ownsStore bool

	log     *zap.Logger
	metrics metric.Metrics

	rateLimiter *ratelimit.RateLimit
}

// ServeHTTP handles incoming HTTP requests through the full router pipeline.
//
// The processing steps are:
//
//  1. Rate limiting (if enabled) rejects clients exceeding their budget with 429.
//  2. Viewer rewrite (if configured) normalizes the path before matching.
//  3. Behavior matching picks the most specific behavior. The default behavior always matches.
//  4. Method check answers 405 for methods the behavior does not allow.
//  5. Origin resolution runs the behavior's origin group, failing over when the primary
//     answers a trigger status. Static origins see the behavior-rewritten path,
//     function origins the client's original path.
//  6. Error mapping replaces origin 403/404 responses with the configured page.
//  7. Response writing adds cache-control metadata for the policy of the serving origin.
//
// Terminal origin errors produce a JSON error body: 504 on timeout, 503 on open circuit, 502 otherwise.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	start := time.Now()

	r.metrics.IncRequestsTotal()

	r.metrics.IncRequestsInFlight()
	defer r.metrics.DecRequestsInFlight()

	requestID := getOrCreateRequestID(req)
	w.Header().Set("X-Request-ID", requestID)

	if r.rateLimiter != nil {
		if !r.rateLimiter.Allow(r.clientIP(req)) {
			r.metrics.IncFailedRequestsTotal(metric.FailReasonRateLimited)
			WriteError(w, ClientErrRateLimitExceeded, http.StatusTooManyRequests)

			return
		}
	}

	originalPath := req.URL.Path
	if originalPath == "" {
		originalPath = "/"
	}

	viewerPath := originalPath
	if r.normalize != nil {
		viewerPath = r.normalize.Apply(originalPath)
	}

	behavior := r.table.Match(viewerPath)
	defer r.metrics.UpdateRequestsDuration(behavior.Pattern, req.Method, start)

	w.Header().Set("X-Edge-Behavior", behavior.Pattern)

	if !behavior.AllowedMethods.Allows(req.Method) {
		w.Header().Set("Allow", behavior.AllowedMethods.Header())
		r.metrics.IncFailedRequestsTotal(metric.FailReasonMethodNotAllowed)
		r.metrics.IncResponsesTotal(behavior.Pattern, http.StatusMethodNotAllowed)
		WriteError(w, ClientErrMethodNotAllowed, http.StatusMethodNotAllowed)

		return
	}

	body, err := r.readBody(req)
	if err != nil {
		if errors.Is(err, errBodyTooLarge) {
			r.log.Error("request body too large",
				zap.String("request_id", requestID),
				zap.Int64("max_body_size", r.maxBodySize),
			)
			r.metrics.IncFailedRequestsTotal(metric.FailReasonBodyTooLarge)
			r.metrics.IncResponsesTotal(behavior.Pattern, http.StatusRequestEntityTooLarge)
			WriteError(w, ClientErrPayloadTooLarge, http.StatusRequestEntityTooLarge)

			return
		}

		r.log.Warn("cannot read request body", zap.String("request_id", requestID), zap.Error(err))
		r.metrics.IncResponsesTotal(behavior.Pattern, http.StatusBadRequest)
		WriteError(w, ClientErrBadRequest, http.StatusBadRequest)

		return
	}

	oreq := &OriginRequest{
		Method:       req.Method,
		Path:         behavior.OriginPath(viewerPath),
		OriginalPath: originalPath,
		RawQuery:     req.URL.RawQuery,
		Host:         req.Host,
		Header:       req.Header.Clone(),
		Body:         body,
		RemoteAddr:   req.RemoteAddr,
		TLS:          req.TLS != nil,
		RequestID:    requestID,
	}

	res := behavior.Target.Resolve(req.Context(), oreq)

	w.Header().Set("X-Edge-Origin", res.ServedBy.ID())

	if res.FailedOver() {
		w.Header().Set("X-Edge-Failover", failoverReason(res.Attempts[0]))
	}

	resp := res.Response
	if resp.Err != nil {
		code, status := originErrorResponse(resp.Err)

		r.log.Error("origin request failed",
			zap.String("request_id", requestID),
			zap.String("behavior", behavior.Pattern),
			zap.String("origin", res.ServedBy.ID()),
			zap.String("kind", string(resp.Err.Kind)),
			zap.Error(resp.Err.Err),
		)
		r.metrics.IncFailedRequestsTotal(failReason(resp.Err))
		r.metrics.IncResponsesTotal(behavior.Pattern, status)
		WriteError(w, code, status)

		return
	}

	policy := AssignCachePolicy(behavior, res.ServedBy.Kind())

	if mapped, ok := r.errors.Map(req.Context(), resp, requestID); ok {
		r.log.Debug("origin error response remapped",
			zap.String("request_id", requestID),
			zap.Int("origin_status", resp.Status),
			zap.Int("status", mapped.Status),
		)

		resp = mapped
		policy = dynamicPolicy
	}

	r.writeResponse(w, req, resp, policy)
	r.metrics.IncResponsesTotal(behavior.Pattern, resp.Status)

	r.log.Debug("request served",
		zap.String("request_id", requestID),
		zap.String("path", originalPath),
		zap.String("origin_path", oreq.Path),
		zap.String("behavior", behavior.Pattern),
		zap.String("origin", res.ServedBy.ID()),
		zap.Int("status", resp.Status),
		zap.Duration("duration", time.Since(start)),
	)
}

func (r *Router) writeResponse(w http.ResponseWriter, req *http.Request, resp *OriginResponse, policy CachePolicy) {
	copyHeaders(w.Header(), resp.Header)

	reusable := policy.Class == CacheOptimized &&
		(resp.Status >= 200 && resp.Status < 300 || resp.Status == http.StatusNotModified)

	switch {
	case policy.Class != CacheOptimized:
		w.Header().Set("Cache-Control", "private, no-store")
		w.Header().Set("X-Cache", "Disabled")
		r.metrics.IncCacheResultsTotal(policy.ID, metric.CacheDisabled)
	case reusable:
		w.Header().Set("Cache-Control", policy.CacheControl(resp.Header))
	default:
		w.Header().Set("Cache-Control", "private, no-store")
	}

	if policy.Class == CacheOptimized && w.Header().Get("X-Cache") == "" {
		w.Header().Set("X-Cache", "Miss")
	}

	bodyAllowed := req.Method != http.MethodHead &&
		resp.Status != http.StatusNotModified && resp.Status != http.StatusNoContent

	if bodyAllowed {
		w.Header().Set("Content-Length", strconv.Itoa(len(resp.Body)))
	}

	w.WriteHeader(resp.Status)

	if bodyAllowed && len(resp.Body) > 0 {
		_, _ = w.Write(resp.Body)
	}
}

// copyHeaders copies origin headers the router does not own.
func copyHeaders(dst, src http.Header) {
	for k, vv := range src {
		switch k {
		case "X-Request-Id", "X-Edge-Behavior", "X-Edge-Origin", "X-Edge-Failover", "Cache-Control":
			continue
		}

		dst[k] = slices.Clone(vv)
	}
}

func (r *Router) readBody(req *http.Request) ([]byte, error) {
	if req.Body == nil || req.Body == http.NoBody {
		return nil, nil
	}

	if r.maxBodySize > 0 && req.ContentLength > r.maxBodySize {
		return nil, errBodyTooLarge
	}

	var reader io.Reader = req.Body
	if r.maxBodySize > 0 {
		reader = io.LimitReader(req.Body, r.maxBodySize+1)
	}

	body, err := io.ReadAll(reader)
	if err != nil {
		return nil, err
	}

	if r.maxBodySize > 0 && int64(len(body)) > r.maxBodySize {
		return nil, errBodyTooLarge
	}

	return body, nil
}

// Table returns the compiled behavior table.
func (r *Router) Table() *BehaviorTable {
	return r.table
}

// Cache returns the response cache backing Optimized behaviors.
func (r *Router) Cache() cache.Store {
	return r.store
}

// ErrorMapper returns the mapper applied to origin 403 and 404 responses.
func (r *Router) ErrorMapper() *ErrorMapper {
	return r.errors
}

// Close stops background work and releases the response cache if the router created it.
func (r *Router) Close() error {
	if r.rateLimiter != nil {
		r.rateLimiter.Stop()
	}

	if r.ownsStore {
		return r.store.Close()
	}

	return nil
}

func failoverReason(primary Attempt) string {
	if primary.Err != nil {
		return string(primary.Err.Kind)
	}

	return strconv.Itoa(primary.Status)
}

func failReason(err *OriginError) metric.FailReason {
	switch err.Kind {
	case OriginTimeout:
		return metric.FailReasonOriginTimeout
	case OriginCircuitOpen:
		return metric.FailReasonCircuitOpen
	default:
		return metric.FailReasonOriginError
	}
}

// clientIP trusts forwarding headers only from configured proxies.
func (r *Router) clientIP(req *http.Request) string {
	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		host = req.RemoteAddr
	}

	if !ipInNets(host, r.trustedProxies) {
		return host
	}

	if xff := req.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		return strings.TrimSpace(parts[0])
	}

	if xrip := req.Header.Get("X-Real-IP"); xrip != "" {
		return xrip
	}

	return host
}

func ipInNets(ip string, nets []*net.IPNet) bool {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}

	for _, ipnet := range nets {
		if ipnet.Contains(parsed) {
			return true
		}
	}

	return false
}

func getOrCreateRequestID(r *http.Request) string {
	requestID := r.Header.Get("X-Request-ID")
	if requestID != "" {
		return requestID
	}

	t := time.Now()
	entropy := ulid.Monotonic(rand.Reader, math.MaxInt64)

	return strings.ToLower(ulid.MustNew(ulid.Timestamp(t), entropy).String())
}
