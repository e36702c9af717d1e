package edge

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/starwalkn/edge/internal/cache"
	"github.com/starwalkn/edge/internal/metric"
)

// cachedOrigin puts a response cache in front of a static origin for one Optimized policy.
// Dynamic origins are never wrapped.
type cachedOrigin struct {
	Origin

	policy  CachePolicy
	store   cache.Store
	flight  *singleflight.Group
	log     *zap.Logger
	metrics metric.Metrics
}

func (o *cachedOrigin) Invoke(ctx context.Context, req *OriginRequest) *OriginResponse {
	if req.Method != http.MethodGet && req.Method != http.MethodHead {
		return o.Origin.Invoke(ctx, req)
	}

	query, err := url.ParseQuery(req.RawQuery)
	if err != nil {
		query = url.Values{}
	}

	key := o.policy.keys.Build(req.Method, req.Path, query, req.Header)

	entry, err := o.store.Get(ctx, key)
	switch {
	case err == nil:
		o.metrics.IncCacheResultsTotal(o.policy.ID, metric.CacheHit)
		return responseFromEntry(entry, req, "Hit")
	case !errors.Is(err, cache.ErrMiss):
		o.log.Warn("cache lookup failed, fetching from origin",
			zap.String("request_id", req.RequestID),
			zap.String("policy", o.policy.ID),
			zap.Error(err),
		)
	}

	o.metrics.IncCacheResultsTotal(o.policy.ID, metric.CacheMiss)

	// Concurrent misses for one key share a single origin fetch. Static content does not
	// depend on the requester, so the shared response is safe to hand to every caller.
	v, _, _ := o.flight.Do(key.String(), func() (interface{}, error) {
		return o.fetch(context.WithoutCancel(ctx), req, key), nil
	})

	resp, _ := v.(*OriginResponse)
	if resp == nil {
		return originFailure(OriginInternal, errors.New("empty cache fill result"))
	}

	if resp.Err != nil || resp.Status != http.StatusOK {
		return resp
	}

	return responseFromEntry(&cache.Entry{Status: resp.Status, Header: resp.Header, Body: resp.Body}, req, "Miss")
}

func (o *cachedOrigin) fetch(ctx context.Context, req *OriginRequest, key cache.Key) *OriginResponse {
	fill := *req
	fill.Method = http.MethodGet
	fill.Header = req.Header.Clone()
	fill.Header.Del("If-None-Match")

	resp := o.Origin.Invoke(ctx, &fill)
	if resp.Err != nil || resp.Status != http.StatusOK {
		return resp
	}

	ttl := o.policy.TTL(resp.Header)
	if ttl <= 0 {
		return resp
	}

	entry := &cache.Entry{Status: resp.Status, Header: resp.Header, Body: resp.Body}
	if err := o.store.Set(ctx, key, entry, ttl); err != nil {
		o.log.Warn("cannot store response in cache",
			zap.String("policy", o.policy.ID),
			zap.String("path", key.Path),
			zap.Error(err),
		)
	}

	return resp
}

// responseFromEntry builds a per-request response; the entry itself is shared and never mutated.
func responseFromEntry(e *cache.Entry, req *OriginRequest, outcome string) *OriginResponse {
	header := e.Header.Clone()
	if header == nil {
		header = http.Header{}
	}

	header.Set("X-Cache", outcome)

	if !e.StoredAt.IsZero() {
		header.Set("Age", strconv.Itoa(e.Age(time.Now())))
	}

	if etag := header.Get("ETag"); etag != "" && req.Header.Get("If-None-Match") == etag {
		header.Del("Content-Length")
		return &OriginResponse{Status: http.StatusNotModified, Header: header}
	}

	body := e.Body
	if req.Method == http.MethodHead {
		body = nil
	}

	return &OriginResponse{Status: e.Status, Header: header, Body: body}
}
