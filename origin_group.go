package edge

import (
	"context"
	"fmt"
	"slices"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/starwalkn/edge/internal/metric"
)

const tracerName = "github.com/starwalkn/edge"

// OriginGroup pairs a primary origin with an optional fallback. The fallback is invoked
// at most once per request, and only when the primary's outcome is a trigger.
type OriginGroup struct {
	ID                string
	Primary           Origin
	Fallback          Origin
	Triggers          []int
	FallbackOnTimeout bool

	log     *zap.Logger
	metrics metric.Metrics
}

func NewOriginGroup(id string, primary, fallback Origin, triggers []int, fallbackOnTimeout bool, log *zap.Logger, metrics metric.Metrics) (*OriginGroup, error) {
	if primary == nil {
		return nil, fmt.Errorf("origin group %q: primary origin is required", id)
	}

	if fallback != nil {
		if len(triggers) == 0 {
			return nil, fmt.Errorf("origin group %q: fallback requires at least one trigger status", id)
		}

		if fallback.ID() == primary.ID() {
			return nil, fmt.Errorf("origin group %q: primary and fallback must differ", id)
		}
	}

	if log == nil {
		log = zap.NewNop()
	}

	if metrics == nil {
		metrics = metric.NewNop()
	}

	sorted := slices.Clone(triggers)
	slices.Sort(sorted)

	return &OriginGroup{
		ID:                id,
		Primary:           primary,
		Fallback:          fallback,
		Triggers:          slices.Compact(sorted),
		FallbackOnTimeout: fallbackOnTimeout,
		log:               log,
		metrics:           metrics,
	}, nil
}

// Attempt describes one origin invocation, including the ones whose response was discarded.
type Attempt struct {
	Origin    string
	Kind      OriginKind
	Status    int
	BodySize  int
	Err       *OriginError
	Duration  time.Duration
	Discarded bool
}

type Resolution struct {
	Response *OriginResponse
	ServedBy Origin
	Attempts []Attempt
}

// FailedOver reports whether the fallback origin produced the response.
func (r Resolution) FailedOver() bool {
	return len(r.Attempts) > 1
}

// Resolve invokes the primary and, if its outcome is a trigger, the fallback with the same request.
func (g *OriginGroup) Resolve(ctx context.Context, req *OriginRequest) Resolution {
	primaryResp, primaryAttempt := g.invoke(ctx, g.Primary, req)

	if g.Fallback == nil || !g.triggers(primaryResp) {
		return Resolution{
			Response: primaryResp,
			ServedBy: g.Primary,
			Attempts: []Attempt{primaryAttempt},
		}
	}

	primaryAttempt.Discarded = true

	g.log.Info("primary origin triggered failover",
		zap.String("request_id", req.RequestID),
		zap.String("group", g.ID),
		zap.String("primary", g.Primary.ID()),
		zap.String("fallback", g.Fallback.ID()),
		zap.Int("primary_status", primaryAttempt.Status),
		zap.Int("discarded_bytes", primaryAttempt.BodySize),
		zap.String("primary_error", errorKind(primaryAttempt.Err)),
	)
	g.metrics.IncFailoversTotal(g.ID, primaryAttempt.Status)

	fallbackResp, fallbackAttempt := g.invoke(ctx, g.Fallback, req)

	return Resolution{
		Response: fallbackResp,
		ServedBy: g.Fallback,
		Attempts: []Attempt{primaryAttempt, fallbackAttempt},
	}
}

func (g *OriginGroup) triggers(resp *OriginResponse) bool {
	if resp.Err != nil {
		return resp.Err.Kind == OriginTimeout && g.FallbackOnTimeout
	}

	_, found := slices.BinarySearch(g.Triggers, resp.Status)

	return found
}

func (g *OriginGroup) invoke(ctx context.Context, origin Origin, req *OriginRequest) (*OriginResponse, Attempt) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "origin.invoke",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("edge.origin", origin.ID()),
			attribute.String("edge.origin_kind", origin.Kind().String()),
			attribute.String("edge.origin_group", g.ID),
			attribute.String("http.request.method", req.Method),
			attribute.String("url.path", req.Path),
		),
	)
	defer span.End()

	start := time.Now()
	resp := origin.Invoke(ctx, req)
	elapsed := time.Since(start)

	attempt := Attempt{
		Origin:   origin.ID(),
		Kind:     origin.Kind(),
		Status:   resp.Status,
		BodySize: len(resp.Body),
		Err:      resp.Err,
		Duration: elapsed,
	}

	if resp.Err != nil {
		span.RecordError(resp.Err)
		span.SetStatus(codes.Error, string(resp.Err.Kind))
	} else {
		span.SetAttributes(attribute.Int("http.response.status_code", resp.Status))
	}

	g.metrics.UpdateOriginLatency(origin.ID(), resp.Status, elapsed)

	g.log.Debug("origin invoked",
		zap.String("request_id", req.RequestID),
		zap.String("origin", origin.ID()),
		zap.Int("status", resp.Status),
		zap.Duration("duration", elapsed),
	)

	return resp, attempt
}

func errorKind(err *OriginError) string {
	if err == nil {
		return "none"
	}

	return string(err.Kind)
}
