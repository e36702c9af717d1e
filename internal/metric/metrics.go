package metric

import "time"

type FailReason string

const (
	FailReasonMethodNotAllowed FailReason = "method_not_allowed"
	FailReasonRateLimited      FailReason = "rate_limited"
	FailReasonBodyTooLarge     FailReason = "body_too_large"
	FailReasonOriginError      FailReason = "origin_error"
	FailReasonOriginTimeout    FailReason = "origin_timeout"
	FailReasonCircuitOpen      FailReason = "circuit_open"
)

type CacheResult string

const (
	CacheHit      CacheResult = "hit"
	CacheMiss     CacheResult = "miss"
	CacheDisabled CacheResult = "disabled"
)

type Metrics interface {
	IncRequestsTotal()
	IncRequestsInFlight()
	DecRequestsInFlight()
	UpdateRequestsDuration(behavior, method string, start time.Time)
	IncResponsesTotal(behavior string, status int)
	IncFailedRequestsTotal(FailReason)
	UpdateOriginLatency(origin string, status int, lat time.Duration)
	IncFailoversTotal(group string, primaryStatus int)
	IncErrorRemapsTotal(status int)
	IncCacheResultsTotal(policy string, result CacheResult)
}
