package metric

import (
	"time"
)

type nopMetrics struct{}

func NewNop() Metrics {
	return &nopMetrics{}
}
func (m *nopMetrics) IncRequestsTotal()                                    {}
func (m *nopMetrics) IncRequestsInFlight()                                 {}
func (m *nopMetrics) DecRequestsInFlight()                                 {}
func (m *nopMetrics) UpdateRequestsDuration(_, _ string, _ time.Time)      {}
func (m *nopMetrics) IncResponsesTotal(_ string, _ int)                    {}
func (m *nopMetrics) IncFailedRequestsTotal(_ FailReason)                  {}
func (m *nopMetrics) UpdateOriginLatency(_ string, _ int, _ time.Duration) {}
func (m *nopMetrics) IncFailoversTotal(_ string, _ int)                    {}
func (m *nopMetrics) IncErrorRemapsTotal(_ int)                            {}
func (m *nopMetrics) IncCacheResultsTotal(_ string, _ CacheResult)         {}
