package edge

import (
	"context"
	"fmt"
	"net/http"
	"slices"
	"strconv"

	"go.uber.org/zap"

	"github.com/starwalkn/edge/internal/metric"
)

// ErrorPage replaces origin 403/404 responses with a document from a static origin.
type ErrorPage struct {
	Status         int
	ResponseStatus int
	Page           string
	Origin         Origin

	startup *OriginResponse
}

type ErrorMapper struct {
	pages map[int]*ErrorPage

	log     *zap.Logger
	metrics metric.Metrics
}

func isMappableStatus(status int) bool {
	return status == http.StatusForbidden || status == http.StatusNotFound
}

// NewErrorMapper fetches every page once. A page that does not answer 200 fails construction.
func NewErrorMapper(ctx context.Context, pages []ErrorPage, log *zap.Logger, metrics metric.Metrics) (*ErrorMapper, error) {
	if log == nil {
		log = zap.NewNop()
	}

	if metrics == nil {
		metrics = metric.NewNop()
	}

	m := &ErrorMapper{
		pages:   make(map[int]*ErrorPage, len(pages)),
		log:     log,
		metrics: metrics,
	}

	for i := range pages {
		page := pages[i]

		if !isMappableStatus(page.Status) {
			return nil, fmt.Errorf("error response for status %d: only 403 and 404 can be mapped", page.Status)
		}

		if _, dup := m.pages[page.Status]; dup {
			return nil, fmt.Errorf("error response for status %d defined twice", page.Status)
		}

		if page.ResponseStatus < 100 || page.ResponseStatus > 599 {
			return nil, fmt.Errorf("error response for status %d: invalid response status %d", page.Status, page.ResponseStatus)
		}

		if page.Origin == nil || page.Origin.Kind() != OriginStatic {
			return nil, fmt.Errorf("error response for status %d: page must come from a static origin", page.Status)
		}

		resp := page.fetch(ctx, "")
		if resp.Err != nil {
			return nil, fmt.Errorf("error page %s on origin %s: %w", page.Page, page.Origin.ID(), resp.Err)
		}

		if resp.Status != http.StatusOK {
			return nil, fmt.Errorf("error page %s on origin %s answered %d, want 200", page.Page, page.Origin.ID(), resp.Status)
		}

		page.startup = resp
		m.pages[page.Status] = &page
	}

	return m, nil
}

// Map returns the replacement for resp, or resp itself with false when no page is configured
// for its status. Origin errors are never mapped.
func (m *ErrorMapper) Map(ctx context.Context, resp *OriginResponse, requestID string) (*OriginResponse, bool) {
	if resp == nil || resp.Err != nil {
		return resp, false
	}

	page, ok := m.pages[resp.Status]
	if !ok {
		return resp, false
	}

	doc := page.fetch(ctx, requestID)
	if doc.Err != nil || doc.Status != http.StatusOK {
		m.log.Warn("error page unavailable, serving startup copy",
			zap.String("request_id", requestID),
			zap.String("page", page.Page),
			zap.Int("page_status", doc.Status),
			zap.String("page_error", errorKind(doc.Err)),
		)

		doc = page.startup
	}

	m.metrics.IncErrorRemapsTotal(resp.Status)

	header := http.Header{}
	header.Set("Content-Type", doc.Header.Get("Content-Type"))
	header.Set("Content-Length", strconv.Itoa(len(doc.Body)))
	header.Set("Cache-Control", "private, no-store")

	return &OriginResponse{
		Status: page.ResponseStatus,
		Header: header,
		Body:   doc.Body,
	}, true
}

// Pages lists the configured pages ordered by original status.
func (m *ErrorMapper) Pages() []ErrorPage {
	out := make([]ErrorPage, 0, len(m.pages))
	for _, p := range m.pages {
		out = append(out, *p)
	}

	slices.SortFunc(out, func(a, b ErrorPage) int { return a.Status - b.Status })

	return out
}

func (p *ErrorPage) fetch(ctx context.Context, requestID string) *OriginResponse {
	return p.Origin.Invoke(ctx, &OriginRequest{
		Method:       http.MethodGet,
		Path:         p.Page,
		OriginalPath: p.Page,
		Header:       http.Header{},
		RequestID:    requestID,
	})
}
