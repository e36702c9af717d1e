package edge

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/starwalkn/edge/internal/cache"
)

const (
	defaultCacheTTL    = 24 * time.Hour
	defaultCacheMaxTTL = 365 * 24 * time.Hour
)

type CacheClass uint8

const (
	// CacheDisabled forwards every request to the origin and marks responses as non-reusable.
	CacheDisabled CacheClass = iota
	// CacheOptimized lets responses be reused across requests with an identical cache key.
	CacheOptimized
)

func (c CacheClass) String() string {
	switch c {
	case CacheDisabled:
		return "disabled"
	case CacheOptimized:
		return "optimized"
	default:
		return "unknown"
	}
}

type CachePolicy struct {
	ID         string
	Class      CacheClass
	DefaultTTL time.Duration
	MaxTTL     time.Duration

	keys cache.KeyBuilder
}

func NewCachePolicy(id string, class CacheClass, defaultTTL, maxTTL time.Duration, queryStrings, headers []string) CachePolicy {
	if defaultTTL <= 0 {
		defaultTTL = defaultCacheTTL
	}

	if maxTTL <= 0 {
		maxTTL = defaultCacheMaxTTL
	}

	if defaultTTL > maxTTL {
		defaultTTL = maxTTL
	}

	return CachePolicy{
		ID:         id,
		Class:      class,
		DefaultTTL: defaultTTL,
		MaxTTL:     maxTTL,
		keys:       cache.NewKeyBuilder(id, queryStrings, headers),
	}
}

// dynamicPolicy is what every response produced by a dynamic renderer gets,
// whatever the matched behavior says.
var dynamicPolicy = CachePolicy{ID: "dynamic", Class: CacheDisabled}

// AssignCachePolicy returns the policy that governs a response of behavior b served by an origin of kind servedBy.
func AssignCachePolicy(b *Behavior, servedBy OriginKind) CachePolicy {
	if servedBy == OriginFunction {
		return dynamicPolicy
	}

	return b.CachePolicy
}

// TTL returns how long a response may be reused: the origin's max-age clamped to MaxTTL, or DefaultTTL.
func (p CachePolicy) TTL(originHeader http.Header) time.Duration {
	if p.Class != CacheOptimized {
		return 0
	}

	if maxAge, ok := parseMaxAge(originHeader.Get("Cache-Control")); ok {
		return min(maxAge, p.MaxTTL)
	}

	return p.DefaultTTL
}

// CacheControl returns the Cache-Control value clients receive.
func (p CachePolicy) CacheControl(originHeader http.Header) string {
	if p.Class != CacheOptimized {
		return "private, no-store"
	}

	return fmt.Sprintf("public, max-age=%d", int(p.TTL(originHeader)/time.Second))
}

func parseMaxAge(cc string) (time.Duration, bool) {
	for _, directive := range strings.Split(cc, ",") {
		name, value, found := strings.Cut(strings.TrimSpace(directive), "=")
		if !found || !strings.EqualFold(name, "max-age") {
			continue
		}

		secs, err := strconv.Atoi(strings.Trim(value, `"`))
		if err != nil || secs < 0 {
			return 0, false
		}

		return time.Duration(secs) * time.Second, true
	}

	return 0, false
}
