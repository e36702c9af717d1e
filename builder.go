package edge

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/starwalkn/edge/internal/cache"
	"github.com/starwalkn/edge/internal/circuitbreaker"
	"github.com/starwalkn/edge/internal/metric"
	"github.com/starwalkn/edge/internal/ratelimit"
	"github.com/starwalkn/edge/internal/rewrite"
)

type builder struct {
	cfg     Config
	log     *zap.Logger
	metrics metric.Metrics
	store   cache.Store
	flight  *singleflight.Group

	transport      *http.Transport
	trustedProxies []*net.IPNet

	origins  map[string]Origin
	groups   map[string]OriginGroupConfig
	policies map[string]CachePolicy
	rewrites map[string]*rewrite.Rule
}

// NewRouter compiles cfg into a Router. Every reference, pattern and error page is checked here,
// so a Router that was built successfully cannot fail on configuration at request time.
// A nil store makes the router build and own the backend described by cfg.Cache.
func NewRouter(ctx context.Context, cfg Config, store cache.Store, metrics metric.Metrics, log *zap.Logger) (*Router, error) {
	if log == nil {
		log = zap.NewNop()
	}

	if metrics == nil {
		metrics = metric.NewNop()
	}

	b := &builder{
		cfg:     cfg,
		log:     log,
		metrics: metrics,
		flight:  &singleflight.Group{},
		//nolint:mnd // be configurable in future
		transport: &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
			ForceAttemptHTTP2:   true,
		},
	}

	if err := b.compileTrustedProxies(); err != nil {
		return nil, err
	}

	if err := b.compileOrigins(); err != nil {
		return nil, err
	}

	if err := b.compileGroups(); err != nil {
		return nil, err
	}

	if err := b.compilePolicies(); err != nil {
		return nil, err
	}

	if err := b.compileRewrites(); err != nil {
		return nil, err
	}

	router := &Router{
		maxBodySize:    cfg.Server.MaxBodySize,
		trustedProxies: b.trustedProxies,
		log:            log,
		metrics:        metrics,
	}

	if cfg.Normalize != "" {
		rule, ok := b.rewrites[cfg.Normalize]
		if !ok {
			return nil, fmt.Errorf("normalize: unknown rewrite %q", cfg.Normalize)
		}

		router.normalize = rule
	}

	owned := false
	if store == nil {
		var err error

		store, err = cache.New(cache.Config{
			Backend:    cfg.Cache.Backend,
			MaxEntries: cfg.Cache.MaxEntries,
			RedisURL:   cfg.Cache.RedisURL,
			KeyPrefix:  cfg.Cache.KeyPrefix,
		}, log.Named("cache"))
		if err != nil {
			return nil, fmt.Errorf("cannot create response cache: %w", err)
		}

		owned = true
	}

	b.store = store
	router.store = store
	router.ownsStore = owned

	fail := func(err error) (*Router, error) {
		if owned {
			_ = store.Close()
		}

		return nil, err
	}

	table, err := b.compileBehaviors()
	if err != nil {
		return fail(err)
	}

	router.table = table

	mapper, err := b.compileErrorMapper(ctx)
	if err != nil {
		return fail(err)
	}

	router.errors = mapper

	if cfg.RateLimiter.Enabled {
		router.rateLimiter = ratelimit.New(cfg.RateLimiter.RPS, cfg.RateLimiter.Burst)
		router.rateLimiter.Start()
	}

	return router, nil
}

func (b *builder) compileTrustedProxies() error {
	b.trustedProxies = make([]*net.IPNet, 0, len(b.cfg.Server.TrustedProxies))

	for _, proxy := range b.cfg.Server.TrustedProxies {
		_, ipnet, err := net.ParseCIDR(proxy)
		if err != nil {
			return fmt.Errorf("failed to parse trusted proxy CIDR %q: %w", proxy, err)
		}

		b.trustedProxies = append(b.trustedProxies, ipnet)
	}

	return nil
}

func (b *builder) compileOrigins() error {
	b.origins = make(map[string]Origin, len(b.cfg.Origins))

	for _, ocfg := range b.cfg.Origins {
		if _, dup := b.origins[ocfg.ID]; dup {
			return fmt.Errorf("origin %q defined twice", ocfg.ID)
		}

		origin, err := b.compileOrigin(ocfg)
		if err != nil {
			return fmt.Errorf("origin %q: %w", ocfg.ID, err)
		}

		b.origins[ocfg.ID] = origin
	}

	return nil
}

func (b *builder) compileOrigin(cfg OriginConfig) (Origin, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		return nil, errors.New("timeout must be positive")
	}

	kind := OriginStatic
	if cfg.Kind == OriginKindFunction {
		kind = OriginFunction
	}

	if cfg.Dir != "" {
		if kind != OriginStatic {
			return nil, errors.New("only static origins can be served from a directory")
		}

		info, err := os.Stat(cfg.Dir)
		if err != nil {
			return nil, fmt.Errorf("cannot open directory: %w", err)
		}

		if !info.IsDir() {
			return nil, fmt.Errorf("%s is not a directory", cfg.Dir)
		}

		return &dirOrigin{
			id:            cfg.ID,
			fsys:          os.DirFS(cfg.Dir),
			timeout:       timeout,
			maxObjectSize: cfg.MaxResponseSize,
		}, nil
	}

	base, err := url.Parse(cfg.URL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid url %q", cfg.URL)
	}

	origin := &httpOrigin{
		id:              cfg.ID,
		kind:            kind,
		base:            base,
		timeout:         timeout,
		forwardHeaders:  cfg.ForwardHeaders,
		maxResponseSize: cfg.MaxResponseSize,
		trustedProxies:  b.trustedProxies,
		client:          &http.Client{Transport: b.transport},
		log:             b.log.Named("origin"),
	}

	if cfg.CircuitBreaker.Enabled {
		log := b.log.Named("circuitbreaker")

		origin.circuitBreaker = circuitbreaker.New(cfg.ID, cfg.CircuitBreaker.MaxFailures, cfg.CircuitBreaker.ResetTimeout,
			func(name string, from, to circuitbreaker.State) {
				log.Warn("circuit breaker state changed",
					zap.String("origin", name),
					zap.String("from", from.String()),
					zap.String("to", to.String()),
				)
			},
		)
	}

	return origin, nil
}

// compileGroups validates every configured group once, including groups no behavior uses.
func (b *builder) compileGroups() error {
	b.groups = make(map[string]OriginGroupConfig, len(b.cfg.OriginGroups))

	for _, gcfg := range b.cfg.OriginGroups {
		if _, dup := b.groups[gcfg.ID]; dup {
			return fmt.Errorf("origin group %q defined twice", gcfg.ID)
		}

		if _, clash := b.origins[gcfg.ID]; clash {
			return fmt.Errorf("origin group %q has the same id as an origin", gcfg.ID)
		}

		primary, ok := b.origins[gcfg.Primary]
		if !ok {
			return fmt.Errorf("origin group %q: unknown primary origin %q", gcfg.ID, gcfg.Primary)
		}

		fallback, ok := b.origins[gcfg.Fallback]
		if !ok {
			return fmt.Errorf("origin group %q: unknown fallback origin %q", gcfg.ID, gcfg.Fallback)
		}

		if _, err := NewOriginGroup(gcfg.ID, primary, fallback, gcfg.FailoverStatuses, gcfg.FallbackOnTimeout, nil, nil); err != nil {
			return err
		}

		b.groups[gcfg.ID] = gcfg
	}

	return nil
}

func (b *builder) compilePolicies() error {
	b.policies = make(map[string]CachePolicy, len(b.cfg.CachePolicies))

	for _, pcfg := range b.cfg.CachePolicies {
		if _, dup := b.policies[pcfg.ID]; dup {
			return fmt.Errorf("cache policy %q defined twice", pcfg.ID)
		}

		class := CacheDisabled
		if pcfg.Class == CacheClassOptimized {
			class = CacheOptimized
		}

		if pcfg.MaxTTL > 0 && pcfg.DefaultTTL > pcfg.MaxTTL {
			return fmt.Errorf("cache policy %q: default_ttl exceeds max_ttl", pcfg.ID)
		}

		b.policies[pcfg.ID] = NewCachePolicy(pcfg.ID, class, pcfg.DefaultTTL, pcfg.MaxTTL, pcfg.QueryStrings, pcfg.Headers)
	}

	return nil
}

func (b *builder) compileRewrites() error {
	b.rewrites = make(map[string]*rewrite.Rule, len(b.cfg.Rewrites))

	for _, rcfg := range b.cfg.Rewrites {
		if _, dup := b.rewrites[rcfg.ID]; dup {
			return fmt.Errorf("rewrite %q defined twice", rcfg.ID)
		}

		rule, err := rewrite.NewRule(rcfg.ID, rewrite.Scope(rcfg.Scope), rcfg.Prefix)
		if err != nil {
			return err
		}

		b.rewrites[rcfg.ID] = &rule
	}

	return nil
}

func (b *builder) compileBehaviors() (*BehaviorTable, error) {
	behaviors := make([]*Behavior, 0, len(b.cfg.Behaviors))

	for _, bcfg := range b.cfg.Behaviors {
		behavior, err := b.compileBehavior(bcfg)
		if err != nil {
			return nil, fmt.Errorf("behavior %q: %w", bcfg.Pattern, err)
		}

		behaviors = append(behaviors, behavior)
	}

	return NewBehaviorTable(behaviors)
}

func (b *builder) compileBehavior(cfg BehaviorConfig) (*Behavior, error) {
	policy, ok := b.policies[cfg.CachePolicy]
	if !ok {
		return nil, fmt.Errorf("unknown cache policy %q", cfg.CachePolicy)
	}

	methods, err := compileAllowedMethods(cfg.AllowedMethods)
	if err != nil {
		return nil, err
	}

	behavior := &Behavior{
		Pattern:        cfg.Pattern,
		CachePolicy:    policy,
		AllowedMethods: methods,
	}

	if cfg.Rewrite != "" {
		rule, found := b.rewrites[cfg.Rewrite]
		if !found {
			return nil, fmt.Errorf("unknown rewrite %q", cfg.Rewrite)
		}

		behavior.Rewrite = rule
	}

	target, err := b.compileTarget(cfg.Target, policy)
	if err != nil {
		return nil, err
	}

	behavior.Target = target

	return behavior, nil
}

// compileTarget builds the group a behavior resolves through. Static origins get a response
// cache in front of them when the behavior's policy allows reuse.
func (b *builder) compileTarget(id string, policy CachePolicy) (*OriginGroup, error) {
	groupLog := b.log.Named("origin_group")

	if origin, ok := b.origins[id]; ok {
		switch {
		case origin.Kind() == OriginFunction && policy.Class == CacheOptimized:
			return nil, fmt.Errorf("function origin %q cannot use optimized cache policy %q", id, policy.ID)
		case origin.Kind() == OriginStatic && policy.Class == CacheDisabled:
			return nil, fmt.Errorf("static origin %q cannot use disabled cache policy %q", id, policy.ID)
		}

		return NewOriginGroup(id, b.withCache(origin, policy), nil, nil, false, groupLog, b.metrics)
	}

	gcfg, ok := b.groups[id]
	if !ok {
		return nil, fmt.Errorf("unknown target %q", id)
	}

	// A static primary serves prerendered pages, which must stay cacheable.
	if primary := b.origins[gcfg.Primary]; primary.Kind() == OriginStatic && policy.Class == CacheDisabled {
		return nil, fmt.Errorf("origin group %q with static primary %q cannot use disabled cache policy %q", id, gcfg.Primary, policy.ID)
	}

	return NewOriginGroup(
		gcfg.ID,
		b.withCache(b.origins[gcfg.Primary], policy),
		b.withCache(b.origins[gcfg.Fallback], policy),
		gcfg.FailoverStatuses,
		gcfg.FallbackOnTimeout,
		groupLog,
		b.metrics,
	)
}

func (b *builder) withCache(origin Origin, policy CachePolicy) Origin {
	if origin.Kind() != OriginStatic || policy.Class != CacheOptimized {
		return origin
	}

	return &cachedOrigin{
		Origin:  origin,
		policy:  policy,
		store:   b.store,
		flight:  b.flight,
		log:     b.log.Named("cache"),
		metrics: b.metrics,
	}
}

func (b *builder) compileErrorMapper(ctx context.Context) (*ErrorMapper, error) {
	pages := make([]ErrorPage, 0, len(b.cfg.ErrorResponses))

	for _, ecfg := range b.cfg.ErrorResponses {
		origin, ok := b.origins[ecfg.Origin]
		if !ok {
			return nil, fmt.Errorf("error response for status %d: unknown origin %q", ecfg.Status, ecfg.Origin)
		}

		pages = append(pages, ErrorPage{
			Status:         ecfg.Status,
			ResponseStatus: ecfg.ResponseStatus,
			Page:           ecfg.Page,
			Origin:         origin,
		})
	}

	return NewErrorMapper(ctx, pages, b.log.Named("error_mapper"), b.metrics)
}

func compileAllowedMethods(s string) (AllowedMethods, error) {
	switch s {
	case MethodsGetHead, "":
		return AllowGetHead, nil
	case MethodsGetHeadOptions:
		return AllowGetHeadOptions, nil
	case MethodsAll:
		return AllowAll, nil
	default:
		return 0, fmt.Errorf("unknown allowed methods %q", s)
	}
}
