package edge

import (
	"net/http"
	"time"
)

const (
	presetStaticOrigin   = "static"
	presetRendererOrigin = "renderer"
	presetSiteGroup      = "site"
	presetOptimized      = "optimized"
	presetDisabled       = "disabled"
	presetIndexRewrite   = "index"
)

// PresetOptions describes the two origins both presets are built from.
type PresetOptions struct {
	Name string
	// StaticDir or StaticURL locates the pre-rendered content.
	StaticDir   string
	StaticURL   string
	RendererURL string
	// StaticPrefix scopes the static carve-out of the render-first preset. Defaults to "/static".
	StaticPrefix string
	// ErrorPage is served with status 200 for origin 403 and 404 responses. Defaults to "/error.html".
	ErrorPage string
	Port      int
}

func (o PresetOptions) withDefaults() PresetOptions {
	if o.Name == "" {
		o.Name = "edge"
	}

	if o.StaticPrefix == "" {
		o.StaticPrefix = "/static"
	}

	if o.ErrorPage == "" {
		o.ErrorPage = "/error.html"
	}

	if o.Port == 0 {
		o.Port = 8080
	}

	return o
}

// PresetStaticFirst serves pre-rendered content first and falls back to the renderer
// when the static store answers 403 or 404.
func PresetStaticFirst(opts PresetOptions) Config {
	opts = opts.withDefaults()
	cfg := presetBase(opts)

	cfg.OriginGroups = []OriginGroupConfig{
		{
			ID:               presetSiteGroup,
			Primary:          presetStaticOrigin,
			Fallback:         presetRendererOrigin,
			FailoverStatuses: []int{http.StatusForbidden, http.StatusNotFound},
		},
	}
	cfg.Rewrites = []RewriteConfig{
		{ID: presetIndexRewrite, Scope: "all"},
	}
	cfg.Behaviors = []BehaviorConfig{
		{Pattern: "/", Target: presetRendererOrigin, CachePolicy: presetDisabled, AllowedMethods: MethodsGetHead},
		{Pattern: "*.*", Target: presetStaticOrigin, CachePolicy: presetOptimized, AllowedMethods: MethodsGetHead},
		{Pattern: DefaultPattern, Target: presetSiteGroup, CachePolicy: presetOptimized, Rewrite: presetIndexRewrite, AllowedMethods: MethodsGetHead},
	}

	return cfg
}

// PresetRenderFirst renders every route dynamically except assets and the static prefix.
func PresetRenderFirst(opts PresetOptions) Config {
	opts = opts.withDefaults()
	cfg := presetBase(opts)

	cfg.Rewrites = []RewriteConfig{
		{ID: presetIndexRewrite, Scope: "prefix", Prefix: opts.StaticPrefix},
	}
	cfg.Normalize = presetIndexRewrite
	cfg.Behaviors = []BehaviorConfig{
		{Pattern: opts.StaticPrefix + "/**", Target: presetStaticOrigin, CachePolicy: presetOptimized, AllowedMethods: MethodsGetHead},
		{Pattern: "*.*", Target: presetStaticOrigin, CachePolicy: presetOptimized, AllowedMethods: MethodsGetHead},
		{Pattern: DefaultPattern, Target: presetRendererOrigin, CachePolicy: presetDisabled, AllowedMethods: MethodsAll},
	}

	return cfg
}

func presetBase(opts PresetOptions) Config {
	cfg := Config{
		ConfigVersion: "v1",
		Name:          opts.Name,
		Server: ServerConfig{
			Port:        opts.Port,
			Timeout:     defaultServerTimeout,
			MaxBodySize: 10 << 20,
			Metrics:     MetricsConfig{Provider: "prometheus"},
			Tracing:     TracingConfig{Endpoint: "localhost:4318", SampleRate: 1},
		},
		Cache:       CacheConfig{Backend: "memory", MaxEntries: 10000, KeyPrefix: "edge:"},
		RateLimiter: RateLimiterConfig{RPS: 50, Burst: 100},
		Origins: []OriginConfig{
			{
				ID:      presetStaticOrigin,
				Kind:    OriginKindStatic,
				Dir:     opts.StaticDir,
				URL:     opts.StaticURL,
				Timeout: defaultOriginTimeout,
			},
			{
				ID:             presetRendererOrigin,
				Kind:           OriginKindFunction,
				URL:            opts.RendererURL,
				Timeout:        10 * time.Second,
				ForwardHeaders: []string{"*"},
			},
		},
		CachePolicies: []CachePolicyConfig{
			{ID: presetOptimized, Class: CacheClassOptimized},
			{ID: presetDisabled, Class: CacheClassDisabled},
		},
		ErrorResponses: []ErrorResponseConfig{
			{Status: http.StatusForbidden, ResponseStatus: http.StatusOK, Page: opts.ErrorPage, Origin: presetStaticOrigin},
			{Status: http.StatusNotFound, ResponseStatus: http.StatusOK, Page: opts.ErrorPage, Origin: presetStaticOrigin},
		},
		Deploy: DeployConfig{Workers: 8, Keep: 5},
	}

	return cfg
}
