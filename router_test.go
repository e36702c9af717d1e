package edge

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
)

func decodeJSONResponse(t *testing.T, body []byte) ClientResponse {
	t.Helper()

	var resp ClientResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		t.Fatalf("invalid JSON response: %v\nbody=%s", err, body)
	}

	return resp
}

func writeSite(t *testing.T, files map[string]string) string {
	t.Helper()

	dir := t.TempDir()

	for name, content := range files {
		p := filepath.Join(dir, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatal(err)
		}

		if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	return dir
}

var testSite = map[string]string{
	"index.html":               "<h1>home</h1>",
	"about/index.html":         "<h1>about</h1>",
	"app.js":                   "console.log(1)",
	"error.html":               "<h1>not here</h1>",
	"static/docs/index.html":   "<h1>docs</h1>",
	"static/img/logo.svg":      "<svg/>",
	"static/50%off/index.html": "<h1>sale</h1>",
}

// newRenderer answers 200 for /dashboard and / and 404 for everything else.
func newRenderer(t *testing.T) (*httptest.Server, chan *http.Request) {
	t.Helper()

	seen := make(chan *http.Request, 16)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		r.Body = io.NopCloser(strings.NewReader(string(body)))
		seen <- r

		w.Header().Set("Content-Type", "text/html")
		w.Header().Set("Cache-Control", "public, max-age=600")

		switch r.URL.Path {
		case "/", "/dashboard":
			_, _ = w.Write([]byte("rendered " + r.URL.Path + " " + string(body)))
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte("renderer 404"))
		}
	}))
	t.Cleanup(srv.Close)

	return srv, seen
}

func newTestRouter(t *testing.T, cfg Config) *Router {
	t.Helper()

	if err := Validate(&cfg, ".yaml"); err != nil {
		t.Fatalf("invalid config: %v", err)
	}

	router, err := NewRouter(context.Background(), cfg, nil, nil, zap.NewNop())
	if err != nil {
		t.Fatalf("NewRouter: %v", err)
	}

	t.Cleanup(func() { _ = router.Close() })

	return router
}

func serve(r http.Handler, method, target string, body io.Reader) *http.Response {
	req := httptest.NewRequest(method, target, body)
	rec := httptest.NewRecorder()

	r.ServeHTTP(rec, req)

	return rec.Result()
}

func readBody(t *testing.T, res *http.Response) string {
	t.Helper()

	defer res.Body.Close()

	b, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatal(err)
	}

	return string(b)
}

func TestRouter_StaticFirst(t *testing.T) {
	renderer, seen := newRenderer(t)

	router := newTestRouter(t, PresetStaticFirst(PresetOptions{
		StaticDir:   writeSite(t, testSite),
		RendererURL: renderer.URL,
	}))

	t.Run("pre-rendered page", func(t *testing.T) {
		res := serve(router, http.MethodGet, "/about", nil)

		if res.StatusCode != http.StatusOK {
			t.Fatalf("status = %d; want 200", res.StatusCode)
		}
		if got := readBody(t, res); got != "<h1>about</h1>" {
			t.Errorf("body = %q", got)
		}
		if res.Header.Get("X-Edge-Origin") != "static" || res.Header.Get("X-Edge-Behavior") != "*" {
			t.Errorf("origin=%q behavior=%q", res.Header.Get("X-Edge-Origin"), res.Header.Get("X-Edge-Behavior"))
		}
		if res.Header.Get("Cache-Control") != "public, max-age=86400" {
			t.Errorf("Cache-Control = %q", res.Header.Get("Cache-Control"))
		}
		if res.Header.Get("X-Request-ID") == "" {
			t.Error("missing X-Request-ID")
		}

		again := serve(router, http.MethodGet, "/about/", nil)
		if again.Header.Get("X-Cache") != "Hit" {
			t.Errorf("second request X-Cache = %q; want Hit", again.Header.Get("X-Cache"))
		}
	})

	t.Run("failover to renderer with original path", func(t *testing.T) {
		res := serve(router, http.MethodGet, "/dashboard?tab=1", nil)

		if res.StatusCode != http.StatusOK {
			t.Fatalf("status = %d; want 200", res.StatusCode)
		}
		if got := readBody(t, res); got != "rendered /dashboard " {
			t.Errorf("body = %q", got)
		}
		if res.Header.Get("X-Edge-Origin") != "renderer" || res.Header.Get("X-Edge-Failover") != "404" {
			t.Errorf("origin=%q failover=%q", res.Header.Get("X-Edge-Origin"), res.Header.Get("X-Edge-Failover"))
		}
		if res.Header.Get("Cache-Control") != "private, no-store" || res.Header.Get("X-Cache") != "Disabled" {
			t.Errorf("Cache-Control=%q X-Cache=%q", res.Header.Get("Cache-Control"), res.Header.Get("X-Cache"))
		}

		select {
		case r := <-seen:
			if r.URL.Path != "/dashboard" || r.URL.RawQuery != "tab=1" {
				t.Errorf("renderer saw %s?%s", r.URL.Path, r.URL.RawQuery)
			}
		case <-time.After(time.Second):
			t.Fatal("renderer not invoked")
		}
	})

	t.Run("renderer 404 is remapped", func(t *testing.T) {
		res := serve(router, http.MethodGet, "/nowhere", nil)
		<-seen

		if res.StatusCode != http.StatusOK {
			t.Fatalf("status = %d; want 200", res.StatusCode)
		}
		if got := readBody(t, res); got != "<h1>not here</h1>" {
			t.Errorf("body = %q", got)
		}
		if res.Header.Get("Cache-Control") != "private, no-store" {
			t.Errorf("Cache-Control = %q", res.Header.Get("Cache-Control"))
		}
	})

	t.Run("missing asset is remapped without failover", func(t *testing.T) {
		res := serve(router, http.MethodGet, "/missing.css", nil)

		if res.StatusCode != http.StatusOK || res.Header.Get("X-Edge-Behavior") != "*.*" {
			t.Fatalf("status=%d behavior=%q", res.StatusCode, res.Header.Get("X-Edge-Behavior"))
		}
		if res.Header.Get("X-Edge-Failover") != "" {
			t.Error("asset behavior must not fail over")
		}
		if got := readBody(t, res); got != "<h1>not here</h1>" {
			t.Errorf("body = %q", got)
		}
	})

	t.Run("root goes to renderer", func(t *testing.T) {
		res := serve(router, http.MethodGet, "/", nil)
		<-seen

		if res.Header.Get("X-Edge-Behavior") != "/" || res.Header.Get("X-Edge-Origin") != "renderer" {
			t.Errorf("behavior=%q origin=%q", res.Header.Get("X-Edge-Behavior"), res.Header.Get("X-Edge-Origin"))
		}
		if got := readBody(t, res); got != "rendered / " {
			t.Errorf("body = %q", got)
		}
	})

	t.Run("write method rejected", func(t *testing.T) {
		res := serve(router, http.MethodPost, "/about", strings.NewReader("x"))

		if res.StatusCode != http.StatusMethodNotAllowed {
			t.Fatalf("status = %d; want 405", res.StatusCode)
		}
		if res.Header.Get("Allow") != "GET, HEAD" {
			t.Errorf("Allow = %q", res.Header.Get("Allow"))
		}

		resp := decodeJSONResponse(t, []byte(readBody(t, res)))
		if len(resp.Errors) != 1 || resp.Errors[0] != ClientErrMethodNotAllowed {
			t.Errorf("errors = %v", resp.Errors)
		}
	})

	t.Run("head request", func(t *testing.T) {
		res := serve(router, http.MethodHead, "/app.js", nil)

		if res.StatusCode != http.StatusOK {
			t.Fatalf("status = %d; want 200", res.StatusCode)
		}
		if got := readBody(t, res); got != "" {
			t.Errorf("HEAD body = %q", got)
		}
	})
}

func TestRouter_RenderFirst(t *testing.T) {
	renderer, seen := newRenderer(t)

	router := newTestRouter(t, PresetRenderFirst(PresetOptions{
		StaticDir:   writeSite(t, testSite),
		RendererURL: renderer.URL,
	}))

	t.Run("static prefix is normalized", func(t *testing.T) {
		res := serve(router, http.MethodGet, "/static/docs", nil)

		if res.StatusCode != http.StatusOK || res.Header.Get("X-Edge-Behavior") != "/static/**" {
			t.Fatalf("status=%d behavior=%q", res.StatusCode, res.Header.Get("X-Edge-Behavior"))
		}
		if got := readBody(t, res); got != "<h1>docs</h1>" {
			t.Errorf("body = %q", got)
		}
	})

	t.Run("percent-encoded directory is normalized", func(t *testing.T) {
		res := serve(router, http.MethodGet, "/static/50%25off", nil)

		if res.StatusCode != http.StatusOK || res.Header.Get("X-Edge-Origin") != "static" {
			t.Fatalf("status=%d origin=%q", res.StatusCode, res.Header.Get("X-Edge-Origin"))
		}
		if got := readBody(t, res); got != "<h1>sale</h1>" {
			t.Errorf("body = %q", got)
		}
	})

	t.Run("asset pattern", func(t *testing.T) {
		res := serve(router, http.MethodGet, "/app.js", nil)

		if res.Header.Get("X-Edge-Origin") != "static" || res.Header.Get("X-Edge-Behavior") != "*.*" {
			t.Errorf("origin=%q behavior=%q", res.Header.Get("X-Edge-Origin"), res.Header.Get("X-Edge-Behavior"))
		}
		if !strings.HasPrefix(res.Header.Get("Cache-Control"), "public, max-age=") {
			t.Errorf("Cache-Control = %q", res.Header.Get("Cache-Control"))
		}
	})

	t.Run("paths outside the prefix are not normalized", func(t *testing.T) {
		res := serve(router, http.MethodPost, "/dashboard", strings.NewReader("form=1"))

		if res.StatusCode != http.StatusOK {
			t.Fatalf("status = %d; want 200", res.StatusCode)
		}
		if got := readBody(t, res); got != "rendered /dashboard form=1" {
			t.Errorf("body = %q", got)
		}
		if res.Header.Get("Cache-Control") != "private, no-store" {
			t.Errorf("Cache-Control = %q", res.Header.Get("Cache-Control"))
		}

		r := <-seen
		if r.Method != http.MethodPost {
			t.Errorf("renderer saw %s", r.Method)
		}
	})

	t.Run("missing static object is remapped", func(t *testing.T) {
		res := serve(router, http.MethodGet, "/static/nope.png", nil)

		if res.StatusCode != http.StatusOK {
			t.Fatalf("status = %d; want 200", res.StatusCode)
		}
		if got := readBody(t, res); got != "<h1>not here</h1>" {
			t.Errorf("body = %q", got)
		}
	})
}

func rendererOnlyConfig(url string) Config {
	return Config{
		ConfigVersion: "v1",
		Name:          "test",
		Origins: []OriginConfig{
			{ID: "renderer", Kind: OriginKindFunction, URL: url, Timeout: 100 * time.Millisecond},
		},
		CachePolicies: []CachePolicyConfig{{ID: "disabled", Class: CacheClassDisabled}},
		Behaviors: []BehaviorConfig{
			{Pattern: "*", Target: "renderer", CachePolicy: "disabled", AllowedMethods: MethodsAll},
		},
		Server:      ServerConfig{Port: 8080, MaxBodySize: 8, Metrics: MetricsConfig{Provider: "nop"}, Tracing: TracingConfig{SampleRate: 1}},
		Cache:       CacheConfig{Backend: "memory", MaxEntries: 10},
		RateLimiter: RateLimiterConfig{RPS: 1, Burst: 1},
		Deploy:      DeployConfig{Workers: 1, Keep: 1},
	}
}

func TestRouter_OriginErrors(t *testing.T) {
	slow := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer slow.Close()

	router := newTestRouter(t, rendererOnlyConfig(slow.URL))

	res := serve(router, http.MethodGet, "/x", nil)
	if res.StatusCode != http.StatusGatewayTimeout {
		t.Fatalf("status = %d; want 504", res.StatusCode)
	}

	resp := decodeJSONResponse(t, []byte(readBody(t, res)))
	if len(resp.Errors) != 1 || resp.Errors[0] != ClientErrUpstreamTimeout {
		t.Errorf("errors = %v", resp.Errors)
	}

	down := httptest.NewServer(http.NotFoundHandler())
	downURL := down.URL
	down.Close()

	router = newTestRouter(t, rendererOnlyConfig(downURL))

	res = serve(router, http.MethodGet, "/x", nil)
	if res.StatusCode != http.StatusBadGateway {
		t.Fatalf("status = %d; want 502", res.StatusCode)
	}
}

func TestRouter_BodyLimitAndRateLimit(t *testing.T) {
	renderer, _ := newRenderer(t)

	cfg := rendererOnlyConfig(renderer.URL)
	cfg.Origins[0].Timeout = time.Second

	router := newTestRouter(t, cfg)

	res := serve(router, http.MethodPost, "/dashboard", strings.NewReader("0123456789"))
	if res.StatusCode != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d; want 413", res.StatusCode)
	}

	cfg.RateLimiter.Enabled = true
	limited := newTestRouter(t, cfg)

	if res = serve(limited, http.MethodGet, "/dashboard", nil); res.StatusCode != http.StatusOK {
		t.Fatalf("first request status = %d; want 200", res.StatusCode)
	}

	if res = serve(limited, http.MethodGet, "/dashboard", nil); res.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d; want 429", res.StatusCode)
	}
}

func TestNewRouter_Errors(t *testing.T) {
	site := writeSite(t, testSite)

	tests := []struct {
		name   string
		mutate func(cfg *Config)
	}{
		{name: "function origin with optimized policy", mutate: func(cfg *Config) {
			cfg.Behaviors[0] = BehaviorConfig{Pattern: "/", Target: "renderer", CachePolicy: "optimized"}
		}},
		{name: "static origin with disabled policy", mutate: func(cfg *Config) {
			cfg.Behaviors[1].CachePolicy = "disabled"
		}},
		{name: "group with static primary and disabled policy", mutate: func(cfg *Config) {
			cfg.Behaviors[2].CachePolicy = "disabled"
		}},
		{name: "missing default behavior", mutate: func(cfg *Config) {
			cfg.Behaviors = cfg.Behaviors[:2]
		}},
		{name: "unknown target", mutate: func(cfg *Config) {
			cfg.Behaviors[2].Target = "nope"
		}},
		{name: "error page absent", mutate: func(cfg *Config) {
			cfg.ErrorResponses[0].Page = "/missing-error.html"
		}},
		{name: "unknown normalize rule", mutate: func(cfg *Config) {
			cfg.Normalize = "nope"
		}},
		{name: "missing directory", mutate: func(cfg *Config) {
			cfg.Origins[0].Dir = filepath.Join(site, "does-not-exist")
		}},
		{name: "directory function origin", mutate: func(cfg *Config) {
			cfg.Origins[1] = OriginConfig{ID: "renderer", Kind: OriginKindFunction, Dir: site, Timeout: time.Second}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := PresetStaticFirst(PresetOptions{StaticDir: site, RendererURL: "http://127.0.0.1:1"})
			tt.mutate(&cfg)

			if _, err := NewRouter(context.Background(), cfg, nil, nil, zap.NewNop()); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}
