package edge_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"slices"
	"strings"
	"sync"
	"testing/fstest"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/starwalkn/edge"
	"github.com/starwalkn/edge/internal/deploy"
)

func siteRelease(about string) fstest.MapFS {
	return fstest.MapFS{
		"index.html":             {Data: []byte("<h1>home</h1>")},
		"about/index.html":       {Data: []byte(about)},
		"error.html":             {Data: []byte("<h1>not here</h1>")},
		"app.js":                 {Data: []byte("console.log(1)")},
		"static/docs/index.html": {Data: []byte("<h1>docs</h1>")},
		"static/img/logo.svg":    {Data: []byte("<svg/>")},
	}
}

type requestLog struct {
	mu    sync.Mutex
	paths []string
}

func (l *requestLog) add(s string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.paths = append(l.paths, s)
}

func (l *requestLog) Paths() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	return slices.Clone(l.paths)
}

// startRenderer answers for a few rendered routes and records what it was asked for.
func startRenderer() (*httptest.Server, *requestLog) {
	seen := &requestLog{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen.add(r.Method + " " + r.URL.Path)

		switch r.URL.Path {
		case "/", "/dashboard", "/api/form":
			_, _ = io.WriteString(w, "rendered "+r.URL.Path)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	DeferCleanup(srv.Close)

	return srv, seen
}

func publishSite(tree fstest.MapFS) *deploy.DirPublisher {
	root, err := os.MkdirTemp("", "edge-e2e-")
	Expect(err).NotTo(HaveOccurred())
	DeferCleanup(os.RemoveAll, root)

	publisher, err := deploy.NewDirPublisher(root, 2, 3, zap.NewNop())
	Expect(err).NotTo(HaveOccurred())

	_, err = publisher.Publish(context.Background(), tree)
	Expect(err).NotTo(HaveOccurred())

	return publisher
}

func buildRouter(cfg edge.Config) *edge.Router {
	Expect(edge.Validate(&cfg, ".yaml")).To(Succeed())

	router, err := edge.NewRouter(context.Background(), cfg, nil, nil, zap.NewNop())
	Expect(err).NotTo(HaveOccurred())
	DeferCleanup(router.Close)

	return router
}

func request(h http.Handler, method, target string) (*http.Response, string) {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, target, strings.NewReader("")))

	res := rec.Result()
	body, err := io.ReadAll(res.Body)
	Expect(err).NotTo(HaveOccurred())

	return res, string(body)
}

var _ = Describe("Static-first site", func() {
	var (
		publisher *deploy.DirPublisher
		router    *edge.Router
		seen      *requestLog
	)

	BeforeEach(func() {
		var renderer *httptest.Server

		renderer, seen = startRenderer()
		publisher = publishSite(siteRelease("<h1>about v1</h1>"))
		router = buildRouter(edge.PresetStaticFirst(edge.PresetOptions{
			Name:        "site",
			StaticDir:   publisher.CurrentDir(),
			RendererURL: renderer.URL,
		}))
	})

	It("serves prerendered pages from the static store with long-lived caching", func() {
		res, body := request(router, http.MethodGet, "/about")

		Expect(res.StatusCode).To(Equal(http.StatusOK))
		Expect(body).To(Equal("<h1>about v1</h1>"))
		Expect(res.Header.Get("X-Edge-Origin")).To(Equal("static"))
		Expect(res.Header.Get("Cache-Control")).To(HavePrefix("public, max-age="))
		Expect(seen.Paths()).To(BeEmpty())
	})

	It("renders the root through the renderer without caching", func() {
		res, body := request(router, http.MethodGet, "/")

		Expect(res.StatusCode).To(Equal(http.StatusOK))
		Expect(body).To(Equal("rendered /"))
		Expect(res.Header.Get("Cache-Control")).To(Equal("private, no-store"))
	})

	It("falls back to the renderer for routes that were not prerendered", func() {
		res, body := request(router, http.MethodGet, "/dashboard")

		Expect(res.StatusCode).To(Equal(http.StatusOK))
		Expect(body).To(Equal("rendered /dashboard"))
		Expect(res.Header.Get("X-Edge-Origin")).To(Equal("renderer"))
		Expect(res.Header.Get("X-Edge-Failover")).To(Equal("404"))
		Expect(res.Header.Get("Cache-Control")).To(Equal("private, no-store"))
		Expect(seen.Paths()).To(ConsistOf("GET /dashboard"))
	})

	It("answers unknown routes with the error page", func() {
		res, body := request(router, http.MethodGet, "/unknown-route")

		Expect(res.StatusCode).To(Equal(http.StatusOK))
		Expect(body).To(Equal("<h1>not here</h1>"))
		Expect(res.Header.Get("Cache-Control")).To(Equal("private, no-store"))
	})

	It("only allows reads on static behaviors", func() {
		res, _ := request(router, http.MethodPost, "/about")

		Expect(res.StatusCode).To(Equal(http.StatusMethodNotAllowed))
		Expect(res.Header.Get("Allow")).To(Equal("GET, HEAD"))
	})

	It("never serves a cached copy of a previous release after a deploy", func() {
		request(router, http.MethodGet, "/about")

		res, _ := request(router, http.MethodGet, "/about")
		Expect(res.Header.Get("X-Cache")).To(Equal("Hit"))

		deployer := deploy.NewDeployer(publisher, deploy.NewCacheInvalidator(router.Cache()), nil, zap.NewNop())

		_, inv, err := deployer.Deploy(context.Background(), siteRelease("<h1>about v2</h1>"))
		Expect(err).NotTo(HaveOccurred())
		Expect(inv.Patterns).To(Equal([]string{deploy.AllPaths}))
		Expect(inv.Removed).To(BeNumerically(">=", 1))

		res, body := request(router, http.MethodGet, "/about")
		Expect(res.Header.Get("X-Cache")).To(Equal("Miss"))
		Expect(body).To(Equal("<h1>about v2</h1>"))
	})
})

var _ = Describe("Render-first site", func() {
	var (
		router *edge.Router
		seen   *requestLog
	)

	BeforeEach(func() {
		var renderer *httptest.Server

		renderer, seen = startRenderer()
		publisher := publishSite(siteRelease("<h1>about</h1>"))
		router = buildRouter(edge.PresetRenderFirst(edge.PresetOptions{
			Name:        "site",
			StaticDir:   publisher.CurrentDir(),
			RendererURL: renderer.URL,
		}))
	})

	DescribeTable("static subtree and assets come from the static store",
		func(path, want string) {
			res, body := request(router, http.MethodGet, path)

			Expect(res.StatusCode).To(Equal(http.StatusOK))
			Expect(body).To(Equal(want))
			Expect(res.Header.Get("X-Edge-Origin")).To(Equal("static"))
			Expect(res.Header.Get("Cache-Control")).To(HavePrefix("public, max-age="))
			Expect(seen.Paths()).To(BeEmpty())
		},
		Entry("directory under the static prefix", "/static/docs", "<h1>docs</h1>"),
		Entry("asset under the static prefix", "/static/img/logo.svg", "<svg/>"),
		Entry("asset outside the prefix", "/app.js", "console.log(1)"),
	)

	It("hands every other route to the renderer unmodified", func() {
		res, body := request(router, http.MethodGet, "/dashboard")

		Expect(res.StatusCode).To(Equal(http.StatusOK))
		Expect(body).To(Equal("rendered /dashboard"))
		Expect(res.Header.Get("X-Edge-Origin")).To(Equal("renderer"))
		Expect(res.Header.Get("X-Edge-Failover")).To(BeEmpty())
		Expect(res.Header.Get("Cache-Control")).To(Equal("private, no-store"))
		Expect(seen.Paths()).To(ConsistOf("GET /dashboard"))
	})

	It("allows writes on the renderer behavior", func() {
		res, body := request(router, http.MethodPost, "/api/form")

		Expect(res.StatusCode).To(Equal(http.StatusOK))
		Expect(body).To(Equal("rendered /api/form"))
	})

	It("maps renderer 404s to the error page", func() {
		res, body := request(router, http.MethodGet, "/missing")

		Expect(res.StatusCode).To(Equal(http.StatusOK))
		Expect(body).To(Equal("<h1>not here</h1>"))
	})
})
