package edge

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const testYAMLConfig = `
name: site
origins:
  - id: static
    kind: static
    dir: ./public
  - id: renderer
    kind: function
    url: http://127.0.0.1:9000
    timeout: 10s
origin_groups:
  - id: site
    primary: static
    fallback: renderer
    failover_statuses: [403, 404]
cache_policies:
  - id: optimized
    class: optimized
  - id: disabled
    class: disabled
rewrites:
  - id: index
    scope: all
behaviors:
  - pattern: "*.*"
    target: static
    cache_policy: optimized
  - pattern: "*"
    target: site
    cache_policy: optimized
    rewrite: index
error_responses:
  - status: 404
    response_status: 200
    page: /error.html
    origin: static
`

func TestParseConfig_YAML(t *testing.T) {
	cfg, err := ParseConfig([]byte(testYAMLConfig), ".yaml")
	if err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}

	if cfg.ConfigVersion != "v1" {
		t.Errorf("config_version default = %q", cfg.ConfigVersion)
	}
	if cfg.Server.Port != 8080 || cfg.Server.Timeout != defaultServerTimeout {
		t.Errorf("server defaults = %d/%s", cfg.Server.Port, cfg.Server.Timeout)
	}
	if cfg.Cache.Backend != "memory" || cfg.Cache.MaxEntries != 10000 {
		t.Errorf("cache defaults = %+v", cfg.Cache)
	}
	if cfg.Origins[0].Timeout != defaultOriginTimeout {
		t.Errorf("origin timeout default = %s", cfg.Origins[0].Timeout)
	}
	if cfg.Origins[1].Timeout != 10*time.Second {
		t.Errorf("origin timeout = %s", cfg.Origins[1].Timeout)
	}
	if cfg.Behaviors[0].AllowedMethods != MethodsGetHead {
		t.Errorf("allowed methods default = %q", cfg.Behaviors[0].AllowedMethods)
	}
	if len(cfg.OriginGroups[0].FailoverStatuses) != 2 {
		t.Errorf("failover statuses = %v", cfg.OriginGroups[0].FailoverStatuses)
	}
}

func TestParseConfig_TOML(t *testing.T) {
	data := `
name = "site"

[server]
port = 9090

[[origins]]
id = "renderer"
kind = "function"
url = "http://127.0.0.1:9000"

[[cache_policies]]
id = "disabled"
class = "disabled"

[[behaviors]]
pattern = "*"
target = "renderer"
cache_policy = "disabled"
allowed_methods = "all"
`

	cfg, err := ParseConfig([]byte(data), ".toml")
	if err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}

	if cfg.Server.Port != 9090 || cfg.Behaviors[0].AllowedMethods != MethodsAll {
		t.Errorf("unexpected config: %+v", cfg)
	}
}

func TestParseConfig_JSON(t *testing.T) {
	data := `{
  "name": "site",
  "origins": [{"id": "renderer", "kind": "function", "url": "http://127.0.0.1:9000"}],
  "cache_policies": [{"id": "disabled", "class": "disabled"}],
  "behaviors": [{"pattern": "*", "target": "renderer", "cache_policy": "disabled"}]
}`

	if _, err := ParseConfig([]byte(data), ".json"); err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}
}

func TestParseConfig_ValidationMessages(t *testing.T) {
	data := `
origins:
  - id: static
    kind: blob
    dir: ./public
    url: http://example.com
origin_groups:
  - id: site
    primary: static
    fallback: static
cache_policies:
  - id: optimized
    class: optimized
behaviors:
  - pattern: "*"
    target: site
    cache_policy: optimized
error_responses:
  - status: 500
    response_status: 200
    page: error.html
    origin: static
`

	_, err := ParseConfig([]byte(data), ".yaml")
	if err == nil {
		t.Fatal("expected validation error")
	}

	for _, want := range []string{
		"name: field is required",
		"origins[0].kind: must be one of [static function]",
		"origins[0].dir: cannot be combined with url",
		"origin_groups[0].fallback: must differ from primary",
		"origin_groups[0].failover_statuses: field is required",
		"error_responses[0].status: must be one of [403 404]",
		`error_responses[0].page: must start with "/"`,
	} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error does not mention %q:\n%s", want, err)
		}
	}
}

func TestParseConfig_UnknownExtension(t *testing.T) {
	if _, err := ParseConfig([]byte("{}"), ".ini"); err == nil {
		t.Fatal("expected error for unknown extension")
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "edge.yml")
	if err := os.WriteFile(path, []byte(testYAMLConfig), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	if cfg.Name != "site" {
		t.Errorf("name = %q", cfg.Name)
	}

	if _, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestPresets_Validate(t *testing.T) {
	opts := PresetOptions{StaticDir: "./public", RendererURL: "http://127.0.0.1:9000"}

	for name, cfg := range map[string]Config{
		"static-first": PresetStaticFirst(opts),
		"render-first": PresetRenderFirst(opts),
	} {
		t.Run(name, func(t *testing.T) {
			if err := Validate(&cfg, ".yaml"); err != nil {
				t.Fatalf("preset does not validate: %v", err)
			}
		})
	}
}
