package edge

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

const (
	defaultOriginTimeout = 3 * time.Second
	defaultServerTimeout = 30 * time.Second
)

type Config struct {
	ConfigVersion string `json:"config_version" yaml:"config_version" toml:"config_version" default:"v1" validate:"required,oneof=v1"`
	Name          string `json:"name" yaml:"name" toml:"name" validate:"required"`
	Version       string `json:"version" yaml:"version" toml:"version"`
	Debug         bool   `json:"debug" yaml:"debug" toml:"debug"`

	Server      ServerConfig      `json:"server" yaml:"server" toml:"server"`
	Cache       CacheConfig       `json:"cache" yaml:"cache" toml:"cache"`
	RateLimiter RateLimiterConfig `json:"rate_limiter" yaml:"rate_limiter" toml:"rate_limiter"`

	Origins        []OriginConfig        `json:"origins" yaml:"origins" toml:"origins" validate:"required,min=1,dive"`
	OriginGroups   []OriginGroupConfig   `json:"origin_groups" yaml:"origin_groups" toml:"origin_groups" validate:"dive"`
	CachePolicies  []CachePolicyConfig   `json:"cache_policies" yaml:"cache_policies" toml:"cache_policies" validate:"required,min=1,dive"`
	Rewrites       []RewriteConfig       `json:"rewrites" yaml:"rewrites" toml:"rewrites" validate:"dive"`
	Normalize      string                `json:"normalize" yaml:"normalize" toml:"normalize"`
	Behaviors      []BehaviorConfig      `json:"behaviors" yaml:"behaviors" toml:"behaviors" validate:"required,min=1,dive"`
	ErrorResponses []ErrorResponseConfig `json:"error_responses" yaml:"error_responses" toml:"error_responses" validate:"dive"`

	Deploy DeployConfig `json:"deploy" yaml:"deploy" toml:"deploy"`
}

type ServerConfig struct {
	Port           int           `json:"port" yaml:"port" toml:"port" default:"8080" validate:"min=1,max=65535"`
	Timeout        time.Duration `json:"timeout" yaml:"timeout" toml:"timeout"`
	MaxBodySize    int64         `json:"max_body_size" yaml:"max_body_size" toml:"max_body_size" default:"10485760" validate:"min=0"`
	TrustedProxies []string      `json:"trusted_proxies" yaml:"trusted_proxies" toml:"trusted_proxies" validate:"dive,cidr"`

	Metrics MetricsConfig `json:"metrics" yaml:"metrics" toml:"metrics"`
	Tracing TracingConfig `json:"tracing" yaml:"tracing" toml:"tracing"`
	Admin   AdminConfig   `json:"admin" yaml:"admin" toml:"admin"`
}

type MetricsConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled" toml:"enabled"`
	Provider string `json:"provider" yaml:"provider" toml:"provider" default:"prometheus" validate:"oneof=prometheus nop"`
}

type TracingConfig struct {
	Enabled    bool    `json:"enabled" yaml:"enabled" toml:"enabled"`
	Endpoint   string  `json:"endpoint" yaml:"endpoint" toml:"endpoint" default:"localhost:4318"`
	Insecure   bool    `json:"insecure" yaml:"insecure" toml:"insecure"`
	SampleRate float64 `json:"sample_rate" yaml:"sample_rate" toml:"sample_rate" default:"1" validate:"min=0,max=1"`
}

// AdminConfig controls the cache invalidation endpoint.
type AdminConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled" toml:"enabled"`
	Token   string `json:"token" yaml:"token" toml:"token" validate:"required_if=Enabled true"`
}

type CacheConfig struct {
	Backend    string `json:"backend" yaml:"backend" toml:"backend" default:"memory" validate:"oneof=memory redis"`
	MaxEntries int    `json:"max_entries" yaml:"max_entries" toml:"max_entries" default:"10000" validate:"min=1"`
	RedisURL   string `json:"redis_url" yaml:"redis_url" toml:"redis_url" validate:"required_if=Backend redis"`
	KeyPrefix  string `json:"key_prefix" yaml:"key_prefix" toml:"key_prefix" default:"edge:"`
}

type RateLimiterConfig struct {
	Enabled bool    `json:"enabled" yaml:"enabled" toml:"enabled"`
	RPS     float64 `json:"rps" yaml:"rps" toml:"rps" default:"50" validate:"gt=0"`
	Burst   int     `json:"burst" yaml:"burst" toml:"burst" default:"100" validate:"min=1"`
}

const (
	OriginKindStatic   = "static"
	OriginKindFunction = "function"
)

type OriginConfig struct {
	ID   string `json:"id" yaml:"id" toml:"id" validate:"required"`
	Kind string `json:"kind" yaml:"kind" toml:"kind" validate:"required,oneof=static function"`
	// Dir is a local object tree. Only static origins may use it.
	Dir string `json:"dir" yaml:"dir" toml:"dir" validate:"required_without=URL,excluded_with=URL"`
	URL string `json:"url" yaml:"url" toml:"url" validate:"omitempty,url"`

	Timeout         time.Duration        `json:"timeout" yaml:"timeout" toml:"timeout"`
	MaxResponseSize int64                `json:"max_response_size" yaml:"max_response_size" toml:"max_response_size" validate:"min=0"`
	ForwardHeaders  []string             `json:"forward_headers" yaml:"forward_headers" toml:"forward_headers"`
	CircuitBreaker  CircuitBreakerConfig `json:"circuit_breaker" yaml:"circuit_breaker" toml:"circuit_breaker"`
}

type CircuitBreakerConfig struct {
	Enabled      bool          `json:"enabled" yaml:"enabled" toml:"enabled"`
	MaxFailures  int           `json:"max_failures" yaml:"max_failures" toml:"max_failures"`
	ResetTimeout time.Duration `json:"reset_timeout" yaml:"reset_timeout" toml:"reset_timeout"`
}

type OriginGroupConfig struct {
	ID                string `json:"id" yaml:"id" toml:"id" validate:"required"`
	Primary           string `json:"primary" yaml:"primary" toml:"primary" validate:"required"`
	Fallback          string `json:"fallback" yaml:"fallback" toml:"fallback" validate:"required,nefield=Primary"`
	FailoverStatuses  []int  `json:"failover_statuses" yaml:"failover_statuses" toml:"failover_statuses" validate:"required,min=1,dive,min=400,max=599"`
	FallbackOnTimeout bool   `json:"fallback_on_timeout" yaml:"fallback_on_timeout" toml:"fallback_on_timeout"`
}

const (
	CacheClassDisabled  = "disabled"
	CacheClassOptimized = "optimized"
)

type CachePolicyConfig struct {
	ID           string        `json:"id" yaml:"id" toml:"id" validate:"required"`
	Class        string        `json:"class" yaml:"class" toml:"class" validate:"required,oneof=disabled optimized"`
	DefaultTTL   time.Duration `json:"default_ttl" yaml:"default_ttl" toml:"default_ttl"`
	MaxTTL       time.Duration `json:"max_ttl" yaml:"max_ttl" toml:"max_ttl"`
	QueryStrings []string      `json:"query_strings" yaml:"query_strings" toml:"query_strings"`
	Headers      []string      `json:"headers" yaml:"headers" toml:"headers"`
}

type RewriteConfig struct {
	ID     string `json:"id" yaml:"id" toml:"id" validate:"required"`
	Scope  string `json:"scope" yaml:"scope" toml:"scope" validate:"required,oneof=all prefix"`
	Prefix string `json:"prefix" yaml:"prefix" toml:"prefix" validate:"required_if=Scope prefix"`
}

const (
	MethodsGetHead        = "get_head"
	MethodsGetHeadOptions = "get_head_options"
	MethodsAll            = "all"
)

type BehaviorConfig struct {
	Pattern        string `json:"pattern" yaml:"pattern" toml:"pattern" validate:"required"`
	Target         string `json:"target" yaml:"target" toml:"target" validate:"required"`
	CachePolicy    string `json:"cache_policy" yaml:"cache_policy" toml:"cache_policy" validate:"required"`
	Rewrite        string `json:"rewrite" yaml:"rewrite" toml:"rewrite"`
	AllowedMethods string `json:"allowed_methods" yaml:"allowed_methods" toml:"allowed_methods" validate:"omitempty,oneof=get_head get_head_options all"`
}

type ErrorResponseConfig struct {
	Status         int    `json:"status" yaml:"status" toml:"status" validate:"oneof=403 404"`
	ResponseStatus int    `json:"response_status" yaml:"response_status" toml:"response_status" validate:"min=100,max=599"`
	Page           string `json:"page" yaml:"page" toml:"page" validate:"required,startswith=/"`
	Origin         string `json:"origin" yaml:"origin" toml:"origin" validate:"required"`
}

type DeployConfig struct {
	Root          string `json:"root" yaml:"root" toml:"root"`
	Workers       int    `json:"workers" yaml:"workers" toml:"workers" default:"8" validate:"min=1"`
	Keep          int    `json:"keep" yaml:"keep" toml:"keep" default:"5" validate:"min=1"`
	InvalidateURL string `json:"invalidate_url" yaml:"invalidate_url" toml:"invalidate_url" validate:"omitempty,url"`
}

func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("cannot read configuration file: %w", err)
	}

	return ParseConfig(data, filepath.Ext(path))
}

// ParseConfig decodes data in the format named by ext (".json", ".yaml", ".yml", ".toml"),
// applies defaults and validates the result.
func ParseConfig(data []byte, ext string) (Config, error) {
	var cfg Config

	if err := defaults.Set(&cfg); err != nil {
		return Config{}, fmt.Errorf("cannot apply configuration defaults: %w", err)
	}

	var err error

	switch ext {
	case ".json":
		err = json.Unmarshal(data, &cfg)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &cfg)
	case ".toml":
		err = toml.Unmarshal(data, &cfg)
	default:
		return Config{}, fmt.Errorf("unknown configuration file extension: %s", ext)
	}

	if err != nil {
		return Config{}, fmt.Errorf("cannot parse configuration file: %w", err)
	}

	if err = Validate(&cfg, ext); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate fills defaults that depend on other fields and checks struct constraints.
// Cross-references between origins, groups and behaviors are checked by NewRouter.
func Validate(cfg *Config, ext string) error {
	ensureDefaults(cfg)

	tag := strings.TrimPrefix(ext, ".")
	if tag == "yml" || tag == "" {
		tag = "yaml"
	}

	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := fld.Tag.Get(tag)
		if name == "" || name == "-" {
			return strings.ToLower(fld.Name)
		}

		return strings.ToLower(strings.Split(name, ",")[0])
	})

	if err := v.Struct(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", formatValidationError(err))
	}

	return nil
}

// ensureDefaults ensures that default values are used in required configuration fields if they are not explicitly set.
func ensureDefaults(cfg *Config) {
	if cfg.Server.Timeout == 0 {
		cfg.Server.Timeout = defaultServerTimeout
	}

	for i := range cfg.Origins {
		if cfg.Origins[i].Timeout == 0 {
			cfg.Origins[i].Timeout = defaultOriginTimeout
		}
	}

	for i := range cfg.Behaviors {
		if cfg.Behaviors[i].AllowedMethods == "" {
			cfg.Behaviors[i].AllowedMethods = MethodsGetHead
		}
	}
}

func formatValidationError(err error) error {
	var ves validator.ValidationErrors

	if ok := errors.As(err, &ves); !ok {
		return err
	}

	var messages []string

	for _, fe := range ves {
		path := strings.TrimPrefix(fe.Namespace(), "Config.")

		messages = append(messages, fmt.Sprintf(
			"%s: %s",
			path,
			humanMessage(fe),
		))
	}

	return errors.New(strings.Join(messages, "\n"))
}

func humanMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "field is required"

	case "required_if":
		return fmt.Sprintf("field is required when %s", fe.Param())

	case "required_without":
		return fmt.Sprintf("field is required when %s is not set", strings.ToLower(fe.Param()))

	case "excluded_with":
		return fmt.Sprintf("cannot be combined with %s", strings.ToLower(fe.Param()))

	case "nefield":
		return fmt.Sprintf("must differ from %s", strings.ToLower(fe.Param()))

	case "min":
		if fe.Kind() == reflect.Slice {
			return fmt.Sprintf("must have at least %s item(s)", fe.Param())
		}

		return fmt.Sprintf("must be at least %s", fe.Param())

	case "max":
		return fmt.Sprintf("must be at most %s", fe.Param())

	case "gt":
		return fmt.Sprintf("must be greater than %s", fe.Param())

	case "oneof":
		return fmt.Sprintf("must be one of [%s]", fe.Param())

	case "url":
		return "must be a valid URL"

	case "cidr":
		return "must be a valid CIDR"

	case "startswith":
		return fmt.Sprintf("must start with %q", fe.Param())

	default:
		return fmt.Sprintf("validation failed on '%s'", fe.Tag())
	}
}
