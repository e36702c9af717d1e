// Package cache stores origin responses for cache policies that allow reuse across requests.
package cache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

var (
	ErrMiss = errors.New("cache miss")
)

const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// Entry is a stored origin response.
type Entry struct {
	Status    int         `json:"status"`
	Header    http.Header `json:"header"`
	Body      []byte      `json:"body"`
	StoredAt  time.Time   `json:"stored_at"`
	ExpiresAt time.Time   `json:"expires_at"`
}

func (e *Entry) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && now.After(e.ExpiresAt)
}

// Age reports how long the entry has been stored, in whole seconds.
func (e *Entry) Age(now time.Time) int {
	return int(now.Sub(e.StoredAt) / time.Second)
}

// Store is a response cache backend. Implementations are safe for concurrent use.
type Store interface {
	Get(ctx context.Context, key Key) (*Entry, error)
	Set(ctx context.Context, key Key, entry *Entry, ttl time.Duration) error
	// Invalidate removes entries whose path matches any of the patterns and returns how many were removed.
	Invalidate(ctx context.Context, patterns []string) (int, error)
	Close() error
}

type Config struct {
	Backend    string
	MaxEntries int
	RedisURL   string
	KeyPrefix  string
}

func New(cfg Config, log *zap.Logger) (Store, error) {
	switch cfg.Backend {
	case BackendMemory, "":
		return NewMemory(cfg.MaxEntries, log)
	case BackendRedis:
		return NewRedis(cfg.RedisURL, cfg.KeyPrefix, log)
	default:
		return nil, fmt.Errorf("unknown cache backend: %q", cfg.Backend)
	}
}

// MatchInvalidation reports whether path matches an invalidation pattern.
// A trailing "*" matches any suffix; anything else must match exactly.
func MatchInvalidation(pattern, path string) bool {
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		return strings.HasPrefix(path, prefix)
	}

	return pattern == path
}

func matchAny(patterns []string, path string) bool {
	for _, p := range patterns {
		if MatchInvalidation(p, path) {
			return true
		}
	}

	return false
}
