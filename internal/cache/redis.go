package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	defaultKeyPrefix = "edge:"
	scanBatch        = 256
	pingTimeout      = 3 * time.Second
)

type redisStore struct {
	client *redis.Client
	prefix string
	log    *zap.Logger
}

func NewRedis(url, prefix string, log *zap.Logger) (Store, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}

	if prefix == "" {
		prefix = defaultKeyPrefix
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()

	if err = client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("cannot connect to redis: %w", err)
	}

	log.Info("redis cache initialized", zap.String("addr", opts.Addr), zap.String("prefix", prefix))

	return &redisStore{client: client, prefix: prefix, log: log}, nil
}

func (r *redisStore) Get(ctx context.Context, key Key) (*Entry, error) {
	data, err := r.client.Get(ctx, r.prefix+key.String()).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrMiss
	}

	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}

	var e Entry
	if err = json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("corrupted cache entry: %w", err)
	}

	return &e, nil
}

func (r *redisStore) Set(ctx context.Context, key Key, entry *Entry, ttl time.Duration) error {
	stored := *entry
	stored.StoredAt = time.Now()

	if ttl > 0 {
		stored.ExpiresAt = stored.StoredAt.Add(ttl)
	}

	data, err := json.Marshal(&stored)
	if err != nil {
		return fmt.Errorf("cannot encode cache entry: %w", err)
	}

	return r.client.Set(ctx, r.prefix+key.String(), data, ttl).Err()
}

func (r *redisStore) Invalidate(ctx context.Context, patterns []string) (int, error) {
	removed := 0

	for _, p := range patterns {
		n, err := r.invalidatePattern(ctx, p)
		removed += n

		if err != nil {
			return removed, err
		}
	}

	r.log.Info("cache invalidated", zap.Strings("patterns", patterns), zap.Int("removed", removed))

	return removed, nil
}

func (r *redisStore) invalidatePattern(ctx context.Context, pattern string) (int, error) {
	var match string

	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		match = escapeGlob(r.prefix+prefix) + "*"
	} else {
		match = escapeGlob(r.prefix+pattern+keySeparator) + "*"
	}

	removed := 0
	batch := make([]string, 0, scanBatch)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}

		n, err := r.client.Del(ctx, batch...).Result()
		removed += int(n)
		batch = batch[:0]

		return err
	}

	iter := r.client.Scan(ctx, 0, match, scanBatch).Iterator()
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())

		if len(batch) == scanBatch {
			if err := flush(); err != nil {
				return removed, err
			}
		}
	}

	if err := iter.Err(); err != nil {
		return removed, fmt.Errorf("redis scan: %w", err)
	}

	return removed, flush()
}

func (r *redisStore) Close() error {
	return r.client.Close()
}

func escapeGlob(s string) string {
	replacer := strings.NewReplacer(
		`\`, `\\`,
		`*`, `\*`,
		`?`, `\?`,
		`[`, `\[`,
		`]`, `\]`,
	)

	return replacer.Replace(s)
}
