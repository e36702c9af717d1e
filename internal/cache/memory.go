package cache

import (
	"context"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
)

const defaultMaxEntries = 10000

type memoryStore struct {
	lru *lru.Cache[string, *Entry]
	log *zap.Logger
}

func NewMemory(maxEntries int, log *zap.Logger) (Store, error) {
	if maxEntries <= 0 {
		maxEntries = defaultMaxEntries
	}

	c, err := lru.New[string, *Entry](maxEntries)
	if err != nil {
		return nil, err
	}

	log.Info("memory cache initialized", zap.Int("max_entries", maxEntries))

	return &memoryStore{lru: c, log: log}, nil
}

func (m *memoryStore) Get(_ context.Context, key Key) (*Entry, error) {
	k := key.String()

	e, ok := m.lru.Get(k)
	if !ok {
		return nil, ErrMiss
	}

	if e.Expired(time.Now()) {
		m.lru.Remove(k)
		return nil, ErrMiss
	}

	return e, nil
}

func (m *memoryStore) Set(_ context.Context, key Key, entry *Entry, ttl time.Duration) error {
	stored := *entry
	stored.StoredAt = time.Now()

	if ttl > 0 {
		stored.ExpiresAt = stored.StoredAt.Add(ttl)
	}

	m.lru.Add(key.String(), &stored)

	return nil
}

func (m *memoryStore) Invalidate(_ context.Context, patterns []string) (int, error) {
	removed := 0

	for _, k := range m.lru.Keys() {
		if matchAny(patterns, parseKey(k).Path) && m.lru.Remove(k) {
			removed++
		}
	}

	m.log.Info("cache invalidated", zap.Strings("patterns", patterns), zap.Int("removed", removed))

	return removed, nil
}

func (m *memoryStore) Close() error {
	m.lru.Purge()
	return nil
}
