package deploy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/starwalkn/edge/internal/cache"
)

// InvalidateRequest is the body of the server's admin invalidation endpoint.
type InvalidateRequest struct {
	Patterns []string `json:"patterns"`
}

type InvalidateResponse struct {
	ID      string `json:"id"`
	Removed int    `json:"removed"`
}

// CacheInvalidator invalidates a cache store directly. It reaches every edge process
// only when the store is shared, as with the Redis backend.
type CacheInvalidator struct {
	store cache.Store
}

func NewCacheInvalidator(store cache.Store) *CacheInvalidator {
	return &CacheInvalidator{store: store}
}

func (i *CacheInvalidator) Invalidate(ctx context.Context, patterns []string) (int, error) {
	if err := ValidatePatterns(patterns); err != nil {
		return 0, err
	}

	return i.store.Invalidate(ctx, patterns)
}

// RemoteInvalidator calls a running edge server's admin endpoint.
type RemoteInvalidator struct {
	url    string
	token  string
	client *http.Client
}

func NewRemoteInvalidator(url, token string, timeout time.Duration) *RemoteInvalidator {
	return &RemoteInvalidator{
		url:    url,
		token:  token,
		client: &http.Client{Timeout: timeout},
	}
}

func (i *RemoteInvalidator) Invalidate(ctx context.Context, patterns []string) (int, error) {
	if err := ValidatePatterns(patterns); err != nil {
		return 0, err
	}

	body, err := json.Marshal(InvalidateRequest{Patterns: patterns})
	if err != nil {
		return 0, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, i.url, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}

	req.Header.Set("Content-Type", "application/json")
	if i.token != "" {
		req.Header.Set("Authorization", "Bearer "+i.token)
	}

	resp, err := i.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("invalidate: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return 0, fmt.Errorf("invalidate: unexpected status %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}

	var out InvalidateResponse
	if err = json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("invalidate: decode response: %w", err)
	}

	return out.Removed, nil
}
