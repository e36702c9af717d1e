// Package deploy publishes static asset trees as immutable releases and invalidates
// cached paths once a release is live.
package deploy

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"
)

// AllPaths invalidates every cached path.
const AllPaths = "/*"

var (
	ErrEmptyTree       = errors.New("asset tree has no files")
	ErrNotFound        = errors.New("not found")
	ErrInvalidPatterns = errors.New("invalid invalidation patterns")
)

// Release describes one published asset tree.
type Release struct {
	Version   string    `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	Files     int       `json:"files"`
	Bytes     int64     `json:"bytes"`
	Digest    string    `json:"digest"`
}

// Invalidation is one batch of invalidated path patterns.
type Invalidation struct {
	ID        string    `json:"id"`
	Patterns  []string  `json:"patterns"`
	Removed   int       `json:"removed"`
	CreatedAt time.Time `json:"created_at"`
}

// Publisher makes an asset tree the live static content and returns its release.
type Publisher interface {
	Publish(ctx context.Context, tree fs.FS) (Release, error)
}

// Invalidator drops cached responses whose paths match the patterns.
type Invalidator interface {
	Invalidate(ctx context.Context, patterns []string) (int, error)
}

// ValidatePatterns accepts absolute paths, optionally ending with a single "*".
func ValidatePatterns(patterns []string) error {
	if len(patterns) == 0 {
		return fmt.Errorf("%w: at least one pattern is required", ErrInvalidPatterns)
	}

	for _, p := range patterns {
		if !strings.HasPrefix(p, "/") {
			return fmt.Errorf("%w: %q must start with \"/\"", ErrInvalidPatterns, p)
		}

		if i := strings.Index(p, "*"); i >= 0 && i != len(p)-1 {
			return fmt.Errorf("%w: %q may only end with \"*\"", ErrInvalidPatterns, p)
		}
	}

	return nil
}
