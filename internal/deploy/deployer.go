package deploy

import (
	"context"
	"fmt"
	"io/fs"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Deployer runs a deployment cycle: publish the tree, record the release, then
// invalidate every cached path so no stale asset outlives the new release.
type Deployer struct {
	publisher   Publisher
	invalidator Invalidator
	ledger      *Ledger
	log         *zap.Logger
}

// NewDeployer builds a Deployer. The ledger is optional.
func NewDeployer(publisher Publisher, invalidator Invalidator, ledger *Ledger, log *zap.Logger) *Deployer {
	return &Deployer{
		publisher:   publisher,
		invalidator: invalidator,
		ledger:      ledger,
		log:         log,
	}
}

func (d *Deployer) Deploy(ctx context.Context, tree fs.FS) (Release, Invalidation, error) {
	rel, err := d.publisher.Publish(ctx, tree)
	if err != nil {
		return Release{}, Invalidation{}, fmt.Errorf("publish: %w", err)
	}

	if d.ledger != nil {
		if err = d.ledger.RecordRelease(rel); err != nil {
			d.log.Error("cannot record release", zap.String("version", rel.Version), zap.Error(err))
		}
	}

	inv, err := d.Invalidate(ctx, []string{AllPaths})
	if err != nil {
		return rel, Invalidation{}, fmt.Errorf("release %s is live but invalidation failed: %w", rel.Version, err)
	}

	return rel, inv, nil
}

func (d *Deployer) Invalidate(ctx context.Context, patterns []string) (Invalidation, error) {
	if err := ValidatePatterns(patterns); err != nil {
		return Invalidation{}, err
	}

	inv := Invalidation{
		ID:        uuid.NewString(),
		Patterns:  patterns,
		CreatedAt: time.Now().UTC(),
	}

	removed, err := d.invalidator.Invalidate(ctx, patterns)
	if err != nil {
		return Invalidation{}, err
	}

	inv.Removed = removed

	if d.ledger != nil {
		if err = d.ledger.RecordInvalidation(inv); err != nil {
			d.log.Error("cannot record invalidation", zap.String("id", inv.ID), zap.Error(err))
		}
	}

	d.log.Info("paths invalidated",
		zap.String("id", inv.ID),
		zap.Strings("patterns", patterns),
		zap.Int("removed", removed),
	)

	return inv, nil
}
