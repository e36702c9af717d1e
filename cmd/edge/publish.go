package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/starwalkn/edge"
	"github.com/starwalkn/edge/internal/cache"
	"github.com/starwalkn/edge/internal/deploy"
	"github.com/starwalkn/edge/internal/logger"
)

const (
	ledgerFile        = "ledger.db"
	invalidateTimeout = 30 * time.Second
)

var publishCmd = &cobra.Command{
	Use:   "publish <dir>",
	Short: "Publish a built asset tree as a new release and invalidate cached paths",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		info, err := os.Stat(args[0])
		if err != nil {
			return err
		}

		if !info.IsDir() {
			return fmt.Errorf("%s is not a directory", args[0])
		}

		return withDeployer(func(ctx context.Context, d *deploy.Deployer, _ *deploy.DirPublisher) error {
			rel, inv, err := d.Deploy(ctx, os.DirFS(args[0]))
			if rel.Version != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "published %s (%d files, %d bytes, %s)\n", rel.Version, rel.Files, rel.Bytes, rel.Digest)
			}

			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "invalidated %v: %d entries (batch %s)\n", inv.Patterns, inv.Removed, inv.ID)

			return nil
		})
	},
}

var rollbackCmd = &cobra.Command{
	Use:   "rollback <version>",
	Short: "Make an earlier release live again and invalidate cached paths",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDeployer(func(ctx context.Context, d *deploy.Deployer, p *deploy.DirPublisher) error {
			if err := p.Rollback(args[0]); err != nil {
				return err
			}

			inv, err := d.Invalidate(ctx, []string{deploy.AllPaths})
			if err != nil {
				return fmt.Errorf("release %s is live but invalidation failed: %w", args[0], err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "rolled back to %s, invalidated %d entries\n", args[0], inv.Removed)

			return nil
		})
	},
}

var invalidateCmd = &cobra.Command{
	Use:   "invalidate <pattern>...",
	Short: "Invalidate cached paths, e.g. /static/*",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDeployer(func(ctx context.Context, d *deploy.Deployer, _ *deploy.DirPublisher) error {
			inv, err := d.Invalidate(ctx, args)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "invalidated %d entries (batch %s)\n", inv.Removed, inv.ID)

			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(publishCmd, rollbackCmd, invalidateCmd)
}

// withDeployer wires a Deployer from the deploy section of the configuration.
func withDeployer(fn func(ctx context.Context, d *deploy.Deployer, p *deploy.DirPublisher) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if cfg.Deploy.Root == "" {
		return errors.New("deploy.root is not configured")
	}

	log := logger.New(cfg.Debug)
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	publisher, err := deploy.NewDirPublisher(cfg.Deploy.Root, cfg.Deploy.Workers, cfg.Deploy.Keep, log.Named("publisher"))
	if err != nil {
		return err
	}

	ledger, err := deploy.OpenLedger(filepath.Join(cfg.Deploy.Root, ledgerFile))
	if err != nil {
		return err
	}
	defer ledger.Close()

	invalidator, closeInvalidator, err := newInvalidator(cfg, log)
	if err != nil {
		return err
	}
	defer closeInvalidator()

	return fn(ctx, deploy.NewDeployer(publisher, invalidator, ledger, log.Named("deployer")), publisher)
}

// newInvalidator prefers an explicit admin URL, then a shared Redis cache, then the
// local server's admin endpoint.
func newInvalidator(cfg edge.Config, log *zap.Logger) (deploy.Invalidator, func(), error) {
	noop := func() {}

	switch {
	case cfg.Deploy.InvalidateURL != "":
		return deploy.NewRemoteInvalidator(cfg.Deploy.InvalidateURL, cfg.Server.Admin.Token, invalidateTimeout), noop, nil
	case cfg.Cache.Backend == cache.BackendRedis:
		store, err := cache.New(cache.Config{
			Backend:   cfg.Cache.Backend,
			RedisURL:  cfg.Cache.RedisURL,
			KeyPrefix: cfg.Cache.KeyPrefix,
		}, log.Named("cache"))
		if err != nil {
			return nil, nil, err
		}

		return deploy.NewCacheInvalidator(store), func() { _ = store.Close() }, nil
	case cfg.Server.Admin.Enabled:
		url := fmt.Sprintf("http://127.0.0.1:%d/admin/invalidate", cfg.Server.Port)
		return deploy.NewRemoteInvalidator(url, cfg.Server.Admin.Token, invalidateTimeout), noop, nil
	default:
		return nil, nil, errors.New("no invalidation target: set deploy.invalidate_url, use the redis cache backend or enable server.admin")
	}
}
