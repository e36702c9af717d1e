package deploy

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	releasesDir = "releases"
	currentLink = "current"

	defaultWorkers = 8
	defaultKeep    = 5
)

// DirPublisher stores each release under <root>/releases/<version> and points the
// <root>/current symlink at the live one. A static origin serving <root>/current sees
// every release swap atomically.
type DirPublisher struct {
	root    string
	workers int
	keep    int
	log     *zap.Logger

	mu sync.Mutex
}

func NewDirPublisher(root string, workers, keep int, log *zap.Logger) (*DirPublisher, error) {
	if root == "" {
		return nil, errors.New("deploy root is required")
	}

	if workers <= 0 {
		workers = defaultWorkers
	}

	if keep <= 0 {
		keep = defaultKeep
	}

	if err := os.MkdirAll(filepath.Join(root, releasesDir), 0o755); err != nil {
		return nil, fmt.Errorf("create releases dir: %w", err)
	}

	return &DirPublisher{root: root, workers: workers, keep: keep, log: log}, nil
}

// CurrentDir is the directory a static origin should serve.
func (p *DirPublisher) CurrentDir() string {
	return filepath.Join(p.root, currentLink)
}

func (p *DirPublisher) Publish(ctx context.Context, tree fs.FS) (Release, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	files, err := listFiles(tree)
	if err != nil {
		return Release{}, err
	}

	if len(files) == 0 {
		return Release{}, ErrEmptyTree
	}

	version := ulid.Make().String()
	dir := filepath.Join(p.root, releasesDir, version)

	if err = os.MkdirAll(dir, 0o755); err != nil {
		return Release{}, fmt.Errorf("create release dir: %w", err)
	}

	sums := make([]string, len(files))
	sizes := make([]int64, len(files))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.workers)

	for i, name := range files {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}

			sum, n, err := copyFile(tree, name, filepath.Join(dir, filepath.FromSlash(name)))
			if err != nil {
				return fmt.Errorf("copy %s: %w", name, err)
			}

			sums[i] = sum + "  " + name
			sizes[i] = n

			return nil
		})
	}

	if err = g.Wait(); err != nil {
		_ = os.RemoveAll(dir)
		return Release{}, err
	}

	rel := Release{
		Version:   version,
		CreatedAt: time.Now().UTC(),
		Files:     len(files),
		Digest:    treeDigest(sums),
	}

	for _, n := range sizes {
		rel.Bytes += n
	}

	if err = p.activate(version); err != nil {
		_ = os.RemoveAll(dir)
		return Release{}, err
	}

	p.log.Info("release published",
		zap.String("version", version),
		zap.Int("files", rel.Files),
		zap.Int64("bytes", rel.Bytes),
	)

	p.prune()

	return rel, nil
}

// Current returns the live release version.
func (p *DirPublisher) Current() (string, error) {
	target, err := os.Readlink(p.CurrentDir())
	if errors.Is(err, fs.ErrNotExist) {
		return "", ErrNotFound
	}

	if err != nil {
		return "", err
	}

	return filepath.Base(target), nil
}

// Versions lists the releases kept on disk, oldest first.
func (p *DirPublisher) Versions() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(p.root, releasesDir))
	if err != nil {
		return nil, err
	}

	var versions []string
	for _, e := range entries {
		if e.IsDir() {
			versions = append(versions, e.Name())
		}
	}

	slices.Sort(versions)

	return versions, nil
}

// Rollback makes an earlier release live again.
func (p *DirPublisher) Rollback(version string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if version == "" || strings.ContainsAny(version, `/\.`) {
		return fmt.Errorf("invalid version %q", version)
	}

	info, err := os.Stat(filepath.Join(p.root, releasesDir, version))
	if err != nil || !info.IsDir() {
		return fmt.Errorf("release %s: %w", version, ErrNotFound)
	}

	return p.activate(version)
}

func (p *DirPublisher) activate(version string) error {
	tmp := filepath.Join(p.root, currentLink+".tmp-"+version)
	_ = os.Remove(tmp)

	if err := os.Symlink(filepath.Join(releasesDir, version), tmp); err != nil {
		return fmt.Errorf("link release: %w", err)
	}

	// rename(2) replaces the previous link in one step.
	if err := os.Rename(tmp, p.CurrentDir()); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("activate release: %w", err)
	}

	return nil
}

func (p *DirPublisher) prune() {
	versions, err := p.Versions()
	if err != nil {
		p.log.Warn("cannot list releases", zap.Error(err))
		return
	}

	current, _ := p.Current()

	for len(versions) > p.keep {
		old := versions[0]
		versions = versions[1:]

		if old == current {
			continue
		}

		if err = os.RemoveAll(filepath.Join(p.root, releasesDir, old)); err != nil {
			p.log.Warn("cannot remove release", zap.String("version", old), zap.Error(err))
			continue
		}

		p.log.Debug("release pruned", zap.String("version", old))
	}
}

func listFiles(tree fs.FS) ([]string, error) {
	var files []string

	err := fs.WalkDir(tree, ".", func(name string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if d.Type().IsRegular() {
			files = append(files, name)
		}

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk asset tree: %w", err)
	}

	return files, nil
}

func copyFile(tree fs.FS, name, dst string) (string, int64, error) {
	src, err := tree.Open(name)
	if err != nil {
		return "", 0, err
	}
	defer src.Close()

	if err = os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", 0, err
	}

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return "", 0, err
	}

	h := sha256.New()

	n, err := io.Copy(io.MultiWriter(out, h), src)
	if err != nil {
		_ = out.Close()
		return "", 0, err
	}

	if err = out.Close(); err != nil {
		return "", 0, err
	}

	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// treeDigest hashes the per-file sums in walk order, so equal trees get equal digests.
func treeDigest(sums []string) string {
	h := sha256.New()
	for _, s := range sums {
		_, _ = io.WriteString(h, s+"\n")
	}

	return "sha256:" + hex.EncodeToString(h.Sum(nil))
}
