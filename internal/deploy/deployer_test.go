package deploy

import (
	"context"
	"errors"
	"io/fs"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordingInvalidator struct {
	calls [][]string
	err   error
}

func (r *recordingInvalidator) Invalidate(_ context.Context, patterns []string) (int, error) {
	r.calls = append(r.calls, patterns)
	return 3, r.err
}

type failingPublisher struct{}

func (failingPublisher) Publish(context.Context, fs.FS) (Release, error) {
	return Release{}, errors.New("disk full")
}

func TestDeployer_Deploy(t *testing.T) {
	root := t.TempDir()

	pub, err := NewDirPublisher(root, 2, 5, zap.NewNop())
	require.NoError(t, err)

	ledger, err := OpenLedger(filepath.Join(root, "ledger.db"))
	require.NoError(t, err)
	defer ledger.Close()

	inv := &recordingInvalidator{}
	d := NewDeployer(pub, inv, ledger, zap.NewNop())

	rel, batch, err := d.Deploy(context.Background(), siteTree("<h1>v1</h1>"))
	require.NoError(t, err)

	assert.Equal(t, [][]string{{AllPaths}}, inv.calls, "every publish invalidates all paths")
	assert.Equal(t, 3, batch.Removed)
	assert.NotEmpty(t, batch.ID)

	recorded, err := ledger.Release(rel.Version)
	require.NoError(t, err)
	assert.Equal(t, rel.Digest, recorded.Digest)

	invs, err := ledger.Invalidations(0)
	require.NoError(t, err)
	require.Len(t, invs, 1)
	assert.Equal(t, batch.ID, invs[0].ID)
}

func TestDeployer_InvalidationFailureKeepsRelease(t *testing.T) {
	pub, err := NewDirPublisher(t.TempDir(), 2, 5, zap.NewNop())
	require.NoError(t, err)

	d := NewDeployer(pub, &recordingInvalidator{err: errors.New("unreachable")}, nil, zap.NewNop())

	rel, _, err := d.Deploy(context.Background(), siteTree("x"))
	require.Error(t, err)
	assert.NotEmpty(t, rel.Version)

	current, err := pub.Current()
	require.NoError(t, err)
	assert.Equal(t, rel.Version, current)
}

func TestDeployer_PublishFailureSkipsInvalidation(t *testing.T) {
	inv := &recordingInvalidator{}
	d := NewDeployer(failingPublisher{}, inv, nil, zap.NewNop())

	_, _, err := d.Deploy(context.Background(), siteTree("x"))
	require.Error(t, err)
	assert.Empty(t, inv.calls)
}
