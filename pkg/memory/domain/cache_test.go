package domain_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/m-mizutani/gt"

	"github.com/raizoken23/Stage-One-sub000/pkg/logging"
	"github.com/raizoken23/Stage-One-sub000/pkg/memory/blob"
	"github.com/raizoken23/Stage-One-sub000/pkg/memory/domain"
	"github.com/raizoken23/Stage-One-sub000/pkg/memory/model"
)

func newBlobs(t *testing.T) *blob.FSStore {
	t.Helper()
	s, err := blob.NewFSStore(t.TempDir(), blob.BucketName("", "test_domain"))
	gt.NoError(t, err)
	return s
}

func open(t *testing.T, root string, blobs blob.Store, dim int, sharding bool) *domain.Cache {
	t.Helper()
	c, err := domain.Open(context.Background(), "test_domain", blobs, domain.Options{
		Root:      root,
		Dimension: dim,
		Sharding:  sharding,
		Logger:    logging.Discard(),
	})
	gt.NoError(t, err)
	return c
}

func insert(t *testing.T, c *domain.Cache, agent, in string, vec []float32) model.MemoryRecord {
	t.Helper()
	ctx := context.Background()
	rec := model.NewRecord(agent, in, "out:"+in, model.MemoryDialogue)
	got, err := c.Metadata().Insert(ctx, rec, func(ctx context.Context, id int64) error {
		return c.StageVector(ctx, agent, id, vec)
	})
	gt.NoError(t, err)
	return got
}

func TestOpenEmptyDomain(t *testing.T) {
	ctx := context.Background()
	blobs := newBlobs(t)
	c := open(t, t.TempDir(), blobs, 4, false)

	gt.Equal(t, c.Primary().Len(), 0)
	n, err := c.Metadata().Count(ctx)
	gt.NoError(t, err)
	gt.Equal(t, n, 0)

	objs, err := blobs.List(ctx, "")
	gt.NoError(t, err)
	gt.A(t, objs).Length(len(domain.Prefixes))

	gt.NoError(t, c.Close(ctx, true))
	// empty index is not uploaded
	_, err = blobs.Stat(ctx, domain.RemoteIndexPath)
	gt.Error(t, err)
	_, err = blobs.Stat(ctx, domain.RemoteMetadataPath)
	gt.NoError(t, err)

	gt.NoError(t, c.Close(ctx, true))
}

func TestRehydrateOnFreshMachine(t *testing.T) {
	ctx := context.Background()
	blobs := newBlobs(t)

	c := open(t, t.TempDir(), blobs, 4, false)
	first := insert(t, c, "agent-a", "alpha", []float32{1, 0, 0, 0})
	second := insert(t, c, "agent-a", "beta", []float32{0, 1, 0, 0})
	gt.Equal(t, first.VectorID, int64(0))
	gt.Equal(t, second.VectorID, int64(1))
	gt.NoError(t, c.Close(ctx, true))

	fresh := open(t, t.TempDir(), blobs, 4, false)
	defer fresh.Close(ctx, false)

	n, err := fresh.Metadata().Count(ctx)
	gt.NoError(t, err)
	gt.Equal(t, n, 2)
	gt.Equal(t, fresh.Primary().Len(), 2)

	hits, err := fresh.Primary().Search(ctx, []float32{0, 1, 0, 0}, 1)
	gt.NoError(t, err)
	gt.A(t, hits).Length(1)
	gt.Equal(t, hits[0].ID, int64(1))

	sync := fresh.LastSync()
	_, ok := sync["pull:"+domain.RemoteMetadataPath]
	gt.True(t, ok)
	_, ok = sync["pull:"+domain.RemoteIndexPath]
	gt.True(t, ok)
}

func TestStaleLocalIndexIsBackedUp(t *testing.T) {
	ctx := context.Background()
	blobs := newBlobs(t)
	root := t.TempDir()

	c := open(t, root, blobs, 4, false)
	insert(t, c, "agent-a", "alpha", []float32{1, 0, 0, 0})
	gt.NoError(t, c.Close(ctx, true))

	paths := domain.PathsFor(root, "test_domain")
	past := time.Now().Add(-time.Hour)
	gt.NoError(t, os.Chtimes(paths.Index, past, past))

	again := open(t, root, blobs, 4, false)
	defer again.Close(ctx, false)

	_, err := os.Stat(paths.Index + domain.BackupSuffix)
	gt.NoError(t, err)
	gt.Equal(t, again.Primary().Len(), 1)
}

func TestCurrentLocalCacheIsKept(t *testing.T) {
	ctx := context.Background()
	blobs := newBlobs(t)
	root := t.TempDir()

	c := open(t, root, blobs, 4, false)
	insert(t, c, "agent-a", "alpha", []float32{1, 0, 0, 0})
	gt.NoError(t, c.Close(ctx, true))

	paths := domain.PathsFor(root, "test_domain")
	future := time.Now().Add(time.Hour)
	gt.NoError(t, os.Chtimes(paths.Index, future, future))
	gt.NoError(t, os.Chtimes(paths.Metadata, future, future))

	again := open(t, root, blobs, 4, false)
	defer again.Close(ctx, false)

	_, err := os.Stat(paths.Index + domain.BackupSuffix)
	gt.True(t, os.IsNotExist(err))
	gt.Equal(t, len(again.LastSync()), 0)
}

func TestDimensionMismatchStartsEmpty(t *testing.T) {
	ctx := context.Background()
	blobs := newBlobs(t)

	c := open(t, t.TempDir(), blobs, 8, false)
	insert(t, c, "agent-a", "alpha", []float32{1, 0, 0, 0, 0, 0, 0, 0})
	gt.NoError(t, c.Close(ctx, true))

	fresh := open(t, t.TempDir(), blobs, 4, false)
	defer fresh.Close(ctx, false)
	gt.Equal(t, fresh.Primary().Len(), 0)
	gt.Equal(t, fresh.Primary().Dimension(), 4)
}

func TestCorruptIndexFailsOpen(t *testing.T) {
	ctx := context.Background()
	blobs := newBlobs(t)

	bad := filepath.Join(t.TempDir(), "bad.gob")
	gt.NoError(t, os.WriteFile(bad, []byte("not an index"), 0o600))
	gt.NoError(t, blobs.EnsureNamespace(ctx, domain.Prefixes))
	gt.NoError(t, blobs.Upload(ctx, bad, domain.RemoteIndexPath))

	_, err := domain.Open(ctx, "test_domain", blobs, domain.Options{
		Root:      t.TempDir(),
		Dimension: 4,
		Logger:    logging.Discard(),
	})
	gt.Error(t, err)
}

func TestShardsRebuiltOnHydration(t *testing.T) {
	ctx := context.Background()
	blobs := newBlobs(t)

	c := open(t, t.TempDir(), blobs, 4, true)
	insert(t, c, "agent-a", "alpha", []float32{1, 0, 0, 0})
	insert(t, c, "agent-b", "beta", []float32{0, 1, 0, 0})
	insert(t, c, "agent-a", "gamma", []float32{0, 0, 1, 0})
	gt.Equal(t, c.ShardCount(), 2)
	gt.NoError(t, c.Close(ctx, true))

	fresh := open(t, t.TempDir(), blobs, 4, true)
	defer fresh.Close(ctx, false)
	gt.Equal(t, fresh.ShardCount(), 2)
	gt.A(t, fresh.ShardAgents()).Length(2)
	gt.Equal(t, fresh.ShardAgents()[0], "agent-a")

	shard := fresh.Target("agent-a")
	gt.True(t, shard != fresh.Primary())
	gt.Equal(t, shard.Len(), 2)
	gt.True(t, fresh.Target("agent-z") == fresh.Primary())
	gt.True(t, fresh.Target("") == fresh.Primary())
}

func TestOpenValidatesArguments(t *testing.T) {
	ctx := context.Background()
	_, err := domain.Open(ctx, "", newBlobs(t), domain.Options{Dimension: 4})
	gt.Error(t, err)
	_, err = domain.Open(ctx, "x", nil, domain.Options{Dimension: 4})
	gt.Error(t, err)
	_, err = domain.Open(ctx, "x", newBlobs(t), domain.Options{})
	gt.Error(t, err)
}
