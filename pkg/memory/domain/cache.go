// Package domain owns the local tiers of one cognitive domain and keeps them
// in step with the durable blob store.
package domain

import (
	"context"
	"errors"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/m-mizutani/goerr/v2"

	"github.com/raizoken23/Stage-One-sub000/pkg/concurrent"
	"github.com/raizoken23/Stage-One-sub000/pkg/logging"
	"github.com/raizoken23/Stage-One-sub000/pkg/memory/blob"
	"github.com/raizoken23/Stage-One-sub000/pkg/memory/index"
	"github.com/raizoken23/Stage-One-sub000/pkg/memory/model"
	"github.com/raizoken23/Stage-One-sub000/pkg/memory/store"
)

const (
	MetadataFile = "memory_metadata.db"
	IndexFile    = "vector_index.gob"
	TraceFile    = "domain_trace.jsonl"
	BackupSuffix = ".bak"

	RemoteMetadataPath = "db/" + MetadataFile
	RemoteIndexPath    = "index/" + IndexFile
)

// Prefixes are created in every domain namespace.
var Prefixes = []string{"db/", "index/", "events/", "sessions/"}

// Paths locates the local cache files of a domain.
type Paths struct {
	Dir      string
	Metadata string
	Index    string
	Trace    string
}

func PathsFor(root, name string) Paths {
	dir := filepath.Join(root, name)
	return Paths{
		Dir:      dir,
		Metadata: filepath.Join(dir, MetadataFile),
		Index:    filepath.Join(dir, IndexFile),
		Trace:    filepath.Join(dir, TraceFile),
	}
}

// DefaultRoot is the local cache root used when none is configured.
func DefaultRoot() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "citadel", "cognitive_domains")
	}
	return filepath.Join(home, ".citadel", "cognitive_domains")
}

type Options struct {
	Root      string
	Dimension int
	Sharding  bool
	Logger    *slog.Logger
	Clock     func() time.Time
}

// Cache holds the metadata store and vector index(es) of one domain.
type Cache struct {
	name    string
	paths   Paths
	blobs   blob.Store
	meta    *store.SQLiteStore
	primary *index.Index
	shards  *index.Shards
	dim     int
	logger  *slog.Logger
	clock   func() time.Time

	mu       sync.Mutex
	lastSync map[string]time.Time
	closed   bool
}

// Open ensures the durable namespace exists and hydrates the local tiers
// from it, pulling each snapshot only when it is newer than the local copy.
func Open(ctx context.Context, name string, blobs blob.Store, opts Options) (*Cache, error) {
	if name == "" {
		return nil, goerr.New("domain name is required")
	}
	if blobs == nil {
		return nil, goerr.New("blob store is required")
	}
	if opts.Dimension <= 0 {
		return nil, goerr.New("vector dimension must be positive", goerr.V("dim", opts.Dimension))
	}
	if opts.Root == "" {
		opts.Root = DefaultRoot()
	}
	if opts.Logger == nil {
		opts.Logger = logging.From(ctx)
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	c := &Cache{
		name:     name,
		paths:    PathsFor(opts.Root, name),
		blobs:    blobs,
		dim:      opts.Dimension,
		logger:   opts.Logger.With("domain", name),
		clock:    opts.Clock,
		lastSync: make(map[string]time.Time),
	}

	if err := blobs.EnsureNamespace(ctx, Prefixes); err != nil {
		return nil, goerr.Wrap(err, "ensure domain namespace", goerr.V("domain", name))
	}
	if err := os.MkdirAll(c.paths.Dir, 0o755); err != nil {
		return nil, goerr.Wrap(err, "create local cache directory", goerr.V("dir", c.paths.Dir))
	}

	if _, err := c.pullIfNewer(ctx, RemoteMetadataPath, c.paths.Metadata, false); err != nil {
		return nil, err
	}
	meta, err := store.OpenSQLite(ctx, c.paths.Metadata)
	if err != nil {
		return nil, err
	}
	c.meta = meta

	if _, err := c.pullIfNewer(ctx, RemoteIndexPath, c.paths.Index, true); err != nil {
		meta.Close()
		return nil, err
	}
	if err := c.loadIndex(ctx); err != nil {
		meta.Close()
		return nil, err
	}

	if opts.Sharding {
		c.shards = index.NewShards(c.dim)
		if err := c.rebuildShards(ctx); err != nil {
			meta.Close()
			return nil, err
		}
	}
	return c, nil
}

// pullIfNewer downloads remote over local when the remote object is newer
// than the local file or the local file is missing. With backup set the
// previous local file is kept under BackupSuffix.
func (c *Cache) pullIfNewer(ctx context.Context, remote, local string, backup bool) (bool, error) {
	info, err := c.blobs.Stat(ctx, remote)
	if errors.Is(err, blob.ErrNotFound) {
		c.logger.Info("no durable snapshot", "path", remote)
		return false, nil
	}
	if err != nil {
		return false, goerr.Wrap(err, "stat durable snapshot", goerr.V("path", remote))
	}

	fi, statErr := os.Stat(local)
	if statErr == nil && !info.LastModified.After(fi.ModTime()) {
		c.logger.Info("local cache is current", "path", local,
			"remote_modified", info.LastModified, "local_modified", fi.ModTime())
		return false, nil
	}

	if statErr == nil && backup {
		if err := os.Rename(local, local+BackupSuffix); err != nil {
			return false, goerr.Wrap(err, "back up local file", goerr.V("path", local))
		}
	}
	if remote == RemoteMetadataPath {
		// a stale write-ahead log would be replayed onto the new snapshot
		_ = os.Remove(local + "-wal")
		_ = os.Remove(local + "-shm")
	}
	if err := c.blobs.Download(ctx, remote, local); err != nil {
		return false, goerr.Wrap(err, "download durable snapshot", goerr.V("path", remote))
	}
	c.markSync("pull:" + remote)
	c.logger.Info("hydrated from durable store", "path", remote, "remote_modified", info.LastModified)
	return true, nil
}

func (c *Cache) loadIndex(ctx context.Context) error {
	if _, err := os.Stat(c.paths.Index); errors.Is(err, os.ErrNotExist) {
		ix, err := index.New(c.dim)
		if err != nil {
			return err
		}
		c.primary = ix
		return nil
	}

	ix, err := index.Load(ctx, c.paths.Index, c.dim)
	if errors.Is(err, index.ErrDimensionMismatch) {
		c.logger.Error("vector index dimension mismatch; starting with an empty index",
			"severity", "critical", "expected", c.dim, "error", err)
		ix, err = index.New(c.dim)
	}
	if err != nil {
		return goerr.Wrap(err, "load vector index", goerr.V("path", c.paths.Index))
	}
	c.primary = ix
	return nil
}

// rebuildShards fills the per-agent indexes from metadata rows and the
// vectors already in the primary index.
func (c *Cache) rebuildShards(ctx context.Context) error {
	var (
		rebuilt, missing int
		addErr           error
	)
	err := c.meta.Iterate(ctx, func(rec model.MemoryRecord) bool {
		vec, err := c.primary.Vector(ctx, rec.VectorID)
		if err != nil {
			missing++
			return true
		}
		shard, err := c.shards.GetOrCreate(rec.AgentID)
		if err == nil {
			err = shard.Add(ctx, rec.VectorID, vec)
		}
		if err != nil {
			addErr = err
			return false
		}
		rebuilt++
		return true
	})
	if err == nil {
		err = addErr
	}
	if err != nil {
		return goerr.Wrap(err, "rebuild agent shards")
	}
	if rebuilt > 0 || missing > 0 {
		c.logger.Info("rebuilt agent shards", "vectors", rebuilt, "missing_vectors", missing, "shards", c.shards.Len())
	}
	return nil
}

func (c *Cache) markSync(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastSync[key] = c.clock().UTC()
}

func (c *Cache) Name() string                 { return c.name }
func (c *Cache) Paths() Paths                 { return c.paths }
func (c *Cache) Dimension() int               { return c.dim }
func (c *Cache) Metadata() *store.SQLiteStore { return c.meta }
func (c *Cache) Primary() *index.Index        { return c.primary }
func (c *Cache) Blobs() blob.Store            { return c.blobs }
func (c *Cache) ShardingEnabled() bool        { return c.shards != nil }

// ShardCount is the number of per-agent indexes currently held.
func (c *Cache) ShardCount() int {
	if c.shards == nil {
		return 0
	}
	return c.shards.Len()
}

// ShardAgents lists the agents that have their own index.
func (c *Cache) ShardAgents() []string {
	if c.shards == nil {
		return nil
	}
	return c.shards.Agents()
}

// LastSync reports when each snapshot was last pulled or pushed.
func (c *Cache) LastSync() map[string]time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return maps.Clone(c.lastSync)
}

// StageVector adds vec under id to the primary index and, with sharding
// enabled, to the shard of agentID.
func (c *Cache) StageVector(ctx context.Context, agentID string, id int64, vec []float32) error {
	if err := c.primary.Add(ctx, id, vec); err != nil {
		return err
	}
	if c.shards == nil || agentID == "" {
		return nil
	}
	shard, err := c.shards.GetOrCreate(agentID)
	if err != nil {
		return err
	}
	return shard.Add(ctx, id, vec)
}

// Target picks the index a recall searches: the agent's shard when sharding
// is on and the shard exists, the primary index otherwise.
func (c *Cache) Target(agentID string) *index.Index {
	if c.shards != nil && agentID != "" {
		if shard, ok := c.shards.Get(agentID); ok {
			return shard
		}
	}
	return c.primary
}

// Close closes the metadata store. With sync set it then uploads the
// metadata snapshot, and the index snapshot when the index is not empty.
// Repeated calls are no-ops.
func (c *Cache) Close(ctx context.Context, sync bool) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	if err := c.meta.Close(); err != nil {
		return err
	}
	if !sync {
		return nil
	}

	type upload struct{ local, remote string }
	uploads := []upload{{c.paths.Metadata, RemoteMetadataPath}}
	if c.primary.Len() > 0 {
		if err := c.primary.Save(c.paths.Index); err != nil {
			return err
		}
		uploads = append(uploads, upload{c.paths.Index, RemoteIndexPath})
	}
	return concurrent.ForEach(ctx, uploads, len(uploads), func(ctx context.Context, u upload) error {
		if err := c.blobs.Upload(ctx, u.local, u.remote); err != nil {
			return goerr.Wrap(err, "flush snapshot", goerr.V("path", u.remote))
		}
		c.markSync("push:" + u.remote)
		c.logger.Info("flushed snapshot", "path", u.remote)
		return nil
	})
}
