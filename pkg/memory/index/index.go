// Package index is the nearest-neighbour tier of a domain, backed by an
// embedded chromem-go collection keyed by the decimal vector id.
package index

import (
	"context"
	"errors"
	"os"
	"strconv"
	"sync"

	"github.com/m-mizutani/goerr/v2"
	chromem "github.com/philippgille/chromem-go"

	"github.com/raizoken23/Stage-One-sub000/pkg/memory/model"
)

// ErrDimensionMismatch is returned when a vector or a loaded index does not
// have the expected dimension.
var ErrDimensionMismatch = errors.New("vector dimension mismatch")

const (
	collectionName = "vectors"
	// the header document records the dimension inside the serialized file
	headerID   = "__dimension__"
	kindKey    = "kind"
	kindVector = "vector"
	kindHeader = "header"
)

var vectorsOnly = map[string]string{kindKey: kindVector}

// Hit is one search result. Distance is the euclidean distance between the
// unit-length query and stored vectors.
type Hit struct {
	ID       int64
	Cosine   float64
	Distance float64
}

// Index holds fixed-dimension vectors under int64 ids.
type Index struct {
	mu  sync.RWMutex
	db  *chromem.DB
	col *chromem.Collection
	dim int
}

// New creates an empty index for vectors of dim dimensions.
func New(dim int) (*Index, error) {
	if dim <= 0 {
		return nil, goerr.New("index dimension must be positive", goerr.V("dim", dim))
	}
	db := chromem.NewDB()
	col, err := db.CreateCollection(collectionName, map[string]string{"dimension": strconv.Itoa(dim)}, nil)
	if err != nil {
		return nil, goerr.Wrap(err, "create collection")
	}
	header := make([]float32, dim)
	header[0] = 1
	err = col.AddDocument(context.Background(), chromem.Document{
		ID:        headerID,
		Metadata:  map[string]string{kindKey: kindHeader},
		Embedding: header,
		Content:   strconv.Itoa(dim),
	})
	if err != nil {
		return nil, goerr.Wrap(err, "write index header")
	}
	return &Index{db: db, col: col, dim: dim}, nil
}

// Load reads an index file written by Save. It fails with
// ErrDimensionMismatch when the stored dimension differs from dim.
func Load(ctx context.Context, path string, dim int) (*Index, error) {
	db := chromem.NewDB()
	if err := db.ImportFromFile(path, ""); err != nil {
		return nil, goerr.Wrap(err, "import index", goerr.V("path", path))
	}
	col := db.GetCollection(collectionName, nil)
	if col == nil {
		return nil, goerr.New("index file has no vector collection", goerr.V("path", path))
	}
	header, err := col.GetByID(ctx, headerID)
	if err != nil {
		return nil, goerr.Wrap(ErrDimensionMismatch, "index header missing", goerr.V("path", path))
	}
	if len(header.Embedding) != dim {
		return nil, goerr.Wrap(ErrDimensionMismatch, "loaded index has a different dimension",
			goerr.V("expected", dim), goerr.V("actual", len(header.Embedding)))
	}
	return &Index{db: db, col: col, dim: dim}, nil
}

func (ix *Index) Dimension() int { return ix.dim }

// Len is the number of stored vectors.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.col.Count() - 1
}

// Add stores vec under id, replacing any vector already stored there.
func (ix *Index) Add(ctx context.Context, id int64, vec []float32) error {
	if len(vec) != ix.dim {
		return goerr.Wrap(ErrDimensionMismatch, "add vector",
			goerr.V("expected", ix.dim), goerr.V("actual", len(vec)))
	}
	key := strconv.FormatInt(id, 10)
	ix.mu.Lock()
	defer ix.mu.Unlock()
	err := ix.col.AddDocument(ctx, chromem.Document{
		ID:        key,
		Metadata:  map[string]string{kindKey: kindVector},
		Embedding: model.Normalize(vec),
		Content:   key,
	})
	if err != nil {
		return goerr.Wrap(err, "add vector", goerr.V("id", id))
	}
	return nil
}

// Search returns up to k nearest vectors, closest first. k is clamped to Len.
func (ix *Index) Search(ctx context.Context, vec []float32, k int) ([]Hit, error) {
	if len(vec) != ix.dim {
		return nil, goerr.Wrap(ErrDimensionMismatch, "search",
			goerr.V("expected", ix.dim), goerr.V("actual", len(vec)))
	}
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	k = min(k, ix.col.Count()-1)
	if k <= 0 {
		return nil, nil
	}
	results, err := ix.col.QueryEmbedding(ctx, model.Normalize(vec), k, vectorsOnly, nil)
	if err != nil {
		return nil, goerr.Wrap(err, "query index", goerr.V("k", k))
	}
	hits := make([]Hit, 0, len(results))
	for _, r := range results {
		id, err := strconv.ParseInt(r.ID, 10, 64)
		if err != nil {
			continue
		}
		cos := float64(r.Similarity)
		hits = append(hits, Hit{ID: id, Cosine: cos, Distance: model.UnitDistance(cos)})
	}
	return hits, nil
}

// Vector returns the stored (unit-length) vector of id.
func (ix *Index) Vector(ctx context.Context, id int64) ([]float32, error) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	doc, err := ix.col.GetByID(ctx, strconv.FormatInt(id, 10))
	if err != nil {
		return nil, goerr.Wrap(err, "get vector", goerr.V("id", id))
	}
	return append([]float32(nil), doc.Embedding...), nil
}

// Save serializes the index to a single file, replacing it atomically.
func (ix *Index) Save(path string) error {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	tmp := path + ".tmp"
	if err := ix.db.ExportToFile(tmp, false, "", collectionName); err != nil {
		os.Remove(tmp)
		return goerr.Wrap(err, "export index", goerr.V("path", path))
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return goerr.Wrap(err, "replace index file", goerr.V("path", path))
	}
	return nil
}
