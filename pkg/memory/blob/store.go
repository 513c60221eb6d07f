// Package blob is the durable object store a cognitive domain is persisted to.
package blob

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/m-mizutani/goerr/v2"

	"github.com/raizoken23/Stage-One-sub000/pkg/concurrent"
)

// ErrNotFound is returned when an object does not exist.
var ErrNotFound = errors.New("object not found")

// KeepSuffix names the empty marker object that materialises a prefix.
const KeepSuffix = ".keep"

// DefaultBucketPrefix is prepended to domain names to derive bucket names.
const DefaultBucketPrefix = "citadel-cognitive-domain"

// ObjectInfo describes one stored object.
type ObjectInfo struct {
	Path         string
	Size         int64
	LastModified time.Time
}

// Store is a namespaced hierarchical object store. Paths are slash separated
// and relative to the store's bucket.
type Store interface {
	// EnsureNamespace creates the bucket if needed and one marker object per prefix.
	EnsureNamespace(ctx context.Context, prefixes []string) error
	Stat(ctx context.Context, path string) (ObjectInfo, error)
	Download(ctx context.Context, path, localPath string) error
	Upload(ctx context.Context, localPath, path string) error
	Put(ctx context.Context, path string, data []byte) error
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)
	Delete(ctx context.Context, path string) error
	Close() error
}

// BucketName derives the bucket of a domain: "<prefix>-<domain>" lower-cased
// with underscores replaced by dashes.
func BucketName(prefix, domain string) string {
	if prefix == "" {
		prefix = DefaultBucketPrefix
	}
	name := strings.ToLower(strings.TrimSpace(domain))
	name = strings.ReplaceAll(name, "_", "-")
	return prefix + "-" + name
}

// KeepPath is the marker object path of prefix.
func KeepPath(prefix string) string {
	return strings.TrimSuffix(prefix, "/") + "/" + KeepSuffix
}

func putMarkers(ctx context.Context, s Store, prefixes []string) error {
	return concurrent.ForEach(ctx, prefixes, 4, func(ctx context.Context, prefix string) error {
		if err := s.Put(ctx, KeepPath(prefix), nil); err != nil {
			return goerr.Wrap(err, "create prefix marker", goerr.V("prefix", prefix))
		}
		return nil
	})
}

// writeFileAtomic streams r into a sibling temp file and renames it over path.
func writeFileAtomic(path string, r io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return goerr.Wrap(err, "create parent directory", goerr.V("path", path))
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".part-*")
	if err != nil {
		return goerr.Wrap(err, "create temp file", goerr.V("path", path))
	}
	tmpName := tmp.Name()
	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return goerr.Wrap(err, "write temp file", goerr.V("path", path))
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return goerr.Wrap(err, "close temp file", goerr.V("path", path))
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return goerr.Wrap(err, "replace file", goerr.V("path", path))
	}
	return nil
}
