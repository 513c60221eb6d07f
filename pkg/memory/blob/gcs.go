package blob

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"

	"cloud.google.com/go/storage"
	"github.com/m-mizutani/goerr/v2"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// GCSStore keeps objects in a Cloud Storage bucket.
type GCSStore struct {
	client  *storage.Client
	bucket  string
	project string
}

var _ Store = (*GCSStore)(nil)

// NewGCSStore connects with application default credentials unless opts
// say otherwise. project is only needed to create a missing bucket.
func NewGCSStore(ctx context.Context, bucket, project string, opts ...option.ClientOption) (*GCSStore, error) {
	if bucket == "" {
		return nil, goerr.New("bucket name is required")
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create storage client")
	}
	return &GCSStore{client: client, bucket: bucket, project: project}, nil
}

func (s *GCSStore) handle() *storage.BucketHandle {
	return s.client.Bucket(s.bucket)
}

func (s *GCSStore) EnsureNamespace(ctx context.Context, prefixes []string) error {
	_, err := s.handle().Attrs(ctx)
	if errors.Is(err, storage.ErrBucketNotExist) {
		if s.project == "" {
			return goerr.New("bucket does not exist and no project is configured", goerr.V("bucket", s.bucket))
		}
		if err := s.handle().Create(ctx, s.project, nil); err != nil {
			return goerr.Wrap(err, "create bucket", goerr.V("bucket", s.bucket))
		}
	} else if err != nil {
		return goerr.Wrap(err, "read bucket attributes", goerr.V("bucket", s.bucket))
	}
	return putMarkers(ctx, s, prefixes)
}

func (s *GCSStore) Stat(ctx context.Context, path string) (ObjectInfo, error) {
	attrs, err := s.handle().Object(path).Attrs(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return ObjectInfo{}, goerr.Wrap(ErrNotFound, "stat object", goerr.V("path", path))
	}
	if err != nil {
		return ObjectInfo{}, goerr.Wrap(err, "stat object", goerr.V("path", path))
	}
	return ObjectInfo{Path: attrs.Name, Size: attrs.Size, LastModified: attrs.Updated.UTC()}, nil
}

func (s *GCSStore) Download(ctx context.Context, path, localPath string) error {
	reader, err := s.handle().Object(path).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return goerr.Wrap(ErrNotFound, "download object", goerr.V("path", path))
	}
	if err != nil {
		return goerr.Wrap(err, "failed to read from storage", goerr.V("path", path))
	}
	defer reader.Close()
	return writeFileAtomic(localPath, reader)
}

func (s *GCSStore) Upload(ctx context.Context, localPath, path string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return goerr.Wrap(err, "open local file", goerr.V("local", localPath))
	}
	defer f.Close()
	return s.write(ctx, path, f)
}

func (s *GCSStore) Put(ctx context.Context, path string, data []byte) error {
	return s.write(ctx, path, bytes.NewReader(data))
}

func (s *GCSStore) write(ctx context.Context, path string, r io.Reader) error {
	w := s.handle().Object(path).NewWriter(ctx)
	if _, err := io.Copy(w, r); err != nil {
		w.Close()
		return goerr.Wrap(err, "write object", goerr.V("path", path))
	}
	if err := w.Close(); err != nil {
		return goerr.Wrap(err, "commit object", goerr.V("path", path))
	}
	return nil
}

func (s *GCSStore) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	it := s.handle().Objects(ctx, &storage.Query{Prefix: prefix})
	var out []ObjectInfo
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, goerr.Wrap(err, "list objects", goerr.V("prefix", prefix))
		}
		out = append(out, ObjectInfo{Path: attrs.Name, Size: attrs.Size, LastModified: attrs.Updated.UTC()})
	}
	return out, nil
}

func (s *GCSStore) Delete(ctx context.Context, path string) error {
	err := s.handle().Object(path).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return goerr.Wrap(err, "delete object", goerr.V("path", path))
	}
	return nil
}

func (s *GCSStore) Close() error {
	return s.client.Close()
}
