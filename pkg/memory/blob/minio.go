package blob

import (
	"bytes"
	"context"
	"net/http"

	"github.com/m-mizutani/goerr/v2"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinIOConfig describes an S3 compatible endpoint.
type MinIOConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Region    string
	Secure    bool
}

// MinIOStore keeps objects in an S3 compatible bucket.
type MinIOStore struct {
	client *minio.Client
	bucket string
	region string
}

var _ Store = (*MinIOStore)(nil)

func NewMinIOStore(cfg MinIOConfig, bucket string) (*MinIOStore, error) {
	if cfg.Endpoint == "" {
		return nil, goerr.New("minio endpoint is required")
	}
	if bucket == "" {
		return nil, goerr.New("bucket name is required")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.Secure,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, goerr.Wrap(err, "create minio client", goerr.V("endpoint", cfg.Endpoint))
	}
	return &MinIOStore{client: client, bucket: bucket, region: cfg.Region}, nil
}

func isMinIONotFound(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.Code == "NoSuchKey" || resp.StatusCode == http.StatusNotFound
}

func (s *MinIOStore) EnsureNamespace(ctx context.Context, prefixes []string) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return goerr.Wrap(err, "check bucket", goerr.V("bucket", s.bucket))
	}
	if !exists {
		if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: s.region}); err != nil {
			return goerr.Wrap(err, "create bucket", goerr.V("bucket", s.bucket))
		}
	}
	return putMarkers(ctx, s, prefixes)
}

func (s *MinIOStore) Stat(ctx context.Context, path string) (ObjectInfo, error) {
	info, err := s.client.StatObject(ctx, s.bucket, path, minio.StatObjectOptions{})
	if err != nil {
		if isMinIONotFound(err) {
			return ObjectInfo{}, goerr.Wrap(ErrNotFound, "stat object", goerr.V("path", path))
		}
		return ObjectInfo{}, goerr.Wrap(err, "stat object", goerr.V("path", path))
	}
	return ObjectInfo{Path: info.Key, Size: info.Size, LastModified: info.LastModified.UTC()}, nil
}

func (s *MinIOStore) Download(ctx context.Context, path, localPath string) error {
	obj, err := s.client.GetObject(ctx, s.bucket, path, minio.GetObjectOptions{})
	if err != nil {
		return goerr.Wrap(err, "get object", goerr.V("path", path))
	}
	defer obj.Close()
	// GetObject is lazy; Stat surfaces a missing key before anything is written.
	if _, err := obj.Stat(); err != nil {
		if isMinIONotFound(err) {
			return goerr.Wrap(ErrNotFound, "download object", goerr.V("path", path))
		}
		return goerr.Wrap(err, "get object", goerr.V("path", path))
	}
	return writeFileAtomic(localPath, obj)
}

func (s *MinIOStore) Upload(ctx context.Context, localPath, path string) error {
	_, err := s.client.FPutObject(ctx, s.bucket, path, localPath, minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		return goerr.Wrap(err, "upload object", goerr.V("path", path), goerr.V("local", localPath))
	}
	return nil
}

func (s *MinIOStore) Put(ctx context.Context, path string, data []byte) error {
	_, err := s.client.PutObject(ctx, s.bucket, path, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	if err != nil {
		return goerr.Wrap(err, "put object", goerr.V("path", path))
	}
	return nil
}

func (s *MinIOStore) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	var out []ObjectInfo
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if obj.Err != nil {
			return nil, goerr.Wrap(obj.Err, "list objects", goerr.V("prefix", prefix))
		}
		out = append(out, ObjectInfo{Path: obj.Key, Size: obj.Size, LastModified: obj.LastModified.UTC()})
	}
	return out, nil
}

func (s *MinIOStore) Delete(ctx context.Context, path string) error {
	if err := s.client.RemoveObject(ctx, s.bucket, path, minio.RemoveObjectOptions{}); err != nil {
		return goerr.Wrap(err, "delete object", goerr.V("path", path))
	}
	return nil
}

func (s *MinIOStore) Close() error { return nil }
