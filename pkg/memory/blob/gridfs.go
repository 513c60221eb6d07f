package blob

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"regexp"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/gridfs"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const mongoCloseTimeout = 5 * time.Second

// GridFSStore keeps objects as GridFS files. The bucket name becomes the
// GridFS bucket (collection prefix); each upload adds a revision and older
// revisions are pruned.
type GridFSStore struct {
	client *mongo.Client
	bucket *gridfs.Bucket
}

var _ Store = (*GridFSStore)(nil)

type gridFile struct {
	ID         primitive.ObjectID `bson:"_id"`
	Name       string             `bson:"filename"`
	Length     int64              `bson:"length"`
	UploadDate time.Time          `bson:"uploadDate"`
}

func NewGridFSStore(ctx context.Context, uri, database, bucket string) (*GridFSStore, error) {
	if uri == "" {
		return nil, goerr.New("mongo uri is required")
	}
	if database == "" {
		return nil, goerr.New("mongo database name is required")
	}
	if bucket == "" {
		return nil, goerr.New("bucket name is required")
	}
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, goerr.Wrap(err, "connect mongo")
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, goerr.Wrap(err, "ping mongo")
	}
	fs, err := gridfs.NewBucket(client.Database(database), options.GridFSBucket().SetName(bucket))
	if err != nil {
		_ = client.Disconnect(ctx)
		return nil, goerr.Wrap(err, "open gridfs bucket", goerr.V("bucket", bucket))
	}
	return &GridFSStore{client: client, bucket: fs}, nil
}

// GridFS takes deadlines rather than contexts.
func (s *GridFSStore) deadlines(ctx context.Context) {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Time{}
	}
	_ = s.bucket.SetReadDeadline(deadline)
	_ = s.bucket.SetWriteDeadline(deadline)
}

func (s *GridFSStore) find(ctx context.Context, filter any, limit int64) ([]gridFile, error) {
	s.deadlines(ctx)
	opts := options.GridFSFind().SetSort(bson.D{{Key: "uploadDate", Value: -1}})
	if limit > 0 {
		opts.SetLimit(int32(limit))
	}
	cursor, err := s.bucket.Find(filter, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)
	var files []gridFile
	for cursor.Next(ctx) {
		var f gridFile
		if err := cursor.Decode(&f); err != nil {
			return nil, err
		}
		files = append(files, f)
	}
	return files, cursor.Err()
}

func (s *GridFSStore) EnsureNamespace(ctx context.Context, prefixes []string) error {
	return putMarkers(ctx, s, prefixes)
}

func (s *GridFSStore) Stat(ctx context.Context, path string) (ObjectInfo, error) {
	files, err := s.find(ctx, bson.D{{Key: "filename", Value: path}}, 1)
	if err != nil {
		return ObjectInfo{}, goerr.Wrap(err, "stat object", goerr.V("path", path))
	}
	if len(files) == 0 {
		return ObjectInfo{}, goerr.Wrap(ErrNotFound, "stat object", goerr.V("path", path))
	}
	f := files[0]
	return ObjectInfo{Path: f.Name, Size: f.Length, LastModified: f.UploadDate.UTC()}, nil
}

func (s *GridFSStore) Download(ctx context.Context, path, localPath string) error {
	s.deadlines(ctx)
	stream, err := s.bucket.OpenDownloadStreamByName(path)
	if errors.Is(err, gridfs.ErrFileNotFound) {
		return goerr.Wrap(ErrNotFound, "download object", goerr.V("path", path))
	}
	if err != nil {
		return goerr.Wrap(err, "open download stream", goerr.V("path", path))
	}
	defer stream.Close()
	return writeFileAtomic(localPath, stream)
}

func (s *GridFSStore) Upload(ctx context.Context, localPath, path string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return goerr.Wrap(err, "open local file", goerr.V("local", localPath))
	}
	defer f.Close()
	return s.write(ctx, path, f)
}

func (s *GridFSStore) Put(ctx context.Context, path string, data []byte) error {
	return s.write(ctx, path, bytes.NewReader(data))
}

func (s *GridFSStore) write(ctx context.Context, path string, r io.Reader) error {
	s.deadlines(ctx)
	id, err := s.bucket.UploadFromStream(path, r)
	if err != nil {
		return goerr.Wrap(err, "upload object", goerr.V("path", path))
	}
	older, err := s.find(ctx, bson.D{
		{Key: "filename", Value: path},
		{Key: "_id", Value: bson.D{{Key: "$ne", Value: id}}},
	}, 0)
	if err != nil {
		return goerr.Wrap(err, "find older revisions", goerr.V("path", path))
	}
	for _, f := range older {
		if err := s.bucket.Delete(f.ID); err != nil && !errors.Is(err, gridfs.ErrFileNotFound) {
			return goerr.Wrap(err, "prune revision", goerr.V("path", path))
		}
	}
	return nil
}

func (s *GridFSStore) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	filter := bson.D{{Key: "filename", Value: primitive.Regex{Pattern: "^" + regexp.QuoteMeta(prefix)}}}
	files, err := s.find(ctx, filter, 0)
	if err != nil {
		return nil, goerr.Wrap(err, "list objects", goerr.V("prefix", prefix))
	}
	seen := make(map[string]bool, len(files))
	out := make([]ObjectInfo, 0, len(files))
	for _, f := range files {
		if seen[f.Name] {
			continue
		}
		seen[f.Name] = true
		out = append(out, ObjectInfo{Path: f.Name, Size: f.Length, LastModified: f.UploadDate.UTC()})
	}
	return out, nil
}

func (s *GridFSStore) Delete(ctx context.Context, path string) error {
	files, err := s.find(ctx, bson.D{{Key: "filename", Value: path}}, 0)
	if err != nil {
		return goerr.Wrap(err, "find object", goerr.V("path", path))
	}
	for _, f := range files {
		if err := s.bucket.Delete(f.ID); err != nil && !errors.Is(err, gridfs.ErrFileNotFound) {
			return goerr.Wrap(err, "delete object", goerr.V("path", path))
		}
	}
	return nil
}

func (s *GridFSStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), mongoCloseTimeout)
	defer cancel()
	return s.client.Disconnect(ctx)
}
