package blob

import (
	"bytes"
	"context"
	"errors"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/m-mizutani/goerr/v2"
)

// FSStore keeps objects as files under <root>/<bucket>.
type FSStore struct {
	dir string
}

var _ Store = (*FSStore)(nil)

func NewFSStore(root, bucket string) (*FSStore, error) {
	if root == "" {
		return nil, goerr.New("filesystem blob root is required")
	}
	if bucket == "" {
		return nil, goerr.New("bucket name is required")
	}
	return &FSStore{dir: filepath.Join(root, bucket)}, nil
}

// Dir is the directory backing the bucket.
func (s *FSStore) Dir() string { return s.dir }

func (s *FSStore) local(p string) (string, error) {
	clean := path.Clean("/" + p)
	if clean == "/" {
		return "", goerr.New("empty object path")
	}
	return filepath.Join(s.dir, filepath.FromSlash(strings.TrimPrefix(clean, "/"))), nil
}

func (s *FSStore) EnsureNamespace(ctx context.Context, prefixes []string) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return goerr.Wrap(err, "create bucket directory", goerr.V("dir", s.dir))
	}
	return putMarkers(ctx, s, prefixes)
}

func (s *FSStore) Stat(_ context.Context, p string) (ObjectInfo, error) {
	lp, err := s.local(p)
	if err != nil {
		return ObjectInfo{}, err
	}
	fi, err := os.Stat(lp)
	if errors.Is(err, fs.ErrNotExist) {
		return ObjectInfo{}, goerr.Wrap(ErrNotFound, "stat object", goerr.V("path", p))
	}
	if err != nil {
		return ObjectInfo{}, goerr.Wrap(err, "stat object", goerr.V("path", p))
	}
	return ObjectInfo{Path: p, Size: fi.Size(), LastModified: fi.ModTime().UTC()}, nil
}

func (s *FSStore) Download(_ context.Context, p, localPath string) error {
	lp, err := s.local(p)
	if err != nil {
		return err
	}
	f, err := os.Open(lp)
	if errors.Is(err, fs.ErrNotExist) {
		return goerr.Wrap(ErrNotFound, "download object", goerr.V("path", p))
	}
	if err != nil {
		return goerr.Wrap(err, "open object", goerr.V("path", p))
	}
	defer f.Close()
	return writeFileAtomic(localPath, f)
}

func (s *FSStore) Upload(_ context.Context, localPath, p string) error {
	lp, err := s.local(p)
	if err != nil {
		return err
	}
	f, err := os.Open(localPath)
	if err != nil {
		return goerr.Wrap(err, "open local file", goerr.V("local", localPath))
	}
	defer f.Close()
	return writeFileAtomic(lp, f)
}

func (s *FSStore) Put(_ context.Context, p string, data []byte) error {
	lp, err := s.local(p)
	if err != nil {
		return err
	}
	return writeFileAtomic(lp, bytes.NewReader(data))
}

func (s *FSStore) List(_ context.Context, prefix string) ([]ObjectInfo, error) {
	var out []ObjectInfo
	err := filepath.WalkDir(s.dir, func(lp string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() || strings.Contains(d.Name(), ".part-") {
			return nil
		}
		rel, err := filepath.Rel(s.dir, lp)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if !strings.HasPrefix(key, prefix) {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			return err
		}
		out = append(out, ObjectInfo{Path: key, Size: fi.Size(), LastModified: fi.ModTime().UTC()})
		return nil
	})
	if err != nil {
		return nil, goerr.Wrap(err, "list objects", goerr.V("prefix", prefix))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func (s *FSStore) Delete(_ context.Context, p string) error {
	lp, err := s.local(p)
	if err != nil {
		return err
	}
	if err := os.Remove(lp); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return goerr.Wrap(err, "delete object", goerr.V("path", p))
	}
	return nil
}

func (s *FSStore) Close() error { return nil }
