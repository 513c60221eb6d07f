package blob

import (
	"context"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/m-mizutani/goerr/v2"
)

const defaultMongoDatabase = "cognitive_domains"

// Open builds the store a URL names, scoped to bucket:
//
//	file:///var/lib/domains (or a bare path)
//	gs://<project>
//	minio://[access:secret@]host:port[?secure=true&region=r]   (s3:// is an alias)
//	mongodb://host/<database>  mongodb+srv://...
//
// MinIO credentials missing from the URL are read from MINIO_ACCESS_KEY and
// MINIO_SECRET_KEY.
func Open(ctx context.Context, rawURL, bucket string) (Store, error) {
	if rawURL == "" {
		return nil, goerr.New("blob store url is required")
	}
	if !strings.Contains(rawURL, "://") {
		return NewFSStore(expandHome(rawURL), bucket)
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, goerr.Wrap(err, "parse blob store url")
	}

	switch u.Scheme {
	case "file":
		root := u.Path
		if u.Host != "" {
			root = filepath.Join(u.Host, u.Path)
		}
		return NewFSStore(expandHome(root), bucket)

	case "gs":
		return NewGCSStore(ctx, bucket, u.Host)

	case "minio", "s3":
		cfg := MinIOConfig{
			Endpoint:  u.Host,
			AccessKey: os.Getenv("MINIO_ACCESS_KEY"),
			SecretKey: os.Getenv("MINIO_SECRET_KEY"),
			Region:    u.Query().Get("region"),
		}
		if u.User != nil {
			cfg.AccessKey = u.User.Username()
			if pw, ok := u.User.Password(); ok {
				cfg.SecretKey = pw
			}
		}
		if v := u.Query().Get("secure"); v != "" {
			secure, err := strconv.ParseBool(v)
			if err != nil {
				return nil, goerr.Wrap(err, "parse secure flag", goerr.V("value", v))
			}
			cfg.Secure = secure
		}
		return NewMinIOStore(cfg, bucket)

	case "mongodb", "mongodb+srv":
		database := strings.Trim(u.Path, "/")
		if database == "" {
			database = defaultMongoDatabase
		}
		return NewGridFSStore(ctx, rawURL, database, bucket)

	default:
		return nil, goerr.New("unsupported blob store scheme", goerr.V("scheme", u.Scheme))
	}
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}
