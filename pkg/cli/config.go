package cli

import (
	"context"
	"io"
	"log/slog"

	"github.com/m-mizutani/goerr/v2"
	"github.com/urfave/cli/v3"

	"github.com/raizoken23/Stage-One-sub000/pkg/config"
	"github.com/raizoken23/Stage-One-sub000/pkg/logging"
	"github.com/raizoken23/Stage-One-sub000/pkg/memory/blob"
	"github.com/raizoken23/Stage-One-sub000/pkg/memory/embed"
	"github.com/raizoken23/Stage-One-sub000/pkg/memory/engine"
	"github.com/raizoken23/Stage-One-sub000/pkg/memory/trace"
)

// globalConfig holds flag values shared by every command. Flags that are
// set override the config file and COGDOMAIN_* variables.
type globalConfig struct {
	file      string
	domain    string
	rootDir   string
	blobURL   string
	provider  string
	model     string
	dimension int64
	sharding  bool
	noSync    bool
	logLevel  string
}

func globalFlags(g *globalConfig) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "config",
			Aliases:     []string{"c"},
			Usage:       "Path to a config file (yaml, json or toml)",
			Sources:     cli.EnvVars("COGDOMAIN_CONFIG"),
			Destination: &g.file,
		},
		&cli.StringFlag{
			Name:        "domain",
			Aliases:     []string{"d"},
			Usage:       "Cognitive domain name",
			Destination: &g.domain,
		},
		&cli.StringFlag{
			Name:        "root-dir",
			Usage:       "Local cache root directory",
			Destination: &g.rootDir,
		},
		&cli.StringFlag{
			Name:        "blob-url",
			Usage:       "Durable store: a path, file://, gs://<project>, minio://, s3:// or mongodb:// URL",
			Destination: &g.blobURL,
		},
		&cli.StringFlag{
			Name:        "embed-provider",
			Usage:       "Embedding provider: openai, google, ollama, fastembed or dummy",
			Destination: &g.provider,
		},
		&cli.StringFlag{
			Name:        "embed-model",
			Usage:       "Embedding model name",
			Destination: &g.model,
		},
		&cli.IntFlag{
			Name:        "embed-dimension",
			Usage:       "Embedding vector dimension (0 derives it from the model)",
			Destination: &g.dimension,
		},
		&cli.BoolFlag{
			Name:        "sharding",
			Usage:       "Keep a per-agent vector index",
			Destination: &g.sharding,
		},
		&cli.BoolFlag{
			Name:        "no-sync",
			Usage:       "Do not upload snapshots to the durable store on exit",
			Destination: &g.noSync,
		},
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "Log level: debug, info, warn or error",
			Destination: &g.logLevel,
		},
	}
}

func (g *globalConfig) load(c *cli.Command) (config.Config, error) {
	cfg, err := config.Load(g.file)
	if err != nil {
		return cfg, err
	}
	if c.IsSet("domain") {
		cfg.Domain = g.domain
	}
	if c.IsSet("root-dir") {
		cfg.RootDir = g.rootDir
	}
	if c.IsSet("blob-url") {
		cfg.BlobURL = g.blobURL
	}
	if c.IsSet("embed-provider") {
		cfg.Embed.Provider = g.provider
	}
	if c.IsSet("embed-model") {
		cfg.Embed.Model = g.model
	}
	if c.IsSet("embed-dimension") {
		cfg.Embed.Dimension = int(g.dimension)
	}
	if c.IsSet("sharding") {
		cfg.Sharding = g.sharding
	}
	if c.IsSet("no-sync") {
		cfg.SyncOnShutdown = !g.noSync
	}
	if c.IsSet("log-level") {
		cfg.LogLevel = g.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// session is one opened domain plus everything that must be released with it.
type session struct {
	cfg     config.Config
	manager *engine.Manager
	logger  *slog.Logger
	closers []func() error
}

func (g *globalConfig) open(ctx context.Context, c *cli.Command) (*session, error) {
	cfg, err := g.load(c)
	if err != nil {
		return nil, err
	}
	logger := logging.New(cfg.LogLevel, errWriter(c))
	ctx = logging.With(ctx, logger)
	s := &session{cfg: cfg, logger: logger}

	blobs, err := blob.Open(ctx, cfg.BlobURL, cfg.Bucket())
	if err != nil {
		return nil, err
	}
	s.closers = append(s.closers, blobs.Close)

	embedder, err := s.embedder(ctx)
	if err != nil {
		s.release()
		return nil, err
	}

	opts := cfg.EngineOptions()
	opts.Sinks, err = s.sinks(ctx)
	if err != nil {
		s.release()
		return nil, err
	}

	s.manager = engine.New(ctx, cfg.Domain, blobs, embedder, opts)
	if !s.manager.IsReady() {
		s.release()
		return nil, goerr.Wrap(s.manager.Err(), "initialize domain", goerr.V("domain", cfg.Domain))
	}
	return s, nil
}

func (s *session) embedder(ctx context.Context) (embed.Embedder, error) {
	provider := s.cfg.Embed.Provider
	var base embed.Embedder
	if provider == "" || provider == "auto" {
		provider = "auto"
		base = embed.AutoEmbedder(ctx, s.cfg.Dimension())
	} else {
		var err error
		base, err = embed.New(ctx, provider, s.cfg.ModelName(), s.cfg.Dimension())
		if err != nil {
			return nil, err
		}
	}
	if closer, ok := base.(io.Closer); ok {
		s.closers = append(s.closers, closer.Close)
	}

	var e embed.Embedder = embed.NewLoggedEmbedder(base, provider, s.logger)
	if s.cfg.Embed.CacheSize > 0 {
		cached, err := embed.NewCachedEmbedder(e, provider+"/"+s.cfg.ModelName(), s.cfg.Embed.CacheSize)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, cached.Close)
		e = cached
	}
	return e, nil
}

// sinks opens the event mirrors that are configured. The manager closes
// them on shutdown.
func (s *session) sinks(ctx context.Context) ([]trace.Sink, error) {
	var sinks []trace.Sink
	if dsn := s.cfg.Trace.PostgresDSN; dsn != "" {
		pg, err := trace.NewPostgresSink(ctx, dsn)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, pg)
	}
	if uri := s.cfg.Trace.Neo4jURI; uri != "" {
		t := s.cfg.Trace
		graph, err := trace.NewNeo4jSink(ctx, uri, t.Neo4jUser, t.Neo4jPassword, t.Neo4jDatabase)
		if err != nil {
			for _, sink := range sinks {
				_ = sink.Close(ctx)
			}
			return nil, err
		}
		sinks = append(sinks, graph)
	}
	return sinks, nil
}

func (s *session) release() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			s.logger.Warn("failed to release resource", "error", err)
		}
	}
	s.closers = nil
}

// close shuts the domain down, flushing it unless sync_on_shutdown is off.
func (s *session) close(ctx context.Context) error {
	defer s.release()
	return s.manager.Shutdown(ctx, s.cfg.SyncOnShutdown)
}

func errWriter(c *cli.Command) io.Writer {
	if w := c.Root().ErrWriter; w != nil {
		return w
	}
	return io.Discard
}
