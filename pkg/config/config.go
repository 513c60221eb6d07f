// Package config loads cognitive domain settings from defaults, an optional
// config file and COGDOMAIN_* environment variables, in increasing priority.
package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/m-mizutani/goerr/v2"
	"github.com/spf13/viper"

	"github.com/raizoken23/Stage-One-sub000/pkg/logging"
	"github.com/raizoken23/Stage-One-sub000/pkg/memory/blob"
	"github.com/raizoken23/Stage-One-sub000/pkg/memory/domain"
	"github.com/raizoken23/Stage-One-sub000/pkg/memory/embed"
	"github.com/raizoken23/Stage-One-sub000/pkg/memory/engine"
)

const EnvPrefix = "COGDOMAIN"

type Config struct {
	Domain         string          `mapstructure:"domain"`
	RootDir        string          `mapstructure:"root_dir"`
	BucketPrefix   string          `mapstructure:"bucket_prefix"`
	BlobURL        string          `mapstructure:"blob_url"`
	Embed          EmbedConfig     `mapstructure:"embed"`
	Recall         RecallConfig    `mapstructure:"recall"`
	Reinforce      ReinforceConfig `mapstructure:"reinforce"`
	Sharding       bool            `mapstructure:"sharding"`
	SyncOnShutdown bool            `mapstructure:"sync_on_shutdown"`
	Trace          TraceConfig     `mapstructure:"trace"`
	LogLevel       string          `mapstructure:"log_level"`
}

type EmbedConfig struct {
	Provider  string `mapstructure:"provider"`
	Model     string `mapstructure:"model"`
	Dimension int    `mapstructure:"dimension"`
	CacheSize int64  `mapstructure:"cache_size"`
}

type RecallConfig struct {
	MinScore  float64 `mapstructure:"min_score"`
	DecayRate float64 `mapstructure:"decay_rate"`
	OverFetch int     `mapstructure:"over_fetch"`
	K         int     `mapstructure:"k"`
}

type ReinforceConfig struct {
	Boost float64 `mapstructure:"boost"`
}

// TraceConfig enables the optional event mirrors. Empty values leave a
// mirror disabled.
type TraceConfig struct {
	PostgresDSN   string `mapstructure:"postgres_dsn"`
	Neo4jURI      string `mapstructure:"neo4j_uri"`
	Neo4jUser     string `mapstructure:"neo4j_user"`
	Neo4jPassword string `mapstructure:"neo4j_password"`
	Neo4jDatabase string `mapstructure:"neo4j_database"`
}

func defaultBlobURL() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "citadel", "blobstore")
	}
	return filepath.Join(home, ".citadel", "blobstore")
}

func setDefaults(v *viper.Viper) {
	opts := engine.DefaultOptions()
	v.SetDefault("domain", "")
	v.SetDefault("root_dir", domain.DefaultRoot())
	v.SetDefault("bucket_prefix", blob.DefaultBucketPrefix)
	v.SetDefault("blob_url", defaultBlobURL())
	v.SetDefault("embed.provider", "")
	v.SetDefault("embed.model", "")
	v.SetDefault("embed.dimension", 0)
	v.SetDefault("embed.cache_size", 1024)
	v.SetDefault("recall.min_score", opts.MinScore)
	v.SetDefault("recall.decay_rate", opts.DecayRate)
	v.SetDefault("recall.over_fetch", opts.OverFetch)
	v.SetDefault("recall.k", opts.DefaultK)
	v.SetDefault("reinforce.boost", opts.Boost)
	v.SetDefault("sharding", false)
	v.SetDefault("sync_on_shutdown", true)
	v.SetDefault("trace.postgres_dsn", "")
	v.SetDefault("trace.neo4j_uri", "")
	v.SetDefault("trace.neo4j_user", "neo4j")
	v.SetDefault("trace.neo4j_password", "")
	v.SetDefault("trace.neo4j_database", "")
	v.SetDefault("log_level", "info")
}

// Load reads path when given, otherwise cogdomain.{yaml,json,...} from
// ~/.citadel or the working directory if one exists.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, goerr.Wrap(err, "read config file", goerr.V("path", path))
		}
	} else {
		v.SetConfigName("cogdomain")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".citadel"))
		}
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, goerr.Wrap(err, "read config file")
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, goerr.Wrap(err, "decode config")
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.Domain == "" {
		return goerr.New("domain is required")
	}
	if strings.ContainsAny(c.Domain, `/\`) {
		return goerr.New("domain must not contain path separators", goerr.V("domain", c.Domain))
	}
	if _, ok := logging.ParseLevel(c.LogLevel); !ok {
		return goerr.New("unknown log level", goerr.V("log_level", c.LogLevel))
	}
	if c.Recall.MinScore < 0 || c.Recall.MinScore > 1 {
		return goerr.New("recall.min_score must be within [0, 1]", goerr.V("min_score", c.Recall.MinScore))
	}
	if c.Reinforce.Boost < 0 {
		return goerr.New("reinforce.boost must not be negative", goerr.V("boost", c.Reinforce.Boost))
	}
	if c.Embed.Dimension < 0 {
		return goerr.New("embed.dimension must not be negative", goerr.V("dimension", c.Embed.Dimension))
	}
	return nil
}

// Dimension is the configured vector dimension, or the known dimension of
// the configured model.
func (c Config) Dimension() int {
	if c.Embed.Dimension > 0 {
		return c.Embed.Dimension
	}
	return embed.DimensionFor(c.ModelName())
}

// ModelName is the configured embedding model or the provider's default.
func (c Config) ModelName() string {
	if c.Embed.Model != "" {
		return c.Embed.Model
	}
	return embed.DefaultModelFor(c.Embed.Provider)
}

func (c Config) Bucket() string {
	return blob.BucketName(c.BucketPrefix, c.Domain)
}

func (c Config) EngineOptions() engine.Options {
	return engine.Options{
		DecayRate: c.Recall.DecayRate,
		MinScore:  c.Recall.MinScore,
		OverFetch: c.Recall.OverFetch,
		DefaultK:  c.Recall.K,
		Boost:     c.Reinforce.Boost,
		Dimension: c.Dimension(),
		Sharding:  c.Sharding,
		Root:      c.RootDir,
	}
}
