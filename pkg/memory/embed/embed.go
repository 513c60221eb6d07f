package embed

import (
	"context"
	"errors"
	"hash/fnv"
	"os"
	"strings"
	"unicode"

	"github.com/m-mizutani/goerr/v2"

	"github.com/raizoken23/Stage-One-sub000/pkg/logging"
	"github.com/raizoken23/Stage-One-sub000/pkg/memory/model"
)

// Embedder is a pluggable text-embedding provider.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

var (
	// ErrNotSupported is returned by providers that do not offer embeddings.
	ErrNotSupported = errors.New("embeddings not supported by this provider")
	// ErrEmptyEmbedding is returned when a provider answers without a vector.
	ErrEmptyEmbedding = errors.New("provider returned an empty embedding")
	// ErrDegenerateEmbedding is returned for vectors that have no direction:
	// all zeros, or containing NaN or Inf.
	ErrDegenerateEmbedding = errors.New("provider returned a degenerate embedding")
)

// DefaultModel and DefaultDimension describe the embedding space a domain
// is created with when nothing else is configured.
const (
	DefaultModel     = "text-embedding-3-small"
	DefaultDimension = 1536
)

var modelDimensions = map[string]int{
	"text-embedding-3-small": 1536,
	"text-embedding-3-large": 3072,
	"text-embedding-ada-002": 1536,
	"text-embedding-004":     768,
	"nomic-embed-text":       768,
	"mxbai-embed-large":      1024,
	"bge-small-en-v1.5":      384,
	"fast-bge-small-en-v1.5": 384,
}

// DimensionFor returns the output dimension of a known model, or
// DefaultDimension when the model is unknown.
func DimensionFor(modelName string) int {
	if d, ok := modelDimensions[strings.ToLower(strings.TrimSpace(modelName))]; ok {
		return d
	}
	return DefaultDimension
}

// DefaultModelFor names the model a provider uses when none is configured.
func DefaultModelFor(provider string) string {
	switch strings.ToLower(strings.TrimSpace(provider)) {
	case "google", "gemini":
		return "text-embedding-004"
	case "ollama":
		return "nomic-embed-text"
	case "fastembed":
		return "bge-small-en-v1.5"
	default:
		return DefaultModel
	}
}

// ---------- Dummy (offline) ----------

// DummyEmbedder hashes word tokens into a fixed-size unit vector. Texts that
// share words land close together, which is enough for tests and offline runs.
type DummyEmbedder struct {
	Dimension int
}

func (d DummyEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	return DummyEmbedding(text, d.Dimension), nil
}

// DummyEmbedding is the deterministic vector DummyEmbedder produces.
func DummyEmbedding(text string, dim int) []float32 {
	if dim <= 0 {
		dim = DefaultDimension
	}
	vec := make([]float32, dim)
	tokens := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, tok := range tokens {
		h := fnv.New64a()
		_, _ = h.Write([]byte(tok))
		sum := h.Sum64()
		idx := int(sum % uint64(dim))
		if sum&(1<<63) != 0 {
			vec[idx] -= 1
		} else {
			vec[idx] += 1
		}
	}
	nonZero := false
	for _, v := range vec {
		if v != 0 {
			nonZero = true
			break
		}
	}
	if !nonZero {
		vec[0] = 1
	}
	return model.Normalize(vec)
}

// New builds the embedder for a named provider.
// provider: openai|google|gemini|ollama|fastembed|dummy
func New(ctx context.Context, provider, modelName string, dim int) (Embedder, error) {
	var (
		e   Embedder
		err error
	)
	switch strings.ToLower(strings.TrimSpace(provider)) {
	case "openai":
		e, err = NewOpenAIEmbedder(modelName, dim)
	case "google", "gemini":
		e, err = NewGoogleEmbedder(ctx, modelName)
	case "ollama":
		e, err = NewOllamaEmbedder(modelName)
	case "fastembed":
		e, err = NewFastEmbedder(ctx, defaultFastEmbedOptions())
	case "", "dummy":
		return DummyEmbedder{Dimension: dim}, nil
	default:
		return nil, goerr.New("unknown embedding provider", goerr.V("provider", provider))
	}
	if err != nil {
		return nil, err
	}
	return e, nil
}

// AutoEmbedder chooses a provider from env:
// COGDOMAIN_EMBED_PROVIDER=openai|google|ollama|fastembed
// COGDOMAIN_EMBED_MODEL=<model string>
// If the provider is not set it is inferred from API keys or OLLAMA_HOST,
// else the dummy embedder is used.
func AutoEmbedder(ctx context.Context, dim int) Embedder {
	provider := strings.ToLower(strings.TrimSpace(os.Getenv("COGDOMAIN_EMBED_PROVIDER")))
	modelName := strings.TrimSpace(os.Getenv("COGDOMAIN_EMBED_MODEL"))

	if provider == "" {
		switch {
		case os.Getenv("OPENAI_API_KEY") != "":
			provider = "openai"
		case os.Getenv("GOOGLE_API_KEY") != "" || os.Getenv("GEMINI_API_KEY") != "":
			provider = "google"
		case os.Getenv("OLLAMA_HOST") != "":
			provider = "ollama"
		}
	}
	if provider != "" && provider != "dummy" {
		e, err := New(ctx, provider, modelName, dim)
		if err == nil {
			return e
		}
		logging.From(ctx).Warn("embedding provider unavailable", "provider", provider, "error", err)
	}

	logging.From(ctx).Info("AutoEmbedder: falling back to DummyEmbedder")
	return DummyEmbedder{Dimension: dim}
}
