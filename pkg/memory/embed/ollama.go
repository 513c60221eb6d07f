package embed

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/m-mizutani/goerr/v2"
	ollama "github.com/ollama/ollama/api"
)

// OllamaEmbedder calls /api/embed, which is batch-shaped. Servers that
// predate it only answer the single-prompt /api/embeddings endpoint with
// float64 vectors; a 404 from /api/embed switches to that.
type OllamaEmbedder struct {
	client *ollama.Client
	model  string
	batch  Embedder
	legacy Embedder
}

func NewOllamaEmbedder(model string) (*OllamaEmbedder, error) {
	host := os.Getenv("OLLAMA_HOST")
	if host == "" {
		host = "http://localhost:11434"
	}
	u, err := url.Parse(host)
	if err != nil {
		return nil, goerr.Wrap(err, "parse OLLAMA_HOST", goerr.V("host", host))
	}
	if model == "" {
		model = DefaultModelFor("ollama")
	}
	e := &OllamaEmbedder{
		client: ollama.NewClient(u, &http.Client{Timeout: 60 * time.Second}),
		model:  model,
	}
	e.batch = FromBatch(e.embedBatch)
	e.legacy = FromFloat64(e.embedLegacy)
	return e, nil
}

func (e *OllamaEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	v, err := e.batch.Embed(ctx, text)
	var status ollama.StatusError
	if errors.As(err, &status) && status.StatusCode == http.StatusNotFound {
		return e.legacy.Embed(ctx, text)
	}
	return v, err
}

func (e *OllamaEmbedder) embedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	res, err := e.client.Embed(ctx, &ollama.EmbedRequest{
		Model: e.model,
		Input: texts,
	})
	if err != nil {
		return nil, goerr.Wrap(err, "ollama embed", goerr.V("model", e.model))
	}
	return res.Embeddings, nil
}

func (e *OllamaEmbedder) embedLegacy(ctx context.Context, text string) ([]float64, error) {
	res, err := e.client.Embeddings(ctx, &ollama.EmbeddingRequest{
		Model:  e.model,
		Prompt: text,
	})
	if err != nil {
		return nil, goerr.Wrap(err, "ollama embeddings", goerr.V("model", e.model))
	}
	return res.Embedding, nil
}
