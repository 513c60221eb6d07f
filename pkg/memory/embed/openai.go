package embed

import (
	"context"
	"os"

	"github.com/m-mizutani/goerr/v2"
	openai "github.com/sashabaranov/go-openai"
)

type OpenAIEmbedder struct {
	client *openai.Client
	model  string
	dim    int
}

// NewOpenAIEmbedder reads OPENAI_API_KEY (or OPENAI_KEY) and OPENAI_BASE_URL.
// A positive dim is forwarded as the requested output dimension for the
// text-embedding-3 family.
func NewOpenAIEmbedder(model string, dim int) (*OpenAIEmbedder, error) {
	key := os.Getenv("OPENAI_API_KEY")
	if key == "" {
		key = os.Getenv("OPENAI_KEY")
	}
	if key == "" {
		return nil, goerr.New("missing OPENAI_API_KEY")
	}
	cfg := openai.DefaultConfig(key)
	if base := os.Getenv("OPENAI_BASE_URL"); base != "" {
		cfg.BaseURL = base
	}
	if model == "" {
		model = DefaultModel
	}
	if dim == DimensionFor(model) {
		dim = 0
	}
	return &OpenAIEmbedder{client: openai.NewClientWithConfig(cfg), model: model, dim: dim}, nil
}

func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Model:      openai.EmbeddingModel(e.model),
		Input:      []string{text},
		Dimensions: e.dim,
	})
	if err != nil {
		return nil, goerr.Wrap(err, "openai embeddings", goerr.V("model", e.model))
	}
	if len(resp.Data) == 0 || len(resp.Data[0].Embedding) == 0 {
		return nil, ErrEmptyEmbedding
	}
	return resp.Data[0].Embedding, nil
}
