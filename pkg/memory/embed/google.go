package embed

import (
	"context"
	"os"

	genai "github.com/google/generative-ai-go/genai"
	"github.com/m-mizutani/goerr/v2"
	"google.golang.org/api/option"
)

type GoogleEmbedder struct {
	client *genai.Client
	model  *genai.EmbeddingModel
}

func NewGoogleEmbedder(ctx context.Context, model string) (*GoogleEmbedder, error) {
	apiKey := os.Getenv("GOOGLE_API_KEY")
	if apiKey == "" {
		apiKey = os.Getenv("GEMINI_API_KEY")
	}
	if apiKey == "" {
		return nil, goerr.New("missing GOOGLE_API_KEY or GEMINI_API_KEY")
	}
	cli, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, goerr.Wrap(err, "create genai client")
	}
	if model == "" {
		model = DefaultModelFor("google")
	}
	return &GoogleEmbedder{client: cli, model: cli.EmbeddingModel(model)}, nil
}

func (e *GoogleEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := e.model.EmbedContent(ctx, genai.Text(text))
	if err != nil {
		return nil, goerr.Wrap(err, "genai embed content")
	}
	if resp == nil || resp.Embedding == nil || len(resp.Embedding.Values) == 0 {
		return nil, ErrEmptyEmbedding
	}
	return resp.Embedding.Values, nil
}

func (e *GoogleEmbedder) Close() error {
	return e.client.Close()
}
