package embed

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/m-mizutani/gt"
)

func TestOllamaEmbedderBatchEndpoint(t *testing.T) {
	var got struct {
		Model string   `json:"model"`
		Input []string `json:"input"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gt.Equal(t, r.URL.Path, "/api/embed")
		gt.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(map[string]any{"embeddings": [][]float32{{0.25, 0.5}}})
	}))
	defer srv.Close()
	t.Setenv("OLLAMA_HOST", srv.URL)

	e, err := NewOllamaEmbedder("")
	gt.NoError(t, err)
	v, err := e.Embed(context.Background(), "hello")
	gt.NoError(t, err)
	gt.Equal(t, v, []float32{0.25, 0.5})
	gt.Equal(t, got.Model, DefaultModelFor("ollama"))
	gt.Equal(t, got.Input, []string{"hello"})
}

func TestOllamaEmbedderFallsBackToLegacyEndpoint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/embeddings":
			_ = json.NewEncoder(w).Encode(map[string]any{"embedding": []float64{1, -0.5}})
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":"not found"}`))
		}
	}))
	defer srv.Close()
	t.Setenv("OLLAMA_HOST", srv.URL)

	e, err := NewOllamaEmbedder("nomic-embed-text")
	gt.NoError(t, err)
	v, err := e.Embed(context.Background(), "hello")
	gt.NoError(t, err)
	gt.Equal(t, v, []float32{1, -0.5})
}

func TestOllamaEmbedderReportsServerErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"model crashed"}`))
	}))
	defer srv.Close()
	t.Setenv("OLLAMA_HOST", srv.URL)

	e, err := NewOllamaEmbedder("nomic-embed-text")
	gt.NoError(t, err)
	_, err = e.Embed(context.Background(), "hello")
	gt.Error(t, err)
}
