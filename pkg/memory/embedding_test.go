package memory

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harlowe/hearth/internal/config"
)

// MockEmbeddingProvider generates deterministic embeddings for tests
type MockEmbeddingProvider struct {
	dimension int
}

func NewMockEmbeddingProvider(dimension int) *MockEmbeddingProvider {
	return &MockEmbeddingProvider{dimension: dimension}
}

func (p *MockEmbeddingProvider) Dimension() int {
	return p.dimension
}

func (p *MockEmbeddingProvider) GenerateEmbedding(ctx context.Context, text string) ([]float32, error) {
	embedding := make([]float32, p.dimension)
	hash := 0
	for _, c := range text {
		hash = hash*31 + int(c)
	}
	for i := 0; i < p.dimension; i++ {
		embedding[i] = float32((hash+i)%100) / 100.0
	}
	return embedding, nil
}

func (p *MockEmbeddingProvider) GenerateEmbeddings(ctx context.Context, texts []string) ([][]float32, error) {
	embeddings := make([][]float32, len(texts))
	for i, text := range texts {
		emb, err := p.GenerateEmbedding(ctx, text)
		if err != nil {
			return nil, err
		}
		embeddings[i] = emb
	}
	return embeddings, nil
}

func TestNewEmbeddingProvider(t *testing.T) {
	t.Run("should return nil when disabled", func(t *testing.T) {
		assert.Nil(t, NewEmbeddingProvider(config.EmbeddingConfig{Enabled: false, APIKey: "k"}))
	})

	t.Run("should return nil without an api key", func(t *testing.T) {
		assert.Nil(t, NewEmbeddingProvider(config.EmbeddingConfig{Enabled: true}))
	})

	t.Run("should build a provider when configured", func(t *testing.T) {
		p := NewEmbeddingProvider(config.EmbeddingConfig{
			Enabled: true,
			APIKey:  "k",
			Model:   "text-embedding-3-large",
		})
		require.NotNil(t, p)
		assert.Equal(t, 3072, p.Dimension())
	})
}

func TestOpenAIEmbeddings(t *testing.T) {
	t.Run("should default to 1536 dimensions", func(t *testing.T) {
		p := NewOpenAIEmbeddings("k", "text-embedding-3-small")
		assert.Equal(t, 1536, p.Dimension())
	})

	t.Run("should decode the embeddings response", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

			var req struct {
				Input []string `json:"input"`
				Model string   `json:"model"`
			}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "text-embedding-3-small", req.Model)

			resp := map[string]interface{}{
				"data": []map[string]interface{}{
					{"embedding": []float32{0.1, 0.2, 0.3}},
				},
			}
			json.NewEncoder(w).Encode(resp)
		}))
		defer server.Close()

		p := NewOpenAIEmbeddings("test-key", "text-embedding-3-small")
		p.baseURL = server.URL

		embedding, err := p.GenerateEmbedding(context.Background(), "hello")
		require.NoError(t, err)
		assert.Equal(t, []float32{0.1, 0.2, 0.3}, embedding)
	})

	t.Run("should surface API errors", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "rate limited", http.StatusTooManyRequests)
		}))
		defer server.Close()

		p := NewOpenAIEmbeddings("test-key", "text-embedding-3-small")
		p.baseURL = server.URL

		_, err := p.GenerateEmbedding(context.Background(), "hello")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "429")
	})

	t.Run("should reject a count mismatch", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(map[string]interface{}{"data": []interface{}{}})
		}))
		defer server.Close()

		p := NewOpenAIEmbeddings("test-key", "text-embedding-3-small")
		p.baseURL = server.URL

		_, err := p.GenerateEmbeddings(context.Background(), []string{"a", "b"})
		assert.Error(t, err)
	})
}
