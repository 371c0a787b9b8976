package memory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/harlowe/hearth/internal/config"
)

// EmbeddingProvider generates vector embeddings from text
type EmbeddingProvider interface {
	GenerateEmbedding(ctx context.Context, text string) ([]float32, error)
	GenerateEmbeddings(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
}

// NewEmbeddingProvider builds a provider from config. Returns nil when
// embeddings are disabled or no API key is set; the store then runs
// keyword-only.
func NewEmbeddingProvider(cfg config.EmbeddingConfig) EmbeddingProvider {
	if !cfg.Enabled || cfg.APIKey == "" {
		return nil
	}
	return NewOpenAIEmbeddings(cfg.APIKey, cfg.Model)
}

// OpenAIEmbeddings implements EmbeddingProvider against the OpenAI
// embeddings endpoint
type OpenAIEmbeddings struct {
	apiKey     string
	model      string
	dimension  int
	baseURL    string
	httpClient *http.Client
}

// NewOpenAIEmbeddings creates an OpenAI embedding provider
func NewOpenAIEmbeddings(apiKey, model string) *OpenAIEmbeddings {
	dimension := 1536
	if model == "text-embedding-3-large" {
		dimension = 3072
	}

	return &OpenAIEmbeddings{
		apiKey:    apiKey,
		model:     model,
		dimension: dimension,
		baseURL:   "https://api.openai.com/v1",
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

func (p *OpenAIEmbeddings) Dimension() int {
	return p.dimension
}

func (p *OpenAIEmbeddings) GenerateEmbedding(ctx context.Context, text string) ([]float32, error) {
	embeddings, err := p.GenerateEmbeddings(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return embeddings[0], nil
}

func (p *OpenAIEmbeddings) GenerateEmbeddings(ctx context.Context, texts []string) ([][]float32, error) {
	reqBody := map[string]interface{}{
		"input": texts,
		"model": p.model,
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", p.baseURL+"/embeddings", bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to call embeddings API: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("embeddings API error (status %d): %s", resp.StatusCode, string(body))
	}

	var result struct {
		Data []struct {
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if len(result.Data) != len(texts) {
		return nil, fmt.Errorf("embeddings API returned %d vectors for %d inputs", len(result.Data), len(texts))
	}

	embeddings := make([][]float32, len(result.Data))
	for i, data := range result.Data {
		embeddings[i] = data.Embedding
	}
	return embeddings, nil
}
