// Package embedding provides the embedding provider used by the topic
// classifier, tool relevance scorer, and memory stores.
package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

// Provider generates embeddings for text
type Provider interface {
	Embed(ctx context.Context, text string) ([]float64, error)
}

// Client handles embedding generation via Ollama
type Client struct {
	baseURL string
	model   string
	client  *http.Client

	// Small cache keyed on exact text: classification embeds the same
	// message several times within one request.
	cacheMu sync.Mutex
	cache   map[string][]float64
}

const cacheSize = 256

// NewClient creates a new Ollama embedding client
func NewClient(baseURL, model string) *Client {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if model == "" {
		model = "nomic-embed-text" // 768 dims
	}
	return &Client{
		baseURL: baseURL,
		model:   model,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
		cache: make(map[string][]float64),
	}
}

// embeddingRequest is the Ollama API request format
type embeddingRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

// embeddingResponse is the Ollama API response format
type embeddingResponse struct {
	Embedding []float64 `json:"embedding"`
}

// Embed generates an embedding for the given text
func (c *Client) Embed(ctx context.Context, text string) ([]float64, error) {
	if text == "" {
		return nil, fmt.Errorf("empty text")
	}

	c.cacheMu.Lock()
	if emb, ok := c.cache[text]; ok {
		c.cacheMu.Unlock()
		return emb, nil
	}
	c.cacheMu.Unlock()

	reqBody := embeddingRequest{
		Model:  c.model,
		Prompt: text,
	}

	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/api/embeddings", bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ollama request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("ollama error (status %d): %s", resp.StatusCode, string(body))
	}

	var result embeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	if len(result.Embedding) == 0 {
		return nil, fmt.Errorf("empty embedding returned")
	}

	c.cacheMu.Lock()
	if len(c.cache) >= cacheSize {
		// Drop the whole cache rather than track recency; refills fast
		c.cache = make(map[string][]float64)
	}
	c.cache[text] = result.Embedding
	c.cacheMu.Unlock()

	return result.Embedding, nil
}
