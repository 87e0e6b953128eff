// Package embeddings provides embedding drivers for the CGRAG indexer and
// retriever. The embedding model itself is an opaque HTTP endpoint.
package embeddings

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"

	"github.com/maestro-llm/maestro/pkg/models"
)

// OllamaDriver implements contracts.EmbeddingDriver over Ollama's embed API.
// Supports nomic-embed-text (768d), mxbai-embed-large (1024d), all-minilm (384d).
type OllamaDriver struct {
	endpoint   string
	model      string
	dimensions int
	client     *http.Client
}

// NewOllamaDriver creates an Ollama embedding driver.
func NewOllamaDriver(endpoint, model string) *OllamaDriver {
	dims := 768
	switch model {
	case "nomic-embed-text":
		dims = 768
	case "mxbai-embed-large":
		dims = 1024
	case "all-minilm", "all-minilm:l6-v2":
		dims = 384
	}
	if endpoint == "" {
		endpoint = "http://localhost:11434"
	}
	return &OllamaDriver{
		endpoint:   endpoint,
		model:      model,
		dimensions: dims,
		client:     &http.Client{Timeout: 120 * time.Second},
	}
}

func (d *OllamaDriver) Kind() string    { return "ollama" }
func (d *OllamaDriver) Dimensions() int { return d.dimensions }

type ollamaEmbedRequest struct {
	Model string `json:"model"`
	Input any    `json:"input"` // string or []string
}

type ollamaEmbedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// Embed generates unit-normalized vectors, one per input text.
func (d *OllamaDriver) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	body, err := json.Marshal(ollamaEmbedRequest{Model: d.model, Input: texts})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint+"/api/embed", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrEmbeddingFailed, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", models.ErrEmbeddingFailed, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d: %s", models.ErrEmbeddingFailed, resp.StatusCode, respBody)
	}

	var result ollamaEmbedResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", models.ErrEmbeddingFailed, err)
	}
	if len(result.Embeddings) != len(texts) {
		return nil, fmt.Errorf("%w: expected %d embeddings, got %d", models.ErrEmbeddingFailed, len(texts), len(result.Embeddings))
	}

	for i := range result.Embeddings {
		Normalize(result.Embeddings[i])
		if len(result.Embeddings[i]) != d.dimensions {
			d.dimensions = len(result.Embeddings[i])
		}
	}
	return result.Embeddings, nil
}

// HealthCheck verifies the endpoint answers an embed call.
func (d *OllamaDriver) HealthCheck(ctx context.Context) error {
	_, err := d.Embed(ctx, []string{"health check"})
	return err
}

// Normalize scales v to unit length in place, so inner product equals
// cosine similarity. Zero vectors are left untouched.
func Normalize(v []float32) {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return
	}
	inv := 1 / math.Sqrt(sum)
	for i := range v {
		v[i] = float32(float64(v[i]) * inv)
	}
}
