package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ollamaBatchSize bounds the texts sent in one /api/embed request.
const ollamaBatchSize = 64

// OllamaEngine embeds explanations with a local Ollama server through the
// batch /api/embed endpoint.
type OllamaEngine struct {
	endpoint  string
	model     string
	client    *http.Client
	batchSize int
	dims      int
}

// NewOllamaEngine creates an Ollama engine. Empty arguments select
// localhost and the all-minilm sentence model.
func NewOllamaEngine(endpoint, model string) (*OllamaEngine, error) {
	if endpoint == "" {
		endpoint = "http://localhost:11434"
	}
	if model == "" {
		model = "all-minilm"
	}

	return &OllamaEngine{
		endpoint:  endpoint,
		model:     model,
		client:    &http.Client{Timeout: 60 * time.Second},
		batchSize: ollamaBatchSize,
	}, nil
}

// Embed embeds one text.
func (e *OllamaEngine) Embed(ctx context.Context, text string) ([]float32, error) {
	out, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

// EmbedBatch embeds texts in chunks of at most batchSize, preserving order.
// Every returned vector must have the same width.
func (e *OllamaEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += e.batchSize {
		end := min(start+e.batchSize, len(texts))

		vectors, err := e.embedChunk(ctx, texts[start:end])
		if err != nil {
			return nil, fmt.Errorf("ollama texts %d-%d: %w", start, end-1, err)
		}
		for i, v := range vectors {
			if len(v) == 0 {
				return nil, fmt.Errorf("ollama returned an empty embedding for text %d", start+i)
			}
			if e.dims > 0 && len(v) != e.dims {
				return nil, fmt.Errorf("ollama returned %d dimensions for text %d, expected %d", len(v), start+i, e.dims)
			}
			e.dims = len(v)
		}
		out = append(out, vectors...)
	}
	return out, nil
}

func (e *OllamaEngine) embedChunk(ctx context.Context, texts []string) ([][]float32, error) {
	body, err := json.Marshal(ollamaEmbedRequest{Model: e.model, Input: texts})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint+"/api/embed", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}

	var result ollamaEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(result.Embeddings) != len(texts) {
		return nil, fmt.Errorf("got %d embeddings for %d texts", len(result.Embeddings), len(texts))
	}
	return result.Embeddings, nil
}

// Dimensions returns the width seen so far, or 384 (all-minilm) before
// the first request.
func (e *OllamaEngine) Dimensions() int {
	if e.dims > 0 {
		return e.dims
	}
	return 384
}

// Name returns the engine name.
func (e *OllamaEngine) Name() string {
	return "ollama:" + e.model
}

type ollamaEmbedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type ollamaEmbedResponse struct {
	Model      string      `json:"model"`
	Embeddings [][]float32 `json:"embeddings"`
}
