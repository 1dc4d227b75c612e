// Package embedding turns explanation text into fixed-size semantic vectors.
// Supports an offline hashing backend, Ollama (local) and Google GenAI (cloud).
package embedding

import (
	"context"
	"errors"
	"fmt"
)

// ErrUnsupportedProvider is returned by NewEngine for an unknown provider.
var ErrUnsupportedProvider = errors.New("unsupported embedding provider")

// Provider names.
const (
	ProviderHashing = "hashing"
	ProviderOllama  = "ollama"
	ProviderGenAI   = "genai"
)

// Engine generates vector embeddings for text.
type Engine interface {
	// Embed generates embeddings for a single text
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for multiple texts, preserving order
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the dimensionality of embeddings
	Dimensions() int

	// Name returns the engine name
	Name() string
}

// Config holds embedding engine configuration.
type Config struct {
	// Provider: "hashing", "ollama" or "genai"
	Provider string `yaml:"provider"`

	// Dimensions of the hashing backend.
	Dimensions int `yaml:"dimensions"`

	// Ollama configuration
	OllamaEndpoint string `yaml:"ollama_endpoint"`
	OllamaModel    string `yaml:"ollama_model"`

	// GenAI configuration
	GenAIAPIKey string `yaml:"genai_api_key"`
	GenAIModel  string `yaml:"genai_model"`

	// TaskType for GenAI, e.g. "CLUSTERING" or "SEMANTIC_SIMILARITY"
	TaskType string `yaml:"task_type"`
}

// DefaultConfig returns the offline hashing backend, matching the vector
// width of the MiniLM sentence model used for the reference runs.
func DefaultConfig() Config {
	return Config{
		Provider:       ProviderHashing,
		Dimensions:     384,
		OllamaEndpoint: "http://localhost:11434",
		OllamaModel:    "all-minilm",
		GenAIModel:     "gemini-embedding-001",
		TaskType:       "CLUSTERING",
	}
}

// NewEngine creates an embedding engine based on configuration.
func NewEngine(ctx context.Context, cfg Config) (Engine, error) {
	switch cfg.Provider {
	case ProviderHashing, "":
		return NewHashingEngine(cfg.Dimensions), nil
	case ProviderOllama:
		return NewOllamaEngine(cfg.OllamaEndpoint, cfg.OllamaModel)
	case ProviderGenAI:
		return NewGenAIEngine(ctx, cfg.GenAIAPIKey, cfg.GenAIModel, cfg.TaskType)
	default:
		return nil, fmt.Errorf("%w: %s (use %q, %q or %q)", ErrUnsupportedProvider,
			cfg.Provider, ProviderHashing, ProviderOllama, ProviderGenAI)
	}
}

// ToFloat64 widens embeddings for the clustering math.
func ToFloat64(vectors [][]float32) [][]float64 {
	out := make([][]float64, len(vectors))
	for i, v := range vectors {
		row := make([]float64, len(v))
		for j, x := range v {
			row[j] = float64(x)
		}
		out[i] = row
	}
	return out
}
