package embedding

import (
	"context"
	"fmt"
	"strings"
	"unicode"

	"github.com/cespare/xxhash/v2"
	"gonum.org/v1/gonum/floats"
)

// HashingEngine embeds text by signed feature hashing of word unigrams and
// bigrams, then L2-normalises the vector. It needs no model download and is
// fully deterministic, so texts sharing phrases land close together.
type HashingEngine struct {
	dims int
}

// NewHashingEngine creates a hashing engine. dims <= 0 selects 384.
func NewHashingEngine(dims int) *HashingEngine {
	if dims <= 0 {
		dims = 384
	}
	return &HashingEngine{dims: dims}
}

// Embed generates an embedding for a single text.
func (e *HashingEngine) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float64, e.dims)

	tokens := tokenize(text)
	for i, tok := range tokens {
		e.add(vec, tok)
		if i > 0 {
			e.add(vec, tokens[i-1]+" "+tok)
		}
	}

	if norm := floats.Norm(vec, 2); norm > 0 {
		floats.Scale(1/norm, vec)
	}

	out := make([]float32, e.dims)
	for i, v := range vec {
		out[i] = float32(v)
	}
	return out, nil
}

func (e *HashingEngine) add(vec []float64, feature string) {
	h := xxhash.Sum64String(feature)
	idx := h % uint64(e.dims)
	if h>>63 == 1 {
		vec[idx]--
	} else {
		vec[idx]++
	}
}

// EmbedBatch generates embeddings for multiple texts.
func (e *HashingEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		v, err := e.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// Dimensions returns the dimensionality of embeddings.
func (e *HashingEngine) Dimensions() int {
	return e.dims
}

// Name returns the engine name.
func (e *HashingEngine) Name() string {
	return fmt.Sprintf("hashing:%d", e.dims)
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
