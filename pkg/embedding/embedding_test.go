package embedding

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func TestHashingEngine(t *testing.T) {
	ctx := context.Background()
	e := NewHashingEngine(0)
	assert.Equal(t, 384, e.Dimensions())
	assert.Equal(t, "hashing:384", e.Name())

	v, err := e.Embed(ctx, "Anomalous due to: odd hour: 3:00, customer was abroad.")
	require.NoError(t, err)
	require.Len(t, v, 384)

	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	assert.InDelta(t, 1.0, norm, 1e-5)

	again, err := e.Embed(ctx, "Anomalous due to: odd hour: 3:00, customer was abroad.")
	require.NoError(t, err)
	assert.Equal(t, v, again)
}

func TestHashingEngineSimilarity(t *testing.T) {
	ctx := context.Background()
	e := NewHashingEngine(512)

	vecs, err := e.EmbedBatch(ctx, []string{
		"Anomalous due to: odd hour: 2:00, customer was abroad.",
		"Anomalous due to: odd hour: 4:00, customer was abroad.",
		"Anomalous due to: high amount of £9999.00, merchant flagged as high risk.",
	})
	require.NoError(t, err)
	require.Len(t, vecs, 3)

	assert.Greater(t, cosine(vecs[0], vecs[1]), cosine(vecs[0], vecs[2]))
}

func TestHashingEngineEmptyText(t *testing.T) {
	v, err := NewHashingEngine(16).Embed(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, make([]float32, 16), v)
}

func TestHashingEngineCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewHashingEngine(8).EmbedBatch(ctx, []string{"a"})
	assert.ErrorIs(t, err, context.Canceled)
}

// ollamaServer answers /api/embed with one vector {len(text), 1, 0} per input.
func ollamaServer(t *testing.T, requests *int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/embed", r.URL.Path)
		var req ollamaEmbedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "all-minilm", req.Model)
		*requests++

		resp := ollamaEmbedResponse{Model: req.Model}
		for _, text := range req.Input {
			resp.Embeddings = append(resp.Embeddings, []float32{float32(len(text)), 1, 0})
		}
		json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestOllamaEngine(t *testing.T) {
	var requests int
	srv := ollamaServer(t, &requests)

	e, err := NewOllamaEngine(srv.URL, "")
	require.NoError(t, err)
	assert.Equal(t, "ollama:all-minilm", e.Name())
	assert.Equal(t, 384, e.Dimensions())

	vecs, err := e.EmbedBatch(context.Background(), []string{"ab", "abcd"})
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{2, 1, 0}, {4, 1, 0}}, vecs)
	assert.Equal(t, 3, e.Dimensions())
	assert.Equal(t, 1, requests, "one request per batch")

	v, err := e.Embed(context.Background(), "abc")
	require.NoError(t, err)
	assert.Equal(t, []float32{3, 1, 0}, v)
}

func TestOllamaEngineChunks(t *testing.T) {
	var requests int
	srv := ollamaServer(t, &requests)

	e, err := NewOllamaEngine(srv.URL, "")
	require.NoError(t, err)
	e.batchSize = 2

	texts := []string{"a", "bb", "ccc", "dddd", "eeeee"}
	vecs, err := e.EmbedBatch(context.Background(), texts)
	require.NoError(t, err)
	assert.Equal(t, 3, requests)
	require.Len(t, vecs, len(texts))
	for i, v := range vecs {
		assert.Equal(t, float32(len(texts[i])), v[0], "order preserved at %d", i)
	}
}

func TestOllamaEngineMalformedResponse(t *testing.T) {
	tests := []struct {
		name string
		resp ollamaEmbedResponse
		want string
	}{
		{"missing vectors", ollamaEmbedResponse{Embeddings: [][]float32{{1, 2}}}, "got 1 embeddings for 2 texts"},
		{"empty vector", ollamaEmbedResponse{Embeddings: [][]float32{{1, 2}, {}}}, "empty embedding"},
		{"ragged widths", ollamaEmbedResponse{Embeddings: [][]float32{{1, 2}, {1, 2, 3}}}, "expected 2"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				json.NewEncoder(w).Encode(tt.resp)
			}))
			defer srv.Close()

			e, err := NewOllamaEngine(srv.URL, "")
			require.NoError(t, err)
			_, err = e.EmbedBatch(context.Background(), []string{"x", "y"})
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestOllamaEngineError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	defer srv.Close()

	e, err := NewOllamaEngine(srv.URL, "missing")
	require.NoError(t, err)

	_, err = e.Embed(context.Background(), "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}

func TestNewEngine(t *testing.T) {
	ctx := context.Background()

	e, err := NewEngine(ctx, DefaultConfig())
	require.NoError(t, err)
	assert.IsType(t, &HashingEngine{}, e)

	e, err = NewEngine(ctx, Config{Provider: ProviderOllama})
	require.NoError(t, err)
	assert.IsType(t, &OllamaEngine{}, e)

	_, err = NewEngine(ctx, Config{Provider: ProviderGenAI})
	assert.Error(t, err, "GenAI requires an API key")

	_, err = NewEngine(ctx, Config{Provider: "word2vec"})
	assert.ErrorIs(t, err, ErrUnsupportedProvider)
}

func TestToFloat64(t *testing.T) {
	assert.Equal(t, [][]float64{{1, 0.5}}, ToFloat64([][]float32{{1, 0.5}}))
}
