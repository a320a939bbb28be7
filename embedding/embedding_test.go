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

	"github.com/BaSui01/cinegen/types"
)

func cosine(a, b []float64) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func TestHashProvider_Deterministic(t *testing.T) {
	p := NewHashProvider(256)
	ctx := context.Background()

	a, err := p.EmbedQuery(ctx, "Alex smiling at the camera")
	require.NoError(t, err)
	b, err := p.EmbedQuery(ctx, "alex SMILING at the camera!")
	require.NoError(t, err)
	assert.Len(t, a, 256)
	assert.Equal(t, a, b)

	c, err := p.EmbedQuery(ctx, "storm clouds over harbor")
	require.NoError(t, err)
	near, err := p.EmbedQuery(ctx, "Alex smiling outdoors")
	require.NoError(t, err)
	assert.Greater(t, cosine(a, near), cosine(a, c))
}

func TestHashProvider_DigestFallback(t *testing.T) {
	p := NewHashProvider(0)
	assert.Equal(t, 512, p.Dimensions())

	v, err := p.EmbedQuery(context.Background(), "---")
	require.NoError(t, err)
	require.Len(t, v, 512)

	var norm float64
	for _, x := range v {
		norm += x * x
	}
	assert.InDelta(t, 1.0, norm, 1e-9)
}

func TestHashProvider_EmbedDocuments(t *testing.T) {
	p := NewHashProvider(16)
	docs, err := p.EmbedDocuments(context.Background(), []string{"one", "two", "three"})
	require.NoError(t, err)
	assert.Len(t, docs, 3)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = p.EmbedDocuments(ctx, []string{"one"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestOpenAIProvider_Embed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/embeddings", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		var req openAIEmbedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, 3, req.Dimensions)
		assert.Equal(t, []string{"a", "b"}, req.Input)

		// 故意乱序返回
		_, _ = w.Write([]byte(`{"data":[
			{"index":1,"embedding":[0,1,0]},
			{"index":0,"embedding":[1,0,0]}
		],"model":"text-embedding-3-small","usage":{"prompt_tokens":2,"total_tokens":2}}`))
	}))
	defer srv.Close()

	p := NewOpenAIProvider(OpenAIConfig{BaseURL: srv.URL, APIKey: "sk-test", Dimensions: 3})
	docs, err := p.EmbedDocuments(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, [][]float64{{1, 0, 0}, {0, 1, 0}}, docs)
	assert.Equal(t, "openai-embedding", p.Name())
	assert.Equal(t, 3, p.Dimensions())
}

func TestOpenAIProvider_ErrorClassification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		kind   types.ErrorKind
	}{
		{"rate limited", http.StatusTooManyRequests, `{"error":"slow down"}`, types.ErrProviderTransient},
		{"server error", http.StatusBadGateway, `oops`, types.ErrProviderTransient},
		{"bad request", http.StatusBadRequest, `{"error":"bad"}`, types.ErrProviderPermanent},
		{"unauthorized", http.StatusUnauthorized, `{"error":"key"}`, types.ErrProviderPermanent},
		{"malformed", http.StatusOK, `not json`, types.ErrProviderPermanent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			p := NewOpenAIProvider(OpenAIConfig{BaseURL: srv.URL, APIKey: "k"})
			_, err := p.EmbedQuery(context.Background(), "hello")
			require.Error(t, err)
			assert.Equal(t, tt.kind, types.KindOf(err))
		})
	}
}

func TestNew(t *testing.T) {
	p, err := New(Config{Dimensions: 32})
	require.NoError(t, err)
	assert.Equal(t, "hash", p.Name())
	assert.Equal(t, 32, p.Dimensions())

	_, err = New(Config{Provider: "openai"})
	assert.Error(t, err)

	p, err = New(Config{Provider: "openai", Dimensions: 64, OpenAI: OpenAIConfig{APIKey: "k"}})
	require.NoError(t, err)
	assert.Equal(t, 64, p.Dimensions())

	_, err = New(Config{Provider: "cohere"})
	assert.Error(t, err)
}
