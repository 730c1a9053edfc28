package similarity

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-threatgraph/pkg/config"
)

// keywordEmbedder maps text onto a fixed vocabulary so cosine scores are predictable.
type keywordEmbedder struct {
	vocab []string
	calls int
}

func (e *keywordEmbedder) Embed(_ context.Context, inputs []string) ([][]float32, error) {
	e.calls++
	out := make([][]float32, len(inputs))
	for i, in := range inputs {
		vec := make([]float32, len(e.vocab))
		lower := strings.ToLower(in)
		for j, w := range e.vocab {
			if strings.Contains(lower, w) {
				vec[j] = 1
			}
		}
		out[i] = vec
	}
	return out, nil
}

func TestEmbeddingIndex_NearestRanksByCosine(t *testing.T) {
	emb := &keywordEmbedder{vocab: []string{"loader", "powershell", "ransomware", "linux"}}
	idx, err := OpenEmbeddingIndex(&config.SimilarityConfig{MinScore: 0.1}, emb, zap.NewNop())
	require.NoError(t, err)
	defer idx.Close()

	ctx := context.Background()
	loader, ransom := uuid.New(), uuid.New()
	require.NoError(t, idx.Index(ctx, loader, "PowerShell loader"))
	require.NoError(t, idx.Index(ctx, ransom, "Linux ransomware"))
	assert.Equal(t, 2, idx.Len())

	matches, err := idx.Nearest(ctx, "loader written in powershell", 5)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, loader, matches[0].EntityID)
	assert.InDelta(t, 1.0, matches[0].Score, 1e-6)
}

func TestEmbeddingIndex_PersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	cfg := &config.SimilarityConfig{IndexPath: dir, MinScore: 0}
	emb := &keywordEmbedder{vocab: []string{"a", "b"}}
	id := uuid.New()

	idx, err := OpenEmbeddingIndex(cfg, emb, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, idx.Index(context.Background(), id, "a"))
	require.NoError(t, idx.Close())

	reopened, err := OpenEmbeddingIndex(cfg, emb, zap.NewNop())
	require.NoError(t, err)
	defer reopened.Close()
	assert.Equal(t, 1, reopened.Len())
}

func TestHTTPClient_Nearest(t *testing.T) {
	want := uuid.New()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/nearest", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))

		var req nearestRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "ScriptX", req.Text)
		assert.Equal(t, 3, req.K)

		_ = json.NewEncoder(w).Encode(nearestResponse{Matches: []Match{
			{EntityID: uuid.New(), Score: 0.2},
			{EntityID: want, Score: 0.9},
		}})
	}))
	defer srv.Close()

	client, err := NewHTTPClient(&config.SimilarityConfig{
		BaseURL: srv.URL, APIKey: "secret", MinScore: 0.5, Timeout: time.Second,
	}, zap.NewNop())
	require.NoError(t, err)

	matches, err := client.Nearest(context.Background(), "ScriptX", 3)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, want, matches[0].EntityID)
}

func TestHTTPClient_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	client, err := NewHTTPClient(&config.SimilarityConfig{BaseURL: srv.URL, Timeout: time.Second}, zap.NewNop())
	require.NoError(t, err)

	_, err = client.Nearest(context.Background(), "x", 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}

func TestNew_SelectsProvider(t *testing.T) {
	svc, err := New(&config.SimilarityConfig{Provider: "none"}, zap.NewNop())
	require.NoError(t, err)
	assert.IsType(t, Nop{}, svc)

	_, err = New(&config.SimilarityConfig{Provider: "http"}, zap.NewNop())
	assert.Error(t, err)

	_, err = New(&config.SimilarityConfig{Provider: "carrier-pigeon"}, zap.NewNop())
	assert.Error(t, err)
}
