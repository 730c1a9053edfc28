package similarity

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-threatgraph/pkg/config"
)

// ErrDimensionMismatch is returned when an embedding does not match the index dimension.
var ErrDimensionMismatch = errors.New("vector dimension mismatch")

// Embedder turns text into vectors.
type Embedder interface {
	Embed(ctx context.Context, inputs []string) ([][]float32, error)
}

// OpenAIEmbedder calls an OpenAI-compatible embeddings endpoint.
type OpenAIEmbedder struct {
	client *openai.Client
	model  string
}

// NewOpenAIEmbedder creates an embedder from cfg. BaseURL may point at any
// OpenAI-compatible server.
func NewOpenAIEmbedder(cfg *config.SimilarityConfig) (*OpenAIEmbedder, error) {
	if cfg.Model == "" {
		return nil, fmt.Errorf("similarity.model is required for the openai provider")
	}
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	}
	return &OpenAIEmbedder{client: openai.NewClientWithConfig(clientConfig), model: cfg.Model}, nil
}

func (e *OpenAIEmbedder) Embed(ctx context.Context, inputs []string) ([][]float32, error) {
	resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Model: openai.EmbeddingModel(e.model),
		Input: inputs,
	})
	if err != nil {
		return nil, fmt.Errorf("create embeddings: %w", err)
	}
	if len(resp.Data) != len(inputs) {
		return nil, fmt.Errorf("expected %d embeddings, got %d", len(inputs), len(resp.Data))
	}

	out := make([][]float32, len(resp.Data))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(out) {
			return nil, fmt.Errorf("embedding index %d out of range", d.Index)
		}
		out[d.Index] = d.Embedding
	}
	return out, nil
}

// EmbeddingIndex is a local brute-force cosine index over entity description
// embeddings, persisted in badger so it survives restarts.
type EmbeddingIndex struct {
	db       *badger.DB
	embedder Embedder
	minScore float64
	logger   *zap.Logger

	mu      sync.RWMutex
	dim     int
	vectors map[uuid.UUID][]float32 // unit length
}

var _ Service = (*EmbeddingIndex)(nil)

var vectorPrefix = []byte("vec:")

// OpenEmbeddingIndex opens (or creates) the index at cfg.IndexPath. An empty
// path keeps the index in memory.
func OpenEmbeddingIndex(cfg *config.SimilarityConfig, embedder Embedder, logger *zap.Logger) (*EmbeddingIndex, error) {
	opts := badger.DefaultOptions(cfg.IndexPath).WithLogger(nil)
	if cfg.IndexPath == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open vector index: %w", err)
	}

	idx := &EmbeddingIndex{
		db:       db,
		embedder: embedder,
		minScore: cfg.MinScore,
		logger:   logger.Named("embedding-index"),
		vectors:  make(map[uuid.UUID][]float32),
	}
	if err := idx.load(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return idx, nil
}

func (x *EmbeddingIndex) load() error {
	return x.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = vectorPrefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			id, err := uuid.FromBytes(item.Key()[len(vectorPrefix):])
			if err != nil {
				return fmt.Errorf("corrupt vector key: %w", err)
			}
			err = item.Value(func(val []byte) error {
				vec := decodeVector(val)
				if x.dim == 0 {
					x.dim = len(vec)
				}
				x.vectors[id] = vec
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func (x *EmbeddingIndex) Nearest(ctx context.Context, text string, k int) ([]Match, error) {
	vecs, err := x.embedder.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vecs) == 0 {
		return nil, fmt.Errorf("no embedding returned")
	}
	query := normalizeVector(vecs[0])

	x.mu.RLock()
	defer x.mu.RUnlock()

	if x.dim != 0 && len(query) != x.dim {
		return nil, ErrDimensionMismatch
	}

	var matches []Match
	for id, vec := range x.vectors {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		score := dot(query, vec)
		if score >= x.minScore {
			matches = append(matches, Match{EntityID: id, Score: score})
		}
	}
	return sortAndTrim(matches, k), nil
}

func (x *EmbeddingIndex) Index(ctx context.Context, entityID uuid.UUID, text string) error {
	vecs, err := x.embedder.Embed(ctx, []string{text})
	if err != nil {
		return err
	}
	if len(vecs) == 0 {
		return fmt.Errorf("no embedding returned")
	}
	vec := normalizeVector(vecs[0])

	x.mu.Lock()
	defer x.mu.Unlock()

	if x.dim == 0 {
		x.dim = len(vec)
	} else if len(vec) != x.dim {
		return ErrDimensionMismatch
	}

	key := append(append([]byte{}, vectorPrefix...), entityID[:]...)
	if err := x.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, encodeVector(vec))
	}); err != nil {
		return fmt.Errorf("failed to persist vector: %w", err)
	}
	x.vectors[entityID] = vec
	return nil
}

// Len returns the number of indexed entities.
func (x *EmbeddingIndex) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.vectors)
}

func (x *EmbeddingIndex) Close() error {
	return x.db.Close()
}

func normalizeVector(v []float32) []float32 {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	out := make([]float32, len(v))
	if sum == 0 {
		return out
	}
	norm := math.Sqrt(sum)
	for i, f := range v {
		out[i] = float32(float64(f) / norm)
	}
	return out
}

func dot(a, b []float32) float64 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}

func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(b []byte) []float32 {
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return v
}
