package similarity

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/ekaya-inc/ekaya-threatgraph/pkg/config"
)

// HTTPClient calls an external similarity service:
//
//	POST {base}/nearest {"text": "...", "k": 10} -> {"matches": [{"entity_id", "score"}]}
//	POST {base}/index   {"entity_id": "...", "text": "..."}
type HTTPClient struct {
	baseURL  string
	apiKey   string
	minScore float64
	http     *http.Client
	limiter  *rate.Limiter
	logger   *zap.Logger
}

var _ Service = (*HTTPClient)(nil)

// NewHTTPClient creates a client for cfg.BaseURL. Requests are bounded by
// cfg.Timeout and throttled to cfg.RequestsPerSecond.
func NewHTTPClient(cfg *config.SimilarityConfig, logger *zap.Logger) (*HTTPClient, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("similarity.base_url is required for the http provider")
	}

	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	burst := int(cfg.RequestsPerSecond)
	if burst < 1 {
		burst = 1
	}

	return &HTTPClient{
		baseURL:  strings.TrimSuffix(cfg.BaseURL, "/"),
		apiKey:   cfg.APIKey,
		minScore: cfg.MinScore,
		http:     &http.Client{Timeout: cfg.Timeout},
		limiter:  rate.NewLimiter(limit, burst),
		logger:   logger.Named("similarity"),
	}, nil
}

type nearestRequest struct {
	Text string `json:"text"`
	K    int    `json:"k"`
}

type nearestResponse struct {
	Matches []Match `json:"matches"`
}

type indexRequest struct {
	EntityID uuid.UUID `json:"entity_id"`
	Text     string    `json:"text"`
}

func (c *HTTPClient) Nearest(ctx context.Context, text string, k int) ([]Match, error) {
	var resp nearestResponse
	if err := c.post(ctx, "/nearest", nearestRequest{Text: text, K: k}, &resp); err != nil {
		return nil, err
	}

	matches := resp.Matches[:0]
	for _, m := range resp.Matches {
		if m.Score >= c.minScore && m.EntityID != uuid.Nil {
			matches = append(matches, m)
		}
	}
	return sortAndTrim(matches, k), nil
}

func (c *HTTPClient) Index(ctx context.Context, entityID uuid.UUID, text string) error {
	return c.post(ctx, "/index", indexRequest{EntityID: entityID, Text: text}, nil)
}

func (c *HTTPClient) Close() error {
	c.http.CloseIdleConnections()
	return nil
}

func (c *HTTPClient) post(ctx context.Context, path string, body, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("similarity rate limit: %w", err)
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode similarity request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build similarity request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("similarity request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		c.logger.Warn("Similarity service returned error",
			zap.String("path", path),
			zap.Int("status", resp.StatusCode))
		return fmt.Errorf("similarity service %s returned %d: %s", path, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode similarity response: %w", err)
	}
	return nil
}
