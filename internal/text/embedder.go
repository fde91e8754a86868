package text

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strings"
	"time"
	"unicode"

	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/domain"
	"golang.org/x/time/rate"
)

// ErrEmptyText is returned when asked to embed blank text.
var ErrEmptyText = errors.New("text must not be empty")

// Embedder turns text into a vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
	Model() string
}

// HTTPEmbedder calls an OpenAI-compatible /embeddings endpoint.
// Outbound calls are throttled by a token bucket.
type HTTPEmbedder struct {
	endpoint string
	model    string
	apiKey   string
	client   *http.Client
	limiter  *rate.Limiter
}

// NewHTTPEmbedder creates an embedder from configuration.
func NewHTTPEmbedder(cfg domain.EmbeddingsConfig) *HTTPEmbedder {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	limit := rate.Inf
	if cfg.RPS > 0 {
		limit = rate.Limit(cfg.RPS)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &HTTPEmbedder{
		endpoint: cfg.Endpoint,
		model:    cfg.Model,
		apiKey:   cfg.APIKey,
		client:   &http.Client{Timeout: timeout},
		limiter:  rate.NewLimiter(limit, burst),
	}
}

// Model returns the embedding model name.
func (e *HTTPEmbedder) Model() string { return e.model }

type embeddingRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float64 `json:"embedding"`
	} `json:"data"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Embed implements Embedder.
func (e *HTTPEmbedder) Embed(ctx context.Context, text string) ([]float64, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyText
	}
	if err := e.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("embedding rate limit: %w", err)
	}

	body, err := json.Marshal(embeddingRequest{Model: e.model, Input: text})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal embedding request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build embedding request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if e.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.apiKey)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embedding request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read embedding response: %w", err)
	}

	var out embeddingResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("failed to decode embedding response (status %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK {
		msg := http.StatusText(resp.StatusCode)
		if out.Error != nil && out.Error.Message != "" {
			msg = out.Error.Message
		}
		return nil, fmt.Errorf("embedding provider returned %d: %s", resp.StatusCode, msg)
	}
	if len(out.Data) == 0 || len(out.Data[0].Embedding) == 0 {
		return nil, fmt.Errorf("embedding provider returned no vectors")
	}
	return out.Data[0].Embedding, nil
}

// CachedEmbedder memoizes embeddings in a domain.Cache under the shared tenant.
type CachedEmbedder struct {
	inner Embedder
	store domain.Cache
	ttl   time.Duration
}

// NewCachedEmbedder wraps inner with cache.
func NewCachedEmbedder(inner Embedder, store domain.Cache, ttl time.Duration) *CachedEmbedder {
	return &CachedEmbedder{inner: inner, store: store, ttl: ttl}
}

// Model returns the wrapped model name.
func (c *CachedEmbedder) Model() string { return c.inner.Model() }

// Embed implements Embedder. Cache failures fall through to the provider.
func (c *CachedEmbedder) Embed(ctx context.Context, text string) ([]float64, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyText
	}
	key := embeddingKey(c.inner.Model(), text)

	var vec []float64
	if ok, err := cache.GetJSON(ctx, c.store, domain.SharedTenant, key, &vec); err != nil {
		slog.Debug("embedding cache read failed", "error", err)
	} else if ok {
		return vec, nil
	}

	vec, err := c.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}

	if err := cache.SetJSON(ctx, c.store, domain.SharedTenant, key, vec, c.ttl); err != nil {
		slog.Debug("embedding cache write failed", "error", err)
	}
	return vec, nil
}

func embeddingKey(model, text string) string {
	sum := sha256.Sum256([]byte(text))
	return "emb:" + model + ":" + hex.EncodeToString(sum[:])
}

// HashingEmbedder is an offline embedder that hashes lowercase word tokens
// into a fixed number of buckets. Underscores separate tokens.
type HashingEmbedder struct {
	dim int
}

// NewHashingEmbedder creates a hashing embedder. dim <= 0 uses 256.
func NewHashingEmbedder(dim int) *HashingEmbedder {
	if dim <= 0 {
		dim = 256
	}
	return &HashingEmbedder{dim: dim}
}

// Model returns the embedder's model name.
func (h *HashingEmbedder) Model() string {
	return fmt.Sprintf("hashing-%d", h.dim)
}

// Embed implements Embedder. The output is L2 normalized.
func (h *HashingEmbedder) Embed(ctx context.Context, text string) ([]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyText
	}

	vec := make([]float64, h.dim)
	tokens := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, tok := range tokens {
		f := fnv.New32a()
		_, _ = f.Write([]byte(tok))
		vec[f.Sum32()%uint32(h.dim)]++
	}

	var norm float64
	for _, v := range vec {
		norm += v * v
	}
	if norm > 0 {
		norm = math.Sqrt(norm)
		for i := range vec {
			vec[i] /= norm
		}
	}
	return vec, nil
}
