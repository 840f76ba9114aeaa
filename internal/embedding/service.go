// Package embedding provides a rate-limited, retrying client for an
// OpenAI-compatible /embeddings endpoint, plus the usage accounting the
// indexing pipeline and search coordinator both read from.
package embedding

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"refsearch/internal/chunker"
	"refsearch/internal/errlog"
)

// Config holds the enumerated options for an embedding provider.
type Config struct {
	APIBase              string
	APIKey               string
	Model                string
	Dimensions           int // 0 means "let the server decide"
	MaxBatchSize         int
	TimeoutMS            int
	MaxRetries           int
	RPM                  int
	TPM                  int
	CostPerMillionTokens float64
	QueryInstructionPrefix string
}

// DefaultConfig returns the package's default embedding client configuration.
func DefaultConfig() Config {
	return Config{
		MaxBatchSize:         100,
		TimeoutMS:            30000,
		MaxRetries:           3,
		RPM:                  60,
		TPM:                  150000,
		CostPerMillionTokens: 0.02,
	}
}

// Validate checks the configuration is usable, returning a *Error with
// ErrorConfig when it is not.
func (c Config) Validate() error {
	if c.APIBase == "" {
		return newError(ErrorConfig, "api_base is required")
	}
	if c.Model == "" {
		return newError(ErrorConfig, "model is required")
	}
	return nil
}

// Item is one text to embed within a batch request.
type Item struct {
	ID   string
	Text string
	Lang string
}

// Result is the embedding produced for one Item.
type Result struct {
	Vector     []float32
	Language   string
	Dimensions int
}

// Client embeds text via an OpenAI-compatible HTTP API, honoring
// configured rate limits and retrying classifiable-as-retryable failures
// with exponential backoff.
type Client struct {
	cfg     Config
	http    *http.Client
	limiter *rateLimiter
	Usage   *Usage
}

// NewClient constructs a Client for the given configuration. The caller
// should have validated cfg first; an invalid config simply causes every
// call to return a *Error{Type: ErrorConfig}.
func NewClient(cfg Config) *Client {
	timeout := time.Duration(cfg.TimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: timeout},
		limiter: newRateLimiter(cfg.RPM, cfg.TPM),
		Usage:   &Usage{},
	}
}

// UpdateConfig replaces the client's configuration in place, rebuilding its
// HTTP timeout and rate limiter, while preserving accumulated Usage. Callers
// holding a *Client elsewhere (the indexing pipeline, the search
// coordinator) see the new configuration on their next call. Not safe to
// call concurrently with an in-flight EmbedBatch.
func (c *Client) UpdateConfig(cfg Config) {
	timeout := time.Duration(cfg.TimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	c.cfg = cfg
	c.http = &http.Client{Timeout: timeout}
	c.limiter = newRateLimiter(cfg.RPM, cfg.TPM)
}

// EmbedOne is a convenience wrapper over EmbedBatch for a single text. It is
// the query path: if the configuration carries a QueryInstructionPrefix
// (some models embed queries and documents asymmetrically), it is prepended
// here and nowhere else — chunk text embedded via EmbedBatch during
// indexing is never prefixed.
func (c *Client) EmbedOne(text string, langHint string) (Result, error) {
	if c.cfg.QueryInstructionPrefix != "" {
		text = c.cfg.QueryInstructionPrefix + text
	}
	results, err := c.EmbedBatch([]Item{{ID: "0", Text: text, Lang: langHint}})
	if err != nil {
		return Result{}, err
	}
	r, ok := results["0"]
	if !ok {
		return Result{}, newError(ErrorUnknown, "embedding API returned no result for single item")
	}
	return r, nil
}

// EmbedBatch embeds items in groups of cfg.MaxBatchSize, preserving the
// input order when pairing returned embeddings back to ids.
func (c *Client) EmbedBatch(items []Item) (map[string]Result, error) {
	if len(items) == 0 {
		return map[string]Result{}, nil
	}
	if err := c.cfg.Validate(); err != nil {
		return nil, err
	}

	batchSize := c.cfg.MaxBatchSize
	if batchSize <= 0 {
		batchSize = 100
	}

	out := make(map[string]Result, len(items))
	for start := 0; start < len(items); start += batchSize {
		end := start + batchSize
		if end > len(items) {
			end = len(items)
		}
		group := items[start:end]

		texts := make([]string, len(group))
		estTokens := 0
		for i, it := range group {
			texts[i] = it.Text
			estTokens += chunker.EstimateTokens(it.Text)
		}

		c.limiter.wait(estTokens)

		embeddings, err := c.callAPI(texts)
		if err != nil {
			return nil, err
		}
		if len(embeddings) != len(group) {
			return nil, newError(ErrorUnknown, fmt.Sprintf("embedding API returned %d results, expected %d", len(embeddings), len(group)))
		}

		c.Usage.recordBatch(len(group), estTokens, c.cfg.CostPerMillionTokens)

		for i, it := range group {
			lang := it.Lang
			out[it.ID] = Result{
				Vector:     embeddings[i],
				Language:   lang,
				Dimensions: len(embeddings[i]),
			}
		}
	}
	return out, nil
}

type embeddingRequest struct {
	Model      string   `json:"model"`
	Input      []string `json:"input"`
	Dimensions int      `json:"dimensions,omitempty"`
}

type embeddingResponse struct {
	Data  []embeddingData `json:"data"`
	Error *apiError       `json:"error,omitempty"`
}

type embeddingData struct {
	Embedding []float32 `json:"embedding"`
	Index     int       `json:"index"`
}

type apiError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

// callAPI issues one POST to {api_base}/embeddings for the given texts,
// making up to cfg.MaxRetries attempts in total (the first call included)
// while failures are retryable, with exponential backoff (2^attempt
// seconds) before each retry, and returns the embeddings sorted to match
// the input order.
func (c *Client) callAPI(texts []string) ([][]float32, error) {
	reqBody := embeddingRequest{
		Model:      c.cfg.Model,
		Input:      texts,
		Dimensions: c.cfg.Dimensions,
	}
	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return nil, newError(ErrorInvalidRequest, err.Error())
	}

	apiURL := strings.TrimRight(c.cfg.APIBase, "/") + "/embeddings"

	maxRetries := c.cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}

	var lastErr *Error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<uint(attempt)) * time.Second
			time.Sleep(backoff)
		}

		data, classified := c.attempt(apiURL, bodyBytes)
		if classified == nil {
			sort.Slice(data, func(i, j int) bool { return data[i].Index < data[j].Index })
			vectors := make([][]float32, len(data))
			for i, d := range data {
				vectors[i] = d.Embedding
			}
			return vectors, nil
		}

		lastErr = classified
		if classified.Type == ErrorRateLimit {
			c.Usage.recordRateLimitHit()
		}
		if !classified.Retryable {
			errlog.Logf("embedding call failed (non-retryable, %s): %s", classified.Type, classified.Message)
			return nil, classified
		}
	}

	errlog.Logf("embedding call failed after %d attempts (%s): %s", maxRetries, lastErr.Type, lastErr.Message)
	return nil, lastErr
}

func (c *Client) attempt(apiURL string, bodyBytes []byte) ([]embeddingData, *Error) {
	req, err := http.NewRequest(http.MethodPost, apiURL, bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, newError(ErrorInvalidRequest, err.Error())
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, classifyTransport(err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 50<<20))
	if err != nil {
		return nil, newError(ErrorNetwork, err.Error())
	}

	if resp.StatusCode != http.StatusOK {
		var errResp embeddingResponse
		if json.Unmarshal(respBody, &errResp) == nil && errResp.Error != nil {
			return nil, classifyStatus(resp.StatusCode, errResp.Error.Message)
		}
		return nil, classifyStatus(resp.StatusCode, string(respBody))
	}

	var result embeddingResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, newError(ErrorUnknown, "failed to decode response: "+err.Error())
	}
	if result.Error != nil {
		return nil, classifyStatus(resp.StatusCode, result.Error.Message)
	}
	return result.Data, nil
}

// HashFallback returns a deterministic, explicitly-not-for-storage
// pseudo-embedding, for use only when a live query's embedding call fails
// and the caller still needs to exercise downstream ranking code. It must
// never be written to the vector store.
func HashFallback(text string, dims int) []float32 {
	if dims <= 0 {
		dims = 8
	}
	v := make([]float32, dims)
	h := uint32(2166136261)
	for i := 0; i < len(text); i++ {
		h ^= uint32(text[i])
		h *= 16777619
		v[i%dims] += float32(h%1000) / 1000.0
	}
	return v
}
