package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	DefaultBaseURL = "http://localhost:3000"
	DefaultAvgDL   = 1000
	DefaultTimeout = 10 * time.Second
)

// HTTPClient talks to the embedding service's POST /embed endpoint, which computes a
// dense vector and a BM25 sparse vector in one call.
type HTTPClient struct {
	baseURL string
	avgdl   float64
	timeout time.Duration
	client  *http.Client
}

func NewHTTPClient(baseURL string, avgdl float64, timeout time.Duration) *HTTPClient {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if avgdl <= 0 {
		avgdl = DefaultAvgDL
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &HTTPClient{
		baseURL: baseURL,
		avgdl:   avgdl,
		timeout: timeout,
		client:  &http.Client{},
	}
}

type bm25Params struct {
	AvgDL float64 `json:"avgdl"`
}

type embedRequest struct {
	Text  string      `json:"text"`
	Dense bool        `json:"dense"`
	BM25  *bm25Params `json:"bm25,omitempty"`
}

func (c *HTTPClient) Embed(ctx context.Context, text string, opts Options) (_ Embeddings, err error) {
	if !opts.Dense && !opts.BM25 {
		return Embeddings{}, ErrNothingRequested
	}
	defer func(start time.Time) { record("http", start, err) }(time.Now())

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body := embedRequest{Text: text, Dense: opts.Dense}
	if opts.BM25 {
		body.BM25 = &bm25Params{AvgDL: c.avgdl}
	}
	data, err := json.Marshal(body)
	if err != nil {
		return Embeddings{}, fmt.Errorf("marshal embed request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/embed", bytes.NewReader(data))
	if err != nil {
		return Embeddings{}, fmt.Errorf("create embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return Embeddings{}, fmt.Errorf("send embed request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return Embeddings{}, &ServiceError{Provider: "http", Status: resp.StatusCode, Err: fmt.Errorf("read response: %w", err)}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Embeddings{}, &ServiceError{Provider: "http", Status: resp.StatusCode, Body: string(raw)}
	}

	var out Embeddings
	if err := json.Unmarshal(raw, &out); err != nil {
		return Embeddings{}, &ServiceError{Provider: "http", Status: resp.StatusCode, Body: string(raw), Err: fmt.Errorf("decode response: %w", err)}
	}
	if out.Sparse != nil && len(out.Sparse.Indices) != len(out.Sparse.Values) {
		return Embeddings{}, &ServiceError{Provider: "http", Status: resp.StatusCode, Body: string(raw),
			Err: fmt.Errorf("bm25 indices/values length mismatch: %d != %d", len(out.Sparse.Indices), len(out.Sparse.Values))}
	}
	if out.Empty() {
		return Embeddings{}, &ServiceError{Provider: "http", Status: resp.StatusCode, Body: string(raw), Err: fmt.Errorf("response has no vectors")}
	}
	return out, nil
}
