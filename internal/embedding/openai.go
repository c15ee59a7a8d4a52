package embedding

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sashabaranov/go-openai"
)

// OpenAIClient produces dense vectors with the OpenAI embeddings API. It has no sparse
// model, so BM25-only requests are unsupported and hybrid requests return dense only.
type OpenAIClient struct {
	client     *openai.Client
	model      openai.EmbeddingModel
	dimensions int
	timeout    time.Duration
}

func NewOpenAIClient(apiKey, baseURL, model string, dimensions int, timeout time.Duration) *OpenAIClient {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	if model == "" {
		model = string(openai.SmallEmbedding3)
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &OpenAIClient{
		client:     openai.NewClientWithConfig(cfg),
		model:      openai.EmbeddingModel(model),
		dimensions: dimensions,
		timeout:    timeout,
	}
}

func (c *OpenAIClient) Embed(ctx context.Context, text string, opts Options) (_ Embeddings, err error) {
	if !opts.Dense && !opts.BM25 {
		return Embeddings{}, ErrNothingRequested
	}
	if !opts.Dense {
		return Embeddings{}, ErrUnsupported
	}
	defer func(start time.Time) { record("openai", start, err) }(time.Now())

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input:      []string{text},
		Model:      c.model,
		Dimensions: c.dimensions,
	})
	if err != nil {
		return Embeddings{}, openAIError(err)
	}
	if len(resp.Data) == 0 || len(resp.Data[0].Embedding) == 0 {
		return Embeddings{}, &ServiceError{Provider: "openai", Status: 200, Err: fmt.Errorf("no embedding data returned")}
	}
	return Embeddings{Dense: resp.Data[0].Embedding}, nil
}

func openAIError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return &ServiceError{Provider: "openai", Status: apiErr.HTTPStatusCode, Body: apiErr.Message, Err: err}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return &ServiceError{Provider: "openai", Status: reqErr.HTTPStatusCode, Err: err}
	}
	return fmt.Errorf("failed to generate embedding: %w", err)
}
