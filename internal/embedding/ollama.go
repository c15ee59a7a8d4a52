package embedding

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/ollama/ollama/api"
)

const DefaultOllamaModel = "all-minilm"

// OllamaClient produces dense vectors with a local Ollama server.
type OllamaClient struct {
	client  *api.Client
	model   string
	timeout time.Duration
}

func NewOllamaClient(rawURL, model string, timeout time.Duration) (*OllamaClient, error) {
	if rawURL == "" {
		rawURL = "http://localhost:11434"
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid ollama url: %w", err)
	}
	if model == "" {
		model = DefaultOllamaModel
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &OllamaClient{
		client:  api.NewClient(u, &http.Client{}),
		model:   model,
		timeout: timeout,
	}, nil
}

func (c *OllamaClient) Embed(ctx context.Context, text string, opts Options) (_ Embeddings, err error) {
	if !opts.Dense && !opts.BM25 {
		return Embeddings{}, ErrNothingRequested
	}
	if !opts.Dense {
		return Embeddings{}, ErrUnsupported
	}
	defer func(start time.Time) { record("ollama", start, err) }(time.Now())

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.client.Embed(ctx, &api.EmbedRequest{Model: c.model, Input: text})
	if err != nil {
		var statusErr api.StatusError
		if errors.As(err, &statusErr) {
			return Embeddings{}, &ServiceError{Provider: "ollama", Status: statusErr.StatusCode, Body: statusErr.ErrorMessage, Err: err}
		}
		return Embeddings{}, fmt.Errorf("ollama embed: %w", err)
	}
	if len(resp.Embeddings) == 0 || len(resp.Embeddings[0]) == 0 {
		return Embeddings{}, &ServiceError{Provider: "ollama", Status: 200, Err: fmt.Errorf("no embedding data returned")}
	}
	return Embeddings{Dense: resp.Embeddings[0]}, nil
}
