package embedding

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sashabaranov/go-openai"

	"ragpipe/internal/domain"
)

// maxBatch is the largest input list sent in one embeddings request.
const maxBatch = 100

// OpenAIEmbedder embeds text through any OpenAI-compatible embeddings API.
type OpenAIEmbedder struct {
	client  *openai.Client
	model   string
	timeout time.Duration
}

// NewOpenAIEmbedder builds an embedder from cfg. The API key and base URL are
// plain configuration; no environment lookups happen here.
func NewOpenAIEmbedder(cfg Config) (*OpenAIEmbedder, error) {
	if cfg.Model == "" {
		return nil, &domain.ConfigurationError{Field: "embedding.model", Reason: "required"}
	}
	if cfg.APIKey == "" && cfg.Provider != ProviderOllama {
		return nil, &domain.ConfigurationError{Field: "embedding.api_key", Reason: "required for provider " + cfg.Provider}
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = "ollama"
	}
	clientCfg := openai.DefaultConfig(apiKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	clientCfg.HTTPClient = &http.Client{Timeout: timeout}

	return &OpenAIEmbedder{
		client:  openai.NewClientWithConfig(clientCfg),
		model:   cfg.Model,
		timeout: timeout,
	}, nil
}

func (e *OpenAIEmbedder) EmbedOne(ctx context.Context, text string) ([]float32, error) {
	vectors, err := e.EmbedMany(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// EmbedMany splits texts into requests of at most maxBatch inputs and returns
// the vectors in input order.
func (e *OpenAIEmbedder) EmbedMany(ctx context.Context, texts []string) ([][]float32, error) {
	all := make([][]float32, 0, len(texts))

	for i := 0; i < len(texts); i += maxBatch {
		end := i + maxBatch
		if end > len(texts) {
			end = len(texts)
		}

		vectors, err := e.embedBatch(ctx, texts[i:end])
		if err != nil {
			return nil, err
		}
		all = append(all, vectors...)
	}

	return all, nil
}

func (e *OpenAIEmbedder) embedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: texts,
		Model: openai.EmbeddingModel(e.model),
	})
	if err != nil {
		return nil, ClassifyError("embed", err)
	}

	if len(resp.Data) != len(texts) {
		return nil, &domain.ProviderError{
			Op:  "embed",
			Err: fmt.Errorf("expected %d embeddings, got %d", len(texts), len(resp.Data)),
		}
	}

	// the API may answer out of order; place each vector by its index
	vectors := make([][]float32, len(texts))
	for _, data := range resp.Data {
		if data.Index < 0 || data.Index >= len(vectors) {
			return nil, &domain.ProviderError{Op: "embed", Err: fmt.Errorf("embedding index %d out of range", data.Index)}
		}
		vectors[data.Index] = data.Embedding
	}
	for i, v := range vectors {
		if len(v) == 0 {
			return nil, &domain.ProviderError{Op: "embed", Err: fmt.Errorf("missing embedding for input %d", i)}
		}
	}

	return vectors, nil
}

func (e *OpenAIEmbedder) ModelName() string {
	return e.model
}

// ClassifyError maps a go-openai client error onto the domain error types.
func ClassifyError(op string, err error) error {
	status := 0
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.HTTPStatusCode
	case errors.As(err, &reqErr):
		status = reqErr.HTTPStatusCode
	}

	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return &domain.AuthError{Err: err}
	case http.StatusTooManyRequests:
		return &domain.RateLimitError{Err: err}
	}
	return &domain.ProviderError{Op: op, StatusCode: status, Err: err}
}
