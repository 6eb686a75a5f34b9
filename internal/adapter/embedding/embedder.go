package embedding

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"ragpipe/internal/domain"
	"ragpipe/internal/port"
	"ragpipe/internal/retry"
)

const (
	ProviderOpenAI = "openai"
	ProviderOllama = "ollama"
	ProviderMock   = "mock"
)

const defaultOllamaURL = "http://localhost:11434/v1"

// Config selects and parameterizes an embedding provider. Credentials are
// data: callers needing another key build a new embedder from a copy.
type Config struct {
	Provider  string
	Model     string
	APIKey    string
	BaseURL   string
	Timeout   time.Duration
	Dimension int // mock only
}

// New builds the embedder named by cfg.Provider.
func New(cfg Config) (port.Embedder, error) {
	switch cfg.Provider {
	case ProviderOpenAI, "":
		cfg.Provider = ProviderOpenAI
		return NewOpenAIEmbedder(cfg)
	case ProviderOllama:
		if cfg.BaseURL == "" {
			cfg.BaseURL = defaultOllamaURL
		}
		return NewOpenAIEmbedder(cfg)
	case ProviderMock:
		return NewMockEmbedder(cfg.Dimension), nil
	default:
		return nil, &domain.ConfigurationError{
			Field:  "embedding.provider",
			Reason: fmt.Sprintf("unsupported provider %q", cfg.Provider),
		}
	}
}

// RetryingEmbedder applies a retry policy to every call of the wrapped embedder.
type RetryingEmbedder struct {
	next   port.Embedder
	policy retry.Policy
	logger *zap.Logger
}

func WithRetry(next port.Embedder, policy retry.Policy, logger *zap.Logger) *RetryingEmbedder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RetryingEmbedder{next: next, policy: policy, logger: logger}
}

func (e *RetryingEmbedder) EmbedOne(ctx context.Context, text string) ([]float32, error) {
	var out []float32
	err := e.do(ctx, "embed_one", func(ctx context.Context) error {
		v, err := e.next.EmbedOne(ctx, text)
		out = v
		return err
	})
	return out, err
}

func (e *RetryingEmbedder) EmbedMany(ctx context.Context, texts []string) ([][]float32, error) {
	var out [][]float32
	err := e.do(ctx, "embed_many", func(ctx context.Context) error {
		v, err := e.next.EmbedMany(ctx, texts)
		out = v
		return err
	})
	return out, err
}

func (e *RetryingEmbedder) do(ctx context.Context, op string, fn func(context.Context) error) error {
	attempt := 0
	return retry.Do(ctx, e.policy, func(ctx context.Context) error {
		attempt++
		err := fn(ctx)
		if err != nil && domain.IsRetryable(err) {
			e.logger.Warn("embedding call failed",
				zap.String("op", op),
				zap.Int("attempt", attempt),
				zap.Error(err))
		}
		return err
	})
}

func (e *RetryingEmbedder) ModelName() string {
	return e.next.ModelName()
}
