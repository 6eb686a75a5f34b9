package generator

import (
	"context"
	"errors"
	"io"
	"math"
	"net/http"
	"time"

	"github.com/sashabaranov/go-openai"

	"ragpipe/internal/adapter/embedding"
	"ragpipe/internal/domain"
)

// Models lists the chat models the service accepts.
var Models = []string{"gpt-4.1-mini", "gpt-4", "gpt-3.5-turbo", "gpt-4-turbo"}

const DefaultModel = "gpt-4.1-mini"

// IsSupportedModel reports whether model is in Models.
func IsSupportedModel(model string) bool {
	for _, m := range Models {
		if m == model {
			return true
		}
	}
	return false
}

type Config struct {
	Model       string
	APIKey      string
	BaseURL     string
	Temperature float32
	MaxTokens   int
	Timeout     time.Duration
}

// OpenAIGenerator answers through the chat completions API.
type OpenAIGenerator struct {
	client *openai.Client
	cfg    Config
}

func New(cfg Config) (*OpenAIGenerator, error) {
	if cfg.APIKey == "" {
		return nil, &domain.ConfigurationError{Field: "generator.api_key", Reason: "required"}
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	clientCfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}

	return &OpenAIGenerator{client: openai.NewClientWithConfig(clientCfg), cfg: cfg}, nil
}

func (g *OpenAIGenerator) request(systemContext, userQuery string, stream bool) openai.ChatCompletionRequest {
	// Temperature is omitempty in the client; a literal zero would be dropped
	// and the API default applied instead.
	temperature := g.cfg.Temperature
	if temperature == 0 {
		temperature = math.SmallestNonzeroFloat32
	}
	return openai.ChatCompletionRequest{
		Model: g.cfg.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemContext},
			{Role: openai.ChatMessageRoleUser, Content: userQuery},
		},
		Temperature: temperature,
		MaxTokens:   g.cfg.MaxTokens,
		Stream:      stream,
	}
}

func (g *OpenAIGenerator) Complete(ctx context.Context, systemContext, userQuery string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	defer cancel()

	resp, err := g.client.CreateChatCompletion(ctx, g.request(systemContext, userQuery, false))
	if err != nil {
		return "", embedding.ClassifyError("complete", err)
	}
	if len(resp.Choices) == 0 {
		return "", &domain.ProviderError{Op: "complete", Err: errors.New("no choices returned")}
	}
	return resp.Choices[0].Message.Content, nil
}

// Stream calls emit with each content fragment as it arrives.
func (g *OpenAIGenerator) Stream(ctx context.Context, systemContext, userQuery string, emit func(string) error) error {
	ctx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	defer cancel()

	stream, err := g.client.CreateChatCompletionStream(ctx, g.request(systemContext, userQuery, true))
	if err != nil {
		return embedding.ClassifyError("stream", err)
	}
	defer stream.Close()

	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return embedding.ClassifyError("stream", err)
		}
		if len(resp.Choices) == 0 || resp.Choices[0].Delta.Content == "" {
			continue
		}
		if err := emit(resp.Choices[0].Delta.Content); err != nil {
			return err
		}
	}
}

func (g *OpenAIGenerator) ModelName() string {
	return g.cfg.Model
}
