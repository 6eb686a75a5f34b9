package usecase

import (
	"bytes"
	"context"
	"embed"
	"text/template"

	"go.uber.org/zap"

	"ragpipe/internal/domain"
	"ragpipe/internal/port"
)

//go:embed templates/*.txt
var promptTemplates embed.FS

var systemPrompt = template.Must(template.ParseFS(promptTemplates, "templates/system_prompt.txt"))

// ChatRequest is a query plus optional caller instructions that are placed
// ahead of the retrieved context in the system message.
type ChatRequest struct {
	Query        domain.Query
	Instructions string
}

// ChatUseCase retrieves context and hands it to a generator.
type ChatUseCase struct {
	retrieve *RetrieveUseCase
	logger   *zap.Logger
}

func NewChatUseCase(retrieve *RetrieveUseCase, logger *zap.Logger) *ChatUseCase {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ChatUseCase{retrieve: retrieve, logger: logger}
}

// Ask answers req with gen. The generator is never called when no context
// matched; the returned Answer then has an empty Text.
func (u *ChatUseCase) Ask(ctx context.Context, idx port.VectorIndex, gen port.Generator, req ChatRequest) (*domain.Answer, error) {
	rc, err := u.retrieve.Answer(ctx, idx, req.Query)
	if err != nil {
		return nil, err
	}

	answer := &domain.Answer{Query: req.Query.Text, Model: gen.ModelName(), Context: *rc}
	if !rc.Found {
		return answer, nil
	}

	system, err := RenderSystemPrompt(req.Instructions, rc.Block)
	if err != nil {
		return nil, err
	}

	text, err := gen.Complete(ctx, system, req.Query.Text)
	if err != nil {
		return nil, err
	}
	answer.Text = text
	return answer, nil
}

// Stream is Ask with fragment delivery. When no context matched, gen is not
// called and the returned context has Found == false.
func (u *ChatUseCase) Stream(ctx context.Context, idx port.VectorIndex, gen port.StreamingGenerator, req ChatRequest, emit func(string) error) (*domain.RetrievedContext, error) {
	rc, err := u.retrieve.Answer(ctx, idx, req.Query)
	if err != nil {
		return nil, err
	}
	if !rc.Found {
		return rc, nil
	}

	system, err := RenderSystemPrompt(req.Instructions, rc.Block)
	if err != nil {
		return nil, err
	}

	u.logger.Debug("streaming answer", zap.String("model", gen.ModelName()), zap.Int("hits", len(rc.Hits)))
	return rc, gen.Stream(ctx, system, req.Query.Text, emit)
}

// RenderSystemPrompt builds the system message from instructions and a
// context block.
func RenderSystemPrompt(instructions, contextBlock string) (string, error) {
	var buf bytes.Buffer
	err := systemPrompt.Execute(&buf, struct {
		Instructions string
		Context      string
	}{instructions, contextBlock})
	if err != nil {
		return "", err
	}
	return buf.String(), nil
}
