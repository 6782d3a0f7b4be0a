// Package openai implements llm.Generator on any OpenAI-compatible chat
// completion endpoint (OpenAI, Groq, local gateways).
package openai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	openaigo "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/cory-johannsen/storyweave/internal/llm"
)

// Config selects the endpoint, model and sampling parameters.
type Config struct {
	APIKey      string
	BaseURL     string
	Model       string
	MaxTokens   int
	Temperature float32
}

// Generator streams a chat completion and returns the concatenated deltas.
type Generator struct {
	client *openaigo.Client
	cfg    Config
	logger *zap.Logger
}

// New creates a Generator.
//
// Precondition: cfg.Model must be non-empty.
func New(cfg Config, logger *zap.Logger) *Generator {
	clientCfg := openaigo.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	return &Generator{
		client: openaigo.NewClientWithConfig(clientCfg),
		cfg:    cfg,
		logger: logger.Named("openai"),
	}
}

// Generate implements llm.Generator.
//
// Postcondition: Returns non-empty text, or an error wrapping llm.ErrGenerationFailed.
func (g *Generator) Generate(ctx context.Context, req llm.Request) (string, error) {
	start := time.Now()
	stream, err := g.client.CreateChatCompletionStream(ctx, openaigo.ChatCompletionRequest{
		Model:       g.cfg.Model,
		Messages:    buildMessages(req),
		MaxTokens:   g.cfg.MaxTokens,
		Temperature: g.cfg.Temperature,
		Stream:      true,
	})
	if err != nil {
		return "", fmt.Errorf("%w: creating stream: %v", llm.ErrGenerationFailed, err)
	}
	defer stream.Close()

	var sb strings.Builder
	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("%w: reading stream: %v", llm.ErrGenerationFailed, err)
		}
		if len(resp.Choices) > 0 {
			sb.WriteString(resp.Choices[0].Delta.Content)
		}
	}

	text := strings.TrimSpace(sb.String())
	if text == "" {
		return "", fmt.Errorf("%w: empty response", llm.ErrGenerationFailed)
	}
	g.logger.Debug("generation complete",
		zap.String("model", g.cfg.Model),
		zap.Int("chars", len(text)),
		zap.Duration("elapsed", time.Since(start)),
	)
	return text, nil
}

func buildMessages(req llm.Request) []openaigo.ChatCompletionMessage {
	msgs := make([]openaigo.ChatCompletionMessage, 0, len(req.History)+2)
	if req.System != "" {
		msgs = append(msgs, openaigo.ChatCompletionMessage{
			Role:    openaigo.ChatMessageRoleSystem,
			Content: req.System,
		})
	}
	for _, m := range req.History {
		role := openaigo.ChatMessageRoleUser
		if m.Role == llm.RoleAssistant {
			role = openaigo.ChatMessageRoleAssistant
		}
		msgs = append(msgs, openaigo.ChatCompletionMessage{Role: role, Content: m.Content})
	}
	return append(msgs, openaigo.ChatCompletionMessage{
		Role:    openaigo.ChatMessageRoleUser,
		Content: req.Input,
	})
}
