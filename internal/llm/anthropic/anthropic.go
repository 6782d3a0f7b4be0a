// Package anthropic implements llm.Generator on the Anthropic Messages API.
package anthropic

import (
	"context"
	"fmt"
	"strings"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.uber.org/zap"

	"github.com/cory-johannsen/storyweave/internal/llm"
)

// Config selects the model and sampling parameters.
type Config struct {
	APIKey      string
	BaseURL     string
	Model       string
	MaxTokens   int64
	Temperature float64
}

// Generator streams a message from the Anthropic API and returns the
// accumulated text once the stream completes.
type Generator struct {
	client sdk.Client
	cfg    Config
	logger *zap.Logger
}

// New creates a Generator.
//
// Precondition: cfg.Model must be non-empty; cfg.MaxTokens must be > 0.
// Extra request options are applied after the ones derived from cfg.
func New(cfg Config, logger *zap.Logger, extra ...option.RequestOption) *Generator {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	opts = append(opts, extra...)
	return &Generator{
		client: sdk.NewClient(opts...),
		cfg:    cfg,
		logger: logger.Named("anthropic"),
	}
}

// Generate implements llm.Generator.
//
// Postcondition: Returns non-empty text, or an error wrapping llm.ErrGenerationFailed.
func (g *Generator) Generate(ctx context.Context, req llm.Request) (string, error) {
	start := time.Now()
	params := sdk.MessageNewParams{
		Model:       sdk.Model(g.cfg.Model),
		MaxTokens:   g.cfg.MaxTokens,
		Messages:    buildMessages(req),
		Temperature: sdk.Float(g.cfg.Temperature),
	}
	if req.System != "" {
		params.System = []sdk.TextBlockParam{{Text: req.System}}
	}

	stream := g.client.Messages.NewStreaming(ctx, params)
	defer stream.Close()

	message := sdk.Message{}
	for stream.Next() {
		if err := message.Accumulate(stream.Current()); err != nil {
			return "", fmt.Errorf("%w: accumulating stream: %v", llm.ErrGenerationFailed, err)
		}
	}
	if err := stream.Err(); err != nil {
		return "", fmt.Errorf("%w: %v", llm.ErrGenerationFailed, err)
	}

	var sb strings.Builder
	for _, block := range message.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	text := strings.TrimSpace(sb.String())
	if text == "" {
		return "", fmt.Errorf("%w: empty response", llm.ErrGenerationFailed)
	}

	g.logger.Debug("generation complete",
		zap.String("model", g.cfg.Model),
		zap.Int64("input_tokens", message.Usage.InputTokens),
		zap.Int64("output_tokens", message.Usage.OutputTokens),
		zap.Duration("elapsed", time.Since(start)),
	)
	return text, nil
}

func buildMessages(req llm.Request) []sdk.MessageParam {
	msgs := make([]sdk.MessageParam, 0, len(req.History)+1)
	for _, m := range req.History {
		block := sdk.NewTextBlock(m.Content)
		if m.Role == llm.RoleAssistant {
			msgs = append(msgs, sdk.NewAssistantMessage(block))
		} else {
			msgs = append(msgs, sdk.NewUserMessage(block))
		}
	}
	return append(msgs, sdk.NewUserMessage(sdk.NewTextBlock(req.Input)))
}
