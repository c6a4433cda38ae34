package llm

import (
	"context"
	"log/slog"
	"strings"

	"github.com/eleven-am/conduit/internal/domain"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
)

type Config struct {
	BaseURL     string
	Token       string
	Model       string
	Temperature float64
}

// Client is the JSON-mode completion collaborator behind ports.Completer.
// It talks to any OpenAI-compatible endpoint.
type Client struct {
	model       llms.Model
	temperature float64
	logger      *slog.Logger
}

func New(cfg Config, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	token := cfg.Token
	if token == "" {
		// Local OpenAI-compatible services accept any token.
		token = "none"
	}

	model, err := openai.New(
		openai.WithBaseURL(cfg.BaseURL),
		openai.WithToken(token),
		openai.WithModel(cfg.Model),
	)
	if err != nil {
		return nil, domain.NewInternalError("failed to create llm client", err)
	}

	return &Client{
		model:       model,
		temperature: cfg.Temperature,
		logger:      logger.With("component", "llm", "model", cfg.Model),
	}, nil
}

// Complete sends the prompt expecting a JSON response and returns the raw
// completion text with markdown code fences stripped. JSON validity is the
// caller's concern; transport failures surface as Transient errors.
func (c *Client) Complete(ctx context.Context, prompt string) (string, error) {
	content := []llms.MessageContent{
		{
			Role:  llms.ChatMessageTypeHuman,
			Parts: []llms.ContentPart{llms.TextPart(prompt)},
		},
	}

	response, err := c.model.GenerateContent(ctx, content,
		llms.WithTemperature(c.temperature),
		llms.WithJSONMode(),
	)
	if err != nil {
		return "", domain.NewTransientError("llm completion failed", err)
	}

	if len(response.Choices) < 1 {
		return "", domain.NewMalformedResponseError("llm returned no choices", "")
	}

	return stripFences(response.Choices[0].Content), nil
}

// stripFences removes markdown code fences some models wrap JSON in even
// under JSON mode.
func stripFences(text string) string {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	return strings.TrimSpace(text)
}
