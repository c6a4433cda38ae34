package embedding

import (
	"context"
	"log/slog"

	"github.com/eleven-am/conduit/internal/domain"
	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/openai"
)

type Config struct {
	BaseURL  string
	Token    string
	Model    string
	Provider string
}

// Embedder wraps a langchaingo embedder and records the model and provider
// identity alongside every vector it produces.
type Embedder struct {
	embedder embeddings.Embedder
	model    string
	provider string
	logger   *slog.Logger
}

func New(cfg Config, logger *slog.Logger) (*Embedder, error) {
	if logger == nil {
		logger = slog.Default()
	}
	token := cfg.Token
	if token == "" {
		token = "none"
	}

	client, err := openai.New(
		openai.WithBaseURL(cfg.BaseURL),
		openai.WithToken(token),
		openai.WithEmbeddingModel(cfg.Model),
	)
	if err != nil {
		return nil, domain.NewInternalError("failed to create embedding client", err)
	}

	embedder, err := embeddings.NewEmbedder(client)
	if err != nil {
		return nil, domain.NewInternalError("failed to create embedder", err)
	}

	provider := cfg.Provider
	if provider == "" {
		provider = "openai"
	}

	return &Embedder{
		embedder: embedder,
		model:    cfg.Model,
		provider: provider,
		logger:   logger.With("component", "embedding", "model", cfg.Model),
	}, nil
}

func (e *Embedder) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	vectors, err := e.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		return nil, domain.NewTransientError("embedding request failed", err)
	}
	if len(vectors) != len(texts) {
		return nil, domain.NewMalformedResponseError("embedding count does not match input count", "")
	}
	return vectors, nil
}

func (e *Embedder) Model() string {
	return e.model
}

func (e *Embedder) Provider() string {
	return e.provider
}
