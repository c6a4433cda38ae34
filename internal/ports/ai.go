package ports

import "context"

// Completer is the black-box LLM collaborator: one prompt in, one
// JSON-conformant completion out. Transport and provider details stay
// behind the adapter.
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// Embedder computes vectors for texts and identifies the model and provider
// that produced them.
type Embedder interface {
	EmbedTexts(ctx context.Context, texts []string) ([][]float32, error)
	Model() string
	Provider() string
}
