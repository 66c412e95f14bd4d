package embedders

import (
	"context"

	"github.com/modelrelay/modelrelay/pkg/protocol"
	"github.com/modelrelay/modelrelay/pkg/registry"
)

// Embedder turns texts into vectors for retrieval queries.
type Embedder interface {
	// Embed returns one vector per input text, in input order.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Model() string
	Dimensions() int
	Close() error
}

// New builds an embedder from its manifest.
func New(manifest *registry.EmbedderManifest) (Embedder, error) {
	switch manifest.Type {
	case "openai":
		return newOpenAIEmbedder(manifest)
	case "ollama":
		return newOllamaEmbedder(manifest)
	default:
		return nil, protocol.NewError(protocol.ErrManifest, "unknown embedder type %q", manifest.Type)
	}
}
