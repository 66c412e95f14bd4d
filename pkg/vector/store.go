package vector

import (
	"context"

	"github.com/modelrelay/modelrelay/pkg/protocol"
	"github.com/modelrelay/modelrelay/pkg/registry"
)

// Result is one retrieval hit.
type Result struct {
	ID      string         `json:"id"`
	Score   float32        `json:"score"`
	Content string         `json:"content,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
	Vector  []float32      `json:"vector,omitempty"`
}

// QueryOptions refine a similarity query.
type QueryOptions struct {
	// Filter matches payload fields exactly.
	Filter map[string]any
	// IncludeVector returns stored vectors alongside payloads.
	IncludeVector bool
}

// Store is a similarity-search backend.
type Store interface {
	// ID returns the manifest identifier of this store.
	ID() string
	// Query returns up to topK hits ordered by descending score.
	Query(ctx context.Context, collection string, vector []float32, topK int, opts QueryOptions) ([]Result, error)
	// DefaultCollection returns the manifest's collection, if any.
	DefaultCollection() string
	Close() error
}

// New builds a store from its manifest.
func New(manifest *registry.VectorStoreManifest) (Store, error) {
	switch manifest.Type {
	case "qdrant":
		return newQdrantStore(manifest)
	case "chromem":
		return newChromemStore(manifest)
	case "pinecone":
		return newPineconeStore(manifest)
	default:
		return nil, protocol.NewError(protocol.ErrManifest, "unknown vector store type %q", manifest.Type)
	}
}

// contentFromPayload pulls the conventional content field out of a hit
// payload.
func contentFromPayload(payload map[string]any) string {
	if content, ok := payload["content"].(string); ok {
		return content
	}
	return ""
}
