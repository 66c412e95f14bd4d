package tools

import (
	"context"

	"github.com/modelrelay/modelrelay/pkg/protocol"
)

// Tool is one executable capability offered to the model.
type Tool interface {
	Name() string
	Description() string
	// Schema returns the JSON schema of the tool's arguments.
	Schema() map[string]any
	// Execute runs the tool. The result is stringified by the caller:
	// strings pass through raw, everything else is JSON encoded.
	Execute(ctx context.Context, args map[string]any) (any, error)
}

// Source provides a named group of tools, connecting lazily when
// first listed.
type Source interface {
	ID() string
	Tools(ctx context.Context) ([]Tool, error)
	Close() error
}

// Definition converts a tool into its wire declaration.
func Definition(t Tool) protocol.Tool {
	return protocol.Tool{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters:  t.Schema(),
	}
}
