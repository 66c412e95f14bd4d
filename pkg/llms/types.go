package llms

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/modelrelay/modelrelay/pkg/protocol"
	"github.com/modelrelay/modelrelay/pkg/registry"
)

// Request is one provider invocation.
type Request struct {
	Provider   *registry.ProviderManifest
	Model      string
	Settings   protocol.Settings
	Messages   []protocol.Message
	Tools      []protocol.Tool
	ToolChoice string
	// Extensions carries compat-manifest extensions applied to the
	// payload after it is built.
	Extensions map[string]any
}

// Payload is a built provider HTTP request.
type Payload struct {
	Path    string
	Headers map[string]string
	Body    json.RawMessage
}

// StreamingFlags describe how a compat's SSE stream is framed.
type StreamingFlags struct {
	// DataPrefix is the SSE field prefix, normally "data: ".
	DataPrefix string
	// DoneMarker terminates the stream when a data line equals it
	// exactly. Empty means the stream ends with EOF.
	DoneMarker string
}

// ParsedChunk is one normalized provider stream chunk.
type ParsedChunk struct {
	Text                  string
	Reasoning             string
	ToolEvents            []protocol.ToolCallEvent
	FinishedWithToolCalls bool
	Usage                 *protocol.Usage
	FinishReason          string
	// Metadata carries message-level opaque fields (e.g. thought
	// signatures) that attach to tool calls started afterwards.
	Metadata map[string]any
	// Err carries an asynchronous stream failure; terminal.
	Err error
}

// Compat is the provider-family strategy. Exactly one of the HTTP or
// SDK capability sets is functional per compat; calling the wrong set
// returns ErrShapeMismatch-wrapped errors.
type Compat interface {
	Name() string
	Shape() registry.CompatShape

	// HTTP shape.
	BuildPayload(req *Request, stream bool) (*Payload, error)
	ParseResponse(raw []byte, req *Request) (*protocol.Response, error)
	ParseStreamChunk(raw []byte) (*ParsedChunk, error)
	StreamingFlags() StreamingFlags
	ApplyProviderExtensions(payload *Payload, opts map[string]any) error

	// SDK shape.
	CallSDK(ctx context.Context, req *Request) (*protocol.Response, error)
	StreamSDK(ctx context.Context, req *Request) (<-chan *ParsedChunk, error)
}

// shapeError reports a capability called on the wrong compat variant.
func shapeError(compat string, method string, want registry.CompatShape) error {
	return protocol.NewError(protocol.ErrInternal,
		"%s is a %s compat; %s is not supported", compat, want, method)
}

// NewCompat constructs the named compat strategy.
func NewCompat(manifest *registry.CompatManifest) (Compat, error) {
	family := manifest.Family
	if family == "" {
		family = manifest.Name
	}
	switch family {
	case "chat_completions", "openai":
		return newOpenAICompat(manifest.Name), nil
	case "responses", "openai_responses":
		return newOpenAIResponsesCompat(manifest.Name), nil
	case "messages", "anthropic":
		return newAnthropicCompat(manifest.Name), nil
	case "genai", "gemini":
		return newGeminiCompat(manifest.Name), nil
	default:
		return nil, protocol.NewError(protocol.ErrManifest, "unknown compat family %q", family)
	}
}

// settingsTemperature returns the effective temperature or a default.
func settingsTemperature(s protocol.Settings, fallback float64) float64 {
	if s.Temperature != nil {
		return *s.Temperature
	}
	return fallback
}

func marshalBody(v any) (json.RawMessage, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request payload: %w", err)
	}
	return body, nil
}
