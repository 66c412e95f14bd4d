package llms

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/modelrelay/modelrelay/pkg/protocol"
	"github.com/modelrelay/modelrelay/pkg/registry"
)

// metadataThoughtSignature is the metadata key carrying the provider's
// opaque thinking signature. It must survive the round-trip back into
// the next call byte for byte.
const metadataThoughtSignature = "thoughtSignature"

// anthropicCompat speaks the messages wire format.
type anthropicCompat struct {
	name string
}

func newAnthropicCompat(name string) *anthropicCompat {
	return &anthropicCompat{name: name}
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	Messages    []anthropicMessage `json:"messages"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature *float64           `json:"temperature,omitempty"`
	TopP        *float64           `json:"top_p,omitempty"`
	Stop        []string           `json:"stop_sequences,omitempty"`
	Stream      bool               `json:"stream"`
	System      string             `json:"system,omitempty"`
	Tools       []anthropicTool    `json:"tools,omitempty"`
	Thinking    *anthropicThinking `json:"thinking,omitempty"`
}

type anthropicThinking struct {
	Type         string `json:"type"`
	BudgetTokens int    `json:"budget_tokens"`
}

type anthropicTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

type anthropicMessage struct {
	Role    string             `json:"role"`
	Content []anthropicContent `json:"content"`
}

type anthropicContent struct {
	Type      string         `json:"type"`
	Text      string         `json:"text,omitempty"`
	ID        string         `json:"id,omitempty"`
	Name      string         `json:"name,omitempty"`
	Input     map[string]any `json:"input,omitempty"`
	ToolUseID string         `json:"tool_use_id,omitempty"`
	Content   string         `json:"content,omitempty"`
	Source    *anthropicBlob `json:"source,omitempty"`
	Thinking  string         `json:"thinking,omitempty"`
	Signature string         `json:"signature,omitempty"`
}

type anthropicBlob struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
	URL       string `json:"url,omitempty"`
	FileID    string `json:"file_id,omitempty"`
}

type anthropicResponse struct {
	ID         string             `json:"id"`
	Role       string             `json:"role"`
	Content    []anthropicContent `json:"content"`
	Model      string             `json:"model"`
	StopReason string             `json:"stop_reason"`
	Usage      anthropicUsage     `json:"usage"`
	Error      *anthropicError    `json:"error,omitempty"`
}

type anthropicStreamEvent struct {
	Type         string             `json:"type"`
	Index        int                `json:"index,omitempty"`
	Delta        *anthropicDelta    `json:"delta,omitempty"`
	ContentBlock *anthropicContent  `json:"content_block,omitempty"`
	Message      *anthropicResponse `json:"message,omitempty"`
	Usage        *anthropicUsage    `json:"usage,omitempty"`
	Error        *anthropicError    `json:"error,omitempty"`
}

type anthropicDelta struct {
	Type        string `json:"type"`
	Text        string `json:"text,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
	Thinking    string `json:"thinking,omitempty"`
	Signature   string `json:"signature,omitempty"`
	StopReason  string `json:"stop_reason,omitempty"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type anthropicError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func (c *anthropicCompat) Name() string                { return c.name }
func (c *anthropicCompat) Shape() registry.CompatShape { return registry.CompatShapeHTTP }

func (c *anthropicCompat) BuildPayload(req *Request, stream bool) (*Payload, error) {
	var systemParts []string
	messages := make([]anthropicMessage, 0, len(req.Messages))

	for _, msg := range req.Messages {
		switch msg.Role {
		case protocol.RoleSystem:
			if text := msg.TextContent(); text != "" {
				systemParts = append(systemParts, text)
			}

		case protocol.RoleTool:
			messages = append(messages, anthropicMessage{
				Role: "user",
				Content: []anthropicContent{{
					Type:      "tool_result",
					ToolUseID: msg.ToolCallID,
					Content:   toolResultText(msg),
				}},
			})

		default:
			contents, err := c.convertContent(msg)
			if err != nil {
				return nil, err
			}
			for _, tc := range msg.ToolCalls {
				input := tc.Arguments
				if input == nil {
					input = map[string]any{}
				}
				block := anthropicContent{
					Type:  "tool_use",
					ID:    tc.ID,
					Name:  tc.Name,
					Input: input,
				}
				// Thinking blocks must precede the tool_use they signed.
				if sig, ok := tc.Metadata[metadataThoughtSignature].(string); ok && sig != "" {
					contents = append(contents, anthropicContent{
						Type:      "thinking",
						Thinking:  msg.Reasoning,
						Signature: sig,
					})
				}
				contents = append(contents, block)
			}
			if len(contents) == 0 {
				continue
			}
			role := "user"
			if msg.Role == protocol.RoleAssistant {
				role = "assistant"
			}
			messages = append(messages, anthropicMessage{Role: role, Content: contents})
		}
	}

	maxTokens := req.Settings.MaxTokens
	if maxTokens == 0 {
		maxTokens = 4096
	}
	request := anthropicRequest{
		Model:       req.Model,
		Messages:    messages,
		MaxTokens:   maxTokens,
		Temperature: req.Settings.Temperature,
		TopP:        req.Settings.TopP,
		Stop:        req.Settings.Stop,
		Stream:      stream,
		System:      strings.Join(systemParts, "\n\n"),
	}
	if req.Settings.ReasoningBudget > 0 {
		request.Thinking = &anthropicThinking{
			Type:         "enabled",
			BudgetTokens: req.Settings.ReasoningBudget,
		}
	}
	for _, tool := range req.Tools {
		request.Tools = append(request.Tools, anthropicTool{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: tool.Parameters,
		})
	}

	body, err := marshalBody(request)
	if err != nil {
		return nil, err
	}

	headers := map[string]string{
		"Content-Type":      "application/json",
		"anthropic-version": "2023-06-01",
	}
	if req.Provider != nil && req.Provider.APIKey != "" {
		headers["x-api-key"] = req.Provider.APIKey
	}
	return &Payload{Path: "/v1/messages", Headers: headers, Body: body}, nil
}

func (c *anthropicCompat) convertContent(msg protocol.Message) ([]anthropicContent, error) {
	var out []anthropicContent
	for _, part := range msg.Content {
		switch part.Type {
		case protocol.ContentTypeText:
			out = append(out, anthropicContent{Type: "text", Text: part.Text})

		case protocol.ContentTypeImage:
			if part.Image == nil {
				return nil, protocol.NewError(protocol.ErrValidation, "image part missing source")
			}
			if part.Image.URL != "" {
				out = append(out, anthropicContent{Type: "image", Source: &anthropicBlob{Type: "url", URL: part.Image.URL}})
			} else {
				mime := part.Image.MimeType
				if mime == "" {
					mime = "image/jpeg"
				}
				out = append(out, anthropicContent{Type: "image", Source: &anthropicBlob{
					Type: "base64", MediaType: mime, Data: part.Image.Base64,
				}})
			}

		case protocol.ContentTypeDocument:
			doc := part.Document
			if doc == nil {
				return nil, protocol.NewError(protocol.ErrValidation, "document part missing source")
			}
			switch doc.Source {
			case protocol.DocumentSourceBase64:
				out = append(out, anthropicContent{Type: "document", Source: &anthropicBlob{
					Type: "base64", MediaType: doc.MimeType, Data: doc.Data,
				}})
			case protocol.DocumentSourceURL:
				out = append(out, anthropicContent{Type: "document", Source: &anthropicBlob{Type: "url", URL: doc.URL}})
			case protocol.DocumentSourceFileID:
				out = append(out, anthropicContent{Type: "document", Source: &anthropicBlob{Type: "file", FileID: doc.FileID}})
			default:
				return nil, protocol.NewError(protocol.ErrValidation, "unknown document source %q", doc.Source)
			}

		case protocol.ContentTypeToolResult:
			out = append(out, anthropicContent{Type: "text", Text: stringifyToolResult(part.ToolResult)})
		}
	}
	return out, nil
}

func (c *anthropicCompat) ParseResponse(raw []byte, req *Request) (*protocol.Response, error) {
	var resp anthropicResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, protocol.WrapError(protocol.ErrMalformedResponse, err, "failed to decode messages response")
	}
	if resp.Error != nil {
		return nil, protocol.NewError(protocol.ErrInternal, "provider error: %s", resp.Error.Message)
	}

	out := &protocol.Response{
		Provider:     c.name,
		Model:        req.Model,
		Role:         protocol.RoleAssistant,
		FinishReason: resp.StopReason,
		Raw:          raw,
		Usage: &protocol.Usage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
	}

	var signature string
	for _, content := range resp.Content {
		switch content.Type {
		case "text":
			out.Content = append(out.Content, protocol.TextPart(content.Text))
		case "thinking":
			out.Reasoning += content.Thinking
			signature = content.Signature
		case "tool_use":
			tc := protocol.ToolCall{
				ID:        content.ID,
				Name:      content.Name,
				Arguments: content.Input,
			}
			if signature != "" {
				tc.Metadata = map[string]any{metadataThoughtSignature: signature}
			}
			out.ToolCalls = append(out.ToolCalls, tc)
		}
	}
	return out, nil
}

// ParseStreamChunk maps messages stream events onto the normalized
// tool-call protocol. Content block indexes serve as call ids; the
// provider tool-use id rides in start metadata.
func (c *anthropicCompat) ParseStreamChunk(raw []byte) (*ParsedChunk, error) {
	var ev anthropicStreamEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, protocol.WrapError(protocol.ErrMalformedResponse, err, "failed to decode stream event")
	}
	if ev.Error != nil {
		return nil, protocol.NewError(protocol.ErrInternal, "provider error: %s", ev.Error.Message)
	}

	chunk := &ParsedChunk{}
	callID := strconv.Itoa(ev.Index)

	switch ev.Type {
	case "content_block_start":
		if ev.ContentBlock != nil && ev.ContentBlock.Type == "tool_use" {
			chunk.ToolEvents = append(chunk.ToolEvents, protocol.ToolCallEvent{
				Type:     protocol.ToolCallStart,
				CallID:   callID,
				Name:     ev.ContentBlock.Name,
				Metadata: map[string]any{"providerCallId": ev.ContentBlock.ID},
			})
		}

	case "content_block_delta":
		if ev.Delta == nil {
			break
		}
		switch ev.Delta.Type {
		case "text_delta":
			chunk.Text = ev.Delta.Text
		case "thinking_delta":
			chunk.Reasoning = ev.Delta.Thinking
		case "signature_delta":
			// The signature arrives on the thinking block, not the
			// tool_use block; surface it as message-level metadata so
			// it attaches to the tool calls that follow.
			if ev.Delta.Signature != "" {
				chunk.Metadata = map[string]any{metadataThoughtSignature: ev.Delta.Signature}
			}
		case "input_json_delta":
			chunk.ToolEvents = append(chunk.ToolEvents, protocol.ToolCallEvent{
				Type:           protocol.ToolCallArgumentsDelta,
				CallID:         callID,
				ArgumentsDelta: ev.Delta.PartialJSON,
			})
		}

	case "content_block_stop":
		chunk.ToolEvents = append(chunk.ToolEvents, protocol.ToolCallEvent{
			Type:   protocol.ToolCallEnd,
			CallID: callID,
		})

	case "message_delta":
		if ev.Usage != nil {
			chunk.Usage = &protocol.Usage{
				CompletionTokens: ev.Usage.OutputTokens,
				TotalTokens:      ev.Usage.OutputTokens,
			}
		}
		if ev.Delta != nil && ev.Delta.StopReason != "" {
			chunk.FinishReason = ev.Delta.StopReason
			if ev.Delta.StopReason == "tool_use" {
				chunk.FinishedWithToolCalls = true
			}
		}
	}
	return chunk, nil
}

func (c *anthropicCompat) StreamingFlags() StreamingFlags {
	// The messages stream ends with a message_stop event, not a marker.
	return StreamingFlags{DataPrefix: "data: "}
}

func (c *anthropicCompat) ApplyProviderExtensions(payload *Payload, opts map[string]any) error {
	return mergePayloadExtensions(payload, opts)
}

func (c *anthropicCompat) CallSDK(ctx context.Context, req *Request) (*protocol.Response, error) {
	return nil, shapeError(c.name, "callSDK", registry.CompatShapeHTTP)
}

func (c *anthropicCompat) StreamSDK(ctx context.Context, req *Request) (<-chan *ParsedChunk, error) {
	return nil, shapeError(c.name, "streamSDK", registry.CompatShapeHTTP)
}
