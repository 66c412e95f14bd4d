package llms

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/modelrelay/modelrelay/pkg/protocol"
	"github.com/modelrelay/modelrelay/pkg/registry"
)

// openaiResponsesCompat speaks the responses wire format, the successor
// to chat completions. Tool calls are output items rather than message
// fields and streaming is event-typed rather than delta-typed.
type openaiResponsesCompat struct {
	name string
}

func newOpenAIResponsesCompat(name string) *openaiResponsesCompat {
	return &openaiResponsesCompat{name: name}
}

type responsesRequest struct {
	Model           string           `json:"model"`
	Input           []responsesInput `json:"input"`
	Instructions    string           `json:"instructions,omitempty"`
	MaxOutputTokens *int             `json:"max_output_tokens,omitempty"`
	Temperature     *float64         `json:"temperature,omitempty"`
	TopP            *float64         `json:"top_p,omitempty"`
	Stream          bool             `json:"stream"`
	Tools           []responsesTool  `json:"tools,omitempty"`
	ToolChoice      string           `json:"tool_choice,omitempty"`
}

type responsesInput struct {
	Type string `json:"type,omitempty"`
	Role string `json:"role,omitempty"`
	// Content holds message content items.
	Content []responsesContentItem `json:"content,omitempty"`
	// Function-call items.
	CallID    string `json:"call_id,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
	Output    string `json:"output,omitempty"`
}

type responsesContentItem struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	ImageURL string `json:"image_url,omitempty"`
	FileID   string `json:"file_id,omitempty"`
	FileURL  string `json:"file_url,omitempty"`
	Filename string `json:"filename,omitempty"`
	FileData string `json:"file_data,omitempty"`
}

type responsesTool struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters"`
}

type responsesResponse struct {
	Output []responsesOutputItem `json:"output"`
	Usage  *responsesUsage       `json:"usage,omitempty"`
	Status string                `json:"status,omitempty"`
	Error  *openaiError          `json:"error,omitempty"`
}

type responsesOutputItem struct {
	Type      string                 `json:"type"`
	Role      string                 `json:"role,omitempty"`
	Content   []responsesContentItem `json:"content,omitempty"`
	ID        string                 `json:"id,omitempty"`
	CallID    string                 `json:"call_id,omitempty"`
	Name      string                 `json:"name,omitempty"`
	Arguments string                 `json:"arguments,omitempty"`
	// Summary carries reasoning item text.
	Summary []responsesContentItem `json:"summary,omitempty"`
}

type responsesUsage struct {
	InputTokens         int `json:"input_tokens"`
	OutputTokens        int `json:"output_tokens"`
	TotalTokens         int `json:"total_tokens"`
	OutputTokensDetails struct {
		ReasoningTokens int `json:"reasoning_tokens"`
	} `json:"output_tokens_details"`
}

type responsesStreamEvent struct {
	Type     string               `json:"type"`
	Delta    string               `json:"delta,omitempty"`
	Item     *responsesOutputItem `json:"item,omitempty"`
	Response *responsesResponse   `json:"response,omitempty"`
}

func (c *openaiResponsesCompat) Name() string                { return c.name }
func (c *openaiResponsesCompat) Shape() registry.CompatShape { return registry.CompatShapeHTTP }

func (c *openaiResponsesCompat) BuildPayload(req *Request, stream bool) (*Payload, error) {
	var instructions string
	var input []responsesInput

	for _, msg := range req.Messages {
		switch msg.Role {
		case protocol.RoleSystem:
			if instructions != "" {
				instructions += "\n\n"
			}
			instructions += msg.TextContent()
		case protocol.RoleTool:
			input = append(input, responsesInput{
				Type:   "function_call_output",
				CallID: msg.ToolCallID,
				Output: toolResultText(msg),
			})
		default:
			items, err := c.convertContent(msg)
			if err != nil {
				return nil, err
			}
			if len(items) > 0 {
				input = append(input, responsesInput{
					Role:    string(msg.Role),
					Content: items,
				})
			}
			// Assistant tool calls replay as function_call items so
			// the model sees its own prior invocations.
			for _, tc := range msg.ToolCalls {
				argsJSON, _ := json.Marshal(tc.Arguments)
				input = append(input, responsesInput{
					Type:      "function_call",
					CallID:    tc.ID,
					Name:      tc.Name,
					Arguments: string(argsJSON),
				})
			}
		}
	}

	request := responsesRequest{
		Model:        req.Model,
		Input:        input,
		Instructions: instructions,
		Temperature:  req.Settings.Temperature,
		TopP:         req.Settings.TopP,
		Stream:       stream,
	}
	if req.Settings.MaxTokens > 0 {
		maxTokens := req.Settings.MaxTokens
		request.MaxOutputTokens = &maxTokens
	}
	if len(req.Tools) > 0 {
		request.Tools = make([]responsesTool, len(req.Tools))
		for i, tool := range req.Tools {
			request.Tools[i] = responsesTool{
				Type:        "function",
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.Parameters,
			}
		}
		request.ToolChoice = req.ToolChoice
		if request.ToolChoice == "" {
			request.ToolChoice = "auto"
		}
	}

	body, err := marshalBody(request)
	if err != nil {
		return nil, err
	}

	headers := map[string]string{"Content-Type": "application/json"}
	if req.Provider != nil && req.Provider.APIKey != "" {
		headers["Authorization"] = "Bearer " + req.Provider.APIKey
	}
	return &Payload{Path: "/responses", Headers: headers, Body: body}, nil
}

func (c *openaiResponsesCompat) convertContent(msg protocol.Message) ([]responsesContentItem, error) {
	// Responses distinguishes input and output content types by role.
	textType := "input_text"
	imageType := "input_image"
	if msg.Role == protocol.RoleAssistant {
		textType = "output_text"
	}

	var items []responsesContentItem
	for _, part := range msg.Content {
		switch part.Type {
		case protocol.ContentTypeText:
			items = append(items, responsesContentItem{Type: textType, Text: part.Text})
		case protocol.ContentTypeImage:
			if part.Image == nil {
				return nil, protocol.NewError(protocol.ErrValidation, "image part missing source")
			}
			url := part.Image.URL
			if url == "" && part.Image.Base64 != "" {
				mime := part.Image.MimeType
				if mime == "" {
					mime = "image/jpeg"
				}
				url = fmt.Sprintf("data:%s;base64,%s", mime, part.Image.Base64)
			}
			items = append(items, responsesContentItem{Type: imageType, ImageURL: url})
		case protocol.ContentTypeDocument:
			item, err := c.convertDocument(part.Document)
			if err != nil {
				return nil, err
			}
			items = append(items, item)
		case protocol.ContentTypeToolResult:
			items = append(items, responsesContentItem{Type: textType, Text: stringifyToolResult(part.ToolResult)})
		}
	}
	return items, nil
}

func (c *openaiResponsesCompat) convertDocument(doc *protocol.DocumentSource) (responsesContentItem, error) {
	if doc == nil {
		return responsesContentItem{}, protocol.NewError(protocol.ErrValidation, "document part missing source")
	}
	switch doc.Source {
	case protocol.DocumentSourceBase64:
		return responsesContentItem{
			Type:     "input_file",
			Filename: doc.Filename,
			FileData: fmt.Sprintf("data:%s;base64,%s", doc.MimeType, doc.Data),
		}, nil
	case protocol.DocumentSourceFileID:
		return responsesContentItem{Type: "input_file", FileID: doc.FileID}, nil
	case protocol.DocumentSourceURL:
		// Unlike chat completions, the responses API fetches file URLs
		// server side.
		return responsesContentItem{Type: "input_file", FileURL: doc.URL}, nil
	default:
		return responsesContentItem{}, protocol.NewError(protocol.ErrValidation, "unknown document source %q", doc.Source)
	}
}

func (c *openaiResponsesCompat) ParseResponse(raw []byte, req *Request) (*protocol.Response, error) {
	var resp responsesResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, protocol.WrapError(protocol.ErrMalformedResponse, err, "failed to decode responses payload")
	}
	if resp.Error != nil {
		return nil, protocol.NewError(protocol.ErrInternal, "provider error: %s", resp.Error.Message)
	}
	if len(resp.Output) == 0 {
		return nil, protocol.NewError(protocol.ErrMalformedResponse, "response has no output items")
	}

	out := &protocol.Response{
		Provider:     c.name,
		Model:        req.Model,
		Role:         protocol.RoleAssistant,
		FinishReason: resp.Status,
		Raw:          raw,
	}
	for _, item := range resp.Output {
		switch item.Type {
		case "message":
			for _, content := range item.Content {
				if content.Type == "output_text" && content.Text != "" {
					out.Content = append(out.Content, protocol.TextPart(content.Text))
				}
			}
		case "function_call":
			var args map[string]any
			if item.Arguments != "" {
				if err := json.Unmarshal([]byte(item.Arguments), &args); err != nil {
					return nil, protocol.WrapError(protocol.ErrMalformedResponse, err,
						"failed to parse function call arguments for %s", item.Name)
				}
			}
			out.ToolCalls = append(out.ToolCalls, protocol.ToolCall{
				ID:        item.CallID,
				Name:      item.Name,
				Arguments: args,
			})
		case "reasoning":
			for _, s := range item.Summary {
				out.Reasoning += s.Text
			}
		}
	}
	if resp.Usage != nil {
		out.Usage = &protocol.Usage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.TotalTokens,
			ReasoningTokens:  resp.Usage.OutputTokensDetails.ReasoningTokens,
		}
	}
	if len(out.ToolCalls) > 0 && out.FinishReason == "" {
		out.FinishReason = "tool_calls"
	}
	return out, nil
}

func (c *openaiResponsesCompat) ParseStreamChunk(raw []byte) (*ParsedChunk, error) {
	var ev responsesStreamEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, protocol.WrapError(protocol.ErrMalformedResponse, err, "failed to decode stream event")
	}

	chunk := &ParsedChunk{}
	switch ev.Type {
	case "response.output_text.delta":
		chunk.Text = ev.Delta

	case "response.reasoning_summary_text.delta":
		chunk.Reasoning = ev.Delta

	case "response.output_item.added":
		if ev.Item != nil && ev.Item.Type == "function_call" {
			chunk.ToolEvents = append(chunk.ToolEvents, protocol.ToolCallEvent{
				Type:   protocol.ToolCallStart,
				CallID: ev.Item.CallID,
				Name:   ev.Item.Name,
			})
		}

	case "response.function_call_arguments.delta":
		if ev.Item != nil {
			chunk.ToolEvents = append(chunk.ToolEvents, protocol.ToolCallEvent{
				Type:           protocol.ToolCallArgumentsDelta,
				CallID:         ev.Item.CallID,
				ArgumentsDelta: ev.Delta,
			})
		} else {
			chunk.ToolEvents = append(chunk.ToolEvents, protocol.ToolCallEvent{
				Type:           protocol.ToolCallArgumentsDelta,
				ArgumentsDelta: ev.Delta,
			})
		}

	case "response.output_item.done":
		if ev.Item != nil && ev.Item.Type == "function_call" {
			var args map[string]any
			if ev.Item.Arguments != "" {
				_ = json.Unmarshal([]byte(ev.Item.Arguments), &args)
			}
			chunk.ToolEvents = append(chunk.ToolEvents, protocol.ToolCallEvent{
				Type:      protocol.ToolCallEnd,
				CallID:    ev.Item.CallID,
				Name:      ev.Item.Name,
				Arguments: args,
			})
		}

	case "response.completed":
		if ev.Response != nil {
			if ev.Response.Usage != nil {
				chunk.Usage = &protocol.Usage{
					PromptTokens:     ev.Response.Usage.InputTokens,
					CompletionTokens: ev.Response.Usage.OutputTokens,
					TotalTokens:      ev.Response.Usage.TotalTokens,
					ReasoningTokens:  ev.Response.Usage.OutputTokensDetails.ReasoningTokens,
				}
			}
			for _, item := range ev.Response.Output {
				if item.Type == "function_call" {
					chunk.FinishedWithToolCalls = true
					break
				}
			}
		}
		chunk.FinishReason = "completed"

	case "response.failed", "error":
		return nil, protocol.NewError(protocol.ErrInternal, "provider reported stream failure")
	}
	return chunk, nil
}

func (c *openaiResponsesCompat) StreamingFlags() StreamingFlags {
	return StreamingFlags{DataPrefix: "data: ", DoneMarker: "[DONE]"}
}

func (c *openaiResponsesCompat) ApplyProviderExtensions(payload *Payload, opts map[string]any) error {
	return mergePayloadExtensions(payload, opts)
}

func (c *openaiResponsesCompat) CallSDK(ctx context.Context, req *Request) (*protocol.Response, error) {
	return nil, shapeError(c.name, "callSDK", registry.CompatShapeHTTP)
}

func (c *openaiResponsesCompat) StreamSDK(ctx context.Context, req *Request) (<-chan *ParsedChunk, error) {
	return nil, shapeError(c.name, "streamSDK", registry.CompatShapeHTTP)
}
