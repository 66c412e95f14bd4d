package llms

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/modelrelay/modelrelay/pkg/protocol"
	"github.com/modelrelay/modelrelay/pkg/registry"
)

// openaiCompat speaks the chat-completions wire format. It also covers
// OpenAI-compatible backends (together, groq, local gateways) that
// accept the same payloads.
type openaiCompat struct {
	name string
}

func newOpenAICompat(name string) *openaiCompat {
	return &openaiCompat{name: name}
}

type openaiRequest struct {
	Model               string          `json:"model"`
	Messages            []openaiMessage `json:"messages"`
	MaxTokens           *int            `json:"max_tokens,omitempty"`
	MaxCompletionTokens *int            `json:"max_completion_tokens,omitempty"`
	Temperature         float64         `json:"temperature"`
	TopP                *float64        `json:"top_p,omitempty"`
	Stop                []string        `json:"stop,omitempty"`
	Stream              bool            `json:"stream"`
	Tools               []openaiTool    `json:"tools,omitempty"`
	ToolChoice          string          `json:"tool_choice,omitempty"`
	ReasoningEffort     string          `json:"reasoning_effort,omitempty"`
}

type openaiMessage struct {
	Role       string           `json:"role"`
	Content    any              `json:"content"` // string or []openaiContentPart
	ToolCalls  []openaiToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

type openaiContentPart struct {
	Type     string          `json:"type"`
	Text     string          `json:"text,omitempty"`
	ImageURL *openaiImageURL `json:"image_url,omitempty"`
	File     *openaiFilePart `json:"file,omitempty"`
}

type openaiImageURL struct {
	URL string `json:"url"`
}

type openaiFilePart struct {
	FileID   string `json:"file_id,omitempty"`
	Filename string `json:"filename,omitempty"`
	FileData string `json:"file_data,omitempty"`
}

type openaiTool struct {
	Type     string             `json:"type"`
	Function openaiToolFunction `json:"function"`
}

type openaiToolFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

type openaiToolCall struct {
	Index    *int               `json:"index,omitempty"`
	ID       string             `json:"id,omitempty"`
	Type     string             `json:"type,omitempty"`
	Function openaiFunctionCall `json:"function"`
}

type openaiFunctionCall struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

type openaiResponse struct {
	Choices []openaiChoice `json:"choices"`
	Usage   *openaiUsage   `json:"usage,omitempty"`
	Error   *openaiError   `json:"error,omitempty"`
}

type openaiChoice struct {
	Message      openaiMessage `json:"message"`
	FinishReason string        `json:"finish_reason"`
}

type openaiStreamResponse struct {
	Choices []openaiStreamChoice `json:"choices"`
	Usage   *openaiUsage         `json:"usage,omitempty"`
	Error   *openaiError         `json:"error,omitempty"`
}

type openaiStreamChoice struct {
	Delta        openaiDelta `json:"delta"`
	FinishReason string      `json:"finish_reason"`
}

type openaiDelta struct {
	Content   string           `json:"content,omitempty"`
	ToolCalls []openaiToolCall `json:"tool_calls,omitempty"`
	Reasoning string           `json:"reasoning,omitempty"`
}

type openaiUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type openaiError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code"`
}

func (c *openaiCompat) Name() string                { return c.name }
func (c *openaiCompat) Shape() registry.CompatShape { return registry.CompatShapeHTTP }

func (c *openaiCompat) BuildPayload(req *Request, stream bool) (*Payload, error) {
	messages, err := c.convertMessages(req.Messages)
	if err != nil {
		return nil, err
	}

	isReasoning := isOpenAIReasoningModel(req.Model)
	temperature := settingsTemperature(req.Settings, 0.7)
	if isReasoning {
		// Reasoning models only accept the default temperature.
		temperature = 1.0
	}

	request := openaiRequest{
		Model:       req.Model,
		Messages:    messages,
		Temperature: temperature,
		TopP:        req.Settings.TopP,
		Stop:        req.Settings.Stop,
		Stream:      stream,
	}
	if req.Settings.MaxTokens > 0 {
		maxTokens := req.Settings.MaxTokens
		if isReasoning {
			request.MaxCompletionTokens = &maxTokens
		} else {
			request.MaxTokens = &maxTokens
		}
	}
	if isReasoning && req.Settings.ReasoningBudget > 0 {
		request.ReasoningEffort = mapBudgetToReasoningEffort(req.Settings.ReasoningBudget)
	}
	if len(req.Tools) > 0 {
		request.Tools = make([]openaiTool, len(req.Tools))
		for i, tool := range req.Tools {
			request.Tools[i] = openaiTool{
				Type: "function",
				Function: openaiToolFunction{
					Name:        tool.Name,
					Description: tool.Description,
					Parameters:  tool.Parameters,
				},
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
	return &Payload{Path: "/chat/completions", Headers: headers, Body: body}, nil
}

func (c *openaiCompat) convertMessages(messages []protocol.Message) ([]openaiMessage, error) {
	out := make([]openaiMessage, 0, len(messages))
	for _, msg := range messages {
		if msg.Role == protocol.RoleTool {
			out = append(out, openaiMessage{
				Role:       "tool",
				Content:    toolResultText(msg),
				ToolCallID: msg.ToolCallID,
			})
			continue
		}

		var parts []openaiContentPart
		for _, part := range msg.Content {
			switch part.Type {
			case protocol.ContentTypeText:
				parts = append(parts, openaiContentPart{Type: "text", Text: part.Text})
			case protocol.ContentTypeImage:
				converted, err := c.convertImage(part.Image)
				if err != nil {
					return nil, err
				}
				parts = append(parts, converted)
			case protocol.ContentTypeDocument:
				converted, err := c.convertDocument(part.Document)
				if err != nil {
					return nil, err
				}
				parts = append(parts, converted)
			case protocol.ContentTypeToolResult:
				// Tool results outside tool-role messages are flattened
				// to text so they survive the round-trip.
				parts = append(parts, openaiContentPart{Type: "text", Text: stringifyToolResult(part.ToolResult)})
			}
		}

		om := openaiMessage{Role: string(msg.Role)}
		if len(parts) > 0 {
			om.Content = parts
		} else {
			om.Content = []openaiContentPart{}
		}

		for _, tc := range msg.ToolCalls {
			argsJSON, _ := json.Marshal(tc.Arguments)
			om.ToolCalls = append(om.ToolCalls, openaiToolCall{
				ID:       tc.ID,
				Type:     "function",
				Function: openaiFunctionCall{Name: tc.Name, Arguments: string(argsJSON)},
			})
		}
		out = append(out, om)
	}
	return out, nil
}

func (c *openaiCompat) convertImage(img *protocol.ImageSource) (openaiContentPart, error) {
	if img == nil {
		return openaiContentPart{}, protocol.NewError(protocol.ErrValidation, "image part missing source")
	}
	url := img.URL
	if url == "" && img.Base64 != "" {
		mime := img.MimeType
		if mime == "" {
			mime = "image/jpeg"
		}
		url = fmt.Sprintf("data:%s;base64,%s", mime, img.Base64)
	}
	if url == "" {
		return openaiContentPart{}, protocol.NewError(protocol.ErrValidation, "image part has neither url nor base64 data")
	}
	return openaiContentPart{Type: "image_url", ImageURL: &openaiImageURL{URL: url}}, nil
}

func (c *openaiCompat) convertDocument(doc *protocol.DocumentSource) (openaiContentPart, error) {
	if doc == nil {
		return openaiContentPart{}, protocol.NewError(protocol.ErrValidation, "document part missing source")
	}
	switch doc.Source {
	case protocol.DocumentSourceBase64:
		filename := doc.Filename
		if filename == "" {
			filename = "document"
		}
		return openaiContentPart{Type: "file", File: &openaiFilePart{
			Filename: filename,
			FileData: fmt.Sprintf("data:%s;base64,%s", doc.MimeType, doc.Data),
		}}, nil
	case protocol.DocumentSourceFileID:
		return openaiContentPart{Type: "file", File: &openaiFilePart{FileID: doc.FileID}}, nil
	case protocol.DocumentSourceURL:
		return openaiContentPart{}, protocol.NewError(protocol.ErrValidation,
			"chat-completions file uploads do not accept url document sources; fetch the document or upload it first")
	default:
		return openaiContentPart{}, protocol.NewError(protocol.ErrValidation, "unknown document source %q", doc.Source)
	}
}

func (c *openaiCompat) ParseResponse(raw []byte, req *Request) (*protocol.Response, error) {
	var resp openaiResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, protocol.WrapError(protocol.ErrMalformedResponse, err, "failed to decode chat-completions response")
	}
	if resp.Error != nil {
		return nil, protocol.NewError(protocol.ErrInternal, "provider error: %s", resp.Error.Message)
	}
	if len(resp.Choices) == 0 {
		return nil, protocol.NewError(protocol.ErrMalformedResponse, "response has no choices")
	}

	choice := resp.Choices[0]
	out := &protocol.Response{
		Provider:     c.name,
		Model:        req.Model,
		Role:         protocol.RoleAssistant,
		FinishReason: choice.FinishReason,
		Raw:          raw,
	}
	if text, ok := choice.Message.Content.(string); ok && text != "" {
		out.Content = append(out.Content, protocol.TextPart(text))
	}
	for _, tc := range choice.Message.ToolCalls {
		var args map[string]any
		if tc.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
				return nil, protocol.WrapError(protocol.ErrMalformedResponse, err,
					"failed to parse tool call arguments for %s", tc.Function.Name)
			}
		}
		out.ToolCalls = append(out.ToolCalls, protocol.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: args,
		})
	}
	if resp.Usage != nil {
		out.Usage = &protocol.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		}
	}
	return out, nil
}

// ParseStreamChunk parses one SSE data frame. Tool-call identity is the
// delta's index so argument deltas join their start without cross-chunk
// state; the provider call id rides in start metadata.
func (c *openaiCompat) ParseStreamChunk(raw []byte) (*ParsedChunk, error) {
	var resp openaiStreamResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, protocol.WrapError(protocol.ErrMalformedResponse, err, "failed to decode stream chunk")
	}
	if resp.Error != nil {
		return nil, protocol.NewError(protocol.ErrInternal, "provider error: %s", resp.Error.Message)
	}

	chunk := &ParsedChunk{}
	if resp.Usage != nil {
		chunk.Usage = &protocol.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		}
	}
	if len(resp.Choices) == 0 {
		return chunk, nil
	}

	choice := resp.Choices[0]
	chunk.Text = choice.Delta.Content
	chunk.Reasoning = choice.Delta.Reasoning

	for _, tc := range choice.Delta.ToolCalls {
		callID := "0"
		if tc.Index != nil {
			callID = strconv.Itoa(*tc.Index)
		}
		if tc.ID != "" || tc.Function.Name != "" {
			start := protocol.ToolCallEvent{
				Type:   protocol.ToolCallStart,
				CallID: callID,
				Name:   tc.Function.Name,
			}
			if tc.ID != "" {
				start.Metadata = map[string]any{"providerCallId": tc.ID}
			}
			chunk.ToolEvents = append(chunk.ToolEvents, start)
		}
		if tc.Function.Arguments != "" {
			chunk.ToolEvents = append(chunk.ToolEvents, protocol.ToolCallEvent{
				Type:           protocol.ToolCallArgumentsDelta,
				CallID:         callID,
				ArgumentsDelta: tc.Function.Arguments,
			})
		}
	}

	chunk.FinishReason = choice.FinishReason
	if choice.FinishReason == "tool_calls" {
		chunk.FinishedWithToolCalls = true
	}
	return chunk, nil
}

func (c *openaiCompat) StreamingFlags() StreamingFlags {
	return StreamingFlags{DataPrefix: "data: ", DoneMarker: "[DONE]"}
}

// ApplyProviderExtensions merges deployment-specific keys into the
// payload body.
func (c *openaiCompat) ApplyProviderExtensions(payload *Payload, opts map[string]any) error {
	return mergePayloadExtensions(payload, opts)
}

func (c *openaiCompat) CallSDK(ctx context.Context, req *Request) (*protocol.Response, error) {
	return nil, shapeError(c.name, "callSDK", registry.CompatShapeHTTP)
}

func (c *openaiCompat) StreamSDK(ctx context.Context, req *Request) (<-chan *ParsedChunk, error) {
	return nil, shapeError(c.name, "streamSDK", registry.CompatShapeHTTP)
}

func isOpenAIReasoningModel(model string) bool {
	lower := strings.ToLower(model)
	if lower == "o1" || lower == "o3" || lower == "o4" || lower == "gpt-5" {
		return true
	}
	for _, prefix := range []string{"o1-", "o3-", "o4-", "gpt-5-"} {
		if strings.HasPrefix(lower, prefix) {
			return true
		}
	}
	return false
}

func mapBudgetToReasoningEffort(budgetTokens int) string {
	switch {
	case budgetTokens <= 512:
		return "minimal"
	case budgetTokens <= 1024:
		return "low"
	case budgetTokens <= 8192:
		return "medium"
	default:
		return "high"
	}
}

// toolResultText extracts the textual payload of a tool-role message.
func toolResultText(msg protocol.Message) string {
	for _, part := range msg.Content {
		if part.Type == protocol.ContentTypeToolResult && part.ToolResult != nil {
			return stringifyToolResult(part.ToolResult)
		}
	}
	return msg.TextContent()
}

func stringifyToolResult(tr *protocol.ToolResult) string {
	if tr == nil {
		return ""
	}
	if tr.Error != "" {
		payload := map[string]any{"error": tr.Error}
		if tr.Detail != "" {
			payload["detail"] = tr.Detail
		}
		data, _ := json.Marshal(payload)
		return string(data)
	}
	if s, ok := tr.Result.(string); ok {
		return s
	}
	data, _ := json.Marshal(tr.Result)
	return string(data)
}

func mergePayloadExtensions(payload *Payload, opts map[string]any) error {
	if len(opts) == 0 {
		return nil
	}
	var body map[string]any
	if err := json.Unmarshal(payload.Body, &body); err != nil {
		return fmt.Errorf("failed to decode payload for extensions: %w", err)
	}
	for k, v := range opts {
		body[k] = v
	}
	merged, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to re-encode payload: %w", err)
	}
	payload.Body = merged
	return nil
}
