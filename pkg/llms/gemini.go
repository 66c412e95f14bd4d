package llms

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"

	"google.golang.org/genai"

	"github.com/modelrelay/modelrelay/pkg/protocol"
	"github.com/modelrelay/modelrelay/pkg/registry"
)

// geminiCompat drives Gemini through the official genai SDK. It is an
// SDK-shape compat; the HTTP capability set returns explanatory errors.
type geminiCompat struct {
	name string

	// newClient is swapped in tests.
	newClient func(ctx context.Context, apiKey string) (*genai.Client, error)
}

func newGeminiCompat(name string) *geminiCompat {
	return &geminiCompat{
		name: name,
		newClient: func(ctx context.Context, apiKey string) (*genai.Client, error) {
			return genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey})
		},
	}
}

func (c *geminiCompat) Name() string                { return c.name }
func (c *geminiCompat) Shape() registry.CompatShape { return registry.CompatShapeSDK }

func (c *geminiCompat) BuildPayload(req *Request, stream bool) (*Payload, error) {
	return nil, shapeError(c.name, "buildPayload", registry.CompatShapeSDK)
}

func (c *geminiCompat) ParseResponse(raw []byte, req *Request) (*protocol.Response, error) {
	return nil, shapeError(c.name, "parseResponse", registry.CompatShapeSDK)
}

func (c *geminiCompat) ParseStreamChunk(raw []byte) (*ParsedChunk, error) {
	return nil, shapeError(c.name, "parseStreamChunk", registry.CompatShapeSDK)
}

func (c *geminiCompat) StreamingFlags() StreamingFlags {
	return StreamingFlags{}
}

func (c *geminiCompat) ApplyProviderExtensions(payload *Payload, opts map[string]any) error {
	return shapeError(c.name, "applyProviderExtensions", registry.CompatShapeSDK)
}

func (c *geminiCompat) client(ctx context.Context, req *Request) (*genai.Client, error) {
	apiKey := ""
	if req.Provider != nil {
		apiKey = req.Provider.APIKey
	}
	if apiKey == "" {
		return nil, protocol.NewError(protocol.ErrManifest, "gemini provider requires an api key")
	}
	client, err := c.newClient(ctx, apiKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}
	return client, nil
}

func (c *geminiCompat) CallSDK(ctx context.Context, req *Request) (*protocol.Response, error) {
	client, err := c.client(ctx, req)
	if err != nil {
		return nil, err
	}

	contents, config := c.buildSDKParams(req)
	genResp, err := client.Models.GenerateContent(ctx, req.Model, contents, config)
	if err != nil {
		return nil, fmt.Errorf("gemini generation failed: %w", err)
	}
	return c.parseSDKResponse(genResp, req)
}

func (c *geminiCompat) StreamSDK(ctx context.Context, req *Request) (<-chan *ParsedChunk, error) {
	client, err := c.client(ctx, req)
	if err != nil {
		return nil, err
	}

	contents, config := c.buildSDKParams(req)
	out := make(chan *ParsedChunk, 100)

	go func() {
		defer close(out)
		state := &geminiStreamState{emitted: make(map[string]bool)}

		for genResp, err := range client.Models.GenerateContentStream(ctx, req.Model, contents, config) {
			if err != nil {
				out <- &ParsedChunk{Err: fmt.Errorf("gemini streaming error: %w", err)}
				return
			}
			chunk := c.parseSDKChunk(genResp, state)
			if chunk != nil {
				select {
				case out <- chunk:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

type geminiStreamState struct {
	emitted map[string]bool
	nextID  int
}

// buildSDKParams converts the unified request into genai SDK arguments.
func (c *geminiCompat) buildSDKParams(req *Request) ([]*genai.Content, *genai.GenerateContentConfig) {
	var contents []*genai.Content
	var systemInstruction *genai.Content

	for _, msg := range req.Messages {
		if msg.Role == protocol.RoleSystem {
			text := msg.TextContent()
			if text == "" {
				continue
			}
			if systemInstruction == nil {
				systemInstruction = &genai.Content{Parts: []*genai.Part{{Text: text}}, Role: "user"}
			} else {
				systemInstruction.Parts = append(systemInstruction.Parts, &genai.Part{Text: text})
			}
			continue
		}
		if content := c.messageToContent(msg); content != nil {
			contents = append(contents, content)
		}
	}

	config := &genai.GenerateContentConfig{SystemInstruction: systemInstruction}
	if req.Settings.Temperature != nil {
		config.Temperature = genai.Ptr(float32(*req.Settings.Temperature))
	}
	if req.Settings.TopP != nil {
		config.TopP = genai.Ptr(float32(*req.Settings.TopP))
	}
	if req.Settings.MaxTokens > 0 {
		config.MaxOutputTokens = int32(req.Settings.MaxTokens)
	}
	if len(req.Settings.Stop) > 0 {
		config.StopSequences = req.Settings.Stop
	}
	if req.Settings.ReasoningBudget > 0 {
		budget := int32(req.Settings.ReasoningBudget)
		config.ThinkingConfig = &genai.ThinkingConfig{
			IncludeThoughts: true,
			ThinkingBudget:  &budget,
		}
	}
	for _, tool := range req.Tools {
		config.Tools = append(config.Tools, &genai.Tool{
			FunctionDeclarations: []*genai.FunctionDeclaration{{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  toGenaiSchema(tool.Parameters),
			}},
		})
	}
	return contents, config
}

func (c *geminiCompat) messageToContent(msg protocol.Message) *genai.Content {
	var parts []*genai.Part

	if msg.Role == protocol.RoleTool {
		response := map[string]any{"result": toolResultText(msg)}
		name := ""
		for _, part := range msg.Content {
			if part.Type == protocol.ContentTypeToolResult && part.ToolResult != nil {
				name = part.ToolResult.ToolName
				break
			}
		}
		parts = append(parts, &genai.Part{
			FunctionResponse: &genai.FunctionResponse{
				ID:       msg.ToolCallID,
				Name:     name,
				Response: response,
			},
		})
		return &genai.Content{Parts: parts, Role: "user"}
	}

	for _, part := range msg.Content {
		switch part.Type {
		case protocol.ContentTypeText:
			if part.Text != "" {
				parts = append(parts, &genai.Part{Text: part.Text})
			}
		case protocol.ContentTypeImage:
			if part.Image == nil {
				continue
			}
			if part.Image.URL != "" {
				parts = append(parts, &genai.Part{
					FileData: &genai.FileData{MIMEType: part.Image.MimeType, FileURI: part.Image.URL},
				})
			} else if part.Image.Base64 != "" {
				data, err := base64.StdEncoding.DecodeString(part.Image.Base64)
				if err != nil {
					continue
				}
				mime := part.Image.MimeType
				if mime == "" {
					mime = detectImageMediaType(data)
				}
				parts = append(parts, &genai.Part{
					InlineData: &genai.Blob{MIMEType: mime, Data: data},
				})
			}
		case protocol.ContentTypeDocument:
			if part.Document == nil {
				continue
			}
			switch part.Document.Source {
			case protocol.DocumentSourceBase64:
				data, err := base64.StdEncoding.DecodeString(part.Document.Data)
				if err != nil {
					continue
				}
				parts = append(parts, &genai.Part{
					InlineData: &genai.Blob{MIMEType: part.Document.MimeType, Data: data},
				})
			case protocol.DocumentSourceURL:
				parts = append(parts, &genai.Part{
					FileData: &genai.FileData{MIMEType: part.Document.MimeType, FileURI: part.Document.URL},
				})
			case protocol.DocumentSourceFileID:
				parts = append(parts, &genai.Part{
					FileData: &genai.FileData{MIMEType: part.Document.MimeType, FileURI: part.Document.FileID},
				})
			}
		}
	}

	for _, tc := range msg.ToolCalls {
		part := &genai.Part{
			FunctionCall: &genai.FunctionCall{ID: tc.ID, Name: tc.Name, Args: tc.Arguments},
		}
		if sig, ok := tc.Metadata[metadataThoughtSignature].(string); ok && sig != "" {
			part.ThoughtSignature = []byte(sig)
		}
		parts = append(parts, part)
	}

	if len(parts) == 0 {
		return nil
	}
	role := "user"
	if msg.Role == protocol.RoleAssistant {
		role = "model"
	}
	return &genai.Content{Parts: parts, Role: role}
}

func (c *geminiCompat) parseSDKResponse(genResp *genai.GenerateContentResponse, req *Request) (*protocol.Response, error) {
	if len(genResp.Candidates) == 0 {
		return nil, protocol.NewError(protocol.ErrMalformedResponse, "empty gemini response")
	}

	candidate := genResp.Candidates[0]
	out := &protocol.Response{
		Provider:     c.name,
		Model:        req.Model,
		Role:         protocol.RoleAssistant,
		FinishReason: mapGeminiFinishReason(candidate.FinishReason),
	}

	var signature string
	if candidate.Content != nil {
		for _, part := range candidate.Content.Parts {
			if len(part.ThoughtSignature) > 0 {
				signature = string(part.ThoughtSignature)
			}
			if part.Text != "" {
				if part.Thought {
					out.Reasoning += part.Text
				} else {
					out.Content = append(out.Content, protocol.TextPart(part.Text))
				}
			}
			if part.FunctionCall != nil {
				tc := protocol.ToolCall{
					ID:        part.FunctionCall.ID,
					Name:      part.FunctionCall.Name,
					Arguments: part.FunctionCall.Args,
				}
				if tc.ID == "" {
					tc.ID = stableFunctionCallID(tc.Name, tc.Arguments)
				}
				if signature != "" {
					tc.Metadata = map[string]any{metadataThoughtSignature: signature}
				}
				out.ToolCalls = append(out.ToolCalls, tc)
			}
		}
	}

	if genResp.UsageMetadata != nil {
		out.Usage = &protocol.Usage{
			PromptTokens:     int(genResp.UsageMetadata.PromptTokenCount),
			CompletionTokens: int(genResp.UsageMetadata.CandidatesTokenCount),
			TotalTokens:      int(genResp.UsageMetadata.TotalTokenCount),
		}
	}
	return out, nil
}

// parseSDKChunk maps one streamed SDK response into a ParsedChunk.
// Gemini delivers complete function calls, so each produces start and
// end events back to back. Repeated identical calls across chunks are
// deduplicated.
func (c *geminiCompat) parseSDKChunk(genResp *genai.GenerateContentResponse, state *geminiStreamState) *ParsedChunk {
	chunk := &ParsedChunk{}

	if genResp.UsageMetadata != nil {
		chunk.Usage = &protocol.Usage{
			PromptTokens:     int(genResp.UsageMetadata.PromptTokenCount),
			CompletionTokens: int(genResp.UsageMetadata.CandidatesTokenCount),
			TotalTokens:      int(genResp.UsageMetadata.TotalTokenCount),
		}
	}
	if len(genResp.Candidates) == 0 {
		return chunk
	}

	candidate := genResp.Candidates[0]
	if candidate.FinishReason != "" {
		chunk.FinishReason = mapGeminiFinishReason(candidate.FinishReason)
	}
	if candidate.Content == nil {
		return chunk
	}

	var signature string
	for _, part := range candidate.Content.Parts {
		if len(part.ThoughtSignature) > 0 {
			signature = string(part.ThoughtSignature)
		}
		if part.Text != "" {
			if part.Thought {
				chunk.Reasoning += part.Text
			} else {
				chunk.Text += part.Text
			}
		}
		if part.FunctionCall != nil {
			providerID := part.FunctionCall.ID
			if providerID == "" {
				providerID = stableFunctionCallID(part.FunctionCall.Name, part.FunctionCall.Args)
			}
			if state.emitted[providerID] {
				continue
			}
			state.emitted[providerID] = true

			callID := strconv.Itoa(state.nextID)
			state.nextID++

			metadata := map[string]any{"providerCallId": providerID}
			if signature != "" {
				metadata[metadataThoughtSignature] = signature
			}
			chunk.ToolEvents = append(chunk.ToolEvents,
				protocol.ToolCallEvent{
					Type:     protocol.ToolCallStart,
					CallID:   callID,
					Name:     part.FunctionCall.Name,
					Metadata: metadata,
				},
				protocol.ToolCallEvent{
					Type:      protocol.ToolCallEnd,
					CallID:    callID,
					Name:      part.FunctionCall.Name,
					Arguments: part.FunctionCall.Args,
				},
			)
			chunk.FinishedWithToolCalls = true
		}
	}
	return chunk
}

func stableFunctionCallID(name string, args map[string]any) string {
	data, _ := json.Marshal(map[string]any{"name": name, "args": args})
	hash := sha256.Sum256(data)
	return fmt.Sprintf("call-%x", hash[:16])
}

func toGenaiSchema(schema map[string]any) *genai.Schema {
	if schema == nil {
		return nil
	}

	s := &genai.Schema{}
	if t, ok := schema["type"].(string); ok {
		s.Type = genai.Type(t)
	}
	if desc, ok := schema["description"].(string); ok {
		s.Description = desc
	}
	if props, ok := schema["properties"].(map[string]any); ok {
		s.Properties = make(map[string]*genai.Schema)
		for name, prop := range props {
			if propMap, ok := prop.(map[string]any); ok {
				s.Properties[name] = toGenaiSchema(propMap)
			}
		}
	}
	if required, ok := schema["required"].([]any); ok {
		for _, r := range required {
			if rs, ok := r.(string); ok {
				s.Required = append(s.Required, rs)
			}
		}
	}
	if required, ok := schema["required"].([]string); ok {
		s.Required = append(s.Required, required...)
	}
	if items, ok := schema["items"].(map[string]any); ok {
		s.Items = toGenaiSchema(items)
	}
	if enum, ok := schema["enum"].([]any); ok {
		for _, e := range enum {
			if es, ok := e.(string); ok {
				s.Enum = append(s.Enum, es)
			}
		}
	}
	return s
}

func mapGeminiFinishReason(reason genai.FinishReason) string {
	switch reason {
	case genai.FinishReasonStop:
		return "stop"
	case genai.FinishReasonMaxTokens:
		return "length"
	case genai.FinishReasonSafety:
		return "content_filter"
	default:
		return string(reason)
	}
}
