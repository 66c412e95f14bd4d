package llms

import (
	"testing"

	"google.golang.org/genai"

	"github.com/modelrelay/modelrelay/pkg/protocol"
)

func TestGeminiBuildSDKParams(t *testing.T) {
	c := newGeminiCompat("gemini")
	temp := 0.4
	contents, config := c.buildSDKParams(&Request{
		Model: "gemini-2.5-pro",
		Settings: protocol.Settings{
			Temperature:     &temp,
			MaxTokens:       1024,
			Stop:            []string{"END"},
			ReasoningBudget: 512,
		},
		Messages: []protocol.Message{
			{Role: protocol.RoleSystem, Content: []protocol.ContentPart{protocol.TextPart("be helpful")}},
			userText("hi"),
			{Role: protocol.RoleAssistant, Content: []protocol.ContentPart{protocol.TextPart("hello")}},
		},
		Tools: []protocol.Tool{{
			Name:        "lookup",
			Description: "find things",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"q": map[string]any{"type": "string", "description": "query"},
				},
				"required": []any{"q"},
			},
		}},
	})

	if len(contents) != 2 {
		t.Fatalf("contents = %+v", contents)
	}
	if contents[0].Role != "user" || contents[1].Role != "model" {
		t.Errorf("roles = %q, %q", contents[0].Role, contents[1].Role)
	}
	if config.SystemInstruction == nil || config.SystemInstruction.Parts[0].Text != "be helpful" {
		t.Errorf("SystemInstruction = %+v", config.SystemInstruction)
	}
	if config.Temperature == nil || *config.Temperature != 0.4 {
		t.Errorf("Temperature = %v", config.Temperature)
	}
	if config.MaxOutputTokens != 1024 {
		t.Errorf("MaxOutputTokens = %d", config.MaxOutputTokens)
	}
	if config.ThinkingConfig == nil || !config.ThinkingConfig.IncludeThoughts || *config.ThinkingConfig.ThinkingBudget != 512 {
		t.Errorf("ThinkingConfig = %+v", config.ThinkingConfig)
	}

	decl := config.Tools[0].FunctionDeclarations[0]
	if decl.Name != "lookup" || decl.Parameters == nil {
		t.Fatalf("declaration = %+v", decl)
	}
	if decl.Parameters.Properties["q"].Type != genai.Type("string") {
		t.Errorf("schema property = %+v", decl.Parameters.Properties["q"])
	}
	if len(decl.Parameters.Required) != 1 || decl.Parameters.Required[0] != "q" {
		t.Errorf("required = %v", decl.Parameters.Required)
	}
}

func TestGeminiToolMessagesBecomeFunctionResponses(t *testing.T) {
	c := newGeminiCompat("gemini")
	content := c.messageToContent(protocol.Message{
		Role:       protocol.RoleTool,
		ToolCallID: "call-1",
		Content: []protocol.ContentPart{protocol.ToolResultPart(protocol.ToolResult{
			ToolName: "lookup",
			Result:   "found",
		})},
	})
	if content == nil || content.Role != "user" {
		t.Fatalf("content = %+v", content)
	}
	fr := content.Parts[0].FunctionResponse
	if fr == nil || fr.Name != "lookup" || fr.Response["result"] != "found" {
		t.Errorf("FunctionResponse = %+v", fr)
	}
}

func TestGeminiAssistantToolCallsCarrySignature(t *testing.T) {
	c := newGeminiCompat("gemini")
	content := c.messageToContent(protocol.Message{
		Role: protocol.RoleAssistant,
		ToolCalls: []protocol.ToolCall{{
			ID:        "fc-1",
			Name:      "lookup",
			Arguments: map[string]any{"q": "x"},
			Metadata:  map[string]any{metadataThoughtSignature: "sig-g"},
		}},
	})
	if content == nil || content.Role != "model" {
		t.Fatalf("content = %+v", content)
	}
	part := content.Parts[0]
	if part.FunctionCall == nil || part.FunctionCall.Name != "lookup" {
		t.Fatalf("part = %+v", part)
	}
	if string(part.ThoughtSignature) != "sig-g" {
		t.Errorf("ThoughtSignature = %q", part.ThoughtSignature)
	}
}

func TestGeminiParseSDKResponse(t *testing.T) {
	c := newGeminiCompat("gemini")
	resp, err := c.parseSDKResponse(&genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{
			FinishReason: genai.FinishReasonStop,
			Content: &genai.Content{Parts: []*genai.Part{
				{Text: "planning", Thought: true, ThoughtSignature: []byte("sig-z")},
				{Text: "done"},
				{FunctionCall: &genai.FunctionCall{Name: "lookup", Args: map[string]any{"q": "x"}}},
			}},
		}},
		UsageMetadata: &genai.GenerateContentResponseUsageMetadata{
			PromptTokenCount:     3,
			CandidatesTokenCount: 4,
			TotalTokenCount:      7,
		},
	}, &Request{Model: "gemini-2.5-pro"})
	if err != nil {
		t.Fatalf("parseSDKResponse() error = %v", err)
	}
	if resp.Reasoning != "planning" || resp.Content[0].Text != "done" {
		t.Errorf("content = %+v reasoning = %q", resp.Content, resp.Reasoning)
	}
	tc := resp.ToolCalls[0]
	if tc.ID == "" {
		t.Error("empty function call id should get a stable fallback")
	}
	if tc.Metadata[metadataThoughtSignature] != "sig-z" {
		t.Errorf("metadata = %+v", tc.Metadata)
	}
	if resp.FinishReason != "stop" || resp.Usage.TotalTokens != 7 {
		t.Errorf("finish = %q usage = %+v", resp.FinishReason, resp.Usage)
	}
}

func TestGeminiStreamChunkEmitsStartAndEnd(t *testing.T) {
	c := newGeminiCompat("gemini")
	state := &geminiStreamState{emitted: make(map[string]bool)}

	chunk := c.parseSDKChunk(&genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{
			Content: &genai.Content{Parts: []*genai.Part{
				{FunctionCall: &genai.FunctionCall{Name: "lookup", Args: map[string]any{"q": "x"}}},
			}},
		}},
	}, state)

	if len(chunk.ToolEvents) != 2 {
		t.Fatalf("ToolEvents = %+v", chunk.ToolEvents)
	}
	start, end := chunk.ToolEvents[0], chunk.ToolEvents[1]
	if start.Type != protocol.ToolCallStart || end.Type != protocol.ToolCallEnd {
		t.Errorf("event types = %v, %v", start.Type, end.Type)
	}
	if start.CallID != end.CallID {
		t.Errorf("call ids differ: %q vs %q", start.CallID, end.CallID)
	}
	if end.Arguments["q"] != "x" {
		t.Errorf("end arguments = %v", end.Arguments)
	}
	if !chunk.FinishedWithToolCalls {
		t.Error("FinishedWithToolCalls = false")
	}

	// The same call repeated in a later chunk is not emitted twice.
	repeat := c.parseSDKChunk(&genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{
			Content: &genai.Content{Parts: []*genai.Part{
				{FunctionCall: &genai.FunctionCall{Name: "lookup", Args: map[string]any{"q": "x"}}},
			}},
		}},
	}, state)
	if len(repeat.ToolEvents) != 0 {
		t.Errorf("repeat ToolEvents = %+v", repeat.ToolEvents)
	}
}

func TestStableFunctionCallIDIsDeterministic(t *testing.T) {
	a := stableFunctionCallID("lookup", map[string]any{"q": "x"})
	b := stableFunctionCallID("lookup", map[string]any{"q": "x"})
	other := stableFunctionCallID("lookup", map[string]any{"q": "y"})
	if a != b {
		t.Errorf("ids differ for same input: %q vs %q", a, b)
	}
	if a == other {
		t.Error("ids collide for different arguments")
	}
}

func TestGeminiHTTPShapeRejected(t *testing.T) {
	c := newGeminiCompat("gemini")
	if _, err := c.BuildPayload(&Request{}, false); err == nil {
		t.Error("BuildPayload should fail for SDK compats")
	}
	if _, err := c.ParseResponse(nil, &Request{}); err == nil {
		t.Error("ParseResponse should fail for SDK compats")
	}
}
