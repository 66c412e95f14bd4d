package llms

import (
	"encoding/json"
	"testing"

	"github.com/modelrelay/modelrelay/pkg/protocol"
)

func TestResponsesBuildPayload(t *testing.T) {
	c := newOpenAIResponsesCompat("openai_responses")
	payload, err := c.BuildPayload(&Request{
		Model: "gpt-5",
		Messages: []protocol.Message{
			{Role: protocol.RoleSystem, Content: []protocol.ContentPart{protocol.TextPart("be brief")}},
			userText("summarize this"),
			{
				Role:      protocol.RoleAssistant,
				ToolCalls: []protocol.ToolCall{{ID: "fc_1", Name: "lookup", Arguments: map[string]any{"q": "x"}}},
			},
			{
				Role:       protocol.RoleTool,
				ToolCallID: "fc_1",
				Content: []protocol.ContentPart{protocol.ToolResultPart(protocol.ToolResult{
					ToolName: "lookup",
					Result:   "found it",
				})},
			},
		},
	}, false)
	if err != nil {
		t.Fatalf("BuildPayload() error = %v", err)
	}
	if payload.Path != "/responses" {
		t.Errorf("Path = %q", payload.Path)
	}

	var req responsesRequest
	if err := json.Unmarshal(payload.Body, &req); err != nil {
		t.Fatal(err)
	}
	if req.Instructions != "be brief" {
		t.Errorf("Instructions = %q", req.Instructions)
	}
	if len(req.Input) != 3 {
		t.Fatalf("Input = %+v", req.Input)
	}
	if req.Input[0].Role != "user" || req.Input[0].Content[0].Type != "input_text" {
		t.Errorf("user item = %+v", req.Input[0])
	}
	if req.Input[1].Type != "function_call" || req.Input[1].CallID != "fc_1" || req.Input[1].Arguments != `{"q":"x"}` {
		t.Errorf("function_call item = %+v", req.Input[1])
	}
	if req.Input[2].Type != "function_call_output" || req.Input[2].Output != "found it" {
		t.Errorf("function_call_output item = %+v", req.Input[2])
	}
}

func TestResponsesAcceptsURLDocuments(t *testing.T) {
	c := newOpenAIResponsesCompat("openai_responses")
	item, err := c.convertDocument(&protocol.DocumentSource{
		Source:   protocol.DocumentSourceURL,
		URL:      "https://example.com/a.pdf",
		MimeType: "application/pdf",
	})
	if err != nil {
		t.Fatalf("convertDocument() error = %v", err)
	}
	if item.Type != "input_file" || item.FileURL != "https://example.com/a.pdf" {
		t.Errorf("item = %+v", item)
	}
}

func TestResponsesParseResponse(t *testing.T) {
	c := newOpenAIResponsesCompat("openai_responses")
	raw := []byte(`{
		"status": "completed",
		"output": [
			{"type": "reasoning", "summary": [{"type": "summary_text", "text": "thinking about it"}]},
			{"type": "message", "role": "assistant", "content": [{"type": "output_text", "text": "hello"}]},
			{"type": "function_call", "call_id": "fc_2", "name": "lookup", "arguments": "{\"q\":\"y\"}"}
		],
		"usage": {"input_tokens": 4, "output_tokens": 6, "total_tokens": 10, "output_tokens_details": {"reasoning_tokens": 2}}
	}`)

	resp, err := c.ParseResponse(raw, &Request{Model: "gpt-5"})
	if err != nil {
		t.Fatalf("ParseResponse() error = %v", err)
	}
	if resp.Reasoning != "thinking about it" {
		t.Errorf("Reasoning = %q", resp.Reasoning)
	}
	if resp.Content[0].Text != "hello" {
		t.Errorf("Content = %+v", resp.Content)
	}
	if resp.ToolCalls[0].ID != "fc_2" || resp.ToolCalls[0].Arguments["q"] != "y" {
		t.Errorf("ToolCalls = %+v", resp.ToolCalls)
	}
	if resp.Usage.ReasoningTokens != 2 {
		t.Errorf("Usage = %+v", resp.Usage)
	}
}

func TestResponsesParseStreamEvents(t *testing.T) {
	c := newOpenAIResponsesCompat("openai_responses")

	text, err := c.ParseStreamChunk([]byte(`{"type":"response.output_text.delta","delta":"hel"}`))
	if err != nil {
		t.Fatal(err)
	}
	if text.Text != "hel" {
		t.Errorf("text = %q", text.Text)
	}

	start, err := c.ParseStreamChunk([]byte(`{"type":"response.output_item.added","item":{"type":"function_call","call_id":"fc_3","name":"lookup"}}`))
	if err != nil {
		t.Fatal(err)
	}
	if start.ToolEvents[0].Type != protocol.ToolCallStart || start.ToolEvents[0].CallID != "fc_3" {
		t.Errorf("start = %+v", start.ToolEvents[0])
	}

	end, err := c.ParseStreamChunk([]byte(`{"type":"response.output_item.done","item":{"type":"function_call","call_id":"fc_3","name":"lookup","arguments":"{\"q\":\"z\"}"}}`))
	if err != nil {
		t.Fatal(err)
	}
	if end.ToolEvents[0].Type != protocol.ToolCallEnd || end.ToolEvents[0].Arguments["q"] != "z" {
		t.Errorf("end = %+v", end.ToolEvents[0])
	}

	done, err := c.ParseStreamChunk([]byte(`{"type":"response.completed","response":{"output":[{"type":"function_call"}],"usage":{"input_tokens":1,"output_tokens":2,"total_tokens":3}}}`))
	if err != nil {
		t.Fatal(err)
	}
	if !done.FinishedWithToolCalls || done.Usage.TotalTokens != 3 {
		t.Errorf("done = %+v", done)
	}

	if _, err := c.ParseStreamChunk([]byte(`{"type":"response.failed"}`)); protocol.CodeOf(err) != protocol.ErrInternal {
		t.Errorf("failed event err = %v", err)
	}
}
