package protocol

import "encoding/json"

// ToolCall is a model-initiated tool invocation. Metadata carries
// provider-specific opaque fields (e.g. thought signatures) that must
// survive the round-trip back into the next provider call.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Usage reports token accounting for one provider call.
type Usage struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
	TotalTokens      int `json:"totalTokens"`
	ReasoningTokens  int `json:"reasoningTokens,omitempty"`
}

// Response is the normalized provider response.
type Response struct {
	Provider     string          `json:"provider"`
	Model        string          `json:"model"`
	Role         Role            `json:"role"`
	Content      []ContentPart   `json:"content"`
	ToolCalls    []ToolCall      `json:"toolCalls,omitempty"`
	Reasoning    string          `json:"reasoning,omitempty"`
	Usage        *Usage          `json:"usage,omitempty"`
	FinishReason string          `json:"finishReason,omitempty"`
	Raw          json.RawMessage `json:"raw,omitempty"`
}

// AsMessage converts the response into an assistant message for the
// next turn of the conversation.
func (r *Response) AsMessage() Message {
	return Message{
		Role:      RoleAssistant,
		Content:   r.Content,
		ToolCalls: r.ToolCalls,
		Reasoning: r.Reasoning,
	}
}
