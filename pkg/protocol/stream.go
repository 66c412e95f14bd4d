package protocol

// StreamEventType discriminates normalized stream events.
type StreamEventType string

const (
	StreamEventDelta     StreamEventType = "delta"
	StreamEventTool      StreamEventType = "tool"
	StreamEventReasoning StreamEventType = "reasoning"
	StreamEventError     StreamEventType = "error"
	StreamEventDone      StreamEventType = "DONE"
)

// ToolCallEventType discriminates tool-call boundary events. For a given
// call the order is always start, then any argument deltas, then end.
type ToolCallEventType string

const (
	ToolCallStart          ToolCallEventType = "tool_call_start"
	ToolCallArgumentsDelta ToolCallEventType = "tool_call_arguments_delta"
	ToolCallEnd            ToolCallEventType = "tool_call_end"
)

// ToolCallEvent mirrors provider streaming tool protocols.
type ToolCallEvent struct {
	Type           ToolCallEventType `json:"type"`
	CallID         string            `json:"callId"`
	Name           string            `json:"name,omitempty"`
	ArgumentsDelta string            `json:"argumentsDelta,omitempty"`
	Arguments      map[string]any    `json:"arguments,omitempty"`
	Metadata       map[string]any    `json:"metadata,omitempty"`
}

// WireError is the error payload carried by error events and envelopes.
type WireError struct {
	Code    ErrorCode      `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// StreamEvent is one element of the normalized event stream.
type StreamEvent struct {
	Type      StreamEventType `json:"type"`
	Content   string          `json:"content,omitempty"`
	ToolEvent *ToolCallEvent  `json:"toolEvent,omitempty"`
	Text      string          `json:"text,omitempty"`
	Error     *WireError      `json:"error,omitempty"`
	Response  *Response       `json:"response,omitempty"`
}

// DeltaEvent builds a text delta event.
func DeltaEvent(content string) StreamEvent {
	return StreamEvent{Type: StreamEventDelta, Content: content}
}

// ToolEvent wraps a tool-call event.
func ToolEvent(ev ToolCallEvent) StreamEvent {
	e := ev
	return StreamEvent{Type: StreamEventTool, ToolEvent: &e}
}

// ReasoningEvent builds a reasoning event.
func ReasoningEvent(text string) StreamEvent {
	return StreamEvent{Type: StreamEventReasoning, Text: text}
}

// ErrorEvent builds a terminal error event.
func ErrorEvent(code ErrorCode, message string) StreamEvent {
	return StreamEvent{Type: StreamEventError, Error: &WireError{Code: code, Message: message}}
}

// DoneEvent builds the terminal DONE event.
func DoneEvent(resp *Response) StreamEvent {
	return StreamEvent{Type: StreamEventDone, Response: resp}
}
