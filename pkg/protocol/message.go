package protocol

// Role identifies the author of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ContentType discriminates content parts.
type ContentType string

const (
	ContentTypeText       ContentType = "text"
	ContentTypeImage      ContentType = "image"
	ContentTypeDocument   ContentType = "document"
	ContentTypeToolResult ContentType = "tool_result"
)

// DocumentSourceType identifies where document bytes come from.
type DocumentSourceType string

const (
	DocumentSourceBase64 DocumentSourceType = "base64"
	DocumentSourceURL    DocumentSourceType = "url"
	DocumentSourceFileID DocumentSourceType = "file_id"
)

// ContentPart is one element of a message's content. Type selects which
// of the optional fields is populated.
type ContentPart struct {
	Type ContentType `json:"type"`

	// Text content (Type == text).
	Text string `json:"text,omitempty"`

	// Image content (Type == image).
	Image *ImageSource `json:"image,omitempty"`

	// Document content (Type == document).
	Document *DocumentSource `json:"document,omitempty"`

	// Tool result content (Type == tool_result).
	ToolResult *ToolResult `json:"toolResult,omitempty"`
}

// ImageSource carries an image either by URL or inline base64 data.
type ImageSource struct {
	URL      string `json:"url,omitempty"`
	Base64   string `json:"base64,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

// DocumentSource carries a document by one of the supported source types.
type DocumentSource struct {
	Source          DocumentSourceType `json:"source"`
	Data            string             `json:"data,omitempty"`
	URL             string             `json:"url,omitempty"`
	FileID          string             `json:"fileId,omitempty"`
	MimeType        string             `json:"mimeType"`
	Filename        string             `json:"filename,omitempty"`
	ProviderOptions map[string]any     `json:"providerOptions,omitempty"`
}

// ToolResult is the payload of a tool-role content part.
type ToolResult struct {
	ToolName string `json:"toolName"`
	Result   any    `json:"result,omitempty"`
	Error    string `json:"error,omitempty"`
	Detail   string `json:"detail,omitempty"`
}

// TextPart builds a text content part.
func TextPart(text string) ContentPart {
	return ContentPart{Type: ContentTypeText, Text: text}
}

// ToolResultPart builds a tool_result content part.
func ToolResultPart(result ToolResult) ContentPart {
	r := result
	return ContentPart{Type: ContentTypeToolResult, ToolResult: &r}
}

// Message is one turn of the conversation.
type Message struct {
	Role       Role           `json:"role"`
	Content    []ContentPart  `json:"content"`
	ToolCalls  []ToolCall     `json:"toolCalls,omitempty"`
	ToolCallID string         `json:"toolCallId,omitempty"`
	Reasoning  string         `json:"reasoning,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// TextContent concatenates the message's text parts.
func (m *Message) TextContent() string {
	var out string
	for _, p := range m.Content {
		if p.Type == ContentTypeText {
			out += p.Text
		}
	}
	return out
}

// Tool is a tool declaration offered to the model.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parametersJsonSchema,omitempty"`
}
